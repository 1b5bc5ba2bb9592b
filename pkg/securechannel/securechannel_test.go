package securechannel

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetrpc/fleetrpc/pkg/identity"
)

func selfSignedPair(t *testing.T) (*identity.Identity, *identity.Identity) {
	t.Helper()
	server, err := identity.GenerateSelfSigned("server", time.Hour)
	require.NoError(t, err)
	client, err := identity.GenerateSelfSigned("client", time.Hour)
	require.NoError(t, err)
	return server, client
}

func TestServerUpgradeClientDialRoundTrip(t *testing.T) {
	serverID, clientID := selfSignedPair(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Channel, 1)
	serverErr := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		ch, err := ServerUpgrade(context.Background(), raw, serverID, 2*time.Second)
		if err != nil {
			serverErr <- err
			return
		}
		serverCh <- ch
	}()

	clientChannel, err := ClientDial(context.Background(), ln.Addr().String(), clientID, 2*time.Second)
	require.NoError(t, err)
	defer clientChannel.Close()

	var serverChannel *Channel
	select {
	case serverChannel = <-serverCh:
	case err := <-serverErr:
		t.Fatalf("server upgrade failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server upgrade")
	}
	defer serverChannel.Close()

	require.Equal(t, clientID.Thumbprint(), serverChannel.PeerThumbprint())
	require.Equal(t, serverID.Thumbprint(), clientChannel.PeerThumbprint())

	const msg = "ping"
	_, err = clientChannel.Conn().Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = serverChannel.Conn().Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

// TestServerUpgradeAutoDetectsWebSocket exercises ServerUpgrade's peek-based
// routing end to end: a ClientDialWSS caller gets its traffic carried inside
// WebSocket frames, transparently to the Channel's Conn() caller on both
// sides, without any separate listening mode.
func TestServerUpgradeAutoDetectsWebSocket(t *testing.T) {
	serverID, clientID := selfSignedPair(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverCh := make(chan *Channel, 1)
	serverErr := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		ch, err := ServerUpgrade(context.Background(), raw, serverID, 2*time.Second)
		if err != nil {
			serverErr <- err
			return
		}
		serverCh <- ch
	}()

	clientChannel, err := ClientDialWSS(context.Background(), ln.Addr().String(), "/agents", clientID, 2*time.Second)
	require.NoError(t, err)
	defer clientChannel.Close()

	var serverChannel *Channel
	select {
	case serverChannel = <-serverCh:
	case err := <-serverErr:
		t.Fatalf("server upgrade failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server upgrade")
	}
	defer serverChannel.Close()

	require.Equal(t, clientID.Thumbprint(), serverChannel.PeerThumbprint())

	const msg = "ping over wss"
	_, err = clientChannel.Conn().Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = serverChannel.Conn().Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

func TestLooksLikePlaintextHTTPDetectsRequestLine(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() { _, _ = client.Write([]byte("GET / HTTP/1.1\r\n\r\n")) }()

	br, looksHTTP, err := LooksLikePlaintextHTTP(server, 2*time.Second)
	require.NoError(t, err)
	require.True(t, looksHTTP)

	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\n", line)
}

func TestLooksLikePlaintextHTTPRejectsTLSClientHello(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// A TLS ClientHello record starts 0x16 0x03 ..., never a method token.
	go func() { _, _ = client.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x05}) }()

	_, looksHTTP, err := LooksLikePlaintextHTTP(server, 2*time.Second)
	require.NoError(t, err)
	require.False(t, looksHTTP)
}
