package wsupgrade

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestUpgradeConnAndDialClientRoundTrip drives a real loopback TCP pair
// through UpgradeConn/DialClient (the shim used once TLS has already been
// established) and confirms bytes written on one side's net.Conn arrive on
// the other's, framed as WebSocket messages underneath.
func TestUpgradeConnAndDialClientRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverConn := make(chan net.Conn, 1)
	serverErr := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		upgraded, err := UpgradeConn(raw, 2*time.Second)
		if err != nil {
			serverErr <- err
			return
		}
		serverConn <- upgraded
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	clientConn, err := DialClient(raw, "ws://"+ln.Addr().String()+"/")
	require.NoError(t, err)

	var srv net.Conn
	select {
	case srv = <-serverConn:
	case err := <-serverErr:
		t.Fatalf("server upgrade failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server upgrade")
	}
	defer srv.Close()
	defer clientConn.Close()

	const msg = "hello over websocket"
	n, err := clientConn.Write([]byte(msg))
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	_, err = srv.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}
