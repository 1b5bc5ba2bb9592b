// Package wsupgrade optionally layers a WebSocket connection on top of an
// established TLS session and beneath the Framing Codec, for wss:// Listener
// URIs (spec §6, §9 Open Question).
package wsupgrade

import (
	"bufio"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(*http.Request) bool { return true }, // peer identity is proven by the mTLS layer beneath this, not by Origin
}

// Upgrade completes a WebSocket handshake on an http.ResponseWriter/Request
// pair and returns a net.Conn that frames reads/writes as binary WebSocket
// messages, so everything above it (Secure Channel, Framing Codec) can treat
// it like any other stream socket.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: wsConn}, nil
}

// UpgradeConn completes a server-side WebSocket handshake directly on an
// established net.Conn (typically one that has already completed a TLS
// handshake) by reading the HTTP upgrade request off it and hijacking it
// back, rather than requiring a full http.Server to front the accept loop.
func UpgradeConn(conn net.Conn, deadline time.Duration) (net.Conn, error) {
	if deadline > 0 {
		_ = conn.SetDeadline(time.Now().Add(deadline))
	}
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}
	wsConn, err := Upgrade(&hijackWriter{conn: conn, br: br}, req)
	if deadline > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return wsConn, err
}

// hijackWriter adapts a net.Conn, plus a bufio.Reader that may already hold
// buffered request bytes, to http.ResponseWriter and http.Hijacker — the
// minimum surface websocket.Upgrader.Upgrade needs to take over a connection
// that was never accepted through an http.Server.
type hijackWriter struct {
	conn   net.Conn
	br     *bufio.Reader
	header http.Header
}

func (h *hijackWriter) Header() http.Header {
	if h.header == nil {
		h.header = http.Header{}
	}
	return h.header
}

func (h *hijackWriter) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h *hijackWriter) WriteHeader(int)              {}

func (h *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw := bufio.NewReadWriter(h.br, bufio.NewWriter(h.conn))
	return h.conn, rw, nil
}

// DialClient completes a client-side WebSocket handshake over conn (an
// already-established stream, typically post-TLS) and returns a net.Conn
// that frames reads/writes as binary WebSocket messages.
func DialClient(conn net.Conn, rawURL string) (net.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	wsConn, _, err := websocket.NewClient(conn, u, http.Header{}, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Conn{ws: wsConn}, nil
}

// Conn adapts a *websocket.Conn to net.Conn by treating the byte stream as
// a sequence of binary messages, buffering partial reads across message
// boundaries.
type Conn struct {
	ws      *websocket.Conn
	reading []byte
}

func (c *Conn) Read(p []byte) (int, error) {
	for len(c.reading) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		c.reading = data
	}
	n := copy(p, c.reading)
	c.reading = c.reading[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error                       { return c.ws.Close() }
func (c *Conn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.ws.UnderlyingConn().SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error   { return c.ws.UnderlyingConn().SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error  { return c.ws.UnderlyingConn().SetWriteDeadline(t) }
