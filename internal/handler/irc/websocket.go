package irc

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocols advertised to IRCv3 WebSocket gateways.
var Subprotocols = []string{"text.ircv3.net", "binary.ircv3.net"}

// WebSocketDialer dials an IRC-over-WebSocket gateway. It satisfies
// girc.Dialer, so girc reads and writes plain IRC lines over it.
type WebSocketDialer struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer for a ws:// or wss:// URL.
func NewWebSocketDialer(url string, skipVerify bool) *WebSocketDialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 30 * time.Second,
		Subprotocols:     Subprotocols,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}
	if skipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed test networks
	}
	return &WebSocketDialer{url: url, dialer: d}
}

// Dial ignores network and address; the gateway URL decides both.
func (d *WebSocketDialer) Dial(_, _ string) (net.Conn, error) {
	ws, resp, err := d.dialer.Dial(d.url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: HTTP %d: %w", d.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	return newWSConn(ws), nil
}

// wsConn carries one IRC line per WebSocket message.
type wsConn struct {
	ws     *websocket.Conn
	binary bool

	readMu sync.Mutex
	rbuf   bytes.Buffer

	writeMu sync.Mutex
	wbuf    []byte
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, binary: ws.Subprotocol() == "binary.ircv3.net"}
}

// Read returns buffered line data, fetching the next frame when empty. Each
// frame is terminated with CRLF so girc's line reader sees whole lines.
func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.rbuf.Len() == 0 {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		msg = bytes.TrimRight(msg, "\r\n")
		if len(msg) == 0 {
			continue
		}
		c.rbuf.Write(msg)
		c.rbuf.WriteString("\r\n")
	}
	return c.rbuf.Read(p)
}

// Write buffers partial lines and sends each complete line as its own frame,
// without the trailing CRLF.
func (c *wsConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.wbuf = append(c.wbuf, p...)
	for {
		idx := bytes.IndexByte(c.wbuf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimRight(c.wbuf[:idx], "\r")
		c.wbuf = c.wbuf[idx+1:]
		if len(line) == 0 {
			continue
		}
		kind := websocket.TextMessage
		if c.binary {
			kind = websocket.BinaryMessage
		}
		if err := c.ws.WriteMessage(kind, line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
