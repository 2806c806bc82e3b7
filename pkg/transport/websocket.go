// Package transport provides the physical duplex connection used by the
// connection supervisor.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloseNormal is the websocket normal-closure code.
const CloseNormal = websocket.CloseNormalClosure

// ErrClosed is returned by ReadFrame and WriteFrame after Close.
var ErrClosed = errors.New("transport closed")

// Transport is one open duplex connection carrying text frames.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a Transport authenticated as identity.
type Dialer interface {
	Dial(ctx context.Context, identity, credential string) (Transport, error)
}

type WSOptions struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
	Header           http.Header
}

// WSDialer dials gorilla websocket connections. The identity and credential
// travel as the userId and token query parameters and as a bearer header.
type WSDialer struct {
	opts   WSOptions
	dialer *websocket.Dialer
}

func NewWSDialer(opts WSOptions) (*WSDialer, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse ws url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("ws url %q: scheme must be ws or wss", opts.URL)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &WSDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}, nil
}

// Endpoint returns the handshake URL for identity.
func (d *WSDialer) Endpoint(identity, credential string) string {
	u, _ := url.Parse(d.opts.URL)
	q := u.Query()
	q.Set("userId", identity)
	q.Set("token", credential)
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *WSDialer) Dial(ctx context.Context, identity, credential string) (Transport, error) {
	header := http.Header{}
	for k, v := range d.opts.Header {
		header[k] = append([]string(nil), v...)
	}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	conn, resp, err := d.dialer.DialContext(ctx, d.Endpoint(identity, credential), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}
	return &wsTransport{conn: conn, writeTimeout: d.opts.WriteTimeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	once    sync.Once
	closed  bool
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return ErrClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and reason, then closes the socket.
// Only the first call has any effect.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.once.Do(func() {
		t.writeMu.Lock()
		t.closed = true
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// IsNormalClose reports whether err is a clean close initiated by either side.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
