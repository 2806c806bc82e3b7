package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshake struct {
	userID string
	token  string
	auth   string
}

func echoServer(t *testing.T, seen chan<- handshake) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- handshake{
			userID: r.URL.Query().Get("userId"),
			token:  r.URL.Query().Get("token"),
			auth:   r.Header.Get("Authorization"),
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestNewWSDialer_RejectsHTTPScheme(t *testing.T) {
	_, err := NewWSDialer(WSOptions{URL: "http://localhost:8080/ws"})
	assert.Error(t, err)
}

func TestEndpoint_EncodesIdentity(t *testing.T) {
	d, err := NewWSDialer(WSOptions{URL: "ws://chat.local/ws?v=2"})
	require.NoError(t, err)
	got := d.Endpoint("e001", "a b")
	assert.Contains(t, got, "userId=e001")
	assert.Contains(t, got, "token=a+b")
	assert.Contains(t, got, "v=2")
}

func TestDial_HandshakeAndEcho(t *testing.T) {
	seen := make(chan handshake, 1)
	srv := echoServer(t, seen)

	d, err := NewWSDialer(WSOptions{URL: wsURL(srv), ReadLimit: 1 << 16})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := d.Dial(ctx, "e001", "secret")
	require.NoError(t, err)

	hs := <-seen
	assert.Equal(t, "e001", hs.userID)
	assert.Equal(t, "secret", hs.token)
	assert.Equal(t, "Bearer secret", hs.auth)

	require.NoError(t, tr.WriteFrame([]byte(`{"type":"ping"}`)))
	data, err := tr.ReadFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))

	require.NoError(t, tr.Close(CloseNormal, "bye"))
	assert.NoError(t, tr.Close(CloseNormal, "again"))
	assert.ErrorIs(t, tr.WriteFrame([]byte(`{}`)), ErrClosed)
}

func TestDial_RefusedReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	d, err := NewWSDialer(WSOptions{URL: wsURL(srv), HandshakeTimeout: time.Second})
	require.NoError(t, err)
	_, err = d.Dial(context.Background(), "e001", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
