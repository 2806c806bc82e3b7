package connection

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tinyland-inc/teamchat/pkg/bus"
	"github.com/tinyland-inc/teamchat/pkg/transport"
)

type fakeTransport struct {
	in      chan []byte
	dropped chan struct{}
	dropMu  sync.Once
	dropErr error

	mu        sync.Mutex
	writes    [][]byte
	closed    bool
	closeCode int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), dropped: make(chan struct{})}
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.dropped:
		if f.dropErr != nil {
			return nil, f.dropErr
		}
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, _ string) error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
	}
	f.mu.Unlock()
	f.drop()
	return nil
}

// drop simulates the peer going away.
func (f *fakeTransport) drop() {
	f.dropMu.Do(func() { close(f.dropped) })
}

func (f *fakeTransport) frameTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, w := range f.writes {
		out = append(out, gjson.GetBytes(w, "type").String())
	}
	return out
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

// fakeDialer hands out scripted results; once the script is exhausted every
// dial fails.
type fakeDialer struct {
	mu     sync.Mutex
	script []func() (transport.Transport, error)
	dials  atomic.Int32
}

func (d *fakeDialer) push(fn func() (transport.Transport, error)) {
	d.mu.Lock()
	d.script = append(d.script, fn)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, _, _ string) (transport.Transport, error) {
	d.dials.Add(1)
	d.mu.Lock()
	if len(d.script) == 0 {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	fn := d.script[0]
	d.script = d.script[1:]
	d.mu.Unlock()
	return fn()
}

func succeed(tr *fakeTransport) func() (transport.Transport, error) {
	return func() (transport.Transport, error) { return tr, nil }
}

func drainStates(t *testing.T, mb *bus.MessageBus) []bus.InboundMessage {
	t.Helper()
	var out []bus.InboundMessage
	for mb.Pending() > 0 {
		msg, ok := mb.ConsumeInbound(context.Background())
		if !ok {
			break
		}
		if msg.Kind == bus.KindState {
			out = append(out, msg)
		}
	}
	return out
}

func stateNames(msgs []bus.InboundMessage) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, m.State)
	}
	return out
}

func fastOptions() Options {
	return Options{
		HeartbeatInterval: time.Hour,
		ReconnectInterval: 20 * time.Millisecond,
		MaxAttempts:       5,
	}
}

func TestSend_FalseWhenNotOpen(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, bus.NewMessageBus(), nil, Options{ReconnectInterval: time.Hour})

	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.Send([]byte(`{"type":"ping"}`)))

	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, time.Second, 5*time.Millisecond)
	assert.False(t, m.Send([]byte(`{"type":"ping"}`)))
}

func TestConnect_RequiresIdentity(t *testing.T) {
	m := NewManager(&fakeDialer{}, bus.NewMessageBus(), nil, Options{})
	assert.ErrorIs(t, m.Connect("", "tok"), ErrNoIdentity)
}

func TestConnect_TwiceFails(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, bus.NewMessageBus(), nil, Options{ReconnectInterval: time.Hour})
	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()
	assert.ErrorIs(t, m.Connect("e001", "tok"), ErrAlreadyConnected)
}

func TestOpen_SendsAuthFirstAndAcceptsSends(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(succeed(tr))
	mb := bus.NewMessageBus()
	m := NewManager(d, mb, nil, fastOptions())

	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	require.Eventually(t, func() bool { return m.State() == StateOpen && m.HeartbeatActive() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(tr.frameTypes()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"auth"}, tr.frameTypes())

	assert.True(t, m.Send([]byte(`{"type":"message"}`)))
	assert.Equal(t, []string{"auth", "message"}, tr.frameTypes())
	assert.Equal(t, 0, m.Attempts())
}

func TestOpen_AuthPrecedesSendsWhileStateEventIsPending(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(succeed(tr))
	// the queued Connecting event blocks the Open publish
	mb := bus.NewMessageBusSize(1)
	m := NewManager(d, mb, nil, fastOptions())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, time.Millisecond)
	assert.True(t, m.Send([]byte(`{"type":"message"}`)))
	assert.Equal(t, []string{"auth", "message"}, tr.frameTypes())

	go func() {
		for {
			if _, ok := mb.ConsumeInbound(ctx); !ok {
				return
			}
		}
	}()
}

func TestOpen_AuthWriteFailureReconnects(t *testing.T) {
	tr := newFakeTransport()
	_ = tr.Close(transport.CloseNormal, "")
	d := &fakeDialer{}
	d.push(succeed(tr))
	mb := bus.NewMessageBus()
	m := NewManager(d, mb, nil, fastOptions())

	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	require.Eventually(t, func() bool { return d.dials.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateOpen, m.State())
	assert.Empty(t, tr.frameTypes())
	assert.NotContains(t, stateNames(drainStates(t, mb)), "open")
}

func TestPeerCloseReason(t *testing.T) {
	tr := newFakeTransport()
	tr.dropErr = &websocket.CloseError{Code: websocket.CloseNormalClosure}
	d := &fakeDialer{}
	d.push(succeed(tr))
	mb := bus.NewMessageBus()
	opts := fastOptions()
	opts.ReconnectInterval = time.Hour
	m := NewManager(d, mb, nil, opts)

	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, 5*time.Millisecond)

	tr.drop()

	var reasons []string
	require.Eventually(t, func() bool {
		for _, msg := range drainStates(t, mb) {
			if msg.State == string(StateReconnecting) {
				reasons = append(reasons, msg.Reason)
			}
		}
		return len(reasons) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, ReasonClosedByPeer, reasons[0])
}

func TestInboundFramesPublished(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(succeed(tr))
	mb := bus.NewMessageBus()
	m := NewManager(d, mb, nil, fastOptions())
	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	tr.in <- []byte(`{"type":"pong"}`)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		require.True(t, ok, "frame never published")
		if msg.Kind == bus.KindFrame {
			assert.JSONEq(t, `{"type":"pong"}`, string(msg.Payload))
			return
		}
	}
}

func TestHeartbeat_SendsPing(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(succeed(tr))
	opts := fastOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	m := NewManager(d, bus.NewMessageBus(), nil, opts)
	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	require.Eventually(t, func() bool {
		types := tr.frameTypes()
		return len(types) >= 3 && types[0] == "auth" && types[1] == "ping"
	}, time.Second, 5*time.Millisecond)
}

func TestReconnectLifecycle(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	d := &fakeDialer{}
	d.push(succeed(first))
	mb := bus.NewMessageBus()
	opts := fastOptions()
	opts.ReconnectInterval = 80 * time.Millisecond
	m := NewManager(d, mb, nil, opts)

	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, 5*time.Millisecond)

	d.push(succeed(second))
	first.drop()

	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, time.Second, time.Millisecond)
	assert.False(t, m.HeartbeatActive(), "heartbeat must be stopped while reconnecting")
	assert.False(t, m.Send([]byte(`{"type":"ping"}`)))

	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, 5*time.Millisecond)
	assert.True(t, m.HeartbeatActive())
	assert.Equal(t, 0, m.Attempts())
	assert.Equal(t, int32(2), d.dials.Load())

	closed, code := first.isClosed()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseNormal, code)

	var states []string
	require.Eventually(t, func() bool {
		states = append(states, stateNames(drainStates(t, mb))...)
		return len(states) >= 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"connecting", "open", "reconnecting", "reconnecting", "open"}, states)
}

func TestReconnect_CapPublishesConnectionLost(t *testing.T) {
	d := &fakeDialer{}
	mb := bus.NewMessageBus()
	opts := fastOptions()
	opts.ReconnectInterval = 5 * time.Millisecond
	opts.MaxAttempts = 2
	m := NewManager(d, mb, nil, opts)

	require.NoError(t, m.Connect("e001", "tok"))
	require.Eventually(t, func() bool { return m.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, int32(3), d.dials.Load(), "initial dial plus two retries")
	states := drainStates(t, mb)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, "disconnected", last.State)
	assert.Equal(t, ReasonConnectionLost, last.Reason)
	assert.Equal(t, 2, last.Attempt)

	// the manager can be started again after giving up
	d.push(succeed(newFakeTransport()))
	require.NoError(t, m.Connect("e001", "tok"))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, 5*time.Millisecond)
	m.Disconnect()
}

func TestDisconnect_ClosesNormallyAndStopsTimers(t *testing.T) {
	tr := newFakeTransport()
	d := &fakeDialer{}
	d.push(succeed(tr))
	opts := fastOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	m := NewManager(d, bus.NewMessageBus(), nil, opts)

	require.NoError(t, m.Connect("e001", "tok"))
	require.Eventually(t, func() bool { return m.State() == StateOpen }, time.Second, 5*time.Millisecond)

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.HeartbeatActive())
	closed, code := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, transport.CloseNormal, code)

	writes := len(tr.frameTypes())
	dials := d.dials.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, writes, len(tr.frameTypes()), "no writes after disconnect")
	assert.Equal(t, dials, d.dials.Load(), "no reconnect after disconnect")

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnect_CancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, bus.NewMessageBus(), nil, Options{ReconnectInterval: time.Hour})
	require.NoError(t, m.Connect("e001", "tok"))
	require.Eventually(t, func() bool { return m.State() == StateReconnecting }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect blocked on the reconnect timer")
	}
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, int32(1), d.dials.Load())
}

func TestSendWithRetry(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, bus.NewMessageBus(), nil, Options{})
	err := m.SendWithRetry(context.Background(), []byte(`{}`), 3, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotOpen)

	tr := newFakeTransport()
	d.push(succeed(tr))
	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	err = m.SendWithRetry(context.Background(), []byte(`{"type":"message"}`), 50, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, tr.frameTypes(), "message")
}

func TestWebsocketIntegration(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotAuth <- string(data)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"presence","users":[{"userId":"e002","online":true}]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	dialer, err := transport.NewWSDialer(transport.WSOptions{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.NoError(t, err)
	mb := bus.NewMessageBus()
	m := NewManager(dialer, mb, nil, fastOptions())
	require.NoError(t, m.Connect("e001", "tok"))
	defer m.Disconnect()

	select {
	case auth := <-gotAuth:
		assert.JSONEq(t, `{"type":"auth","userId":"e001","token":"tok"}`, auth)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received auth frame")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, ok := mb.ConsumeInbound(ctx)
		require.True(t, ok)
		if msg.Kind == bus.KindFrame {
			assert.Equal(t, "presence", gjson.GetBytes(msg.Payload, "type").String())
			return
		}
	}
}
