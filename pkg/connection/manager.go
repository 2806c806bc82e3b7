// Package connection supervises the single chat connection of a logged-in
// identity: it dials, authenticates, keeps a heartbeat running while open and
// reconnects at a fixed interval after unexpected closes.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tinyland-inc/teamchat/pkg/bus"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/protocol"
	"github.com/tinyland-inc/teamchat/pkg/transport"
)

// State is the supervisor's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
)

// ReasonConnectionLost accompanies the final Disconnected state published
// when the reconnect cap is exhausted.
const ReasonConnectionLost = "connection lost"

// ReasonClosedByPeer is the Reconnecting reason after a clean close from
// the server.
const ReasonClosedByPeer = "closed by peer"

var (
	ErrNotOpen          = errors.New("connection not open")
	ErrAlreadyConnected = errors.New("connection already started")
	ErrNoIdentity       = errors.New("identity is required")
)

const publishTimeout = 5 * time.Second

// Options tunes the supervisor. Zero values fall back to the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
	// MaxAttempts caps consecutive reconnect tries; 0 retries forever.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 3 * time.Second
	}
	if o.MaxAttempts < 0 {
		o.MaxAttempts = 0
	}
	return o
}

// Manager owns the transport handle and the connection state. Frames read
// from the transport and every state change are published on the bus.
type Manager struct {
	dialer transport.Dialer
	bus    *bus.MessageBus
	codec  *protocol.Codec
	opts   Options

	mu         sync.Mutex
	state      State
	attempts   int
	heartbeat  bool
	tr         transport.Transport
	identity   string
	credential string
	cancel     context.CancelFunc
	done       chan struct{}

	writeMu sync.Mutex
}

func NewManager(dialer transport.Dialer, mb *bus.MessageBus, codec *protocol.Codec, opts Options) *Manager {
	if codec == nil {
		codec = protocol.NewCodec()
	}
	return &Manager{
		dialer: dialer,
		bus:    mb,
		codec:  codec,
		opts:   opts.withDefaults(),
		state:  StateDisconnected,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts is the current consecutive reconnect attempt counter.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) HeartbeatActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeat
}

func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect starts the supervised connection loop and returns immediately.
// Transport errors never surface here; they drive the loop into
// Reconnecting.
func (m *Manager) Connect(identity, credential string) error {
	if identity == "" {
		return ErrNoIdentity
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.identity = identity
	m.credential = credential
	m.cancel = cancel
	m.done = done
	m.attempts = 0
	m.mu.Unlock()

	go m.run(ctx, done)
	return nil
}

// Disconnect tears the connection down: the reconnect timer and heartbeat
// are cancelled, the transport is closed with a normal-closure code and the
// call waits for the loop to exit. Calling it again is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.state = StateDisconnected
	cancel()
	m.mu.Unlock()

	<-done

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	logger.InfoCF("connection", "Disconnected", map[string]any{"identity": m.Identity()})
	m.publishState(StateDisconnected, 0, "")
}

// Send writes frame if the connection is open. It never queues and never
// blocks on connection state; false means the frame was not handed to the
// transport.
func (m *Manager) Send(frame []byte) bool {
	m.mu.Lock()
	tr, open := m.tr, m.state == StateOpen
	m.mu.Unlock()
	if !open || tr == nil {
		return false
	}

	m.writeMu.Lock()
	err := tr.WriteFrame(frame)
	m.writeMu.Unlock()
	if err != nil {
		logger.WarnCF("connection", "Frame write failed", map[string]any{"error": err})
		return false
	}
	return true
}

// SendWithRetry retries Send up to attempts times, waiting poll between
// tries. It returns ErrNotOpen when every try failed.
func (m *Manager) SendWithRetry(ctx context.Context, frame []byte, attempts int, poll time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	op := func() (struct{}, error) {
		if m.Send(frame) {
			return struct{}{}, nil
		}
		return struct{}{}, ErrNotOpen
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(poll)),
		backoff.WithMaxTries(uint(attempts)),
	)
	return err
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := backoff.NewConstantBackOff(m.opts.ReconnectInterval)
	m.setState(ctx, StateConnecting, 0, "")

	for first := true; ; first = false {
		if !first {
			attempts := m.Attempts()
			if m.opts.MaxAttempts > 0 && attempts >= m.opts.MaxAttempts {
				m.giveUp(ctx, done, attempts)
				return
			}
			timer := time.NewTimer(delay.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			m.mu.Lock()
			m.attempts++
			attempts = m.attempts
			m.mu.Unlock()
			m.setState(ctx, StateReconnecting, attempts, "")
		}

		m.mu.Lock()
		identity, credential := m.identity, m.credential
		m.mu.Unlock()

		tr, err := m.dialer.Dial(ctx, identity, credential)
		if ctx.Err() != nil {
			if tr != nil {
				_ = tr.Close(transport.CloseNormal, "normal closure")
			}
			return
		}
		if err != nil {
			logger.WarnCF("connection", "Dial failed", map[string]any{
				"attempt": m.Attempts(),
				"error":   err,
			})
			m.setState(ctx, StateReconnecting, m.Attempts(), err.Error())
			continue
		}

		reason := m.serve(ctx, tr)
		if ctx.Err() != nil {
			return
		}
		m.publishState(StateReconnecting, m.Attempts(), reason)
	}
}

// serve runs one open transport until it closes. It returns the close
// reason.
func (m *Manager) serve(ctx context.Context, tr transport.Transport) string {
	stop := context.AfterFunc(ctx, func() {
		_ = tr.Close(transport.CloseNormal, "normal closure")
	})
	defer stop()

	m.mu.Lock()
	identity, credential := m.identity, m.credential
	m.mu.Unlock()

	// auth is written before the state turns Open
	if auth, err := m.codec.EncodeAuth(identity, credential); err != nil {
		logger.WarnCF("connection", "Auth frame not sent", map[string]any{"error": err})
	} else {
		m.writeMu.Lock()
		err = tr.WriteFrame(auth)
		m.writeMu.Unlock()
		if err != nil {
			_ = tr.Close(transport.CloseNormal, "normal closure")
			logger.WarnCF("connection", "Auth frame write failed", map[string]any{"error": err})
			return fmt.Sprintf("auth write: %v", err)
		}
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return "disconnected"
	}
	m.tr = tr
	m.state = StateOpen
	m.attempts = 0
	m.mu.Unlock()

	logger.InfoCF("connection", "Transport opened", map[string]any{"identity": identity})
	m.publishState(StateOpen, 0, "")

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	m.mu.Lock()
	m.heartbeat = true
	m.mu.Unlock()
	go m.runHeartbeat(hbCtx, hbDone)

	readErr := m.readLoop(ctx, tr)

	hbCancel()
	<-hbDone

	m.mu.Lock()
	m.heartbeat = false
	m.tr = nil
	if ctx.Err() == nil {
		m.state = StateReconnecting
	}
	m.mu.Unlock()

	_ = tr.Close(transport.CloseNormal, "normal closure")

	reason := "transport closed"
	switch {
	case transport.IsNormalClose(readErr):
		reason = ReasonClosedByPeer
	case readErr != nil:
		reason = readErr.Error()
	}
	if ctx.Err() != nil {
		return reason
	}
	fields := map[string]any{
		"reason":   reason,
		"interval": m.opts.ReconnectInterval.String(),
	}
	if reason == ReasonClosedByPeer {
		logger.InfoCF("connection", "Peer closed the connection, reconnecting", fields)
	} else {
		logger.WarnCF("connection", "Transport closed, reconnecting", fields)
	}
	return reason
}

func (m *Manager) readLoop(ctx context.Context, tr transport.Transport) error {
	for {
		data, err := tr.ReadFrame()
		if err != nil {
			return err
		}
		msg := bus.InboundMessage{Kind: bus.KindFrame, Payload: data, ReceivedAt: time.Now()}
		if err := m.bus.PublishInbound(ctx, msg); err != nil {
			return fmt.Errorf("publish frame: %w", err)
		}
	}
}

func (m *Manager) runHeartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	ping := m.codec.EncodePing()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Send(ping) {
				logger.DebugC("connection", "Heartbeat ping not sent")
			}
		}
	}
}

func (m *Manager) giveUp(ctx context.Context, done chan struct{}, attempts int) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	if m.done == done {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()

	logger.ErrorCF("connection", "Reconnect attempts exhausted", map[string]any{
		"attempts": attempts,
	})
	m.publishState(StateDisconnected, attempts, ReasonConnectionLost)
}

func (m *Manager) setState(ctx context.Context, s State, attempt int, reason string) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()
	m.publishState(s, attempt, reason)
}

func (m *Manager) publishState(s State, attempt int, reason string) {
	if m.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	err := m.bus.PublishInbound(ctx, bus.InboundMessage{
		Kind:       bus.KindState,
		State:      string(s),
		Attempt:    attempt,
		Reason:     reason,
		ReceivedAt: time.Now(),
	})
	if err != nil && !errors.Is(err, bus.ErrBusClosed) {
		logger.WarnCF("connection", "State event dropped", map[string]any{
			"state": string(s),
			"error": err,
		})
	}
}
