// Package dispatcher is the composition root of the chat client. It owns the
// session registry, the message store and the presence tracker, mutates them
// under one mutex from a single bus-consuming loop and from the outbound
// entry points, and announces changes on the event feed after unlocking.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/teamchat/pkg/api"
	"github.com/tinyland-inc/teamchat/pkg/bus"
	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/connection"
	"github.com/tinyland-inc/teamchat/pkg/events"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/presence"
	"github.com/tinyland-inc/teamchat/pkg/protocol"
)

// Connector is the connection supervisor contract.
type Connector interface {
	Connect(identity, credential string) error
	Disconnect()
	Send(frame []byte) bool
	State() connection.State
}

// SessionAPI is the HTTP session collaborator.
type SessionAPI interface {
	ListSessions(ctx context.Context) ([]api.SessionRecord, error)
	ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
	EnsureSession(ctx context.Context, s chat.Session) error
	Unread(ctx context.Context) (*api.Unread, error)
}

// Directory resolves display names and team rosters.
type Directory interface {
	DisplayName(ctx context.Context, id string) string
	Remember(id, name string)
	TeamMembers(ctx context.Context, teamID string) ([]api.Employee, error)
	Forget(id string)
}

type Options struct {
	BannerTTL time.Duration
	// CallTimeout bounds the HTTP calls the dispatcher starts on its own.
	CallTimeout time.Duration
}

type Dispatcher struct {
	conn  Connector
	bus   *bus.MessageBus
	codec *protocol.Codec
	api   SessionAPI
	names Directory
	feed  *events.Feed
	opts  Options

	mu       sync.Mutex
	self     string
	registry *chat.Registry
	tracker  *presence.Tracker

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	enrichWG sync.WaitGroup

	now   func() time.Time
	newID func() string
}

// New wires a dispatcher. The session API, directory and feed are optional.
func New(conn Connector, mb *bus.MessageBus, sessions SessionAPI, names Directory, feed *events.Feed, opts Options) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	return &Dispatcher{
		conn:     conn,
		bus:      mb,
		codec:    protocol.NewCodec(),
		api:      sessions,
		names:    names,
		feed:     feed,
		opts:     opts,
		registry: chat.NewRegistry("", nil),
		tracker:  presence.NewTracker("", opts.BannerTTL),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Connect binds the dispatcher to identity, seeds sessions over HTTP on a
// best-effort basis and starts the supervised connection. Transport
// failures are never returned; they show up as state events.
func (d *Dispatcher) Connect(ctx context.Context, identity, credential string) error {
	d.mu.Lock()
	if d.self != identity {
		d.self = identity
		d.registry = chat.NewRegistry(identity, nil)
		d.tracker = presence.NewTracker(identity, d.opts.BannerTTL)
	}
	d.mu.Unlock()

	d.seed(ctx)
	d.startLoop()

	if err := d.conn.Connect(identity, credential); err != nil {
		return err
	}
	logger.InfoCF("dispatcher", "Connecting", map[string]any{"identity": identity})
	return nil
}

// Disconnect tears down the connection, processes what is left on the bus
// and marks the local identity offline.
func (d *Dispatcher) Disconnect() {
	d.conn.Disconnect()
	d.stopLoop()
	d.enrichWG.Wait()

	d.mu.Lock()
	if d.self == "" {
		d.mu.Unlock()
		return
	}
	rec := d.tracker.SetLocal(false)
	d.mu.Unlock()
	d.emit(events.TopicPresence, events.KindPresenceChanged, "", "", PresenceChange{ParticipantID: rec.ParticipantID, Online: false})
}

func (d *Dispatcher) seed(ctx context.Context) {
	if d.api == nil {
		return
	}
	records, err := d.api.ListSessions(ctx)
	if err != nil {
		logger.WarnCF("dispatcher", "Session seed failed", map[string]any{"error": err})
	}
	unread, uerr := d.api.Unread(ctx)
	if uerr != nil {
		logger.WarnCF("dispatcher", "Unread seed failed", map[string]any{"error": uerr})
	}

	d.mu.Lock()
	sessions := make([]chat.Session, 0, len(records))
	for _, r := range records {
		sessions = append(sessions, r.Session())
	}
	added := d.registry.Seed(sessions)
	if unread != nil {
		for id, n := range unread.Sessions {
			d.registry.SetUnread(id, n)
		}
	}
	d.mu.Unlock()

	if added > 0 {
		d.emit(events.TopicSessions, events.KindSessionUpdated, "", "", map[string]int{"seeded": added})
	}
	logger.DebugCF("dispatcher", "Seeded sessions", map[string]any{"added": added})
}

func (d *Dispatcher) startLoop() {
	d.loopMu.Lock()
	defer d.loopMu.Unlock()
	if d.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.loopCancel, d.loopDone = cancel, done
	go d.loop(ctx, done)
}

// stopLoop stops the consumer and handles anything still queued, so state
// published before the supervisor returned is not lost.
func (d *Dispatcher) stopLoop() {
	d.loopMu.Lock()
	cancel, done := d.loopCancel, d.loopDone
	d.loopCancel, d.loopDone = nil, nil
	d.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	for d.bus.Pending() > 0 {
		msg, ok := d.bus.ConsumeInbound(context.Background())
		if !ok {
			return
		}
		d.handle(msg)
	}
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.handle(msg)
	}
}

func (d *Dispatcher) emit(topic, kind, sessionID, messageID string, data any) {
	if d.feed == nil {
		return
	}
	ev, err := events.NewEvent(topic, kind, data)
	if err != nil {
		logger.WarnCF("dispatcher", "Event not built", map[string]any{"kind": kind, "error": err})
		return
	}
	ev.SessionID = sessionID
	ev.MessageID = messageID
	if err := d.feed.Publish(ev); err != nil {
		logger.DebugCF("dispatcher", "Event not published", map[string]any{"kind": kind, "error": err})
	}
}

// Views. Each returns a copy taken under the lock.

func (d *Dispatcher) Self() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.self
}

func (d *Dispatcher) Sessions() []chat.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.Sessions()
}

func (d *Dispatcher) Session(id string) (chat.Session, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.Get(id)
}

func (d *Dispatcher) Messages(sessionID string) []chat.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.Store().Query(sessionID)
}

func (d *Dispatcher) Presence(id string) (presence.Record, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.Get(id)
}

func (d *Dispatcher) PresenceRecords() []presence.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.Records()
}

func (d *Dispatcher) Banners() []presence.Banner {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracker.Banners()
}

func (d *Dispatcher) ActiveSession() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registry.Active()
}

func (d *Dispatcher) State() connection.State {
	return d.conn.State()
}

// Status summarizes the client for status displays.
type Status struct {
	Identity      string           `json:"identity"`
	Connection    connection.State `json:"connection"`
	ActiveSession string           `json:"activeSession"`
	TotalUnread   int              `json:"totalUnread"`
	Sessions      int              `json:"sessions"`
	Online        []string         `json:"online"`
}

func (d *Dispatcher) Status() Status {
	state := d.conn.State()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Identity:      d.self,
		Connection:    state,
		ActiveSession: d.registry.Active(),
		TotalUnread:   d.registry.TotalUnread(),
		Sessions:      len(d.registry.Sessions()),
		Online:        d.tracker.OnlineIDs(),
	}
}
