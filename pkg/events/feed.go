// Package events is the change feed behind the read-only views. Events are
// notifications only: subscribers re-read the dispatcher views for state, and
// events of different publishes may arrive out of order.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/tinyland-inc/teamchat/pkg/logger"
)

const (
	TopicSessions   = "sessions"
	TopicMessages   = "messages"
	TopicPresence   = "presence"
	TopicNotices    = "notices"
	TopicConnection = "connection"
)

// Topics lists every topic the dispatcher publishes on.
var Topics = []string{TopicSessions, TopicMessages, TopicPresence, TopicNotices, TopicConnection}

// Event kinds.
const (
	KindSessionUpdated  = "session.updated"
	KindSessionActive   = "session.activated"
	KindMessageAdded    = "message.added"
	KindNotDelivered    = "message.not_delivered"
	KindSystemNotice    = "notice.system"
	KindConnectionLost  = "notice.connection_lost"
	KindPresenceChanged = "presence.changed"
	KindPresenceBanner  = "presence.banner"
	KindStateChanged    = "connection.state"
)

var ErrFeedClosed = errors.New("event feed closed")

type Event struct {
	Topic     string          `json:"topic"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Kind)
	}
	return json.Unmarshal(e.Data, v)
}

// NewEvent builds an event with data marshalled to JSON.
func NewEvent(topic, kind string, data any) (Event, error) {
	ev := Event{Topic: topic, Kind: kind, At: time.Now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s event: %w", kind, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Feed fans events out to any number of subscribers over an in-process
// watermill pub/sub.
type Feed struct {
	pubsub *gochannel.GoChannel

	mu     sync.RWMutex
	closed bool
}

func NewFeed() *Feed {
	return &Feed{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, zapAdapter{}),
	}
}

func (f *Feed) Publish(ev Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.pubsub.Publish(ev.Topic, message.NewMessage(watermill.NewUUID(), payload))
}

// Subscribe streams events of the given topics until ctx is done. With no
// topics it subscribes to all of them.
func (f *Feed) Subscribe(ctx context.Context, topics ...string) (<-chan Event, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	if len(topics) == 0 {
		topics = Topics
	}

	out := make(chan Event, 64)
	var wg sync.WaitGroup
	for _, topic := range topics {
		msgs, err := f.pubsub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			forward(ctx, msgs, out)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func forward(ctx context.Context, msgs <-chan *message.Message, out chan<- Event) {
	for msg := range msgs {
		var ev Event
		err := json.Unmarshal(msg.Payload, &ev)
		msg.Ack()
		if err != nil {
			logger.WarnCF("events", "Dropping undecodable event", map[string]any{"error": err})
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			// keep draining so the pub/sub can shut the subscription down
		}
	}
}

func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.pubsub.Close()
}

// zapAdapter routes watermill's internal logging into the package logger.
type zapAdapter struct {
	fields watermill.LogFields
}

func (a zapAdapter) merge(fields watermill.LogFields) map[string]any {
	out := make(map[string]any, len(a.fields)+len(fields))
	for k, v := range a.fields {
		out[k] = v
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (a zapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	f := a.merge(fields)
	f["error"] = err
	logger.ErrorCF("watermill", msg, f)
}

func (a zapAdapter) Info(msg string, fields watermill.LogFields) {
	logger.DebugCF("watermill", msg, a.merge(fields))
}

func (a zapAdapter) Debug(msg string, fields watermill.LogFields) {
	logger.DebugCF("watermill", msg, a.merge(fields))
}

func (a zapAdapter) Trace(string, watermill.LogFields) {}

func (a zapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zapAdapter{fields: a.merge(fields)}
}
