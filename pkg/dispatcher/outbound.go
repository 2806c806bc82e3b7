package dispatcher

import (
	"context"
	"strings"

	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/events"
	"github.com/tinyland-inc/teamchat/pkg/logger"
)

// Draft is a message to send. Either SessionID or ReceiverID must be set;
// the other is derived.
type Draft struct {
	SessionID    string            `json:"sessionId,omitempty"`
	ReceiverID   string            `json:"receiverId,omitempty"`
	ReceiverType chat.ReceiverType `json:"receiverType,omitempty"`
	Type         chat.MessageType  `json:"type,omitempty"`
	Content      string            `json:"content"`
	Attachment   *chat.FileRef     `json:"attachment,omitempty"`
	Mentions     []string          `json:"mentions,omitempty"`
}

// NotDelivered is the payload of the notice emitted for a failed send.
type NotDelivered struct {
	MessageID string `json:"messageId"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

const (
	reasonNotOpen = "connection not open"
	reasonInvalid = "invalid message"
)

// Send builds a message from draft, stamps it with a fresh id and the
// current time and hands it to the connection. It never queues: on failure
// it returns false and emits a not-delivered notice for that message id.
func (d *Dispatcher) Send(ctx context.Context, draft Draft) (chat.Message, bool) {
	msg, created, ok := d.prepare(draft)
	if !ok {
		d.notDelivered(msg, reasonInvalid)
		return msg, false
	}
	if created {
		d.enrichAsync(msg.SessionID, msg.ReceiverID)
	}
	if ctx.Err() != nil {
		d.notDelivered(msg, ctx.Err().Error())
		return msg, false
	}

	frame, err := d.codec.EncodeMessage(msg)
	if err != nil {
		logger.WarnCF("dispatcher", "Message not encoded", map[string]any{"message": msg.ID, "error": err})
		d.notDelivered(msg, reasonInvalid)
		return msg, false
	}
	if !d.conn.Send(frame) {
		d.notDelivered(msg, reasonNotOpen)
		return msg, false
	}

	d.mu.Lock()
	sess, added := d.registry.RecordOutbound(msg)
	d.mu.Unlock()
	if added {
		d.emit(events.TopicMessages, events.KindMessageAdded, msg.SessionID, msg.ID, msg)
		d.emit(events.TopicSessions, events.KindSessionUpdated, sess.ID, "", sess)
	}
	return msg, true
}

// prepare resolves the session and receiver of a draft. created reports
// whether a private session was created for it.
func (d *Dispatcher) prepare(draft Draft) (chat.Message, bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg := chat.Message{
		ID:           d.newID(),
		SessionID:    strings.TrimSpace(draft.SessionID),
		SenderID:     d.self,
		ReceiverID:   strings.TrimSpace(draft.ReceiverID),
		ReceiverType: draft.ReceiverType,
		Type:         draft.Type,
		Content:      draft.Content,
		Attachment:   draft.Attachment,
		Mentions:     draft.Mentions,
		Timestamp:    d.now().UTC(),
		IsRead:       true,
	}
	if msg.Type == "" {
		msg.Type = chat.MessageText
		if draft.Attachment != nil {
			msg.Type = chat.MessageFile
		}
	}
	if d.self == "" || (strings.TrimSpace(msg.Content) == "" && msg.Attachment == nil) {
		return msg, false, false
	}

	created := false
	switch {
	case msg.SessionID == "" && msg.ReceiverID == "":
		return msg, false, false
	case msg.SessionID == "" && msg.ReceiverType == chat.ReceiverTeam:
		msg.SessionID = msg.ReceiverID
	case msg.SessionID == "":
		msg.ReceiverType = chat.ReceiverEmployee
		msg.SessionID, created = d.registry.ResolvePrivateSession(msg.ReceiverID)
	case msg.ReceiverID == "":
		sess, ok := d.registry.Get(msg.SessionID)
		switch {
		case ok && sess.Kind == chat.KindPrivate:
			msg.ReceiverType = chat.ReceiverEmployee
			msg.ReceiverID = otherMember(sess, d.self)
		case msg.SessionID == chat.SystemSessionID:
			return msg, false, false
		default:
			msg.ReceiverType = chat.ReceiverTeam
			msg.ReceiverID = msg.SessionID
		}
	}
	return msg, created, true
}

func (d *Dispatcher) notDelivered(msg chat.Message, reason string) {
	logger.WarnCF("dispatcher", "Message not delivered", map[string]any{
		"message": msg.ID,
		"session": msg.SessionID,
		"reason":  reason,
	})
	d.emit(events.TopicNotices, events.KindNotDelivered, msg.SessionID, msg.ID, NotDelivered{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		Reason:    reason,
	})
}

// SwitchActive makes id the active session and zeroes its unread count. A
// session with no local history gets it fetched over HTTP.
func (d *Dispatcher) SwitchActive(ctx context.Context, id string) bool {
	d.mu.Lock()
	changed := d.registry.SwitchActive(id)
	empty := d.registry.Store().Len(id) == 0
	sess, _ := d.registry.Get(id)
	d.mu.Unlock()

	if !changed {
		return false
	}
	d.emit(events.TopicSessions, events.KindSessionActive, id, "", sess)

	if sess.Kind == chat.KindGroup && len(sess.Members) == 0 {
		d.loadMembers(ctx, id)
	}
	if empty && d.api != nil {
		d.loadHistory(ctx, id)
	}
	return true
}

func (d *Dispatcher) loadMembersAsync(teamID string) {
	if d.names == nil {
		return
	}
	d.enrichWG.Add(1)
	go func() {
		defer d.enrichWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.CallTimeout)
		defer cancel()
		d.loadMembers(ctx, teamID)
	}()
}

// loadMembers fills a group session's member set from the team roster.
func (d *Dispatcher) loadMembers(ctx context.Context, teamID string) {
	if d.names == nil {
		return
	}
	members, err := d.names.TeamMembers(ctx, teamID)
	if err != nil {
		logger.WarnCF("dispatcher", "Team roster fetch failed", map[string]any{"team": teamID, "error": err})
		return
	}

	var (
		sess    chat.Session
		changed bool
	)
	d.mu.Lock()
	if _, ok := d.registry.Get(teamID); ok {
		for _, m := range members {
			if s, ok := d.registry.ApplyMembership(teamID, m.ID, true); ok {
				sess, changed = s, true
			}
		}
	}
	d.mu.Unlock()

	for _, m := range members {
		d.names.Remember(m.ID, m.Name)
	}
	if changed {
		d.emit(events.TopicSessions, events.KindSessionUpdated, teamID, "", sess)
	}
}

func (d *Dispatcher) loadHistory(ctx context.Context, id string) {
	msgs, err := d.api.ListMessages(ctx, id)
	if err != nil {
		logger.WarnCF("dispatcher", "History fetch failed", map[string]any{"session": id, "error": err})
		return
	}
	d.mu.Lock()
	added := d.registry.SeedHistory(msgs)
	sess, _ := d.registry.Get(id)
	d.mu.Unlock()
	if added > 0 {
		d.emit(events.TopicSessions, events.KindSessionUpdated, id, "", sess)
	}
}

// ResolvePrivateSession returns the private session shared with other. A
// new session gets the counterpart's display name from the directory and is
// created remotely; failures leave the placeholder name in place.
func (d *Dispatcher) ResolvePrivateSession(ctx context.Context, other string) string {
	d.mu.Lock()
	id, created := d.registry.ResolvePrivateSession(other)
	d.mu.Unlock()
	if created {
		d.enrich(ctx, id, other)
	}
	return id
}

func (d *Dispatcher) enrichAsync(id, other string) {
	d.enrichWG.Add(1)
	go func() {
		defer d.enrichWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.CallTimeout)
		defer cancel()
		d.enrich(ctx, id, other)
	}()
}

// enrich does its network calls outside the lock.
func (d *Dispatcher) enrich(ctx context.Context, id, other string) {
	name := chat.PlaceholderName
	if d.names != nil {
		name = d.names.DisplayName(ctx, other)
	}

	d.mu.Lock()
	if name != chat.PlaceholderName {
		d.registry.Rename(id, name)
	}
	sess, ok := d.registry.Get(id)
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.api != nil {
		if err := d.api.EnsureSession(ctx, sess); err != nil {
			logger.WarnCF("dispatcher", "Remote session create failed", map[string]any{
				"session": id,
				"error":   err,
			})
		}
	}
	d.emit(events.TopicSessions, events.KindSessionUpdated, id, "", sess)
}

// SetStatus records the local status optimistically and pushes it to the
// server. It reports whether the status frame was sent.
func (d *Dispatcher) SetStatus(online bool) bool {
	d.mu.Lock()
	self := d.self
	if self == "" {
		d.mu.Unlock()
		return false
	}
	rec := d.tracker.SetLocal(online)
	d.mu.Unlock()

	d.emit(events.TopicPresence, events.KindPresenceChanged, "", "", PresenceChange{ParticipantID: self, Online: online})

	frame, err := d.codec.EncodeStatus(self, online, *rec.LastChangedAt)
	if err != nil {
		logger.WarnCF("dispatcher", "Status not encoded", map[string]any{"error": err})
		return false
	}
	return d.conn.Send(frame)
}
