package dispatcher

import (
	"time"

	"github.com/tinyland-inc/teamchat/pkg/bus"
	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/connection"
	"github.com/tinyland-inc/teamchat/pkg/events"
	"github.com/tinyland-inc/teamchat/pkg/logger"
	"github.com/tinyland-inc/teamchat/pkg/presence"
	"github.com/tinyland-inc/teamchat/pkg/protocol"
)

// StateChange is the payload of connection state events.
type StateChange struct {
	State   connection.State `json:"state"`
	Attempt int              `json:"attempt"`
	Reason  string           `json:"reason,omitempty"`
}

// PresenceChange is the payload of presence events.
type PresenceChange struct {
	ParticipantID string `json:"participantId"`
	Online        bool   `json:"online"`
}

func (d *Dispatcher) handle(msg bus.InboundMessage) {
	switch msg.Kind {
	case bus.KindState:
		d.handleState(msg)
	case bus.KindFrame:
		d.handleFrame(msg.Payload)
	default:
		logger.WarnCF("dispatcher", "Unknown bus message", map[string]any{"kind": string(msg.Kind)})
	}
}

func (d *Dispatcher) handleState(msg bus.InboundMessage) {
	change := StateChange{State: connection.State(msg.State), Attempt: msg.Attempt, Reason: msg.Reason}

	var rec *presence.Record
	d.mu.Lock()
	switch change.State {
	case connection.StateOpen:
		r := d.tracker.SetLocal(true)
		rec = &r
	case connection.StateReconnecting, connection.StateDisconnected:
		if d.tracker.Online(d.self) {
			r := d.tracker.SetLocal(false)
			rec = &r
		}
	}
	d.mu.Unlock()

	d.emit(events.TopicConnection, events.KindStateChanged, "", "", change)
	if rec != nil {
		d.emit(events.TopicPresence, events.KindPresenceChanged, "", "", PresenceChange{ParticipantID: rec.ParticipantID, Online: rec.Online})
	}
	if change.State == connection.StateDisconnected && change.Reason == connection.ReasonConnectionLost {
		logger.WarnCF("dispatcher", "Connection lost", map[string]any{"attempts": change.Attempt})
		d.emit(events.TopicNotices, events.KindConnectionLost, "", "", change)
	}
}

func (d *Dispatcher) handleFrame(payload []byte) {
	frame, err := d.codec.Decode(payload)
	if err != nil {
		logger.WarnCF("dispatcher", "Dropping inbound frame", map[string]any{
			"error": err,
			"bytes": len(payload),
		})
		return
	}

	switch f := frame.(type) {
	case protocol.ControlFrame:
		if f.Kind == protocol.TypePing {
			d.conn.Send(d.codec.EncodePong())
		}
	case protocol.ChatFrame:
		d.receiveMessage(f.Message)
	case protocol.SystemNoticeFrame:
		d.receiveSystemNotice(f)
	case protocol.PresenceFrame:
		d.applySnapshot(f.Records)
	case protocol.StatusFrame:
		d.applyDelta(f.ParticipantID, f.Online, f.Timestamp)
	case protocol.GroupChangeFrame:
		d.applyGroupChange(f)
	}
}

func (d *Dispatcher) receiveMessage(msg chat.Message) {
	d.mu.Lock()
	_, existed := d.registry.Get(msg.SessionID)
	sess, added := d.registry.ReceiveInbound(msg)
	self := d.self
	d.mu.Unlock()

	if !added {
		logger.DebugCF("dispatcher", "Duplicate message ignored", map[string]any{
			"session": msg.SessionID,
			"message": msg.ID,
		})
		return
	}
	if msg.SenderName != "" && d.names != nil {
		d.names.Remember(msg.SenderID, msg.SenderName)
	}

	d.emit(events.TopicMessages, events.KindMessageAdded, msg.SessionID, msg.ID, msg)
	d.emit(events.TopicSessions, events.KindSessionUpdated, sess.ID, "", sess)

	if existed {
		return
	}
	switch {
	case sess.Kind == chat.KindPrivate && sess.DisplayName == chat.PlaceholderName:
		if other := otherMember(sess, self); other != "" {
			d.enrichAsync(sess.ID, other)
		}
	case sess.Kind == chat.KindGroup:
		d.loadMembersAsync(sess.ID)
	}
}

func (d *Dispatcher) receiveSystemNotice(f protocol.SystemNoticeFrame) {
	if f.IsRoster {
		records := make([]presence.Record, 0, len(f.Roster))
		for _, e := range f.Roster {
			records = append(records, presence.Record{ParticipantID: e.ID, Online: true})
			if d.names != nil {
				d.names.Remember(e.ID, e.Name)
			}
		}
		d.applySnapshot(records)
		return
	}

	id := f.ID
	if id == "" {
		id = d.newID()
	}
	msg := chat.Message{
		ID:         id,
		SessionID:  chat.SystemSessionID,
		SenderID:   chat.SystemSessionID,
		SenderName: "System",
		Type:       chat.MessageText,
		Content:    f.Content,
		Timestamp:  f.Timestamp,
	}
	d.mu.Lock()
	sess, added := d.registry.ReceiveInbound(msg)
	d.mu.Unlock()
	if !added {
		return
	}
	d.emit(events.TopicNotices, events.KindSystemNotice, msg.SessionID, msg.ID, msg)
	d.emit(events.TopicMessages, events.KindMessageAdded, msg.SessionID, msg.ID, msg)
	d.emit(events.TopicSessions, events.KindSessionUpdated, sess.ID, "", sess)
}

func (d *Dispatcher) applySnapshot(records []presence.Record) {
	d.mu.Lock()
	before := d.tracker.Records()
	selfOnline := d.tracker.Online(d.self)
	d.tracker.ApplySnapshot(records)
	if selfOnline && !d.tracker.Online(d.self) {
		// the local status is owned by this client
		d.tracker.SetLocal(true)
	}
	after := d.tracker.Records()
	d.mu.Unlock()

	wasOnline := make(map[string]bool, len(before))
	for _, r := range before {
		wasOnline[r.ParticipantID] = r.Online
	}
	for _, r := range after {
		if prev, ok := wasOnline[r.ParticipantID]; ok && prev == r.Online {
			continue
		}
		d.emitPresence(r.ParticipantID, r.Online, !wasOnline[r.ParticipantID])
	}
}

func (d *Dispatcher) applyDelta(id string, online bool, ts *time.Time) {
	d.mu.Lock()
	was := d.tracker.Online(id)
	changed := d.tracker.ApplyDelta(id, online, ts)
	d.mu.Unlock()
	if changed {
		d.emitPresence(id, online, !was)
	}
}

func (d *Dispatcher) applyGroupChange(f protocol.GroupChangeFrame) {
	var (
		sess    chat.Session
		changed bool
	)
	d.mu.Lock()
	switch f.Action {
	case protocol.GroupJoin:
		sess, changed = d.registry.ApplyMembership(f.TeamID, f.MemberID, true)
	case protocol.GroupLeave:
		sess, changed = d.registry.ApplyMembership(f.TeamID, f.MemberID, false)
	}
	d.mu.Unlock()

	if changed {
		if d.names != nil {
			// the cached team roster is stale now
			d.names.Forget(f.TeamID)
		}
		d.emit(events.TopicSessions, events.KindSessionUpdated, sess.ID, "", sess)
	}
	if f.Online != nil {
		d.applyDelta(f.MemberID, *f.Online, f.Timestamp)
	}
}

func (d *Dispatcher) emitPresence(id string, online, wasOffline bool) {
	d.emit(events.TopicPresence, events.KindPresenceChanged, "", "", PresenceChange{ParticipantID: id, Online: online})
	if online && wasOffline && id != d.Self() {
		d.emit(events.TopicPresence, events.KindPresenceBanner, "", "", PresenceChange{ParticipantID: id, Online: true})
	}
}

func otherMember(s chat.Session, self string) string {
	for _, m := range s.Members {
		if m != self {
			return m
		}
	}
	return ""
}
