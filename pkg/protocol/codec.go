package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"

	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/presence"
)

var (
	ErrUnknownFrame   = errors.New("unknown frame type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Codec encodes outbound frames and decodes inbound ones. It is safe for
// concurrent use.
type Codec struct {
	validate *validator.Validate
	now      func() time.Time
}

func NewCodec() *Codec {
	return &Codec{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

func (c *Codec) EncodeAuth(userID, token string) ([]byte, error) {
	w := wireAuth{Type: TypeAuth, UserID: userID, Token: token}
	if err := c.validate.Struct(w); err != nil {
		return nil, fmt.Errorf("encode auth: %w", err)
	}
	return json.Marshal(w)
}

func (c *Codec) EncodePing() []byte {
	data, _ := json.Marshal(wireControl{Type: TypePing})
	return data
}

func (c *Codec) EncodePong() []byte {
	data, _ := json.Marshal(wireControl{Type: TypePong})
	return data
}

// EncodeMessage renders a locally authored message. Timestamps go out as
// RFC 3339 with millisecond precision.
func (c *Codec) EncodeMessage(m chat.Message) ([]byte, error) {
	w := wireMessage{
		Type:         TypeMessage,
		ID:           m.ID,
		SessionID:    m.SessionID,
		MessageType:  string(m.Type),
		Content:      m.Content,
		Sender:       wireParty{ID: m.SenderID, Name: m.SenderName},
		ReceiverID:   m.ReceiverID,
		ReceiverType: string(m.ReceiverType),
		File:         m.Attachment,
	}
	if w.MessageType == "" {
		w.MessageType = string(chat.MessageText)
	}
	if !m.Timestamp.IsZero() {
		w.Timestamp = formatTime(m.Timestamp)
	}
	for _, id := range m.Mentions {
		w.Mentions = append(w.Mentions, wireParty{ID: id})
	}
	if err := c.validate.Struct(w); err != nil {
		return nil, fmt.Errorf("encode message %q: %w", m.ID, err)
	}
	return json.Marshal(w)
}

func (c *Codec) EncodeStatus(userID string, online bool, at time.Time) ([]byte, error) {
	w := wireStatus{Type: TypeStatusUpdate, UserID: userID, Online: online}
	if !at.IsZero() {
		w.Timestamp = formatTime(at)
	}
	if err := c.validate.Struct(w); err != nil {
		return nil, fmt.Errorf("encode status: %w", err)
	}
	return json.Marshal(w)
}

// Decode classifies one inbound frame. Invalid JSON or missing required
// fields yield ErrMalformedFrame; an unrecognized "type" yields
// ErrUnknownFrame.
func (c *Codec) Decode(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedFrame)
	}

	typ := Type(root.Get("type").String())
	if typ == "" {
		// legacy server frames carry no envelope type
		switch {
		case root.Get("system").Bool():
			typ = TypeMessage
		case root.Get("sessionId").Exists():
			typ = TypeMessage
		}
	}

	switch typ {
	case Type(chat.MessageText), Type(chat.MessageFile):
		// history entries carry the message kind in "type"
		typ = TypeMessage
	}

	switch typ {
	case TypePing, TypePong:
		return ControlFrame{Kind: typ}, nil
	case TypeMessage:
		if root.Get("system").Bool() {
			return c.decodeSystem(root)
		}
		return c.decodeMessage(root)
	case TypePresence:
		return c.decodePresence(root)
	case TypeStatusUpdate:
		return c.decodeStatus(root)
	case TypeGroupChange:
		return c.decodeGroupChange(root)
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, typ)
	}
}

func (c *Codec) decodeMessage(root gjson.Result) (Frame, error) {
	w := wireMessage{
		ID:           root.Get("id").String(),
		SessionID:    root.Get("sessionId").String(),
		MessageType:  root.Get("messageType").String(),
		Content:      root.Get("content").String(),
		Sender:       partyOf(root.Get("sender")),
		ReceiverID:   root.Get("receiverId").String(),
		ReceiverType: root.Get("receiverType").String(),
		Timestamp:    root.Get("timestamp").String(),
	}
	if w.Sender.ID == "" {
		w.Sender.ID = root.Get("senderId").String()
	}
	if w.MessageType == "" {
		if kind := root.Get("type").String(); kind != string(TypeMessage) {
			w.MessageType = kind
		}
	}
	for _, m := range root.Get("mentions").Array() {
		if p := partyOf(m); p.ID != "" {
			w.Mentions = append(w.Mentions, p)
		}
	}
	if err := c.validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: message: %v", ErrMalformedFrame, err)
	}
	ts, err := parseTime(root.Get("timestamp"))
	if err != nil {
		return nil, fmt.Errorf("%w: message %q: %v", ErrMalformedFrame, w.ID, err)
	}

	msg := chat.Message{
		ID:           w.ID,
		SessionID:    w.SessionID,
		SenderID:     w.Sender.ID,
		SenderName:   w.Sender.Name,
		ReceiverID:   w.ReceiverID,
		ReceiverType: chat.ReceiverType(w.ReceiverType),
		Type:         chat.MessageType(w.MessageType),
		Content:      w.Content,
		Timestamp:    ts,
	}
	if msg.Type == "" {
		msg.Type = chat.MessageText
	}
	for _, p := range w.Mentions {
		msg.Mentions = append(msg.Mentions, p.ID)
	}
	if f := root.Get("file"); f.IsObject() {
		msg.Attachment = &chat.FileRef{
			ID:       f.Get("id").String(),
			Name:     f.Get("name").String(),
			URL:      f.Get("url").String(),
			Size:     f.Get("size").Int(),
			MimeType: firstNonEmpty(f.Get("mimeType").String(), f.Get("type").String()),
		}
		if msg.Type == chat.MessageText && msg.Content == "" {
			msg.Type = chat.MessageFile
		}
	}
	return ChatFrame{Message: msg}, nil
}

func (c *Codec) decodeSystem(root gjson.Result) (Frame, error) {
	f := SystemNoticeFrame{ID: root.Get("id").String()}
	if ts := root.Get("timestamp"); ts.Exists() {
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: system notice: %v", ErrMalformedFrame, err)
		}
		f.Timestamp = t
	} else {
		f.Timestamp = c.now()
	}

	content := root.Get("content")
	if !content.IsArray() {
		f.Content = content.String()
		return f, nil
	}
	f.IsRoster = true
	f.Roster = []RosterEntry{}
	for _, item := range content.Array() {
		if item.Type == gjson.String {
			// entries may arrive as JSON-encoded strings
			if !gjson.Valid(item.Str) {
				continue
			}
			item = gjson.Parse(item.Str)
		}
		if !item.IsObject() {
			continue
		}
		e := RosterEntry{
			ID:     item.Get("id").String(),
			Name:   item.Get("name").String(),
			Status: item.Get("status").String(),
		}
		if c.validate.Struct(e) != nil {
			continue
		}
		f.Roster = append(f.Roster, e)
	}
	return f, nil
}

func (c *Codec) decodePresence(root gjson.Result) (Frame, error) {
	users := root.Get("users")
	if !users.IsArray() {
		return nil, fmt.Errorf("%w: presence without users", ErrMalformedFrame)
	}
	f := PresenceFrame{Records: []presence.Record{}}
	for _, u := range users.Array() {
		id := firstNonEmpty(u.Get("userId").String(), u.Get("id").String())
		if id == "" {
			continue
		}
		rec := presence.Record{ParticipantID: id, Online: u.Get("online").Bool()}
		if ts := u.Get("timestamp"); ts.Exists() {
			if t, err := parseTime(ts); err == nil {
				rec.LastChangedAt = &t
			}
		}
		f.Records = append(f.Records, rec)
	}
	return f, nil
}

func (c *Codec) decodeStatus(root gjson.Result) (Frame, error) {
	id := firstNonEmpty(root.Get("userId").String(), root.Get("employeeId").String())
	online := root.Get("online")
	if !online.Exists() {
		online = root.Get("status")
	}
	if id == "" || !online.IsBool() {
		return nil, fmt.Errorf("%w: statusUpdate needs userId and online", ErrMalformedFrame)
	}
	f := StatusFrame{ParticipantID: id, Online: online.Bool()}
	if ts := root.Get("timestamp"); ts.Exists() {
		t, err := parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("%w: statusUpdate: %v", ErrMalformedFrame, err)
		}
		f.Timestamp = &t
	}
	return f, nil
}

func (c *Codec) decodeGroupChange(root gjson.Result) (Frame, error) {
	w := wireGroupChange{
		TeamID: root.Get("teamId").String(),
		UserID: root.Get("userId").String(),
		Action: strings.ToLower(root.Get("action").String()),
	}
	if w.Action == "" {
		w.Action = string(GroupUpdate)
	}
	if err := c.validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: group-change: %v", ErrMalformedFrame, err)
	}
	f := GroupChangeFrame{TeamID: w.TeamID, MemberID: w.UserID, Action: GroupAction(w.Action)}
	if on := root.Get("online"); on.IsBool() {
		v := on.Bool()
		f.Online = &v
	}
	if ts := root.Get("timestamp"); ts.Exists() {
		if t, err := parseTime(ts); err == nil {
			f.Timestamp = &t
		}
	}
	return f, nil
}

// partyOf accepts either an object with id/name or a bare id.
func partyOf(r gjson.Result) wireParty {
	if r.IsObject() {
		return wireParty{
			ID:   firstNonEmpty(r.Get("id").String(), r.Get("employeeId").String()),
			Name: r.Get("name").String(),
		}
	}
	return wireParty{ID: r.String()}
}

// parseTime accepts RFC 3339 strings and unix milliseconds.
func parseTime(r gjson.Result) (time.Time, error) {
	switch r.Type {
	case gjson.Number:
		return time.UnixMilli(r.Int()).UTC(), nil
	case gjson.String:
		t, err := time.Parse(time.RFC3339Nano, r.Str)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", r.Str, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
