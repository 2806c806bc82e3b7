// Package protocol encodes and classifies the JSON frames exchanged over the
// chat connection. Every frame is one JSON object tagged by "type".
package protocol

import (
	"time"

	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/presence"
)

type Type string

const (
	TypeAuth         Type = "auth"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeMessage      Type = "message"
	TypePresence     Type = "presence"
	TypeGroupChange  Type = "group-change"
	TypeStatusUpdate Type = "statusUpdate"
)

// Frame is one decoded inbound frame.
type Frame interface {
	FrameType() Type
}

// ControlFrame is a ping or pong.
type ControlFrame struct {
	Kind Type
}

// ChatFrame carries one chat message.
type ChatFrame struct {
	Message chat.Message
}

// SystemNoticeFrame is a message flagged "system". When its content is a
// list of roster entries it doubles as the online-members snapshot.
type SystemNoticeFrame struct {
	ID        string
	Content   string
	Timestamp time.Time
	Roster    []RosterEntry
	IsRoster  bool
}

type RosterEntry struct {
	ID     string `json:"id" validate:"required"`
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// PresenceFrame is the bulk snapshot sent after auth.
type PresenceFrame struct {
	Records []presence.Record
}

// StatusFrame is a single participant's status delta.
type StatusFrame struct {
	ParticipantID string
	Online        bool
	Timestamp     *time.Time
}

type GroupAction string

const (
	GroupJoin   GroupAction = "join"
	GroupLeave  GroupAction = "leave"
	GroupUpdate GroupAction = "update"
)

// GroupChangeFrame reports a membership change in a team, optionally with
// the member's presence.
type GroupChangeFrame struct {
	TeamID    string
	MemberID  string
	Action    GroupAction
	Online    *bool
	Timestamp *time.Time
}

func (f ControlFrame) FrameType() Type    { return f.Kind }
func (ChatFrame) FrameType() Type         { return TypeMessage }
func (SystemNoticeFrame) FrameType() Type { return TypeMessage }
func (PresenceFrame) FrameType() Type     { return TypePresence }
func (StatusFrame) FrameType() Type       { return TypeStatusUpdate }
func (GroupChangeFrame) FrameType() Type  { return TypeGroupChange }

// wire shapes

type wireParty struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name,omitempty"`
}

type wireMessage struct {
	Type         Type          `json:"type"`
	ID           string        `json:"id" validate:"required"`
	SessionID    string        `json:"sessionId" validate:"required"`
	MessageType  string        `json:"messageType" validate:"omitempty,oneof=text file"`
	Content      string        `json:"content"`
	Sender       wireParty     `json:"sender"`
	ReceiverID   string        `json:"receiverId,omitempty"`
	ReceiverType string        `json:"receiverType,omitempty" validate:"omitempty,oneof=employee team"`
	Timestamp    string        `json:"timestamp" validate:"required"`
	Mentions     []wireParty   `json:"mentions,omitempty" validate:"dive"`
	File         *chat.FileRef `json:"file,omitempty"`
}

type wireAuth struct {
	Type   Type   `json:"type"`
	UserID string `json:"userId" validate:"required"`
	Token  string `json:"token" validate:"required"`
}

type wireStatus struct {
	Type      Type   `json:"type"`
	UserID    string `json:"userId" validate:"required"`
	Online    bool   `json:"online"`
	Timestamp string `json:"timestamp,omitempty"`
}

type wireGroupChange struct {
	TeamID string `validate:"required"`
	UserID string `validate:"required"`
	Action string `validate:"required,oneof=join leave update"`
}

type wireControl struct {
	Type Type `json:"type"`
}
