// Package chat holds the session registry and the per-session message store.
//
// Neither type locks internally: both are owned by the dispatcher, which
// serializes every read and mutation under a single mutex.
package chat

import (
	"sort"
	"strings"
	"time"
)

type SessionKind string

const (
	KindPrivate SessionKind = "private"
	KindGroup   SessionKind = "group"
	KindSystem  SessionKind = "system"
)

// SystemSessionID is the reserved id of the system-wide channel.
const SystemSessionID = "system"

type MessageType string

const (
	MessageText MessageType = "text"
	MessageFile MessageType = "file"
)

type ReceiverType string

const (
	ReceiverEmployee ReceiverType = "employee"
	ReceiverTeam     ReceiverType = "team"
)

// FileRef is attachment metadata; transfer happens elsewhere.
type FileRef struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type Message struct {
	ID           string       `json:"id"`
	SessionID    string       `json:"sessionId"`
	SenderID     string       `json:"senderId"`
	SenderName   string       `json:"senderName,omitempty"`
	ReceiverID   string       `json:"receiverId,omitempty"`
	ReceiverType ReceiverType `json:"receiverType,omitempty"`
	Type         MessageType  `json:"type"`
	Content      string       `json:"content"`
	Attachment   *FileRef     `json:"attachment,omitempty"`
	Mentions     []string     `json:"mentions,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
	IsRead       bool         `json:"isRead"`
}

type Session struct {
	ID                 string      `json:"id"`
	Kind               SessionKind `json:"kind"`
	DisplayName        string      `json:"displayName"`
	Members            []string    `json:"members"`
	LastMessagePreview string      `json:"lastMessagePreview"`
	LastActivity       time.Time   `json:"lastActivity"`
	UnreadCount        int         `json:"unreadCount"`
}

// PrivateSessionID pairs two participants deterministically: the ids are
// sorted and joined with "_", so both sides compute the same session id.
func PrivateSessionID(a, b string) string {
	ids := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// Preview returns the single-line summary shown in session listings.
func (m Message) Preview() string {
	if m.Type == MessageFile && m.Attachment != nil {
		return "[file] " + m.Attachment.Name
	}
	text := strings.Join(strings.Fields(m.Content), " ")
	const maxPreviewRunes = 80
	runes := []rune(text)
	if len(runes) > maxPreviewRunes {
		return string(runes[:maxPreviewRunes-1]) + "…"
	}
	return text
}

func (s *Session) hasMember(id string) bool {
	for _, m := range s.Members {
		if m == id {
			return true
		}
	}
	return false
}

func (s *Session) clone() Session {
	cp := *s
	cp.Members = append([]string(nil), s.Members...)
	return cp
}
