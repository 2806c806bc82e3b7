package chat

import (
	"sort"
	"strings"
)

// PlaceholderName is used for private sessions whose counterpart has not
// been resolved through the roster yet.
const PlaceholderName = "Unknown contact"

const systemDisplayName = "System"

// Registry tracks the logical conversation channels of one identity and
// routes inbound messages into the Store.
type Registry struct {
	self     string
	active   string
	sessions map[string]*Session
	store    *Store
}

func NewRegistry(self string, store *Store) *Registry {
	if store == nil {
		store = NewStore()
	}
	return &Registry{
		self:     self,
		sessions: make(map[string]*Session),
		store:    store,
	}
}

func (r *Registry) Self() string   { return r.self }
func (r *Registry) Active() string { return r.active }
func (r *Registry) Store() *Store  { return r.store }

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// ResolvePrivateSession returns the private session id shared with other,
// creating the session with a placeholder name when it does not exist.
func (r *Registry) ResolvePrivateSession(other string) (string, bool) {
	id := PrivateSessionID(r.self, other)
	if _, ok := r.sessions[id]; ok {
		return id, false
	}
	r.sessions[id] = &Session{
		ID:          id,
		Kind:        KindPrivate,
		DisplayName: PlaceholderName,
		Members:     []string{r.self, strings.TrimSpace(other)},
	}
	return id, true
}

// Rename replaces a session's display name. It reports whether the session
// exists.
func (r *Registry) Rename(id, name string) bool {
	s, ok := r.sessions[id]
	if !ok || name == "" {
		return false
	}
	s.DisplayName = name
	return true
}

// SwitchActive makes id the active session and zeroes its unread count.
// It reports false when id is already active.
func (r *Registry) SwitchActive(id string) bool {
	if r.active == id {
		return false
	}
	r.active = id
	if s, ok := r.sessions[id]; ok {
		s.UnreadCount = 0
		r.store.MarkRead(id)
	}
	return true
}

// ReceiveInbound stores msg and updates the owning session. Messages for
// unknown sessions synthesize one. Unread is bumped only when the session is
// not active. It returns false for duplicates, which change nothing.
func (r *Registry) ReceiveInbound(msg Message) (Session, bool) {
	s, ok := r.sessions[msg.SessionID]
	if !ok {
		s = r.synthesize(msg)
		r.sessions[s.ID] = s
	}
	if msg.SessionID == r.active {
		msg.IsRead = true
	}
	if !r.store.Append(msg) {
		return s.clone(), false
	}
	r.touch(s, msg)
	if msg.SessionID != r.active {
		s.UnreadCount++
	}
	return s.clone(), true
}

// RecordOutbound stores a locally authored message without touching unread.
func (r *Registry) RecordOutbound(msg Message) (Session, bool) {
	s, ok := r.sessions[msg.SessionID]
	if !ok {
		s = r.synthesize(msg)
		r.sessions[s.ID] = s
	}
	msg.IsRead = true
	if !r.store.Append(msg) {
		return s.clone(), false
	}
	r.touch(s, msg)
	return s.clone(), true
}

// SeedHistory loads fetched history. Unread counts are left alone; the
// server reports them separately.
func (r *Registry) SeedHistory(msgs []Message) int {
	added := 0
	for _, msg := range msgs {
		s, ok := r.sessions[msg.SessionID]
		if !ok {
			s = r.synthesize(msg)
			r.sessions[s.ID] = s
		}
		if msg.SessionID == r.active {
			msg.IsRead = true
		}
		if !r.store.Append(msg) {
			continue
		}
		r.touch(s, msg)
		added++
	}
	return added
}

// Seed merges sessions fetched over HTTP. Sessions already known locally keep
// their local unread count and preview; only missing metadata is filled in.
func (r *Registry) Seed(records []Session) int {
	added := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if s, ok := r.sessions[rec.ID]; ok {
			if (s.DisplayName == "" || s.DisplayName == PlaceholderName) && rec.DisplayName != "" {
				s.DisplayName = rec.DisplayName
			}
			for _, m := range rec.Members {
				if !s.hasMember(m) {
					s.Members = append(s.Members, m)
				}
			}
			continue
		}
		cp := rec.clone()
		if cp.Kind == "" {
			cp.Kind = kindFromID(cp.ID)
		}
		if cp.ID == r.active {
			cp.UnreadCount = 0
		}
		r.sessions[cp.ID] = &cp
		added++
	}
	return added
}

// SetUnread overrides the unread count reported by the server. The active
// session always stays at zero.
func (r *Registry) SetUnread(id string, n int) {
	s, ok := r.sessions[id]
	if !ok || id == r.active || n < 0 {
		return
	}
	s.UnreadCount = n
}

// ApplyMembership adds or removes memberID from the group session of teamID,
// creating the session when a member joins an unknown team.
func (r *Registry) ApplyMembership(teamID, memberID string, joined bool) (Session, bool) {
	s, ok := r.sessions[teamID]
	if !ok {
		if !joined {
			return Session{}, false
		}
		s = &Session{ID: teamID, Kind: KindGroup, DisplayName: teamID}
		r.sessions[teamID] = s
	}
	if joined {
		if s.hasMember(memberID) {
			return s.clone(), false
		}
		s.Members = append(s.Members, memberID)
		return s.clone(), true
	}
	for i, m := range s.Members {
		if m == memberID {
			s.Members = append(s.Members[:i], s.Members[i+1:]...)
			return s.clone(), true
		}
	}
	return s.clone(), false
}

// Sessions returns copies ordered by recency, then id.
func (r *Registry) Sessions() []Session {
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalUnread sums unread counts across sessions.
func (r *Registry) TotalUnread() int {
	total := 0
	for _, s := range r.sessions {
		total += s.UnreadCount
	}
	return total
}

func (r *Registry) touch(s *Session, msg Message) {
	if msg.Timestamp.Before(s.LastActivity) {
		return
	}
	s.LastActivity = msg.Timestamp
	s.LastMessagePreview = msg.Preview()
}

func (r *Registry) synthesize(msg Message) *Session {
	s := &Session{ID: msg.SessionID, Kind: kindFromID(msg.SessionID)}
	switch {
	case s.ID == SystemSessionID:
		s.DisplayName = systemDisplayName
	case msg.ReceiverType == ReceiverTeam:
		s.Kind = KindGroup
		s.DisplayName = msg.SessionID
	case s.Kind == KindPrivate:
		s.DisplayName = msg.SenderName
		if s.DisplayName == "" || msg.SenderID == r.self {
			s.DisplayName = PlaceholderName
		}
		s.Members = strings.SplitN(msg.SessionID, "_", 2)
	default:
		s.DisplayName = msg.SessionID
	}
	if msg.SenderID != "" && !s.hasMember(msg.SenderID) && s.Kind != KindSystem {
		s.Members = append(s.Members, msg.SenderID)
	}
	return s
}

// kindFromID infers the session kind from the id shape: the reserved system
// id, "team_"-prefixed group ids, and "a_b" private pairings.
func kindFromID(id string) SessionKind {
	switch {
	case id == SystemSessionID:
		return KindSystem
	case strings.HasPrefix(id, "team_"):
		return KindGroup
	case strings.Count(id, "_") == 1:
		return KindPrivate
	default:
		return KindGroup
	}
}

