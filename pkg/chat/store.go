package chat

import "sort"

// Store keeps per-session message history ordered by timestamp and
// deduplicated by message id.
type Store struct {
	bySession map[string][]Message
	seen      map[string]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		bySession: make(map[string][]Message),
		seen:      make(map[string]map[string]struct{}),
	}
}

// Append inserts msg in timestamp order. Equal timestamps keep insertion
// order. It reports false, leaving the store untouched, when the session
// already holds a message with the same id.
func (s *Store) Append(msg Message) bool {
	ids, ok := s.seen[msg.SessionID]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[msg.SessionID] = ids
	}
	if _, dup := ids[msg.ID]; dup {
		return false
	}
	ids[msg.ID] = struct{}{}

	list := s.bySession[msg.SessionID]
	// first index strictly after msg keeps ties stable
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(msg.Timestamp)
	})
	list = append(list, Message{})
	copy(list[i+1:], list[i:])
	list[i] = msg
	s.bySession[msg.SessionID] = list
	return true
}

// Seed appends a batch and returns how many were new.
func (s *Store) Seed(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		if s.Append(m) {
			added++
		}
	}
	return added
}

// Query returns a copy of the session's history in timestamp order.
func (s *Store) Query(sessionID string) []Message {
	list := s.bySession[sessionID]
	out := make([]Message, len(list))
	copy(out, list)
	return out
}

func (s *Store) Has(sessionID, messageID string) bool {
	_, ok := s.seen[sessionID][messageID]
	return ok
}

func (s *Store) Len(sessionID string) int {
	return len(s.bySession[sessionID])
}

// MarkRead flags every message of the session as read.
func (s *Store) MarkRead(sessionID string) {
	list := s.bySession[sessionID]
	for i := range list {
		list[i].IsRead = true
	}
}
