// Package presence tracks participant online status.
package presence

import (
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

type Record struct {
	ParticipantID string     `json:"participantId"`
	Online        bool       `json:"online"`
	LastChangedAt *time.Time `json:"lastChangedAt,omitempty"`
}

// Banner is a transient "came online" notice.
type Banner struct {
	ParticipantID string    `json:"participantId"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

const DefaultBannerTTL = 5 * time.Second

// Tracker maps participant ids to presence records. It is not safe for
// concurrent use; the dispatcher serializes access.
type Tracker struct {
	self    string
	records map[string]*Record
	banners *cache.Cache
	ttl     time.Duration
	now     func() time.Time
}

func NewTracker(self string, bannerTTL time.Duration) *Tracker {
	if bannerTTL <= 0 {
		bannerTTL = DefaultBannerTTL
	}
	return &Tracker{
		self:    self,
		records: make(map[string]*Record),
		banners: cache.New(bannerTTL, 2*bannerTTL),
		ttl:     bannerTTL,
		now:     time.Now,
	}
}

func (t *Tracker) Get(id string) (Record, bool) {
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(r), true
}

// Online reports false for unknown participants.
func (t *Tracker) Online(id string) bool {
	r, ok := t.records[id]
	return ok && r.Online
}

// ApplyDelta applies one status change with last-write-wins semantics. A nil
// ts overwrites unconditionally; a ts older than the stored one is ignored.
// It reports whether the stored record changed.
func (t *Tracker) ApplyDelta(id string, online bool, ts *time.Time) bool {
	if id == "" {
		return false
	}
	r, ok := t.records[id]
	if !ok {
		r = &Record{ParticipantID: id}
		t.records[id] = r
	} else if ts != nil && r.LastChangedAt != nil && ts.Before(*r.LastChangedAt) {
		return false
	}

	cameOnline := online && !r.Online
	changed := !ok || r.Online != online
	r.Online = online
	if ts != nil {
		at := *ts
		r.LastChangedAt = &at
	}
	if cameOnline {
		t.banner(id)
	}
	return changed
}

// ApplySnapshot replaces every record. Participants absent from the snapshot
// are kept but marked offline.
func (t *Tracker) ApplySnapshot(records []Record) {
	next := make(map[string]*Record, len(records))
	for _, rec := range records {
		if rec.ParticipantID == "" {
			continue
		}
		cp := copyRecord(&rec)
		if prev, ok := t.records[rec.ParticipantID]; cp.Online && (!ok || !prev.Online) {
			t.banner(rec.ParticipantID)
		}
		next[rec.ParticipantID] = &cp
	}
	for id, prev := range t.records {
		if _, ok := next[id]; ok {
			continue
		}
		cp := copyRecord(prev)
		cp.Online = false
		next[id] = &cp
	}
	t.records = next
}

// SetLocal records an optimistic status change for the local identity.
func (t *Tracker) SetLocal(online bool) Record {
	now := t.now()
	r, ok := t.records[t.self]
	if !ok {
		r = &Record{ParticipantID: t.self}
		t.records[t.self] = r
	}
	r.Online = online
	r.LastChangedAt = &now
	return copyRecord(r)
}

// Banners lists live banners, oldest first.
func (t *Tracker) Banners() []Banner {
	items := t.banners.Items()
	out := make([]Banner, 0, len(items))
	for _, item := range items {
		if b, ok := item.Object.(Banner); ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

// OnlineIDs returns the online participants, sorted.
func (t *Tracker) OnlineIDs() []string {
	var ids []string
	for id, r := range t.records {
		if r.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) Records() []Record {
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (t *Tracker) banner(id string) {
	if id == t.self {
		return
	}
	now := t.now()
	t.banners.Set(id, Banner{ParticipantID: id, CreatedAt: now, ExpiresAt: now.Add(t.ttl)}, cache.DefaultExpiration)
}

func copyRecord(r *Record) Record {
	cp := *r
	if r.LastChangedAt != nil {
		at := *r.LastChangedAt
		cp.LastChangedAt = &at
	}
	return cp
}
