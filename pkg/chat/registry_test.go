package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_UnreadAccounting(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.Seed([]Session{{ID: "team_1", Kind: KindGroup, DisplayName: "Platform"}})

	const n = 4
	for i := 0; i < n; i++ {
		_, added := r.ReceiveInbound(msgAt(string(rune('a'+i)), "team_1", time.Duration(i)*time.Second))
		require.True(t, added)
	}
	s, ok := r.Get("team_1")
	require.True(t, ok)
	assert.Equal(t, n, s.UnreadCount)
	assert.Equal(t, n, r.TotalUnread())

	assert.True(t, r.SwitchActive("team_1"))
	s, _ = r.Get("team_1")
	assert.Equal(t, 0, s.UnreadCount)
	for _, m := range r.Store().Query("team_1") {
		assert.True(t, m.IsRead)
	}
}

func TestRegistry_ActiveSessionDoesNotAccumulateUnread(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.SwitchActive("team_1")

	s, added := r.ReceiveInbound(Message{
		ID: "m1", SessionID: "team_1", SenderID: "e002",
		ReceiverID: "team_1", ReceiverType: ReceiverTeam,
		Content: "standup in 5", Timestamp: base,
	})
	require.True(t, added)
	assert.Equal(t, 0, s.UnreadCount)
	assert.Equal(t, KindGroup, s.Kind)
	assert.Equal(t, "standup in 5", s.LastMessagePreview)
}

func TestRegistry_SynthesizesUnknownPrivateSession(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.SwitchActive("team_1")

	s, added := r.ReceiveInbound(Message{
		ID: "m1", SessionID: "e001_e003", SenderID: "e003", SenderName: "Carol",
		ReceiverID: "e001", ReceiverType: ReceiverEmployee,
		Content: "got a minute?", Timestamp: base,
	})
	require.True(t, added)
	assert.Equal(t, 1, s.UnreadCount)
	assert.Equal(t, KindPrivate, s.Kind)
	assert.Equal(t, "Carol", s.DisplayName)
	assert.ElementsMatch(t, []string{"e001", "e003"}, s.Members)

	stored, ok := r.Get("e001_e003")
	require.True(t, ok)
	assert.Equal(t, 1, stored.UnreadCount)
}

func TestRegistry_DuplicateInboundDoesNotBumpUnread(t *testing.T) {
	r := NewRegistry("e001", nil)
	m := msgAt("m1", "team_1", 0)

	_, added := r.ReceiveInbound(m)
	require.True(t, added)
	_, added = r.ReceiveInbound(m)
	assert.False(t, added)

	s, _ := r.Get("team_1")
	assert.Equal(t, 1, s.UnreadCount)
	assert.Equal(t, 1, r.Store().Len("team_1"))
}

func TestRegistry_SwitchActiveNoopWhenAlreadyActive(t *testing.T) {
	r := NewRegistry("e001", nil)
	assert.True(t, r.SwitchActive("team_1"))
	assert.False(t, r.SwitchActive("team_1"))
	assert.Equal(t, "team_1", r.Active())
}

func TestRegistry_ResolvePrivateSession(t *testing.T) {
	r := NewRegistry("e003", nil)

	id, created := r.ResolvePrivateSession("e001")
	assert.Equal(t, "e001_e003", id)
	assert.True(t, created)

	s, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, KindPrivate, s.Kind)
	assert.Equal(t, PlaceholderName, s.DisplayName)

	again, created := r.ResolvePrivateSession("e001")
	assert.Equal(t, id, again)
	assert.False(t, created)

	assert.True(t, r.Rename(id, "Alice"))
	s, _ = r.Get(id)
	assert.Equal(t, "Alice", s.DisplayName)
	assert.False(t, r.Rename("missing", "x"))
}

func TestRegistry_RecordOutboundLeavesUnread(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.SwitchActive("team_2")
	id, _ := r.ResolvePrivateSession("e002")

	s, added := r.RecordOutbound(Message{ID: "out-1", SessionID: id, SenderID: "e001", Content: "hi", Timestamp: base})
	require.True(t, added)
	assert.Equal(t, 0, s.UnreadCount)
	assert.Equal(t, "hi", s.LastMessagePreview)
}

func TestRegistry_SeedKeepsLocalState(t *testing.T) {
	r := NewRegistry("e001", nil)
	id, _ := r.ResolvePrivateSession("e002")
	r.ReceiveInbound(msgAt("m1", id, 0))

	added := r.Seed([]Session{
		{ID: id, DisplayName: "Bob", UnreadCount: 9},
		{ID: "team_1", DisplayName: "Platform", UnreadCount: 2},
		{ID: ""},
	})
	assert.Equal(t, 1, added)

	s, _ := r.Get(id)
	assert.Equal(t, "Bob", s.DisplayName)
	assert.Equal(t, 1, s.UnreadCount)

	team, _ := r.Get("team_1")
	assert.Equal(t, KindGroup, team.Kind)
	assert.Equal(t, 2, team.UnreadCount)
}

func TestRegistry_SeedHistoryLeavesUnread(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.SwitchActive("team_1")

	added := r.SeedHistory([]Message{
		msgAt("h2", "team_1", 2*time.Second),
		msgAt("h1", "team_1", time.Second),
		msgAt("h1", "team_1", time.Second),
	})
	assert.Equal(t, 2, added)

	s, ok := r.Get("team_1")
	require.True(t, ok)
	assert.Equal(t, 0, s.UnreadCount)
	assert.Equal(t, "hello h2", s.LastMessagePreview)

	got := r.Store().Query("team_1")
	require.Len(t, got, 2)
	assert.Equal(t, "h1", got[0].ID)
	assert.True(t, got[0].IsRead)
}

func TestRegistry_SetUnreadIgnoresActive(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.Seed([]Session{{ID: "team_1"}, {ID: "team_2"}})
	r.SwitchActive("team_1")

	r.SetUnread("team_1", 5)
	r.SetUnread("team_2", 3)

	s1, _ := r.Get("team_1")
	s2, _ := r.Get("team_2")
	assert.Equal(t, 0, s1.UnreadCount)
	assert.Equal(t, 3, s2.UnreadCount)
}

func TestRegistry_ApplyMembership(t *testing.T) {
	r := NewRegistry("e001", nil)

	s, changed := r.ApplyMembership("team_9", "e004", true)
	assert.True(t, changed)
	assert.Equal(t, []string{"e004"}, s.Members)

	_, changed = r.ApplyMembership("team_9", "e004", true)
	assert.False(t, changed)

	s, changed = r.ApplyMembership("team_9", "e004", false)
	assert.True(t, changed)
	assert.Empty(t, s.Members)

	_, changed = r.ApplyMembership("team_unknown", "e004", false)
	assert.False(t, changed)
}

func TestRegistry_SessionsOrderedByRecency(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.ReceiveInbound(msgAt("a", "team_1", time.Second))
	r.ReceiveInbound(msgAt("b", "team_2", 3*time.Second))
	r.ReceiveInbound(msgAt("c", SystemSessionID, 2*time.Second))

	got := r.Sessions()
	require.Len(t, got, 3)
	assert.Equal(t, "team_2", got[0].ID)
	assert.Equal(t, SystemSessionID, got[1].ID)
	assert.Equal(t, KindSystem, got[1].Kind)
	assert.Equal(t, "team_1", got[2].ID)
}

func TestRegistry_OlderMessageKeepsNewerPreview(t *testing.T) {
	r := NewRegistry("e001", nil)
	r.ReceiveInbound(msgAt("new", "team_1", 10*time.Second))
	s, _ := r.ReceiveInbound(msgAt("old", "team_1", 0))
	assert.Equal(t, "hello new", s.LastMessagePreview)
	assert.Equal(t, 2, s.UnreadCount)
}
