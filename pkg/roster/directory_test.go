package roster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/teamchat/pkg/api"
	"github.com/tinyland-inc/teamchat/pkg/chat"
)

type stubSource struct {
	mu        sync.Mutex
	employees map[string]api.Employee
	teams     map[string][]api.Employee
	calls     int
	fail      bool
}

func (s *stubSource) Employee(_ context.Context, id string) (*api.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return nil, errors.New("roster unavailable")
	}
	e, ok := s.employees[id]
	if !ok {
		return nil, api.ErrUnexpectedStatus
	}
	return &e, nil
}

func (s *stubSource) TeamMembers(_ context.Context, teamID string) ([]api.Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return nil, errors.New("roster unavailable")
	}
	return s.teams[teamID], nil
}

func TestDisplayName_CachesLookups(t *testing.T) {
	src := &stubSource{employees: map[string]api.Employee{"e003": {ID: "e003", Name: "Carol"}}}
	d := New(src, time.Minute)

	assert.Equal(t, "Carol", d.DisplayName(context.Background(), "e003"))
	assert.Equal(t, "Carol", d.DisplayName(context.Background(), "e003"))
	assert.Equal(t, 1, src.calls)
}

func TestDisplayName_PlaceholderOnFailure(t *testing.T) {
	src := &stubSource{fail: true}
	d := New(src, time.Minute)
	assert.Equal(t, chat.PlaceholderName, d.DisplayName(context.Background(), "e009"))

	unsourced := New(nil, 0)
	assert.Equal(t, chat.PlaceholderName, unsourced.DisplayName(context.Background(), "e009"))
}

func TestDisplayName_EmptyNameUsesPlaceholder(t *testing.T) {
	src := &stubSource{employees: map[string]api.Employee{"e004": {ID: "e004"}}}
	d := New(src, time.Minute)
	assert.Equal(t, chat.PlaceholderName, d.DisplayName(context.Background(), "e004"))
}

func TestTeamMembers_PrimesEmployeeCache(t *testing.T) {
	src := &stubSource{teams: map[string][]api.Employee{
		"team_1": {{ID: "e001", Name: "Alice"}, {ID: "e002", Name: "Bob"}},
	}}
	d := New(src, time.Minute)

	members, err := d.TeamMembers(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	assert.Equal(t, "Bob", d.DisplayName(context.Background(), "e002"))
	_, err = d.TeamMembers(context.Background(), "team_1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestRememberAndForget(t *testing.T) {
	src := &stubSource{fail: true}
	d := New(src, time.Minute)
	d.Remember("e002", "Bob")
	d.Remember("", "ignored")
	assert.Equal(t, "Bob", d.DisplayName(context.Background(), "e002"))

	d.Forget("e002")
	assert.Equal(t, chat.PlaceholderName, d.DisplayName(context.Background(), "e002"))
}
