// Package roster resolves participant ids to display names through the team
// API, caching results.
package roster

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/tinyland-inc/teamchat/pkg/api"
	"github.com/tinyland-inc/teamchat/pkg/chat"
	"github.com/tinyland-inc/teamchat/pkg/logger"
)

// Source is the subset of the API client the directory needs.
type Source interface {
	Employee(ctx context.Context, id string) (*api.Employee, error)
	TeamMembers(ctx context.Context, teamID string) ([]api.Employee, error)
}

const DefaultTTL = 10 * time.Minute

var errNoSource = errors.New("roster source not configured")

type Directory struct {
	src   Source
	cache *cache.Cache
}

func New(src Source, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{src: src, cache: cache.New(ttl, 2*ttl)}
}

func employeeKey(id string) string { return "employee:" + id }
func teamKey(id string) string     { return "team:" + id }

// Lookup returns the employee record, from cache when possible.
func (d *Directory) Lookup(ctx context.Context, id string) (api.Employee, error) {
	if v, ok := d.cache.Get(employeeKey(id)); ok {
		return v.(api.Employee), nil
	}
	if d.src == nil {
		return api.Employee{}, errNoSource
	}
	e, err := d.src.Employee(ctx, id)
	if err != nil {
		return api.Employee{}, err
	}
	d.cache.SetDefault(employeeKey(id), *e)
	return *e, nil
}

// DisplayName never fails: lookups that error or return an empty name yield
// the placeholder.
func (d *Directory) DisplayName(ctx context.Context, id string) string {
	e, err := d.Lookup(ctx, id)
	if err != nil {
		logger.WarnCF("roster", "Display name lookup failed", map[string]any{
			"participant": id,
			"error":       err,
		})
		return chat.PlaceholderName
	}
	if e.Name == "" {
		return chat.PlaceholderName
	}
	return e.Name
}

// TeamMembers lists a team and primes the per-employee cache.
func (d *Directory) TeamMembers(ctx context.Context, teamID string) ([]api.Employee, error) {
	if v, ok := d.cache.Get(teamKey(teamID)); ok {
		return v.([]api.Employee), nil
	}
	if d.src == nil {
		return nil, errNoSource
	}
	members, err := d.src.TeamMembers(ctx, teamID)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(teamKey(teamID), members)
	for _, m := range members {
		d.cache.SetDefault(employeeKey(m.ID), m)
	}
	return members, nil
}

// Remember records a name learned from elsewhere, such as a roster
// snapshot pushed over the connection.
func (d *Directory) Remember(id, name string) {
	if id == "" || name == "" {
		return
	}
	d.cache.SetDefault(employeeKey(id), api.Employee{ID: id, Name: name})
}

// Forget drops cached entries for id.
func (d *Directory) Forget(id string) {
	d.cache.Delete(employeeKey(id))
	d.cache.Delete(teamKey(id))
}
