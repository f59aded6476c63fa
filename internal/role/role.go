// Package role holds the fixed role hierarchy.
//
// Roles are identified by a key (e.g. "SanYaku") and ordered by rank. Rank 0
// is the blocked role: a user holding it is never a broadcast recipient.
package role

import (
	"fmt"
	"sort"
	"strings"
)

// Blocked is the rank that excludes a user from every resolution.
const Blocked = 0

// Role is one entry in the hierarchy.
type Role struct {
	Key   string
	Rank  int
	Label string
}

// UnknownRoleError is returned for lookups of a key that is not in the table.
type UnknownRoleError struct {
	Key string
}

func (e *UnknownRoleError) Error() string {
	return fmt.Sprintf("unknown role %q", e.Key)
}

// Registry is an immutable lookup table. Build it once with NewRegistry.
type Registry struct {
	byKey  map[string]Role
	sorted []Role // descending rank
}

// NewRegistry validates the table: keys must be unique and non-empty, ranks
// must be unique (strict total order) and non-negative.
func NewRegistry(roles []Role) (*Registry, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("role table is empty")
	}
	r := &Registry{byKey: make(map[string]Role, len(roles))}
	ranks := map[int]string{}
	for _, ro := range roles {
		key := strings.TrimSpace(ro.Key)
		if key == "" {
			return nil, fmt.Errorf("role key is empty")
		}
		if ro.Rank < 0 {
			return nil, fmt.Errorf("role %q: rank must be >= 0", key)
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("role %q declared twice", key)
		}
		if other, dup := ranks[ro.Rank]; dup {
			return nil, fmt.Errorf("roles %q and %q share rank %d", other, key, ro.Rank)
		}
		ranks[ro.Rank] = key
		ro.Key = key
		if strings.TrimSpace(ro.Label) == "" {
			ro.Label = key
		}
		r.byKey[key] = ro
		r.sorted = append(r.sorted, ro)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].Rank > r.sorted[j].Rank })
	return r, nil
}

func (r *Registry) IsKnown(key string) bool {
	_, ok := r.byKey[key]
	return ok
}

func (r *Registry) Get(key string) (Role, error) {
	ro, ok := r.byKey[key]
	if !ok {
		return Role{}, &UnknownRoleError{Key: key}
	}
	return ro, nil
}

func (r *Registry) Rank(key string) (int, error) {
	ro, err := r.Get(key)
	if err != nil {
		return 0, err
	}
	return ro.Rank, nil
}

func (r *Registry) Label(key string) (string, error) {
	ro, err := r.Get(key)
	if err != nil {
		return "", err
	}
	return ro.Label, nil
}

// Highest returns the role allowed to issue broadcast commands.
func (r *Registry) Highest() Role { return r.sorted[0] }

// DefaultMember is the lowest non-blocked role. Unregistered senders are
// treated as holding it.
func (r *Registry) DefaultMember() Role {
	for i := len(r.sorted) - 1; i >= 0; i-- {
		if r.sorted[i].Rank > Blocked {
			return r.sorted[i]
		}
	}
	return r.sorted[len(r.sorted)-1]
}

// Roles returns the table ordered by descending rank.
func (r *Registry) Roles() []Role {
	return append([]Role(nil), r.sorted...)
}
