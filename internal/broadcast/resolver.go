package broadcast

import (
	"context"
	"fmt"

	"relaybot/internal/role"
	"relaybot/internal/storage"
)

// UserLister is the slice of the repository the resolver needs.
type UserLister interface {
	ListUsers(ctx context.Context) ([]storage.User, error)
}

// Resolver expands a target role into the users whose rank meets it.
type Resolver struct {
	roles *role.Registry
	users UserLister
}

func NewResolver(roles *role.Registry, users UserLister) *Resolver {
	return &Resolver{roles: roles, users: users}
}

// Resolve returns every user with rank >= rank(target), in registration order.
// Blocked users and users holding roles missing from the registry are skipped.
func (r *Resolver) Resolve(ctx context.Context, target string) ([]Recipient, error) {
	floor, err := r.roles.Rank(target)
	if err != nil {
		return nil, err
	}
	users, err := r.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", target, err)
	}

	out := make([]Recipient, 0, len(users))
	for _, u := range users {
		rank, err := r.roles.Rank(u.Role)
		if err != nil {
			continue
		}
		if rank <= role.Blocked || rank < floor {
			continue
		}
		out = append(out, Recipient{ID: u.ID, Name: u.Name})
	}
	return out, nil
}
