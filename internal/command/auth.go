package command

import (
	"fmt"

	"relaybot/internal/role"
)

// AuthorizationError rejects a sender whose role may not issue the action.
type AuthorizationError struct {
	Role     string
	Required string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("role %q may not issue this command (requires %q)", e.Role, e.Required)
}

// Authorizer is single-tier: only the highest ranked role may broadcast or
// read statistics, whatever the target.
type Authorizer struct {
	roles *role.Registry
}

func NewAuthorizer(roles *role.Registry) Authorizer { return Authorizer{roles: roles} }

func (a Authorizer) Authorize(roleKey string) error {
	top := a.roles.Highest()
	if roleKey == top.Key {
		return nil
	}
	return &AuthorizationError{Role: roleKey, Required: top.Key}
}
