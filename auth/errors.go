package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication and authorization.
var (
	ErrMissingCredentials = errors.New("auth: missing credentials")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenMalformed     = errors.New("auth: token malformed")
	ErrKeyNotFound        = errors.New("auth: signing key not found")

	ErrForbidden = errors.New("auth: access denied")
)

// RoleError reports an identity that lacks a required role.
type RoleError struct {
	Principal string
	Role      string
	Resource  string
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("authorization denied: principal=%q role=%q resource=%q", e.Principal, e.Role, e.Resource)
}

// Is reports whether this error matches the target.
func (e *RoleError) Is(target error) bool {
	return target == ErrForbidden
}
