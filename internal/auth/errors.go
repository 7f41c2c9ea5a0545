package auth

import (
	"errors"
	"fmt"

	"hkit.org/internal/domain"
)

var (
	// ErrInvalidToken indicates the bearer token failed validation or was revoked.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", domain.ErrAuthentication)
	// ErrInvalidCredentials is returned by sign-in for an unknown email or wrong password.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid email or password", domain.ErrAuthentication)
	// ErrEmptyAllowList rejects a route table entry that declares an allow-list with no roles.
	ErrEmptyAllowList = errors.New("guard: route declares an empty allow-list")
)
