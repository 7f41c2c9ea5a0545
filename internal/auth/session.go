package auth

import (
	"time"

	"hkit.org/internal/domain"
)

// State describes how far a session got through profile resolution.
type State string

const (
	StateSignedOut           State = "signed_out"
	StateResolved            State = "resolved"
	StatePendingProvisioning State = "pending_provisioning"
	StateDegraded            State = "degraded"
)

// Session is the resolved view of the caller. A nil Identity means
// unauthenticated.
type Session struct {
	Identity *domain.Identity `json:"identity,omitempty"`
	Profile  domain.Profile   `json:"profile"`
	State    State            `json:"state"`
}

func (s Session) Authenticated() bool {
	return s.Identity != nil
}

func (s Session) Role() domain.Role {
	if s.Identity == nil {
		return domain.RoleNone
	}
	return s.Profile.Role
}

// Scope is the data scope handed to store calls for this caller.
func (s Session) Scope() domain.Scope {
	if s.Identity == nil {
		return domain.Scope{}
	}
	return s.Profile.Scope()
}

// SessionEventKind enumerates identity provider notifications.
type SessionEventKind string

const (
	EventSignedIn  SessionEventKind = "signed_in"
	EventRefreshed SessionEventKind = "refreshed"
	EventSignedOut SessionEventKind = "signed_out"
)

// SessionEvent is published by the identity provider on every session change.
type SessionEvent struct {
	Kind     SessionEventKind `json:"kind"`
	Identity domain.Identity  `json:"identity"`
	At       time.Time        `json:"at"`
}

// ResolvedSession pairs a provider event with the session it resolved to.
type ResolvedSession struct {
	Event   SessionEvent `json:"event"`
	Session Session      `json:"session"`
}
