package domain

import "context"

// NewIdentity is a sign-up. A non-empty Role is assigned in the same write
// as the identity, so a failed assignment leaves no identity behind.
type NewIdentity struct {
	Email        string
	PasswordHash string
	Role         Role
	FirstName    string
	LastName     string
}

// IdentityStore persists identities and their credentials.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, in NewIdentity) (Identity, Profile, error)
	FindIdentity(ctx context.Context, id string) (Identity, error)
	FindCredential(ctx context.Context, email string) (Credential, error)
}

// ProfileStore resolves identities to roles. FindProfile returns ErrNotFound while
// the provisioning trigger has not yet created the row.
type ProfileStore interface {
	FindProfile(ctx context.Context, id string) (Profile, error)
}

// RegistrationStore persists registration requests. TransitionRequest only
// succeeds while the request is still pending.
type RegistrationStore interface {
	CreateRequest(ctx context.Context, req *RegistrationRequest) error
	FindRequest(ctx context.Context, id string) (RegistrationRequest, error)
	ListRequests(ctx context.Context, status RequestStatus, limit int) ([]RegistrationRequest, error)
	CountRequests(ctx context.Context, status RequestStatus) (int, error)
	TransitionRequest(ctx context.Context, id string, to RequestStatus, actorID string) (RegistrationRequest, error)
}

type FacilityStore interface {
	ListFacilities(ctx context.Context, scope Scope) ([]Facility, error)
	FindFacility(ctx context.Context, scope Scope, id int64) (Facility, error)
	UpdateFacilityStatus(ctx context.Context, scope Scope, id int64, status FacilityStatus) (Facility, error)
}

type ConsentStore interface {
	ListConsents(ctx context.Context, scope Scope) ([]ConsentRecord, error)
	RevokeConsent(ctx context.Context, scope Scope, patientID string) (ConsentRecord, error)
}

type AuditLogStore interface {
	ListAuditLogs(ctx context.Context, scope Scope, limit int) ([]AuditLog, error)
	AppendAuditLog(ctx context.Context, entry AuditLog) (AuditLog, error)
}

type MpiStore interface {
	ListMpiRecords(ctx context.Context, scope Scope, limit int) ([]MpiRecord, error)
}

type InteropStore interface {
	ListInteropEvents(ctx context.Context, scope Scope, limit int) ([]InteropEvent, error)
	FindInteropEvent(ctx context.Context, scope Scope, id int64) (InteropEvent, error)
	ListFacilityScores(ctx context.Context, scope Scope) ([]FacilityScore, error)
}

// ProvisionCommand is the server-side input of an approval. The password is
// already hashed.
type ProvisionCommand struct {
	RequestID    string
	RequestType  RequestType
	RequestData  map[string]string
	Email        string
	PasswordHash string
	FirstName    string
	LastName     string
	Role         Role
	ApproverID   string
}

// ProvisionResult reports what an approval created.
type ProvisionResult struct {
	Request  RegistrationRequest
	Identity Identity
	Profile  Profile
}

// ProvisioningStore performs the approval writes atomically: identity, optional
// facility, profile and the pending -> approved transition.
type ProvisioningStore interface {
	ProvisionApproved(ctx context.Context, cmd ProvisionCommand) (ProvisionResult, error)
}

// Store aggregates every port; both store implementations satisfy it.
type Store interface {
	IdentityStore
	ProfileStore
	RegistrationStore
	FacilityStore
	ConsentStore
	AuditLogStore
	MpiStore
	InteropStore
	ProvisioningStore
	Ping(ctx context.Context) error
}
