package domain

import (
	"strconv"
	"strings"
	"time"
)

// Role is the console role bound to a profile. The zero value means no role has
// been assigned yet ("pending setup").
type Role string

const (
	RoleNone          Role = ""
	RoleMoH           Role = "MoH"
	RoleFacilityAdmin Role = "FacilityAdmin"
	RoleDeveloper     Role = "Developer"
)

// ParseRole accepts the canonical role names case-insensitively.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "moh":
		return RoleMoH, true
	case "facilityadmin":
		return RoleFacilityAdmin, true
	case "developer":
		return RoleDeveloper, true
	default:
		return RoleNone, false
	}
}

func (r Role) Valid() bool {
	return r == RoleMoH || r == RoleFacilityAdmin || r == RoleDeveloper
}

// Identity is the raw account record held by the identity provider.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential pairs an identity with its stored password hash.
type Credential struct {
	Identity     Identity
	PasswordHash string
}

// Profile maps an identity to a role and, for facility-scoped roles, a facility.
type Profile struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	Role         Role   `json:"role"`
	FacilityID   *int64 `json:"facility_id,omitempty"`
	FacilityName string `json:"facility_name,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

// Scope returns the data scope a profile is entitled to.
func (p Profile) Scope() Scope {
	return Scope{Role: p.Role, FacilityID: p.FacilityID}
}

// DisplayName joins first and last name.
func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Scope is handed to every store call; stores restrict rows to it.
type Scope struct {
	Role       Role
	FacilityID *int64
}

// ServiceScope is used by privileged server-side paths (provisioning, profile resolution).
var ServiceScope = Scope{Role: "service"}

// FacilityKey renders the facility binding for cache keys and logs.
func (s Scope) FacilityKey() string {
	if s.FacilityID == nil {
		return "-"
	}
	return strconv.FormatInt(*s.FacilityID, 10)
}

type FacilityStatus string

const (
	FacilityPending  FacilityStatus = "pending"
	FacilityVerified FacilityStatus = "verified"
	FacilityRejected FacilityStatus = "rejected"
)

type Facility struct {
	ID             int64          `json:"id"`
	Name           string         `json:"name"`
	LGA            string         `json:"lga"`
	Type           string         `json:"type"`
	Status         FacilityStatus `json:"status"`
	Compliance     int            `json:"compliance"`
	Administrators int            `json:"administrators"`
	APIActivity    string         `json:"api_activity"`
	LastSync       string         `json:"last_sync"`
}

// StatusDefaults returns the compliance and administrator counts applied when a
// facility enters status.
func StatusDefaults(status FacilityStatus) (compliance, administrators int) {
	if status == FacilityVerified {
		return 70, 1
	}
	return 0, 0
}

type RequestType string

const (
	RequestFacility  RequestType = "facility"
	RequestDeveloper RequestType = "developer"
)

// TargetRole is the role provisioned when a request of this type is approved.
func (t RequestType) TargetRole() Role {
	switch t {
	case RequestFacility:
		return RoleFacilityAdmin
	case RequestDeveloper:
		return RoleDeveloper
	default:
		return RoleNone
	}
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

type RegistrationRequest struct {
	ID          string            `json:"id"`
	Type        RequestType       `json:"type"`
	Data        map[string]string `json:"data"`
	Status      RequestStatus     `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	ApprovedBy  *string           `json:"approved_by,omitempty"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
}

// ContactEmail returns the applicant contact address for the request type.
func (r RegistrationRequest) ContactEmail() string {
	if r.Type == RequestFacility {
		return r.Data["contactEmail"]
	}
	return r.Data["technicalContactEmail"]
}

// ContactName returns the applicant contact name for the request type.
func (r RegistrationRequest) ContactName() string {
	if r.Type == RequestFacility {
		return r.Data["contactName"]
	}
	return r.Data["technicalContactName"]
}

type ConsentStatus string

const (
	ConsentActive  ConsentStatus = "active"
	ConsentRevoked ConsentStatus = "revoked"
)

type ConsentRecord struct {
	PatientID           string        `json:"patient_id"`
	Scope               string        `json:"scope"`
	GrantedTo           string        `json:"granted_to"`
	GrantedToFacilityID int64         `json:"granted_to_facility_id"`
	Expiry              string        `json:"expiry"`
	Status              ConsentStatus `json:"status"`
}

type AuditLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	User       string    `json:"user"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	IP         string    `json:"ip"`
	Status     string    `json:"status"`
	FacilityID *int64    `json:"facility_id,omitempty"`
	ActorKind  string    `json:"actor_kind"`
}

const (
	ActorUser   = "user"
	ActorAPIKey = "api_key"
)

type MpiRecord struct {
	ID            string    `json:"id"`
	StateHealthID string    `json:"state_health_id"`
	GivenName     string    `json:"given_name"`
	FamilyName    string    `json:"family_name"`
	DOB           string    `json:"dob"`
	Gender        string    `json:"gender"`
	Facility      string    `json:"facility"`
	FacilityID    int64     `json:"facility_id"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}

type InteropEvent struct {
	ID         int64     `json:"id"`
	Resource   string    `json:"resource"`
	Operation  string    `json:"operation"`
	Facility   string    `json:"facility"`
	FacilityID int64     `json:"facility_id"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageDetail is the sample HL7-to-FHIR view of an interop event.
type MessageDetail struct {
	ID               int64    `json:"id"`
	Status           string   `json:"status"`
	Resource         string   `json:"resource"`
	RawPayload       string   `json:"raw_payload"`
	FHIROutput       string   `json:"fhir_output"`
	ValidationErrors []string `json:"validation_errors"`
}

type FacilityScore struct {
	FacilityID int64  `json:"facility_id"`
	Name       string `json:"name"`
	Score      int    `json:"score"`
	Trend      string `json:"trend"`
	Change     string `json:"change"`
}

type DashboardSummary struct {
	Facilities          map[FacilityStatus]int `json:"facilities"`
	PendingRegistration int                    `json:"pending_registrations"`
	Events              map[string]int         `json:"events"`
}
