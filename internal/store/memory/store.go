// Package memory is an in-process domain.Store used for development and tests.
// It applies the same row visibility rules as the Postgres policies.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"hkit.org/internal/domain"
	"hkit.org/internal/ids"
)

type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	identities map[string]domain.Credential
	emails     map[string]string
	profiles   map[string]domain.Profile
	requests   map[string]domain.RegistrationRequest
	facilities map[int64]domain.Facility
	consents   []domain.ConsentRecord
	auditLogs  []domain.AuditLog
	mpi        []domain.MpiRecord
	events     []domain.InteropEvent
	scores     []domain.FacilityScore
}

type Option func(*Store)

// WithData loads an initial data set.
func WithData(d Data) Option {
	return func(s *Store) {
		for _, f := range d.Facilities {
			s.facilities[f.ID] = f
		}
		for _, r := range d.Requests {
			s.requests[r.ID] = cloneRequest(r)
		}
		s.consents = append(s.consents, d.Consents...)
		s.auditLogs = append(s.auditLogs, d.AuditLogs...)
		s.mpi = append(s.mpi, d.Mpi...)
		s.events = append(s.events, d.Events...)
		s.scores = append(s.scores, d.Scores...)
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		identities: make(map[string]domain.Credential),
		emails:     make(map[string]string),
		profiles:   make(map[string]domain.Profile),
		requests:   make(map[string]domain.RegistrationRequest),
		facilities: make(map[int64]domain.Facility),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewDemo returns a store loaded with DemoData.
func NewDemo() *Store {
	return New(WithData(DemoData()))
}

func (s *Store) Ping(context.Context) error { return nil }

func privileged(scope domain.Scope) bool {
	return scope.Role == domain.RoleMoH || scope.Role == domain.ServiceScope.Role
}

func boundTo(scope domain.Scope, facilityID int64) bool {
	return scope.Role == domain.RoleFacilityAdmin && scope.FacilityID != nil && *scope.FacilityID == facilityID
}

func notFound(kind string, key any) error {
	return fmt.Errorf("%w: %s %v", domain.ErrNotFound, kind, key)
}

func cloneRequest(r domain.RegistrationRequest) domain.RegistrationRequest {
	r.Data = maps.Clone(r.Data)
	return r
}

// identities

func (s *Store) CreateIdentity(_ context.Context, in domain.NewIdentity) (domain.Identity, domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.createIdentityLocked(in.Email, in.PasswordHash)
	if err != nil {
		return domain.Identity{}, domain.Profile{}, err
	}
	// mirrors the profile trigger: every identity gets a profile, role-less
	// unless the sign-up chose one
	p := domain.Profile{ID: id.ID, Email: id.Email}
	if in.Role != domain.RoleNone {
		p.Role, p.FirstName, p.LastName = in.Role, in.FirstName, in.LastName
	}
	s.profiles[id.ID] = p
	return id, p, nil
}

func (s *Store) createIdentityLocked(email, passwordHash string) (domain.Identity, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if _, exists := s.emails[key]; exists {
		return domain.Identity{}, fmt.Errorf("%w: identity %s already exists", domain.ErrConflict, key)
	}
	id := domain.Identity{ID: ids.Identity(), Email: key, CreatedAt: s.now().UTC()}
	s.identities[id.ID] = domain.Credential{Identity: id, PasswordHash: passwordHash}
	s.emails[key] = id.ID
	return id, nil
}

func (s *Store) FindIdentity(_ context.Context, id string) (domain.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.identities[id]
	if !ok {
		return domain.Identity{}, notFound("identity", id)
	}
	return c.Identity, nil
}

func (s *Store) FindCredential(_ context.Context, email string) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return domain.Credential{}, notFound("identity", email)
	}
	return s.identities[id], nil
}

// profiles

func (s *Store) FindProfile(_ context.Context, id string) (domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return domain.Profile{}, notFound("profile", id)
	}
	return p, nil
}

// DeleteProfile removes a profile row; used to simulate provisioning lag.
func (s *Store) DeleteProfile(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, id)
}

// registrations

func (s *Store) CreateRequest(_ context.Context, req *domain.RegistrationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("%w: request %s already exists", domain.ErrConflict, req.ID)
	}
	s.requests[req.ID] = cloneRequest(*req)
	return nil
}

func (s *Store) FindRequest(_ context.Context, id string) (domain.RegistrationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return domain.RegistrationRequest{}, notFound("registration request", id)
	}
	return cloneRequest(r), nil
}

func (s *Store) ListRequests(_ context.Context, status domain.RequestStatus, limit int) ([]domain.RegistrationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RegistrationRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if status == "" || r.Status == status {
			out = append(out, cloneRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].SubmittedAt.After(out[j].SubmittedAt)
	})
	return capped(out, limit), nil
}

// CountRequests counts requests in status, or all of them for an empty status.
func (s *Store) CountRequests(_ context.Context, status domain.RequestStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.requests {
		if status == "" || r.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) TransitionRequest(_ context.Context, id string, to domain.RequestStatus, actorID string) (domain.RegistrationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, to, actorID)
}

func (s *Store) transitionLocked(id string, to domain.RequestStatus, actorID string) (domain.RegistrationRequest, error) {
	r, ok := s.requests[id]
	if !ok {
		return domain.RegistrationRequest{}, notFound("registration request", id)
	}
	if r.Status != domain.RequestPending {
		return domain.RegistrationRequest{}, fmt.Errorf("%w: request %s is %s", domain.ErrConflict, id, r.Status)
	}
	now := s.now().UTC()
	r.Status = to
	r.ApprovedBy = &actorID
	r.DecidedAt = &now
	s.requests[id] = r
	return cloneRequest(r), nil
}

// facilities

func (s *Store) visibleFacility(scope domain.Scope, id int64) bool {
	return privileged(scope) || boundTo(scope, id)
}

func (s *Store) ListFacilities(_ context.Context, scope domain.Scope) ([]domain.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Facility, 0)
	for id, f := range s.facilities {
		if s.visibleFacility(scope, id) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) FindFacility(_ context.Context, scope domain.Scope, id int64) (domain.Facility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facilities[id]
	if !ok || !s.visibleFacility(scope, id) {
		return domain.Facility{}, notFound("facility", id)
	}
	return f, nil
}

func (s *Store) UpdateFacilityStatus(_ context.Context, scope domain.Scope, id int64, status domain.FacilityStatus) (domain.Facility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facilities[id]
	if !ok || !privileged(scope) {
		return domain.Facility{}, notFound("facility", id)
	}
	f.Status = status
	f.Compliance, f.Administrators = domain.StatusDefaults(status)
	s.facilities[id] = f
	return f, nil
}

func (s *Store) nextFacilityIDLocked() int64 {
	var max int64
	for id := range s.facilities {
		if id > max {
			max = id
		}
	}
	return max + 1
}

// consents

func (s *Store) visibleConsent(scope domain.Scope, c domain.ConsentRecord) bool {
	return privileged(scope) || boundTo(scope, c.GrantedToFacilityID)
}

func (s *Store) ListConsents(_ context.Context, scope domain.Scope) ([]domain.ConsentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ConsentRecord, 0)
	for _, c := range s.consents {
		if s.visibleConsent(scope, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) RevokeConsent(_ context.Context, scope domain.Scope, patientID string) (domain.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.consents {
		if c.PatientID != patientID || !s.visibleConsent(scope, c) {
			continue
		}
		if c.Status == domain.ConsentRevoked {
			return domain.ConsentRecord{}, fmt.Errorf("%w: %s", domain.ErrAlreadyRevoked, patientID)
		}
		c.Status = domain.ConsentRevoked
		s.consents[i] = c
		return c, nil
	}
	return domain.ConsentRecord{}, notFound("consent", patientID)
}

// audit logs

func visibleAuditLog(scope domain.Scope, l domain.AuditLog) bool {
	switch scope.Role {
	case domain.RoleMoH, domain.ServiceScope.Role:
		return true
	case domain.RoleFacilityAdmin:
		return l.FacilityID != nil && boundTo(scope, *l.FacilityID)
	case domain.RoleDeveloper:
		return l.ActorKind == domain.ActorAPIKey || strings.Contains(l.Action, "API_KEY")
	default:
		return false
	}
}

func (s *Store) ListAuditLogs(_ context.Context, scope domain.Scope, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditLog, 0)
	for _, l := range s.auditLogs {
		if visibleAuditLog(scope, l) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return capped(out, limit), nil
}

// AppendAuditLog records a console action.
func (s *Store) AppendAuditLog(_ context.Context, l domain.AuditLog) (domain.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, existing := range s.auditLogs {
		if existing.ID > max {
			max = existing.ID
		}
	}
	l.ID = max + 1
	if l.Timestamp.IsZero() {
		l.Timestamp = s.now().UTC()
	}
	s.auditLogs = append(s.auditLogs, l)
	return l, nil
}

// mpi

func (s *Store) ListMpiRecords(_ context.Context, scope domain.Scope, limit int) ([]domain.MpiRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MpiRecord, 0)
	for _, m := range s.mpi {
		if privileged(scope) || boundTo(scope, m.FacilityID) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return capped(out, limit), nil
}

// interop

func visibleEvent(scope domain.Scope, facilityID int64) bool {
	return privileged(scope) || scope.Role == domain.RoleDeveloper || boundTo(scope, facilityID)
}

func (s *Store) ListInteropEvents(_ context.Context, scope domain.Scope, limit int) ([]domain.InteropEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.InteropEvent, 0)
	for _, e := range s.events {
		if visibleEvent(scope, e.FacilityID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return capped(out, limit), nil
}

func (s *Store) FindInteropEvent(_ context.Context, scope domain.Scope, id int64) (domain.InteropEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.events {
		if e.ID == id && visibleEvent(scope, e.FacilityID) {
			return e, nil
		}
	}
	return domain.InteropEvent{}, notFound("interop event", id)
}

func (s *Store) ListFacilityScores(_ context.Context, scope domain.Scope) ([]domain.FacilityScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.FacilityScore, 0)
	for _, sc := range s.scores {
		if privileged(scope) || boundTo(scope, sc.FacilityID) {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// provisioning

// ProvisionApproved applies all approval writes under one lock so a failure
// leaves nothing behind.
func (s *Store) ProvisionApproved(_ context.Context, cmd domain.ProvisionCommand) (domain.ProvisionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[cmd.RequestID]
	if !ok {
		return domain.ProvisionResult{}, notFound("registration request", cmd.RequestID)
	}
	if req.Status != domain.RequestPending {
		return domain.ProvisionResult{}, fmt.Errorf("%w: request %s is %s", domain.ErrConflict, req.ID, req.Status)
	}
	if _, exists := s.emails[strings.ToLower(strings.TrimSpace(cmd.Email))]; exists {
		return domain.ProvisionResult{}, fmt.Errorf("%w: identity %s already exists", domain.ErrConflict, cmd.Email)
	}

	id, err := s.createIdentityLocked(cmd.Email, cmd.PasswordHash)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	profile := domain.Profile{ID: id.ID, Email: id.Email, Role: cmd.Role, FirstName: cmd.FirstName, LastName: cmd.LastName}
	if cmd.RequestType == domain.RequestFacility {
		compliance, admins := domain.StatusDefaults(domain.FacilityVerified)
		f := domain.Facility{
			ID:             s.nextFacilityIDLocked(),
			Name:           cmd.RequestData["facilityName"],
			LGA:            cmd.RequestData["lga"],
			Type:           cmd.RequestData["facilityType"],
			Status:         domain.FacilityVerified,
			Compliance:     compliance,
			Administrators: admins,
			APIActivity:    "N/A",
			LastSync:       "Never",
		}
		s.facilities[f.ID] = f
		profile.FacilityID = &f.ID
		profile.FacilityName = f.Name
	}
	s.profiles[id.ID] = profile

	approved, err := s.transitionLocked(req.ID, domain.RequestApproved, cmd.ApproverID)
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	return domain.ProvisionResult{Request: approved, Identity: id, Profile: profile}, nil
}

func capped[T any](rows []T, limit int) []T {
	if limit > 0 && len(rows) > limit {
		return rows[:limit]
	}
	return rows
}
