// Package records serves the console's role-scoped data views. Row
// visibility is enforced by the store through domain.Scope; this package only
// checks who may mutate, caches reads and records the audit trail.
package records

import (
	"context"
	"fmt"
	"strconv"

	"hkit.org/internal/audit"
	"hkit.org/internal/auth"
	"hkit.org/internal/cache"
	"hkit.org/internal/domain"
)

const (
	AuditLogLimit = 100
	MpiLimit      = 50
	EventLimit    = 50
)

type store interface {
	domain.FacilityStore
	domain.ConsentStore
	domain.AuditLogStore
	domain.MpiStore
	domain.InteropStore
	domain.RegistrationStore
}

type Service struct {
	store store
	cache cache.Cache
	trail *audit.Trail
}

type Option func(*Service)

func WithCache(c cache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithTrail(t *audit.Trail) Option {
	return func(s *Service) { s.trail = t }
}

func NewService(st store, opts ...Option) *Service {
	s := &Service{store: st}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func viewerScope(viewer auth.Session) (domain.Scope, error) {
	if !viewer.Authenticated() {
		return domain.Scope{}, fmt.Errorf("%w: sign in required", domain.ErrAuthentication)
	}
	return viewer.Scope(), nil
}

func requireRole(actor auth.Session, roles ...domain.Role) error {
	if !actor.Authenticated() {
		return fmt.Errorf("%w: sign in required", domain.ErrAuthentication)
	}
	for _, r := range roles {
		if actor.Role() == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q may not perform this action", domain.ErrAuthorization, actor.Role())
}

func list[T any](ctx context.Context, s *Service, kind string, viewer auth.Session, load func(context.Context, domain.Scope) ([]T, error)) ([]T, error) {
	scope, err := viewerScope(viewer)
	if err != nil {
		return nil, err
	}
	return cache.Fetch(ctx, s.cache, cache.KeyFor(kind, scope), func(ctx context.Context) ([]T, error) {
		return load(ctx, scope)
	})
}

// ListFacilities returns every facility for overseers and the bound facility
// for facility administrators.
func (s *Service) ListFacilities(ctx context.Context, viewer auth.Session) ([]domain.Facility, error) {
	return list(ctx, s, cache.KindFacilities, viewer, s.store.ListFacilities)
}

// SetFacilityStatus verifies or rejects a facility, applying the status defaults.
func (s *Service) SetFacilityStatus(ctx context.Context, actor auth.Session, id int64, status domain.FacilityStatus) (domain.Facility, error) {
	if err := requireRole(actor, domain.RoleMoH); err != nil {
		return domain.Facility{}, err
	}
	if status != domain.FacilityVerified && status != domain.FacilityRejected {
		return domain.Facility{}, fmt.Errorf("%w: facility status must be verified or rejected, got %q", domain.ErrValidation, status)
	}
	f, err := s.store.UpdateFacilityStatus(ctx, actor.Scope(), id, status)
	action := "FACILITY_VERIFIED"
	if status == domain.FacilityRejected {
		action = "FACILITY_REJECTED"
	}
	s.trail.Record(ctx, actor, action, "Facility/"+strconv.FormatInt(id, 10), err, &id)
	if err != nil {
		return domain.Facility{}, err
	}
	cache.Invalidate(ctx, s.cache, cache.KindFacilities, cache.KindScores)
	return f, nil
}

func (s *Service) ListConsentRecords(ctx context.Context, viewer auth.Session) ([]domain.ConsentRecord, error) {
	return list(ctx, s, cache.KindConsents, viewer, s.store.ListConsents)
}

// RevokeConsent moves an active consent to revoked. Revoking twice fails with
// domain.ErrAlreadyRevoked.
func (s *Service) RevokeConsent(ctx context.Context, actor auth.Session, patientID string) (domain.ConsentRecord, error) {
	if err := requireRole(actor, domain.RoleMoH, domain.RoleFacilityAdmin); err != nil {
		return domain.ConsentRecord{}, err
	}
	c, err := s.store.RevokeConsent(ctx, actor.Scope(), patientID)
	var facilityID *int64
	if err == nil {
		facilityID = &c.GrantedToFacilityID
	}
	s.trail.Record(ctx, actor, "CONSENT_REVOKED", "Consent/"+patientID, err, facilityID)
	if err != nil {
		return domain.ConsentRecord{}, err
	}
	cache.Invalidate(ctx, s.cache, cache.KindConsents)
	return c, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, viewer auth.Session) ([]domain.AuditLog, error) {
	return list(ctx, s, cache.KindAuditLogs, viewer, func(ctx context.Context, scope domain.Scope) ([]domain.AuditLog, error) {
		return s.store.ListAuditLogs(ctx, scope, AuditLogLimit)
	})
}

func (s *Service) ListMpiRecords(ctx context.Context, viewer auth.Session) ([]domain.MpiRecord, error) {
	return list(ctx, s, cache.KindMpi, viewer, func(ctx context.Context, scope domain.Scope) ([]domain.MpiRecord, error) {
		return s.store.ListMpiRecords(ctx, scope, MpiLimit)
	})
}

func (s *Service) ListInteropEvents(ctx context.Context, viewer auth.Session) ([]domain.InteropEvent, error) {
	return list(ctx, s, cache.KindInterop, viewer, func(ctx context.Context, scope domain.Scope) ([]domain.InteropEvent, error) {
		return s.store.ListInteropEvents(ctx, scope, EventLimit)
	})
}

// MessageDetails renders the sample HL7 message and FHIR output for an event.
func (s *Service) MessageDetails(ctx context.Context, viewer auth.Session, id int64) (domain.MessageDetail, error) {
	scope, err := viewerScope(viewer)
	if err != nil {
		return domain.MessageDetail{}, err
	}
	evt, err := s.store.FindInteropEvent(ctx, scope, id)
	if err != nil {
		return domain.MessageDetail{}, err
	}
	return SampleMessage(evt), nil
}

func (s *Service) ListFacilityScores(ctx context.Context, viewer auth.Session) ([]domain.FacilityScore, error) {
	return list(ctx, s, cache.KindScores, viewer, s.store.ListFacilityScores)
}

// Dashboard summarises what the viewer can see.
func (s *Service) Dashboard(ctx context.Context, viewer auth.Session) (domain.DashboardSummary, error) {
	facilities, err := s.ListFacilities(ctx, viewer)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	events, err := s.ListInteropEvents(ctx, viewer)
	if err != nil {
		return domain.DashboardSummary{}, err
	}
	sum := domain.DashboardSummary{
		Facilities: map[domain.FacilityStatus]int{
			domain.FacilityPending:  0,
			domain.FacilityVerified: 0,
			domain.FacilityRejected: 0,
		},
		Events: map[string]int{"success": 0, "failed": 0, "warning": 0},
	}
	for _, f := range facilities {
		sum.Facilities[f.Status]++
	}
	for _, e := range events {
		sum.Events[e.Status]++
	}
	if viewer.Role() == domain.RoleMoH {
		pending, err := s.store.CountRequests(ctx, domain.RequestPending)
		if err != nil {
			return domain.DashboardSummary{}, err
		}
		sum.PendingRegistration = pending
	}
	return sum, nil
}
