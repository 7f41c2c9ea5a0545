package auth

import (
	"context"
	"errors"
	"time"

	"hkit.org/internal/domain"
	"hkit.org/internal/obs"
)

const (
	defaultAttempts  = 5
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 4 * time.Second
	backoffFactor    = 2
)

type facilityFinder interface {
	FindFacility(ctx context.Context, scope domain.Scope, id int64) (domain.Facility, error)
}

// Resolver maps an authenticated identity to its role-bearing profile.
type Resolver struct {
	profiles   domain.ProfileStore
	facilities facilityFinder
	attempts   int
	baseDelay  time.Duration
	maxDelay   time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// ResolverOption configures Resolver behavior.
type ResolverOption func(*Resolver)

// WithRetry sets the attempt count and backoff bounds; non-positive values keep defaults.
func WithRetry(attempts int, base, max time.Duration) ResolverOption {
	return func(r *Resolver) {
		if attempts > 0 {
			r.attempts = attempts
		}
		if base > 0 {
			r.baseDelay = base
		}
		if max > 0 {
			r.maxDelay = max
		}
	}
}

// WithSleeper replaces the backoff wait (useful for tests).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) ResolverOption {
	return func(r *Resolver) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

func NewResolver(profiles domain.ProfileStore, facilities facilityFinder, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		profiles:   profiles,
		facilities: facilities,
		attempts:   defaultAttempts,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// delay returns the wait after the given 1-based attempt.
func (r *Resolver) delay(attempt int) time.Duration {
	d := r.baseDelay
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= r.maxDelay {
			return r.maxDelay
		}
	}
	if d > r.maxDelay {
		return r.maxDelay
	}
	return d
}

// MaxWait is the longest Resolve can spend waiting between lookups.
func (r *Resolver) MaxWait() time.Duration {
	var total time.Duration
	for attempt := 1; attempt < r.attempts; attempt++ {
		total += r.delay(attempt)
	}
	return total
}

// Resolve looks the profile up, retrying with backoff while the row is missing
// or carries no role. It never fails: exhausted retries yield
// StatePendingProvisioning and a store error yields StateDegraded.
func (r *Resolver) Resolve(ctx context.Context, id domain.Identity) Session {
	pending := domain.Profile{ID: id.ID, Email: id.Email}
	for attempt := 1; attempt <= r.attempts; attempt++ {
		p, err := r.profiles.FindProfile(ctx, id.ID)
		switch {
		case err == nil && p.Role != domain.RoleNone:
			obs.ObserveProfileResolution(string(StateResolved), attempt)
			return r.resolved(ctx, id, p)
		case err == nil:
			p.Role = domain.RoleNone
			pending = p
		case errors.Is(err, domain.ErrNotFound):
		default:
			obs.Logger().Warn().Err(err).Str("identity_id", id.ID).Int("attempt", attempt).Msg("profile lookup failed")
			obs.ObserveProfileResolution(string(StateDegraded), attempt)
			return r.unresolved(id, pending, StateDegraded)
		}
		if attempt == r.attempts {
			break
		}
		if err := r.sleep(ctx, r.delay(attempt)); err != nil {
			obs.Logger().Warn().Err(err).Str("identity_id", id.ID).Msg("profile resolution interrupted")
			obs.ObserveProfileResolution(string(StateDegraded), attempt)
			return r.unresolved(id, pending, StateDegraded)
		}
	}
	obs.Logger().Info().Str("identity_id", id.ID).Int("attempts", r.attempts).Msg("profile pending provisioning")
	obs.ObserveProfileResolution(string(StatePendingProvisioning), r.attempts)
	return r.unresolved(id, pending, StatePendingProvisioning)
}

// Lookup is the single-attempt variant used on every authenticated request.
func (r *Resolver) Lookup(ctx context.Context, id domain.Identity) (Session, error) {
	p, err := r.profiles.FindProfile(ctx, id.ID)
	switch {
	case err == nil && p.Role != domain.RoleNone:
		return r.resolved(ctx, id, p), nil
	case err == nil:
		return r.unresolved(id, p, StatePendingProvisioning), nil
	case errors.Is(err, domain.ErrNotFound):
		return r.unresolved(id, domain.Profile{ID: id.ID, Email: id.Email}, StatePendingProvisioning), nil
	default:
		return Session{}, domain.Unavailable("profile lookup", err)
	}
}

func (r *Resolver) resolved(ctx context.Context, id domain.Identity, p domain.Profile) Session {
	if p.Email == "" {
		p.Email = id.Email
	}
	if p.FacilityID != nil && p.FacilityName == "" && r.facilities != nil {
		f, err := r.facilities.FindFacility(ctx, domain.ServiceScope, *p.FacilityID)
		if err != nil {
			obs.Logger().Warn().Err(err).Int64("facility_id", *p.FacilityID).Msg("facility name lookup failed")
		} else {
			p.FacilityName = f.Name
		}
	}
	ident := id
	return Session{Identity: &ident, Profile: p, State: StateResolved}
}

func (r *Resolver) unresolved(id domain.Identity, p domain.Profile, state State) Session {
	p.Role = domain.RoleNone
	if p.ID == "" {
		p.ID = id.ID
	}
	if p.Email == "" {
		p.Email = id.Email
	}
	ident := id
	return Session{Identity: &ident, Profile: p, State: state}
}
