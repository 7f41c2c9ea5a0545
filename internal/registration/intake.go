package registration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"hkit.org/internal/cache"
	"hkit.org/internal/domain"
	"hkit.org/internal/ids"
	"hkit.org/internal/obs"
)

var requiredFields = map[domain.RequestType][]string{
	domain.RequestFacility:  {"facilityName", "lga", "facilityType", "contactName", "contactEmail"},
	domain.RequestDeveloper: {"organizationName", "technicalContactName", "technicalContactEmail"},
}

var emailFields = map[domain.RequestType][]string{
	domain.RequestFacility:  {"contactEmail"},
	domain.RequestDeveloper: {"technicalContactEmail"},
}

// Intake accepts unauthenticated registration requests.
type Intake struct {
	store domain.RegistrationStore
	cache cache.Cache
	now   func() time.Time
}

type IntakeOption func(*Intake)

func WithIntakeCache(c cache.Cache) IntakeOption {
	return func(i *Intake) { i.cache = c }
}

// WithIntakeClock overrides time source (useful for tests).
func WithIntakeClock(fn func() time.Time) IntakeOption {
	return func(i *Intake) {
		if fn != nil {
			i.now = fn
		}
	}
}

func NewIntake(store domain.RegistrationStore, opts ...IntakeOption) *Intake {
	i := &Intake{store: store, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Validate checks required fields and email shape for the request type.
func Validate(t domain.RequestType, data map[string]string) error {
	required, ok := requiredFields[t]
	if !ok {
		return fmt.Errorf("%w: unknown registration type %q", domain.ErrValidation, t)
	}
	var missing []string
	for _, f := range required {
		if strings.TrimSpace(data[f]) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", domain.ErrValidation, strings.Join(missing, ", "))
	}
	for _, f := range emailFields[t] {
		if !strings.Contains(data[f], "@") {
			return fmt.Errorf("%w: %s is not an email address", domain.ErrValidation, f)
		}
	}
	return nil
}

// Submit validates and stores a pending request.
func (i *Intake) Submit(ctx context.Context, t domain.RequestType, data map[string]string) (domain.RegistrationRequest, error) {
	clean := make(map[string]string, len(data))
	for k, v := range data {
		if v = strings.TrimSpace(v); v != "" {
			clean[k] = v
		}
	}
	if err := Validate(t, clean); err != nil {
		obs.ObserveRegistration(string(t), "invalid")
		return domain.RegistrationRequest{}, err
	}

	now := i.now().UTC()
	req := domain.RegistrationRequest{
		ID:          ids.NewAt(now),
		Type:        t,
		Data:        clean,
		Status:      domain.RequestPending,
		SubmittedAt: now,
	}
	if err := i.store.CreateRequest(ctx, &req); err != nil {
		obs.ObserveRegistration(string(t), "failed")
		obs.Logger().Error().Err(err).Str("type", string(t)).Msg("registration submission failed")
		return domain.RegistrationRequest{}, &domain.SubmissionError{Type: t, Err: err}
	}
	cache.Invalidate(ctx, i.cache, cache.KindRegistrations)
	obs.ObserveRegistration(string(t), "accepted")
	obs.Logger().Info().Str("request_id", req.ID).Str("type", string(t)).Msg("registration submitted")
	return req, nil
}
