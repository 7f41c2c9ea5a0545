package registration

import (
	"context"
	"fmt"
	"strings"

	"hkit.org/internal/audit"
	"hkit.org/internal/auth"
	"hkit.org/internal/cache"
	"hkit.org/internal/domain"
	"hkit.org/internal/obs"
	"hkit.org/internal/provision"
)

const pendingListLimit = 200

// ApproveInput is the overseer's approval form. Empty fields default from the
// request data; an empty TemporaryPassword is generated.
type ApproveInput struct {
	RequestID         string      `json:"request_id"`
	Email             string      `json:"email"`
	DisplayName       string      `json:"display_name"`
	Role              domain.Role `json:"role"`
	TemporaryPassword string      `json:"temporary_password"`
}

// ApprovalResult is shown once to the overseer, who relays the temporary
// password to the applicant out of band.
type ApprovalResult struct {
	Request           domain.RegistrationRequest `json:"request"`
	Identity          domain.Identity            `json:"identity"`
	Role              domain.Role                `json:"role"`
	FacilityID        *int64                     `json:"facility_id,omitempty"`
	TemporaryPassword string                     `json:"temporary_password"`
}

// Workflow lets an overseer review, approve and reject registrations.
type Workflow struct {
	store       domain.RegistrationStore
	provisioner provision.Provisioner
	cache       cache.Cache
	trail       *audit.Trail
	passwords   func() (string, error)
}

type WorkflowOption func(*Workflow)

func WithWorkflowCache(c cache.Cache) WorkflowOption {
	return func(w *Workflow) { w.cache = c }
}

func WithTrail(t *audit.Trail) WorkflowOption {
	return func(w *Workflow) { w.trail = t }
}

// WithPasswordGenerator replaces GeneratePassword (useful for tests).
func WithPasswordGenerator(fn func() (string, error)) WorkflowOption {
	return func(w *Workflow) {
		if fn != nil {
			w.passwords = fn
		}
	}
}

func NewWorkflow(store domain.RegistrationStore, provisioner provision.Provisioner, opts ...WorkflowOption) *Workflow {
	w := &Workflow{store: store, provisioner: provisioner, passwords: GeneratePassword}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func requireOverseer(actor auth.Session) error {
	if !actor.Authenticated() {
		return fmt.Errorf("%w: sign in required", domain.ErrAuthentication)
	}
	if actor.Role() != domain.RoleMoH {
		return fmt.Errorf("%w: only overseers manage registrations", domain.ErrAuthorization)
	}
	return nil
}

// ListPending returns pending requests, newest first.
func (w *Workflow) ListPending(ctx context.Context, actor auth.Session) ([]domain.RegistrationRequest, error) {
	if err := requireOverseer(actor); err != nil {
		return nil, err
	}
	return cache.Fetch(ctx, w.cache, cache.KeyFor(cache.KindRegistrations, actor.Scope()),
		func(ctx context.Context) ([]domain.RegistrationRequest, error) {
			return w.store.ListRequests(ctx, domain.RequestPending, pendingListLimit)
		})
}

// Reject moves a pending request to rejected.
func (w *Workflow) Reject(ctx context.Context, actor auth.Session, id string) (domain.RegistrationRequest, error) {
	if err := requireOverseer(actor); err != nil {
		return domain.RegistrationRequest{}, err
	}
	req, err := w.store.TransitionRequest(ctx, id, domain.RequestRejected, actor.Identity.ID)
	w.trail.Record(ctx, actor, "REGISTRATION_REJECTED", "RegistrationRequest/"+id, err, nil)
	if err != nil {
		obs.ObserveDecision("reject", "failed")
		return domain.RegistrationRequest{}, err
	}
	obs.ObserveDecision("reject", "ok")
	cache.Invalidate(ctx, w.cache, cache.KindRegistrations)
	return req, nil
}

// Approve provisions the applicant's account through the privileged
// operation. The provisioner is called exactly once per accepted call and its
// failures are returned as-is.
func (w *Workflow) Approve(ctx context.Context, actor auth.Session, in ApproveInput) (ApprovalResult, error) {
	if err := requireOverseer(actor); err != nil {
		return ApprovalResult{}, err
	}
	req, err := w.store.FindRequest(ctx, in.RequestID)
	if err != nil {
		return ApprovalResult{}, err
	}
	if req.Status != domain.RequestPending {
		return ApprovalResult{}, fmt.Errorf("%w: request %s is %s", domain.ErrConflict, req.ID, req.Status)
	}

	role := req.Type.TargetRole()
	if in.Role != domain.RoleNone && in.Role != role {
		return ApprovalResult{}, fmt.Errorf("%w: a %s request provisions %s, not %s", domain.ErrValidation, req.Type, role, in.Role)
	}
	email := strings.TrimSpace(in.Email)
	if email == "" {
		email = req.ContactEmail()
	}
	if !strings.Contains(email, "@") {
		return ApprovalResult{}, fmt.Errorf("%w: email is not valid", domain.ErrValidation)
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		name = req.ContactName()
	}
	password := in.TemporaryPassword
	if password == "" {
		if password, err = w.passwords(); err != nil {
			return ApprovalResult{}, fmt.Errorf("generate temporary password: %w", err)
		}
	}

	res, err := w.provisioner.ApproveRequest(ctx, provision.Request{
		RequestID:   req.ID,
		RequestType: req.Type,
		RequestData: req.Data,
		Email:       email,
		Password:    password,
		Name:        name,
		Role:        role,
		ApproverID:  actor.Identity.ID,
	})
	w.trail.Record(ctx, actor, "REGISTRATION_APPROVED", "RegistrationRequest/"+req.ID, err, res.Profile.FacilityID)
	if err != nil {
		obs.ObserveDecision("approve", "failed")
		return ApprovalResult{}, err
	}
	obs.ObserveDecision("approve", "ok")
	cache.Invalidate(ctx, w.cache, cache.KindRegistrations, cache.KindFacilities)

	approved := res.Request
	if approved.Data == nil {
		approved.Data = req.Data
		approved.SubmittedAt = req.SubmittedAt
	}
	return ApprovalResult{
		Request:           approved,
		Identity:          res.Identity,
		Role:              res.Profile.Role,
		FacilityID:        res.Profile.FacilityID,
		TemporaryPassword: password,
	}, nil
}
