package registration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hkit.org/internal/auth"
	"hkit.org/internal/cache"
	"hkit.org/internal/domain"
	"hkit.org/internal/provision"
	"hkit.org/internal/store/memory"
)

type spyProvisioner struct {
	mu    sync.Mutex
	calls []provision.Request
	fn    func(provision.Request) (domain.ProvisionResult, error)
}

func (s *spyProvisioner) ApproveRequest(_ context.Context, req provision.Request) (domain.ProvisionResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(req)
	}
	return domain.ProvisionResult{Request: domain.RegistrationRequest{ID: req.RequestID, Status: domain.RequestApproved}}, nil
}

func actor(role domain.Role) auth.Session {
	id := domain.Identity{ID: "actor-" + string(role), Email: "actor@kwara.gov.ng"}
	return auth.Session{Identity: &id, Profile: domain.Profile{ID: id.ID, Role: role}, State: auth.StateResolved}
}

func submitFacility(t *testing.T, st domain.RegistrationStore) domain.RegistrationRequest {
	t.Helper()
	req, err := NewIntake(st).Submit(context.Background(), domain.RequestFacility, facilityForm())
	require.NoError(t, err)
	return req
}

func TestApproveRequiresOverseerAndNeverCallsProvisioner(t *testing.T) {
	st := memory.New()
	req := submitFacility(t, st)
	spy := &spyProvisioner{}
	w := NewWorkflow(st, spy)

	for _, role := range []domain.Role{domain.RoleNone, domain.RoleFacilityAdmin, domain.RoleDeveloper} {
		_, err := w.Approve(context.Background(), actor(role), ApproveInput{RequestID: req.ID})
		assert.ErrorIs(t, err, domain.ErrAuthorization, "role %q", role)
	}
	_, err := w.Approve(context.Background(), auth.Session{}, ApproveInput{RequestID: req.ID})
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Empty(t, spy.calls)
}

func TestApproveDefaultsFromRequestData(t *testing.T) {
	st := memory.New()
	req := submitFacility(t, st)
	spy := &spyProvisioner{}
	w := NewWorkflow(st, spy, WithPasswordGenerator(func() (string, error) { return "Generated-123", nil }))

	res, err := w.Approve(context.Background(), actor(domain.RoleMoH), ApproveInput{RequestID: req.ID})
	require.NoError(t, err)
	require.Len(t, spy.calls, 1)

	call := spy.calls[0]
	assert.Equal(t, "a@b.c", call.Email)
	assert.Equal(t, "Bola Ade", call.Name)
	assert.Equal(t, domain.RoleFacilityAdmin, call.Role)
	assert.Equal(t, "Generated-123", call.Password)
	assert.Equal(t, "actor-MoH", call.ApproverID)
	assert.Equal(t, "Generated-123", res.TemporaryPassword)
}

func TestApproveRejectsMismatchedRole(t *testing.T) {
	st := memory.New()
	req := submitFacility(t, st)
	spy := &spyProvisioner{}

	_, err := NewWorkflow(st, spy).Approve(context.Background(), actor(domain.RoleMoH), ApproveInput{RequestID: req.ID, Role: domain.RoleDeveloper})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, spy.calls)
}

func TestApproveSurfacesProvisionerFailure(t *testing.T) {
	st := memory.New()
	req := submitFacility(t, st)
	boom := errors.New("edge function timeout")
	spy := &spyProvisioner{fn: func(provision.Request) (domain.ProvisionResult, error) {
		return domain.ProvisionResult{}, boom
	}}

	_, err := NewWorkflow(st, spy).Approve(context.Background(), actor(domain.RoleMoH), ApproveInput{RequestID: req.ID})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, spy.calls, 1)

	stored, err := st.FindRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, stored.Status)
}

func TestRejectIsConditional(t *testing.T) {
	st := memory.New()
	req := submitFacility(t, st)
	w := NewWorkflow(st, &spyProvisioner{})
	ctx := context.Background()

	_, err := w.Reject(ctx, actor(domain.RoleFacilityAdmin), req.ID)
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	got, err := w.Reject(ctx, actor(domain.RoleMoH), req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, got.Status)

	_, err = w.Reject(ctx, actor(domain.RoleMoH), req.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = w.Approve(ctx, actor(domain.RoleMoH), ApproveInput{RequestID: req.ID})
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = w.Reject(ctx, actor(domain.RoleMoH), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListPendingNewestFirstAndInvalidated(t *testing.T) {
	st := memory.New()
	c := cache.NewMemory(time.Minute)
	base := time.Date(2024, 11, 23, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		req, err := NewIntake(st, WithIntakeCache(c), WithIntakeClock(func() time.Time { return at })).
			Submit(context.Background(), domain.RequestFacility, facilityForm())
		require.NoError(t, err)
		ids = append(ids, req.ID)
	}
	w := NewWorkflow(st, &spyProvisioner{}, WithWorkflowCache(c))
	ctx := context.Background()

	_, err := w.ListPending(ctx, actor(domain.RoleDeveloper))
	assert.ErrorIs(t, err, domain.ErrAuthorization)

	list, err := w.ListPending(ctx, actor(domain.RoleMoH))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})

	_, err = w.Reject(ctx, actor(domain.RoleMoH), ids[1])
	require.NoError(t, err)
	list, err = w.ListPending(ctx, actor(domain.RoleMoH))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

// An applicant submits, an overseer approves, and the applicant can then sign
// in as the administrator of the new facility.
func TestIntakeApproveSignInEndToEnd(t *testing.T) {
	ctx := context.Background()
	st := memory.NewDemo()

	tokens, err := auth.NewTokenIssuer("end-to-end-secret-of-sufficient-length", time.Hour, nil)
	require.NoError(t, err)
	idp := auth.NewLocalProvider(st, tokens)
	defer idp.Close()
	resolver := auth.NewResolver(st, st)

	mohID, err := idp.SignUp(ctx, auth.SignUpInput{Email: "moh@kwara.gov.ng", Password: "overseer-pass", Role: domain.RoleMoH})
	require.NoError(t, err)
	moh := resolver.Resolve(ctx, mohID)
	require.Equal(t, domain.RoleMoH, moh.Role())

	req, err := NewIntake(st).Submit(ctx, domain.RequestFacility, facilityForm())
	require.NoError(t, err)

	w := NewWorkflow(st, provision.NewService(st))
	res, err := w.Approve(ctx, moh, ApproveInput{RequestID: req.ID})
	require.NoError(t, err)
	assert.Len(t, res.TemporaryPassword, 12)
	assert.Equal(t, domain.RoleFacilityAdmin, res.Role)
	require.NotNil(t, res.FacilityID)

	stored, err := st.FindRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, stored.Status)
	require.NotNil(t, stored.ApprovedBy)
	assert.Equal(t, mohID.ID, *stored.ApprovedBy)

	facility, err := st.FindFacility(ctx, domain.ServiceScope, *res.FacilityID)
	require.NoError(t, err)
	assert.Equal(t, "Test Clinic", facility.Name)
	assert.Equal(t, "Asa", facility.LGA)
	assert.Equal(t, domain.FacilityVerified, facility.Status)
	assert.Equal(t, 70, facility.Compliance)
	assert.Equal(t, 1, facility.Administrators)

	_, applicant, err := idp.SignIn(ctx, "a@b.c", res.TemporaryPassword)
	require.NoError(t, err)
	session := resolver.Resolve(ctx, applicant)
	assert.Equal(t, auth.StateResolved, session.State)
	assert.Equal(t, domain.RoleFacilityAdmin, session.Role())
	assert.Equal(t, *res.FacilityID, *session.Profile.FacilityID)
	assert.Equal(t, "/facility-dashboard", auth.LandingPath(session))
}
