package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hkit.org/internal/domain"
)

var _ domain.Store = (*Store)(nil)

func facilityScope(id int64) domain.Scope {
	return domain.Scope{Role: domain.RoleFacilityAdmin, FacilityID: &id}
}

func TestFacilityVisibilityFollowsScope(t *testing.T) {
	s := NewDemo()
	ctx := context.Background()

	all, err := s.ListFacilities(ctx, domain.Scope{Role: domain.RoleMoH})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	own, err := s.ListFacilities(ctx, facilityScope(2))
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "Baptist Medical Centre", own[0].Name)

	none, err := s.ListFacilities(ctx, domain.Scope{Role: domain.RoleDeveloper})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.FindFacility(ctx, facilityScope(2), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateFacilityStatusAppliesDefaults(t *testing.T) {
	s := NewDemo()
	ctx := context.Background()

	f, err := s.UpdateFacilityStatus(ctx, domain.Scope{Role: domain.RoleMoH}, 4, domain.FacilityVerified)
	require.NoError(t, err)
	assert.Equal(t, 70, f.Compliance)
	assert.Equal(t, 1, f.Administrators)

	_, err = s.UpdateFacilityStatus(ctx, facilityScope(4), 4, domain.FacilityRejected)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRevokeConsentOnlyOnce(t *testing.T) {
	s := NewDemo()
	ctx := context.Background()
	moh := domain.Scope{Role: domain.RoleMoH}

	c, err := s.RevokeConsent(ctx, moh, "KW2024001234")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentRevoked, c.Status)

	_, err = s.RevokeConsent(ctx, moh, "KW2024001234")
	assert.ErrorIs(t, err, domain.ErrAlreadyRevoked)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.RevokeConsent(ctx, facilityScope(1), "KW2024001235")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditLogRoleFilters(t *testing.T) {
	s := NewDemo()
	ctx := context.Background()

	dev, err := s.ListAuditLogs(ctx, domain.Scope{Role: domain.RoleDeveloper}, 100)
	require.NoError(t, err)
	require.NotEmpty(t, dev)
	for _, l := range dev {
		assert.True(t, l.ActorKind == domain.ActorAPIKey || l.Action == "API_KEY_GENERATED", l.Action)
	}

	fac, err := s.ListAuditLogs(ctx, facilityScope(1), 100)
	require.NoError(t, err)
	require.Len(t, fac, 2)
	assert.True(t, fac[0].Timestamp.After(fac[1].Timestamp))

	capped, err := s.ListAuditLogs(ctx, domain.Scope{Role: domain.RoleMoH}, 3)
	require.NoError(t, err)
	assert.Len(t, capped, 3)
}

func TestTransitionRequestIsConditional(t *testing.T) {
	now := time.Date(2024, 11, 23, 12, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	req := &domain.RegistrationRequest{ID: "r1", Type: domain.RequestDeveloper, Status: domain.RequestPending, SubmittedAt: now}
	require.NoError(t, s.CreateRequest(ctx, req))

	got, err := s.TransitionRequest(ctx, "r1", domain.RequestRejected, "moh-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, got.Status)
	require.NotNil(t, got.ApprovedBy)
	assert.Equal(t, "moh-1", *got.ApprovedBy)
	assert.Equal(t, now, *got.DecidedAt)

	_, err = s.TransitionRequest(ctx, "r1", domain.RequestApproved, "moh-1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = s.TransitionRequest(ctx, "missing", domain.RequestRejected, "moh-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCountRequestsByStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, status := range []domain.RequestStatus{domain.RequestPending, domain.RequestPending, domain.RequestApproved} {
		require.NoError(t, s.CreateRequest(ctx, &domain.RegistrationRequest{ID: "r" + string(rune('0'+i)), Type: domain.RequestDeveloper, Status: status}))
	}

	n, err := s.CountRequests(ctx, domain.RequestPending)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.CountRequests(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestProvisionApprovedCreatesFacilityBinding(t *testing.T) {
	s := NewDemo()
	ctx := context.Background()
	data := map[string]string{"facilityName": "Test Clinic", "lga": "Asa", "facilityType": "Private"}
	require.NoError(t, s.CreateRequest(ctx, &domain.RegistrationRequest{
		ID: "r1", Type: domain.RequestFacility, Data: data, Status: domain.RequestPending, SubmittedAt: time.Now(),
	}))

	res, err := s.ProvisionApproved(ctx, domain.ProvisionCommand{
		RequestID: "r1", RequestType: domain.RequestFacility, RequestData: data,
		Email: "a@b.c", PasswordHash: "hash", Role: domain.RoleFacilityAdmin, ApproverID: "moh-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Profile.FacilityID)
	assert.EqualValues(t, 6, *res.Profile.FacilityID)
	assert.Equal(t, domain.RequestApproved, res.Request.Status)

	f, err := s.FindFacility(ctx, domain.ServiceScope, *res.Profile.FacilityID)
	require.NoError(t, err)
	assert.Equal(t, domain.FacilityVerified, f.Status)
	assert.Equal(t, 70, f.Compliance)

	_, err = s.ProvisionApproved(ctx, domain.ProvisionCommand{RequestID: "r1", Email: "other@b.c"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestProvisionApprovedDuplicateEmailLeavesRequestPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, err := s.CreateIdentity(ctx, domain.NewIdentity{Email: "dev@vendor.io", PasswordHash: "hash"})
	require.NoError(t, err)
	require.NoError(t, s.CreateRequest(ctx, &domain.RegistrationRequest{ID: "r1", Type: domain.RequestDeveloper, Status: domain.RequestPending}))

	_, err = s.ProvisionApproved(ctx, domain.ProvisionCommand{RequestID: "r1", Email: "DEV@vendor.io", Role: domain.RoleDeveloper})
	assert.ErrorIs(t, err, domain.ErrConflict)

	req, err := s.FindRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, req.Status)
}
