package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hkit.org/internal/domain"
)

var fixedNow = time.Date(2024, 11, 23, 15, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, WithClock(func() time.Time { return fixedNow })), mock
}

func expectScope(mock sqlmock.Sqlmock, role, facility string) {
	mock.ExpectBegin()
	mock.ExpectExec("select set_config").WithArgs(role, facility).WillReturnResult(sqlmock.NewResult(0, 0))
}

func int64p(v int64) *int64 { return &v }

var requestCols = []string{"id", "type", "data", "status", "submitted_at", "approved_by", "decided_at"}

func TestListFacilitiesPublishesScope(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "FacilityAdmin", "42")
	mock.ExpectQuery("from facilities f").
		WithArgs("FacilityAdmin", int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "lga", "type", "status", "compliance", "administrators", "api_activity", "last_sync"}).
			AddRow(int64(42), "Facility 42", "Asa", "Public", "verified", 70, 1, "N/A", "Never"))
	mock.ExpectCommit()

	got, err := store.ListFacilities(context.Background(), domain.Scope{Role: domain.RoleFacilityAdmin, FacilityID: int64p(42)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 42, got[0].ID)
	assert.Equal(t, domain.FacilityVerified, got[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnboundScopePassesNullFacility(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "Developer", "")
	mock.ExpectQuery("from consent_records c").
		WithArgs("Developer", nil).
		WillReturnRows(sqlmock.NewRows([]string{"patient_id", "scope", "granted_to", "granted_to_facility_id", "expiry", "status"}))
	mock.ExpectCommit()

	got, err := store.ListConsents(context.Background(), domain.Scope{Role: domain.RoleDeveloper})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeConsentTwice(t *testing.T) {
	store, mock := newMock(t)
	cols := []string{"patient_id", "scope", "granted_to", "granted_to_facility_id", "expiry", "status"}
	scope := domain.Scope{Role: domain.RoleMoH}

	expectScope(mock, "MoH", "")
	mock.ExpectQuery("from consent_records c").
		WithArgs("MoH", nil, "KW2024001234").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("KW2024001234", "Full access", "Baptist Medical Centre", int64(2), "2025-12-31", "active"))
	mock.ExpectExec("update consent_records set status = 'revoked'").
		WithArgs("KW2024001234").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	expectScope(mock, "MoH", "")
	mock.ExpectQuery("from consent_records c").
		WithArgs("MoH", nil, "KW2024001234").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("KW2024001234", "Full access", "Baptist Medical Centre", int64(2), "2025-12-31", "revoked"))
	mock.ExpectRollback()

	first, err := store.RevokeConsent(context.Background(), scope, "KW2024001234")
	require.NoError(t, err)
	assert.Equal(t, domain.ConsentRevoked, first.Status)

	_, err = store.RevokeConsent(context.Background(), scope, "KW2024001234")
	require.ErrorIs(t, err, domain.ErrAlreadyRevoked)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeUnknownConsent(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "FacilityAdmin", "1")
	mock.ExpectQuery("from consent_records c").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.RevokeConsent(context.Background(), domain.Scope{Role: domain.RoleFacilityAdmin, FacilityID: int64p(1)}, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFacilityStatusAppliesDefaults(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "MoH", "")
	mock.ExpectQuery("update facilities f").
		WithArgs("MoH", int64(5), "verified", 70, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "lga", "type", "status", "compliance", "administrators", "api_activity", "last_sync"}).
			AddRow(int64(5), "Community Health Centre", "Asa", "Public", "verified", 70, 1, "N/A", "Never"))
	mock.ExpectCommit()

	f, err := store.UpdateFacilityStatus(context.Background(), domain.Scope{Role: domain.RoleMoH}, 5, domain.FacilityVerified)
	require.NoError(t, err)
	assert.Equal(t, 70, f.Compliance)
	assert.Equal(t, 1, f.Administrators)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRequestConflict(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("update registration_requests").
		WithArgs("req-1", "rejected", "moh-1", fixedNow).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select status from registration_requests").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("approved"))
	mock.ExpectRollback()

	_, err := store.TransitionRequest(context.Background(), "req-1", domain.RequestRejected, "moh-1")
	require.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionRequestNotFound(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("update registration_requests").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select status from registration_requests").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.TransitionRequest(context.Background(), "missing", domain.RequestRejected, "moh-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountRequestsRunsInServiceScope(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("select count\\(\\*\\) from registration_requests").
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1500))
	mock.ExpectCommit()

	n, err := store.CountRequests(context.Background(), domain.RequestPending)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionApprovedFacility(t *testing.T) {
	store, mock := newMock(t)
	submitted := fixedNow.Add(-time.Hour)
	data := map[string]string{"facilityName": "Ilorin Clinic", "lga": "Ilorin West", "facilityType": "Private"}

	expectScope(mock, "service", "")
	mock.ExpectQuery("select status from registration_requests").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery("insert into identities").
		WithArgs(sqlmock.AnyArg(), "admin@clinic.ng", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(fixedNow))
	mock.ExpectQuery("insert into facilities").
		WithArgs("Ilorin Clinic", "Ilorin West", "Private", 70, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(6)))
	mock.ExpectExec("insert into profiles").
		WithArgs(sqlmock.AnyArg(), "admin@clinic.ng", "FacilityAdmin", int64(6), "Ada", "Bello").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("update registration_requests").
		WithArgs("req-1", "approved", "moh-1", fixedNow).
		WillReturnRows(sqlmock.NewRows(requestCols).
			AddRow("req-1", "facility", []byte(`{"facilityName":"Ilorin Clinic","lga":"Ilorin West","facilityType":"Private"}`), "approved", submitted, "moh-1", fixedNow))
	mock.ExpectCommit()

	res, err := store.ProvisionApproved(context.Background(), domain.ProvisionCommand{
		RequestID:    "req-1",
		RequestType:  domain.RequestFacility,
		RequestData:  data,
		Email:        "Admin@Clinic.ng",
		PasswordHash: "hash",
		FirstName:    "Ada",
		LastName:     "Bello",
		Role:         domain.RoleFacilityAdmin,
		ApproverID:   "moh-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RequestApproved, res.Request.Status)
	require.NotNil(t, res.Request.ApprovedBy)
	assert.Equal(t, "moh-1", *res.Request.ApprovedBy)
	assert.Equal(t, "Ilorin Clinic", res.Request.Data["facilityName"])
	assert.Equal(t, "admin@clinic.ng", res.Identity.Email)
	require.NotNil(t, res.Profile.FacilityID)
	assert.EqualValues(t, 6, *res.Profile.FacilityID)
	assert.Equal(t, res.Identity.ID, res.Profile.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionApprovedDuplicateEmailRollsBack(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("select status from registration_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))
	mock.ExpectQuery("insert into identities").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, Message: "duplicate key"})
	mock.ExpectRollback()

	_, err := store.ProvisionApproved(context.Background(), domain.ProvisionCommand{
		RequestID:   "req-2",
		RequestType: domain.RequestDeveloper,
		Email:       "dev@example.com",
		Role:        domain.RoleDeveloper,
		ApproverID:  "moh-1",
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProvisionApprovedTerminalRequest(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("select status from registration_requests").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("rejected"))
	mock.ExpectRollback()

	_, err := store.ProvisionApproved(context.Background(), domain.ProvisionCommand{RequestID: "req-3"})
	require.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIdentityAssignsRoleInOneTransaction(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("insert into identities").
		WithArgs(sqlmock.AnyArg(), "ada@kwara.gov.ng", "hash").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(fixedNow))
	mock.ExpectQuery("update profiles").
		WithArgs(sqlmock.AnyArg(), "MoH", "Ada", "Bello").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role", "facility_id", "first_name", "last_name"}).
			AddRow("user-1", "ada@kwara.gov.ng", "MoH", nil, "Ada", "Bello"))
	mock.ExpectCommit()

	id, profile, err := store.CreateIdentity(context.Background(), domain.NewIdentity{
		Email: " Ada@Kwara.gov.ng", PasswordHash: "hash", Role: domain.RoleMoH, FirstName: "Ada", LastName: "Bello",
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@kwara.gov.ng", id.Email)
	assert.Equal(t, domain.RoleMoH, profile.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIdentityRollsBackWhenRoleAssignmentFails(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("insert into identities").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(fixedNow))
	mock.ExpectQuery("update profiles").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("select exists").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, _, err := store.CreateIdentity(context.Background(), domain.NewIdentity{
		Email: "ada@kwara.gov.ng", PasswordHash: "hash", Role: domain.RoleMoH,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIdentityWithoutRoleSkipsProfileUpdate(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("insert into identities").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(fixedNow))
	mock.ExpectCommit()

	id, profile, err := store.CreateIdentity(context.Background(), domain.NewIdentity{Email: "dev@vendor.io", PasswordHash: "hash"})
	require.NoError(t, err)
	assert.Equal(t, id.ID, profile.ID)
	assert.Equal(t, domain.RoleNone, profile.Role)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindProfileMissingIsNotFound(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "service", "")
	mock.ExpectQuery("from profiles").WithArgs("user-2").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.FindProfile(context.Background(), "user-2")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAuditLogsCapsAndMapsNullFacility(t *testing.T) {
	store, mock := newMock(t)
	expectScope(mock, "MoH", "")
	mock.ExpectQuery("from audit_logs a").
		WithArgs("MoH", nil, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at", "user_email", "action", "resource", "ip", "status", "facility_id", "actor_kind"}).
			AddRow(int64(5), fixedNow, "admin@moh.kwara", "CONSENT_REVOKED", "Consent/consent-789", "102.89.23.45", "success", nil, "user"))
	mock.ExpectCommit()

	logs, err := store.ListAuditLogs(context.Background(), domain.Scope{Role: domain.RoleMoH}, 100)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Nil(t, logs[0].FacilityID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBeginFailureIsUnavailable(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection refused"))

	_, err := store.ListInteropEvents(context.Background(), domain.Scope{Role: domain.RoleMoH}, 50)
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(sql.ErrNoRows, "x"), domain.ErrNotFound)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: pgErrUniqueViolation}, "x"), domain.ErrConflict)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: pgErrCheckViolation}, "x"), domain.ErrValidation)
	assert.ErrorIs(t, classify(errors.New("boom"), "x"), domain.ErrBackendUnavailable)
	assert.NoError(t, classify(nil, "x"))
}
