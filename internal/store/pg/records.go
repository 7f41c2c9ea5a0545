package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"hkit.org/internal/domain"
)

// Visibility predicates. $1 is the caller role, $2 the bound facility id.
// They mirror the row-level-security policies in the migrations.
const (
	privilegedPred = `$1 in ('MoH', 'service')`
	facilityPred   = `(` + privilegedPred + ` or ($1 = 'FacilityAdmin' and f.id = $2))`
	consentPred    = `(` + privilegedPred + ` or ($1 = 'FacilityAdmin' and c.granted_to_facility_id = $2))`
	auditPred      = `(` + privilegedPred + `
		or ($1 = 'FacilityAdmin' and coalesce(a.facility_id = $2, false))
		or ($1 = 'Developer' and (a.actor_kind = 'api_key' or strpos(a.action, 'API_KEY') > 0)))`
	mpiPred   = `(` + privilegedPred + ` or ($1 = 'FacilityAdmin' and m.facility_id = $2))`
	eventPred = `(` + privilegedPred + ` or $1 = 'Developer' or ($1 = 'FacilityAdmin' and e.facility_id = $2))`
	scorePred = `(` + privilegedPred + ` or ($1 = 'FacilityAdmin' and sc.facility_id = $2))`
)

const facilityColumns = `f.id, f.name, f.lga, f.type, f.status, f.compliance, f.administrators, f.api_activity, f.last_sync`

func scanFacility(row interface{ Scan(...any) error }) (domain.Facility, error) {
	var (
		f      domain.Facility
		status string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.LGA, &f.Type, &status, &f.Compliance, &f.Administrators, &f.APIActivity, &f.LastSync); err != nil {
		return domain.Facility{}, err
	}
	f.Status = domain.FacilityStatus(status)
	return f, nil
}

// queryScoped runs a scoped list query and scans each row with scan.
func queryScoped[T any](ctx context.Context, s *Store, scope domain.Scope, query string, scan func(interface{ Scan(...any) error }) (T, error), args ...any) ([]T, error) {
	out := make([]T, 0)
	err := s.scoped(ctx, scope, func(tx *sql.Tx) error {
		all := append([]any{string(scope.Role), facilityArg(scope)}, args...)
		rows, err := tx.QueryContext(ctx, query, all...)
		if err != nil {
			return unavailable(err)
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				return unavailable(err)
			}
			out = append(out, v)
		}
		return unavailable(rows.Err())
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListFacilities(ctx context.Context, scope domain.Scope) ([]domain.Facility, error) {
	return queryScoped(ctx, s, scope, `
		select `+facilityColumns+`
		from facilities f
		where `+facilityPred+`
		order by f.id
	`, scanFacility)
}

func (s *Store) FindFacility(ctx context.Context, scope domain.Scope, id int64) (domain.Facility, error) {
	var out domain.Facility
	err := s.scoped(ctx, scope, func(tx *sql.Tx) error {
		f, err := scanFacility(tx.QueryRowContext(ctx, `
			select `+facilityColumns+`
			from facilities f
			where f.id = $3 and `+facilityPred,
			string(scope.Role), facilityArg(scope), id))
		if err != nil {
			return classify(err, "facility "+strconv.FormatInt(id, 10))
		}
		out = f
		return nil
	})
	return out, err
}

// UpdateFacilityStatus applies the status defaults in the same statement.
func (s *Store) UpdateFacilityStatus(ctx context.Context, scope domain.Scope, id int64, status domain.FacilityStatus) (domain.Facility, error) {
	compliance, admins := domain.StatusDefaults(status)
	var out domain.Facility
	err := s.scoped(ctx, scope, func(tx *sql.Tx) error {
		f, err := scanFacility(tx.QueryRowContext(ctx, `
			update facilities f
			set status = $3, compliance = $4, administrators = $5
			where f.id = $2 and `+privilegedPred+`
			returning `+facilityColumns,
			string(scope.Role), id, string(status), compliance, admins))
		if err != nil {
			return classify(err, "facility "+strconv.FormatInt(id, 10))
		}
		out = f
		return nil
	})
	return out, err
}

func scanConsent(row interface{ Scan(...any) error }) (domain.ConsentRecord, error) {
	var (
		c      domain.ConsentRecord
		status string
	)
	if err := row.Scan(&c.PatientID, &c.Scope, &c.GrantedTo, &c.GrantedToFacilityID, &c.Expiry, &status); err != nil {
		return domain.ConsentRecord{}, err
	}
	c.Status = domain.ConsentStatus(status)
	return c, nil
}

const consentColumns = `c.patient_id, c.scope, c.granted_to, c.granted_to_facility_id, c.expiry, c.status`

func (s *Store) ListConsents(ctx context.Context, scope domain.Scope) ([]domain.ConsentRecord, error) {
	return queryScoped(ctx, s, scope, `
		select `+consentColumns+`
		from consent_records c
		where `+consentPred+`
		order by c.patient_id
	`, scanConsent)
}

// RevokeConsent transitions active -> revoked. A second revoke reports
// ErrAlreadyRevoked rather than succeeding again.
func (s *Store) RevokeConsent(ctx context.Context, scope domain.Scope, patientID string) (domain.ConsentRecord, error) {
	var out domain.ConsentRecord
	err := s.scoped(ctx, scope, func(tx *sql.Tx) error {
		c, err := scanConsent(tx.QueryRowContext(ctx, `
			select `+consentColumns+`
			from consent_records c
			where c.patient_id = $3 and `+consentPred+`
			for update
		`, string(scope.Role), facilityArg(scope), patientID))
		if err != nil {
			return classify(err, "consent "+patientID)
		}
		if c.Status == domain.ConsentRevoked {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyRevoked, patientID)
		}
		if _, err := tx.ExecContext(ctx, `
			update consent_records set status = 'revoked' where patient_id = $1 and status = 'active'
		`, patientID); err != nil {
			return unavailable(err)
		}
		c.Status = domain.ConsentRevoked
		out = c
		return nil
	})
	return out, err
}

func scanAuditLog(row interface{ Scan(...any) error }) (domain.AuditLog, error) {
	var (
		l        domain.AuditLog
		facility sql.NullInt64
	)
	if err := row.Scan(&l.ID, &l.Timestamp, &l.User, &l.Action, &l.Resource, &l.IP, &l.Status, &facility, &l.ActorKind); err != nil {
		return domain.AuditLog{}, err
	}
	l.Timestamp = l.Timestamp.UTC()
	l.FacilityID = ptrFromNull(facility)
	return l, nil
}

const auditColumns = `a.id, a.occurred_at, a.user_email, a.action, a.resource, a.ip, a.status, a.facility_id, a.actor_kind`

func (s *Store) ListAuditLogs(ctx context.Context, scope domain.Scope, limit int) ([]domain.AuditLog, error) {
	return queryScoped(ctx, s, scope, `
		select `+auditColumns+`
		from audit_logs a
		where `+auditPred+`
		order by a.occurred_at desc, a.id desc
		limit $3
	`, scanAuditLog, limitArg(limit))
}

// AppendAuditLog inserts a trail row in service scope; the trail is written
// on behalf of whichever console user acted.
func (s *Store) AppendAuditLog(ctx context.Context, entry domain.AuditLog) (domain.AuditLog, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	err := s.service(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into audit_logs (occurred_at, user_email, action, resource, ip, status, facility_id, actor_kind)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
			returning id
		`, entry.Timestamp, entry.User, entry.Action, entry.Resource, entry.IP, entry.Status,
			nullInt64Ptr(entry.FacilityID), entry.ActorKind).Scan(&entry.ID)
		return classify(err, "audit log")
	})
	if err != nil {
		return domain.AuditLog{}, err
	}
	return entry, nil
}

func scanMpi(row interface{ Scan(...any) error }) (domain.MpiRecord, error) {
	var m domain.MpiRecord
	if err := row.Scan(&m.ID, &m.StateHealthID, &m.GivenName, &m.FamilyName, &m.DOB, &m.Gender,
		&m.Facility, &m.FacilityID, &m.Verified, &m.CreatedAt); err != nil {
		return domain.MpiRecord{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

func (s *Store) ListMpiRecords(ctx context.Context, scope domain.Scope, limit int) ([]domain.MpiRecord, error) {
	return queryScoped(ctx, s, scope, `
		select m.id, m.state_health_id, m.given_name, m.family_name, m.dob, m.gender,
		       m.facility, m.facility_id, m.verified, m.created_at
		from mpi_records m
		where `+mpiPred+`
		order by m.created_at desc
		limit $3
	`, scanMpi, limitArg(limit))
}

func scanEvent(row interface{ Scan(...any) error }) (domain.InteropEvent, error) {
	var e domain.InteropEvent
	if err := row.Scan(&e.ID, &e.Resource, &e.Operation, &e.Facility, &e.FacilityID, &e.Status, &e.Timestamp); err != nil {
		return domain.InteropEvent{}, err
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

const eventColumns = `e.id, e.resource, e.operation, e.facility, e.facility_id, e.status, e.occurred_at`

func (s *Store) ListInteropEvents(ctx context.Context, scope domain.Scope, limit int) ([]domain.InteropEvent, error) {
	return queryScoped(ctx, s, scope, `
		select `+eventColumns+`
		from interop_events e
		where `+eventPred+`
		order by e.occurred_at desc, e.id desc
		limit $3
	`, scanEvent, limitArg(limit))
}

func (s *Store) FindInteropEvent(ctx context.Context, scope domain.Scope, id int64) (domain.InteropEvent, error) {
	var out domain.InteropEvent
	err := s.scoped(ctx, scope, func(tx *sql.Tx) error {
		e, err := scanEvent(tx.QueryRowContext(ctx, `
			select `+eventColumns+`
			from interop_events e
			where e.id = $3 and `+eventPred,
			string(scope.Role), facilityArg(scope), id))
		if err != nil {
			return classify(err, "interop event "+strconv.FormatInt(id, 10))
		}
		out = e
		return nil
	})
	return out, err
}

func (s *Store) ListFacilityScores(ctx context.Context, scope domain.Scope) ([]domain.FacilityScore, error) {
	return queryScoped(ctx, s, scope, `
		select sc.facility_id, sc.name, sc.score, sc.trend, sc.change
		from facility_scores sc
		where `+scorePred+`
		order by sc.score desc
	`, func(row interface{ Scan(...any) error }) (domain.FacilityScore, error) {
		var sc domain.FacilityScore
		err := row.Scan(&sc.FacilityID, &sc.Name, &sc.Score, &sc.Trend, &sc.Change)
		return sc, err
	})
}
