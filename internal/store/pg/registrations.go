package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hkit.org/internal/domain"
)

// Registration requests are read and decided only by the approval workflow,
// which authorizes the overseer before calling in; they run in service scope.

const requestColumns = `id, type, data, status, submitted_at, approved_by, decided_at`

func scanRequest(row interface{ Scan(...any) error }) (domain.RegistrationRequest, error) {
	var (
		r          domain.RegistrationRequest
		typ, state string
		raw        []byte
		approvedBy sql.NullString
		decidedAt  sql.NullTime
	)
	if err := row.Scan(&r.ID, &typ, &raw, &state, &r.SubmittedAt, &approvedBy, &decidedAt); err != nil {
		return domain.RegistrationRequest{}, err
	}
	r.Type = domain.RequestType(typ)
	r.Status = domain.RequestStatus(state)
	r.Data = map[string]string{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &r.Data); err != nil {
			return domain.RegistrationRequest{}, fmt.Errorf("decode request data: %w", err)
		}
	}
	if approvedBy.Valid {
		v := approvedBy.String
		r.ApprovedBy = &v
	}
	if decidedAt.Valid {
		v := decidedAt.Time.UTC()
		r.DecidedAt = &v
	}
	return r, nil
}

func (s *Store) CreateRequest(ctx context.Context, req *domain.RegistrationRequest) error {
	data, err := json.Marshal(req.Data)
	if err != nil {
		return fmt.Errorf("%w: encode request data: %v", domain.ErrValidation, err)
	}
	return s.service(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			insert into registration_requests (id, type, data, status, submitted_at)
			values ($1, $2, $3, $4, $5)
		`, req.ID, string(req.Type), data, string(req.Status), req.SubmittedAt)
		return classify(err, "registration request "+req.ID)
	})
}

func (s *Store) FindRequest(ctx context.Context, id string) (domain.RegistrationRequest, error) {
	var out domain.RegistrationRequest
	err := s.service(ctx, func(tx *sql.Tx) error {
		r, err := scanRequest(tx.QueryRowContext(ctx, `select `+requestColumns+` from registration_requests where id = $1`, id))
		if err != nil {
			return classify(err, "registration request "+id)
		}
		out = r
		return nil
	})
	return out, err
}

func (s *Store) ListRequests(ctx context.Context, status domain.RequestStatus, limit int) ([]domain.RegistrationRequest, error) {
	out := make([]domain.RegistrationRequest, 0)
	err := s.service(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			select `+requestColumns+`
			from registration_requests
			where ($1 = '' or status = $1)
			order by submitted_at desc, id desc
			limit $2
		`, string(status), limitArg(limit))
		if err != nil {
			return unavailable(err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				return unavailable(err)
			}
			out = append(out, r)
		}
		return unavailable(rows.Err())
	})
	return out, err
}

// CountRequests counts requests in status without the list cap.
func (s *Store) CountRequests(ctx context.Context, status domain.RequestStatus) (int, error) {
	var n int
	err := s.service(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			select count(*) from registration_requests
			where ($1 = '' or status = $1)
		`, string(status)).Scan(&n)
		return unavailable(err)
	})
	return n, err
}

func (s *Store) TransitionRequest(ctx context.Context, id string, to domain.RequestStatus, actorID string) (domain.RegistrationRequest, error) {
	var out domain.RegistrationRequest
	err := s.service(ctx, func(tx *sql.Tx) error {
		r, err := transitionRequest(ctx, tx, id, to, actorID, s.now().UTC())
		out = r
		return err
	})
	return out, err
}

// transitionRequest only updates pending rows; a miss is disambiguated into
// not found or conflict.
func transitionRequest(ctx context.Context, tx *sql.Tx, id string, to domain.RequestStatus, actorID string, at time.Time) (domain.RegistrationRequest, error) {
	r, err := scanRequest(tx.QueryRowContext(ctx, `
		update registration_requests
		set status = $2, approved_by = $3, decided_at = $4
		where id = $1 and status = 'pending'
		returning `+requestColumns,
		id, string(to), actorID, at))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.RegistrationRequest{}, classify(err, "registration request "+id)
	}
	var current string
	if err := tx.QueryRowContext(ctx, `select status from registration_requests where id = $1`, id).Scan(&current); err != nil {
		return domain.RegistrationRequest{}, classify(err, "registration request "+id)
	}
	return domain.RegistrationRequest{}, fmt.Errorf("%w: request %s is %s", domain.ErrConflict, id, current)
}

// ProvisionApproved creates the identity, the facility for facility requests,
// the profile binding and the approved transition in a single transaction.
func (s *Store) ProvisionApproved(ctx context.Context, cmd domain.ProvisionCommand) (domain.ProvisionResult, error) {
	var out domain.ProvisionResult
	err := s.service(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, `
			select status from registration_requests where id = $1 for update
		`, cmd.RequestID).Scan(&current)
		if err != nil {
			return classify(err, "registration request "+cmd.RequestID)
		}
		if domain.RequestStatus(current) != domain.RequestPending {
			return fmt.Errorf("%w: request %s is %s", domain.ErrConflict, cmd.RequestID, current)
		}

		identity, err := insertIdentity(ctx, tx, cmd.Email, cmd.PasswordHash)
		if err != nil {
			return err
		}

		profile := domain.Profile{
			ID:        identity.ID,
			Email:     identity.Email,
			Role:      cmd.Role,
			FirstName: cmd.FirstName,
			LastName:  cmd.LastName,
		}
		if cmd.RequestType == domain.RequestFacility {
			compliance, admins := domain.StatusDefaults(domain.FacilityVerified)
			var facilityID int64
			err := tx.QueryRowContext(ctx, `
				insert into facilities (name, lga, type, status, compliance, administrators, api_activity, last_sync)
				values ($1, $2, $3, 'verified', $4, $5, 'N/A', 'Never')
				returning id
			`, cmd.RequestData["facilityName"], cmd.RequestData["lga"], cmd.RequestData["facilityType"],
				compliance, admins).Scan(&facilityID)
			if err != nil {
				return classify(err, "facility")
			}
			profile.FacilityID = &facilityID
			profile.FacilityName = cmd.RequestData["facilityName"]
		}

		if _, err := tx.ExecContext(ctx, `
			insert into profiles (id, email, role, facility_id, first_name, last_name)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (id) do update
			set role = excluded.role,
			    facility_id = excluded.facility_id,
			    first_name = excluded.first_name,
			    last_name = excluded.last_name,
			    updated_at = now()
		`, profile.ID, profile.Email, string(profile.Role), nullInt64Ptr(profile.FacilityID),
			nullIfEmpty(profile.FirstName), nullIfEmpty(profile.LastName)); err != nil {
			return classify(err, "profile "+profile.ID)
		}

		approved, err := transitionRequest(ctx, tx, cmd.RequestID, domain.RequestApproved, cmd.ApproverID, s.now().UTC())
		if err != nil {
			return err
		}
		out = domain.ProvisionResult{Request: approved, Identity: identity, Profile: profile}
		return nil
	})
	if err != nil {
		return domain.ProvisionResult{}, err
	}
	return out, nil
}
