package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"hkit.org/internal/domain"
	"hkit.org/internal/ids"
)

const profileColumns = `id, email, coalesce(role, ''), facility_id, coalesce(first_name, ''), coalesce(last_name, '')`

func scanProfile(row interface{ Scan(...any) error }) (domain.Profile, error) {
	var (
		p        domain.Profile
		role     string
		facility sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Email, &role, &facility, &p.FirstName, &p.LastName); err != nil {
		return domain.Profile{}, err
	}
	p.Role = domain.Role(role)
	p.FacilityID = ptrFromNull(facility)
	return p, nil
}

// CreateIdentity inserts the identity; the on-insert trigger creates the
// profile row, which takes the sign-up role in the same transaction.
func (s *Store) CreateIdentity(ctx context.Context, in domain.NewIdentity) (domain.Identity, domain.Profile, error) {
	var (
		id      domain.Identity
		profile domain.Profile
	)
	err := s.service(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = insertIdentity(ctx, tx, in.Email, in.PasswordHash); err != nil {
			return err
		}
		if in.Role == domain.RoleNone {
			profile = domain.Profile{ID: id.ID, Email: id.Email}
			return nil
		}
		profile, err = assignRole(ctx, tx, id.ID, in.Role, in.FirstName, in.LastName)
		return err
	})
	if err != nil {
		return domain.Identity{}, domain.Profile{}, err
	}
	return id, profile, nil
}

func insertIdentity(ctx context.Context, tx *sql.Tx, email, passwordHash string) (domain.Identity, error) {
	id := domain.Identity{ID: ids.Identity(), Email: strings.ToLower(strings.TrimSpace(email))}
	err := tx.QueryRowContext(ctx, `
		insert into identities (id, email, password_hash)
		values ($1, $2, $3)
		returning created_at
	`, id.ID, id.Email, passwordHash).Scan(&id.CreatedAt)
	if err != nil {
		return domain.Identity{}, classify(err, "identity "+id.Email)
	}
	return id, nil
}

func (s *Store) FindIdentity(ctx context.Context, id string) (domain.Identity, error) {
	var out domain.Identity
	err := s.service(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			select id, email, created_at from identities where id = $1
		`, id).Scan(&out.ID, &out.Email, &out.CreatedAt)
		return classify(err, "identity "+id)
	})
	return out, err
}

func (s *Store) FindCredential(ctx context.Context, email string) (domain.Credential, error) {
	var out domain.Credential
	key := strings.ToLower(strings.TrimSpace(email))
	err := s.service(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			select id, email, created_at, password_hash from identities where email = $1
		`, key).Scan(&out.Identity.ID, &out.Identity.Email, &out.Identity.CreatedAt, &out.PasswordHash)
		return classify(err, "identity "+key)
	})
	return out, err
}

func (s *Store) FindProfile(ctx context.Context, id string) (domain.Profile, error) {
	var out domain.Profile
	err := s.service(ctx, func(tx *sql.Tx) error {
		p, err := scanProfile(tx.QueryRowContext(ctx, `select `+profileColumns+` from profiles where id = $1`, id))
		if err != nil {
			return classify(err, "profile "+id)
		}
		out = p
		return nil
	})
	return out, err
}

// assignRole sets the role of a role-less profile.
func assignRole(ctx context.Context, tx *sql.Tx, id string, role domain.Role, firstName, lastName string) (domain.Profile, error) {
	p, err := scanProfile(tx.QueryRowContext(ctx, `
		update profiles
		set role = $2, first_name = $3, last_name = $4, updated_at = now()
		where id = $1 and role is null
		returning `+profileColumns,
		id, string(role), nullIfEmpty(firstName), nullIfEmpty(lastName)))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, classify(err, "profile "+id)
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from profiles where id = $1)`, id).Scan(&exists); err != nil {
		return domain.Profile{}, unavailable(err)
	}
	if !exists {
		return domain.Profile{}, fmt.Errorf("%w: profile %s", domain.ErrNotFound, id)
	}
	return domain.Profile{}, fmt.Errorf("%w: profile %s already has a role", domain.ErrConflict, id)
}
