// Package pg implements domain.Store on PostgreSQL. Every read and write runs
// inside a transaction that publishes the caller's scope through
// hkit.role / hkit.facility_id so the row-level-security policies apply; the
// queries also carry the same predicates.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"hkit.org/internal/domain"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the time source used for decision timestamps.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle; tests pass a sqlmock connection.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// scoped runs fn in a transaction bound to scope. Settings are transaction
// local so pooled connections never leak a previous caller's scope.
func (s *Store) scoped(ctx context.Context, scope domain.Scope, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return fmt.Errorf("%w: database connection unavailable", domain.ErrBackendUnavailable)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`select set_config('hkit.role', $1, true), set_config('hkit.facility_id', $2, true)`,
		string(scope.Role), facilitySetting(scope)); err != nil {
		return unavailable(err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable(err)
	}
	return nil
}

// service runs fn with the privileged scope used by server-side paths.
func (s *Store) service(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.scoped(ctx, domain.ServiceScope, fn)
}

func facilitySetting(scope domain.Scope) string {
	if scope.FacilityID == nil {
		return ""
	}
	return strconv.FormatInt(*scope.FacilityID, 10)
}

func facilityArg(scope domain.Scope) sql.NullInt64 {
	if scope.FacilityID == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *scope.FacilityID, Valid: true}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// classify maps driver errors onto the domain taxonomy.
func classify(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: %s already exists", domain.ErrConflict, what)
		case pgErrForeignKeyViolation, pgErrCheckViolation:
			return fmt.Errorf("%w: %s: %s", domain.ErrValidation, what, pgErr.Message)
		}
	}
	return unavailable(err)
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		domain.ErrValidation, domain.ErrAuthentication, domain.ErrAuthorization,
		domain.ErrNotFound, domain.ErrConflict, domain.ErrBackendUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func ptrFromNull(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	out := v.Int64
	return &out
}

func limitArg(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}
