package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed sql
var embedded embed.FS

// Embedded directory layout.
const (
	MigrationsDir = "sql/migrations"
	SeedsDir      = "sql/seeds"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// seedRole is the row security role seeds run under. Every console table
// forces row security, so only the service role may write demo rows.
const seedRole = "service"

// ErrDrift reports an applied file whose contents changed afterwards.
var ErrDrift = errors.New("applied file changed")

type Kind string

const (
	KindMigration Kind = "migration"
	KindSeed      Kind = "seed"
)

// Entry is one migration or seed file and what the database recorded for it.
type Entry struct {
	Kind      Kind
	Name      string
	Checksum  string
	AppliedAt *time.Time
	// Drifted is set when the recorded checksum differs from the file.
	Drifted bool
	// Missing is set for recorded names with no file behind them.
	Missing bool

	path string
}

func (e Entry) Pending() bool { return e.AppliedAt == nil }

func (e Entry) String() string {
	state := "pending"
	switch {
	case e.Missing:
		state = "applied " + e.AppliedAt.UTC().Format(time.RFC3339) + " (file missing)"
	case e.Drifted:
		state = "applied " + e.AppliedAt.UTC().Format(time.RFC3339) + " (changed since)"
	case e.AppliedAt != nil:
		state = "applied " + e.AppliedAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%-9s %s %s", e.Kind, e.Name, state)
}

// Manager executes SQL migrations and seed files read from an fs.FS.
type Manager struct {
	db              *sql.DB
	fsys            fs.FS
	migrationsDir   string
	seedsDir        string
	migrationsTable string
	seedsTable      string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithFS replaces the embedded schema, e.g. with os.DirFS for local iteration.
func WithFS(fsys fs.FS, migrationsDir, seedsDir string) Option {
	return func(m *Manager) {
		if fsys != nil {
			m.fsys = fsys
			m.migrationsDir = migrationsDir
			m.seedsDir = seedsDir
		}
	}
}

// WithClock overrides the applied_at clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a Manager over the embedded schema, RLS policies and
// demo seeds.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		fsys:            embedded,
		migrationsDir:   MigrationsDir,
		seedsDir:        SeedsDir,
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in name order. It refuses to run while an
// applied migration has changed on disk.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	plan, err := m.plan(ctx, KindMigration)
	if err != nil {
		return err
	}
	for _, e := range plan {
		if e.Drifted {
			return fmt.Errorf("%w: migration %s", ErrDrift, e.Name)
		}
	}
	for _, e := range plan {
		if !e.Pending() {
			continue
		}
		if err := m.apply(ctx, m.migrationsTable, e, ""); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name, err)
		}
	}
	return nil
}

// Seed loads seed files that have not run yet, each under the service role.
// A changed seed is not re-run; Status reports it.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	plan, err := m.plan(ctx, KindSeed)
	if err != nil {
		return err
	}
	for _, e := range plan {
		if !e.Pending() {
			continue
		}
		if err := m.apply(ctx, m.seedsTable, e, seedRole); err != nil {
			return fmt.Errorf("apply seed %s: %w", e.Name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, m.migrationsTable)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1].name
	downPath := strings.TrimSuffix(path.Join(m.migrationsDir, last), ".up.sql") + ".down.sql"
	raw, err := fs.ReadFile(m.fsys, downPath)
	if err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	err = m.inTx(ctx, "", raw, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	return nil
}

// Status lists every migration then every seed with its recorded state.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	migrations, err := m.plan(ctx, KindMigration)
	if err != nil {
		return nil, err
	}
	seeds, err := m.plan(ctx, KindSeed)
	if err != nil {
		return nil, err
	}
	return append(migrations, seeds...), nil
}

// Pending lists what Up (KindMigration) or Seed (KindSeed) would apply,
// without applying anything.
func (m *Manager) Pending(ctx context.Context, kind Kind) ([]Entry, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	plan, err := m.plan(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(plan))
	for _, e := range plan {
		if e.Pending() {
			out = append(out, e)
		}
	}
	return out, nil
}

// plan joins the files of kind with the bookkeeping rows recorded for them.
func (m *Manager) plan(ctx context.Context, kind Kind) ([]Entry, error) {
	table, dir, suffix := m.migrationsTable, m.migrationsDir, ".up.sql"
	if kind == KindSeed {
		table, dir, suffix = m.seedsTable, m.seedsDir, ".sql"
	}
	applied, err := m.applied(ctx, table)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.fsys, dir, suffix)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]record, len(applied))
	for _, r := range applied {
		byName[r.name] = r
	}
	out := make([]Entry, 0, len(files))
	for _, f := range files {
		raw, err := fs.ReadFile(m.fsys, f.Path)
		if err != nil {
			return nil, err
		}
		e := Entry{Kind: kind, Name: f.Base, Checksum: checksum(raw), path: f.Path}
		if r, ok := byName[f.Base]; ok {
			at := r.appliedAt
			e.AppliedAt = &at
			// rows recorded before checksums were kept carry an empty one
			e.Drifted = r.checksum != "" && r.checksum != e.Checksum
			delete(byName, f.Base)
		}
		out = append(out, e)
	}
	for _, r := range applied {
		if _, orphan := byName[r.name]; orphan {
			at := r.appliedAt
			out = append(out, Entry{Kind: kind, Name: r.name, Checksum: r.checksum, AppliedAt: &at, Missing: true})
		}
	}
	return out, nil
}

// apply runs the file and records it in one transaction, so a failed file
// leaves no bookkeeping row behind.
func (m *Manager) apply(ctx context.Context, table string, e Entry, role string) error {
	raw, err := fs.ReadFile(m.fsys, e.path)
	if err != nil {
		return err
	}
	return m.inTx(ctx, role, raw, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`insert into %s (name, applied_at, checksum) values ($1, $2, $3)`, table),
			e.Name, m.now().UTC(), checksum(raw))
		return err
	})
}

func (m *Manager) inTx(ctx context.Context, role string, raw []byte, bookkeep func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if role != "" {
		if _, err := tx.ExecContext(ctx, `select set_config('hkit.role', $1, true)`, role); err != nil {
			return err
		}
	}
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := bookkeep(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`
			create table if not exists %s (
				name text primary key,
				applied_at timestamptz not null default now(),
				checksum text not null default ''
			)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
		// tables created before checksums were recorded
		alter := fmt.Sprintf(`alter table %s add column if not exists checksum text not null default ''`, table)
		if _, err := m.db.ExecContext(ctx, alter); err != nil {
			return err
		}
	}
	return nil
}

type record struct {
	name      string
	appliedAt time.Time
	checksum  string
}

func (m *Manager) applied(ctx context.Context, table string) ([]record, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at, checksum from %s order by applied_at asc, name asc`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.name, &r.appliedAt, &r.checksum); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{
				Base: d.Name(),
				Path: path,
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Base < files[j].Base
	})
	return files, nil
}

// splitStatements splits SQL on semicolons outside quoted strings, comments
// and $$ function bodies.
func splitStatements(sql string) []string {
	var (
		stmts   []string
		current strings.Builder
		inStr   bool
		inBody  bool
		comment bool
	)
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case comment:
			if r == '\n' {
				comment = false
				current.WriteRune(r)
			}
		case !inStr && !inBody && r == '-' && next == '-':
			comment = true
			i++
		case !inBody && r == '\'':
			inStr = !inStr
			current.WriteRune(r)
		case !inStr && r == '$' && next == '$':
			inBody = !inBody
			current.WriteString("$$")
			i++
		case r == ';' && !inStr && !inBody:
			current.WriteRune(r)
			stmts = append(stmts, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
