package migrate

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var appliedAt = time.Date(2024, 11, 23, 9, 0, 0, 0, time.UTC)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/0001_a.up.sql":   {Data: []byte("create table a (id int);")},
		"m/0001_a.down.sql": {Data: []byte("drop table a;")},
		"m/0002_b.up.sql": {Data: []byte(`-- function with a body
create function f() returns int language sql as $$ select 1; $$;
create table t (note text default 'a;b');`)},
		"m/0002_b.down.sql": {Data: []byte("drop table t;\ndrop function f();")},
		"s/0001_demo.sql":   {Data: []byte("insert into a values (1);")},
	}
}

func expectTables(mock sqlmock.Sqlmock) {
	for _, table := range []string{"schema_migrations", "schema_seeds"} {
		mock.ExpectExec("create table if not exists " + table).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("alter table " + table + " add column if not exists checksum").WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func fileSum(t *testing.T, name string) string {
	t.Helper()
	return checksum(testFS()[name].Data)
}

func appliedRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"name", "applied_at", "checksum"})
}

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db, WithFS(testFS(), "m", "s"), WithClock(func() time.Time { return appliedAt })), mock
}

func TestUpAppliesOnlyPendingMigrations(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0001_a.up.sql", appliedAt, fileSum(t, "m/0001_a.up.sql")))
	mock.ExpectBegin()
	mock.ExpectExec("create function f").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table t").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", appliedAt, fileSum(t, "m/0002_b.up.sql")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := mgr.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRefusesChangedMigration(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0001_a.up.sql", appliedAt, "edited-after-apply"))

	err := mgr.Up(context.Background())
	if !errors.Is(err, ErrDrift) {
		t.Fatalf("expected ErrDrift, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestFailedMigrationIsNotRecorded(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("relation already exists"))
	mock.ExpectRollback()

	if err := mgr.Up(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations order by applied_at").
		WillReturnRows(appliedRows().
			AddRow("0001_a.up.sql", appliedAt, "").
			AddRow("0002_b.up.sql", appliedAt.Add(time.Minute), ""))
	mock.ExpectBegin()
	mock.ExpectExec("drop table t").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("drop function f").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from schema_migrations").
		WithArgs("0002_b.up.sql").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := mgr.Down(context.Background()); err != nil {
		t.Fatalf("Down: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations").WillReturnRows(appliedRows())

	if err := mgr.Down(context.Background()); err == nil {
		t.Fatal("expected error when nothing is applied")
	}
}

func TestSeedRunsUnderServiceRole(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_seeds").WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("select set_config").WithArgs("service").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into a values").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into schema_seeds").
		WithArgs("0001_demo.sql", appliedAt, fileSum(t, "s/0001_demo.sql")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := mgr.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedSkipsApplied(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_seeds").
		WillReturnRows(appliedRows().AddRow("0001_demo.sql", appliedAt, "older-demo-data"))

	if err := mgr.Seed(context.Background()); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStatusReportsPendingDriftAndMissingFiles(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations").
		WillReturnRows(appliedRows().
			AddRow("0000_gone.up.sql", appliedAt.Add(-time.Hour), "abc").
			AddRow("0001_a.up.sql", appliedAt, ""))
	mock.ExpectQuery("select name, applied_at, checksum from schema_seeds").
		WillReturnRows(appliedRows().AddRow("0001_demo.sql", appliedAt, "older-demo-data"))

	entries, err := mgr.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.String())
	}
	want := []string{
		"migration 0001_a.up.sql applied 2024-11-23T09:00:00Z",
		"migration 0002_b.up.sql pending",
		"migration 0000_gone.up.sql applied 2024-11-23T08:00:00Z (file missing)",
		"seed      0001_demo.sql applied 2024-11-23T09:00:00Z (changed since)",
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected status:\n%s", strings.Join(got, "\n"))
	}
	if !entries[1].Pending() || entries[0].Drifted || !entries[3].Drifted {
		t.Fatalf("unexpected flags: %+v", entries)
	}
}

func TestPendingDoesNotApply(t *testing.T) {
	mgr, mock := newTestManager(t)

	expectTables(mock)
	mock.ExpectQuery("select name, applied_at, checksum from schema_migrations").
		WillReturnRows(appliedRows().AddRow("0001_a.up.sql", appliedAt, ""))

	pending, err := mgr.Pending(context.Background(), KindMigration)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Name != "0002_b.up.sql" || pending[0].Checksum != fileSum(t, "m/0002_b.up.sql") {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int
	}{
		{"plain", "select 1; select 2;", 2},
		{"quoted semicolon", "insert into t values ('a;b'); select 1;", 2},
		{"dollar body", "create function f() returns void as $$ begin perform 1; end; $$ language plpgsql; select 1;", 2},
		{"comment", "-- drop; everything\nselect 1;", 1},
		{"trailing", "select 1; select 2", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitStatements(tc.in)
			if len(got) != tc.want {
				t.Fatalf("expected %d statements, got %d: %q", tc.want, len(got), got)
			}
		})
	}
}

func TestEmbeddedSchemaIsComplete(t *testing.T) {
	ups, err := collectSQL(embedded, MigrationsDir, ".up.sql")
	if err != nil {
		t.Fatalf("collect migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up.Path, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(embedded, down); err != nil {
			t.Fatalf("missing down migration for %s", up.Base)
		}
	}

	seeds, err := collectSQL(embedded, SeedsDir, ".sql")
	if err != nil || len(seeds) == 0 {
		t.Fatalf("expected embedded seeds, got %d (%v)", len(seeds), err)
	}

	schema, err := fs.ReadFile(embedded, ups[0].Path)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	for _, stmt := range splitStatements(string(schema)) {
		if strings.Contains(stmt, "create or replace function hkit_create_profile") && !strings.Contains(stmt, "end;") {
			t.Fatalf("trigger function was split: %q", stmt)
		}
	}

	// the newest trend check wins once every migration has run
	var trendCheck string
	for _, up := range ups {
		raw, err := fs.ReadFile(embedded, up.Path)
		if err != nil {
			t.Fatalf("read %s: %v", up.Base, err)
		}
		for _, stmt := range splitStatements(string(raw)) {
			if strings.Contains(stmt, "trend in (") {
				trendCheck = stmt
			}
		}
	}
	for _, trend := range []string{"'up'", "'down'", "'neutral'"} {
		if !strings.Contains(trendCheck, trend) {
			t.Fatalf("facility score trend %s is not allowed by %q", trend, trendCheck)
		}
	}
}
