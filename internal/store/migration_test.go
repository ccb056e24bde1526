package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func TestMigrationDiagnosticsHealthyForFreshDB(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	diag, err := s.MigrationDiagnostics(ctx)
	if err != nil {
		t.Fatalf("migration diagnostics failed: %v", err)
	}
	if !diag.Healthy {
		t.Fatalf("expected healthy diagnostics, got %#v", diag)
	}
	for _, table := range []string{"findings", "coverage", "releases", "audit_log"} {
		if _, ok := diag.TableCounts[table]; !ok {
			t.Fatalf("expected table_counts to include %s", table)
		}
	}
}

func TestMigrationDiagnosticsDetectsMissingTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS audit_log`); err != nil {
		t.Fatalf("drop audit_log: %v", err)
	}

	diag, err := s.MigrationDiagnostics(ctx)
	if err != nil {
		t.Fatalf("diagnostics should not fail on missing table: %v", err)
	}
	if diag.Healthy {
		t.Fatal("expected diagnostics unhealthy when table is missing")
	}
	if len(diag.MissingTables) != 1 || diag.MissingTables[0] != "audit_log" {
		t.Fatalf("expected missing table audit_log, got %#v", diag.MissingTables)
	}
	if _, ok := diag.TableCounts["findings"]; !ok {
		t.Fatal("expected table_counts to include existing table findings")
	}
}

// legacySchema is the layout written before source/severity/updated_at and
// policy_version existed.
const legacySchema = `
	CREATE TABLE findings (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE TABLE releases (
		release_id TEXT PRIMARY KEY,
		score DOUBLE PRECISION NOT NULL,
		decision_payload TEXT NOT NULL
	);
	INSERT INTO findings (id, payload, created_at) VALUES ('legacy-1', '{"id":"legacy-1","source":"semgrep","severity":"high"}', 1);
`

func openLegacyDB(t *testing.T) (*sqlx.DB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "legacy.sqlite")
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open sqlite file: %v", err)
	}
	for _, stmt := range splitStatements(legacySchema) {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create legacy schema: %v", err)
		}
	}
	return db, dbPath
}

func TestMigrationDiagnosticsDetectsMissingColumnsAndIndexes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, _ := openLegacyDB(t)
	t.Cleanup(func() { _ = db.Close() })

	s := &SQL{db: db, dialect: sqliteDialect, now: fixedClock}
	diag, err := s.MigrationDiagnostics(ctx)
	if err != nil {
		t.Fatalf("migration diagnostics failed: %v", err)
	}
	if diag.Healthy {
		t.Fatal("expected diagnostics unhealthy for legacy schema")
	}
	want := []string{"source", "severity", "updated_at"}
	got := diag.MissingColumns["findings"]
	if len(got) != len(want) {
		t.Fatalf("expected missing findings columns %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected missing findings columns %v, got %v", want, got)
		}
	}
	if cols := diag.MissingColumns["releases"]; len(cols) != 2 {
		t.Fatalf("expected two missing releases columns, got %v", cols)
	}
	if idxs := diag.MissingIndexes["findings"]; len(idxs) != 1 || idxs[0] != "idx_findings_source" {
		t.Fatalf("expected missing idx_findings_source, got %v", idxs)
	}
	if len(diag.MissingTables) == 0 {
		t.Fatal("expected tables created after the legacy layout to be reported missing")
	}
}

func TestOpenMigratesLegacySchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, path := openLegacyDB(t)
	if err := db.Close(); err != nil {
		t.Fatalf("close legacy db: %v", err)
	}

	s, err := OpenSQLite(ctx, path, fixedClock)
	if err != nil {
		t.Fatalf("open legacy store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	diag, err := s.MigrationDiagnostics(ctx)
	if err != nil {
		t.Fatalf("migration diagnostics failed: %v", err)
	}
	if !diag.Healthy {
		t.Fatalf("expected healthy diagnostics after migration, got %#v", diag)
	}
	findings, err := s.ListFindings(ctx)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 1 || findings[0].ID != "legacy-1" {
		t.Fatalf("expected legacy finding to survive migration, got %#v", findings)
	}
	if findings[0].Status != "open" {
		t.Fatalf("expected default status for legacy payload, got %q", findings[0].Status)
	}
}
