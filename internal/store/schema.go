package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

type dialect struct {
	name     string
	driver   string
	serialPK string
}

var (
	sqliteDialect   = dialect{name: BackendSQLite, driver: "sqlite3", serialPK: "INTEGER PRIMARY KEY AUTOINCREMENT"}
	postgresDialect = dialect{name: BackendPostgres, driver: "pgx", serialPK: "BIGSERIAL PRIMARY KEY"}
)

type columnDef struct {
	name string
	ddl  string
}

// addedColumns lists columns added after the first schema release. They are
// created on open when missing.
var addedColumns = map[string][]columnDef{
	"findings": {
		{name: "source", ddl: "ALTER TABLE findings ADD COLUMN source TEXT NOT NULL DEFAULT ''"},
		{name: "severity", ddl: "ALTER TABLE findings ADD COLUMN severity TEXT NOT NULL DEFAULT ''"},
		{name: "updated_at", ddl: "ALTER TABLE findings ADD COLUMN updated_at BIGINT NOT NULL DEFAULT 0"},
	},
	"releases": {
		{name: "policy_version", ddl: "ALTER TABLE releases ADD COLUMN policy_version TEXT NOT NULL DEFAULT ''"},
		{name: "updated_at", ddl: "ALTER TABLE releases ADD COLUMN updated_at BIGINT NOT NULL DEFAULT 0"},
	},
}

var requiredColumns = map[string][]string{
	"findings":    {"id", "payload", "created_at", "source", "severity", "updated_at"},
	"sboms":       {"release_id", "payload", "created_at"},
	"coverage":    {"release_id", "position", "control_id", "covered", "evidence_uri", "confidence"},
	"releases":    {"release_id", "score", "decision_payload", "policy_version", "updated_at"},
	"graph_nodes": {"service_id", "position", "node_id", "node_type", "label", "risk_score"},
	"graph_edges": {"service_id", "position", "source", "target", "relation"},
	"events":      {"id", "pipeline_id", "repo", "payload", "created_at"},
	"audit_log":   {"id", "action", "details", "created_at"},
}

var requiredIndexes = map[string][]string{
	"findings":    {"idx_findings_source"},
	"coverage":    {"idx_coverage_release_id"},
	"graph_nodes": {"idx_graph_nodes_service"},
	"events":      {"idx_events_pipeline_id"},
	"audit_log":   {"idx_audit_log_action"},
}

func (d dialect) schema() string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sboms (
		release_id TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS coverage (
		release_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		control_id TEXT NOT NULL,
		covered INTEGER NOT NULL,
		evidence_uri TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (release_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_coverage_release_id ON coverage(release_id);
	CREATE TABLE IF NOT EXISTS releases (
		release_id TEXT PRIMARY KEY,
		score DOUBLE PRECISION NOT NULL,
		decision_payload TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS graph_nodes (
		service_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		node_type TEXT NOT NULL,
		label TEXT NOT NULL,
		risk_score DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (service_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_graph_nodes_service ON graph_nodes(service_id);
	CREATE TABLE IF NOT EXISTS graph_edges (
		service_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		source TEXT NOT NULL,
		target TEXT NOT NULL,
		relation TEXT NOT NULL,
		PRIMARY KEY (service_id, position)
	);
	CREATE TABLE IF NOT EXISTS events (
		id %[1]s,
		pipeline_id TEXT NOT NULL,
		repo TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_pipeline_id ON events(pipeline_id);
	CREATE TABLE IF NOT EXISTS audit_log (
		id %[1]s,
		action TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
	`, d.serialPK)
}

func (s *SQL) initSchema(ctx context.Context) error {
	for _, stmt := range splitStatements(s.dialect.schema()) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	if err := s.ensureColumns(ctx); err != nil {
		return err
	}
	return s.ensureIndexes(ctx)
}

func (s *SQL) ensureColumns(ctx context.Context) error {
	tables := make([]string, 0, len(addedColumns))
	for table := range addedColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		columns, err := s.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		for _, col := range addedColumns[table] {
			if _, ok := columns[col.name]; ok {
				continue
			}
			if _, err := s.db.ExecContext(ctx, col.ddl); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
		}
	}
	return nil
}

func (s *SQL) ensureIndexes(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_findings_source ON findings(source)")
	return err
}

func (s *SQL) tableColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	var names []string
	var err error
	switch s.dialect.name {
	case BackendPostgres:
		err = s.db.SelectContext(ctx, &names,
			`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`, table)
	default:
		var rows *sql.Rows
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var cid, notNull, pk int
			var name, colType string
			var defaultValue sql.NullString
			if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
				return nil, err
			}
			names = append(names, name)
		}
		err = rows.Err()
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		out[name] = struct{}{}
	}
	return out, nil
}

func (s *SQL) tableNames(ctx context.Context) (map[string]struct{}, error) {
	var names []string
	var err error
	switch s.dialect.name {
	case BackendPostgres:
		err = s.db.SelectContext(ctx, &names,
			`SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema()`)
	default:
		err = s.db.SelectContext(ctx, &names, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		out[name] = struct{}{}
	}
	return out, nil
}

func (s *SQL) indexNames(ctx context.Context, table string) (map[string]struct{}, error) {
	var names []string
	var err error
	switch s.dialect.name {
	case BackendPostgres:
		err = s.db.SelectContext(ctx, &names,
			`SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND tablename = $1`, table)
	default:
		err = s.db.SelectContext(ctx, &names,
			`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?`, table)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(names))
	for _, name := range names {
		out[name] = struct{}{}
	}
	return out, nil
}

type MigrationDiagnostics struct {
	Healthy        bool                `json:"healthy"`
	MissingTables  []string            `json:"missing_tables"`
	MissingColumns map[string][]string `json:"missing_columns"`
	MissingIndexes map[string][]string `json:"missing_indexes"`
	TableCounts    map[string]int64    `json:"table_counts"`
}

// MigrationDiagnostics compares the live schema against the expected one
// without modifying it.
func (s *SQL) MigrationDiagnostics(ctx context.Context) (MigrationDiagnostics, error) {
	diag := MigrationDiagnostics{
		MissingColumns: map[string][]string{},
		MissingIndexes: map[string][]string{},
		TableCounts:    map[string]int64{},
	}
	present, err := s.tableNames(ctx)
	if err != nil {
		return diag, err
	}

	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		if _, ok := present[table]; !ok {
			diag.MissingTables = append(diag.MissingTables, table)
			continue
		}
		var count int64
		if err := s.db.GetContext(ctx, &count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
			return diag, err
		}
		diag.TableCounts[table] = count

		columns, err := s.tableColumns(ctx, table)
		if err != nil {
			return diag, err
		}
		for _, col := range requiredColumns[table] {
			if _, ok := columns[col]; !ok {
				diag.MissingColumns[table] = append(diag.MissingColumns[table], col)
			}
		}

		if want := requiredIndexes[table]; len(want) > 0 {
			indexes, err := s.indexNames(ctx, table)
			if err != nil {
				return diag, err
			}
			for _, idx := range want {
				if _, ok := indexes[idx]; !ok {
					diag.MissingIndexes[table] = append(diag.MissingIndexes[table], idx)
				}
			}
		}
	}
	diag.Healthy = len(diag.MissingTables) == 0 && len(diag.MissingColumns) == 0 && len(diag.MissingIndexes) == 0
	return diag, nil
}

func splitStatements(schema string) []string {
	parts := strings.Split(schema, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if stmt := strings.TrimSpace(p); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
