package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"riskgate/internal/riskgate"
)

// SQL is the relational backend shared by SQLite and Postgres. Queries are
// written with '?' placeholders and rebound for the driver.
type SQL struct {
	db      *sqlx.DB
	dialect dialect
	now     func() time.Time
}

func OpenSQLite(ctx context.Context, path string, now func() time.Time) (*SQL, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sqlx.Open(sqliteDialect.driver, path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return newSQL(ctx, db, sqliteDialect, now)
}

func OpenPostgres(ctx context.Context, dsn string, now func() time.Time) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sqlx.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQL(ctx, db, postgresDialect, now)
}

func newSQL(ctx context.Context, db *sqlx.DB, d dialect, now func() time.Time) (*SQL, error) {
	s := &SQL{db: db, dialect: d, now: nowFunc(now)}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) stamp() int64 {
	return s.now().UTC().UnixNano()
}

// withTx runs fn in a transaction and appends the audit entry before commit.
func (s *SQL) withTx(ctx context.Context, action string, details map[string]any, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if fn != nil {
		if err := fn(tx); err != nil {
			return err
		}
	}
	if err := s.insertAudit(ctx, tx, action, details); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQL) insertAudit(ctx context.Context, tx *sqlx.Tx, action string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO audit_log (action, details, created_at) VALUES (?, ?, ?)`),
		action, string(raw), s.stamp())
	return err
}

func (s *SQL) AddFindings(ctx context.Context, findings []riskgate.Finding) (int, error) {
	ts := s.stamp()
	err := s.withTx(ctx, ActionIngestFindings, findingsDetails(len(findings)), func(tx *sqlx.Tx) error {
		query := tx.Rebind(`INSERT INTO findings (id, payload, source, severity, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				payload = excluded.payload,
				source = excluded.source,
				severity = excluded.severity,
				updated_at = excluded.updated_at`)
		for _, f := range findings {
			payload, err := json.Marshal(f)
			if err != nil {
				return fmt.Errorf("marshal finding %s: %w", f.ID, err)
			}
			if _, err := tx.ExecContext(ctx, query, f.ID, string(payload), f.Source, string(f.Severity), ts, ts); err != nil {
				return fmt.Errorf("upsert finding %s: %w", f.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(findings), nil
}

func (s *SQL) ListFindings(ctx context.Context) ([]riskgate.Finding, error) {
	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, `SELECT payload FROM findings ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]riskgate.Finding, 0, len(payloads))
	for _, p := range payloads {
		var f riskgate.Finding
		if err := json.Unmarshal([]byte(p), &f); err != nil {
			return nil, fmt.Errorf("decode finding: %w", err)
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *SQL) AddSBOM(ctx context.Context, sbom riskgate.SbomDocument) error {
	payload, err := json.Marshal(sbom)
	if err != nil {
		return fmt.Errorf("marshal sbom: %w", err)
	}
	return s.withTx(ctx, ActionIngestSBOM, sbomDetails(sbom), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sboms (release_id, payload, created_at) VALUES (?, ?, ?)
			ON CONFLICT (release_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`),
			sbom.ReleaseID, string(payload), s.stamp())
		return err
	})
}

func (s *SQL) HasSBOM(ctx context.Context, releaseID string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM sboms WHERE release_id = ?`, releaseID)
}

func (s *SQL) AddCoverage(ctx context.Context, releaseID string, rows []riskgate.Coverage) (int, error) {
	err := s.withTx(ctx, ActionCoverage, coverageDetails(releaseID, len(rows)), func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM coverage WHERE release_id = ?`), releaseID); err != nil {
			return err
		}
		query := tx.Rebind(`INSERT INTO coverage (release_id, position, control_id, covered, evidence_uri, confidence)
			VALUES (?, ?, ?, ?, ?, ?)`)
		for i, row := range rows {
			if _, err := tx.ExecContext(ctx, query, releaseID, i, row.ControlID, boolToInt(row.Covered), row.EvidenceURI, row.Confidence); err != nil {
				return fmt.Errorf("insert coverage %s: %w", row.ControlID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

type coverageRow struct {
	ReleaseID   string  `db:"release_id"`
	ControlID   string  `db:"control_id"`
	Covered     int     `db:"covered"`
	EvidenceURI string  `db:"evidence_uri"`
	Confidence  float64 `db:"confidence"`
}

func (s *SQL) GetCoverage(ctx context.Context, releaseID string) ([]riskgate.Coverage, error) {
	var rows []coverageRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT release_id, control_id, covered, evidence_uri, confidence
		FROM coverage WHERE release_id = ? ORDER BY position`), releaseID)
	if err != nil {
		return nil, err
	}
	out := make([]riskgate.Coverage, 0, len(rows))
	for _, r := range rows {
		out = append(out, riskgate.Coverage{
			ReleaseID:   r.ReleaseID,
			ControlID:   r.ControlID,
			Covered:     r.Covered != 0,
			EvidenceURI: r.EvidenceURI,
			Confidence:  r.Confidence,
		})
	}
	return out, nil
}

func (s *SQL) AddRelease(ctx context.Context, releaseID string, score float64, decision riskgate.GateDecision) error {
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return s.withTx(ctx, ActionGateEvaluate, releaseDetails(releaseID, score, decision), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO releases (release_id, score, decision_payload, policy_version, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (release_id) DO UPDATE SET
				score = excluded.score,
				decision_payload = excluded.decision_payload,
				policy_version = excluded.policy_version,
				updated_at = excluded.updated_at`),
			releaseID, score, string(payload), decision.PolicyVersion, s.stamp())
		return err
	})
}

func (s *SQL) GetRelease(ctx context.Context, releaseID string) (riskgate.ReleaseRecord, bool, error) {
	var row struct {
		ReleaseID string  `db:"release_id"`
		Score     float64 `db:"score"`
		Payload   string  `db:"decision_payload"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT release_id, score, decision_payload FROM releases WHERE release_id = ?`), releaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return riskgate.ReleaseRecord{}, false, nil
	}
	if err != nil {
		return riskgate.ReleaseRecord{}, false, err
	}
	rec := riskgate.ReleaseRecord{ReleaseID: row.ReleaseID, Score: row.Score}
	if err := json.Unmarshal([]byte(row.Payload), &rec.Decision); err != nil {
		return riskgate.ReleaseRecord{}, false, fmt.Errorf("decode decision: %w", err)
	}
	return rec, true, nil
}

func (s *SQL) UpsertGraph(ctx context.Context, serviceID string, nodes []riskgate.RiskNode, edges []riskgate.RiskEdge) error {
	return s.withTx(ctx, ActionGraphUpdate, graphDetails(serviceID, len(nodes), len(edges)), func(tx *sqlx.Tx) error {
		for _, table := range []string{"graph_nodes", "graph_edges"} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE service_id = ?`, table)), serviceID); err != nil {
				return err
			}
		}
		nodeQuery := tx.Rebind(`INSERT INTO graph_nodes (service_id, position, node_id, node_type, label, risk_score) VALUES (?, ?, ?, ?, ?, ?)`)
		for i, n := range nodes {
			if _, err := tx.ExecContext(ctx, nodeQuery, serviceID, i, n.ID, n.NodeType, n.Label, n.RiskScore); err != nil {
				return fmt.Errorf("insert node %s: %w", n.ID, err)
			}
		}
		edgeQuery := tx.Rebind(`INSERT INTO graph_edges (service_id, position, source, target, relation) VALUES (?, ?, ?, ?, ?)`)
		for i, e := range edges {
			if _, err := tx.ExecContext(ctx, edgeQuery, serviceID, i, e.Source, e.Target, e.Relation); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.Source, e.Target, err)
			}
		}
		return nil
	})
}

func (s *SQL) GetGraph(ctx context.Context, serviceID string) (riskgate.Graph, error) {
	g := riskgate.Graph{Nodes: []riskgate.RiskNode{}, Edges: []riskgate.RiskEdge{}}
	var nodes []struct {
		ID        string  `db:"node_id"`
		NodeType  string  `db:"node_type"`
		Label     string  `db:"label"`
		RiskScore float64 `db:"risk_score"`
	}
	if err := s.db.SelectContext(ctx, &nodes, s.db.Rebind(`SELECT node_id, node_type, label, risk_score
		FROM graph_nodes WHERE service_id = ? ORDER BY position`), serviceID); err != nil {
		return g, err
	}
	for _, n := range nodes {
		g.Nodes = append(g.Nodes, riskgate.RiskNode{ID: n.ID, NodeType: n.NodeType, Label: n.Label, RiskScore: n.RiskScore})
	}
	var edges []struct {
		Source   string `db:"source"`
		Target   string `db:"target"`
		Relation string `db:"relation"`
	}
	if err := s.db.SelectContext(ctx, &edges, s.db.Rebind(`SELECT source, target, relation
		FROM graph_edges WHERE service_id = ? ORDER BY position`), serviceID); err != nil {
		return g, err
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, riskgate.RiskEdge{Source: e.Source, Target: e.Target, Relation: e.Relation})
	}
	return g, nil
}

func (s *SQL) HasGraph(ctx context.Context, serviceID string) (bool, error) {
	return s.exists(ctx, `SELECT COUNT(*) FROM graph_nodes WHERE service_id = ?`, serviceID)
}

func (s *SQL) AddEvent(ctx context.Context, event riskgate.PipelineEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.withTx(ctx, ActionCollectorEvent, eventDetails(event), func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO events (pipeline_id, repo, payload, created_at) VALUES (?, ?, ?, ?)`),
			event.PipelineID, event.Repo, string(payload), s.stamp())
		return err
	})
}

func (s *SQL) AddAudit(ctx context.Context, action string, details map[string]any) error {
	return s.withTx(ctx, action, details, nil)
}

func (s *SQL) ListAudit(ctx context.Context) ([]riskgate.AuditEntry, error) {
	var rows []struct {
		Action    string `db:"action"`
		Details   string `db:"details"`
		CreatedAt int64  `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT action, details, created_at FROM audit_log ORDER BY id ASC`); err != nil {
		return nil, err
	}
	out := make([]riskgate.AuditEntry, 0, len(rows))
	for _, r := range rows {
		entry := riskgate.AuditEntry{Action: r.Action, Details: map[string]any{}, CreatedAt: time.Unix(0, r.CreatedAt).UTC()}
		if err := json.Unmarshal([]byte(r.Details), &entry.Details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *SQL) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), args...); err != nil {
		return false, err
	}
	return count > 0, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
