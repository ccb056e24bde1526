// Package store persists findings, release decisions, coverage, SBOMs, threat
// model graphs, pipeline events and the audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskgate/internal/riskgate"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Audit actions recorded by every mutating call.
const (
	ActionIngestFindings = "ingest_findings"
	ActionIngestSBOM     = "ingest_sbom"
	ActionCoverage       = "coverage_update"
	ActionGateEvaluate   = "gate_evaluate"
	ActionGraphUpdate    = "graph_update"
	ActionCollectorEvent = "collector_event"
)

var ErrUnknownBackend = errors.New("unknown storage backend")

// Store is safe for concurrent use by API handlers and job workers.
type Store interface {
	AddFindings(ctx context.Context, findings []riskgate.Finding) (int, error)
	ListFindings(ctx context.Context) ([]riskgate.Finding, error)
	AddSBOM(ctx context.Context, sbom riskgate.SbomDocument) error
	HasSBOM(ctx context.Context, releaseID string) (bool, error)
	// AddCoverage replaces every coverage row of the release.
	AddCoverage(ctx context.Context, releaseID string, rows []riskgate.Coverage) (int, error)
	GetCoverage(ctx context.Context, releaseID string) ([]riskgate.Coverage, error)
	AddRelease(ctx context.Context, releaseID string, score float64, decision riskgate.GateDecision) error
	GetRelease(ctx context.Context, releaseID string) (riskgate.ReleaseRecord, bool, error)
	UpsertGraph(ctx context.Context, serviceID string, nodes []riskgate.RiskNode, edges []riskgate.RiskEdge) error
	GetGraph(ctx context.Context, serviceID string) (riskgate.Graph, error)
	// HasGraph reports whether the service graph has at least one node.
	HasGraph(ctx context.Context, serviceID string) (bool, error)
	AddEvent(ctx context.Context, event riskgate.PipelineEvent) error
	AddAudit(ctx context.Context, action string, details map[string]any) error
	ListAudit(ctx context.Context) ([]riskgate.AuditEntry, error)
	Close() error
}

type Options struct {
	Backend     string
	SQLitePath  string
	PostgresDSN string
	Now         func() time.Time
}

// Open returns the backend named by opts.Backend. An empty backend is memory.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(opts.Now), nil
	case BackendSQLite:
		s, err := OpenSQLite(ctx, opts.SQLitePath, opts.Now)
		if err != nil {
			return nil, err
		}
		return s, nil
	case BackendPostgres:
		s, err := OpenPostgres(ctx, opts.PostgresDSN, opts.Now)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}

func findingsDetails(n int) map[string]any {
	return map[string]any{"count": n}
}

func sbomDetails(sbom riskgate.SbomDocument) map[string]any {
	return map[string]any{"release_id": sbom.ReleaseID, "packages": len(sbom.Packages)}
}

func coverageDetails(releaseID string, n int) map[string]any {
	return map[string]any{"release_id": releaseID, "count": n}
}

func releaseDetails(releaseID string, score float64, decision riskgate.GateDecision) map[string]any {
	return map[string]any{"release_id": releaseID, "score": score, "result": decision.Result}
}

func graphDetails(serviceID string, nodes, edges int) map[string]any {
	return map[string]any{"service_id": serviceID, "nodes": nodes, "edges": edges}
}

func eventDetails(event riskgate.PipelineEvent) map[string]any {
	return map[string]any{"pipeline_id": event.PipelineID, "repo": event.Repo}
}

func nowFunc(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
