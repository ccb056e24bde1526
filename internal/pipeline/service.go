// Package pipeline composes normalization, scoring, coverage, persistence and
// the job queue into the operations exposed over HTTP.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"riskgate/internal/coverage"
	"riskgate/internal/evidence"
	"riskgate/internal/jobqueue"
	"riskgate/internal/logging"
	"riskgate/internal/risk"
	"riskgate/internal/riskgate"
	"riskgate/internal/store"
	"riskgate/internal/threatmodel"
)

const (
	component = "pipeline"

	// ScannerBatchFn names the async scanner batch unit of work.
	ScannerBatchFn = "scanner_batch_pipeline"

	unknownService = "unknown"
)

// DecisionObserver is notified of every gate decision the service records.
type DecisionObserver interface {
	ObserveDecision(result string)
}

type Limits struct {
	MaxReportsPerJob int
	MaxReportBytes   int
}

func DefaultLimits() Limits {
	return Limits{MaxReportsPerJob: 50, MaxReportBytes: 1 << 20}
}

type Service struct {
	store    store.Store
	engine   *risk.Engine
	mapper   *coverage.Mapper
	queue    *jobqueue.Queue
	evidence evidence.Store
	limits   Limits
	logger   *zap.Logger
	observer DecisionObserver
}

type Option func(*Service)

// WithEvidence enables archiving raw scanner reports.
func WithEvidence(e evidence.Store) Option {
	return func(s *Service) { s.evidence = e }
}

func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithDecisionObserver(o DecisionObserver) Option {
	return func(s *Service) { s.observer = o }
}

func New(st store.Store, engine *risk.Engine, mapper *coverage.Mapper, queue *jobqueue.Queue, opts ...Option) *Service {
	s := &Service{
		store:  st,
		engine: engine,
		mapper: mapper,
		queue:  queue,
		limits: DefaultLimits(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Limits() Limits {
	return s.limits
}

// Evaluate scores the findings, stores the release decision and replaces the
// release coverage.
func (s *Service) Evaluate(ctx context.Context, req riskgate.GateEvaluateRequest) (riskgate.GateDecision, error) {
	if err := riskgate.Validate(req); err != nil {
		return riskgate.GateDecision{}, err
	}
	return s.evaluateAndRecord(ctx, req.ReleaseID, req.Findings, req.AssetContext, req.Exceptions)
}

func (s *Service) evaluateAndRecord(ctx context.Context, releaseID string, findings []riskgate.Finding, asset riskgate.AssetContext, exceptions []riskgate.RiskException) (riskgate.GateDecision, error) {
	decision := s.engine.EvaluateGate(findings, asset, exceptions)
	if err := s.store.AddRelease(ctx, releaseID, decision.Score, decision); err != nil {
		return riskgate.GateDecision{}, fmt.Errorf("store release %s: %w", releaseID, err)
	}
	if s.observer != nil {
		s.observer.ObserveDecision(decision.Result)
	}

	serviceID := unknownService
	if len(findings) > 0 {
		serviceID = findings[0].Asset.Service
	}
	hasSBOM, err := s.store.HasSBOM(ctx, releaseID)
	if err != nil {
		return riskgate.GateDecision{}, fmt.Errorf("check sbom %s: %w", releaseID, err)
	}
	hasModel, err := s.store.HasGraph(ctx, serviceID)
	if err != nil {
		return riskgate.GateDecision{}, fmt.Errorf("check graph %s: %w", serviceID, err)
	}
	rows := s.mapper.Build(releaseID, decision, coverage.Signals{
		HasSBOM:        hasSBOM,
		HasModel:       hasModel,
		FindingSources: coverage.SortedSources(findings),
	})
	if _, err := s.store.AddCoverage(ctx, releaseID, rows); err != nil {
		return riskgate.GateDecision{}, fmt.Errorf("store coverage %s: %w", releaseID, err)
	}

	logging.Audit(s.logger, component, logging.LevelInfo, "gate_evaluate", requestID(ctx), map[string]any{
		"release_id": releaseID,
		"result":     decision.Result,
		"score":      decision.Score,
		"findings":   len(findings),
		"controls":   len(rows),
	})
	return decision, nil
}

func (s *Service) IngestFindings(ctx context.Context, findings []riskgate.Finding) (int, error) {
	for i := range findings {
		if err := riskgate.Validate(findings[i]); err != nil {
			return 0, err
		}
	}
	return s.store.AddFindings(ctx, findings)
}

func (s *Service) IngestReport(ctx context.Context, req riskgate.ScannerReportRequest) (riskgate.ScannerIngestResponse, error) {
	if err := s.checkReports([]riskgate.ScannerReportRequest{req}); err != nil {
		return riskgate.ScannerIngestResponse{}, err
	}
	parsed, err := s.parseReports(ctx, []riskgate.ScannerReportRequest{req})
	if err != nil {
		return riskgate.ScannerIngestResponse{}, err
	}
	findings := parsed[0]
	count, err := s.store.AddFindings(ctx, findings)
	if err != nil {
		return riskgate.ScannerIngestResponse{}, err
	}
	return riskgate.ScannerIngestResponse{Ingested: count, Findings: findings}, nil
}

func (s *Service) IngestBatch(ctx context.Context, req riskgate.ScannerBatchRequest) (riskgate.ScannerBatchIngestResponse, error) {
	if err := s.checkReports(req.Reports); err != nil {
		return riskgate.ScannerBatchIngestResponse{}, err
	}
	parsed, err := s.parseReports(ctx, req.Reports)
	if err != nil {
		return riskgate.ScannerBatchIngestResponse{}, err
	}
	findings, byTool := flatten(req.Reports, parsed)
	count, err := s.store.AddFindings(ctx, findings)
	if err != nil {
		return riskgate.ScannerBatchIngestResponse{}, err
	}
	return riskgate.ScannerBatchIngestResponse{Ingested: count, ByTool: byTool, Findings: findings}, nil
}

// SubmitScannerBatch validates the batch and enqueues it. Validation errors
// are returned before anything is queued.
func (s *Service) SubmitScannerBatch(ctx context.Context, req riskgate.AsyncScannerBatchRequest, idempotencyKey string) (riskgate.JobStatusResponse, error) {
	if err := riskgate.Validate(req); err != nil {
		return riskgate.JobStatusResponse{}, err
	}
	if err := s.checkReports(req.Reports); err != nil {
		return riskgate.JobStatusResponse{}, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return riskgate.JobStatusResponse{}, fmt.Errorf("encode batch payload: %w", err)
	}
	rec, created, err := s.queue.Enqueue(ScannerBatchFn, payload, s.ScannerBatchWorker(), idempotencyKey)
	if err != nil {
		return riskgate.JobStatusResponse{}, err
	}
	event := "scanner_batch_submitted"
	if !created {
		event = "scanner_batch_deduplicated"
	}
	logging.Audit(s.logger, component, logging.LevelInfo, event, requestID(ctx), map[string]any{
		"job_id":     rec.JobID,
		"release_id": req.ReleaseID,
		"reports":    len(req.Reports),
	})
	return jobResponse(rec), nil
}

// JobStatus never fails: an unknown id yields a failed job_not_found record.
func (s *Service) JobStatus(jobID string) riskgate.JobStatusResponse {
	rec, ok := s.queue.Get(jobID)
	if !ok {
		return riskgate.JobStatusResponse{
			JobID:       jobID,
			Status:      riskgate.StatusFailed,
			MaxAttempts: s.queue.Config().MaxAttempts,
			Error:       "job_not_found",
		}
	}
	return jobResponse(rec)
}

// ReleaseRisk returns the stored decision with all known findings, or a warn
// sentinel when the release has never been evaluated.
func (s *Service) ReleaseRisk(ctx context.Context, releaseID string) (riskgate.RiskReleaseResponse, error) {
	rec, ok, err := s.store.GetRelease(ctx, releaseID)
	if err != nil {
		return riskgate.RiskReleaseResponse{}, err
	}
	if !ok {
		return riskgate.RiskReleaseResponse{
			ReleaseID: releaseID,
			Decision: riskgate.GateDecision{
				Result:        riskgate.DecisionWarn,
				Reasons:       []string{"release_not_found"},
				Evidence:      []string{},
				PolicyVersion: "unknown",
			},
			Findings: []riskgate.Finding{},
		}, nil
	}
	findings, err := s.store.ListFindings(ctx)
	if err != nil {
		return riskgate.RiskReleaseResponse{}, err
	}
	return riskgate.RiskReleaseResponse{ReleaseID: releaseID, Score: rec.Score, Decision: rec.Decision, Findings: findings}, nil
}

func (s *Service) Compliance(ctx context.Context, releaseID string) (riskgate.ComplianceReleaseResponse, error) {
	rows, err := s.store.GetCoverage(ctx, releaseID)
	if err != nil {
		return riskgate.ComplianceReleaseResponse{}, err
	}
	return riskgate.ComplianceReleaseResponse{
		ReleaseID:  releaseID,
		Frameworks: coverage.SummarizeFrameworks(rows),
		Controls:   rows,
	}, nil
}

func (s *Service) IngestCoverage(ctx context.Context, req riskgate.CoverageBatchRequest) (int, error) {
	if err := riskgate.Validate(req); err != nil {
		return 0, err
	}
	return s.store.AddCoverage(ctx, req.ReleaseID, req.Coverage)
}

func (s *Service) IngestSBOM(ctx context.Context, sbom riskgate.SbomDocument) (int, error) {
	if err := riskgate.Validate(sbom); err != nil {
		return 0, err
	}
	if err := s.store.AddSBOM(ctx, sbom); err != nil {
		return 0, err
	}
	return len(sbom.Packages), nil
}

// GenerateModel builds the baseline threat model and stores it as the
// service graph.
func (s *Service) GenerateModel(ctx context.Context, req riskgate.ModelGenerateRequest) (riskgate.ModelGenerateResponse, error) {
	if err := riskgate.Validate(req); err != nil {
		return riskgate.ModelGenerateResponse{}, err
	}
	model := threatmodel.Generate(req.Repo, req.CommitSHA)
	if err := s.store.UpsertGraph(ctx, model.ServiceID, model.Nodes, model.Edges); err != nil {
		return riskgate.ModelGenerateResponse{}, err
	}
	return model, nil
}

func (s *Service) Graph(ctx context.Context, serviceID string) (riskgate.Graph, error) {
	return s.store.GetGraph(ctx, serviceID)
}

func (s *Service) RecordEvent(ctx context.Context, event riskgate.PipelineEvent) error {
	if err := riskgate.Validate(event); err != nil {
		return err
	}
	return s.store.AddEvent(ctx, event)
}

func (s *Service) Audit(ctx context.Context) ([]riskgate.AuditEntry, error) {
	return s.store.ListAudit(ctx)
}

func jobResponse(rec jobqueue.Record) riskgate.JobStatusResponse {
	created := rec.CreatedAt
	return riskgate.JobStatusResponse{
		JobID:          rec.JobID,
		Status:         rec.Status,
		Attempts:       rec.Attempts,
		MaxAttempts:    rec.MaxAttempts,
		IdempotencyKey: rec.IdempotencyKey,
		Result:         rec.Result,
		Error:          rec.Error,
		CreatedAt:      &created,
		FinishedAt:     rec.FinishedAt,
	}
}

type requestIDKey struct{}

// WithRequestID tags ctx so audit events can be correlated with the request.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
