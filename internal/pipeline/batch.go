package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"riskgate/internal/evidence"
	"riskgate/internal/jobqueue"
	"riskgate/internal/normalize"
	"riskgate/internal/riskgate"
)

const parseConcurrency = 4

// checkReports enforces the batch limits and rejects unknown tools.
func (s *Service) checkReports(reports []riskgate.ScannerReportRequest) error {
	if len(reports) == 0 {
		return riskgate.Validationf("at least one report is required")
	}
	if s.limits.MaxReportsPerJob > 0 && len(reports) > s.limits.MaxReportsPerJob {
		return riskgate.Validationf("batch has %d reports, limit is %d", len(reports), s.limits.MaxReportsPerJob)
	}
	for i := range reports {
		if err := riskgate.Validate(reports[i]); err != nil {
			return err
		}
		if _, err := normalize.ParseTool(reports[i].Tool); err != nil {
			return riskgate.Validationf("report %d: %v", i, err)
		}
		if err := reports[i].CheckSize(s.limits.MaxReportBytes); err != nil {
			return err
		}
	}
	return nil
}

// parseReports normalizes reports concurrently. Result i holds the findings
// of report i.
func (s *Service) parseReports(ctx context.Context, reports []riskgate.ScannerReportRequest) ([][]riskgate.Finding, error) {
	out := make([][]riskgate.Finding, len(reports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseConcurrency)
	for i := range reports {
		g.Go(func() error {
			req := reports[i]
			uri, err := s.archive(gctx, req)
			if err != nil {
				return err
			}
			req.EvidenceURI = uri
			findings, err := normalize.ParseRequest(req)
			if err != nil {
				return err
			}
			out[i] = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// archive stores the raw report when evidence upload is enabled and returns
// the URI findings should reference.
func (s *Service) archive(ctx context.Context, req riskgate.ScannerReportRequest) (string, error) {
	if s.evidence == nil {
		return req.EvidenceURI, nil
	}
	key := evidence.ReportKey(req.Tool, req.EvidenceURI)
	uri, err := s.evidence.PutJSON(ctx, key, req.Report)
	if err != nil {
		return "", fmt.Errorf("archive %s report: %w", req.Tool, err)
	}
	return uri, nil
}

func flatten(reports []riskgate.ScannerReportRequest, parsed [][]riskgate.Finding) ([]riskgate.Finding, map[string]int) {
	byTool := make(map[string]int)
	var all []riskgate.Finding
	for i, findings := range parsed {
		all = append(all, findings...)
		byTool[reports[i].Tool] += len(findings)
	}
	if all == nil {
		all = []riskgate.Finding{}
	}
	return all, byTool
}

// ScannerBatchWorker returns the unit of work run by the job queue for
// submitted scanner batches. Every step is safe to repeat on retry: findings
// and releases are upserts and coverage replaces the release rows.
func (s *Service) ScannerBatchWorker() jobqueue.Worker {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var req riskgate.AsyncScannerBatchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode batch payload: %w", err)
		}
		parsed, err := s.parseReports(ctx, req.Reports)
		if err != nil {
			return nil, err
		}
		findings, byTool := flatten(req.Reports, parsed)
		if _, err := s.store.AddFindings(ctx, findings); err != nil {
			return nil, fmt.Errorf("store findings: %w", err)
		}
		decision, err := s.evaluateAndRecord(ctx, req.ReleaseID, findings, req.AssetContext, req.Exceptions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(riskgate.BatchSummary{
			ReleaseID: req.ReleaseID,
			Ingested:  len(findings),
			ByTool:    byTool,
			Decision:  decision,
		})
	}
}
