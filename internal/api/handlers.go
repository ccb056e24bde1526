package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"riskgate/internal/jobqueue"
	"riskgate/internal/logging"
	"riskgate/internal/normalize"
	"riskgate/internal/riskgate"
)

func (h *Handlers) HandleEvent(c *gin.Context) {
	var event riskgate.PipelineEvent
	if !h.bind(c, "api.collector_event", &event) {
		return
	}
	if err := h.svc.RecordEvent(c.Request.Context(), event); err != nil {
		h.fail(c, "api.collector_event", err)
		return
	}
	h.ok(c, "api.collector_event", http.StatusOK, gin.H{"status": "accepted"}, map[string]any{
		"pipeline_id": event.PipelineID,
	})
}

func (h *Handlers) HandleFindingsBatch(c *gin.Context) {
	var req riskgate.FindingBatchRequest
	if !h.bind(c, "api.ingest_findings", &req) {
		return
	}
	n, err := h.svc.IngestFindings(c.Request.Context(), req.Findings)
	if err != nil {
		h.fail(c, "api.ingest_findings", err)
		return
	}
	h.ok(c, "api.ingest_findings", http.StatusOK, gin.H{"ingested": n}, map[string]any{"ingested": n})
}

func (h *Handlers) HandleScannerReport(c *gin.Context) {
	var req riskgate.ScannerReportRequest
	if !h.bind(c, "api.ingest_scanner_report", &req) {
		return
	}
	resp, err := h.svc.IngestReport(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "api.ingest_scanner_report", err)
		return
	}
	h.ok(c, "api.ingest_scanner_report", http.StatusOK, resp, map[string]any{
		"tool":     req.Tool,
		"ingested": resp.Ingested,
	})
}

func (h *Handlers) HandleScannerBatch(c *gin.Context) {
	var req riskgate.ScannerBatchRequest
	if !h.bind(c, "api.ingest_scanner_batch", &req) {
		return
	}
	resp, err := h.svc.IngestBatch(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "api.ingest_scanner_batch", err)
		return
	}
	h.ok(c, "api.ingest_scanner_batch", http.StatusOK, resp, map[string]any{
		"reports":  len(req.Reports),
		"ingested": resp.Ingested,
	})
}

func (h *Handlers) HandleSubmitScannerBatch(c *gin.Context) {
	var req riskgate.AsyncScannerBatchRequest
	if !h.bind(c, "api.jobs_submit", &req) {
		return
	}
	key := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	resp, err := h.svc.SubmitScannerBatch(c.Request.Context(), req, key)
	if err != nil {
		h.fail(c, "api.jobs_submit", err)
		return
	}
	h.ok(c, "api.jobs_submit", http.StatusAccepted, resp, map[string]any{
		"job_id":          resp.JobID,
		"release_id":      req.ReleaseID,
		"idempotency_key": key,
	})
}

func (h *Handlers) HandleJobStatus(c *gin.Context) {
	resp := h.svc.JobStatus(c.Param("job_id"))
	h.ok(c, "api.jobs_get", http.StatusOK, resp, map[string]any{
		"job_id": resp.JobID,
		"status": resp.Status,
	})
}

func (h *Handlers) HandleSBOM(c *gin.Context) {
	var sbom riskgate.SbomDocument
	if !h.bind(c, "api.ingest_sbom", &sbom) {
		return
	}
	n, err := h.svc.IngestSBOM(c.Request.Context(), sbom)
	if err != nil {
		h.fail(c, "api.ingest_sbom", err)
		return
	}
	h.ok(c, "api.ingest_sbom", http.StatusOK, gin.H{"status": "ingested", "packages": n}, map[string]any{
		"release_id": sbom.ReleaseID,
		"packages":   n,
	})
}

func (h *Handlers) HandleCoverageBatch(c *gin.Context) {
	var req riskgate.CoverageBatchRequest
	if !h.bind(c, "api.ingest_coverage", &req) {
		return
	}
	n, err := h.svc.IngestCoverage(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "api.ingest_coverage", err)
		return
	}
	h.ok(c, "api.ingest_coverage", http.StatusOK, gin.H{"ingested": n}, map[string]any{
		"release_id": req.ReleaseID,
		"ingested":   n,
	})
}

func (h *Handlers) HandleModelGenerate(c *gin.Context) {
	var req riskgate.ModelGenerateRequest
	if !h.bind(c, "api.model_generate", &req) {
		return
	}
	resp, err := h.svc.GenerateModel(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "api.model_generate", err)
		return
	}
	h.ok(c, "api.model_generate", http.StatusOK, resp, map[string]any{
		"release_id": resp.ReleaseID,
		"nodes":      len(resp.Nodes),
	})
}

func (h *Handlers) HandleGraph(c *gin.Context) {
	serviceID := c.Param("service_id")
	graph, err := h.svc.Graph(c.Request.Context(), serviceID)
	if err != nil {
		h.fail(c, "api.graph_get", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"service_id": serviceID, "nodes": graph.Nodes, "edges": graph.Edges})
}

func (h *Handlers) HandleGateEvaluate(c *gin.Context) {
	var req riskgate.GateEvaluateRequest
	if !h.bind(c, "api.gate_evaluate", &req) {
		return
	}
	decision, err := h.svc.Evaluate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, "api.gate_evaluate", err)
		return
	}
	h.ok(c, "api.gate_evaluate", http.StatusOK, decision, map[string]any{
		"release_id": req.ReleaseID,
		"result":     decision.Result,
		"score":      decision.Score,
	})
}

func (h *Handlers) HandleReleaseRisk(c *gin.Context) {
	resp, err := h.svc.ReleaseRisk(c.Request.Context(), c.Param("release_id"))
	if err != nil {
		h.fail(c, "api.release_risk", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) HandleCompliance(c *gin.Context) {
	resp, err := h.svc.Compliance(c.Request.Context(), c.Param("release_id"))
	if err != nil {
		h.fail(c, "api.compliance", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) HandleAudit(c *gin.Context) {
	entries, err := h.svc.Audit(c.Request.Context())
	if err != nil {
		h.fail(c, "api.audit", err)
		return
	}
	if entries == nil {
		entries = []riskgate.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// bind decodes the JSON body; a body that does not decode is a 400.
func (h *Handlers) bind(c *gin.Context, event string, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		logging.Audit(h.logger, auditComponent, logging.LevelWarn, event, requestIDFrom(c), map[string]any{
			"status_code": http.StatusBadRequest,
			"error":       err.Error(),
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	return true
}

func (h *Handlers) fail(c *gin.Context, event string, err error) {
	status := statusFor(err)
	level := logging.LevelWarn
	msg := err.Error()
	if status == http.StatusInternalServerError {
		level = logging.LevelError
		msg = "internal error"
	}
	logging.Audit(h.logger, auditComponent, level, event, requestIDFrom(c), map[string]any{
		"status_code": status,
		"error":       err.Error(),
	})
	c.JSON(status, gin.H{"error": msg})
}

func (h *Handlers) ok(c *gin.Context, event string, status int, body any, fields map[string]any) {
	fields["status_code"] = status
	logging.Audit(h.logger, auditComponent, logging.LevelInfo, event, requestIDFrom(c), fields)
	c.JSON(status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, riskgate.ErrValidation), errors.Is(err, normalize.ErrUnsupportedTool):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobqueue.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, jobqueue.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
