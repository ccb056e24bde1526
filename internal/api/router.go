// Package api exposes the pipeline service over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"riskgate/internal/observability"
	"riskgate/internal/pipeline"
)

const (
	authHeaderName       = "X-API-Token"
	requestIDHeader      = "X-Request-ID"
	idempotencyKeyHeader = "Idempotency-Key"
	auditComponent       = "api"
	requestIDContextKey  = "request_id"
)

type Options struct {
	// APIToken guards /api/v1. An empty token disables the check.
	APIToken string
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

type Handlers struct {
	svc    *pipeline.Service
	logger *zap.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(svc *pipeline.Service, opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handlers{svc: svc, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), requestID())
	if opts.Metrics != nil {
		router.Use(observeRequests(opts.Metrics))
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1", withAuth(opts.APIToken))
	RegisterRoutes(v1, h)
	return router
}

// RegisterRoutes registers the /api/v1 endpoints on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.POST("/collector/events", h.HandleEvent)

	ingest := rg.Group("/ingest")
	{
		ingest.POST("/findings/batch", h.HandleFindingsBatch)
		ingest.POST("/scanner/report", h.HandleScannerReport)
		ingest.POST("/scanner/batch", h.HandleScannerBatch)
		ingest.POST("/sbom", h.HandleSBOM)
		ingest.POST("/coverage/batch", h.HandleCoverageBatch)
	}

	rg.POST("/jobs/scanner/batch", h.HandleSubmitScannerBatch)
	rg.GET("/jobs/:job_id", h.HandleJobStatus)

	rg.POST("/model/generate", h.HandleModelGenerate)
	rg.GET("/graph/service/:service_id", h.HandleGraph)

	rg.POST("/gate/evaluate", h.HandleGateEvaluate)
	rg.GET("/risk/release/:release_id", h.HandleReleaseRisk)
	rg.GET("/compliance/release/:release_id", h.HandleCompliance)

	rg.GET("/audit", h.HandleAudit)
}
