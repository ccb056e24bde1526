package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"riskgate/internal/api"
	"riskgate/internal/config"
	"riskgate/internal/coverage"
	"riskgate/internal/evidence"
	"riskgate/internal/jobqueue"
	"riskgate/internal/logging"
	"riskgate/internal/observability"
	"riskgate/internal/pipeline"
	"riskgate/internal/risk"
	"riskgate/internal/riskgate"
	"riskgate/internal/store"
)

const (
	auditComponent  = "riskd"
	shutdownTimeout = 10 * time.Second
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "riskd",
		Short:        "Release risk gate server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// server holds every long-lived dependency so run can close them in order.
type server struct {
	cfg      config.Config
	logger   *zap.Logger
	store    store.Store
	evidence evidence.Store
	queue    *jobqueue.Queue
	metrics  *observability.Metrics
	mapper   *coverage.Mapper
	svc      *pipeline.Service
}

func newServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*server, error) {
	st, err := store.Open(ctx, store.Options{
		Backend:     cfg.StorageBackend,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var archive evidence.Store
	if cfg.EvidenceUploadEnabled {
		archive, err = evidence.Open(ctx, evidence.Options{
			Backend:        cfg.EvidenceBackend,
			BadgerPath:     cfg.EvidencePath,
			GCSBucket:      cfg.EvidenceBucket,
			GCSCredentials: cfg.GCSCredentialsFile,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("open evidence store: %w", err)
		}
	}

	controls, err := coverage.LoadCatalog(cfg.ControlCatalogPath)
	if err != nil {
		_ = st.Close()
		if archive != nil {
			_ = archive.Close()
		}
		return nil, err
	}

	metrics := observability.New()
	queue := jobqueue.New(jobqueue.Config{
		MaxAttempts:  cfg.MaxJobRetries,
		MaxQueueSize: cfg.MaxJobQueueSize,
		Retention:    cfg.JobRetention,
		Workers:      cfg.WorkerPoolSize,
		Backoff:      cfg.RetryBackoff,
	}, jobqueue.WithLogger(logger), jobqueue.WithObserver(metrics))

	opts := []pipeline.Option{
		pipeline.WithLimits(pipeline.Limits{MaxReportsPerJob: cfg.MaxReportsPerJob, MaxReportBytes: cfg.MaxReportBytes}),
		pipeline.WithLogger(logger),
		pipeline.WithDecisionObserver(metrics),
	}
	if archive != nil {
		opts = append(opts, pipeline.WithEvidence(archive))
	}
	mapper := coverage.NewMapper(controls)
	svc := pipeline.New(st, risk.NewEngine(risk.DefaultConfig()), mapper, queue, opts...)

	return &server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		evidence: archive,
		queue:    queue,
		metrics:  metrics,
		mapper:   mapper,
		svc:      svc,
	}, nil
}

func (s *server) handler() http.Handler {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	return api.NewRouter(s.svc, api.Options{APIToken: s.cfg.APIToken, Logger: s.logger, Metrics: s.metrics})
}

// close drains the queue before closing the stores its workers write to.
func (s *server) close() error {
	s.queue.Close()
	var errs []error
	if s.evidence != nil {
		errs = append(errs, s.evidence.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		logging.Audit(logger, auditComponent, logging.LevelError, "riskd.startup", "", map[string]any{
			"status": "failed",
			"error":  err.Error(),
		})
		return err
	}
	defer func() {
		if err := srv.close(); err != nil {
			logging.Audit(logger, auditComponent, logging.LevelError, "riskd.shutdown", "", map[string]any{
				"error": err.Error(),
			})
		}
	}()

	logging.Audit(logger, auditComponent, logging.LevelInfo, "riskd.startup", "", map[string]any{
		"addr":             cfg.Addr,
		"storage_backend":  cfg.StorageBackend,
		"evidence_upload":  cfg.EvidenceUploadEnabled,
		"worker_pool_size": cfg.WorkerPoolSize,
		"max_job_retries":  cfg.MaxJobRetries,
		"retention_sec":    int(cfg.JobRetention.Seconds()),
		"controls":         len(srv.mapper.Controls()),
	})

	go runSweeper(ctx, srv.queue, cfg.SweepInterval, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Audit(logger, auditComponent, logging.LevelInfo, "riskd.listen", "", map[string]any{
			"addr":  cfg.Addr,
			"state": "starting",
		})
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server exited: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.Audit(logger, auditComponent, logging.LevelInfo, "riskd.shutdown", "", map[string]any{
		"state": "draining",
	})
	return httpServer.Shutdown(shutdownCtx)
}

// runSweeper purges expired jobs on every tick so memory is reclaimed even
// when nobody polls.
func runSweeper(ctx context.Context, q *jobqueue.Queue, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runID := riskgate.NewJobID()
			removed := q.Sweep()
			logging.Audit(logger, auditComponent, logging.LevelInfo, "riskd.sweep", runID, map[string]any{
				"removed": removed,
				"live":    q.Len(),
			})
		}
	}
}
