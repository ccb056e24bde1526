// Package config resolves server settings. Precedence per field is
// flag > RISKGATE_* environment variable > YAML file > default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const EnvConfigPath = "RISKGATE_CONFIG"

type Config struct {
	Addr               string
	APIToken           string
	Debug              bool
	ControlCatalogPath string

	StorageBackend string
	SQLitePath     string
	PostgresDSN    string

	EvidenceUploadEnabled bool
	EvidenceBackend       string
	EvidencePath          string
	EvidenceBucket        string
	GCSCredentialsFile    string

	MaxJobRetries    int
	MaxJobQueueSize  int
	MaxReportsPerJob int
	MaxReportBytes   int
	WorkerPoolSize   int
	JobRetention     time.Duration
	RetryBackoff     time.Duration
	SweepInterval    time.Duration
}

func Default() Config {
	return Config{
		Addr:                  ":8080",
		APIToken:              "dev-token",
		ControlCatalogPath:    "configs/control-catalog.yaml",
		StorageBackend:        "memory",
		SQLitePath:            "riskgate.db",
		EvidenceBackend:       "badger",
		EvidencePath:          "data/evidence",
		MaxJobRetries:         3,
		MaxJobQueueSize:       1000,
		MaxReportsPerJob:      50,
		MaxReportBytes:        1 << 20,
		WorkerPoolSize:        4,
		JobRetention:          time.Hour,
		RetryBackoff:          200 * time.Millisecond,
		SweepInterval:         time.Minute,
		EvidenceUploadEnabled: false,
	}
}

// fileConfig mirrors Config for YAML; nil fields fall through to defaults.
type fileConfig struct {
	Addr               *string `yaml:"addr"`
	APIToken           *string `yaml:"api_token"`
	Debug              *bool   `yaml:"debug"`
	ControlCatalogPath *string `yaml:"control_catalog"`
	Storage            struct {
		Backend     *string `yaml:"backend"`
		SQLitePath  *string `yaml:"sqlite_path"`
		PostgresDSN *string `yaml:"postgres_dsn"`
	} `yaml:"storage"`
	Evidence struct {
		UploadEnabled  *bool   `yaml:"upload_enabled"`
		Backend        *string `yaml:"backend"`
		Path           *string `yaml:"path"`
		Bucket         *string `yaml:"bucket"`
		GCSCredentials *string `yaml:"gcs_credentials"`
	} `yaml:"evidence"`
	Jobs struct {
		MaxRetries          *int64 `yaml:"max_retries"`
		MaxQueueSize        *int64 `yaml:"max_queue_size"`
		MaxReportsPerJob    *int64 `yaml:"max_reports_per_job"`
		MaxReportBytes      *int64 `yaml:"max_report_bytes"`
		WorkerPoolSize      *int64 `yaml:"worker_pool_size"`
		RetentionSeconds    *int64 `yaml:"retention_seconds"`
		RetryBackoffMS      *int64 `yaml:"retry_backoff_ms"`
		SweepIntervalSecond *int64 `yaml:"sweep_interval_seconds"`
	} `yaml:"jobs"`
}

// BindFlags registers every setting on fs with its default value.
func BindFlags(fs *pflag.FlagSet) {
	def := Default()
	fs.String("config", "", "YAML config file (env "+EnvConfigPath+")")
	fs.String("addr", def.Addr, "HTTP listen address")
	fs.String("api-token", def.APIToken, "shared API token expected in X-API-Token")
	fs.Bool("debug", def.Debug, "development logging")
	fs.String("control-catalog", def.ControlCatalogPath, "control catalog YAML path")
	fs.String("storage-backend", def.StorageBackend, "memory, sqlite or postgres")
	fs.String("sqlite-path", def.SQLitePath, "sqlite database path")
	fs.String("postgres-dsn", def.PostgresDSN, "postgres connection string")
	fs.Bool("evidence-upload", def.EvidenceUploadEnabled, "archive raw scanner reports")
	fs.String("evidence-backend", def.EvidenceBackend, "badger or gcs")
	fs.String("evidence-path", def.EvidencePath, "badger evidence directory")
	fs.String("evidence-bucket", def.EvidenceBucket, "GCS evidence bucket")
	fs.String("gcs-credentials", def.GCSCredentialsFile, "GCS service account key file")
	fs.Int64("max-job-retries", int64(def.MaxJobRetries), "attempts per job")
	fs.Int64("max-job-queue-size", int64(def.MaxJobQueueSize), "maximum live jobs")
	fs.Int64("max-reports-per-job", int64(def.MaxReportsPerJob), "maximum reports per batch")
	fs.Int64("max-report-bytes", int64(def.MaxReportBytes), "maximum raw report size")
	fs.Int64("worker-pool-size", int64(def.WorkerPoolSize), "concurrent job executions")
	fs.Int64("job-retention-seconds", int64(def.JobRetention/time.Second), "finished job retention")
	fs.Int64("retry-backoff-ms", int64(def.RetryBackoff/time.Millisecond), "delay between job attempts")
	fs.Int64("sweep-interval-seconds", int64(def.SweepInterval/time.Second), "retention sweep interval")
}

// PathFromFlags returns the config file named by --config or RISKGATE_CONFIG.
func PathFromFlags(fs *pflag.FlagSet) string {
	if fs != nil && fs.Changed("config") {
		if v, err := fs.GetString("config"); err == nil {
			return v
		}
	}
	return strings.TrimSpace(os.Getenv(EnvConfigPath))
}

// Load resolves the configuration. fs may be nil.
func Load(fs *pflag.FlagSet) (Config, error) {
	var fc fileConfig
	if path := PathFromFlags(fs); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	def := Default()
	r := resolver{fs: fs}
	cfg := Config{
		Addr:                  r.str("addr", "RISKGATE_ADDR", fc.Addr, def.Addr),
		APIToken:              r.str("api-token", "RISKGATE_API_TOKEN", fc.APIToken, def.APIToken),
		Debug:                 r.boolean("debug", "RISKGATE_DEBUG", fc.Debug, def.Debug),
		ControlCatalogPath:    r.str("control-catalog", "RISKGATE_CONTROL_CATALOG", fc.ControlCatalogPath, def.ControlCatalogPath),
		StorageBackend:        r.str("storage-backend", "RISKGATE_STORAGE_BACKEND", fc.Storage.Backend, def.StorageBackend),
		SQLitePath:            r.str("sqlite-path", "RISKGATE_SQLITE_PATH", fc.Storage.SQLitePath, def.SQLitePath),
		PostgresDSN:           r.str("postgres-dsn", "RISKGATE_POSTGRES_DSN", fc.Storage.PostgresDSN, def.PostgresDSN),
		EvidenceUploadEnabled: r.boolean("evidence-upload", "RISKGATE_EVIDENCE_UPLOAD_ENABLED", fc.Evidence.UploadEnabled, def.EvidenceUploadEnabled),
		EvidenceBackend:       r.str("evidence-backend", "RISKGATE_EVIDENCE_BACKEND", fc.Evidence.Backend, def.EvidenceBackend),
		EvidencePath:          r.str("evidence-path", "RISKGATE_EVIDENCE_PATH", fc.Evidence.Path, def.EvidencePath),
		EvidenceBucket:        r.str("evidence-bucket", "RISKGATE_EVIDENCE_BUCKET", fc.Evidence.Bucket, def.EvidenceBucket),
		GCSCredentialsFile:    r.str("gcs-credentials", "RISKGATE_GCS_CREDENTIALS", fc.Evidence.GCSCredentials, def.GCSCredentialsFile),
		MaxJobRetries:         int(r.int64("max-job-retries", "RISKGATE_MAX_JOB_RETRIES", fc.Jobs.MaxRetries, int64(def.MaxJobRetries))),
		MaxJobQueueSize:       int(r.int64("max-job-queue-size", "RISKGATE_MAX_JOB_QUEUE_SIZE", fc.Jobs.MaxQueueSize, int64(def.MaxJobQueueSize))),
		MaxReportsPerJob:      int(r.int64("max-reports-per-job", "RISKGATE_MAX_REPORTS_PER_JOB", fc.Jobs.MaxReportsPerJob, int64(def.MaxReportsPerJob))),
		MaxReportBytes:        int(r.int64("max-report-bytes", "RISKGATE_MAX_REPORT_BYTES", fc.Jobs.MaxReportBytes, int64(def.MaxReportBytes))),
		WorkerPoolSize:        int(r.int64("worker-pool-size", "RISKGATE_WORKER_POOL_SIZE", fc.Jobs.WorkerPoolSize, int64(def.WorkerPoolSize))),
		JobRetention:          time.Duration(r.int64("job-retention-seconds", "RISKGATE_JOB_RETENTION_SECONDS", fc.Jobs.RetentionSeconds, int64(def.JobRetention/time.Second))) * time.Second,
		RetryBackoff:          time.Duration(r.int64("retry-backoff-ms", "RISKGATE_RETRY_BACKOFF_MS", fc.Jobs.RetryBackoffMS, int64(def.RetryBackoff/time.Millisecond))) * time.Millisecond,
		SweepInterval:         time.Duration(r.int64("sweep-interval-seconds", "RISKGATE_SWEEP_INTERVAL_SECONDS", fc.Jobs.SweepIntervalSecond, int64(def.SweepInterval/time.Second))) * time.Second,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage backend must be memory, sqlite or postgres, got %q", c.StorageBackend))
	}
	if c.StorageBackend == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres dsn is required for the postgres backend"))
	}
	if c.EvidenceUploadEnabled {
		switch c.EvidenceBackend {
		case "badger", "gcs":
		default:
			errs = append(errs, fmt.Errorf("evidence backend must be badger or gcs, got %q", c.EvidenceBackend))
		}
	}
	for _, limit := range []struct {
		name  string
		value int
	}{
		{"max job retries", c.MaxJobRetries},
		{"max job queue size", c.MaxJobQueueSize},
		{"max reports per job", c.MaxReportsPerJob},
		{"max report bytes", c.MaxReportBytes},
		{"worker pool size", c.WorkerPoolSize},
	} {
		if limit.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", limit.name))
		}
	}
	if c.JobRetention <= 0 || c.SweepInterval <= 0 || c.RetryBackoff <= 0 {
		errs = append(errs, errors.New("job retention, sweep interval and retry backoff must be positive"))
	}
	return errors.Join(errs...)
}

type resolver struct {
	fs *pflag.FlagSet
}

func (r resolver) changed(flag string) bool {
	return r.fs != nil && r.fs.Lookup(flag) != nil && r.fs.Changed(flag)
}

func (r resolver) str(flag, env string, file *string, fallback string) string {
	if r.changed(flag) {
		if v, err := r.fs.GetString(flag); err == nil {
			return v
		}
	}
	return resolveConfigString(file, env, fallback)
}

func (r resolver) int64(flag, env string, file *int64, fallback int64) int64 {
	if r.changed(flag) {
		if v, err := r.fs.GetInt64(flag); err == nil {
			return v
		}
	}
	return resolveConfigInt64(file, env, fallback)
}

func (r resolver) boolean(flag, env string, file *bool, fallback bool) bool {
	if r.changed(flag) {
		if v, err := r.fs.GetBool(flag); err == nil {
			return v
		}
	}
	return resolveConfigBool(file, env, fallback)
}

func resolveConfigString(file *string, env, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	if file != nil {
		return *file
	}
	return fallback
}

func resolveConfigInt64(file *int64, env string, fallback int64) int64 {
	if raw := strings.TrimSpace(os.Getenv(env)); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return parsed
		}
	}
	if file != nil {
		return *file
	}
	return fallback
}

func resolveConfigBool(file *bool, env string, fallback bool) bool {
	if raw := strings.TrimSpace(os.Getenv(env)); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			return parsed
		}
	}
	if file != nil {
		return *file
	}
	return fallback
}
