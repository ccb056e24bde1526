package riskgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and reports the first failing field as an
// ErrValidation reason.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		if fe.Param() != "" {
			return Validationf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return Validationf("%s failed %s", fe.Namespace(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

type ScannerReportRequest struct {
	Tool        string          `json:"tool" validate:"required"`
	Asset       Asset           `json:"asset"`
	Report      json.RawMessage `json:"report"`
	EvidenceURI string          `json:"evidence_uri" validate:"required"`
	ObservedAt  *time.Time      `json:"observed_at,omitempty"`
}

// CheckSize rejects reports whose raw JSON exceeds maxBytes.
func (r ScannerReportRequest) CheckSize(maxBytes int) error {
	if len(strings.TrimSpace(string(r.Report))) == 0 {
		return Validationf("report is required for tool %s", r.Tool)
	}
	if maxBytes > 0 && len(r.Report) > maxBytes {
		return Validationf("report for tool %s exceeds %d bytes", r.Tool, maxBytes)
	}
	return nil
}

type ScannerBatchRequest struct {
	Reports []ScannerReportRequest `json:"reports" validate:"required,min=1,dive"`
}

type AsyncScannerBatchRequest struct {
	ReleaseID    string                 `json:"release_id" validate:"required,max=128"`
	Reports      []ScannerReportRequest `json:"reports" validate:"required,min=1,dive"`
	AssetContext AssetContext           `json:"asset_context"`
	Exceptions   []RiskException        `json:"exceptions" validate:"dive"`
}

// UnmarshalJSON defaults asset_context when the client omits it.
func (r *AsyncScannerBatchRequest) UnmarshalJSON(data []byte) error {
	type alias AsyncScannerBatchRequest
	out := alias{AssetContext: DefaultAssetContext()}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*r = AsyncScannerBatchRequest(out)
	return nil
}

type GateEvaluateRequest struct {
	ReleaseID    string          `json:"release_id" validate:"required,max=128"`
	Findings     []Finding       `json:"findings" validate:"dive"`
	AssetContext AssetContext    `json:"asset_context"`
	Exceptions   []RiskException `json:"exceptions" validate:"dive"`
}

func (r *GateEvaluateRequest) UnmarshalJSON(data []byte) error {
	type alias GateEvaluateRequest
	out := alias{AssetContext: DefaultAssetContext()}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*r = GateEvaluateRequest(out)
	return nil
}

type CoverageBatchRequest struct {
	ReleaseID string     `json:"release_id" validate:"required"`
	Coverage  []Coverage `json:"coverage" validate:"dive"`
}

type ModelGenerateRequest struct {
	Repo      string `json:"repo" validate:"required"`
	CommitSHA string `json:"commit_sha" validate:"required"`
}

type ScannerIngestResponse struct {
	Ingested int       `json:"ingested"`
	Findings []Finding `json:"findings"`
}

type ScannerBatchIngestResponse struct {
	Ingested int            `json:"ingested"`
	ByTool   map[string]int `json:"by_tool"`
	Findings []Finding      `json:"findings"`
}

type BatchSummary struct {
	ReleaseID string         `json:"release_id"`
	Ingested  int            `json:"ingested"`
	ByTool    map[string]int `json:"by_tool"`
	Decision  GateDecision   `json:"decision"`
}

type JobStatusResponse struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      *time.Time      `json:"created_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

type ModelGenerateResponse struct {
	ReleaseID string     `json:"release_id"`
	ServiceID string     `json:"service_id"`
	Nodes     []RiskNode `json:"nodes"`
	Edges     []RiskEdge `json:"edges"`
}

type RiskReleaseResponse struct {
	ReleaseID string       `json:"release_id"`
	Score     float64      `json:"score"`
	Decision  GateDecision `json:"decision"`
	Findings  []Finding    `json:"findings"`
}

type FrameworkSummary struct {
	Covered int     `json:"covered"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

type ComplianceReleaseResponse struct {
	ReleaseID  string                      `json:"release_id"`
	Frameworks map[string]FrameworkSummary `json:"frameworks"`
	Controls   []Coverage                  `json:"controls"`
}

type FindingBatchRequest struct {
	Findings []Finding `json:"findings" validate:"dive"`
}
