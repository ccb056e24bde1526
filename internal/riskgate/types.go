package riskgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	DecisionPass  = "pass"
	DecisionWarn  = "warn"
	DecisionBlock = "block"
)

const (
	FindingOpen         = "open"
	FindingAcceptedRisk = "accepted_risk"
	FindingResolved     = "resolved"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	ClassPublic       = "public"
	ClassInternal     = "internal"
	ClassConfidential = "confidential"
	ClassRestricted   = "restricted"
)

// ErrValidation marks input rejected before any state mutation.
var ErrValidation = errors.New("validation failed")

// Validationf wraps ErrValidation with a caller-facing reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusRetrying: {
		StatusRetrying:  true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

func IsValidTransition(from, to string) bool {
	nexts, ok := validTransitions[from]
	if !ok {
		return false
	}
	return nexts[to]
}

func IsTerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

func NewJobID() string {
	return uuid.NewString()
}

// Severity is ordered critical > high > medium > low > info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank returns an integer rank for comparison (Info=1, Critical=5, unknown=0).
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

func (s Severity) String() string {
	return string(s)
}

// ParseSeverity parses a severity string case-insensitively.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid severity: %s", raw)
	}
	return s, nil
}

type Asset struct {
	Repo               string `json:"repo" validate:"required"`
	Service            string `json:"service" validate:"required"`
	Owner              string `json:"owner" validate:"required"`
	Environment        string `json:"environment" validate:"required"`
	Criticality        string `json:"criticality" validate:"oneof=tier0 tier1 tier2 tier3"`
	DataClassification string `json:"data_classification" validate:"oneof=public internal confidential restricted"`
}

type Finding struct {
	ID                   string    `json:"id" validate:"required,max=128"`
	Source               string    `json:"source" validate:"required"`
	Type                 string    `json:"type" validate:"required"`
	Severity             Severity  `json:"severity" validate:"oneof=critical high medium low info"`
	Asset                Asset     `json:"asset"`
	EvidenceURI          string    `json:"evidence_uri" validate:"required"`
	FirstSeen            time.Time `json:"first_seen"`
	LastSeen             time.Time `json:"last_seen"`
	Status               string    `json:"status" validate:"oneof=open accepted_risk resolved"`
	Exploitability       float64   `json:"exploitability" validate:"gte=0,lte=1"`
	CompensatingControls float64   `json:"compensating_controls" validate:"gte=0,lte=100"`
}

// UnmarshalJSON applies the defaults for fields a client may omit.
func (f *Finding) UnmarshalJSON(data []byte) error {
	type alias Finding
	out := alias{Status: FindingOpen, Exploitability: 0.5}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*f = Finding(out)
	return nil
}

type AssetContext struct {
	InternetFacing     bool   `json:"internet_facing"`
	Environment        string `json:"environment" validate:"oneof=dev staging prod"`
	DataClassification string `json:"data_classification" validate:"oneof=public internal confidential restricted"`
}

func DefaultAssetContext() AssetContext {
	return AssetContext{InternetFacing: true, Environment: EnvProd, DataClassification: ClassInternal}
}

func (a *AssetContext) UnmarshalJSON(data []byte) error {
	type alias AssetContext
	out := alias(DefaultAssetContext())
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*a = AssetContext(out)
	return nil
}

type RiskException struct {
	FindingID string    `json:"finding_id" validate:"required"`
	Owner     string    `json:"owner" validate:"required"`
	ExpiresAt time.Time `json:"expires_at"`
	Approved  bool      `json:"approved"`
}

// UnmarshalJSON accepts expires_at with or without a zone; zoneless values are UTC.
func (e *RiskException) UnmarshalJSON(data []byte) error {
	var raw struct {
		FindingID string `json:"finding_id"`
		Owner     string `json:"owner"`
		ExpiresAt string `json:"expires_at"`
		Approved  bool   `json:"approved"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	expires, err := ParseTimestamp(raw.ExpiresAt)
	if err != nil {
		return fmt.Errorf("expires_at: %w", err)
	}
	*e = RiskException{FindingID: raw.FindingID, Owner: raw.Owner, ExpiresAt: expires, Approved: raw.Approved}
	return nil
}

// ActiveAt reports whether the exception suppresses its finding at the given instant.
func (e RiskException) ActiveAt(at time.Time) bool {
	return e.Approved && e.ExpiresAt.UTC().After(at.UTC())
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses RFC3339 timestamps and zoneless variants, normalized to UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, errors.New("timestamp required")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %s", raw)
}

type GateDecision struct {
	Result        string   `json:"result"`
	Score         float64  `json:"score"`
	Reasons       []string `json:"reasons"`
	Evidence      []string `json:"evidence"`
	PolicyVersion string   `json:"policy_version"`
}

type Coverage struct {
	ReleaseID   string  `json:"release_id" validate:"required"`
	ControlID   string  `json:"control_id" validate:"required"`
	Covered     bool    `json:"covered"`
	EvidenceURI string  `json:"evidence_uri"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
}

type Control struct {
	ControlID        string   `json:"control_id" yaml:"control_id"`
	Framework        string   `json:"framework" yaml:"framework"`
	Objective        string   `json:"objective" yaml:"objective"`
	AutomatedChecks  []string `json:"automated_checks" yaml:"automated_checks"`
	RequiredEvidence []string `json:"required_evidence" yaml:"required_evidence"`
	CoverageRules    string   `json:"coverage_rules" yaml:"coverage_rules"`
}

type SbomPackage struct {
	Name      string `json:"name" validate:"required"`
	Version   string `json:"version" validate:"required"`
	Ecosystem string `json:"ecosystem" validate:"oneof=npm pypi maven container other"`
}

type SbomDocument struct {
	ReleaseID   string        `json:"release_id" validate:"required"`
	Format      string        `json:"format" validate:"oneof=cyclonedx spdx"`
	ArtifactURI string        `json:"artifact_uri" validate:"required"`
	Packages    []SbomPackage `json:"packages" validate:"dive"`
}

type RiskNode struct {
	ID        string  `json:"id"`
	NodeType  string  `json:"node_type"`
	Label     string  `json:"label"`
	RiskScore float64 `json:"risk_score"`
}

type RiskEdge struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Relation string `json:"relation"`
}

type Graph struct {
	Nodes []RiskNode `json:"nodes"`
	Edges []RiskEdge `json:"edges"`
}

type PipelineEvent struct {
	Repo       string    `json:"repo" validate:"required"`
	CommitSHA  string    `json:"commit_sha" validate:"required"`
	PipelineID string    `json:"pipeline_id" validate:"required,max=128"`
	MRID       string    `json:"mr_id,omitempty"`
	Branch     string    `json:"branch" validate:"required"`
	Artifacts  []string  `json:"artifacts"`
	Timestamp  time.Time `json:"timestamp"`
}

type AuditEntry struct {
	Action    string         `json:"action"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

type ReleaseRecord struct {
	ReleaseID string       `json:"release_id"`
	Score     float64      `json:"score"`
	Decision  GateDecision `json:"decision"`
}
