// Package risk scores normalized findings for a release and turns the score
// into a gate decision.
//
// Scoring is a pure function of its inputs plus the evaluation instant used
// to decide whether risk exceptions are still active. Reasons and evidence
// are deduplicated and sorted so that identical inputs always produce
// identical, audit-friendly output regardless of input order.
package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"riskgate/internal/riskgate"
)

const PolicyVersion = "mvp-warn-only-v1"

const (
	reasonNoOpenRisks   = "no_open_risks"
	reasonWarnThreshold = "warn_threshold_reached"
)

// Config carries the weights of one scoring policy.
type Config struct {
	PolicyVersion        string
	SeverityBase         map[riskgate.Severity]float64
	ExploitabilityWeight float64
	EnvironmentWeight    map[string]float64
	InternetFacingWeight float64
	DataBlast            map[string]float64
	MaxDeduction         float64
	MaxScore             float64
	WarnThreshold        float64
}

func DefaultConfig() Config {
	return Config{
		PolicyVersion: PolicyVersion,
		SeverityBase: map[riskgate.Severity]float64{
			riskgate.SeverityCritical: 45,
			riskgate.SeverityHigh:     30,
			riskgate.SeverityMedium:   18,
			riskgate.SeverityLow:      8,
			riskgate.SeverityInfo:     3,
		},
		ExploitabilityWeight: 20,
		EnvironmentWeight: map[string]float64{
			riskgate.EnvProd:    12,
			riskgate.EnvStaging: 6,
			riskgate.EnvDev:     2,
		},
		InternetFacingWeight: 12,
		DataBlast: map[string]float64{
			riskgate.ClassRestricted:   20,
			riskgate.ClassConfidential: 15,
			riskgate.ClassInternal:     8,
			riskgate.ClassPublic:       3,
		},
		MaxDeduction:  30,
		MaxScore:      100,
		WarnThreshold: 50,
	}
}

// Assessment is the raw scoring output before the gate policy is applied.
type Assessment struct {
	Score    float64
	Reasons  []string
	Evidence []string
}

type Engine struct {
	cfg Config
	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides the evaluation instant used for exception expiry.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// CalculateScore sums the contribution of every open, unexcepted finding and
// caps the total at the policy maximum. It panics on a severity, environment
// or data classification the policy has no weight for: those inputs are
// validated at the boundary, so reaching here with one is a programming error.
func (e *Engine) CalculateScore(findings []riskgate.Finding, asset riskgate.AssetContext, exceptions []riskgate.RiskException) Assessment {
	at := e.now().UTC()
	active := activeExceptions(exceptions, at)

	contributions := make([]float64, 0, len(findings))
	reasons := make([]string, 0, len(findings))
	evidence := make([]string, 0, len(findings))

	for _, finding := range findings {
		if finding.Status != riskgate.FindingOpen {
			continue
		}
		if _, ok := active[finding.ID]; ok {
			reasons = append(reasons, "exception_active:"+finding.ID)
			continue
		}

		base, ok := e.cfg.SeverityBase[finding.Severity]
		if !ok {
			panic(fmt.Sprintf("risk: no base weight for severity %q (finding %s)", finding.Severity, finding.ID))
		}
		exploitability := e.cfg.ExploitabilityWeight * finding.Exploitability
		deduction := math.Min(finding.CompensatingControls, e.cfg.MaxDeduction)
		exposure := e.exposure(asset)
		blast := e.blast(asset)
		contributions = append(contributions, math.Max(0, base+exploitability+exposure+blast-deduction))

		reasons = append(reasons, fmt.Sprintf("open_%s:%s", finding.Severity, finding.ID))
		evidence = append(evidence, finding.EvidenceURI)
	}

	// Summed in ascending order so the float total does not depend on input order.
	sort.Float64s(contributions)
	total := 0.0
	for _, c := range contributions {
		total += c
	}

	return Assessment{
		Score:    math.Min(total, e.cfg.MaxScore),
		Reasons:  sortedUnique(reasons),
		Evidence: sortedUnique(evidence),
	}
}

// EvaluateGate applies the threshold policy to the score. This policy
// version only emits pass or warn; block stays a defined result for later
// policy versions.
func (e *Engine) EvaluateGate(findings []riskgate.Finding, asset riskgate.AssetContext, exceptions []riskgate.RiskException) riskgate.GateDecision {
	assessment := e.CalculateScore(findings, asset, exceptions)

	result := riskgate.DecisionPass
	reasons := assessment.Reasons
	if assessment.Score >= e.cfg.WarnThreshold {
		result = riskgate.DecisionWarn
		if len(reasons) == 0 {
			reasons = []string{reasonWarnThreshold}
		}
	} else if len(reasons) == 0 {
		reasons = []string{reasonNoOpenRisks}
	}

	return riskgate.GateDecision{
		Result:        result,
		Score:         round2(assessment.Score),
		Reasons:       reasons,
		Evidence:      assessment.Evidence,
		PolicyVersion: e.cfg.PolicyVersion,
	}
}

func (e *Engine) exposure(asset riskgate.AssetContext) float64 {
	weight, ok := e.cfg.EnvironmentWeight[asset.Environment]
	if !ok {
		panic(fmt.Sprintf("risk: no exposure weight for environment %q", asset.Environment))
	}
	if asset.InternetFacing {
		weight += e.cfg.InternetFacingWeight
	}
	return weight
}

func (e *Engine) blast(asset riskgate.AssetContext) float64 {
	weight, ok := e.cfg.DataBlast[asset.DataClassification]
	if !ok {
		panic(fmt.Sprintf("risk: no blast weight for data classification %q", asset.DataClassification))
	}
	return weight
}

func activeExceptions(exceptions []riskgate.RiskException, at time.Time) map[string]struct{} {
	active := make(map[string]struct{}, len(exceptions))
	for _, exc := range exceptions {
		if exc.ActiveAt(at) {
			active[exc.FindingID] = struct{}{}
		}
	}
	return active
}

func sortedUnique(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
