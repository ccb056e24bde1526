package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgate/internal/riskgate"
)

var evalNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func testEngine() *Engine {
	return NewEngine(DefaultConfig(), WithClock(func() time.Time { return evalNow }))
}

func finding(id string, sev riskgate.Severity, exploitability float64) riskgate.Finding {
	return riskgate.Finding{
		ID:             id,
		Source:         "semgrep",
		Type:           "code_pattern",
		Severity:       sev,
		EvidenceURI:    "file://report.json#" + id,
		Status:         riskgate.FindingOpen,
		Exploitability: exploitability,
	}
}

func exposedContext() riskgate.AssetContext {
	return riskgate.AssetContext{InternetFacing: true, Environment: riskgate.EnvProd, DataClassification: riskgate.ClassConfidential}
}

func TestCriticalExposedFindingCapsAndWarns(t *testing.T) {
	t.Parallel()
	f := finding("f-crit", riskgate.SeverityCritical, 0.9)

	assessment := testEngine().CalculateScore([]riskgate.Finding{f}, exposedContext(), nil)
	assert.Equal(t, 100.0, assessment.Score, "45+18+24+15 = 102 is capped")

	decision := testEngine().EvaluateGate([]riskgate.Finding{f}, exposedContext(), nil)
	assert.Equal(t, riskgate.DecisionWarn, decision.Result)
	assert.Equal(t, 100.0, decision.Score)
	assert.Equal(t, []string{"open_critical:f-crit"}, decision.Reasons)
	assert.Equal(t, []string{"file://report.json#f-crit"}, decision.Evidence)
	assert.Equal(t, PolicyVersion, decision.PolicyVersion)
}

func TestActiveExceptionSuppressesFinding(t *testing.T) {
	t.Parallel()
	f := finding("f-crit", riskgate.SeverityCritical, 0.9)
	exc := riskgate.RiskException{FindingID: "f-crit", Owner: "appsec", Approved: true, ExpiresAt: evalNow.Add(24 * time.Hour)}

	decision := testEngine().EvaluateGate([]riskgate.Finding{f}, exposedContext(), []riskgate.RiskException{exc})
	assert.Equal(t, riskgate.DecisionPass, decision.Result)
	assert.Equal(t, 0.0, decision.Score)
	assert.Equal(t, []string{"exception_active:f-crit"}, decision.Reasons)
	assert.Empty(t, decision.Evidence)
}

func TestInactiveExceptionsHaveNoEffect(t *testing.T) {
	t.Parallel()
	f := finding("f1", riskgate.SeverityHigh, 0.5)
	baseline := testEngine().CalculateScore([]riskgate.Finding{f}, exposedContext(), nil)

	cases := map[string]riskgate.RiskException{
		"expired":       {FindingID: "f1", Approved: true, ExpiresAt: evalNow.Add(-time.Minute)},
		"expires_now":   {FindingID: "f1", Approved: true, ExpiresAt: evalNow},
		"unapproved":    {FindingID: "f1", Approved: false, ExpiresAt: evalNow.Add(time.Hour)},
		"other_finding": {FindingID: "f2", Approved: true, ExpiresAt: evalNow.Add(time.Hour)},
	}
	for name, exc := range cases {
		got := testEngine().CalculateScore([]riskgate.Finding{f}, exposedContext(), []riskgate.RiskException{exc})
		assert.Equal(t, baseline, got, name)
	}

	// Any one active exception among several is enough.
	mixed := []riskgate.RiskException{cases["expired"], {FindingID: "f1", Approved: true, ExpiresAt: evalNow.Add(time.Hour)}}
	got := testEngine().CalculateScore([]riskgate.Finding{f}, exposedContext(), mixed)
	assert.Equal(t, 0.0, got.Score)
	assert.Equal(t, []string{"exception_active:f1"}, got.Reasons)
}

func TestEmptyFindingsPass(t *testing.T) {
	t.Parallel()
	decision := testEngine().EvaluateGate(nil, exposedContext(), nil)
	assert.Equal(t, riskgate.DecisionPass, decision.Result)
	assert.Equal(t, 0.0, decision.Score)
	assert.Equal(t, []string{"no_open_risks"}, decision.Reasons)
	assert.NotNil(t, decision.Evidence)
}

func TestClosedFindingsAreSkipped(t *testing.T) {
	t.Parallel()
	resolved := finding("f-res", riskgate.SeverityCritical, 1)
	resolved.Status = riskgate.FindingResolved
	accepted := finding("f-acc", riskgate.SeverityCritical, 1)
	accepted.Status = riskgate.FindingAcceptedRisk

	assessment := testEngine().CalculateScore([]riskgate.Finding{resolved, accepted}, exposedContext(), nil)
	assert.Equal(t, 0.0, assessment.Score)
	assert.Empty(t, assessment.Reasons)
	assert.Empty(t, assessment.Evidence)
}

func TestPerFindingFormula(t *testing.T) {
	t.Parallel()
	f := finding("f-med", riskgate.SeverityMedium, 0.5)
	f.CompensatingControls = 10
	ctx := riskgate.AssetContext{InternetFacing: false, Environment: riskgate.EnvStaging, DataClassification: riskgate.ClassInternal}

	// 18 + 10 + 6 + 8 - 10
	decision := testEngine().EvaluateGate([]riskgate.Finding{f}, ctx, nil)
	assert.InDelta(t, 32.0, decision.Score, 1e-9)
	assert.Equal(t, riskgate.DecisionPass, decision.Result)
}

func TestDeductionIsCappedAndContributionNonNegative(t *testing.T) {
	t.Parallel()
	ctx := riskgate.AssetContext{Environment: riskgate.EnvDev, DataClassification: riskgate.ClassPublic}

	info := finding("f-info", riskgate.SeverityInfo, 0)
	info.CompensatingControls = 100
	assessment := testEngine().CalculateScore([]riskgate.Finding{info}, ctx, nil)
	assert.Equal(t, 0.0, assessment.Score)
	assert.Equal(t, []string{"open_info:f-info"}, assessment.Reasons, "zero contribution still reports the finding")

	high := finding("f-high", riskgate.SeverityHigh, 0)
	high.CompensatingControls = 100
	// 30 + 0 + 2 + 3 - min(100, 30)
	assessment = testEngine().CalculateScore([]riskgate.Finding{high}, ctx, nil)
	assert.InDelta(t, 5.0, assessment.Score, 1e-9)
}

func TestThresholdUsesUnroundedScore(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WarnThreshold = 43.998
	e := NewEngine(cfg, WithClock(func() time.Time { return evalNow }))

	f := finding("f1", riskgate.SeverityMedium, 0)
	f.CompensatingControls = 0.004
	ctx := riskgate.AssetContext{InternetFacing: true, Environment: riskgate.EnvStaging, DataClassification: riskgate.ClassInternal}

	// 18 + 0 + 18 + 8 - 0.004 = 43.996, emitted as 44.
	decision := e.EvaluateGate([]riskgate.Finding{f}, ctx, nil)
	assert.Equal(t, 44.0, decision.Score)
	assert.Equal(t, riskgate.DecisionPass, decision.Result, "rounded 44 would cross the threshold, the raw score does not")
}

func TestWarnWithoutReasonsGetsSyntheticReason(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.WarnThreshold = 0
	decision := NewEngine(cfg).EvaluateGate(nil, exposedContext(), nil)
	assert.Equal(t, riskgate.DecisionWarn, decision.Result)
	assert.Equal(t, []string{"warn_threshold_reached"}, decision.Reasons)
}

func TestDecisionNeverBlocks(t *testing.T) {
	t.Parallel()
	findings := make([]riskgate.Finding, 0, 10)
	for i := 0; i < 10; i++ {
		findings = append(findings, finding(string(rune('a'+i)), riskgate.SeverityCritical, 1))
	}
	decision := testEngine().EvaluateGate(findings, exposedContext(), nil)
	assert.NotEqual(t, riskgate.DecisionBlock, decision.Result)
}

func TestScoreBoundedAndOrderIndependent(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(42))
	severities := []riskgate.Severity{riskgate.SeverityCritical, riskgate.SeverityHigh, riskgate.SeverityMedium, riskgate.SeverityLow, riskgate.SeverityInfo}
	statuses := []string{riskgate.FindingOpen, riskgate.FindingOpen, riskgate.FindingResolved, riskgate.FindingAcceptedRisk}
	envs := []string{riskgate.EnvDev, riskgate.EnvStaging, riskgate.EnvProd}
	classes := []string{riskgate.ClassPublic, riskgate.ClassInternal, riskgate.ClassConfidential, riskgate.ClassRestricted}

	for round := 0; round < 200; round++ {
		n := rng.Intn(8)
		findings := make([]riskgate.Finding, 0, n)
		var exceptions []riskgate.RiskException
		for i := 0; i < n; i++ {
			f := finding("f"+string(rune('a'+i)), severities[rng.Intn(len(severities))], rng.Float64())
			f.Status = statuses[rng.Intn(len(statuses))]
			f.CompensatingControls = rng.Float64() * 100
			f.EvidenceURI = "file://r#" + string(rune('a'+rng.Intn(3)))
			findings = append(findings, f)
			if rng.Intn(4) == 0 {
				exceptions = append(exceptions, riskgate.RiskException{FindingID: f.ID, Approved: rng.Intn(2) == 0, ExpiresAt: evalNow.Add(time.Duration(rng.Intn(3)-1) * time.Hour)})
			}
		}
		ctx := riskgate.AssetContext{InternetFacing: rng.Intn(2) == 0, Environment: envs[rng.Intn(len(envs))], DataClassification: classes[rng.Intn(len(classes))]}

		first := testEngine().EvaluateGate(findings, ctx, exceptions)
		require.GreaterOrEqual(t, first.Score, 0.0)
		require.LessOrEqual(t, first.Score, 100.0)

		shuffled := append([]riskgate.Finding(nil), findings...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		second := testEngine().EvaluateGate(shuffled, ctx, exceptions)
		require.Equal(t, first, second, "round %d", round)
	}
}

func TestDuplicateReasonsAndEvidenceCollapse(t *testing.T) {
	t.Parallel()
	a := finding("dup", riskgate.SeverityLow, 0)
	b := finding("dup", riskgate.SeverityLow, 0)
	c := finding("other", riskgate.SeverityLow, 0)
	c.EvidenceURI = a.EvidenceURI

	assessment := testEngine().CalculateScore([]riskgate.Finding{c, a, b}, exposedContext(), nil)
	assert.Equal(t, []string{"open_low:dup", "open_low:other"}, assessment.Reasons)
	assert.Equal(t, []string{"file://report.json#dup"}, assessment.Evidence)
}

func TestUnknownSeverityPanics(t *testing.T) {
	t.Parallel()
	bad := finding("f-bad", riskgate.Severity("urgent"), 0.5)
	require.Panics(t, func() {
		testEngine().CalculateScore([]riskgate.Finding{bad}, exposedContext(), nil)
	})
	require.Panics(t, func() {
		ctx := exposedContext()
		ctx.Environment = "qa"
		testEngine().CalculateScore([]riskgate.Finding{finding("f", riskgate.SeverityLow, 0)}, ctx, nil)
	})
}
