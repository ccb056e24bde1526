package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgate/internal/riskgate"
)

var testAsset = riskgate.Asset{
	Repo:               "git@example.com:payments/api.git",
	Service:            "payments-api",
	Owner:              "team-payments",
	Environment:        "prod",
	Criticality:        "tier1",
	DataClassification: "confidential",
}

var observed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func parse(t *testing.T, tool, report string) []riskgate.Finding {
	t.Helper()
	findings, err := Parse(tool, json.RawMessage(report), testAsset, "s3://evidence/report.json", &observed)
	require.NoError(t, err)
	return findings
}

func TestParseGitleaksObjectAndArray(t *testing.T) {
	t.Parallel()
	wrapped := parse(t, "gitleaks", `{"findings":[{"RuleID":"aws-key","File":"config/.env","StartLine":3}]}`)
	require.Len(t, wrapped, 1)
	f := wrapped[0]
	assert.Equal(t, "gitleaks-aws-key-0", f.ID)
	assert.Equal(t, "gitleaks", f.Source)
	assert.Equal(t, "secret", f.Type)
	assert.Equal(t, riskgate.SeverityCritical, f.Severity)
	assert.Equal(t, "s3://evidence/report.json#config/.env:3", f.EvidenceURI)
	assert.Equal(t, 0.95, f.Exploitability)
	assert.Equal(t, riskgate.FindingOpen, f.Status)
	assert.Equal(t, observed, f.FirstSeen)
	assert.Equal(t, observed, f.LastSeen)
	assert.Equal(t, testAsset, f.Asset)

	legacy := parse(t, "gitleaks", `{"Leaks":[{"File":"a.txt"},{"RuleID":"jwt","File":"b.txt","StartLine":9}]}`)
	require.Len(t, legacy, 2)
	assert.Equal(t, "gitleaks-secret-0", legacy[0].ID)
	assert.Equal(t, "s3://evidence/report.json#a.txt:0", legacy[0].EvidenceURI)
	assert.Equal(t, "gitleaks-jwt-1", legacy[1].ID)

	array := parse(t, "gitleaks", ` [{"RuleID":"gh-pat","File":"x.go","StartLine":1}]`)
	require.Len(t, array, 1)
	assert.Equal(t, "gitleaks-gh-pat-0", array[0].ID)
}

func TestParseSemgrep(t *testing.T) {
	t.Parallel()
	findings := parse(t, "semgrep", `{"results":[
		{"check_id":"go.lang.sqli","path":"db/query.go","start":{"line":42},"extra":{"severity":"ERROR"}},
		{"path":"main.go","start":{"line":7},"extra":{"severity":"WARNING"}},
		{"check_id":"x","extra":{}}
	]}`)
	require.Len(t, findings, 3)
	assert.Equal(t, "semgrep-go.lang.sqli-0", findings[0].ID)
	assert.Equal(t, riskgate.SeverityHigh, findings[0].Severity)
	assert.Equal(t, "s3://evidence/report.json#db/query.go:42", findings[0].EvidenceURI)
	assert.Equal(t, "code_pattern", findings[0].Type)
	assert.Equal(t, 0.6, findings[0].Exploitability)
	assert.Equal(t, "semgrep-semgrep-check-1", findings[1].ID)
	assert.Equal(t, riskgate.SeverityMedium, findings[1].Severity)
	assert.Equal(t, "s3://evidence/report.json#unknown:0", findings[2].EvidenceURI)
	assert.Equal(t, riskgate.SeverityMedium, findings[2].Severity)
}

func TestParseCheckov(t *testing.T) {
	t.Parallel()
	findings := parse(t, "checkov", `{"results":{"failed_checks":[{"check_id":"CKV_AWS_20","file_path":"/main.tf","severity":"LOW"}]}}`)
	require.Len(t, findings, 1)
	assert.Equal(t, "checkov-CKV_AWS_20-0", findings[0].ID)
	assert.Equal(t, "iac_misconfig", findings[0].Type)
	assert.Equal(t, riskgate.SeverityLow, findings[0].Severity)
	assert.Equal(t, "s3://evidence/report.json#/main.tf", findings[0].EvidenceURI)
	assert.Equal(t, 0.5, findings[0].Exploitability)
}

func TestParseGrype(t *testing.T) {
	t.Parallel()
	findings := parse(t, "grype", `{"matches":[{"vulnerability":{"id":"CVE-2024-1","severity":"Critical"},"artifact":{"name":"openssl","version":"3.0.1"}}]}`)
	require.Len(t, findings, 1)
	assert.Equal(t, "grype-CVE-2024-1-0", findings[0].ID)
	assert.Equal(t, riskgate.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "s3://evidence/report.json#openssl:3.0.1", findings[0].EvidenceURI)
	assert.Equal(t, "dependency_vulnerability", findings[0].Type)
	assert.Equal(t, 0.7, findings[0].Exploitability)
}

func TestParseOSV(t *testing.T) {
	t.Parallel()
	findings := parse(t, "osv", `{"results":[
		{"package":{"name":"lodash"},"vulnerabilities":[
			{"id":"GHSA-1","severity":[{"type":"CVSS_V3","score":"9.8/AV:N"}]},
			{"id":"GHSA-2","severity":[{"type":"CVSS_V3","score":"CVSS:3.1/AV:N/AC:L"}]}
		]},
		{"package":{"name":"left-pad"},"vulnerabilities":[
			{"id":"GHSA-3","severity":[{"score":5.3}]},
			{"id":"GHSA-4"}
		]}
	]}`)
	require.Len(t, findings, 4)
	assert.Equal(t, "osv-GHSA-1-0-0", findings[0].ID)
	assert.Equal(t, riskgate.SeverityCritical, findings[0].Severity)
	assert.Equal(t, "s3://evidence/report.json#lodash:GHSA-1", findings[0].EvidenceURI)
	assert.Equal(t, riskgate.SeverityMedium, findings[1].Severity)
	assert.Equal(t, "osv-GHSA-3-1-0", findings[2].ID)
	assert.Equal(t, riskgate.SeverityMedium, findings[2].Severity)
	assert.Equal(t, riskgate.SeverityMedium, findings[3].Severity)
	assert.Equal(t, 0.65, findings[3].Exploitability)
}

func TestParseEmptyReports(t *testing.T) {
	t.Parallel()
	for _, tool := range Tools() {
		findings := parse(t, string(tool), `{}`)
		assert.Empty(t, findings, tool)
	}
}

func TestParseRejectsUnknownTool(t *testing.T) {
	t.Parallel()
	_, err := Parse("trivy", json.RawMessage(`{}`), testAsset, "s3://x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedTool))
}

func TestParseMalformedReportIsValidationError(t *testing.T) {
	t.Parallel()
	_, err := Parse("semgrep", json.RawMessage(`{"results":"nope"}`), testAsset, "s3://x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, riskgate.ErrValidation))
}

func TestParseDefaultsObservedAtToNow(t *testing.T) {
	t.Parallel()
	before := time.Now().UTC()
	findings, err := Parse("GITLEAKS", json.RawMessage(`[{"RuleID":"k"}]`), testAsset, "s3://x", nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.False(t, findings[0].FirstSeen.Before(before))
	assert.Equal(t, time.UTC, findings[0].FirstSeen.Location())
}

func TestSeverityFromText(t *testing.T) {
	t.Parallel()
	cases := map[string]riskgate.Severity{
		"CRITICAL": riskgate.SeverityCritical,
		"error":    riskgate.SeverityHigh,
		"High":     riskgate.SeverityHigh,
		"Medium":   riskgate.SeverityMedium,
		"warning":  riskgate.SeverityMedium,
		"moderate": riskgate.SeverityMedium,
		" low ":    riskgate.SeverityLow,
		"info":     riskgate.SeverityInfo,
		"":         riskgate.SeverityMedium,
		"bogus":    riskgate.SeverityMedium,
	}
	for in, want := range cases {
		assert.Equal(t, want, SeverityFromText(in), in)
	}
}

func TestSeverityFromCVSS(t *testing.T) {
	t.Parallel()
	f := func(v float64) *float64 { return &v }
	assert.Equal(t, riskgate.SeverityMedium, SeverityFromCVSS(nil))
	assert.Equal(t, riskgate.SeverityCritical, SeverityFromCVSS(f(9.0)))
	assert.Equal(t, riskgate.SeverityHigh, SeverityFromCVSS(f(7.0)))
	assert.Equal(t, riskgate.SeverityMedium, SeverityFromCVSS(f(4.0)))
	assert.Equal(t, riskgate.SeverityLow, SeverityFromCVSS(f(0.1)))
	assert.Equal(t, riskgate.SeverityInfo, SeverityFromCVSS(f(0)))
}
