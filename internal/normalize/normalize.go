// Package normalize converts raw scanner reports into canonical findings.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"riskgate/internal/riskgate"
)

type Tool string

const (
	ToolGitleaks Tool = "gitleaks"
	ToolSemgrep  Tool = "semgrep"
	ToolCheckov  Tool = "checkov"
	ToolGrype    Tool = "grype"
	ToolOSV      Tool = "osv"
)

var ErrUnsupportedTool = errors.New("unsupported tool")

type parseFunc func(raw json.RawMessage, in input) ([]riskgate.Finding, error)

var parsers = map[Tool]parseFunc{
	ToolGitleaks: parseGitleaks,
	ToolSemgrep:  parseSemgrep,
	ToolCheckov:  parseCheckov,
	ToolGrype:    parseGrype,
	ToolOSV:      parseOSV,
}

// Tools lists the supported scanners in a stable order.
func Tools() []Tool {
	return []Tool{ToolGitleaks, ToolSemgrep, ToolCheckov, ToolGrype, ToolOSV}
}

func ParseTool(raw string) (Tool, error) {
	t := Tool(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := parsers[t]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTool, raw)
	}
	return t, nil
}

type input struct {
	asset       riskgate.Asset
	evidenceURI string
	seenAt      time.Time
}

func (in input) finding(id, source, kind string, sev riskgate.Severity, anchor string, exploitability float64) riskgate.Finding {
	return riskgate.Finding{
		ID:             id,
		Source:         source,
		Type:           kind,
		Severity:       sev,
		Asset:          in.asset,
		EvidenceURI:    in.evidenceURI + "#" + anchor,
		FirstSeen:      in.seenAt,
		LastSeen:       in.seenAt,
		Status:         riskgate.FindingOpen,
		Exploitability: exploitability,
	}
}

// Parse normalizes one report. observedAt stamps first/last seen; when nil
// the current UTC time is used.
func Parse(tool string, report json.RawMessage, asset riskgate.Asset, evidenceURI string, observedAt *time.Time) ([]riskgate.Finding, error) {
	t, err := ParseTool(tool)
	if err != nil {
		return nil, err
	}
	seenAt := time.Now().UTC()
	if observedAt != nil {
		seenAt = observedAt.UTC()
	}
	findings, err := parsers[t](report, input{asset: asset, evidenceURI: evidenceURI, seenAt: seenAt})
	if err != nil {
		return nil, riskgate.Validationf("parse %s report: %v", t, err)
	}
	return findings, nil
}

// ParseRequest normalizes a scanner report request.
func ParseRequest(req riskgate.ScannerReportRequest) ([]riskgate.Finding, error) {
	return Parse(req.Tool, req.Report, req.Asset, req.EvidenceURI, req.ObservedAt)
}

// SeverityFromText maps scanner severity labels, falling back to medium.
func SeverityFromText(value string) riskgate.Severity {
	if sev, err := riskgate.ParseSeverity(value); err == nil {
		return sev
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return riskgate.SeverityHigh
	default:
		return riskgate.SeverityMedium
	}
}

// SeverityFromCVSS buckets a CVSS base score. A missing score is medium.
func SeverityFromCVSS(score *float64) riskgate.Severity {
	switch {
	case score == nil:
		return riskgate.SeverityMedium
	case *score >= 9.0:
		return riskgate.SeverityCritical
	case *score >= 7.0:
		return riskgate.SeverityHigh
	case *score >= 4.0:
		return riskgate.SeverityMedium
	case *score > 0:
		return riskgate.SeverityLow
	default:
		return riskgate.SeverityInfo
	}
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
