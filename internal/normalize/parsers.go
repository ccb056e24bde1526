package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"riskgate/internal/riskgate"
)

type gitleaksLeak struct {
	RuleID    string `json:"RuleID"`
	File      string `json:"File"`
	StartLine int    `json:"StartLine"`
}

type gitleaksJSON struct {
	Findings []gitleaksLeak `json:"findings"`
	Leaks    []gitleaksLeak `json:"Leaks"`
}

// parseGitleaks accepts the CLI's top-level array as well as the wrapped
// object form.
func parseGitleaks(raw json.RawMessage, in input) ([]riskgate.Finding, error) {
	var leaks []gitleaksLeak
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &leaks); err != nil {
			return nil, err
		}
	} else {
		var doc gitleaksJSON
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		leaks = doc.Findings
		if len(leaks) == 0 {
			leaks = doc.Leaks
		}
	}

	out := make([]riskgate.Finding, 0, len(leaks))
	for idx, leak := range leaks {
		rule := orDefault(leak.RuleID, "secret")
		anchor := fmt.Sprintf("%s:%d", orDefault(leak.File, "unknown"), leak.StartLine)
		out = append(out, in.finding(
			fmt.Sprintf("gitleaks-%s-%d", rule, idx),
			string(ToolGitleaks), "secret", riskgate.SeverityCritical, anchor, 0.95,
		))
	}
	return out, nil
}

type semgrepJSON struct {
	Results []struct {
		CheckID string `json:"check_id"`
		Path    string `json:"path"`
		Start   struct {
			Line int `json:"line"`
		} `json:"start"`
		Extra struct {
			Severity string `json:"severity"`
		} `json:"extra"`
	} `json:"results"`
}

func parseSemgrep(raw json.RawMessage, in input) ([]riskgate.Finding, error) {
	var doc semgrepJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make([]riskgate.Finding, 0, len(doc.Results))
	for idx, r := range doc.Results {
		check := orDefault(r.CheckID, "semgrep-check")
		anchor := fmt.Sprintf("%s:%d", orDefault(r.Path, "unknown"), r.Start.Line)
		out = append(out, in.finding(
			fmt.Sprintf("semgrep-%s-%d", check, idx),
			string(ToolSemgrep), "code_pattern", SeverityFromText(r.Extra.Severity), anchor, 0.6,
		))
	}
	return out, nil
}

type checkovJSON struct {
	Results struct {
		FailedChecks []struct {
			CheckID  string `json:"check_id"`
			FilePath string `json:"file_path"`
			Severity string `json:"severity"`
		} `json:"failed_checks"`
	} `json:"results"`
}

func parseCheckov(raw json.RawMessage, in input) ([]riskgate.Finding, error) {
	var doc checkovJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	failed := doc.Results.FailedChecks
	out := make([]riskgate.Finding, 0, len(failed))
	for idx, c := range failed {
		check := orDefault(c.CheckID, "checkov-check")
		out = append(out, in.finding(
			fmt.Sprintf("checkov-%s-%d", check, idx),
			string(ToolCheckov), "iac_misconfig", SeverityFromText(c.Severity), orDefault(c.FilePath, "unknown"), 0.5,
		))
	}
	return out, nil
}

type grypeJSON struct {
	Matches []struct {
		Vulnerability struct {
			ID       string `json:"id"`
			Severity string `json:"severity"`
		} `json:"vulnerability"`
		Artifact struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"artifact"`
	} `json:"matches"`
}

func parseGrype(raw json.RawMessage, in input) ([]riskgate.Finding, error) {
	var doc grypeJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make([]riskgate.Finding, 0, len(doc.Matches))
	for idx, m := range doc.Matches {
		vulnID := orDefault(m.Vulnerability.ID, "grype-vuln")
		anchor := orDefault(m.Artifact.Name, "unknown") + ":" + orDefault(m.Artifact.Version, "unknown")
		out = append(out, in.finding(
			fmt.Sprintf("grype-%s-%d", vulnID, idx),
			string(ToolGrype), "dependency_vulnerability", SeverityFromText(m.Vulnerability.Severity), anchor, 0.7,
		))
	}
	return out, nil
}

type osvJSON struct {
	Results []struct {
		Package struct {
			Name string `json:"name"`
		} `json:"package"`
		Vulnerabilities []struct {
			ID       string `json:"id"`
			Severity []struct {
				Type  string          `json:"type"`
				Score json.RawMessage `json:"score"`
			} `json:"severity"`
		} `json:"vulnerabilities"`
	} `json:"results"`
}

func parseOSV(raw json.RawMessage, in input) ([]riskgate.Finding, error) {
	var doc osvJSON
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	var out []riskgate.Finding
	for resIdx, res := range doc.Results {
		pkg := orDefault(res.Package.Name, "unknown")
		for vulIdx, v := range res.Vulnerabilities {
			vulnID := orDefault(v.ID, "osv-vuln")
			var score *float64
			if len(v.Severity) > 0 {
				score = osvScore(v.Severity[0].Score)
			}
			out = append(out, in.finding(
				fmt.Sprintf("osv-%s-%d-%d", vulnID, resIdx, vulIdx),
				string(ToolOSV), "dependency_vulnerability", SeverityFromCVSS(score), pkg+":"+vulnID, 0.65,
			))
		}
	}
	if out == nil {
		out = []riskgate.Finding{}
	}
	return out, nil
}

// osvScore reads a numeric score or the numeric prefix before the first '/'.
// Vector strings such as "CVSS:3.1/AV:N/..." carry no number and yield nil.
func osvScore(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		text = string(raw)
	}
	head, _, _ := strings.Cut(strings.TrimSpace(text), "/")
	v, err := strconv.ParseFloat(strings.TrimSpace(head), 64)
	if err != nil {
		return nil
	}
	return &v
}
