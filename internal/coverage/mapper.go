// Package coverage derives compliance-control coverage for a release from its
// gate decision and supporting signals, and rolls coverage up per framework.
package coverage

import (
	"math"
	"sort"
	"strings"

	"riskgate/internal/riskgate"
)

const (
	FrameworkSAMM = "SAMM"
	FrameworkCISA = "CISA"

	fallbackControlID = "CISA-SBD-01"
	unknownControlID  = "UNKNOWN"
)

// Signals are the release facts the rule table looks at besides the decision.
type Signals struct {
	HasSBOM        bool
	HasModel       bool
	FindingSources []string
}

type ruleInput struct {
	decision   string
	hasSBOM    bool
	hasModel   bool
	hasSources bool
}

type rule struct {
	covered             func(ruleInput) bool
	evidenceCovered     string
	evidenceUncovered   string
	confidenceCovered   float64
	confidenceUncovered float64
}

var rules = map[string]rule{
	"CISA-SBD-01": {
		covered: func(in ruleInput) bool {
			switch in.decision {
			case riskgate.DecisionPass, riskgate.DecisionWarn, riskgate.DecisionBlock:
				return true
			}
			return false
		},
		evidenceCovered:     "internal://gate/decision",
		evidenceUncovered:   "internal://gate/decision",
		confidenceCovered:   0.95,
		confidenceUncovered: 0.3,
	},
	"CISA-SBD-02": {
		covered:             func(in ruleInput) bool { return in.hasSBOM },
		evidenceCovered:     "internal://sbom/latest",
		evidenceUncovered:   "internal://sbom/missing",
		confidenceCovered:   0.9,
		confidenceUncovered: 0.4,
	},
	"SAMM-DES-01": {
		covered:             func(in ruleInput) bool { return in.hasModel },
		evidenceCovered:     "internal://model/latest",
		evidenceUncovered:   "internal://model/missing",
		confidenceCovered:   0.88,
		confidenceUncovered: 0.35,
	},
	"SAMM-VER-01": {
		covered:             func(in ruleInput) bool { return in.hasSources },
		evidenceCovered:     "internal://scan/summary",
		evidenceUncovered:   "internal://scan/summary",
		confidenceCovered:   0.92,
		confidenceUncovered: 0.4,
	},
	"SAMM-GOV-01": {
		covered:             func(ruleInput) bool { return true },
		evidenceCovered:     "internal://policy/governance",
		evidenceUncovered:   "internal://policy/governance",
		confidenceCovered:   0.8,
		confidenceUncovered: 0.8,
	},
}

var unknownRule = rule{
	covered:             func(ruleInput) bool { return false },
	evidenceCovered:     "internal://control/unknown",
	evidenceUncovered:   "internal://control/unknown",
	confidenceCovered:   0.2,
	confidenceUncovered: 0.2,
}

type Mapper struct {
	controls []riskgate.Control
}

func NewMapper(controls []riskgate.Control) *Mapper {
	return &Mapper{controls: append([]riskgate.Control(nil), controls...)}
}

func (m *Mapper) Controls() []riskgate.Control {
	return append([]riskgate.Control(nil), m.controls...)
}

// Build evaluates every catalog control for the release. The result is never
// empty: without a catalog a single covered gate-decision control is returned.
func (m *Mapper) Build(releaseID string, decision riskgate.GateDecision, sig Signals) []riskgate.Coverage {
	if len(m.controls) == 0 {
		return []riskgate.Coverage{{
			ReleaseID:   releaseID,
			ControlID:   fallbackControlID,
			Covered:     true,
			EvidenceURI: rules[fallbackControlID].evidenceCovered,
			Confidence:  rules[fallbackControlID].confidenceCovered,
		}}
	}

	in := ruleInput{
		decision:   decision.Result,
		hasSBOM:    sig.HasSBOM,
		hasModel:   sig.HasModel,
		hasSources: len(sig.FindingSources) > 0,
	}
	out := make([]riskgate.Coverage, 0, len(m.controls))
	for _, control := range m.controls {
		controlID := control.ControlID
		if controlID == "" {
			controlID = unknownControlID
		}
		r, ok := rules[controlID]
		if !ok {
			r = unknownRule
		}
		row := riskgate.Coverage{ReleaseID: releaseID, ControlID: controlID}
		if r.covered(in) {
			row.Covered = true
			row.EvidenceURI = r.evidenceCovered
			row.Confidence = r.confidenceCovered
		} else {
			row.EvidenceURI = r.evidenceUncovered
			row.Confidence = r.confidenceUncovered
		}
		out = append(out, row)
	}
	return out
}

// FrameworkOf maps a control id to its framework; anything not SAMM is CISA.
func FrameworkOf(controlID string) string {
	if strings.HasPrefix(controlID, FrameworkSAMM) {
		return FrameworkSAMM
	}
	return FrameworkCISA
}

// SummarizeFrameworks counts covered controls per framework. Both frameworks
// are always present; an empty framework reports 0 percent.
func SummarizeFrameworks(rows []riskgate.Coverage) map[string]riskgate.FrameworkSummary {
	summary := map[string]riskgate.FrameworkSummary{
		FrameworkSAMM: {},
		FrameworkCISA: {},
	}
	for _, row := range rows {
		fw := FrameworkOf(row.ControlID)
		s := summary[fw]
		s.Total++
		if row.Covered {
			s.Covered++
		}
		summary[fw] = s
	}
	for fw, s := range summary {
		total := s.Total
		if total == 0 {
			total = 1
		}
		s.Percent = math.Round(float64(s.Covered)/float64(total)*100*100) / 100
		summary[fw] = s
	}
	return summary
}

// SortedSources returns the distinct finding sources in lexical order.
func SortedSources(findings []riskgate.Finding) []string {
	seen := make(map[string]struct{}, len(findings))
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		if _, ok := seen[f.Source]; ok {
			continue
		}
		seen[f.Source] = struct{}{}
		out = append(out, f.Source)
	}
	sort.Strings(out)
	return out
}
