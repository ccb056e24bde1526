package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"riskgate/internal/riskgate"
)

type Memory struct {
	now func() time.Time

	mu       sync.RWMutex
	findings map[string]riskgate.Finding
	sboms    map[string]riskgate.SbomDocument
	coverage map[string][]riskgate.Coverage
	releases map[string]riskgate.ReleaseRecord
	graphs   map[string]riskgate.Graph
	events   []riskgate.PipelineEvent
	audit    []riskgate.AuditEntry
}

func NewMemory(now func() time.Time) *Memory {
	return &Memory{
		now:      nowFunc(now),
		findings: make(map[string]riskgate.Finding),
		sboms:    make(map[string]riskgate.SbomDocument),
		coverage: make(map[string][]riskgate.Coverage),
		releases: make(map[string]riskgate.ReleaseRecord),
		graphs:   make(map[string]riskgate.Graph),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) auditLocked(action string, details map[string]any) {
	m.audit = append(m.audit, riskgate.AuditEntry{
		Action:    action,
		Details:   cloneDetails(details),
		CreatedAt: m.now().UTC(),
	})
}

// AddFindings upserts by finding id.
func (m *Memory) AddFindings(_ context.Context, findings []riskgate.Finding) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range findings {
		m.findings[f.ID] = f
	}
	m.auditLocked(ActionIngestFindings, findingsDetails(len(findings)))
	return len(findings), nil
}

// ListFindings returns all findings ordered by id.
func (m *Memory) ListFindings(_ context.Context) ([]riskgate.Finding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]riskgate.Finding, 0, len(m.findings))
	for _, f := range m.findings {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AddSBOM(_ context.Context, sbom riskgate.SbomDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sbom.Packages = append([]riskgate.SbomPackage(nil), sbom.Packages...)
	m.sboms[sbom.ReleaseID] = sbom
	m.auditLocked(ActionIngestSBOM, sbomDetails(sbom))
	return nil
}

func (m *Memory) HasSBOM(_ context.Context, releaseID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sboms[releaseID]
	return ok, nil
}

func (m *Memory) AddCoverage(_ context.Context, releaseID string, rows []riskgate.Coverage) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coverage[releaseID] = append([]riskgate.Coverage(nil), rows...)
	m.auditLocked(ActionCoverage, coverageDetails(releaseID, len(rows)))
	return len(rows), nil
}

func (m *Memory) GetCoverage(_ context.Context, releaseID string) ([]riskgate.Coverage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]riskgate.Coverage{}, m.coverage[releaseID]...), nil
}

func (m *Memory) AddRelease(_ context.Context, releaseID string, score float64, decision riskgate.GateDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	decision.Reasons = append([]string(nil), decision.Reasons...)
	decision.Evidence = append([]string(nil), decision.Evidence...)
	m.releases[releaseID] = riskgate.ReleaseRecord{ReleaseID: releaseID, Score: score, Decision: decision}
	m.auditLocked(ActionGateEvaluate, releaseDetails(releaseID, score, decision))
	return nil
}

func (m *Memory) GetRelease(_ context.Context, releaseID string) (riskgate.ReleaseRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.releases[releaseID]
	return rec, ok, nil
}

func (m *Memory) UpsertGraph(_ context.Context, serviceID string, nodes []riskgate.RiskNode, edges []riskgate.RiskEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.graphs[serviceID] = riskgate.Graph{
		Nodes: append([]riskgate.RiskNode{}, nodes...),
		Edges: append([]riskgate.RiskEdge{}, edges...),
	}
	m.auditLocked(ActionGraphUpdate, graphDetails(serviceID, len(nodes), len(edges)))
	return nil
}

func (m *Memory) GetGraph(_ context.Context, serviceID string) (riskgate.Graph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g := m.graphs[serviceID]
	return riskgate.Graph{
		Nodes: append([]riskgate.RiskNode{}, g.Nodes...),
		Edges: append([]riskgate.RiskEdge{}, g.Edges...),
	}, nil
}

func (m *Memory) HasGraph(_ context.Context, serviceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.graphs[serviceID].Nodes) > 0, nil
}

func (m *Memory) AddEvent(_ context.Context, event riskgate.PipelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	m.auditLocked(ActionCollectorEvent, eventDetails(event))
	return nil
}

func (m *Memory) AddAudit(_ context.Context, action string, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auditLocked(action, details)
	return nil
}

func (m *Memory) ListAudit(_ context.Context) ([]riskgate.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]riskgate.AuditEntry{}, m.audit...), nil
}

// cloneDetails stores details as they would read back from the SQL backend.
func cloneDetails(details map[string]any) map[string]any {
	out := map[string]any{}
	raw, err := json.Marshal(details)
	if err != nil {
		for k, v := range details {
			out[k] = v
		}
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
