// Package threatmodel generates the baseline threat-model graph for a
// service from its repository and commit.
package threatmodel

import (
	"strings"

	"riskgate/internal/riskgate"
)

const releaseCommitLen = 12

// ServiceID is the last '/'-separated segment of the repository with ".git"
// removed.
func ServiceID(repo string) string {
	segment := repo
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		segment = repo[i+1:]
	}
	return strings.ReplaceAll(segment, ".git", "")
}

// ReleaseID is "<repo>:<first 12 characters of the commit>".
func ReleaseID(repo, commitSHA string) string {
	sha := commitSHA
	if len(sha) > releaseCommitLen {
		sha = sha[:releaseCommitLen]
	}
	return repo + ":" + sha
}

// Generate returns the static baseline model: the service, its datastore,
// the threat-assessment control and a tampering threat.
func Generate(repo, commitSHA string) riskgate.ModelGenerateResponse {
	svc := ServiceID(repo)
	serviceNode := "service:" + svc
	datastoreNode := "datastore:" + svc + "-db"
	controlNode := "control:SAMM-DES-01"
	threatNode := "threat:tampering"

	return riskgate.ModelGenerateResponse{
		ReleaseID: ReleaseID(repo, commitSHA),
		ServiceID: svc,
		Nodes: []riskgate.RiskNode{
			{ID: serviceNode, NodeType: "service", Label: svc, RiskScore: 40},
			{ID: datastoreNode, NodeType: "data_store", Label: svc + "-db", RiskScore: 55},
			{ID: controlNode, NodeType: "control", Label: "Threat Assessment", RiskScore: 20},
			{ID: threatNode, NodeType: "threat", Label: "Tampering", RiskScore: 60},
		},
		Edges: []riskgate.RiskEdge{
			{Source: serviceNode, Target: datastoreNode, Relation: "writes_to"},
			{Source: threatNode, Target: serviceNode, Relation: "targets"},
			{Source: controlNode, Target: serviceNode, Relation: "mitigates"},
		},
	}
}
