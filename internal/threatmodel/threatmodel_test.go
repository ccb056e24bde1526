package threatmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceID(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"https://git.example.com/payments/api.git": "api",
		"git@github.com:shop/cart-service.git":     "cart-service",
		"billing":                                  "billing",
		"org/ledger":                               "ledger",
	}
	for repo, want := range cases {
		assert.Equal(t, want, ServiceID(repo), repo)
	}
}

func TestReleaseIDTruncatesCommit(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "org/api:0123456789ab", ReleaseID("org/api", "0123456789abcdef0123"))
	assert.Equal(t, "org/api:abc", ReleaseID("org/api", "abc"))
}

func TestGenerateBaselineGraph(t *testing.T) {
	t.Parallel()
	model := Generate("https://git.example.com/payments/api.git", "deadbeefcafebabe")
	assert.Equal(t, "https://git.example.com/payments/api.git:deadbeefcafe", model.ReleaseID)
	assert.Equal(t, "api", model.ServiceID)
	require.Len(t, model.Nodes, 4)
	require.Len(t, model.Edges, 3)

	ids := map[string]float64{}
	for _, n := range model.Nodes {
		ids[n.ID] = n.RiskScore
	}
	assert.Equal(t, map[string]float64{
		"service:api":         40,
		"datastore:api-db":    55,
		"control:SAMM-DES-01": 20,
		"threat:tampering":    60,
	}, ids)

	for _, e := range model.Edges {
		_, srcOK := ids[e.Source]
		_, dstOK := ids[e.Target]
		assert.True(t, srcOK && dstOK, "edge %s -> %s references unknown node", e.Source, e.Target)
	}
	assert.Equal(t, "writes_to", model.Edges[0].Relation)
	assert.Equal(t, "mitigates", model.Edges[2].Relation)
}
