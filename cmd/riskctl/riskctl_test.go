package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskgate/internal/riskgate"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func assetArgs() []string {
	return []string{"--repo", "acme/api", "--service", "api", "--owner", "team", "--environment", "prod"}
}

func TestIngestWritesNormalizedFindings(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []riskgate.ScannerReportRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ingest/scanner/report", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get(cliAuthHeader))
		var req riskgate.ScannerReportRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		seen = append(seen, req)
		mu.Unlock()
		finding := riskgate.Finding{ID: req.Tool + "-1", Source: req.Tool, Asset: req.Asset, EvidenceURI: req.EvidenceURI, Status: riskgate.FindingOpen}
		_ = json.NewEncoder(w).Encode(riskgate.ScannerIngestResponse{Ingested: 1, Findings: []riskgate.Finding{finding}})
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	report := filepath.Join(dir, "gitleaks.json")
	require.NoError(t, os.WriteFile(report, []byte(`{"findings":[]}`), 0o600))
	output := filepath.Join(dir, "out", "findings.json")

	args := append([]string{"ingest", "--url", srv.URL, "--token", "tok",
		"--input", "gitleaks=" + report,
		"--input", "semgrep=" + filepath.Join(dir, "missing.json"),
		"--output", output,
	}, assetArgs()...)
	out, err := runCLI(t, args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "skip missing artifact for tool=semgrep")
	assert.Contains(t, out, "ingested tool=gitleaks findings=1")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "file://"+report, seen[0].EvidenceURI)
	assert.Equal(t, "tier1", seen[0].Asset.Criticality)
	assert.JSONEq(t, `{"findings":[]}`, string(seen[0].Report))

	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	var findings []riskgate.Finding
	require.NoError(t, json.Unmarshal(raw, &findings))
	require.Len(t, findings, 1)
	assert.Equal(t, "gitleaks-1", findings[0].ID)
}

func TestIngestWithNoArtifactsWritesEmptyList(t *testing.T) {
	t.Parallel()
	output := filepath.Join(t.TempDir(), "findings.json")
	args := append([]string{"ingest", "--url", "http://127.0.0.1:1", "--output", output}, assetArgs()...)
	_, err := runCLI(t, args...)
	require.NoError(t, err)
	raw, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(raw))
}

func TestSubmitSendsIdempotencyKey(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/jobs/scanner/batch", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("Idempotency-Key"))
		var req riskgate.AsyncScannerBatchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rel-7", req.ReleaseID)
		assert.Len(t, req.Reports, 1)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(riskgate.JobStatusResponse{JobID: "job-1", Status: riskgate.StatusQueued})
	}))
	t.Cleanup(srv.Close)

	report := filepath.Join(t.TempDir(), "osv.json")
	require.NoError(t, os.WriteFile(report, []byte(`{"results":[]}`), 0o600))
	args := append([]string{"submit", "--url", srv.URL, "--release-id", "rel-7", "--idempotency-key", "k-1", "--input", "osv=" + report}, assetArgs()...)
	out, err := runCLI(t, args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "job_id=job-1 status=queued")
}

func TestSubmitWithoutArtifactsFails(t *testing.T) {
	t.Parallel()
	args := append([]string{"submit", "--url", "http://127.0.0.1:1", "--release-id", "r", "--input", "osv=/nonexistent/osv.json"}, assetArgs()...)
	_, err := runCLI(t, args...)
	require.Error(t, err)
}

func TestJobAndEvaluateCommands(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/job-9":
			_ = json.NewEncoder(w).Encode(riskgate.JobStatusResponse{JobID: "job-9", Status: riskgate.StatusCompleted, Attempts: 1, MaxAttempts: 3})
		case "/api/v1/gate/evaluate":
			var req riskgate.GateEvaluateRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.False(t, req.AssetContext.InternetFacing)
			assert.Equal(t, riskgate.EnvStaging, req.AssetContext.Environment)
			assert.Len(t, req.Findings, 1)
			_ = json.NewEncoder(w).Encode(riskgate.GateDecision{Result: riskgate.DecisionPass, Reasons: []string{"no_open_risks"}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	out, err := runCLI(t, "job", "job-9", "--url", srv.URL)
	require.NoError(t, err, out)
	assert.Contains(t, out, `"status": "completed"`)

	findings := filepath.Join(t.TempDir(), "findings.json")
	require.NoError(t, os.WriteFile(findings, []byte(`[{"id":"f-1","source":"semgrep","type":"sast","severity":"low","evidence_uri":"s3://e"}]`), 0o600))
	out, err = runCLI(t, "evaluate", "--url", srv.URL, "--release-id", "rel-1", "--findings", findings, "--internet-facing=false", "--environment", "staging")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"result": "pass"`)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"job_id":"j","status":"queued"}`))
	}))
	t.Cleanup(srv.Close)

	client := newAPIClient(srv.URL, "tok", 4, time.Millisecond, time.Second)
	var resp riskgate.JobStatusResponse
	require.NoError(t, client.getJSON(context.Background(), "/api/v1/jobs/j", &resp))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "queued", resp.Status)
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"validation failed: bad"}`))
	}))
	t.Cleanup(srv.Close)

	client := newAPIClient(srv.URL, "tok", 5, time.Millisecond, time.Second)
	err := client.postJSON(context.Background(), "/api/v1/gate/evaluate", nil, map[string]string{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "validation failed: bad")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRetryAndBackoffHelpers(t *testing.T) {
	t.Parallel()
	var attempts atomic.Int32
	err := retryWithBackoff(context.Background(), 2*time.Millisecond, func() error {
		attempts.Add(1)
		if attempts.Load() < 3 {
			return errors.New("temporary")
		}
		return nil
	}, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())

	err = retryWithBackoff(context.Background(), time.Millisecond, func() error { return errors.New("down") }, 2)
	require.EqualError(t, err, "down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retryWithBackoff(ctx, time.Second, func() error { return errors.New("down") }, 3)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, time.Second, nextBackoff(500*time.Millisecond, 2*time.Second))
	assert.Equal(t, time.Second, nextBackoff(2*time.Second, time.Second))
	assert.Equal(t, time.Duration(0), jitterDuration(0))
	jitter := jitterDuration(100 * time.Millisecond)
	assert.GreaterOrEqual(t, jitter, 100*time.Millisecond)
	assert.LessOrEqual(t, jitter, 120*time.Millisecond)
}

func TestParseInputsAndURL(t *testing.T) {
	t.Parallel()
	inputs, err := parseInputs([]string{"gitleaks=a.json", " grype = b=c.json "})
	require.NoError(t, err)
	assert.Equal(t, []toolInput{{tool: "gitleaks", path: "a.json"}, {tool: "grype", path: "b=c.json"}}, inputs)

	for _, bad := range []string{"gitleaks", "=a.json", "osv="} {
		_, err := parseInputs([]string{bad})
		assert.Error(t, err, bad)
	}

	base, err := validateAPIBase("https://risk.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://risk.example.com", base)
	for _, bad := range []string{"ftp://x", "http://", "localhost:8080"} {
		_, err := validateAPIBase(bad)
		assert.Error(t, err, bad)
	}
}
