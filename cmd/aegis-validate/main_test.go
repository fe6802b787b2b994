package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeTarget(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"alert_id":     "al-1",
			"matches":      []map[string]any{{"rule_id": "r-1"}},
			"max_severity": "critical",
		})
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "dropped": 0})
	})
	mux.HandleFunc("GET /audit/verify", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"intact": true})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func setTestKeys(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AEGIS_PRIVATE_KEY", filepath.Join(dir, "signing.pem"))
	t.Setenv("AEGIS_PUBLIC_KEY", filepath.Join(dir, "signing.pub.pem"))
}

const passingScenario = `
name: smoke
steps:
  - name: inject
    action: inject_alert
    params:
      source: edr
      alert_type: mass_encryption
      target: host-1
  - name: detect
    action: expect_detection
  - name: health
    action: check_health
  - name: chain
    action: verify_audit_chain
`

const failingScenario = `
name: doomed
steps:
  - name: detect
    action: expect_detection
`

func TestRunPassingScenarioExitsZero(t *testing.T) {
	setTestKeys(t)
	ts := fakeTarget(t)
	runs := t.TempDir()
	var out, errOut bytes.Buffer

	code := Run([]string{
		"-target", ts.URL,
		"-scenario", writeScenario(t, passingScenario),
		"-runs", runs,
		"-json",
	}, &out, &errOut)

	require.Equal(t, exitOK, code, "stderr: %s", errOut.String())

	var summary struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		Healthy bool   `json:"healthy"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, "PASSED", summary.Status)
	assert.True(t, summary.Healthy)

	// The evidence trio is on disk.
	for _, suffix := range []string{"_run.json", "_report.pdf", "_manifest.signed.json"} {
		_, err := os.Stat(filepath.Join(runs, summary.RunID+suffix))
		assert.NoError(t, err, suffix)
	}
}

func TestRunFailedScenarioExitsFourButAttests(t *testing.T) {
	setTestKeys(t)
	runs := t.TempDir()
	var out, errOut bytes.Buffer

	code := Run([]string{
		"-target", "http://127.0.0.1:1",
		"-scenario", writeScenario(t, failingScenario),
		"-runs", runs,
		"-json",
	}, &out, &errOut)

	require.Equal(t, exitValidationFailed, code)

	var summary struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, "FAILED", summary.Status)

	// Failure is still sealed: the signed manifest exists.
	_, err := os.Stat(filepath.Join(runs, summary.RunID+"_manifest.signed.json"))
	assert.NoError(t, err)
}

func TestRunMissingScenarioIsConfigError(t *testing.T) {
	setTestKeys(t)
	var out, errOut bytes.Buffer
	code := Run([]string{"-target", "http://127.0.0.1:1"}, &out, &errOut)
	assert.Equal(t, exitConfig, code)

	code = Run([]string{"-scenario", "/does/not/exist.yaml"}, &out, &errOut)
	assert.Equal(t, exitConfig, code)
}
