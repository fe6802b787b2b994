package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/pkg/active"
	"github.com/sentinelsec/aegis/pkg/api"
	"github.com/sentinelsec/aegis/pkg/attest"
	"github.com/sentinelsec/aegis/pkg/audit"
	"github.com/sentinelsec/aegis/pkg/buffer"
	"github.com/sentinelsec/aegis/pkg/bundle"
	"github.com/sentinelsec/aegis/pkg/crypto"
	"github.com/sentinelsec/aegis/pkg/dedup"
	"github.com/sentinelsec/aegis/pkg/health"
	"github.com/sentinelsec/aegis/pkg/ledger"
	"github.com/sentinelsec/aegis/pkg/registry"
	"github.com/sentinelsec/aegis/pkg/rules"
	"github.com/sentinelsec/aegis/pkg/scenario"
	"github.com/sentinelsec/aegis/pkg/store"
)

type testEnv struct {
	signer  *crypto.RSASigner
	reg     registry.Registry
	t       *testing.T
	baseURL string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer := crypto.NewRSASigner(priv)
	pub := signer.Public()

	log, err := ledger.Open(filepath.Join(root, "ledger.ndjson"), signer, pub)
	require.NoError(t, err)

	reg, err := registry.OpenSQLite(filepath.Join(root, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	st, err := store.New(filepath.Join(root, "artifacts"))
	require.NoError(t, err)

	evWr, err := buffer.New(filepath.Join(root, "evidence"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = evWr.Close() })

	compiler, err := rules.NewCompiler(nil)
	require.NoError(t, err)

	attestor, err := attest.New(filepath.Join(root, "runs"), signer, pub, log)
	require.NoError(t, err)

	runner := scenario.NewRunner(scenario.WithSleep(
		func(ctx context.Context, d time.Duration) error { return nil }))
	runner.Register("noop", func(ctx context.Context, rc *scenario.RunContext) error {
		return nil
	})
	runner.Register("always_fails", func(ctx context.Context, rc *scenario.RunContext) error {
		return fmt.Errorf("simulated failure")
	})
	scenarios := map[string]*scenario.Definition{
		"smoke": {
			Name:  "smoke",
			Steps: []scenario.StepDef{{Name: "ping", Action: "noop"}},
		},
		"doomed": {
			Name:  "doomed",
			Steps: []scenario.StepDef{{Name: "boom", Action: "always_fails"}},
		},
	}

	srv := api.NewServer(api.Deps{
		Registry:  reg,
		Store:     st,
		Verifier:  bundle.NewVerifier(pub),
		Compiler:  compiler,
		Rulesets:  active.NewHolder[rules.Ruleset](),
		Scorer:    health.NewScorer(),
		Filter:    dedup.NewFilter(),
		Evidence:  evWr,
		AuditLog:  audit.NewLedgerLogger(log),
		Ledger:    log,
		Attestor:  attestor,
		Runner:    runner,
		Scenarios: scenarios,
		UploadDir: filepath.Join(root, "uploads"),
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o755))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		signer:  signer,
		reg:     reg,
		t:       t,
		baseURL: ts.URL,
	}
}

// buildBundle produces a signed archive holding the given files.
func (e *testEnv) buildBundle(name, version, class string, files map[string]string) string {
	e.t.Helper()
	src := e.t.TempDir()
	for rel, content := range files {
		require.NoError(e.t, os.WriteFile(filepath.Join(src, rel), []byte(content), 0o644))
	}
	out := filepath.Join(e.t.TempDir(), "bundle.tar.gz")
	_, err := bundle.NewBuilder(e.signer).Build(src, bundle.Metadata{
		Name:    name,
		Version: version,
		Class:   class,
	}, out)
	require.NoError(e.t, err)
	return out
}

func (e *testEnv) post(path string, body []byte) *http.Response {
	e.t.Helper()
	resp, err := http.Post(e.baseURL+path, "application/json", bytes.NewReader(body))
	require.NoError(e.t, err)
	return resp
}

func (e *testEnv) upload(archive string) *http.Response {
	e.t.Helper()
	data, err := os.ReadFile(archive)
	require.NoError(e.t, err)
	resp, err := http.Post(e.baseURL+"/artifacts/upload", "application/gzip", bytes.NewReader(data))
	require.NoError(e.t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

const testRules = `{"rules":[{
	"rule_id": "r-encrypt-burst",
	"name": "mass encryption burst",
	"severity": "critical",
	"action": "isolate",
	"condition": {"type": "exact", "field": "alert_type", "value": "mass_encryption"}
}]}`

func TestUploadActivateIngest(t *testing.T) {
	env := newTestEnv(t)

	// Upload a ruleset bundle.
	resp := env.upload(env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var up struct {
		ArtifactID   string `json:"artifact_id"`
		ManifestHash string `json:"manifest_hash"`
	}
	decodeBody(t, resp, &up)
	require.NotEmpty(t, up.ArtifactID)
	require.NotEmpty(t, up.ManifestHash)

	// Before activation the ruleset is not live: ingest matches nothing.
	resp = env.post("/ingest", []byte(`{"source":"edr","alert_type":"mass_encryption","target":"host-1"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pre struct {
		Matches []rules.Match `json:"matches"`
	}
	decodeBody(t, resp, &pre)
	assert.Empty(t, pre.Matches)

	// Activate, then the same alert matches.
	resp = env.post("/artifacts/"+up.ArtifactID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.post("/ingest", []byte(`{"source":"edr","alert_type":"mass_encryption","target":"host-2"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var post struct {
		AlertID     string        `json:"alert_id"`
		IsDuplicate bool          `json:"is_duplicate"`
		Matches     []rules.Match `json:"matches"`
		MaxSeverity string        `json:"max_severity"`
	}
	decodeBody(t, resp, &post)
	assert.NotEmpty(t, post.AlertID)
	assert.False(t, post.IsDuplicate)
	require.Len(t, post.Matches, 1)
	assert.Equal(t, "r-encrypt-burst", post.Matches[0].RuleID)
	assert.Equal(t, "critical", post.MaxSeverity)
}

func TestIngestSuppressesDuplicates(t *testing.T) {
	env := newTestEnv(t)

	alert := []byte(`{"source":"edr","alert_type":"mass_encryption","target":"host-1"}`)
	resp := env.post("/ingest", alert)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.post("/ingest", alert)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second struct {
		Status        string `json:"status"`
		IsDuplicate   bool   `json:"is_duplicate"`
		DuplicateKind string `json:"duplicate_kind"`
	}
	decodeBody(t, resp, &second)
	assert.Equal(t, "duplicate", second.Status)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, "exact", second.DuplicateKind)
}

func TestIngestRejectsIncompleteAlert(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post("/ingest", []byte(`{"source":"edr"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.post("/ingest", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestUploadDuplicateHashIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	archive := env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules})

	resp := env.upload(archive)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &first)

	resp = env.upload(archive)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second struct {
		ArtifactID string `json:"artifact_id"`
		Duplicate  bool   `json:"duplicate"`
	}
	decodeBody(t, resp, &second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ArtifactID, second.ArtifactID)
}

func TestUploadRejectsTamperedBundle(t *testing.T) {
	env := newTestEnv(t)

	// A bundle signed with a different key fails signature verification.
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, rules.RulesFileName), []byte(testRules), 0o644))
	out := filepath.Join(t.TempDir(), "forged.tar.gz")
	_, err = bundle.NewBuilder(crypto.NewRSASigner(otherKey)).Build(src, bundle.Metadata{
		Name: "detection-rules", Version: "6.6.6",
	}, out)
	require.NoError(t, err)

	resp := env.upload(out)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var problem struct {
		Kind string `json:"kind"`
	}
	decodeBody(t, resp, &problem)
	assert.Equal(t, "signature_invalid", problem.Kind)
}

func TestActivateSwapsAndDemotes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v1 struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &v1)

	resp = env.upload(env.buildBundle("detection-rules", "2.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v2 struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &v2)

	resp = env.post("/artifacts/"+v1.ArtifactID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.post("/artifacts/"+v2.ArtifactID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var act struct {
		ArtifactID string `json:"artifact_id"`
		DemotedID  string `json:"demoted_id"`
	}
	decodeBody(t, resp, &act)
	assert.Equal(t, v2.ArtifactID, act.ArtifactID)
	assert.Equal(t, v1.ArtifactID, act.DemotedID)

	// The active lookup reflects the promotion.
	r2, err := http.Get(env.baseURL + "/artifacts/active?name=detection-rules")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r2.StatusCode)
	var activeArtifact registry.Artifact
	decodeBody(t, r2, &activeArtifact)
	assert.Equal(t, v2.ArtifactID, activeArtifact.ID)
}

func TestActivateBadBundleKeepsCurrent(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	var good struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &good)

	resp = env.post("/artifacts/"+good.ArtifactID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// A bundle whose rules file is unparseable must not demote the
	// running ruleset.
	resp = env.upload(env.buildBundle("detection-rules", "2.0.0", "ruleset",
		map[string]string{rules.RulesFileName: "{broken"}))
	var bad struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &bad)

	resp = env.post("/artifacts/"+bad.ArtifactID+"/activate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()

	art, err := env.reg.GetActive(context.Background(), "detection-rules")
	require.NoError(t, err)
	require.NotNil(t, art)
	assert.Equal(t, good.ArtifactID, art.ID)
}

func TestActivateModelArtifact(t *testing.T) {
	env := newTestEnv(t)

	model := `{"version":"1","intercept":0.5,"weights":{"success_rate":0.4},"baseline":{"success_rate":1.0}}`
	resp := env.upload(env.buildBundle("readiness-model", "1.0.0", "model",
		map[string]string{health.ModelFileName: model}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var up struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &up)

	resp = env.post("/artifacts/"+up.ArtifactID+"/activate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestDeactivateInactiveArtifactKeepsRuleset(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v1 struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &v1)

	resp = env.upload(env.buildBundle("detection-rules", "2.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v2 struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &v2)

	resp = env.post("/artifacts/"+v1.ArtifactID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Deactivating the inactive version is refused and must not clear
	// the running ruleset slot.
	resp = env.post("/artifacts/"+v2.ArtifactID+"/deactivate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = env.post("/ingest", []byte(`{"source":"edr","alert_type":"mass_encryption","target":"host-9"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Matches []rules.Match `json:"matches"`
	}
	decodeBody(t, resp, &out)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "r-encrypt-burst", out.Matches[0].RuleID)
}

func TestDeleteArtifact(t *testing.T) {
	env := newTestEnv(t)

	resp := env.upload(env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	var up struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &up)

	req, err := http.NewRequest(http.MethodDelete, env.baseURL+"/artifacts/"+up.ArtifactID, nil)
	require.NoError(t, err)
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, r2.StatusCode)
	_ = r2.Body.Close()

	// Deleting an active artifact is a conflict.
	resp = env.upload(env.buildBundle("detection-rules", "2.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	var v2 struct {
		ArtifactID string `json:"artifact_id"`
	}
	decodeBody(t, resp, &v2)
	resp = env.post("/artifacts/"+v2.ArtifactID+"/activate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	req, err = http.NewRequest(http.MethodDelete, env.baseURL+"/artifacts/"+v2.ArtifactID, nil)
	require.NoError(t, err)
	r3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, r3.StatusCode)
	var problem struct {
		Kind string `json:"kind"`
	}
	decodeBody(t, r3, &problem)
	assert.Equal(t, "active_delete", problem.Kind)
}

func TestRunScenarioAttestsAndVerifies(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post("/runs", []byte(`{"scenario":"smoke"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run struct {
		RunID        string  `json:"run_id"`
		Status       string  `json:"status"`
		HealthScore  float64 `json:"health_score"`
		Healthy      bool    `json:"healthy"`
		ManifestHash string  `json:"manifest_hash"`
	}
	decodeBody(t, resp, &run)
	assert.Equal(t, "PASSED", run.Status)
	assert.True(t, run.Healthy)
	require.NotEmpty(t, run.RunID)
	require.NotEmpty(t, run.ManifestHash)

	r2, err := http.Get(env.baseURL + "/runs/" + run.RunID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, r2.StatusCode)
	var doc attest.Document
	decodeBody(t, r2, &doc)
	assert.Equal(t, run.RunID, doc.RunID)
	assert.Equal(t, "smoke", doc.Result.Scenario)

	r3, err := http.Get(env.baseURL + "/runs/" + run.RunID + "/verify")
	require.NoError(t, err)
	var verify struct {
		ManifestVerified bool `json:"manifest_verified"`
		ChainComplete    bool `json:"chain_complete"`
		LedgerConsistent bool `json:"ledger_consistent"`
	}
	decodeBody(t, r3, &verify)
	assert.True(t, verify.ManifestVerified)
	assert.True(t, verify.ChainComplete)
	assert.True(t, verify.LedgerConsistent)

	r4, err := http.Get(env.baseURL + "/runs/" + run.RunID + "/report")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, r4.StatusCode)
	assert.Equal(t, "application/pdf", r4.Header.Get("Content-Type"))
	_ = r4.Body.Close()
}

func TestRunScenarioFailedRunStillAttested(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post("/runs", []byte(`{"scenario":"doomed"}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var run struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &run)
	assert.Equal(t, "FAILED", run.Status)

	r2, err := http.Get(env.baseURL + "/runs/" + run.RunID + "/verify")
	require.NoError(t, err)
	var verify struct {
		ManifestVerified bool `json:"manifest_verified"`
		ChainComplete    bool `json:"chain_complete"`
	}
	decodeBody(t, r2, &verify)
	assert.True(t, verify.ManifestVerified)
	assert.False(t, verify.ChainComplete)
}

func TestRunScenarioUnknown(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post("/runs", []byte(`{"scenario":"nope"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.baseURL + "/runs/run_missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAuditVerifyAndExport(t *testing.T) {
	env := newTestEnv(t)

	// Generate some ledger activity.
	resp := env.upload(env.buildBundle("detection-rules", "1.0.0", "ruleset",
		map[string]string{rules.RulesFileName: testRules}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	r2, err := http.Get(env.baseURL + "/audit/verify")
	require.NoError(t, err)
	var verify struct {
		Intact bool   `json:"intact"`
		Head   string `json:"head"`
	}
	decodeBody(t, r2, &verify)
	assert.True(t, verify.Intact)
	assert.NotEmpty(t, verify.Head)

	r3, err := http.Get(env.baseURL + "/audit/export")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, r3.StatusCode)
	assert.Equal(t, "application/zip", r3.Header.Get("Content-Type"))
	assert.NotEmpty(t, r3.Header.Get("X-Content-Checksum"))
	_ = r3.Body.Close()

	r4, err := http.Get(env.baseURL + "/audit/export?start=garbage")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, r4.StatusCode)
	_ = r4.Body.Close()
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.baseURL + "/healthz")
	require.NoError(t, err)
	var hz struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &hz)
	assert.Equal(t, "ok", hz.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.baseURL + "/healthz")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	_ = resp.Body.Close()
}

func TestIntelIngestNormalizes(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post("/intel/iocs", []byte(`{"value":"  EVIL.Example.COM ","source":"osint","source_id":"osint-42","confidence":140,"raw":{"feed":"osint"}}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ioc struct {
		Type       string `json:"type"`
		Value      string `json:"value"`
		SourceID   string `json:"source_id"`
		FirstSeen  string `json:"first_seen"`
		Confidence int    `json:"confidence"`
	}
	decodeBody(t, resp, &ioc)
	assert.Equal(t, "domain", ioc.Type)
	assert.Equal(t, "evil.example.com", ioc.Value)
	assert.Equal(t, "osint-42", ioc.SourceID)
	assert.Equal(t, 100, ioc.Confidence)
	assert.NotEmpty(t, ioc.FirstSeen)

	resp = env.post("/intel/iocs", []byte(`{"value":"","source":"osint"}`))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	_ = resp.Body.Close()
}
