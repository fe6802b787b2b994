// Package attest seals a validator run into signed, verifiable evidence.
// The pipeline is strictly ordered and fail-closed: metrics, health
// score, run document, report, signed manifest, ledger entry. Any failure
// aborts the attestation; a run without a complete attestation is not a
// successful run.
package attest

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/aegis/pkg/canonicalize"
	"github.com/sentinelsec/aegis/pkg/crypto"
	"github.com/sentinelsec/aegis/pkg/health"
	"github.com/sentinelsec/aegis/pkg/ledger"
	"github.com/sentinelsec/aegis/pkg/scenario"
)

// ManifestBody is the signed summary of one run's evidence files.
type ManifestBody struct {
	RunID       string            `json:"run_id"`
	Scenario    string            `json:"scenario"`
	Status      scenario.Status   `json:"status"`
	HealthScore float64           `json:"health_score"`
	CreatedAt   time.Time         `json:"created_at"`
	Files       map[string]string `json:"files"`
}

// Document is the full run record persisted as <run_id>_run.json.
type Document struct {
	RunID     string             `json:"run_id"`
	Result    scenario.RunResult `json:"result"`
	Metrics   map[string]float64 `json:"metrics"`
	Health    health.Assessment  `json:"health"`
	CreatedAt time.Time          `json:"created_at"`
}

// Attestation is what Attest hands back on success.
type Attestation struct {
	RunID        string
	Manifest     ManifestBody
	ManifestHash string
	Healthy      bool
}

// Attestor runs the evidence pipeline.
type Attestor struct {
	dir    string
	signer crypto.Signer
	pub    *rsa.PublicKey
	log    *ledger.Ledger
	clock  func() time.Time
}

// New creates the runs directory. The ledger may be nil for detached
// validator invocations that only emit files.
func New(dir string, signer crypto.Signer, pub *rsa.PublicKey, log *ledger.Ledger) (*Attestor, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("attest: create dir: %w", err)
	}
	return &Attestor{dir: dir, signer: signer, pub: pub, log: log, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (a *Attestor) WithClock(clock func() time.Time) *Attestor {
	a.clock = clock
	return a
}

// Metrics derives the scoring inputs from a scenario result. Values the
// steps observed on the target (RunResult.Metrics) are carried through;
// derived metrics win on a name collision.
func Metrics(res *scenario.RunResult) map[string]float64 {
	total := len(res.Steps)
	passed := 0
	var latencySum, latencyMax int64
	for _, s := range res.Steps {
		if s.Status == scenario.StatusPassed {
			passed++
		}
		latencySum += s.LatencyMS
		if s.LatencyMS > latencyMax {
			latencyMax = s.LatencyMS
		}
	}

	successRate, latencyAvg := 0.0, 0.0
	if total > 0 {
		successRate = float64(passed) / float64(total)
		latencyAvg = float64(latencySum) / float64(total) / 1000.0
	}

	out := make(map[string]float64, len(res.Metrics)+5)
	for k, v := range res.Metrics {
		out[k] = v
	}
	out["success_rate"] = successRate
	out["total_steps"] = float64(total)
	out["error_count"] = float64(total - passed)
	out["api_latency_avg"] = latencyAvg
	out["api_latency_max"] = float64(latencyMax) / 1000.0
	return out
}

// Attest executes the pipeline for one finished run. It returns an error
// at the first failed stage; partially written evidence for a failed
// attestation is left in place for forensics but never signed.
func (a *Attestor) Attest(res *scenario.RunResult, scorer *health.Scorer) (*Attestation, error) {
	runID := uuid.New().String()
	now := a.clock().UTC()

	// 1. Metrics, then 2. health score.
	metrics := Metrics(res)
	assessment := scorer.Score(metrics)

	// 3. Run document.
	doc := Document{
		RunID:     runID,
		Result:    *res,
		Metrics:   metrics,
		Health:    *assessment,
		CreatedAt: now,
	}
	docBytes, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("attest: marshal run document: %w", err)
	}
	docPath := a.path(runID, "run.json")
	if err := writeFileSync(docPath, docBytes); err != nil {
		return nil, fmt.Errorf("attest: write run document: %w", err)
	}

	// 4. Deterministic report and its hash.
	pdf := renderPDF("Validation Run Report", reportLines(&doc))
	pdfPath := a.path(runID, "report.pdf")
	if err := writeFileSync(pdfPath, pdf); err != nil {
		return nil, fmt.Errorf("attest: write report: %w", err)
	}

	// 5. Signed manifest over the evidence hashes.
	body := ManifestBody{
		RunID:       runID,
		Scenario:    res.Scenario,
		Status:      res.Status,
		HealthScore: assessment.Score,
		CreatedAt:   now,
		Files: map[string]string{
			"run.json":   hashHex(docBytes),
			"report.pdf": hashHex(pdf),
		},
	}
	canonical, err := canonicalize.JCS(body)
	if err != nil {
		return nil, fmt.Errorf("attest: canonicalize manifest: %w", err)
	}
	sig, err := a.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("attest: sign manifest: %w", err)
	}
	if err := writeFileSync(a.path(runID, "manifest.signed.json"), canonical); err != nil {
		return nil, fmt.Errorf("attest: write manifest: %w", err)
	}
	sigLine := []byte(base64.StdEncoding.EncodeToString(sig) + "\n")
	if err := writeFileSync(a.path(runID, "manifest.sig"), sigLine); err != nil {
		return nil, fmt.Errorf("attest: write signature: %w", err)
	}

	manifestHash := hashHex(canonical)

	// 6. Ledger entry last, once all evidence is durable.
	if a.log != nil {
		_, err := a.log.Append("run_attested", "validator", manifestHash, map[string]any{
			"run_id":       runID,
			"scenario":     res.Scenario,
			"status":       string(res.Status),
			"passed":       res.Status == scenario.StatusPassed,
			"health_score": assessment.Score,
		})
		if err != nil {
			return nil, fmt.Errorf("attest: ledger append: %w", err)
		}
	}

	return &Attestation{
		RunID:        runID,
		Manifest:     body,
		ManifestHash: manifestHash,
		Healthy:      assessment.Healthy,
	}, nil
}

// Verify re-hashes a run's evidence files against its manifest and checks
// the manifest signature.
func (a *Attestor) Verify(runID string) error {
	canonical, err := os.ReadFile(a.path(runID, "manifest.signed.json"))
	if err != nil {
		return fmt.Errorf("attest: read manifest: %w", err)
	}
	sigB64, err := os.ReadFile(a.path(runID, "manifest.sig"))
	if err != nil {
		return fmt.Errorf("attest: read signature: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(string(trimNewline(sigB64)))
	if err != nil {
		return fmt.Errorf("attest: signature not base64: %w", err)
	}
	if err := crypto.Verify(a.pub, canonical, sig); err != nil {
		return fmt.Errorf("attest: manifest signature: %w", err)
	}

	var body ManifestBody
	if err := json.Unmarshal(canonical, &body); err != nil {
		return fmt.Errorf("attest: decode manifest: %w", err)
	}
	for name, want := range body.Files {
		raw, err := os.ReadFile(a.path(runID, name))
		if err != nil {
			return fmt.Errorf("attest: read %s: %w", name, err)
		}
		if got := hashHex(raw); got != want {
			return fmt.Errorf("attest: %s hash mismatch", name)
		}
	}
	return nil
}

// Load reads a persisted run document.
func (a *Attestor) Load(runID string) (*Document, error) {
	raw, err := os.ReadFile(a.path(runID, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("attest: read run: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("attest: decode run: %w", err)
	}
	return &doc, nil
}

// ReportPath returns the on-disk path of a run's PDF report.
func (a *Attestor) ReportPath(runID string) string {
	return a.path(runID, "report.pdf")
}

// List returns the run ids present in the runs directory, newest name
// order not guaranteed.
func (a *Attestor) List() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("attest: read dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		const suffix = "_run.json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (a *Attestor) path(runID, suffix string) string {
	return filepath.Join(a.dir, fmt.Sprintf("%s_%s", runID, suffix))
}

func reportLines(doc *Document) []string {
	lines := []string{
		fmt.Sprintf("Run: %s", doc.RunID),
		fmt.Sprintf("Scenario: %s", doc.Result.Scenario),
		fmt.Sprintf("Status: %s", doc.Result.Status),
		fmt.Sprintf("Health score: %.3f", doc.Health.Score),
		fmt.Sprintf("Generated: %s", doc.CreatedAt.Format(time.RFC3339)),
		"",
	}
	for _, s := range doc.Result.Steps {
		lines = append(lines, fmt.Sprintf("  %-8s %s (%d attempts, %d ms)",
			s.Status, s.Name, s.Attempts, s.LatencyMS))
	}
	for _, c := range doc.Health.Contributions {
		lines = append(lines, fmt.Sprintf("  %s: %.3f (impact %+.3f)",
			c.Feature, c.Value, c.Impact))
	}
	return lines
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
