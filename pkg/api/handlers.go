// Package api exposes the aegis HTTP surface: alert and IOC ingest,
// signed artifact lifecycle, validation runs, and audit export.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/aegis/pkg/active"
	"github.com/sentinelsec/aegis/pkg/alerts"
	"github.com/sentinelsec/aegis/pkg/attest"
	"github.com/sentinelsec/aegis/pkg/audit"
	"github.com/sentinelsec/aegis/pkg/buffer"
	"github.com/sentinelsec/aegis/pkg/bundle"
	"github.com/sentinelsec/aegis/pkg/dedup"
	"github.com/sentinelsec/aegis/pkg/health"
	"github.com/sentinelsec/aegis/pkg/intel"
	"github.com/sentinelsec/aegis/pkg/ledger"
	"github.com/sentinelsec/aegis/pkg/registry"
	"github.com/sentinelsec/aegis/pkg/rules"
	"github.com/sentinelsec/aegis/pkg/scenario"
	"github.com/sentinelsec/aegis/pkg/store"
)

// maxAlertBody bounds a single ingested alert payload.
const maxAlertBody = 1 << 20

// Server wires the HTTP surface to the cores: bundle lifecycle, alert
// ingest, and validator runs.
type Server struct {
	registry registry.Registry
	store    *store.Store
	verifier *bundle.Verifier
	compiler *rules.Compiler
	// rulesets and scorer are the per-class hot slots the request path
	// reads. The registry activates per artifact name; this deployment
	// runs one ruleset name and one model name, so each class collapses
	// to a single slot. Activating a second name of the same class
	// displaces the first here even though both stay active in the
	// registry.
	rulesets *active.Holder[rules.Ruleset]
	scorer   *health.Scorer
	filter   *dedup.Filter
	evidence *buffer.Writer
	auditLog audit.Logger
	log      *ledger.Ledger
	attestor *attest.Attestor
	runner   *scenario.Runner
	// scenarios loaded at startup, keyed by definition name.
	scenarios map[string]*scenario.Definition

	auth            *OperatorAuth
	limiter         *GlobalRateLimiter
	metrics         RequestMetrics
	uploadDir       string
	maxArchiveBytes int64
	clock           func() time.Time
	logger          *slog.Logger
}

// Deps collects the server's constructor dependencies.
type Deps struct {
	Registry  registry.Registry
	Store     *store.Store
	Verifier  *bundle.Verifier
	Compiler  *rules.Compiler
	Rulesets  *active.Holder[rules.Ruleset]
	Scorer    *health.Scorer
	Filter    *dedup.Filter
	Evidence  *buffer.Writer
	AuditLog  audit.Logger
	Ledger    *ledger.Ledger
	Attestor  *attest.Attestor
	Runner    *scenario.Runner
	Scenarios map[string]*scenario.Definition

	Auth            *OperatorAuth
	Limiter         *GlobalRateLimiter
	Metrics         RequestMetrics
	UploadDir       string
	MaxArchiveBytes int64
	Logger          *slog.Logger
}

// NewServer builds the HTTP server around its dependencies.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := d.MaxArchiveBytes
	if maxBytes <= 0 {
		maxBytes = bundle.DefaultMaxUncompressed
	}
	return &Server{
		registry:        d.Registry,
		store:           d.Store,
		verifier:        d.Verifier,
		compiler:        d.Compiler,
		rulesets:        d.Rulesets,
		scorer:          d.Scorer,
		filter:          d.Filter,
		evidence:        d.Evidence,
		auditLog:        d.AuditLog,
		log:             d.Ledger,
		attestor:        d.Attestor,
		runner:          d.Runner,
		scenarios:       d.Scenarios,
		auth:            d.Auth,
		limiter:         d.Limiter,
		metrics:         d.Metrics,
		uploadDir:       d.UploadDir,
		maxArchiveBytes: maxBytes,
		clock:           time.Now,
		logger:          logger.With("component", "api"),
	}
}

// Handler assembles the route table. Mutating artifact and run endpoints
// sit behind operator auth; ingest sits behind the rate limiter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	ingest := http.Handler(http.HandlerFunc(s.handleIngest))
	if s.limiter != nil {
		ingest = s.limiter.Middleware(ingest)
	}
	mux.Handle("POST /ingest", ingest)

	intelIngest := http.Handler(http.HandlerFunc(s.handleIntel))
	if s.limiter != nil {
		intelIngest = s.limiter.Middleware(intelIngest)
	}
	mux.Handle("POST /intel/iocs", intelIngest)

	authed := func(h http.HandlerFunc) http.Handler {
		if s.auth != nil {
			return s.auth.Middleware(h)
		}
		return h
	}

	mux.Handle("POST /artifacts/upload", authed(s.handleUpload))
	mux.Handle("POST /artifacts/{id}/activate", authed(s.handleActivate))
	mux.Handle("POST /artifacts/{id}/deactivate", authed(s.handleDeactivate))
	mux.Handle("DELETE /artifacts/{id}", authed(s.handleDelete))
	mux.HandleFunc("GET /artifacts", s.handleList)
	mux.HandleFunc("GET /artifacts/active", s.handleGetActive)

	mux.Handle("POST /runs", authed(s.handleRunScenario))
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/report", s.handleRunReport)
	mux.HandleFunc("GET /runs/{id}/verify", s.handleVerifyRun)

	mux.Handle("GET /audit/export", authed(s.handleAuditExport))
	mux.HandleFunc("GET /audit/verify", s.handleAuditVerify)

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	h := http.Handler(mux)
	if s.metrics != nil {
		h = Metrics(s.metrics, h)
	}
	return RequestID(h)
}

type ingestResponse struct {
	AlertID       string        `json:"alert_id"`
	Status        string        `json:"status"`
	IsDuplicate   bool          `json:"is_duplicate"`
	DuplicateKind string        `json:"duplicate_kind,omitempty"`
	Matches       []rules.Match `json:"matches,omitempty"`
	MaxSeverity   string        `json:"max_severity,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var alert alerts.Alert
	body := http.MaxBytesReader(w, r.Body, maxAlertBody)
	if err := json.NewDecoder(body).Decode(&alert); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed alert payload")
		return
	}
	if err := alerts.Normalize(&alert, s.clock); err != nil {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable Alert", err.Error())
		return
	}

	decision := s.filter.Check(r.Context(), &alert)
	if decision.Duplicate {
		writeJSON(w, http.StatusOK, ingestResponse{
			AlertID:       alert.ID,
			Status:        "duplicate",
			IsDuplicate:   true,
			DuplicateKind: string(decision.Kind),
		})
		return
	}

	var matches []rules.Match
	if rs := s.rulesets.Current(); rs != nil {
		matches = rs.Evaluate(&alert)
	}

	s.evidence.Enqueue(map[string]any{
		"alert":   alert,
		"matches": matches,
	})

	writeJSON(w, http.StatusOK, ingestResponse{
		AlertID:     alert.ID,
		Status:      "processed",
		Matches:     matches,
		MaxSeverity: string(rules.MaxSeverity(matches)),
	})
}

// handleIntel normalises one heterogeneous feed record into the
// canonical IOC shape at the ingest boundary and buffers it for the
// durable sink.
func (s *Server) handleIntel(w http.ResponseWriter, r *http.Request) {
	var rec intel.IOC
	body := http.MaxBytesReader(w, r.Body, maxAlertBody)
	if err := json.NewDecoder(body).Decode(&rec); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed feed record")
		return
	}
	if err := intel.Normalize(&rec, s.clock); err != nil {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Unprocessable IOC", err.Error())
		return
	}
	s.evidence.Enqueue(map[string]any{"ioc": &rec})
	writeJSON(w, http.StatusOK, &rec)
}

type uploadResponse struct {
	ArtifactID   string `json:"artifact_id"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	Version      string `json:"version"`
	ManifestHash string `json:"manifest_hash"`
	Duplicate    bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tmp, err := os.CreateTemp(s.uploadDir, "upload-*.tar.gz")
	if err != nil {
		WriteInternal(w, err)
		return
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	_, err = io.Copy(tmp, http.MaxBytesReader(w, r.Body, s.maxArchiveBytes))
	_ = tmp.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Payload Too Large",
				fmt.Sprintf("bundle exceeds %d bytes", s.maxArchiveBytes))
			return
		}
		WriteInternal(w, err)
		return
	}

	result, err := s.verifier.Verify(ctx, tmpPath, s.uploadDir)
	if err != nil {
		var reject *bundle.RejectError
		if errors.As(err, &reject) {
			WriteTypedError(w, r, http.StatusUnprocessableEntity, "Bundle Rejected", reject)
			return
		}
		WriteInternal(w, err)
		return
	}

	artifactID := uuid.New().String()
	dir, err := s.store.Materialize(artifactID, result.Dir)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	meta := result.Manifest.Metadata
	id, err := s.registry.Register(ctx, &registry.Artifact{
		ID:           artifactID,
		Name:         meta.Name,
		Version:      meta.Version,
		Class:        meta.Class,
		ManifestHash: result.ManifestHash,
		Path:         dir,
		Uploader:     audit.ActorFrom(ctx),
	})
	if err != nil {
		var conflict *registry.ConflictError
		if errors.As(err, &conflict) && conflict.Kind == registry.ConflictDuplicateHash {
			// Same content already registered: idempotent success.
			_ = s.store.Remove(artifactID)
			writeJSON(w, http.StatusOK, uploadResponse{
				ArtifactID:   id,
				Status:       "accepted",
				Name:         meta.Name,
				Version:      meta.Version,
				ManifestHash: result.ManifestHash,
				Duplicate:    true,
			})
			return
		}
		_ = s.store.Remove(artifactID)
		if errors.As(err, &conflict) {
			WriteTypedError(w, r, http.StatusConflict, "Conflict", conflict)
			return
		}
		WriteInternal(w, err)
		return
	}

	s.audit(ctx, audit.EventMutation, "artifact_uploaded", "/artifacts/upload", map[string]any{
		"artifact_id":   id,
		"name":          meta.Name,
		"version":       meta.Version,
		"manifest_hash": result.ManifestHash,
	})

	writeJSON(w, http.StatusCreated, uploadResponse{
		ArtifactID:   id,
		Status:       "accepted",
		Name:         meta.Name,
		Version:      meta.Version,
		ManifestHash: result.ManifestHash,
	})
}

type activateResponse struct {
	ArtifactID string `json:"artifact_id"`
	DemotedID  string `json:"demoted_id,omitempty"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	artifact, err := s.registry.GetByID(ctx, id)
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}

	// Load into memory first: a bundle that does not compile must never
	// demote the running artifact.
	swap, err := s.prepareSwap(artifact)
	if err != nil {
		WriteErrorR(w, r, http.StatusUnprocessableEntity, "Activation Failed", err.Error())
		return
	}

	demoted, err := s.registry.Activate(ctx, id)
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	swap()

	resp := activateResponse{ArtifactID: id}
	if demoted != nil {
		resp.DemotedID = demoted.ID
		if _, err := s.store.Archive(ctx, demoted.Name, demoted.ID, demoted.ManifestHash); err != nil {
			// Archival is best effort; activation already happened.
			s.logger.Warn("archive of demoted artifact failed",
				"artifact_id", demoted.ID, "error", err)
		}
	}

	s.audit(ctx, audit.EventMutation, "artifact_activated", r.URL.Path, map[string]any{
		"artifact_id": id,
		"demoted_id":  resp.DemotedID,
	})
	writeJSON(w, http.StatusOK, resp)
}

// prepareSwap compiles the artifact's content by class and returns the
// function that installs it.
func (s *Server) prepareSwap(artifact *registry.Artifact) (func(), error) {
	dir := s.store.ArtifactDir(artifact.ID)
	switch artifact.Class {
	case "", "ruleset":
		rs, err := s.compiler.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load ruleset: %w", err)
		}
		return func() { s.rulesets.Swap(rs) }, nil
	case "model":
		m, err := health.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load model: %w", err)
		}
		return func() { s.scorer.Swap(m) }, nil
	default:
		return nil, fmt.Errorf("unknown artifact class %q", artifact.Class)
	}
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	artifact, err := s.registry.GetByID(ctx, id)
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	if err := s.registry.Deactivate(ctx, id); err != nil {
		s.writeRegistryError(w, r, err)
		return
	}

	// Deactivate only succeeds for the currently active row, so the
	// slot cleared below is guaranteed to hold this artifact's class.
	switch artifact.Class {
	case "", "ruleset":
		s.rulesets.Swap(nil)
	case "model":
		s.scorer.Swap(nil)
	}

	s.audit(ctx, audit.EventMutation, "artifact_deactivated", r.URL.Path, map[string]any{
		"artifact_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := s.registry.Delete(ctx, id); err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	if err := s.store.Remove(id); err != nil {
		WriteInternal(w, err)
		return
	}

	s.audit(ctx, audit.EventMutation, "artifact_deleted", r.URL.Path, map[string]any{
		"artifact_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := registry.Status(r.URL.Query().Get("status"))
	artifacts, err := s.registry.List(r.Context(), status)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "name query parameter required")
		return
	}
	artifact, err := s.registry.GetActive(r.Context(), name)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if artifact == nil {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			fmt.Sprintf("no active artifact for %q", name))
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

type runRequest struct {
	Scenario string `json:"scenario"`
}

type runResponse struct {
	RunID        string  `json:"run_id"`
	Status       string  `json:"status"`
	HealthScore  float64 `json:"health_score"`
	Healthy      bool    `json:"healthy"`
	ManifestHash string  `json:"manifest_hash"`
}

func (s *Server) handleRunScenario(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req runRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAlertBody)).Decode(&req); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "malformed run request")
		return
	}
	def, ok := s.scenarios[req.Scenario]
	if !ok {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found",
			fmt.Sprintf("unknown scenario %q", req.Scenario))
		return
	}

	result := s.runner.Run(ctx, def)
	att, err := s.attestor.Attest(result, s.scorer)
	if err != nil {
		// Fail closed: a run that cannot be attested is not reported as
		// a success regardless of scenario outcome.
		WriteInternal(w, err)
		return
	}

	s.audit(ctx, audit.EventMutation, "run_executed", "/runs", map[string]any{
		"run_id":   att.RunID,
		"scenario": req.Scenario,
		"status":   string(result.Status),
	})

	writeJSON(w, http.StatusCreated, runResponse{
		RunID:        att.RunID,
		Status:       string(result.Status),
		HealthScore:  att.Manifest.HealthScore,
		Healthy:      att.Healthy,
		ManifestHash: att.ManifestHash,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	ids, err := s.attestor.List()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	doc, err := s.attestor.Load(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "run not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	path := s.attestor.ReportPath(r.PathValue("id"))
	if _, err := os.Stat(path); err != nil {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "report not found")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	http.ServeFile(w, r, path)
}

func (s *Server) handleVerifyRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	doc, err := s.attestor.Load(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "run not found")
			return
		}
		WriteInternal(w, err)
		return
	}

	resp := map[string]any{
		"run_id":            id,
		"chain_complete":    doc.Result.Status == scenario.StatusPassed,
		"ledger_consistent": s.log.VerifyChain() == nil,
	}
	if err := s.attestor.Verify(id); err != nil {
		resp["manifest_verified"] = false
		resp["reason"] = err.Error()
	} else {
		resp["manifest_verified"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	var req audit.ExportRequest
	var err error
	if v := r.URL.Query().Get("start"); v != "" {
		if req.StartTime, err = time.Parse(time.RFC3339, v); err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "start must be RFC 3339")
			return
		}
	}
	if v := r.URL.Query().Get("end"); v != "" {
		if req.EndTime, err = time.Parse(time.RFC3339, v); err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "end must be RFC 3339")
			return
		}
	}

	pack, checksum, err := audit.NewExporter(s.log).GeneratePack(req)
	if err != nil {
		if errors.Is(err, audit.ErrInvalidTimeRange) {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Content-Checksum", checksum)
	w.Header().Set("Content-Disposition", `attachment; filename="audit-evidence.zip"`)
	_, _ = w.Write(pack)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	if err := s.log.VerifyChain(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"intact": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intact": true, "head": s.log.Head()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"dropped": s.evidence.Dropped(),
	})
}

func (s *Server) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *registry.ConflictError
	if errors.As(err, &conflict) {
		switch conflict.Kind {
		case registry.ConflictUnknownID:
			WriteTypedError(w, r, http.StatusNotFound, "Not Found", conflict)
		default:
			WriteTypedError(w, r, http.StatusConflict, "Conflict", conflict)
		}
		return
	}
	WriteInternal(w, err)
}

// audit records an operator event; a failing audit sink is logged but the
// already-committed mutation is not rolled back.
func (s *Server) audit(ctx context.Context, t audit.EventType, action, resource string, meta map[string]any) {
	if s.auditLog == nil {
		return
	}
	if err := s.auditLog.Record(ctx, t, action, resource, meta); err != nil {
		s.logger.Error("audit record failed", "action", action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
