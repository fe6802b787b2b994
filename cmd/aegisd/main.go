// Command aegisd runs the aegis control plane: alert ingest, signed
// bundle lifecycle, and the run attestation API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/sentinelsec/aegis/pkg/active"
	"github.com/sentinelsec/aegis/pkg/api"
	"github.com/sentinelsec/aegis/pkg/attest"
	"github.com/sentinelsec/aegis/pkg/audit"
	"github.com/sentinelsec/aegis/pkg/buffer"
	"github.com/sentinelsec/aegis/pkg/bundle"
	"github.com/sentinelsec/aegis/pkg/chain"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/crypto"
	"github.com/sentinelsec/aegis/pkg/dedup"
	"github.com/sentinelsec/aegis/pkg/health"
	"github.com/sentinelsec/aegis/pkg/ledger"
	"github.com/sentinelsec/aegis/pkg/observability"
	"github.com/sentinelsec/aegis/pkg/registry"
	"github.com/sentinelsec/aegis/pkg/rules"
	"github.com/sentinelsec/aegis/pkg/scenario"
	"github.com/sentinelsec/aegis/pkg/store"
	"github.com/sentinelsec/aegis/pkg/validator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if code := os.Getenv("AEGIS_PROFILE"); code != "" {
		profile, err := config.LoadProfile(
			filepath.Join(cfg.StorageRoot, "profiles"), code)
		if err != nil {
			log.Fatalf("profile %q: %v", code, err)
		}
		if err := profile.Apply(cfg); err != nil {
			log.Fatalf("profile %q: %v", code, err)
		}
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("aegisd: %v", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Signing identity. The same key signs ledger entries and run
	// manifests; bundle verification trusts its public half.
	priv, err := crypto.LoadOrGenerateKey(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		return err
	}
	signer := crypto.NewRSASigner(priv)
	pub := signer.Public()

	ledg, err := ledger.Open(cfg.LedgerPath, signer, pub)
	if err != nil {
		return err
	}
	if err := ledg.VerifyChain(); err != nil {
		return err
	}

	reg, err := registry.OpenSQLite(cfg.RegistryPath)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	st, err := store.New(cfg.StorageRoot)
	if err != nil {
		return err
	}
	st = st.WithRetention(cfg.ArchiveRetention)
	if cfg.S3Bucket != "" {
		mirror, err := store.NewS3Mirror(ctx, store.S3MirrorConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			return err
		}
		st = st.WithMirror(mirror)
		logger.Info("archive mirror enabled", "bucket", cfg.S3Bucket)
	}

	filterOpts := []dedup.Option{
		dedup.WithWindow(cfg.DedupWindow),
		dedup.WithSimilarityThreshold(cfg.SimilarityThreshold),
		dedup.WithLogger(logger),
	}
	if cfg.RedisAddr != "" {
		rs := dedup.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup, dedup will fall back locally",
				"addr", cfg.RedisAddr, "error", err)
		}
		defer func() { _ = rs.Close() }()
		filterOpts = append(filterOpts, dedup.WithBackend(rs))
	}
	filter := dedup.NewFilter(filterOpts...)

	evidence, err := buffer.New(cfg.EvidenceDir,
		buffer.WithCapacity(cfg.BufferCapacity),
		buffer.WithBatchSize(cfg.BatchSize),
		buffer.WithMaxBatchAge(cfg.MaxBatchAge),
		buffer.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	compiler, err := rules.NewCompiler(logger)
	if err != nil {
		return err
	}
	rulesets := active.NewHolder[rules.Ruleset]()
	scorer := health.NewScorer()
	if err := restoreActive(ctx, reg, st, compiler, rulesets, scorer, logger); err != nil {
		return err
	}

	attestor, err := attest.New(cfg.RunsDir, signer, pub, ledg)
	if err != nil {
		return err
	}

	runner := scenario.NewRunner(scenario.WithLogger(logger))
	validator.RegisterHTTPActions(runner, validator.NewClient(selfURL(cfg.ListenAddr), ""))
	if cfg.DownstreamDSN != "" {
		db, err := sql.Open("postgres", cfg.DownstreamDSN)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		validator.RegisterChainActions(runner, chain.NewPoller(db, chain.WithLogger(logger)))
	} else {
		validator.RegisterChainActions(runner, nil)
	}

	scenarios, err := loadScenarios(filepath.Join(cfg.StorageRoot, "scenarios"))
	if err != nil {
		return err
	}
	logger.Info("scenarios loaded", "count", len(scenarios))

	var reqMetrics api.RequestMetrics
	if cfg.OTelEnabled {
		provider, err := observability.New(ctx, &observability.Config{
			ServiceName:  "aegisd",
			Environment:  cfg.Environment,
			OTLPEndpoint: cfg.OTLPEndpoint,
			SampleRate:   1.0,
			Enabled:      true,
			Insecure:     cfg.Environment != "production",
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
		reqMetrics = provider
	}

	limiter := api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	server := api.NewServer(api.Deps{
		Registry:        reg,
		Store:           st,
		Verifier:        bundle.NewVerifier(pub).WithLimits(cfg.MaxArchiveBytes, cfg.MaxVerifyFiles),
		Compiler:        compiler,
		Rulesets:        rulesets,
		Scorer:          scorer,
		Filter:          filter,
		Evidence:        evidence,
		AuditLog:        audit.NewLedgerLogger(ledg),
		Ledger:          ledg,
		Attestor:        attestor,
		Runner:          runner,
		Scenarios:       scenarios,
		Auth:            api.NewOperatorAuth(cfg.JWTSecret),
		Limiter:         limiter,
		Metrics:         reqMetrics,
		UploadDir:       filepath.Join(cfg.StorageRoot, "uploads"),
		MaxArchiveBytes: cfg.MaxArchiveBytes,
		Logger:          logger,
	})
	if err := os.MkdirAll(filepath.Join(cfg.StorageRoot, "uploads"), 0o750); err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		logger.Warn("AEGIS_JWT_SECRET not set, operator endpoints are unauthenticated")
	}

	go pruneArchives(ctx, st, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "environment", cfg.Environment)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	// Drain the evidence buffer after the listener stops accepting work.
	if err := evidence.Close(); err != nil {
		logger.Error("evidence buffer drain", "error", err)
	}
	return nil
}

// restoreActive reloads whatever the registry says was active before the
// restart, so a reboot never silently drops the running ruleset or model.
func restoreActive(ctx context.Context, reg registry.Registry, st *store.Store,
	compiler *rules.Compiler, rulesets *active.Holder[rules.Ruleset],
	scorer *health.Scorer, logger *slog.Logger) error {

	arts, err := reg.List(ctx, registry.StatusActive)
	if err != nil {
		return err
	}
	for _, a := range arts {
		dir := st.ArtifactDir(a.ID)
		switch a.Class {
		case "", "ruleset":
			rs, err := compiler.LoadDir(dir)
			if err != nil {
				return err
			}
			rulesets.Swap(rs)
			logger.Info("ruleset restored", "artifact_id", a.ID, "rules", rs.Len(), "dead", rs.Dead())
		case "model":
			m, err := health.LoadDir(dir)
			if err != nil {
				return err
			}
			scorer.Swap(m)
			logger.Info("model restored", "artifact_id", a.ID, "version", m.Version)
		default:
			logger.Warn("active artifact of unknown class ignored",
				"artifact_id", a.ID, "class", a.Class)
		}
	}
	return nil
}

func loadScenarios(dir string) (map[string]*scenario.Definition, error) {
	out := make(map[string]*scenario.Definition)
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		def, err := scenario.LoadDefinition(path)
		if err != nil {
			return nil, err
		}
		out[def.Name] = def
	}
	return out, nil
}

func pruneArchives(ctx context.Context, st *store.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := st.PruneArchives(now)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("archive prune failed", "error", err)
			} else if n > 0 {
				logger.Info("archives pruned", "count", n)
			}
		}
	}
}

func selfURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}
