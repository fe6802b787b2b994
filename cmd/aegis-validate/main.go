// Command aegis-validate runs a synthetic end-to-end scenario against a
// live deployment and seals the outcome into signed, ledgered evidence.
// It is fail-closed: the process exits zero only for an attested,
// healthy, passing run.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"

	"github.com/sentinelsec/aegis/pkg/attest"
	"github.com/sentinelsec/aegis/pkg/chain"
	"github.com/sentinelsec/aegis/pkg/config"
	"github.com/sentinelsec/aegis/pkg/crypto"
	"github.com/sentinelsec/aegis/pkg/health"
	"github.com/sentinelsec/aegis/pkg/ledger"
	"github.com/sentinelsec/aegis/pkg/scenario"
	"github.com/sentinelsec/aegis/pkg/validator"
)

const (
	exitOK               = 0
	exitGeneric          = 1
	exitConfig           = 2
	exitCrypto           = 3
	exitValidationFailed = 4
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitConfig
	}

	fs := flag.NewFlagSet("aegis-validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		target     = fs.String("target", "http://127.0.0.1:8080", "Base URL of the deployment under test")
		scenarioP  = fs.String("scenario", "", "Path to the scenario YAML (REQUIRED)")
		downstream = fs.String("downstream", cfg.DownstreamDSN, "Postgres DSN for downstream chain checks")
		runsDir    = fs.String("runs", "runs", "Directory for run evidence")
		modelPath  = fs.String("model", "", "Path to a health scoring model JSON")
		token      = fs.String("token", os.Getenv("AEGIS_TOKEN"), "Operator bearer token")
		timeout    = fs.Duration("timeout", cfg.WaitTimeout, "Overall run deadline")
		jsonOut    = fs.Bool("json", false, "Print the run summary as JSON")
	)
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *scenarioP == "" {
		fmt.Fprintln(stderr, "Error: --scenario is required")
		fs.Usage()
		return exitConfig
	}

	def, err := scenario.LoadDefinition(*scenarioP)
	if err != nil {
		fmt.Fprintf(stderr, "scenario: %v\n", err)
		return exitConfig
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	// Signing identity for the run evidence.
	priv, err := crypto.LoadOrGenerateKey(cfg.PrivateKeyPath, cfg.PublicKeyPath)
	if err != nil {
		fmt.Fprintf(stderr, "keys: %v\n", err)
		return exitCrypto
	}
	signer := crypto.NewRSASigner(priv)
	pub := signer.Public()

	ledg, err := ledger.Open(filepath.Join(*runsDir, "audit.ndjson"), signer, pub)
	if err != nil {
		fmt.Fprintf(stderr, "ledger: %v\n", err)
		return classify(err)
	}
	if err := ledg.VerifyChain(); err != nil {
		fmt.Fprintf(stderr, "ledger: %v\n", err)
		return exitCrypto
	}

	attestor, err := attest.New(*runsDir, signer, pub, ledg)
	if err != nil {
		fmt.Fprintf(stderr, "attestor: %v\n", err)
		return exitGeneric
	}

	scorer := health.NewScorer()
	if *modelPath != "" {
		m, err := health.LoadModel(*modelPath)
		if err != nil {
			fmt.Fprintf(stderr, "model: %v\n", err)
			return exitConfig
		}
		scorer.Swap(m)
	}

	runner := scenario.NewRunner(scenario.WithLogger(logger))
	validator.RegisterHTTPActions(runner, validator.NewClient(*target, *token))
	if *downstream != "" {
		db, err := sql.Open("postgres", *downstream)
		if err != nil {
			fmt.Fprintf(stderr, "downstream: %v\n", err)
			return exitConfig
		}
		defer func() { _ = db.Close() }()
		validator.RegisterChainActions(runner, chain.NewPoller(db, chain.WithLogger(logger)))
	} else {
		validator.RegisterChainActions(runner, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result := runner.Run(ctx, def)

	// Attestation happens for passing and failing runs alike; a run that
	// cannot be attested is an error in its own right.
	att, err := attestor.Attest(result, scorer)
	if err != nil {
		fmt.Fprintf(stderr, "attest: %v\n", err)
		return classify(err)
	}

	printSummary(stdout, result, att, *jsonOut)

	if result.Status != scenario.StatusPassed {
		return exitValidationFailed
	}
	if !att.Healthy {
		fmt.Fprintf(stderr, "run passed but health score %.3f is below threshold\n",
			att.Manifest.HealthScore)
		return exitValidationFailed
	}
	return exitOK
}

// classify maps signing and verification failures onto the crypto exit
// code; everything else is generic.
func classify(err error) int {
	var f *crypto.Failure
	if errors.As(err, &f) {
		return exitCrypto
	}
	return exitGeneric
}

func printSummary(w io.Writer, res *scenario.RunResult, att *attest.Attestation, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(map[string]any{
			"run_id":        att.RunID,
			"scenario":      res.Scenario,
			"status":        res.Status,
			"health_score":  att.Manifest.HealthScore,
			"healthy":       att.Healthy,
			"manifest_hash": att.ManifestHash,
			"steps":         res.Steps,
		}, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	fmt.Fprintf(w, "Run %s: %s (%s)\n", att.RunID, res.Status, res.Scenario)
	for _, s := range res.Steps {
		line := fmt.Sprintf("  %-24s %-7s %4dms", s.Name, s.Status, s.LatencyMS)
		if s.Error != "" {
			line += "  " + s.Error
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "Health score: %.3f (healthy=%v)\n", att.Manifest.HealthScore, att.Healthy)
	fmt.Fprintf(w, "Manifest:     %s\n", att.ManifestHash)
	fmt.Fprintf(w, "Duration:     %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
}
