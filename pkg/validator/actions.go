// Package validator binds scenario actions to a live deployment: alert
// injection over HTTP and downstream chain checks over SQL. The runner
// stays semantics-free; everything the platform can be probed for lives
// here.
package validator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sentinelsec/aegis/pkg/chain"
	"github.com/sentinelsec/aegis/pkg/rules"
	"github.com/sentinelsec/aegis/pkg/scenario"
)

// Client issues probe requests against one deployment.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(base, token string) *Client {
	return &Client{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, fmt.Errorf("validator: encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("validator: decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) upload(ctx context.Context, path string) (map[string]any, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/artifacts/upload", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/gzip")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	var out map[string]any
	if resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, resp.StatusCode, err
		}
	}
	return out, resp.StatusCode, nil
}

func param(rc *scenario.RunContext, name string) string {
	v, ok := rc.Params[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

type ingestReply struct {
	AlertID       string        `json:"alert_id"`
	IsDuplicate   bool          `json:"is_duplicate"`
	DuplicateKind string        `json:"duplicate_kind"`
	Matches       []rules.Match `json:"matches"`
	MaxSeverity   string        `json:"max_severity"`
}

// RegisterHTTPActions wires the HTTP probe actions into the runner.
func RegisterHTTPActions(r *scenario.Runner, c *Client) {
	// inject_alert sends a ransomware-shaped alert and records the
	// assigned id plus the match outcome for later steps.
	r.Register("inject_alert", func(ctx context.Context, rc *scenario.RunContext) error {
		alert := map[string]any{
			"source":     param(rc, "source"),
			"alert_type": param(rc, "alert_type"),
			"target":     param(rc, "target"),
		}
		if meta, ok := rc.Params["metadata"].(map[string]any); ok {
			alert["metadata"] = meta
		}
		var reply ingestReply
		status, err := c.do(ctx, http.MethodPost, "/ingest", alert, &reply)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("inject_alert: status %d", status)
		}
		rc.Set("alert_id", reply.AlertID)
		rc.Set("is_duplicate", reply.IsDuplicate)
		rc.Set("duplicate_kind", reply.DuplicateKind)
		rc.Set("match_count", len(reply.Matches))
		rc.Set("max_severity", reply.MaxSeverity)
		return nil
	})

	// expect_detection fails unless the last injection matched a rule,
	// optionally of a given severity.
	r.Register("expect_detection", func(ctx context.Context, rc *scenario.RunContext) error {
		count, _ := rc.Get("match_count")
		n, _ := count.(int)
		if n == 0 {
			return fmt.Errorf("expect_detection: alert matched no rules")
		}
		if want := param(rc, "severity"); want != "" {
			if got := rc.GetString("max_severity"); got != want {
				return fmt.Errorf("expect_detection: severity %q, want %q", got, want)
			}
		}
		return nil
	})

	// expect_duplicate fails unless the last injection was suppressed
	// with the given kind.
	r.Register("expect_duplicate", func(ctx context.Context, rc *scenario.RunContext) error {
		dup, _ := rc.Get("is_duplicate")
		if isDup, _ := dup.(bool); !isDup {
			return fmt.Errorf("expect_duplicate: alert was not suppressed")
		}
		if want := param(rc, "kind"); want != "" {
			if got := rc.GetString("duplicate_kind"); got != want {
				return fmt.Errorf("expect_duplicate: kind %q, want %q", got, want)
			}
		}
		return nil
	})

	r.Register("upload_bundle", func(ctx context.Context, rc *scenario.RunContext) error {
		out, status, err := c.upload(ctx, param(rc, "path"))
		if err != nil {
			return err
		}
		if status != http.StatusCreated && status != http.StatusOK {
			return fmt.Errorf("upload_bundle: status %d", status)
		}
		id, _ := out["artifact_id"].(string)
		rc.Set("artifact_id", id)
		return nil
	})

	r.Register("activate_artifact", func(ctx context.Context, rc *scenario.RunContext) error {
		id := param(rc, "artifact_id")
		if id == "" {
			id = rc.GetString("artifact_id")
		}
		if id == "" {
			return fmt.Errorf("activate_artifact: no artifact id")
		}
		status, err := c.do(ctx, http.MethodPost, "/artifacts/"+id+"/activate", nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("activate_artifact: status %d", status)
		}
		return nil
	})

	// check_health reads the ingest health endpoint and records the
	// evidence queue depth for the run report.
	r.Register("check_health", func(ctx context.Context, rc *scenario.RunContext) error {
		var hz struct {
			Status  string  `json:"status"`
			Dropped float64 `json:"dropped"`
		}
		status, err := c.do(ctx, http.MethodGet, "/healthz", nil, &hz)
		if err != nil {
			return err
		}
		if status != http.StatusOK || hz.Status != "ok" {
			return fmt.Errorf("check_health: status %d (%s)", status, hz.Status)
		}
		rc.SetMetric("queue_depth", hz.Dropped)
		return nil
	})

	// verify_audit_chain asserts the deployment's ledger hash chain is
	// intact end to end.
	r.Register("verify_audit_chain", func(ctx context.Context, rc *scenario.RunContext) error {
		var out struct {
			Intact bool   `json:"intact"`
			Reason string `json:"reason"`
		}
		status, err := c.do(ctx, http.MethodGet, "/audit/verify", nil, &out)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("verify_audit_chain: status %d", status)
		}
		if !out.Intact {
			return fmt.Errorf("verify_audit_chain: chain broken: %s", out.Reason)
		}
		return nil
	})
}

// RegisterChainActions wires the downstream database checks. The poller
// is nil-safe: when no downstream DSN is configured the actions fail so
// a scenario cannot silently pass without its evidence.
func RegisterChainActions(r *scenario.Runner, p *chain.Poller) {
	// wait_incident blocks until the incident row referencing the
	// injected alert exists downstream.
	r.Register("wait_incident", func(ctx context.Context, rc *scenario.RunContext) error {
		if p == nil {
			return fmt.Errorf("wait_incident: no downstream database configured")
		}
		alertID := rc.GetString("alert_id")
		if alertID == "" {
			return fmt.Errorf("wait_incident: no alert_id in run context")
		}
		err := p.WaitForRecord(ctx,
			"SELECT COUNT(*) FROM incidents WHERE alert_id = $1", alertID)
		if err != nil {
			return err
		}
		return scanIncidentID(ctx, p, rc, alertID)
	})

	// wait_evidence blocks until the evidence row referencing the
	// incident exists, completing the alert -> incident -> evidence chain.
	r.Register("wait_evidence", func(ctx context.Context, rc *scenario.RunContext) error {
		if p == nil {
			return fmt.Errorf("wait_evidence: no downstream database configured")
		}
		incidentID := rc.GetString("incident_id")
		if incidentID == "" {
			return fmt.Errorf("wait_evidence: no incident_id in run context")
		}
		return p.WaitForRecord(ctx,
			"SELECT COUNT(*) FROM evidence WHERE incident_id = $1", incidentID)
	})

	// verify_ledger_chain recomputes the downstream ledger's hash chain
	// row by row.
	r.Register("verify_ledger_chain", func(ctx context.Context, rc *scenario.RunContext) error {
		if p == nil {
			return fmt.Errorf("verify_ledger_chain: no downstream database configured")
		}
		report, err := p.VerifyChain(ctx,
			"SELECT seq, prev_hash, entry_hash, body FROM ledger_entries ORDER BY seq")
		if err != nil {
			return err
		}
		if !report.Intact {
			return fmt.Errorf("verify_ledger_chain: broken at seq %d: %s",
				report.BrokenAtSeq, report.Reason)
		}
		return nil
	})
}

func scanIncidentID(ctx context.Context, p *chain.Poller, rc *scenario.RunContext, alertID string) error {
	id, err := p.QueryString(ctx,
		"SELECT incident_id FROM incidents WHERE alert_id = $1 LIMIT 1", alertID)
	if err != nil {
		return fmt.Errorf("wait_incident: read incident id: %w", err)
	}
	rc.Set("incident_id", id)
	return nil
}
