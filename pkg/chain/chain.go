// Package chain lets the validator confirm that injected evidence reached
// the downstream SQL store and that the audit records there still form an
// unbroken hash chain.
package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelsec/aegis/pkg/ledger"
)

const (
	pollBase = time.Second
	pollCap  = 10 * time.Second
)

// ErrTimedOut is returned when the record never appeared before the
// context deadline.
var ErrTimedOut = errors.New("chain: timed out waiting for record")

// Poller polls a downstream database for expected records.
type Poller struct {
	db     *sql.DB
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option { return func(p *Poller) { p.logger = logger } }

// WithSleep replaces the poll sleep, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = sleep }
}

func NewPoller(db *sql.DB, opts ...Option) *Poller {
	p := &Poller{db: db, sleep: sleepCtx, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "chain_poller")
	return p
}

// WaitForRecord runs the count query until it reports at least one row.
// Every attempt is a fresh query so the check never reads a stale
// transaction snapshot. The poll interval doubles from one second up to
// the cap; the context deadline bounds the whole wait.
func (p *Poller) WaitForRecord(ctx context.Context, query string, args ...any) error {
	interval := pollBase
	for attempt := 1; ; attempt++ {
		var count int64
		err := p.db.QueryRowContext(ctx, query, args...).Scan(&count)
		switch {
		case err == nil && count > 0:
			p.logger.Debug("record found", "attempts", attempt)
			return nil
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%w: %v", ErrTimedOut, ctxErr)
			}
			p.logger.Warn("poll query failed", "attempt", attempt, "error", err)
		}

		if err := p.sleep(ctx, interval); err != nil {
			return fmt.Errorf("%w: %v", ErrTimedOut, err)
		}
		interval *= 2
		if interval > pollCap {
			interval = pollCap
		}
	}
}

// QueryString runs a single-row query and returns its string column,
// used to read ids off rows WaitForRecord already proved to exist.
func (p *Poller) QueryString(ctx context.Context, query string, args ...any) (string, error) {
	var s string
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&s); err != nil {
		return "", err
	}
	return s, nil
}

// Report is the outcome of a downstream chain verification.
type Report struct {
	Records     int    `json:"records"`
	Intact      bool   `json:"intact"`
	BrokenAtSeq int64  `json:"broken_at_seq,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// VerifyChain reads audit rows in sequence order and recomputes the hash
// linkage. The query must return (seq, prev_hash, entry_hash, body) where
// body is the canonical entry body as stored. Verification is read-only;
// a broken chain is reported, never repaired.
func (p *Poller) VerifyChain(ctx context.Context, query string, args ...any) (*Report, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	report := &Report{Intact: true}
	prev := ""
	for rows.Next() {
		var (
			seq                       int64
			prevHash, entryHash, body string
		)
		if err := rows.Scan(&seq, &prevHash, &entryHash, &body); err != nil {
			return nil, fmt.Errorf("chain: scan: %w", err)
		}
		report.Records++

		if prevHash != prev {
			return brokenAt(report, seq, fmt.Sprintf("prev_hash %q, expected %q", prevHash, prev)), nil
		}
		if got := ledger.ChainHash(prevHash, []byte(body)); got != entryHash {
			return brokenAt(report, seq, "entry hash mismatch"), nil
		}
		prev = entryHash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chain: rows: %w", err)
	}
	return report, nil
}

func brokenAt(r *Report, seq int64, reason string) *Report {
	r.Intact = false
	r.BrokenAtSeq = seq
	r.Reason = reason
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
