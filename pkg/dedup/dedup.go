// Package dedup suppresses alert storms. Two layers run in order: an
// exact layer keyed on the alert identity triple, then a SimHash layer
// that catches near-identical textual content within the same window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentinelsec/aegis/pkg/alerts"
)

// DefaultWindow is the suppression window for both layers.
const DefaultWindow = 5 * time.Minute

// DefaultSimilarityThreshold is the maximum Hamming distance at which two
// alerts are considered the same event.
const DefaultSimilarityThreshold = 3

// DefaultMaxCacheEntries bounds the in-memory SimHash ring.
const DefaultMaxCacheEntries = 10_000

// Kind labels why an alert was suppressed.
type Kind string

const (
	KindExact Kind = "exact"
	KindFuzzy Kind = "fuzzy"
)

// Decision is the outcome for one alert.
type Decision struct {
	Duplicate bool
	Kind      Kind
	// Distance is the Hamming distance for similar hits, 0 for exact.
	Distance int
}

// Store is the exact-layer backend. Seen records key for ttl and reports
// whether it was already present.
type Store interface {
	Seen(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type simEntry struct {
	hash    uint64
	expires time.Time
}

// Filter is the two-layer dedup pipeline. Safe for concurrent use.
type Filter struct {
	backend   Store
	fallback  *LocalStore
	window    time.Duration
	threshold int
	maxCache  int
	clock     func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	ring []simEntry

	backendErrors atomic.Uint64
	suppressed    atomic.Uint64
}

// Option configures a Filter.
type Option func(*Filter)

func WithWindow(d time.Duration) Option       { return func(f *Filter) { f.window = d } }
func WithSimilarityThreshold(n int) Option    { return func(f *Filter) { f.threshold = n } }
func WithMaxCacheEntries(n int) Option        { return func(f *Filter) { f.maxCache = n } }
func WithClock(clock func() time.Time) Option { return func(f *Filter) { f.clock = clock } }
func WithBackend(s Store) Option              { return func(f *Filter) { f.backend = s } }
func WithLogger(logger *slog.Logger) Option   { return func(f *Filter) { f.logger = logger } }

// NewFilter builds a filter. Without WithBackend the exact layer runs on
// the in-process store; with one, the backend is tried first and any
// backend failure degrades to the in-process store for that alert.
func NewFilter(opts ...Option) *Filter {
	f := &Filter{
		window:    DefaultWindow,
		threshold: DefaultSimilarityThreshold,
		maxCache:  DefaultMaxCacheEntries,
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.fallback = NewLocalStore(f.clock)
	if f.backend == nil {
		f.backend = f.fallback
	}
	f.logger = f.logger.With("component", "dedup")
	return f
}

// ExactKey derives the exact-layer key from the identity triple.
func ExactKey(a *alerts.Alert) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", a.Source, a.AlertType, a.Target)))
	return hex.EncodeToString(sum[:])
}

// Check classifies the alert. The first occurrence of any identity or
// content registers it for the window; later occurrences inside the
// window come back as duplicates. Backend outages never drop alerts on
// the floor: the exact layer degrades to the local store and the error
// is counted, not returned.
func (f *Filter) Check(ctx context.Context, a *alerts.Alert) Decision {
	key := "aegis:dedup:" + ExactKey(a)
	seen, err := f.backend.Seen(ctx, key, f.window)
	if err != nil {
		f.backendErrors.Add(1)
		f.logger.Warn("dedup backend unavailable, using local store", "error", err)
		seen, _ = f.fallback.Seen(ctx, key, f.window)
	}
	if seen {
		f.suppressed.Add(1)
		return Decision{Duplicate: true, Kind: KindExact}
	}

	// Alerts without textual content have nothing to compare; the fuzzy
	// layer is skipped rather than letting their empty hashes collide.
	if text := a.TextFields(); strings.TrimSpace(text) != "" {
		if dist, hit := f.checkSimilar(SimHash(text)); hit {
			f.suppressed.Add(1)
			return Decision{Duplicate: true, Kind: KindFuzzy, Distance: dist}
		}
	}
	return Decision{}
}

// checkSimilar scans the ring for a live hash within the threshold and
// registers h when none is found.
func (f *Filter) checkSimilar(h uint64) (int, bool) {
	now := f.clock()
	f.mu.Lock()
	defer f.mu.Unlock()

	live := f.ring[:0]
	for _, e := range f.ring {
		if e.expires.After(now) {
			live = append(live, e)
		}
	}
	f.ring = live

	for _, e := range f.ring {
		if d := HammingDistance(e.hash, h); d <= f.threshold {
			return d, true
		}
	}

	f.ring = append(f.ring, simEntry{hash: h, expires: now.Add(f.window)})
	if len(f.ring) > f.maxCache {
		f.ring = f.ring[len(f.ring)-f.maxCache:]
	}
	return 0, false
}

// BackendErrors reports how many exact-layer calls degraded to the local
// store.
func (f *Filter) BackendErrors() uint64 { return f.backendErrors.Load() }

// Suppressed reports how many alerts were classified as duplicates.
func (f *Filter) Suppressed() uint64 { return f.suppressed.Load() }

// LocalStore is the in-process exact-layer store with per-key expiry.
type LocalStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   func() time.Time
}

func NewLocalStore(clock func() time.Time) *LocalStore {
	if clock == nil {
		clock = time.Now
	}
	return &LocalStore{entries: make(map[string]time.Time), clock: clock}
}

func (s *LocalStore) Seen(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.entries[key]; ok && exp.After(now) {
		return true, nil
	}
	// Opportunistic prune keeps the map bounded by the live window.
	for k, exp := range s.entries {
		if !exp.After(now) {
			delete(s.entries, k)
		}
	}
	s.entries[key] = now.Add(ttl)
	return false, nil
}
