// Package buffer decouples the ingest hot path from evidence persistence.
// Records are queued on a bounded channel and a single worker batches them
// into timestamped NDJSON files. When the queue is full the record is
// dropped and counted; ingest latency is never held hostage to disk.
package buffer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultCapacity bounds the in-flight queue.
	DefaultCapacity = 2000
	// DefaultBatchSize triggers a flush regardless of age.
	DefaultBatchSize = 1000
	// DefaultMaxBatchAge flushes a partial batch that has waited too long.
	DefaultMaxBatchAge = 5 * time.Second
)

// Writer persists alert evidence asynchronously.
type Writer struct {
	dir         string
	queue       chan json.RawMessage
	batchSize   int
	maxBatchAge time.Duration
	clock       func() time.Time
	logger      *slog.Logger

	dropped atomic.Uint64
	written atomic.Uint64
	flushes atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// Option configures a Writer.
type Option func(*Writer)

func WithCapacity(n int) Option {
	return func(w *Writer) { w.queue = make(chan json.RawMessage, n) }
}

func WithBatchSize(n int) Option             { return func(w *Writer) { w.batchSize = n } }
func WithMaxBatchAge(d time.Duration) Option { return func(w *Writer) { w.maxBatchAge = d } }
func WithClock(clock func() time.Time) Option {
	return func(w *Writer) { w.clock = clock }
}
func WithLogger(logger *slog.Logger) Option { return func(w *Writer) { w.logger = logger } }

// New creates the evidence directory and starts the worker.
func New(dir string, opts ...Option) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("buffer: create dir: %w", err)
	}
	w := &Writer{
		dir:         dir,
		batchSize:   DefaultBatchSize,
		maxBatchAge: DefaultMaxBatchAge,
		clock:       time.Now,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.queue == nil {
		w.queue = make(chan json.RawMessage, DefaultCapacity)
	}
	w.logger = w.logger.With("component", "evidence_buffer")

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Enqueue marshals v and queues it. A full queue drops the record and
// returns false; callers treat that as a counted degradation, not an
// error path.
func (w *Writer) Enqueue(v any) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		w.dropped.Add(1)
		w.logger.Warn("evidence record not serialisable", "error", err)
		return false
	}
	select {
	case w.queue <- raw:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Close stops accepting work, drains the queue to disk, and returns when
// the final batch is durable.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

// Dropped reports records lost to queue overflow or marshal failure.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Written reports records persisted to disk.
func (w *Writer) Written() uint64 { return w.written.Load() }

// Flushes reports how many batch files were written.
func (w *Writer) Flushes() uint64 { return w.flushes.Load() }

func (w *Writer) run() {
	defer w.wg.Done()

	batch := make([]json.RawMessage, 0, w.batchSize)
	ticker := time.NewTicker(w.maxBatchAge / 2)
	defer ticker.Stop()
	var oldest time.Time

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.writeBatch(batch); err != nil {
			w.logger.Error("evidence flush failed", "records", len(batch), "error", err)
		} else {
			w.written.Add(uint64(len(batch)))
			w.flushes.Add(1)
		}
		batch = batch[:0]
	}

	for {
		select {
		case raw := <-w.queue:
			if len(batch) == 0 {
				oldest = w.clock()
			}
			batch = append(batch, raw)
			if len(batch) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 && w.clock().Sub(oldest) >= w.maxBatchAge {
				flush()
			}
		case <-w.done:
			// Drain everything queued before shutdown completes.
			for {
				select {
				case raw := <-w.queue:
					batch = append(batch, raw)
					if len(batch) >= w.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// writeBatch persists one NDJSON file and fsyncs it before rename makes
// it visible under its final name.
func (w *Writer) writeBatch(batch []json.RawMessage) error {
	name := fmt.Sprintf("alerts_%sZ.ndjson", w.clock().UTC().Format("20060102T150405.000000000"))
	final := filepath.Join(w.dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, raw := range batch {
		if _, err := f.Write(append(raw, '\n')); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, final)
}
