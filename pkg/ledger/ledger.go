// Package ledger implements the append-only signed audit log.
//
// Each entry is hash-chained to its predecessor: the entry hash is
// SHA-256(prev_hash || canonical(body)) where canonical is the RFC 8785
// form of the entry body. The log is one JSON entry per line; history is
// never truncated or rewritten.
package ledger

import (
	"bufio"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/aegis/pkg/canonicalize"
	"github.com/sentinelsec/aegis/pkg/crypto"
)

// EntryBody is the signed portion of a ledger entry.
type EntryBody struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Actor         string         `json:"actor"`
	ContentDigest string         `json:"content_digest"`
	Data          map[string]any `json:"data,omitempty"`
}

// Entry is one line of the ledger file.
type Entry struct {
	Body      EntryBody `json:"body"`
	PrevHash  string    `json:"prev_hash,omitempty"`
	EntryHash string    `json:"entry_hash"`
	Signature string    `json:"signature"`
}

// ChainBrokenError reports the first entry at which chain verification
// failed. It is never auto-repaired.
type ChainBrokenError struct {
	Index  int
	Reason string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("ledger chain broken at entry %d: %s", e.Index, e.Reason)
}

// Ledger is a file-backed append-only signed log. Appends are serialised
// by a per-ledger lock and fsynced before returning.
type Ledger struct {
	mu       sync.Mutex
	path     string
	signer   crypto.Signer
	pub      *rsa.PublicKey
	prevHash string
	clock    func() time.Time
}

// Open creates a ledger handle for path, seeding prev_hash from the last
// line of the file. A missing file starts an empty chain.
func Open(path string, signer crypto.Signer, pub *rsa.PublicKey) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		signer: signer,
		pub:    pub,
		clock:  time.Now,
	}
	last, err := readLastEntry(path)
	if err != nil {
		return nil, err
	}
	if last != nil {
		l.prevHash = last.EntryHash
	}
	return l, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Append signs body, chains it to the previous entry, and writes the line
// with an fsync. The returned entry carries the computed entry hash.
func (l *Ledger) Append(eventType, actor, contentDigest string, data map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	body := EntryBody{
		ID:            uuid.New().String(),
		Timestamp:     l.clock().UTC(),
		EventType:     eventType,
		Actor:         actor,
		ContentDigest: contentDigest,
		Data:          data,
	}

	canonical, err := canonicalize.JCS(body)
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize body: %w", err)
	}

	sig, err := l.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("ledger: sign body: %w", err)
	}

	entry := Entry{
		Body:      body,
		PrevHash:  l.prevHash,
		EntryHash: ChainHash(l.prevHash, canonical),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal entry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return nil, fmt.Errorf("ledger: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("ledger: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("ledger: fsync: %w", err)
	}

	l.prevHash = entry.EntryHash
	return &entry, nil
}

// Head returns the hash of the most recent entry, or "" for an empty log.
func (l *Ledger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevHash
}

// Entries reads the full log from the start.
func (l *Ledger) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEntries(l.path)
}

// VerifyChain re-reads the log, recomputing every entry hash and checking
// the prev-hash linkage and every body signature.
func (l *Ledger) VerifyChain() error {
	entries, err := l.Entries()
	if err != nil {
		return err
	}

	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return &ChainBrokenError{Index: i, Reason: fmt.Sprintf("prev_hash %q, expected %q", e.PrevHash, prev)}
		}

		canonical, err := canonicalize.JCS(e.Body)
		if err != nil {
			return &ChainBrokenError{Index: i, Reason: fmt.Sprintf("canonicalize: %v", err)}
		}
		if got := ChainHash(e.PrevHash, canonical); got != e.EntryHash {
			return &ChainBrokenError{Index: i, Reason: "entry hash mismatch"}
		}

		if l.pub != nil {
			sig, err := base64.StdEncoding.DecodeString(e.Signature)
			if err != nil {
				return &ChainBrokenError{Index: i, Reason: "signature not base64"}
			}
			if err := crypto.Verify(l.pub, canonical, sig); err != nil {
				return &ChainBrokenError{Index: i, Reason: "signature invalid"}
			}
		}
		prev = e.EntryHash
	}
	return nil
}

// ChainHash computes the link hash for one entry: SHA-256 of the
// previous entry hash concatenated with the canonical body bytes.
func ChainHash(prevHash string, canonicalBody []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil))
}

func readEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("ledger: malformed line %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ledger: scan: %w", err)
	}
	return entries, nil
}

func readLastEntry(path string) (*Entry, error) {
	entries, err := readEntries(path)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	last := entries[len(entries)-1]
	return &last, nil
}
