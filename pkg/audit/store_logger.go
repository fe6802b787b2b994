package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsec/aegis/pkg/canonicalize"
	"github.com/sentinelsec/aegis/pkg/ledger"
)

// LedgerLogger records audit events into the hash-chained signed ledger,
// making the operator trail tamper-evident. It fails closed: with no
// ledger configured, the mutation that wanted auditing must not proceed.
type LedgerLogger struct {
	log   *ledger.Ledger
	clock func() time.Time
}

func NewLedgerLogger(log *ledger.Ledger) *LedgerLogger {
	return &LedgerLogger{log: log, clock: time.Now}
}

func (l *LedgerLogger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]any) error {
	if l.log == nil {
		return fmt.Errorf("fail-closed: audit ledger not configured")
	}

	evt := Event{
		ID:        uuid.New().String(),
		Actor:     ActorFrom(ctx),
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: l.clock().UTC(),
		Metadata:  metadata,
	}

	canonical, err := canonicalize.JCS(evt)
	if err != nil {
		return fmt.Errorf("audit: canonicalize event: %w", err)
	}
	digest := sha256.Sum256(canonical)

	_, err = l.log.Append(action, evt.Actor, hex.EncodeToString(digest[:]), map[string]any{
		"event_id":   evt.ID,
		"event_type": string(eventType),
		"resource":   resource,
	})
	return err
}
