// Package alerts defines the canonical alert shape shared by the rule
// evaluator, the dedup filter, and the ingest path. Heterogeneous ingress
// payloads are normalised here before entering the cores.
package alerts

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Alert is the typed ingress record.
type Alert struct {
	ID        string         `json:"alert_id"`
	Source    string         `json:"source"`
	AlertType string         `json:"alert_type"`
	Target    string         `json:"target"`
	Severity  string         `json:"severity,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Normalize assigns the server-side id, defaults the timestamp, and forces
// UTC. Returns an error when identity fields are missing.
func Normalize(a *Alert, now func() time.Time) error {
	if a.Source == "" || a.AlertType == "" || a.Target == "" {
		return fmt.Errorf("alerts: source, alert_type and target are required")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = now()
	}
	a.Timestamp = a.Timestamp.UTC()
	return nil
}

// Fields builds the flat field-value map rules evaluate against: the four
// fixed fields plus every metadata key. Metadata wins on collision.
func (a *Alert) Fields() map[string]any {
	fields := map[string]any{
		"source":     a.Source,
		"alert_type": a.AlertType,
		"target":     a.Target,
		"severity":   a.Severity,
	}
	for k, v := range a.Metadata {
		fields[k] = v
	}
	return fields
}

// TextFields concatenates the string-valued metadata of the alert in a
// stable order, for similarity hashing. The identity triple is deliberately
// excluded: it belongs to the exact dedup layer, and near-identical text
// should match across sources and targets.
func (a *Alert) TextFields() string {
	parts := make([]string, 0, len(a.Metadata))
	for _, k := range sortedKeys(a.Metadata) {
		if v, ok := a.Metadata[k].(string); ok {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
