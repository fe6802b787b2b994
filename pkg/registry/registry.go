// Package registry is the transactional catalog of signed artifacts. It is
// the source of truth for artifact identity (name, version, manifest hash)
// and lifecycle status, and enforces the single-active invariant per name.
package registry

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of an artifact.
type Status string

const (
	StatusInactive   Status = "inactive"
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Artifact is one catalog row. Files on disk are owned by the store; the
// registry owns the row.
type Artifact struct {
	ID           string         `json:"artifact_id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	ManifestHash string         `json:"manifest_hash"`
	Class        string         `json:"class,omitempty"`
	Path         string         `json:"path"`
	Status       Status         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Uploader     string         `json:"uploader,omitempty"`
	UploadedAt   time.Time      `json:"uploaded_at"`
	ActivatedAt  *time.Time     `json:"activated_at,omitempty"`
}

// ConflictKind classifies registry conflicts.
type ConflictKind string

const (
	ConflictDuplicateHash ConflictKind = "duplicate_hash"
	ConflictActiveDelete  ConflictKind = "active_delete"
	ConflictUnknownID     ConflictKind = "unknown_id"
)

// ConflictError is surfaced with its kind; idempotent callers may ignore
// duplicate_hash.
type ConflictError struct {
	Kind   ConflictKind
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("registry conflict (%s): %s", e.Kind, e.Detail)
}

// Registry is the catalog contract. All writes run in a single transaction;
// failure rolls back and leaves the previous state intact.
type Registry interface {
	// Register inserts a new inactive artifact. A duplicate manifest hash
	// returns the existing artifact id together with a duplicate_hash
	// conflict the caller may treat as success.
	Register(ctx context.Context, a *Artifact) (string, error)
	// Activate promotes id and demotes any active artifact of the same
	// name in one transaction. Returns the demoted artifact, if any.
	// Idempotent when id is already active.
	Activate(ctx context.Context, id string) (*Artifact, error)
	// Deactivate moves an active artifact back to inactive.
	Deactivate(ctx context.Context, id string) error
	GetActive(ctx context.Context, name string) (*Artifact, error)
	GetByID(ctx context.Context, id string) (*Artifact, error)
	List(ctx context.Context, filter Status) ([]*Artifact, error)
	// Delete removes an inactive artifact row. Deleting an active artifact
	// is an active_delete conflict.
	Delete(ctx context.Context, id string) error
	Close() error
}
