package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry implements Registry on a local SQLite database.
type SQLiteRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite opens (and migrates) the registry database at path.
func OpenSQLite(path string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	// Serialise writers; the database enforces isolation.
	db.SetMaxOpenConns(1)

	r := &SQLiteRegistry{db: db, clock: time.Now}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for testing.
func (r *SQLiteRegistry) WithClock(clock func() time.Time) *SQLiteRegistry {
	r.clock = clock
	return r
}

func (r *SQLiteRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id   TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		version       TEXT NOT NULL,
		manifest_hash TEXT NOT NULL UNIQUE,
		class         TEXT NOT NULL DEFAULT '',
		path          TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'inactive',
		metadata      JSON,
		uploader      TEXT NOT NULL DEFAULT '',
		uploaded_at   TEXT NOT NULL,
		activated_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_name ON artifacts(name);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_active_per_name
		ON artifacts(name) WHERE status = 'active';`
	_, err := r.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Close() error { return r.db.Close() }

func (r *SQLiteRegistry) Register(ctx context.Context, a *Artifact) (string, error) {
	if a.Name == "" || a.ManifestHash == "" {
		return "", fmt.Errorf("registry: name and manifest hash are required")
	}
	if _, err := semver.NewVersion(a.Version); err != nil {
		return "", fmt.Errorf("registry: version %q is not semver: %w", a.Version, err)
	}

	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return "", fmt.Errorf("registry: marshal metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Uniqueness on manifest_hash is a database constraint; a duplicate
	// register resolves to the existing row.
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT artifact_id FROM artifacts WHERE manifest_hash = ?`, a.ManifestHash).Scan(&existing)
	if err == nil {
		return existing, &ConflictError{Kind: ConflictDuplicateHash, Detail: a.ManifestHash}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("registry: dedupe lookup: %w", err)
	}

	uploadedAt := a.UploadedAt
	if uploadedAt.IsZero() {
		uploadedAt = r.clock()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, name, version, manifest_hash, class, path, status, metadata, uploader, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, a.Name, a.Version, a.ManifestHash, a.Class, a.Path, string(StatusInactive),
		string(metaJSON), a.Uploader, formatTime(uploadedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", &ConflictError{Kind: ConflictDuplicateHash, Detail: a.ManifestHash}
		}
		return "", fmt.Errorf("registry: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("registry: commit: %w", err)
	}
	return id, nil
}

func (r *SQLiteRegistry) Activate(ctx context.Context, id string) (*Artifact, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	target, err := scanArtifact(tx.QueryRowContext(ctx, selectColumns+` WHERE artifact_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &ConflictError{Kind: ConflictUnknownID, Detail: id}
		}
		return nil, err
	}
	if target.Status == StatusActive {
		// Idempotent.
		return nil, tx.Commit()
	}

	demoted, err := scanArtifact(tx.QueryRowContext(ctx,
		selectColumns+` WHERE name = ? AND status = ?`, target.Name, string(StatusActive)))
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET status = ? WHERE artifact_id = ?`,
			string(StatusInactive), demoted.ID); err != nil {
			return nil, fmt.Errorf("registry: demote: %w", err)
		}
	case errors.Is(err, sql.ErrNoRows):
		demoted = nil
	default:
		return nil, err
	}

	now := formatTime(r.clock())
	if _, err := tx.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, activated_at = ? WHERE artifact_id = ?`,
		string(StatusActive), now, id); err != nil {
		return nil, fmt.Errorf("registry: promote: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("registry: commit: %w", err)
	}
	return demoted, nil
}

func (r *SQLiteRegistry) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE artifacts SET status = ? WHERE artifact_id = ? AND status = ?`,
		string(StatusInactive), id, string(StatusActive))
	if err != nil {
		return fmt.Errorf("registry: deactivate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: deactivate: %w", err)
	}
	if n == 0 {
		return &ConflictError{Kind: ConflictUnknownID, Detail: id}
	}
	return nil
}

func (r *SQLiteRegistry) GetActive(ctx context.Context, name string) (*Artifact, error) {
	a, err := scanArtifact(r.db.QueryRowContext(ctx,
		selectColumns+` WHERE name = ? AND status = ?`, name, string(StatusActive)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *SQLiteRegistry) GetByID(ctx context.Context, id string) (*Artifact, error) {
	a, err := scanArtifact(r.db.QueryRowContext(ctx, selectColumns+` WHERE artifact_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ConflictError{Kind: ConflictUnknownID, Detail: id}
	}
	return a, err
}

func (r *SQLiteRegistry) List(ctx context.Context, filter Status) ([]*Artifact, error) {
	query := selectColumns
	var args []any
	if filter != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter))
	}
	query += ` ORDER BY uploaded_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list rows: %w", err)
	}
	return out, nil
}

func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("registry: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanArtifact(tx.QueryRowContext(ctx, selectColumns+` WHERE artifact_id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &ConflictError{Kind: ConflictUnknownID, Detail: id}
		}
		return err
	}
	if a.Status == StatusActive {
		return &ConflictError{Kind: ConflictActiveDelete, Detail: id}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE artifact_id = ?`, id); err != nil {
		return fmt.Errorf("registry: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}
	return nil
}

const selectColumns = `SELECT artifact_id, name, version, manifest_hash, class, path, status, metadata, uploader, uploaded_at, activated_at FROM artifacts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var metaJSON sql.NullString
	var status, uploadedAt string
	var activatedAt sql.NullString

	err := row.Scan(&a.ID, &a.Name, &a.Version, &a.ManifestHash, &a.Class, &a.Path,
		&status, &metaJSON, &a.Uploader, &uploadedAt, &activatedAt)
	if err != nil {
		return nil, err
	}

	a.Status = Status(status)
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("registry: decode metadata: %w", err)
		}
	}
	a.UploadedAt, err = parseTime(uploadedAt)
	if err != nil {
		return nil, err
	}
	if activatedAt.Valid && activatedAt.String != "" {
		ts, err := parseTime(activatedAt.String)
		if err != nil {
			return nil, err
		}
		a.ActivatedAt = &ts
	}
	return &a, nil
}

// Timestamps are stored as RFC 3339 UTC so they round-trip the external
// interface unchanged.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("registry: parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
