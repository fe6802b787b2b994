// Package store owns every filesystem object under the per-artifact
// directories: atomic materialisation of verified bundles, tar.gz archival
// of demoted artifacts, and bounded archive retention.
package store

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultArchiveRetention is how long demoted artifact archives are kept.
const DefaultArchiveRetention = 30 * 24 * time.Hour

// ErrPathEscape is fatal: a requested relative path resolved outside the
// artifact directory.
var ErrPathEscape = fmt.Errorf("store: path escapes artifact directory")

// Mirror receives copies of archived artifacts (offsite durability).
type Mirror interface {
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
}

// Store manages `<root>/artifacts/<id>/…` and `<root>/archive/<name>/…`.
type Store struct {
	root      string
	retention time.Duration
	mirror    Mirror
	logger    *slog.Logger
}

// New creates a store rooted at root.
func New(root string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "artifacts"), filepath.Join(root, "archive")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("store: init %s: %w", dir, err)
		}
	}
	return &Store{
		root:      root,
		retention: DefaultArchiveRetention,
		logger:    slog.Default().With("component", "store"),
	}, nil
}

// WithRetention overrides the archive retention age.
func (s *Store) WithRetention(d time.Duration) *Store {
	s.retention = d
	return s
}

// WithMirror attaches an offsite archive mirror. Mirror failures are
// logged, never propagated to the caller's activate path.
func (s *Store) WithMirror(m Mirror) *Store {
	s.mirror = m
	return s
}

// ArtifactDir returns the directory an artifact lives in.
func (s *Store) ArtifactDir(artifactID string) string {
	return filepath.Join(s.root, "artifacts", artifactID)
}

// Materialize moves a verified sandbox directory into place as the
// artifact's final directory. The move lands in a staging directory first
// and is promoted with a single rename; partial state is removed on error.
func (s *Store) Materialize(artifactID, sandboxDir string) (string, error) {
	final := s.ArtifactDir(artifactID)
	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("store: artifact %s already materialised", artifactID)
	}

	staging := filepath.Join(s.root, "artifacts", ".extracting-"+artifactID)
	_ = os.RemoveAll(staging)

	if err := os.Rename(sandboxDir, staging); err != nil {
		// Cross-device fallback: copy then remove the sandbox.
		if err := copyTree(sandboxDir, staging); err != nil {
			_ = os.RemoveAll(staging)
			return "", fmt.Errorf("store: stage artifact %s: %w", artifactID, err)
		}
		_ = os.RemoveAll(sandboxDir)
	}

	if err := os.Rename(staging, final); err != nil {
		_ = os.RemoveAll(staging)
		return "", fmt.Errorf("store: promote artifact %s: %w", artifactID, err)
	}
	return final, nil
}

// Path resolves a relative path inside an artifact directory. Anything
// resolving outside the directory is a fatal ErrPathEscape.
func (s *Store) Path(artifactID, rel string) (string, error) {
	dir := filepath.Clean(s.ArtifactDir(artifactID))
	target := filepath.Clean(filepath.Join(dir, filepath.FromSlash(rel)))
	if target != dir && !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return target, nil
}

// Archive packs an artifact directory into
// `<root>/archive/<name>/<hash-prefix>.tar.gz`. Called when an active
// artifact is demoted by a replacement. The write is temp+rename.
func (s *Store) Archive(ctx context.Context, name, artifactID, manifestHash string) (string, error) {
	dir := s.ArtifactDir(artifactID)
	prefix := manifestHash
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	destDir := filepath.Join(s.root, "archive", name)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return "", fmt.Errorf("store: archive dir: %w", err)
	}
	dest := filepath.Join(destDir, prefix+".tar.gz")
	tmp := filepath.Join(destDir, "."+prefix+".tmp")

	if err := packTarGz(dir, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store: archive %s: %w", artifactID, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store: archive rename: %w", err)
	}

	if s.mirror != nil {
		s.mirrorArchive(ctx, name, prefix, dest)
	}
	return dest, nil
}

func (s *Store) mirrorArchive(ctx context.Context, name, prefix, path string) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Warn("archive mirror skipped", "archive", path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		s.logger.Warn("archive mirror skipped", "archive", path, "error", err)
		return
	}
	key := name + "/" + prefix + ".tar.gz"
	if err := s.mirror.Upload(ctx, key, f, info.Size()); err != nil {
		s.logger.Warn("archive mirror upload failed", "key", key, "error", err)
	}
}

// Remove deletes an artifact directory. The registry enforces that only
// inactive artifacts reach this point.
func (s *Store) Remove(artifactID string) error {
	if err := os.RemoveAll(s.ArtifactDir(artifactID)); err != nil {
		return fmt.Errorf("store: remove artifact %s: %w", artifactID, err)
	}
	return nil
}

// PruneArchives deletes archives older than the retention age. The store
// runs no timers of its own; callers invoke this from their maintenance
// tick.
func (s *Store) PruneArchives(now time.Time) (int, error) {
	cutoff := now.Add(-s.retention)
	pruned := 0
	root := filepath.Join(s.root, "archive")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tar.gz") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("store: prune archives: %w", err)
	}
	return pruned, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer func() { _ = out.Close() }()
		_, err = io.Copy(out, in)
		return err
	})
}

func packTarGz(dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		_, err = io.Copy(tw, in)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}
