package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func makeSandbox(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "sandbox")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestMaterializeMovesSandbox(t *testing.T) {
	s := newTestStore(t)
	sandbox := makeSandbox(t, map[string]string{"model.bin": "abc", "sub/rules.json": "{}"})

	dir, err := s.Materialize("art-1", sandbox)
	require.NoError(t, err)
	assert.Equal(t, s.ArtifactDir("art-1"), dir)
	assert.FileExists(t, filepath.Join(dir, "model.bin"))
	assert.FileExists(t, filepath.Join(dir, "sub", "rules.json"))
	assert.NoDirExists(t, sandbox)
}

func TestMaterializeRefusesExisting(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Materialize("art-1", makeSandbox(t, map[string]string{"a": "1"}))
	require.NoError(t, err)

	_, err = s.Materialize("art-1", makeSandbox(t, map[string]string{"b": "2"}))
	assert.Error(t, err)
}

func TestPathRejectsEscape(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Path("art-1", "../other/secret")
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = s.Path("art-1", "sub/../../escape")
	assert.ErrorIs(t, err, ErrPathEscape)

	p, err := s.Path("art-1", "sub/ok.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.ArtifactDir("art-1"), "sub", "ok.json"), p)
}

func TestArchiveWritesTarGz(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Materialize("art-1", makeSandbox(t, map[string]string{"model.bin": "abc"}))
	require.NoError(t, err)

	hash := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	dest, err := s.Archive(context.Background(), "detector", "art-1", hash)
	require.NoError(t, err)
	assert.Equal(t, "0123456789ab.tar.gz", filepath.Base(dest))
	assert.FileExists(t, dest)
}

type recordingMirror struct {
	keys []string
}

func (m *recordingMirror) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	m.keys = append(m.keys, key)
	_, _ = io.Copy(io.Discard, r)
	return nil
}

func TestArchiveMirrors(t *testing.T) {
	s := newTestStore(t)
	mirror := &recordingMirror{}
	s.WithMirror(mirror)

	_, err := s.Materialize("art-1", makeSandbox(t, map[string]string{"model.bin": "abc"}))
	require.NoError(t, err)

	_, err = s.Archive(context.Background(), "detector", "art-1", "deadbeefdeadbeef")
	require.NoError(t, err)
	require.Len(t, mirror.keys, 1)
	assert.Equal(t, "detector/deadbeefdead.tar.gz", mirror.keys[0])
}

func TestPruneArchives(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Materialize("art-1", makeSandbox(t, map[string]string{"model.bin": "abc"}))
	require.NoError(t, err)

	dest, err := s.Archive(context.Background(), "detector", "art-1", "cafebabe")
	require.NoError(t, err)

	// Not yet past retention.
	n, err := s.PruneArchives(time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.FileExists(t, dest)

	n, err = s.PruneArchives(time.Now().Add(31 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, dest)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	dir, err := s.Materialize("art-1", makeSandbox(t, map[string]string{"a": "1"}))
	require.NoError(t, err)

	require.NoError(t, s.Remove("art-1"))
	assert.NoDirExists(t, dir)
}
