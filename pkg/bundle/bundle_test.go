package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelsec/aegis/pkg/crypto"
)

func testSigner(t *testing.T) *crypto.RSASigner {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return crypto.NewRSASigner(priv)
}

func buildTestBundle(t *testing.T, signer *crypto.RSASigner, files map[string]string) string {
	t.Helper()
	src := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	out := filepath.Join(t.TempDir(), "bundle.tar.gz")
	_, err := NewBuilder(signer).Build(src, Metadata{Name: "detector-rules", Version: "1.2.0"}, out)
	require.NoError(t, err)
	return out
}

func TestRoundTrip(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{
		"model.bin":        "abc",
		"rules/rules.json": `{"rules":[]}`,
	})

	res, err := NewVerifier(signer.Public()).Verify(context.Background(), archive, t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "detector-rules", res.Manifest.Metadata.Name)
	assert.Len(t, res.Manifest.Files, 2)
	assert.Len(t, res.ManifestHash, 64)
	assert.DirExists(t, res.Dir)
	assert.FileExists(t, filepath.Join(res.Dir, "model.bin"))
}

func TestTamperedFileRejectedWithHashMismatch(t *testing.T) {
	signer := testSigner(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "model.bin"), []byte("abc"), 0o644))
	archive := filepath.Join(t.TempDir(), "bundle.tar.gz")
	_, err := NewBuilder(signer).Build(src, Metadata{Name: "m", Version: "1.0.0"}, archive)
	require.NoError(t, err)

	// Rebuild the archive with one byte flipped in model.bin but the
	// original manifest and signature.
	tampered := rewriteArchive(t, archive, func(name string, data []byte) []byte {
		if name == "model.bin" {
			data = append([]byte{}, data...)
			data[0] ^= 0x01
		}
		return data
	})

	parent := t.TempDir()
	_, err = NewVerifier(signer.Public()).Verify(context.Background(), tampered, parent)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindHashMismatch, re.Kind)
	assertNoSandboxLeft(t, parent)
}

func TestTamperedManifestRejectedWithSignatureInvalid(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{"model.bin": "abc"})

	tampered := rewriteArchive(t, archive, func(name string, data []byte) []byte {
		if name == ManifestFileName {
			data = append([]byte{}, data...)
			data[len(data)/2] ^= 0x01
		}
		return data
	})

	parent := t.TempDir()
	_, err := NewVerifier(signer.Public()).Verify(context.Background(), tampered, parent)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindSignatureInvalid, re.Kind)
	assertNoSandboxLeft(t, parent)
}

func TestMissingSignatureRejected(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{"model.bin": "abc"})

	stripped := rewriteArchive(t, archive, nil, SignatureFileName)

	_, err := NewVerifier(signer.Public()).Verify(context.Background(), stripped, t.TempDir())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindMissingSignature, re.Kind)
}

func TestMissingManifestRejected(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{"model.bin": "abc"})

	stripped := rewriteArchive(t, archive, nil, ManifestFileName)

	_, err := NewVerifier(signer.Public()).Verify(context.Background(), stripped, t.TempDir())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindMissingManifest, re.Kind)
}

func TestPathEscapeRejected(t *testing.T) {
	signer := testSigner(t)
	archive := writeRawArchive(t, []rawEntry{
		{name: "../evil.bin", data: []byte("x")},
	})

	parent := t.TempDir()
	_, err := NewVerifier(signer.Public()).Verify(context.Background(), archive, parent)
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindPathEscape, re.Kind)
	assertNoSandboxLeft(t, parent)
}

func TestSymlinkRejected(t *testing.T) {
	signer := testSigner(t)
	archive := writeRawArchive(t, []rawEntry{
		{name: "link", linkTarget: "/etc/passwd"},
	})

	_, err := NewVerifier(signer.Public()).Verify(context.Background(), archive, t.TempDir())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindPathEscape, re.Kind)
}

func TestFileCountBound(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{
		"a": "1", "b": "2", "c": "3",
	})

	_, err := NewVerifier(signer.Public()).WithLimits(DefaultMaxUncompressed, 2).
		Verify(context.Background(), archive, t.TempDir())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindSizeExceeded, re.Kind)
}

func TestSizeBound(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{
		"model.bin": "0123456789",
	})

	_, err := NewVerifier(signer.Public()).WithLimits(512, DefaultMaxFiles).
		Verify(context.Background(), archive, t.TempDir())
	// The manifest itself fits; the limit must still hold for listed files.
	require.NoError(t, err)

	_, err = NewVerifier(signer.Public()).WithLimits(4, DefaultMaxFiles).
		Verify(context.Background(), archive, t.TempDir())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindSizeExceeded, re.Kind)
}

func TestStrayFileRejected(t *testing.T) {
	signer := testSigner(t)
	archive := buildTestBundle(t, signer, map[string]string{"model.bin": "abc"})

	withStray := rewriteArchive(t, archive, nil)
	withStray = appendEntry(t, withStray, rawEntry{name: "stray.bin", data: []byte("x")})

	_, err := NewVerifier(signer.Public()).Verify(context.Background(), withStray, t.TempDir())
	var re *RejectError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindArchiveMalformed, re.Kind)
}

func TestManifestHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := ManifestHash([]byte(`{"metadata":{"name":"a","version":"1"},"files":{"x":"0"}}`))
	require.NoError(t, err)
	h2, err := ManifestHash([]byte(`{"files":{"x":"0"},"metadata":{"version":"1","name":"a"}}`))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

// --- helpers ---

type rawEntry struct {
	name       string
	data       []byte
	linkTarget string
}

func assertNoSandboxLeft(t *testing.T, parent string) {
	t.Helper()
	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed verification must remove its sandbox")
}

// rewriteArchive re-packs an archive, applying mutate to each entry's data
// and dropping any entry named in drop.
func rewriteArchive(t *testing.T, path string, mutate func(string, []byte) []byte, drop ...string) string {
	t.Helper()
	entries := readArchive(t, path)

	var kept []rawEntry
	for _, e := range entries {
		dropped := false
		for _, d := range drop {
			if e.name == d {
				dropped = true
				break
			}
		}
		if dropped {
			continue
		}
		if mutate != nil {
			e.data = mutate(e.name, e.data)
		}
		kept = append(kept, e)
	}
	return writeRawArchive(t, kept)
}

func appendEntry(t *testing.T, path string, entry rawEntry) string {
	t.Helper()
	entries := readArchive(t, path)
	return writeRawArchive(t, append(entries, entry))
}

func readArchive(t *testing.T, path string) []rawEntry {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var entries []rawEntry
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data := make([]byte, hdr.Size)
		if hdr.Size > 0 {
			_, err = io.ReadFull(tr, data)
			require.NoError(t, err)
		}
		entries = append(entries, rawEntry{name: hdr.Name, data: data})
	}
	return entries
}

func writeRawArchive(t *testing.T, entries []rawEntry) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "raw.tar.gz")
	f, err := os.Create(out)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		if e.linkTarget != "" {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     e.name,
				Typeflag: tar.TypeSymlink,
				Linkname: e.linkTarget,
				Mode:     0o777,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: e.name,
			Mode: 0o644,
			Size: int64(len(e.data)),
		}))
		_, err = tw.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return out
}
