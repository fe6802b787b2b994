package bundle

import (
	"archive/tar"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sentinelsec/aegis/pkg/crypto"
)

// Builder produces signed bundles that the Verifier accepts: it hashes
// every file under a source directory, writes the manifest, signs the
// exact manifest bytes, and packs everything into a gzip-tar.
type Builder struct {
	signer crypto.Signer
}

// NewBuilder creates a builder signing with the given signer.
func NewBuilder(signer crypto.Signer) *Builder {
	return &Builder{signer: signer}
}

// Build walks srcDir, computes the manifest, and writes the signed archive
// to outPath. Returns the manifest it embedded.
func (b *Builder) Build(srcDir string, meta Metadata, outPath string) (*Manifest, error) {
	files := map[string]string{}
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		hash, err := crypto.HashFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: walk source: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("bundle: source directory %s has no files", srcDir)
	}

	manifest := &Manifest{Metadata: meta, Files: files}
	rawManifest, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("bundle: marshal manifest: %w", err)
	}

	sig, err := b.signer.Sign(rawManifest)
	if err != nil {
		return nil, fmt.Errorf("bundle: sign manifest: %w", err)
	}
	rawSig := []byte(base64.StdEncoding.EncodeToString(sig))

	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("bundle: create archive: %w", err)
	}
	defer func() { _ = out.Close() }()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	if err := writeTarBytes(tw, ManifestFileName, rawManifest); err != nil {
		return nil, err
	}
	if err := writeTarBytes(tw, SignatureFileName, rawSig); err != nil {
		return nil, err
	}

	// Deterministic entry order.
	rels := make([]string, 0, len(files))
	for rel := range files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		if err := writeTarFile(tw, rel, filepath.Join(srcDir, filepath.FromSlash(rel))); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("bundle: close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("bundle: close gzip: %w", err)
	}
	return manifest, nil
}

func writeTarBytes(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("bundle: tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("bundle: tar write %s: %w", name, err)
	}
	return nil
}

func writeTarFile(tw *tar.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("bundle: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("bundle: stat %s: %w", path, err)
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("bundle: tar header %s: %w", name, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("bundle: tar write %s: %w", name, err)
	}
	return nil
}
