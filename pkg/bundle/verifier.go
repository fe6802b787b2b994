package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sentinelsec/aegis/pkg/crypto"
)

// Default extraction bounds. They defuse zip bombs; both are configurable
// per verifier.
const (
	DefaultMaxUncompressed = 5 << 30 // 5 GiB
	DefaultMaxFiles        = 50_000
)

// Result is a successfully verified bundle: the sandbox directory holding
// the extracted files, the parsed manifest, and the manifest identity hash.
type Result struct {
	Dir          string
	Manifest     *Manifest
	ManifestHash string
	RawManifest  []byte
}

// Verifier extracts and verifies signed bundles.
type Verifier struct {
	pub      *rsa.PublicKey
	maxBytes int64
	maxFiles int
}

// NewVerifier creates a verifier trusting the given public key.
func NewVerifier(pub *rsa.PublicKey) *Verifier {
	return &Verifier{
		pub:      pub,
		maxBytes: DefaultMaxUncompressed,
		maxFiles: DefaultMaxFiles,
	}
}

// WithLimits overrides the extraction bounds.
func (v *Verifier) WithLimits(maxBytes int64, maxFiles int) *Verifier {
	v.maxBytes = maxBytes
	v.maxFiles = maxFiles
	return v
}

// Verify extracts the archive into a fresh sandbox under extractParent,
// verifies the detached manifest signature against the raw manifest bytes,
// then re-verifies every file hash the manifest declares. On any failure
// the sandbox is removed and a RejectError (or crypto.Failure mapped into
// one) is returned.
func (v *Verifier) Verify(ctx context.Context, archivePath, extractParent string) (*Result, error) {
	if err := os.MkdirAll(extractParent, 0o750); err != nil {
		return nil, fmt.Errorf("bundle: create extract parent: %w", err)
	}
	sandbox, err := os.MkdirTemp(extractParent, ".verify-")
	if err != nil {
		return nil, fmt.Errorf("bundle: create sandbox: %w", err)
	}

	res, err := v.verifyInto(ctx, archivePath, sandbox)
	if err != nil {
		_ = os.RemoveAll(sandbox)
		return nil, err
	}
	return res, nil
}

func (v *Verifier) verifyInto(ctx context.Context, archivePath, sandbox string) (*Result, error) {
	if err := v.extract(ctx, archivePath, sandbox); err != nil {
		return nil, err
	}

	rawManifest, err := os.ReadFile(filepath.Join(sandbox, ManifestFileName))
	if err != nil {
		return nil, reject(KindMissingManifest, err)
	}
	rawSig, err := os.ReadFile(filepath.Join(sandbox, SignatureFileName))
	if err != nil {
		return nil, reject(KindMissingSignature, err)
	}

	// Signature is verified against the on-wire bytes before parsing.
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(rawSig)))
	if err != nil {
		return nil, reject(KindSignatureInvalid, fmt.Errorf("signature not base64: %w", err))
	}
	if err := crypto.Verify(v.pub, rawManifest, sig); err != nil {
		return nil, reject(KindSignatureInvalid, err)
	}

	manifest, err := ParseManifest(rawManifest)
	if err != nil {
		return nil, err
	}

	for rel, want := range manifest.Files {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		path := filepath.Join(sandbox, filepath.FromSlash(rel))
		if err := crypto.VerifyFileHash(path, want); err != nil {
			var f *crypto.Failure
			if errors.As(err, &f) && f.Kind == crypto.KindHashMismatch {
				return nil, reject(KindHashMismatch, err)
			}
			return nil, reject(KindHashMismatch, fmt.Errorf("file %s: %w", rel, err))
		}
	}

	if err := checkNoStrayFiles(sandbox, manifest); err != nil {
		return nil, err
	}

	hash, err := ManifestHash(rawManifest)
	if err != nil {
		return nil, err
	}

	return &Result{
		Dir:          sandbox,
		Manifest:     manifest,
		ManifestHash: hash,
		RawManifest:  rawManifest,
	}, nil
}

// extract streams the gzip-tar archive into sandbox, rejecting entries that
// escape the sandbox, symlinks, hardlinks, and suspicious modes, and
// enforcing the size and file-count bounds.
func (v *Verifier) extract(ctx context.Context, archivePath, sandbox string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return reject(KindArchiveMalformed, err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return reject(KindArchiveMalformed, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	var totalBytes int64
	var fileCount int

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return reject(KindArchiveMalformed, err)
		}

		target, err := resolveEntry(sandbox, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return reject(KindArchiveMalformed, err)
			}
		case tar.TypeReg:
			fileCount++
			if fileCount > v.maxFiles {
				return reject(KindSizeExceeded, fmt.Errorf("more than %d files", v.maxFiles))
			}
			if hdr.Mode&(04000|02000) != 0 {
				return reject(KindArchiveMalformed, fmt.Errorf("entry %s has setuid/setgid mode", hdr.Name))
			}
			n, err := writeEntry(target, tr, v.maxBytes-totalBytes)
			if err != nil {
				return err
			}
			totalBytes += n
			if totalBytes > v.maxBytes {
				return reject(KindSizeExceeded, fmt.Errorf("uncompressed size exceeds %d bytes", v.maxBytes))
			}
		case tar.TypeSymlink, tar.TypeLink:
			return reject(KindPathEscape, fmt.Errorf("entry %s is a link", hdr.Name))
		default:
			return reject(KindArchiveMalformed, fmt.Errorf("entry %s has unsupported type %d", hdr.Name, hdr.Typeflag))
		}
	}
}

func resolveEntry(sandbox, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", reject(KindPathEscape, fmt.Errorf("entry %q escapes the sandbox", name))
	}
	target := filepath.Join(sandbox, clean)
	if !strings.HasPrefix(target, filepath.Clean(sandbox)+string(filepath.Separator)) {
		return "", reject(KindPathEscape, fmt.Errorf("entry %q escapes the sandbox", name))
	}
	return target, nil
}

func writeEntry(target string, r io.Reader, budget int64) (int64, error) {
	if budget < 0 {
		budget = 0
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, reject(KindArchiveMalformed, err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, reject(KindArchiveMalformed, err)
	}
	defer func() { _ = out.Close() }()

	// Copy one byte past the budget so overruns are detectable.
	n, err := io.Copy(out, io.LimitReader(r, budget+1))
	if err != nil {
		return n, reject(KindArchiveMalformed, err)
	}
	if n > budget {
		return n, reject(KindSizeExceeded, fmt.Errorf("entry exceeds remaining size budget"))
	}
	return n, nil
}

// checkNoStrayFiles enforces that every regular file in the sandbox beyond
// the envelope pair appears in the manifest.
func checkNoStrayFiles(sandbox string, m *Manifest) error {
	return filepath.WalkDir(sandbox, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return reject(KindArchiveMalformed, err)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sandbox, path)
		if err != nil {
			return reject(KindArchiveMalformed, err)
		}
		rel = filepath.ToSlash(rel)
		if rel == ManifestFileName || rel == SignatureFileName {
			return nil
		}
		if _, ok := m.Files[rel]; !ok {
			return reject(KindArchiveMalformed, fmt.Errorf("file %s not listed in manifest", rel))
		}
		return nil
	})
}
