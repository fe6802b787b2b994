// Package bundle implements the signed bundle envelope: a gzip-compressed
// POSIX tar whose root carries manifest.json and manifest.sig. The
// signature covers the raw manifest.json bytes as present in the archive;
// every file listed in the manifest is hash-pinned.
package bundle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sentinelsec/aegis/pkg/canonicalize"
)

// ManifestFileName and SignatureFileName are the required root entries.
const (
	ManifestFileName  = "manifest.json"
	SignatureFileName = "manifest.sig"
)

// Metadata describes the bundle. Name and version are required; labels are
// free-form.
type Metadata struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Class   string            `json:"class,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Manifest maps bundle-relative paths to SHA-256 hex digests.
type Manifest struct {
	Metadata Metadata          `json:"metadata"`
	Files    map[string]string `json:"files"`
}

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metadata", "files"],
  "properties": {
    "metadata": {
      "type": "object",
      "required": ["name", "version"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string", "minLength": 1},
        "class": {"type": "string"},
        "labels": {"type": "object", "additionalProperties": {"type": "string"}}
      }
    },
    "files": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
    }
  }
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchema)

// ParseManifest validates raw manifest bytes against the manifest schema
// and decodes them.
func ParseManifest(raw []byte) (*Manifest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, reject(KindArchiveMalformed, fmt.Errorf("manifest is not JSON: %w", err))
	}
	if err := compiledManifestSchema.Validate(generic); err != nil {
		return nil, reject(KindArchiveMalformed, fmt.Errorf("manifest schema: %w", err))
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, reject(KindArchiveMalformed, err)
	}
	for rel := range m.Files {
		if !validRelPath(rel) {
			return nil, reject(KindPathEscape, fmt.Errorf("manifest lists escaping path %q", rel))
		}
	}
	return &m, nil
}

// ManifestHash returns the identity hash of a manifest: the SHA-256 of the
// RFC 8785 canonical form of its raw bytes.
func ManifestHash(raw []byte) (string, error) {
	canonical, err := canonicalize.JCSBytes(raw)
	if err != nil {
		return "", reject(KindArchiveMalformed, err)
	}
	return canonicalize.HashBytes(canonical), nil
}

// validRelPath rejects absolute paths and any path that traverses upward.
func validRelPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." || part == "" {
			return false
		}
	}
	return true
}
