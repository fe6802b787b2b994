package bundle

import "fmt"

// RejectKind classifies why a bundle was refused.
type RejectKind string

const (
	KindMissingManifest  RejectKind = "missing_manifest"
	KindMissingSignature RejectKind = "missing_signature"
	KindSignatureInvalid RejectKind = "signature_invalid"
	KindHashMismatch     RejectKind = "hash_mismatch"
	KindPathEscape       RejectKind = "path_escape"
	KindArchiveMalformed RejectKind = "archive_malformed"
	KindSizeExceeded     RejectKind = "size_exceeded"
)

// RejectError is surfaced to callers with its kind string intact.
type RejectError struct {
	Kind  RejectKind
	Cause error
}

func (e *RejectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bundle rejected (%s): %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("bundle rejected (%s)", e.Kind)
}

func (e *RejectError) Unwrap() error { return e.Cause }

func reject(kind RejectKind, cause error) *RejectError {
	return &RejectError{Kind: kind, Cause: cause}
}
