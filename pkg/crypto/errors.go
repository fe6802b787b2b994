package crypto

import "fmt"

// FailureKind classifies a crypto failure.
type FailureKind string

const (
	KindKeyMissing       FailureKind = "key_missing"
	KindKeyMalformed     FailureKind = "key_malformed"
	KindSignatureInvalid FailureKind = "signature_invalid"
	KindHashMismatch     FailureKind = "hash_mismatch"
)

// Failure is the single error type surfaced by this package. Callers switch
// on Kind; the wrapped cause is retained for logs only.
type Failure struct {
	Kind  FailureKind
	Cause error
}

func (f *Failure) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("crypto failure (%s): %v", f.Kind, f.Cause)
	}
	return fmt.Sprintf("crypto failure (%s)", f.Kind)
}

func (f *Failure) Unwrap() error { return f.Cause }

func failure(kind FailureKind, cause error) *Failure {
	return &Failure{Kind: kind, Cause: cause}
}
