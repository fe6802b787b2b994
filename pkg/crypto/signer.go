// Package crypto implements the signing and hashing primitives shared by
// the bundle verifier, the audit ledger, and run attestation.
//
// All signatures are RSA-PSS over SHA-256 digests with MGF1-SHA256 and the
// maximum salt length for the key size. Keys are RSA-4096, stored as
// PKCS#8 PEM.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

var pssOpts = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto,
	Hash:       crypto.SHA256,
}

// Signer signs byte payloads with a private RSA key.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	Public() *rsa.PublicKey
}

// RSASigner implements Signer with RSA-PSS.
type RSASigner struct {
	priv *rsa.PrivateKey
}

// NewRSASigner wraps an existing private key.
func NewRSASigner(priv *rsa.PrivateKey) *RSASigner {
	return &RSASigner{priv: priv}
}

// Sign produces an RSA-PSS signature over the SHA-256 digest of data.
func (s *RSASigner) Sign(data []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, failure(KindKeyMissing, errors.New("signer has no private key"))
	}
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPSS(rand.Reader, s.priv, crypto.SHA256, digest[:], pssOpts)
	if err != nil {
		return nil, failure(KindKeyMalformed, fmt.Errorf("pss sign: %w", err))
	}
	return sig, nil
}

// Public returns the public half of the signing key.
func (s *RSASigner) Public() *rsa.PublicKey {
	if s.priv == nil {
		return nil
	}
	return &s.priv.PublicKey
}

// Verify checks an RSA-PSS signature over data. A nil error means the
// signature is valid; an invalid signature is reported as a Failure with
// kind signature_invalid.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	if pub == nil {
		return failure(KindKeyMissing, errors.New("nil public key"))
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, pssOpts); err != nil {
		return failure(KindSignatureInvalid, err)
	}
	return nil
}
