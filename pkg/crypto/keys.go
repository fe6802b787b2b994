package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const keyBits = 4096

// LoadOrGenerateKey reads a PKCS#8 PEM private key from privPath. If the
// file does not exist, a fresh RSA-4096 key is generated and written with
// mode 0600, and its SubjectPublicKeyInfo PEM is written to pubPath with
// mode 0644.
func LoadOrGenerateKey(privPath, pubPath string) (*rsa.PrivateKey, error) {
	priv, err := LoadPrivateKey(privPath)
	if err == nil {
		return priv, nil
	}
	var f *Failure
	if !errors.As(err, &f) || f.Kind != KindKeyMissing {
		return nil, err
	}

	priv, err = rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, failure(KindKeyMalformed, fmt.Errorf("generate key: %w", err))
	}
	if err := writeKeyPair(priv, privPath, pubPath); err != nil {
		return nil, err
	}
	return priv, nil
}

// LoadPrivateKey reads a PKCS#8 PEM RSA private key.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure(KindKeyMissing, err)
		}
		return nil, failure(KindKeyMalformed, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, failure(KindKeyMalformed, fmt.Errorf("%s: not PEM", path))
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, failure(KindKeyMalformed, fmt.Errorf("%s: %w", path, err))
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, failure(KindKeyMalformed, fmt.Errorf("%s: not an RSA key", path))
	}
	return priv, nil
}

// LoadPublicKey reads a SubjectPublicKeyInfo PEM RSA public key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure(KindKeyMissing, err)
		}
		return nil, failure(KindKeyMalformed, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, failure(KindKeyMalformed, fmt.Errorf("%s: not PEM", path))
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, failure(KindKeyMalformed, fmt.Errorf("%s: %w", path, err))
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, failure(KindKeyMalformed, fmt.Errorf("%s: not an RSA key", path))
	}
	return pub, nil
}

func writeKeyPair(priv *rsa.PrivateKey, privPath, pubPath string) error {
	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return failure(KindKeyMalformed, err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return failure(KindKeyMalformed, err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return failure(KindKeyMalformed, err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return failure(KindKeyMalformed, err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(pubPath, pubPEM, 0o644); err != nil {
		return failure(KindKeyMalformed, err)
	}
	return nil
}
