package keys

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// PublicKey is a verification key tagged with its signature scheme.
type PublicKey struct {
	Alg string
	Key []byte
}

// String encodes the key as "<alg>:<base64>".
func (p PublicKey) String() string {
	if p.Alg == "" {
		return ""
	}
	return p.Alg + ":" + base64.StdEncoding.EncodeToString(p.Key)
}

// IsZero reports whether no key is set.
func (p PublicKey) IsZero() bool { return p.Alg == "" && len(p.Key) == 0 }

// Ed25519PublicKey wraps a raw Ed25519 public key.
func Ed25519PublicKey(pub ed25519.PublicKey) (PublicKey, error) {
	if l := len(pub); l != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return PublicKey{Alg: AlgEd25519, Key: append([]byte(nil), pub...)}, nil
}

// ParsePublicKey decodes the "<alg>:<base64>" text form.
//
// Supported encodings:
//   - ed25519:<base64>
//   - dilithium3:<base64>
func ParsePublicKey(s string) (PublicKey, error) {
	alg, enc, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return PublicKey{}, errors.New("keys: public key must be <alg>:<base64>")
	}
	raw, err := decodeBase64(enc)
	if err != nil {
		return PublicKey{}, fmt.Errorf("keys: invalid public key base64: %w", err)
	}
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, errors.New("keys: invalid ed25519 public key length")
		}
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(raw); err != nil {
			return PublicKey{}, fmt.Errorf("keys: invalid dilithium3 public key: %w", err)
		}
	default:
		return PublicKey{}, fmt.Errorf("keys: unsupported key algorithm %q", alg)
	}
	return PublicKey{Alg: alg, Key: raw}, nil
}

// ParsePublicKeyPEM decodes a PEM "PUBLIC KEY" block holding an Ed25519
// SubjectPublicKeyInfo.
func ParsePublicKeyPEM(data []byte) (PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return PublicKey{}, errors.New("keys: no PEM block found")
	}
	if block.Type != "PUBLIC KEY" {
		return PublicKey{}, fmt.Errorf("keys: unexpected PEM block %q", block.Type)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return PublicKey{}, fmt.Errorf("keys: parse PKIX public key: %w", err)
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return PublicKey{}, errors.New("keys: PEM key is not ed25519")
	}
	return Ed25519PublicKey(pub)
}

// LoadPublicKeyFile reads a public key from disk, accepting either PEM or the
// "<alg>:<base64>" text form.
func LoadPublicKeyFile(path string) (PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PublicKey{}, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "-----BEGIN") {
		return ParsePublicKeyPEM(data)
	}
	return ParsePublicKey(string(data))
}

// MarshalPublicKeyPEM encodes an Ed25519 key as a PEM SubjectPublicKeyInfo block.
func MarshalPublicKeyPEM(p PublicKey) ([]byte, error) {
	if p.Alg != AlgEd25519 {
		return nil, fmt.Errorf("keys: PEM export supports ed25519 only, got %q", p.Alg)
	}
	der, err := x509.MarshalPKIXPublicKey(ed25519.PublicKey(p.Key))
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func decodeBase64(s string) ([]byte, error) {
	// Prefer standard padded encoding, but accept raw encoding too.
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
