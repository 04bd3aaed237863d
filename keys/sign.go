package keys

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

// Signer produces detached signatures over canonical envelope bytes.
type Signer interface {
	PublicKey() PublicKey
	Sign(message []byte) ([]byte, error)
}

// SigningInput returns the bytes the scheme actually signs for message.
//
// Ed25519 signs the message directly. Dilithium3 signs SHA3-256(message).
func SigningInput(alg string, message []byte) ([]byte, error) {
	switch alg {
	case AlgEd25519:
		return message, nil
	case AlgDilithium3:
		sum := sha3.Sum256(message)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("keys: unsupported signature algorithm %q", alg)
	}
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer wraps priv.
func NewEd25519Signer(priv ed25519.PrivateKey) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keys: ed25519 private key must be %d bytes", ed25519.PrivateKeySize)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// NewEd25519SignerFromSeed derives the signing key from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keys: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) PublicKey() PublicKey {
	pub := s.priv.Public().(ed25519.PublicKey)
	return PublicKey{Alg: AlgEd25519, Key: append([]byte(nil), pub...)}
}

func (s *Ed25519Signer) Sign(message []byte) ([]byte, error) {
	if s == nil || len(s.priv) == 0 {
		return nil, errors.New("keys: missing private key")
	}
	return ed25519.Sign(s.priv, message), nil
}

// Dilithium3Signer signs with a post-quantum Dilithium3 key.
type Dilithium3Signer struct {
	pub  *mode3.PublicKey
	priv *mode3.PrivateKey
}

// NewDilithium3Signer wraps an existing keypair.
func NewDilithium3Signer(pub *mode3.PublicKey, priv *mode3.PrivateKey) (*Dilithium3Signer, error) {
	if pub == nil || priv == nil {
		return nil, errors.New("keys: missing dilithium3 key")
	}
	return &Dilithium3Signer{pub: pub, priv: priv}, nil
}

// GenerateDilithium3Signer creates a fresh Dilithium3 keypair from rand.
func GenerateDilithium3Signer(rand io.Reader) (*Dilithium3Signer, error) {
	pk, sk, err := mode3.GenerateKey(rand)
	if err != nil {
		return nil, err
	}
	return &Dilithium3Signer{pub: pk, priv: sk}, nil
}

func (s *Dilithium3Signer) PublicKey() PublicKey {
	raw, _ := s.pub.MarshalBinary()
	return PublicKey{Alg: AlgDilithium3, Key: raw}
}

func (s *Dilithium3Signer) Sign(message []byte) ([]byte, error) {
	if s == nil || s.priv == nil {
		return nil, errors.New("keys: missing private key")
	}
	digest, err := SigningInput(AlgDilithium3, message)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(s.priv, digest, sig)
	return sig, nil
}
