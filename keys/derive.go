package keys

import (
	"crypto/ed25519"

	"golang.org/x/crypto/sha3"
)

const roleDerivationLabel = "sre-kms-lite-v1"

// DeriveRoleSeed deterministically derives a role-specific Ed25519 seed from a root seed.
//
// The derivation is SHA3-256(root || 0 || label || 0 || "role:" || role).
// A server typically keeps one root key and derives an "issuer" role key per
// deployment so the root never signs envelopes directly.
func DeriveRoleSeed(rootSeed []byte, role string) ([]byte, error) {
	if len(rootSeed) != ed25519.SeedSize {
		return nil, errSeedSize(len(rootSeed))
	}
	if err := CheckRole(role); err != nil {
		return nil, err
	}

	h := sha3.New256()
	_, _ = h.Write(rootSeed)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(roleDerivationLabel))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte("role:"))
	_, _ = h.Write([]byte(role))
	sum := h.Sum(nil)
	return sum[:ed25519.SeedSize], nil
}

// PublicKeyFromSeed returns the Ed25519 public key for seed.
func PublicKeyFromSeed(seed []byte) (PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return PublicKey{}, errSeedSize(len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Ed25519PublicKey(priv.Public().(ed25519.PublicKey))
}
