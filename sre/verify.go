package sre

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"github.com/Sarbajit-2004/llm-code-deploy/keys"
)

// Verify reports whether signature is valid for canonical under pub.
//
// It is stateless and never panics: unknown schemes, wrong key sizes and
// truncated signatures all return false.
//
// Supported schemes:
//   - ed25519: signature over canonical directly
//   - dilithium3: signature over SHA3-256(canonical)
func Verify(canonical, signature []byte, pub keys.PublicKey) bool {
	switch pub.Alg {
	case keys.AlgEd25519:
		if len(pub.Key) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Key), canonical, signature)
	case keys.AlgDilithium3:
		if len(signature) != mode3.SignatureSize {
			return false
		}
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub.Key); err != nil {
			return false
		}
		digest, err := keys.SigningInput(keys.AlgDilithium3, canonical)
		if err != nil {
			return false
		}
		return mode3.Verify(&pk, digest, signature)
	default:
		return false
	}
}

// VerifyEnvelope checks e's signature against pub.
func VerifyEnvelope(e *Envelope, pub keys.PublicKey) error {
	if e == nil {
		return malformed("SRE-ENV-000", "nil envelope")
	}
	if len(e.Signature) == 0 {
		return NewError(KindSignatureInvalid, "SRE-SIG-001", "missing signature")
	}
	if pub.IsZero() {
		return NewError(KindSignatureInvalid, "SRE-SIG-003", "no verification key configured")
	}
	if !Verify(Canonicalize(e), e.Signature, pub) {
		return NewError(KindSignatureInvalid, "SRE-SIG-002", "signature invalid")
	}
	return nil
}

// Sign validates e and fills e.Signature using signer.
func Sign(e *Envelope, signer keys.Signer) error {
	if err := Validate(e); err != nil {
		return err
	}
	if signer == nil {
		return NewError(KindInternal, "SRE-SIG-004", "missing signer")
	}
	sig, err := signer.Sign(Canonicalize(e))
	if err != nil {
		return WrapError(KindInternal, "SRE-SIG-004", "sign envelope", err)
	}
	e.Signature = sig
	return nil
}

// EncodeSignature renders sig as unpadded base64url.
func EncodeSignature(sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(sig)
}

// DecodeSignature accepts unpadded or padded base64url.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, WrapError(KindMalformed, "SRE-WIRE-012", "invalid signature base64url", err)
	}
	return sig, nil
}
