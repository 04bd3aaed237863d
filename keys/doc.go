// Package keys provides the key material helpers used by envelope issuers and verifiers.
//
// API stability:
//
// Stable:
//   - Public key text encoding ("<alg>:<base64>") and PEM parsing.
//   - Role-seed derivation and the Signer implementations.
//
// Experimental:
//   - Filesystem-backed key storage (KeyStore). It is a local-first utility for
//     the command line tools and not part of the wire protocol.
package keys
