// Package sre implements the Signed Request Envelope wire model, its
// canonical encoding, and signature verification.
//
// The canonical encoding (format sre-canonical-v1) is the single signing
// input: signers and verifiers in any language must produce it byte for byte.
// Wire documents are JSON; every structural or schema failure is reported as
// a MalformedWireDocument *Error before any cryptographic check runs.
//
// Errors returned by this package and by the round, store and delivery
// packages are *Error values carrying a stable Kind and RuleID. CodeOf maps
// them to the boundary result codes (Accepted, RejectedTamper, ...).
package sre
