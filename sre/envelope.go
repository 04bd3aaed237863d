package sre

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// WireVersion is the only envelope schema version this package understands.
const WireVersion = 1

// MaxNonceBytes bounds the nonce length.
const MaxNonceBytes = 256

// Attachment is an opaque named reference carried by an envelope.
type Attachment struct {
	Name string
	URL  string
}

// Envelope is a Signed Request Envelope: the signed unit of trust.
//
// Brief, Checks, EvaluationURL, Attachments and Extensions are opaque to the
// protocol; they are covered by the signature but never interpreted here.
type Envelope struct {
	Version int

	Subject string
	Task    string
	Round   uint64
	Nonce   string

	Brief         string
	Checks        []string
	EvaluationURL string
	Attachments   []Attachment
	Extensions    map[string]string

	IssuedAt  time.Time
	ExpiresAt time.Time

	// Signature is the raw detached signature over Canonicalize(env).
	Signature []byte
}

func (e *Envelope) version() int {
	if e.Version == 0 {
		return WireVersion
	}
	return e.Version
}

// InWindow reports whether now falls in [IssuedAt-skew, ExpiresAt+skew].
func (e *Envelope) InWindow(now time.Time, skew time.Duration) bool {
	if now.Before(e.IssuedAt.Add(-skew)) {
		return false
	}
	return !now.After(e.ExpiresAt.Add(skew))
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Checks = append([]string(nil), e.Checks...)
	c.Attachments = append([]Attachment(nil), e.Attachments...)
	if e.Extensions != nil {
		c.Extensions = make(map[string]string, len(e.Extensions))
		for k, v := range e.Extensions {
			c.Extensions[k] = v
		}
	}
	c.Signature = append([]byte(nil), e.Signature...)
	return &c
}

// EnvelopeRules are applied, in order, to every parsed or signed envelope.
var EnvelopeRules = []Rule[*Envelope]{
	{ID: "SRE-ENV-001", Apply: func(e *Envelope) error {
		if e.version() != WireVersion {
			return malformed("SRE-ENV-001", fmt.Sprintf("unsupported envelope version %d", e.Version))
		}
		return nil
	}},
	{ID: "SRE-ENV-002", Apply: func(e *Envelope) error {
		if e.Subject == "" {
			return malformed("SRE-ENV-002", "missing subject")
		}
		return nil
	}},
	{ID: "SRE-ENV-003", Apply: func(e *Envelope) error {
		if e.Task == "" {
			return malformed("SRE-ENV-003", "missing task")
		}
		return nil
	}},
	{ID: "SRE-ENV-004", Apply: func(e *Envelope) error {
		if e.Round < 1 {
			return malformed("SRE-ENV-004", "round must be >= 1")
		}
		return nil
	}},
	{ID: "SRE-ENV-005", Apply: func(e *Envelope) error {
		if e.Nonce == "" {
			return malformed("SRE-ENV-005", "missing nonce")
		}
		if len(e.Nonce) > MaxNonceBytes {
			return malformed("SRE-ENV-005", fmt.Sprintf("nonce exceeds %d bytes", MaxNonceBytes))
		}
		return nil
	}},
	{ID: "SRE-ENV-006", Apply: func(e *Envelope) error {
		if e.IssuedAt.IsZero() || e.ExpiresAt.IsZero() {
			return malformed("SRE-ENV-006", "missing validity window")
		}
		if e.ExpiresAt.Before(e.IssuedAt) {
			return malformed("SRE-ENV-006", "expires_at precedes issued_at")
		}
		return nil
	}},
	{ID: "SRE-ENV-007", Apply: func(e *Envelope) error {
		if !envelopeUTF8(e) {
			return malformed("SRE-ENV-007", "envelope contains invalid UTF-8")
		}
		return nil
	}},
	{ID: "SRE-ENV-008", Apply: func(e *Envelope) error {
		if hasControl(e.Subject) || hasControl(e.Task) {
			return malformed("SRE-ENV-008", "subject and task must not contain control characters")
		}
		return nil
	}},
}

// Validate applies EnvelopeRules to e.
func Validate(e *Envelope) error {
	if e == nil {
		return malformed("SRE-ENV-000", "nil envelope")
	}
	return ValidateRules(e, EnvelopeRules)
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

func envelopeUTF8(e *Envelope) bool {
	strs := []string{e.Subject, e.Task, e.Nonce, e.Brief, e.EvaluationURL}
	strs = append(strs, e.Checks...)
	for _, a := range e.Attachments {
		strs = append(strs, a.Name, a.URL)
	}
	for k, v := range e.Extensions {
		strs = append(strs, k, v)
	}
	for _, s := range strs {
		if !utf8.ValidString(s) {
			return false
		}
	}
	return true
}
