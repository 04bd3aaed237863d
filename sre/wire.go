package sre

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
	"unicode/utf8"
)

// Mode selects how aggressively parsing rejects ambiguity.
//
// Strict (the zero value) rejects unknown fields. Permissive ignores them.
// Both modes reject duplicate keys, invalid UTF-8 and type mismatches.
type Mode int

const (
	Strict Mode = iota
	Permissive
)

// ParseOptions controls wire parsing.
type ParseOptions struct {
	Mode Mode
}

// MaxDocumentBytes bounds any wire document accepted by this package.
const MaxDocumentBytes = 1 << 20

const maxNesting = 32

// scanDocument enforces the structural rules every wire document must meet
// before any field is decoded.
func scanDocument(raw []byte) error {
	if len(raw) > MaxDocumentBytes {
		return malformed("SRE-WIRE-009", fmt.Sprintf("document exceeds %d bytes", MaxDocumentBytes))
	}
	if !utf8.Valid(raw) {
		return malformed("SRE-WIRE-001", "document is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return WrapError(KindMalformed, "SRE-WIRE-005", "invalid JSON", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return malformed("SRE-WIRE-002", "document must be a JSON object")
	}
	if err := scanObject(dec, 1); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return malformed("SRE-WIRE-008", "trailing data after document")
	}
	return nil
}

func scanObject(dec *json.Decoder, depth int) error {
	if depth > maxNesting {
		return malformed("SRE-WIRE-010", "document nested too deeply")
	}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return WrapError(KindMalformed, "SRE-WIRE-005", "invalid JSON", err)
		}
		key, ok := tok.(string)
		if !ok {
			return malformed("SRE-WIRE-005", "object key is not a string")
		}
		if _, dup := seen[key]; dup {
			return malformed("SRE-WIRE-003", fmt.Sprintf("duplicate key %q", key))
		}
		seen[key] = struct{}{}
		if err := scanValue(dec, depth); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return WrapError(KindMalformed, "SRE-WIRE-005", "invalid JSON", err)
	}
	return nil
}

func scanValue(dec *json.Decoder, depth int) error {
	tok, err := dec.Token()
	if err != nil {
		return WrapError(KindMalformed, "SRE-WIRE-005", "invalid JSON", err)
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch d {
	case '{':
		return scanObject(dec, depth+1)
	case '[':
		if depth+1 > maxNesting {
			return malformed("SRE-WIRE-010", "document nested too deeply")
		}
		for dec.More() {
			if err := scanValue(dec, depth+1); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return WrapError(KindMalformed, "SRE-WIRE-005", "invalid JSON", err)
		}
	}
	return nil
}

// object decodes known fields by exact (case-sensitive) key and remembers
// which keys were consumed. The first decoding error sticks.
type object struct {
	where  string
	fields map[string]json.RawMessage
	used   map[string]bool
	err    error
}

func newObject(raw []byte, where string) (*object, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, WrapError(KindMalformed, "SRE-WIRE-002", where+" must be a JSON object", err)
	}
	if fields == nil {
		return nil, malformed("SRE-WIRE-002", where+" must be a JSON object")
	}
	return &object{where: where, fields: fields, used: make(map[string]bool)}, nil
}

func (o *object) has(key string) bool {
	_, ok := o.fields[key]
	return ok
}

func (o *object) get(key string, dst any) {
	raw, ok := o.fields[key]
	o.used[key] = true
	if !ok || o.err != nil {
		return
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		o.err = WrapError(KindMalformed, "SRE-WIRE-006", fmt.Sprintf("%s.%s has the wrong type", o.where, key), err)
	}
}

func (o *object) getTime(key string, dst *time.Time) {
	var s string
	o.get(key, &s)
	if o.err != nil || s == "" {
		return
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		o.err = WrapError(KindMalformed, "SRE-WIRE-007", fmt.Sprintf("%s.%s is not an RFC 3339 timestamp", o.where, key), err)
		return
	}
	*dst = t
}

func (o *object) finish(mode Mode) error {
	if o.err != nil {
		return o.err
	}
	if mode == Permissive {
		return nil
	}
	var unknown []string
	for k := range o.fields {
		if !o.used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return malformed("SRE-WIRE-004", fmt.Sprintf("unknown field %s.%s", o.where, unknown[0]))
	}
	return nil
}

// ParseEnvelope decodes and validates a wire envelope.
//
// All structural and schema failures are reported as MalformedWireDocument
// before any signature check is attempted.
func ParseEnvelope(raw []byte, opts ParseOptions) (*Envelope, error) {
	env, err := decodeEnvelope(raw, opts)
	if err != nil {
		return nil, err
	}
	if err := Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Violations reports every EnvelopeRules failure in raw rather than only the
// first. A document that cannot be decoded yields its decode error alone.
func Violations(raw []byte, opts ParseOptions) []error {
	env, err := decodeEnvelope(raw, opts)
	if err != nil {
		return []error{err}
	}
	return ValidateRulesAll(env, EnvelopeRules)
}

func decodeEnvelope(raw []byte, opts ParseOptions) (*Envelope, error) {
	if err := scanDocument(raw); err != nil {
		return nil, err
	}
	o, err := newObject(raw, "envelope")
	if err != nil {
		return nil, err
	}

	// An absent version means WireVersion; an explicit one must match exactly.
	env := &Envelope{Version: WireVersion}
	explicitVersion := o.has("version")
	if explicitVersion {
		o.get("version", &env.Version)
	}
	o.get("subject", &env.Subject)
	o.get("task", &env.Task)
	o.get("round", &env.Round)
	o.get("nonce", &env.Nonce)
	o.get("brief", &env.Brief)
	o.get("checks", &env.Checks)
	o.get("evaluation_url", &env.EvaluationURL)
	o.get("extensions", &env.Extensions)
	o.getTime("issued_at", &env.IssuedAt)
	o.getTime("expires_at", &env.ExpiresAt)

	var attachments []json.RawMessage
	o.get("attachments", &attachments)

	var sig string
	o.get("signature", &sig)
	if err := o.finish(opts.Mode); err != nil {
		return nil, err
	}
	if explicitVersion && env.Version != WireVersion {
		return nil, malformed("SRE-ENV-001", fmt.Sprintf("unsupported envelope version %d", env.Version))
	}

	for i, raw := range attachments {
		a, err := parseAttachment(raw, i, opts)
		if err != nil {
			return nil, err
		}
		env.Attachments = append(env.Attachments, a)
	}

	if sig == "" {
		return nil, malformed("SRE-WIRE-011", "missing signature")
	}
	env.Signature, err = DecodeSignature(sig)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func parseAttachment(raw json.RawMessage, i int, opts ParseOptions) (Attachment, error) {
	o, err := newObject(raw, fmt.Sprintf("attachments[%d]", i))
	if err != nil {
		return Attachment{}, err
	}
	var a Attachment
	o.get("name", &a.Name)
	o.get("url", &a.URL)
	if err := o.finish(opts.Mode); err != nil {
		return Attachment{}, err
	}
	return a, nil
}

type attachmentJSON struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type envelopeJSON struct {
	Version       int               `json:"version"`
	Subject       string            `json:"subject"`
	Task          string            `json:"task"`
	Round         uint64            `json:"round"`
	Nonce         string            `json:"nonce"`
	Brief         string            `json:"brief,omitempty"`
	Checks        []string          `json:"checks,omitempty"`
	EvaluationURL string            `json:"evaluation_url,omitempty"`
	Attachments   []attachmentJSON  `json:"attachments,omitempty"`
	Extensions    map[string]string `json:"extensions,omitempty"`
	IssuedAt      string            `json:"issued_at"`
	ExpiresAt     string            `json:"expires_at"`
	Signature     string            `json:"signature"`
}

// MarshalEnvelope encodes e in the wire format. Timestamps are written in
// canonical UTC form and the signature as unpadded base64url.
func MarshalEnvelope(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("sre: nil envelope")
	}
	w := envelopeJSON{
		Version:       e.version(),
		Subject:       e.Subject,
		Task:          e.Task,
		Round:         e.Round,
		Nonce:         e.Nonce,
		Brief:         e.Brief,
		Checks:        e.Checks,
		EvaluationURL: e.EvaluationURL,
		Extensions:    e.Extensions,
		IssuedAt:      CanonicalTime(e.IssuedAt),
		ExpiresAt:     CanonicalTime(e.ExpiresAt),
		Signature:     EncodeSignature(e.Signature),
	}
	for _, a := range e.Attachments {
		w.Attachments = append(w.Attachments, attachmentJSON{Name: a.Name, URL: a.URL})
	}
	return json.Marshal(w)
}
