package sre

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"time"
)

// CanonicalFormat is the first line of every canonical encoding.
const CanonicalFormat = "sre-canonical-v1"

// Canonicalize returns the signing input for e.
//
// The encoding is line oriented, LF terminated, and emits fields in a fixed
// order. Every string is written as <len>:<bytes> where len is its decimal
// UTF-8 byte length, so adjacent fields cannot be confused ("ab","c" and
// "a","bc" encode differently). Timestamps are RFC 3339 in UTC with trailing
// fractional zeros trimmed. Extensions are sorted by key bytes. The
// signature is excluded.
//
// Canonicalize does not validate e; callers that need a well-formed envelope
// run Validate first.
func Canonicalize(e *Envelope) []byte {
	var b bytes.Buffer
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}
	field := func(name, value string) {
		b.WriteString(name)
		b.WriteByte(':')
		writeLP(&b, value)
		b.WriteByte('\n')
	}

	line(CanonicalFormat)
	line("version=" + strconv.Itoa(e.version()))
	field("subject", e.Subject)
	field("task", e.Task)
	line("round=" + strconv.FormatUint(e.Round, 10))
	field("nonce", e.Nonce)
	field("issued_at", CanonicalTime(e.IssuedAt))
	field("expires_at", CanonicalTime(e.ExpiresAt))
	field("brief", e.Brief)
	field("evaluation_url", e.EvaluationURL)

	line("checks#" + strconv.Itoa(len(e.Checks)))
	for _, c := range e.Checks {
		b.WriteByte('-')
		writeLP(&b, c)
		b.WriteByte('\n')
	}

	line("attachments#" + strconv.Itoa(len(e.Attachments)))
	for _, a := range e.Attachments {
		b.WriteByte('-')
		writeLP(&b, a.Name)
		b.WriteByte(':')
		writeLP(&b, a.URL)
		b.WriteByte('\n')
	}

	keys := make([]string, 0, len(e.Extensions))
	for k := range e.Extensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	line("extensions#" + strconv.Itoa(len(keys)))
	for _, k := range keys {
		b.WriteByte('+')
		writeLP(&b, k)
		b.WriteByte(':')
		writeLP(&b, e.Extensions[k])
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// CanonicalDigest is the hex SHA-256 of Canonicalize(e). Two envelopes with
// the same digest are payload-identical.
func CanonicalDigest(e *Envelope) string {
	sum := sha256.Sum256(Canonicalize(e))
	return hex.EncodeToString(sum[:])
}

// CanonicalTime renders t the way the canonical encoding does.
func CanonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func writeLP(b *bytes.Buffer, s string) {
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteByte(':')
	b.WriteString(s)
}
