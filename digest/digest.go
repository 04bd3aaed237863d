// Package digest derives content identifiers for results, archive objects
// and idempotency keys.
//
// Every identifier is a CIDv1 string using the "raw" multicodec and a
// sha2-256 multihash, so any party can recompute it from the same bytes.
package digest

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

const idempotencyLabel = "sre-idempotency-v1"

// CID returns the CIDv1 (raw + sha2-256) of data.
func CID(data []byte) (cid.Cid, error) {
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(cid.Raw, sum), nil
}

// Of returns the CIDv1 string of data.
func Of(data []byte) string {
	c, err := CID(data)
	if err != nil {
		// multihash.Sum only fails for unknown codes or bad lengths.
		return ""
	}
	return c.String()
}

// File returns the CIDv1 string of the file at path.
func File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Of(data), nil
}

// Parse decodes s and checks that it is a raw sha2-256 CIDv1.
func Parse(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("digest: invalid CID %q: %w", s, err)
	}
	if c.Version() != 1 || c.Type() != cid.Raw {
		return cid.Undef, fmt.Errorf("digest: %q is not a CIDv1 raw identifier", s)
	}
	dec, err := multihash.Decode(c.Hash())
	if err != nil {
		return cid.Undef, fmt.Errorf("digest: invalid multihash in %q: %w", s, err)
	}
	if dec.Code != multihash.SHA2_256 {
		return cid.Undef, fmt.Errorf("digest: %q is not sha2-256", s)
	}
	return c, nil
}

// Matches reports whether s is the identifier of data.
func Matches(data []byte, s string) bool {
	want, err := Parse(s)
	if err != nil {
		return false
	}
	got, err := CID(data)
	if err != nil {
		return false
	}
	return got.Equals(want)
}

// IdempotencyKey derives the delivery key for one round's result.
//
// The key covers (subject, task, round, resultDigest) with every string
// length-prefixed, so identical retries always produce identical keys and
// distinct tuples never collide by concatenation.
func IdempotencyKey(subject, task string, round uint64, resultDigest string) string {
	var b bytes.Buffer
	b.WriteString(idempotencyLabel)
	b.WriteByte('\n')
	for _, s := range []string{subject, task, strconv.FormatUint(round, 10), resultDigest} {
		b.WriteString(strconv.Itoa(len(s)))
		b.WriteByte(':')
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return Of(b.Bytes())
}
