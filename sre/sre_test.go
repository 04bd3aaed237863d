package sre

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/keys"
)

type deterministicReader struct{ b byte }

func (r *deterministicReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
		r.b++
	}
	return len(p), nil
}

func testSigner(t *testing.T) *keys.Ed25519Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	s, err := keys.NewEd25519SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("NewEd25519SignerFromSeed: %v", err)
	}
	return s
}

func sampleEnvelope() *Envelope {
	return &Envelope{
		Subject:       "s1",
		Task:          "t1",
		Round:         1,
		Nonce:         "n1",
		Brief:         "build",
		Checks:        []string{"a", "bc"},
		EvaluationURL: "https://e/x",
		Attachments:   []Attachment{{Name: "f", URL: "u"}},
		Extensions:    map[string]string{"z": "1", "a": "2"},
		IssuedAt:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		ExpiresAt:     time.Date(2025, 1, 2, 4, 4, 5, 500_000_000, time.UTC),
	}
}

func signedWire(t *testing.T) (*Envelope, *keys.Ed25519Signer, string) {
	t.Helper()
	env := sampleEnvelope()
	s := testSigner(t)
	if err := Sign(env, s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, err := MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	return env, s, string(raw)
}

func TestCanonicalizeGolden(t *testing.T) {
	want := strings.Join([]string{
		"sre-canonical-v1",
		"version=1",
		"subject:2:s1",
		"task:2:t1",
		"round=1",
		"nonce:2:n1",
		"issued_at:20:2025-01-02T03:04:05Z",
		"expires_at:22:2025-01-02T04:04:05.5Z",
		"brief:5:build",
		"evaluation_url:11:https://e/x",
		"checks#2",
		"-1:a",
		"-2:bc",
		"attachments#1",
		"-1:f:1:u",
		"extensions#2",
		"+1:a:1:2",
		"+1:z:1:1",
	}, "\n") + "\n"
	if got := string(Canonicalize(sampleEnvelope())); got != want {
		t.Fatalf("canonical mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestCanonicalizeIgnoresSignatureAndZone(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	b.Signature = []byte("sig")
	loc := time.FixedZone("X", 5*3600)
	b.IssuedAt = b.IssuedAt.In(loc)
	b.ExpiresAt = b.ExpiresAt.In(loc)
	if string(Canonicalize(a)) != string(Canonicalize(b)) {
		t.Fatalf("expected canonical bytes to ignore signature and time zone")
	}
}

func TestCanonicalizeLengthPrefixesDisambiguate(t *testing.T) {
	a := sampleEnvelope()
	a.Subject, a.Task = "ab", "c"
	b := sampleEnvelope()
	b.Subject, b.Task = "a", "bc"
	if CanonicalDigest(a) == CanonicalDigest(b) {
		t.Fatalf("adjacent fields must not collide")
	}

	c := sampleEnvelope()
	c.Checks = []string{"ab", "c"}
	d := sampleEnvelope()
	d.Checks = []string{"a", "bc"}
	if CanonicalDigest(c) == CanonicalDigest(d) {
		t.Fatalf("adjacent list items must not collide")
	}
}

func TestParseIsOrderAndFormattingInsensitive(t *testing.T) {
	env, _, _ := signedWire(t)
	sig := EncodeSignature(env.Signature)

	docA := `{"version":1,"subject":"s1","task":"t1","round":1,"nonce":"n1","brief":"build",` +
		`"checks":["a","bc"],"evaluation_url":"https://e/x","attachments":[{"name":"f","url":"u"}],` +
		`"extensions":{"z":"1","a":"2"},"issued_at":"2025-01-02T03:04:05Z",` +
		`"expires_at":"2025-01-02T04:04:05.500Z","signature":"` + sig + `"}`
	docB := "{\n  \"signature\": \"" + sig + "==\",\n" +
		`  "expires_at": "2025-01-02T06:04:05.5+02:00", "issued_at": "2025-01-02T05:04:05+02:00",` +
		`  "extensions": {"a": "2", "z": "1"}, "attachments": [ {"url": "u", "name": "f"} ],` +
		`  "evaluation_url": "https://e/x", "checks": ["a", "bc"], "brief": "build",` +
		`  "nonce": "n1", "round": 1, "task": "t1", "subject": "s1"` + "\n}"

	a, err := ParseEnvelope([]byte(docA), ParseOptions{})
	if err != nil {
		t.Fatalf("ParseEnvelope(A): %v", err)
	}
	b, err := ParseEnvelope([]byte(docB), ParseOptions{})
	if err != nil {
		t.Fatalf("ParseEnvelope(B): %v", err)
	}
	if string(Canonicalize(a)) != string(Canonicalize(b)) {
		t.Fatalf("canonical bytes differ:\n%s\n%s", Canonicalize(a), Canonicalize(b))
	}
	if err := VerifyEnvelope(b, testSigner(t).PublicKey()); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
}

func TestMarshalParsePreservesSignedBytes(t *testing.T) {
	env, s, raw := signedWire(t)
	parsed, err := ParseEnvelope([]byte(raw), ParseOptions{})
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if CanonicalDigest(parsed) != CanonicalDigest(env) {
		t.Fatalf("digest changed across the wire")
	}
	if err := VerifyEnvelope(parsed, s.PublicKey()); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
	if strings.Contains(raw, "=\"") || strings.Contains(raw, "+") {
		t.Fatalf("signature must be unpadded base64url: %s", raw)
	}
}

func TestSignatureFlipsFailVerification(t *testing.T) {
	env := sampleEnvelope()
	s := testSigner(t)
	if err := Sign(env, s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	canonical := Canonicalize(env)
	pub := s.PublicKey()
	if !Verify(canonical, env.Signature, pub) {
		t.Fatalf("expected valid signature")
	}
	for i := range env.Signature {
		sig := append([]byte(nil), env.Signature...)
		sig[i] ^= 0x01
		if Verify(canonical, sig, pub) {
			t.Fatalf("flipped signature byte %d still verifies", i)
		}
	}
	for i := range canonical {
		msg := append([]byte(nil), canonical...)
		msg[i] ^= 0x01
		if Verify(msg, env.Signature, pub) {
			t.Fatalf("flipped payload byte %d still verifies", i)
		}
	}
}

func TestVerifyMalformedInputsDoNotPanic(t *testing.T) {
	env := sampleEnvelope()
	s := testSigner(t)
	if err := Sign(env, s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	canonical := Canonicalize(env)
	pub := s.PublicKey()

	cases := []struct {
		name string
		sig  []byte
		pub  keys.PublicKey
	}{
		{"empty signature", nil, pub},
		{"truncated signature", env.Signature[:10], pub},
		{"long signature", append(append([]byte(nil), env.Signature...), 0), pub},
		{"short key", env.Signature, keys.PublicKey{Alg: keys.AlgEd25519, Key: pub.Key[:5]}},
		{"unknown alg", env.Signature, keys.PublicKey{Alg: "rsa", Key: pub.Key}},
		{"zero key", env.Signature, keys.PublicKey{}},
		{"dilithium with ed25519 sig", env.Signature, keys.PublicKey{Alg: keys.AlgDilithium3, Key: pub.Key}},
	}
	for _, tc := range cases {
		if Verify(canonical, tc.sig, tc.pub) {
			t.Fatalf("%s: expected verification failure", tc.name)
		}
	}
}

func TestVerifyEnvelopeWrongKey(t *testing.T) {
	env, _, _ := signedWire(t)
	other, err := keys.PublicKeyFromSeed(make([]byte, ed25519.SeedSize))
	if err != nil {
		t.Fatalf("PublicKeyFromSeed: %v", err)
	}
	err = VerifyEnvelope(env, other)
	if !IsKind(err, KindSignatureInvalid) {
		t.Fatalf("expected SignatureInvalid, got %v", err)
	}
	if CodeOf(err) != RejectedTamper {
		t.Fatalf("expected RejectedTamper, got %s", CodeOf(err))
	}
}

func TestDilithium3EnvelopeRoundTrip(t *testing.T) {
	s, err := keys.GenerateDilithium3Signer(&deterministicReader{})
	if err != nil {
		t.Fatalf("GenerateDilithium3Signer: %v", err)
	}
	env := sampleEnvelope()
	if err := Sign(env, s); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := VerifyEnvelope(env, s.PublicKey()); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
	env.Round = 2
	if err := VerifyEnvelope(env, s.PublicKey()); !IsKind(err, KindSignatureInvalid) {
		t.Fatalf("expected SignatureInvalid after mutation, got %v", err)
	}
}

func TestParseEnvelopeRejections(t *testing.T) {
	_, _, raw := signedWire(t)

	cases := []struct {
		name string
		doc  string
		rule string
	}{
		{"invalid utf8", string([]byte{0xff, 0xfe}), "SRE-WIRE-001"},
		{"array document", `[1,2]`, "SRE-WIRE-002"},
		{"not json", `{"subject":`, "SRE-WIRE-005"},
		{"duplicate key", strings.Replace(raw, "{", `{"subject":"x",`, 1), "SRE-WIRE-003"},
		{"duplicate nested key", strings.Replace(raw, `"name":"f"`, `"name":"f","name":"g"`, 1), "SRE-WIRE-003"},
		{"unknown field", strings.Replace(raw, "{", `{"extra":1,`, 1), "SRE-WIRE-004"},
		{"unknown attachment field", strings.Replace(raw, `"name":"f"`, `"name":"f","size":3`, 1), "SRE-WIRE-004"},
		{"case folded key", strings.Replace(raw, `"subject"`, `"Subject"`, 1), "SRE-WIRE-004"},
		{"wrong type", strings.Replace(raw, `"round":1`, `"round":"1"`, 1), "SRE-WIRE-006"},
		{"negative round", strings.Replace(raw, `"round":1`, `"round":-1`, 1), "SRE-WIRE-006"},
		{"zero round", strings.Replace(raw, `"round":1`, `"round":0`, 1), "SRE-ENV-004"},
		{"bad timestamp", strings.Replace(raw, `"2025-01-02T03:04:05Z"`, `"yesterday"`, 1), "SRE-WIRE-007"},
		{"window inverted", strings.Replace(raw, `"2025-01-02T03:04:05Z"`, `"2026-01-02T03:04:05Z"`, 1), "SRE-ENV-006"},
		{"trailing data", raw + `{}`, "SRE-WIRE-008"},
		{"bad version", strings.Replace(raw, `"version":1`, `"version":2`, 1), "SRE-ENV-001"},
		{"missing subject", strings.Replace(raw, `"subject":"s1"`, `"subject":""`, 1), "SRE-ENV-002"},
		{"control char in subject", strings.Replace(raw, `"subject":"s1"`, `"subject":"s\u00001"`, 1), "SRE-ENV-008"},
		{"control char in task", strings.Replace(raw, `"task":"t1"`, `"task":"t\n1"`, 1), "SRE-ENV-008"},
		{"explicit version zero", strings.Replace(raw, `"version":1`, `"version":0`, 1), "SRE-ENV-001"},
		{"long nonce", strings.Replace(raw, `"nonce":"n1"`, `"nonce":"`+strings.Repeat("n", MaxNonceBytes+1)+`"`, 1), "SRE-ENV-005"},
		{"bad signature encoding", strings.Replace(raw, `"signature":"`, `"signature":"*`, 1), "SRE-WIRE-012"},
	}
	for _, tc := range cases {
		_, err := ParseEnvelope([]byte(tc.doc), ParseOptions{Mode: Strict})
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("%s: expected *sre.Error, got %T", tc.name, err)
		}
		if e.Kind != KindMalformed {
			t.Fatalf("%s: expected MalformedWireDocument, got %s", tc.name, e.Kind)
		}
		if e.RuleID != tc.rule {
			t.Fatalf("%s: expected RuleID %s, got %s (%v)", tc.name, tc.rule, e.RuleID, err)
		}
	}
}

func TestViolationsReportsEveryRule(t *testing.T) {
	_, _, raw := signedWire(t)
	doc := strings.Replace(raw, `"subject":"s1"`, `"subject":""`, 1)
	doc = strings.Replace(doc, `"round":1`, `"round":0`, 1)
	var got []string
	for _, err := range Violations([]byte(doc), ParseOptions{}) {
		got = append(got, RuleIDOf(err))
	}
	if strings.Join(got, ",") != "SRE-ENV-002,SRE-ENV-004" {
		t.Fatalf("violations = %v", got)
	}
	if v := Violations([]byte(raw), ParseOptions{}); len(v) != 0 {
		t.Fatalf("valid envelope reported %v", v)
	}
	if v := Violations([]byte(`[]`), ParseOptions{}); len(v) != 1 || RuleIDOf(v[0]) != "SRE-WIRE-002" {
		t.Fatalf("undecodable document: %v", v)
	}
}

func TestParseEnvelopeAbsentVersionDefaults(t *testing.T) {
	env, s, raw := signedWire(t)
	doc := strings.Replace(raw, `"version":1,`, "", 1)
	got, err := ParseEnvelope([]byte(doc), ParseOptions{})
	if err != nil {
		t.Fatalf("ParseEnvelope without version: %v", err)
	}
	if got.Version != WireVersion || CanonicalDigest(got) != CanonicalDigest(env) {
		t.Fatalf("absent version must canonicalize as version %d", WireVersion)
	}
	if err := VerifyEnvelope(got, s.PublicKey()); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}
}

func TestParsePermissiveIgnoresUnknownFields(t *testing.T) {
	env, _, raw := signedWire(t)
	doc := strings.Replace(raw, "{", `{"extra":{"deep":[1,2]},`, 1)
	got, err := ParseEnvelope([]byte(doc), ParseOptions{Mode: Permissive})
	if err != nil {
		t.Fatalf("ParseEnvelope(permissive): %v", err)
	}
	if CanonicalDigest(got) != CanonicalDigest(env) {
		t.Fatalf("unknown fields must not reach the canonical bytes")
	}
	dup := strings.Replace(raw, "{", `{"extra":1,"extra":2,`, 1)
	if _, err := ParseEnvelope([]byte(dup), ParseOptions{Mode: Permissive}); RuleIDOf(err) != "SRE-WIRE-003" {
		t.Fatalf("permissive mode must still reject duplicate keys, got %v", err)
	}
}

func TestEnvelopeWindow(t *testing.T) {
	env := sampleEnvelope()
	if env.InWindow(env.IssuedAt.Add(-2*time.Second), time.Second) {
		t.Fatalf("before issued_at-skew must be outside the window")
	}
	if !env.InWindow(env.IssuedAt.Add(-time.Second), time.Second) {
		t.Fatalf("issued_at-skew is inside the window")
	}
	if !env.InWindow(env.ExpiresAt, 0) {
		t.Fatalf("expires_at itself is inside the window")
	}
	if env.InWindow(env.ExpiresAt.Add(time.Nanosecond), 0) {
		t.Fatalf("after expires_at must be outside the window")
	}
}

func TestNotificationParse(t *testing.T) {
	n := &Notification{
		Subject:        "s1",
		Task:           "t1",
		Round:          1,
		IdempotencyKey: "key",
		ResultDigest:   "digest",
		Timestamp:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Evidence:       map[string]string{"sha": "abc"},
	}
	raw, err := MarshalNotification(n)
	if err != nil {
		t.Fatalf("MarshalNotification: %v", err)
	}
	got, err := ParseNotification(raw, ParseOptions{})
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	if got.IdempotencyKey != "key" || got.Evidence["sha"] != "abc" || !got.Timestamp.Equal(n.Timestamp) {
		t.Fatalf("unexpected notification: %+v", got)
	}

	bad := strings.Replace(string(raw), `"idempotency_key":"key"`, `"idempotency_key":""`, 1)
	if _, err := ParseNotification([]byte(bad), ParseOptions{}); RuleIDOf(err) != "SRE-NOTE-003" {
		t.Fatalf("expected SRE-NOTE-003, got %v", err)
	}
	bad = strings.Replace(string(raw), `"task":"t1"`, `"task":"t\u00001"`, 1)
	if _, err := ParseNotification([]byte(bad), ParseOptions{}); RuleIDOf(err) != "SRE-NOTE-006" {
		t.Fatalf("expected SRE-NOTE-006, got %v", err)
	}
}

func TestAckParse(t *testing.T) {
	a := RejectionAck(&Notification{Subject: "s", Task: "t", Round: 2, IdempotencyKey: "k"},
		NewError(KindStaleRound, "SRE-ROUND-006", "stale"), time.Unix(0, 0))
	raw, err := MarshalAck(&a)
	if err != nil {
		t.Fatalf("MarshalAck: %v", err)
	}
	got, err := ParseAck(raw)
	if err != nil {
		t.Fatalf("ParseAck: %v", err)
	}
	if got.Code != RejectedStale || got.RuleID != "SRE-ROUND-006" || got.Round != 2 {
		t.Fatalf("unexpected ack: %+v", got)
	}
	if _, err := ParseAck([]byte(`{"subject":"s"}`)); err == nil {
		t.Fatalf("expected missing code error")
	}
}

func TestCodeOf(t *testing.T) {
	cases := map[Kind]Code{
		KindSignatureInvalid:  RejectedTamper,
		KindNonceReplay:       RejectedTamper,
		KindEnvelopeExpired:   RejectedExpired,
		KindStaleRound:        RejectedStale,
		KindRoundConflict:     RejectedConflict,
		KindRoundOutOfOrder:   RejectedOutOfOrder,
		KindMalformed:         RejectedMalformed,
		KindStoreUnavailable:  RejectedUnavailable,
		KindDeliveryAbandoned: DeliveryAbandoned,
	}
	for kind, want := range cases {
		if got := CodeOf(NewError(kind, "X", "x")); got != want {
			t.Fatalf("CodeOf(%s) = %s, want %s", kind, got, want)
		}
	}
	if CodeOf(nil) != Accepted {
		t.Fatalf("nil error must be Accepted")
	}
	if CodeOf(errors.New("boom")) != RejectedUnavailable {
		t.Fatalf("unstructured errors must fail closed")
	}
}
