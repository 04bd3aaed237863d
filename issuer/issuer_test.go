package issuer

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/Sarbajit-2004/llm-code-deploy/archive"
	"github.com/Sarbajit-2004/llm-code-deploy/keys"
	"github.com/Sarbajit-2004/llm-code-deploy/roundstore"
	"github.com/Sarbajit-2004/llm-code-deploy/rounds"
	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedSigner(t *testing.T, b byte) *keys.Ed25519Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = b + byte(i)
	}
	s, err := keys.NewEd25519SignerFromSeed(seed)
	if err != nil {
		t.Fatalf("NewEd25519SignerFromSeed: %v", err)
	}
	return s
}

type fixture struct {
	issuer  *Issuer
	machine *rounds.Machine
	archive *archive.Memory
	signer  *keys.Ed25519Signer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := seedSigner(t, 1)
	clock := func() time.Time { return now }
	m, err := rounds.New(roundstore.NewMemoryStore(), s.PublicKey(), rounds.WithClock(clock))
	if err != nil {
		t.Fatalf("rounds.New: %v", err)
	}
	arc := archive.NewMemory()
	n := 0
	iss, err := New(s, m,
		WithClock(clock),
		WithTTL(time.Hour),
		WithArchive(arc),
		WithNonceSource(func() string { n++; return fmt.Sprintf("nonce-%d", n) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fixture{issuer: iss, machine: m, archive: arc, signer: s}
}

func TestIssueFirstRound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	out, err := f.issuer.Issue(ctx, "student-1", "task-a", Payload{
		Brief:         "build a page",
		Checks:        []string{"license_present"},
		EvaluationURL: "http://127.0.0.1:8088/notifications",
		Extensions:    map[string]string{"course": "tds"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	env := out.Envelope
	if env.Round != 1 || env.Nonce != "nonce-1" || !env.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	parsed, err := sre.ParseEnvelope(out.Wire, sre.ParseOptions{})
	if err != nil {
		t.Fatalf("ParseEnvelope(wire): %v", err)
	}
	if err := sre.VerifyEnvelope(parsed, f.signer.PublicKey()); err != nil {
		t.Fatalf("issued envelope does not verify: %v", err)
	}
	rec, ok, err := f.machine.Lookup(ctx, "student-1", "task-a")
	if err != nil || !ok || rec.CurrentRound != 1 || rec.Status != roundstore.StatusOpen {
		t.Fatalf("unexpected record: %+v ok=%v err=%v", rec, ok, err)
	}

	id, err := cid.Decode(out.ArchiveID)
	if err != nil {
		t.Fatalf("ArchiveID %q: %v", out.ArchiveID, err)
	}
	arec, err := archive.GetRecord(ctx, f.archive, id)
	if err != nil || arec.Kind != archive.KindEnvelope || arec.Round != 1 {
		t.Fatalf("archived record: %+v err=%v", arec, err)
	}
}

func TestIssueTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.issuer.Issue(ctx, "s", "t", Payload{}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	_, err := f.issuer.Issue(ctx, "s", "t", Payload{})
	if !sre.IsKind(err, sre.KindRoundConflict) {
		t.Fatalf("expected RoundConflict, got %v", err)
	}
}

func TestFollowUpLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.issuer.Issue(ctx, "s", "t", Payload{}); err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := f.issuer.IssueFollowUp(ctx, "s", "t", Payload{}); !sre.IsKind(err, sre.KindRoundOutOfOrder) {
		t.Fatalf("follow-up before result: expected RoundOutOfOrder, got %v", err)
	}
	if err := f.machine.MarkAwaiting(ctx, "s", "t", 1); err != nil {
		t.Fatalf("MarkAwaiting: %v", err)
	}
	out, err := f.issuer.IssueFollowUp(ctx, "s", "t", Payload{Brief: "fix the footer"})
	if err != nil {
		t.Fatalf("IssueFollowUp: %v", err)
	}
	if out.Envelope.Round != 2 || out.Envelope.Brief != "fix the footer" {
		t.Fatalf("unexpected follow-up: %+v", out.Envelope)
	}
	rec, _, _ := f.machine.Lookup(ctx, "s", "t")
	if rec.CurrentRound != 2 || rec.Status != roundstore.StatusOpen {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if err := f.issuer.Close(ctx, "s", "t"); !sre.IsKind(err, sre.KindRoundOutOfOrder) {
		t.Fatalf("close without result: expected RoundOutOfOrder, got %v", err)
	}
	if err := f.machine.MarkAwaiting(ctx, "s", "t", 2); err != nil {
		t.Fatalf("MarkAwaiting: %v", err)
	}
	if err := f.issuer.Close(ctx, "s", "t"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.issuer.IssueFollowUp(ctx, "s", "t", Payload{}); !sre.IsKind(err, sre.KindStaleRound) {
		t.Fatalf("follow-up after close: expected StaleRound, got %v", err)
	}
	if f.archive.Len() != 2 {
		t.Fatalf("expected 2 archived envelopes, got %d", f.archive.Len())
	}
}

func TestUnknownTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.issuer.IssueFollowUp(ctx, "s", "missing", Payload{}); sre.RuleIDOf(err) != "SRE-ROUND-010" {
		t.Fatalf("expected SRE-ROUND-010, got %v", err)
	}
	if err := f.issuer.Close(ctx, "s", "missing"); sre.RuleIDOf(err) != "SRE-ROUND-010" {
		t.Fatalf("expected SRE-ROUND-010, got %v", err)
	}
}

func TestNewRejectsMismatchedKeys(t *testing.T) {
	s := seedSigner(t, 1)
	other := seedSigner(t, 9)
	m, err := rounds.New(roundstore.NewMemoryStore(), other.PublicKey())
	if err != nil {
		t.Fatalf("rounds.New: %v", err)
	}
	if _, err := New(s, m); err == nil {
		t.Fatalf("expected key mismatch error")
	}
}

func TestDefaultNoncesAreUnique(t *testing.T) {
	s := seedSigner(t, 1)
	m, err := rounds.New(roundstore.NewMemoryStore(), s.PublicKey())
	if err != nil {
		t.Fatalf("rounds.New: %v", err)
	}
	iss, err := New(s, m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		out, err := iss.Issue(context.Background(), "s", fmt.Sprintf("t%d", i), Payload{})
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if seen[out.Envelope.Nonce] {
			t.Fatalf("duplicate nonce %s", out.Envelope.Nonce)
		}
		seen[out.Envelope.Nonce] = true
	}
}
