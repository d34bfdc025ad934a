package export

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vaultrail/vaultrail/internal/digest"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

func sampleEntries() []ledger.Event {
	return []ledger.Event{
		{
			Seq: 1, Timestamp: "2026-08-30T10:00:00Z",
			Environment: ledger.Production, Severity: ledger.SeverityInfo,
			Actor: "alice@example.com", ActorRole: "admin",
			Module: "keys.rotation", Type: ledger.TypeKeyLifecycle,
			TargetType: "key", TargetID: "key-7",
			Summary:  "rotation requested",
			Metadata: map[string]any{"kid": "key-7", "attempt": 1},
		},
		{
			Seq: 2, Timestamp: "2026-08-30T10:05:00Z",
			Environment: ledger.Production, Severity: ledger.SeverityWarning,
			Actor: "bob@example.com", ActorRole: "approver",
			Module: "keys.rotation", Type: ledger.TypeDualControl,
			TargetType: "request", TargetID: "req-1",
			Summary: "approval recorded",
		},
		{
			Seq: 3, Timestamp: "2026-08-30T10:10:00Z",
			Environment: ledger.Production, Severity: ledger.SeverityCritical,
			Actor: "alice@example.com", ActorRole: "admin",
			Module: "keys.rotation", Type: ledger.TypeKeyLifecycle,
			TargetType: "key", TargetID: "key-7",
			Summary: "rotation executed",
			Before:  map[string]any{"version": 3},
			After:   map[string]any{"version": 4},
		},
	}
}

func newTestExporter(t *testing.T) *Exporter {
	t.Helper()
	x, err := NewExporter(nil, t.TempDir())
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	return x
}

func testRequest() Request {
	return Request{
		CreatedBy:   "carol@example.com",
		Role:        "security",
		Environment: ledger.Production,
		RangeLabel:  "2026-08-30 full day",
	}
}

func TestCreateThenVerify(t *testing.T) {
	x := newTestExporter(t)

	b, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.Status != StatusReady {
		t.Errorf("status = %q, want ready", b.Status)
	}
	if b.Algorithm != digest.SHA256 {
		t.Errorf("default algorithm should be sha256, got %s", b.Algorithm)
	}
	if b.WeakDigest {
		t.Error("sha256 bundle must not carry the weak marker")
	}

	if err := Verify(b); err != nil {
		t.Errorf("freshly created bundle must verify: %v", err)
	}
}

func TestCreate_Deterministic(t *testing.T) {
	x := newTestExporter(t)

	b1, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b2, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b1.FinalDigest != b2.FinalDigest {
		t.Errorf("same entries must reproduce the same final digest: %s vs %s", b1.FinalDigest, b2.FinalDigest)
	}
}

func TestVerify_DetectsSingleFieldMutation(t *testing.T) {
	x := newTestExporter(t)

	mutations := []struct {
		name   string
		entry  int // Which sampleEntries element to tamper with.
		modify func(e *ledger.Event)
	}{
		{"timestamp", 1, func(e *ledger.Event) { e.Timestamp = "2027-01-01T00:00:00Z" }},
		{"environment", 1, func(e *ledger.Event) { e.Environment = ledger.Sandbox }},
		{"severity", 1, func(e *ledger.Event) { e.Severity = ledger.SeverityInfo }},
		{"actor", 1, func(e *ledger.Event) { e.Actor = "mallory@example.com" }},
		{"role", 1, func(e *ledger.Event) { e.ActorRole = "intern" }},
		{"module", 1, func(e *ledger.Event) { e.Module = "other" }},
		{"summary", 1, func(e *ledger.Event) { e.Summary = "nothing to see" }},
		{"target id", 1, func(e *ledger.Event) { e.TargetID = "req-9" }},
		{"metadata", 0, func(e *ledger.Event) { e.Metadata = map[string]any{"kid": "key-9"} }},
		{"diff", 2, func(e *ledger.Event) { e.After = map[string]any{"version": 99} }},
	}

	for _, mut := range mutations {
		t.Run(mut.name, func(t *testing.T) {
			b, err := x.Create(testRequest(), sampleEntries())
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			mut.modify(&b.Entries[mut.entry])

			if err := Verify(b); !errors.Is(err, ErrIntegrityMismatch) {
				t.Errorf("mutating %s must break verification, got %v", mut.name, err)
			}
		})
	}
}

func TestVerify_DetectsReordering(t *testing.T) {
	x := newTestExporter(t)

	b, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Swap E2 and E3 in the sealed bundle.
	b.Entries[1], b.Entries[2] = b.Entries[2], b.Entries[1]

	if err := Verify(b); !errors.Is(err, ErrIntegrityMismatch) {
		t.Errorf("reordered entries must break verification, got %v", err)
	}
}

func TestVerify_DetectsOmission(t *testing.T) {
	x := newTestExporter(t)

	b, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b.Entries = b.Entries[:2]

	if err := Verify(b); !errors.Is(err, ErrIntegrityMismatch) {
		t.Errorf("omitted entry must break verification, got %v", err)
	}
}

func TestChainDigest_OrderSensitive(t *testing.T) {
	entries := sampleEntries()
	forward, err := chainDigest(digest.SHA256, entries)
	if err != nil {
		t.Fatalf("chainDigest: %v", err)
	}

	reversed := []ledger.Event{entries[2], entries[1], entries[0]}
	backward, err := chainDigest(digest.SHA256, reversed)
	if err != nil {
		t.Fatalf("chainDigest: %v", err)
	}

	if forward == backward {
		t.Error("the chain must be sensitive to entry order")
	}
}

func TestCreate_EmptyRangeIsValidEvidence(t *testing.T) {
	x := newTestExporter(t)

	b, err := x.Create(testRequest(), nil)
	if err != nil {
		t.Fatalf("empty range must not be an error: %v", err)
	}
	if b.Status != StatusReady {
		t.Errorf("status = %q, want ready", b.Status)
	}
	if b.FinalDigest == "" {
		t.Error("empty export still carries a digest over the chain seed")
	}
	if err := Verify(b); err != nil {
		t.Errorf("empty bundle must verify: %v", err)
	}
}

func TestCreate_FallbackAlgorithmFlagged(t *testing.T) {
	x := newTestExporter(t)

	req := testRequest()
	req.Algorithm = digest.FNV32
	b, err := x.Create(req, sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !b.WeakDigest {
		t.Error("fnv32 bundles must be flagged as non-cryptographic")
	}
	if err := Verify(b); err != nil {
		t.Errorf("fallback-hashed bundle must still verify with its own algorithm: %v", err)
	}
}

func TestBundle_SelfContainedAfterReload(t *testing.T) {
	x := newTestExporter(t)

	b, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Persist to an unrelated location and reload — no ledger, no
	// exporter, just the file.
	path := filepath.Join(t.TempDir(), "evidence.json")
	if err := b.Write(path); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := Verify(reloaded); err != nil {
		t.Errorf("reloaded bundle must verify with no ledger access: %v", err)
	}
}

func TestVerifyStored_RecordsResultWithoutTouchingEntries(t *testing.T) {
	x := newTestExporter(t)

	created, err := x.Create(testRequest(), sampleEntries())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	verified, err := x.VerifyStored(created.ID, "dave@example.com")
	if err != nil {
		t.Fatalf("VerifyStored: %v", err)
	}
	if verified.Verification == nil || !verified.Verification.Valid {
		t.Error("verification result should be recorded as valid")
	}
	if verified.FinalDigest != created.FinalDigest {
		t.Error("verification must not mutate the sealed digest")
	}
	if len(verified.Entries) != len(created.Entries) {
		t.Error("verification must not mutate entries")
	}

	// Re-running is allowed and idempotent.
	if _, err := x.VerifyStored(created.ID, "dave@example.com"); err != nil {
		t.Errorf("repeat verification: %v", err)
	}
}

func TestVerifyStored_UnknownID(t *testing.T) {
	x := newTestExporter(t)
	if _, err := x.VerifyStored("no-such-export", "dave@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}
