package ledger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	l := New(store)
	t.Cleanup(func() { l.Close() })
	return l
}

func testEvent() Event {
	return Event{
		Environment: Production,
		Severity:    SeverityInfo,
		Actor:       "alice@example.com",
		ActorRole:   "admin",
		Module:      "payments.policies",
		Type:        TypePolicyChange,
		TargetType:  "policy",
		TargetID:    "pol-1",
		Summary:     "budget policy updated",
	}
}

func TestAppend_AssignsMonotonicSeq(t *testing.T) {
	l := newTestLedger(t)

	var lastSeq uint64
	var lastTS string
	for i := 0; i < 5; i++ {
		stored, err := l.Append(testEvent())
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if stored.Seq <= lastSeq {
			t.Errorf("seq must be strictly increasing: %d after %d", stored.Seq, lastSeq)
		}
		if stored.Timestamp < lastTS {
			t.Errorf("timestamps must not go backwards: %s after %s", stored.Timestamp, lastTS)
		}
		lastSeq = stored.Seq
		lastTS = stored.Timestamp
	}
}

func TestAppend_RejectsMalformedInput(t *testing.T) {
	l := newTestLedger(t)

	tests := []struct {
		name   string
		modify func(e *Event)
	}{
		{"missing actor", func(e *Event) { e.Actor = "" }},
		{"missing summary", func(e *Event) { e.Summary = "" }},
		{"bad environment", func(e *Event) { e.Environment = "staging" }},
		{"bad severity", func(e *Event) { e.Severity = "fatal" }},
		{"bad event type", func(e *Event) { e.Type = "mystery" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testEvent()
			tt.modify(&e)
			if _, err := l.Append(e); !errors.Is(err, ErrValidation) {
				t.Errorf("want ErrValidation, got %v", err)
			}
		})
	}

	// Rejected appends must not consume sequence numbers.
	stored, err := l.Append(testEvent())
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if stored.Seq != 1 {
		t.Errorf("rejected events must not advance the sequence, got seq %d", stored.Seq)
	}
}

func TestQuery_Filters(t *testing.T) {
	l := newTestLedger(t)

	prod := testEvent()
	if _, err := l.Append(prod); err != nil {
		t.Fatalf("Append: %v", err)
	}

	sandbox := testEvent()
	sandbox.Environment = Sandbox
	sandbox.Severity = SeverityCritical
	sandbox.Actor = "bob@example.com"
	sandbox.ActorRole = "analyst"
	sandbox.Module = "support.sessions"
	sandbox.Type = TypeSupportLifecycle
	sandbox.Summary = "support mode enabled"
	if _, err := l.Append(sandbox); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tests := []struct {
		name   string
		params Params
		want   int
	}{
		{"no filter", Params{}, 2},
		{"environment", Params{Environment: Sandbox}, 1},
		{"severity", Params{Severity: SeverityCritical}, 1},
		{"role", Params{Role: "admin"}, 1},
		{"event type", Params{Type: TypeSupportLifecycle}, 1},
		{"module exact", Params{Module: "payments.policies"}, 1},
		{"module glob", Params{Module: "payments.*"}, 1},
		{"search actor", Params{Search: "bob"}, 1},
		{"search summary", Params{Search: "support mode"}, 1},
		{"search no match", Params{Search: "nothing-here"}, 0},
		{"limit", Params{Limit: 1}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(tt.params)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestQuery_NewestFirst(t *testing.T) {
	l := newTestLedger(t)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEvent()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := l.Query(Params{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq > events[i-1].Seq {
			t.Errorf("events must be newest first, got seq %d before %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestLedger_SeqContinuesAfterReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	l := New(store)
	for i := 0; i < 3; i++ {
		if _, err := l.Append(testEvent()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l = New(store)
	defer l.Close()

	stored, err := l.Append(testEvent())
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if stored.Seq != 4 {
		t.Errorf("sequence must continue across restarts, got %d, want 4", stored.Seq)
	}
}

func TestAppend_SequenceSharedAcrossStores(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	l1 := New(s1)
	defer l1.Close()

	// A second store over the same directory, like a CLI invocation
	// while the server is running.
	s2, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	l2 := New(s2)
	defer l2.Close()

	a, err := l1.Append(testEvent())
	if err != nil {
		t.Fatalf("Append via first store: %v", err)
	}
	b, err := l2.Append(testEvent())
	if err != nil {
		t.Fatalf("Append via second store: %v", err)
	}
	c, err := l1.Append(testEvent())
	if err != nil {
		t.Fatalf("Append via first store: %v", err)
	}

	if a.Seq != 1 || b.Seq != 2 || c.Seq != 3 {
		t.Errorf("stores over one directory must share the sequence, got %d, %d, %d", a.Seq, b.Seq, c.Seq)
	}
}

func TestQuery_SinceSubsecondBoundary(t *testing.T) {
	store, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	l := New(store)
	defer l.Close()

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{500 * time.Millisecond, 510 * time.Millisecond} {
		e := testEvent()
		e.Timestamp = base.Add(offset).Format(TimestampLayout)
		if err := store.Append(&e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// The filter has fewer fractional digits than the stored
	// timestamps; both events are at or after it.
	events, err := l.Query(Params{Since: "2026-08-31T10:00:00.5Z"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("want both events at or after .5s, got %d", len(events))
	}

	events, err = l.Query(Params{Since: "2026-08-31T10:00:00.51Z"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("want one event at or after .51s, got %d", len(events))
	}
}

func TestQuery_RejectsMalformedSinceTimestamp(t *testing.T) {
	l := newTestLedger(t)

	if _, err := l.Query(Params{Since: "2026-13-40T99:00:00Z"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestSubscribe_NotifiedOnAppend(t *testing.T) {
	l := newTestLedger(t)

	var got []Event
	l.Subscribe(func(e Event) { got = append(got, e) })

	if _, err := l.Append(testEvent()); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("subscriber should see 1 event, got %d", len(got))
	}
	if got[0].Seq != 1 {
		t.Errorf("subscriber should see the stored event, got seq %d", got[0].Seq)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	e := testEvent()
	e.Seq = 1
	e.Timestamp = "2026-08-31T10:00:00Z"

	if err := WriteCSV(&buf, []Event{e}); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want header + 1 row, got %d lines", len(lines))
	}
	if !strings.HasPrefix(lines[0], "timestamp,environment,severity,actor") {
		t.Errorf("unexpected header: %s", lines[0])
	}
	if !strings.Contains(lines[1], "alice@example.com") {
		t.Errorf("row missing actor: %s", lines[1])
	}
}
