// Package ledger implements the append-only audit event ledger.
//
// Every state change in the console — gate decisions, approvals, policy
// edits, exports, verifications — is recorded as an Event. Appends are
// the only way ledger state changes; there is no update or delete
// (retention is an external, policy-driven concern). Appends are
// serialized so sequence numbers are assigned in a single total order.
package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

// TimestampLayout is RFC 3339 with a fixed nine-digit fraction so that
// encoded timestamps order lexicographically. time.RFC3339Nano trims
// trailing zeros, which breaks string comparison at sub-second
// boundaries ("…00.51Z" sorts before "…00.5Z").
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Params defines filters for querying the ledger.
// All fields are optional — empty/zero values mean "no filter".
type Params struct {
	Environment Environment // Exact environment match.
	Severity    Severity    // Exact severity match.
	Role        string      // Actor role (exact match).
	Type        EventType   // Event type (exact match).
	Module      string      // Module, glob patterns allowed (e.g. "payments.*").
	Search      string      // Substring across actor/event type/target/summary.
	Since       string      // ISO timestamp or duration string (e.g. "1h", "24h").
	Limit       int         // Maximum events to return.
}

// Ledger is the append-only, time-ordered audit event store.
//
// Thread-safe — the console appends events concurrently from multiple
// HTTP handler goroutines while the CLI reads.
type Ledger struct {
	mu    sync.Mutex
	store Store
	seq   uint64

	subMu sync.RWMutex
	subs  []func(Event)
}

// New creates a ledger over the given store, continuing the sequence
// from whatever the store last persisted.
func New(store Store) *Ledger {
	return &Ledger{
		store: store,
		seq:   store.LastSeq(),
	}
}

// Append validates the event, stamps its timestamp, and hands it to the
// store, which assigns the sequence number. Validation failures reject
// the event before any mutation. Returns the stored event.
func (l *Ledger) Append(e Event) (Event, error) {
	if err := validate(&e); err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	e.Timestamp = time.Now().UTC().Format(TimestampLayout)

	if err := l.store.Append(&e); err != nil {
		l.mu.Unlock()
		return Event{}, fmt.Errorf("appending event: %w", err)
	}
	l.seq = e.Seq
	l.mu.Unlock()

	l.notify(e)
	return e, nil
}

// Query retrieves events matching the given filters, newest first.
func (l *Ledger) Query(params Params) ([]Event, error) {
	// Normalize "since" before it reaches the store: duration strings
	// (e.g. "1h", "24h") become timestamps, and timestamps are
	// reformatted to the fixed-width layout so the stores' string
	// comparisons follow time order.
	if params.Since != "" {
		if strings.Contains(params.Since, "T") {
			t, err := time.Parse(time.RFC3339Nano, params.Since)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid since timestamp %q", ErrValidation, params.Since)
			}
			params.Since = t.UTC().Format(TimestampLayout)
		} else {
			d, err := time.ParseDuration(params.Since)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid since duration %q", ErrValidation, params.Since)
			}
			params.Since = time.Now().UTC().Add(-d).Format(TimestampLayout)
		}
	}

	events, err := l.store.Query(params)
	if err != nil {
		return nil, err
	}

	if params.Module != "" {
		events, err = filterModule(events, params.Module)
		if err != nil {
			return nil, err
		}
		if params.Limit > 0 && len(events) > params.Limit {
			events = events[:params.Limit]
		}
	}
	return events, nil
}

// LastSeq reports the sequence number of the event most recently
// appended through this ledger, or zero if it has appended nothing and
// the store was empty at open. Other processes sharing the data
// directory may have appended beyond it.
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Tail returns the N most recent events.
func (l *Ledger) Tail(limit int) ([]Event, error) {
	return l.Query(Params{Limit: limit})
}

// Subscribe registers a callback invoked for every appended event.
// Used by the console's live feed. Callbacks must not block.
func (l *Ledger) Subscribe(fn func(Event)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = append(l.subs, fn)
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) notify(e Event) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, fn := range l.subs {
		fn(e)
	}
}

// filterModule keeps events whose module matches the given pattern.
// Patterns without glob metacharacters degrade to exact match.
func filterModule(events []Event, pattern string) ([]Event, error) {
	if !strings.ContainsAny(pattern, "*?[{") {
		var out []Event
		for _, e := range events {
			if e.Module == pattern {
				out = append(out, e)
			}
		}
		return out, nil
	}

	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, fmt.Errorf("%w: invalid module pattern %q", ErrValidation, pattern)
	}
	var out []Event
	for _, e := range events {
		if g.Match(e.Module) {
			out = append(out, e)
		}
	}
	return out, nil
}

// WriteCSV writes events to w as the flattened column projection used
// for external consumption.
func WriteCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"timestamp", "environment", "severity", "actor", "role", "event_type", "module", "target_type", "target_id", "summary"}); err != nil {
		return err
	}
	for _, e := range events {
		if err := cw.Write([]string{
			e.Timestamp,
			string(e.Environment),
			string(e.Severity),
			e.Actor,
			e.ActorRole,
			string(e.Type),
			e.Module,
			e.TargetType,
			e.TargetID,
			e.Summary,
		}); err != nil {
			return err
		}
	}
	return nil
}
