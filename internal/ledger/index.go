package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast filtered queries over the ledger using
// SQLite. The JSONL files are the source of truth; the index is a
// queryable projection that can be rebuilt from them at any time.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// WAL mode for concurrent read/write (console writes, CLI reads).
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			seq         INTEGER PRIMARY KEY,
			ts          TEXT NOT NULL,
			env         TEXT NOT NULL DEFAULT '',
			severity    TEXT NOT NULL DEFAULT '',
			actor       TEXT NOT NULL DEFAULT '',
			actor_role  TEXT NOT NULL DEFAULT '',
			ip          TEXT NOT NULL DEFAULT '',
			device      TEXT NOT NULL DEFAULT '',
			module      TEXT NOT NULL DEFAULT '',
			event_type  TEXT NOT NULL DEFAULT '',
			target_type TEXT NOT NULL DEFAULT '',
			target_id   TEXT NOT NULL DEFAULT '',
			summary     TEXT NOT NULL DEFAULT '',
			metadata    TEXT NOT NULL DEFAULT '',
			before_json TEXT NOT NULL DEFAULT '',
			after_json  TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_env ON events(env);
		CREATE INDEX IF NOT EXISTS idx_severity ON events(severity);
		CREATE INDEX IF NOT EXISTS idx_actor_role ON events(actor_role);
		CREATE INDEX IF NOT EXISTS idx_event_type ON events(event_type);
		CREATE INDEX IF NOT EXISTS idx_ts ON events(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an event to the index. Non-blocking — errors are logged
// but don't affect the primary JSONL store.
func (idx *sqliteIndex) insert(e *Event) {
	metaJSON := marshalBag(e.Metadata)
	beforeJSON := marshalBag(e.Before)
	afterJSON := marshalBag(e.After)

	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO events
		 (seq, ts, env, severity, actor, actor_role, ip, device, module, event_type, target_type, target_id, summary, metadata, before_json, after_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp, string(e.Environment), string(e.Severity),
		e.Actor, e.ActorRole, e.IPAddress, e.Device, e.Module,
		string(e.Type), e.TargetType, e.TargetID, e.Summary,
		metaJSON, beforeJSON, afterJSON,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", e.Seq, "error", err)
	}
}

// query retrieves events matching the given params, newest first.
// The module glob filter is applied by the caller — SQL only narrows on
// exact-match columns, the timestamp bound, and the free-text search.
func (idx *sqliteIndex) query(params Params) ([]Event, error) {
	q := `SELECT seq, ts, env, severity, actor, actor_role, ip, device, module, event_type, target_type, target_id, summary, metadata, before_json, after_json
	      FROM events WHERE 1=1`
	var args []any

	if params.Environment != "" {
		q += " AND env = ?"
		args = append(args, string(params.Environment))
	}
	if params.Severity != "" {
		q += " AND severity = ?"
		args = append(args, string(params.Severity))
	}
	if params.Role != "" {
		q += " AND actor_role = ?"
		args = append(args, params.Role)
	}
	if params.Type != "" {
		q += " AND event_type = ?"
		args = append(args, string(params.Type))
	}
	// ts is stored in the fixed-width timestamp layout and the ledger
	// normalizes params.Since to it, so the text comparison follows
	// time order.
	if params.Since != "" {
		q += " AND ts >= ?"
		args = append(args, params.Since)
	}
	if params.Search != "" {
		q += " AND (actor LIKE ? OR event_type LIKE ? OR target_type LIKE ? OR target_id LIKE ? OR summary LIKE ?)"
		like := "%" + params.Search + "%"
		args = append(args, like, like, like, like, like)
	}

	q += " ORDER BY seq DESC"

	// The module filter may be a glob, so limiting happens after the
	// caller's post-filter unless no module filter is set.
	if params.Limit > 0 && params.Module == "" {
		q += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var env, severity, eventType string
		var metaJSON, beforeJSON, afterJSON string
		err := rows.Scan(
			&e.Seq, &e.Timestamp, &env, &severity, &e.Actor, &e.ActorRole,
			&e.IPAddress, &e.Device, &e.Module, &eventType,
			&e.TargetType, &e.TargetID, &e.Summary,
			&metaJSON, &beforeJSON, &afterJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		e.Environment = Environment(env)
		e.Severity = Severity(severity)
		e.Type = EventType(eventType)
		e.Metadata = unmarshalBag(metaJSON)
		e.Before = unmarshalBag(beforeJSON)
		e.After = unmarshalBag(afterJSON)
		events = append(events, e)
	}

	return events, rows.Err()
}

// lastSeq returns the highest sequence number in the index, 0 if empty.
func (idx *sqliteIndex) lastSeq() uint64 {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM events").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0
	}
	return uint64(seq.Int64)
}

// close closes the SQLite database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

// marshalBag serializes an open key-value bag for storage, empty string
// for a nil bag.
func marshalBag(m map[string]any) string {
	if m == nil {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

// unmarshalBag parses a stored bag, nil for empty/invalid.
func unmarshalBag(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
