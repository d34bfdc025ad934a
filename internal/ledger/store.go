package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// Store is the persistence boundary for audit events. The ledger owns
// validation and timestamps; the store assigns sequence numbers and
// persists. No store exposes update or delete — retention/purge is an
// external concern.
type Store interface {
	// Append assigns the event's sequence number and persists it. The
	// remaining fields (timestamp, payload) are populated by the
	// caller. Assignment must be safe against other processes
	// appending to the same backing storage.
	Append(e *Event) error

	// Query returns events matching params, newest first. The module
	// glob filter and final limit are applied by the ledger; stores
	// handle the remaining filters.
	Query(params Params) ([]Event, error)

	// LastSeq returns the highest persisted sequence number, 0 if empty.
	LastSeq() uint64

	Close() error
}

// fileStore persists events to append-only daily JSONL files with a
// SQLite index for queries.
//
// Storage layout:
//
//	<dir>/
//	├── 2026-08-31.jsonl    # Today's events (append-only, fsynced)
//	├── index.db            # SQLite index, rebuildable from the JSONL
//	├── seq                 # Highest sequence number ever handed out
//	└── ledger.lock         # Cross-process append lock
//
// The server and CLI open the same directory concurrently, so appends
// take the file lock and allocate sequence numbers through the seq
// register rather than from in-process state alone.
type fileStore struct {
	dir      string
	index    *sqliteIndex
	flk      *flock.Flock
	seqPath  string
	file     *os.File // Currently open daily JSONL file.
	fileDate string   // Date string of the currently open file (YYYY-MM-DD).
	lastSeq  uint64
}

// OpenFileStore opens or creates a file-backed event store in dir.
// Existing JSONL files are scanned to recover the last sequence number,
// and any events missing from the SQLite index are re-indexed.
func OpenFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
	}

	s := &fileStore{
		dir:     dir,
		flk:     flock.New(filepath.Join(dir, "ledger.lock")),
		seqPath: filepath.Join(dir, "seq"),
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening ledger index: %w", err)
	}
	s.index = idx

	if err := s.recoverState(); err != nil {
		idx.close()
		return nil, err
	}

	slog.Info("ledger store opened", "dir", dir, "seq", s.lastSeq)
	return s, nil
}

func (s *fileStore) Append(e *Event) error {
	if err := s.flk.Lock(); err != nil {
		return fmt.Errorf("locking ledger: %w", err)
	}
	defer s.flk.Unlock()

	seq, err := s.allocateSeq()
	if err != nil {
		return err
	}
	e.Seq = seq

	if err := s.writeToFile(e); err != nil {
		return err
	}
	if s.index != nil {
		s.index.insert(e)
	}
	s.lastSeq = e.Seq
	return nil
}

// allocateSeq reserves the next sequence number. Caller holds the file
// lock. The seq register records the highest number ever handed out, so
// a second process over the same directory continues the sequence
// instead of reusing it. The register is written before the event: a
// crash in between leaves a gap, never a duplicate id.
func (s *fileStore) allocateSeq() (uint64, error) {
	seq := s.lastSeq
	if data, err := os.ReadFile(s.seqPath); err == nil {
		if reg, perr := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64); perr == nil && reg > seq {
			seq = reg
		}
	}
	seq++

	f, err := os.OpenFile(s.seqPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening seq register: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", seq); err != nil {
		f.Close()
		return 0, fmt.Errorf("writing seq register: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, fmt.Errorf("syncing seq register: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("closing seq register: %w", err)
	}
	return seq, nil
}

func (s *fileStore) Query(params Params) ([]Event, error) {
	if s.index != nil {
		return s.index.query(params)
	}
	return s.scanFiltered(params)
}

func (s *fileStore) LastSeq() uint64 {
	return s.lastSeq
}

func (s *fileStore) Close() error {
	var errs []error
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.index != nil {
		if err := s.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing ledger store: %v", errs)
	}
	return nil
}

// writeToFile appends the event as a single JSON line to today's JSONL
// file, opening a new file if the date has changed.
func (s *fileStore) writeToFile(e *Event) error {
	today := time.Now().UTC().Format("2006-01-02")

	if s.file == nil || s.fileDate != today {
		if s.file != nil {
			s.file.Close()
		}

		path := filepath.Join(s.dir, today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening ledger file %s: %w", path, err)
		}
		s.file = f
		s.fileDate = today
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}

	// Flush immediately — audit events must survive crashes.
	return s.file.Sync()
}

// recoverState scans existing JSONL files for the last sequence number
// and re-indexes events missing from the SQLite index (e.g. after a
// crash between the JSONL write and the index insert).
func (s *fileStore) recoverState() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return fmt.Errorf("listing ledger files: %w", err)
	}
	if len(files) == 0 {
		return nil
	}

	// Files are date-named, so lexical order is chronological.
	last, err := readLastEvent(files[len(files)-1])
	if err != nil {
		return fmt.Errorf("recovering ledger state from %s: %w", files[len(files)-1], err)
	}
	if last == nil {
		return nil
	}
	s.lastSeq = last.Seq

	if s.index != nil {
		s.reindex(files)
	}
	return nil
}

// reindex inserts any events missing from the SQLite index.
func (s *fileStore) reindex(files []string) {
	indexLastSeq := s.index.lastSeq()

	for _, file := range files {
		events, err := readEventsFromFile(file)
		if err != nil {
			slog.Error("reindex: error reading file", "file", file, "error", err)
			continue
		}
		for i := range events {
			if events[i].Seq > indexLastSeq {
				s.index.insert(&events[i])
			}
		}
	}
}

// scanFiltered reads all JSONL files and applies filters in memory.
// Fallback path when the SQLite index is unavailable.
func (s *fileStore) scanFiltered(params Params) ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing ledger files: %w", err)
	}

	var all []Event
	for _, file := range files {
		events, err := readEventsFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}

	var filtered []Event
	// Walk backwards so the result is newest first.
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if params.Environment != "" && e.Environment != params.Environment {
			continue
		}
		if params.Severity != "" && e.Severity != params.Severity {
			continue
		}
		if params.Role != "" && e.ActorRole != params.Role {
			continue
		}
		if params.Type != "" && e.Type != params.Type {
			continue
		}
		// Timestamps use the fixed-width layout, so string order is
		// time order. The ledger normalizes params.Since to match.
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		if params.Search != "" && !matchesSearch(&e, params.Search) {
			continue
		}
		filtered = append(filtered, e)
		if params.Limit > 0 && params.Module == "" && len(filtered) >= params.Limit {
			break
		}
	}
	return filtered, nil
}

// matchesSearch reports whether the free-text filter matches any of the
// searchable fields (actor, event type, target, summary).
func matchesSearch(e *Event, search string) bool {
	needle := strings.ToLower(search)
	for _, field := range []string{e.Actor, string(e.Type), e.TargetType, e.TargetID, e.Summary} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// readLastEvent reads the last non-empty line of a JSONL file.
// Returns nil if the file is empty.
func readLastEvent(path string) (*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if lastLine == "" {
		return nil, nil
	}

	var e Event
	if err := json.Unmarshal([]byte(lastLine), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// readEventsFromFile reads all events from a single JSONL file.
func readEventsFromFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed ledger line", "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
