package dualcontrol

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/glebarez/go-sqlite"

	"github.com/vaultrail/vaultrail/internal/ledger"
)

// sqliteRequestStore persists dual-control requests and their approvals
// in SQLite. Unlike the ledger index, this database is the store of
// record for requests — approvals and status changes commit in one
// transaction so a crash can never leave a half-applied approval.
type sqliteRequestStore struct {
	db *sql.DB
}

// OpenRequestStore opens (or creates) the request database at path.
func OpenRequestStore(path string) (RequestStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening request store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id             TEXT PRIMARY KEY,
			created_at     TEXT NOT NULL,
			requester      TEXT NOT NULL,
			requester_role TEXT NOT NULL DEFAULT '',
			env            TEXT NOT NULL,
			action_key     TEXT NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			required       INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS approvals (
			request_id TEXT NOT NULL,
			approver   TEXT NOT NULL,
			role       TEXT NOT NULL DEFAULT '',
			at         TEXT NOT NULL,
			PRIMARY KEY (request_id, approver)
		);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating request schema: %w", err)
	}

	return &sqliteRequestStore{db: db}, nil
}

func (s *sqliteRequestStore) Create(r *Request) error {
	_, err := s.db.Exec(
		`INSERT INTO requests (id, created_at, requester, requester_role, env, action_key, reason, status, required)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CreatedAt, r.Requester, r.RequesterRole, string(r.Environment),
		string(r.ActionKey), r.Reason, string(r.Status), r.Required,
	)
	if err != nil {
		return fmt.Errorf("inserting request %s: %w", r.ID, err)
	}
	return nil
}

func (s *sqliteRequestStore) Get(id string) (*Request, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, requester, requester_role, env, action_key, reason, status, required
		 FROM requests WHERE id = ?`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading request %s: %w", id, err)
	}

	if err := s.loadApprovals(r); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *sqliteRequestStore) List(status Status) ([]Request, error) {
	q := `SELECT id, created_at, requester, requester_role, env, action_key, reason, status, required
	      FROM requests`
	var args []any
	if status != "" {
		q += " WHERE status = ?"
		args = append(args, string(status))
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	defer rows.Close()

	var requests []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		if err := s.loadApprovals(r); err != nil {
			return nil, err
		}
		requests = append(requests, *r)
	}
	return requests, rows.Err()
}

func (s *sqliteRequestStore) AddApproval(id string, a Approval, newStatus Status) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning approval transaction: %w", err)
	}
	defer tx.Rollback()

	// The status update only applies while the request is still
	// pending, and the approvals primary key rejects a repeated
	// approver. Both re-checks hold inside the transaction, so a
	// second process racing on the same request can't double-count
	// an approval or revive a resolved request.
	res, err := tx.Exec(
		`UPDATE requests SET status = ? WHERE id = ? AND status = ?`,
		string(newStatus), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("updating request %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %s is not pending", ErrInvalidTransition, id)
	}

	if _, err := tx.Exec(
		`INSERT INTO approvals (request_id, approver, role, at) VALUES (?, ?, ?, ?)`,
		id, a.Approver, a.Role, a.At,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %s already approved request %s", ErrDuplicateApproval, a.Approver, id)
		}
		return fmt.Errorf("inserting approval on %s: %w", id, err)
	}

	return tx.Commit()
}

func (s *sqliteRequestStore) SetStatus(id string, status Status) error {
	res, err := s.db.Exec(
		`UPDATE requests SET status = ? WHERE id = ? AND status = ?`,
		string(status), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("updating request %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, gerr := s.Get(id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: request %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

func (s *sqliteRequestStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (*Request, error) {
	var r Request
	var env, key, status string
	err := sc.Scan(&r.ID, &r.CreatedAt, &r.Requester, &r.RequesterRole,
		&env, &key, &r.Reason, &status, &r.Required)
	if err != nil {
		return nil, err
	}
	r.Environment = ledger.Environment(env)
	r.ActionKey = ActionKey(key)
	r.Status = Status(status)
	return &r, nil
}

func (s *sqliteRequestStore) loadApprovals(r *Request) error {
	rows, err := s.db.Query(
		`SELECT approver, role, at FROM approvals WHERE request_id = ? ORDER BY at, approver`, r.ID)
	if err != nil {
		return fmt.Errorf("loading approvals for %s: %w", r.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.Approver, &a.Role, &a.At); err != nil {
			return fmt.Errorf("scanning approval row: %w", err)
		}
		r.Approvals = append(r.Approvals, a)
	}
	return rows.Err()
}
