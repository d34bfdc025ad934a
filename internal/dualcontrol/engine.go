package dualcontrol

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultrail/vaultrail/internal/ledger"
)

// systemActor is recorded on transitions the engine performs itself
// (expiry sweeps).
const systemActor = "system"

// Engine is the dual-control request state machine. Requests move
// pending -> approved or pending -> rejected; both end states are
// terminal. Every transition emits exactly one audit event.
//
// Approval accumulation is serialized per request — two approvers
// hitting the same request race on its lock, not on each other's
// requests.
type Engine struct {
	store    RequestStore
	registry *Registry
	ledger   *ledger.Ledger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // Per-request serialization.
}

// NewEngine creates a request engine over the given store and registry.
func NewEngine(store RequestStore, registry *Registry, l *ledger.Ledger) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		ledger:   l,
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create opens a pending request for the given action. Only valid when
// the registry currently requires approval for the action in the given
// environment; the required approver count is snapshotted from the
// policy so later edits don't affect this request.
func (e *Engine) Create(key ActionKey, env ledger.Environment, requester, role, reason string) (*Request, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: unknown action key %q", ErrNotFound, key)
	}
	if requester == "" {
		return nil, fmt.Errorf("%w: requester is required", ErrValidation)
	}
	if !e.registry.RequiresApproval(key, env) {
		return nil, fmt.Errorf("%w: action %s does not require approval in %s", ErrValidation, key, env)
	}

	policy, err := e.registry.Get(key)
	if err != nil {
		return nil, err
	}

	r := &Request{
		ID:            uuid.NewString(),
		CreatedAt:     time.Now().UTC().Format(ledger.TimestampLayout),
		Requester:     requester,
		RequesterRole: role,
		Environment:   env,
		ActionKey:     key,
		Reason:        reason,
		Status:        StatusPending,
		Required:      policy.ApproversRequired,
	}
	if err := e.store.Create(r); err != nil {
		return nil, err
	}

	e.audit(r, requester, role, ledger.SeverityInfo,
		fmt.Sprintf("dual-control request opened for %s (%d approvals required)", key, r.Required))

	slog.Info("dual-control request created", "id", r.ID, "action", key, "required", r.Required)
	return r, nil
}

// Get returns the request with the given id.
func (e *Engine) Get(id string) (*Request, error) {
	return e.store.Get(id)
}

// List returns requests, optionally filtered by status.
func (e *Engine) List(status Status) ([]Request, error) {
	return e.store.List(status)
}

// Approve records one approver's confirmation. The request transitions
// to approved once the snapshotted approver count is reached.
//
// A repeated approver is a reported no-op (ErrDuplicateApproval); the
// requester approving their own request is rejected (ErrSelfApproval);
// approving a resolved request is ErrInvalidTransition. None of these
// change request state.
func (e *Engine) Approve(id, approver, role string) (*Request, error) {
	if approver == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrValidation)
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return r, fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, id, r.Status)
	}
	if approver == r.Requester {
		return r, fmt.Errorf("%w: %s opened this request", ErrSelfApproval, approver)
	}
	for _, a := range r.Approvals {
		if a.Approver == approver {
			e.audit(r, approver, role, ledger.SeverityWarning,
				fmt.Sprintf("duplicate approval attempt by %s ignored", approver))
			return r, fmt.Errorf("%w: %s already approved request %s", ErrDuplicateApproval, approver, id)
		}
	}

	approval := Approval{
		Approver: approver,
		Role:     role,
		At:       time.Now().UTC().Format(ledger.TimestampLayout),
	}
	newStatus := StatusPending
	if len(r.Approvals)+1 >= r.Required {
		newStatus = StatusApproved
	}

	if err := e.store.AddApproval(id, approval, newStatus); err != nil {
		return nil, err
	}
	r.Approvals = append(r.Approvals, approval)
	r.Status = newStatus
	if newStatus == StatusApproved {
		e.dropLock(id)
	}

	summary := fmt.Sprintf("approval %d/%d recorded by %s", len(r.Approvals), r.Required, approver)
	if newStatus == StatusApproved {
		summary = fmt.Sprintf("request approved (%d/%d) by %s", len(r.Approvals), r.Required, approver)
	}
	e.audit(r, approver, role, ledger.SeverityInfo, summary)

	slog.Info("dual-control approval recorded", "id", id, "approver", approver, "status", r.Status)
	return r, nil
}

// Reject resolves a pending request as rejected, regardless of how many
// approvals it has accumulated. Terminal — no later approval revives it.
func (e *Engine) Reject(id, approver, role string) (*Request, error) {
	if approver == "" {
		return nil, fmt.Errorf("%w: approver is required", ErrValidation)
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPending {
		return r, fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, id, r.Status)
	}

	if err := e.store.SetStatus(id, StatusRejected); err != nil {
		return nil, err
	}
	r.Status = StatusRejected
	e.dropLock(id)

	e.audit(r, approver, role, ledger.SeverityWarning,
		fmt.Sprintf("request rejected by %s", approver))

	slog.Info("dual-control request rejected", "id", id, "by", approver)
	return r, nil
}

// ExpireStale rejects pending requests older than maxAge as the system
// actor. Driven by the configured expiry duration; never called when
// expiry is disabled. Returns the number of requests expired.
func (e *Engine) ExpireStale(maxAge time.Duration) (int, error) {
	pending, err := e.store.List(StatusPending)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge).Format(ledger.TimestampLayout)
	expired := 0
	for i := range pending {
		if pending[i].CreatedAt >= cutoff {
			continue
		}
		if _, err := e.Reject(pending[i].ID, systemActor, ""); err != nil {
			slog.Error("expiring stale request failed", "id", pending[i].ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		slog.Info("stale dual-control requests expired", "count", expired, "max_age", maxAge)
	}
	return expired, nil
}

// lockFor returns the mutex serializing operations on one request id.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// dropLock discards a request's mutex once it reaches a terminal state,
// so the map doesn't grow with every resolved request. A racer that
// held the old mutex re-reads the request and fails fast on the stored
// terminal status.
func (e *Engine) dropLock(id string) {
	e.mu.Lock()
	delete(e.locks, id)
	e.mu.Unlock()
}

func (e *Engine) audit(r *Request, actor, role string, sev ledger.Severity, summary string) {
	if e.ledger == nil {
		return
	}
	_, err := e.ledger.Append(ledger.Event{
		Environment: r.Environment,
		Severity:    sev,
		Actor:       actor,
		ActorRole:   role,
		Module:      "dualcontrol.requests",
		Type:        ledger.TypeDualControl,
		TargetType:  "dual_control_request",
		TargetID:    r.ID,
		Summary:     summary,
		Metadata: map[string]any{
			"action_key": string(r.ActionKey),
			"status":     string(r.Status),
			"approvals":  len(r.Approvals),
			"required":   r.Required,
		},
	})
	if err != nil {
		slog.Error("auditing request transition failed", "request", r.ID, "error", err)
	}
}
