package dualcontrol

import (
	"errors"

	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Status of a dual-control request. Pending is the only non-terminal
// state: approved and rejected requests never change again.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

var (
	// ErrNotFound is returned for an unknown action key or request id.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned for approve/reject on a request
	// that already reached a terminal state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDuplicateApproval is returned when an approver who already
	// approved submits again. The request is unchanged — double
	// submissions from retries are tolerated as a reported no-op.
	ErrDuplicateApproval = errors.New("duplicate approval")

	// ErrSelfApproval is returned when the requester tries to approve
	// their own request. Maker and checker must be distinct parties.
	ErrSelfApproval = errors.New("self approval")
)

// Approval is one approver's confirmation on a request.
type Approval struct {
	Approver string `json:"approver"`
	Role     string `json:"role,omitempty"`
	At       string `json:"at"`
}

// Request is a dual-control authorization request gating one sensitive
// action attempt. Required is snapshotted from the policy at creation
// time, so later policy edits never retroactively change an in-flight
// request.
type Request struct {
	ID            string             `json:"id"`
	CreatedAt     string             `json:"created_at"`
	Requester     string             `json:"requester"`
	RequesterRole string             `json:"requester_role,omitempty"`
	Environment   ledger.Environment `json:"env"`
	ActionKey     ActionKey          `json:"action_key"`
	Reason        string             `json:"reason"`
	Status        Status             `json:"status"`
	Required      int                `json:"required"`
	Approvals     []Approval         `json:"approvals"`
}

// RequestStore is the persistence boundary for dual-control requests.
// AddApproval and SetStatus are atomic: the approval row and the status
// column commit together or not at all.
type RequestStore interface {
	Create(r *Request) error
	Get(id string) (*Request, error)
	List(status Status) ([]Request, error)

	// AddApproval appends an approval and sets the request status in a
	// single transaction.
	AddApproval(id string, a Approval, newStatus Status) error

	// SetStatus updates the status only (used for rejections).
	SetStatus(id string, status Status) error

	Close() error
}
