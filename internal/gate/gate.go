// Package gate is the single entry point callers use to ask whether a
// sensitive action may proceed now or must be deferred behind a
// dual-control request.
//
// The gate only decides — it never executes the guarded action. A caller
// receiving Deferred must hold the side effect until Check reports the
// request approved, then re-attempt.
package gate

import (
	"fmt"
	"log/slog"

	"github.com/vaultrail/vaultrail/internal/dualcontrol"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Decision is the gate's answer to an attempt.
type Decision string

const (
	Proceed  Decision = "proceed"
	Deferred Decision = "deferred"
)

// Outcome carries the decision and, when deferred, the id of the
// dual-control request now gating the action.
type Outcome struct {
	Decision  Decision `json:"decision"`
	RequestID string   `json:"request_id,omitempty"`
}

// Attempt describes one try at a sensitive action.
type Attempt struct {
	ActionKey   dualcontrol.ActionKey `json:"action_key"`
	Environment ledger.Environment    `json:"environment"`
	Actor       string                `json:"actor"`
	Role        string                `json:"role"`
	Reason      string                `json:"reason"`

	// BreakGlass requests immediate execution despite the policy.
	// Honored only when the policy allows break-glass; the bypass is
	// recorded at critical severity.
	BreakGlass bool `json:"break_glass,omitempty"`
}

// Gate decides whether sensitive actions proceed or defer.
type Gate struct {
	registry *dualcontrol.Registry
	engine   *dualcontrol.Engine
	ledger   *ledger.Ledger
}

// New creates a gate over the given registry and request engine.
func New(registry *dualcontrol.Registry, engine *dualcontrol.Engine, l *ledger.Ledger) *Gate {
	return &Gate{registry: registry, engine: engine, ledger: l}
}

// Attempt evaluates one try at a sensitive action. When no approval is
// required the action proceeds (the caller still emits its own
// completion event). Otherwise a dual-control request is created and
// the action defers until it resolves. Every decision is audited.
func (g *Gate) Attempt(a Attempt) (Outcome, error) {
	if !a.ActionKey.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown action key %q", dualcontrol.ErrNotFound, a.ActionKey)
	}
	if !a.Environment.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown environment %q", ledger.ErrValidation, a.Environment)
	}
	if a.Actor == "" {
		return Outcome{}, fmt.Errorf("%w: actor is required", ledger.ErrValidation)
	}

	if !g.registry.RequiresApproval(a.ActionKey, a.Environment) {
		g.audit(a, ledger.SeverityInfo, "",
			fmt.Sprintf("action %s allowed to proceed (no dual control required)", a.ActionKey))
		return Outcome{Decision: Proceed}, nil
	}

	if a.BreakGlass {
		policy, err := g.registry.Get(a.ActionKey)
		if err != nil {
			return Outcome{}, err
		}
		if !policy.BreakGlassAllowed {
			return Outcome{}, fmt.Errorf("%w: break-glass is not allowed for %s", ledger.ErrValidation, a.ActionKey)
		}
		g.audit(a, ledger.SeverityCritical, "",
			fmt.Sprintf("BREAK-GLASS: action %s proceeding without approvals", a.ActionKey))
		slog.Warn("break-glass bypass", "action", a.ActionKey, "actor", a.Actor)
		return Outcome{Decision: Proceed}, nil
	}

	req, err := g.engine.Create(a.ActionKey, a.Environment, a.Actor, a.Role, a.Reason)
	if err != nil {
		return Outcome{}, err
	}

	g.audit(a, ledger.SeverityInfo, req.ID,
		fmt.Sprintf("action %s deferred pending %d approvals", a.ActionKey, req.Required))
	return Outcome{Decision: Deferred, RequestID: req.ID}, nil
}

// Check reports whether a deferred request has been approved, so the
// caller can re-attempt the action. Rejected and pending both answer
// false; the error distinguishes an unknown id.
func (g *Gate) Check(requestID string) (bool, error) {
	req, err := g.engine.Get(requestID)
	if err != nil {
		return false, err
	}
	return req.Status == dualcontrol.StatusApproved, nil
}

func (g *Gate) audit(a Attempt, sev ledger.Severity, requestID, summary string) {
	if g.ledger == nil {
		return
	}
	meta := map[string]any{
		"action_key":  string(a.ActionKey),
		"break_glass": a.BreakGlass,
	}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	_, err := g.ledger.Append(ledger.Event{
		Environment: a.Environment,
		Severity:    sev,
		Actor:       a.Actor,
		ActorRole:   a.Role,
		Module:      "dualcontrol.gate",
		Type:        ledger.TypeDualControl,
		TargetType:  "sensitive_action",
		TargetID:    string(a.ActionKey),
		Summary:     summary,
		Metadata:    meta,
	})
	if err != nil {
		slog.Error("auditing gate decision failed", "action", a.ActionKey, "error", err)
	}
}
