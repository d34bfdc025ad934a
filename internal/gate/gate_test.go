package gate

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/vaultrail/vaultrail/internal/dualcontrol"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

type fixture struct {
	gate     *Gate
	registry *dualcontrol.Registry
	engine   *dualcontrol.Engine
	ledger   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := ledger.OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	l := ledger.New(store)
	t.Cleanup(func() { l.Close() })

	registry, err := dualcontrol.NewRegistry(filepath.Join(t.TempDir(), "policies.yaml"), l)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	reqStore, err := dualcontrol.OpenRequestStore(filepath.Join(t.TempDir(), "requests.db"))
	if err != nil {
		t.Fatalf("OpenRequestStore: %v", err)
	}
	t.Cleanup(func() { reqStore.Close() })

	engine := dualcontrol.NewEngine(reqStore, registry, l)
	return &fixture{
		gate:     New(registry, engine, l),
		registry: registry,
		engine:   engine,
		ledger:   l,
	}
}

func (f *fixture) setPolicy(t *testing.T, p dualcontrol.Policy) {
	t.Helper()
	if err := f.registry.Set("admin@example.com", "admin", ledger.Production, p); err != nil {
		t.Fatalf("Set: %v", err)
	}
}

func attempt() Attempt {
	return Attempt{
		ActionKey:   dualcontrol.ActionRotateProdKey,
		Environment: ledger.Production,
		Actor:       "dan@example.com",
		Role:        "admin",
		Reason:      "quarterly rotation",
	}
}

func TestAttempt_ProceedsWithoutPolicy(t *testing.T) {
	f := newFixture(t)

	out, err := f.gate.Attempt(attempt())
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out.Decision != Proceed {
		t.Errorf("decision = %s, want proceed", out.Decision)
	}
	if out.RequestID != "" {
		t.Error("no request should be created when no gating applies")
	}
	if reqs, _ := f.engine.List(""); len(reqs) != 0 {
		t.Errorf("no requests expected, got %d", len(reqs))
	}
}

func TestAttempt_ProceedsWhenPolicyDisabled(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, dualcontrol.Policy{
		ActionKey:         dualcontrol.ActionRotateProdKey,
		Enabled:           false,
		ApproversRequired: 2,
	})

	out, err := f.gate.Attempt(attempt())
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out.Decision != Proceed || out.RequestID != "" {
		t.Errorf("disabled policy must always proceed with no request, got %+v", out)
	}
}

func TestAttempt_DefersAndResolvesThroughApprovals(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, dualcontrol.Policy{
		ActionKey:         dualcontrol.ActionRotateProdKey,
		Enabled:           true,
		ApproversRequired: 2,
	})

	out, err := f.gate.Attempt(attempt())
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out.Decision != Deferred || out.RequestID == "" {
		t.Fatalf("want deferred with request id, got %+v", out)
	}

	// Pending: caller must keep holding the action.
	ok, err := f.gate.Check(out.RequestID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if ok {
		t.Error("unapproved request must not pass the check")
	}

	if _, err := f.engine.Approve(out.RequestID, "alice@example.com", "approver"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if ok, _ := f.gate.Check(out.RequestID); ok {
		t.Error("1/2 approvals must not pass the check")
	}

	if _, err := f.engine.Approve(out.RequestID, "bob@example.com", "approver"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	ok, err = f.gate.Check(out.RequestID)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !ok {
		t.Error("fully approved request must pass the check")
	}
}

func TestAttempt_ProductionScopedKeyInSandbox(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, dualcontrol.Policy{
		ActionKey:         dualcontrol.ActionRotateProdKey,
		Enabled:           true,
		ApproversRequired: 2,
	})

	a := attempt()
	a.Environment = ledger.Sandbox
	out, err := f.gate.Attempt(a)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out.Decision != Proceed {
		t.Errorf("production-scoped key must not gate in sandbox, got %s", out.Decision)
	}
}

func TestAttempt_EveryDecisionIsAudited(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, dualcontrol.Policy{
		ActionKey:         dualcontrol.ActionRotateProdKey,
		Enabled:           true,
		ApproversRequired: 2,
	})

	if _, err := f.gate.Attempt(attempt()); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	events, err := f.ledger.Query(ledger.Params{Module: "dualcontrol.gate"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("want 1 gate event, got %d", len(events))
	}
	if events[0].Type != ledger.TypeDualControl {
		t.Errorf("gate events use the dual_control type, got %s", events[0].Type)
	}
}

func TestAttempt_BreakGlass(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, dualcontrol.Policy{
		ActionKey:         dualcontrol.ActionRotateProdKey,
		Enabled:           true,
		ApproversRequired: 2,
		BreakGlassAllowed: true,
	})

	a := attempt()
	a.BreakGlass = true
	out, err := f.gate.Attempt(a)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out.Decision != Proceed {
		t.Errorf("allowed break-glass should proceed, got %s", out.Decision)
	}

	// The bypass itself is critical audit material.
	events, err := f.ledger.Query(ledger.Params{Severity: ledger.SeverityCritical})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("break-glass must log a critical event, got %d", len(events))
	}
}

func TestAttempt_BreakGlassDeniedByPolicy(t *testing.T) {
	f := newFixture(t)
	f.setPolicy(t, dualcontrol.Policy{
		ActionKey:         dualcontrol.ActionRotateProdKey,
		Enabled:           true,
		ApproversRequired: 2,
		BreakGlassAllowed: false,
	})

	a := attempt()
	a.BreakGlass = true
	if _, err := f.gate.Attempt(a); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("disallowed break-glass should be rejected, got %v", err)
	}
}

func TestCheck_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	if _, err := f.gate.Check("no-such-request"); !errors.Is(err, dualcontrol.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}
