// Package dualcontrol implements maker-checker authorization for
// sensitive administrative actions: a policy registry mapping action
// keys to approval requirements, and a request engine that accumulates
// approvals until a request resolves.
package dualcontrol

import (
	"errors"
	"fmt"
)

// ActionKey identifies a sensitive action gated by dual control.
// The set is closed — policies for unknown keys are rejected.
type ActionKey string

const (
	ActionDisableSupportMode ActionKey = "disable_support_mode"
	ActionChangeRetention    ActionKey = "change_retention"
	ActionRotateProdKey      ActionKey = "rotate_prod_key"
	ActionCreateProdExport   ActionKey = "create_prod_export"
	ActionUpdatePolicy       ActionKey = "update_dual_control_policy"
	ActionPurgeLedger        ActionKey = "purge_ledger"
)

// AllActionKeys lists every known sensitive action.
var AllActionKeys = []ActionKey{
	ActionDisableSupportMode,
	ActionChangeRetention,
	ActionRotateProdKey,
	ActionCreateProdExport,
	ActionUpdatePolicy,
	ActionPurgeLedger,
}

// productionScoped marks action keys that only require dual control in
// the production environment. The scoping is a property of the key
// itself, not of the policy record.
var productionScoped = map[ActionKey]bool{
	ActionRotateProdKey:    true,
	ActionCreateProdExport: true,
}

// Valid reports whether k is a known action key.
func (k ActionKey) Valid() bool {
	for _, known := range AllActionKeys {
		if k == known {
			return true
		}
	}
	return false
}

// ProductionScoped reports whether k requires approval only in the
// production environment.
func (k ActionKey) ProductionScoped() bool {
	return productionScoped[k]
}

// Policy holds the approval requirements for one sensitive action.
type Policy struct {
	ActionKey         ActionKey `yaml:"action_key" json:"action_key"`
	Enabled           bool      `yaml:"enabled" json:"enabled"`
	ApproversRequired int       `yaml:"approvers_required" json:"approvers_required"`
	StepUpRequired    bool      `yaml:"step_up_required" json:"step_up_required"`
	BreakGlassAllowed bool      `yaml:"break_glass_allowed" json:"break_glass_allowed"`
}

// ErrValidation wraps malformed policy or request input.
var ErrValidation = errors.New("validation")

// validatePolicy checks a policy before it replaces the stored record.
func validatePolicy(p Policy) error {
	if !p.ActionKey.Valid() {
		return fmt.Errorf("%w: unknown action key %q", ErrValidation, p.ActionKey)
	}
	if p.ApproversRequired != 2 && p.ApproversRequired != 3 {
		return fmt.Errorf("%w: approvers_required must be 2 or 3, got %d", ErrValidation, p.ApproversRequired)
	}
	return nil
}

// diffMap projects a policy into the before/after diff bag carried on
// policy_change audit events.
func diffMap(p *Policy) map[string]any {
	if p == nil {
		return nil
	}
	return map[string]any{
		"action_key":          string(p.ActionKey),
		"enabled":             p.Enabled,
		"approvers_required":  p.ApproversRequired,
		"step_up_required":    p.StepUpRequired,
		"break_glass_allowed": p.BreakGlassAllowed,
	}
}
