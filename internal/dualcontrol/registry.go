package dualcontrol

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Registry maps action keys to their dual-control policies. State is
// persisted to policies.yaml and kept in memory for fast lookups.
//
// Thread-safe — RequiresApproval is consulted on every gate attempt
// from concurrent goroutines, while Set and Reload mutate the state.
// The console file-watches policies.yaml and calls Reload on changes,
// so an edit takes effect without a restart.
type Registry struct {
	mu       sync.RWMutex
	policies map[ActionKey]Policy
	path     string // Path to policies.yaml.
	ledger   *ledger.Ledger
}

// registryFile is the YAML envelope for policies.yaml.
type registryFile struct {
	Policies []Policy `yaml:"policies"`
}

// NewRegistry loads the policy registry from the given YAML file.
// A missing file yields an empty registry (no action requires approval
// until policies are configured). Policy mutations are audited to l.
func NewRegistry(path string, l *ledger.Ledger) (*Registry, error) {
	r := &Registry{
		policies: make(map[ActionKey]Policy),
		path:     path,
		ledger:   l,
	}
	if err := r.loadFromFile(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the policy for the given action key.
func (r *Registry) Get(key ActionKey) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[key]
	if !ok {
		return Policy{}, fmt.Errorf("%w: no policy for action %q", ErrNotFound, key)
	}
	return p, nil
}

// List returns all configured policies, sorted by action key.
func (r *Registry) List() []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionKey < out[j].ActionKey })
	return out
}

// Set validates and stores a policy, persists the registry, and records
// a policy_change audit event carrying the before/after diff. The
// mutation is administrator-only; the caller supplies the administrator
// identity for the audit trail.
func (r *Registry) Set(actor, role string, env ledger.Environment, p Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}

	r.mu.Lock()
	var before *Policy
	if prev, ok := r.policies[p.ActionKey]; ok {
		before = &prev
	}
	r.policies[p.ActionKey] = p

	if err := r.saveToFile(); err != nil {
		// Restore the in-memory state so memory and disk stay agreed.
		if before != nil {
			r.policies[p.ActionKey] = *before
		} else {
			delete(r.policies, p.ActionKey)
		}
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	if r.ledger != nil {
		_, err := r.ledger.Append(ledger.Event{
			Environment: env,
			Severity:    ledger.SeverityWarning,
			Actor:       actor,
			ActorRole:   role,
			Module:      "dualcontrol.policies",
			Type:        ledger.TypePolicyChange,
			TargetType:  "dual_control_policy",
			TargetID:    string(p.ActionKey),
			Summary:     fmt.Sprintf("dual-control policy for %s updated", p.ActionKey),
			Before:      diffMap(before),
			After:       diffMap(&p),
		})
		if err != nil {
			slog.Error("auditing policy change failed", "action", p.ActionKey, "error", err)
		}
	}

	slog.Info("dual-control policy set", "action", p.ActionKey, "enabled", p.Enabled, "required", p.ApproversRequired)
	return nil
}

// RequiresApproval reports whether the given action needs dual control
// in the given environment. False when the policy is absent or disabled.
// Production-scoped action keys never require approval in sandbox.
func (r *Registry) RequiresApproval(key ActionKey, env ledger.Environment) bool {
	if key.ProductionScoped() && env != ledger.Production {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.policies[key]
	return ok && p.Enabled
}

// Reload re-reads policies.yaml, replacing the in-memory state.
// Called by the file watcher when the file changes on disk.
func (r *Registry) Reload() error {
	return r.loadFromFile()
}

func (r *Registry) loadFromFile() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading policies %s: %w", r.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing policies %s: %w", r.path, err)
	}

	policies := make(map[ActionKey]Policy, len(file.Policies))
	for _, p := range file.Policies {
		if err := validatePolicy(p); err != nil {
			return fmt.Errorf("policy %q: %w", p.ActionKey, err)
		}
		policies[p.ActionKey] = p
	}

	r.mu.Lock()
	r.policies = policies
	r.mu.Unlock()

	slog.Info("dual-control policies loaded", "count", len(policies), "path", r.path)
	return nil
}

// saveToFile writes the registry to policies.yaml. Caller holds r.mu.
func (r *Registry) saveToFile() error {
	file := registryFile{Policies: make([]Policy, 0, len(r.policies))}
	for _, p := range r.policies {
		file.Policies = append(file.Policies, p)
	}
	sort.Slice(file.Policies, func(i, j int) bool {
		return file.Policies[i].ActionKey < file.Policies[j].ActionKey
	})

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling policies: %w", err)
	}

	header := "# Dual-control policies. One record per sensitive action key.\n# Edits are audited; the running console reloads this file on change.\n\n"
	return os.WriteFile(r.path, []byte(header+string(data)), 0o644)
}
