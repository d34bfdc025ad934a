// Package export builds and verifies self-contained forensic evidence
// bundles over ranges of ledger events.
//
// The integrity mechanism is a linear hash chain: a running digest is
// seeded from a fixed constant, and each entry folds its canonical
// encoding into the chain as
//
//	running = digest(running + "\n" + canonical(projection(entry)))
//
// The final running value is the bundle's final digest. The chain is
// sensitive to entry content, entry order, and entry set membership —
// reordering, omitting, or altering any entry changes the final digest.
// Verification recomputes the chain from the bundle's embedded entries
// only, so a bundle remains verifiable after the ledger is purged.
package export

import (
	"fmt"

	"github.com/vaultrail/vaultrail/internal/canonical"
	"github.com/vaultrail/vaultrail/internal/digest"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

// chainSeed is the fixed constant the running digest is initialized
// from. Changing it invalidates every previously issued bundle.
const chainSeed = "vaultrail:chain:v1"

// chainSep separates the previous running digest from the canonical
// entry bytes in each chain step.
const chainSep = "\n"

// chainDigest computes the final chain digest over entries in the given
// order. An empty entry set yields the digest of the bare seed — a valid
// statement that nothing happened in the window.
func chainDigest(alg digest.Algorithm, entries []ledger.Event) (string, error) {
	running, err := digest.Sum(alg, []byte(chainSeed))
	if err != nil {
		return "", err
	}

	for i := range entries {
		canon, err := canonical.Marshal(projection(&entries[i]))
		if err != nil {
			return "", fmt.Errorf("canonicalizing entry %d: %w", entries[i].Seq, err)
		}
		step := make([]byte, 0, len(running)+len(chainSep)+len(canon))
		step = append(step, running...)
		step = append(step, chainSep...)
		step = append(step, canon...)
		running, err = digest.Sum(alg, step)
		if err != nil {
			return "", err
		}
	}
	return running, nil
}

// projection selects the evidentiary fields of an event for hashing.
// Only fields relevant to integrity are included; anything internal
// (index bookkeeping, cache state) stays out so that re-indexing never
// changes a bundle's digest.
func projection(e *ledger.Event) map[string]any {
	p := map[string]any{
		"id":       e.Seq,
		"ts":       e.Timestamp,
		"env":      string(e.Environment),
		"severity": string(e.Severity),
		"actor":    e.Actor,
		"role":     e.ActorRole,
		"ip":       e.IPAddress,
		"device":   e.Device,
		"module":   e.Module,
		"type":     string(e.Type),
		"target":   map[string]any{"type": e.TargetType, "id": e.TargetID},
		"summary":  e.Summary,
	}
	if e.Metadata != nil {
		p["metadata"] = e.Metadata
	}
	if e.Before != nil || e.After != nil {
		p["diff"] = map[string]any{"before": e.Before, "after": e.After}
	}
	return p
}
