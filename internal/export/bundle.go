package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vaultrail/vaultrail/internal/digest"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Bundle statuses.
const (
	StatusReady  = "ready"
	StatusFailed = "failed"
)

var (
	// ErrIntegrityMismatch is returned when a bundle's recomputed chain
	// digest does not match its stored final digest. Never silently
	// corrected — a failed verification is itself security-relevant.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrNotFound is returned for an unknown export id.
	ErrNotFound = errors.New("export not found")
)

// Verification records the outcome of the most recent chain check.
type Verification struct {
	Time  string `json:"time"`
	Valid bool   `json:"valid"`
}

// Bundle is a self-contained forensic export: the included entries
// (oldest to newest) plus everything needed to verify their integrity
// without access to the original ledger.
//
// Entries and FinalDigest are immutable after creation; FinalDigest is a
// pure function of Entries and Algorithm. Verification may be re-run any
// number of times without touching Entries.
type Bundle struct {
	ID           string             `json:"id"`
	CreatedAt    string             `json:"created_at"`
	CreatedBy    string             `json:"created_by"`
	Environment  ledger.Environment `json:"env"`
	RangeLabel   string             `json:"range_label"`
	Algorithm    digest.Algorithm   `json:"algorithm"`
	WeakDigest   bool               `json:"weak_digest,omitempty"` // True when the non-cryptographic fallback was used.
	FinalDigest  string             `json:"final_digest"`
	Status       string             `json:"status"`
	Entries      []ledger.Event     `json:"entries"`
	Verification *Verification      `json:"verification,omitempty"`
}

// Verify recomputes the hash chain from the bundle's embedded entries
// and compares it to the stored final digest. The stored digest is never
// an input to the recomputation. Returns ErrIntegrityMismatch when the
// chain does not reproduce.
func Verify(b *Bundle) error {
	recomputed, err := chainDigest(b.Algorithm, b.Entries)
	if err != nil {
		return fmt.Errorf("recomputing chain: %w", err)
	}
	if recomputed != b.FinalDigest {
		return fmt.Errorf("%w: recomputed %s, bundle claims %s", ErrIntegrityMismatch, recomputed, b.FinalDigest)
	}
	return nil
}

// Load reads a bundle from a standalone JSON file.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bundle %s: %w", path, err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing bundle %s: %w", path, err)
	}
	return &b, nil
}

// Write serializes the bundle to a standalone JSON file, indented so
// bundles are diffable and reviewable as evidence.
func (b *Bundle) Write(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing bundle: %w", err)
	}
	return nil
}

// WriteCSV writes the bundle's entries as the flattened column
// projection. The CSV form is a convenience view, not evidence —
// integrity lives in the JSON bundle.
func (b *Bundle) WriteCSV(w io.Writer) error {
	return ledger.WriteCSV(w, b.Entries)
}
