package export

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vaultrail/vaultrail/internal/digest"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Exporter creates forensic bundles from ledger snapshots and manages
// the bundle directory. Bundles are plain JSON files named by id, so
// the directory listing is the export catalogue.
type Exporter struct {
	ledger *ledger.Ledger
	dir    string
}

// NewExporter creates an exporter writing bundles under dir.
func NewExporter(l *ledger.Ledger, dir string) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export directory %s: %w", dir, err)
	}
	return &Exporter{ledger: l, dir: dir}, nil
}

// Request describes who is creating an export and over what range.
type Request struct {
	CreatedBy   string
	Role        string
	Environment ledger.Environment
	RangeLabel  string
	Algorithm   digest.Algorithm // Zero value selects the default.
}

// Create builds a bundle over the given entries. Entries are a closed
// snapshot taken by the caller — events appended after the snapshot are
// never observed. They are chained oldest to newest regardless of input
// order. An empty snapshot is a valid export (evidence that nothing
// happened in the window).
func (x *Exporter) Create(req Request, entries []ledger.Event) (*Bundle, error) {
	alg := req.Algorithm
	if alg == "" {
		alg = digest.Default
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("%w: unknown digest algorithm %q", ledger.ErrValidation, alg)
	}

	// Chain order is chronological.
	ordered := make([]ledger.Event, len(entries))
	copy(ordered, entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	b := &Bundle{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC().Format(ledger.TimestampLayout),
		CreatedBy:   req.CreatedBy,
		Environment: req.Environment,
		RangeLabel:  req.RangeLabel,
		Algorithm:   alg,
		WeakDigest:  alg.Weak(),
		Entries:     ordered,
	}

	final, err := chainDigest(alg, ordered)
	if err != nil {
		b.Status = StatusFailed
		x.auditLifecycle(req, b, ledger.SeverityWarning, "forensic export failed: "+err.Error())
		return nil, fmt.Errorf("building hash chain: %w", err)
	}
	b.FinalDigest = final
	b.Status = StatusReady

	if err := b.Write(x.path(b.ID)); err != nil {
		return nil, err
	}

	x.auditLifecycle(req, b, ledger.SeverityInfo,
		fmt.Sprintf("forensic export created over %d entries", len(ordered)))

	slog.Info("forensic export created", "id", b.ID, "entries", len(ordered), "algorithm", alg)
	return b, nil
}

// Get loads a stored bundle by id.
func (x *Exporter) Get(id string) (*Bundle, error) {
	path := x.path(id)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return Load(path)
}

// List returns all stored bundles, newest first, without their entries
// (listing should stay cheap even with large bundles on disk).
func (x *Exporter) List() ([]Bundle, error) {
	paths, err := filepath.Glob(filepath.Join(x.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("listing exports: %w", err)
	}

	var bundles []Bundle
	for _, path := range paths {
		b, err := Load(path)
		if err != nil {
			slog.Warn("skipping unreadable bundle", "path", path, "error", err)
			continue
		}
		b.Entries = nil
		bundles = append(bundles, *b)
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].CreatedAt > bundles[j].CreatedAt })
	return bundles, nil
}

// VerifyStored verifies a stored bundle by id, records the result on the
// bundle (without touching its entries), and appends the audit event.
// A mismatch is additionally recorded at critical severity and returned
// as ErrIntegrityMismatch — never silently corrected.
func (x *Exporter) VerifyStored(id, verifier string) (*Bundle, error) {
	b, err := x.Get(id)
	if err != nil {
		return nil, err
	}

	verifyErr := Verify(b)
	b.Verification = &Verification{
		Time:  time.Now().UTC().Format(ledger.TimestampLayout),
		Valid: verifyErr == nil,
	}
	if err := b.Write(x.path(id)); err != nil {
		return nil, err
	}

	if verifyErr != nil {
		x.auditVerification(b, verifier, ledger.SeverityCritical,
			"forensic export verification FAILED: "+verifyErr.Error())
		return b, verifyErr
	}

	x.auditVerification(b, verifier, ledger.SeverityInfo, "forensic export verified")
	return b, nil
}

func (x *Exporter) path(id string) string {
	// Bundle ids are UUIDs we generated; reject anything path-like that
	// arrives from a caller.
	safe := strings.ReplaceAll(filepath.Base(id), string(os.PathSeparator), "")
	return filepath.Join(x.dir, safe+".json")
}

func (x *Exporter) auditLifecycle(req Request, b *Bundle, sev ledger.Severity, summary string) {
	if x.ledger == nil {
		return
	}
	_, err := x.ledger.Append(ledger.Event{
		Environment: b.Environment,
		Severity:    sev,
		Actor:       req.CreatedBy,
		ActorRole:   req.Role,
		Module:      "forensics.exports",
		Type:        ledger.TypeExportLifecycle,
		TargetType:  "export",
		TargetID:    b.ID,
		Summary:     summary,
		Metadata: map[string]any{
			"range":        b.RangeLabel,
			"algorithm":    string(b.Algorithm),
			"weak_digest":  b.WeakDigest,
			"entry_count":  len(b.Entries),
			"final_digest": b.FinalDigest,
		},
	})
	if err != nil {
		slog.Error("auditing export lifecycle failed", "export", b.ID, "error", err)
	}
}

func (x *Exporter) auditVerification(b *Bundle, verifier string, sev ledger.Severity, summary string) {
	if x.ledger == nil {
		return
	}
	_, err := x.ledger.Append(ledger.Event{
		Environment: b.Environment,
		Severity:    sev,
		Actor:       verifier,
		Module:      "forensics.exports",
		Type:        ledger.TypeExportLifecycle,
		TargetType:  "export",
		TargetID:    b.ID,
		Summary:     summary,
		Metadata: map[string]any{
			"valid":        b.Verification.Valid,
			"algorithm":    string(b.Algorithm),
			"final_digest": b.FinalDigest,
		},
	})
	if err != nil {
		slog.Error("auditing export verification failed", "export", b.ID, "error", err)
	}
}
