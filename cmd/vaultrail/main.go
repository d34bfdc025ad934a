// Package main is the CLI entry point for Vaultrail — a tamper-evident
// audit ledger with dual-control approvals for sensitive operations.
//
// Vaultrail records security-relevant events to an append-only ledger,
// seals forensic export bundles with a hash chain so any later edit,
// reorder, or omission is detectable, and gates dangerous actions
// (key rotation, retention changes, ledger purges) behind maker-checker
// approval.
//
// CLI commands (cobra):
//
//	vaultrail              - First-run setup (config + policy scaffolding)
//	vaultrail serve        - Run the console server (API + live feed)
//	vaultrail stop         - Stop a running server
//	vaultrail status       - Show server status
//	vaultrail audit        - Append/tail/query/export the ledger
//	vaultrail export       - Create/list/verify forensic bundles
//	vaultrail policy       - Manage dual-control policies
//	vaultrail request      - List/approve/reject pending requests
//	vaultrail attempt      - Run a sensitive action through the gate
//	vaultrail config       - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultrail/vaultrail/internal/config"
	"github.com/vaultrail/vaultrail/internal/console"
	"github.com/vaultrail/vaultrail/internal/digest"
	"github.com/vaultrail/vaultrail/internal/dualcontrol"
	"github.com/vaultrail/vaultrail/internal/export"
	"github.com/vaultrail/vaultrail/internal/gate"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-31"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultDataDir returns the path to ~/.vaultrail/ where all runtime
// state lives: config.yaml, policies.yaml, requests.db, the ledger/
// directory, and the exports/ directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".vaultrail"
	}
	return filepath.Join(home, ".vaultrail")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// dataDir is the global flag for the Vaultrail data/state directory.
// Defaults to ~/.vaultrail/ but can be overridden for testing.
var dataDir string

var rootCmd = &cobra.Command{
	Use:   "vaultrail",
	Short: "Vaultrail — Tamper-evident audit ledger with dual-control",
	Long: `Vaultrail records security-relevant events to an append-only audit
ledger, seals forensic export bundles with a hash chain so tampering is
detectable, and gates sensitive operations behind maker-checker
dual-control approval.

Run 'vaultrail serve' to start the console server, or run 'vaultrail'
with no arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	// --data-dir: Override the default ~/.vaultrail/ directory.
	// Persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&dataDir,
		"data-dir",
		defaultDataDir(),
		"Path to Vaultrail data and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(attemptCmd)
	rootCmd.AddCommand(configCmd)
}

// ============================================================================
// Shared wiring
// ============================================================================

// stack bundles the collaborators most commands need. The CLI opens the
// same on-disk state the server uses; SQLite and the append-only ledger
// files tolerate concurrent readers.
type stack struct {
	ledger   *ledger.Ledger
	registry *dualcontrol.Registry
	engine   *dualcontrol.Engine
	gate     *gate.Gate
	exporter *export.Exporter

	closers []func() error
}

// openStack wires the full subsystem graph rooted at the data directory.
func openStack() (*stack, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	store, err := ledger.OpenFileStore(filepath.Join(dataDir, "ledger"))
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	l := ledger.New(store)

	registry, err := dualcontrol.NewRegistry(filepath.Join(dataDir, "policies.yaml"), l)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("loading policies: %w", err)
	}

	reqStore, err := dualcontrol.OpenRequestStore(filepath.Join(dataDir, "requests.db"))
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("opening request store: %w", err)
	}

	engine := dualcontrol.NewEngine(reqStore, registry, l)

	exporter, err := export.NewExporter(l, filepath.Join(dataDir, "exports"))
	if err != nil {
		reqStore.Close()
		l.Close()
		return nil, fmt.Errorf("opening exporter: %w", err)
	}

	return &stack{
		ledger:   l,
		registry: registry,
		engine:   engine,
		gate:     gate.New(registry, engine, l),
		exporter: exporter,
		closers:  []func() error{reqStore.Close, l.Close},
	}, nil
}

func (s *stack) close() {
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			fmt.Fprintf(os.Stderr, "[vaultrail] Warning: close: %v\n", err)
		}
	}
}

// ============================================================================
// vaultrail serve — Run the console server
// ============================================================================

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Vaultrail console server",
	Long: `Start the Vaultrail console server. The server exposes the operator
API (audit queries, export management, dual-control requests, the
sensitive action gate) and a WebSocket live feed of appended events.

The server binds to the address configured in ~/.vaultrail/config.yaml
(default: 127.0.0.1:3170).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

// runServe initializes all subsystems and blocks until shutdown. The
// full stack gets wired here:
//
//  1. Load config from ~/.vaultrail/config.yaml
//  2. Open the ledger (daily JSONL files + SQLite index)
//  3. Load dual-control policies and open the request store
//  4. Start the console HTTP server with the WebSocket feed
//  5. Watch policies.yaml for hot-reload
//  6. Run the stale-request expiry sweeper if configured
//  7. Write PID file and block until SIGINT/SIGTERM or HTTP shutdown
func runServe(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	s, err := openStack()
	if err != nil {
		return err
	}
	defer s.close()

	// Record server startup in the ledger itself.
	if _, err := s.ledger.Append(ledger.Event{
		Environment: ledger.Production,
		Severity:    ledger.SeverityInfo,
		Actor:       "system",
		Module:      "console.server",
		Type:        ledger.TypeSupportLifecycle,
		Summary:     "console server starting",
		Metadata: map[string]any{
			"version": version,
			"commit":  commit,
			"host":    cfg.Server.Host,
			"port":    cfg.Server.Port,
		},
	}); err != nil {
		return fmt.Errorf("failed to record startup: %w", err)
	}

	c := console.New(console.Options{
		Ledger:           s.ledger,
		Registry:         s.registry,
		Engine:           s.engine,
		Gate:             s.gate,
		Exporter:         s.exporter,
		Version:          version,
		DefaultAlgorithm: digest.Algorithm(cfg.Exports.Algorithm),
	})

	// Hot-reload: the CLI (or an operator editing the file) changes
	// policies.yaml, the watcher picks it up, and the registry reloads
	// without a restart. Config changes only log — the server address
	// can't change under a live listener.
	watcher, err := config.NewWatcher(dataDir, config.WatchTargets{
		OnPolicyChange: func() {
			if reloadErr := s.registry.Reload(); reloadErr != nil {
				slog.Warn("policy reload failed", "error", reloadErr)
			} else {
				slog.Info("policies reloaded")
			}
		},
		OnConfigChange: func() {
			slog.Info("config.yaml changed; restart to apply server settings")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start file watcher: %w", err)
	}
	defer watcher.Close()

	// Stale-request expiry sweep, when enabled in config. Pending
	// requests older than the window are rejected by the system actor.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if maxAge := cfg.ExpiryDuration(); maxAge > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, sweepErr := s.engine.ExpireStale(maxAge); sweepErr != nil {
						slog.Warn("expiry sweep failed", "error", sweepErr)
					} else if n > 0 {
						slog.Info("expired stale requests", "count", n)
					}
				}
			}
		}()
	}

	// PID file lets `vaultrail stop` find the running process.
	pidFile := filepath.Join(dataDir, "vaultrail.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[vaultrail] Console listening on http://%s\n", addr)
		fmt.Println("[vaultrail] Press Ctrl+C to stop")
		errCh <- c.Start(addr)
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[vaultrail] Shutting down (signal received)...")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := c.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[vaultrail] Shutdown error: %v\n", shutdownErr)
	}

	// Record shutdown; file stores flush on Close via the deferred stack.
	s.ledger.Append(ledger.Event{
		Environment: ledger.Production,
		Severity:    ledger.SeverityInfo,
		Actor:       "system",
		Module:      "console.server",
		Type:        ledger.TypeSupportLifecycle,
		Summary:     "console server stopped",
	})

	fmt.Println("[vaultrail] Stopped")
	return nil
}

// writePIDFile writes the current process ID to the given file path.
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// ============================================================================
// vaultrail stop — Stop the server
// ============================================================================

// stopCmd stops a running server via PID file + SIGTERM.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running Vaultrail server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runtime.GOOS == "windows" {
			return fmt.Errorf("signal-based stop is not supported on Windows; interrupt the serve process directly")
		}

		pidFile := filepath.Join(dataDir, "vaultrail.pid")
		pidBytes, err := os.ReadFile(pidFile)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("server is not running (no PID file)")
			}
			return fmt.Errorf("failed to read PID file: %w", err)
		}

		pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
		if err != nil {
			return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("failed to find process %d: %w", pid, err)
		}
		if err := process.Signal(syscall.SIGTERM); err != nil {
			os.Remove(pidFile)
			return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
		}

		os.Remove(pidFile)
		fmt.Printf("[vaultrail] Sent stop signal to server (PID %d)\n", pid)
		return nil
	},
}

// ============================================================================
// vaultrail status — Show server status
// ============================================================================

// statusCmd queries the running server via HTTP for live state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(filepath.Join(dataDir, "config.yaml"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		client := &http.Client{Timeout: 2 * time.Second}

		resp, err := client.Get(addr + "/api/status")
		if err != nil {
			fmt.Println("[vaultrail] Status: NOT RUNNING")
			fmt.Printf("[vaultrail] Expected at: %s\n", addr)
			return nil
		}
		defer resp.Body.Close()

		var status struct {
			Version         string `json:"version"`
			UptimeSeconds   int    `json:"uptime_seconds"`
			LastSeq         uint64 `json:"last_seq"`
			PendingRequests int    `json:"pending_requests"`
			ExportBundles   int    `json:"export_bundles"`
		}
		if err := decodeJSONBody(resp, &status); err != nil {
			fmt.Println("[vaultrail] Status: RUNNING (could not parse status payload)")
			return nil
		}

		fmt.Println("[vaultrail] Status: RUNNING")
		fmt.Printf("[vaultrail] Listening on:     %s\n", addr)
		fmt.Printf("[vaultrail] Version:          %s\n", status.Version)
		fmt.Printf("[vaultrail] Uptime:           %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
		fmt.Printf("[vaultrail] Last sequence:    %d\n", status.LastSeq)
		fmt.Printf("[vaultrail] Pending requests: %d\n", status.PendingRequests)
		fmt.Printf("[vaultrail] Export bundles:   %d\n", status.ExportBundles)
		return nil
	},
}

// ============================================================================
// vaultrail audit — Ledger operations
// ============================================================================

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Append, tail, query, and export the audit ledger",
	Long: `The audit ledger records every security-relevant event: sign-ins,
policy changes, approvals, exports, key rotations. Entries are
append-only and time-ordered; forensic export bundles seal a range
with a hash chain so tampering is detectable.`,
}

func init() {
	auditCmd.AddCommand(auditAppendCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditExportCmd)
}

// Append flags.
var (
	appendEnv      string
	appendSeverity string
	appendActor    string
	appendRole     string
	appendModule   string
	appendType     string
	appendTarget   string
	appendTargetID string
	appendSummary  string
)

// auditAppendCmd records one event from the command line. Mostly useful
// for integrations shelling out to vaultrail and for scripted smoke
// checks against a data directory.
var auditAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event to the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		stored, err := s.ledger.Append(ledger.Event{
			Environment: ledger.Environment(appendEnv),
			Severity:    ledger.Severity(appendSeverity),
			Actor:       appendActor,
			ActorRole:   appendRole,
			Module:      appendModule,
			Type:        ledger.EventType(appendType),
			TargetType:  appendTarget,
			TargetID:    appendTargetID,
			Summary:     appendSummary,
		})
		if err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
		fmt.Printf("[vaultrail] Appended event #%d\n", stored.Seq)
		return nil
	},
}

func init() {
	auditAppendCmd.Flags().StringVar(&appendEnv, "env", "production", "Environment (production/sandbox)")
	auditAppendCmd.Flags().StringVar(&appendSeverity, "severity", "info", "Severity (info/warning/critical)")
	auditAppendCmd.Flags().StringVar(&appendActor, "actor", "", "Acting identity (required)")
	auditAppendCmd.Flags().StringVar(&appendRole, "role", "", "Actor role")
	auditAppendCmd.Flags().StringVar(&appendModule, "module", "cli", "Originating module")
	auditAppendCmd.Flags().StringVar(&appendType, "type", "", "Event type (required)")
	auditAppendCmd.Flags().StringVar(&appendTarget, "target-type", "", "Target object type")
	auditAppendCmd.Flags().StringVar(&appendTargetID, "target-id", "", "Target object id")
	auditAppendCmd.Flags().StringVar(&appendSummary, "summary", "", "Human-readable summary (required)")
	auditAppendCmd.MarkFlagRequired("actor")
	auditAppendCmd.MarkFlagRequired("type")
	auditAppendCmd.MarkFlagRequired("summary")
}

var auditTailLimit int

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		events, err := s.ledger.Tail(auditTailLimit)
		if err != nil {
			return fmt.Errorf("failed to read ledger: %w", err)
		}
		for _, e := range events {
			printEvent(e)
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// Query filter flags.
var (
	queryEnv      string
	querySeverity string
	queryRole     string
	queryType     string
	queryModule   string
	querySearch   string
	querySince    string
	queryLimit    int
)

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries with filters",
	Long: `Query the ledger with filters: environment, severity, actor role,
event type, originating module (glob patterns supported, e.g.
'payments.*'), free-text search, and time range.

Examples:
  vaultrail audit query --severity critical --since 24h
  vaultrail audit query --module 'dualcontrol.*' --limit 100
  vaultrail audit query --search alice@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		events, err := s.ledger.Query(ledger.Params{
			Environment: ledger.Environment(queryEnv),
			Severity:    ledger.Severity(querySeverity),
			Role:        queryRole,
			Type:        ledger.EventType(queryType),
			Module:      queryModule,
			Search:      querySearch,
			Since:       querySince,
			Limit:       queryLimit,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		if len(events) == 0 {
			fmt.Println("No matching entries found.")
			return nil
		}
		for _, e := range events {
			printEvent(e)
		}
		fmt.Printf("\n%d entries found.\n", len(events))
		return nil
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&queryEnv, "env", "", "Filter by environment")
	auditQueryCmd.Flags().StringVar(&querySeverity, "severity", "", "Filter by severity")
	auditQueryCmd.Flags().StringVar(&queryRole, "role", "", "Filter by actor role")
	auditQueryCmd.Flags().StringVar(&queryType, "type", "", "Filter by event type")
	auditQueryCmd.Flags().StringVar(&queryModule, "module", "", "Filter by module (glob patterns supported)")
	auditQueryCmd.Flags().StringVar(&querySearch, "search", "", "Free-text search")
	auditQueryCmd.Flags().StringVar(&querySince, "since", "", "Entries since duration (e.g. 1h, 24h) or ISO timestamp")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum entries to return")
}

// auditExportCmd streams matching entries to stdout as CSV for
// spreadsheet review. Sealed forensic bundles are 'vaultrail export'.
var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export ledger entries as CSV to stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		events, err := s.ledger.Query(ledger.Params{
			Environment: ledger.Environment(queryEnv),
			Severity:    ledger.Severity(querySeverity),
			Since:       querySince,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		return ledger.WriteCSV(os.Stdout, events)
	},
}

func init() {
	auditExportCmd.Flags().StringVar(&queryEnv, "env", "", "Filter by environment")
	auditExportCmd.Flags().StringVar(&querySeverity, "severity", "", "Filter by severity")
	auditExportCmd.Flags().StringVar(&querySince, "since", "", "Entries since duration or ISO timestamp")
}

// printEvent formats one ledger entry for the terminal.
func printEvent(e ledger.Event) {
	sev := string(e.Severity)
	if e.Severity == ledger.SeverityCritical {
		sev = "CRITICAL"
	}
	fmt.Printf("[%s] #%-6d %-8s %-10s actor=%-24s module=%-20s %s\n",
		e.Timestamp, e.Seq, sev, e.Type, e.Actor, e.Module, e.Summary)
}

// ============================================================================
// vaultrail export — Forensic bundle operations
// ============================================================================

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Create and verify forensic export bundles",
	Long: `Forensic export bundles seal a range of ledger entries with a hash
chain: the final digest depends on every entry's content and position,
so any later edit, reordering, or omission changes the digest. A bundle
is self-contained — verification needs only the bundle file.`,
}

func init() {
	exportCmd.AddCommand(exportCreateCmd)
	exportCmd.AddCommand(exportListCmd)
	exportCmd.AddCommand(exportVerifyCmd)
}

// Export create flags.
var (
	exportCreatedBy string
	exportRole      string
	exportEnv       string
	exportLabel     string
	exportAlg       string
	exportSince     string
)

var exportCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a sealed export bundle",
	Long: `Snapshot matching ledger entries into a sealed bundle. The entries
are chained oldest to newest and the final digest is recorded in the
bundle. An empty range is a valid export — evidence that nothing
happened in the window.

Example:
  vaultrail export create --by compliance@example.com --label 2026-08 --since 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		entries, err := s.ledger.Query(ledger.Params{
			Environment: ledger.Environment(exportEnv),
			Since:       exportSince,
		})
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}

		// Flag overrides config; config overrides the built-in default.
		if exportAlg == "" {
			if cfg, cfgErr := config.Load(filepath.Join(dataDir, "config.yaml")); cfgErr == nil {
				exportAlg = cfg.Exports.Algorithm
			}
		}

		bundle, err := s.exporter.Create(export.Request{
			CreatedBy:   exportCreatedBy,
			Role:        exportRole,
			Environment: ledger.Environment(exportEnv),
			RangeLabel:  exportLabel,
			Algorithm:   digest.Algorithm(exportAlg),
		}, entries)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}

		fmt.Printf("[vaultrail] Export bundle created: %s\n", bundle.ID)
		fmt.Printf("  Entries:      %d\n", len(bundle.Entries))
		fmt.Printf("  Algorithm:    %s\n", bundle.Algorithm)
		fmt.Printf("  Final digest: %s\n", bundle.FinalDigest)
		if bundle.WeakDigest {
			fmt.Println("  WARNING: weak digest algorithm — not suitable for evidence")
		}
		return nil
	},
}

func init() {
	exportCreateCmd.Flags().StringVar(&exportCreatedBy, "by", "", "Creating identity (required)")
	exportCreateCmd.Flags().StringVar(&exportRole, "role", "", "Creator role")
	exportCreateCmd.Flags().StringVar(&exportEnv, "env", "", "Restrict to one environment")
	exportCreateCmd.Flags().StringVar(&exportLabel, "label", "", "Human-readable range label")
	exportCreateCmd.Flags().StringVar(&exportAlg, "algorithm", "", "Digest algorithm (default from config)")
	exportCreateCmd.Flags().StringVar(&exportSince, "since", "", "Entries since duration or ISO timestamp")
	exportCreateCmd.MarkFlagRequired("by")
}

var exportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored export bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		bundles, err := s.exporter.List()
		if err != nil {
			return fmt.Errorf("failed to list bundles: %w", err)
		}
		if len(bundles) == 0 {
			fmt.Println("No export bundles found.")
			return nil
		}

		fmt.Printf("%-38s %-28s %-10s %-12s %s\n", "ID", "CREATED", "STATUS", "LABEL", "DIGEST")
		for _, b := range bundles {
			digestShort := b.FinalDigest
			if len(digestShort) > 24 {
				digestShort = digestShort[:24] + "..."
			}
			fmt.Printf("%-38s %-28s %-10s %-12s %s\n",
				b.ID, b.CreatedAt, b.Status, b.RangeLabel, digestShort)
		}
		return nil
	},
}

var exportVerifier string

var exportVerifyCmd = &cobra.Command{
	Use:   "verify <bundle-id>",
	Short: "Verify a bundle against its embedded hash chain",
	Long: `Recompute the hash chain over the bundle's embedded entries and
compare against the sealed final digest. A mismatch means the bundle
was edited, reordered, or truncated after sealing. The verification
outcome is recorded on the bundle and audited.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		bundle, err := s.exporter.VerifyStored(args[0], exportVerifier)
		if err != nil {
			if bundle != nil && bundle.Verification != nil && !bundle.Verification.Valid {
				fmt.Printf("[vaultrail] Bundle %s FAILED verification\n", args[0])
				fmt.Printf("  Sealed digest: %s\n", bundle.FinalDigest)
				return fmt.Errorf("bundle integrity violation detected")
			}
			return fmt.Errorf("verification failed: %w", err)
		}

		fmt.Printf("[vaultrail] Bundle %s VALID (%d entries verified)\n", args[0], len(bundle.Entries))
		return nil
	},
}

func init() {
	exportVerifyCmd.Flags().StringVar(&exportVerifier, "by", "cli", "Verifying identity")
}

// ============================================================================
// vaultrail policy — Dual-control policy management
// ============================================================================

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage dual-control policies",
	Long: `Dual-control policies define which sensitive actions require
maker-checker approval, how many approvers are needed, and whether
break-glass bypass is allowed. Policies live in
~/.vaultrail/policies.yaml; a running server hot-reloads edits.`,
}

func init() {
	policyCmd.AddCommand(policyListCmd)
	policyCmd.AddCommand(policySetCmd)
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		policies := s.registry.List()
		if len(policies) == 0 {
			fmt.Println("No policies configured. All actions proceed without approval.")
			return nil
		}

		fmt.Printf("%-30s %-8s %-10s %-8s %s\n", "ACTION", "ENABLED", "APPROVERS", "STEP-UP", "BREAK-GLASS")
		for _, p := range policies {
			fmt.Printf("%-30s %-8t %-10d %-8t %t\n",
				p.ActionKey, p.Enabled, p.ApproversRequired, p.StepUpRequired, p.BreakGlassAllowed)
		}
		return nil
	},
}

// Policy set flags.
var (
	policyActor      string
	policyRole       string
	policyEnabled    bool
	policyApprovers  int
	policyStepUp     bool
	policyBreakGlass bool
)

var policySetCmd = &cobra.Command{
	Use:   "set <action-key>",
	Short: "Create or update a policy",
	Long: `Create or update the dual-control policy for an action key.

Known action keys:
  disable_support_mode, change_retention, rotate_prod_key,
  create_prod_export, update_dual_control_policy, purge_ledger

Example:
  vaultrail policy set rotate_prod_key --actor admin@example.com --enabled --approvers 2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		p := dualcontrol.Policy{
			ActionKey:         dualcontrol.ActionKey(args[0]),
			Enabled:           policyEnabled,
			ApproversRequired: policyApprovers,
			StepUpRequired:    policyStepUp,
			BreakGlassAllowed: policyBreakGlass,
		}
		if err := s.registry.Set(policyActor, policyRole, ledger.Production, p); err != nil {
			return fmt.Errorf("failed to save policy: %w", err)
		}

		fmt.Printf("[vaultrail] Policy saved for %s\n", args[0])
		return nil
	},
}

func init() {
	policySetCmd.Flags().StringVar(&policyActor, "actor", "", "Acting identity (required)")
	policySetCmd.Flags().StringVar(&policyRole, "role", "", "Actor role")
	policySetCmd.Flags().BoolVar(&policyEnabled, "enabled", true, "Whether the policy gates the action")
	policySetCmd.Flags().IntVar(&policyApprovers, "approvers", 2, "Approvers required (2 or 3)")
	policySetCmd.Flags().BoolVar(&policyStepUp, "step-up", false, "Require step-up authentication")
	policySetCmd.Flags().BoolVar(&policyBreakGlass, "break-glass", false, "Allow break-glass bypass")
	policySetCmd.MarkFlagRequired("actor")
}

// ============================================================================
// vaultrail request — Dual-control request operations
// ============================================================================

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "List, approve, and reject dual-control requests",
	Long: `Dual-control requests track maker-checker approval of sensitive
actions. A request is opened when a gated action is attempted, and
resolves once enough distinct approvers confirm — or any one rejects.`,
}

func init() {
	requestCmd.AddCommand(requestListCmd)
	requestCmd.AddCommand(requestApproveCmd)
	requestCmd.AddCommand(requestRejectCmd)
}

var requestListStatus string

var requestListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dual-control requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		requests, err := s.engine.List(dualcontrol.Status(requestListStatus))
		if err != nil {
			return fmt.Errorf("failed to list requests: %w", err)
		}
		if len(requests) == 0 {
			fmt.Println("No matching requests.")
			return nil
		}

		fmt.Printf("%-38s %-28s %-26s %-10s %s\n", "ID", "ACTION", "REQUESTER", "STATUS", "APPROVALS")
		for _, r := range requests {
			fmt.Printf("%-38s %-28s %-26s %-10s %d/%d\n",
				r.ID, r.ActionKey, r.Requester, r.Status, len(r.Approvals), r.Required)
		}
		return nil
	},
}

func init() {
	requestListCmd.Flags().StringVar(&requestListStatus, "status", "", "Filter by status (pending/approved/rejected)")
}

// Decision flags shared by approve and reject.
var (
	decisionActor string
	decisionRole  string
)

var requestApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Record one approval on a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		r, err := s.engine.Approve(args[0], decisionActor, decisionRole)
		if err != nil {
			return fmt.Errorf("approval failed: %w", err)
		}

		if r.Status == dualcontrol.StatusApproved {
			fmt.Printf("[vaultrail] Request %s APPROVED (%d/%d)\n", r.ID, len(r.Approvals), r.Required)
		} else {
			fmt.Printf("[vaultrail] Approval recorded (%d/%d) — still pending\n", len(r.Approvals), r.Required)
		}
		return nil
	},
}

var requestRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		r, err := s.engine.Reject(args[0], decisionActor, decisionRole)
		if err != nil {
			return fmt.Errorf("rejection failed: %w", err)
		}
		fmt.Printf("[vaultrail] Request %s rejected\n", r.ID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{requestApproveCmd, requestRejectCmd} {
		c.Flags().StringVar(&decisionActor, "actor", "", "Deciding identity (required)")
		c.Flags().StringVar(&decisionRole, "role", "", "Actor role")
		c.MarkFlagRequired("actor")
	}
}

// ============================================================================
// vaultrail attempt — Sensitive action gate
// ============================================================================

// Attempt flags.
var (
	attemptEnv        string
	attemptActor      string
	attemptRole       string
	attemptReason     string
	attemptBreakGlass bool
)

var attemptCmd = &cobra.Command{
	Use:   "attempt <action-key>",
	Short: "Run a sensitive action through the dual-control gate",
	Long: `Evaluate a sensitive action against the configured policies. The
outcome is either proceed (no gating applies, or break-glass bypass)
or deferred (a dual-control request was opened; the action must wait
for approval). Every decision is audited.

Example:
  vaultrail attempt rotate_prod_key --actor dan@example.com --reason "quarterly rotation"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStack()
		if err != nil {
			return err
		}
		defer s.close()

		outcome, err := s.gate.Attempt(gate.Attempt{
			ActionKey:   dualcontrol.ActionKey(args[0]),
			Environment: ledger.Environment(attemptEnv),
			Actor:       attemptActor,
			Role:        attemptRole,
			Reason:      attemptReason,
			BreakGlass:  attemptBreakGlass,
		})
		if err != nil {
			return fmt.Errorf("attempt failed: %w", err)
		}

		switch outcome.Decision {
		case gate.Proceed:
			fmt.Printf("[vaultrail] PROCEED — %s may run now\n", args[0])
			if attemptBreakGlass {
				fmt.Println("[vaultrail] Break-glass bypass recorded at critical severity")
			}
		case gate.Deferred:
			fmt.Printf("[vaultrail] DEFERRED — approval required\n")
			fmt.Printf("  Request: %s\n", outcome.RequestID)
			fmt.Printf("  Approve with: vaultrail request approve %s --actor <approver>\n", outcome.RequestID)
		}
		return nil
	},
}

func init() {
	attemptCmd.Flags().StringVar(&attemptEnv, "env", "production", "Environment (production/sandbox)")
	attemptCmd.Flags().StringVar(&attemptActor, "actor", "", "Acting identity (required)")
	attemptCmd.Flags().StringVar(&attemptRole, "role", "", "Actor role")
	attemptCmd.Flags().StringVar(&attemptReason, "reason", "", "Reason for the action (required)")
	attemptCmd.Flags().BoolVar(&attemptBreakGlass, "break-glass", false, "Request immediate execution despite policy")
	attemptCmd.MarkFlagRequired("actor")
	attemptCmd.MarkFlagRequired("reason")
}

// ============================================================================
// vaultrail config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit configuration",
	Long: `Manage the Vaultrail configuration. The config file lives at
~/.vaultrail/config.yaml and defines the server bind address, console
toggle, default export digest algorithm, and request expiry window.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'vaultrail config init' to create one with defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

// configEditCmd opens the config file in the user's preferred editor.
var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		fmt.Printf("[vaultrail] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(dataDir, "config.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("config already exists at %s", configPath)
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("[vaultrail] Wrote default config to %s\n", configPath)
		return nil
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'vaultrail' is invoked with no subcommand:
//  1. Creates ~/.vaultrail/ and the ledger/exports directories
//  2. Writes a default config.yaml
//  3. Prints next steps
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== Vaultrail — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'vaultrail serve' to start the console server.")
		fmt.Println("Use 'vaultrail config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating data directory: %s\n", dataDir)
	for _, sub := range []string{"", "ledger", "exports"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the console server:")
	fmt.Println("     vaultrail serve")
	fmt.Println()
	fmt.Println("  2. Gate a sensitive action behind dual-control:")
	fmt.Println("     vaultrail policy set rotate_prod_key --actor you@example.com --approvers 2")
	fmt.Println()
	fmt.Println("  3. Record an event and inspect the ledger:")
	fmt.Println("     vaultrail audit tail")
	fmt.Println()
	return nil
}

// decodeJSONBody decodes an HTTP response body into v.
func decodeJSONBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
