// Package console serves the operator HTTP API: audit queries, export
// management, dual-control policies and requests, the sensitive action
// gate, and a WebSocket live feed of appended events.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vaultrail/vaultrail/internal/digest"
	"github.com/vaultrail/vaultrail/internal/dualcontrol"
	"github.com/vaultrail/vaultrail/internal/export"
	"github.com/vaultrail/vaultrail/internal/gate"
	"github.com/vaultrail/vaultrail/internal/ledger"
)

// Options carries the collaborators the console serves.
type Options struct {
	Ledger   *ledger.Ledger
	Registry *dualcontrol.Registry
	Engine   *dualcontrol.Engine
	Gate     *gate.Gate
	Exporter *export.Exporter
	Version  string

	// DefaultAlgorithm is used for exports that don't name one.
	DefaultAlgorithm digest.Algorithm
}

// Console is the HTTP server for the operator API.
type Console struct {
	ledger   *ledger.Ledger
	registry *dualcontrol.Registry
	engine   *dualcontrol.Engine
	gate     *gate.Gate
	exporter *export.Exporter
	version  string
	alg      digest.Algorithm
	wsHub    *wsHub
	server   *http.Server
	started  time.Time
}

// New creates a console serving the given collaborators.
func New(opts Options) *Console {
	c := &Console{
		ledger:   opts.Ledger,
		registry: opts.Registry,
		engine:   opts.Engine,
		gate:     opts.Gate,
		exporter: opts.Exporter,
		version:  opts.Version,
		alg:      opts.DefaultAlgorithm,
		wsHub:    newWSHub(),
	}

	// Every appended event is pushed to the live feed.
	if c.ledger != nil {
		c.ledger.Subscribe(func(ev ledger.Event) {
			data, err := json.Marshal(wsFrame{Type: "event", Event: &ev})
			if err != nil {
				return
			}
			c.wsHub.broadcast(data)
		})
	}

	return c
}

// Start begins serving on the given address. Blocks until the server
// stops.
func (c *Console) Start(addr string) error {
	go c.wsHub.run()
	c.started = time.Now()

	mux := http.NewServeMux()
	c.registerRoutes(mux)

	c.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	slog.Info("console listening", "addr", addr)
	if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("console server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, then disconnects the live
// feed clients (Shutdown doesn't wait on hijacked connections).
func (c *Console) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	err := c.server.Shutdown(ctx)
	c.wsHub.stop()
	return err
}

func (c *Console) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", c.handleStatus)
	mux.HandleFunc("/api/audit", c.handleAudit)
	mux.HandleFunc("/api/audit/export.csv", c.handleAuditCSV)
	mux.HandleFunc("/api/policies", c.handlePolicies)
	mux.HandleFunc("/api/requests", c.handleRequests)
	mux.HandleFunc("/api/requests/approve", c.handleApprove)
	mux.HandleFunc("/api/requests/reject", c.handleReject)
	mux.HandleFunc("/api/attempt", c.handleAttempt)
	mux.HandleFunc("/api/exports", c.handleExports)
	mux.HandleFunc("/api/exports/verify", c.handleVerify)
	mux.HandleFunc("/ws", c.handleWebSocket)
}

// handleStatus reports server health and counters.
func (c *Console) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending, _ := c.engine.List(dualcontrol.StatusPending)
	bundles, _ := c.exporter.List()

	writeJSON(w, http.StatusOK, map[string]any{
		"version":          c.version,
		"uptime_seconds":   int(time.Since(c.started).Seconds()),
		"last_seq":         c.ledger.LastSeq(),
		"pending_requests": len(pending),
		"export_bundles":   len(bundles),
	})
}

// handleAudit queries the ledger with filters from the query string.
func (c *Console) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := queryParams(r)
	events, err := c.ledger.Query(params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleAuditCSV streams a query result as CSV.
func (c *Console) handleAuditCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params := queryParams(r)
	events, err := c.ledger.Query(params)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	if err := ledger.WriteCSV(w, events); err != nil {
		slog.Error("csv write failed", "error", err)
	}
}

// handlePolicies lists (GET) or upserts (POST) dual-control policies.
func (c *Console) handlePolicies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"policies": c.registry.List()})

	case http.MethodPost:
		var req struct {
			Policy      dualcontrol.Policy `json:"policy"`
			Actor       string             `json:"actor"`
			Role        string             `json:"role"`
			Environment string             `json:"environment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		env := ledger.Environment(req.Environment)
		if env == "" {
			env = ledger.Production
		}
		if err := c.registry.Set(req.Actor, req.Role, env, req.Policy); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRequests lists dual-control requests, optionally filtered by
// ?status=pending|approved|rejected.
func (c *Console) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := dualcontrol.Status(r.URL.Query().Get("status"))
	requests, err := c.engine.List(status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests, "count": len(requests)})
}

type decisionBody struct {
	RequestID string `json:"request_id"`
	Actor     string `json:"actor"`
	Role      string `json:"role"`
}

// handleApprove records one approval on a pending request.
func (c *Console) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	req, err := c.engine.Approve(body.RequestID, body.Actor, body.Role)
	if errors.Is(err, dualcontrol.ErrDuplicateApproval) {
		// The approval already counts; tell the caller rather than fail.
		writeJSON(w, http.StatusOK, map[string]any{
			"request": req,
			"warning": "approval already recorded for this approver",
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req})
}

// handleReject rejects a pending request.
func (c *Console) handleReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body decisionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	req, err := c.engine.Reject(body.RequestID, body.Actor, body.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req})
}

// handleAttempt runs a sensitive action through the gate.
func (c *Console) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var attempt gate.Attempt
	if err := json.NewDecoder(r.Body).Decode(&attempt); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	outcome, err := c.gate.Attempt(attempt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleExports lists bundles (GET) or creates one (POST).
func (c *Console) handleExports(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if id := r.URL.Query().Get("id"); id != "" {
			bundle, err := c.exporter.Get(id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, bundle)
			return
		}
		bundles, err := c.exporter.List()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"exports": bundles, "count": len(bundles)})

	case http.MethodPost:
		var body struct {
			CreatedBy   string `json:"created_by"`
			Role        string `json:"role"`
			Environment string `json:"environment"`
			RangeLabel  string `json:"range_label"`
			Algorithm   string `json:"algorithm"`
			Since       string `json:"since"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}

		// Snapshot the matching window; the bundle is sealed over exactly
		// these entries.
		entries, err := c.ledger.Query(ledger.Params{
			Environment: ledger.Environment(body.Environment),
			Since:       body.Since,
		})
		if err != nil {
			writeError(w, err)
			return
		}

		alg := digest.Algorithm(body.Algorithm)
		if alg == "" {
			alg = c.alg
		}
		bundle, err := c.exporter.Create(export.Request{
			CreatedBy:   body.CreatedBy,
			Role:        body.Role,
			Environment: ledger.Environment(body.Environment),
			RangeLabel:  body.RangeLabel,
			Algorithm:   alg,
		}, entries)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleVerify re-verifies a stored bundle against its embedded chain.
func (c *Console) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		ID       string `json:"id"`
		Verifier string `json:"verifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	bundle, err := c.exporter.VerifyStored(body.ID, body.Verifier)
	if errors.Is(err, export.ErrIntegrityMismatch) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"valid":  false,
			"bundle": bundle,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "bundle": bundle})
}

// queryParams builds ledger query parameters from the URL query string.
func queryParams(r *http.Request) ledger.Params {
	q := r.URL.Query()
	params := ledger.Params{
		Environment: ledger.Environment(q.Get("env")),
		Severity:    ledger.Severity(q.Get("severity")),
		Role:        q.Get("role"),
		Type:        ledger.EventType(q.Get("type")),
		Module:      q.Get("module"),
		Search:      q.Get("search"),
		Since:       q.Get("since"),
	}
	if limit := q.Get("limit"); limit != "" {
		fmt.Sscanf(limit, "%d", &params.Limit)
	}
	return params
}

// writeError maps domain sentinel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, dualcontrol.ErrValidation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, dualcontrol.ErrNotFound), errors.Is(err, export.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, dualcontrol.ErrInvalidTransition), errors.Is(err, dualcontrol.ErrSelfApproval):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", "error", err)
	}
}
