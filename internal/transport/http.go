// Package transport provides the HTTP API of the planner service.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/migrationplanner/internal/graph"
	"github.com/gateway-fm/migrationplanner/internal/planner"
	"github.com/gateway-fm/migrationplanner/internal/schedule"
	"github.com/gateway-fm/migrationplanner/internal/storage"
	"github.com/gateway-fm/migrationplanner/pkg/types"
)

// Input validation constants
const (
	maxGasPerSlot      = 10_000_000
	maxGasLimit        = 1 << 40
	maxHistoryWindow   = 1_000_000 // blocks
	maxTransactions    = 10_000
	maxRequestBodySize = 1 << 20
)

var contractNamePattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// validatePlanRequest validates the plan request parameters. Zero values are
// valid and fall back to the server defaults.
func validatePlanRequest(req *types.PlanRequest) error {
	if req.Contract != "" && !contractNamePattern.MatchString(req.Contract) {
		return fmt.Errorf("invalid contract name: %q", req.Contract)
	}
	if req.Address != "" && !common.IsHexAddress(req.Address) {
		return fmt.Errorf("invalid address: %q", req.Address)
	}
	if req.GasPerSlot > maxGasPerSlot {
		return fmt.Errorf("gasPerSlot exceeds maximum of %d", maxGasPerSlot)
	}
	if req.GasLimit > maxGasLimit {
		return fmt.Errorf("gasLimit exceeds maximum of %d", uint64(maxGasLimit))
	}
	if req.HistoryWindowBlocks > maxHistoryWindow {
		return fmt.Errorf("historyWindowBlocks exceeds maximum of %d", maxHistoryWindow)
	}
	if req.MaxTransactions < 0 {
		return fmt.Errorf("maxTransactions cannot be negative, got %d", req.MaxTransactions)
	}
	if req.MaxTransactions > maxTransactions {
		return fmt.Errorf("maxTransactions exceeds maximum of %d", maxTransactions)
	}
	return nil
}

// PlannerAPI defines the planning service the handlers need.
type PlannerAPI interface {
	Run(ctx context.Context, req types.PlanRequest) (*types.PlanArtifact, error)
	Defaults() planner.Defaults
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	CheckChain(ctx context.Context) error
	CheckSource(ctx context.Context) error
}

// Server handles HTTP requests for the planner.
type Server struct {
	api       PlannerAPI
	store     storage.Storage
	health    HealthChecker
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server. The returned server's Events hub
// should be handed to the planner so plan progress reaches websocket clients.
func NewServer(api PlannerAPI, store storage.Storage, health HealthChecker, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(logger)
	wsServer.Start()

	s := &Server{
		api:       api,
		store:     store,
		health:    health,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}

	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}

	return s
}

// Events returns the websocket hub that fans plan events out to clients.
func (s *Server) Events() *WebSocketServer {
	return s.wsServer
}

// Close stops the websocket hub.
func (s *Server) Close() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/plans", s.corsMiddleware(s.handlePlans))
	mux.HandleFunc("/v1/plans/", s.corsMiddleware(s.handlePlanDetail))
	mux.HandleFunc("/v1/config", s.corsMiddleware(s.handleConfig))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && slices.Contains(s.corsAllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// writeJSON writes v as a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

// planErrorStatus maps a failed plan to a status code. Problems with the
// contract itself are 422; anything else is an upstream or local failure.
func planErrorStatus(err error) int {
	switch {
	case errors.Is(err, graph.ErrCyclicCallGraph),
		errors.Is(err, graph.ErrInvalidGraph),
		errors.Is(err, planner.ErrContract),
		errors.Is(err, schedule.ErrInsufficientGasBudget),
		errors.Is(err, schedule.ErrUnresolvedDependency):
		return http.StatusUnprocessableEntity
	case errors.Is(err, planner.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handlePlans handles POST /v1/plans (run a plan) and GET /v1/plans (list).
func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRunPlan(w, r)
	case http.MethodGet:
		s.handleListPlans(w, r)
	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRunPlan(w http.ResponseWriter, r *http.Request) {
	var req types.PlanRequest
	if r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	if err := validatePlanRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	plan, err := s.api.Run(r.Context(), req)
	if err != nil {
		resp := map[string]string{"error": err.Error()}
		if plan != nil {
			resp["planId"] = plan.ID
		}
		s.writeJSON(w, planErrorStatus(err), resp)
		return
	}

	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "Plan storage is disabled", http.StatusNotImplemented)
		return
	}

	limit := 50
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.store.ListPlans(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to list plans: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handlePlanDetail handles /v1/plans/{id} and /v1/plans/{id}/batches.
func (s *Server) handlePlanDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "Plan storage is disabled", http.StatusNotImplemented)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/plans/"), "/")
	planID := parts[0]
	if planID == "" {
		s.writeJSONError(w, "Missing plan ID", http.StatusBadRequest)
		return
	}

	if len(parts) > 1 {
		if parts[1] != "batches" || len(parts) > 2 {
			s.writeJSONError(w, "Not found", http.StatusNotFound)
			return
		}
		s.handlePlanBatches(w, r, planID)
		return
	}

	switch r.Method {
	case http.MethodGet:
		plan, err := s.store.GetPlan(r.Context(), planID)
		if err != nil {
			s.writeStoreError(w, "get plan", err)
			return
		}
		s.writeJSON(w, http.StatusOK, plan)

	case http.MethodDelete:
		if err := s.store.DeletePlan(r.Context(), planID); err != nil {
			s.writeStoreError(w, "delete plan", err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	case http.MethodPatch:
		var update storage.PlanMetadataUpdate
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&update); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.store.UpdatePlanMetadata(r.Context(), planID, &update); err != nil {
			s.writeStoreError(w, "update plan", err)
			return
		}

		plan, err := s.store.GetPlan(r.Context(), planID)
		if err != nil {
			s.writeStoreError(w, "get updated plan", err)
			return
		}
		s.writeJSON(w, http.StatusOK, plan.Summary())

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handlePlanBatches handles GET /v1/plans/{id}/batches.
func (s *Server) handlePlanBatches(w http.ResponseWriter, r *http.Request, planID string) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	batches, err := s.store.GetPlanBatches(r.Context(), planID)
	if err != nil {
		s.writeStoreError(w, "get batches", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"planId": planID, "batches": batches})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeJSONError(w, "Plan not found", http.StatusNotFound)
		return
	}
	s.logger.Error("storage request failed", slog.String("op", op), slog.String("error", err.Error()))
	s.writeJSONError(w, "Failed to "+op+": "+err.Error(), http.StatusInternalServerError)
}

// handleConfig returns the request defaults applied to empty plan fields.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	d := s.api.Defaults()
	s.writeJSON(w, http.StatusOK, types.PlanRequest{
		Contract:            d.Contract,
		Address:             d.Address,
		GasPerSlot:          d.GasPerSlot,
		GasLimit:            d.GasLimit,
		HistoryWindowBlocks: d.HistoryWindowBlocks,
		MaxTransactions:     d.MaxTransactions,
	})
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"ws_clients":     s.wsServer.ClientCount(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		for _, c := range []struct {
			name string
			fn   func(context.Context) error
		}{
			{"chain", s.health.CheckChain},
			{"source", s.health.CheckSource},
		} {
			start := time.Now()
			err := c.fn(ctx)
			check := ReadinessCheck{
				Name:      c.name,
				Status:    "ok",
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				check.Status = "failed"
				check.Error = err.Error()
				allHealthy = false
			}
			checks = append(checks, check)
		}
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":  allHealthy,
		"checks": checks,
	})
}
