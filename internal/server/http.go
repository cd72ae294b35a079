package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"TranchePool/internal/ingestion"
	"TranchePool/internal/observability"
	"TranchePool/internal/persistence"
	"TranchePool/internal/projection"
	"TranchePool/internal/query"
)

// HTTPServer serves the JSON API: query endpoints from projections, event
// submission into the core's ingestion path, and admin operations.
type HTTPServer struct {
	httpServer    *http.Server
	addr          string
	deps          *ServerDeps
	log           zerolog.Logger
	healthChecker *observability.HealthChecker
}

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	EventChan     chan<- ingestion.RawEvent
	SnapshotMgr   *persistence.SnapshotManager
	StartTime     time.Time
	HealthChecker *observability.HealthChecker
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	s := &HTTPServer{
		addr:          addr,
		deps:          deps,
		log:           observability.NewLogger("server"),
		healthChecker: deps.HealthChecker,
	}

	mux := http.NewServeMux()

	// Query endpoints
	mux.HandleFunc("GET /v1/pool/stats", s.handlePoolStats)
	mux.HandleFunc("GET /v1/users/{user_id}/position", s.handleUserPosition)
	mux.HandleFunc("GET /v1/users/{user_id}/claims", s.handleUserClaims)
	mux.HandleFunc("GET /v1/users/{user_id}/journal", s.handleUserJournal)
	mux.HandleFunc("GET /v1/epochs", s.handleListEpochs)
	mux.HandleFunc("GET /v1/epochs/{epoch_id}", s.handleEpochStats)

	// Quote endpoints
	mux.HandleFunc("GET /v1/quotes/deposit", s.handleQuoteDeposit)
	mux.HandleFunc("GET /v1/quotes/withdraw", s.handleQuoteWithdraw)
	mux.HandleFunc("GET /v1/quotes/payout", s.handleQuotePayout)

	// Event submission — same parse path as the NATS subscriber
	mux.HandleFunc("POST /v1/events/{event_type}", s.handleSubmitEvent)

	// Admin endpoints
	mux.HandleFunc("POST /v1/admin/projections/rebuild", s.handleRebuildProjections)
	mux.HandleFunc("GET /v1/admin/eventlog", s.handleEventLogInfo)
	mux.HandleFunc("GET /v1/admin/integrity", s.handleVerifyIntegrity)

	// Probes and metrics
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================================
// Query handlers
// ============================================================================

func (s *HTTPServer) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.QueryService.GetPoolStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *HTTPServer) handleUserPosition(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}

	pos, err := s.deps.QueryService.GetUserPosition(r.Context(), userID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, pos)
}

func (s *HTTPServer) handleUserClaims(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}

	limit := queryLimit(r, 50, 500)
	claims, err := s.deps.QueryService.GetClaims(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"claims": claims})
}

func (s *HTTPServer) handleUserJournal(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}

	limit := queryLimit(r, 100, 500)

	var afterSeq *int64
	if v := r.URL.Query().Get("after_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after_sequence: %w", err))
			return
		}
		afterSeq = &seq
	}

	entries, err := s.deps.QueryService.GetJournalHistory(r.Context(), userID, limit, afterSeq)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"journals": entries})
}

func (s *HTTPServer) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50, 500)
	epochs, err := s.deps.QueryService.ListEpochs(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"epochs": epochs})
}

func (s *HTTPServer) handleEpochStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.QueryService.GetEpochStats(r.Context(), r.PathValue("epoch_id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, stats)
}

// ============================================================================
// Quote handlers
// ============================================================================

func (s *HTTPServer) handleQuoteDeposit(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}
	hasReferrer := r.URL.Query().Get("referrer") == "true"

	quote, err := s.deps.QueryService.QuoteDeposit(r.Context(), amount, hasReferrer)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, quote)
}

func (s *HTTPServer) handleQuoteWithdraw(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid amount: %w", err))
		return
	}

	quote, err := s.deps.QueryService.QuoteWithdraw(r.Context(), userID, r.URL.Query().Get("tranche"), amount)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, quote)
}

func (s *HTTPServer) handleQuotePayout(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	epochID := r.URL.Query().Get("epoch_id")
	if epochID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("epoch_id is required"))
		return
	}

	quote, err := s.deps.QueryService.QuoteUserPayout(r.Context(), userID, epochID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, quote)
}

// ============================================================================
// Event submission
// ============================================================================

func (s *HTTPServer) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	eventType := r.PathValue("event_type")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
		return
	}

	raw := ingestion.RawEvent{
		Subject:   "http/" + eventType,
		Data:      body,
		Timestamp: time.Now(),
	}

	// Parse eagerly so malformed payloads are rejected at the edge
	if _, err := ingestion.ParseRawEvent(raw, eventType); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("parse payload: %w", err))
		return
	}

	select {
	case s.deps.EventChan <- raw:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]bool{"accepted": true})
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, r.Context().Err())
	}
}

// ============================================================================
// Admin handlers
// ============================================================================

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), s.deps.DB); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]bool{"rebuilt": true})
}

func (s *HTTPServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"last_sequence": latestSeq,
		"uptime":        time.Since(s.deps.StartTime).String(),
	})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, report)
}

// ============================================================================
// Helpers
// ============================================================================

func (s *HTTPServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("encode response failed")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request, def, ceiling int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > ceiling {
		return def
	}
	return n
}
