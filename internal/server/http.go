package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shortfall/internal/observability"
	"shortfall/internal/persistence"
	"shortfall/internal/projection"
	"shortfall/internal/query"
)

// HTTPServer serves the read API over projections, the admin endpoints,
// health and metrics, and the websocket event feed.
type HTTPServer struct {
	addr       string
	httpServer *http.Server
	log        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the HTTP handlers.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	BidHistory    *projection.BidHistory
	Hub           *EventHub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
}

// NewHTTPServer builds the router and wires all endpoints.
func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	h := &handlers{deps: deps}
	r := mux.NewRouter()

	r.HandleFunc("/v1/auctions", h.listAuctions).Methods(http.MethodGet)
	r.HandleFunc("/v1/auctions/{pool}", h.getAuction).Methods(http.MethodGet)
	r.HandleFunc("/v1/auctions/{pool}/bids", h.getAuctionBids).Methods(http.MethodGet)
	r.HandleFunc("/v1/pools/{pool}/reserves", h.getPoolReserves).Methods(http.MethodGet)
	r.HandleFunc("/v1/pools/{pool}/risk-fund", h.getRiskFund).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{account}/balances", h.getAccountBalances).Methods(http.MethodGet)
	r.HandleFunc("/v1/accounts/{account}/journal", h.getJournalHistory).Methods(http.MethodGet)

	r.HandleFunc("/v1/admin/integrity", h.verifyIntegrity).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/event-log", h.getEventLogInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/rebuild-projections", h.rebuildProjections).Methods(http.MethodPost)

	if deps.Hub != nil {
		r.HandleFunc("/v1/ws/events", deps.Hub.ServeWS)
	}

	r.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
	r.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)

	r.Use(instrument(deps.Metrics))

	return &HTTPServer{
		addr: addr,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		log: observability.NewLogger("http"),
	}
}

// Start runs the server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartMetricsServer serves Prometheus metrics on a dedicated port
// until ctx is cancelled (blocking).
func StartMetricsServer(ctx context.Context, addr string) error {
	log := observability.NewLogger("metrics")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// instrument records request counts and latency per route.
func instrument(m *observability.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.QueryRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
			m.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ============================================================================
// Handlers
// ============================================================================

type handlers struct {
	deps *ServerDeps
}

func (h *handlers) listAuctions(w http.ResponseWriter, r *http.Request) {
	auctions, err := h.deps.QueryService.ListAuctions(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"auctions": auctions})
}

func (h *handlers) getAuction(w http.ResponseWriter, r *http.Request) {
	pool := mux.Vars(r)["pool"]
	auction, err := h.deps.QueryService.GetAuction(r.Context(), pool)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no auction for pool %s", pool))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, auction)
}

func (h *handlers) getAuctionBids(w http.ResponseWriter, r *http.Request) {
	pool := mux.Vars(r)["pool"]
	limit := parseLimit(r, 100, 500)
	afterSeq := parseAfterSequence(r)

	bids, err := h.deps.QueryService.GetAuctionBids(r.Context(), pool, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pool": pool, "bids": bids})
}

func (h *handlers) getPoolReserves(w http.ResponseWriter, r *http.Request) {
	pool := mux.Vars(r)["pool"]
	reserves, err := h.deps.QueryService.GetPoolReserves(r.Context(), pool)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pool": pool, "reserves": reserves})
}

func (h *handlers) getRiskFund(w http.ResponseWriter, r *http.Request) {
	pool := mux.Vars(r)["pool"]
	fund, err := h.deps.QueryService.GetRiskFund(r.Context(), pool)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, fund)
}

func (h *handlers) getAccountBalances(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	balances, err := h.deps.QueryService.GetAccountBalances(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "balances": balances})
}

func (h *handlers) getJournalHistory(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	limit := parseLimit(r, 100, 500)
	afterSeq := parseAfterSequence(r)

	entries, err := h.deps.QueryService.GetJournalHistory(r.Context(), account, limit, afterSeq)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"account": account, "journal": entries})
}

func (h *handlers) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

func (h *handlers) getEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := h.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(h.deps.StartTime).Seconds()),
	})
}

func (h *handlers) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	if err := projection.RebuildProjections(r.Context(), h.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("rebuild failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

// ============================================================================
// Helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func parseLimit(r *http.Request, def, max int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return def
	}
	return n
}

func parseAfterSequence(r *http.Request) *int64 {
	raw := r.URL.Query().Get("after_sequence")
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
