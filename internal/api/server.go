// Package api provides the chronos HTTP status API: task inspection and
// submission, market and ledger views, cache contents, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/health"
)

// Version is reported by /api/status.
var Version = "0.1.0"

// ─── Collaborators ──────────────────────────────────────────────────────────

// TaskStore is the part of the task store the API reads and writes.
type TaskStore interface {
	UpsertTask(task domain.Task) error
	GetTask(id string) (*domain.Task, error)
	ListTasks(status domain.TaskStatus, limit int) ([]domain.Task, error)
	CountByStatus() (map[domain.TaskStatus]int, error)
}

// Market exposes the persona, price context and trade ledger.
type Market interface {
	Context(price float64, priceErr error) domain.MarketContext
	Balance() (float64, error)
	Trades(limit int) ([]domain.TradeRecord, error)
}

// Cache exposes the hydration cache.
type Cache interface {
	Entries() []domain.CacheEntry
	Size() int64
}

// Health exposes the latest health check results.
type Health interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// Deps configures a Server. Nil Cache or Health disable their routes.
type Deps struct {
	Tasks        TaskStore
	Market       Market
	Price        domain.PriceSource
	PriceTimeout time.Duration
	Cache        Cache
	Health       Health
	CORSOrigins  []string
	Log          zerolog.Logger
}

// Server is the chronos HTTP API server.
type Server struct {
	d   Deps
	log zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(d Deps) *Server {
	if d.PriceTimeout <= 0 {
		d.PriceTimeout = 2 * time.Second
	}
	if len(d.CORSOrigins) == 0 {
		d.CORSOrigins = []string{"*"}
	}
	return &Server{d: d, log: d.Log.With().Str("component", "api").Logger()}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.d.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleSubmitTask)
			r.Get("/{id}", s.handleGetTask)
		})
		r.Get("/market", s.handleMarket)
		r.Get("/trades", s.handleTrades)
		if s.d.Cache != nil {
			r.Get("/cache", s.handleCache)
		}
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.Health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.d.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.d.Health.Statuses(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.d.Tasks.CountByStatus()
	if err != nil {
		s.internalError(w, err)
		return
	}
	balance, err := s.d.Market.Balance()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": Version,
		"tasks":   counts,
		"balance": balance,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var status domain.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = domain.ParseTaskStatus(raw)
		if status == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", raw))
			return
		}
	}
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}
	tasks, err := s.d.Tasks.ListTasks(status, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.d.Tasks.GetTask(chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// SubmitRequest is the body of POST /api/tasks. Priority is a label
// (CRITICAL, HIGH, NORMAL, LOW).
type SubmitRequest struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Type                  string   `json:"type"`
	Priority              string   `json:"priority"`
	Dependencies          []string `json:"dependencies"`
	CapsuleSource         string   `json:"capsule_source"`
	NegentropyValue       float64  `json:"negentropy_value"`
	MaxBidPrice           float64  `json:"max_bid_price"`
	HydrationCostEstimate float64  `json:"hydration_cost_estimate"`
	HealingPolicy         string   `json:"healing_policy"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" && strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "name or id is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	task := domain.Task{
		ID:                    req.ID,
		Name:                  req.Name,
		Type:                  req.Type,
		Priority:              domain.ParsePriority(req.Priority),
		Dependencies:          req.Dependencies,
		CapsuleSource:         req.CapsuleSource,
		NegentropyValue:       req.NegentropyValue,
		MaxBidPrice:           req.MaxBidPrice,
		HydrationCostEstimate: req.HydrationCostEstimate,
		HealingPolicy:         req.HealingPolicy,
	}
	if err := s.d.Tasks.UpsertTask(task); err != nil {
		if errors.Is(err, domain.ErrInvalidTask) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	stored, err := s.d.Tasks.GetTask(task.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.log.Info().Str("task_id", stored.ID).Str("priority", stored.Priority.String()).Msg("task submitted")
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.d.PriceTimeout)
	defer cancel()
	var (
		price float64
		err   = errors.New("no price source configured")
	)
	if s.d.Price != nil {
		price, err = s.d.Price.CurrentPrice(ctx)
	}
	writeJSON(w, http.StatusOK, s.d.Market.Context(price, err))
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 50)
	if !ok {
		return
	}
	trades, err := s.d.Market.Trades(limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	balance, err := s.d.Market.Balance()
	if err != nil {
		s.internalError(w, err)
		return
	}
	if trades == nil {
		trades = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"balance": balance, "trades": trades})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	entries := s.d.Cache.Entries()
	if entries == nil {
		entries = []domain.CacheEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"size_bytes": s.d.Cache.Size(),
		"entries":    entries,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, err.Error())
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// loggingMiddleware logs HTTP requests at debug level.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}
