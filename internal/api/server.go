package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kirillm/risk-gate/internal/admission"
	"github.com/kirillm/risk-gate/internal/breaker"
	"github.com/kirillm/risk-gate/internal/domain"
	"github.com/kirillm/risk-gate/internal/filters"
	"github.com/kirillm/risk-gate/internal/ledger"
	"github.com/kirillm/risk-gate/internal/metrics"
	"github.com/kirillm/risk-gate/internal/policy"
	"github.com/kirillm/risk-gate/pkg/utils"
)

// BalanceSource отдает баланс аккаунта для /status (может быть nil)
type BalanceSource func(ctx context.Context) (*domain.AccountBalance, error)

type Server struct {
	logger   *utils.Logger
	engine   *policy.Engine
	book     *ledger.Ledger
	cache    *filters.Cache
	breakers *breaker.Registry
	metrics  *metrics.Metrics
	pipeline *admission.Pipeline
	balance  BalanceSource
	port     int
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type DeactivateRequest struct {
	Reason string `json:"reason"`
}

func NewServer(
	logger *utils.Logger,
	engine *policy.Engine,
	book *ledger.Ledger,
	cache *filters.Cache,
	breakers *breaker.Registry,
	m *metrics.Metrics,
	pipeline *admission.Pipeline,
	balance BalanceSource,
	port int,
) *Server {
	return &Server{
		logger:   logger,
		engine:   engine,
		book:     book,
		cache:    cache,
		breakers: breakers,
		metrics:  m,
		pipeline: pipeline,
		balance:  balance,
		port:     port,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Register routes
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/killswitch/deactivate", s.handleDeactivate)
	mux.HandleFunc("/cache/clear", s.handleCacheClear)

	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("Starting HTTP server on %s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth - health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := map[string]interface{}{
		"status": "healthy",
		"halted": s.pipeline.Halted(),
		"time":   time.Now().Format(time.RFC3339),
	}
	if s.pipeline.Halted() {
		health["status"] = "halted"
	}

	s.sendJSON(w, Response{Success: true, Data: health})
}

// handleStatus - текущее состояние риска и breakers
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := s.engine.Status(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("failed to read risk status: %v", err), http.StatusInternalServerError)
		return
	}

	positions, err := s.book.OpenPositions(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("failed to read positions: %v", err), http.StatusInternalServerError)
		return
	}

	status := map[string]interface{}{
		"risk":           snapshot,
		"open_positions": positions,
		"breakers":       s.breakers.Snapshots(),
	}

	// Ошибка получения баланса не фатальна для /status
	if s.balance != nil {
		if balance, err := s.balance(r.Context()); err != nil {
			s.logger.Warn("не удалось получить баланс аккаунта: %v", err)
		} else {
			status["balance"] = map[string]interface{}{
				"coin":      balance.Coin,
				"total":     balance.Total,
				"available": balance.Available,
			}
		}
	}

	s.sendJSON(w, Response{Success: true, Data: status})
}

// handleMetrics - числовые гейджи и счетчики для внешнего мониторинга
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := s.engine.Status(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("failed to read risk status: %v", err), http.StatusInternalServerError)
		return
	}

	killSwitch := 0.0
	if snapshot.KillSwitchActive {
		killSwitch = 1.0
	}

	admitted, rejected := s.metrics.Snapshot()
	cacheSize, cacheAges := s.cache.Stats()

	gauges := map[string]interface{}{
		"kill_switch_active":     killSwitch,
		"open_positions":         snapshot.OpenPositions,
		"daily_loss_utilization": snapshot.LossUtilizationPct / 100,
		"circuit_breakers":       s.breakers.Gauges(),
		"orders_admitted_total":  admitted,
		"orders_rejected_total":  rejected,
		"filter_cache_size":      cacheSize,
		"filter_cache_ages":      formatAges(cacheAges),
	}

	s.sendJSON(w, Response{Success: true, Data: gauges})
}

// handleDeactivate - ручное снятие kill switch оператором
func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		s.sendError(w, "reason is required", http.StatusBadRequest)
		return
	}

	if err := s.engine.DeactivateKillSwitch(r.Context(), req.Reason); err != nil {
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	}

	s.logger.Warn("kill switch деактивирован через API: %s", req.Reason)
	s.sendJSON(w, Response{Success: true})
}

// handleCacheClear - сброс кэша торговых правил (весь или по символу)
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		s.cache.InvalidateAll()
		s.logger.Info("кэш торговых правил сброшен целиком")
	} else {
		s.cache.Invalidate(symbol)
		s.logger.Info("кэш торговых правил сброшен для %s", symbol)
	}

	s.sendJSON(w, Response{Success: true})
}

func (s *Server) sendJSON(w http.ResponseWriter, response Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response: %v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(Response{Success: false, Error: message}); err != nil {
		s.logger.Error("Failed to encode error response: %v", err)
	}
}

func formatAges(ages map[string]time.Duration) map[string]string {
	formatted := make(map[string]string, len(ages))
	for symbol, age := range ages {
		formatted[symbol] = age.String()
	}
	return formatted
}
