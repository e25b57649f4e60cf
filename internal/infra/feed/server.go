package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"trading_sim/internal/admission"
	"trading_sim/internal/domain"
	"trading_sim/internal/engine"
	"trading_sim/internal/infra"
)

const requestTimeout = 30 * time.Second

// Engine is the part of the engine the HTTP surface drives.
type Engine interface {
	Snapshot() engine.Snapshot
	Symbols() []string
	SelectInstrument(ctx context.Context, symbol string) error
	SubmitTrade(ctx context.Context, side domain.Side, quantity int64) (*domain.TradeOutcome, error)
}

// JournalReader lists recorded trade attempts.
type JournalReader interface {
	ListAttempts(symbol string, limit int) ([]domain.TradeAttempt, error)
	CountByStatus() (map[domain.TradeStatus]int64, error)
}

// Server serves the control API and the websocket feed.
type Server struct {
	engine  Engine
	hub     *Hub
	journal JournalReader
	metrics *infra.Metrics
	logger  *slog.Logger

	router *http.ServeMux
	srv    *http.Server
}

// NewServer builds the router. journal may be nil.
func NewServer(addr string, eng Engine, hub *Hub, journal JournalReader, metrics *infra.Metrics) *Server {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	s := &Server{
		engine:  eng,
		hub:     hub,
		journal: journal,
		metrics: metrics,
		logger:  slog.Default().With("module", "feed_server"),
		router:  http.NewServeMux(),
	}

	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ws", hub.ServeWS)
	s.router.HandleFunc("GET /api/state", s.handleState)
	s.router.HandleFunc("GET /api/instruments", s.handleInstruments)
	s.router.HandleFunc("POST /api/instrument", s.handleSelectInstrument)
	s.router.HandleFunc("POST /api/trades", s.handleSubmitTrade)
	s.router.HandleFunc("GET /api/journal", s.handleJournal)
	s.router.HandleFunc("GET /api/journal/stats", s.handleJournalStats)
	s.router.HandleFunc("GET /api/metrics", s.handleMetrics)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("Starting feed server", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes websocket clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.srv.Shutdown(ctx)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type selectRequest struct {
	Symbol string `json:"symbol"`
}

type tradeRequest struct {
	Side     string          `json:"side"`
	Quantity json.RawMessage `json:"quantity"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"symbol":       snap.Symbol,
		"ready":        snap.Account.Ready,
		"feed_clients": s.hub.Clients(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":  s.engine.Symbols(),
		"selected": s.engine.Snapshot().Symbol,
	})
}

func (s *Server) handleSelectInstrument(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	ctx, cancel := detached(r)
	defer cancel()

	if err := s.engine.SelectInstrument(ctx, req.Symbol); err != nil {
		if errors.Is(err, domain.ErrInvalidSymbol) {
			writeError(w, http.StatusBadRequest, "invalid_symbol", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "select_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleSubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	side, err := domain.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_side", err.Error())
		return
	}
	quantity := admission.CoerceQuantity(strings.Trim(string(req.Quantity), `" `))

	ctx, cancel := detached(r)
	defer cancel()

	out, err := s.engine.SubmitTrade(ctx, side, quantity)
	if errors.Is(err, domain.ErrTradeInFlight) {
		writeError(w, http.StatusConflict, "trade_in_flight", err.Error())
		return
	}
	if out == nil {
		writeError(w, http.StatusInternalServerError, "submit_failed", fmt.Sprint(err))
		return
	}

	s.hub.Publish("trade", out)
	writeJSON(w, statusFor(out.Status), out)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, []domain.TradeAttempt{})
		return
	}
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	attempts, err := s.journal.ListAttempts(symbol, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "journal_failed", err.Error())
		return
	}
	if attempts == nil {
		attempts = []domain.TradeAttempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleJournalStats(w http.ResponseWriter, r *http.Request) {
	counts := map[domain.TradeStatus]int64{}
	if s.journal != nil {
		var err error
		if counts, err = s.journal.CountByStatus(); err != nil {
			writeError(w, http.StatusInternalServerError, "journal_failed", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// detached keeps engine work alive if the client disconnects, so a refresh
// is never cut short into degraded domains.
func detached(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), requestTimeout)
}

func statusFor(status domain.TradeStatus) int {
	switch status {
	case domain.TradeAccepted:
		return http.StatusOK
	case domain.TradeDenied:
		return http.StatusUnprocessableEntity
	case domain.TradeRejected:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
