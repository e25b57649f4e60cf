package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"trading_sim/internal/admission"
	"trading_sim/internal/domain"
	"trading_sim/internal/infra"
	"trading_sim/internal/scheduler"
	"trading_sim/internal/series"
	"trading_sim/internal/service"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// QuoteCadence is the interval of the scheduled quote refresh.
	QuoteCadence = 30 * time.Second

	// ChartCadence is the interval of the synthetic chart tick.
	ChartCadence = 5 * time.Second

	taskQuote = "quote"
	taskChart = "chart"

	// PrefSelectedSymbol is the preference key of the last tracked instrument.
	PrefSelectedSymbol = "selected_symbol"
)

// DefaultSymbols is the tradable set used when none is configured.
var DefaultSymbols = []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"}

// Options configures an Engine. Ledger is required.
type Options struct {
	Ledger  domain.Ledger
	UserID  int64
	Symbols []string

	Clock   clock.Clock
	Rand    *rand.Rand
	Metrics *infra.Metrics

	// Journal and Prefs are optional.
	Journal domain.TradeJournal
	Prefs   domain.PreferenceStore

	// OnUpdate is invoked with a fresh snapshot after every state change.
	// It is called from scheduler and request goroutines and must not block.
	OnUpdate func(Snapshot)
}

// scope identifies one instrument subscription. A new generation is issued
// on every switch, even back to a previously tracked symbol.
type scope struct {
	gen    uint64
	symbol string
}

func (s scope) key() string {
	return fmt.Sprintf("%s#%d", s.symbol, s.gen)
}

// Snapshot is a point-in-time copy of the engine state.
type Snapshot struct {
	Symbol      string               `json:"symbol"`
	Generation  uint64               `json:"generation"`
	Symbols     []string             `json:"symbols"`
	Quote       *domain.Quote        `json:"quote"`
	Series      []domain.PricePoint  `json:"series"`
	HeldShares  int64                `json:"held_shares"`
	Account     service.State        `json:"account"`
	Submitting  bool                 `json:"submitting"`
	LastOutcome *domain.TradeOutcome `json:"last_outcome,omitempty"`
}

// Engine tracks one instrument at a time. It owns the polling tasks, the
// price series and the trade submission path for that instrument, and
// delegates account state to a service.Refresher.
type Engine struct {
	ledger  domain.Ledger
	userID  int64
	symbols []string
	clock   clock.Clock
	rng     *rand.Rand // guarded by switchMu
	metrics *infra.Metrics
	journal domain.TradeJournal
	prefs   domain.PreferenceStore
	logger  *slog.Logger

	sched     *scheduler.Scheduler
	refresher *service.Refresher

	mu     sync.RWMutex
	scope  scope
	buffer *series.Buffer
	quote  *domain.Quote
	// Quote fetches are sequenced per scope; one older than the last applied
	// is dropped.
	quoteIssued  uint64
	quoteApplied uint64
	held         int64
	lastOutcome  *domain.TradeOutcome
	onUpdate     func(Snapshot)

	// switchMu serializes instrument switches.
	switchMu   sync.Mutex
	submitting atomic.Bool
}

// New creates an idle engine. Call Start to begin tracking an instrument.
func New(opts Options) (*Engine, error) {
	if opts.Ledger == nil {
		return nil, errors.New("engine: ledger is required")
	}
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = normalizeSymbol(s)
		if s != "" && !slices.Contains(normalized, s) {
			normalized = append(normalized, s)
		}
	}
	if len(normalized) == 0 {
		return nil, errors.New("engine: no tradable symbols")
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}

	e := &Engine{
		ledger:   opts.Ledger,
		userID:   opts.UserID,
		symbols:  normalized,
		clock:    clk,
		rng:      opts.Rand,
		metrics:  metrics,
		journal:  opts.Journal,
		prefs:    opts.Prefs,
		logger:   slog.Default().With("module", "engine"),
		sched:    scheduler.New(clk, metrics),
		onUpdate: opts.OnUpdate,
	}
	e.refresher = service.NewRefresher(opts.Ledger, opts.UserID, e, clk, metrics)
	e.refresher.SetOnUpdate(func(service.Domain) { e.notify() })
	return e, nil
}

// SetOnUpdate replaces the snapshot callback.
func (e *Engine) SetOnUpdate(fn func(Snapshot)) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

// Symbols returns the tradable set.
func (e *Engine) Symbols() []string {
	return slices.Clone(e.symbols)
}

// Ready is closed once the account domain has loaded for the first time.
func (e *Engine) Ready() <-chan struct{} {
	return e.refresher.Ready()
}

// Start subscribes to symbol and performs the initial full refresh. An empty
// symbol restores the last persisted selection, falling back to the first
// tradable symbol.
func (e *Engine) Start(ctx context.Context, symbol string) error {
	if symbol == "" {
		symbol = e.restoreSymbol()
	}
	sc, err := e.switchScope(symbol)
	if err != nil {
		return err
	}
	e.logger.Info("Engine started", slog.String("symbol", sc.symbol))
	e.persistSymbol(sc.symbol)
	e.refreshScope(ctx, sc)
	return nil
}

// SelectInstrument switches tracking to symbol. Tasks of the previous scope
// are cancelled before the new ones are created, and any response still in
// flight for the previous scope is discarded on arrival.
func (e *Engine) SelectInstrument(ctx context.Context, symbol string) error {
	symbol = normalizeSymbol(symbol)
	if e.CurrentSymbol() == symbol {
		return nil
	}
	sc, err := e.switchScope(symbol)
	if err != nil {
		return err
	}
	e.logger.Info("Instrument selected", slog.String("symbol", sc.symbol), slog.Uint64("generation", sc.gen))
	e.persistSymbol(sc.symbol)
	e.refreshScope(ctx, sc)
	return nil
}

// CurrentSymbol returns the tracked instrument, empty before Start.
func (e *Engine) CurrentSymbol() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scope.symbol
}

func (e *Engine) switchScope(symbol string) (scope, error) {
	symbol = normalizeSymbol(symbol)
	if !slices.Contains(e.symbols, symbol) {
		return scope{}, fmt.Errorf("%w: %q", domain.ErrInvalidSymbol, symbol)
	}

	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	// Each buffer gets its own source; a late tick on the old buffer may
	// still be drawing from it.
	var rng *rand.Rand
	if e.rng != nil {
		rng = rand.New(rand.NewPCG(e.rng.Uint64(), e.rng.Uint64()))
	}

	e.mu.Lock()
	old := e.scope
	next := scope{gen: old.gen + 1, symbol: symbol}
	e.scope = next
	e.buffer = series.NewBuffer(e.clock, rng)
	e.quote = nil
	e.quoteIssued, e.quoteApplied = 0, 0
	e.held = 0
	e.mu.Unlock()

	if old.gen != 0 {
		e.sched.UnsubscribeAll(old.key())
	}

	if _, err := e.sched.Subscribe(next.key(), taskQuote, QuoteCadence, func(ctx context.Context) error {
		err := e.refreshQuote(ctx, next)
		if errors.Is(err, domain.ErrStaleScope) {
			return nil
		}
		return err
	}); err != nil {
		return next, err
	}
	if _, err := e.sched.Subscribe(next.key(), taskChart, ChartCadence, func(ctx context.Context) error {
		return e.tickChart(next)
	}); err != nil {
		return next, err
	}

	e.notify()
	return next, nil
}

// refreshScope runs the full refresh and the held-shares fetch for sc.
func (e *Engine) refreshScope(ctx context.Context, sc scope) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.refresher.RefreshAll(ctx)
	}()
	go func() {
		defer wg.Done()
		e.refreshHeld(ctx, sc)
	}()
	wg.Wait()
}

// RefreshQuote fetches the quote of the current scope and applies it if the
// scope is still current. The first quote of a scope seeds the series.
func (e *Engine) RefreshQuote(ctx context.Context) error {
	sc := e.currentScope()
	if sc.gen == 0 {
		return nil
	}
	return e.refreshQuote(ctx, sc)
}

func (e *Engine) refreshQuote(ctx context.Context, sc scope) error {
	e.mu.Lock()
	var seq uint64
	if e.scope.gen == sc.gen {
		e.quoteIssued++
		seq = e.quoteIssued
	}
	e.mu.Unlock()

	q, err := e.ledger.GetQuote(ctx, sc.symbol)

	e.mu.Lock()
	if e.scope.gen != sc.gen || seq < e.quoteApplied {
		e.mu.Unlock()
		e.metrics.RecordStale()
		e.logger.Debug("Discarded stale quote", slog.String("scope", sc.key()), slog.Uint64("seq", seq))
		return domain.ErrStaleScope
	}
	if err != nil && ctx.Err() != nil {
		e.mu.Unlock()
		return err
	}
	e.quoteApplied = seq
	if err != nil {
		// The series is kept; chart ticks pause until a quote arrives.
		e.quote = nil
		e.mu.Unlock()
		e.notify()
		return err
	}
	e.quote = q
	if !e.buffer.Seeded() {
		e.buffer.Reset(*q)
	}
	e.mu.Unlock()

	e.notify()
	return nil
}

func (e *Engine) tickChart(sc scope) error {
	e.mu.RLock()
	if e.scope.gen != sc.gen {
		e.mu.RUnlock()
		return nil
	}
	buf, q := e.buffer, e.quote
	e.mu.RUnlock()

	if q == nil {
		return nil
	}
	if _, err := buf.Append(q.Price); err != nil {
		if errors.Is(err, domain.ErrNotSeeded) {
			return nil
		}
		return err
	}
	e.notify()
	return nil
}

func (e *Engine) refreshHeld(ctx context.Context, sc scope) {
	n, err := e.ledger.GetHeldShares(ctx, e.userID, sc.symbol)
	if err != nil {
		e.logger.Warn("Held shares unavailable, assuming 0",
			slog.String("symbol", sc.symbol),
			slog.Any("error", err),
		)
		e.metrics.RecordDomainFailure()
		n = 0
	}

	e.mu.Lock()
	if e.scope.gen != sc.gen {
		e.mu.Unlock()
		e.metrics.RecordStale()
		return
	}
	e.held = n
	e.mu.Unlock()
	e.notify()
}

// SubmitTrade evaluates and, if admissible, submits a trade for the current
// instrument. The returned outcome is non-nil unless another submission is
// in flight. A denied trade makes no network call. A trade that reached the
// ledger is followed by a full refresh once it has resolved.
func (e *Engine) SubmitTrade(ctx context.Context, side domain.Side, quantity int64) (*domain.TradeOutcome, error) {
	if !e.submitting.CompareAndSwap(false, true) {
		return nil, domain.ErrTradeInFlight
	}
	defer func() {
		e.submitting.Store(false)
		e.notify()
	}()
	e.notify()

	e.mu.RLock()
	sc, q, held := e.scope, e.quote, e.held
	e.mu.RUnlock()

	pending := domain.PendingTradeRequest{Symbol: sc.symbol, Side: side, Quantity: quantity}
	requestID := uuid.NewString()

	if q == nil {
		verr := &domain.ValidationError{Reason: domain.ReasonQuoteUnavailable, Detail: sc.symbol}
		out := &domain.TradeOutcome{RequestID: requestID, Status: domain.TradeDenied, Message: "no quote available for " + sc.symbol}
		e.finish(pending, nil, out, verr.Reason)
		return out, verr
	}

	in := admission.Input{
		Side:         side,
		Quantity:     quantity,
		Price:        q.Price,
		CashBalance:  e.refresher.CashBalance(),
		HeldQuantity: held,
	}
	verdict := admission.Evaluate(in)
	if !verdict.Admissible {
		out := &domain.TradeOutcome{
			RequestID:     requestID,
			Status:        domain.TradeDenied,
			Message:       admission.Explain(in, verdict),
			EstimatedCost: verdict.EstimatedCost,
		}
		e.finish(pending, q, out, verdict.Reason)
		return out, verdict.Err()
	}

	req := domain.TradeRequest{
		RequestID: requestID,
		UserID:    e.userID,
		Symbol:    sc.symbol,
		Side:      side,
		Quantity:  quantity,
	}
	rec, err := e.ledger.SubmitTrade(ctx, req)

	out := &domain.TradeOutcome{RequestID: requestID, EstimatedCost: verdict.EstimatedCost, Transaction: rec}
	var rej *domain.RejectionError
	switch {
	case err == nil:
		out.Status = domain.TradeAccepted
		out.Message = fmt.Sprintf("Successfully %s %d shares of %s", pastTense(side), quantity, sc.symbol)
	case errors.As(err, &rej):
		out.Status = domain.TradeRejected
		out.Message = rej.Message
	default:
		out.Status = domain.TradeFailed
		out.Message = "Trade execution failed. Please try again."
	}
	e.finish(pending, q, out, "")

	// The submission has resolved; reconcile with the ledger.
	e.refresher.RefreshAfterTrade(ctx)
	e.refreshHeld(ctx, sc)

	return out, err
}

// finish journals and records one resolved attempt.
func (e *Engine) finish(p domain.PendingTradeRequest, q *domain.Quote, out *domain.TradeOutcome, reason domain.DenialReason) {
	e.metrics.RecordTrade(out.Status)

	e.mu.Lock()
	e.lastOutcome = out
	e.mu.Unlock()

	log := e.logger.With(
		slog.String("request_id", out.RequestID),
		slog.String("symbol", p.Symbol),
		slog.String("side", string(p.Side)),
		slog.Int64("quantity", p.Quantity),
		slog.String("status", string(out.Status)),
	)
	if out.Status == domain.TradeAccepted {
		log.Info("Trade executed")
	} else {
		log.Warn("Trade not executed", slog.String("message", out.Message))
	}

	if e.journal == nil {
		return
	}
	attempt := &domain.TradeAttempt{
		RequestID:     out.RequestID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Quantity:      p.Quantity,
		EstimatedCost: out.EstimatedCost,
		Status:        out.Status,
		Reason:        reason,
		Message:       out.Message,
		CreatedAt:     e.clock.Now(),
	}
	if q != nil {
		attempt.QuotedPrice = q.Price
	}
	if out.Transaction != nil {
		attempt.TransactionID = out.Transaction.ID
	}
	if err := e.journal.RecordAttempt(attempt); err != nil {
		log.Error("Failed to journal trade attempt", slog.Any("error", err))
	}
}

// Submitting reports whether a trade submission is in flight.
func (e *Engine) Submitting() bool {
	return e.submitting.Load()
}

// Snapshot returns a copy of the engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	snap := Snapshot{
		Symbol:      e.scope.symbol,
		Generation:  e.scope.gen,
		Symbols:     slices.Clone(e.symbols),
		HeldShares:  e.held,
		LastOutcome: e.lastOutcome,
	}
	if e.quote != nil {
		q := *e.quote
		snap.Quote = &q
	}
	buf := e.buffer
	e.mu.RUnlock()

	if buf != nil {
		snap.Series = buf.Points()
	}
	snap.Account = e.refresher.State()
	snap.Submitting = e.submitting.Load()
	return snap
}

// ActiveTasks returns the number of scheduled tasks of the current scope.
func (e *Engine) ActiveTasks() int {
	return e.sched.Active(e.currentScope().key())
}

// Stop cancels all scheduled tasks and waits for their loops to exit.
func (e *Engine) Stop() {
	e.sched.Shutdown()
	e.logger.Info("Engine stopped")
}

// DumpState writes the engine snapshot to filename (for post-mortem).
func (e *Engine) DumpState(filename string) {
	e.logger.Info("Dumping engine state...", slog.String("file", filename))

	b, err := json.MarshalIndent(e.Snapshot(), "", "  ")
	if err != nil {
		e.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		e.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}

func (e *Engine) currentScope() scope {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scope
}

func (e *Engine) notify() {
	e.mu.RLock()
	fn := e.onUpdate
	e.mu.RUnlock()
	if fn != nil {
		fn(e.Snapshot())
	}
}

func (e *Engine) restoreSymbol() string {
	if e.prefs != nil {
		prefs, err := e.prefs.LoadConfigMap()
		if err != nil {
			e.logger.Warn("Failed to load preferences", slog.Any("error", err))
		} else if s := normalizeSymbol(prefs[PrefSelectedSymbol]); slices.Contains(e.symbols, s) {
			return s
		}
	}
	return e.symbols[0]
}

func (e *Engine) persistSymbol(symbol string) {
	if e.prefs == nil {
		return
	}
	if err := e.prefs.SaveConfig(PrefSelectedSymbol, symbol); err != nil {
		e.logger.Warn("Failed to persist selected symbol", slog.Any("error", err))
	}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func pastTense(side domain.Side) string {
	if side == domain.SideSell {
		return "sold"
	}
	return "bought"
}
