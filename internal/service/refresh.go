package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"trading_sim/internal/domain"
	"trading_sim/internal/infra"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

// Domain names one independently refreshed slice of state.
type Domain string

const (
	DomainAccount      Domain = "account"
	DomainPortfolio    Domain = "portfolio"
	DomainTransactions Domain = "transactions"
	DomainQuote        Domain = "quote"
)

// Domains lists every domain covered by RefreshAll.
var Domains = []Domain{DomainAccount, DomainPortfolio, DomainTransactions, DomainQuote}

// QuoteRefresher fetches and applies the quote of the active instrument.
// It owns the scope guard and resets its own state on failure.
type QuoteRefresher interface {
	RefreshQuote(ctx context.Context) error
}

// Report maps each refreshed domain to its failure, nil on success.
type Report map[Domain]error

// Failed returns the domains that degraded, in Domains order.
func (r Report) Failed() []Domain {
	var out []Domain
	for _, d := range Domains {
		if err, ok := r[d]; ok && err != nil {
			out = append(out, d)
		}
	}
	return out
}

// OK reports whether every domain succeeded.
func (r Report) OK() bool { return len(r.Failed()) == 0 }

// State is an immutable copy of the cached account state.
type State struct {
	Account       domain.Account         `json:"account"`
	Snapshot      domain.AccountSnapshot `json:"snapshot"`
	Loading       map[Domain]bool        `json:"loading"`
	Ready         bool                   `json:"ready"`
	LastRefreshed time.Time              `json:"last_refreshed"`
}

// Refresher keeps the local account cache in step with the ledger. Each
// domain is fetched independently; a failing domain falls back to its empty
// default without touching the others. There is no cross-domain transaction,
// so a partially refreshed state is visible until the next refresh.
type Refresher struct {
	ledger  domain.Ledger
	userID  int64
	quotes  QuoteRefresher
	clock   clock.Clock
	metrics *infra.Metrics
	logger  *slog.Logger

	mu            sync.RWMutex
	account       domain.Account
	positions     []domain.PositionSummary
	totals        domain.PortfolioTotals
	transactions  []domain.TransactionRecord
	loading       map[Domain]bool
	issued        map[Domain]uint64
	applied       map[Domain]uint64
	lastRefreshed time.Time
	onUpdate      func(Domain)

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRefresher creates a refresher for userID. quotes may be nil, in which
// case the quote domain is skipped. A nil clock uses wall time.
func NewRefresher(ledger domain.Ledger, userID int64, quotes QuoteRefresher, clk clock.Clock, metrics *infra.Metrics) *Refresher {
	if clk == nil {
		clk = clock.New()
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	loading := make(map[Domain]bool, len(Domains))
	for _, d := range Domains {
		loading[d] = true
	}
	return &Refresher{
		ledger:  ledger,
		userID:  userID,
		quotes:  quotes,
		clock:   clk,
		metrics: metrics,
		logger:  slog.Default().With("module", "refresher"),
		loading: loading,
		issued:  make(map[Domain]uint64),
		applied: make(map[Domain]uint64),
		ready:   make(chan struct{}),
	}
}

// SetOnUpdate registers a callback invoked after a domain's cache changes.
func (r *Refresher) SetOnUpdate(fn func(Domain)) {
	r.mu.Lock()
	r.onUpdate = fn
	r.mu.Unlock()
}

// Ready is closed once the account domain completes for the first time,
// successfully or not.
func (r *Refresher) Ready() <-chan struct{} {
	return r.ready
}

// RefreshAll fetches every domain concurrently and waits for all of them.
// It never returns an error; failures are isolated per domain and reported.
func (r *Refresher) RefreshAll(ctx context.Context) Report {
	domains := []Domain{DomainAccount, DomainPortfolio, DomainTransactions}
	if r.quotes != nil {
		domains = append(domains, DomainQuote)
	}

	var (
		wg     sync.WaitGroup
		resMu  sync.Mutex
		report = make(Report, len(domains))
	)
	for _, d := range domains {
		seq := r.begin(d)
		wg.Add(1)
		go func(d Domain, seq uint64) {
			defer wg.Done()
			err := r.refreshDomain(ctx, d, seq)
			resMu.Lock()
			report[d] = err
			resMu.Unlock()
		}(d, seq)
	}
	wg.Wait()

	r.mu.Lock()
	r.lastRefreshed = r.clock.Now()
	r.mu.Unlock()
	r.metrics.RecordRefresh()

	if failed := report.Failed(); len(failed) > 0 {
		r.logger.Warn("Refresh completed with degraded domains", slog.Any("domains", failed))
	} else {
		r.logger.Debug("Refresh completed")
	}
	return report
}

// RefreshAfterTrade reconciles the cache with the ledger once a trade
// submission has resolved. Callers must not invoke it while the submission
// is still pending.
func (r *Refresher) RefreshAfterTrade(ctx context.Context) Report {
	return r.RefreshAll(ctx)
}

// RefreshDomain refreshes a single domain.
func (r *Refresher) RefreshDomain(ctx context.Context, d Domain) error {
	if d == DomainQuote && r.quotes == nil {
		return nil
	}
	return r.refreshDomain(ctx, d, r.begin(d))
}

func (r *Refresher) refreshDomain(ctx context.Context, d Domain, seq uint64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Refresh panic recovered", slog.String("domain", string(d)), slog.Any("panic", rec))
			err = domain.NewFatalNetworkError("refresh "+string(d), errors.New("panic during refresh"))
			r.applyEmpty(d, seq)
		}
		if err != nil {
			r.metrics.RecordDomainFailure()
			r.logger.Warn("Domain refresh failed, using empty default",
				slog.String("domain", string(d)),
				slog.Any("error", err),
			)
		}
		if d == DomainAccount {
			r.readyOnce.Do(func() { close(r.ready) })
		}
	}()

	switch d {
	case DomainAccount:
		acct, ferr := r.ledger.GetAccount(ctx, r.userID)
		if ferr != nil {
			r.applyEmpty(d, seq)
			return ferr
		}
		r.apply(d, seq, func() { r.account = *acct })

	case DomainPortfolio:
		positions, totals, ferr := r.fetchPortfolio(ctx)
		if ferr != nil {
			r.applyEmpty(d, seq)
			return ferr
		}
		r.apply(d, seq, func() {
			r.positions = positions
			r.totals = totals
		})

	case DomainTransactions:
		txs, ferr := r.ledger.GetTransactions(ctx, r.userID)
		if ferr != nil {
			r.applyEmpty(d, seq)
			return ferr
		}
		r.apply(d, seq, func() { r.transactions = txs })

	case DomainQuote:
		ferr := r.quotes.RefreshQuote(ctx)
		r.apply(d, seq, func() {})
		if ferr != nil && !errors.Is(ferr, domain.ErrStaleScope) {
			return ferr
		}
	}
	return nil
}

// fetchPortfolio loads positions and the three totals concurrently.
// Any failure fails the whole domain.
func (r *Refresher) fetchPortfolio(ctx context.Context) ([]domain.PositionSummary, domain.PortfolioTotals, error) {
	var (
		wg        sync.WaitGroup
		positions []domain.PositionSummary
		totals    domain.PortfolioTotals
		errs      [4]error
	)
	wg.Add(4)
	go func() {
		defer wg.Done()
		positions, errs[0] = r.ledger.GetPortfolio(ctx, r.userID)
	}()
	go func() {
		defer wg.Done()
		totals.TotalValue, errs[1] = r.ledger.GetTotalValue(ctx, r.userID)
	}()
	go func() {
		defer wg.Done()
		totals.GainLoss, errs[2] = r.ledger.GetTotalGainLoss(ctx, r.userID)
	}()
	go func() {
		defer wg.Done()
		totals.GainLossPercent, errs[3] = r.ledger.GetTotalGainLossPercent(ctx, r.userID)
	}()
	wg.Wait()

	if err := errors.Join(errs[:]...); err != nil {
		return nil, domain.PortfolioTotals{}, err
	}
	return positions, totals, nil
}

func (r *Refresher) begin(d Domain) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued[d]++
	r.loading[d] = true
	return r.issued[d]
}

// apply runs mutate under the lock unless a newer fetch of d already landed.
func (r *Refresher) apply(d Domain, seq uint64, mutate func()) {
	r.mu.Lock()
	if seq < r.applied[d] {
		r.mu.Unlock()
		r.metrics.RecordStale()
		return
	}
	r.applied[d] = seq
	mutate()
	if seq == r.issued[d] {
		r.loading[d] = false
	}
	fn := r.onUpdate
	r.mu.Unlock()

	if fn != nil {
		fn(d)
	}
}

func (r *Refresher) applyEmpty(d Domain, seq uint64) {
	r.apply(d, seq, func() {
		switch d {
		case DomainAccount:
			r.account = domain.Account{Balance: decimal.Zero}
		case DomainPortfolio:
			r.positions = []domain.PositionSummary{}
			r.totals = domain.PortfolioTotals{}
		case DomainTransactions:
			r.transactions = []domain.TransactionRecord{}
		}
	})
}

// State returns a copy of the cached state.
func (r *Refresher) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loading := make(map[Domain]bool, len(r.loading))
	for k, v := range r.loading {
		loading[k] = v
	}
	ready := false
	select {
	case <-r.ready:
		ready = true
	default:
	}

	return State{
		Account: r.account,
		Snapshot: domain.AccountSnapshot{
			CashBalance:  r.account.Balance,
			Positions:    slices.Clone(r.positions),
			Totals:       r.totals,
			Transactions: slices.Clone(r.transactions),
		},
		Loading:       loading,
		Ready:         ready,
		LastRefreshed: r.lastRefreshed,
	}
}

// CashBalance returns the cached balance.
func (r *Refresher) CashBalance() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.account.Balance
}

// IsLoading reports whether d has a fetch outstanding.
func (r *Refresher) IsLoading(d Domain) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading[d]
}
