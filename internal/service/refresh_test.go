package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trading_sim/internal/domain"
	"trading_sim/internal/infra"
	"trading_sim/internal/testutil"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

type stubQuotes struct {
	calls atomic.Int32
	err   error
}

func (s *stubQuotes) RefreshQuote(ctx context.Context) error {
	s.calls.Add(1)
	return s.err
}

func seededLedger() *testutil.FakeLedger {
	f := testutil.NewFakeLedger("10000.00", "AAPL")
	f.Positions = []domain.PositionSummary{{Symbol: "AAPL", Quantity: 10, AveragePrice: decimal.NewFromInt(150)}}
	f.Totals = domain.PortfolioTotals{
		TotalValue:      decimal.NewFromInt(1750),
		GainLoss:        decimal.NewFromInt(250),
		GainLossPercent: decimal.RequireFromString("16.67"),
	}
	f.Transactions = []domain.TransactionRecord{{ID: 7, Symbol: "AAPL", Side: domain.SideBuy, Quantity: 10}}
	return f
}

func TestRefreshAll_AllDomainsSucceed(t *testing.T) {
	ledger := seededLedger()
	quotes := &stubQuotes{}
	r := NewRefresher(ledger, 1, quotes, nil, &infra.Metrics{})

	report := r.RefreshAll(context.Background())
	if !report.OK() {
		t.Fatalf("Expected clean report, got failures %v", report.Failed())
	}

	st := r.State()
	if !st.Account.Balance.Equal(decimal.RequireFromString("10000.00")) {
		t.Errorf("Balance = %s, want 10000.00", st.Account.Balance)
	}
	if len(st.Snapshot.Positions) != 1 || st.Snapshot.Positions[0].Quantity != 10 {
		t.Errorf("Unexpected positions: %+v", st.Snapshot.Positions)
	}
	if !st.Snapshot.Totals.GainLoss.Equal(decimal.NewFromInt(250)) {
		t.Errorf("GainLoss = %s, want 250", st.Snapshot.Totals.GainLoss)
	}
	if len(st.Snapshot.Transactions) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(st.Snapshot.Transactions))
	}
	if quotes.calls.Load() != 1 {
		t.Errorf("Expected quote refresher called once, got %d", quotes.calls.Load())
	}
	for _, d := range Domains {
		if st.Loading[d] {
			t.Errorf("Domain %s still loading after refresh", d)
		}
	}
	if !st.Ready {
		t.Error("Expected ready after first refresh")
	}
}

func TestRefreshAll_PortfolioFailureIsIsolated(t *testing.T) {
	ledger := seededLedger()
	metrics := &infra.Metrics{}
	r := NewRefresher(ledger, 1, nil, nil, metrics)

	// Populate first so the reset is observable.
	r.RefreshAll(context.Background())

	ledger.SetFail(testutil.OpPortfolio, domain.NewNetworkError("get portfolio", errors.New("connection refused")))
	report := r.RefreshAll(context.Background())

	if report[DomainPortfolio] == nil {
		t.Fatal("Expected portfolio failure in report")
	}
	if report[DomainTransactions] != nil || report[DomainAccount] != nil {
		t.Errorf("Unexpected failures: %v", report.Failed())
	}
	if _, ok := report[DomainQuote]; ok {
		t.Error("Quote domain should be skipped without a refresher")
	}

	st := r.State()
	if st.Snapshot.Positions == nil || len(st.Snapshot.Positions) != 0 {
		t.Errorf("Expected empty positions, got %+v", st.Snapshot.Positions)
	}
	if !st.Snapshot.Totals.TotalValue.IsZero() || !st.Snapshot.Totals.GainLoss.IsZero() {
		t.Errorf("Expected totals reset with portfolio, got %+v", st.Snapshot.Totals)
	}
	if len(st.Snapshot.Transactions) != 1 || st.Snapshot.Transactions[0].ID != 7 {
		t.Errorf("Expected fetched transactions, got %+v", st.Snapshot.Transactions)
	}
	if metrics.Snapshot().DomainFailures != 1 {
		t.Errorf("Expected 1 domain failure, got %d", metrics.Snapshot().DomainFailures)
	}
}

func TestRefreshAll_TotalFailureResetsPortfolio(t *testing.T) {
	ledger := seededLedger()
	ledger.SetFail(testutil.OpGainLossPercent, errors.New("boom"))
	r := NewRefresher(ledger, 1, nil, nil, nil)

	report := r.RefreshAll(context.Background())
	if report[DomainPortfolio] == nil {
		t.Fatal("A failing total should fail the portfolio domain")
	}
	st := r.State()
	if len(st.Snapshot.Positions) != 0 {
		t.Error("Positions should reset with a failing total")
	}
	if !st.Snapshot.Totals.TotalValue.IsZero() {
		t.Error("TotalValue should reset with a failing total")
	}
}

func TestRefreshAll_AccountFailureZeroesBalance(t *testing.T) {
	ledger := seededLedger()
	r := NewRefresher(ledger, 1, nil, nil, nil)
	r.RefreshAll(context.Background())

	ledger.SetFail(testutil.OpAccount, errors.New("timeout"))
	r.RefreshAll(context.Background())

	if !r.CashBalance().IsZero() {
		t.Errorf("Expected zero balance after account failure, got %s", r.CashBalance())
	}
}

// gatedQuotes blocks RefreshQuote until released.
type gatedQuotes struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedQuotes) RefreshQuote(ctx context.Context) error {
	close(g.entered)
	<-g.release
	return nil
}

func TestRefresher_ReadyWhenFirstAccountFetchFails(t *testing.T) {
	ledger := seededLedger()
	ledger.SetFail(testutil.OpAccount, domain.NewNetworkError("get account", errors.New("timeout")))
	r := NewRefresher(ledger, 1, nil, nil, nil)

	select {
	case <-r.Ready():
		t.Fatal("Ready must not close before any refresh")
	default:
	}

	report := r.RefreshAll(context.Background())
	if report[DomainAccount] == nil {
		t.Fatal("Expected account failure in report")
	}
	select {
	case <-r.Ready():
	default:
		t.Fatal("Ready should close when the first account fetch fails")
	}
	st := r.State()
	if !st.Ready || !st.Account.Balance.IsZero() {
		t.Errorf("Expected ready with zero balance, got ready=%v balance=%s", st.Ready, st.Account.Balance)
	}
}

func TestRefresher_ReadyIndependentOfSiblings(t *testing.T) {
	quotes := &gatedQuotes{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRefresher(seededLedger(), 1, quotes, nil, nil)

	done := make(chan struct{})
	go func() {
		r.RefreshAll(context.Background())
		close(done)
	}()
	<-quotes.entered

	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Ready should close once the account domain completes")
	}
	select {
	case <-done:
		t.Fatal("RefreshAll returned while the quote domain was still blocked")
	default:
	}
	if !r.IsLoading(DomainQuote) {
		t.Error("Quote domain should still be loading")
	}

	close(quotes.release)
	<-done
	if r.IsLoading(DomainQuote) {
		t.Error("Quote domain should finish loading after release")
	}
}

func TestRefreshAll_StampsInjectedClock(t *testing.T) {
	clk := clock.NewMock()
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	clk.Set(at)
	r := NewRefresher(seededLedger(), 1, nil, clk, nil)

	r.RefreshAll(context.Background())
	if got := r.State().LastRefreshed; !got.Equal(at) {
		t.Errorf("LastRefreshed = %v, want %v", got, at)
	}

	clk.Add(time.Minute)
	r.RefreshAll(context.Background())
	if got := r.State().LastRefreshed; !got.Equal(at.Add(time.Minute)) {
		t.Errorf("LastRefreshed = %v, want %v", got, at.Add(time.Minute))
	}
}

func TestRefreshAll_StaleQuoteIsNotAFailure(t *testing.T) {
	r := NewRefresher(seededLedger(), 1, &stubQuotes{err: domain.ErrStaleScope}, nil, nil)
	report := r.RefreshAll(context.Background())
	if report[DomainQuote] != nil {
		t.Errorf("Stale quote should not be reported, got %v", report[DomainQuote])
	}
}

// blockingLedger delays the transactions fetch until released.
type blockingLedger struct {
	*testutil.FakeLedger
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (b *blockingLedger) GetTransactions(ctx context.Context, userID int64) ([]domain.TransactionRecord, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.gate
		return []domain.TransactionRecord{{ID: 1}}, nil
	}
	return b.FakeLedger.GetTransactions(ctx, userID)
}

func TestRefreshAll_OlderResponseDoesNotOverwriteNewer(t *testing.T) {
	b := &blockingLedger{FakeLedger: seededLedger(), gate: make(chan struct{}), entered: make(chan struct{})}
	metrics := &infra.Metrics{}
	r := NewRefresher(b, 1, nil, nil, metrics)

	done := make(chan struct{})
	go func() {
		r.RefreshAll(context.Background())
		close(done)
	}()
	<-b.entered

	// The second refresh completes while the first is parked.
	if err := r.RefreshDomain(context.Background(), DomainTransactions); err != nil {
		t.Fatalf("RefreshDomain: %v", err)
	}
	if r.IsLoading(DomainTransactions) {
		t.Error("Loading should clear once the newest fetch lands")
	}
	close(b.gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RefreshAll did not return")
	}

	st := r.State()
	if len(st.Snapshot.Transactions) != 1 || st.Snapshot.Transactions[0].ID != 7 {
		t.Errorf("Expected newer transactions to win, got %+v", st.Snapshot.Transactions)
	}
	if metrics.Snapshot().StaleDiscarded != 1 {
		t.Errorf("Expected 1 stale discard, got %d", metrics.Snapshot().StaleDiscarded)
	}
}

func TestRefresher_OnUpdate(t *testing.T) {
	r := NewRefresher(seededLedger(), 1, nil, nil, nil)

	var mu sync.Mutex
	seen := map[Domain]int{}
	r.SetOnUpdate(func(d Domain) {
		mu.Lock()
		seen[d]++
		mu.Unlock()
	})
	r.RefreshAfterTrade(context.Background())

	mu.Lock()
	defer mu.Unlock()
	for _, d := range []Domain{DomainAccount, DomainPortfolio, DomainTransactions} {
		if seen[d] != 1 {
			t.Errorf("Expected one update for %s, got %d", d, seen[d])
		}
	}
}
