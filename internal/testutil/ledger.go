// Package testutil provides a scriptable in-memory ledger for engine and
// refresher tests.
package testutil

import (
	"context"
	"slices"
	"sync"

	"trading_sim/internal/domain"

	"github.com/shopspring/decimal"
)

// Ledger operation names used for failure injection and call counting.
const (
	OpAccount         = "account"
	OpQuote           = "quote"
	OpPortfolio       = "portfolio"
	OpTotalValue      = "total_value"
	OpGainLoss        = "gain_loss"
	OpGainLossPercent = "gain_loss_percent"
	OpTransactions    = "transactions"
	OpHeldShares      = "held_shares"
	OpSubmitTrade     = "submit_trade"
)

// FakeLedger implements domain.Ledger from plain fields. Hooks, when set,
// replace the default behavior of their operation and may block.
type FakeLedger struct {
	Mu sync.Mutex

	Account      domain.Account
	Quotes       map[string]domain.Quote
	Positions    []domain.PositionSummary
	Totals       domain.PortfolioTotals
	Transactions []domain.TransactionRecord
	Held         map[string]int64

	// Fail maps an operation name to the error it returns.
	Fail map[string]error

	QuoteHook func(ctx context.Context, symbol string) (*domain.Quote, error)
	TradeHook func(ctx context.Context, req domain.TradeRequest) (*domain.TransactionRecord, error)

	Trades []domain.TradeRequest
	calls  map[string]int
}

// NewFakeLedger returns a ledger seeded with one account and quotes for
// the given symbols at 100.00.
func NewFakeLedger(balance string, symbols ...string) *FakeLedger {
	f := &FakeLedger{
		Account: domain.Account{ID: 1, Username: "demo", Email: "demo@example.com", Balance: decimal.RequireFromString(balance)},
		Quotes:  make(map[string]domain.Quote),
		Held:    make(map[string]int64),
		Fail:    make(map[string]error),
		calls:   make(map[string]int),
	}
	for _, s := range symbols {
		f.Quotes[s] = domain.Quote{Symbol: s, CompanyName: s + " Inc.", Price: decimal.NewFromInt(100)}
	}
	return f
}

// SetFail makes op return err. A nil err clears the failure.
func (f *FakeLedger) SetFail(op string, err error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	if err == nil {
		delete(f.Fail, op)
		return
	}
	f.Fail[op] = err
}

// SetQuote replaces the quote for symbol.
func (f *FakeLedger) SetQuote(q domain.Quote) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Quotes[q.Symbol] = q
}

// Calls returns how many times op was invoked.
func (f *FakeLedger) Calls(op string) int {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.calls[op]
}

func (f *FakeLedger) enter(op string) error {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.calls[op]++
	return f.Fail[op]
}

func (f *FakeLedger) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	if err := f.enter(OpAccount); err != nil {
		return nil, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	acct := f.Account
	return &acct, nil
}

func (f *FakeLedger) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := f.enter(OpQuote); err != nil {
		return nil, err
	}
	f.Mu.Lock()
	hook := f.QuoteHook
	q, ok := f.Quotes[symbol]
	f.Mu.Unlock()

	if hook != nil {
		return hook(ctx, symbol)
	}
	if !ok {
		return nil, domain.NewFatalNetworkError("get quote", domain.ErrNotFound)
	}
	return &q, nil
}

func (f *FakeLedger) GetPortfolio(ctx context.Context, userID int64) ([]domain.PositionSummary, error) {
	if err := f.enter(OpPortfolio); err != nil {
		return nil, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return slices.Clone(f.Positions), nil
}

func (f *FakeLedger) GetTotalValue(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := f.enter(OpTotalValue); err != nil {
		return decimal.Zero, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Totals.TotalValue, nil
}

func (f *FakeLedger) GetTotalGainLoss(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := f.enter(OpGainLoss); err != nil {
		return decimal.Zero, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Totals.GainLoss, nil
}

func (f *FakeLedger) GetTotalGainLossPercent(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := f.enter(OpGainLossPercent); err != nil {
		return decimal.Zero, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Totals.GainLossPercent, nil
}

func (f *FakeLedger) GetTransactions(ctx context.Context, userID int64) ([]domain.TransactionRecord, error) {
	if err := f.enter(OpTransactions); err != nil {
		return nil, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return slices.Clone(f.Transactions), nil
}

func (f *FakeLedger) GetHeldShares(ctx context.Context, userID int64, symbol string) (int64, error) {
	if err := f.enter(OpHeldShares); err != nil {
		return 0, err
	}
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Held[symbol], nil
}

func (f *FakeLedger) SubmitTrade(ctx context.Context, req domain.TradeRequest) (*domain.TransactionRecord, error) {
	if err := f.enter(OpSubmitTrade); err != nil {
		return nil, err
	}
	f.Mu.Lock()
	f.Trades = append(f.Trades, req)
	hook := f.TradeHook
	f.Mu.Unlock()

	if hook != nil {
		return hook(ctx, req)
	}

	f.Mu.Lock()
	defer f.Mu.Unlock()
	price := f.Quotes[req.Symbol].Price
	total := price.Mul(decimal.NewFromInt(req.Quantity))
	switch req.Side {
	case domain.SideBuy:
		f.Account.Balance = f.Account.Balance.Sub(total)
		f.Held[req.Symbol] += req.Quantity
	case domain.SideSell:
		f.Account.Balance = f.Account.Balance.Add(total)
		f.Held[req.Symbol] -= req.Quantity
	}
	rec := domain.TransactionRecord{
		ID:            int64(len(f.Transactions) + 1),
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		PricePerShare: price,
		TotalAmount:   total,
	}
	f.Transactions = append([]domain.TransactionRecord{rec}, f.Transactions...)
	return &rec, nil
}

var _ domain.Ledger = (*FakeLedger)(nil)
