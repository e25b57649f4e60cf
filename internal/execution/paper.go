// Package execution provides an in-memory paper ledger for offline runs
// and tests. It follows the ledger service's trading rules.
package execution

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"trading_sim/internal/domain"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
)

const (
	// DefaultWalk is the maximum relative price move per quote fetch (±2%).
	DefaultWalk = 0.02

	// DefaultUserID is the demo account created by NewPaperLedger.
	DefaultUserID = 1

	timestampLayout = "2006-01-02T15:04:05"
)

var hundred = decimal.NewFromInt(100)

// DefaultStocks seeds the paper market.
var DefaultStocks = []Stock{
	{Symbol: "AAPL", CompanyName: "Apple Inc.", Price: decimal.RequireFromString("175.43")},
	{Symbol: "GOOGL", CompanyName: "Alphabet Inc.", Price: decimal.RequireFromString("138.21")},
	{Symbol: "MSFT", CompanyName: "Microsoft Corporation", Price: decimal.RequireFromString("378.85")},
	{Symbol: "TSLA", CompanyName: "Tesla, Inc.", Price: decimal.RequireFromString("248.50")},
	{Symbol: "AMZN", CompanyName: "Amazon.com, Inc.", Price: decimal.RequireFromString("151.94")},
}

// Stock is one listed instrument of the paper market.
type Stock struct {
	Symbol      string
	CompanyName string
	Price       decimal.Decimal
	LastUpdated time.Time
}

type position struct {
	quantity      int64
	averagePrice  decimal.Decimal
	totalInvested decimal.Decimal
}

// PaperLedger implements domain.Ledger in memory. Every quote fetch moves
// the stored price by a random step, as the ledger service does.
type PaperLedger struct {
	mu        sync.Mutex
	clock     clock.Clock
	rng       *rand.Rand
	walk      float64
	users     map[int64]*domain.Account
	stocks    map[string]*Stock
	positions map[int64]map[string]*position
	fills     []domain.TransactionRecord
	nextTxID  int64
}

// NewPaperLedger creates a ledger with DefaultStocks and a demo user holding
// 10,000.00 in cash. A nil clock uses wall time; a nil rng is randomly seeded.
func NewPaperLedger(clk clock.Clock, rng *rand.Rand) *PaperLedger {
	if clk == nil {
		clk = clock.New()
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	p := &PaperLedger{
		clock:     clk,
		rng:       rng,
		walk:      DefaultWalk,
		users:     make(map[int64]*domain.Account),
		stocks:    make(map[string]*Stock),
		positions: make(map[int64]map[string]*position),
		nextTxID:  1,
	}
	p.AddUser(domain.Account{ID: DefaultUserID, Username: "demo", Email: "demo@tradingsim.local", Balance: decimal.NewFromInt(10000)})
	for _, s := range DefaultStocks {
		p.AddStock(s)
	}
	return p
}

// SetWalk sets the maximum relative move per quote fetch. 0 freezes prices.
func (p *PaperLedger) SetWalk(spread float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.walk = spread
}

// AddUser creates or replaces an account.
func (p *PaperLedger) AddUser(acct domain.Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := acct
	p.users[acct.ID] = &a
}

// AddStock lists or relists an instrument.
func (p *PaperLedger) AddStock(s Stock) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.Symbol = strings.ToUpper(s.Symbol)
	if s.LastUpdated.IsZero() {
		s.LastUpdated = p.clock.Now()
	}
	p.stocks[s.Symbol] = &s
}

// Deposit adds amount to the user's cash balance.
func (p *PaperLedger) Deposit(userID int64, amount decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return notFound("deposit")
	}
	u.Balance = u.Balance.Add(amount)
	return nil
}

// UpdatePrice sets the stored price of symbol without a random step.
func (p *PaperLedger) UpdatePrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stocks[strings.ToUpper(symbol)]; ok {
		s.Price = price
		s.LastUpdated = p.clock.Now()
	}
}

// GetFills returns every executed trade in execution order.
func (p *PaperLedger) GetFills() []domain.TransactionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.fills)
}

func (p *PaperLedger) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewFatalNetworkError("get account", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[userID]
	if !ok {
		return nil, notFound("get account")
	}
	acct := *u
	return &acct, nil
}

// GetQuote moves the stored price by up to ±walk and returns the new quote.
// Unknown symbols quote at 100.00 without being listed.
func (p *PaperLedger) GetQuote(ctx context.Context, symbol string) (*domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewFatalNetworkError("get quote", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	s, ok := p.stocks[symbol]
	if !ok {
		return &domain.Quote{
			Symbol:        symbol,
			CompanyName:   "Unknown Company",
			Price:         decimal.RequireFromString("100.00"),
			Change:        decimal.Zero,
			ChangePercent: decimal.Zero,
			LastUpdated:   "Unknown",
		}, nil
	}

	prev := s.Price
	u := (p.rng.Float64()*2 - 1) * p.walk
	change := prev.Mul(decimal.NewFromFloat(u)).Round(2)
	s.Price = prev.Add(change)
	s.LastUpdated = p.clock.Now()

	changePercent := decimal.Zero
	if !prev.IsZero() {
		changePercent = change.DivRound(prev, 4).Mul(hundred)
	}

	return &domain.Quote{
		Symbol:        s.Symbol,
		CompanyName:   s.CompanyName,
		Price:         s.Price,
		Change:        change,
		ChangePercent: changePercent,
		LastUpdated:   s.LastUpdated.Format(timestampLayout),
	}, nil
}

func (p *PaperLedger) GetPortfolio(ctx context.Context, userID int64) ([]domain.PositionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewFatalNetworkError("get portfolio", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summariesLocked(userID), nil
}

func (p *PaperLedger) GetTotalValue(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, domain.NewFatalNetworkError("get total value", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	total := decimal.Zero
	for _, s := range p.summariesLocked(userID) {
		total = total.Add(s.CurrentValue)
	}
	return total, nil
}

func (p *PaperLedger) GetTotalGainLoss(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, domain.NewFatalNetworkError("get total gain/loss", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gainLossLocked(userID), nil
}

func (p *PaperLedger) GetTotalGainLossPercent(ctx context.Context, userID int64) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, domain.NewFatalNetworkError("get total gain/loss percent", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	invested := decimal.Zero
	for _, pos := range p.positions[userID] {
		invested = invested.Add(pos.totalInvested)
	}
	if !invested.IsPositive() {
		return decimal.Zero, nil
	}
	return p.gainLossLocked(userID).DivRound(invested, 4).Mul(hundred), nil
}

// GetTransactions returns the user's trades, newest first.
func (p *PaperLedger) GetTransactions(ctx context.Context, userID int64) ([]domain.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewFatalNetworkError("get transactions", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := []domain.TransactionRecord{}
	for i := len(p.fills) - 1; i >= 0; i-- {
		if p.fills[i].UserID == userID {
			out = append(out, p.fills[i])
		}
	}
	return out, nil
}

func (p *PaperLedger) GetHeldShares(ctx context.Context, userID int64, symbol string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, domain.NewFatalNetworkError("get held shares", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[userID][strings.ToUpper(symbol)]; ok {
		return pos.quantity, nil
	}
	return 0, nil
}

// SubmitTrade executes req at the stored price. Refusals are returned as
// *domain.RejectionError carrying the ledger's message.
func (p *PaperLedger) SubmitTrade(ctx context.Context, req domain.TradeRequest) (*domain.TransactionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewFatalNetworkError("submit trade", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[req.UserID]
	if !ok {
		return nil, reject("User not found")
	}
	s, ok := p.stocks[strings.ToUpper(req.Symbol)]
	if !ok {
		return nil, reject("Stock not found")
	}
	if req.Quantity < 1 {
		return nil, reject("Quantity must be at least 1")
	}

	price := s.Price
	qty := decimal.NewFromInt(req.Quantity)
	total := price.Mul(qty)

	userPositions := p.positions[u.ID]
	if userPositions == nil {
		userPositions = make(map[string]*position)
		p.positions[u.ID] = userPositions
	}
	pos := userPositions[s.Symbol]

	var side domain.Side
	switch domain.Side(strings.ToUpper(string(req.Side))) {
	case domain.SideBuy:
		if u.Balance.LessThan(total) {
			return nil, reject("Insufficient balance for this purchase")
		}
		side = domain.SideBuy
		u.Balance = u.Balance.Sub(total)
		if pos == nil {
			userPositions[s.Symbol] = &position{quantity: req.Quantity, averagePrice: price, totalInvested: total}
		} else {
			pos.quantity += req.Quantity
			pos.totalInvested = pos.totalInvested.Add(total)
			pos.averagePrice = pos.totalInvested.DivRound(decimal.NewFromInt(pos.quantity), 2)
		}

	case domain.SideSell:
		if pos == nil || pos.quantity < req.Quantity {
			return nil, reject("Insufficient shares to sell")
		}
		side = domain.SideSell
		u.Balance = u.Balance.Add(total)
		pos.quantity -= req.Quantity
		if pos.quantity == 0 {
			delete(userPositions, s.Symbol)
		} else {
			pos.totalInvested = pos.totalInvested.Sub(pos.averagePrice.Mul(qty))
		}

	default:
		return nil, reject("Invalid transaction type. Must be BUY or SELL")
	}

	rec := domain.TransactionRecord{
		ID:              p.nextTxID,
		UserID:          u.ID,
		Symbol:          s.Symbol,
		Side:            side,
		Quantity:        req.Quantity,
		PricePerShare:   price,
		TotalAmount:     total,
		TransactionDate: p.clock.Now().Format(timestampLayout),
	}
	p.nextTxID++
	p.fills = append(p.fills, rec)
	return &rec, nil
}

func (p *PaperLedger) summariesLocked(userID int64) []domain.PositionSummary {
	out := []domain.PositionSummary{}
	for symbol, pos := range p.positions[userID] {
		s, ok := p.stocks[symbol]
		if !ok || pos.quantity <= 0 {
			continue
		}
		value := s.Price.Mul(decimal.NewFromInt(pos.quantity))
		gainLoss := value.Sub(pos.totalInvested)
		pct := decimal.Zero
		if pos.totalInvested.IsPositive() {
			pct = gainLoss.DivRound(pos.totalInvested, 4).Mul(hundred)
		}
		out = append(out, domain.PositionSummary{
			Symbol:          s.Symbol,
			CompanyName:     s.CompanyName,
			Quantity:        pos.quantity,
			AveragePrice:    pos.averagePrice,
			CurrentPrice:    s.Price,
			TotalInvested:   pos.totalInvested,
			CurrentValue:    value,
			GainLoss:        gainLoss,
			GainLossPercent: pct,
		})
	}
	slices.SortFunc(out, func(a, b domain.PositionSummary) int { return strings.Compare(a.Symbol, b.Symbol) })
	return out
}

func (p *PaperLedger) gainLossLocked(userID int64) decimal.Decimal {
	total := decimal.Zero
	for _, s := range p.summariesLocked(userID) {
		total = total.Add(s.GainLoss)
	}
	return total
}

func reject(msg string) error {
	return &domain.RejectionError{Message: msg}
}

func notFound(op string) error {
	return &domain.NetworkError{Op: op, Status: 404, Err: domain.ErrNotFound}
}
