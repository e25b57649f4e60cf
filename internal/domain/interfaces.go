package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ledger is the contract of the external ledger service, the source of truth
// for balances, positions and executed trades.
type Ledger interface {
	GetAccount(ctx context.Context, userID int64) (*Account, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetPortfolio(ctx context.Context, userID int64) ([]PositionSummary, error)
	GetTotalValue(ctx context.Context, userID int64) (decimal.Decimal, error)
	GetTotalGainLoss(ctx context.Context, userID int64) (decimal.Decimal, error)
	GetTotalGainLossPercent(ctx context.Context, userID int64) (decimal.Decimal, error)
	GetTransactions(ctx context.Context, userID int64) ([]TransactionRecord, error)
	GetHeldShares(ctx context.Context, userID int64, symbol string) (int64, error)
	SubmitTrade(ctx context.Context, req TradeRequest) (*TransactionRecord, error)
}

// TradeJournal records submission attempts. Implementations must be safe for
// concurrent use.
type TradeJournal interface {
	RecordAttempt(attempt *TradeAttempt) error
}

// PreferenceStore persists small user preferences between runs.
type PreferenceStore interface {
	SaveConfig(key, value string) error
	LoadConfigMap() (map[string]string, error)
}
