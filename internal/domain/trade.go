package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide normalizes a user-supplied side. Matching is case-insensitive.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", &ValidationError{Reason: ReasonInvalidSide, Detail: s}
	}
}

// PendingTradeRequest exists only for the duration of one submission attempt.
type PendingTradeRequest struct {
	Symbol   string
	Side     Side
	Quantity int64
}

// TradeRequest is the wire form sent to the ledger.
type TradeRequest struct {
	RequestID string `json:"-"`
	UserID    int64  `json:"userId"`
	Symbol    string `json:"stockSymbol"`
	Side      Side   `json:"transactionType"`
	Quantity  int64  `json:"quantity"`
}

// TradeStatus is the terminal state of a submission attempt.
type TradeStatus string

const (
	TradeDenied   TradeStatus = "DENIED"   // refused locally by admission
	TradeAccepted TradeStatus = "ACCEPTED" // ledger executed it
	TradeRejected TradeStatus = "REJECTED" // ledger refused it
	TradeFailed   TradeStatus = "FAILED"   // transport failure, outcome unknown
)

// TradeOutcome is what a submission resolves to.
type TradeOutcome struct {
	RequestID     string             `json:"requestId"`
	Status        TradeStatus        `json:"status"`
	Message       string             `json:"message"`
	EstimatedCost decimal.Decimal    `json:"estimatedCost"`
	Transaction   *TransactionRecord `json:"transaction,omitempty"`
}
