package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TradeAttempt is the local journal entry for one submission attempt.
// Positions and balances are never stored locally; this is an audit trail.
type TradeAttempt struct {
	RequestID     string          `gorm:"primaryKey" json:"request_id"`
	Symbol        string          `gorm:"index" json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	QuotedPrice   decimal.Decimal `gorm:"type:decimal(20,2)" json:"quoted_price"`
	EstimatedCost decimal.Decimal `gorm:"type:decimal(20,2)" json:"estimated_cost"`
	Status        TradeStatus     `gorm:"index" json:"status"`
	Reason        DenialReason    `json:"reason,omitempty"`
	Message       string          `json:"message"`
	TransactionID int64           `json:"transaction_id"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
}
