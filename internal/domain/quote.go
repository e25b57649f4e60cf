package domain

import "github.com/shopspring/decimal"

// Quote is a price snapshot for one instrument as served by the ledger.
// It is immutable once received and superseded wholesale on the next fetch.
type Quote struct {
	Symbol        string          `json:"symbol"`
	CompanyName   string          `json:"companyName"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	LastUpdated   string          `json:"lastUpdated"`
}

// PricePoint is one observation in a quote series.
type PricePoint struct {
	TimestampMs int64           `json:"timestamp"`
	Price       decimal.Decimal `json:"price"`
}
