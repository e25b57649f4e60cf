package domain

import "github.com/shopspring/decimal"

// Account is the ledger's view of a user and their cash balance.
type Account struct {
	ID       int64           `json:"id"`
	Username string          `json:"username"`
	Email    string          `json:"email"`
	Balance  decimal.Decimal `json:"balance"`
}

// PositionSummary is a server-computed holding line. Read-only here.
type PositionSummary struct {
	Symbol          string          `json:"stockSymbol"`
	CompanyName     string          `json:"companyName"`
	Quantity        int64           `json:"quantity"`
	AveragePrice    decimal.Decimal `json:"averagePrice"`
	CurrentPrice    decimal.Decimal `json:"currentPrice"`
	TotalInvested   decimal.Decimal `json:"totalInvested"`
	CurrentValue    decimal.Decimal `json:"currentValue"`
	GainLoss        decimal.Decimal `json:"gainLoss"`
	GainLossPercent decimal.Decimal `json:"gainLossPercent"`
}

// PortfolioTotals aggregates the portfolio headline numbers.
type PortfolioTotals struct {
	TotalValue      decimal.Decimal `json:"totalValue"`
	GainLoss        decimal.Decimal `json:"gainLoss"`
	GainLossPercent decimal.Decimal `json:"gainLossPercent"`
}

// TransactionRecord is one executed trade as recorded by the ledger.
type TransactionRecord struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"userId"`
	Symbol          string          `json:"stockSymbol"`
	Side            Side            `json:"transactionType"`
	Quantity        int64           `json:"quantity"`
	PricePerShare   decimal.Decimal `json:"pricePerShare"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	TransactionDate string          `json:"transactionDate"`
}

// AccountSnapshot is the locally cached, possibly stale copy of the account.
type AccountSnapshot struct {
	CashBalance  decimal.Decimal     `json:"cashBalance"`
	Positions    []PositionSummary   `json:"positions"`
	Totals       PortfolioTotals     `json:"totals"`
	Transactions []TransactionRecord `json:"transactions"`
}
