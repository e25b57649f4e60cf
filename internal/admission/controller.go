// Package admission decides whether a trade is feasible against the locally
// cached account state. It performs no I/O; the ledger remains the
// authoritative check and may still reject an admitted trade.
package admission

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"trading_sim/internal/domain"

	"github.com/shopspring/decimal"
)

// Input is everything the check needs. Price is the quoted price per share.
type Input struct {
	Side         domain.Side
	Quantity     int64
	Price        decimal.Decimal
	CashBalance  decimal.Decimal
	HeldQuantity int64
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Admissible    bool
	Reason        domain.DenialReason // empty when admissible
	EstimatedCost decimal.Decimal
}

// Err converts a denial into a *domain.ValidationError, nil if admissible.
func (v Verdict) Err() error {
	if v.Admissible {
		return nil
	}
	return &domain.ValidationError{Reason: v.Reason}
}

// Evaluate checks feasibility:
//   - BUY iff quantity >= 1 and cash >= price*quantity
//   - SELL iff quantity >= 1 and held >= quantity
func Evaluate(in Input) Verdict {
	cost := in.Price.Mul(decimal.NewFromInt(in.Quantity))
	v := Verdict{EstimatedCost: cost}

	if in.Quantity < 1 {
		v.Reason = domain.ReasonInvalidQuantity
		return v
	}

	switch in.Side {
	case domain.SideBuy:
		if in.CashBalance.LessThan(cost) {
			v.Reason = domain.ReasonInsufficientFunds
			return v
		}
	case domain.SideSell:
		if in.HeldQuantity < in.Quantity {
			v.Reason = domain.ReasonInsufficientShares
			return v
		}
	default:
		v.Reason = domain.ReasonInvalidSide
		return v
	}

	v.Admissible = true
	return v
}

// Explain renders a denial for display, empty if admissible.
func Explain(in Input, v Verdict) string {
	switch v.Reason {
	case "":
		return ""
	case domain.ReasonInsufficientFunds:
		return fmt.Sprintf("insufficient funds: cost %s exceeds balance %s",
			v.EstimatedCost.StringFixed(2), in.CashBalance.StringFixed(2))
	case domain.ReasonInsufficientShares:
		return fmt.Sprintf("insufficient shares: selling %d, holding %d", in.Quantity, in.HeldQuantity)
	case domain.ReasonInvalidQuantity:
		return "quantity must be at least 1"
	default:
		return string(v.Reason)
	}
}

// CoerceQuantity turns raw form input into a quantity. The value is rounded
// to the nearest integer; non-numeric or non-positive input becomes 1.
func CoerceQuantity(raw string) int64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 1
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return CoerceQuantityInt(int64(math.Round(f)))
}

// CoerceQuantityInt clamps n to at least 1.
func CoerceQuantityInt(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}
