package strategy

import (
	"fmt"

	"martingale-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// contractPlaces is the fractional precision of every position size.
const contractPlaces = 4

var hundred = decimal.NewFromInt(100)

// PositionSize returns MarginSequence[step]·Leverage/price rounded to four
// decimal places.
func PositionSize(cfg models.MartingaleConfig, step int, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("size at price %v: %w", price, ErrInvalidPrice)
	}
	if step < 0 || step >= len(cfg.MarginSequence) {
		return 0, fmt.Errorf("step %d outside sequence of %d: %w", step, len(cfg.MarginSequence), ErrMaxDepth)
	}
	size := decimal.NewFromFloat(cfg.MarginSequence[step]).
		Mul(decimal.NewFromInt(int64(cfg.Leverage))).
		Div(decimal.NewFromFloat(price)).
		Round(contractPlaces)
	if !size.IsPositive() {
		return 0, fmt.Errorf("step %d at price %v rounds to %s contracts: %w", step, price, size, ErrSizeTooSmall)
	}
	return size.InexactFloat64(), nil
}

// dropPct is the percentage fall from reference to price. Decimal arithmetic
// keeps a 1.1% move from 100 to 98.9 exactly 1.1.
func dropPct(reference, price float64) decimal.Decimal {
	ref := decimal.NewFromFloat(reference)
	return ref.Sub(decimal.NewFromFloat(price)).Div(ref).Mul(hundred)
}

// gainPct is the percentage rise from base to price.
func gainPct(base, price float64) decimal.Decimal {
	b := decimal.NewFromFloat(base)
	return decimal.NewFromFloat(price).Sub(b).Div(b).Mul(hundred)
}

func roundContracts(v float64) float64 {
	return decimal.NewFromFloat(v).Round(contractPlaces).InexactFloat64()
}
