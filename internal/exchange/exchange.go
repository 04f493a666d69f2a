package exchange

import (
	"context"
	"errors"

	"martingale-bot-go/internal/models"
)

// Client is the capability the engine needs from a venue. Live trading and
// paper trading both implement it, so a bot never knows which one it drives.
type Client interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBalance(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64, reduceOnly bool) (*models.OrderResult, error)
}

// Adapters wrap venue failures with these so callers can use errors.Is.
var (
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrBalanceUnavailable = errors.New("balance unavailable")
	ErrOrderFailed        = errors.New("order failed")
	ErrInvalidCredentials = errors.New("invalid exchange credentials")
)
