package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"martingale-bot-go/internal/models"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"

	// quantityPlaces is the fractional precision of every order size.
	quantityPlaces = 4
)

// LiveExchange 实现了 Client 接口，用于与真实的币安 USDⓈ-M 合约交易所进行交互。
type LiveExchange struct {
	client     *futures.Client
	quoteAsset string
	logger     *zap.Logger
}

// NewLiveExchange builds a futures client from already decrypted credentials.
// An empty baseURL picks production or testnet from creds.Sandbox.
func NewLiveExchange(creds models.Credentials, baseURL string, logger *zap.Logger) (*LiveExchange, error) {
	if creds.Empty() {
		return nil, fmt.Errorf("api key and secret are required: %w", ErrInvalidCredentials)
	}
	client := futures.NewClient(creds.APIKey, creds.SecretKey)
	switch {
	case baseURL != "":
		client.BaseURL = baseURL
	case creds.Sandbox:
		client.BaseURL = baseURLTestnet
	default:
		client.BaseURL = baseURLProduction
	}
	logger.Info("futures client configured", zap.String("baseURL", client.BaseURL))

	return &LiveExchange{
		client:     client,
		quoteAsset: "USDT",
		logger:     logger,
	}, nil
}

// handleError maps Binance API errors onto the package sentinels.
func (e *LiveExchange) handleError(err error, op string, kind error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		e.logger.Error(op+" failed with API error",
			zap.Int64("code", apiErr.Code),
			zap.String("message", apiErr.Message))
		switch apiErr.Code {
		case -2014, -2015, -1022:
			return fmt.Errorf("%s: %w: %w", op, ErrInvalidCredentials, err)
		}
		return fmt.Errorf("%s: %w: %w", op, kind, err)
	}
	e.logger.Error(op+" failed", zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, kind, err)
}

// GetPrice 获取指定交易对的最新价格。
func (e *LiveExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := e.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, e.handleError(err, "GetPrice", ErrPriceUnavailable)
	}
	for _, p := range prices {
		if p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("parse price %q: %w: %w", p.Price, ErrPriceUnavailable, err)
		}
		return price, nil
	}
	return 0, fmt.Errorf("no price returned for %s: %w", symbol, ErrPriceUnavailable)
}

// GetBalance 获取计价资产 (USDT) 的可用余额。
func (e *LiveExchange) GetBalance(ctx context.Context) (float64, error) {
	balances, err := e.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, e.handleError(err, "GetBalance", ErrBalanceUnavailable)
	}
	for _, b := range balances {
		if b.Asset != e.quoteAsset {
			continue
		}
		available, err := strconv.ParseFloat(b.AvailableBalance, 64)
		if err != nil {
			return 0, fmt.Errorf("parse balance %q: %w: %w", b.AvailableBalance, ErrBalanceUnavailable, err)
		}
		return available, nil
	}
	return 0, fmt.Errorf("no %s balance on account: %w", e.quoteAsset, ErrBalanceUnavailable)
}

// SetLeverage 设置杠杆。
func (e *LiveExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := e.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return e.handleError(err, "SetLeverage", ErrOrderFailed)
	}
	e.logger.Debug("leverage set", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

// PlaceMarketOrder 下市价单。The response is requested in RESULT mode so the
// fill status is known when the call returns.
func (e *LiveExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, size float64, reduceOnly bool) (*models.OrderResult, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %v: %w", size, ErrOrderFailed)
	}
	quantity := FormatQuantity(size)
	clientOrderID := NewClientOrderID()

	order, err := e.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantity).
		ReduceOnly(reduceOnly).
		NewClientOrderID(clientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT).
		Do(ctx)
	if err != nil {
		e.logger.Error("下单请求失败",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("quantity", quantity),
			zap.Bool("reduceOnly", reduceOnly))
		return nil, e.handleError(err, "PlaceMarketOrder", ErrOrderFailed)
	}

	executed, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	result := &models.OrderResult{
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          side,
		Filled:        order.Status == futures.OrderStatusTypeFilled,
		ExecutedQty:   executed,
		AvgPrice:      avgPrice,
		Status:        string(order.Status),
	}
	e.logger.Info("market order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", quantity),
		zap.String("orderID", result.OrderID),
		zap.String("status", result.Status))
	return result, nil
}

// FormatQuantity renders a size with the fixed order precision.
func FormatQuantity(size float64) string {
	return decimal.NewFromFloat(size).Truncate(quantityPlaces).StringFixed(quantityPlaces)
}

// NewClientOrderID returns a short unique id accepted as newClientOrderId.
func NewClientOrderID() string {
	id := uuid.New()
	return "mg" + base62.EncodeToString(id[:])
}
