package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// PriceSink receives every trade price the feed decodes.
type PriceSink interface {
	SetPrice(symbol string, price float64)
}

// PriceFeed streams aggTrade prices for a set of symbols from the futures
// market stream and forwards them to a PriceSink. It reconnects until ctx ends.
type PriceFeed struct {
	wsBaseURL      string
	symbols        []string
	sink           PriceSink
	reconnectDelay time.Duration
	pongWait       time.Duration
	dialer         *websocket.Dialer
	logger         *zap.Logger
}

// NewPriceFeed creates a feed for symbols against wsBaseURL (e.g. wss://fstream.binance.com).
func NewPriceFeed(wsBaseURL string, symbols []string, sink PriceSink, logger *zap.Logger) *PriceFeed {
	return &PriceFeed{
		wsBaseURL:      strings.TrimRight(wsBaseURL, "/"),
		symbols:        symbols,
		sink:           sink,
		reconnectDelay: 5 * time.Second,
		pongWait:       60 * time.Second,
		dialer:         websocket.DefaultDialer,
		logger:         logger,
	}
}

// streamURL builds the combined stream URL, e.g. /stream?streams=btcusdt@aggTrade/ethusdt@aggTrade.
func (f *PriceFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		streams = append(streams, strings.ToLower(s)+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", f.wsBaseURL, strings.Join(streams, "/"))
}

// Run 是一个守护进程，负责维持WebSocket的连接和重连
func (f *PriceFeed) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := f.dialer.DialContext(ctx, f.streamURL(), nil)
		if err != nil {
			f.logger.Warn("price feed connect failed", zap.Error(err), zap.Duration("retryIn", f.reconnectDelay))
		} else {
			f.logger.Info("price feed connected", zap.Strings("symbols", f.symbols))
			if err := f.readLoop(ctx, conn); err != nil {
				f.logger.Warn("price feed disconnected", zap.Error(err))
			}
			conn.Close()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.reconnectDelay):
		}
	}
}

// readLoop 为一个已建立的连接处理消息，并实现心跳机制
func (f *PriceFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pingPeriod := (f.pongWait * 9) / 10

	conn.SetReadDeadline(time.Now().Add(f.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			case <-ctx.Done():
				// unblocks ReadMessage below
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		symbol, price, err := ParseAggTrade(message)
		if err != nil {
			f.logger.Debug("skipping undecodable message", zap.Error(err))
			continue
		}
		f.sink.SetPrice(symbol, price)
	}
}

// ParseAggTrade decodes a combined-stream aggTrade frame.
func ParseAggTrade(message []byte) (string, float64, error) {
	var frame struct {
		Stream string `json:"stream"`
		Data   struct {
			Symbol string      `json:"s"`
			Price  json.Number `json:"p"` // "p"代表价格
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return "", 0, fmt.Errorf("解析价格信息失败: %w", err)
	}
	if frame.Data.Symbol == "" {
		return "", 0, fmt.Errorf("frame without symbol on stream %q", frame.Stream)
	}
	price, err := frame.Data.Price.Float64()
	if err != nil {
		return "", 0, fmt.Errorf("转换价格失败: %w", err)
	}
	if price <= 0 {
		return "", 0, fmt.Errorf("non-positive price %v for %s", price, frame.Data.Symbol)
	}
	return frame.Data.Symbol, price, nil
}
