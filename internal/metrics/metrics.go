package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============ Lifecycle ============

// RunningBots is the number of bots registered with the supervisor.
var RunningBots = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "martingale",
		Subsystem: "supervisor",
		Name:      "running_bots",
		Help:      "Number of bots currently running",
	},
)

// BotCrashes counts run loops that terminated on a fatal error.
var BotCrashes = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "martingale",
		Subsystem: "supervisor",
		Name:      "bot_crashes_total",
		Help:      "Run loops terminated by a fatal error or panic",
	},
)

// ============ Trading ============

// OrdersTotal counts order attempts by action and result.
var OrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "martingale",
		Subsystem: "trading",
		Name:      "orders_total",
		Help:      "Order attempts by action (entry, add_level, close) and result (success, failed)",
	},
	[]string{"action", "result"},
)

// MartingaleStep observes the depth a position reached when it was closed.
var MartingaleStep = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "martingale",
		Subsystem: "trading",
		Name:      "closed_position_levels",
		Help:      "Number of levels of closed positions",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 8, 10, 12},
	},
)

// MarginReturnTotal sums realized leverage-adjusted returns in percent.
var MarginReturnTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "martingale",
		Subsystem: "trading",
		Name:      "margin_return_pct_total",
		Help:      "Sum of realized margin returns in percent",
	},
)

// ActivePositions is the number of open positions per bot.
var ActivePositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "martingale",
		Subsystem: "trading",
		Name:      "active_positions",
		Help:      "Open positions per bot",
	},
	[]string{"bot_id"},
)

// ============ Exchange ============

// ExchangeErrors counts failed exchange calls by operation.
var ExchangeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "martingale",
		Subsystem: "exchange",
		Name:      "errors_total",
		Help:      "Failed exchange calls by operation",
	},
	[]string{"op"}, // price, balance, leverage, order
)

// AccountBalance is the last balance fetched per bot.
var AccountBalance = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "martingale",
		Subsystem: "exchange",
		Name:      "balance_usdt",
		Help:      "Last fetched available balance in USDT",
	},
	[]string{"bot_id"},
)

// ============ Events ============

// EventsPublished counts accepted events by type.
var EventsPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "martingale",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events accepted by the dispatcher",
	},
	[]string{"type"},
)

// EventsDropped counts events discarded because the dispatcher queue was full.
var EventsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "martingale",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped on a full dispatcher queue",
	},
)

// WSClients is the number of connected event stream clients.
var WSClients = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "martingale",
		Subsystem: "server",
		Name:      "ws_clients",
		Help:      "Connected websocket event stream clients",
	},
)
