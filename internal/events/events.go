package events

import (
	"time"

	"github.com/google/uuid"
)

// Type defines the kind of an engine event.
type Type string

const (
	Started         Type = "started"
	Stopped         Type = "stopped"
	Error           Type = "error"
	TradeOpened     Type = "trade_opened"
	MartingaleAdded Type = "martingale_added"
	PositionClosed  Type = "position_closed"
)

// Event is the envelope every engine event travels in. Payload holds one of
// the *Payload types below, matching Type.
type Event struct {
	BotID     uuid.UUID `json:"bot_id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives events. Publish must not block the caller.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// New stamps an event with the current time.
func New(botID uuid.UUID, userID string, typ Type, payload any) Event {
	return Event{
		BotID:     botID,
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

type StartedPayload struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type StoppedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload reports a failure. Fatal is set when the run loop terminated;
// otherwise the failure was confined to Symbol and the bot keeps running.
type ErrorPayload struct {
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
	Fatal   bool   `json:"fatal"`
}

type TradeOpenedPayload struct {
	Symbol         string  `json:"symbol"`
	Price          float64 `json:"price"`
	Contracts      float64 `json:"contracts"`
	MarginFraction float64 `json:"margin_fraction"`
	Leverage       int     `json:"leverage"`
	OrderID        string  `json:"order_id"`
}

type MartingaleAddedPayload struct {
	Symbol         string  `json:"symbol"`
	Step           int     `json:"step"`
	Price          float64 `json:"price"`
	Reference      float64 `json:"reference"`
	DropPct        float64 `json:"drop_pct"`
	Contracts      float64 `json:"contracts"`
	MarginFraction float64 `json:"margin_fraction"`
	AvgEntry       float64 `json:"avg_entry"`
	OrderID        string  `json:"order_id"`
}

type PositionClosedPayload struct {
	Symbol       string  `json:"symbol"`
	AvgEntry     float64 `json:"avg_entry"`
	ExitPrice    float64 `json:"exit_price"`
	Contracts    float64 `json:"contracts"`
	Levels       int     `json:"levels"`
	ProfitPct    float64 `json:"profit_pct"`
	MarginReturn float64 `json:"margin_return"`
	OrderID      string  `json:"order_id"`
}

// PayloadFor returns a pointer to an empty payload of the type carried by t,
// for decoding stored events. Unknown types yield nil.
func PayloadFor(t Type) any {
	switch t {
	case Started:
		return &StartedPayload{}
	case Stopped:
		return &StoppedPayload{}
	case Error:
		return &ErrorPayload{}
	case TradeOpened:
		return &TradeOpenedPayload{}
	case MartingaleAdded:
		return &MartingaleAddedPayload{}
	case PositionClosed:
		return &PositionClosedPayload{}
	}
	return nil
}
