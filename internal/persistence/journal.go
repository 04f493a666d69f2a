package persistence

import (
	"time"

	"martingale-bot-go/internal/events"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Journal is an append-only log of engine events, keyed by bot.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type Journal interface {
	// Append stores one event after every event previously appended.
	Append(e events.Event) error

	// Events returns the events of one bot in append order.
	// An unknown bot yields an empty slice, not an error.
	Events(botID uuid.UUID) ([]Record, error)

	// Close gracefully closes the connection to the database.
	Close() error
}

// Record is a stored event with its payload still encoded.
type Record struct {
	Seq       uint64              `json:"seq"`
	BotID     uuid.UUID           `json:"bot_id"`
	UserID    string              `json:"user_id"`
	Type      events.Type         `json:"type"`
	Payload   jsoniter.RawMessage `json:"payload"`
	Timestamp time.Time           `json:"timestamp"`
}

// Event decodes the payload into its typed struct.
func (r Record) Event() (events.Event, error) {
	e := events.Event{
		BotID:     r.BotID,
		UserID:    r.UserID,
		Type:      r.Type,
		Timestamp: r.Timestamp,
	}
	target := events.PayloadFor(r.Type)
	if target == nil || len(r.Payload) == 0 {
		return e, nil
	}
	if err := json.Unmarshal(r.Payload, target); err != nil {
		return e, err
	}
	// handlers switch on value payloads
	switch p := target.(type) {
	case *events.StartedPayload:
		e.Payload = *p
	case *events.StoppedPayload:
		e.Payload = *p
	case *events.ErrorPayload:
		e.Payload = *p
	case *events.TradeOpenedPayload:
		e.Payload = *p
	case *events.MartingaleAddedPayload:
		e.Payload = *p
	case *events.PositionClosedPayload:
		e.Payload = *p
	}
	return e, nil
}
