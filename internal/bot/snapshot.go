package bot

import (
	"time"

	"martingale-bot-go/internal/strategy"

	"github.com/google/uuid"
)

// SymbolSnapshot is a read-only view of one symbol.
type SymbolSnapshot struct {
	Symbol   string                    `json:"symbol"`
	AvgEntry float64                   `json:"avg_entry,omitempty"`
	State    strategy.SymbolTradeState `json:"state"`
}

// Snapshot is a deep copy of a bot's state, safe to read from any goroutine.
type Snapshot struct {
	ID           uuid.UUID        `json:"id"`
	UserID       string           `json:"user_id"`
	Name         string           `json:"name"`
	Running      bool             `json:"running"`
	Balance      float64          `json:"balance"`
	Active       int              `json:"active_positions"`
	MaxPositions int              `json:"max_positions"`
	Iterations   uint64           `json:"iterations"`
	Symbols      []SymbolSnapshot `json:"symbols"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Snapshot returns the state as of the end of the last iteration.
func (i *Instance) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := i.snapshot
	out.Running = i.running.Load()
	out.Symbols = make([]SymbolSnapshot, len(i.snapshot.Symbols))
	for k, s := range i.snapshot.Symbols {
		s.State = s.State.Clone()
		out.Symbols[k] = s
	}
	return out
}

// publishSnapshot copies the machines' state. Only the run loop calls it
// (and New/Preflight before the loop exists).
func (i *Instance) publishSnapshot(balance float64) {
	symbols := make([]SymbolSnapshot, len(i.machines))
	active := 0
	for k, m := range i.machines {
		s := m.State()
		symbols[k] = SymbolSnapshot{Symbol: m.Symbol(), State: s}
		if s.IsActive {
			symbols[k].AvgEntry = s.WeightedAverage()
			active++
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snapshot = Snapshot{
		ID:           i.id,
		UserID:       i.userID,
		Name:         i.name,
		Balance:      balance,
		Active:       active,
		MaxPositions: i.cfg.MaxPositions,
		Iterations:   i.iterations.Load(),
		Symbols:      symbols,
		UpdatedAt:    time.Now().UTC(),
	}
}
