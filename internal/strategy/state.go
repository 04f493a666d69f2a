package strategy

// PositionLevel is one executed entry of a staged position. Levels are
// appended in execution order and never modified afterwards.
type PositionLevel struct {
	Price          float64 `json:"price"`
	MarginFraction float64 `json:"margin_fraction"`
	ContractSize   float64 `json:"contract_size"`
	LevelIndex     int     `json:"level_index"`
}

// SymbolTradeState is the martingale state of one symbol of one bot.
//
// While IsActive, len(PositionLevels) == CurrentStep+1 and
// len(TriggerPrices) == CurrentStep: the initial entry records no trigger.
type SymbolTradeState struct {
	IsActive       bool            `json:"is_active"`
	InFlight       bool            `json:"in_flight"`
	CurrentStep    int             `json:"current_step"`
	EntryPrice     float64         `json:"entry_price,omitempty"` // 0 when idle
	PositionLevels []PositionLevel `json:"position_levels"`
	TriggerPrices  []float64       `json:"trigger_prices"`
}

// Reset returns the state to IDLE in a single assignment.
func (s *SymbolTradeState) Reset() {
	*s = SymbolTradeState{}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s SymbolTradeState) Clone() SymbolTradeState {
	out := s
	if s.PositionLevels != nil {
		out.PositionLevels = make([]PositionLevel, len(s.PositionLevels))
		copy(out.PositionLevels, s.PositionLevels)
	}
	if s.TriggerPrices != nil {
		out.TriggerPrices = make([]float64, len(s.TriggerPrices))
		copy(out.TriggerPrices, s.TriggerPrices)
	}
	return out
}

// TotalContracts sums the contract size of every level.
func (s SymbolTradeState) TotalContracts() float64 {
	total := 0.0
	for _, l := range s.PositionLevels {
		total += l.ContractSize
	}
	return roundContracts(total)
}

// WeightedAverage is Σ(price·contracts)/Σ(contracts) over all levels, or the
// entry price when no level carries contracts.
func (s SymbolTradeState) WeightedAverage() float64 {
	var notional, contracts float64
	for _, l := range s.PositionLevels {
		notional += l.Price * l.ContractSize
		contracts += l.ContractSize
	}
	if contracts <= 0 {
		return s.EntryPrice
	}
	return notional / contracts
}

// reference is the price the next trigger is measured from.
func (s SymbolTradeState) reference() float64 {
	if n := len(s.TriggerPrices); n > 0 {
		return s.TriggerPrices[n-1]
	}
	return s.EntryPrice
}
