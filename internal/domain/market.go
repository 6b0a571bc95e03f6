package domain

import "time"

// MarketStance summarises the pricing condition.
type MarketStance string

const (
	StanceAggressive   MarketStance = "AGGRESSIVE"
	StanceBalanced     MarketStance = "BALANCED"
	StanceConservative MarketStance = "CONSERVATIVE"
)

// Persona is a named bidding profile. Exactly one is active at a time.
type Persona struct {
	ID                string       `json:"id"`
	BiasStance        MarketStance `json:"bias_stance"`
	BaseBidMultiplier float64      `json:"base_bid_multiplier"`
	RiskTolerance     float64      `json:"risk_tolerance"` // [0, 1]
	Description       string       `json:"description"`
}

// MarketContext is computed once per tick and passed into admission.
// It replaces any process-wide "current persona" state.
type MarketContext struct {
	Price         float64      `json:"price"`
	PriceKnown    bool         `json:"price_known"`
	PriceError    string       `json:"price_error,omitempty"`
	PriceStance   MarketStance `json:"price_stance,omitempty"` // from price alone
	Stance        MarketStance `json:"stance,omitempty"`       // PriceStance leaned by the persona
	BidMultiplier float64      `json:"bid_multiplier"`
	Persona       Persona      `json:"persona"`
	At            time.Time    `json:"at"`
}

// TradeRecord is an append-only ledger entry.
type TradeRecord struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	TaskName  string    `json:"task_name"`
	Profit    float64   `json:"profit"`
	Balance   float64   `json:"balance"`
	Timestamp time.Time `json:"timestamp"`
}
