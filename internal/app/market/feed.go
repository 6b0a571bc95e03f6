// Package market implements the market stance feed: price-to-stance
// mapping, the active bidding persona and the append-only trade ledger.
package market

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/metrics"
	"github.com/industriverse/chronos/internal/infra/sqlite"
)

// Stance thresholds in $/kWh.
const (
	ConservativeAbove = 0.20
	AggressiveBelow   = 0.10
)

const personaSettingKey = "market.persona"

// GetMarketStance maps a price to a stance: above 0.20 CONSERVATIVE,
// below 0.10 AGGRESSIVE, otherwise BALANCED (boundaries inclusive).
func GetMarketStance(price float64) domain.MarketStance {
	switch {
	case price > ConservativeAbove:
		return domain.StanceConservative
	case price < AggressiveBelow:
		return domain.StanceAggressive
	default:
		return domain.StanceBalanced
	}
}

// GetBidMultiplier returns the bid multiplier for a stance. Multipliers do
// not increase as the stance moves to higher prices.
func GetBidMultiplier(stance domain.MarketStance) float64 {
	switch stance {
	case domain.StanceAggressive:
		return 1.5
	case domain.StanceConservative:
		return 0.8
	default:
		return 1.0
	}
}

// Feed owns the active persona and the trade ledger. Safe for concurrent use.
type Feed struct {
	db  *sqlite.DB
	log zerolog.Logger
	now func() time.Time

	mu      sync.Mutex
	persona domain.Persona
}

// NewFeed restores the persisted persona (or DefaultPersona).
func NewFeed(db *sqlite.DB, log zerolog.Logger) (*Feed, error) {
	f := &Feed{
		db:  db,
		log: log.With().Str("component", "market").Logger(),
		now: time.Now,
	}

	id, err := db.GetSetting(personaSettingKey)
	if err != nil {
		return nil, fmt.Errorf("load persona: %w", err)
	}
	if id == "" {
		id = DefaultPersona
	}
	p, err := LookupPersona(id)
	if err != nil {
		f.log.Warn().Str("persona", id).Msg("stored persona unknown, using default")
		p, _ = LookupPersona(DefaultPersona)
	}
	f.persona = p

	if bal, err := db.TradeBalance(); err == nil {
		metrics.Balance.Set(bal)
	}
	return f, nil
}

// ─── Persona ────────────────────────────────────────────────────────────────

// PersonaConfig returns the active persona.
func (f *Feed) PersonaConfig() domain.Persona {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persona
}

// SetPersona selects and persists the active persona.
func (f *Feed) SetPersona(id string) error {
	p, err := LookupPersona(id)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.db.SetSetting(personaSettingKey, p.ID); err != nil {
		return fmt.Errorf("persist persona: %w", err)
	}
	if f.persona.ID != p.ID {
		f.log.Info().Str("from", f.persona.ID).Str("to", p.ID).Msg("persona switched")
	}
	f.persona = p
	return nil
}

// InitPersona selects id unless a persona was already persisted, so a
// configured default never overrides an operator's later choice.
func (f *Feed) InitPersona(id string) error {
	stored, err := f.db.GetSetting(personaSettingKey)
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}
	if stored != "" || id == "" {
		return nil
	}
	return f.SetPersona(id)
}

// ─── Context ────────────────────────────────────────────────────────────────

// GetMarketStance is the stance for price.
func (f *Feed) GetMarketStance(price float64) domain.MarketStance {
	return GetMarketStance(price)
}

// GetBidMultiplier is the stance multiplier scaled by the active persona.
func (f *Feed) GetBidMultiplier(stance domain.MarketStance) float64 {
	return PersonaMultiplier(f.PersonaConfig(), stance)
}

// PersonaStance leans a BALANCED market toward the persona's bias. The
// extremes are left alone, so the stance still only moves toward
// CONSERVATIVE as the price rises.
func PersonaStance(p domain.Persona, market domain.MarketStance) domain.MarketStance {
	if market == domain.StanceBalanced && p.BiasStance != "" {
		return p.BiasStance
	}
	return market
}

// PersonaMultiplier is the persona's base multiplier times the stance
// multiplier, with the stance's distance from 1.0 scaled by risk tolerance
// (0.5 leaves it unchanged, 1.0 doubles it, 0 flattens it to 1.0).
func PersonaMultiplier(p domain.Persona, stance domain.MarketStance) float64 {
	risk := math.Min(math.Max(p.RiskTolerance, 0), 1)
	m := 1 + (GetBidMultiplier(stance)-1)*2*risk
	return p.BaseBidMultiplier * m
}

// Context builds the per-tick market context. When priceErr is non-nil the
// price is unknown and the stance is left empty.
func (f *Feed) Context(price float64, priceErr error) domain.MarketContext {
	p := f.PersonaConfig()
	mc := domain.MarketContext{
		Persona:       p,
		BidMultiplier: p.BaseBidMultiplier,
		At:            f.now(),
	}
	if priceErr != nil {
		mc.PriceError = priceErr.Error()
		return mc
	}
	mc.Price = price
	mc.PriceKnown = true
	mc.PriceStance = GetMarketStance(price)
	mc.Stance = PersonaStance(p, mc.PriceStance)
	mc.BidMultiplier = PersonaMultiplier(p, mc.Stance)
	return mc
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

// RecordTrade adds profit to the balance and appends exactly one ledger
// record, atomically with respect to other RecordTrade calls.
func (f *Feed) RecordTrade(taskID, taskName string, profit float64) (domain.TradeRecord, error) {
	if math.IsNaN(profit) || math.IsInf(profit, 0) {
		return domain.TradeRecord{}, fmt.Errorf("record trade for %s: profit %v is not finite", taskID, profit)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.db.AppendTrade(domain.TradeRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		TaskName:  taskName,
		Profit:    profit,
		Timestamp: f.now(),
	})
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("record trade for %s: %w", taskID, err)
	}

	metrics.Balance.Set(rec.Balance)
	sign := "profit"
	if profit < 0 {
		sign = "loss"
	}
	metrics.Trades.WithLabelValues(sign).Inc()

	f.log.Info().
		Str("task_id", taskID).
		Float64("profit", profit).
		Float64("balance", rec.Balance).
		Msg("trade recorded")
	return rec, nil
}

// Balance returns the running ledger balance.
func (f *Feed) Balance() (float64, error) {
	return f.db.TradeBalance()
}

// Trades returns up to limit trades, newest first.
func (f *Feed) Trades(limit int) ([]domain.TradeRecord, error) {
	return f.db.RecentTrades(limit)
}
