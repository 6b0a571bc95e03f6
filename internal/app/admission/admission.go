// Package admission implements the economic admission controller: a task
// executes only when the live price is at or below its effective bid.
package admission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/metrics"
)

// Effective bid adjustments.
const (
	// HydrationPenaltyThreshold is the hydration cost above which a
	// non-critical task's bid is reduced.
	HydrationPenaltyThreshold = 0.05
	HydrationPenalty          = 0.8
)

// Verdict is the admission outcome.
type Verdict string

const (
	Execute Verdict = "EXECUTE"
	Defer   Verdict = "DEFER"
)

// Decision explains one admission verdict.
type Decision struct {
	Verdict       Verdict `json:"verdict"`
	Reason        string  `json:"reason"`
	Price         float64 `json:"price"`
	PriceKnown    bool    `json:"price_known"`
	EffectiveBid  float64 `json:"effective_bid"`
	HydrationCost float64 `json:"hydration_cost"`
}

// Err returns nil for EXECUTE and an ErrAdmissionDeferred-wrapped error for
// DEFER.
func (d Decision) Err() error {
	if d.Verdict == Execute {
		return nil
	}
	return fmt.Errorf("%w: %s", domain.ErrAdmissionDeferred, d.Reason)
}

// Config toggles optional admission behaviour.
type Config struct {
	// ApplyStanceMultiplier scales the effective bid by the market context's
	// bid multiplier (persona × stance).
	ApplyStanceMultiplier bool `toml:"apply_stance_multiplier"`
}

// CostFunc estimates the dollar cost of hydrating a task's artifact.
type CostFunc func(ctx context.Context, task domain.Task) float64

// DeclaredCost uses the estimate carried on the task.
func DeclaredCost(_ context.Context, task domain.Task) float64 {
	return task.HydrationCostEstimate
}

// Admitter decides EXECUTE or DEFER for candidate tasks.
type Admitter struct {
	cfg  Config
	cost CostFunc
	log  zerolog.Logger
}

// New creates an Admitter. A nil cost uses DeclaredCost.
func New(cfg Config, cost CostFunc, log zerolog.Logger) *Admitter {
	if cost == nil {
		cost = DeclaredCost
	}
	return &Admitter{
		cfg:  cfg,
		cost: cost,
		log:  log.With().Str("component", "admission").Logger(),
	}
}

// EffectiveBid is maxBid × (1 + negentropy), reduced by HydrationPenalty
// when a non-critical task's hydration cost exceeds the threshold.
func EffectiveBid(task domain.Task, hydrationCost float64) float64 {
	bid := task.MaxBidPrice * (1 + task.NegentropyValue)
	if hydrationCost > HydrationPenaltyThreshold && !task.IsCritical() {
		bid *= HydrationPenalty
	}
	return bid
}

// Decide returns the admission verdict for task under mc. For a fixed task
// the verdict is monotonic in price: if a price executes, every lower price
// executes too.
func (a *Admitter) Decide(ctx context.Context, task domain.Task, mc domain.MarketContext) Decision {
	d := Decision{Price: mc.Price, PriceKnown: mc.PriceKnown}
	d.HydrationCost = a.cost(ctx, task)
	d.EffectiveBid = EffectiveBid(task, d.HydrationCost)
	if a.cfg.ApplyStanceMultiplier && mc.PriceKnown && mc.BidMultiplier > 0 {
		d.EffectiveBid *= mc.BidMultiplier
	}

	switch {
	case task.IsCritical():
		d.Verdict = Execute
		d.Reason = "critical priority bypasses price gating"
	case !mc.PriceKnown:
		d.Verdict = Defer
		d.Reason = "price unavailable"
		if mc.PriceError != "" {
			d.Reason += ": " + mc.PriceError
		}
	case mc.Price <= d.EffectiveBid:
		d.Verdict = Execute
		d.Reason = fmt.Sprintf("price %.4f within effective bid %.4f", mc.Price, d.EffectiveBid)
	default:
		d.Verdict = Defer
		d.Reason = fmt.Sprintf("price %.4f exceeds effective bid %.4f", mc.Price, d.EffectiveBid)
	}

	metrics.AdmissionDecisions.WithLabelValues(string(d.Verdict), task.Priority.String()).Inc()
	a.log.Debug().
		Str("task_id", task.ID).
		Str("verdict", string(d.Verdict)).
		Float64("price", d.Price).
		Float64("effective_bid", d.EffectiveBid).
		Float64("hydration_cost", d.HydrationCost).
		Msg(d.Reason)
	return d
}

// ContextSource builds a market context from a price reading.
type ContextSource interface {
	Context(price float64, priceErr error) domain.MarketContext
}

// Evaluate reads the price from src and decides. Useful outside the tick
// loop, e.g. for one-off CLI checks.
func (a *Admitter) Evaluate(ctx context.Context, task domain.Task, src domain.PriceSource, feed ContextSource) Decision {
	price, err := src.CurrentPrice(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrPriceUnavailable, err)
	}
	return a.Decide(ctx, task, feed.Context(price, err))
}
