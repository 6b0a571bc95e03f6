// Package pricing provides domain.PriceSource implementations: a fixed
// price, an HTTP JSON feed, a scripted sequence, and a circuit-breaker
// wrapper that stops hammering a feed that keeps failing.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/healing"
	"github.com/industriverse/chronos/internal/infra/metrics"
)

// ─── Static ─────────────────────────────────────────────────────────────────

// Static always reports the same price.
type Static float64

// CurrentPrice implements domain.PriceSource.
func (s Static) CurrentPrice(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return float64(s), nil
}

// ─── HTTP ───────────────────────────────────────────────────────────────────

// HTTPSource polls a JSON endpoint returning {"price": <$/kWh>}.
type HTTPSource struct {
	URL    string
	Field  string // JSON key holding the price; "price" when empty
	Client *http.Client
}

// CurrentPrice implements domain.PriceSource.
func (s *HTTPSource) CurrentPrice(ctx context.Context) (float64, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("price feed returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload map[string]any
	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<16))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode price feed: %w", err)
	}

	field := s.Field
	if field == "" {
		field = "price"
	}
	raw, ok := payload[field].(json.Number)
	if !ok {
		return 0, fmt.Errorf("price feed: missing numeric %q field", field)
	}
	price, err := raw.Float64()
	if err != nil {
		return 0, fmt.Errorf("price feed: %q is not a number: %w", field, err)
	}
	return validate(price)
}

// ─── Sequence ───────────────────────────────────────────────────────────────

// Step is one scripted reading: a price, or an error when Err is set.
type Step struct {
	Price float64
	Err   error
}

// Sequence replays scripted readings in order and then repeats the last
// one. It stands in for a live feed in demos and tests.
type Sequence struct {
	mu    sync.Mutex
	steps []Step
	pos   int
}

// NewSequence builds a sequence of plain prices.
func NewSequence(prices ...float64) *Sequence {
	steps := make([]Step, len(prices))
	for i, p := range prices {
		steps[i] = Step{Price: p}
	}
	return &Sequence{steps: steps}
}

// NewScript builds a sequence that may include failures.
func NewScript(steps ...Step) *Sequence {
	return &Sequence{steps: steps}
}

// CurrentPrice implements domain.PriceSource.
func (s *Sequence) CurrentPrice(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.steps) == 0 {
		return 0, errors.New("price sequence is empty")
	}
	step := s.steps[s.pos]
	if s.pos < len(s.steps)-1 {
		s.pos++
	}
	if step.Err != nil {
		return 0, step.Err
	}
	return step.Price, nil
}

// ─── Breaker ────────────────────────────────────────────────────────────────

// Guarded routes reads through a circuit breaker. While the circuit is
// open reads fail fast with domain.ErrCircuitOpen.
type Guarded struct {
	src     domain.PriceSource
	breaker *healing.CircuitBreaker
}

// WithBreaker wraps src.
func WithBreaker(src domain.PriceSource, cb *healing.CircuitBreaker) *Guarded {
	return &Guarded{src: src, breaker: cb}
}

// CurrentPrice implements domain.PriceSource.
func (g *Guarded) CurrentPrice(ctx context.Context) (float64, error) {
	var price float64
	err := g.breaker.Call(func() error {
		p, err := g.src.CurrentPrice(ctx)
		if err != nil {
			return err
		}
		price, err = validate(p)
		return err
	})
	if err != nil {
		metrics.PriceErrors.Inc()
		return 0, err
	}
	metrics.Price.Set(price)
	return price, nil
}

// Breaker exposes the wrapped breaker for health reporting.
func (g *Guarded) Breaker() *healing.CircuitBreaker { return g.breaker }

func validate(price float64) (float64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return 0, fmt.Errorf("price feed: invalid price %v", price)
	}
	return price, nil
}

// ─── Construction ───────────────────────────────────────────────────────────

// Source kinds accepted by New.
const (
	KindStatic   = "static"
	KindHTTP     = "http"
	KindSequence = "sequence"
)

// Options selects and parameterises a price source.
type Options struct {
	Kind     string
	Static   float64
	URL      string
	Field    string
	Sequence []float64
	Client   *http.Client
}

// New builds the configured source.
func New(opts Options) (domain.PriceSource, error) {
	switch strings.ToLower(opts.Kind) {
	case "", KindStatic:
		if _, err := validate(opts.Static); err != nil {
			return nil, err
		}
		return Static(opts.Static), nil
	case KindHTTP:
		if opts.URL == "" {
			return nil, errors.New("price source http: url is required")
		}
		return &HTTPSource{URL: opts.URL, Field: opts.Field, Client: opts.Client}, nil
	case KindSequence:
		if len(opts.Sequence) == 0 {
			return nil, errors.New("price source sequence: no prices given")
		}
		return NewSequence(opts.Sequence...), nil
	default:
		return nil, fmt.Errorf("unknown price source %q (want static, http or sequence)", opts.Kind)
	}
}
