package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/industriverse/chronos/internal/domain"
	"github.com/industriverse/chronos/internal/infra/healing"
)

func TestStatic(t *testing.T) {
	p, err := Static(0.12).CurrentPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.12, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Static(0.12).CurrentPrice(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"price": 0.1875, "unit": "USD/kWh"}`))
		case "/custom":
			w.Write([]byte(`{"lmp": 0.31}`))
		case "/negative":
			w.Write([]byte(`{"price": -1}`))
		case "/text":
			w.Write([]byte(`{"price": "cheap"}`))
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{"price": 0.1}`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	p, err := (&HTTPSource{URL: srv.URL + "/ok"}).CurrentPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.1875, p)

	p, err = (&HTTPSource{URL: srv.URL + "/custom", Field: "lmp"}).CurrentPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.31, p)

	for _, path := range []string{"/negative", "/text", "/fail"} {
		_, err := (&HTTPSource{URL: srv.URL + path}).CurrentPrice(ctx)
		assert.Error(t, err, path)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = (&HTTPSource{URL: srv.URL + "/slow"}).CurrentPrice(tctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSequence(t *testing.T) {
	feedDown := errors.New("feed down")
	s := NewScript(Step{Price: 0.1}, Step{Err: feedDown}, Step{Price: 0.3})
	ctx := context.Background()

	p, err := s.CurrentPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.1, p)

	_, err = s.CurrentPrice(ctx)
	assert.ErrorIs(t, err, feedDown)

	for i := 0; i < 3; i++ {
		p, err = s.CurrentPrice(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0.3, p, "last step repeats")
	}

	_, err = NewSequence().CurrentPrice(ctx)
	assert.Error(t, err)
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	var calls int
	src := domain.PriceFunc(func(context.Context) (float64, error) {
		calls++
		return 0, errors.New("timeout")
	})
	g := WithBreaker(src, healing.NewCircuitBreaker("price", healing.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		HalfOpenMax:      1,
	}))
	ctx := context.Background()

	_, err := g.CurrentPrice(ctx)
	require.Error(t, err)
	_, err = g.CurrentPrice(ctx)
	require.Error(t, err)

	_, err = g.CurrentPrice(ctx)
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, healing.CBOpen, g.Breaker().State())
}

func TestGuarded_RejectsInvalidPrice(t *testing.T) {
	g := WithBreaker(Static(-0.5), healing.NewCircuitBreaker("price", healing.DefaultCircuitBreakerConfig()))
	_, err := g.CurrentPrice(context.Background())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	src, err := New(Options{Kind: "static", Static: 0.2})
	require.NoError(t, err)
	assert.Equal(t, Static(0.2), src)

	src, err = New(Options{Kind: "sequence", Sequence: []float64{0.1, 0.2}})
	require.NoError(t, err)
	assert.IsType(t, &Sequence{}, src)

	src, err = New(Options{Kind: "HTTP", URL: "http://localhost:9/price"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	for _, bad := range []Options{
		{Kind: "http"},
		{Kind: "sequence"},
		{Kind: "static", Static: -1},
		{Kind: "oracle"},
	} {
		_, err := New(bad)
		assert.Error(t, err, bad.Kind)
	}
}
