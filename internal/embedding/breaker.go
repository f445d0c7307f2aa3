package embedding

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Breaker wraps a Provider with a circuit breaker so a dead embedding
// endpoint fails writes over to the pending queue immediately instead of
// making every memorize call wait out the HTTP timeout.
type Breaker struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker wraps p. The breaker opens after five consecutive failures and
// probes again after 30 seconds.
func NewBreaker(p Provider, logger *zap.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:    "embedding",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("embedding breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &Breaker{inner: p, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Dim() int      { return b.inner.Dim() }
func (b *Breaker) Enabled() bool { return b.inner.Enabled() }

// Embed forwards through the breaker. An open breaker and a provider
// failure both surface as ErrUnavailable; bad requests (4xx) pass through
// untouched and do not trip the breaker.
func (b *Breaker) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := b.cb.Execute(func() (any, error) {
		vecs, err := b.inner.Embed(ctx, texts)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			// Caller errors must not open the breaker; wrap so the breaker
			// sees success and the caller still gets the failure.
			return failedBatch{err: err}, nil
		}
		return vecs, err
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrUnavailable
		}
		return nil, err
	}
	if f, ok := out.(failedBatch); ok {
		return nil, f.err
	}
	return out.([][]float32), nil
}

type failedBatch struct{ err error }
