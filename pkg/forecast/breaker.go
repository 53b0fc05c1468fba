package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBudgetExceeded is the cause of a context cut off by WithBudget.
var ErrBudgetExceeded = errors.New("forecast: provider exceeded its time budget")

// WithBudget bounds a forecast call to d. A breaker counts expiry of the budget as a
// provider failure, while cancellation or expiry of parent does not.
func WithBudget(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeoutCause(parent, d, ErrBudgetExceeded)
}

// BreakerSettings tune the circuit breaker around a provider.
type BreakerSettings struct {
	Name             string        `yaml:"name"`
	FailureThreshold uint32        `yaml:"failure_threshold"` // consecutive failures before opening
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // time spent open before half-open
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// Breaker stops calling a failing or slow provider for a while. Caller cancellation
// and caller deadlines do not count as provider failures; an expired WithBudget does.
type Breaker struct {
	next Provider
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next Provider, s BreakerSettings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "forecast")
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Name == "" {
		s.Name = "forecast"
	}
	return &Breaker{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        s.Name,
			MaxRequests: s.HalfOpenRequests,
			Timeout:     s.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= s.FailureThreshold
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				if errors.Is(err, ErrBudgetExceeded) {
					return false
				}
				return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("forecast breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Forecast implements Provider. An open breaker returns gobreaker.ErrOpenState.
func (b *Breaker) Forecast(ctx context.Context, c Characteristics) (Profile, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		p, err := b.next.Forecast(ctx, c)
		if err != nil && errors.Is(context.Cause(ctx), ErrBudgetExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrBudgetExceeded, err)
		}
		return p, err
	})
	if err != nil {
		return Profile{}, err
	}
	return out.(Profile), nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }
