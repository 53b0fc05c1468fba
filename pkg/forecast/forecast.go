// Package forecast defines the workload and thermal forecast contract consumed by the
// scheduling engine, with an EWMA reference forecaster and a circuit breaker wrapper.
package forecast

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// Characteristics describe a task on a prospective core.
type Characteristics struct {
	TaskID        string
	Core          topology.CoreID
	EstimatedCost time.Duration
	WorkingSet    uint64
	Priority      int
}

// Profile is the predicted behaviour of a task on a core. LoadFactor scales execution
// time (1 is nominal). ThermalDelta is the normalized thermal rise per second of
// execution.
type Profile struct {
	LoadFactor   float64
	ThermalDelta float64
}

// Neutral is the profile used when no forecast is available.
func Neutral() Profile { return Profile{LoadFactor: 1} }

// Provider produces forecasts. Implementations may block and must honor ctx.
type Provider interface {
	Forecast(ctx context.Context, c Characteristics) (Profile, error)
}

// NeutralProvider always returns Neutral.
type NeutralProvider struct{}

func (NeutralProvider) Forecast(ctx context.Context, _ Characteristics) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	return Neutral(), nil
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, c Characteristics) (Profile, error)

func (f Func) Forecast(ctx context.Context, c Characteristics) (Profile, error) { return f(ctx, c) }
