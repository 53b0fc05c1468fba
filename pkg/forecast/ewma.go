package forecast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/capkernel/pkg/topology"
)

// EWMA forecasts per-core load factor and thermal rise as exponentially weighted
// moving averages of observed executions.
type EWMA struct {
	alpha float64

	mu    sync.RWMutex
	cores map[topology.CoreID]Profile
}

// NewEWMA creates a forecaster with smoothing factor alpha in (0,1].
func NewEWMA(alpha float64) (*EWMA, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("forecast: alpha must be in (0,1], got %v", alpha)
	}
	return &EWMA{alpha: alpha, cores: make(map[topology.CoreID]Profile)}, nil
}

// Observe records that work expected to take expected on core took actual and raised
// the core's normalized temperature by thermalRise.
func (e *EWMA) Observe(core topology.CoreID, expected, actual time.Duration, thermalRise float64) {
	if expected <= 0 || actual < 0 {
		return
	}
	ratio := float64(actual) / float64(expected)
	perSec := 0.0
	if actual > 0 {
		perSec = thermalRise / actual.Seconds()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.cores[core]
	if !ok {
		e.cores[core] = Profile{LoadFactor: ratio, ThermalDelta: perSec}
		return
	}
	p.LoadFactor = e.alpha*ratio + (1-e.alpha)*p.LoadFactor
	p.ThermalDelta = e.alpha*perSec + (1-e.alpha)*p.ThermalDelta
	e.cores[core] = p
}

// Forecast implements Provider. Cores with no observations get the neutral profile.
func (e *EWMA) Forecast(ctx context.Context, c Characteristics) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.cores[c.Core]; ok {
		return p, nil
	}
	return Neutral(), nil
}
