// Package topology describes the cores a scheduler may place work on.
package topology

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// CoreID identifies a core. Ids are stable and totally ordered.
type CoreID int

// NoCore marks a task that is not yet resident on any core.
const NoCore CoreID = -1

// Core holds the static capabilities of one core.
type Core struct {
	ID           CoreID   `yaml:"id"`
	Tags         []string `yaml:"tags"`
	Capacity     float64  `yaml:"capacity"`      // relative speed; 1.0 is the reference core
	Power        float64  `yaml:"power"`         // watts at full load
	ThermalLimit float64  `yaml:"thermal_limit"` // normalized headroom ceiling in (0,1]
}

// HasTags reports whether the core carries every tag in want.
func (c Core) HasTags(want []string) bool {
	for _, t := range want {
		if !slices.Contains(c.Tags, t) {
			return false
		}
	}
	return true
}

// Provider enumerates available cores.
type Provider interface {
	Cores(ctx context.Context) ([]Core, error)
}

var (
	ErrNoCores     = errors.New("topology: no cores")
	ErrDuplicateID = errors.New("topology: duplicate core id")
)

// Static is a fixed topology sorted by core id.
type Static struct {
	cores []Core
}

// NewStatic validates cores and returns them as a provider.
func NewStatic(cores []Core) (*Static, error) {
	if len(cores) == 0 {
		return nil, ErrNoCores
	}
	out := make([]Core, len(cores))
	copy(out, cores)
	slices.SortFunc(out, func(a, b Core) int { return int(a.ID) - int(b.ID) })
	for i, c := range out {
		if c.ID < 0 {
			return nil, fmt.Errorf("topology: core id %d is negative", c.ID)
		}
		if i > 0 && out[i-1].ID == c.ID {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, c.ID)
		}
		if c.Capacity <= 0 {
			return nil, fmt.Errorf("topology: core %d capacity must be positive", c.ID)
		}
		if c.ThermalLimit == 0 {
			out[i].ThermalLimit = 1
		}
		out[i].Tags = slices.Clone(c.Tags)
	}
	return &Static{cores: out}, nil
}

func (s *Static) Cores(ctx context.Context) ([]Core, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Core, len(s.cores))
	copy(out, s.cores)
	return out, nil
}

// IDs returns the core ids in ascending order.
func (s *Static) IDs() []CoreID {
	ids := make([]CoreID, len(s.cores))
	for i, c := range s.cores {
		ids[i] = c.ID
	}
	return ids
}
