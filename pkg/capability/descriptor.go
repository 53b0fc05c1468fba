package capability

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrEmptyRights   = errors.New("capability: descriptor has no rights")
	ErrInvalidWindow = errors.New("capability: valid_until must be after valid_from")
	ErrMissingOwner  = errors.New("capability: descriptor has no owner")
)

// Descriptor is the server-side authority a token indexes. Immutable once inserted.
type Descriptor struct {
	Rights     Rights         `json:"rights"`
	ValidFrom  time.Time      `json:"valid_from"`
	ValidUntil time.Time      `json:"valid_until"`
	Bounds     *SpatialBounds `json:"bounds,omitempty"`
	OwnerID    string         `json:"owner_id"`
}

// Validate checks the structural invariants required for insertion.
func (d Descriptor) Validate() error {
	if d.Rights == 0 {
		return ErrEmptyRights
	}
	if d.OwnerID == "" {
		return ErrMissingOwner
	}
	if !d.ValidUntil.After(d.ValidFrom) {
		return fmt.Errorf("%w: [%s, %s)", ErrInvalidWindow,
			d.ValidFrom.Format(time.RFC3339), d.ValidUntil.Format(time.RFC3339))
	}
	return nil
}

// ActiveAt reports ValidFrom <= now < ValidUntil.
func (d Descriptor) ActiveAt(now time.Time) bool {
	return !now.Before(d.ValidFrom) && now.Before(d.ValidUntil)
}

// ExpiredAt reports ValidUntil <= now. Expired descriptors are treated as absent.
func (d Descriptor) ExpiredAt(now time.Time) bool {
	return !now.Before(d.ValidUntil)
}

func (d Descriptor) clone() Descriptor {
	d.Bounds = d.Bounds.clone()
	return d
}
