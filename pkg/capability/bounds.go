package capability

// Location is where a requester declares it is acting.
type Location struct {
	Domain  string `json:"domain,omitempty"`
	Address uint64 `json:"address,omitempty"`
}

// AddrRange is the half-open address interval [Lo, Hi).
type AddrRange struct {
	Lo uint64 `json:"lo"`
	Hi uint64 `json:"hi"`
}

func (a AddrRange) Contains(addr uint64) bool { return a.Lo <= addr && addr < a.Hi }

// SpatialBounds constrains where a capability may be exercised. A nil *SpatialBounds is
// unrestricted. Within a non-nil bound, an empty Domains list admits any domain and an
// empty Ranges list admits any address.
type SpatialBounds struct {
	Domains []string    `json:"domains,omitempty"`
	Ranges  []AddrRange `json:"ranges,omitempty"`
}

// Permits reports whether loc lies within b. A restricted bound never admits a request
// that declares no location.
func (b *SpatialBounds) Permits(loc *Location) bool {
	if b == nil {
		return true
	}
	if len(b.Domains) == 0 && len(b.Ranges) == 0 {
		return true
	}
	if loc == nil {
		return false
	}
	if len(b.Domains) > 0 && !containsString(b.Domains, loc.Domain) {
		return false
	}
	if len(b.Ranges) > 0 {
		in := false
		for _, r := range b.Ranges {
			if r.Contains(loc.Address) {
				in = true
				break
			}
		}
		if !in {
			return false
		}
	}
	return true
}

func (b *SpatialBounds) clone() *SpatialBounds {
	if b == nil {
		return nil
	}
	return &SpatialBounds{
		Domains: append([]string(nil), b.Domains...),
		Ranges:  append([]AddrRange(nil), b.Ranges...),
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
