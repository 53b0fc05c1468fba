package capability

import (
	"fmt"
	"math/bits"
	"strings"
)

// Rights is the operation mask of a descriptor, and the operation set of a request.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExec
	RightMap
	RightIPC
	RightSpawn
	RightRealtime
	RightAdmin

	rightsEnd
)

// AllRights is the union of every defined right.
const AllRights = rightsEnd - 1

var rightNames = [...]string{"read", "write", "exec", "map", "ipc", "spawn", "realtime", "admin"}

// Has reports whether every bit of want is present. A zero want is never satisfied.
func (r Rights) Has(want Rights) bool {
	return want != 0 && r&want == want
}

// Count returns the number of rights set.
func (r Rights) Count() int { return bits.OnesCount32(uint32(r)) }

// Names lists the set rights in bit order.
func (r Rights) Names() []string {
	var out []string
	for i, name := range rightNames {
		if r&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	s := strings.Join(r.Names(), "|")
	if extra := r &^ AllRights; extra != 0 {
		if s != "" {
			s += "|"
		}
		s += fmt.Sprintf("0x%x", uint32(extra))
	}
	return s
}

// ParseRights parses a list of right names separated by ',' or '|'.
func ParseRights(s string) (Rights, error) {
	var r Rights
	for _, f := range strings.FieldsFunc(s, func(c rune) bool { return c == ',' || c == '|' || c == ' ' }) {
		bit, ok := lookupRight(strings.ToLower(f))
		if !ok {
			return 0, fmt.Errorf("capability: unknown right %q", f)
		}
		r |= bit
	}
	return r, nil
}

// RightsFromNames is ParseRights over a slice.
func RightsFromNames(names []string) (Rights, error) {
	return ParseRights(strings.Join(names, ","))
}

func lookupRight(name string) (Rights, bool) {
	for i, n := range rightNames {
		if n == name {
			return 1 << i, true
		}
	}
	return 0, false
}
