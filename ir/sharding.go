package ir

import (
	"fmt"
	"strings"
)

// Sharding assigns an instruction to a shard (device partition). A sharding
// is either "maximal" -- the whole value lives on one shard -- or a tuple of
// element shardings, used for fused instructions with tuple shapes.
type Sharding struct {
	device   int64
	elements []*Sharding
}

// ShardingForDevice returns a maximal sharding placing the value on the given
// shard id.
func ShardingForDevice(device int64) *Sharding {
	return &Sharding{device: device}
}

// TupleSharding combines per-element shardings into a tuple sharding.
func TupleSharding(elements []*Sharding) *Sharding {
	return &Sharding{device: -1, elements: elements}
}

// IsTuple returns whether this is a tuple sharding.
func (s *Sharding) IsTuple() bool { return s != nil && len(s.elements) > 0 }

// Elements returns the per-element shardings of a tuple sharding.
func (s *Sharding) Elements() []*Sharding { return s.elements }

// UniqueDevice returns the shard id when the sharding places the whole value
// on a single shard. The second result is false for nil or tuple shardings.
func (s *Sharding) UniqueDevice() (int64, bool) {
	if s == nil || s.IsTuple() {
		return 0, false
	}
	return s.device, true
}

// String implements fmt.Stringer.
func (s *Sharding) String() string {
	if s == nil {
		return "{none}"
	}
	if s.IsTuple() {
		parts := make([]string, len(s.elements))
		for i, e := range s.elements {
			parts[i] = e.String()
		}
		return fmt.Sprintf("{tuple %s}", strings.Join(parts, " "))
	}
	return fmt.Sprintf("{device=%d}", s.device)
}
