package ir

import (
	"github.com/gomlx/exceptions"
)

// ReachabilityMap answers transitive dependency queries over one computation.
// It is a snapshot: instructions added to the computation after Build are
// unknown to it, and edge changes are only reflected through
// UpdateReachabilityThroughInstruction. Passes that rewrite the graph rebuild
// it instead, incremental rebuilds after instruction replacement are not
// supported.
type ReachabilityMap struct {
	comp    *Computation
	indices map[*Instruction]int
	order   []*Instruction
	bits    []bitSet
}

// BuildReachabilityMap computes reachability over comp's operand and control
// edges.
func BuildReachabilityMap(comp *Computation) *ReachabilityMap {
	order := comp.MakeInstructionPostOrder()
	m := &ReachabilityMap{
		comp:    comp,
		indices: make(map[*Instruction]int, len(order)),
		order:   order,
		bits:    make([]bitSet, len(order)),
	}
	words := (len(order) + 63) / 64
	for i, inst := range order {
		m.indices[inst] = i
	}
	// Post-order guarantees predecessors are computed before their dependents.
	for i, inst := range order {
		set := newBitSet(words)
		set.insert(i)
		for _, operand := range inst.operands {
			set.union(m.bits[m.index(operand)])
		}
		for _, pred := range inst.controlPredecessors {
			set.union(m.bits[m.index(pred)])
		}
		m.bits[i] = set
	}
	return m
}

// IsReachable returns whether a reaches b through operand or control edges.
// An instruction always reaches itself.
func (m *ReachabilityMap) IsReachable(a, b *Instruction) bool {
	return m.bits[m.index(b)].contains(m.index(a))
}

// UpdateReachabilityThroughInstruction recomputes inst's reachability from its
// current predecessors and propagates the change through its dependents. Use
// it after adding control dependencies; it does not handle new instructions.
func (m *ReachabilityMap) UpdateReachabilityThroughInstruction(inst *Instruction) {
	worklist := []*Instruction{inst}
	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]
		i := m.index(current)
		set := newBitSet(len(m.bits[i]))
		set.insert(i)
		for _, operand := range current.operands {
			set.union(m.bits[m.index(operand)])
		}
		for _, pred := range current.controlPredecessors {
			set.union(m.bits[m.index(pred)])
		}
		if m.bits[i].equal(set) {
			continue
		}
		m.bits[i] = set
		worklist = append(worklist, current.users...)
		worklist = append(worklist, current.controlSuccessors...)
	}
}

func (m *ReachabilityMap) index(inst *Instruction) int {
	i, ok := m.indices[inst]
	if !ok {
		exceptions.Panicf("ir.ReachabilityMap: instruction %q is not part of the map built for computation %q "+
			"(was it added after the map was built?)", inst.Name(), m.comp.Name())
	}
	return i
}

type bitSet []uint64

func newBitSet(words int) bitSet { return make(bitSet, words) }

func (s bitSet) insert(i int) { s[i/64] |= 1 << (uint(i) % 64) }

func (s bitSet) contains(i int) bool { return s[i/64]&(1<<(uint(i)%64)) != 0 }

func (s bitSet) union(other bitSet) {
	for i, w := range other {
		s[i] |= w
	}
}

func (s bitSet) equal(other bitSet) bool {
	for i, w := range other {
		if s[i] != w {
			return false
		}
	}
	return true
}
