package ir

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Module is the top-level unit handed to compilation: a set of computations
// with a distinguished entry computation.
type Module struct {
	name         string
	computations []*Computation
	entry        *Computation
	nextID       int
}

// NewModule returns an empty module.
func NewModule(name string) *Module {
	return &Module{name: name}
}

// Name returns the module's name.
func (m *Module) Name() string { return m.name }

// NewComputation adds an empty computation to the module. The first
// computation added becomes the entry computation.
func (m *Module) NewComputation(name string) *Computation {
	comp := &Computation{name: name, module: m}
	m.computations = append(m.computations, comp)
	if m.entry == nil {
		m.entry = comp
	}
	return comp
}

// Entry returns the module's entry computation.
func (m *Module) Entry() *Computation { return m.entry }

// SetEntry marks comp as the module's entry computation.
func (m *Module) SetEntry(comp *Computation) { m.entry = comp }

// Computations returns the module's computations in creation order.
func (m *Module) Computations() []*Computation { return m.computations }

// MakeComputationPostOrder returns the computations so that any computation
// called through an instruction (e.g. a resource update target) appears before
// its caller.
func (m *Module) MakeComputationPostOrder() []*Computation {
	postOrder := make([]*Computation, 0, len(m.computations))
	visited := make(map[*Computation]bool, len(m.computations))
	var visit func(comp *Computation)
	visit = func(comp *Computation) {
		if visited[comp] {
			return
		}
		visited[comp] = true
		for _, inst := range comp.instructions {
			if inst.toApply != nil {
				visit(inst.toApply)
			}
		}
		postOrder = append(postOrder, comp)
	}
	for _, comp := range m.computations {
		visit(comp)
	}
	return postOrder
}

// String renders every computation, entry last-to-first in creation order.
func (m *Module) String() string {
	var sb strings.Builder
	sb.WriteString("module ")
	sb.WriteString(m.name)
	sb.WriteString("\n")
	for _, comp := range m.computations {
		sb.WriteString(comp.String())
	}
	return sb.String()
}

// Hash returns a 64-bit content hash of the module: two modules with the same
// computations, instructions, shapes, operand edges and shardings hash alike.
// Combined with the device hash it forms the engine cache key.
func (m *Module) Hash() uint64 {
	return xxhash.Sum64String(m.String())
}

func (m *Module) nextInstructionID() int {
	id := m.nextID
	m.nextID++
	return id
}
