package ir

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Computation owns an ordered collection of instructions with a distinguished
// root. Create computations through Module.NewComputation so instruction ids
// stay unique across the module.
type Computation struct {
	name   string
	module *Module

	instructions []*Instruction
	root         *Instruction
}

// Name returns the computation's name.
func (comp *Computation) Name() string { return comp.name }

// Module returns the owning module.
func (comp *Computation) Module() *Module { return comp.module }

// Root returns the computation's root instruction (its result).
func (comp *Computation) Root() *Instruction { return comp.root }

// SetRoot marks inst, which must belong to the computation, as the root.
func (comp *Computation) SetRoot(inst *Instruction) {
	comp.root = inst
}

// Instructions returns the live instructions in creation order.
// Callers must not mutate the returned slice.
func (comp *Computation) Instructions() []*Instruction { return comp.instructions }

// NumInstructions returns the number of live instructions.
func (comp *Computation) NumInstructions() int { return len(comp.instructions) }

// AddInstruction registers inst with the computation: assigns its id and name,
// wires it as a user of its operands, and appends it to the instruction list.
// It returns inst for chaining.
func (comp *Computation) AddInstruction(inst *Instruction) *Instruction {
	inst.id = comp.module.nextInstructionID()
	if inst.name == "" {
		inst.name = fmt.Sprintf("%s.%d", inst.op, inst.id)
	}
	inst.parent = comp
	for _, operand := range inst.operands {
		operand.addUser(inst)
	}
	comp.instructions = append(comp.instructions, inst)
	if comp.root == nil {
		comp.root = inst
	}
	return inst
}

// RemoveInstruction removes inst from the computation. The instruction must
// have no remaining users and must not be the root.
func (comp *Computation) RemoveInstruction(inst *Instruction) error {
	if inst.parent != comp {
		return errors.Errorf("instruction %q does not belong to computation %q", inst.name, comp.name)
	}
	if len(inst.users) > 0 {
		return errors.Errorf("cannot remove instruction %q: it still has %d users", inst.name, len(inst.users))
	}
	if comp.root == inst {
		return errors.Errorf("cannot remove instruction %q: it is the root of computation %q", inst.name, comp.name)
	}
	if err := inst.DropAllControlDeps(); err != nil {
		return err
	}
	for _, operand := range inst.operands {
		operand.users = deleteInstruction(operand.users, inst)
	}
	comp.instructions = deleteInstruction(comp.instructions, inst)
	inst.parent = nil
	return nil
}

// MakeInstructionPostOrder returns every live instruction with all operand and
// control predecessors appearing before their dependents. Roots of the
// traversal follow creation order, so the result is deterministic.
func (comp *Computation) MakeInstructionPostOrder() []*Instruction {
	postOrder := make([]*Instruction, 0, len(comp.instructions))
	visited := make(map[*Instruction]bool, len(comp.instructions))
	var visit func(inst *Instruction)
	visit = func(inst *Instruction) {
		if visited[inst] {
			return
		}
		visited[inst] = true
		for _, operand := range inst.operands {
			visit(operand)
		}
		for _, pred := range inst.controlPredecessors {
			visit(pred)
		}
		postOrder = append(postOrder, inst)
	}
	for _, inst := range comp.instructions {
		visit(inst)
	}
	return postOrder
}

// String renders the computation with one instruction per line, in creation
// order, including operand names and shardings. The rendering is deterministic
// and is what Module.Hash digests.
func (comp *Computation) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s {\n", comp.name)
	for _, inst := range comp.instructions {
		operandNames := make([]string, len(inst.operands))
		for i, operand := range inst.operands {
			operandNames[i] = operand.name
		}
		rootMark := ""
		if inst == comp.root {
			rootMark = "ROOT "
		}
		fmt.Fprintf(&sb, "  %s%%%s = %s %s (%s), sharding=%s\n",
			rootMark, inst.name, inst.op, inst.shape, strings.Join(operandNames, ", "), inst.sharding)
	}
	sb.WriteString("}\n")
	return sb.String()
}
