package ir

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gotile/gotile/types/shapes"
	"github.com/pkg/errors"
)

// Instruction is one node of the graph. Create instructions with the New*
// constructors and register them with Computation.AddInstruction, which
// assigns their id and wires the user edges.
type Instruction struct {
	id     int
	name   string
	op     OpCode
	shape  shapes.Shape
	parent *Computation

	operands []*Instruction
	users    []*Instruction

	controlPredecessors []*Instruction
	controlSuccessors   []*Instruction

	sharding *Sharding

	parameterNumber    int
	tupleIndex         int
	literal            []byte
	replicationFactors []uint64
	toApply            *Computation
}

// NewParameter returns a parameter instruction with the given parameter number.
func NewParameter(number int, shape shapes.Shape) *Instruction {
	return &Instruction{op: OpParameter, shape: shape, parameterNumber: number}
}

// NewConstant returns a constant instruction holding the literal bytes.
func NewConstant(shape shapes.Shape, literal []byte) *Instruction {
	return &Instruction{op: OpConstant, shape: shape, literal: slices.Clone(literal)}
}

// NewTuple packs the given operands into a tuple value.
func NewTuple(elements ...*Instruction) *Instruction {
	elementShapes := make([]shapes.Shape, len(elements))
	for i, e := range elements {
		elementShapes[i] = e.Shape()
	}
	return &Instruction{op: OpTuple, shape: shapes.MakeTuple(elementShapes), operands: slices.Clone(elements)}
}

// NewGetTupleElement projects element index out of the tuple-valued operand.
func NewGetTupleElement(shape shapes.Shape, operand *Instruction, index int) *Instruction {
	return &Instruction{op: OpGetTupleElement, shape: shape, operands: []*Instruction{operand}, tupleIndex: index}
}

// NewParameterLoad returns a load of the given remote parameter buffers.
// With a single operand the load's shape is the operand's shape; with more it
// is a tuple of the operand shapes, one element per combined load.
func NewParameterLoad(buffers []*Instruction, replicationFactors []uint64) *Instruction {
	if len(buffers) == 0 || len(buffers) != len(replicationFactors) {
		exceptions.Panicf("ir.NewParameterLoad: %d buffers with %d replication factors", len(buffers), len(replicationFactors))
	}
	inst := &Instruction{
		op:                 OpParameterLoad,
		operands:           slices.Clone(buffers),
		replicationFactors: slices.Clone(replicationFactors),
	}
	if len(buffers) == 1 {
		inst.shape = buffers[0].Shape()
	} else {
		elementShapes := make([]shapes.Shape, len(buffers))
		for i, b := range buffers {
			elementShapes[i] = b.Shape()
		}
		inst.shape = shapes.MakeTuple(elementShapes)
	}
	return inst
}

// NewParameterStore returns a store of values into remote parameter buffers.
// The operand list is all buffers followed by all values, in that order.
func NewParameterStore(buffers, values []*Instruction, replicationFactors []uint64) *Instruction {
	if len(buffers) == 0 || len(buffers) != len(values) || len(buffers) != len(replicationFactors) {
		exceptions.Panicf("ir.NewParameterStore: %d buffers, %d values, %d replication factors",
			len(buffers), len(values), len(replicationFactors))
	}
	operands := make([]*Instruction, 0, 2*len(buffers))
	operands = append(operands, buffers...)
	operands = append(operands, values...)
	inst := &Instruction{
		op:                 OpParameterStore,
		operands:           operands,
		replicationFactors: slices.Clone(replicationFactors),
	}
	if len(buffers) == 1 {
		inst.shape = buffers[0].Shape()
	} else {
		elementShapes := make([]shapes.Shape, len(buffers))
		for i, b := range buffers {
			elementShapes[i] = b.Shape()
		}
		inst.shape = shapes.MakeTuple(elementShapes)
	}
	return inst
}

// NewResourceUpdate returns the call-like instruction whose target computation
// performs the resource (weight) update of a training step.
func NewResourceUpdate(shape shapes.Shape, operands []*Instruction, toApply *Computation) *Instruction {
	return &Instruction{op: OpResourceUpdate, shape: shape, operands: slices.Clone(operands), toApply: toApply}
}

// NewBinaryOp returns a generic two-operand compute instruction.
func NewBinaryOp(op OpCode, lhs, rhs *Instruction) *Instruction {
	return &Instruction{op: op, shape: lhs.Shape(), operands: []*Instruction{lhs, rhs}}
}

// ID returns the instruction's creation id, unique within its module and
// stable across runs. It provides the deterministic last-resort ordering used
// by the passes.
func (inst *Instruction) ID() int { return inst.id }

// Name returns the instruction's name, assigned on AddInstruction.
func (inst *Instruction) Name() string { return inst.name }

// Op returns the instruction's opcode.
func (inst *Instruction) Op() OpCode { return inst.op }

// Shape returns the shape of the instruction's value.
func (inst *Instruction) Shape() shapes.Shape { return inst.shape }

// Parent returns the computation the instruction belongs to, nil before
// AddInstruction.
func (inst *Instruction) Parent() *Computation { return inst.parent }

// Operands returns the operand list. Callers must not mutate it.
func (inst *Instruction) Operands() []*Instruction { return inst.operands }

// Operand returns the i-th operand.
func (inst *Instruction) Operand(i int) *Instruction { return inst.operands[i] }

// Users returns the instructions using this one as an operand.
// Callers must not mutate it.
func (inst *Instruction) Users() []*Instruction { return inst.users }

// Sharding returns the instruction's sharding, or nil when unassigned.
func (inst *Instruction) Sharding() *Sharding { return inst.sharding }

// SetSharding assigns the instruction's sharding.
func (inst *Instruction) SetSharding(s *Sharding) { inst.sharding = s }

// ParameterNumber returns the parameter number of an OpParameter instruction.
func (inst *Instruction) ParameterNumber() int { return inst.parameterNumber }

// TupleIndex returns the projected element index of an OpGetTupleElement.
func (inst *Instruction) TupleIndex() int { return inst.tupleIndex }

// Literal returns the raw literal bytes of an OpConstant.
func (inst *Instruction) Literal() []byte { return inst.literal }

// ReplicationFactors returns the per-buffer replication factors of a load or
// store instruction.
func (inst *Instruction) ReplicationFactors() []uint64 { return inst.replicationFactors }

// ToApply returns the target computation of an OpResourceUpdate.
func (inst *Instruction) ToApply() *Computation { return inst.toApply }

// ControlPredecessors returns the instructions that must be scheduled before
// this one due to explicit control dependencies.
func (inst *Instruction) ControlPredecessors() []*Instruction { return inst.controlPredecessors }

// ControlSuccessors returns the instructions that must be scheduled after
// this one due to explicit control dependencies.
func (inst *Instruction) ControlSuccessors() []*Instruction { return inst.controlSuccessors }

// AddControlDependencyTo makes inst a control predecessor of successor: the
// scheduler must place inst before successor. Both instructions must belong to
// the same computation. Duplicate edges are ignored.
func (inst *Instruction) AddControlDependencyTo(successor *Instruction) error {
	if inst.parent == nil || inst.parent != successor.parent {
		return errors.Errorf("control dependency from %q to %q crosses computations", inst.name, successor.name)
	}
	if slices.Contains(inst.controlSuccessors, successor) {
		return nil
	}
	inst.controlSuccessors = append(inst.controlSuccessors, successor)
	successor.controlPredecessors = append(successor.controlPredecessors, inst)
	return nil
}

// CopyAllControlDepsFrom copies every control edge of other onto inst.
func (inst *Instruction) CopyAllControlDepsFrom(other *Instruction) error {
	for _, pred := range other.controlPredecessors {
		if err := pred.AddControlDependencyTo(inst); err != nil {
			return err
		}
	}
	for _, succ := range other.controlSuccessors {
		if err := inst.AddControlDependencyTo(succ); err != nil {
			return err
		}
	}
	return nil
}

// DropAllControlDeps removes every control edge touching inst.
func (inst *Instruction) DropAllControlDeps() error {
	for _, pred := range inst.controlPredecessors {
		pred.controlSuccessors = deleteInstruction(pred.controlSuccessors, inst)
	}
	for _, succ := range inst.controlSuccessors {
		succ.controlPredecessors = deleteInstruction(succ.controlPredecessors, inst)
	}
	inst.controlPredecessors = nil
	inst.controlSuccessors = nil
	return nil
}

// ReplaceAllUsesWith redirects every use of inst (operand edges and the
// computation root) to newInst.
func (inst *Instruction) ReplaceAllUsesWith(newInst *Instruction) error {
	if inst.parent == nil {
		return errors.Errorf("instruction %q does not belong to a computation", inst.name)
	}
	for _, user := range inst.users {
		for i, operand := range user.operands {
			if operand == inst {
				user.operands[i] = newInst
				newInst.addUser(user)
			}
		}
	}
	inst.users = nil
	if inst.parent.root == inst {
		inst.parent.root = newInst
	}
	return nil
}

func (inst *Instruction) addUser(user *Instruction) {
	if !slices.Contains(inst.users, user) {
		inst.users = append(inst.users, user)
	}
}

func deleteInstruction(list []*Instruction, target *Instruction) []*Instruction {
	return slices.DeleteFunc(list, func(i *Instruction) bool { return i == target })
}

// String implements fmt.Stringer with a one-line rendering of the instruction.
func (inst *Instruction) String() string {
	return fmt.Sprintf("%%%s = %s %s", inst.name, inst.op, inst.shape)
}
