package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gotile/gotile/types/shapes"
	"github.com/stretchr/testify/require"
)

func TestAddInstruction(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	require.Same(t, entry, m.Entry())

	shape := shapes.Make(dtypes.Float32, 2)
	p0 := entry.AddInstruction(NewParameter(0, shape))
	p1 := entry.AddInstruction(NewParameter(1, shape))
	add := entry.AddInstruction(NewBinaryOp(OpAdd, p0, p1))

	require.Equal(t, 3, entry.NumInstructions())
	require.Same(t, add, entry.Root())
	require.Equal(t, []*Instruction{add}, p0.Users())
	require.Equal(t, []*Instruction{add}, p1.Users())
	require.Same(t, p0, add.Operand(0))
	require.NotEqual(t, p0.ID(), p1.ID())
}

func TestRemoveInstruction(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 2)
	p0 := entry.AddInstruction(NewParameter(0, shape))
	add := entry.AddInstruction(NewBinaryOp(OpAdd, p0, p0))

	// An instruction with users, and the root, cannot be removed.
	require.Error(t, entry.RemoveInstruction(p0))
	require.Error(t, entry.RemoveInstruction(add))

	p1 := entry.AddInstruction(NewParameter(1, shape))
	mul := entry.AddInstruction(NewBinaryOp(OpMultiply, p1, p1))
	entry.SetRoot(mul)
	require.NoError(t, mul.ReplaceAllUsesWith(add))
	// mul was the root, so add took its place.
	require.Same(t, add, entry.Root())
	require.NoError(t, entry.RemoveInstruction(mul))
	require.Empty(t, p1.Users())
}

func TestReplaceAllUsesWith(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 2)
	p0 := entry.AddInstruction(NewParameter(0, shape))
	p1 := entry.AddInstruction(NewParameter(1, shape))
	add := entry.AddInstruction(NewBinaryOp(OpAdd, p0, p0))
	entry.SetRoot(add)

	require.NoError(t, p0.ReplaceAllUsesWith(p1))
	require.Same(t, p1, add.Operand(0))
	require.Same(t, p1, add.Operand(1))
	require.Empty(t, p0.Users())
	require.Equal(t, []*Instruction{add}, p1.Users())
}

func TestControlDependencies(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 2)
	p0 := entry.AddInstruction(NewParameter(0, shape))
	p1 := entry.AddInstruction(NewParameter(1, shape))

	require.NoError(t, p0.AddControlDependencyTo(p1))
	require.Equal(t, []*Instruction{p1}, p0.ControlSuccessors())
	require.Equal(t, []*Instruction{p0}, p1.ControlPredecessors())
	// Duplicates are dropped.
	require.NoError(t, p0.AddControlDependencyTo(p1))
	require.Len(t, p0.ControlSuccessors(), 1)

	p2 := entry.AddInstruction(NewParameter(2, shape))
	require.NoError(t, p2.CopyAllControlDepsFrom(p0))
	require.Equal(t, []*Instruction{p1}, p2.ControlSuccessors())

	require.NoError(t, p0.DropAllControlDeps())
	require.Empty(t, p0.ControlSuccessors())
	require.Equal(t, []*Instruction{p2}, p1.ControlPredecessors())
}

func TestMakeInstructionPostOrder(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 2)
	p0 := entry.AddInstruction(NewParameter(0, shape))
	p1 := entry.AddInstruction(NewParameter(1, shape))
	add := entry.AddInstruction(NewBinaryOp(OpAdd, p0, p1))
	mul := entry.AddInstruction(NewBinaryOp(OpMultiply, add, p1))
	entry.SetRoot(mul)

	order := entry.MakeInstructionPostOrder()
	require.Len(t, order, 4)
	position := make(map[*Instruction]int, len(order))
	for i, inst := range order {
		position[inst] = i
	}
	require.Less(t, position[p0], position[add])
	require.Less(t, position[p1], position[add])
	require.Less(t, position[add], position[mul])

	// Control dependencies order unrelated instructions too.
	require.NoError(t, p0.AddControlDependencyTo(p1))
	order = entry.MakeInstructionPostOrder()
	position = make(map[*Instruction]int, len(order))
	for i, inst := range order {
		position[inst] = i
	}
	require.Less(t, position[p0], position[p1])
}

func TestModuleHash(t *testing.T) {
	build := func(name string) *Module {
		m := NewModule(name)
		entry := m.NewComputation("entry")
		shape := shapes.Make(dtypes.Float32, 2)
		p0 := entry.AddInstruction(NewParameter(0, shape))
		entry.SetRoot(entry.AddInstruction(NewBinaryOp(OpAdd, p0, p0)))
		return m
	}
	require.Equal(t, build("m").Hash(), build("m").Hash())
	require.NotEqual(t, build("m").Hash(), build("other").Hash())
}

func TestParameterLoadShapes(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 4)
	b0 := entry.AddInstruction(NewParameter(0, shape))

	single := entry.AddInstruction(NewParameterLoad([]*Instruction{b0}, []uint64{1}))
	require.True(t, single.Shape().Equal(shape))

	b1 := entry.AddInstruction(NewParameter(1, shape))
	multi := entry.AddInstruction(NewParameterLoad([]*Instruction{b0, b1}, []uint64{1, 1}))
	require.True(t, multi.Shape().IsTuple())
	require.Equal(t, 2, multi.Shape().TupleSize())
}

func TestParameterStoreOperands(t *testing.T) {
	m := NewModule("test")
	entry := m.NewComputation("entry")
	shape := shapes.Make(dtypes.Float32, 4)
	b0 := entry.AddInstruction(NewParameter(0, shape))
	v0 := entry.AddInstruction(NewParameter(1, shape))

	store := entry.AddInstruction(NewParameterStore([]*Instruction{b0}, []*Instruction{v0}, []uint64{1}))
	require.Equal(t, []*Instruction{b0, v0}, store.Operands())
}
