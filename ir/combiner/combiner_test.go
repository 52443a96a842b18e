package combiner

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gotile/gotile/ir"
	"github.com/gotile/gotile/types/shapes"
	"github.com/stretchr/testify/require"
)

// buildResourceUpdateModule builds a module whose entry calls a
// resource-update computation holding one parameter load and one store per
// buffer. sizes gives the element count of each float32 buffer, shards its
// shard id.
func buildResourceUpdateModule(t *testing.T, sizes []int, shards []int64) (*ir.Module, *ir.Computation, []*ir.Instruction, []*ir.Instruction) {
	t.Helper()
	require.Equal(t, len(sizes), len(shards))

	m := ir.NewModule("train_step")
	update := m.NewComputation("resource_update")

	loads := make([]*ir.Instruction, len(sizes))
	stores := make([]*ir.Instruction, len(sizes))
	for i, size := range sizes {
		buffer := update.AddInstruction(ir.NewParameter(i, shapes.Make(dtypes.Float32, size)))
		loads[i] = update.AddInstruction(ir.NewParameterLoad([]*ir.Instruction{buffer}, []uint64{1}))
		loads[i].SetSharding(ir.ShardingForDevice(shards[i]))
		stores[i] = update.AddInstruction(ir.NewParameterStore(
			[]*ir.Instruction{buffer}, []*ir.Instruction{loads[i]}, []uint64{1}))
		stores[i].SetSharding(ir.ShardingForDevice(shards[i]))
	}
	update.SetRoot(update.AddInstruction(ir.NewTuple(stores...)))

	entry := m.NewComputation("entry")
	m.SetEntry(entry)
	ruShape := update.Root().Shape()
	entry.SetRoot(entry.AddInstruction(ir.NewResourceUpdate(ruShape, nil, update)))

	return m, update, loads, stores
}

func instructionsWithOp(comp *ir.Computation, op ir.OpCode) []*ir.Instruction {
	var matches []*ir.Instruction
	for _, inst := range comp.Instructions() {
		if inst.Op() == op {
			matches = append(matches, inst)
		}
	}
	return matches
}

func TestCombineAcrossShards(t *testing.T) {
	// Two shards, each with a 100-byte and a 200-byte load/store pair.
	m, update, loads, _ := buildResourceUpdateModule(t,
		[]int{25, 50, 25, 50}, []int64{0, 0, 1, 1})

	changed, err := New(nil).Run(m)
	require.NoError(t, err)
	require.True(t, changed)

	wideLoads := instructionsWithOp(update, ir.OpParameterLoad)
	require.Len(t, wideLoads, 2)
	for _, wide := range wideLoads {
		require.True(t, wide.Shape().IsTuple())
		require.Equal(t, 2, wide.Shape().TupleSize())
		require.True(t, wide.Sharding().IsTuple())
	}

	// Same-size loads from different shards are fused together: one wide
	// load for the two 50-element buffers, one for the two 25-element ones.
	var small, big *ir.Instruction
	for _, wide := range wideLoads {
		switch wide.Shape().TupleShapes[0].Size() {
		case 25:
			small = wide
		case 50:
			big = wide
		}
	}
	require.NotNil(t, small)
	require.NotNil(t, big)

	wideStores := instructionsWithOp(update, ir.OpParameterStore)
	require.Len(t, wideStores, 2)
	for _, wide := range wideStores {
		require.Len(t, wide.Operands(), 4)
	}

	// Originals were replaced by projections and removed.
	for _, load := range loads {
		require.Empty(t, load.Users())
	}
	gtes := instructionsWithOp(update, ir.OpGetTupleElement)
	require.Len(t, gtes, 4)

	// The small load is scheduled first and the small store must complete
	// before the big load starts.
	require.NotEmpty(t, big.ControlPredecessors())
	var storePredecessor bool
	for _, pred := range big.ControlPredecessors() {
		if pred.Op() == ir.OpParameterStore {
			storePredecessor = true
			require.Equal(t, 25, pred.Shape().TupleShapes[0].Size())
		}
	}
	require.True(t, storePredecessor)

	// A second run finds nothing left to fuse.
	changed, err = New(nil).Run(m)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestSkipsDependentInstructions(t *testing.T) {
	m, update, loads, _ := buildResourceUpdateModule(t,
		[]int{25, 25}, []int64{0, 1})

	// An explicit ordering between the shards makes the pair unschedulable
	// as one fused transfer.
	require.NoError(t, loads[0].AddControlDependencyTo(loads[1]))

	changed, err := New(nil).Run(m)
	require.NoError(t, err)

	// The loads were left alone; the single-store-per-shard queues still got
	// fused, so only stores may have changed.
	require.Len(t, instructionsWithOp(update, ir.OpParameterLoad), 2)
	for _, load := range loads {
		require.Equal(t, ir.OpParameterLoad, load.Op())
		require.NotEmpty(t, load.Users())
	}
	_ = changed
}

func TestSingleShardIsUntouched(t *testing.T) {
	m, update, _, _ := buildResourceUpdateModule(t,
		[]int{25, 50}, []int64{0, 0})

	changed, err := New(nil).Run(m)
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, instructionsWithOp(update, ir.OpParameterLoad), 2)
}

func TestAllocationMapRewrite(t *testing.T) {
	m, update, loads, _ := buildResourceUpdateModule(t,
		[]int{50, 50}, []int64{0, 1})

	target := &TensorTarget{Layout: loads[1], LayoutOutputIndex: 0}
	allocations := AllocationMap{
		TensorLocation{Instruction: loads[0], OutputIndex: 0}: target,
	}

	changed, err := New(allocations).Run(m)
	require.NoError(t, err)
	require.True(t, changed)

	wideLoads := instructionsWithOp(update, ir.OpParameterLoad)
	require.Len(t, wideLoads, 1)
	wide := wideLoads[0]

	// The location moved to the fused instruction, at the element index of
	// the original, with the projection prepended to the backward path.
	_, stale := allocations[TensorLocation{Instruction: loads[0], OutputIndex: 0}]
	require.False(t, stale)
	moved, ok := allocations[TensorLocation{Instruction: wide, OutputIndex: 0}]
	require.True(t, ok)
	require.Same(t, target, moved)
	require.Len(t, moved.BackwardPath, 1)
	require.Equal(t, ir.OpGetTupleElement, moved.BackwardPath[0].Op())

	// The layout target now points at the fused instruction's element for
	// the second shard's load.
	require.Same(t, wide, moved.Layout)
	require.Equal(t, 1, moved.LayoutOutputIndex)
}

func TestPopOrderDeterministic(t *testing.T) {
	m, update, _, _ := buildResourceUpdateModule(t,
		[]int{10, 10, 10, 10}, []int64{0, 0, 1, 1})

	changed, err := New(nil).Run(m)
	require.NoError(t, err)
	require.True(t, changed)

	// Equal sizes tie-break on the buffer's parameter number, larger first,
	// so the first fused load pairs parameters 1 and 3, the second 0 and 2.
	wideLoads := instructionsWithOp(update, ir.OpParameterLoad)
	require.Len(t, wideLoads, 2)
	var parameterPairs [][]int
	for _, wide := range wideLoads {
		pair := []int{wide.Operand(0).ParameterNumber(), wide.Operand(1).ParameterNumber()}
		parameterPairs = append(parameterPairs, pair)
	}
	require.ElementsMatch(t, [][]int{{1, 3}, {0, 2}}, parameterPairs)
}
