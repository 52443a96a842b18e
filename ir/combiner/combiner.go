// Package combiner merges parameter load and store instructions that live on
// different shards of a resource-update computation into single wide
// instructions, and then adds scheduling constraints so that the merged
// transfers overlap as little as possible.
//
// The pass is a best-effort memory-liveness optimization: it never changes
// what the program computes, only instruction identity and schedule ordering.
// Whenever a candidate set cannot be fused safely it is skipped, not reported
// as an error.
package combiner

import (
	"container/heap"
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gotile/gotile/ir"
	"k8s.io/klog/v2"
)

// TensorLocation identifies one output of an instruction, the key of the
// allocation map.
type TensorLocation struct {
	Instruction *ir.Instruction
	OutputIndex int
}

// TensorTarget describes where the tensor at a location should be allocated:
// the instruction whose layout drives the allocation decision, which of its
// outputs, and the chain of instructions to thread a layout change through
// when the location's source is replaced.
type TensorTarget struct {
	Layout            *ir.Instruction
	LayoutOutputIndex int
	BackwardPath      []*ir.Instruction
}

// AllocationMap maps tensor locations to their allocation targets. It is
// compilation-local state: one map per compilation, mutated in place as the
// pass fuses and removes instructions.
type AllocationMap map[TensorLocation]*TensorTarget

// Combiner is the pass object. It is not safe for concurrent use: the
// allocation map and the reachability maps built during Run are local to one
// compilation, so concurrent compilations need independent Combiners.
type Combiner struct {
	allocations AllocationMap
}

// New returns a Combiner that keeps the given allocation map consistent while
// it rewrites the graph. A nil map is allowed when no allocation decisions
// were recorded.
func New(allocations AllocationMap) *Combiner {
	if allocations == nil {
		allocations = make(AllocationMap)
	}
	return &Combiner{allocations: allocations}
}

// Run applies the pass to every resource-update computation in the module.
// It returns whether anything changed.
func (c *Combiner) Run(module *ir.Module) (bool, error) {
	if klog.V(2).Enabled() {
		klog.Infof("Before load/store combiner:\n%s", module)
	}

	changed := false
	for _, comp := range module.MakeComputationPostOrder() {
		for _, inst := range comp.MakeInstructionPostOrder() {
			if inst.Op() != ir.OpResourceUpdate {
				continue
			}
			computationChanged, err := c.runOnComputation(inst.ToApply())
			if err != nil {
				return changed, err
			}
			changed = changed || computationChanged
		}
	}

	if klog.V(2).Enabled() {
		if changed {
			klog.Infof("After load/store combiner:\n%s", module)
		} else {
			klog.Info("Load/store combiner made no changes.")
		}
	}
	return changed, nil
}

func (c *Combiner) runOnComputation(comp *ir.Computation) (bool, error) {
	shardLoads := make(map[int64]*decreasingSizeQueue)
	shardStores := make(map[int64]*decreasingSizeQueue)

	for _, inst := range comp.MakeInstructionPostOrder() {
		device, ok := inst.Sharding().UniqueDevice()
		if !ok {
			continue
		}
		switch inst.Op() {
		case ir.OpParameterLoad:
			pushShardQueue(shardLoads, device, inst)
		case ir.OpParameterStore:
			pushShardQueue(shardStores, device, inst)
		}
	}

	combinedLoads, err := c.combineFromDifferentShards(comp, shardLoads)
	if err != nil {
		return false, err
	}
	combinedStores, err := c.combineFromDifferentShards(comp, shardStores)
	if err != nil {
		return len(combinedLoads) > 0, err
	}

	// Help the scheduler by bounding how many of the combined transfers can
	// be live at once.
	if err := addSchedulingConstraints(comp, combinedLoads, combinedStores); err != nil {
		return true, err
	}
	return len(combinedLoads) > 0 || len(combinedStores) > 0, nil
}

// combineFromDifferentShards repeatedly pops the largest pending instruction
// of every shard and fuses the popped set. The returned fused instructions are
// ordered smallest-to-largest: scheduling the largest parameter loads last
// keeps short-lived tensors (like gradients of already-updated weights) dead
// before the big weight arrives, which lowers peak liveness.
func (c *Combiner) combineFromDifferentShards(comp *ir.Computation, shardQueues map[int64]*decreasingSizeQueue) ([]*ir.Instruction, error) {
	shards := make([]int64, 0, len(shardQueues))
	for shard := range shardQueues {
		shards = append(shards, shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	var combined []*ir.Instruction
	for {
		var toCombine []*ir.Instruction
		for _, shard := range shards {
			queue := shardQueues[shard]
			if queue.Len() > 0 {
				toCombine = append(toCombine, heap.Pop(queue).(*ir.Instruction))
			}
		}
		if len(toCombine) < 2 {
			break
		}

		// The reachability map does not support updates reflecting the
		// combines, so it is rebuilt for every round.
		reachability := ir.BuildReachabilityMap(comp)

		// Instructions on different shards are normally independent. When
		// they are not, fusing them would force an ordering between shards,
		// so the round is dropped and the next one tried.
		if !independentlySchedulable(toCombine, reachability) {
			klog.V(2).Info("Skipping combination because of dependencies")
			continue
		}

		combinedInst, err := c.combineAndReplace(toCombine)
		if err != nil {
			return combined, err
		}
		combined = append(combined, combinedInst)
	}

	slices.Reverse(combined)
	return combined, nil
}

// combineAndReplace fuses the set into one wide instruction, replaces each
// original with a get-tuple-element projection, and rewrites the allocation
// map entries that referred to the replaced instructions.
func (c *Combiner) combineAndReplace(toCombine []*ir.Instruction) (*ir.Instruction, error) {
	if len(toCombine) < 2 {
		exceptions.Panicf("combiner: combineAndReplace called with %d instructions", len(toCombine))
	}
	comp := toCombine[0].Parent()

	newInst := comp.AddInstruction(combine(toCombine))

	shardings := make([]*ir.Sharding, len(toCombine))
	for i, inst := range toCombine {
		shardings[i] = inst.Sharding()
	}
	newInst.SetSharding(ir.TupleSharding(shardings))

	for i, inst := range toCombine {
		gte := comp.AddInstruction(ir.NewGetTupleElement(inst.Shape(), newInst, i))

		// The allocation map needs updating in two cases.
		// 1) The instruction was the source of an allocation target.
		location := TensorLocation{Instruction: inst, OutputIndex: 0}
		if target, ok := c.allocations[location]; ok {
			newLocation := TensorLocation{Instruction: newInst, OutputIndex: i}
			if _, exists := c.allocations[newLocation]; exists {
				exceptions.Panicf("combiner: allocation target for %q already exists", newInst.Name())
			}
			target.BackwardPath = append([]*ir.Instruction{gte}, target.BackwardPath...)
			c.allocations[newLocation] = target
			delete(c.allocations, location)
		}

		// 2) The instruction was the layout of an allocation target.
		for _, target := range c.allocations {
			if target.Layout == inst {
				if target.LayoutOutputIndex != 0 {
					exceptions.Panicf("combiner: layout target for %q has output index %d, expected 0",
						inst.Name(), target.LayoutOutputIndex)
				}
				target.Layout = newInst
				target.LayoutOutputIndex = i
			}
		}

		if err := newInst.CopyAllControlDepsFrom(inst); err != nil {
			return nil, err
		}
		if err := inst.DropAllControlDeps(); err != nil {
			return nil, err
		}
		if err := inst.ReplaceAllUsesWith(gte); err != nil {
			return nil, err
		}
		if err := comp.RemoveInstruction(inst); err != nil {
			return nil, err
		}
	}

	return newInst, nil
}

// combine builds the wide instruction from the set, concatenating operands.
// For stores the new operand list has all the destination buffers first and
// then all the values to store.
func combine(toCombine []*ir.Instruction) *ir.Instruction {
	replicationFactors := make([]uint64, 0, len(toCombine))
	for _, inst := range toCombine {
		replicationFactors = append(replicationFactors, inst.ReplicationFactors()...)
	}

	switch toCombine[0].Op() {
	case ir.OpParameterLoad:
		var buffers []*ir.Instruction
		for _, inst := range toCombine {
			buffers = append(buffers, inst.Operands()...)
		}
		return ir.NewParameterLoad(buffers, replicationFactors)
	case ir.OpParameterStore:
		var buffers, values []*ir.Instruction
		for _, inst := range toCombine {
			operands := inst.Operands()
			n := len(operands) / 2
			buffers = append(buffers, operands[:n]...)
			values = append(values, operands[n:]...)
		}
		return ir.NewParameterStore(buffers, values, replicationFactors)
	}
	exceptions.Panicf("combiner: unexpected instruction: %s", toCombine[0])
	return nil
}

func independentlySchedulable(instructions []*ir.Instruction, reachability *ir.ReachabilityMap) bool {
	// Quadratic in the number of shards; shouldn't be too bad.
	for _, a := range instructions {
		for _, b := range instructions {
			if a != b && reachability.IsReachable(a, b) {
				return false
			}
		}
	}
	return true
}

// addSchedulingConstraints orders the fused transfers: load[i] is scheduled
// after store[i-delay] for the smallest delay that does not create a cycle,
// and all users of the earlier load are scheduled before the later load so
// each weight update is pushed as early as possible. When the load and store
// groups don't match up the whole step is skipped.
func addSchedulingConstraints(comp *ir.Computation, combinedLoads, combinedStores []*ir.Instruction) error {
	if len(combinedLoads) != len(combinedStores) {
		return nil
	}

	reachability := ir.BuildReachabilityMap(comp)

	for i := 1; i < len(combinedLoads); i++ {
		load := combinedLoads[i]

		// A single-delay attempt typically fails with optimizers that keep
		// two offloaded tensors per weight (like the two ADAM/LAMB moments),
		// so the delay is increased until a store can be ordered before the
		// load.
		for delay := 1; delay <= i; delay++ {
			prevLoad := combinedLoads[i-delay]
			if err := scheduleAllUsersBefore(prevLoad, load, reachability); err != nil {
				return err
			}

			prevStore := combinedStores[i-delay]
			if !reachability.IsReachable(load, prevStore) {
				if err := prevStore.AddControlDependencyTo(load); err != nil {
					return err
				}
				reachability.UpdateReachabilityThroughInstruction(load)
				break
			}
		}
	}
	return nil
}

func scheduleAllUsersBefore(inst, successor *ir.Instruction, reachability *ir.ReachabilityMap) error {
	for _, user := range inst.Users() {
		if !reachability.IsReachable(successor, user) {
			if err := user.AddControlDependencyTo(successor); err != nil {
				return err
			}
			reachability.UpdateReachabilityThroughInstruction(successor)
			if err := scheduleAllUsersBefore(user, successor, reachability); err != nil {
				return err
			}
		}
	}
	return nil
}

func pushShardQueue(queues map[int64]*decreasingSizeQueue, shard int64, inst *ir.Instruction) {
	queue, ok := queues[shard]
	if !ok {
		queue = &decreasingSizeQueue{}
		queues[shard] = queue
	}
	heap.Push(queue, inst)
}

// decreasingSizeQueue pops instructions by descending byte size, breaking
// ties by parameter index (larger first) and finally by creation id, so pop
// order is total and deterministic.
type decreasingSizeQueue []*ir.Instruction

func (q decreasingSizeQueue) Len() int { return len(q) }

func (q decreasingSizeQueue) Less(i, j int) bool {
	aSize, bSize := q[i].Shape().Memory(), q[j].Shape().Memory()
	if aSize != bSize {
		return aSize > bSize
	}
	aIndex, bIndex := q[i].Operand(0).ParameterNumber(), q[j].Operand(0).ParameterNumber()
	if aIndex != bIndex {
		return aIndex > bIndex
	}
	return q[i].ID() < q[j].ID()
}

func (q decreasingSizeQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *decreasingSizeQueue) Push(x any) { *q = append(*q, x.(*ir.Instruction)) }

func (q *decreasingSizeQueue) Pop() any {
	old := *q
	n := len(old)
	inst := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return inst
}
