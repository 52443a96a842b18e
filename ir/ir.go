// Package ir holds the instruction graph consumed by the driver and rewritten
// by the compile-time passes under ir/combiner.
//
// A Module owns Computations, which own Instructions. Instructions are
// connected by operand/user edges and by explicit control dependencies, which
// only constrain scheduling. The package also provides a ReachabilityMap to
// answer transitive data-dependency queries, and a content hash of a Module
// used for engine cache keys.
//
// Everything here is deliberately small: the driver treats the graph as a
// read-only fact base, and only the combiner pass mutates it.
package ir

// OpCode identifies the operation an Instruction performs.
type OpCode int

const (
	OpInvalid OpCode = iota

	// OpParameter is an input to the computation, identified by its
	// parameter number.
	OpParameter

	// OpConstant carries a compile-time literal as raw bytes.
	OpConstant

	// OpTuple packs its operands into a tuple value.
	OpTuple

	// OpGetTupleElement projects one element out of a tuple-valued operand.
	OpGetTupleElement

	// OpParameterLoad reads one or more remote parameter buffers into device
	// memory. A fused load has one operand per original load and a tuple shape.
	OpParameterLoad

	// OpParameterStore writes device values back to remote parameter buffers.
	// Operands are all the destination buffers followed by all the values to
	// store, in that order.
	OpParameterStore

	// OpResourceUpdate is the call-like instruction marking a training-step
	// weight-update subcomputation. The combiner pass runs on its target
	// computation.
	OpResourceUpdate

	// Generic compute opcodes. The passes never inspect these beyond their
	// operand edges; they exist so graphs with real data dependencies can be
	// expressed (and tested).
	OpAdd
	OpMultiply
	OpCustom
)

// String implements fmt.Stringer.
func (op OpCode) String() string {
	switch op {
	case OpParameter:
		return "parameter"
	case OpConstant:
		return "constant"
	case OpTuple:
		return "tuple"
	case OpGetTupleElement:
		return "get-tuple-element"
	case OpParameterLoad:
		return "parameter-load"
	case OpParameterStore:
		return "parameter-store"
	case OpResourceUpdate:
		return "resource-update"
	case OpAdd:
		return "add"
	case OpMultiply:
		return "multiply"
	case OpCustom:
		return "custom"
	}
	return "invalid"
}
