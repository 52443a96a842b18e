package driver

import (
	"github.com/gotile/gotile/ir"
	"github.com/gotile/gotile/types/shapes"
)

// InputInfo describes one entry parameter of an executable.
type InputInfo struct {
	// Streamed inputs flow through a live data stream while the main program
	// runs, instead of a one-shot pre-execution copy.
	Streamed bool
}

// OutputInfo describes one entry output of an executable.
type OutputInfo struct {
	Streamed bool

	// ResourceModified marks an output that is an in-place update of one of
	// the inputs, e.g. an updated weight. InputIndex names which one. Such
	// outputs reuse the input's buffer without any copy.
	ResourceModified bool
	InputIndex       int
}

// IOAliasingMap carries the per-parameter and per-output binding information
// the residency engine needs.
type IOAliasingMap struct {
	Inputs  []InputInfo
	Outputs []OutputInfo
}

// Executable is a compiled device program plus the metadata needed to bind
// its arguments and materialize its outputs.
//
// The engine may be nil only for two degenerate graphs: one that computes a
// compile-time constant, and one that merely remaps inputs to outputs.
// Executing any other executable without an engine is a programmer error.
type Executable struct {
	name   string
	module *ir.Module
	engine Engine

	parameterShapes []shapes.Shape
	outputShape     shapes.Shape
	ioMap           IOAliasingMap

	// literals[outputIndex][flatTensorIndex] holds the host bytes of a
	// constant graph's outputs.
	literals [][][]byte

	// remap[outputIndex] names the input parameter a remap graph passes
	// through.
	remap []int

	executionCount int
}

// NewExecutable returns an executable backed by a compiled engine.
func NewExecutable(name string, module *ir.Module, engine Engine,
	parameterShapes []shapes.Shape, outputShape shapes.Shape, ioMap IOAliasingMap) (*Executable, error) {
	if engine == nil {
		return nil, FailedPreconditionf("executable %q: engine is nil; use NewConstantExecutable or NewRemapExecutable for engine-less graphs", name)
	}
	if len(ioMap.Inputs) != len(parameterShapes) {
		return nil, FailedPreconditionf("executable %q: %d input infos for %d parameters", name, len(ioMap.Inputs), len(parameterShapes))
	}
	if got, want := len(ioMap.Outputs), numTopLevelOutputs(outputShape); got != want {
		return nil, FailedPreconditionf("executable %q: %d output infos for %d outputs", name, got, want)
	}
	return &Executable{
		name:            name,
		module:          module,
		engine:          engine,
		parameterShapes: parameterShapes,
		outputShape:     outputShape,
		ioMap:           ioMap,
	}, nil
}

// NewConstantExecutable returns the engine-less executable of a graph whose
// outputs are compile-time literals. literals is indexed by output index and
// flat tensor index.
func NewConstantExecutable(name string, module *ir.Module, outputShape shapes.Shape, literals [][][]byte) (*Executable, error) {
	if got, want := len(literals), numTopLevelOutputs(outputShape); got != want {
		return nil, FailedPreconditionf("executable %q: literals for %d outputs, shape has %d", name, got, want)
	}
	return &Executable{
		name:        name,
		module:      module,
		outputShape: outputShape,
		ioMap:       IOAliasingMap{Outputs: make([]OutputInfo, len(literals))},
		literals:    literals,
	}, nil
}

// NewRemapExecutable returns the engine-less executable of a graph that only
// passes inputs through to outputs. remap maps each output index to the input
// parameter it forwards.
func NewRemapExecutable(name string, module *ir.Module, parameterShapes []shapes.Shape,
	outputShape shapes.Shape, remap []int) (*Executable, error) {
	if got, want := len(remap), numTopLevelOutputs(outputShape); got != want {
		return nil, FailedPreconditionf("executable %q: remap for %d outputs, shape has %d", name, got, want)
	}
	return &Executable{
		name:            name,
		module:          module,
		parameterShapes: parameterShapes,
		outputShape:     outputShape,
		ioMap: IOAliasingMap{
			Inputs:  make([]InputInfo, len(parameterShapes)),
			Outputs: make([]OutputInfo, len(remap)),
		},
		remap: remap,
	}, nil
}

// Name returns the executable's name, usually the module name.
func (exec *Executable) Name() string { return exec.name }

// Module returns the IR module this executable was compiled from.
func (exec *Executable) Module() *ir.Module { return exec.module }

// Engine returns the compiled engine, nil for constant and remap graphs.
func (exec *Executable) Engine() Engine { return exec.engine }

// ParameterShapes returns the entry parameter shapes in parameter order.
func (exec *Executable) ParameterShapes() []shapes.Shape { return exec.parameterShapes }

// OutputShape returns the (possibly tuple) result shape.
func (exec *Executable) OutputShape() shapes.Shape { return exec.outputShape }

// IOMap returns the input/output aliasing map.
func (exec *Executable) IOMap() IOAliasingMap { return exec.ioMap }

// IsConstantGraph reports whether this is the engine-less constant case.
func (exec *Executable) IsConstantGraph() bool { return exec.engine == nil && exec.literals != nil }

// IsRemapGraph reports whether this is the engine-less pass-through case.
func (exec *Executable) IsRemapGraph() bool { return exec.engine == nil && exec.remap != nil }

// ExecutionCount returns how many times the executable ran since its engine
// was last loaded.
func (exec *Executable) ExecutionCount() int { return exec.executionCount }

// OnEngineLoaded resets the per-load execution count; profiling captures an
// execution report on the first run after each load.
func (exec *Executable) OnEngineLoaded() { exec.executionCount = 0 }

// numTopLevelOutputs returns the number of entry outputs: the tuple arity of
// a tuple result shape, otherwise 1.
func numTopLevelOutputs(shape shapes.Shape) int {
	if shape.IsTuple() {
		return shape.TupleSize()
	}
	return 1
}

// topLevelOutputShapes returns the per-output shapes of the result.
func topLevelOutputShapes(shape shapes.Shape) []shapes.Shape {
	if shape.IsTuple() {
		return shape.TupleShapes
	}
	return []shapes.Shape{shape}
}
