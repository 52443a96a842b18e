package driver

import (
	"github.com/gomlx/exceptions"
	"github.com/gotile/gotile/types/shapes"
)

// allocationKind selects how the buffers of an execution's outputs come to
// exist.
type allocationKind int

const (
	// constantAllocation fills outputs from literals baked into the
	// executable; nothing runs on the device.
	constantAllocation allocationKind = iota
	// remapAllocation aliases outputs to the execution's own arguments.
	remapAllocation
	// bufferAllocation allocates fresh buffers bound to the engine's output
	// streams, or aliases in-place-updated arguments.
	bufferAllocation
)

type outputAllocation struct {
	kind     allocationKind
	literals [][][]byte
	remap    []int
}

// getOutputBufferLocked materializes the full output buffer tree of one
// execution and returns the handle of its root. Tuple nodes become tuple
// buffers holding the handles of their elements.
func (e *Executor) getOutputBufferLocked(exec *Executable, alloc outputAllocation) (Handle, error) {
	outputShapes := topLevelOutputShapes(exec.outputShape)
	if !exec.outputShape.IsTuple() {
		flat := 0
		return e.materializeOutputLocked(exec, alloc, 0, &flat, outputShapes[0])
	}
	root := e.allocateLocked(uint64(len(outputShapes)) * tupleEntrySize)
	for idx, shape := range outputShapes {
		flat := 0
		h, err := e.materializeOutputLocked(exec, alloc, idx, &flat, shape)
		if err != nil {
			return 0, err
		}
		putTupleElement(root.data, idx, h)
	}
	return root.handle, nil
}

// materializeOutputLocked recurses through one top-level output's shape,
// numbering its leaves in flattening order. flat carries the leaf counter
// across the recursion.
func (e *Executor) materializeOutputLocked(exec *Executable, alloc outputAllocation, idx int, flat *int, shape shapes.Shape) (Handle, error) {
	if shape.IsTuple() {
		tc := e.allocateLocked(uint64(len(shape.TupleShapes)) * tupleEntrySize)
		for i, elementShape := range shape.TupleShapes {
			h, err := e.materializeOutputLocked(exec, alloc, idx, flat, elementShape)
			if err != nil {
				return 0, err
			}
			putTupleElement(tc.data, i, h)
		}
		return tc.handle, nil
	}

	leaf := *flat
	*flat++

	switch alloc.kind {
	case constantAllocation:
		literal := alloc.literals[idx][leaf]
		tc := e.allocateLocked(uint64(len(literal)))
		copy(tc.data, literal)
		return tc.handle, nil

	case remapAllocation:
		// The output is the argument itself, shared rather than copied.
		copyHandle := InputCopyHandle(alloc.remap[idx], leaf)
		binding, ok := e.argsMap[copyHandle]
		if !ok || binding.tc == nil {
			return 0, InvalidArgumentf("remapped output %d refers to argument %q which isn't a live allocation", idx, copyHandle)
		}
		binding.tc.refCount++
		return binding.handle, nil

	case bufferAllocation:
		info := exec.ioMap.Outputs[idx]
		if info.ResourceModified {
			// In-place update of an argument, typically a weight: the device
			// tensor already holds the argument, so the same buffer doubles
			// as the output and no data moves in either direction between
			// iterations on the same engine.
			copyHandle := InputCopyHandle(info.InputIndex, leaf)
			binding, ok := e.argsMap[copyHandle]
			if !ok || binding.tc == nil {
				return 0, InvalidArgumentf("in-place output %d refers to argument %q which isn't a live allocation", idx, copyHandle)
			}
			tc := binding.tc
			tc.refCount++
			tc.outputHandle = OutputCopyHandle(idx, leaf)
			tc.outputConvertor = outputConvertor(shape)
			return binding.handle, nil
		}
		tc := e.allocateLocked(hostMemory(shape))
		tc.outputConvertor = outputConvertor(shape)
		tc.outputHandle = OutputCopyHandle(idx, leaf)
		tc.onDevice = !info.Streamed
		return tc.handle, nil
	}
	exceptions.Panicf("driver: unknown output allocation kind %d", alloc.kind)
	return 0, nil
}
