package driver

import (
	"encoding/binary"
	"sort"
)

// TensorControl tracks where one allocation's authoritative data currently
// lives: in its host-side byte buffer, or in one of the tensors of the
// currently loaded engine.
//
// The interacting states are:
//
//   - onDevice=false: the data is in the host buffer. If the buffer is
//     passed as an argument to an execution it must first be copied to the
//     device.
//   - onDevice=true, inputHandle set, outputHandle empty: the data was
//     copied to the device as an argument of the previous execution. If the
//     engine and the argument slot don't change it does not need re-copying.
//   - onDevice=true, inputHandle empty, outputHandle set: the buffer
//     represents an output of the last execution; reading it on the host, or
//     switching engines, requires a device-to-host transfer first.
//   - onDevice=true, both handles set: the buffer was an argument that the
//     execution also updated in place, typically a weight. As long as the
//     engine and slot assignment stay the same it needs no transfer in
//     either direction between iterations. This is the steady state of a
//     training loop.
type TensorControl struct {
	handle Handle
	size   uint64
	data   []byte

	onDevice     bool
	inputHandle  string
	outputHandle string
	refCount     int

	// outputConvertor, when set, rewrites the device byte layout into the
	// host layout after a device-to-host transfer. convertedData holds
	// narrowed input data between preprocessing and the transfer run.
	outputConvertor convertFn
	convertedData   []byte
}

// Handle returns the registry handle of this buffer.
func (tc *TensorControl) Handle() Handle { return tc.handle }

// Size returns the host byte size of the buffer.
func (tc *TensorControl) Size() uint64 { return tc.size }

// OnDevice reports whether the authoritative data currently lives on the
// device.
func (tc *TensorControl) OnDevice() bool { return tc.onDevice }

// InputHandle returns the copy handle the buffer is bound to as an execution
// argument, or "" when it is not bound.
func (tc *TensorControl) InputHandle() string { return tc.inputHandle }

// OutputHandle returns the copy handle the buffer is bound to as an execution
// result, or "" when it is not bound.
func (tc *TensorControl) OutputHandle() string { return tc.outputHandle }

// RefCount returns the current shared-ownership count.
func (tc *TensorControl) RefCount() int { return tc.refCount }

// bufferView is a non-owning window into another allocation, used for tuple
// element access. Views have no reference count of their own.
type bufferView struct {
	parent Handle
	offset uint64
	size   uint64
}

// allocateLocked creates a zero-initialized, host-resident buffer with
// refCount 1.
func (e *Executor) allocateLocked(size uint64) *TensorControl {
	e.nextHandle++
	tc := &TensorControl{
		handle:   e.nextHandle,
		size:     size,
		data:     make([]byte, size),
		refCount: 1,
	}
	e.buffers[tc.handle] = tc
	return tc
}

// releaseLocked drops one reference; at zero the record is reclaimed.
func (e *Executor) releaseLocked(h Handle) error {
	if _, ok := e.views[h]; ok {
		// Views don't own anything.
		return nil
	}
	tc, ok := e.buffers[h]
	if !ok {
		return InvalidArgumentf("unknown buffer handle %d", h)
	}
	tc.refCount--
	if tc.refCount == 0 {
		delete(e.buffers, h)
		// Views into the freed allocation are dangling; reclaim them too.
		for viewHandle, view := range e.views {
			if view.parent == h {
				delete(e.views, viewHandle)
			}
		}
	}
	return nil
}

// lookupLocked resolves a handle to its backing TensorControl, following
// views to their parent. The returned offset/size describe the window the
// handle addresses.
func (e *Executor) lookupLocked(h Handle) (tc *TensorControl, offset, size uint64, ok bool) {
	if view, isView := e.views[h]; isView {
		tc, ok = e.buffers[view.parent]
		return tc, view.offset, view.size, ok
	}
	tc, ok = e.buffers[h]
	if !ok {
		return nil, 0, 0, false
	}
	return tc, 0, tc.size, true
}

// Allocate creates a zero-initialized, ref-counted host buffer of the given
// size and returns its handle.
func (e *Executor) Allocate(size uint64) Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allocateLocked(size).handle
}

// Retain adds one reference to the buffer.
func (e *Executor) Retain(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.buffers[h]
	if !ok {
		return InvalidArgumentf("unknown buffer handle %d", h)
	}
	tc.refCount++
	return nil
}

// Deallocate drops one reference to the buffer; when the count reaches zero
// the memory is reclaimed. Deallocating a sub-buffer view is a no-op.
func (e *Executor) Deallocate(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.releaseLocked(h)
}

// SubBuffer returns a non-owning view of size bytes at offset into an
// existing allocation. The view shares the parent's storage and reference
// count.
func (e *Executor) SubBuffer(h Handle, offset, size uint64) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, baseOffset, baseSize, ok := e.lookupLocked(h)
	if !ok {
		return 0, InvalidArgumentf("unknown buffer handle %d", h)
	}
	if offset+size > baseSize {
		return 0, InvalidArgumentf("sub-buffer [%d:%d) out of range of buffer %d (size %d)",
			offset, offset+size, tc.handle, baseSize)
	}
	e.nextHandle++
	view := e.nextHandle
	e.views[view] = bufferView{parent: tc.handle, offset: baseOffset + offset, size: size}
	return view, nil
}

// TupleElement returns the handle stored at element index of a tuple buffer.
func (e *Executor) TupleElement(h Handle, index int) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tupleElementLocked(h, index)
}

func (e *Executor) tupleElementLocked(h Handle, index int) (Handle, error) {
	tc, offset, size, ok := e.lookupLocked(h)
	if !ok {
		return 0, InvalidArgumentf("unknown buffer handle %d", h)
	}
	start := uint64(index) * tupleEntrySize
	if index < 0 || start+tupleEntrySize > size {
		return 0, InvalidArgumentf("tuple element %d out of range of buffer %d (size %d)", index, h, size)
	}
	return Handle(binary.LittleEndian.Uint64(tc.data[offset+start:])), nil
}

// tupleEntrySize is the byte size of one element handle inside a tuple
// buffer's payload.
const tupleEntrySize = 8

func putTupleElement(data []byte, index int, h Handle) {
	binary.LittleEndian.PutUint64(data[index*tupleEntrySize:], uint64(h))
}

// ReadBuffer copies the buffer contents to the host caller. If the buffer
// currently represents a device output it is flushed from the device first,
// which may transfer every pending output.
func (e *Executor) ReadBuffer(h Handle) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, offset, size, ok := e.lookupLocked(h)
	if !ok {
		return nil, InvalidArgumentf("unknown buffer handle %d", h)
	}
	if tc.onDevice && tc.outputHandle != "" {
		if err := e.moveDeviceToHostLocked(); err != nil {
			return nil, err
		}
	}
	out := make([]byte, size)
	copy(out, tc.data[offset:offset+size])
	return out, nil
}

// WriteBuffer overwrites the buffer's host data. The device copy, if any,
// is invalidated: the next execution binding this buffer as an argument will
// transfer it again.
func (e *Executor) WriteBuffer(h Handle, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, offset, size, ok := e.lookupLocked(h)
	if !ok {
		return InvalidArgumentf("unknown buffer handle %d", h)
	}
	if uint64(len(data)) > size {
		return InvalidArgumentf("write of %d bytes overflows buffer %d (size %d)", len(data), h, size)
	}
	copy(tc.data[offset:], data)
	tc.onDevice = false
	tc.inputHandle = ""
	return nil
}

// NumAllocations returns the number of live (owning) allocations.
func (e *Executor) NumAllocations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buffers)
}

// sortedAllocationsLocked returns the live allocations ordered by handle so
// scans and transfer manifests are deterministic.
func (e *Executor) sortedAllocationsLocked() []*TensorControl {
	allocations := make([]*TensorControl, 0, len(e.buffers))
	for _, tc := range e.buffers {
		allocations = append(allocations, tc)
	}
	sort.Slice(allocations, func(i, j int) bool { return allocations[i].handle < allocations[j].handle })
	return allocations
}
