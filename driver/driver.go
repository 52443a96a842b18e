// Package driver executes compiled device programs and manages the
// host/device residency of every buffer across repeated executions.
//
// The central object is the Executor, a per-device context that owns the
// buffer registry, the currently loaded engine and the argument/output
// binding maps of the execution in flight. Before each run it decides, per
// buffer, whether data has to be moved host-to-device or device-to-host; a
// resource buffer (e.g. a network weight) that stayed resident and unchanged
// across two calls against the same engine is never round-tripped through
// the host.
//
// All registry mutations and the whole multi-step execution protocol
// serialize on the Executor's lock, so concurrent callers of one device
// handle execute one at a time.
package driver

import "fmt"

// Handle identifies one buffer in an Executor's registry. Handles are stable
// integers; zero is never a valid handle.
type Handle uint64

// ProgramType selects which control program of a loaded engine to run.
type ProgramType int

const (
	// ProgramHostToDevice copies every connected input stream to the device.
	ProgramHostToDevice ProgramType = iota
	// ProgramMain runs the compiled computation.
	ProgramMain
	// ProgramDeviceToHost copies every connected output stream to the host.
	ProgramDeviceToHost
)

// String implements fmt.Stringer.
func (p ProgramType) String() string {
	switch p {
	case ProgramHostToDevice:
		return "host-to-device"
	case ProgramMain:
		return "main"
	case ProgramDeviceToHost:
		return "device-to-host"
	}
	return "unknown"
}

// InputCopyHandle returns the string key of one flat input transfer slot:
// parameter index plus flat tensor index within the (possibly nested)
// parameter shape.
func InputCopyHandle(parameter, index int) string {
	return fmt.Sprintf("%d.%d", parameter, index)
}

// OutputCopyHandle returns the string key of one flat output transfer slot.
func OutputCopyHandle(outputIndex, flatTensorIndex int) string {
	return fmt.Sprintf("out_%d.%d", outputIndex, flatTensorIndex)
}
