package driver

import "github.com/google/uuid"

// NewEngineID returns a fresh unique engine id. Engine implementations that
// have no natural id from their transport can use it to satisfy ID.
func NewEngineID() string {
	return uuid.NewString()
}

// Engine is a compiled, loadable device program, the seam to the vendor
// transport layer. All methods are synchronous from the Executor's point of
// view: even if the transport queues work internally, Run must not return
// until every connected stream has been serviced or a runtime error occurred.
//
// The Executor wraps any error returned here into a stage-tagged
// ClassInternal error; implementations should return their transport's plain
// errors.
type Engine interface {
	// ID identifies the engine instance, e.g. for trace events.
	ID() string

	// Load puts the engine onto the device, evicting whatever program was
	// loaded before.
	Load(device *Device) error

	// ConnectStream binds the named data stream to a host buffer. Streams
	// stay connected until re-connected; the buffer must remain valid until
	// the next Run completes.
	ConnectStream(name string, buf []byte)

	// Run executes one of the engine's control programs.
	Run(program ProgramType) error

	// ExecutionReport returns the profiling report of the last Run of the
	// main program, or "" when the transport collects none.
	ExecutionReport() string
}
