package driver

import (
	"encoding/json"
	"time"

	"github.com/gomlx/exceptions"
)

// EventType tags a trace event.
type EventType int

const (
	EventCompileBegin EventType = iota
	EventCompileEnd
	EventHostToDevice
	EventDeviceToHost
	EventLoadEngine
	EventExecute
)

// String implements fmt.Stringer.
func (t EventType) String() string {
	switch t {
	case EventCompileBegin:
		return "compile-begin"
	case EventCompileEnd:
		return "compile-end"
	case EventHostToDevice:
		return "host-to-device"
	case EventDeviceToHost:
		return "device-to-host"
	case EventLoadEngine:
		return "load-engine"
	case EventExecute:
		return "execute"
	}
	return "unknown"
}

// Event is one timestamped trace record. Which fields are set depends on the
// type: compile events carry the module name and reports, transfer events a
// JSON manifest of the tensors moved, execute events the engine id and an
// optional execution report.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Ordinal   int

	ModuleName        string
	EngineID          string
	Graph             string
	CompilationReport string
	ExecutionReport   string
	TensorMap         string
	DataTransfer      string
	Duration          time.Duration
}

func (e *Executor) newEventLocked(eventType EventType) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Ordinal: e.ordinal}
}

// AddCompileBeginEvent records the start of a module compilation. It is
// called by the compilation plumbing, which lives outside this package.
func (e *Executor) AddCompileBeginEvent(moduleName, graph string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	evt := e.newEventLocked(EventCompileBegin)
	evt.ModuleName = moduleName
	evt.Graph = graph
	e.events = append(e.events, evt)
}

// AddCompileEndEvent records the end of a module compilation.
func (e *Executor) AddCompileEndEvent(moduleName, compilationReport, tensorMap string, duration time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	evt := e.newEventLocked(EventCompileEnd)
	evt.ModuleName = moduleName
	evt.CompilationReport = compilationReport
	evt.TensorMap = tensorMap
	evt.Duration = duration
	e.events = append(e.events, evt)
}

func (e *Executor) addTransferEventLocked(eventType EventType, manifest transferManifest) {
	evt := e.newEventLocked(eventType)
	evt.DataTransfer = manifest.json()
	e.events = append(e.events, evt)
}

func (e *Executor) addLoadEngineEventLocked(moduleName, engineID string) {
	evt := e.newEventLocked(EventLoadEngine)
	evt.ModuleName = moduleName
	evt.EngineID = engineID
	e.events = append(e.events, evt)
}

func (e *Executor) addExecuteEventLocked(moduleName, engineID, executionReport string) {
	evt := e.newEventLocked(EventExecute)
	evt.ModuleName = moduleName
	evt.EngineID = engineID
	evt.ExecutionReport = executionReport
	e.events = append(e.events, evt)
}

// CompilerEvents drains and returns every trace event recorded so far, oldest
// first. The internal queue is cleared.
func (e *Executor) CompilerEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := e.events
	e.events = nil
	return events
}

// transferManifest describes one host/device transfer for trace events.
type transferManifest struct {
	Tensors   []transferTensor `json:"tensors"`
	TotalSize uint64           `json:"total_size"`
}

type transferTensor struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

func (m transferManifest) json() string {
	data, err := json.Marshal(m)
	if err != nil {
		exceptions.Panicf("driver: cannot marshal transfer manifest: %v", err)
	}
	return string(data)
}
