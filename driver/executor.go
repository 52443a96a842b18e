package driver

import (
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gotile/gotile/types/shapes"
	"k8s.io/klog/v2"
)

// Executor is the per-device execution context: it owns the buffer registry,
// the currently loaded engine, and the argument/output binding maps of the
// execution in flight. At most one execution is in flight per Executor; all
// public operations serialize on its lock.
type Executor struct {
	mu sync.Mutex

	ordinal int
	manager *DeviceManager

	device     *Device
	deviceOpen bool
	deviceHash uint64
	config     DeviceConfig

	buffers    map[Handle]*TensorControl
	views      map[Handle]bufferView
	nextHandle Handle

	currentEngine Engine
	argsMap       map[string]*inputBinding
	outputsMap    map[string]*outputBinding

	events      []Event
	engineCache EngineCache
}

// inputBinding binds one flat argument slot to a registry buffer for the
// duration of a single execution.
type inputBinding struct {
	handle   Handle
	tc       *TensorControl // nil when the handle is not a live registry entry
	convert  convertFn
	streamed bool
}

// outputBinding binds one flat output slot to the buffer materialized for it.
type outputBinding struct {
	tc       *TensorControl
	streamed bool
}

// NewExecutor returns the executor for one device ordinal, attached per the
// default device configuration.
func NewExecutor(manager *DeviceManager, ordinal int) (*Executor, error) {
	e := &Executor{
		ordinal:     ordinal,
		manager:     manager,
		buffers:     make(map[Handle]*TensorControl),
		views:       make(map[Handle]bufferView),
		argsMap:     make(map[string]*inputBinding),
		outputsMap:  make(map[string]*outputBinding),
		engineCache: neverCache{},
	}
	if err := e.Configure(DefaultDeviceConfig()); err != nil {
		return nil, err
	}
	return e, nil
}

// Execute runs one end-to-end invocation of the executable: it rebuilds the
// argument map from args, performs whatever host/device transfers the
// residency state requires, loads the engine if it changed, materializes the
// output buffer tree, runs the program, and returns the handle of the result
// tree.
//
// A failed execution leaves buffers already transferred as transferred --
// there is no rollback -- so after an error the device residency state is
// indeterminate and callers must not rely on any buffer's location.
func (e *Executor) Execute(exec *Executable, args []Handle) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(args) != len(exec.parameterShapes) {
		return 0, InvalidArgumentf("executable %q takes %d arguments, got %d",
			exec.name, len(exec.parameterShapes), len(args))
	}

	engineChanged := e.currentEngine != exec.engine

	e.updateArgsMapLocked(exec, args)

	if exec.engine == nil {
		// An engine-less executable is either a graph that just passes its
		// inputs through to its outputs, or a graph returning a constant.
		switch {
		case exec.IsConstantGraph():
			return e.getOutputBufferLocked(exec, outputAllocation{kind: constantAllocation, literals: exec.literals})
		case exec.IsRemapGraph():
			return e.getOutputBufferLocked(exec, outputAllocation{kind: remapAllocation, remap: exec.remap})
		default:
			exceptions.Panicf("driver: executable %q has no engine and is neither a constant nor a remap graph", exec.name)
		}
	}

	deviceToHost, err := e.needsDeviceToHostLocked(engineChanged)
	if err != nil {
		return 0, err
	}
	if deviceToHost {
		if err := e.moveDeviceToHostLocked(); err != nil {
			return 0, err
		}
	}

	if engineChanged {
		// Whatever the old engine held is gone once the new one loads, even
		// when nothing needed flushing: inputs already on the device were
		// never received by the new engine and must transfer again.
		e.invalidateResidencyLocked()
		if err := exec.engine.Load(e.device); err != nil {
			return 0, stageError("load", err)
		}
		if e.config.Profiling.EnableIOTrace {
			e.addLoadEngineEventLocked(exec.name, exec.engine.ID())
		}
		exec.OnEngineLoaded()
		e.currentEngine = exec.engine
	}

	hostToDevice, err := e.needsHostToDeviceLocked(engineChanged)
	if err != nil {
		return 0, err
	}
	if hostToDevice {
		if err := e.moveHostToDeviceLocked(); err != nil {
			return 0, err
		}
	}

	result, err := e.getOutputBufferLocked(exec, outputAllocation{kind: bufferAllocation})
	if err != nil {
		return 0, err
	}
	e.updateOutputsMapLocked(exec, result)

	klog.V(1).Infof("Executing %q on device ordinal %d (%s)", exec.name, e.ordinal, e.device.Target())

	// Streamed slots transfer while the main program runs; connect them now.
	e.connectStreamedInputsLocked()
	e.connectStreamedOutputsLocked()

	if err := e.currentEngine.Run(ProgramMain); err != nil {
		return 0, stageError("execute", err)
	}

	e.postProcessStreamedOutputsLocked()

	if e.config.Profiling.EnableExecutionTrace {
		report := ""
		if exec.executionCount == 0 {
			report = e.currentEngine.ExecutionReport()
		}
		e.addExecuteEventLocked(exec.name, exec.engine.ID(), report)
	}
	exec.executionCount++

	return result, nil
}

// updateArgsMapLocked rebuilds the execution-scoped map from input copy
// handles to buffer bindings, recursing through nested tuple parameter shapes
// down to flat leaf buffers. Bindings whose handle is not a live registry
// entry get a nil TensorControl; needsHostToDeviceLocked turns those into
// invalid-argument errors.
func (e *Executor) updateArgsMapLocked(exec *Executable, args []Handle) {
	clear(e.argsMap)
	for parameter, arg := range args {
		shape := exec.parameterShapes[parameter]
		info := exec.ioMap.Inputs[parameter]
		var bindings []*inputBinding
		e.flattenInputLocked(&bindings, shape, arg, info)
		for i, binding := range bindings {
			e.argsMap[InputCopyHandle(parameter, i)] = binding
		}
	}
}

func (e *Executor) flattenInputLocked(bindings *[]*inputBinding, shape shapes.Shape, h Handle, info InputInfo) {
	if !shape.IsTuple() {
		binding := &inputBinding{handle: h, convert: inputConvertor(shape), streamed: info.Streamed}
		if tc, ok := e.buffers[h]; ok {
			binding.tc = tc
		}
		*bindings = append(*bindings, binding)
		return
	}
	tc, ok := e.buffers[h]
	if !ok {
		// Unknown tuple buffer: bind every leaf with an unknown handle so
		// the residency check reports it.
		for range shape.NumLeaves() {
			*bindings = append(*bindings, &inputBinding{handle: h, streamed: info.Streamed})
		}
		return
	}
	for i, elementShape := range shape.TupleShapes {
		element, err := e.tupleElementLocked(tc.handle, i)
		if err != nil {
			element = 0
		}
		e.flattenInputLocked(bindings, elementShape, element, info)
	}
}

// updateOutputsMapLocked rebuilds the execution-scoped map from output copy
// handles to the buffers materialized for them.
func (e *Executor) updateOutputsMapLocked(exec *Executable, result Handle) {
	clear(e.outputsMap)
	outputShapes := topLevelOutputShapes(exec.outputShape)
	for idx, shape := range outputShapes {
		h := result
		if exec.outputShape.IsTuple() {
			var err error
			h, err = e.tupleElementLocked(result, idx)
			if err != nil {
				exceptions.Panicf("driver: result tuple buffer of %q is malformed: %v", exec.name, err)
			}
		}
		e.collectOutputBindingsLocked(shape, h, exec.ioMap.Outputs[idx])
	}
}

func (e *Executor) collectOutputBindingsLocked(shape shapes.Shape, h Handle, info OutputInfo) {
	tc, _, _, ok := e.lookupLocked(h)
	if !ok {
		exceptions.Panicf("driver: output buffer %d disappeared while binding outputs", h)
	}
	if !shape.IsTuple() {
		e.outputsMap[tc.outputHandle] = &outputBinding{tc: tc, streamed: info.Streamed}
		return
	}
	for i, elementShape := range shape.TupleShapes {
		element, err := e.tupleElementLocked(h, i)
		if err != nil {
			exceptions.Panicf("driver: tuple output buffer %d is malformed: %v", h, err)
		}
		e.collectOutputBindingsLocked(elementShape, element, info)
	}
}

// needsDeviceToHostLocked reports whether outputs of a previous execution
// must be pulled back from the device: one is on the device, and the engine
// is changing, or the buffer isn't an argument of the current call, or it is
// bound to a different argument slot than before. The scan visits every live
// allocation once.
func (e *Executor) needsDeviceToHostLocked(engineChanged bool) (bool, error) {
	for _, tc := range e.buffers {
		if !tc.onDevice || tc.outputHandle == "" {
			continue
		}
		binding, bound := e.argsMap[tc.inputHandle]
		if engineChanged || !bound || binding.tc != tc {
			return true, nil
		}
	}
	return false, nil
}

// needsHostToDeviceLocked reports whether any non-streamed argument must be
// pushed to the device: the engine changed, or the buffer is not on the
// device, or it sits in a different argument slot than it is now bound to.
// An argument that is no live registry entry is a use-after-free; the call
// is aborted instead of transferring garbage.
func (e *Executor) needsHostToDeviceLocked(engineChanged bool) (bool, error) {
	needed := false
	for copyHandle, binding := range e.argsMap {
		// Streamed arguments never transfer ahead of the run, but a stale
		// handle is a use-after-free regardless of how the slot transfers.
		if binding.tc == nil || e.buffers[binding.handle] != binding.tc {
			return false, InvalidArgumentf("argument %q isn't a live allocation: handle %d", copyHandle, binding.handle)
		}
		if binding.streamed {
			continue
		}
		if engineChanged || !binding.tc.onDevice || binding.tc.inputHandle != copyHandle {
			needed = true
		}
	}
	return needed, nil
}

// invalidateResidencyLocked clears the device residency state of every
// allocation. Called on an engine switch, after pending outputs were
// flushed.
func (e *Executor) invalidateResidencyLocked() {
	for _, tc := range e.buffers {
		tc.onDevice = false
		tc.inputHandle = ""
		tc.outputHandle = ""
	}
}

// moveDeviceToHostLocked pulls every pending execution output back to its
// host buffer, applies host-format conversions, and resets the residency
// state of all allocations.
func (e *Executor) moveDeviceToHostLocked() error {
	manifest := transferManifest{}
	allocations := e.sortedAllocationsLocked()
	for _, tc := range allocations {
		if tc.onDevice && tc.outputHandle != "" {
			e.currentEngine.ConnectStream(tc.outputHandle, tc.data)
			manifest.Tensors = append(manifest.Tensors, transferTensor{Name: tc.outputHandle, Size: tc.size})
			manifest.TotalSize += tc.size
		}
	}

	if err := e.currentEngine.Run(ProgramDeviceToHost); err != nil {
		return stageError("device-to-host", err)
	}
	klog.V(2).Infof("Device-to-host transfer of %s in %d tensors",
		humanize.IBytes(manifest.TotalSize), len(manifest.Tensors))

	if e.config.Profiling.EnableIOTrace {
		e.addTransferEventLocked(EventDeviceToHost, manifest)
	}

	for _, tc := range allocations {
		if tc.onDevice && tc.outputHandle != "" {
			postProcessBuffer(tc)
		}
		tc.onDevice = false
		tc.outputHandle = ""
		tc.inputHandle = ""
	}
	return nil
}

// moveHostToDeviceLocked pushes every non-streamed pending argument to the
// device, narrowing host formats where needed.
func (e *Executor) moveHostToDeviceLocked() error {
	manifest := transferManifest{}
	for _, copyHandle := range e.sortedArgHandlesLocked() {
		binding := e.argsMap[copyHandle]
		if binding.streamed {
			continue
		}
		tc := binding.tc
		buf := preProcessBuffer(binding)
		e.currentEngine.ConnectStream(copyHandle, buf)
		tc.onDevice = true
		tc.inputHandle = copyHandle
		manifest.Tensors = append(manifest.Tensors, transferTensor{Name: copyHandle, Size: tc.size})
		manifest.TotalSize += tc.size
	}

	if err := e.currentEngine.Run(ProgramHostToDevice); err != nil {
		return stageError("host-to-device", err)
	}
	klog.V(2).Infof("Host-to-device transfer of %s in %d tensors",
		humanize.IBytes(manifest.TotalSize), len(manifest.Tensors))

	if e.config.Profiling.EnableIOTrace {
		e.addTransferEventLocked(EventHostToDevice, manifest)
	}

	for _, binding := range e.argsMap {
		if binding.tc != nil {
			binding.tc.convertedData = nil
		}
	}
	return nil
}

func (e *Executor) connectStreamedInputsLocked() {
	for _, copyHandle := range e.sortedArgHandlesLocked() {
		binding := e.argsMap[copyHandle]
		if binding.streamed {
			e.currentEngine.ConnectStream(copyHandle, preProcessBuffer(binding))
		}
	}
}

func (e *Executor) connectStreamedOutputsLocked() {
	for _, copyHandle := range e.sortedOutputHandlesLocked() {
		binding := e.outputsMap[copyHandle]
		if binding.streamed {
			e.currentEngine.ConnectStream(copyHandle, binding.tc.data)
		}
	}
}

func (e *Executor) postProcessStreamedOutputsLocked() {
	for _, binding := range e.outputsMap {
		if binding.streamed {
			postProcessBuffer(binding.tc)
		}
	}
}

// preProcessBuffer returns the bytes to expose to the device for a bound
// argument, narrowing through the input convertor when one applies.
func preProcessBuffer(binding *inputBinding) []byte {
	tc := binding.tc
	if binding.convert == nil {
		return tc.data
	}
	tc.convertedData = binding.convert(tc.data)
	return tc.convertedData
}

// postProcessBuffer rewrites a buffer's device payload into the host format.
func postProcessBuffer(tc *TensorControl) {
	if tc.outputConvertor == nil {
		return
	}
	copy(tc.data, tc.outputConvertor(tc.data))
}

func (e *Executor) sortedArgHandlesLocked() []string {
	handles := make([]string, 0, len(e.argsMap))
	for h := range e.argsMap {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

func (e *Executor) sortedOutputHandlesLocked() []string {
	handles := make([]string, 0, len(e.outputsMap))
	for h := range e.outputsMap {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}
