package driver

import (
	"fmt"

	"k8s.io/klog/v2"
)

// TargetType tags the kind of device a Target describes.
type TargetType int

const (
	// TargetDefault lets Configure pick: real hardware when available for
	// ordinal 0, the CPU target otherwise.
	TargetDefault TargetType = iota
	// TargetIPU is real tile-accelerator hardware.
	TargetIPU
	// TargetSim is the software simulation of the hardware.
	TargetSim
	// TargetCPU runs programs on the host CPU.
	TargetCPU
)

// String implements fmt.Stringer.
func (t TargetType) String() string {
	switch t {
	case TargetIPU:
		return "IPU"
	case TargetSim:
		return "SIM"
	case TargetCPU:
		return "CPU"
	}
	return "DEFAULT"
}

// Target describes the static characteristics of a device. Two devices with
// equal targets can run the same compiled engine, which is why the target
// hash is folded into engine cache keys.
type Target struct {
	Type              TargetType
	NumTiles          int
	DataPathWidth     int
	BytesPerTile      int
	NumWorkerContexts int
	TilesPerIPU       int
	NumIPUs           int
}

// Hash returns the 64-bit hash of the target's static characteristics.
func (t Target) Hash() uint64 {
	var hash uint64
	for _, field := range []int{
		t.NumTiles, t.DataPathWidth, t.BytesPerTile,
		t.NumWorkerContexts, t.TilesPerIPU, t.NumIPUs, int(t.Type),
	} {
		hash = combineHash(hash, uint64(field))
	}
	return hash
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return fmt.Sprintf("%s{ipus=%d, tiles=%d}", t.Type, t.NumIPUs, t.NumTiles)
}

// combineHash mixes a new value into a running 64-bit hash.
func combineHash(hash, value uint64) uint64 {
	return hash ^ (value + 0x9e3779b97f4a7c16 + (hash << 6) + (hash >> 2))
}

// Device is one attachable accelerator enumerated by the DeviceManager.
type Device struct {
	target     Target
	driverIDs  []int
	attachable bool
	attached   bool
}

// NewDevice returns an attachable device with the given target.
func NewDevice(target Target, driverIDs ...int) *Device {
	return &Device{target: target, driverIDs: driverIDs, attachable: true}
}

// NewBusyDevice returns a device that refuses to attach, as a device held by
// another process would.
func NewBusyDevice(target Target, driverIDs ...int) *Device {
	return &Device{target: target, driverIDs: driverIDs}
}

// Target returns the device's static characteristics.
func (d *Device) Target() Target { return d.target }

// DriverIDs returns the hardware driver ids backing this device.
func (d *Device) DriverIDs() []int { return d.driverIDs }

// Attached reports whether this device is currently held by an Executor.
func (d *Device) Attached() bool { return d.attached }

// Attach acquires the device. It returns false when the device is busy.
func (d *Device) Attach() bool {
	if !d.attachable || d.attached {
		return false
	}
	d.attached = true
	return true
}

// Detach releases the device.
func (d *Device) Detach() { d.attached = false }

// DeviceManager enumerates the devices visible to the process.
type DeviceManager struct {
	devices []*Device
}

// NewDeviceManager returns a manager over the given devices. With no devices
// it enumerates the single host CPU target, so an Executor can always be
// configured.
func NewDeviceManager(devices ...*Device) *DeviceManager {
	if len(devices) == 0 {
		devices = []*Device{NewDevice(CPUTarget())}
	}
	return &DeviceManager{devices: devices}
}

// Devices returns the enumerated devices matching the target type and IPU
// count, in enumeration order.
func (m *DeviceManager) Devices(targetType TargetType, numIPUs int) []*Device {
	var matches []*Device
	for _, d := range m.devices {
		if d.target.Type == targetType && d.target.NumIPUs == numIPUs {
			matches = append(matches, d)
		}
	}
	return matches
}

// All returns every enumerated device.
func (m *DeviceManager) All() []*Device { return m.devices }

// CPUTarget returns the target of the host CPU fallback device.
func CPUTarget() Target {
	return Target{Type: TargetCPU, NumTiles: 1, DataPathWidth: 64, BytesPerTile: 0, NumWorkerContexts: 1, TilesPerIPU: 1, NumIPUs: 1}
}

// SimTarget returns the target of a simulated device with the given geometry.
func SimTarget(numIPUs, tilesPerIPU int) Target {
	return Target{
		Type: TargetSim, NumTiles: numIPUs * tilesPerIPU, DataPathWidth: 64,
		BytesPerTile: 256 * 1024, NumWorkerContexts: 6, TilesPerIPU: tilesPerIPU, NumIPUs: numIPUs,
	}
}

// ProfilingConfig selects which trace events an Executor records.
type ProfilingConfig struct {
	// EnableIOTrace records host/device transfer and engine load events.
	EnableIOTrace bool
	// EnableExecutionTrace records execute events, with an execution report
	// on the first run after each engine load.
	EnableExecutionTrace bool
}

// DeviceConfig selects and parameterizes the device an Executor attaches to.
type DeviceConfig struct {
	Type        TargetType
	NumIPUs     int
	TilesPerIPU int

	// ConfigIndex, when >= 0, requests a specific enumerated device instead
	// of the first one that attaches.
	ConfigIndex int

	Profiling          ProfilingConfig
	EngineCacheDir     string
	CompilationOptions map[string]string
}

// DefaultDeviceConfig requests the default device type with no specific
// configuration index.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{ConfigIndex: -1}
}

func (cfg DeviceConfig) equal(other DeviceConfig) bool {
	if cfg.Type != other.Type || cfg.NumIPUs != other.NumIPUs || cfg.TilesPerIPU != other.TilesPerIPU ||
		cfg.ConfigIndex != other.ConfigIndex || cfg.Profiling != other.Profiling ||
		cfg.EngineCacheDir != other.EngineCacheDir {
		return false
	}
	if len(cfg.CompilationOptions) != len(other.CompilationOptions) {
		return false
	}
	for k, v := range cfg.CompilationOptions {
		if other.CompilationOptions[k] != v {
			return false
		}
	}
	return true
}

// Configure attaches the Executor to a device per cfg. A no-op when cfg
// matches the current configuration and a device is already attached.
//
// When a requested configuration index is out of range the call fails with an
// invalid-argument error citing both the requested index and the number of
// available configurations, and the previously attached device, if any, is
// left untouched.
func (e *Executor) Configure(cfg DeviceConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.equal(e.config) && e.deviceOpen {
		return nil
	}

	targetType := cfg.Type
	numIPUs := cfg.NumIPUs
	if numIPUs == 0 {
		numIPUs = 1
	}

	if targetType == TargetDefault {
		if len(e.manager.Devices(TargetIPU, numIPUs)) > 0 && e.ordinal == 0 {
			targetType = TargetIPU
		} else {
			targetType = TargetCPU
		}
	}

	var device *Device
	switch targetType {
	case TargetIPU:
		deviceList := e.manager.Devices(TargetIPU, numIPUs)
		if cfg.ConfigIndex >= 0 {
			if cfg.ConfigIndex >= len(deviceList) {
				return InvalidArgumentf("requested device configuration index %d, but %d configurations were available",
					cfg.ConfigIndex, len(deviceList))
			}
			candidate := deviceList[cfg.ConfigIndex]
			e.detachLocked()
			if !candidate.Attach() {
				return Internalf("could not attach to the device configuration index requested")
			}
			device = candidate
		} else {
			e.detachLocked()
			for _, candidate := range deviceList {
				if candidate.Attach() {
					device = candidate
					break
				}
			}
		}
		if device != nil && len(device.DriverIDs()) > 0 {
			klog.V(1).Infof("Attached to IPUs: %v", device.DriverIDs())
		}

	case TargetSim, TargetCPU:
		// A single configuration exists for these types.
		if cfg.ConfigIndex > 0 {
			return InvalidArgumentf("requested device configuration index %d, but 1 configuration was available",
				cfg.ConfigIndex)
		}
		target := CPUTarget()
		if targetType == TargetSim {
			tilesPerIPU := cfg.TilesPerIPU
			if tilesPerIPU == 0 {
				tilesPerIPU = defaultSimTilesPerIPU
			}
			target = SimTarget(numIPUs, tilesPerIPU)
		}
		e.detachLocked()
		device = NewDevice(target)
		device.Attach()

	default:
		return Internalf("unrecognized device type for ordinal %d: %d", e.ordinal, targetType)
	}

	if device == nil {
		return ResourceExhaustedf("unable to acquire %s device for ordinal %d", targetType, e.ordinal)
	}

	e.config = cfg
	e.device = device
	e.deviceOpen = true
	e.deviceHash = device.Target().Hash()
	klog.V(1).Infof("Attached device %s for ordinal %d", device.Target(), e.ordinal)
	return nil
}

const defaultSimTilesPerIPU = 4

func (e *Executor) detachLocked() {
	if !e.deviceOpen {
		return
	}
	klog.V(1).Infof("Detaching device %s", e.device.Target())
	e.device.Detach()
	e.device = nil
	e.deviceOpen = false
}

// Device returns the currently attached device, nil when unconfigured.
func (e *Executor) Device() *Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Ordinal returns the executor's device ordinal.
func (e *Executor) Ordinal() int { return e.ordinal }
