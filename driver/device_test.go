package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func ipuTarget(numIPUs int) Target {
	return Target{
		Type: TargetIPU, NumTiles: numIPUs * 1472, DataPathWidth: 64,
		BytesPerTile: 624 * 1024, NumWorkerContexts: 6, TilesPerIPU: 1472, NumIPUs: numIPUs,
	}
}

func TestDefaultConfigurationFallsBackToCPU(t *testing.T) {
	e, err := NewExecutor(NewDeviceManager(), 0)
	require.NoError(t, err)
	require.NotNil(t, e.Device())
	require.Equal(t, TargetCPU, e.Device().Target().Type)
}

func TestDefaultConfigurationPrefersHardware(t *testing.T) {
	manager := NewDeviceManager(NewDevice(ipuTarget(1), 0))
	e, err := NewExecutor(manager, 0)
	require.NoError(t, err)
	require.Equal(t, TargetIPU, e.Device().Target().Type)
	require.True(t, manager.All()[0].Attached())

	// Non-zero ordinals take the CPU fallback.
	e1, err := NewExecutor(manager, 1)
	require.NoError(t, err)
	require.Equal(t, TargetCPU, e1.Device().Target().Type)
}

func TestConfigureIndexOutOfRange(t *testing.T) {
	manager := NewDeviceManager(NewDevice(ipuTarget(1), 0), NewDevice(ipuTarget(1), 1))
	e, err := NewExecutor(manager, 0)
	require.NoError(t, err)
	attached := e.Device()
	require.NotNil(t, attached)

	err = e.Configure(DeviceConfig{Type: TargetIPU, ConfigIndex: 5})
	require.Error(t, err)
	require.Equal(t, ClassInvalidArgument, ClassOf(err))
	// The error names the requested index and how many configurations exist.
	require.Contains(t, err.Error(), "5")
	require.Contains(t, err.Error(), "2")

	// The previously attached device is untouched.
	require.Same(t, attached, e.Device())
	require.True(t, attached.Attached())

	// A repeat of the failing call fails again rather than silently
	// matching the stored configuration.
	err = e.Configure(DeviceConfig{Type: TargetIPU, ConfigIndex: 5})
	require.Error(t, err)
}

func TestConfigureBusyDevices(t *testing.T) {
	manager := NewDeviceManager(NewBusyDevice(ipuTarget(1), 0))
	e, err := NewExecutor(manager, 1)
	require.NoError(t, err)

	err = e.Configure(DeviceConfig{Type: TargetIPU, ConfigIndex: -1})
	require.Error(t, err)
	require.Equal(t, ClassResourceExhausted, ClassOf(err))
}

func TestConfigureSimDevice(t *testing.T) {
	e, err := NewExecutor(NewDeviceManager(), 0)
	require.NoError(t, err)

	require.NoError(t, e.Configure(DeviceConfig{Type: TargetSim, NumIPUs: 2, TilesPerIPU: 8, ConfigIndex: -1}))
	target := e.Device().Target()
	require.Equal(t, TargetSim, target.Type)
	require.Equal(t, 2, target.NumIPUs)
	require.Equal(t, 16, target.NumTiles)

	// Re-configuring with the same settings is a no-op.
	before := e.Device()
	require.NoError(t, e.Configure(DeviceConfig{Type: TargetSim, NumIPUs: 2, TilesPerIPU: 8, ConfigIndex: -1}))
	require.Same(t, before, e.Device())
}

func TestTargetHash(t *testing.T) {
	require.Equal(t, ipuTarget(1).Hash(), ipuTarget(1).Hash())
	require.NotEqual(t, ipuTarget(1).Hash(), ipuTarget(2).Hash())
	require.NotEqual(t, CPUTarget().Hash(), SimTarget(1, 4).Hash())
}
