package driver

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gotile/gotile/types/shapes"
	"github.com/stretchr/testify/require"
)

func TestHostMemory(t *testing.T) {
	// Half-precision values occupy 4 host bytes each.
	require.Equal(t, uint64(8), hostMemory(shapes.Make(dtypes.Float16, 2)))
	require.Equal(t, uint64(8), hostMemory(shapes.Make(dtypes.BFloat16, 2)))
	require.Equal(t, uint64(8), hostMemory(shapes.Make(dtypes.Float32, 2)))
	require.Equal(t, uint64(16), hostMemory(shapes.Make(dtypes.Float64, 2)))
}

func TestNoConversionForFullWidthTypes(t *testing.T) {
	require.Nil(t, inputConvertor(shapes.Make(dtypes.Float32, 2)))
	require.Nil(t, outputConvertor(shapes.Make(dtypes.Float32, 2)))
	require.Nil(t, inputConvertor(shapes.Make(dtypes.Int32, 2)))
}

func TestFloat16RoundTrip(t *testing.T) {
	shape := shapes.Make(dtypes.Float16, 2)
	host := f32le(1.5, -2.25)

	narrowed := inputConvertor(shape)(host)
	require.Len(t, narrowed, 4)

	// The device returns its 16-bit payload in the first half of the host
	// buffer.
	device := make([]byte, len(host))
	copy(device, narrowed)
	widened := outputConvertor(shape)(device)
	require.Equal(t, host, widened)
}

func TestBFloat16RoundTrip(t *testing.T) {
	shape := shapes.Make(dtypes.BFloat16, 3)
	host := f32le(2, -0.5, 128)

	narrowed := inputConvertor(shape)(host)
	require.Len(t, narrowed, 6)

	device := make([]byte, len(host))
	copy(device, narrowed)
	widened := outputConvertor(shape)(device)
	require.Equal(t, host, widened)
}

func TestFloat16ExecuteConvertsBothWays(t *testing.T) {
	e := newTestExecutor(t)
	shape := shapes.Make(dtypes.Float16, 1)
	engine := newFakeEngine(func(memory map[string][]byte) {
		// Pass the 16-bit payload through unchanged.
		memory[OutputCopyHandle(0, 0)] = append([]byte(nil), memory[InputCopyHandle(0, 0)]...)
	})
	exec, err := NewExecutable("identity", nil, engine,
		[]shapes.Shape{shape}, shape,
		IOAliasingMap{Inputs: make([]InputInfo, 1), Outputs: make([]OutputInfo, 1)})
	require.NoError(t, err)

	h := e.Allocate(hostMemory(shape))
	require.NoError(t, e.WriteBuffer(h, f32le(1.5)))

	out, err := e.Execute(exec, []Handle{h})
	require.NoError(t, err)

	// The device saw 2 bytes, the host reads back 4.
	require.Len(t, engine.memory[InputCopyHandle(0, 0)], 2)
	data, err := e.ReadBuffer(out)
	require.NoError(t, err)
	require.Equal(t, float32(1.5), readF32(t, data))
}
