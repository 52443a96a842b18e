package driver

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"github.com/gotile/gotile/types/shapes"
)

// convertFn rewrites a buffer between host and device byte layouts. Input
// convertors narrow host data before a host-to-device transfer, output
// convertors widen device data after a device-to-host transfer. A nil
// convertFn means the layouts agree.
type convertFn func(data []byte) []byte

// Half-precision values are held on the host as float32 and narrowed to
// their 16-bit layout only for the device.

// hostMemory returns the host byte size of a non-tuple shape.
func hostMemory(shape shapes.Shape) uint64 {
	switch shape.DType {
	case dtypes.Float16, dtypes.BFloat16:
		return uint64(shape.Size()) * 4
	}
	return uint64(shape.Memory())
}

// inputConvertor returns the host-to-device convertor for the shape, or nil.
func inputConvertor(shape shapes.Shape) convertFn {
	switch shape.DType {
	case dtypes.Float16:
		return narrowFloat32(func(v float32) uint16 { return float16.Fromfloat32(v).Bits() })
	case dtypes.BFloat16:
		return narrowFloat32(func(v float32) uint16 { return uint16(bfloat16.FromFloat32(v)) })
	}
	return nil
}

// outputConvertor returns the device-to-host convertor for the shape, or nil.
// Output convertors receive the full host-sized buffer whose first half holds
// the device's 16-bit payload, and return the widened host layout.
func outputConvertor(shape shapes.Shape) convertFn {
	switch shape.DType {
	case dtypes.Float16:
		return widenFloat32(func(bits uint16) float32 { return float16.Frombits(bits).Float32() })
	case dtypes.BFloat16:
		return widenFloat32(func(bits uint16) float32 { return bfloat16.BFloat16(bits).Float32() })
	}
	return nil
}

func narrowFloat32(narrow func(float32) uint16) convertFn {
	return func(data []byte) []byte {
		out := make([]byte, len(data)/2)
		for i := 0; i+4 <= len(data); i += 4 {
			value := math.Float32frombits(binary.LittleEndian.Uint32(data[i:]))
			binary.LittleEndian.PutUint16(out[i/2:], narrow(value))
		}
		return out
	}
}

func widenFloat32(widen func(uint16) float32) convertFn {
	return func(data []byte) []byte {
		out := make([]byte, len(data))
		half := len(data) / 2
		for i := 0; i+2 <= half; i += 2 {
			value := widen(binary.LittleEndian.Uint16(data[i:]))
			binary.LittleEndian.PutUint32(out[i*2:], math.Float32bits(value))
		}
		return out
	}
}
