package rig

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qmuntal/gltf"
)

// AccessorComponents returns the number of scalars per element
func AccessorComponents(t gltf.AccessorType) int {
	switch t {
	case gltf.AccessorScalar:
		return 1
	case gltf.AccessorVec2:
		return 2
	case gltf.AccessorVec3:
		return 3
	case gltf.AccessorVec4, gltf.AccessorMat2:
		return 4
	case gltf.AccessorMat3:
		return 9
	case gltf.AccessorMat4:
		return 16
	}
	return 0
}

// ReadFloats decodes an accessor into a flat float slice and returns the
// number of components per element. Integer components are normalized when
// the accessor says so.
func ReadFloats(doc *gltf.Document, accessorIdx int) ([]float64, int, error) {
	if accessorIdx < 0 || accessorIdx >= len(doc.Accessors) {
		return nil, 0, fmt.Errorf("accessor %d out of range", accessorIdx)
	}
	accessor := doc.Accessors[accessorIdx]
	comps := AccessorComponents(accessor.Type)
	if comps == 0 {
		return nil, 0, fmt.Errorf("accessor %d: unsupported type", accessorIdx)
	}

	count := int(accessor.Count)
	out := make([]float64, count*comps)
	if accessor.BufferView == nil {
		return out, comps, nil
	}

	bufferView := doc.BufferViews[*accessor.BufferView]
	buffer := doc.Buffers[bufferView.Buffer]
	if len(buffer.Data) == 0 {
		return nil, 0, fmt.Errorf("accessor %d: buffer has no loaded data", accessorIdx)
	}

	size := componentSize(accessor.ComponentType)
	if size == 0 {
		return nil, 0, fmt.Errorf("accessor %d: unsupported component type", accessorIdx)
	}

	stride := int(bufferView.ByteStride)
	if stride == 0 {
		stride = size * comps
	}
	offset := int(bufferView.ByteOffset) + int(accessor.ByteOffset)
	data := buffer.Data

	last := offset + (count-1)*stride + size*comps
	if count > 0 && last > len(data) {
		return nil, 0, fmt.Errorf("accessor %d: reads past end of buffer", accessorIdx)
	}

	for i := 0; i < count; i++ {
		base := offset + i*stride
		for c := 0; c < comps; c++ {
			out[i*comps+c] = readComponent(data[base+c*size:], accessor.ComponentType, accessor.Normalized)
		}
	}
	return out, comps, nil
}

func componentSize(ct gltf.ComponentType) int {
	switch ct {
	case gltf.ComponentByte, gltf.ComponentUbyte:
		return 1
	case gltf.ComponentShort, gltf.ComponentUshort:
		return 2
	case gltf.ComponentUint, gltf.ComponentFloat:
		return 4
	}
	return 0
}

func readComponent(b []byte, ct gltf.ComponentType, normalized bool) float64 {
	switch ct {
	case gltf.ComponentFloat:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case gltf.ComponentUint:
		return float64(binary.LittleEndian.Uint32(b))
	case gltf.ComponentByte:
		v := float64(int8(b[0]))
		if normalized {
			return math.Max(v/127, -1)
		}
		return v
	case gltf.ComponentUbyte:
		v := float64(b[0])
		if normalized {
			return v / 255
		}
		return v
	case gltf.ComponentShort:
		v := float64(int16(binary.LittleEndian.Uint16(b)))
		if normalized {
			return math.Max(v/32767, -1)
		}
		return v
	case gltf.ComponentUshort:
		v := float64(binary.LittleEndian.Uint16(b))
		if normalized {
			return v / 65535
		}
		return v
	}
	return 0
}

// EncodeFloats packs float32 little-endian data, as stored in glTF buffers
func EncodeFloats(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
