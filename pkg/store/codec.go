package store

import (
	"encoding/binary"
	"fmt"
	"math"

	"spimfuse/pkg/volume"
)

// encode serializes data little-endian in dtype t.
func encode(t DType, data []float64) []byte {
	buf := make([]byte, len(data)*t.Size())
	switch t {
	case volume.Float32:
		for i, x := range data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(x)))
		}
	case volume.Uint16:
		for i, x := range data {
			binary.LittleEndian.PutUint16(buf[i*2:], uint16(Quantize(t, x)))
		}
	default:
		for i, x := range data {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(x))
		}
	}
	return buf
}

func decode(t DType, buf []byte, n int) ([]float64, error) {
	if len(buf) != n*t.Size() {
		return nil, fmt.Errorf("chunk has %d bytes, want %d", len(buf), n*t.Size())
	}
	out := make([]float64, n)
	switch t {
	case volume.Float32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		}
	case volume.Uint16:
		for i := range out {
			out[i] = float64(binary.LittleEndian.Uint16(buf[i*2:]))
		}
	default:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		}
	}
	return out, nil
}
