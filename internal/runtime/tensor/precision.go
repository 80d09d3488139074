package tensor

import "github.com/x448/float16"

// RoundFloat16 returns a copy of t with every element rounded to the nearest
// IEEE 754 binary16 value. Values outside the binary16 range become ±Inf.
func RoundFloat16(t *Tensor) *Tensor {
	if t == nil {
		return nil
	}

	out := t.Clone()
	RoundFloat16InPlace(out.data)

	return out
}

// RoundFloat16InPlace rounds data to binary16 precision in place.
func RoundFloat16InPlace(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}
