package tensor

// DotProduct returns the dot product of a and b over the shorter length.
func DotProduct(a, b []float32) float32 {
	n := min(len(a), len(b))

	return dotF32(a[:n], b[:n])
}

// dotF32 unrolls by four so the compiler keeps four independent
// accumulators in registers.
func dotF32(a, b []float32) float32 {
	var s0, s1, s2, s3 float32

	i := 0
	for ; i+4 <= len(a); i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}

	for ; i < len(a); i++ {
		s0 += a[i] * b[i]
	}

	return (s0 + s1) + (s2 + s3)
}
