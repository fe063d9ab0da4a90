// internal/core/init.go
package core

import (
	"math"
	"math/rand"
)

// XavierUniform - U(-a, a) with a = sqrt(6 / (fan_in + fan_out)).
func XavierUniform(t *Tensor, rng *rand.Rand) {
	r, c := t.Shape()
	UniformFill(t, math.Sqrt(6/float64(r+c)), rng)
}

// UniformFill draws every entry from U(-bound, bound).
func UniformFill(t *Tensor, bound float64, rng *rand.Rand) {
	r, c := t.Shape()
	for i := 0; i < r; i++ {
		row := t.Value.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = (2*rng.Float64() - 1) * bound
		}
	}
}
