// internal/core/ops.go
package core

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func accumulate(dst *Tensor, delta mat.Matrix) {
	if !dst.requiresGrad {
		return
	}
	g := dst.grad()
	g.Add(g, delta)
}

func mustSameShape(op string, a, b *Tensor) {
	ar, ac := a.Shape()
	br, bc := b.Shape()
	if ar != br || ac != bc {
		panic(fmt.Sprintf("core: %s shape mismatch %dx%d vs %dx%d", op, ar, ac, br, bc))
	}
}

// MatMul - a @ b.
func MatMul(a, b *Tensor) *Tensor {
	v := new(mat.Dense)
	v.Mul(a.Value, b.Value)
	out := result(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				var da mat.Dense
				da.Mul(out.Grad, b.Value.T())
				accumulate(a, &da)
			}
			if b.requiresGrad {
				var db mat.Dense
				db.Mul(a.Value.T(), out.Grad)
				accumulate(b, &db)
			}
		}
	}
	return out
}

// MatMulT - a @ b^T.
func MatMulT(a, b *Tensor) *Tensor {
	v := new(mat.Dense)
	v.Mul(a.Value, b.Value.T())
	out := result(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				var da mat.Dense
				da.Mul(out.Grad, b.Value)
				accumulate(a, &da)
			}
			if b.requiresGrad {
				var db mat.Dense
				db.Mul(out.Grad.T(), a.Value)
				accumulate(b, &db)
			}
		}
	}
	return out
}

// Add - element-wise a + b.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	v := new(mat.Dense)
	v.Add(a.Value, b.Value)
	out := result(v, a, b)
	if out.requiresGrad {
		out.backward = func() {
			accumulate(a, out.Grad)
			accumulate(b, out.Grad)
		}
	}
	return out
}

// Sum adds any number of same-shaped tensors.
func Sum(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("core: Sum of nothing")
	}
	acc := ts[0]
	for _, t := range ts[1:] {
		acc = Add(acc, t)
	}
	return acc
}

// AddRow broadcasts a 1xC row over every row of a.
func AddRow(a, row *Tensor) *Tensor {
	r, c := a.Shape()
	if rr, rc := row.Shape(); rr != 1 || rc != c {
		panic(fmt.Sprintf("core: AddRow wants 1x%d, got %dx%d", c, rr, rc))
	}
	v := mat.DenseCopyOf(a.Value)
	bias := row.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(v.RawRowView(i), bias)
	}
	out := result(v, a, row)
	if out.requiresGrad {
		out.backward = func() {
			accumulate(a, out.Grad)
			if row.requiresGrad {
				g := row.grad().RawRowView(0)
				for i := 0; i < r; i++ {
					floats.Add(g, out.Grad.RawRowView(i))
				}
			}
		}
	}
	return out
}

// Scale - a * s.
func Scale(a *Tensor, s float64) *Tensor {
	v := new(mat.Dense)
	v.Scale(s, a.Value)
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			var d mat.Dense
			d.Scale(s, out.Grad)
			accumulate(a, &d)
		}
	}
	return out
}

// ReLU - max(0, x).
func ReLU(a *Tensor) *Tensor {
	return LeakyReLU(a, 0)
}

// LeakyReLU - x for x > 0, slope*x otherwise.
func LeakyReLU(a *Tensor, slope float64) *Tensor {
	v := new(mat.Dense)
	v.Apply(func(_, _ int, x float64) float64 {
		if x > 0 {
			return x
		}
		return slope * x
	}, a.Value)
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			var d mat.Dense
			d.Apply(func(i, j int, g float64) float64 {
				if a.Value.At(i, j) > 0 {
					return g
				}
				return slope * g
			}, out.Grad)
			accumulate(a, &d)
		}
	}
	return out
}

// Sigmoid - 1 / (1 + e^-x).
func Sigmoid(a *Tensor) *Tensor {
	v := new(mat.Dense)
	v.Apply(func(_, _ int, x float64) float64 {
		return 1 / (1 + math.Exp(-x))
	}, a.Value)
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			var d mat.Dense
			d.Apply(func(i, j int, g float64) float64 {
				y := v.At(i, j)
				return g * y * (1 - y)
			}, out.Grad)
			accumulate(a, &d)
		}
	}
	return out
}

// SoftmaxRows normalizes each row into a probability distribution.
func SoftmaxRows(a *Tensor) *Tensor {
	r, c := a.Shape()
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		SoftmaxInto(v.RawRowView(i), a.Value.RawRowView(i))
	}
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			d := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				y := v.RawRowView(i)
				g := out.Grad.RawRowView(i)
				dot := floats.Dot(y, g)
				row := d.RawRowView(i)
				for j := range row {
					row[j] = y[j] * (g[j] - dot)
				}
			}
			accumulate(a, d)
		}
	}
	return out
}

// SoftmaxInto writes softmax(src) into dst using a max shift.
func SoftmaxInto(dst, src []float64) {
	maxVal := floats.Max(src)
	total := 0.0
	for i, x := range src {
		dst[i] = math.Exp(x - maxVal)
		total += dst[i]
	}
	floats.Scale(1/total, dst)
}

// LayerNormRows normalizes each row, then applies gamma and beta (both 1xC).
func LayerNormRows(a, gamma, beta *Tensor, eps float64) *Tensor {
	r, c := a.Shape()
	v := mat.NewDense(r, c, nil)
	xhat := mat.NewDense(r, c, nil)
	invStd := make([]float64, r)
	gm := gamma.Value.RawRowView(0)
	bt := beta.Value.RawRowView(0)
	n := float64(c)

	for i := 0; i < r; i++ {
		x := a.Value.RawRowView(i)
		mean := floats.Sum(x) / n
		variance := 0.0
		for _, xv := range x {
			variance += (xv - mean) * (xv - mean)
		}
		variance /= n
		invStd[i] = 1 / math.Sqrt(variance+eps)
		xh := xhat.RawRowView(i)
		out := v.RawRowView(i)
		for j, xv := range x {
			xh[j] = (xv - mean) * invStd[i]
			out[j] = gm[j]*xh[j] + bt[j]
		}
	}

	out := result(v, a, gamma, beta)
	if out.requiresGrad {
		out.backward = func() {
			var dg, db []float64
			if gamma.requiresGrad {
				dg = gamma.grad().RawRowView(0)
			}
			if beta.requiresGrad {
				db = beta.grad().RawRowView(0)
			}
			dx := mat.NewDense(r, c, nil)
			dxh := make([]float64, c)
			for i := 0; i < r; i++ {
				g := out.Grad.RawRowView(i)
				xh := xhat.RawRowView(i)
				for j := range g {
					if dg != nil {
						dg[j] += g[j] * xh[j]
					}
					if db != nil {
						db[j] += g[j]
					}
					dxh[j] = g[j] * gm[j]
				}
				sumD := floats.Sum(dxh)
				sumDX := floats.Dot(dxh, xh)
				row := dx.RawRowView(i)
				for j := range row {
					row[j] = invStd[i] / n * (n*dxh[j] - sumD - xh[j]*sumDX)
				}
			}
			accumulate(a, dx)
		}
	}
	return out
}

// Dropout zeroes entries with probability p and rescales survivors by 1/(1-p).
func Dropout(a *Tensor, p float64, rng *rand.Rand) *Tensor {
	if p <= 0 {
		return a
	}
	r, c := a.Shape()
	mask := mat.NewDense(r, c, nil)
	keep := 1 / (1 - p)
	mask.Apply(func(_, _ int, _ float64) float64 {
		if rng.Float64() < p {
			return 0
		}
		return keep
	}, mask)
	v := new(mat.Dense)
	v.MulElem(a.Value, mask)
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			var d mat.Dense
			d.MulElem(out.Grad, mask)
			accumulate(a, &d)
		}
	}
	return out
}

// MeanRows averages over rows, producing 1xC.
func MeanRows(a *Tensor) *Tensor {
	r, c := a.Shape()
	v := mat.NewDense(1, c, nil)
	row := v.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.Add(row, a.Value.RawRowView(i))
	}
	floats.Scale(1/float64(r), row)
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			d := mat.NewDense(r, c, nil)
			g := out.Grad.RawRowView(0)
			for i := 0; i < r; i++ {
				floats.AddScaled(d.RawRowView(i), 1/float64(r), g)
			}
			accumulate(a, d)
		}
	}
	return out
}

// SliceCols returns columns [from, to).
func SliceCols(a *Tensor, from, to int) *Tensor {
	r, _ := a.Shape()
	v := mat.DenseCopyOf(a.Value.Slice(0, r, from, to))
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			if !a.requiresGrad {
				return
			}
			view := a.grad().Slice(0, r, from, to).(*mat.Dense)
			view.Add(view, out.Grad)
		}
	}
	return out
}

// ConcatCols joins tensors with equal row counts side by side.
func ConcatCols(ts ...*Tensor) *Tensor {
	r, _ := ts[0].Shape()
	total := 0
	for _, t := range ts {
		tr, tc := t.Shape()
		if tr != r {
			panic(fmt.Sprintf("core: ConcatCols row mismatch %d vs %d", tr, r))
		}
		total += tc
	}
	v := mat.NewDense(r, total, nil)
	offset := 0
	for _, t := range ts {
		_, tc := t.Shape()
		v.Slice(0, r, offset, offset+tc).(*mat.Dense).Copy(t.Value)
		offset += tc
	}
	out := result(v, ts...)
	if out.requiresGrad {
		out.backward = func() {
			offset := 0
			for _, t := range ts {
				_, tc := t.Shape()
				accumulate(t, out.Grad.Slice(0, r, offset, offset+tc))
				offset += tc
			}
		}
	}
	return out
}

// ConcatRows stacks tensors with equal column counts vertically.
func ConcatRows(ts ...*Tensor) *Tensor {
	_, c := ts[0].Shape()
	total := 0
	for _, t := range ts {
		tr, tc := t.Shape()
		if tc != c {
			panic(fmt.Sprintf("core: ConcatRows column mismatch %d vs %d", tc, c))
		}
		total += tr
	}
	v := mat.NewDense(total, c, nil)
	offset := 0
	for _, t := range ts {
		tr, _ := t.Shape()
		v.Slice(offset, offset+tr, 0, c).(*mat.Dense).Copy(t.Value)
		offset += tr
	}
	out := result(v, ts...)
	if out.requiresGrad {
		out.backward = func() {
			offset := 0
			for _, t := range ts {
				tr, _ := t.Shape()
				accumulate(t, out.Grad.Slice(offset, offset+tr, 0, c))
				offset += tr
			}
		}
	}
	return out
}

// Gather looks up rows of table by id. Rows equal to padding receive no
// gradient; pass -1 to disable.
func Gather(table *Tensor, ids []int, padding int) *Tensor {
	rows, c := table.Shape()
	v := mat.NewDense(len(ids), c, nil)
	for i, id := range ids {
		if id < 0 || id >= rows {
			panic(fmt.Sprintf("core: Gather id %d out of range [0,%d)", id, rows))
		}
		copy(v.RawRowView(i), table.Value.RawRowView(id))
	}
	out := result(v, table)
	if out.requiresGrad {
		out.backward = func() {
			g := table.grad()
			for i, id := range ids {
				if id == padding {
					continue
				}
				floats.Add(g.RawRowView(id), out.Grad.RawRowView(i))
			}
		}
	}
	return out
}

// CrossEntropy - mean over rows of -log softmax(logits)[target].
func CrossEntropy(logits *Tensor, targets []int) *Tensor {
	r, c := logits.Shape()
	if len(targets) != r {
		panic(fmt.Sprintf("core: CrossEntropy has %d rows but %d targets", r, len(targets)))
	}
	probs := mat.NewDense(r, c, nil)
	loss := 0.0
	for i := 0; i < r; i++ {
		p := probs.RawRowView(i)
		SoftmaxInto(p, logits.Value.RawRowView(i))
		loss -= math.Log(math.Max(p[targets[i]], 1e-300))
	}
	loss /= float64(r)

	out := result(mat.NewDense(1, 1, []float64{loss}), logits)
	if out.requiresGrad {
		out.backward = func() {
			scale := out.Grad.At(0, 0) / float64(r)
			d := mat.NewDense(r, c, nil)
			for i := 0; i < r; i++ {
				row := d.RawRowView(i)
				copy(row, probs.RawRowView(i))
				row[targets[i]] -= 1
				floats.Scale(scale, row)
			}
			accumulate(logits, d)
		}
	}
	return out
}

// BinaryCrossEntropy - mean BCE of probabilities p (Nx1) against a constant
// label. Log terms are clamped at -100.
func BinaryCrossEntropy(p *Tensor, label float64) *Tensor {
	r, c := p.Shape()
	n := float64(r * c)
	loss := 0.0
	for i := 0; i < r; i++ {
		for _, x := range p.Value.RawRowView(i) {
			loss -= label*math.Max(math.Log(x), -100) + (1-label)*math.Max(math.Log(1-x), -100)
		}
	}
	loss /= n

	out := result(mat.NewDense(1, 1, []float64{loss}), p)
	if out.requiresGrad {
		out.backward = func() {
			g := out.Grad.At(0, 0) / n
			d := mat.NewDense(r, c, nil)
			d.Apply(func(i, j int, _ float64) float64 {
				x := p.Value.At(i, j)
				return g * (x - label) / math.Max(x*(1-x), 1e-12)
			}, d)
			accumulate(p, d)
		}
	}
	return out
}

// StraightThrough forwards hard but routes the incoming gradient to soft
// unchanged.
func StraightThrough(hard *mat.Dense, soft *Tensor) *Tensor {
	out := result(mat.DenseCopyOf(hard), soft)
	if out.requiresGrad {
		out.backward = func() {
			accumulate(soft, out.Grad)
		}
	}
	return out
}
