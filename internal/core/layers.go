// internal/core/layers.go
package core

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param - a named tensor owned by a module. Buffers are persisted with the
// checkpoint but never touched by the optimizer.
type Param struct {
	Name   string
	Tensor *Tensor
	Buffer bool
}

// Trainable filters out buffers.
func Trainable(params []Param) []*Tensor {
	out := make([]*Tensor, 0, len(params))
	for _, p := range params {
		if !p.Buffer {
			out = append(out, p.Tensor)
		}
	}
	return out
}

// Linear - y = xW + b with W stored as [in, out].
type Linear struct {
	W *Tensor
	B *Tensor
}

func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{W: NewParam(in, out), B: NewParam(1, out)}
	XavierUniform(l.W, rng)
	UniformFill(l.B, 1/math.Sqrt(float64(in)), rng)
	return l
}

func (l *Linear) Forward(x *Tensor) *Tensor {
	return AddRow(MatMul(x, l.W), l.B)
}

func (l *Linear) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".weight", Tensor: l.W},
		{Name: prefix + ".bias", Tensor: l.B},
	}
}

// LayerNorm - per-row normalization with learned scale and shift.
type LayerNorm struct {
	Gamma *Tensor
	Beta  *Tensor
	Eps   float64
}

func NewLayerNorm(dim int) *LayerNorm {
	ln := &LayerNorm{Gamma: NewParam(1, dim), Beta: NewParam(1, dim), Eps: 1e-5}
	fill(ln.Gamma.Value, 1)
	return ln
}

func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	return LayerNormRows(x, ln.Gamma, ln.Beta, ln.Eps)
}

func (ln *LayerNorm) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".gamma", Tensor: ln.Gamma},
		{Name: prefix + ".beta", Tensor: ln.Beta},
	}
}

// BatchNorm1d normalizes each column over the batch while training and with
// running statistics at inference.
type BatchNorm1d struct {
	Gamma       *Tensor
	Beta        *Tensor
	RunningMean *Tensor
	RunningVar  *Tensor
	Momentum    float64
	Eps         float64
}

func NewBatchNorm1d(dim int) *BatchNorm1d {
	bn := &BatchNorm1d{
		Gamma:       NewParam(1, dim),
		Beta:        NewParam(1, dim),
		RunningMean: NewTensor(1, dim),
		RunningVar:  NewTensor(1, dim),
		Momentum:    0.1,
		Eps:         1e-5,
	}
	fill(bn.Gamma.Value, 1)
	fill(bn.RunningVar.Value, 1)
	return bn
}

func (bn *BatchNorm1d) Forward(x *Tensor, training bool) *Tensor {
	r, c := x.Shape()
	if !training || r < 2 {
		// Inference path: an affine map with frozen statistics.
		scale := mat.NewDense(1, c, nil)
		shift := mat.NewDense(1, c, nil)
		for j := 0; j < c; j++ {
			s := 1 / math.Sqrt(bn.RunningVar.Value.At(0, j)+bn.Eps)
			scale.Set(0, j, s)
			shift.Set(0, j, -bn.RunningMean.Value.At(0, j)*s)
		}
		normed := AddRow(mulRow(x, FromDense(scale)), FromDense(shift))
		return AddRow(mulRow(normed, bn.Gamma), bn.Beta)
	}

	// Column statistics via transpose so LayerNormRows can be reused.
	xt := transpose(x)
	ones := NewTensor(1, r)
	fill(ones.Value, 1)
	zeros := NewTensor(1, r)
	normed := transpose(LayerNormRows(xt, ones, zeros, bn.Eps))

	n := float64(r)
	for j := 0; j < c; j++ {
		col := mat.Col(nil, j, x.Value)
		mean := floats.Sum(col) / n
		variance := 0.0
		for _, v := range col {
			variance += (v - mean) * (v - mean)
		}
		unbiased := variance / (n - 1)
		rm := bn.RunningMean.Value.At(0, j)
		rv := bn.RunningVar.Value.At(0, j)
		bn.RunningMean.Value.Set(0, j, (1-bn.Momentum)*rm+bn.Momentum*mean)
		bn.RunningVar.Value.Set(0, j, (1-bn.Momentum)*rv+bn.Momentum*unbiased)
	}
	return AddRow(mulRow(normed, bn.Gamma), bn.Beta)
}

func (bn *BatchNorm1d) Params(prefix string) []Param {
	return []Param{
		{Name: prefix + ".gamma", Tensor: bn.Gamma},
		{Name: prefix + ".beta", Tensor: bn.Beta},
		{Name: prefix + ".running_mean", Tensor: bn.RunningMean, Buffer: true},
		{Name: prefix + ".running_var", Tensor: bn.RunningVar, Buffer: true},
	}
}

// Embedding - lookup table; the padding row stays at zero and gets no
// gradient.
type Embedding struct {
	Table   *Tensor
	Padding int
}

func NewEmbedding(num, dim, padding int, rng *rand.Rand) *Embedding {
	e := &Embedding{Table: NewParam(num, dim), Padding: padding}
	XavierUniform(e.Table, rng)
	if padding >= 0 {
		for j := 0; j < dim; j++ {
			e.Table.Value.Set(padding, j, 0)
		}
	}
	return e
}

func (e *Embedding) Forward(ids []int) *Tensor {
	return Gather(e.Table, ids, e.Padding)
}

func (e *Embedding) Params(prefix string) []Param {
	return []Param{{Name: prefix + ".weight", Tensor: e.Table}}
}

// mulRow multiplies every row of a element-wise by a 1xC row.
func mulRow(a, row *Tensor) *Tensor {
	r, c := a.Shape()
	v := mat.NewDense(r, c, nil)
	w := row.Value.RawRowView(0)
	for i := 0; i < r; i++ {
		floats.MulTo(v.RawRowView(i), a.Value.RawRowView(i), w)
	}
	out := result(v, a, row)
	if out.requiresGrad {
		out.backward = func() {
			if a.requiresGrad {
				d := mat.NewDense(r, c, nil)
				for i := 0; i < r; i++ {
					floats.MulTo(d.RawRowView(i), out.Grad.RawRowView(i), w)
				}
				accumulate(a, d)
			}
			if row.requiresGrad {
				g := row.grad().RawRowView(0)
				for i := 0; i < r; i++ {
					x := a.Value.RawRowView(i)
					og := out.Grad.RawRowView(i)
					for j := range g {
						g[j] += og[j] * x[j]
					}
				}
			}
		}
	}
	return out
}

func transpose(a *Tensor) *Tensor {
	v := mat.DenseCopyOf(a.Value.T())
	out := result(v, a)
	if out.requiresGrad {
		out.backward = func() {
			accumulate(a, out.Grad.T())
		}
	}
	return out
}

func fill(d *mat.Dense, v float64) {
	r, c := d.Dims()
	for i := 0; i < r; i++ {
		row := d.RawRowView(i)
		for j := 0; j < c; j++ {
			row[j] = v
		}
	}
}
