// internal/core/tensor.go
package core

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Tensor - a 2D value in the autograd graph. Vectors are stored as 1xN rows
// and scalars (losses) as 1x1.
type Tensor struct {
	Value *mat.Dense
	Grad  *mat.Dense

	requiresGrad bool
	children     []*Tensor
	backward     func()
}

// NewTensor - zero-valued constant tensor.
func NewTensor(rows, cols int) *Tensor {
	return &Tensor{Value: mat.NewDense(rows, cols, nil)}
}

// FromDense wraps an existing matrix as a constant.
func FromDense(d *mat.Dense) *Tensor {
	return &Tensor{Value: d}
}

// FromRows builds a constant from row slices of equal length.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("core: FromRows needs a non-empty matrix")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("core: row %d has %d columns, want %d", i, len(r), cols))
		}
		data = append(data, r...)
	}
	return FromDense(mat.NewDense(len(rows), cols, data))
}

// NewParam - trainable leaf tensor.
func NewParam(rows, cols int) *Tensor {
	t := NewTensor(rows, cols)
	t.requiresGrad = true
	return t
}

func (t *Tensor) Shape() (int, int) { return t.Value.Dims() }

// Scalar returns the single value of a 1x1 tensor.
func (t *Tensor) Scalar() float64 {
	return t.Value.At(0, 0)
}

// Row returns a copy of row i.
func (t *Tensor) Row(i int) []float64 {
	_, c := t.Value.Dims()
	out := make([]float64, c)
	copy(out, t.Value.RawRowView(i))
	return out
}

// Detach returns a constant sharing the same value; gradients stop here.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{Value: t.Value}
}

// ZeroGrad drops the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

func (t *Tensor) grad() *mat.Dense {
	if t.Grad == nil {
		r, c := t.Value.Dims()
		t.Grad = mat.NewDense(r, c, nil)
	}
	return t.Grad
}

// result creates an op output that tracks gradients when any parent does.
func result(value *mat.Dense, parents ...*Tensor) *Tensor {
	out := &Tensor{Value: value}
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if out.requiresGrad {
		out.children = parents
	}
	return out
}

// Backward runs reverse-mode differentiation from t, seeding its gradient
// with ones. Leaf gradients accumulate until ZeroGrad is called.
func (t *Tensor) Backward() {
	if !t.requiresGrad {
		return
	}

	topo := make([]*Tensor, 0, 64)
	visited := make(map[*Tensor]bool)
	var build func(n *Tensor)
	build = func(n *Tensor) {
		if visited[n] || !n.requiresGrad {
			return
		}
		visited[n] = true
		for _, c := range n.children {
			build(c)
		}
		topo = append(topo, n)
	}
	build(t)

	g := t.grad()
	r, c := g.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			g.Set(i, j, 1)
		}
	}

	for i := len(topo) - 1; i >= 0; i-- {
		if topo[i].backward != nil {
			topo[i].backward()
		}
	}
}

// CopyFrom overwrites the value with src, which must have the same shape.
func (t *Tensor) CopyFrom(src *mat.Dense) error {
	r, c := t.Value.Dims()
	sr, sc := src.Dims()
	if r != sr || c != sc {
		return fmt.Errorf("core: shape mismatch: have %dx%d, got %dx%d", r, c, sr, sc)
	}
	t.Value.Copy(src)
	return nil
}
