package core

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomParam(rng *rand.Rand, r, c int) *Tensor {
	t := NewParam(r, c)
	UniformFill(t, 1, rng)
	return t
}

// checkGrad compares analytic gradients of loss() w.r.t. every input against
// central finite differences.
func checkGrad(t *testing.T, inputs []*Tensor, loss func() *Tensor) {
	t.Helper()
	ZeroGrad(inputs)
	out := loss()
	out.Backward()

	const h = 1e-5
	for n, in := range inputs {
		r, c := in.Shape()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := in.Value.At(i, j)
				in.Value.Set(i, j, orig+h)
				plus := loss().Scalar()
				in.Value.Set(i, j, orig-h)
				minus := loss().Scalar()
				in.Value.Set(i, j, orig)

				numeric := (plus - minus) / (2 * h)
				analytic := in.Grad.At(i, j)
				assert.InDeltaf(t, numeric, analytic, 1e-4*math.Max(1, math.Abs(numeric)),
					"input %d at (%d,%d)", n, i, j)
			}
		}
	}
}

func TestMatMulGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	a := randomParam(rng, 3, 4)
	b := randomParam(rng, 4, 2)
	c := randomParam(rng, 2, 4)
	checkGrad(t, []*Tensor{a, b, c}, func() *Tensor {
		return CrossEntropy(transpose(Add(MatMul(a, b), MatMulT(a, c))), []int{0, 2})
	})
}

func TestLayerNormAndSoftmaxGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := randomParam(rng, 3, 5)
	gamma := randomParam(rng, 1, 5)
	beta := randomParam(rng, 1, 5)
	checkGrad(t, []*Tensor{x, gamma, beta}, func() *Tensor {
		y := LayerNormRows(x, gamma, beta, 1e-5)
		return CrossEntropy(SoftmaxRows(y), []int{0, 3, 4})
	})
}

func TestCrossEntropyGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	w := randomParam(rng, 4, 6)
	bias := randomParam(rng, 1, 6)
	x := FromRows([][]float64{{0.5, -1, 2, 0.1}, {1, 1, -0.5, 0.3}})
	checkGrad(t, []*Tensor{w, bias}, func() *Tensor {
		return CrossEntropy(LeakyReLU(AddRow(MatMul(x, w), bias), 0.2), []int{1, 5})
	})
}

func TestBinaryCrossEntropyGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	w := randomParam(rng, 3, 1)
	x := FromRows([][]float64{{0.2, -0.4, 1}, {0.7, 0.1, -0.3}, {-1, 0.5, 0.5}})
	checkGrad(t, []*Tensor{w}, func() *Tensor {
		p := Sigmoid(MatMul(x, w))
		return Add(BinaryCrossEntropy(p, 1), BinaryCrossEntropy(p, 0))
	})
}

func TestGatherSkipsPaddingGradient(t *testing.T) {
	table := NewParam(4, 2)
	UniformFill(table, 1, rand.New(rand.NewSource(5)))
	out := MeanRows(Gather(table, []int{0, 2, 2, 3}, 0))
	CrossEntropy(out, []int{1}).Backward()

	assert.Equal(t, 0.0, table.Grad.At(0, 0))
	assert.Equal(t, 0.0, table.Grad.At(0, 1))
	assert.Equal(t, 0.0, table.Grad.At(1, 0))
	assert.NotEqual(t, 0.0, table.Grad.At(2, 0))
}

func TestConcatAndSliceGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	a := randomParam(rng, 2, 3)
	b := randomParam(rng, 2, 2)
	checkGrad(t, []*Tensor{a, b}, func() *Tensor {
		joined := ConcatCols(a, b)
		stacked := ConcatRows(SliceCols(joined, 1, 4), SliceCols(joined, 0, 3))
		return CrossEntropy(stacked, []int{0, 1, 2, 0})
	})
}

func TestAttentionGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	mha, err := NewMultiHeadAttention(4, 2, 0, rng)
	require.NoError(t, err)
	x := randomParam(rng, 3, 4)
	checkGrad(t, []*Tensor{x, mha.Wq.W, mha.Wv.B}, func() *Tensor {
		return CrossEntropy(MeanRows(mha.Forward(x, false, rng)), []int{2})
	})
}

func TestAttentionRejectsIndivisibleHeads(t *testing.T) {
	_, err := NewMultiHeadAttention(6, 4, 0, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestBatchNormTrainingGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	bn := NewBatchNorm1d(3)
	UniformFill(bn.Gamma, 1, rng)
	x := randomParam(rng, 4, 3)
	checkGrad(t, []*Tensor{x, bn.Gamma, bn.Beta}, func() *Tensor {
		return CrossEntropy(bn.Forward(x, true), []int{0, 1, 2, 1})
	})
	assert.NotEqual(t, 0.0, bn.RunningMean.Value.At(0, 0))
}

func TestStraightThroughRoutesGradientToSoft(t *testing.T) {
	soft := NewParam(1, 3)
	hard := FromRows([][]float64{{0, 1, 0}}).Value
	w := FromRows([][]float64{{1}, {2}, {3}})
	MatMul(StraightThrough(hard, soft), w).Backward()

	assert.Equal(t, []float64{1, 2, 3}, soft.Grad.RawRowView(0))
}

func TestDropoutDisabledIsIdentity(t *testing.T) {
	x := FromRows([][]float64{{1, 2}})
	assert.Same(t, x, Dropout(x, 0, rand.New(rand.NewSource(1))))
}
