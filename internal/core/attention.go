// internal/core/attention.go
package core

import (
	"fmt"
	"math"
	"math/rand"
)

// MultiHeadAttention - scaled dot-product self-attention over a [seq, hidden]
// matrix. No causal mask is applied.
type MultiHeadAttention struct {
	numHeads int
	headDim  int
	scale    float64
	dropout  float64

	Wq, Wk, Wv *Linear
	Wo         *Linear
}

func NewMultiHeadAttention(hiddenSize, numHeads int, dropout float64, rng *rand.Rand) (*MultiHeadAttention, error) {
	if numHeads <= 0 || hiddenSize%numHeads != 0 {
		return nil, fmt.Errorf("core: hidden size %d not divisible by %d heads", hiddenSize, numHeads)
	}
	headDim := hiddenSize / numHeads
	return &MultiHeadAttention{
		numHeads: numHeads,
		headDim:  headDim,
		scale:    1 / math.Sqrt(float64(headDim)),
		dropout:  dropout,
		Wq:       NewLinear(hiddenSize, hiddenSize, rng),
		Wk:       NewLinear(hiddenSize, hiddenSize, rng),
		Wv:       NewLinear(hiddenSize, hiddenSize, rng),
		Wo:       NewLinear(hiddenSize, hiddenSize, rng),
	}, nil
}

// Forward attends x to itself. rng is only used for attention dropout when
// training.
func (mha *MultiHeadAttention) Forward(x *Tensor, training bool, rng *rand.Rand) *Tensor {
	q := mha.Wq.Forward(x)
	k := mha.Wk.Forward(x)
	v := mha.Wv.Forward(x)

	heads := make([]*Tensor, mha.numHeads)
	for h := 0; h < mha.numHeads; h++ {
		from, to := h*mha.headDim, (h+1)*mha.headDim
		qh := SliceCols(q, from, to)
		kh := SliceCols(k, from, to)
		vh := SliceCols(v, from, to)

		probs := SoftmaxRows(Scale(MatMulT(qh, kh), mha.scale))
		if training && mha.dropout > 0 {
			probs = Dropout(probs, mha.dropout, rng)
		}
		heads[h] = MatMul(probs, vh)
	}

	return mha.Wo.Forward(ConcatCols(heads...))
}

func (mha *MultiHeadAttention) Params(prefix string) []Param {
	var out []Param
	out = append(out, mha.Wq.Params(prefix+".q_proj")...)
	out = append(out, mha.Wk.Params(prefix+".k_proj")...)
	out = append(out, mha.Wv.Params(prefix+".v_proj")...)
	out = append(out, mha.Wo.Params(prefix+".out_proj")...)
	return out
}
