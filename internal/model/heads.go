// internal/model/heads.go
package model

import (
	"fmt"
	"math/rand"

	"github.com/lumix-ai/lottoseq/internal/core"
)

// Activation applied between the two projections of a head.
type Activation func(*core.Tensor) *core.Tensor

// LeakyReLU02 - LeakyReLU with slope 0.2.
func LeakyReLU02(t *core.Tensor) *core.Tensor { return core.LeakyReLU(t, 0.2) }

type head struct {
	fc1 *core.Linear
	fc2 *core.Linear
}

// PositionalHeads - one independent two-layer classifier per output position.
// Heads share nothing, so each position learns its own frequency bias.
type PositionalHeads struct {
	heads   []head
	act     Activation
	dropout float64
}

func NewPositionalHeads(n, in, hidden, classes int, act Activation, dropout float64, rng *rand.Rand) *PositionalHeads {
	ph := &PositionalHeads{heads: make([]head, n), act: act, dropout: dropout}
	for i := range ph.heads {
		ph.heads[i] = head{
			fc1: core.NewLinear(in, hidden, rng),
			fc2: core.NewLinear(hidden, classes, rng),
		}
	}
	return ph
}

// Len - number of output positions.
func (ph *PositionalHeads) Len() int { return len(ph.heads) }

// Forward maps a [batch, in] context to one [batch, classes] logit matrix
// per position.
func (ph *PositionalHeads) Forward(x *core.Tensor, training bool, rng *rand.Rand) []*core.Tensor {
	out := make([]*core.Tensor, len(ph.heads))
	for i, h := range ph.heads {
		z := ph.act(h.fc1.Forward(x))
		if training {
			z = core.Dropout(z, ph.dropout, rng)
		}
		out[i] = h.fc2.Forward(z)
	}
	return out
}

func (ph *PositionalHeads) Params(prefix string) []core.Param {
	var out []core.Param
	for i, h := range ph.heads {
		p := fmt.Sprintf("%s.%d", prefix, i)
		out = append(out, h.fc1.Params(p+".fc1")...)
		out = append(out, h.fc2.Params(p+".fc2")...)
	}
	return out
}
