// internal/model/gan.go
package model

import (
	"fmt"
	"math/rand"

	"github.com/lumix-ai/lottoseq/internal/core"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type bnBlock struct {
	fc      *core.Linear
	bn      *core.BatchNorm1d
	dropout float64
}

func (b bnBlock) forward(x *core.Tensor, training bool, rng *rand.Rand) *core.Tensor {
	h := LeakyReLU02(b.bn.Forward(b.fc.Forward(x), training))
	if training {
		h = core.Dropout(h, b.dropout, rng)
	}
	return h
}

// Generator maps latent noise to OutputNums logit vectors over NumBalls.
type Generator struct {
	config GANConfig
	blocks []bnBlock
	heads  *PositionalHeads
}

func NewGenerator(cfg GANConfig, rng *rand.Rand) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.HiddenDim
	dims := [][2]int{{cfg.LatentDim, h}, {h, 2 * h}, {2 * h, 2 * h}}
	g := &Generator{config: cfg}
	for i, d := range dims {
		drop := cfg.Dropout
		if i == len(dims)-1 {
			drop = 0
		}
		g.blocks = append(g.blocks, bnBlock{
			fc:      core.NewLinear(d[0], d[1], rng),
			bn:      core.NewBatchNorm1d(d[1]),
			dropout: drop,
		})
	}
	g.heads = NewPositionalHeads(cfg.OutputNums, 2*h, h, cfg.NumBalls, LeakyReLU02, 0, rng)
	return g, nil
}

func (g *Generator) Config() GANConfig { return g.config }

// Noise draws a [batch, latent] standard normal matrix.
func (g *Generator) Noise(batch int, rng *rand.Rand) *core.Tensor {
	z := mat.NewDense(batch, g.config.LatentDim, nil)
	for i := 0; i < batch; i++ {
		row := z.RawRowView(i)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
	}
	return core.FromDense(z)
}

func (g *Generator) Forward(z *core.Tensor, training bool, rng *rand.Rand) []*core.Tensor {
	h := z
	for _, b := range g.blocks {
		h = b.forward(h, training, rng)
	}
	return g.heads.Forward(h, training, rng)
}

// Logits - inference forward for n fresh noise vectors. Result is indexed
// [sample][position][class].
func (g *Generator) Logits(n int, rng *rand.Rand) [][][]float64 {
	outs := g.Forward(g.Noise(n, rng), false, nil)
	res := make([][][]float64, n)
	for s := 0; s < n; s++ {
		res[s] = make([][]float64, len(outs))
		for p, o := range outs {
			res[s][p] = o.Row(s)
		}
	}
	return res
}

func (g *Generator) Params() []core.Param {
	var out []core.Param
	for i, b := range g.blocks {
		out = append(out, b.fc.Params(fmt.Sprintf("fc.%d.linear", i))...)
		out = append(out, b.bn.Params(fmt.Sprintf("fc.%d.bn", i))...)
	}
	return append(out, g.heads.Params("output_heads")...)
}

// Discriminator scores a set of OutputNums numbers with a probability of
// being a real draw.
type Discriminator struct {
	config    GANConfig
	embedding *core.Embedding
	layers    []*core.Linear
	dropout   float64
}

func NewDiscriminator(cfg GANConfig, rng *rand.Rand) (*Discriminator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := cfg.HiddenDim
	return &Discriminator{
		config:    cfg,
		embedding: core.NewEmbedding(cfg.NumBalls+1, cfg.EmbedDim, -1, rng),
		layers: []*core.Linear{
			core.NewLinear(cfg.EmbedDim*cfg.OutputNums, h, rng),
			core.NewLinear(h, h, rng),
			core.NewLinear(h, h/2, rng),
			core.NewLinear(h/2, 1, rng),
		},
		dropout: cfg.Dropout,
	}, nil
}

// Forward scores sets of numbers in 1..NumBalls; returns [batch, 1].
func (d *Discriminator) Forward(sets [][]int, training bool, rng *rand.Rand) (*core.Tensor, error) {
	cols := make([]*core.Tensor, d.config.OutputNums)
	for p := range cols {
		ids := make([]int, len(sets))
		for b, set := range sets {
			if len(set) != d.config.OutputNums {
				return nil, fmt.Errorf("model: set has %d numbers, want %d", len(set), d.config.OutputNums)
			}
			if set[p] < 1 || set[p] > d.config.NumBalls {
				return nil, fmt.Errorf("model: number %d outside [1,%d]", set[p], d.config.NumBalls)
			}
			ids[b] = set[p]
		}
		cols[p] = d.embedding.Forward(ids)
	}
	return d.score(core.ConcatCols(cols...), training, rng), nil
}

// ForwardOneHot scores relaxed sets: one [batch, NumBalls] matrix per
// position where column c stands for number c+1. Gradients flow back into
// the inputs, which lets the generator learn through the discriminator.
func (d *Discriminator) ForwardOneHot(positions []*core.Tensor, training bool, rng *rand.Rand) *core.Tensor {
	batch, _ := positions[0].Shape()
	pad := core.NewTensor(batch, 1)
	cols := make([]*core.Tensor, len(positions))
	for p, oh := range positions {
		cols[p] = core.MatMul(core.ConcatCols(pad, oh), d.embedding.Table)
	}
	return d.score(core.ConcatCols(cols...), training, rng)
}

func (d *Discriminator) score(x *core.Tensor, training bool, rng *rand.Rand) *core.Tensor {
	last := len(d.layers) - 1
	for _, l := range d.layers[:last] {
		x = LeakyReLU02(l.Forward(x))
		if training {
			x = core.Dropout(x, d.dropout, rng)
		}
	}
	return core.Sigmoid(d.layers[last].Forward(x))
}

func (d *Discriminator) Params() []core.Param {
	out := d.embedding.Params("embedding")
	for i, l := range d.layers {
		out = append(out, l.Params(fmt.Sprintf("fc.%d", i))...)
	}
	return out
}

// ArgmaxSets decodes per-position logits [batch, NumBalls] into numbers by
// taking the highest logit at each position. Repeats are possible.
func ArgmaxSets(logits []*core.Tensor) [][]int {
	batch, _ := logits[0].Shape()
	sets := make([][]int, batch)
	for b := range sets {
		sets[b] = make([]int, len(logits))
		for p, l := range logits {
			sets[b][p] = floats.MaxIdx(l.Value.RawRowView(b)) + 1
		}
	}
	return sets
}
