// internal/model/encoder.go
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/lumix-ai/lottoseq/internal/core"
	"gonum.org/v1/gonum/mat"
)

// EncoderLayer - post-norm transformer block: self-attention, residual,
// layer norm, ReLU feed-forward, residual, layer norm.
type EncoderLayer struct {
	attn    *core.MultiHeadAttention
	linear1 *core.Linear
	linear2 *core.Linear
	norm1   *core.LayerNorm
	norm2   *core.LayerNorm
	dropout float64
}

func newEncoderLayer(cfg Config, rng *rand.Rand) (*EncoderLayer, error) {
	attn, err := core.NewMultiHeadAttention(cfg.DModel, cfg.NumHeads, cfg.Dropout, rng)
	if err != nil {
		return nil, err
	}
	return &EncoderLayer{
		attn:    attn,
		linear1: core.NewLinear(cfg.DModel, cfg.DimFeedforward, rng),
		linear2: core.NewLinear(cfg.DimFeedforward, cfg.DModel, rng),
		norm1:   core.NewLayerNorm(cfg.DModel),
		norm2:   core.NewLayerNorm(cfg.DModel),
		dropout: cfg.Dropout,
	}, nil
}

func (l *EncoderLayer) Forward(x *core.Tensor, training bool, rng *rand.Rand) *core.Tensor {
	drop := func(t *core.Tensor) *core.Tensor {
		if !training {
			return t
		}
		return core.Dropout(t, l.dropout, rng)
	}

	x = l.norm1.Forward(core.Add(x, drop(l.attn.Forward(x, training, rng))))
	ff := l.linear2.Forward(drop(core.ReLU(l.linear1.Forward(x))))
	return l.norm2.Forward(core.Add(x, drop(ff)))
}

func (l *EncoderLayer) Params(prefix string) []core.Param {
	var out []core.Param
	out = append(out, l.attn.Params(prefix+".self_attn")...)
	out = append(out, l.linear1.Params(prefix+".linear1")...)
	out = append(out, l.linear2.Params(prefix+".linear2")...)
	out = append(out, l.norm1.Params(prefix+".norm1")...)
	out = append(out, l.norm2.Params(prefix+".norm2")...)
	return out
}

// SequenceEncoder turns a flattened history window into one pooled context
// vector. No causal mask is applied.
type SequenceEncoder struct {
	cfg       Config
	embedding *core.Embedding
	posEnc    *mat.Dense
	layers    []*EncoderLayer
	scale     float64
}

func NewSequenceEncoder(cfg Config, rng *rand.Rand) (*SequenceEncoder, error) {
	enc := &SequenceEncoder{
		cfg:       cfg,
		embedding: core.NewEmbedding(cfg.NumBalls+1, cfg.DModel, PadToken, rng),
		posEnc:    PositionalEncoding(cfg.TokensPerWindow(), cfg.DModel),
		layers:    make([]*EncoderLayer, cfg.NumLayers),
		scale:     math.Sqrt(float64(cfg.DModel)),
	}
	for i := range enc.layers {
		layer, err := newEncoderLayer(cfg, rng)
		if err != nil {
			return nil, err
		}
		enc.layers[i] = layer
	}
	return enc, nil
}

// PositionalEncoding - fixed sinusoidal table [length, dim]: even columns
// use sin(pos / 10000^(i/dim)), odd columns the matching cos.
func PositionalEncoding(length, dim int) *mat.Dense {
	pe := mat.NewDense(length, dim, nil)
	for pos := 0; pos < length; pos++ {
		row := pe.RawRowView(pos)
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			row[i] = math.Sin(angle)
			if i+1 < dim {
				row[i+1] = math.Cos(angle)
			}
		}
	}
	return pe
}

// Forward encodes one window of tokens (length TokensPerWindow) into a
// [1, d_model] vector.
func (e *SequenceEncoder) Forward(tokens []int, training bool, rng *rand.Rand) (*core.Tensor, error) {
	if want := e.cfg.TokensPerWindow(); len(tokens) != want {
		return nil, fmt.Errorf("model: window has %d tokens, want %d", len(tokens), want)
	}
	for _, tok := range tokens {
		if tok < PadToken || tok > e.cfg.NumBalls {
			return nil, fmt.Errorf("model: token %d outside [0,%d]", tok, e.cfg.NumBalls)
		}
	}

	x := core.Scale(e.embedding.Forward(tokens), e.scale)
	x = core.Add(x, core.FromDense(e.posEnc))
	if training {
		x = core.Dropout(x, e.cfg.Dropout, rng)
	}
	for _, layer := range e.layers {
		x = layer.Forward(x, training, rng)
	}
	return core.MeanRows(x), nil
}

func (e *SequenceEncoder) Params(prefix string) []core.Param {
	out := e.embedding.Params(prefix + ".embedding")
	for i, layer := range e.layers {
		out = append(out, layer.Params(fmt.Sprintf("%s.layers.%d", prefix, i))...)
	}
	return out
}
