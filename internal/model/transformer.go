// internal/model/transformer.go
package model

import (
	"errors"
	"math/rand"

	"github.com/lumix-ai/lottoseq/internal/core"
)

// Transformer - SequenceEncoder followed by PositionalHeads. The main model
// and the bonus model are two instances with different configs.
type Transformer struct {
	config  Config
	encoder *SequenceEncoder
	heads   *PositionalHeads
}

func NewTransformer(cfg Config, rng *rand.Rand) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := NewSequenceEncoder(cfg, rng)
	if err != nil {
		return nil, err
	}
	return &Transformer{
		config:  cfg,
		encoder: enc,
		heads:   NewPositionalHeads(cfg.OutputNums, cfg.DModel, cfg.DimFeedforward, cfg.NumBalls, core.ReLU, cfg.Dropout, rng),
	}, nil
}

func (t *Transformer) Config() Config { return t.config }

// Forward runs a batch of flattened windows and returns OutputNums logit
// matrices of shape [batch, NumBalls]. Class c stands for number c+1.
func (t *Transformer) Forward(windows [][]int, training bool, rng *rand.Rand) ([]*core.Tensor, error) {
	if len(windows) == 0 {
		return nil, errors.New("model: forward needs at least one window")
	}
	pooled := make([]*core.Tensor, len(windows))
	for i, w := range windows {
		p, err := t.encoder.Forward(w, training, rng)
		if err != nil {
			return nil, err
		}
		pooled[i] = p
	}
	return t.heads.Forward(core.ConcatRows(pooled...), training, rng), nil
}

// Logits - inference forward for a single window; one row of NumBalls
// logits per output position.
func (t *Transformer) Logits(window []int) ([][]float64, error) {
	outs, err := t.Forward([][]int{window}, false, nil)
	if err != nil {
		return nil, err
	}
	logits := make([][]float64, len(outs))
	for i, o := range outs {
		logits[i] = o.Row(0)
	}
	return logits, nil
}

// Params - every parameter in a stable order; names are checkpoint keys.
func (t *Transformer) Params() []core.Param {
	out := t.encoder.Params("encoder")
	return append(out, t.heads.Params("output_heads")...)
}
