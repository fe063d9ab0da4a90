// internal/training/gan.go
package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/lumix-ai/lottoseq/internal/checkpoint"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/lumix-ai/lottoseq/internal/sampler"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Relaxation - how the generator's discrete output is made differentiable
// for its own update.
type Relaxation string

const (
	// RelaxStraightThrough forwards the argmax one-hot and backpropagates the
	// softmax gradient.
	RelaxStraightThrough Relaxation = "straight_through"
	// RelaxGumbel does the same over Gumbel-perturbed, tempered logits.
	RelaxGumbel Relaxation = "gumbel"
	// RelaxNone scores hard argmax sets; no gradient reaches the generator.
	RelaxNone Relaxation = "none"
)

func ParseRelaxation(s string) (Relaxation, error) {
	r := Relaxation(strings.ToLower(strings.TrimSpace(s)))
	switch r {
	case "":
		return RelaxStraightThrough, nil
	case RelaxStraightThrough, RelaxGumbel, RelaxNone:
		return r, nil
	}
	return "", fmt.Errorf("training: unknown relaxation %q", s)
}

type GANConfig struct {
	Epochs     int        `yaml:"epochs"`
	BatchSize  int        `yaml:"batch_size"`
	LRG        float64    `yaml:"lr_generator"`
	LRD        float64    `yaml:"lr_discriminator"`
	Beta1      float64    `yaml:"beta1"`
	Beta2      float64    `yaml:"beta2"`
	Relaxation Relaxation `yaml:"relaxation"`
	GumbelTau  float64    `yaml:"gumbel_tau"`
	// SampleEvery - log a few generated sets every n epochs.
	SampleEvery  int    `yaml:"sample_every"`
	Checkpoint   string `yaml:"checkpoint"`
	ShowProgress bool   `yaml:"show_progress"`
}

func DefaultGANConfig() GANConfig {
	return GANConfig{
		Epochs:       200,
		BatchSize:    64,
		LRG:          2e-4,
		LRD:          2e-4,
		Beta1:        0.5,
		Beta2:        0.999,
		Relaxation:   RelaxStraightThrough,
		GumbelTau:    1.0,
		SampleEvery:  10,
		Checkpoint:   "checkpoints/gan.ckpt",
		ShowProgress: true,
	}
}

func (c GANConfig) Validate() error {
	switch {
	case c.Epochs < 1:
		return fmt.Errorf("training: epochs must be at least 1, got %d", c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("training: batch_size must be at least 1, got %d", c.BatchSize)
	case !(c.LRG > 0) || !(c.LRD > 0):
		return fmt.Errorf("training: learning rates must be > 0")
	case c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1:
		return fmt.Errorf("training: betas must be in [0,1)")
	case c.Relaxation == RelaxGumbel && !(c.GumbelTau > 0):
		return fmt.Errorf("training: gumbel_tau must be > 0, got %v", c.GumbelTau)
	case c.Checkpoint == "":
		return fmt.Errorf("training: checkpoint path is empty")
	}
	_, err := ParseRelaxation(string(c.Relaxation))
	return err
}

// GANEpochStats - mean losses over the batches of one epoch.
type GANEpochStats struct {
	Epoch int
	GLoss float64
	DLoss float64
	Took  time.Duration
}

// GANTrainer alternates one discriminator step and one generator step per
// batch. The discriminator update is complete before the generator is
// scored against it.
type GANTrainer struct {
	config  GANConfig
	gen     *model.Generator
	disc    *model.Discriminator
	cctx    *core.Context
	metrics *monitoring.Metrics

	gParams []*core.Tensor
	dParams []*core.Tensor
	optG    *core.AdamOptimizer
	optD    *core.AdamOptimizer
}

func NewGANTrainer(g *model.Generator, d *model.Discriminator, cfg GANConfig, cctx *core.Context, metrics *monitoring.Metrics) (*GANTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Relaxation == "" {
		cfg.Relaxation = RelaxStraightThrough
	}
	return &GANTrainer{
		config:  cfg,
		gen:     g,
		disc:    d,
		cctx:    cctx,
		metrics: metrics,
		gParams: core.Trainable(g.Params()),
		dParams: core.Trainable(d.Params()),
		optG:    core.NewAdamOptimizer(cfg.LRG, cfg.Beta1, cfg.Beta2, 1e-8, 0),
		optD:    core.NewAdamOptimizer(cfg.LRD, cfg.Beta1, cfg.Beta2, 1e-8, 0),
	}, nil
}

// Train runs every epoch and writes the checkpoint once at the end.
func (t *GANTrainer) Train(ctx context.Context, ds *dataset.SetDataset) ([]GANEpochStats, error) {
	log.Info().
		Int("samples", ds.Len()).
		Int("g_params", countParams(t.gParams)).
		Int("d_params", countParams(t.dParams)).
		Str("relaxation", string(t.config.Relaxation)).
		Str("device", string(t.cctx.Device)).
		Msg("Starting GAN training")

	var history []GANEpochStats
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		start := time.Now()
		batches := ds.Batches(t.config.BatchSize, t.cctx.RNG)
		bar := newBar(len(batches), fmt.Sprintf("gan epoch %d/%d", epoch, t.config.Epochs), t.config.ShowProgress)

		var gTotal, dTotal float64
		for _, realSets := range batches {
			if err := ctx.Err(); err != nil {
				bar.Finish()
				return history, err
			}
			dLoss, gLoss, err := t.Step(realSets)
			if err != nil {
				bar.Finish()
				return history, err
			}
			dTotal += dLoss
			gTotal += gLoss
			bar.Add(1)
		}
		bar.Finish()

		n := float64(len(batches))
		stats := GANEpochStats{Epoch: epoch, GLoss: gTotal / n, DLoss: dTotal / n, Took: time.Since(start)}
		history = append(history, stats)
		t.metrics.ObserveEpoch("gan_generator", stats.GLoss, -1, -1, t.optG.LR())
		t.metrics.ObserveEpoch("gan_discriminator", stats.DLoss, -1, -1, t.optD.LR())

		if epoch == 1 || (t.config.SampleEvery > 0 && epoch%t.config.SampleEvery == 0) {
			log.Info().
				Int("epoch", epoch).
				Float64("g_loss", stats.GLoss).
				Float64("d_loss", stats.DLoss).
				Str("samples", t.sampleString(3)).
				Dur("took", stats.Took).
				Msg("GAN epoch")
		}
	}

	last := history[len(history)-1]
	meta := checkpoint.Meta{Epoch: last.Epoch, TrainLoss: last.GLoss, ValLoss: -1}
	if err := checkpoint.SaveGAN(t.config.Checkpoint, t.gen, t.disc, meta); err != nil {
		return history, err
	}
	t.metrics.CheckpointSaved("gan")
	log.Info().Str("checkpoint", t.config.Checkpoint).Msg("GAN training completed")
	return history, nil
}

// Step performs one discriminator update followed by one generator update
// on a batch of real sets and returns both losses.
func (t *GANTrainer) Step(realSets [][]int) (dLoss, gLoss float64, err error) {
	if dLoss, err = t.discriminatorStep(realSets); err != nil {
		return 0, 0, err
	}
	if gLoss, err = t.generatorStep(len(realSets)); err != nil {
		return 0, 0, err
	}
	return dLoss, gLoss, nil
}

// discriminatorStep scores real sets against detached argmax decodes and
// updates the discriminator only.
func (t *GANTrainer) discriminatorStep(realSets [][]int) (float64, error) {
	rng := t.cctx.RNG
	realScore, err := t.disc.Forward(realSets, true, rng)
	if err != nil {
		return 0, err
	}
	fakeSets := model.ArgmaxSets(t.gen.Forward(t.gen.Noise(len(realSets), rng), true, rng))
	fakeScore, err := t.disc.Forward(fakeSets, true, rng)
	if err != nil {
		return 0, err
	}
	d := core.Add(core.BinaryCrossEntropy(realScore, 1), core.BinaryCrossEntropy(fakeScore, 0))
	d.Backward()
	t.optD.Step(t.dParams)
	core.ZeroGrad(t.gParams)
	return d.Scalar(), nil
}

// generatorStep scores a fresh decode with the current discriminator and
// updates the generator only.
func (t *GANTrainer) generatorStep(batch int) (float64, error) {
	rng := t.cctx.RNG
	logits := t.gen.Forward(t.gen.Noise(batch, rng), true, rng)
	var (
		score *core.Tensor
		err   error
	)
	switch t.config.Relaxation {
	case RelaxNone:
		score, err = t.disc.Forward(model.ArgmaxSets(logits), true, rng)
		if err != nil {
			return 0, err
		}
	default:
		score = t.disc.ForwardOneHot(t.relax(logits, rng), true, rng)
	}
	g := core.BinaryCrossEntropy(score, 1)
	g.Backward()
	t.optG.Step(t.gParams)
	core.ZeroGrad(t.dParams)
	return g.Scalar(), nil
}

// relax turns each position's logits into a one-hot forward value whose
// gradient is that of a softmax.
func (t *GANTrainer) relax(logits []*core.Tensor, rng *rand.Rand) []*core.Tensor {
	out := make([]*core.Tensor, len(logits))
	for p, l := range logits {
		x := l
		if t.config.Relaxation == RelaxGumbel {
			x = core.Scale(core.Add(l, gumbelNoise(l, rng)), 1/t.config.GumbelTau)
		}
		soft := core.SoftmaxRows(x)
		out[p] = core.StraightThrough(oneHotArgmax(soft.Value), soft)
	}
	return out
}

func gumbelNoise(like *core.Tensor, rng *rand.Rand) *core.Tensor {
	r, c := like.Shape()
	g := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		row := g.RawRowView(i)
		for j := range row {
			u := rng.Float64()
			for u == 0 {
				u = rng.Float64()
			}
			row[j] = -math.Log(-math.Log(u))
		}
	}
	return core.FromDense(g)
}

func oneHotArgmax(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		out.Set(i, floats.MaxIdx(m.RawRowView(i)), 1)
	}
	return out
}

// sampleString draws n sets the way the service does (full support, unit
// temperature) for the progress log.
func (t *GANTrainer) sampleString(n int) string {
	var sb strings.Builder
	p := sampler.Params{Temperature: 1, TopK: model.NumBalls}
	for i, logits := range t.gen.Logits(n, t.cctx.RNG) {
		set, err := sampler.SampleSet(logits, p, t.cctx.RNG)
		if err != nil {
			return err.Error()
		}
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprint(&sb, set.Main)
	}
	return sb.String()
}
