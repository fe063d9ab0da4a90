// internal/training/transformer.go
package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/lumix-ai/lottoseq/internal/checkpoint"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// Config - optimization settings for the transformer trainers.
type Config struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
	WeightDecay  float64 `yaml:"weight_decay"`
	TrainRatio   float64 `yaml:"train_ratio"`
	GradClip     float64 `yaml:"grad_clip"`
	// HitK - a validation target counts as a hit when it is among the k
	// highest logits of its head.
	HitK int `yaml:"hit_k"`
	// Checkpoint is written on every validation improvement.
	Checkpoint   string `yaml:"checkpoint"`
	ShowProgress bool   `yaml:"show_progress"`
}

func DefaultConfig() Config {
	return Config{
		Epochs:       100,
		BatchSize:    32,
		LearningRate: 1e-3,
		WeightDecay:  0.01,
		TrainRatio:   0.8,
		GradClip:     1.0,
		HitK:         10,
		Checkpoint:   "checkpoints/transformer.ckpt",
		ShowProgress: true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Epochs < 1:
		return fmt.Errorf("training: epochs must be at least 1, got %d", c.Epochs)
	case c.BatchSize < 1:
		return fmt.Errorf("training: batch_size must be at least 1, got %d", c.BatchSize)
	case !(c.LearningRate > 0):
		return fmt.Errorf("training: learning_rate must be > 0, got %v", c.LearningRate)
	case c.WeightDecay < 0:
		return fmt.Errorf("training: weight_decay must be >= 0, got %v", c.WeightDecay)
	case c.TrainRatio <= 0 || c.TrainRatio >= 1:
		return fmt.Errorf("training: train_ratio %.3f outside (0,1)", c.TrainRatio)
	case c.HitK < 1 || c.HitK > model.NumBalls:
		return fmt.Errorf("training: hit_k %d outside [1,%d]", c.HitK, model.NumBalls)
	case c.Checkpoint == "":
		return fmt.Errorf("training: checkpoint path is empty")
	}
	return nil
}

// EpochStats - one line of the training report. ValLoss and HitRate are
// negative when the validation split is empty.
type EpochStats struct {
	Epoch     int
	TrainLoss float64
	ValLoss   float64
	HitRate   float64
	LR        float64
	Improved  bool
	Took      time.Duration
}

type Result struct {
	History    []EpochStats
	Best       EpochStats
	Saved      bool
	Checkpoint string
}

// TransformerTrainer fits a Transformer with AdamW, cosine annealing and
// gradient clipping, keeping the checkpoint with the lowest validation loss.
type TransformerTrainer struct {
	name    string
	config  Config
	model   *model.Transformer
	cctx    *core.Context
	metrics *monitoring.Metrics

	params    []*core.Tensor
	optimizer *core.AdamOptimizer
	scheduler *core.CosineScheduler
}

// NewTransformerTrainer - name labels logs and metrics ("transformer",
// "bonus").
func NewTransformerTrainer(name string, m *model.Transformer, cfg Config, cctx *core.Context, metrics *monitoring.Metrics) (*TransformerTrainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TransformerTrainer{
		name:      name,
		config:    cfg,
		model:     m,
		cctx:      cctx,
		metrics:   metrics,
		params:    core.Trainable(m.Params()),
		optimizer: core.NewAdamOptimizer(cfg.LearningRate, 0.9, 0.999, 1e-8, cfg.WeightDecay),
		scheduler: core.NewCosineScheduler(cfg.LearningRate, cfg.Epochs, 0),
	}, nil
}

// Train runs every epoch over the chronological train split and evaluates on
// the remainder. ctx is checked between batches.
func (t *TransformerTrainer) Train(ctx context.Context, ds *dataset.SequenceDataset) (Result, error) {
	cfg := t.model.Config()
	if ds.SeqLen() != cfg.SeqLen || ds.Layout() != cfg.Layout {
		return Result{}, fmt.Errorf("training: dataset (seq_len=%d layout=%s) does not match model (seq_len=%d layout=%s)",
			ds.SeqLen(), ds.Layout(), cfg.SeqLen, cfg.Layout)
	}
	train, val, err := ds.Split(t.config.TrainRatio)
	if err != nil {
		return Result{}, err
	}
	if train.Len() == 0 {
		return Result{}, fmt.Errorf("%w: train split is empty (%d pairs, ratio %.2f)",
			dataset.ErrInsufficientHistory, ds.Len(), t.config.TrainRatio)
	}

	log.Info().
		Str("model", t.name).
		Int("train", train.Len()).
		Int("val", val.Len()).
		Int("params", countParams(t.params)).
		Str("device", string(t.cctx.Device)).
		Msg("Starting training")

	res := Result{Checkpoint: t.config.Checkpoint}
	best := math.Inf(1)

	for epoch := 0; epoch < t.config.Epochs; epoch++ {
		start := time.Now()
		lr := t.scheduler.GetLR(epoch)
		t.optimizer.SetLR(lr)

		trainLoss, err := t.trainEpoch(ctx, train, epoch)
		if err != nil {
			return res, err
		}

		stats := EpochStats{Epoch: epoch + 1, TrainLoss: trainLoss, ValLoss: -1, HitRate: -1, LR: lr}
		score := trainLoss
		if val.Len() > 0 {
			stats.ValLoss, stats.HitRate, err = t.Evaluate(val)
			if err != nil {
				return res, err
			}
			score = stats.ValLoss
		}

		if score < best {
			best = score
			stats.Improved = true
			meta := checkpoint.Meta{Epoch: stats.Epoch, TrainLoss: trainLoss, ValLoss: stats.ValLoss, HitRate: stats.HitRate}
			if err := checkpoint.SaveTransformer(t.config.Checkpoint, t.model, meta); err != nil {
				return res, err
			}
			res.Saved = true
			t.metrics.CheckpointSaved(t.name)
		}
		stats.Took = time.Since(start)

		res.History = append(res.History, stats)
		if stats.Improved {
			res.Best = stats
		}
		t.metrics.ObserveEpoch(t.name, trainLoss, stats.ValLoss, stats.HitRate, lr)

		log.Info().
			Str("model", t.name).
			Int("epoch", stats.Epoch).
			Float64("train_loss", trainLoss).
			Float64("val_loss", stats.ValLoss).
			Float64("hit_rate", stats.HitRate).
			Float64("lr", lr).
			Bool("best", stats.Improved).
			Dur("took", stats.Took).
			Msg("Epoch finished")
	}

	log.Info().Str("model", t.name).Int("best_epoch", res.Best.Epoch).Str("checkpoint", res.Checkpoint).Msg("Training completed")
	return res, nil
}

func (t *TransformerTrainer) trainEpoch(ctx context.Context, train *dataset.SequenceDataset, epoch int) (float64, error) {
	batches := train.Batches(t.config.BatchSize, t.cctx.RNG)
	bar := newBar(len(batches), fmt.Sprintf("%s epoch %d/%d", t.name, epoch+1, t.config.Epochs), t.config.ShowProgress)
	defer bar.Finish()

	total := 0.0
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		loss, err := t.batchLoss(batch)
		if err != nil {
			return 0, err
		}
		loss.Backward()
		core.ClipGradNorm(t.params, t.config.GradClip)
		t.optimizer.Step(t.params)

		total += loss.Scalar()
		bar.Add(1)
	}
	return total / float64(len(batches)), nil
}

// batchLoss - cross-entropy averaged over heads.
func (t *TransformerTrainer) batchLoss(batch []dataset.Pair) (*core.Tensor, error) {
	windows := make([][]int, len(batch))
	for i, p := range batch {
		windows[i] = p.Window
	}
	outs, err := t.model.Forward(windows, true, t.cctx.RNG)
	if err != nil {
		return nil, err
	}
	losses := make([]*core.Tensor, len(outs))
	for h, logits := range outs {
		targets := make([]int, len(batch))
		for i, p := range batch {
			targets[i] = p.Target[h]
		}
		losses[h] = core.CrossEntropy(logits, targets)
	}
	return core.Scale(core.Sum(losses...), 1/float64(len(losses))), nil
}

// Evaluate returns the mean batch loss and the top-k hit rate on ds without
// touching the parameters.
func (t *TransformerTrainer) Evaluate(ds *dataset.SequenceDataset) (loss, hitRate float64, err error) {
	batches := ds.Batches(t.config.BatchSize, nil)
	if len(batches) == 0 {
		return 0, 0, fmt.Errorf("training: empty evaluation set")
	}
	hits, total := 0, 0
	for _, batch := range batches {
		l, err := t.batchLossDetached(batch, &hits, &total)
		if err != nil {
			return 0, 0, err
		}
		loss += l
	}
	return loss / float64(len(batches)), float64(hits) / float64(total), nil
}

func (t *TransformerTrainer) batchLossDetached(batch []dataset.Pair, hits, total *int) (float64, error) {
	windows := make([][]int, len(batch))
	for i, p := range batch {
		windows[i] = p.Window
	}
	outs, err := t.model.Forward(windows, false, nil)
	if err != nil {
		return 0, err
	}
	loss := 0.0
	for h, logits := range outs {
		targets := make([]int, len(batch))
		for i, p := range batch {
			targets[i] = p.Target[h]
			if inTopK(logits.Value.RawRowView(i), targets[i], t.config.HitK) {
				*hits++
			}
			*total++
		}
		loss += core.CrossEntropy(logits.Detach(), targets).Scalar()
	}
	return loss / float64(len(outs)), nil
}

func inTopK(row []float64, target, k int) bool {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	for _, i := range idx[:k] {
		if i == target {
			return true
		}
	}
	return false
}

func countParams(params []*core.Tensor) int {
	n := 0
	for _, p := range params {
		r, c := p.Shape()
		n += r * c
	}
	return n
}

func newBar(n int, desc string, visible bool) *progressbar.ProgressBar {
	var w io.Writer = io.Discard
	if visible {
		w = os.Stderr
	}
	return progressbar.NewOptions(n,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}
