package generation

import (
	"context"
	"math/rand"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/lumix-ai/lottoseq/internal/checkpoint"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/lumix-ai/lottoseq/internal/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	draws []dataset.Draw
	calls int32
}

func (s *countingSource) Draws(ctx context.Context) ([]dataset.Draw, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.draws, nil
}

func history(t *testing.T, n int) []dataset.Draw {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	draws := make([]dataset.Draw, n)
	for i := range draws {
		perm := rng.Perm(model.NumBalls)
		nums := make([]int, model.MainNumbers)
		for j := range nums {
			nums[j] = perm[j] + 1
		}
		d, err := dataset.NewDraw(i+1, "", nums, perm[model.MainNumbers]+1)
		require.NoError(t, err)
		draws[i] = d
	}
	return draws
}

func saveTransformer(t *testing.T, dir string, layout model.Layout, seed int64) string {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.DModel, cfg.NumHeads, cfg.NumLayers, cfg.DimFeedforward = 8, 2, 1, 16
	cfg.Layout = layout
	cfg.OutputNums = layout.Targets()
	m, err := model.NewTransformer(cfg, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	path := filepath.Join(dir, string(layout)+".ckpt")
	require.NoError(t, checkpoint.SaveTransformer(path, m, checkpoint.Meta{Epoch: 1}))
	return path
}

func saveGAN(t *testing.T, dir string) string {
	t.Helper()
	cfg := model.DefaultGANConfig()
	cfg.LatentDim, cfg.HiddenDim, cfg.EmbedDim = 4, 8, 3
	rng := rand.New(rand.NewSource(5))
	g, err := model.NewGenerator(cfg, rng)
	require.NoError(t, err)
	d, err := model.NewDiscriminator(cfg, rng)
	require.NoError(t, err)
	path := filepath.Join(dir, "gan.ckpt")
	require.NoError(t, checkpoint.SaveGAN(path, g, d, checkpoint.Meta{Epoch: 1}))
	return path
}

func newService(t *testing.T, opts Options, source dataset.Source, seed int64) *Service {
	t.Helper()
	svc, err := NewService(opts, source, core.NewContext(core.DeviceCPU, seed), monitoring.New())
	require.NoError(t, err)
	return svc
}

func fullOptions(t *testing.T) Options {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.MainCheckpoint = saveTransformer(t, dir, model.LayoutMain, 1)
	opts.BonusCheckpoint = saveTransformer(t, dir, model.LayoutBonus, 2)
	opts.GANCheckpoint = saveGAN(t, dir)
	return opts
}

func assertValidSet(t *testing.T, set sampler.GeneratedSet, withBonus bool) {
	t.Helper()
	require.Len(t, set.Main, model.MainNumbers)
	assert.True(t, sort.IntsAreSorted(set.Main), set.Main)
	seen := map[int]bool{}
	for _, n := range set.Main {
		assert.True(t, n >= 1 && n <= model.NumBalls, n)
		assert.False(t, seen[n], "repeated %d", n)
		seen[n] = true
	}
	if withBonus {
		require.True(t, set.HasBonus())
		assert.True(t, set.Bonus >= 1 && set.Bonus <= model.NumBalls)
		assert.False(t, seen[set.Bonus], "bonus %d repeats a main number", set.Bonus)
	} else {
		assert.False(t, set.HasBonus())
	}
}

func TestGenerateTransformerWithBonus(t *testing.T) {
	svc := newService(t, fullOptions(t), &countingSource{draws: history(t, 45)}, 1)

	resp, err := svc.Generate(context.Background(), Request{
		Variant: VariantTransformer, Sets: 3, Temperature: 1, TopK: 15, Bonus: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Sets, 3)
	assert.NotEqual(t, uuid.Nil, resp.BatchID)
	for _, set := range resp.Sets {
		assertValidSet(t, set, true)
	}
}

func TestGenerateIsReproducibleForSeed(t *testing.T) {
	opts := fullOptions(t)
	src := &countingSource{draws: history(t, 45)}
	req := Request{Variant: VariantTransformer, Sets: 4, Temperature: 1, TopK: 15, Bonus: true}

	a, err := newService(t, opts, src, 42).Generate(context.Background(), req)
	require.NoError(t, err)
	b, err := newService(t, opts, src, 42).Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, a.Sets, b.Sets)
	assert.NotEqual(t, a.BatchID, b.BatchID)
}

func TestGenerateUniformBonusWithoutBonusModel(t *testing.T) {
	opts := fullOptions(t)
	opts.BonusCheckpoint = ""
	svc := newService(t, opts, &countingSource{draws: history(t, 30)}, 7)

	resp, err := svc.Generate(context.Background(), Request{
		Variant: VariantTransformer, Sets: 10, Temperature: 0.7, TopK: 10, Bonus: true,
	})
	require.NoError(t, err)
	for _, set := range resp.Sets {
		assertValidSet(t, set, true)
	}
}

func TestGenerateGAN(t *testing.T) {
	svc := newService(t, fullOptions(t), &countingSource{draws: history(t, 30)}, 9)

	resp, err := svc.Generate(context.Background(), Request{Variant: VariantGAN, Sets: 5, Temperature: 1, TopK: 45, Bonus: true})
	require.NoError(t, err)
	require.Len(t, resp.Sets, 5)
	for _, set := range resp.Sets {
		assertValidSet(t, set, true)
	}

	resp, err = svc.Generate(context.Background(), Request{Variant: VariantGAN, Sets: 2, Temperature: 1, TopK: 6})
	require.NoError(t, err)
	for _, set := range resp.Sets {
		assertValidSet(t, set, false)
	}
}

func TestGenerateRandomNeedsNoModels(t *testing.T) {
	svc := newService(t, Options{}, nil, 11)

	resp, err := svc.Generate(context.Background(), Request{Variant: VariantRandom, Sets: 20, Bonus: true})
	require.NoError(t, err)
	require.Len(t, resp.Sets, 20)
	for _, set := range resp.Sets {
		assertValidSet(t, set, true)
	}
}

func TestGenerateErrors(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, fullOptions(t), &countingSource{draws: history(t, 45)}, 1)

	_, err := svc.Generate(ctx, Request{Variant: "lstm", Sets: 1, Temperature: 1, TopK: 15})
	assert.ErrorIs(t, err, ErrUnknownVariant)

	_, err = svc.Generate(ctx, Request{Variant: VariantTransformer, Sets: 1, Temperature: 0, TopK: 15})
	assert.ErrorIs(t, err, sampler.ErrInvalidParams)

	_, err = svc.Generate(ctx, Request{Variant: VariantTransformer, Sets: 1, Temperature: 1, TopK: 46})
	assert.ErrorIs(t, err, sampler.ErrInvalidParams)

	_, err = svc.Generate(ctx, Request{Variant: VariantTransformer, Sets: 0, Temperature: 1, TopK: 15})
	assert.Error(t, err)

	short := newService(t, fullOptions(t), &countingSource{draws: history(t, 10)}, 1)
	_, err = short.Generate(ctx, Request{Variant: VariantTransformer, Sets: 1, Temperature: 1, TopK: 15})
	assert.ErrorIs(t, err, dataset.ErrInsufficientHistory)

	none := newService(t, Options{}, &countingSource{draws: history(t, 45)}, 1)
	_, err = none.Generate(ctx, Request{Variant: VariantGAN, Sets: 1, Temperature: 1, TopK: 15})
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	assert.Equal(t, int64(1), none.Stats().Failures)
}

func TestGenerateRejectsSwappedCheckpoints(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{draws: history(t, 45)}
	opts := fullOptions(t)
	req := Request{Variant: VariantTransformer, Sets: 2, Temperature: 1, TopK: 15, Bonus: true}

	bonusAsMain := opts
	bonusAsMain.MainCheckpoint = opts.BonusCheckpoint
	resp, err := newService(t, bonusAsMain, src, 1).Generate(ctx, req)
	assert.ErrorIs(t, err, checkpoint.ErrConfigMismatch)
	assert.Empty(t, resp.Sets)

	mainAsBonus := opts
	mainAsBonus.BonusCheckpoint = opts.MainCheckpoint
	svc := newService(t, mainAsBonus, src, 1)
	_, err = svc.Generate(ctx, req)
	assert.ErrorIs(t, err, checkpoint.ErrConfigMismatch)
	assert.ErrorIs(t, svc.Warm(ctx), checkpoint.ErrConfigMismatch)

	// Cached under the main role, the same model is still refused as bonus.
	shared := newService(t, mainAsBonus, src, 1)
	_, err = shared.Generate(ctx, Request{Variant: VariantTransformer, Sets: 1, Temperature: 1, TopK: 15})
	require.NoError(t, err)
	_, err = shared.Generate(ctx, req)
	assert.ErrorIs(t, err, checkpoint.ErrConfigMismatch)

	full := opts
	full.MainCheckpoint = saveTransformer(t, t.TempDir(), model.LayoutFull, 3)
	resp, err = newService(t, full, src, 1).Generate(ctx, req)
	require.NoError(t, err)
	for _, set := range resp.Sets {
		assertValidSet(t, set, true)
	}
}

func TestCachesAndPurge(t *testing.T) {
	src := &countingSource{draws: history(t, 45)}
	svc := newService(t, fullOptions(t), src, 1)
	req := Request{Variant: VariantTransformer, Sets: 2, Temperature: 1, TopK: 15, Bonus: true}

	require.NoError(t, svc.Warm(context.Background()))
	st := svc.Stats()
	assert.Equal(t, int64(2), st.ModelLoads)
	assert.Equal(t, int64(2), st.WindowLoads)

	for i := 0; i < 3; i++ {
		_, err := svc.Generate(context.Background(), req)
		require.NoError(t, err)
	}
	st = svc.Stats()
	assert.Equal(t, int64(2), st.ModelLoads)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))
	assert.Equal(t, int64(6), st.Generated)

	svc.Purge()
	_, err := svc.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(4), svc.Stats().ModelLoads)
	assert.Equal(t, int32(4), atomic.LoadInt32(&src.calls))
}

func TestClampAndParse(t *testing.T) {
	r := Request{Sets: 500, Temperature: 0, TopK: 99}.Clamp()
	assert.Equal(t, 100, r.Sets)
	assert.Equal(t, MinTemperature, r.Temperature)
	assert.Equal(t, model.NumBalls, r.TopK)

	r = Request{Sets: -3, Temperature: 12, TopK: 0}.Clamp()
	assert.Equal(t, 1, r.Sets)
	assert.Equal(t, MaxTemperature, r.Temperature)
	assert.Equal(t, 1, r.TopK)

	v, err := ParseVariant(" GAN ")
	require.NoError(t, err)
	assert.Equal(t, VariantGAN, v)
	v, err = ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, VariantTransformer, v)
	_, err = ParseVariant("lstm")
	assert.ErrorIs(t, err, ErrUnknownVariant)
}
