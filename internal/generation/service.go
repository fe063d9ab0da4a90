// internal/generation/service.go
package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lumix-ai/lottoseq/internal/checkpoint"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/lumix-ai/lottoseq/internal/sampler"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownVariant = errors.New("generation: unknown model variant")
	ErrNoCheckpoint   = errors.New("generation: no checkpoint configured")
)

type Variant string

const (
	VariantTransformer Variant = "transformer"
	VariantGAN         Variant = "gan"
	VariantRandom      Variant = "random"
)

func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case "":
		return VariantTransformer, nil
	case VariantTransformer, VariantGAN, VariantRandom:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
}

// Request limits applied by Clamp.
const (
	MinSets        = 1
	MaxSets        = 100
	MinTemperature = 0.1
	MaxTemperature = 5.0
)

type Request struct {
	Variant     Variant
	Sets        int
	Temperature float64
	TopK        int
	// Bonus adds a bonus number to every set.
	Bonus bool
}

// Clamp pulls every numeric field into its accepted range.
func (r Request) Clamp() Request {
	r.Sets = clampInt(r.Sets, MinSets, MaxSets)
	r.TopK = clampInt(r.TopK, 1, model.NumBalls)
	if !(r.Temperature >= MinTemperature) {
		r.Temperature = MinTemperature
	}
	if r.Temperature > MaxTemperature {
		r.Temperature = MaxTemperature
	}
	return r
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type Response struct {
	Variant Variant
	Sets    []sampler.GeneratedSet
	BatchID uuid.UUID
	Took    time.Duration
}

// Options - checkpoint paths and cache sizing. An empty BonusCheckpoint
// makes the bonus uniform over the numbers not in the set.
type Options struct {
	MainCheckpoint  string
	BonusCheckpoint string
	GANCheckpoint   string
	ModelCacheSize  int
	WindowTTL       time.Duration
}

func DefaultOptions() Options {
	return Options{
		MainCheckpoint:  "checkpoints/transformer.ckpt",
		BonusCheckpoint: "checkpoints/bonus.ckpt",
		GANCheckpoint:   "checkpoints/gan.ckpt",
		ModelCacheSize:  8,
		WindowTTL:       10 * time.Minute,
	}
}

// Service - the inference entry point. Loaded checkpoints are kept in an
// LRU keyed by path; history windows expire after WindowTTL.
type Service struct {
	opts    Options
	source  dataset.Source
	cctx    *core.Context
	metrics *monitoring.Metrics

	models  *lru.Cache[string, any]
	windows *cache.Cache

	// mu serializes use of cctx.RNG.
	mu    sync.Mutex
	stats Stats
}

type Stats struct {
	Requests    int64
	Generated   int64
	Failures    int64
	ModelLoads  int64
	WindowLoads int64
}

func NewService(opts Options, source dataset.Source, cctx *core.Context, metrics *monitoring.Metrics) (*Service, error) {
	if opts.ModelCacheSize < 1 {
		opts.ModelCacheSize = 1
	}
	if opts.WindowTTL <= 0 {
		opts.WindowTTL = DefaultOptions().WindowTTL
	}
	models, err := lru.New[string, any](opts.ModelCacheSize)
	if err != nil {
		return nil, fmt.Errorf("generation: model cache: %w", err)
	}
	return &Service{
		opts:    opts,
		source:  source,
		cctx:    cctx,
		metrics: metrics,
		models:  models,
		windows: cache.New(opts.WindowTTL, 2*opts.WindowTTL),
	}, nil
}

// Warm loads the configured transformer checkpoints concurrently so the
// first request does not pay for them.
func (s *Service) Warm(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for r, path := range map[role]string{roleMain: s.opts.MainCheckpoint, roleBonus: s.opts.BonusCheckpoint} {
		r, path := r, path
		if path == "" {
			continue
		}
		g.Go(func() error {
			m, err := s.transformer(path, r)
			if err != nil {
				return err
			}
			_, err = s.window(ctx, m.Config())
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Int("models", s.models.Len()).Int("windows", s.windows.ItemCount()).Msg("Generation service warmed")
	return nil
}

// Purge drops every cached model and window.
func (s *Service) Purge() {
	s.models.Purge()
	s.windows.Flush()
	log.Debug().Msg("Generation caches purged")
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Generate produces req.Sets sets with the requested variant. req is used
// as given; callers facing users clamp it first.
func (s *Service) Generate(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	defer s.metrics.TrackInFlight()()

	sets, err := s.generate(ctx, req)
	took := time.Since(start)
	s.metrics.ObserveGenerate(string(req.Variant), len(sets), took, err)

	s.mu.Lock()
	s.stats.Requests++
	if err != nil {
		s.stats.Failures++
	} else {
		s.stats.Generated += int64(len(sets))
	}
	s.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Str("variant", string(req.Variant)).Msg("Generation failed")
		return Response{}, err
	}
	resp := Response{Variant: req.Variant, Sets: sets, BatchID: uuid.New(), Took: took}
	log.Info().
		Str("variant", string(req.Variant)).
		Int("sets", len(sets)).
		Str("batch_id", resp.BatchID.String()).
		Dur("took", took).
		Msg("Generation completed")
	return resp, nil
}

func (s *Service) generate(ctx context.Context, req Request) ([]sampler.GeneratedSet, error) {
	if req.Sets < 1 {
		return nil, fmt.Errorf("generation: sets must be at least 1, got %d", req.Sets)
	}
	switch req.Variant {
	case VariantTransformer, VariantGAN:
	case VariantRandom:
		return s.random(req.Sets, req.Bonus)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, req.Variant)
	}
	p := sampler.Params{Temperature: req.Temperature, TopK: req.TopK}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	var (
		sets []sampler.GeneratedSet
		err  error
	)
	if req.Variant == VariantGAN {
		sets, err = s.fromGAN(req.Sets, p)
	} else {
		sets, err = s.fromTransformer(ctx, req.Sets, p)
	}
	if err != nil || !req.Bonus {
		return sets, err
	}

	// The bonus model samples at the request temperature for the transformer
	// variant and at unit temperature for the GAN, over its full support.
	bp := sampler.Params{Temperature: 1, TopK: model.NumBalls}
	if req.Variant == VariantTransformer {
		bp.Temperature = req.Temperature
	}
	return s.addBonus(ctx, sets, bp)
}

func (s *Service) fromTransformer(ctx context.Context, n int, p sampler.Params) ([]sampler.GeneratedSet, error) {
	if s.opts.MainCheckpoint == "" {
		return nil, fmt.Errorf("%w: transformer", ErrNoCheckpoint)
	}
	m, err := s.transformer(s.opts.MainCheckpoint, roleMain)
	if err != nil {
		return nil, err
	}
	window, err := s.window(ctx, m.Config())
	if err != nil {
		return nil, err
	}
	logits, err := m.Logits(window)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sets := make([]sampler.GeneratedSet, 0, n)
	for i := 0; i < n; i++ {
		set, err := sampler.SampleSet(logits, p, s.cctx.RNG)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (s *Service) fromGAN(n int, p sampler.Params) ([]sampler.GeneratedSet, error) {
	if s.opts.GANCheckpoint == "" {
		return nil, fmt.Errorf("%w: gan", ErrNoCheckpoint)
	}
	g, err := s.generator(s.opts.GANCheckpoint)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sets := make([]sampler.GeneratedSet, 0, n)
	for _, logits := range g.Logits(n, s.cctx.RNG) {
		set, err := sampler.SampleSet(logits, p, s.cctx.RNG)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (s *Service) random(n int, bonus bool) ([]sampler.GeneratedSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sets := make([]sampler.GeneratedSet, 0, n)
	for i := 0; i < n; i++ {
		nums, err := sampler.Uniform(model.MainNumbers+1, nil, s.cctx.RNG)
		if err != nil {
			return nil, err
		}
		b := 0
		if bonus {
			b = nums[model.MainNumbers]
		}
		set, err := sampler.NewGeneratedSet(nums[:model.MainNumbers], b)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func (s *Service) addBonus(ctx context.Context, sets []sampler.GeneratedSet, p sampler.Params) ([]sampler.GeneratedSet, error) {
	var logits []float64
	if s.opts.BonusCheckpoint != "" {
		m, err := s.transformer(s.opts.BonusCheckpoint, roleBonus)
		if err != nil {
			return nil, err
		}
		window, err := s.window(ctx, m.Config())
		if err != nil {
			return nil, err
		}
		rows, err := m.Logits(window)
		if err != nil {
			return nil, err
		}
		logits = rows[0]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sampler.GeneratedSet, len(sets))
	for i, set := range sets {
		if logits == nil {
			b, err := sampler.Uniform(1, set.Main, s.cctx.RNG)
			if err != nil {
				return nil, err
			}
			if out[i], err = sampler.NewGeneratedSet(set.Main, b[0]); err != nil {
				return nil, err
			}
			continue
		}
		withBonus, err := set.WithBonus(logits, p, s.cctx.RNG)
		if err != nil {
			return nil, err
		}
		out[i] = withBonus
	}
	return out, nil
}

// role - what a transformer checkpoint is loaded to predict.
type role string

const (
	roleMain  role = "main"
	roleBonus role = "bonus"
)

// accepts fails with checkpoint.ErrConfigMismatch when cfg cannot serve r.
func (r role) accepts(cfg model.Config) error {
	if r == roleBonus {
		if cfg.Layout != model.LayoutBonus || cfg.OutputNums != 1 {
			return fmt.Errorf("%w: bonus model needs layout %s with 1 output, checkpoint has layout %s with %d",
				checkpoint.ErrConfigMismatch, model.LayoutBonus, cfg.Layout, cfg.OutputNums)
		}
		return nil
	}
	if cfg.Layout == model.LayoutBonus || cfg.OutputNums != model.MainNumbers {
		return fmt.Errorf("%w: main model needs %d outputs over main numbers, checkpoint has layout %s with %d",
			checkpoint.ErrConfigMismatch, model.MainNumbers, cfg.Layout, cfg.OutputNums)
	}
	return nil
}

// transformer returns the model stored at path after checking that its
// architecture fits r. The header is checked before any weights are read.
func (s *Service) transformer(path string, r role) (*model.Transformer, error) {
	key := "transformer:" + path
	if v, ok := s.models.Get(key); ok {
		s.metrics.CacheLookup("model", true)
		m := v.(*model.Transformer)
		if err := r.accepts(m.Config()); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return m, nil
	}
	s.metrics.CacheLookup("model", false)

	cfg, err := checkpoint.TransformerConfig(path)
	if err != nil {
		return nil, err
	}
	if err := r.accepts(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m, meta, err := checkpoint.LoadTransformer(path)
	if err != nil {
		return nil, err
	}
	s.models.Add(key, m)
	s.countLoad(&s.stats.ModelLoads)
	log.Info().Str("checkpoint", path).Str("role", string(r)).Int("epoch", meta.Epoch).Str("layout", string(m.Config().Layout)).Msg("Model loaded")
	return m, nil
}

func (s *Service) generator(path string) (*model.Generator, error) {
	key := "gan:" + path
	if v, ok := s.models.Get(key); ok {
		s.metrics.CacheLookup("model", true)
		return v.(*model.Generator), nil
	}
	s.metrics.CacheLookup("model", false)

	g, _, meta, err := checkpoint.LoadGAN(path)
	if err != nil {
		return nil, err
	}
	s.models.Add(key, g)
	s.countLoad(&s.stats.ModelLoads)
	log.Info().Str("checkpoint", path).Int("epoch", meta.Epoch).Msg("Generator loaded")
	return g, nil
}

// window returns the latest history window shaped for cfg.
func (s *Service) window(ctx context.Context, cfg model.Config) ([]int, error) {
	key := fmt.Sprintf("%s/%d", cfg.Layout, cfg.SeqLen)
	if v, ok := s.windows.Get(key); ok {
		s.metrics.CacheLookup("window", true)
		return v.([]int), nil
	}
	s.metrics.CacheLookup("window", false)

	if s.source == nil {
		return nil, fmt.Errorf("generation: no history source configured")
	}
	draws, err := s.source.Draws(ctx)
	if err != nil {
		return nil, err
	}
	w, err := dataset.LatestWindow(draws, cfg.SeqLen, cfg.Layout)
	if err != nil {
		return nil, err
	}
	s.windows.SetDefault(key, w)
	s.countLoad(&s.stats.WindowLoads)
	return w, nil
}

func (s *Service) countLoad(counter *int64) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
}
