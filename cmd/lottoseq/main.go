// cmd/lottoseq/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lumix-ai/lottoseq/internal/checkpoint"
	"github.com/lumix-ai/lottoseq/internal/config"
	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/generation"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/lumix-ai/lottoseq/internal/monitoring"
	"github.com/lumix-ai/lottoseq/internal/server"
	"github.com/lumix-ai/lottoseq/internal/storage"
	"github.com/lumix-ai/lottoseq/internal/training"
	"github.com/olekukonko/tablewriter"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFile  = flag.String("config", "", "Configuration file path (default $LOTTOSEQ_CONFIG or config/default.yaml)")
	device      = flag.String("device", "", "Compute device override: auto, cuda, mps or cpu")
	seed        = flag.Int64("seed", 0, "Random seed override (0 keeps the configured seed)")
	historyPath = flag.String("history", "", "History JSON override for training and import")
	epochs      = flag.Int("epochs", 0, "Epoch count override for the train commands")
	resume      = flag.Bool("resume", false, "Start train/train-bonus from the weights in the configured checkpoint")
	variant     = flag.String("model", "transformer", "Generator for generate: transformer, gan or random")
	sets        = flag.Int("sets", 0, "Number of sets to generate (0 keeps the configured value)")
	temperature = flag.Float64("temperature", 0, "Sampling temperature (0 keeps the configured value)")
	topK        = flag.Int("top-k", 0, "Top-k cutoff (0 keeps the configured value)")
	addr        = flag.String("addr", "", "Listen address override for serve")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
)

const usage = `usage: lottoseq [flags] <command>

commands:
  train        train the main-number transformer
  train-bonus  train the bonus transformer
  train-gan    train the generator/discriminator pair
  generate     print generated sets
  serve        run the HTTP API
  import       copy a JSON history into the SQLite store
`

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage+"\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	setupLogger(*verbose, config.LoggingConfig{Level: "info", Format: "console"})

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	path := config.ResolvePath(*configFile)
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
	}
	applyOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogger(*verbose, cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandler(cancel)

	dev, _ := core.ParseDevice(cfg.System.Device)
	cctx := core.NewContext(dev, cfg.System.Seed)
	metrics := monitoring.New()

	log.Info().
		Str("command", flag.Arg(0)).
		Str("config", path).
		Str("device", string(cctx.Device)).
		Int64("seed", cfg.System.Seed).
		Msg("Starting lottoseq")

	switch flag.Arg(0) {
	case "train":
		err = runTrain(ctx, cfg, "transformer", cfg.Transformer, cctx, metrics)
	case "train-bonus":
		err = runTrain(ctx, cfg, "bonus", cfg.Bonus, cctx, metrics)
	case "train-gan":
		err = runTrainGAN(ctx, cfg, cctx, metrics)
	case "generate":
		err = runGenerate(ctx, cfg, cctx, metrics)
	case "serve":
		err = runServe(ctx, cfg, cctx, metrics)
	case "import":
		err = runImport(ctx, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", flag.Arg(0)).Msg("Command failed")
	}
}

func setupLogger(debug bool, lc config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if lc.Format == "json" {
		out = os.Stderr
	}
	log.Logger = log.Output(out)
}

func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()

		time.Sleep(5 * time.Second)
		log.Error().Msg("Force shutdown after timeout")
		os.Exit(1)
	}()
}

func applyOverrides(cfg *config.Config) {
	if *device != "" {
		cfg.System.Device = *device
	}
	if *seed != 0 {
		cfg.System.Seed = *seed
	}
	if *historyPath != "" {
		cfg.Data.HistoryPath = *historyPath
	}
	if *epochs > 0 {
		cfg.Transformer.Training.Epochs = *epochs
		cfg.Bonus.Training.Epochs = *epochs
		cfg.GAN.Training.Epochs = *epochs
	}
	if *sets > 0 {
		cfg.Generation.Sets = *sets
	}
	if *temperature > 0 {
		cfg.Generation.Temperature = *temperature
	}
	if *topK > 0 {
		cfg.Generation.TopK = *topK
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
}

// openSource returns the configured history source and a close func.
func openSource(ctx context.Context, cfg config.Config) (dataset.Source, func(), error) {
	if cfg.Data.Source == config.SourceSQLite {
		store, err := storage.Open(ctx, cfg.Data.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return dataset.FileSource{Path: cfg.Data.HistoryPath}, func() {}, nil
}

func loadDraws(ctx context.Context, cfg config.Config) ([]dataset.Draw, error) {
	src, closeSrc, err := openSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeSrc()
	draws, err := src.Draws(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Int("draws", len(draws)).Str("source", cfg.Data.Source).Msg("History loaded")
	return draws, nil
}

func runTrain(ctx context.Context, cfg config.Config, name string, section config.ModelSection, cctx *core.Context, metrics *monitoring.Metrics) error {
	draws, err := loadDraws(ctx, cfg)
	if err != nil {
		return err
	}
	ds, err := dataset.NewSequenceDataset(draws, section.Model.SeqLen, section.Model.Layout)
	if err != nil {
		return err
	}
	m, err := model.NewTransformer(section.Model, cctx.RNG)
	if err != nil {
		return err
	}
	if *resume {
		meta, err := checkpoint.LoadTransformerInto(section.Training.Checkpoint, m)
		if err != nil {
			return fmt.Errorf("resume %s: %w", name, err)
		}
		log.Info().Str("checkpoint", section.Training.Checkpoint).Int("epoch", meta.Epoch).Float64("val_loss", meta.ValLoss).Msg("Resuming from checkpoint")
	}
	trainer, err := training.NewTransformerTrainer(name, m, section.Training, cctx, metrics)
	if err != nil {
		return err
	}
	res, err := trainer.Train(ctx, ds)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Epoch", "Train loss", "Val loss", "Hit rate", "LR", "Best"})
	for _, s := range res.History {
		best := ""
		if s.Improved {
			best = "*"
		}
		table.Append([]string{
			strconv.Itoa(s.Epoch),
			fmt.Sprintf("%.4f", s.TrainLoss),
			fmt.Sprintf("%.4f", s.ValLoss),
			fmt.Sprintf("%.3f", s.HitRate),
			fmt.Sprintf("%.2e", s.LR),
			best,
		})
	}
	table.Render()
	fmt.Printf("best epoch %d saved to %s\n", res.Best.Epoch, res.Checkpoint)
	return nil
}

func runTrainGAN(ctx context.Context, cfg config.Config, cctx *core.Context, metrics *monitoring.Metrics) error {
	draws, err := loadDraws(ctx, cfg)
	if err != nil {
		return err
	}
	ds, err := dataset.NewSetDataset(draws)
	if err != nil {
		return err
	}
	g, err := model.NewGenerator(cfg.GAN.Model, cctx.RNG)
	if err != nil {
		return err
	}
	d, err := model.NewDiscriminator(cfg.GAN.Model, cctx.RNG)
	if err != nil {
		return err
	}
	trainer, err := training.NewGANTrainer(g, d, cfg.GAN.Training, cctx, metrics)
	if err != nil {
		return err
	}
	history, err := trainer.Train(ctx, ds)
	if err != nil {
		return err
	}
	last := history[len(history)-1]
	fmt.Printf("gan trained for %d epochs (g_loss %.4f, d_loss %.4f), saved to %s\n",
		last.Epoch, last.GLoss, last.DLoss, cfg.GAN.Training.Checkpoint)
	return nil
}

func newService(ctx context.Context, cfg config.Config, cctx *core.Context, metrics *monitoring.Metrics) (*generation.Service, func(), error) {
	src, closeSrc, err := openSource(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	svc, err := generation.NewService(cfg.GenerationOptions(), src, cctx, metrics)
	if err != nil {
		closeSrc()
		return nil, nil, err
	}
	return svc, closeSrc, nil
}

func runGenerate(ctx context.Context, cfg config.Config, cctx *core.Context, metrics *monitoring.Metrics) error {
	v, err := generation.ParseVariant(*variant)
	if err != nil {
		return err
	}
	svc, closeSrc, err := newService(ctx, cfg, cctx, metrics)
	if err != nil {
		return err
	}
	defer closeSrc()

	resp, err := svc.Generate(ctx, generation.Request{
		Variant:     v,
		Sets:        cfg.Generation.Sets,
		Temperature: cfg.Generation.Temperature,
		TopK:        cfg.Generation.TopK,
		Bonus:       true,
	})
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Set", "Numbers", "Bonus"})
	for i, set := range resp.Sets {
		nums := make([]string, len(set.Main))
		for j, n := range set.Main {
			nums[j] = fmt.Sprintf("%2d", n)
		}
		table.Append([]string{strconv.Itoa(i + 1), strings.Join(nums, " "), strconv.Itoa(set.Bonus)})
	}
	table.SetCaption(true, fmt.Sprintf("%s τ=%.2f k=%d batch %s", v, cfg.Generation.Temperature, cfg.Generation.TopK, resp.BatchID))
	table.Render()
	return nil
}

func runServe(ctx context.Context, cfg config.Config, cctx *core.Context, metrics *monitoring.Metrics) error {
	svc, closeSrc, err := newService(ctx, cfg, cctx, metrics)
	if err != nil {
		return err
	}
	defer closeSrc()
	if err := svc.Warm(ctx); err != nil {
		log.Warn().Err(err).Msg("Warm-up failed, models will load on first request")
	}

	var recorder server.Recorder
	if cfg.Server.RecordGenerations {
		store, err := storage.Open(ctx, cfg.Data.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder = store
		if n, err := store.CountBatches(ctx); err == nil {
			log.Info().Int("batches", n).Str("db", cfg.Data.SQLitePath).Msg("Recording generations")
		}
	}

	scheduler := cron.New()
	if cfg.Server.RefreshSchedule != "" {
		if _, err := scheduler.AddFunc(cfg.Server.RefreshSchedule, svc.Purge); err != nil {
			return fmt.Errorf("schedule cache refresh: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	srv := server.New(server.Config{
		Addr:          cfg.Server.Addr,
		MaxConcurrent: cfg.Server.MaxConcurrent,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		Sets:          cfg.Generation.Sets,
		Temperature:   cfg.Generation.Temperature,
		TopK:          cfg.Generation.TopK,
	}, svc, recorder, metrics)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down HTTP server")
	if err := srv.Shutdown(); err != nil {
		return err
	}
	st := svc.Stats()
	log.Info().Int64("requests", st.Requests).Int64("generated", st.Generated).Int64("failures", st.Failures).Msg("Server stopped")
	return nil
}

func runImport(ctx context.Context, cfg config.Config) error {
	draws, err := dataset.LoadHistory(cfg.Data.HistoryPath)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, cfg.Data.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.UpsertDraws(ctx, draws)
	if err != nil {
		return err
	}
	total, err := store.CountDraws(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("imported", n).Int("total", total).Str("db", cfg.Data.SQLitePath).Msg("History imported")
	return nil
}
