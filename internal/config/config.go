// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/generation"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/lumix-ai/lottoseq/internal/training"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config/default.yaml"
	// EnvPath names a config file used when no path is given explicitly.
	EnvPath = "LOTTOSEQ_CONFIG"
)

// Data sources for the draw history.
const (
	SourceFile   = "file"
	SourceSQLite = "sqlite"
)

type Config struct {
	System      SystemConfig     `yaml:"system"`
	Data        DataConfig       `yaml:"data"`
	Transformer ModelSection     `yaml:"transformer"`
	Bonus       ModelSection     `yaml:"bonus"`
	GAN         GANSection       `yaml:"gan"`
	Generation  GenerationConfig `yaml:"generation"`
	Server      ServerConfig     `yaml:"server"`
	Logging     LoggingConfig    `yaml:"logging"`
}

type SystemConfig struct {
	Name   string `yaml:"name"`
	Device string `yaml:"device"`
	Seed   int64  `yaml:"seed"`
}

type DataConfig struct {
	Source      string `yaml:"source"`
	HistoryPath string `yaml:"history_path"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// ModelSection - one sequence model: its architecture and how it is trained.
type ModelSection struct {
	Model    model.Config    `yaml:"model"`
	Training training.Config `yaml:"training"`
}

type GANSection struct {
	Model    model.GANConfig    `yaml:"model"`
	Training training.GANConfig `yaml:"training"`
}

type GenerationConfig struct {
	Sets           int           `yaml:"sets"`
	Temperature    float64       `yaml:"temperature"`
	TopK           int           `yaml:"top_k"`
	ModelCacheSize int           `yaml:"model_cache_size"`
	WindowTTL      time.Duration `yaml:"window_ttl"`
}

type ServerConfig struct {
	Addr          string `yaml:"addr"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// RefreshSchedule - cron expression on which model and window caches
	// are purged; empty disables it.
	RefreshSchedule   string        `yaml:"refresh_schedule"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RecordGenerations bool          `yaml:"record_generations"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// Defaults returns the full configuration used when a key is absent.
func Defaults() Config {
	mainTrain := training.DefaultConfig()
	bonus := training.DefaultConfig()
	bonus.HitK = 5
	bonus.Checkpoint = "checkpoints/bonus.ckpt"

	return Config{
		System: SystemConfig{Name: "lottoseq", Device: string(core.DeviceAuto), Seed: 42},
		Data: DataConfig{
			Source:      SourceFile,
			HistoryPath: "data/lotto_history.json",
			SQLitePath:  "data/lottoseq.db",
		},
		Transformer: ModelSection{Model: model.DefaultConfig(), Training: mainTrain},
		Bonus:       ModelSection{Model: model.DefaultBonusConfig(), Training: bonus},
		GAN:         GANSection{Model: model.DefaultGANConfig(), Training: training.DefaultGANConfig()},
		Generation: GenerationConfig{
			Sets:           5,
			Temperature:    1.0,
			TopK:           15,
			ModelCacheSize: 8,
			WindowTTL:      10 * time.Minute,
		},
		Server: ServerConfig{
			Addr:              ":8000",
			MaxConcurrent:     4,
			RefreshSchedule:   "*/30 * * * *",
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			RecordGenerations: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// ResolvePath picks the config file: an explicit path, then $LOTTOSEQ_CONFIG,
// then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads path over Defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("config: read: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := core.ParseDevice(c.System.Device); err != nil {
		return fmt.Errorf("config: system.device: %w", err)
	}
	switch c.Data.Source {
	case SourceFile:
		if c.Data.HistoryPath == "" {
			return errors.New("config: data.history_path is required for the file source")
		}
	case SourceSQLite:
		if c.Data.SQLitePath == "" {
			return errors.New("config: data.sqlite_path is required for the sqlite source")
		}
	default:
		return fmt.Errorf("config: data.source must be %q or %q, got %q", SourceFile, SourceSQLite, c.Data.Source)
	}

	if err := c.Transformer.Model.Validate(); err != nil {
		return fmt.Errorf("config: transformer.model: %w", err)
	}
	if err := c.Transformer.Training.Validate(); err != nil {
		return fmt.Errorf("config: transformer.training: %w", err)
	}
	if err := c.Bonus.Model.Validate(); err != nil {
		return fmt.Errorf("config: bonus.model: %w", err)
	}
	if c.Bonus.Model.Layout != model.LayoutBonus {
		return fmt.Errorf("config: bonus.model.layout must be %q, got %q", model.LayoutBonus, c.Bonus.Model.Layout)
	}
	if err := c.Bonus.Training.Validate(); err != nil {
		return fmt.Errorf("config: bonus.training: %w", err)
	}
	if err := c.GAN.Model.Validate(); err != nil {
		return fmt.Errorf("config: gan.model: %w", err)
	}
	if err := c.GAN.Training.Validate(); err != nil {
		return fmt.Errorf("config: gan.training: %w", err)
	}

	g := c.Generation
	switch {
	case g.Sets < generation.MinSets || g.Sets > generation.MaxSets:
		return fmt.Errorf("config: generation.sets %d outside [%d,%d]", g.Sets, generation.MinSets, generation.MaxSets)
	case !(g.Temperature > 0):
		return fmt.Errorf("config: generation.temperature must be > 0, got %v", g.Temperature)
	case g.TopK < 1 || g.TopK > model.NumBalls:
		return fmt.Errorf("config: generation.top_k %d outside [1,%d]", g.TopK, model.NumBalls)
	case g.ModelCacheSize < 1:
		return fmt.Errorf("config: generation.model_cache_size must be at least 1")
	}

	if c.Server.MaxConcurrent < 1 {
		return fmt.Errorf("config: server.max_concurrent must be at least 1, got %d", c.Server.MaxConcurrent)
	}
	if c.Server.RefreshSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.RefreshSchedule); err != nil {
			return fmt.Errorf("config: server.refresh_schedule: %w", err)
		}
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("config: logging.level: %w", err)
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("config: logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// GenerationOptions maps the checkpoint paths and cache settings onto the
// generation service.
func (c Config) GenerationOptions() generation.Options {
	return generation.Options{
		MainCheckpoint:  c.Transformer.Training.Checkpoint,
		BonusCheckpoint: c.Bonus.Training.Checkpoint,
		GANCheckpoint:   c.GAN.Training.Checkpoint,
		ModelCacheSize:  c.Generation.ModelCacheSize,
		WindowTTL:       c.Generation.WindowTTL,
	}
}
