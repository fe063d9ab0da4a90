// internal/model/config.go
package model

import (
	"fmt"
	"strings"
)

const (
	// NumBalls - numbers are drawn from 1..NumBalls.
	NumBalls = 45
	// MainNumbers - main numbers per draw.
	MainNumbers = 6
	// PadToken is never produced as output.
	PadToken = 0
)

// Layout - how a draw is flattened into tokens.
type Layout string

const (
	LayoutMain  Layout = "main"
	LayoutFull  Layout = "full"
	LayoutBonus Layout = "bonus"
)

func ParseLayout(s string) (Layout, error) {
	l := Layout(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case LayoutMain, LayoutFull, LayoutBonus:
		return l, nil
	}
	return "", fmt.Errorf("model: unknown layout %q", s)
}

// Width - tokens per draw.
func (l Layout) Width() int {
	switch l {
	case LayoutFull:
		return MainNumbers + 1
	case LayoutBonus:
		return 1
	default:
		return MainNumbers
	}
}

// Targets - number of predicted positions for a model trained on l.
func (l Layout) Targets() int {
	if l == LayoutBonus {
		return 1
	}
	return MainNumbers
}

// Config - architecture of a sequence model. Two configs are compatible only
// when every field matches.
type Config struct {
	NumBalls       int     `json:"num_balls" yaml:"num_balls"`
	DModel         int     `json:"d_model" yaml:"d_model"`
	NumHeads       int     `json:"nhead" yaml:"nhead"`
	NumLayers      int     `json:"num_layers" yaml:"num_layers"`
	DimFeedforward int     `json:"dim_feedforward" yaml:"dim_feedforward"`
	Dropout        float64 `json:"dropout" yaml:"dropout"`
	SeqLen         int     `json:"seq_len" yaml:"seq_len"`
	OutputNums     int     `json:"output_nums" yaml:"output_nums"`
	Layout         Layout  `json:"layout" yaml:"layout"`
}

func DefaultConfig() Config {
	return Config{
		NumBalls:       NumBalls,
		DModel:         128,
		NumHeads:       8,
		NumLayers:      4,
		DimFeedforward: 512,
		Dropout:        0.1,
		SeqLen:         20,
		OutputNums:     MainNumbers,
		Layout:         LayoutMain,
	}
}

// DefaultBonusConfig - same architecture, reading the bonus sequence and
// predicting one number.
func DefaultBonusConfig() Config {
	cfg := DefaultConfig()
	cfg.OutputNums = 1
	cfg.Layout = LayoutBonus
	return cfg
}

// TokensPerWindow - flattened sequence length fed to the encoder.
func (c Config) TokensPerWindow() int {
	return c.SeqLen * c.Layout.Width()
}

func (c Config) Validate() error {
	switch {
	case c.NumBalls != NumBalls:
		return fmt.Errorf("model: num_balls must be %d, got %d", NumBalls, c.NumBalls)
	case c.DModel <= 0 || c.NumHeads <= 0 || c.NumLayers <= 0 || c.DimFeedforward <= 0:
		return fmt.Errorf("model: dimensions must be positive (d_model=%d nhead=%d layers=%d ff=%d)",
			c.DModel, c.NumHeads, c.NumLayers, c.DimFeedforward)
	case c.DModel%c.NumHeads != 0:
		return fmt.Errorf("model: d_model %d not divisible by nhead %d", c.DModel, c.NumHeads)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("model: dropout %.3f outside [0,1)", c.Dropout)
	case c.SeqLen < 1:
		return fmt.Errorf("model: seq_len must be at least 1, got %d", c.SeqLen)
	case c.OutputNums < 1 || c.OutputNums > c.NumBalls:
		return fmt.Errorf("model: output_nums %d outside [1,%d]", c.OutputNums, c.NumBalls)
	}
	if _, err := ParseLayout(string(c.Layout)); err != nil {
		return err
	}
	if c.OutputNums != c.Layout.Targets() {
		return fmt.Errorf("model: layout %s predicts %d numbers, output_nums is %d",
			c.Layout, c.Layout.Targets(), c.OutputNums)
	}
	return nil
}

// Diff lists the fields that differ from other, empty when compatible.
func (c Config) Diff(other Config) []string {
	var out []string
	add := func(name string, a, b interface{}) {
		if a != b {
			out = append(out, fmt.Sprintf("%s: %v != %v", name, a, b))
		}
	}
	add("num_balls", c.NumBalls, other.NumBalls)
	add("d_model", c.DModel, other.DModel)
	add("nhead", c.NumHeads, other.NumHeads)
	add("num_layers", c.NumLayers, other.NumLayers)
	add("dim_feedforward", c.DimFeedforward, other.DimFeedforward)
	add("dropout", c.Dropout, other.Dropout)
	add("seq_len", c.SeqLen, other.SeqLen)
	add("output_nums", c.OutputNums, other.OutputNums)
	add("layout", c.Layout, other.Layout)
	return out
}

// GANConfig - architecture of the adversarial pair.
type GANConfig struct {
	NumBalls   int     `json:"num_balls" yaml:"num_balls"`
	LatentDim  int     `json:"latent_dim" yaml:"latent_dim"`
	HiddenDim  int     `json:"hidden_dim" yaml:"hidden_dim"`
	EmbedDim   int     `json:"embed_dim" yaml:"embed_dim"`
	OutputNums int     `json:"output_nums" yaml:"output_nums"`
	Dropout    float64 `json:"dropout" yaml:"dropout"`
}

func DefaultGANConfig() GANConfig {
	return GANConfig{
		NumBalls:   NumBalls,
		LatentDim:  64,
		HiddenDim:  256,
		EmbedDim:   32,
		OutputNums: MainNumbers,
		Dropout:    0.3,
	}
}

func (c GANConfig) Validate() error {
	switch {
	case c.NumBalls != NumBalls:
		return fmt.Errorf("model: num_balls must be %d, got %d", NumBalls, c.NumBalls)
	case c.LatentDim <= 0 || c.EmbedDim <= 0:
		return fmt.Errorf("model: latent_dim and embed_dim must be positive")
	case c.HiddenDim < 2:
		return fmt.Errorf("model: hidden_dim must be at least 2, got %d", c.HiddenDim)
	case c.OutputNums != MainNumbers:
		return fmt.Errorf("model: generator output_nums must be %d, got %d", MainNumbers, c.OutputNums)
	case c.Dropout < 0 || c.Dropout >= 1:
		return fmt.Errorf("model: dropout %.3f outside [0,1)", c.Dropout)
	}
	return nil
}
