// internal/checkpoint/models.go
package checkpoint

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/lumix-ai/lottoseq/internal/core"
	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/rs/zerolog/log"
)

func SaveTransformer(path string, m *model.Transformer, meta Meta) error {
	return write(path, KindTransformer, m.Config(), m.Params(), meta)
}

// LoadTransformer rebuilds the model from the config stored in the file.
func LoadTransformer(path string) (*model.Transformer, Meta, error) {
	hdr, weights, err := read(path, KindTransformer)
	if err != nil {
		return nil, Meta{}, err
	}
	var cfg model.Config
	if err := json.Unmarshal(hdr.Config, &cfg); err != nil {
		return nil, Meta{}, fmt.Errorf("%w: config: %v", ErrCorrupt, err)
	}
	m, err := model.NewTransformer(cfg, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("%w: stored config: %v", ErrCorrupt, err)
	}
	if err := assign(m.Params(), weights); err != nil {
		return nil, Meta{}, err
	}
	log.Info().Str("path", path).Int("epoch", hdr.Meta.Epoch).Msg("Checkpoint loaded")
	return m, hdr.Meta, nil
}

// LoadTransformerInto restores weights into an existing model whose config
// must equal the stored one.
func LoadTransformerInto(path string, m *model.Transformer) (Meta, error) {
	hdr, weights, err := read(path, KindTransformer)
	if err != nil {
		return Meta{}, err
	}
	var cfg model.Config
	if err := json.Unmarshal(hdr.Config, &cfg); err != nil {
		return Meta{}, fmt.Errorf("%w: config: %v", ErrCorrupt, err)
	}
	if diff := m.Config().Diff(cfg); len(diff) > 0 {
		return Meta{}, fmt.Errorf("%w: %s", ErrConfigMismatch, strings.Join(diff, ", "))
	}
	if err := assign(m.Params(), weights); err != nil {
		return Meta{}, err
	}
	return hdr.Meta, nil
}

// TransformerConfig reads the stored architecture without the weights.
func TransformerConfig(path string) (model.Config, error) {
	hdr, err := ReadHeader(path)
	if err != nil {
		return model.Config{}, err
	}
	if hdr.Kind != KindTransformer {
		return model.Config{}, fmt.Errorf("%w: file holds a %s checkpoint", ErrConfigMismatch, hdr.Kind)
	}
	var cfg model.Config
	if err := json.Unmarshal(hdr.Config, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("%w: config: %v", ErrCorrupt, err)
	}
	return cfg, nil
}

func ganParams(g *model.Generator, d *model.Discriminator) []core.Param {
	var out []core.Param
	for _, p := range g.Params() {
		p.Name = "generator." + p.Name
		out = append(out, p)
	}
	for _, p := range d.Params() {
		p.Name = "discriminator." + p.Name
		out = append(out, p)
	}
	return out
}

func SaveGAN(path string, g *model.Generator, d *model.Discriminator, meta Meta) error {
	return write(path, KindGAN, g.Config(), ganParams(g, d), meta)
}

// LoadGAN rebuilds both players from the stored config.
func LoadGAN(path string) (*model.Generator, *model.Discriminator, Meta, error) {
	hdr, weights, err := read(path, KindGAN)
	if err != nil {
		return nil, nil, Meta{}, err
	}
	var cfg model.GANConfig
	if err := json.Unmarshal(hdr.Config, &cfg); err != nil {
		return nil, nil, Meta{}, fmt.Errorf("%w: config: %v", ErrCorrupt, err)
	}
	rng := rand.New(rand.NewSource(0))
	g, err := model.NewGenerator(cfg, rng)
	if err != nil {
		return nil, nil, Meta{}, fmt.Errorf("%w: stored config: %v", ErrCorrupt, err)
	}
	d, err := model.NewDiscriminator(cfg, rng)
	if err != nil {
		return nil, nil, Meta{}, fmt.Errorf("%w: stored config: %v", ErrCorrupt, err)
	}
	if err := assign(ganParams(g, d), weights); err != nil {
		return nil, nil, Meta{}, err
	}
	log.Info().Str("path", path).Int("epoch", hdr.Meta.Epoch).Msg("GAN checkpoint loaded")
	return g, d, hdr.Meta, nil
}
