// internal/sampler/sampler.go
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/lumix-ai/lottoseq/internal/core"
)

const NumBalls = 45

// MainNumbers - main numbers in a GeneratedSet.
const MainNumbers = 6

var (
	// ErrExhausted - every class is masked, so nothing admissible is left to
	// sample.
	ErrExhausted = errors.New("sampler: no admissible number left")
	// ErrInvalidParams - temperature or top-k out of range.
	ErrInvalidParams = errors.New("sampler: invalid parameters")
)

// Params - decoding controls for one call.
type Params struct {
	Temperature float64
	TopK        int
	// Exclude lists numbers (1..45) that may not be produced.
	Exclude []int
}

func (p Params) Validate() error {
	if !(p.Temperature > 0) || math.IsInf(p.Temperature, 0) {
		return fmt.Errorf("%w: temperature must be > 0, got %v", ErrInvalidParams, p.Temperature)
	}
	if p.TopK < 1 || p.TopK > NumBalls {
		return fmt.Errorf("%w: top_k must be in [1,%d], got %d", ErrInvalidParams, NumBalls, p.TopK)
	}
	for _, n := range p.Exclude {
		if n < 1 || n > NumBalls {
			return fmt.Errorf("%w: excluded number %d outside [1,%d]", ErrInvalidParams, n, NumBalls)
		}
	}
	return nil
}

// Sample draws one number per logit row, in row order, with no repeats and
// nothing from p.Exclude. Each row holds NumBalls logits; class c is number
// c+1. Masked classes are dropped outright rather than penalized, so they
// can never be chosen even when fewer than k classes survive.
func Sample(logits [][]float64, p Params, rng *rand.Rand) ([]int, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	used := make([]bool, NumBalls)
	free := NumBalls
	for _, n := range p.Exclude {
		if !used[n-1] {
			used[n-1] = true
			free--
		}
	}
	if len(logits) > free {
		return nil, fmt.Errorf("%w: %d positions but only %d numbers allowed", ErrExhausted, len(logits), free)
	}

	out := make([]int, 0, len(logits))
	candidates := make([]int, 0, NumBalls)
	scaled := make([]float64, 0, NumBalls)
	probs := make([]float64, 0, NumBalls)

	for pos, row := range logits {
		if len(row) != NumBalls {
			return nil, fmt.Errorf("sampler: position %d has %d logits, want %d", pos, len(row), NumBalls)
		}

		candidates = candidates[:0]
		for c := 0; c < NumBalls; c++ {
			if !used[c] && !math.IsNaN(row[c]) {
				candidates = append(candidates, c)
			}
		}
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: position %d", ErrExhausted, pos)
		}

		// Highest logit first; ties go to the smaller number.
		sort.SliceStable(candidates, func(i, j int) bool {
			return row[candidates[i]] > row[candidates[j]]
		})
		if len(candidates) > p.TopK {
			candidates = candidates[:p.TopK]
		}

		scaled = scaled[:len(candidates)]
		probs = probs[:len(candidates)]
		for i, c := range candidates {
			scaled[i] = row[c] / p.Temperature
		}
		core.SoftmaxInto(probs, scaled)

		c := candidates[pick(probs, rng)]
		used[c] = true
		out = append(out, c+1)
	}
	return out, nil
}

// pick draws an index from a normalized distribution.
func pick(probs []float64, rng *rand.Rand) int {
	u := rng.Float64()
	acc := 0.0
	for i, p := range probs {
		acc += p
		if u < acc {
			return i
		}
	}
	// Rounding left u above the total; fall back to the last positive entry.
	for i := len(probs) - 1; i >= 0; i-- {
		if probs[i] > 0 {
			return i
		}
	}
	return 0
}
