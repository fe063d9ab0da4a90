// internal/sampler/set.go
package sampler

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
)

// GeneratedSet - six distinct numbers in ascending order plus an optional
// bonus (0 when absent) that never repeats a main number.
type GeneratedSet struct {
	Main  []int
	Bonus int
}

// NewGeneratedSet validates main and bonus and returns a set with a sorted
// copy of main.
func NewGeneratedSet(main []int, bonus int) (GeneratedSet, error) {
	if len(main) != MainNumbers {
		return GeneratedSet{}, fmt.Errorf("sampler: set has %d main numbers, want %d", len(main), MainNumbers)
	}
	seen := make(map[int]bool, len(main))
	for _, n := range main {
		if n < 1 || n > NumBalls {
			return GeneratedSet{}, fmt.Errorf("sampler: number %d outside [1,%d]", n, NumBalls)
		}
		if seen[n] {
			return GeneratedSet{}, fmt.Errorf("sampler: number %d repeated", n)
		}
		seen[n] = true
	}
	if bonus != 0 {
		if bonus < 1 || bonus > NumBalls {
			return GeneratedSet{}, fmt.Errorf("sampler: bonus %d outside [1,%d]", bonus, NumBalls)
		}
		if seen[bonus] {
			return GeneratedSet{}, fmt.Errorf("sampler: bonus %d repeats a main number", bonus)
		}
	}
	sorted := append([]int(nil), main...)
	sort.Ints(sorted)
	return GeneratedSet{Main: sorted, Bonus: bonus}, nil
}

func (s GeneratedSet) HasBonus() bool { return s.Bonus != 0 }

// Numbers - main numbers followed by the bonus when present.
func (s GeneratedSet) Numbers() []int {
	out := append([]int(nil), s.Main...)
	if s.HasBonus() {
		out = append(out, s.Bonus)
	}
	return out
}

// MarshalJSON encodes the set as a flat array, bonus last.
func (s GeneratedSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Numbers())
}

// SampleSet decodes main-number logits into a sorted set without a bonus.
func SampleSet(logits [][]float64, p Params, rng *rand.Rand) (GeneratedSet, error) {
	nums, err := Sample(logits, p, rng)
	if err != nil {
		return GeneratedSet{}, err
	}
	return NewGeneratedSet(nums, 0)
}

// WithBonus samples a bonus from a single logit row, excluding the main
// numbers on top of p.Exclude.
func (s GeneratedSet) WithBonus(logits []float64, p Params, rng *rand.Rand) (GeneratedSet, error) {
	p.Exclude = append(append([]int(nil), p.Exclude...), s.Main...)
	nums, err := Sample([][]float64{logits}, p, rng)
	if err != nil {
		return GeneratedSet{}, err
	}
	return NewGeneratedSet(s.Main, nums[0])
}

// Uniform draws n distinct numbers uniformly from those not excluded.
func Uniform(n int, exclude []int, rng *rand.Rand) ([]int, error) {
	banned := make(map[int]bool, len(exclude))
	for _, e := range exclude {
		banned[e] = true
	}
	pool := make([]int, 0, NumBalls)
	for v := 1; v <= NumBalls; v++ {
		if !banned[v] {
			pool = append(pool, v)
		}
	}
	if n > len(pool) {
		return nil, fmt.Errorf("%w: want %d numbers, %d allowed", ErrExhausted, n, len(pool))
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:n], nil
}
