// internal/dataset/sequence.go
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/lumix-ai/lottoseq/internal/model"
)

// Pair - a flattened window of past draws and the zero-based targets of the
// draw that immediately follows it.
type Pair struct {
	Window []int
	Target []int
	// DrawNo of the target draw.
	DrawNo int
}

// SequenceDataset - every (window, next draw) pair of a sorted history.
type SequenceDataset struct {
	seqLen int
	layout model.Layout
	pairs  []Pair
}

// NewSequenceDataset builds one pair for every index i in [seqLen, len(draws)).
// The draws must already be sorted by draw number.
func NewSequenceDataset(draws []Draw, seqLen int, layout model.Layout) (*SequenceDataset, error) {
	if seqLen < 1 {
		return nil, fmt.Errorf("dataset: seq_len must be at least 1, got %d", seqLen)
	}
	if len(draws) <= seqLen {
		return nil, fmt.Errorf("%w: %d draws, need more than %d", ErrInsufficientHistory, len(draws), seqLen)
	}
	for _, d := range draws {
		if err := d.Validate(); err != nil {
			return nil, err
		}
	}

	tokens := make([][]int, len(draws))
	for i, d := range draws {
		tokens[i] = d.Tokens(layout)
	}
	width := layout.Width()

	ds := &SequenceDataset{seqLen: seqLen, layout: layout, pairs: make([]Pair, 0, len(draws)-seqLen)}
	for i := seqLen; i < len(draws); i++ {
		window := make([]int, 0, seqLen*width)
		for j := i - seqLen; j < i; j++ {
			window = append(window, tokens[j]...)
		}
		ds.pairs = append(ds.pairs, Pair{
			Window: window,
			Target: draws[i].Targets(layout),
			DrawNo: draws[i].DrawNo,
		})
	}
	return ds, nil
}

func (ds *SequenceDataset) Len() int { return len(ds.pairs) }

func (ds *SequenceDataset) Pair(i int) Pair { return ds.pairs[i] }

func (ds *SequenceDataset) SeqLen() int { return ds.seqLen }

func (ds *SequenceDataset) Layout() model.Layout { return ds.layout }

// Split cuts the pairs chronologically: the first floor(len*ratio) pairs
// train, the rest validate.
func (ds *SequenceDataset) Split(ratio float64) (train, val *SequenceDataset, err error) {
	if ratio <= 0 || ratio >= 1 {
		return nil, nil, fmt.Errorf("dataset: train ratio %.3f outside (0,1)", ratio)
	}
	cut := int(float64(len(ds.pairs)) * ratio)
	train = &SequenceDataset{seqLen: ds.seqLen, layout: ds.layout, pairs: ds.pairs[:cut]}
	val = &SequenceDataset{seqLen: ds.seqLen, layout: ds.layout, pairs: ds.pairs[cut:]}
	return train, val, nil
}

// Batches groups the pairs; with a non-nil rng the order is shuffled first.
// The last batch may be short.
func (ds *SequenceDataset) Batches(size int, rng *rand.Rand) [][]Pair {
	if size < 1 {
		size = 1
	}
	order := make([]int, len(ds.pairs))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var out [][]Pair
	for start := 0; start < len(order); start += size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		batch := make([]Pair, 0, end-start)
		for _, idx := range order[start:end] {
			batch = append(batch, ds.pairs[idx])
		}
		out = append(out, batch)
	}
	return out
}

// LatestWindow flattens the last seqLen draws, the input for predicting the
// next, not yet drawn, result.
func LatestWindow(draws []Draw, seqLen int, layout model.Layout) ([]int, error) {
	if seqLen < 1 {
		return nil, fmt.Errorf("dataset: seq_len must be at least 1, got %d", seqLen)
	}
	if len(draws) < seqLen {
		return nil, fmt.Errorf("%w: %d draws, window needs %d", ErrInsufficientHistory, len(draws), seqLen)
	}
	window := make([]int, 0, seqLen*layout.Width())
	for _, d := range draws[len(draws)-seqLen:] {
		window = append(window, d.Tokens(layout)...)
	}
	return window, nil
}

// SetDataset - the main numbers of every draw, used as real samples for the
// discriminator.
type SetDataset struct {
	sets [][]int
}

func NewSetDataset(draws []Draw) (*SetDataset, error) {
	if len(draws) == 0 {
		return nil, fmt.Errorf("%w: no draws", ErrInsufficientHistory)
	}
	ds := &SetDataset{sets: make([][]int, len(draws))}
	for i, d := range draws {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		ds.sets[i] = append([]int(nil), d.Numbers...)
	}
	return ds, nil
}

func (ds *SetDataset) Len() int { return len(ds.sets) }

// Batches shuffles and groups the sets, dropping the last incomplete batch.
// A history shorter than size yields a single short batch so training can
// still run.
func (ds *SetDataset) Batches(size int, rng *rand.Rand) [][][]int {
	order := rng.Perm(len(ds.sets))
	if size < 1 {
		size = 1
	}
	if len(order) < size {
		size = len(order)
	}
	var out [][][]int
	for start := 0; start+size <= len(order); start += size {
		batch := make([][]int, size)
		for i, idx := range order[start : start+size] {
			batch[i] = ds.sets[idx]
		}
		out = append(out, batch)
	}
	return out
}
