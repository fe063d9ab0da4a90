// internal/dataset/draw.go
package dataset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/lumix-ai/lottoseq/internal/model"
)

var (
	// ErrInvalidDraw - a draw record breaks the 6 distinct numbers in 1..45
	// plus a disjoint bonus rule.
	ErrInvalidDraw = errors.New("dataset: invalid draw")
	// ErrInsufficientHistory - not enough draws to build a single window and
	// its target.
	ErrInsufficientHistory = errors.New("dataset: insufficient history")
)

// Draw - one historical result. Numbers are kept ascending.
type Draw struct {
	DrawNo  int    `json:"draw_no"`
	Date    string `json:"date,omitempty"`
	Numbers []int  `json:"numbers"`
	Bonus   int    `json:"bonus"`
}

// NewDraw validates the record and sorts a copy of numbers.
func NewDraw(drawNo int, date string, numbers []int, bonus int) (Draw, error) {
	d := Draw{DrawNo: drawNo, Date: date, Numbers: append([]int(nil), numbers...), Bonus: bonus}
	sort.Ints(d.Numbers)
	return d, d.Validate()
}

func (d Draw) Validate() error {
	if len(d.Numbers) != model.MainNumbers {
		return fmt.Errorf("%w: draw %d has %d numbers, want %d", ErrInvalidDraw, d.DrawNo, len(d.Numbers), model.MainNumbers)
	}
	seen := make(map[int]bool, model.MainNumbers)
	for _, n := range d.Numbers {
		if n < 1 || n > model.NumBalls {
			return fmt.Errorf("%w: draw %d number %d outside [1,%d]", ErrInvalidDraw, d.DrawNo, n, model.NumBalls)
		}
		if seen[n] {
			return fmt.Errorf("%w: draw %d repeats %d", ErrInvalidDraw, d.DrawNo, n)
		}
		seen[n] = true
	}
	if d.Bonus < 1 || d.Bonus > model.NumBalls {
		return fmt.Errorf("%w: draw %d bonus %d outside [1,%d]", ErrInvalidDraw, d.DrawNo, d.Bonus, model.NumBalls)
	}
	if seen[d.Bonus] {
		return fmt.Errorf("%w: draw %d bonus %d is also a main number", ErrInvalidDraw, d.DrawNo, d.Bonus)
	}
	return nil
}

// Tokens flattens the draw for the given layout.
func (d Draw) Tokens(layout model.Layout) []int {
	switch layout {
	case model.LayoutBonus:
		return []int{d.Bonus}
	case model.LayoutFull:
		return append(append(make([]int, 0, model.MainNumbers+1), d.Numbers...), d.Bonus)
	default:
		return append([]int(nil), d.Numbers...)
	}
}

// Targets - zero-based class indices the model should predict for this draw.
func (d Draw) Targets(layout model.Layout) []int {
	if layout == model.LayoutBonus {
		return []int{d.Bonus - 1}
	}
	out := make([]int, len(d.Numbers))
	for i, n := range d.Numbers {
		out[i] = n - 1
	}
	return out
}
