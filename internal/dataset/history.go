// internal/dataset/history.go
package dataset

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// Source supplies the draw history, sorted by draw number.
type Source interface {
	Draws(ctx context.Context) ([]Draw, error)
}

// FileSource reads a JSON history file on every call.
type FileSource struct {
	Path string
}

func (s FileSource) Draws(ctx context.Context) ([]Draw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return LoadHistory(s.Path)
}

func LoadHistory(path string) ([]Draw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: read history: %w", err)
	}
	draws, err := ParseHistory(data)
	if err != nil {
		return nil, fmt.Errorf("dataset: %s: %w", path, err)
	}
	log.Debug().Str("path", path).Int("draws", len(draws)).Msg("History loaded")
	return draws, nil
}

// ParseHistory accepts either {"draws":[{"draw_no","numbers","bonus"}]} or
// {"data":[{"round","date","numbers","bonus"}]}. Every draw is validated and
// the result is sorted by draw number.
func ParseHistory(data []byte) ([]Draw, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: history is not valid JSON", ErrInvalidDraw)
	}
	doc := gjson.ParseBytes(data)

	list := doc.Get("draws")
	if !list.Exists() {
		list = doc.Get("data")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: history needs a \"draws\" or \"data\" array", ErrInvalidDraw)
	}

	var (
		draws []Draw
		err   error
	)
	list.ForEach(func(_, item gjson.Result) bool {
		var d Draw
		d, err = parseDraw(item, len(draws))
		if err != nil {
			return false
		}
		draws = append(draws, d)
		return true
	})
	if err != nil {
		return nil, err
	}

	SortDraws(draws)
	return draws, nil
}

func parseDraw(item gjson.Result, idx int) (Draw, error) {
	noField := item.Get("draw_no")
	if !noField.Exists() {
		noField = item.Get("round")
	}
	drawNo, ok := asInt(noField)
	if !ok {
		return Draw{}, fmt.Errorf("%w: entry %d has no integer draw_no/round", ErrInvalidDraw, idx)
	}

	numsField := item.Get("numbers")
	if !numsField.IsArray() {
		return Draw{}, fmt.Errorf("%w: draw %d has no numbers array", ErrInvalidDraw, drawNo)
	}
	var nums []int
	for _, v := range numsField.Array() {
		n, ok := asInt(v)
		if !ok {
			return Draw{}, fmt.Errorf("%w: draw %d has non-integer number %s", ErrInvalidDraw, drawNo, v.Raw)
		}
		nums = append(nums, n)
	}

	bonus, ok := asInt(item.Get("bonus"))
	if !ok {
		return Draw{}, fmt.Errorf("%w: draw %d has no integer bonus", ErrInvalidDraw, drawNo)
	}
	return NewDraw(drawNo, item.Get("date").String(), nums, bonus)
}

func asInt(r gjson.Result) (int, bool) {
	if r.Type != gjson.Number || r.Num != math.Trunc(r.Num) {
		return 0, false
	}
	return int(r.Num), true
}

// SortDraws orders draws by draw number. Equal numbers keep their input
// order; they are reported but not removed.
func SortDraws(draws []Draw) {
	sort.SliceStable(draws, func(i, j int) bool { return draws[i].DrawNo < draws[j].DrawNo })
	for i := 1; i < len(draws); i++ {
		if draws[i].DrawNo == draws[i-1].DrawNo {
			log.Warn().Int("draw_no", draws[i].DrawNo).Msg("Duplicate draw number in history")
		}
	}
}
