package dataset

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/lumix-ai/lottoseq/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthetic(t *testing.T, n int) []Draw {
	t.Helper()
	rng := rand.New(rand.NewSource(int64(n)))
	draws := make([]Draw, n)
	for i := range draws {
		perm := rng.Perm(model.NumBalls)
		nums := make([]int, 6)
		for j := range nums {
			nums[j] = perm[j] + 1
		}
		d, err := NewDraw(i+1, "", nums, perm[6]+1)
		require.NoError(t, err)
		draws[i] = d
	}
	return draws
}

func TestDrawValidate(t *testing.T) {
	_, err := NewDraw(1, "", []int{6, 5, 4, 3, 2, 1}, 7)
	require.NoError(t, err)

	for name, tc := range map[string]struct {
		nums  []int
		bonus int
	}{
		"five numbers":   {[]int{1, 2, 3, 4, 5}, 7},
		"out of range":   {[]int{1, 2, 3, 4, 5, 46}, 7},
		"zero":           {[]int{0, 2, 3, 4, 5, 6}, 7},
		"repeat":         {[]int{1, 2, 3, 4, 5, 5}, 7},
		"bonus repeats":  {[]int{1, 2, 3, 4, 5, 6}, 6},
		"bonus missing":  {[]int{1, 2, 3, 4, 5, 6}, 0},
	} {
		_, err := NewDraw(1, "", tc.nums, tc.bonus)
		assert.ErrorIs(t, err, ErrInvalidDraw, name)
	}
}

func TestDrawSortsNumbers(t *testing.T) {
	d, err := NewDraw(3, "", []int{40, 2, 17, 9, 33, 1}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 9, 17, 33, 40}, d.Numbers)
	assert.Equal(t, []int{1, 2, 9, 17, 33, 40, 5}, d.Tokens(model.LayoutFull))
	assert.Equal(t, []int{5}, d.Tokens(model.LayoutBonus))
	assert.Equal(t, []int{0, 1, 8, 16, 32, 39}, d.Targets(model.LayoutMain))
	assert.Equal(t, []int{4}, d.Targets(model.LayoutBonus))
}

func TestParseHistoryShapes(t *testing.T) {
	draws, err := ParseHistory([]byte(`{"draws":[
		{"draw_no":2,"numbers":[7,8,9,10,11,12],"bonus":13},
		{"draw_no":1,"numbers":[1,2,3,4,5,6],"bonus":7}
	]}`))
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, 1, draws[0].DrawNo)
	assert.Equal(t, 2, draws[1].DrawNo)

	draws, err = ParseHistory([]byte(`{"data":[
		{"round":1,"date":"2002-12-07","numbers":[10,23,29,33,37,40],"bonus":16}
	]}`))
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, "2002-12-07", draws[0].Date)
	assert.Equal(t, 16, draws[0].Bonus)
}

func TestParseHistoryRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"rows":[]}`,
		`{"draws":[{"numbers":[1,2,3,4,5,6],"bonus":7}]}`,
		`{"draws":[{"draw_no":1,"numbers":[1,2,3,4,5,6.5],"bonus":7}]}`,
		`{"draws":[{"draw_no":1,"numbers":[1,2,3,4,5,6],"bonus":"7"}]}`,
		`{"draws":[{"draw_no":1,"numbers":[1,1,3,4,5,6],"bonus":7}]}`,
	} {
		_, err := ParseHistory([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidDraw, raw)
	}
}

func TestDuplicateDrawNumbersKeepFileOrder(t *testing.T) {
	draws, err := ParseHistory([]byte(`{"draws":[
		{"draw_no":5,"numbers":[1,2,3,4,5,6],"bonus":7},
		{"draw_no":4,"numbers":[11,12,13,14,15,16],"bonus":17},
		{"draw_no":5,"numbers":[21,22,23,24,25,26],"bonus":27}
	]}`))
	require.NoError(t, err)
	require.Len(t, draws, 3)
	assert.Equal(t, 4, draws[0].DrawNo)
	assert.Equal(t, 1, draws[1].Numbers[0])
	assert.Equal(t, 21, draws[2].Numbers[0])
}

func TestFileSource(t *testing.T) {
	draws := synthetic(t, 5)
	raw, err := json.Marshal(map[string]interface{}{"draws": draws})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "draws.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	got, err := FileSource{Path: path}.Draws(context.Background())
	require.NoError(t, err)
	assert.Equal(t, draws, got)

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}.Draws(context.Background())
	assert.Error(t, err)
}

func TestSequenceDatasetPairs(t *testing.T) {
	draws := synthetic(t, 45)
	for _, layout := range []model.Layout{model.LayoutMain, model.LayoutFull, model.LayoutBonus} {
		ds, err := NewSequenceDataset(draws, 20, layout)
		require.NoError(t, err)
		require.Equal(t, 25, ds.Len())

		for i := 0; i < ds.Len(); i++ {
			p := ds.Pair(i)
			target := i + 20
			assert.Equal(t, draws[target].DrawNo, p.DrawNo)
			assert.Equal(t, draws[target].Targets(layout), p.Target)

			var want []int
			for j := target - 20; j < target; j++ {
				want = append(want, draws[j].Tokens(layout)...)
			}
			assert.Equal(t, want, p.Window)
		}
	}
}

func TestInsufficientHistory(t *testing.T) {
	_, err := NewSequenceDataset(synthetic(t, 10), 20, model.LayoutMain)
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = NewSequenceDataset(synthetic(t, 20), 20, model.LayoutMain)
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = LatestWindow(synthetic(t, 3), 20, model.LayoutMain)
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	_, err = NewSetDataset(nil)
	assert.ErrorIs(t, err, ErrInsufficientHistory)
}

func TestSplitIsChronological(t *testing.T) {
	ds, err := NewSequenceDataset(synthetic(t, 45), 20, model.LayoutMain)
	require.NoError(t, err)

	train, val, err := ds.Split(0.8)
	require.NoError(t, err)
	assert.Equal(t, 20, train.Len())
	assert.Equal(t, 5, val.Len())
	assert.Less(t, train.Pair(train.Len()-1).DrawNo, val.Pair(0).DrawNo)

	_, _, err = ds.Split(1)
	assert.Error(t, err)
}

func TestBatches(t *testing.T) {
	ds, err := NewSequenceDataset(synthetic(t, 30), 5, model.LayoutMain)
	require.NoError(t, err)

	batches := ds.Batches(10, rand.New(rand.NewSource(1)))
	require.Len(t, batches, 3)
	assert.Len(t, batches[2], 5)

	seen := map[int]bool{}
	for _, b := range batches {
		for _, p := range b {
			seen[p.DrawNo] = true
		}
	}
	assert.Len(t, seen, 25)

	ordered := ds.Batches(10, nil)
	assert.Equal(t, ds.Pair(0).DrawNo, ordered[0][0].DrawNo)
}

func TestLatestWindow(t *testing.T) {
	draws := synthetic(t, 25)
	w, err := LatestWindow(draws, 20, model.LayoutFull)
	require.NoError(t, err)
	require.Len(t, w, 140)
	assert.Equal(t, draws[5].Tokens(model.LayoutFull), w[:7])
	assert.Equal(t, draws[24].Tokens(model.LayoutFull), w[133:])
}

func TestSetDatasetDropsLastBatch(t *testing.T) {
	ds, err := NewSetDataset(synthetic(t, 130))
	require.NoError(t, err)
	batches := ds.Batches(64, rand.New(rand.NewSource(2)))
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Len(t, b, 64)
	}

	small, err := NewSetDataset(synthetic(t, 10))
	require.NoError(t, err)
	assert.Len(t, small.Batches(64, rand.New(rand.NewSource(2))), 1)
}
