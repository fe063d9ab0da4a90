package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/lumix-ai/lottoseq/internal/dataset"
	"github.com/lumix-ai/lottoseq/internal/sampler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "lottoseq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustDraw(t *testing.T, no int, nums []int, bonus int) dataset.Draw {
	t.Helper()
	d, err := dataset.NewDraw(no, "2024-01-06", nums, bonus)
	require.NoError(t, err)
	return d
}

func TestUpsertAndReadDraws(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.UpsertDraws(ctx, []dataset.Draw{
		mustDraw(t, 2, []int{9, 3, 12, 40, 22, 1}, 7),
		mustDraw(t, 1, []int{1, 2, 3, 4, 5, 6}, 45),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	draws, err := s.Draws(ctx)
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, 1, draws[0].DrawNo)
	assert.Equal(t, []int{1, 3, 9, 12, 22, 40}, draws[1].Numbers)
	assert.Equal(t, "2024-01-06", draws[1].Date)

	// Re-importing a draw replaces it.
	_, err = s.UpsertDraws(ctx, []dataset.Draw{mustDraw(t, 2, []int{10, 11, 12, 13, 14, 15}, 16)})
	require.NoError(t, err)
	count, err := s.CountDraws(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	draws, err = s.Draws(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, draws[1].Bonus)
}

func TestUpsertRejectsInvalidDrawAtomically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	bad := dataset.Draw{DrawNo: 3, Numbers: []int{1, 1, 2, 3, 4, 5}, Bonus: 9}
	_, err := s.UpsertDraws(ctx, []dataset.Draw{mustDraw(t, 1, []int{1, 2, 3, 4, 5, 6}, 7), bad})
	assert.ErrorIs(t, err, dataset.ErrInvalidDraw)

	count, err := s.CountDraws(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRecordAndLoadBatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := sampler.NewGeneratedSet([]int{5, 1, 9, 20, 33, 41}, 2)
	require.NoError(t, err)
	b, err := sampler.NewGeneratedSet([]int{6, 7, 8, 9, 10, 11}, 0)
	require.NoError(t, err)

	id := uuid.New()
	require.NoError(t, s.RecordBatch(ctx, Batch{ID: id, Variant: "transformer", Temperature: 1, TopK: 15, Sets: []sampler.GeneratedSet{a, b}}))
	require.NoError(t, s.RecordBatch(ctx, Batch{ID: uuid.New(), Variant: "random", Sets: []sampler.GeneratedSet{b}}))

	got, found, err := s.LoadBatch(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "transformer", got.Variant)
	assert.Equal(t, 15, got.TopK)
	assert.Equal(t, []sampler.GeneratedSet{a, b}, got.Sets)
	assert.False(t, got.CreatedAt.IsZero())

	_, found, err = s.LoadBatch(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, found)

	n, err := s.CountBatches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreFeedsSequenceDataset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	var draws []dataset.Draw
	for i := 1; i <= 8; i++ {
		draws = append(draws, mustDraw(t, i, []int{i, i + 1, i + 2, i + 3, i + 4, i + 5}, i+20))
	}
	_, err := s.UpsertDraws(ctx, draws)
	require.NoError(t, err)

	var src dataset.Source = s
	got, err := src.Draws(ctx)
	require.NoError(t, err)
	assert.Equal(t, draws, got)
}
