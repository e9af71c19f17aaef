package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
)

func entries() []catalog.Entry {
	return []catalog.Entry{
		{Product: catalog.Product{ID: "p1", Title: "Plush bear", Price: 19.99, Rating: 4.5}, Vector: []float32{1, 0, 0}},
		{Product: catalog.Product{ID: "p2", Title: "Plush dragon", Price: 30, Rating: 4.9}, Vector: []float32{0.9, 0.1, 0}},
		{Product: catalog.Product{ID: "p3", Title: "Robot kit", Price: 45, Rating: 0}, Vector: []float32{0, 0, 1}},
		{Product: catalog.Product{ID: "p0", Title: "Plush bunny", Price: 12, Rating: 3.1}, Vector: []float32{1, 0, 0}},
	}
}

func build(t *testing.T, s *Store, es []catalog.Entry) {
	t.Helper()
	ctx := context.Background()
	rb, err := s.BeginRebuild(ctx, catalog.Meta{Embedder: "test", Dimensions: 3})
	require.NoError(t, err)
	half := len(es) / 2
	require.NoError(t, rb.Add(ctx, es[:half]))
	require.NoError(t, rb.Add(ctx, es[half:]))
	require.NoError(t, rb.Commit(ctx))
}

func TestSearchBeforeBuild(t *testing.T) {
	s, err := Open(t.TempDir(), "products", nil)
	require.NoError(t, err)
	_, err = s.Search(context.Background(), []float32{1, 0, 0}, 3, nil)
	assert.True(t, errors.Is(err, catalog.ErrNoCollection))
}

func TestSearchRanksAndFilters(t *testing.T) {
	s, err := Open(t.TempDir(), "products", nil)
	require.NoError(t, err)
	defer s.Close()
	build(t, s, entries())

	got, err := s.Search(context.Background(), []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 4)
	// p0 and p1 tie on score, id breaks the tie
	assert.Equal(t, []string{"p0", "p1", "p2", "p3"}, ids(got))
	assert.Equal(t, "Plush bear", got[1].Title)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	under30 := catalog.Constraints{{Field: catalog.FieldPrice, Op: catalog.OpLT, Value: 30}}
	got, err = s.Search(context.Background(), []float32{1, 0, 0}, 10, under30)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1"}, ids(got))
	for _, p := range got {
		assert.Less(t, p.Price, 30.0)
	}

	rated := catalog.Constraints{{Field: catalog.FieldRating, Op: catalog.OpGTE, Value: 4.5}}
	got, err = s.Search(context.Background(), []float32{0, 1, 0}, 1, rated)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p2", got[0].ID)

	none := catalog.Constraints{{Field: catalog.FieldPrice, Op: catalog.OpEQ, Value: 1}}
	got, err = s.Search(context.Background(), []float32{1, 0, 0}, 5, none)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRebuildIsIdempotentAndReplacesCollection(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "products", nil)
	require.NoError(t, err)
	defer s.Close()

	build(t, s, entries())
	first, err := s.Search(context.Background(), []float32{0.5, 0.5, 0}, 3, nil)
	require.NoError(t, err)

	build(t, s, entries())
	second, err := s.Search(context.Background(), []float32{0.5, 0.5, 0}, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(second))

	build(t, s, entries()[2:3])
	third, err := s.Search(context.Background(), []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p3"}, ids(third))
}

func TestUncommittedRebuildIsInvisible(t *testing.T) {
	s, err := Open(t.TempDir(), "products", nil)
	require.NoError(t, err)
	defer s.Close()
	build(t, s, entries())

	ctx := context.Background()
	rb, err := s.BeginRebuild(ctx, catalog.Meta{Embedder: "test", Dimensions: 3})
	require.NoError(t, err)
	require.NoError(t, rb.Add(ctx, entries()[:1]))

	got, err := s.Search(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	require.NoError(t, rb.Abort(ctx))
	got, err = s.Search(ctx, []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestDimensionMismatch(t *testing.T) {
	s, err := Open(t.TempDir(), "products", nil)
	require.NoError(t, err)
	defer s.Close()
	build(t, s, entries())

	_, err = s.Search(context.Background(), []float32{1, 0}, 3, nil)
	assert.True(t, errors.Is(err, catalog.ErrDimensionMismatch))
}

// searchWithin fails the test instead of hanging when a search blocks.
func searchWithin(t *testing.T, s *Store, d time.Duration) []catalog.Product {
	t.Helper()
	type result struct {
		got []catalog.Product
		err error
	}
	done := make(chan result, 1)
	go func() {
		got, err := s.Search(context.Background(), []float32{1, 0, 0}, 10, nil)
		done <- result{got, err}
	}()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		return r.got
	case <-time.After(d):
		t.Fatalf("search blocked for more than %s", d)
		return nil
	}
}

func TestStoresShareLiveGeneration(t *testing.T) {
	dir := t.TempDir()
	builder, err := Open(dir, "products", nil)
	require.NoError(t, err)
	defer builder.Close()
	build(t, builder, entries())

	first, err := Open(dir, "products", nil)
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(dir, "products", nil)
	require.NoError(t, err)
	defer second.Close()

	assert.Len(t, searchWithin(t, builder, 5*time.Second), 4)
	assert.Len(t, searchWithin(t, first, 5*time.Second), 4)
	assert.Len(t, searchWithin(t, second, 5*time.Second), 4)

	// a rebuild while readers hold the old generation is picked up by all of them
	build(t, builder, entries()[2:3])
	assert.Equal(t, []string{"p3"}, ids(searchWithin(t, first, 5*time.Second)))
	assert.Equal(t, []string{"p3"}, ids(searchWithin(t, second, 5*time.Second)))
}

func ids(ps []catalog.Product) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
