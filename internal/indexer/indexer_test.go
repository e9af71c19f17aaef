package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
	"github.com/mohammad-safakhou/shopvoice/internal/catalog/local"
	"github.com/mohammad-safakhou/shopvoice/mcp/tools/embedding"
)

const productsCSV = `ID,Title,Brand,Category,Price,Rating,Ingredients
B001,Plush Teddy Bear,Cuddly,Stuffed Animals,19.99,4.6,cotton
B002,Remote Control Race Car,Speedy,Vehicles,N/A,4.1,plastic
B003,Wooden Puzzle,Thinky,Puzzles,$12.50,,birch wood
,Nameless Toy,Nobody,Misc,5,1,
B001,Plush Teddy Bear XL,Cuddly,Stuffed Animals,24.99,4.7,cotton
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func openStore(t *testing.T) *local.Store {
	t.Helper()
	s, err := local.Open(t.TempDir(), "products_toys", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func search(t *testing.T, s *local.Store, emb embedding.Embedder, q string, n int) []catalog.Product {
	t.Helper()
	vecs, err := emb.EmbedMany(context.Background(), []string{q})
	require.NoError(t, err)
	got, err := s.Search(context.Background(), vecs[0], n, nil)
	require.NoError(t, err)
	return got
}

func ids(ps []catalog.Product) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestBuildFromCSVAppliesRowRules(t *testing.T) {
	store := openStore(t)
	emb := embedding.Hashing{Dims: 128}
	rep, err := New(store, emb, 2, nil).Build(context.Background(), writeFile(t, "products.csv", productsCSV))
	require.NoError(t, err)

	assert.Equal(t, 5, rep.RowsRead)
	assert.Equal(t, 2, rep.Indexed)
	assert.Equal(t, map[string]int{DropInvalidPrice: 1, DropMissingID: 1, DropDuplicateID: 1}, rep.Dropped)
	assert.Equal(t, 1, rep.Batches)
	assert.Equal(t, 128, rep.Dimensions)

	got := search(t, store, emb, "plush teddy bear", 10)
	require.Equal(t, []string{"B001", "B003"}, ids(got))
	assert.Equal(t, "Plush Teddy Bear XL", got[0].Title)
	assert.Equal(t, 24.99, got[0].Price)
	assert.Equal(t, 12.5, got[1].Price)
	assert.Equal(t, 0.0, got[1].Rating)

	meta, err := store.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, catalog.Meta{Embedder: "hash-128", Dimensions: 128}, meta)
}

func TestFeaturesText(t *testing.T) {
	p, reason := productFromRecord(Record{"id": "B9", "title": "Bear", "brand": "Cuddly", "price": "3", "rating": "4.50", "about": "soft  and\nsmall"})
	require.Empty(t, reason)
	assert.Equal(t, "Bear Cuddly 4.5 soft and small", p.Document)

	p, _ = productFromRecord(Record{"id": "B9", "title": "Bear", "price": "3"})
	assert.Equal(t, "Bear", p.Document)

	p, _ = productFromRecord(Record{"id": "B9", "title": "Bear", "price": "3", "features": "prebuilt text"})
	assert.Equal(t, "prebuilt text", p.Document)

	_, reason = productFromRecord(Record{"id": "B9", "price": "-1"})
	assert.Equal(t, DropInvalidPrice, reason)
}

func TestRebuildIsIdempotent(t *testing.T) {
	store := openStore(t)
	emb := embedding.Hashing{Dims: 64}
	path := writeFile(t, "products.csv", productsCSV)
	ix := New(store, emb, 1, nil)

	_, err := ix.Build(context.Background(), path)
	require.NoError(t, err)
	first := ids(search(t, store, emb, "wooden puzzle", 2))

	rep, err := ix.Build(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, first, ids(search(t, store, emb, "wooden puzzle", 2)))
}

type failingEmbedder struct {
	embedding.Hashing
	calls int
}

func (f *failingEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls > 1 {
		return nil, errors.New("embedding service down")
	}
	return f.Hashing.EmbedMany(ctx, texts)
}

func TestFailedBuildKeepsPreviousCollection(t *testing.T) {
	store := openStore(t)
	emb := embedding.Hashing{Dims: 64}
	_, err := New(store, emb, 256, nil).Build(context.Background(), writeFile(t, "v1.csv", "id,title,price\nOLD1,Old bear,10\n"))
	require.NoError(t, err)

	broken := &failingEmbedder{Hashing: emb}
	_, err = New(store, broken, 1, nil).Build(context.Background(), writeFile(t, "products.csv", productsCSV))
	require.ErrorContains(t, err, "embedding service down")

	assert.Equal(t, []string{"OLD1"}, ids(search(t, store, emb, "bear", 5)))
}

func TestBuildFromJSONL(t *testing.T) {
	store := openStore(t)
	emb := embedding.Hashing{Dims: 64}
	body := `{"id": 17, "title": "Stacking Rings", "price": 9.5, "rating": null}
{"id": "18", "title": "Kite", "price": "nan"}
`
	rep, err := New(store, emb, 0, nil).Build(context.Background(), writeFile(t, "products.jsonl", body))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Indexed)
	assert.Equal(t, 1, rep.Dropped[DropInvalidPrice])
	assert.Equal(t, []string{"17"}, ids(search(t, store, emb, "rings", 5)))
}

type parquetRow struct {
	ID       string   `parquet:"id"`
	Title    string   `parquet:"title"`
	Category string   `parquet:"category"`
	Price    *float64 `parquet:"price,optional"`
	Rating   *float64 `parquet:"rating,optional"`
}

func TestBuildFromParquet(t *testing.T) {
	price := func(f float64) *float64 { return &f }
	path := filepath.Join(t.TempDir(), "products.parquet")
	require.NoError(t, parquet.WriteFile(path, []parquetRow{
		{ID: "P1", Title: "Teddy Bear", Category: "Stuffed Animals", Price: price(15), Rating: price(4.8)},
		{ID: "P2", Title: "Toy Drum", Category: "Music", Price: nil, Rating: price(3.9)},
		{ID: "P3", Title: "Bear Puppet", Category: "Puppets", Price: price(22.5)},
	}))

	store := openStore(t)
	emb := embedding.Hashing{Dims: 64}
	rep, err := New(store, emb, 0, nil).Build(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.RowsRead)
	assert.Equal(t, 2, rep.Indexed)
	assert.Equal(t, 1, rep.Dropped[DropInvalidPrice])

	got := search(t, store, emb, "teddy bear", 5)
	assert.ElementsMatch(t, []string{"P1", "P3"}, ids(got))
	for _, p := range got {
		if p.ID == "P3" {
			assert.Equal(t, 0.0, p.Rating)
			assert.Equal(t, 22.5, p.Price)
		}
	}
}

func TestUnsupportedFormat(t *testing.T) {
	_, err := New(openStore(t), embedding.Hashing{}, 0, nil).Build(context.Background(), writeFile(t, "products.xlsx", "x"))
	require.Error(t, err)
}
