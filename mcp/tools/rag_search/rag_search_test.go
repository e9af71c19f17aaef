package ragsearch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
	"github.com/mohammad-safakhou/shopvoice/internal/catalog/local"
	"github.com/mohammad-safakhou/shopvoice/mcp"
	"github.com/mohammad-safakhou/shopvoice/mcp/tools/embedding"
)

var products = []catalog.Product{
	{ID: "B001", Title: "Cuddly plush teddy bear", Brand: "Softies", Category: "Stuffed Animals", Price: 19.99, Rating: 4.6, Document: "Cuddly plush teddy bear stuffed animal"},
	{ID: "B002", Title: "Giant plush unicorn stuffed animal", Brand: "Softies", Category: "Stuffed Animals", Price: 45, Rating: 4.8, Document: "Giant plush unicorn stuffed animal"},
	{ID: "B003", Title: "Remote control racing car", Brand: "Speedy", Category: "Vehicles", Price: 29.5, Rating: 4.1, Document: "Remote control racing car toy"},
	{ID: "B004", Title: "Small plush stuffed animal puppy", Brand: "Pawpals", Category: "Stuffed Animals", Price: 9.99, Rating: 0, Document: "Small plush stuffed animal puppy"},
}

func buildCatalog(t *testing.T, emb embedding.Embedder) *local.Store {
	t.Helper()
	ctx := context.Background()
	s, err := local.Open(t.TempDir(), "products_toys", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	docs := make([]string, len(products))
	for i, p := range products {
		docs[i] = p.Document
	}
	vecs, err := emb.EmbedMany(ctx, docs)
	require.NoError(t, err)

	rb, err := s.BeginRebuild(ctx, catalog.Meta{Embedder: emb.Name(), Dimensions: len(vecs[0])})
	require.NoError(t, err)
	entries := make([]catalog.Entry, len(products))
	for i, p := range products {
		entries[i] = catalog.Entry{Product: p, Vector: vecs[i]}
	}
	require.NoError(t, rb.Add(ctx, entries))
	require.NoError(t, rb.Commit(ctx))
	return s
}

func call(t *testing.T, reg *mcp.Registry, args string) (Output, error) {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(args), &m))
	res, err := reg.Call(context.Background(), ToolName, m)
	if err != nil {
		return Output{}, err
	}
	return res.(Output), nil
}

func TestSearchAppliesPriceConstraint(t *testing.T) {
	emb := embedding.Hashing{Dims: 512}
	reg := mcp.NewRegistry().MustRegister(NewTool(buildCatalog(t, emb), emb, 5, nil))

	out, err := call(t, reg, `{"query":"plush stuffed animal","constraints":{"price":{"$lt":30}}}`)
	require.NoError(t, err)
	require.NotEmpty(t, out.Products)
	for _, p := range out.Products {
		assert.Less(t, p.Price, 30.0, p.ID)
		assert.Empty(t, p.Document)
	}
	assert.NotContains(t, ids(out.Products), "B002")

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"constraints_applied":{"price":{"$lt":30}}`)
	assert.Contains(t, string(raw), `"doc_id":"`)
}

func TestSearchOrdersBySimilarityAndCaps(t *testing.T) {
	emb := embedding.Hashing{Dims: 512}
	reg := mcp.NewRegistry().MustRegister(NewTool(buildCatalog(t, emb), emb, 5, nil))

	out, err := call(t, reg, `{"query":"remote control racing car","n_results":2}`)
	require.NoError(t, err)
	require.Len(t, out.Products, 2)
	assert.Equal(t, "B003", out.Products[0].ID)
	assert.GreaterOrEqual(t, out.Products[0].Score, out.Products[1].Score)
}

func TestSearchEmptyResultIsNotAnError(t *testing.T) {
	emb := embedding.Hashing{Dims: 512}
	reg := mcp.NewRegistry().MustRegister(NewTool(buildCatalog(t, emb), emb, 5, nil))

	out, err := call(t, reg, `{"query":"plush","constraints":{"price":{"op":"<","value":1}}}`)
	require.NoError(t, err)
	assert.NotNil(t, out.Products)
	assert.Empty(t, out.Products)
}

func TestSearchRejectsUnsupportedConstraints(t *testing.T) {
	emb := embedding.Hashing{Dims: 512}
	reg := mcp.NewRegistry().MustRegister(NewTool(buildCatalog(t, emb), emb, 5, nil))

	_, err := call(t, reg, `{"query":"plush","constraints":{"brand":{"op":"=","value":"Softies"}}}`)
	require.ErrorIs(t, err, mcp.ErrInvalidArguments)

	_, err = call(t, reg, `{"query":"plush","constraints":{"price":{"op":"~","value":3}}}`)
	require.ErrorIs(t, err, mcp.ErrInvalidArguments)

	_, err = call(t, reg, `{"query":""}`)
	require.ErrorIs(t, err, mcp.ErrInvalidArguments)
}

func TestSearchRefusesDifferentEmbedder(t *testing.T) {
	s := buildCatalog(t, embedding.Hashing{Dims: 512})
	tool := NewTool(s, embedding.Hashing{Dims: 256}, 5, nil)
	_, err := tool.Execute(context.Background(), map[string]any{"query": "plush"})
	require.ErrorIs(t, err, ErrEmbedderMismatch)
}

func TestSearchBeforeIndexBuilt(t *testing.T) {
	s, err := local.Open(t.TempDir(), "products_toys", nil)
	require.NoError(t, err)
	tool := NewTool(s, embedding.Hashing{}, 5, nil)
	_, err = tool.Execute(context.Background(), map[string]any{"query": "plush"})
	require.ErrorIs(t, err, catalog.ErrNoCollection)
}

func ids(ps []catalog.Product) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}
