// Package ragsearch exposes the private product catalog as rag_search_tool.
package ragsearch

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
	"github.com/mohammad-safakhou/shopvoice/mcp"
	"github.com/mohammad-safakhou/shopvoice/mcp/tools/embedding"
)

const ToolName = "rag_search_tool"

var (
	//go:embed schema/input.json
	inputSchema []byte
	//go:embed schema/output.json
	outputSchema []byte
)

// ErrEmbedderMismatch means the index was built by a different embedder
// than the one answering queries.
var ErrEmbedderMismatch = errors.New("catalog was built with a different embedder")

// Output is the structured result of rag_search_tool.
type Output struct {
	Products    []catalog.Product   `json:"products"`
	Constraints catalog.Constraints `json:"constraints_applied,omitempty"`
}

// Tool searches a catalog.Index with query embeddings.
type Tool struct {
	index    catalog.Index
	embedder embedding.Embedder
	defaultN int
	log      *zap.Logger
}

func NewTool(index catalog.Index, embedder embedding.Embedder, defaultN int, log *zap.Logger) *Tool {
	if defaultN <= 0 {
		defaultN = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Tool{index: index, embedder: embedder, defaultN: defaultN, log: log}
}

func (t *Tool) Descriptor() mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name: ToolName,
		Description: "Query the private product catalog by semantic similarity. " +
			"Returns matching items with `doc_id`, `title`, `price`, `rating` and, when available, `brand`, `category` and `ingredients`. " +
			"Optional `constraints` filter on price and rating. Use this tool when the request should be answered from the internal catalog rather than the public web.",
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
		Available:    true,
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query := mcp.Str(args["query"])
	if query == "" {
		return nil, errors.New("query is required")
	}
	n := mcp.IntOr(args["n_results"], t.defaultN, 1, 50)

	var constraints catalog.Constraints
	if raw, ok := args["constraints"].(map[string]any); ok && len(raw) > 0 {
		cs, err := catalog.FromMap(raw)
		if err != nil {
			return nil, err
		}
		constraints = cs
	}

	meta, err := t.index.Meta(ctx)
	if err != nil {
		return nil, err
	}
	if meta.Embedder != "" && meta.Embedder != t.embedder.Name() {
		return nil, fmt.Errorf("%w: index %q, query %q", ErrEmbedderMismatch, meta.Embedder, t.embedder.Name())
	}

	vecs, err := t.embedder.EmbedMany(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	products, err := t.index.Search(ctx, vecs[0], n, constraints)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Product, 0, len(products))
	for _, p := range products {
		p.Document = ""
		out = append(out, p)
	}
	t.log.Debug("catalog search",
		zap.String("query", query),
		zap.Int("n", n),
		zap.Stringer("constraints", constraintList(constraints)),
		zap.Int("results", len(out)))
	return Output{Products: out, Constraints: constraints}, nil
}

type constraintList catalog.Constraints

func (c constraintList) String() string {
	s := ""
	for i, x := range c {
		if i > 0 {
			s += ", "
		}
		s += x.String()
	}
	return s
}
