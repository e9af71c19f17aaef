package websearch

import (
	"context"
	_ "embed"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/mcp"
)

const ToolName = "web_search_tool"

// NoteMissingKey is returned in place of results when no API key is configured.
const NoteMissingKey = "SERPER_API_KEY not set."

var (
	//go:embed schema/input.json
	inputSchema []byte
	//go:embed schema/output.json
	outputSchema []byte
)

// Output is the structured result of web_search_tool.
type Output struct {
	Results   []Result `json:"results"`
	Note      *string  `json:"note"`
	Available bool     `json:"available"`
	QueryUsed string   `json:"query_used,omitempty"`
	Mode      Mode     `json:"mode,omitempty"`
}

// Tool exposes Serper search through the tool protocol.
type Tool struct {
	client *Serper
	log    *zap.Logger
}

func NewTool(client *Serper, log *zap.Logger) *Tool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tool{client: client, log: log}
}

func (t *Tool) Descriptor() mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name: ToolName,
		Description: "Perform a web search through an external search API to retrieve up-to-date information about products or general topics. " +
			"Returns results with `title`, `url`, `snippet`, and, when available, `price`, `availability`, `rating` and `rating_count`. " +
			"Use this tool when the request needs live data or information not covered by the private catalog.",
		InputSchema:  json.RawMessage(inputSchema),
		OutputSchema: json.RawMessage(outputSchema),
		Available:    t.client.Configured(),
	}
}

func (t *Tool) Execute(ctx context.Context, args map[string]any) (any, error) {
	raw := mcp.Str(args["query"])
	maxResults := mcp.IntOr(args["max_results"], 5, 1, 10)
	mode, err := ParseMode(mcp.Str(args["mode"]))
	if err != nil {
		return nil, err
	}
	query := NormalizeQuery(raw)

	if !t.client.Configured() {
		note := NoteMissingKey
		return Output{Results: []Result{}, Note: &note, Available: false, QueryUsed: query, Mode: mode}, nil
	}

	results, err := t.client.Search(ctx, mode, query, maxResults)
	if err != nil {
		return nil, err
	}
	if mode == ModeShopping {
		results = FilterShopping(results)
		SortByQuality(results)
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}
	if results == nil {
		results = []Result{}
	}
	t.log.Debug("web search",
		zap.String("mode", string(mode)),
		zap.String("query", query),
		zap.Int("results", len(results)))
	return Output{Results: results, Available: true, QueryUsed: query, Mode: mode}, nil
}
