package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/shopvoice/mcp"
	"github.com/mohammad-safakhou/shopvoice/mcp/client"
)

const (
	CatalogTool = "rag_search_tool"
	WebTool     = "web_search_tool"
)

// ToolCaller is the tool server as seen by the Retriever.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (*client.ToolResult, error)
}

type RetrieverOptions struct {
	CatalogResults int
	WebResults     int
}

// Retriever executes a plan against the tool server. It never fabricates
// evidence: knowledge is either the raw payloads or a sentinel.
type Retriever struct {
	tools ToolCaller
	opts  RetrieverOptions
	log   *zap.Logger
}

func NewRetriever(tools ToolCaller, opts RetrieverOptions, log *zap.Logger) *Retriever {
	if opts.CatalogResults <= 0 {
		opts.CatalogResults = 5
	}
	if opts.WebResults <= 0 {
		opts.WebResults = 5
	}
	return &Retriever{tools: tools, opts: opts, log: log}
}

type toolCall struct {
	name string
	args map[string]any
}

type toolOutcome struct {
	name    string
	payload json.RawMessage
	failed  bool
}

func (r *Retriever) Retrieve(ctx context.Context, p Planned) (Retrieved, error) {
	out := Retrieved{Planned: p, RetrievedContext: []json.RawMessage{}}
	if !p.Plan.RetrievalNeeded {
		out.Knowledge = RetrievalNotApplicable
		return out, nil
	}

	calls := r.calls(p)
	outcomes := make([]toolOutcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range calls {
		g.Go(func() error {
			outcomes[i] = r.invoke(gctx, p.RunID, c)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Retrieved{}, fmt.Errorf("retriever: %w", err)
	}

	var blocks []string
	for _, o := range outcomes {
		out.RetrievedContext = append(out.RetrievedContext, o.payload)
		out.Evidence.Calls = append(out.Evidence.Calls, o.name)
		blocks = append(blocks, fmt.Sprintf("[%s]\n%s", o.name, o.payload))
		if o.failed {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s failed: %s", o.name, errorMessage(o.payload)))
			continue
		}
		switch o.name {
		case CatalogTool:
			collectCatalog(o.payload, &out.Evidence)
		case WebTool:
			if w := collectWeb(o.payload, &out.Evidence); w != "" {
				out.Warnings = append(out.Warnings, w)
			}
		}
	}

	if out.Evidence.Records == 0 {
		out.Knowledge = NoDataFound
	} else {
		out.Knowledge = retrievedKnowledgeTitle + "\n" + strings.Join(blocks, "\n\n")
	}
	return out, nil
}

// calls lists catalog first, then web, so retrieved context keeps that order.
func (r *Retriever) calls(p Planned) []toolCall {
	var calls []toolCall
	query := p.Plan.SearchQuery
	if query == "" {
		query = p.Input
	}
	if p.Plan.DataSource.IncludesPrivate() {
		n := r.opts.CatalogResults
		if p.Plan.NResults > 0 {
			n = p.Plan.NResults
		}
		args := map[string]any{"query": query, "n_results": n}
		if len(p.Plan.Constraints) > 0 {
			var m map[string]any
			raw, _ := json.Marshal(p.Plan.Constraints)
			_ = json.Unmarshal(raw, &m)
			args["constraints"] = m
		}
		calls = append(calls, toolCall{name: CatalogTool, args: args})
	}
	if p.Plan.DataSource.IncludesWeb() {
		mode := p.Plan.WebMode
		if mode == "" {
			mode = "shopping"
		}
		calls = append(calls, toolCall{name: WebTool, args: map[string]any{
			"query":       query,
			"max_results": r.opts.WebResults,
			"mode":        mode,
		}})
	}
	return calls
}

func (r *Retriever) invoke(ctx context.Context, runID string, c toolCall) toolOutcome {
	started := time.Now()
	res, err := r.tools.Call(ctx, c.name, c.args)
	log := r.log.With(zap.String("run_id", runID), zap.String("tool", c.name), zap.Duration("duration", time.Since(started)))
	if err != nil {
		log.Warn("tool call failed", zap.Error(err))
		return toolOutcome{name: c.name, payload: errorPayload(c.name, err), failed: true}
	}
	log.Debug("tool call")
	return toolOutcome{name: c.name, payload: res.Structured}
}

type toolError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func errorPayload(tool string, err error) json.RawMessage {
	te := toolError{Message: err.Error()}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		te = toolError{Code: rpcErr.Code, Message: rpcErr.Message}
	}
	raw, _ := json.Marshal(struct {
		Tool  string    `json:"tool"`
		Error toolError `json:"error"`
	}{tool, te})
	return raw
}

func errorMessage(payload json.RawMessage) string {
	var p struct {
		Error toolError `json:"error"`
	}
	_ = json.Unmarshal(payload, &p)
	return p.Error.Message
}

func collectCatalog(payload json.RawMessage, ev *Evidence) {
	var out struct {
		Products []struct {
			ID string `json:"doc_id"`
		} `json:"products"`
	}
	if json.Unmarshal(payload, &out) != nil {
		return
	}
	for _, p := range out.Products {
		if p.ID == "" {
			continue
		}
		ev.DocIDs = append(ev.DocIDs, p.ID)
		ev.Records++
	}
}

// collectWeb returns a warning when the tool reports it has no live backend.
func collectWeb(payload json.RawMessage, ev *Evidence) string {
	var out struct {
		Results []struct {
			URL string `json:"url"`
		} `json:"results"`
		Note      *string `json:"note"`
		Available *bool   `json:"available"`
	}
	if json.Unmarshal(payload, &out) != nil {
		return ""
	}
	for _, r := range out.Results {
		if r.URL == "" {
			continue
		}
		ev.URLs = append(ev.URLs, r.URL)
		ev.Records++
	}
	if out.Available != nil && !*out.Available {
		note := "web search is not configured"
		if out.Note != nil && *out.Note != "" {
			note = *out.Note
		}
		return WebTool + " unavailable: " + note
	}
	return ""
}
