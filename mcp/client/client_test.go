package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/mcp"
)

type stubTool struct {
	name   string
	output any
	err    error
	delay  time.Duration
}

func (s stubTool) Descriptor() mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name:         s.name,
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
		OutputSchema: json.RawMessage(`{"type":"object","required":["items"]}`),
		Available:    true,
	}
}

func (s stubTool) Execute(ctx context.Context, _ map[string]any) (any, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.output, s.err
}

func serve(t *testing.T, tools ...mcp.Tool) *httptest.Server {
	t.Helper()
	reg := mcp.NewRegistry().MustRegister(tools...)
	ts := httptest.NewServer(mcp.NewServer(reg, mcp.Options{Name: "stub"}, zap.NewNop()).Echo())
	t.Cleanup(ts.Close)
	return ts
}

func TestInitializeAndList(t *testing.T) {
	ts := serve(t, stubTool{name: "a_tool", output: map[string]any{"items": []any{}}})
	c := New(Options{BaseURL: ts.URL})

	info, err := c.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mcp.ProtocolVersion, info.ProtocolVersion)
	assert.Equal(t, "stub", info.ServerInfo.Name)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "a_tool", tools[0].Name)
}

func TestCallReturnsStructuredContent(t *testing.T) {
	ts := serve(t, stubTool{name: "a_tool", output: map[string]any{"items": []string{"x"}}})
	c := New(Options{BaseURL: ts.URL + "/mcp"})

	res, err := c.Call(context.Background(), "a_tool", map[string]any{"query": "q"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["x"]}`, string(res.Structured))
	assert.JSONEq(t, `{"items":["x"]}`, res.Text)
}

func TestCallErrorsAreRPCErrors(t *testing.T) {
	ts := serve(t, stubTool{name: "a_tool", err: errors.New("disk on fire")})
	c := New(Options{BaseURL: ts.URL})

	_, err := c.Call(context.Background(), "missing", nil)
	var rpcErr *mcp.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)

	_, err = c.Call(context.Background(), "a_tool", nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32603, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "disk on fire")
}

func TestCallTimesOut(t *testing.T) {
	ts := serve(t, stubTool{name: "slow", output: map[string]any{"items": []any{}}, delay: time.Second})
	c := New(Options{BaseURL: ts.URL, Timeout: 50 * time.Millisecond})

	_, err := c.Call(context.Background(), "slow", nil)
	require.Error(t, err)
}

func TestEventStreamReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\n")
		fmt.Fprint(w, `data: {"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"{\"items\":[]}"}],"structuredContent":{"items":[]}}}`+"\n\n")
	}))
	defer ts.Close()

	res, err := New(Options{BaseURL: ts.URL}).Call(context.Background(), "any", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(res.Structured))
}

// outputServer stands in for a server that does not validate its own output.
// tools/list fails while down is set.
func outputServer(t *testing.T, down *atomic.Bool, lists *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mcp.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "tools/list":
			lists.Add(1)
			if down.Load() {
				http.Error(w, "starting", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"tools":[{"name":"a_tool","description":"","inputSchema":{"type":"object"},"outputSchema":{"type":"object","required":["items"]},"available":true}]}}`, req.ID)
		default:
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"content":[],"structuredContent":{"other":1}}}`, req.ID)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestOutputCheckedWithoutExplicitListTools(t *testing.T) {
	var down atomic.Bool
	var lists atomic.Int32
	c := New(Options{BaseURL: outputServer(t, &down, &lists).URL})

	_, err := c.Call(context.Background(), "a_tool", nil)
	require.ErrorIs(t, err, mcp.ErrInvalidOutput)
	_, err = c.Call(context.Background(), "a_tool", nil)
	require.ErrorIs(t, err, mcp.ErrInvalidOutput)
	assert.Equal(t, int32(1), lists.Load())
}

func TestSchemasLoadedOnceServerIsUp(t *testing.T) {
	var down atomic.Bool
	var lists atomic.Int32
	down.Store(true)
	c := New(Options{BaseURL: outputServer(t, &down, &lists).URL})

	_, err := c.Call(context.Background(), "a_tool", nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, mcp.ErrInvalidOutput)

	down.Store(false)
	_, err = c.Call(context.Background(), "a_tool", nil)
	require.ErrorIs(t, err, mcp.ErrInvalidOutput)
	assert.Equal(t, int32(2), lists.Load())
}
