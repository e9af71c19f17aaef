// Package client calls a tool server over HTTP.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/shopvoice/mcp"
)

const DefaultTimeout = 20 * time.Second

// ToolResult is a successful tools/call reply.
type ToolResult struct {
	Name       string
	Text       string
	Structured json.RawMessage
}

type Options struct {
	BaseURL string
	// Timeout bounds every HTTP round trip; zero means DefaultTimeout.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	seq      atomic.Int64

	mu      sync.RWMutex
	listed  bool
	outputs map[string]*jsonschema.Schema
}

func New(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	hc := o.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: o.Timeout}
	}
	endpoint := strings.TrimRight(o.BaseURL, "/")
	if !strings.HasSuffix(endpoint, "/mcp") {
		endpoint += "/mcp"
	}
	return &Client{endpoint: endpoint, http: hc, outputs: map[string]*jsonschema.Schema{}}
}

func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	var res mcp.InitializeResult
	params := map[string]any{
		"protocolVersion": mcp.ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      mcpgo.Implementation{Name: "shopvoice", Version: "1.0.0"},
	}
	if err := c.do(ctx, string(mcpgo.MethodInitialize), params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTools fetches the descriptors and remembers their output schemas so
// later calls can be checked against them.
func (c *Client) ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	var res mcp.ListResult
	if err := c.do(ctx, string(mcpgo.MethodToolsList), map[string]any{}, &res); err != nil {
		return nil, err
	}
	compiled := map[string]*jsonschema.Schema{}
	for _, d := range res.Tools {
		if len(d.OutputSchema) == 0 {
			continue
		}
		s, err := mcp.CompileSchema(d.Name+".output.json", d.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", d.Name, err)
		}
		compiled[d.Name] = s
	}
	c.mu.Lock()
	for k, v := range compiled {
		c.outputs[k] = v
	}
	c.listed = true
	c.mu.Unlock()
	return res.Tools, nil
}

// Call invokes a tool. JSON-RPC failures come back as *mcp.RPCError.
// The first call fetches the tool list when ListTools has not succeeded yet,
// so outputs are always checked against the advertised schemas.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	c.mu.RLock()
	listed := c.listed
	c.mu.RUnlock()
	if !listed {
		if _, err := c.ListTools(ctx); err != nil {
			return nil, fmt.Errorf("%s: load tool schemas: %w", name, err)
		}
	}
	var res mcp.CallResult
	if err := c.do(ctx, string(mcpgo.MethodToolsCall), mcp.CallParams{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	structured := res.StructuredContent
	if len(structured) == 0 || string(structured) == "null" {
		// Older servers only send text content.
		structured = json.RawMessage(res.Text())
	}
	c.mu.RLock()
	schema := c.outputs[name]
	c.mu.RUnlock()
	if schema != nil {
		if err := mcp.ValidateJSON(schema, structured); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", name, mcp.ErrInvalidOutput, err)
		}
	}
	return &ToolResult{Name: name, Text: res.Text(), Structured: structured}, nil
}

func (c *Client) do(ctx context.Context, method string, params any, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return err
	}
	id, _ := json.Marshal(c.seq.Add(1))
	body, _ := json.Marshal(mcp.Request{JSONRPC: mcpgo.JSONRPC_VERSION, ID: id, Method: method, Params: rawParams})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: http %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	raw, err := readMessage(resp)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	var rpc mcp.Response
	if err := json.Unmarshal(raw, &rpc); err != nil {
		return fmt.Errorf("%s: decode reply: %w", method, err)
	}
	if rpc.Error != nil {
		return rpc.Error
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

// readMessage returns the JSON body, or the data of the first SSE event.
func readMessage(resp *http.Response) ([]byte, error) {
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return io.ReadAll(resp.Body)
	}
	var data []string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(data) > 0 {
				break
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty event stream")
	}
	return []byte(strings.Join(data, "\n")), nil
}
