// Package mcp implements the JSON-RPC tool protocol: the tool registry, the
// HTTP server and the wire types shared with mcp/client.
package mcp

import (
	"encoding/json"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "2024-11-05"

// Error codes used on the wire.
const (
	CodeParseError     = mcpgo.PARSE_ERROR
	CodeMethodNotFound = mcpgo.METHOD_NOT_FOUND
	CodeInternalError  = mcpgo.INTERNAL_ERROR
)

// Request is a JSON-RPC request. A request without an id is a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no reply is expected.
func (r Request) IsNotification() bool { return len(r.ID) == 0 }

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. The client returns it as an error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// CallParams are the tools/call parameters.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallResult carries a text rendering and the structured payload of a tool result.
type CallResult struct {
	Content           []mcpgo.TextContent `json:"content"`
	StructuredContent json.RawMessage     `json:"structuredContent"`
}

// Text returns the concatenated text content.
func (r CallResult) Text() string {
	var s string
	for _, c := range r.Content {
		s += c.Text
	}
	return s
}

type ListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type InitializeResult struct {
	ProtocolVersion string               `json:"protocolVersion"`
	Capabilities    Capabilities         `json:"capabilities"`
	ServerInfo      mcpgo.Implementation `json:"serverInfo"`
	Instructions    string               `json:"instructions,omitempty"`
}

// Capabilities advertises tools; Experimental.ToolAvailability tells callers
// which tools are configured to return live data.
type Capabilities struct {
	Tools        struct{}     `json:"tools"`
	Experimental Experimental `json:"experimental"`
}

type Experimental struct {
	ToolAvailability map[string]bool `json:"toolAvailability"`
}

func newResponse(id json.RawMessage, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, CodeInternalError, fmt.Sprintf("encode result: %v", err))
	}
	return Response{JSONRPC: mcpgo.JSONRPC_VERSION, ID: id, Result: raw}
}

func errorResponse(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: mcpgo.JSONRPC_VERSION, ID: id, Error: &RPCError{Code: code, Message: msg}}
}
