package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrInvalidOutput    = errors.New("tool output does not match its schema")
)

// ToolDescriptor is what tools/list advertises for a tool.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	// Available is false when the tool is registered but lacks what it needs
	// to return live data (a missing API key, for example).
	Available bool `json:"available"`
}

// Tool is one callable capability. Execute receives arguments that already
// passed the input schema; a returned error is reported as an execution error.
type Tool interface {
	Descriptor() ToolDescriptor
	Execute(ctx context.Context, args map[string]any) (any, error)
}

type entry struct {
	tool   Tool
	desc   ToolDescriptor
	input  *jsonschema.Schema
	output *jsonschema.Schema
}

// Registry maps tool names to tools. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]*entry{}}
}

// Register adds a tool and compiles its schemas.
func (r *Registry) Register(t Tool) error {
	d := t.Descriptor()
	if d.Name == "" {
		return errors.New("register tool: empty name")
	}
	if len(d.InputSchema) == 0 {
		return fmt.Errorf("register tool %s: missing input schema", d.Name)
	}
	in, err := CompileSchema(d.Name+".input.json", d.InputSchema)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", d.Name, err)
	}
	var out *jsonschema.Schema
	if len(d.OutputSchema) > 0 {
		if out, err = CompileSchema(d.Name+".output.json", d.OutputSchema); err != nil {
			return fmt.Errorf("register tool %s: %w", d.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	r.tools[d.Name] = &entry{tool: t, desc: d, input: in, output: out}
	r.order = append(r.order, d.Name)
	return nil
}

// MustRegister panics on registration errors; for static wiring.
func (r *Registry) MustRegister(tools ...Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Descriptors lists tools in registration order.
func (r *Registry) Descriptors() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].desc)
	}
	return out
}

// Call validates args, runs the tool and validates its output.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := Validate(e.input, args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	result, err := e.tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if e.output != nil {
		if err := Validate(e.output, result); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
		}
	}
	return result, nil
}
