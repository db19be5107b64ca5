package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/RoboMaroof/ragserver/apperr"
)

// Tool defines the interface for agent tools.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	Execute(ctx context.Context, args map[string]any) (ToolOutput, error)
}

// ToolOutput is what a tool hands back. A non-nil Results slice is the
// structured shape; otherwise Content is an opaque text blob. Content is
// always what the generator sees.
type ToolOutput struct {
	Content string
	Results []any
}

// QueryParameters is the schema shared by every single-query tool.
func QueryParameters(desc string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": desc},
		},
		"required": []any{"query"},
	}
}

// QueryArg extracts the "query" argument.
func QueryArg(args map[string]any) (string, error) {
	q, ok := args["query"].(string)
	if !ok || q == "" {
		return "", fmt.Errorf("missing string argument %q", "query")
	}
	return q, nil
}

// FuncTool wraps a plain function as a Tool.
type FuncTool struct {
	ToolName   string
	ToolDesc   string
	ToolParams map[string]any
	Fn         func(ctx context.Context, args map[string]any) (ToolOutput, error)
}

func (f *FuncTool) Name() string               { return f.ToolName }
func (f *FuncTool) Description() string        { return f.ToolDesc }
func (f *FuncTool) Parameters() map[string]any { return f.ToolParams }
func (f *FuncTool) Execute(ctx context.Context, args map[string]any) (ToolOutput, error) {
	return f.Fn(ctx, args)
}

// ToolRegistry is a registry of uniquely named tools. Tools are registered at
// startup; lookups are safe for concurrent use.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewToolRegistry creates a new tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Names must be unique and the parameter schema must
// compile.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}

	var schema *jsonschema.Schema
	if params := tool.Parameters(); params != nil {
		var err error
		schema, err = compileSchema(name, params)
		if err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	r.schemas[name] = schema
	r.order = append(r.order, name)
	return nil
}

// Get returns a tool by name or nil.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all tool names in registration order.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// All returns the tools in registration order.
func (r *ToolRegistry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Validate checks args against the tool's parameter schema. Unknown tools
// yield apperr.ErrUnknownTool.
func (r *ToolRegistry) Validate(name string, args map[string]any) error {
	r.mu.RLock()
	_, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", apperr.ErrUnknownTool, name)
	}
	if schema == nil {
		return nil
	}
	doc, err := roundTrip(args)
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	doc, err := roundTrip(params)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	url := "https://ragserver.local/tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// roundTrip normalises Go values into the shapes encoding/json produces,
// which is what the schema validator expects.
func roundTrip(v any) (any, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sortedNames is used for deterministic log output.
func sortedNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	sort.Strings(names)
	return names
}
