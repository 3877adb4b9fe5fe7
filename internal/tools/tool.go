// Package tools holds the agent-callable business functions and the
// dispatcher that validates and runs them.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
	schemav "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/soyeahso/callrelay/internal/domain"
	"github.com/soyeahso/callrelay/internal/realtime"
)

// Tool is a side-effecting function the agent can invoke mid-call.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema for the tool's arguments.
	Schema() *jsonschema.Schema
	// Execute runs the tool. The returned value is encoded as the result.
	Execute(ctx context.Context, call domain.CallContext, args json.RawMessage) (any, error)
}

// Registry holds available tools and their compiled argument schemas.
type Registry struct {
	tools   map[string]Tool
	schemas map[string]compiled
}

type compiled struct {
	schema *schemav.Schema
	err    error
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), schemas: make(map[string]compiled)}
}

// Register adds a tool, replacing any tool with the same name. The argument
// schema is compiled once here; a tool whose schema does not compile stays
// listed but every call to it fails.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	r.tools[name] = t
	s, err := compileSchema(name, t.Schema())
	r.schemas[name] = compiled{schema: s, err: err}
}

// argsSchema returns the compiled schema for a registered tool.
func (r *Registry) argsSchema(name string) (*schemav.Schema, error) {
	c, ok := r.schemas[name]
	if !ok {
		return nil, fmt.Errorf("no schema for tool %q", name)
	}
	return c.schema, c.err
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns realtime tool definitions for all registered tools.
func (r *Registry) Definitions() ([]realtime.ToolDefinition, error) {
	defs := make([]realtime.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		params, err := json.Marshal(t.Schema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", name, err)
		}
		defs = append(defs, realtime.ToolDefinition{
			Type:        "function",
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return defs, nil
}

// reflectSchema builds an inline argument schema from a Go struct. Fields
// without omitempty are required and unknown properties are rejected.
func reflectSchema(v any) *jsonschema.Schema {
	r := jsonschema.Reflector{DoNotReference: true, Anonymous: true}
	s := r.Reflect(v)
	s.Version = ""
	return s
}
