// Package capability defines the named, schema-validated actions the
// reasoning model may invoke: web search, calculator, stock price, and
// weather lookup.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Handler executes a capability with validated arguments. A returned
// error describes an upstream or computation failure; it is folded into
// a failure-shaped Result by Dispatch, never propagated to the loop.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Capability is a single registered action.
type Capability struct {
	Name        string
	Description string
	// Schema is the JSON Schema for the arguments object. Compiled at
	// registration; a schema that fails to compile is a programming
	// error surfaced from Register.
	Schema json.RawMessage

	handler  Handler
	compiled *jsonschema.Schema
}

// Result is the outcome of one capability invocation, correlated to
// the requesting tool call by CallID. Content is always a JSON payload:
// the capability's success value, or {"error": ...} on failure.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Registry maps capability names to handlers.
type Registry struct {
	caps   map[string]*Capability
	order  []string
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		caps:   make(map[string]*Capability),
		logger: logger,
	}
}

// Register adds a capability, compiling its argument schema.
func (r *Registry) Register(c *Capability, h Handler) error {
	if _, exists := r.caps[c.Name]; exists {
		return fmt.Errorf("capability already registered: %s", c.Name)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(c.Schema)); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", c.Name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", c.Name, err)
	}

	c.handler = h
	c.compiled = compiled
	r.caps[c.Name] = c
	r.order = append(r.order, c.Name)
	return nil
}

// Names returns registered capability names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders the capability list in the tool format the
// reasoning model expects.
func (r *Registry) Definitions() []map[string]any {
	var defs []map[string]any
	for _, name := range r.order {
		c := r.caps[name]
		var params map[string]any
		if err := json.Unmarshal(c.Schema, &params); err != nil {
			params = map[string]any{"type": "object"}
		}
		defs = append(defs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        c.Name,
				"description": c.Description,
				"parameters":  params,
			},
		})
	}
	return defs
}

// Dispatch invokes the named capability. It never returns an error:
// unknown names, schema violations, and handler failures all come back
// as a failure-shaped Result, which the loop hands to the model as a
// tool turn. callID correlates the result to the requesting tool call.
func (r *Registry) Dispatch(ctx context.Context, callID, name string, args map[string]any) Result {
	c, ok := r.caps[name]
	if !ok {
		return failure(callID, name, fmt.Sprintf("unknown capability: %s", name))
	}

	if args == nil {
		args = map[string]any{}
	}

	// Round-trip through JSON so validation sees the same value shapes
	// (json types, not Go types) the schema was written against.
	normalized, err := normalizeArgs(args)
	if err != nil {
		return failure(callID, name, fmt.Sprintf("invalid arguments: %v", err))
	}
	if err := c.compiled.Validate(normalized); err != nil {
		r.logger.Debug("argument validation failed", "capability", name, "error", err)
		return failure(callID, name, fmt.Sprintf("invalid arguments: %v", err))
	}

	start := time.Now()
	content, err := c.handler(ctx, args)
	elapsed := time.Since(start)

	if err != nil {
		r.logger.Warn("capability failed",
			"capability", name,
			"duration", elapsed,
			"error", err,
		)
		return failure(callID, name, err.Error())
	}

	r.logger.Debug("capability completed",
		"capability", name,
		"duration", elapsed,
		"result_len", len(content),
	)
	return Result{CallID: callID, Name: name, Content: content}
}

// normalizeArgs round-trips args through JSON encoding.
func normalizeArgs(args map[string]any) (any, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// failure builds a failure-shaped Result with an {"error": ...} payload.
func failure(callID, name, desc string) Result {
	payload, err := json.Marshal(map[string]string{"error": desc})
	if err != nil {
		payload = []byte(`{"error":"internal failure"}`)
	}
	return Result{CallID: callID, Name: name, Content: string(payload), IsError: true}
}

// successJSON marshals a success payload for a handler return value.
func successJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

// stringArg extracts a required string argument. Schema validation has
// already run, so a miss here means the schema and handler disagree.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
