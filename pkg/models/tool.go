package models

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolContext is the capability bag an executing Tool receives. It never
// carries the event bus or session manager directly by reference across a
// sandbox boundary — workers get a serialised view; in-process tools get
// this struct.
type ToolContext struct {
	Context      context.Context
	WorkingDir   string
	AllowedPaths []string
	Bus          EventEmitter
	SessionID    string
}

// EventEmitter is the minimal bus capability a tool needs: the ability to
// emit an event. Kept as an interface here (rather than importing the bus
// package) to avoid a dependency cycle between pkg/models and internal/bus.
type EventEmitter interface {
	Emit(eventType string, payload any)
}

// ToolResult is the outcome of one tool execution.
type ToolResult struct {
	Body    string
	IsError bool
}

// ToolFunc executes a tool given validated arguments.
type ToolFunc func(ctx ToolContext, args map[string]any) (ToolResult, error)

// Tool is a name-keyed, schema-validated capability a plugin registers.
type Tool struct {
	ID          string
	Description string
	Schema      json.RawMessage
	Execute     ToolFunc
}

var toolSchemaCache sync.Map

// ValidateArgs checks args against the tool's declared parameter schema. A
// tool with no schema accepts any argument mapping.
func (t Tool) ValidateArgs(args map[string]any) error {
	if len(t.Schema) == 0 {
		return nil
	}

	key := string(t.Schema)
	compiled, ok := toolSchemaCache.Load(key)
	if !ok {
		schema, err := jsonschema.CompileString(t.ID+".schema.json", key)
		if err != nil {
			return fmt.Errorf("tool %q: compile schema: %w", t.ID, err)
		}
		toolSchemaCache.Store(key, schema)
		compiled = schema
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("tool %q: encode args: %w", t.ID, err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("tool %q: decode args: %w", t.ID, err)
	}

	if err := compiled.(*jsonschema.Schema).Validate(decoded); err != nil {
		return fmt.Errorf("tool %q: arguments invalid: %w", t.ID, err)
	}
	return nil
}
