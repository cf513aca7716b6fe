package rag

import (
	"context"
	"encoding/json"
	"sort"
)

// Tool is a capability advertised to the upstream model. Handler receives
// the raw argument payload of one tool call and returns the textual output
// to splice back into the conversation.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     func(ctx context.Context, args json.RawMessage) (string, error)
}

// Declaration is the wire form of a tool in a session.update frame.
type Declaration struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Declare renders the tool for session configuration.
func (t Tool) Declare() Declaration {
	return Declaration{
		Type:        "function",
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// Toolbox maps tool names to handlers. New tool kinds are added by
// registering another entry; the relay dispatches by name.
type Toolbox map[string]Tool

// Register adds a tool, replacing any previous registration by that name.
func (tb Toolbox) Register(t Tool) {
	tb[t.Name] = t
}

// Declarations renders all tools for session configuration, sorted by
// name so injected config is deterministic.
func (tb Toolbox) Declarations() []Declaration {
	names := make([]string, 0, len(tb))
	for name := range tb {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]Declaration, 0, len(tb))
	for _, name := range names {
		decls = append(decls, tb[name].Declare())
	}
	return decls
}
