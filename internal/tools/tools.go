package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammad-safakhou/karzina/models"
)

// Tool is one callable capability exposed to the chat loop. Execute returns
// the string handed back to the model as the tool-role message.
type Tool interface {
	Definition() models.Tool
	Execute(ctx context.Context, sessionID string, args json.RawMessage) (string, error)
}

// Registry is the allow-list of tools available to one conversation.
type Registry struct {
	order []string
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		name := t.Definition().Name
		if _, ok := r.tools[name]; ok {
			continue
		}
		r.order = append(r.order, name)
		r.tools[name] = t
	}
	return r
}

// Definitions returns tool schemas in registration order.
func (r *Registry) Definitions() []models.Tool {
	out := make([]models.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// Execute runs the named tool. Unknown names are an error result, not a
// panic: the model is allowed to hallucinate.
func (r *Registry) Execute(ctx context.Context, sessionID, name string, args json.RawMessage) (string, error) {
	t, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Execute(ctx, sessionID, args)
}
