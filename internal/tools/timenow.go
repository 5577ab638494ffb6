package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mohammad-safakhou/karzina/models"
)

// TimeTool reports the current time so the model can reason about delivery
// windows without guessing.
type TimeTool struct {
	// Now is swappable in tests.
	Now func() time.Time
}

func NewTimeTool() *TimeTool {
	return &TimeTool{Now: time.Now}
}

func (t *TimeTool) Definition() models.Tool {
	return models.Tool{
		Name:        "current_time",
		Description: "Get the current date and time.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
	}
}

func (t *TimeTool) Execute(_ context.Context, _ string, _ json.RawMessage) (string, error) {
	return t.Now().Format(time.RFC3339), nil
}
