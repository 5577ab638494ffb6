package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/karzina/models"
	"github.com/mohammad-safakhou/karzina/internal/session"
)

// BasketEditor is the slice of the orchestrator the basket tool is allowed
// to touch.
type BasketEditor interface {
	AddItem(ctx context.Context, sessionID, name string, quantity float64, unit, category string) (session.DraftItem, error)
	RemoveItem(ctx context.Context, sessionID, name string) (bool, error)
	UpdateItem(ctx context.Context, sessionID, name string, quantity float64, unit string) (bool, error)
	GetItems(ctx context.Context, sessionID string) ([]session.DraftItem, error)
}

// BasketTool lets the model add, remove and update draft items through a
// batch of operations.
type BasketTool struct {
	editor BasketEditor
}

func NewBasketTool(editor BasketEditor) *BasketTool {
	return &BasketTool{editor: editor}
}

var basketSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"operations": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"action": {"type": "string", "enum": ["add", "remove", "update"]},
					"name": {"type": "string"},
					"quantity": {"type": "number"},
					"unit": {"type": "string"},
					"category": {"type": "string"}
				},
				"required": ["action", "name"]
			}
		}
	},
	"required": ["operations"]
}`)

func (t *BasketTool) Definition() models.Tool {
	return models.Tool{
		Name:        "edit_basket",
		Description: "Add, remove, or update items on the user's shopping list. Quantities merge when an item with the same name already exists.",
		Parameters:  basketSchema,
	}
}

type basketOperation struct {
	Action   string  `json:"action"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Category string  `json:"category,omitempty"`
}

type basketArgs struct {
	Operations []basketOperation `json:"operations"`
}

// Execute applies each operation in order and reports a per-operation line
// plus the resulting item list as JSON.
func (t *BasketTool) Execute(ctx context.Context, sessionID string, args json.RawMessage) (string, error) {
	var parsed basketArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid edit_basket arguments: %w", err)
	}
	if len(parsed.Operations) == 0 {
		return "", fmt.Errorf("edit_basket requires at least one operation")
	}

	var lines []string
	for _, op := range parsed.Operations {
		switch op.Action {
		case "add":
			qty := op.Quantity
			if qty <= 0 {
				qty = 1
			}
			item, err := t.editor.AddItem(ctx, sessionID, op.Name, qty, op.Unit, op.Category)
			if err != nil {
				return "", err
			}
			lines = append(lines, fmt.Sprintf("added %q: %g %s", item.Name, item.Quantity, item.Unit))
		case "remove":
			removed, err := t.editor.RemoveItem(ctx, sessionID, op.Name)
			if err != nil {
				return "", err
			}
			if removed {
				lines = append(lines, fmt.Sprintf("removed %q", op.Name))
			} else {
				lines = append(lines, fmt.Sprintf("%q is not on the list", op.Name))
			}
		case "update":
			updated, err := t.editor.UpdateItem(ctx, sessionID, op.Name, op.Quantity, op.Unit)
			if err != nil {
				return "", err
			}
			if updated {
				lines = append(lines, fmt.Sprintf("updated %q to %g %s", op.Name, op.Quantity, op.Unit))
			} else {
				lines = append(lines, fmt.Sprintf("%q is not on the list", op.Name))
			}
		default:
			lines = append(lines, fmt.Sprintf("unsupported action %q for %q", op.Action, op.Name))
		}
	}

	items, err := t.editor.GetItems(ctx, sessionID)
	if err != nil {
		return "", err
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return strings.Join(lines, "\n") + "\n\nCURRENT LIST:\n" + string(itemsJSON), nil
}
