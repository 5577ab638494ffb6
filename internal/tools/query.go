package tools

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/karzina/models"
)

const maxQueryRows = 50

// QueryTool runs read-only SQL against the purchase-history database so the
// model can answer questions like "what did I buy last month".
type QueryTool struct {
	db *sql.DB
}

func NewQueryTool(db *sql.DB) *QueryTool {
	return &QueryTool{db: db}
}

var querySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "a single SELECT statement over the purchases table"}
	},
	"required": ["query"]
}`)

func (t *QueryTool) Definition() models.Tool {
	return models.Tool{
		Name:        "query_purchases",
		Description: "Run a read-only SQL SELECT over the purchases table (store_id, product_name, quantity, unit, price, bought_at).",
		Parameters:  querySchema,
	}
}

func (t *QueryTool) Execute(ctx context.Context, _ string, args json.RawMessage) (string, error) {
	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("invalid query_purchases arguments: %w", err)
	}
	query := strings.TrimSpace(parsed.Query)
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT") {
		return "", fmt.Errorf("only SELECT statements are allowed")
	}
	if strings.ContainsRune(query, ';') {
		return "", fmt.Errorf("multiple statements are not allowed")
	}

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", err
	}

	var out []map[string]interface{}
	for rows.Next() {
		if len(out) >= maxQueryRows {
			break
		}
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", err
		}
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
