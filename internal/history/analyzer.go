package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/models"
	"github.com/mohammad-safakhou/karzina/provider"
)

const analyzerSystemPrompt = `You analyze a household's grocery purchase history and suggest items they
probably need again. Consider purchase frequency and how long ago each item
was last bought. Suggest at most 8 items. Respond with ONLY a JSON array:
[{"name": "...", "quantity": 1, "unit": "pcs", "category": "...", "category_path": ["...", "..."]}]
category_path is the store aisle hierarchy from broad to narrow, e.g.
["dairy", "milk"]. Respond with [] when nothing is due.`

// Analyzer asks the model which regulars are due for a restock.
type Analyzer struct {
	provider provider.Provider
	logger   *log.Logger
}

func NewAnalyzer(p provider.Provider, logger *log.Logger) *Analyzer {
	if logger == nil {
		logger = log.New(log.Writer(), "[HISTORY] ", log.LstdFlags)
	}
	return &Analyzer{provider: p, logger: logger}
}

type suggestion struct {
	Name         string   `json:"name"`
	Quantity     float64  `json:"quantity"`
	Unit         string   `json:"unit"`
	Category     string   `json:"category"`
	CategoryPath []string `json:"category_path"`
}

// Suggest turns purchase history into draft items. An empty history returns
// no suggestions without calling the model.
func (a *Analyzer) Suggest(ctx context.Context, purchases []session.PastPurchase) ([]session.DraftItem, error) {
	if len(purchases) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	sb.WriteString("Purchase history, newest first:\n")
	for _, p := range purchases {
		fmt.Fprintf(&sb, "- %s: %.1f %s at %.2f (%s, %s)\n",
			p.ProductName, p.Quantity, p.Unit, p.Price, p.StoreID, p.BoughtAt.Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "\nToday is %s. Which items are likely due?", time.Now().Format("2006-01-02"))

	messages := []models.Message{
		{Role: "system", Content: analyzerSystemPrompt},
		{Role: "user", Content: sb.String()},
	}
	result, err := a.provider.Chat(ctx, messages, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("history analysis: %w", err)
	}

	var suggestions []suggestion
	if err := json.Unmarshal([]byte(extractJSONArray(result.Text)), &suggestions); err != nil {
		a.logger.Printf("unparseable suggestion response: %v", err)
		return nil, nil
	}

	items := make([]session.DraftItem, 0, len(suggestions))
	for _, s := range suggestions {
		if s.Name == "" {
			continue
		}
		if s.Quantity <= 0 {
			s.Quantity = 1
		}
		items = append(items, session.DraftItem{
			Name:         s.Name,
			Quantity:     s.Quantity,
			Unit:         s.Unit,
			Category:     s.Category,
			CategoryPath: s.CategoryPath,
			Origin:       session.OriginHistory,
		})
	}
	return items, nil
}

// extractJSONArray pulls the outermost JSON array out of model text that may
// carry code fences or prose around it.
func extractJSONArray(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
