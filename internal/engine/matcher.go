package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/mohammad-safakhou/karzina/models"
	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/provider"
)

const fallbackReasoning = "selected by fallback: AI gave no usable answer"

// SelectionResult is the matcher's decision for one item in one store.
type SelectionResult struct {
	Selected     *session.Candidate    `json:"selected,omitempty"`
	Quantity     float64               `json:"quantity"`
	Reasoning    string                `json:"reasoning"`
	Alternatives []session.Alternative `json:"alternatives,omitempty"`
	Success      bool                  `json:"success"`
}

// Matcher decides which candidate (if any) to buy for a draft item, with a
// short justification and up to three ranked alternatives.
type Matcher struct {
	provider provider.Provider
	logger   *log.Logger
}

func NewMatcher(p provider.Provider, logger *log.Logger) *Matcher {
	if logger == nil {
		logger = log.New(log.Writer(), "[MATCH] ", log.LstdFlags)
	}
	return &Matcher{provider: p, logger: logger}
}

// SelectProduct picks one candidate for item, or none. Transport and parse
// failures never escape as errors; the only error returned is the caller's
// cancellation.
func (m *Matcher) SelectProduct(ctx context.Context, item session.DraftItem, candidates []session.Candidate, history []session.PastPurchase) (SelectionResult, error) {
	// Empty candidates is an ordinary outcome, no provider round-trip.
	if len(candidates) == 0 {
		return SelectionResult{Success: false, Reasoning: "no candidates to choose from"}, nil
	}

	// The ranked order feeds the prompt only. Fallback and id lookup keep the
	// store's search-result order so fallback baskets stay reproducible.
	ranked := rankCandidates(item.Name, candidates)

	var (
		payload selectionPayload
		ok      bool
		err     error
	)
	if m.provider.SupportsToolCalling() {
		payload, ok, err = m.selectViaTool(ctx, item, ranked, history)
	} else {
		payload, ok, err = m.selectViaJSON(ctx, item, ranked, history)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return SelectionResult{}, err
		}
		m.logger.Printf("provider failed selecting %q: %v", item.Name, err)
		return SelectionResult{Success: false, Reasoning: err.Error()}, nil
	}
	if !ok {
		return m.fallback(candidates), nil
	}

	// A null selected_product_id is a deliberate "buy nothing here".
	if payload.SelectedProductID == nil || *payload.SelectedProductID == "" {
		return SelectionResult{
			Success:      false,
			Reasoning:    payload.Reasoning,
			Alternatives: limitAlternatives(payload.Alternatives),
		}, nil
	}

	selected := findCandidate(candidates, *payload.SelectedProductID)
	if selected == nil {
		m.logger.Printf("AI chose unknown product id %q for %q", *payload.SelectedProductID, item.Name)
		return m.fallback(candidates), nil
	}

	qty := payload.Quantity
	if qty <= 0 {
		qty = packagesFor(item.Quantity, selected.PackageSize)
	}
	return SelectionResult{
		Selected:     selected,
		Quantity:     qty,
		Reasoning:    payload.Reasoning,
		Alternatives: limitAlternatives(payload.Alternatives),
		Success:      true,
	}, nil
}

// fallback picks the first in-stock candidate at quantity 1. Match quality is
// deliberately not judged here; the original behaves the same way.
func (m *Matcher) fallback(candidates []session.Candidate) SelectionResult {
	for i := range candidates {
		if candidates[i].InStock {
			c := candidates[i]
			return SelectionResult{
				Selected:  &c,
				Quantity:  1,
				Reasoning: fallbackReasoning,
				Success:   true,
			}
		}
	}
	return SelectionResult{Success: false, Reasoning: "no in-stock candidate available"}
}

// packagesFor computes how many packages cover the requested quantity,
// floored at one.
func packagesFor(requested, packageSize float64) float64 {
	if packageSize <= 0 || requested <= 0 {
		return 1
	}
	n := math.Ceil(requested / packageSize)
	if n < 1 {
		return 1
	}
	return n
}

func findCandidate(candidates []session.Candidate, id string) *session.Candidate {
	for i := range candidates {
		if candidates[i].ID == id {
			c := candidates[i]
			return &c
		}
	}
	return nil
}

func limitAlternatives(alts []session.Alternative) []session.Alternative {
	if len(alts) > 3 {
		return alts[:3]
	}
	return alts
}

// selectionPayload is the semantic answer the model must produce, in either
// provider mode.
type selectionPayload struct {
	SelectedProductID *string         `json:"selected_product_id"`
	Quantity          float64         `json:"quantity"`
	Reasoning         string          `json:"reasoning"`
	Alternatives      alternativeList `json:"alternatives"`
}

// alternativeList tolerates both historical wire shapes of the alternatives
// array: bare product-id strings, or objects with product_id/quantity/reasoning.
type alternativeList []session.Alternative

func (a *alternativeList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]session.Alternative, 0, len(raw))
	for _, entry := range raw {
		var id string
		if err := json.Unmarshal(entry, &id); err == nil {
			out = append(out, session.Alternative{ProductID: id})
			continue
		}
		var alt session.Alternative
		if err := json.Unmarshal(entry, &alt); err != nil {
			return fmt.Errorf("unrecognized alternative shape: %s", string(entry))
		}
		out = append(out, alt)
	}
	*a = out
	return nil
}

var selectProductSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"selected_product_id": {"type": ["string", "null"], "description": "id of the chosen product, or null when nothing fits"},
		"quantity": {"type": "number", "description": "how many packages to buy"},
		"reasoning": {"type": "string", "description": "short justification of the choice"},
		"alternatives": {
			"type": "array",
			"maxItems": 3,
			"items": {
				"type": "object",
				"properties": {
					"product_id": {"type": "string"},
					"quantity": {"type": "number"},
					"reasoning": {"type": "string"}
				},
				"required": ["product_id"]
			}
		}
	},
	"required": ["selected_product_id", "reasoning"]
}`)

// selectViaTool asks the provider to answer through a single callable tool.
func (m *Matcher) selectViaTool(ctx context.Context, item session.DraftItem, candidates []session.Candidate, history []session.PastPurchase) (selectionPayload, bool, error) {
	msgs := []models.Message{
		{Role: "system", Content: selectionSystemPrompt},
		{Role: "user", Content: buildSelectionPrompt(item, candidates, history)},
	}
	tools := []models.Tool{{
		Name:        "select_product",
		Description: "Report which product to buy for the requested item, or null when nothing fits.",
		Parameters:  selectProductSchema,
	}}

	resp, err := m.provider.Chat(ctx, msgs, tools, nil)
	if err != nil {
		return selectionPayload{}, false, err
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name != "select_product" {
			continue
		}
		var payload selectionPayload
		if err := json.Unmarshal(tc.Arguments, &payload); err != nil {
			m.logger.Printf("unparseable select_product arguments: %v", err)
			return selectionPayload{}, false, nil
		}
		return payload, true, nil
	}
	// The model answered in prose instead of calling the tool.
	return parseSelectionText(resp.Text)
}

// selectViaJSON asks the provider for a raw JSON object in the reply text and
// parses it, tolerating markdown code fences.
func (m *Matcher) selectViaJSON(ctx context.Context, item session.DraftItem, candidates []session.Candidate, history []session.PastPurchase) (selectionPayload, bool, error) {
	msgs := []models.Message{
		{Role: "system", Content: selectionSystemPrompt + "\n\nRespond ONLY with valid JSON matching the select_product schema. Do not include any other text or explanation."},
		{Role: "user", Content: buildSelectionPrompt(item, candidates, history)},
	}
	resp, err := m.provider.Chat(ctx, msgs, nil, nil)
	if err != nil {
		return selectionPayload{}, false, err
	}
	return parseSelectionText(resp.Text)
}

// parseSelectionText extracts a selection payload out of free text.
func parseSelectionText(text string) (selectionPayload, bool, error) {
	cleaned := stripCodeFences(text)
	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start < 0 || end <= start {
		return selectionPayload{}, false, nil
	}
	var payload selectionPayload
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &payload); err != nil {
		return selectionPayload{}, false, nil
	}
	return payload, true, nil
}

// stripCodeFences removes a surrounding markdown fence, with or without a
// language marker.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// drop the language marker line (```json)
		first := strings.TrimSpace(s[:idx])
		if first == "" || !strings.ContainsAny(first, "{}") {
			s = s[idx+1:]
		}
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

const selectionSystemPrompt = `You are a grocery shopping assistant choosing which product to buy from a store's search results.

RULES:
1. Choose at most one product that best matches the requested item.
2. Prefer in-stock products; never select an out-of-stock product.
3. Compute quantity as the number of packages needed to cover the requested amount.
4. When nothing fits the request, report selected_product_id as null with a short reason.
5. Offer up to three ranked alternatives when reasonable substitutes exist.`

func buildSelectionPrompt(item session.DraftItem, candidates []session.Candidate, history []session.PastPurchase) string {
	var b strings.Builder
	fmt.Fprintf(&b, "REQUESTED ITEM:\nName: %q\nQuantity: %g %s\n", item.Name, item.Quantity, item.Unit)
	if item.Category != "" {
		fmt.Fprintf(&b, "Category: %s\n", item.Category)
	}
	if len(item.CategoryPath) > 0 {
		fmt.Fprintf(&b, "Category path: %s\n", strings.Join(item.CategoryPath, " > "))
	}
	if item.Note != "" {
		fmt.Fprintf(&b, "Note: %s\n", item.Note)
	}
	b.WriteString("\nCANDIDATES:\n")
	for _, c := range candidates {
		stock := "in stock"
		if !c.InStock {
			stock = "OUT OF STOCK"
		}
		fmt.Fprintf(&b, "- id=%s name=%q price=%.2f package=%g %s (%s)\n",
			c.ID, c.Name, c.Price, c.PackageSize, c.PackageUnit, stock)
	}
	if len(history) > 0 {
		b.WriteString("\nPAST PURCHASES (most recent first):\n")
		for _, p := range history {
			fmt.Fprintf(&b, "- %s x%g %s at %.2f (%s)\n", p.ProductName, p.Quantity, p.Unit, p.Price, p.BoughtAt.Format("2006-01-02"))
		}
	}
	return b.String()
}
