package engine

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/internal/shop"
	"github.com/mohammad-safakhou/karzina/internal/telemetry"
)

// Builder searches every draft item in every configured store and assembles
// one priced basket per store, reporting each sub-step through emit.
//
// Stores are processed strictly in priority order and items in list order.
// The pipeline is sequential on purpose: each backend wraps a single browser
// context that must not be used concurrently.
type Builder struct {
	registry  *shop.Registry
	matcher   *Matcher
	telemetry *telemetry.Telemetry
	logger    *log.Logger
}

func NewBuilder(registry *shop.Registry, matcher *Matcher, tele *telemetry.Telemetry, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(log.Writer(), "[BUILD] ", log.LstdFlags)
	}
	return &Builder{registry: registry, matcher: matcher, telemetry: tele, logger: logger}
}

// BuildResult carries whatever the run produced, complete or not.
type BuildResult struct {
	Baskets       map[string]*session.PlannedBasket
	SearchResults map[string]*session.SearchResult
}

// Run walks all stores and items. Failures local to one item are emitted and
// skipped; only cancellation aborts the run, and then the result still holds
// every basket completed before it.
func (b *Builder) Run(ctx context.Context, items []session.DraftItem, history []session.PastPurchase, emit func(Progress)) (BuildResult, error) {
	result := BuildResult{
		Baskets:       make(map[string]*session.PlannedBasket),
		SearchResults: make(map[string]*session.SearchResult),
	}

	for _, st := range b.registry.ByPriority() {
		storeID := st.Config.ID
		search := &session.SearchResult{
			StoreID:    storeID,
			Candidates: make(map[string][]session.Candidate),
			ItemsTotal: len(items),
		}
		result.SearchResults[storeID] = search
		selections := make(map[string]SelectionResult)

		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			sel, err := b.processItem(ctx, st, item, history, search, emit)
			if err != nil {
				return result, err // cancellation only
			}
			if sel != nil {
				selections[item.ID] = *sel
			}
		}

		search.Completed = true
		basket := assembleBasket(st.Config.ID, st.Config.DeliveryEstimate, items, selections)
		result.Baskets[storeID] = basket
		b.logger.Printf("store %s: %d/%d items, total %.2f", storeID, basket.ItemsFound, basket.ItemsTotal, basket.TotalPrice)
	}

	return result, nil
}

// processItem runs the search/selection steps for one item in one store. A
// nil selection with nil error means the item stays unmatched there.
func (b *Builder) processItem(ctx context.Context, st shop.Store, item session.DraftItem, history []session.PastPurchase, search *session.SearchResult, emit func(Progress)) (*SelectionResult, error) {
	storeID := st.Config.ID
	emit(SearchStarted{base: now(), ItemID: item.ID, ItemName: item.Name, StoreID: storeID})

	started := time.Now()
	candidates, err := st.Backend.Search(ctx, item.Name, st.Config.SearchLimit)
	b.telemetry.ObserveSearch(storeID, time.Since(started), err)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		emit(SearchFailed{base: now(), ItemID: item.ID, StoreID: storeID, Message: err.Error()})
		return nil, nil
	}

	search.Candidates[item.ID] = candidates
	emit(SearchCompleted{base: now(), ItemID: item.ID, StoreID: storeID, Count: len(candidates), Candidates: candidates})
	if len(candidates) == 0 {
		return nil, nil
	}

	emit(SelectionStarted{base: now(), ItemID: item.ID, StoreID: storeID})
	sel, err := b.matcher.SelectProduct(ctx, item, candidates, history)
	b.telemetry.ObserveSelection(storeID, sel.Success)
	if err != nil {
		return nil, err // cancellation propagates untouched
	}
	if !sel.Success {
		emit(SelectionFailed{base: now(), ItemID: item.ID, StoreID: storeID, Message: sel.Reasoning})
		return nil, nil
	}

	search.ItemsFound++
	emit(SelectionCompleted{
		base:         now(),
		ItemID:       item.ID,
		StoreID:      storeID,
		Selected:     *sel.Selected,
		Quantity:     sel.Quantity,
		Reasoning:    sel.Reasoning,
		Alternatives: sel.Alternatives,
	})
	return &sel, nil
}

// assembleBasket rebuilds the store's basket wholesale from the recorded
// selections. Unselected items stay in the basket with an empty match.
func assembleBasket(storeID, delivery string, items []session.DraftItem, selections map[string]SelectionResult) *session.PlannedBasket {
	basket := &session.PlannedBasket{
		StoreID:          storeID,
		Items:            make([]session.PlannedItem, 0, len(items)),
		ItemsTotal:       len(items),
		DeliveryEstimate: delivery,
		BuiltAt:          time.Now(),
	}
	for _, item := range items {
		planned := session.PlannedItem{ItemID: item.ID}
		if sel, ok := selections[item.ID]; ok && sel.Selected != nil {
			match := *sel.Selected
			planned.Match = &match
			planned.Quantity = sel.Quantity
			planned.LineTotal = match.Price * sel.Quantity
			planned.Reasoning = sel.Reasoning
			planned.Alternatives = sel.Alternatives
			basket.ItemsFound++
		}
		basket.TotalPrice += planned.LineTotal
		basket.Items = append(basket.Items, planned)
	}
	return basket
}
