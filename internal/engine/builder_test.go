package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/karzina/config"
	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/internal/shop"
	"github.com/mohammad-safakhou/karzina/models"
)

// backendStub serves canned search results keyed by query.
type backendStub struct {
	results   map[string][]session.Candidate
	searchErr error
	cartAdds  []string
	clearErr  error
	cartURL   string
}

func (b *backendStub) Search(ctx context.Context, query string, limit int) ([]session.Candidate, error) {
	if b.searchErr != nil {
		return nil, b.searchErr
	}
	return b.results[query], nil
}

func (b *backendStub) AddToCart(ctx context.Context, productID string, quantity float64) error {
	b.cartAdds = append(b.cartAdds, productID)
	return nil
}

func (b *backendStub) ClearCart(ctx context.Context) error { return b.clearErr }

func (b *backendStub) GetCartURL(ctx context.Context) (string, error) {
	if b.cartURL == "" {
		return "https://store.example/cart", nil
	}
	return b.cartURL, nil
}

func (b *backendStub) CheckAuth(ctx context.Context) (bool, error) { return true, nil }

func singleStoreRegistry(t *testing.T, backend shop.SearchBackend) *shop.Registry {
	t.Helper()
	reg := shop.NewRegistry()
	cfg := config.StoreConfig{ID: "greenmart", Name: "GreenMart", BaseURL: "https://greenmart.example", SearchLimit: 10, Priority: 1}
	if err := reg.Register(cfg, backend); err != nil {
		t.Fatalf("registering store: %v", err)
	}
	return reg
}

func collectKinds(events []Progress) []Kind {
	kinds := make([]Kind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind()
	}
	return kinds
}

func TestBuilderHappyPath(t *testing.T) {
	backend := &backendStub{results: map[string][]session.Candidate{
		"Milk": {{ID: "m1", Name: "Whole Milk 1l", Price: 50, PackageSize: 1, PackageUnit: "l", InStock: true}},
	}}
	p := &providerStub{toolCalling: true, results: []models.ChatResult{
		toolAnswer(t, `{"selected_product_id":"m1","reasoning":"exact match"}`),
	}}
	b := NewBuilder(singleStoreRegistry(t, backend), NewMatcher(p, nil), nil, nil)

	items := []session.DraftItem{{ID: "i1", Name: "Milk", Quantity: 2, Unit: "l"}}
	var events []Progress
	result, err := b.Run(context.Background(), items, nil, func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	basket, ok := result.Baskets["greenmart"]
	if !ok {
		t.Fatalf("expected a basket for greenmart")
	}
	if basket.ItemsFound != 1 || basket.ItemsTotal != 1 {
		t.Fatalf("expected 1/1 items, got %d/%d", basket.ItemsFound, basket.ItemsTotal)
	}
	// 2 packages of 1l at 50 each.
	if basket.TotalPrice != 100 {
		t.Fatalf("expected total 100, got %g", basket.TotalPrice)
	}
	if basket.Items[0].Match == nil || basket.Items[0].Match.ID != "m1" {
		t.Fatalf("expected m1 matched, got %+v", basket.Items[0])
	}
	if basket.Items[0].LineTotal != 100 {
		t.Fatalf("expected line total 100, got %g", basket.Items[0].LineTotal)
	}

	want := []Kind{KindSearchStarted, KindSearchCompleted, KindSelectionStarted, KindSelectionCompleted}
	got := collectKinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	sr := result.SearchResults["greenmart"]
	if sr == nil || !sr.Completed || sr.ItemsFound != 1 {
		t.Fatalf("unexpected search result: %+v", sr)
	}
}

func TestBuilderSearchFailureKeepsBasket(t *testing.T) {
	backend := &backendStub{searchErr: errors.New("browser crashed")}
	p := &providerStub{toolCalling: true}
	b := NewBuilder(singleStoreRegistry(t, backend), NewMatcher(p, nil), nil, nil)

	items := []session.DraftItem{{ID: "i1", Name: "Milk", Quantity: 1}}
	var events []Progress
	result, err := b.Run(context.Background(), items, nil, func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("search failure must not abort the run: %v", err)
	}

	basket := result.Baskets["greenmart"]
	if basket == nil || basket.ItemsFound != 0 || basket.TotalPrice != 0 {
		t.Fatalf("expected an empty basket, got %+v", basket)
	}
	if basket.Items[0].Match != nil {
		t.Fatalf("failed item must stay unmatched")
	}

	got := collectKinds(events)
	if len(got) != 2 || got[0] != KindSearchStarted || got[1] != KindSearchFailed {
		t.Fatalf("expected search_started then search_failed, got %v", got)
	}
	if p.calls != 0 {
		t.Fatalf("matcher must not run after a failed search")
	}
}

func TestBuilderEmptySearchSkipsSelection(t *testing.T) {
	backend := &backendStub{results: map[string][]session.Candidate{}}
	p := &providerStub{toolCalling: true}
	b := NewBuilder(singleStoreRegistry(t, backend), NewMatcher(p, nil), nil, nil)

	items := []session.DraftItem{{ID: "i1", Name: "Caviar", Quantity: 1}}
	var events []Progress
	_, err := b.Run(context.Background(), items, nil, func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collectKinds(events)
	if len(got) != 2 || got[1] != KindSearchCompleted {
		t.Fatalf("expected search_completed with zero candidates, got %v", got)
	}
	sc := events[1].(SearchCompleted)
	if sc.Count != 0 {
		t.Fatalf("expected zero candidates, got %d", sc.Count)
	}
	if p.calls != 0 {
		t.Fatalf("matcher must not run on empty candidates")
	}
}

func TestBuilderFailedSelectionEmitsFailure(t *testing.T) {
	backend := &backendStub{results: map[string][]session.Candidate{
		"Milk": {{ID: "m1", Name: "Whole Milk 1l", Price: 50, PackageSize: 1, InStock: true}},
	}}
	p := &providerStub{toolCalling: true, results: []models.ChatResult{
		toolAnswer(t, `{"selected_product_id":null,"reasoning":"nothing fits"}`),
	}}
	b := NewBuilder(singleStoreRegistry(t, backend), NewMatcher(p, nil), nil, nil)

	items := []session.DraftItem{{ID: "i1", Name: "Milk", Quantity: 1}}
	var events []Progress
	result, err := b.Run(context.Background(), items, nil, func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := collectKinds(events)
	want := []Kind{KindSearchStarted, KindSearchCompleted, KindSelectionStarted, KindSelectionFailed}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	sf := events[3].(SelectionFailed)
	if sf.Message != "nothing fits" {
		t.Fatalf("reasoning should land in the failure message, got %q", sf.Message)
	}
	if result.Baskets["greenmart"].ItemsFound != 0 {
		t.Fatalf("failed selection must not count as found")
	}
}

func TestBuilderCancellationReturnsPartialResult(t *testing.T) {
	backend := &backendStub{results: map[string][]session.Candidate{}}
	p := &providerStub{toolCalling: true}
	b := NewBuilder(singleStoreRegistry(t, backend), NewMatcher(p, nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []session.DraftItem{{ID: "i1", Name: "Milk", Quantity: 1}}
	result, err := b.Run(ctx, items, nil, func(Progress) {})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.SearchResults == nil {
		t.Fatalf("partial result must still be usable")
	}
}

func TestBuilderStoresInPriorityOrder(t *testing.T) {
	reg := shop.NewRegistry()
	second := &backendStub{results: map[string][]session.Candidate{}}
	first := &backendStub{results: map[string][]session.Candidate{}}
	if err := reg.Register(config.StoreConfig{ID: "cityfoods", BaseURL: "https://c.example", Priority: 2}, second); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(config.StoreConfig{ID: "greenmart", BaseURL: "https://g.example", Priority: 1}, first); err != nil {
		t.Fatalf("register: %v", err)
	}

	p := &providerStub{toolCalling: true}
	b := NewBuilder(reg, NewMatcher(p, nil), nil, nil)

	var order []string
	items := []session.DraftItem{{ID: "i1", Name: "Milk", Quantity: 1}}
	_, err := b.Run(context.Background(), items, nil, func(ev Progress) {
		if ss, ok := ev.(SearchStarted); ok {
			order = append(order, ss.StoreID)
		}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "greenmart" || order[1] != "cityfoods" {
		t.Fatalf("expected priority order greenmart,cityfoods, got %v", order)
	}
}
