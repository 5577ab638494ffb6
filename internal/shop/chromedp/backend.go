package chromedp_backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/mohammad-safakhou/karzina/config"
	"github.com/mohammad-safakhou/karzina/internal/session"
)

// awaitPromise makes Evaluate resolve fetch() promises before returning.
func awaitPromise(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// Backend drives one store's website through a headless browser. All calls
// share a single browser context, which is why the planning pipeline runs
// stores and items sequentially.
type Backend struct {
	cfg     config.StoreConfig
	timeout time.Duration

	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	browserCtx  context.Context
	cancelTab   context.CancelFunc
}

// New starts a headless browser context for the store.
func New(parent context.Context, cfg config.StoreConfig, timeout time.Duration) *Backend {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent("karzina/1.0 (+shopping-assistant)"),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, cancelTab := chromedp.NewContext(allocCtx)
	return &Backend{
		cfg:         cfg,
		timeout:     timeout,
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		browserCtx:  browserCtx,
		cancelTab:   cancelTab,
	}
}

// Close tears the browser down.
func (b *Backend) Close() {
	b.cancelTab()
	b.cancelAlloc()
}

// run executes browser actions under the backend's timeout while still
// honoring the caller's cancellation.
func (b *Backend) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(b.browserCtx, b.timeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(runCtx, actions...) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancel()
		<-done
		return ctx.Err()
	}
}

// searchStateJS pulls the store SPA's preloaded search state out of the page.
const searchStateJS = `JSON.stringify((window.__INITIAL_STATE__ && window.__INITIAL_STATE__.search && window.__INITIAL_STATE__.search.products) || [])`

// pageProduct is the shape store search pages expose in their preloaded state.
type pageProduct struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	Price       float64     `json:"price"`
	PackageSize float64     `json:"package_size"`
	PackageUnit string      `json:"package_unit"`
	InStock     bool        `json:"in_stock"`
	Image       string      `json:"image"`
}

// Search loads the store search page for query and extracts up to limit
// candidates from the page state.
func (b *Backend) Search(ctx context.Context, query string, limit int) ([]session.Candidate, error) {
	searchURL := fmt.Sprintf("%s/search?text=%s", strings.TrimSuffix(b.cfg.BaseURL, "/"), url.QueryEscape(query))

	var raw string
	err := b.run(ctx,
		chromedp.Navigate(searchURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(searchStateJS, &raw),
	)
	if err != nil {
		return nil, fmt.Errorf("search %q in %s: %w", query, b.cfg.ID, err)
	}

	var products []pageProduct
	if err := json.Unmarshal([]byte(raw), &products); err != nil {
		return nil, fmt.Errorf("parse search state for %s: %w", b.cfg.ID, err)
	}
	if limit > 0 && len(products) > limit {
		products = products[:limit]
	}
	out := make([]session.Candidate, 0, len(products))
	for _, p := range products {
		size := p.PackageSize
		if size <= 0 {
			size = 1
		}
		out = append(out, session.Candidate{
			ID:          p.ID.String(),
			Name:        p.Name,
			Price:       p.Price,
			PackageSize: size,
			PackageUnit: p.PackageUnit,
			InStock:     p.InStock,
			ImageURL:    p.Image,
		})
	}
	return out, nil
}

// AddToCart calls the store's cart API from within the authenticated page
// context so the session cookies apply.
func (b *Backend) AddToCart(ctx context.Context, productID string, quantity float64) error {
	js := fmt.Sprintf(
		`fetch('/api/cart/items', {method:'POST',headers:{'Content-Type':'application/json'},body:JSON.stringify({product_id:%q,quantity:%g})}).then(r => r.ok)`,
		productID, quantity)
	var ok bool
	if err := b.run(ctx, chromedp.Evaluate(js, &ok, awaitPromise)); err != nil {
		return fmt.Errorf("add to cart in %s: %w", b.cfg.ID, err)
	}
	if !ok {
		return fmt.Errorf("store %s rejected cart item %s", b.cfg.ID, productID)
	}
	return nil
}

// ClearCart empties the store cart. It navigates to the store first so the
// relative fetch runs on the store origin even on a fresh tab.
func (b *Backend) ClearCart(ctx context.Context) error {
	var ok bool
	js := `fetch('/api/cart', {method:'DELETE'}).then(r => r.ok)`
	if err := b.run(ctx,
		chromedp.Navigate(strings.TrimSuffix(b.cfg.BaseURL, "/")),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(js, &ok, awaitPromise)); err != nil {
		return fmt.Errorf("clear cart in %s: %w", b.cfg.ID, err)
	}
	if !ok {
		return fmt.Errorf("store %s rejected cart clear", b.cfg.ID)
	}
	return nil
}

// GetCartURL returns the checkout URL for the populated cart.
func (b *Backend) GetCartURL(_ context.Context) (string, error) {
	return strings.TrimSuffix(b.cfg.BaseURL, "/") + "/cart", nil
}

// CheckAuth reports whether the browser context carries a logged-in session.
func (b *Backend) CheckAuth(ctx context.Context) (bool, error) {
	var authed bool
	js := `fetch('/api/profile', {method:'GET'}).then(r => r.status === 200)`
	if err := b.run(ctx,
		chromedp.Navigate(strings.TrimSuffix(b.cfg.BaseURL, "/")),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(js, &authed, awaitPromise)); err != nil {
		return false, fmt.Errorf("auth check in %s: %w", b.cfg.ID, err)
	}
	return authed, nil
}
