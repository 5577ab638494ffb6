package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/internal/shop"
	"github.com/mohammad-safakhou/karzina/internal/telemetry"
)

// recentHistoryLimit bounds how much purchase history feeds the matcher.
const recentHistoryLimit = 25

// HistorySource is the purchase-history capability the orchestrator consumes.
// Both methods are optional features; a nil HistorySource disables them.
type HistorySource interface {
	RecentPurchases(ctx context.Context, limit int) ([]session.PastPurchase, error)
	RecordBasket(ctx context.Context, basket *session.PlannedBasket, items []session.DraftItem) error
}

// Notification kinds delivered to the UI callback.
const (
	NotifySessionChanged = "session_changed"
	NotifyItemAdded      = "item_added"
	NotifyItemUpdated    = "item_updated"
	NotifyItemRemoved    = "item_removed"
)

// Orchestrator is the single source of truth for shopping sessions: item
// CRUD, the state machine, planning and checkout all go through it.
type Orchestrator struct {
	sessions  session.Store
	registry  *shop.Registry
	builder   *Builder
	chat      *ChatLoop
	history   HistorySource
	telemetry *telemetry.Telemetry
	logger    *log.Logger

	// notify is the UI's change listener; nil means nobody is watching.
	notify func(kind, sessionID string)

	// mu serializes session mutation. Sessions are keyed by id, but the
	// reference behavior of one logical caller at a time is kept.
	mu sync.Mutex
}

func NewOrchestrator(sessions session.Store, registry *shop.Registry, builder *Builder, chat *ChatLoop, history HistorySource, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		sessions:  sessions,
		registry:  registry,
		builder:   builder,
		chat:      chat,
		history:   history,
		telemetry: tele,
		logger:    logger,
	}
}

// SetChat attaches the chat loop. Construction is two-phase because the
// loop's basket tool talks back to the orchestrator.
func (o *Orchestrator) SetChat(chat *ChatLoop) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chat = chat
}

// SetNotify registers the UI change listener.
func (o *Orchestrator) SetNotify(fn func(kind, sessionID string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notify = fn
}

func (o *Orchestrator) emitNotify(kind, sessionID string) {
	if o.notify != nil {
		o.notify(kind, sessionID)
	}
}

// StartSession creates a fresh session in the Drafting state.
func (o *Orchestrator) StartSession(ctx context.Context) (*session.ShoppingSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess := &session.ShoppingSession{
		ID:             uuid.NewString(),
		CreatedAt:      time.Now(),
		State:          session.StateDrafting,
		Items:          []session.DraftItem{},
		ConversationID: uuid.NewString(),
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("saving new session: %w", err)
	}
	o.logger.Printf("started session %s", sess.ID)
	o.emitNotify(NotifySessionChanged, sess.ID)
	return sess.Clone(), nil
}

// Session returns a snapshot of the session.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (*session.ShoppingSession, error) {
	return o.sessions.Get(ctx, sessionID)
}

// AddItem appends a draft item, or merges quantities when an item with a
// fuzzy-matching name already exists.
func (o *Orchestrator) AddItem(ctx context.Context, sessionID, name string, quantity float64, unit, category string) (session.DraftItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return session.DraftItem{}, err
	}

	if idx := findItem(sess.Items, name); idx >= 0 {
		sess.Items[idx].Quantity += quantity
		if unit != "" {
			sess.Items[idx].Unit = unit
		}
		if err := o.sessions.Save(ctx, sess); err != nil {
			return session.DraftItem{}, err
		}
		o.emitNotify(NotifyItemUpdated, sessionID)
		return sess.Items[idx], nil
	}

	item := session.DraftItem{
		ID:        uuid.NewString(),
		Name:      name,
		Quantity:  quantity,
		Unit:      unit,
		Category:  category,
		Origin:    session.OriginManual,
		CreatedAt: time.Now(),
	}
	sess.Items = append(sess.Items, item)
	if err := o.sessions.Save(ctx, sess); err != nil {
		return session.DraftItem{}, err
	}
	o.emitNotify(NotifyItemAdded, sessionID)
	return item, nil
}

// AddHistoryItems appends items suggested by history analysis, merging like
// AddItem but stamping the history origin.
func (o *Orchestrator) AddHistoryItems(ctx context.Context, sessionID string, items []session.DraftItem) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if idx := findItem(sess.Items, item.Name); idx >= 0 {
			sess.Items[idx].Quantity += item.Quantity
			continue
		}
		item.ID = uuid.NewString()
		item.Origin = session.OriginHistory
		item.CreatedAt = time.Now()
		sess.Items = append(sess.Items, item)
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return err
	}
	o.emitNotify(NotifyItemAdded, sessionID)
	return nil
}

// RemoveItem drops the first fuzzy-matching item. A miss is a no-op, not an
// error.
func (o *Orchestrator) RemoveItem(ctx context.Context, sessionID, name string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	idx := findItem(sess.Items, name)
	if idx < 0 {
		return false, nil
	}
	sess.Items = append(sess.Items[:idx], sess.Items[idx+1:]...)
	if err := o.sessions.Save(ctx, sess); err != nil {
		return false, err
	}
	o.emitNotify(NotifyItemRemoved, sessionID)
	return true, nil
}

// UpdateItem sets quantity (and unit, when given) on the first
// fuzzy-matching item.
func (o *Orchestrator) UpdateItem(ctx context.Context, sessionID, name string, quantity float64, unit string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	idx := findItem(sess.Items, name)
	if idx < 0 {
		return false, nil
	}
	sess.Items[idx].Quantity = quantity
	if unit != "" {
		sess.Items[idx].Unit = unit
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return false, err
	}
	o.emitNotify(NotifyItemUpdated, sessionID)
	return true, nil
}

// GetItems returns a snapshot copy of the draft list.
func (o *Orchestrator) GetItems(ctx context.Context, sessionID string) ([]session.DraftItem, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items := make([]session.DraftItem, len(sess.Items))
	copy(items, sess.Items)
	return items, nil
}

// Chat forwards one user message to the chat loop and streams the turn's
// progress. The returned channel closes when the turn ends.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string) (<-chan Progress, error) {
	if o.chat == nil {
		return nil, fmt.Errorf("chat loop not configured")
	}
	if _, err := o.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	out := make(chan Progress)
	go func() {
		defer close(out)
		o.chat.Send(ctx, sessionID, message, func(p Progress) {
			select {
			case out <- p:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

// Plan starts the basket-building run for the session's draft list. The
// session must be Drafting; it moves to Planning for the duration of the run
// and to Analyzing when the run completes. Cancellation stops the run and
// leaves completed baskets readable, with the session still in Planning.
func (o *Orchestrator) Plan(ctx context.Context, sessionID string) (<-chan Progress, error) {
	o.mu.Lock()
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if err := sess.Transition(session.StatePlanning); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if len(sess.Items) == 0 {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: no items to plan", session.ErrInvalidState)
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.mu.Unlock()
	o.emitNotify(NotifySessionChanged, sessionID)

	items := make([]session.DraftItem, len(sess.Items))
	copy(items, sess.Items)

	out := make(chan Progress)
	go func() {
		defer close(out)
		emit := func(p Progress) {
			select {
			case out <- p:
			case <-ctx.Done():
			}
		}

		history := o.recentHistory(ctx)
		if len(history) > 0 {
			emit(Notice{base: now(), Message: fmt.Sprintf("matching against %d past purchases", len(history))})
		}

		result, runErr := o.builder.Run(ctx, items, history, emit)
		o.telemetry.ObservePlanningRun(runErr)
		o.finishPlanning(sessionID, result, runErr)
	}()
	return out, nil
}

// finishPlanning records the run's output on the session. Uses a background
// context so a cancelled run can still persist its partial results.
func (o *Orchestrator) finishPlanning(sessionID string, result BuildResult, runErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := o.sessions.Get(saveCtx, sessionID)
	if err != nil {
		o.logger.Printf("planning finished but session %s is gone: %v", sessionID, err)
		return
	}
	sess.SearchResults = result.SearchResults
	sess.Baskets = result.Baskets
	for storeID := range result.Baskets {
		o.telemetry.ObserveBasket(storeID)
	}

	if runErr != nil {
		// Cancelled mid-run: keep the partial state, stay in Planning.
		o.logger.Printf("planning for %s stopped: %v", sessionID, runErr)
	} else if err := sess.Transition(session.StateAnalyzing); err != nil {
		o.logger.Printf("planning for %s finished in unexpected state: %v", sessionID, err)
	}
	if err := o.sessions.Save(saveCtx, sess); err != nil {
		o.logger.Printf("saving planning results for %s: %v", sessionID, err)
		return
	}
	o.emitNotify(NotifySessionChanged, sessionID)
}

func (o *Orchestrator) recentHistory(ctx context.Context) []session.PastPurchase {
	if o.history == nil {
		return nil
	}
	purchases, err := o.history.RecentPurchases(ctx, recentHistoryLimit)
	if err != nil {
		o.logger.Printf("purchase history unavailable: %v", err)
		return nil
	}
	return purchases
}

// Baskets exposes the built baskets once a planning run has completed.
func (o *Orchestrator) Baskets(ctx context.Context, sessionID string) (map[string]*session.PlannedBasket, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Baskets, nil
}

// CreateCart populates a real cart in the chosen store and returns the
// checkout URL. The session must be Analyzing; it passes through Finalizing
// and ends Completed, or reverts to Analyzing when the store rejects the
// cart.
func (o *Orchestrator) CreateCart(ctx context.Context, sessionID, storeID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	basket, ok := sess.Baskets[storeID]
	if !ok {
		return "", fmt.Errorf("no basket built for store %s", storeID)
	}
	if err := sess.Transition(session.StateFinalizing); err != nil {
		return "", err
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return "", err
	}
	o.emitNotify(NotifySessionChanged, sessionID)

	url, err := o.fillCart(ctx, storeID, basket)
	o.telemetry.ObserveCheckout(storeID, err)
	if err != nil {
		// Checkout failure walks the only backward edge.
		if terr := sess.Transition(session.StateAnalyzing); terr != nil {
			o.logger.Printf("reverting session %s after checkout failure: %v", sessionID, terr)
		}
		if serr := o.sessions.Save(ctx, sess); serr != nil {
			o.logger.Printf("saving session %s after checkout failure: %v", sessionID, serr)
		}
		o.emitNotify(NotifySessionChanged, sessionID)
		return "", fmt.Errorf("creating cart in %s: %w", storeID, err)
	}

	sess.SelectedStore = storeID
	sess.CheckoutURL = url
	if err := sess.Transition(session.StateCompleted); err != nil {
		return "", err
	}
	if err := o.sessions.Save(ctx, sess); err != nil {
		return "", err
	}
	o.emitNotify(NotifySessionChanged, sessionID)

	if o.history != nil {
		if err := o.history.RecordBasket(ctx, basket, sess.Items); err != nil {
			o.logger.Printf("recording purchase history for %s: %v", sessionID, err)
		}
	}
	return url, nil
}

// fillCart clears the store cart and adds every matched line.
func (o *Orchestrator) fillCart(ctx context.Context, storeID string, basket *session.PlannedBasket) (string, error) {
	st, err := o.registry.Get(storeID)
	if err != nil {
		return "", err
	}
	if err := st.Backend.ClearCart(ctx); err != nil {
		return "", err
	}
	for _, line := range basket.Items {
		if line.Match == nil {
			continue
		}
		if err := st.Backend.AddToCart(ctx, line.Match.ID, line.Quantity); err != nil {
			return "", err
		}
	}
	return st.Backend.GetCartURL(ctx)
}

// findItem resolves a name to an item index: case-insensitive exact match
// first, then substring containment in either direction. First match wins;
// that ambiguity is inherited behavior callers rely on.
func findItem(items []session.DraftItem, name string) int {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return -1
	}
	for i := range items {
		if strings.ToLower(items[i].Name) == needle {
			return i
		}
	}
	for i := range items {
		have := strings.ToLower(items[i].Name)
		if strings.Contains(have, needle) || strings.Contains(needle, have) {
			return i
		}
	}
	return -1
}
