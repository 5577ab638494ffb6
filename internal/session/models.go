package session

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a shopping session.
type State string

const (
	StateDrafting   State = "drafting"
	StatePlanning   State = "planning"
	StateAnalyzing  State = "analyzing"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
)

// transitions lists the allowed forward edges of the session state machine.
// Finalizing -> Analyzing is the only backward edge (checkout failure).
var transitions = map[State][]State{
	StateDrafting:   {StatePlanning},
	StatePlanning:   {StateAnalyzing},
	StateAnalyzing:  {StateFinalizing},
	StateFinalizing: {StateCompleted, StateAnalyzing},
	StateCompleted:  {},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ItemOrigin records how a draft item entered the session.
type ItemOrigin string

const (
	OriginManual  ItemOrigin = "manual"
	OriginHistory ItemOrigin = "history"
)

// DraftItem is a requested shopping-list line before it is matched to any
// real product. Its ID correlates search results and plan lines across the
// whole pipeline.
type DraftItem struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Quantity     float64    `json:"quantity"`
	Unit         string     `json:"unit"`
	Category     string     `json:"category,omitempty"`
	CategoryPath []string   `json:"category_path,omitempty"`
	Note         string     `json:"note,omitempty"`
	Origin       ItemOrigin `json:"origin"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Candidate is a product returned by a store's search backend for a query.
type Candidate struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Price       float64 `json:"price"`
	PackageSize float64 `json:"package_size"`
	PackageUnit string  `json:"package_unit"`
	InStock     bool    `json:"in_stock"`
	ImageURL    string  `json:"image_url,omitempty"`
}

// SearchResult accumulates per-store search output during a planning pass.
// It is append-only within a single pass.
type SearchResult struct {
	StoreID    string                 `json:"store_id"`
	Candidates map[string][]Candidate `json:"candidates"` // draft item id -> candidates
	ItemsFound int                    `json:"items_found"`
	ItemsTotal int                    `json:"items_total"`
	Completed  bool                   `json:"completed"`
}

// Alternative is a ranked runner-up the matcher proposes next to its
// primary selection.
type Alternative struct {
	ProductID string  `json:"product_id"`
	Quantity  float64 `json:"quantity,omitempty"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// PastPurchase is one line of purchase history handed to the matcher and
// the history analyzer.
type PastPurchase struct {
	StoreID     string    `json:"store_id"`
	ProductName string    `json:"product_name"`
	Quantity    float64   `json:"quantity"`
	Unit        string    `json:"unit"`
	Price       float64   `json:"price"`
	BoughtAt    time.Time `json:"bought_at"`
}

// PlannedItem maps one draft item to the matcher's decision in one store.
// Match is nil when the item stayed unmatched there.
type PlannedItem struct {
	ItemID       string        `json:"item_id"`
	Match        *Candidate    `json:"match,omitempty"`
	Quantity     float64       `json:"quantity"`
	LineTotal    float64       `json:"line_total"`
	Reasoning    string        `json:"reasoning,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
}

// PlannedBasket is the priced outcome for one store. Invariants:
// TotalPrice equals the sum of line totals and ItemsFound <= ItemsTotal.
type PlannedBasket struct {
	StoreID          string        `json:"store_id"`
	Items            []PlannedItem `json:"items"`
	TotalPrice       float64       `json:"total_price"`
	ItemsFound       int           `json:"items_found"`
	ItemsTotal       int           `json:"items_total"`
	DeliveryEstimate string        `json:"delivery_estimate,omitempty"`
	BuiltAt          time.Time     `json:"built_at"`
}

// ShoppingSession is one active planning session. It is owned by the
// orchestrator and mutated only through its methods.
type ShoppingSession struct {
	ID             string                    `json:"id"`
	CreatedAt      time.Time                 `json:"created_at"`
	State          State                     `json:"state"`
	Items          []DraftItem               `json:"items"`
	SearchResults  map[string]*SearchResult  `json:"search_results,omitempty"` // store id -> result
	Baskets        map[string]*PlannedBasket `json:"baskets,omitempty"`        // store id -> basket
	SelectedStore  string                    `json:"selected_store,omitempty"`
	CheckoutURL    string                    `json:"checkout_url,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing the live session to mutation.
func (s *ShoppingSession) Clone() *ShoppingSession {
	if s == nil {
		return nil
	}
	out := *s
	out.Items = make([]DraftItem, len(s.Items))
	copy(out.Items, s.Items)
	if s.SearchResults != nil {
		out.SearchResults = make(map[string]*SearchResult, len(s.SearchResults))
		for id, sr := range s.SearchResults {
			cp := *sr
			cp.Candidates = make(map[string][]Candidate, len(sr.Candidates))
			for item, cands := range sr.Candidates {
				cc := make([]Candidate, len(cands))
				copy(cc, cands)
				cp.Candidates[item] = cc
			}
			out.SearchResults[id] = &cp
		}
	}
	if s.Baskets != nil {
		out.Baskets = make(map[string]*PlannedBasket, len(s.Baskets))
		for id, b := range s.Baskets {
			cp := *b
			cp.Items = make([]PlannedItem, len(b.Items))
			copy(cp.Items, b.Items)
			out.Baskets[id] = &cp
		}
	}
	return &out
}

// Transition moves the session to next or fails with an invalid-state error.
func (s *ShoppingSession) Transition(next State) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, s.State, next)
	}
	s.State = next
	return nil
}
