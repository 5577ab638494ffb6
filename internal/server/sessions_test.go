package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/karzina/config"
	"github.com/mohammad-safakhou/karzina/internal/engine"
	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/internal/session/inmemory"
	"github.com/mohammad-safakhou/karzina/internal/shop"
	"github.com/mohammad-safakhou/karzina/models"
)

type fakeBackend struct {
	candidates []session.Candidate
}

func (f *fakeBackend) Search(ctx context.Context, query string, limit int) ([]session.Candidate, error) {
	return f.candidates, nil
}
func (f *fakeBackend) AddToCart(ctx context.Context, productID string, quantity float64) error {
	return nil
}
func (f *fakeBackend) ClearCart(ctx context.Context) error            { return nil }
func (f *fakeBackend) GetCartURL(ctx context.Context) (string, error) { return "https://x/cart", nil }
func (f *fakeBackend) CheckAuth(ctx context.Context) (bool, error)    { return true, nil }

type fakeProvider struct {
	result models.ChatResult
}

func (f *fakeProvider) Chat(ctx context.Context, messages []models.Message, tools []models.Tool, onDelta func(string)) (models.ChatResult, error) {
	return f.result, nil
}
func (f *fakeProvider) SupportsToolCalling() bool { return true }

func TestSessionEndpoints(t *testing.T) {
	sessions := inmemory.NewStore()
	reg := shop.NewRegistry()
	builder := engine.NewBuilder(reg, engine.NewMatcher(&fakeProvider{}, nil), nil, nil)
	orch := engine.NewOrchestrator(sessions, reg, builder, nil, nil, nil, nil)
	h := &SessionsHandler{Orch: orch}
	e := echo.New()

	// create a session
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.create(c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created session.ShoppingSession
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if created.State != session.StateDrafting {
		t.Fatalf("new session must be drafting, got %s", created.State)
	}

	// add an item
	body := strings.NewReader(`{"name":"Milk","quantity":2,"unit":"l"}`)
	req = httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	if err := h.addItem(c); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	// list items
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	if err := h.items(c); err != nil {
		t.Fatalf("items: %v", err)
	}
	var items []session.DraftItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decoding items: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Milk" {
		t.Fatalf("unexpected items %+v", items)
	}

	// removing a missing item is a 404
	body = strings.NewReader(`{"name":"caviar"}`)
	req = httptest.NewRequest(http.MethodDelete, "/", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(created.ID)
	err := h.removeItem(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	sessions := inmemory.NewStore()
	reg := shop.NewRegistry()
	builder := engine.NewBuilder(reg, engine.NewMatcher(&fakeProvider{}, nil), nil, nil)
	orch := engine.NewOrchestrator(sessions, reg, builder, nil, nil, nil, nil)
	h := &SessionsHandler{Orch: orch}
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.get(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestPlanStreamsEvents(t *testing.T) {
	sessions := inmemory.NewStore()
	reg := shop.NewRegistry()
	backend := &fakeBackend{candidates: []session.Candidate{
		{ID: "m1", Name: "Whole Milk 1l", Price: 50, PackageSize: 1, InStock: true},
	}}
	if err := reg.Register(config.StoreConfig{ID: "greenmart", BaseURL: "https://g.example", Priority: 1}, backend); err != nil {
		t.Fatalf("register: %v", err)
	}
	p := &fakeProvider{result: models.ChatResult{ToolCalls: []models.ToolCall{{
		ID:        "c1",
		Name:      "select_product",
		Arguments: json.RawMessage(`{"selected_product_id":"m1","reasoning":"exact"}`),
	}}}}
	builder := engine.NewBuilder(reg, engine.NewMatcher(p, nil), nil, nil)
	orch := engine.NewOrchestrator(sessions, reg, builder, nil, nil, nil, nil)
	h := &SessionsHandler{Orch: orch}
	e := echo.New()

	ctx := context.Background()
	sess, err := orch.StartSession(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := orch.AddItem(ctx, sess.ID, "Milk", 2, "l", ""); err != nil {
		t.Fatalf("add: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(sess.ID)

	if err := h.plan(c); err != nil {
		t.Fatalf("plan: %v", err)
	}
	streamed := rec.Body.String()
	if !strings.Contains(streamed, "event: search_started") {
		t.Fatalf("missing search_started event:\n%s", streamed)
	}
	if !strings.Contains(streamed, "event: selection_completed") {
		t.Fatalf("missing selection_completed event:\n%s", streamed)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	// the run's outcome is persisted shortly after the stream closes
	deadline := time.Now().Add(2 * time.Second)
	for {
		stored, err := sessions.Get(ctx, sess.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.State == session.StateAnalyzing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached analyzing, state=%s", stored.State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
