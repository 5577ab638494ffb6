package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/karzina/internal/engine"
	"github.com/mohammad-safakhou/karzina/internal/history"
	"github.com/mohammad-safakhou/karzina/internal/session"
)

// SessionsHandler exposes the shopping-session lifecycle over HTTP. Planning
// and chat responses stream as Server-Sent Events.
type SessionsHandler struct {
	Orch     *engine.Orchestrator
	Analyzer *history.Analyzer
	History  *history.Store
	Logger   *log.Logger
}

func (h *SessionsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.GET("/:id/items", h.items)
	g.POST("/:id/items", h.addItem)
	g.PUT("/:id/items", h.updateItem)
	g.DELETE("/:id/items", h.removeItem)
	g.POST("/:id/suggestions", h.suggest)
	g.POST("/:id/chat", h.chat)
	g.POST("/:id/plan", h.plan)
	g.GET("/:id/baskets", h.baskets)
	g.POST("/:id/cart", h.createCart)
}

func (h *SessionsHandler) create(c echo.Context) error {
	sess, err := h.Orch.StartSession(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.Orch.Session(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) items(c echo.Context) error {
	items, err := h.Orch.GetItems(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type itemRequest struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Category string  `json:"category"`
}

func (h *SessionsHandler) addItem(c echo.Context) error {
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name required")
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	item, err := h.Orch.AddItem(c.Request().Context(), c.Param("id"), req.Name, req.Quantity, req.Unit, req.Category)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusCreated, item)
}

func (h *SessionsHandler) updateItem(c echo.Context) error {
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ok, err := h.Orch.UpdateItem(c.Request().Context(), c.Param("id"), req.Name, req.Quantity, req.Unit)
	if err != nil {
		return sessionError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "item not found")
	}
	return c.NoContent(http.StatusOK)
}

func (h *SessionsHandler) removeItem(c echo.Context) error {
	var req itemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ok, err := h.Orch.RemoveItem(c.Request().Context(), c.Param("id"), req.Name)
	if err != nil {
		return sessionError(err)
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "item not found")
	}
	return c.NoContent(http.StatusOK)
}

// suggest runs the history analyzer and appends whatever it proposes to the
// draft list.
func (h *SessionsHandler) suggest(c echo.Context) error {
	if h.Analyzer == nil || h.History == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "purchase history not configured")
	}
	ctx := c.Request().Context()
	purchases, err := h.History.RecentPurchases(ctx, 50)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	items, err := h.Analyzer.Suggest(ctx, purchases)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(items) > 0 {
		if err := h.Orch.AddHistoryItems(ctx, c.Param("id"), items); err != nil {
			return sessionError(err)
		}
	}
	return c.JSON(http.StatusOK, items)
}

type chatRequest struct {
	Message string `json:"message"`
}

func (h *SessionsHandler) chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message required")
	}
	events, err := h.Orch.Chat(c.Request().Context(), c.Param("id"), req.Message)
	if err != nil {
		return sessionError(err)
	}
	return h.streamProgress(c, events)
}

func (h *SessionsHandler) plan(c echo.Context) error {
	events, err := h.Orch.Plan(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return h.streamProgress(c, events)
}

func (h *SessionsHandler) baskets(c echo.Context) error {
	baskets, err := h.Orch.Baskets(c.Request().Context(), c.Param("id"))
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, baskets)
}

type cartRequest struct {
	StoreID string `json:"store_id"`
}

func (h *SessionsHandler) createCart(c echo.Context) error {
	var req cartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.StoreID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "store_id required")
	}
	url, err := h.Orch.CreateCart(c.Request().Context(), c.Param("id"), req.StoreID)
	if err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"checkout_url": url})
}

// streamProgress relays a progress channel as Server-Sent Events until the
// channel closes or the client hangs up.
func (h *SessionsHandler) streamProgress(c echo.Context, events <-chan engine.Progress) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, open := <-events:
			if !open {
				return nil
			}
			env, err := engine.Envelop(p)
			if err != nil {
				if h.Logger != nil {
					h.Logger.Printf("marshalling progress event: %v", err)
				}
				continue
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if _, err := resp.Write([]byte("event: " + string(p.Kind()) + "\n")); err != nil {
				return nil
			}
			if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

// sessionError maps the orchestrator's sentinel errors to HTTP statuses.
func sessionError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
