package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/mohammad-safakhou/karzina/config"
	"github.com/mohammad-safakhou/karzina/internal/engine"
	"github.com/mohammad-safakhou/karzina/internal/history"
	"github.com/mohammad-safakhou/karzina/internal/session"
	"github.com/mohammad-safakhou/karzina/internal/session/inmemory"
	"github.com/mohammad-safakhou/karzina/internal/session/redisstore"
	"github.com/mohammad-safakhou/karzina/internal/shop"
	chromedpbackend "github.com/mohammad-safakhou/karzina/internal/shop/chromedp"
	"github.com/mohammad-safakhou/karzina/internal/telemetry"
	"github.com/mohammad-safakhou/karzina/internal/tools"
	"github.com/mohammad-safakhou/karzina/provider"
)

const storeBackendTimeout = 45 * time.Second

// Run wires the whole application together and serves HTTP until the
// listener fails.
func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	var tele *telemetry.Telemetry
	if cfg.Telemetry.Enabled {
		reg := prometheus.NewRegistry()
		tele = telemetry.New(reg)
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	ctx := context.Background()

	dsn := cfg.Databases.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	hist, err := history.NewWithDSN(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}

	// Sessions live in Redis when configured, otherwise in process memory.
	var sessions session.Store
	if addr := cfg.Databases.Redis.Addr(); addr != "" {
		client, err := redisstore.Conn(ctx, addr, cfg.Databases.Redis.Pass, cfg.Databases.Redis.DB, cfg.Databases.Redis.Timeout)
		if err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", addr, err)
		}
		sessions = redisstore.NewStore(client, cfg.Databases.Redis.SessionTTL)
	} else {
		sessions = inmemory.NewStore()
	}

	llm, err := provider.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	registry := shop.NewRegistry()
	for _, sc := range cfg.Stores {
		backend := chromedpbackend.New(ctx, sc, storeBackendTimeout)
		if err := registry.Register(sc, backend); err != nil {
			return err
		}
	}

	matcher := engine.NewMatcher(llm, log.New(log.Writer(), "[MATCH] ", log.LstdFlags))
	builder := engine.NewBuilder(registry, matcher, tele, log.New(log.Writer(), "[BUILD] ", log.LstdFlags))
	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)

	// The chat loop and the orchestrator reference each other through the
	// basket tool, so the orchestrator is built first and the loop attached.
	orch := engine.NewOrchestrator(sessions, registry, builder, nil, hist, tele, orchLogger)
	toolRegistry := tools.NewRegistry(
		tools.NewBasketTool(orch),
		tools.NewQueryTool(hist.DB),
		tools.NewTimeTool(),
	)
	chat := engine.NewChatLoop(llm, toolRegistry, tele, log.New(log.Writer(), "[CHAT] ", log.LstdFlags))
	orch.SetChat(chat)

	analyzer := history.NewAnalyzer(llm, log.New(log.Writer(), "[HISTORY] ", log.LstdFlags))

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	auth := &AuthHandler{Store: hist, Secret: []byte(secret)}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	sh := &SessionsHandler{Orch: orch, Analyzer: analyzer, History: hist, Logger: baseLogger}
	sh.Register(api.Group("/sessions"), auth.Secret)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":10010"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
