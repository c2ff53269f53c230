// Package server implements the HTTP transport shell: the echo-based
// process entry point that wires every process-wide singleton once and
// mounts the mission/RAG/reports/stats/health/metrics routes.
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
	"github.com/redis/go-redis/v9"

	"github.com/marketpulse/missioncore/internal/actions"
	"github.com/marketpulse/missioncore/internal/config"
	"github.com/marketpulse/missioncore/internal/embedding"
	"github.com/marketpulse/missioncore/internal/executor"
	"github.com/marketpulse/missioncore/internal/llm"
	"github.com/marketpulse/missioncore/internal/planner"
	"github.com/marketpulse/missioncore/internal/rag"
	"github.com/marketpulse/missioncore/internal/scraper"
	"github.com/marketpulse/missioncore/internal/store"
	"github.com/marketpulse/missioncore/internal/streamer"
	"github.com/marketpulse/missioncore/internal/telemetry"
	"github.com/marketpulse/missioncore/internal/vectorstore"
	"github.com/marketpulse/missioncore/internal/websearch"
)

// Run builds every process-wide singleton from cfg and serves the HTTP
// transport shell until the process is killed. It is the sole place these
// singletons are constructed, per the constructor-injection lifecycle
// described in this core's design notes.
func Run(cfg *config.Config) error {
	bgCtx := context.Background()

	relStore, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.ConnMaxLifetime, telemetry.New("STORE"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	activeLLM, err := cfg.LLM.Active()
	if err != nil {
		return err
	}
	provider, err := buildProvider(cfg.LLM, activeLLM)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}
	gateway := llm.New(provider, telemetry.New("LLM"))

	embedSvc := embedding.New(gateway, gateway.EmbeddingDimension())
	vstore := vectorstore.New(relStore.DB(), gateway.EmbeddingDimension(), telemetry.New("VSTORE"))

	searchTool, err := buildSearchTool(cfg.Tools)
	if err != nil {
		return fmt.Errorf("build search tool: %w", err)
	}
	scrapeTool := scraper.New(cfg.Tools.ScraperTimeout, embedSvc, vstore, telemetry.New("SCRAPER"), bgCtx)
	dispatcher := actions.New(actions.LoggingNotebookClient{Log: func(title, content string) {
		log.Printf("[NOTEBOOK] saved %q (%d bytes)", title, len(content))
	}}, cfg.SMTP)
	plan := planner.New(plannerGenerator{gw: gateway}, telemetry.New("PLANNER"))

	exec := executor.New(plan, searchTool, scrapeTool, dispatcher, gateway, embedSvc, vstore, relStore, telemetry.New("MISSION"))
	ragSvc := rag.New(embedSvc, vstore, gateway, relStore, telemetry.New("RAG"))

	var cancellation streamer.CancellationStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(bgCtx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr, err)
		}
		cancellation = streamer.NewRedisCancellationStore(rdb, cfg.Redis.FlagTTL)
	}
	stream := streamer.New(exec, telemetry.New("STREAM"), cancellation)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handlers := NewHandlers(exec, stream, ragSvc, relStore, vstore, telemetry.New("HTTP"), metrics)

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
			_ = c.JSON(code, map[string]string{"error": msg})
		}
	}

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     corsOrigins(cfg.Server.CORSAllowedOrigins),
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-API-Key"},
		AllowCredentials: true,
	}))
	if cfg.Server.APIKey != "" {
		e.Use(apiKeyMiddleware(cfg.Server.APIKey))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/health", handlers.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	api.POST("/missions/stream", handlers.RunMissionStream)
	api.POST("/missions", handlers.RunMissionBuffered)
	api.POST("/rag/query", handlers.RAGQuery)
	api.GET("/reports", handlers.ListReports)
	api.GET("/stats", handlers.Stats)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

func corsOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

// apiKeyMiddleware requires the X-API-Key header to match key on every
// request except the unauthenticated readiness probe.
func apiKeyMiddleware(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == "/healthz" {
				return next(c)
			}
			if c.Request().Header.Get("X-API-Key") != key {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
			}
			return next(c)
		}
	}
}

// plannerGenerator adapts *llm.Gateway to planner.Generator: the Planner
// depends on its own GenerateOptions type to keep its import surface small,
// so the Gateway's identical-shaped llm.GenerateOptions needs a one-line
// translation rather than a structural match.
type plannerGenerator struct {
	gw *llm.Gateway
}

func (p plannerGenerator) Generate(ctx context.Context, prompt string, opts planner.GenerateOptions) (string, error) {
	return p.gw.Generate(ctx, prompt, llm.GenerateOptions{Temperature: opts.Temperature, MaxTokens: opts.MaxTokens})
}

func buildProvider(cfg config.LLMConfig, active config.LLMProviderConfig) (llm.Provider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	switch active.Type {
	case "openai":
		return llm.NewOpenAIProvider(active.APIKey, active.BaseURL, active.Model, active.EmbeddingModel, active.EmbeddingDimension, active.MaxPayloadBytes, timeout), nil
	case "anthropic":
		var embedder llm.Provider
		if openaiCfg, ok := cfg.Providers["openai"]; ok {
			embedder = llm.NewOpenAIProvider(openaiCfg.APIKey, openaiCfg.BaseURL, openaiCfg.Model, openaiCfg.EmbeddingModel, openaiCfg.EmbeddingDimension, openaiCfg.MaxPayloadBytes, timeout)
		}
		return llm.NewAnthropicProvider(active.APIKey, active.BaseURL, active.Model, active.MaxPayloadBytes, timeout, embedder), nil
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", active.Type)
	}
}

func buildSearchTool(cfg config.ToolsConfig) (*websearch.Tool, error) {
	switch cfg.SearchProvider {
	case "brave":
		return websearch.New(websearch.NewBraveBackend(cfg.BraveAPIKey, 5), cfg.SearchTimeout), nil
	case "serper", "":
		return websearch.New(websearch.NewSerperBackend(cfg.SerperAPIKey, 5), cfg.SearchTimeout), nil
	default:
		return nil, fmt.Errorf("unknown search provider %q", cfg.SearchProvider)
	}
}
