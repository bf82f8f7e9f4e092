package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	appconfig "github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/budget"
	"github.com/mohammad-safakhou/askbase/internal/engine"
	"github.com/mohammad-safakhou/askbase/internal/index"
	"github.com/mohammad-safakhou/askbase/internal/ingest"
	"github.com/mohammad-safakhou/askbase/internal/llm"
	"github.com/mohammad-safakhou/askbase/internal/session"
	"github.com/mohammad-safakhou/askbase/internal/store"
	"github.com/mohammad-safakhou/askbase/internal/telemetry"
)

// Run builds the full service from config and serves HTTP until the
// listener fails. addr overrides server.address when non-empty.
func Run(cfg *appconfig.Config, addr string) error {
	e := newEcho(cfg)

	ctx := context.Background()
	if err := store.Migrate("file://migrations", cfg.Storage.Postgres.ConnString(), "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.ConnString())
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.Index.Path, cfg.Index.ChunkChars, cfg.Index.ChunkOverlap, nil)
	if err != nil {
		return err
	}

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	answerClient := llm.NewClient(cfg.LLM, cfg.LLM.AnswerModel, nil)
	intentClient := llm.NewClient(cfg.LLM, cfg.LLM.IntentModel, nil)
	classifier := llm.NewClassifier(intentClient, nil)
	allocator := budget.NewAllocator(LimitsFromConfig(cfg.Budget), nil)
	ctrl := engine.NewController(idx, classifier, answerClient, allocator,
		PolicyFromConfig(cfg.Engine), telemetry.StageHooks(), orchLogger)

	sessions, err := session.NewStore(cfg.Storage.Redis)
	if err != nil {
		return err
	}

	ingestLogger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	fetcher := ingest.NewFetcher(cfg.Ingest, ingestLogger)
	runner := ingest.NewRunner(cfg.Ingest, idx, ingestLogger)
	sched := ingest.NewScheduler(runner, cfg.Ingest.RefreshCron, ingestLogger)
	sched.Start()
	defer sched.Stop()

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	auth := &AuthHandler{Store: st, Secret: []byte(secret)}

	api := e.Group("/api")
	auth.Register(api.Group("/auth"))

	me := api.Group("/me")
	me.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, auth.Secret) })
	me.GET("", func(c echo.Context) error {
		return c.JSON(http.StatusOK, MeResponse{UserID: c.Get("user_id").(string)})
	})

	ah := &AskHandler{Engine: ctrl, Sessions: sessions, Store: st, Logger: orchLogger}
	ah.Register(api.Group("/ask"), auth.Secret)

	rh := &RunsHandler{Store: st}
	rh.Register(api.Group("/runs"), auth.Secret)

	ih := &IngestHandler{Fetcher: fetcher, Runner: runner, Index: idx}
	ih.Register(api.Group("/ingest"), auth.Secret)

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho assembles the echo instance with the shared middleware stack.
func newEcho(cfg *appconfig.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
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
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if cfg == nil || cfg.Telemetry.Enabled {
		path := "/metrics"
		if cfg != nil && cfg.Telemetry.MetricsPath != "" {
			path = cfg.Telemetry.MetricsPath
		}
		e.GET(path, echo.WrapHandler(promhttp.Handler()))
	}
	return e
}

// PolicyFromConfig overlays the engine config on the default policy.
func PolicyFromConfig(ec appconfig.EngineConfig) engine.Policy {
	p := engine.DefaultPolicy()
	if ec.MaxIterations > 0 {
		p.MaxIterations = ec.MaxIterations
	}
	if ec.PrimaryLimit > 0 {
		p.PrimaryLimit = ec.PrimaryLimit
	}
	if ec.AdditionalLimit > 0 {
		p.AdditionalLimit = ec.AdditionalLimit
	}
	if ec.MaxAdditional > 0 {
		p.MaxAdditionalPerRnd = ec.MaxAdditional
	}
	if ec.StageTimeout > 0 {
		p.StageTimeout = ec.StageTimeout
	}
	if ec.SearchMode != "" {
		p.SearchMode = engine.SearchMode(ec.SearchMode)
	}
	if ec.MinQuality > 0 {
		p.MinQuality = ec.MinQuality
	}
	if ec.SimilarityThreshold > 0 {
		p.SimilarityThreshold = ec.SimilarityThreshold
	}
	return p
}

// LimitsFromConfig overlays the budget config on the default limits.
func LimitsFromConfig(bc appconfig.BudgetConfig) budget.Limits {
	l := budget.DefaultLimits()
	if bc.TotalBudget > 0 {
		l.TotalBudget = bc.TotalBudget
	}
	if bc.OutputCeiling > 0 {
		l.OutputCeiling = bc.OutputCeiling
	}
	if bc.TemplateOverhead > 0 {
		l.TemplateOverhead = bc.TemplateOverhead
	}
	if bc.SafetyMargin > 0 {
		l.SafetyMargin = bc.SafetyMargin
	}
	if bc.MinAnswerTokens > 0 {
		l.MinAnswerTokens = bc.MinAnswerTokens
	}
	if bc.CitationCeiling > 0 {
		l.CitationCeiling = bc.CitationCeiling
	}
	return l
}
