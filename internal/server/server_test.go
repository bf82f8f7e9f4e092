package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	appconfig "github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/engine"
)

func TestHealthz(t *testing.T) {
	e := newEcho(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}

func TestErrorHandlerEnvelope(t *testing.T) {
	e := newEcho(nil)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct == "" {
		t.Fatalf("expected a content type")
	}
}

func TestMetricsRouteTogglesWithConfig(t *testing.T) {
	cfg := &appconfig.Config{}
	cfg.Telemetry.Enabled = false
	e := newEcho(cfg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("metrics should be disabled, got %d", rec.Code)
	}

	cfg.Telemetry.Enabled = true
	e = newEcho(cfg)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics should be enabled, got %d", rec.Code)
	}
}

func TestPolicyFromConfigOverlay(t *testing.T) {
	p := PolicyFromConfig(appconfig.EngineConfig{
		MaxIterations: 5,
		SearchMode:    "lexical",
		StageTimeout:  3 * time.Second,
	})
	if p.MaxIterations != 5 {
		t.Fatalf("MaxIterations = %d", p.MaxIterations)
	}
	if p.SearchMode != engine.ModeLexical {
		t.Fatalf("SearchMode = %s", p.SearchMode)
	}
	if p.StageTimeout != 3*time.Second {
		t.Fatalf("StageTimeout = %s", p.StageTimeout)
	}
	// untouched fields keep their defaults
	if p.PrimaryLimit != engine.DefaultPolicy().PrimaryLimit {
		t.Fatalf("PrimaryLimit = %d", p.PrimaryLimit)
	}
}

func TestLimitsFromConfigOverlay(t *testing.T) {
	l := LimitsFromConfig(appconfig.BudgetConfig{TotalBudget: 8000, CitationCeiling: 10})
	if l.TotalBudget != 8000 || l.CitationCeiling != 10 {
		t.Fatalf("unexpected limits: %+v", l)
	}
	if l.SafetyMargin != 0.9 || l.MinAnswerTokens != 1000 {
		t.Fatalf("defaults lost: %+v", l)
	}
}
