package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/index"
	"github.com/mohammad-safakhou/askbase/internal/ingest"
)

// IngestHandler exposes on-demand document ingestion next to the cron
// driven refresh.
type IngestHandler struct {
	Fetcher *ingest.Fetcher
	Runner  *ingest.Runner
	Index   *index.Index
}

func (h *IngestHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.ingestOne)
	g.POST("/refresh", h.refresh)
}

func (h *IngestHandler) ingestOne(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.URL) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "url is required")
	}
	doc, err := h.Fetcher.Fetch(c.Request().Context(), config.IngestSource{Name: req.Name, URL: req.URL})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	if _, err := h.Index.IndexDocument(doc); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, IngestResponse{Indexed: 1})
}

func (h *IngestHandler) refresh(c echo.Context) error {
	n := h.Runner.RunOnce(c.Request().Context())
	return c.JSON(http.StatusOK, IngestResponse{Indexed: n})
}
