package server

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/askbase/internal/engine"
	"github.com/mohammad-safakhou/askbase/internal/session"
	"github.com/mohammad-safakhou/askbase/internal/store"
	"github.com/mohammad-safakhou/askbase/internal/telemetry"
)

// AskHandler runs orchestrated question answering and persists the result.
type AskHandler struct {
	Engine   *engine.Controller
	Sessions *session.Store
	Store    *store.Store
	Logger   *log.Logger
}

func (h *AskHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("", h.ask)
}

// AskResponse is the orchestration result plus the session id the turn was
// recorded under.
type AskResponse struct {
	engine.OrchestrationResult
	SessionID string `json:"session_id"`
}

func (h *AskHandler) ask(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	ctx := c.Request().Context()
	userID, _ := c.Get("user_id").(string)

	sessionID := req.SessionID
	var turns []engine.ConversationTurn
	if h.Sessions != nil {
		sessionID = h.Sessions.Ensure(sessionID)
		var err error
		turns, err = h.Sessions.Recent(ctx, sessionID, 6)
		if err != nil {
			h.Logger.Printf("session history unavailable for %s: %v", sessionID, err)
		}
	}

	telemetry.RunsStarted.Inc()
	started := time.Now()
	res, err := h.Engine.Run(ctx, req.Query, turns)
	if err != nil {
		if errors.Is(err, engine.ErrEmptyQuery) {
			return echo.NewHTTPError(http.StatusBadRequest, "query is required")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	telemetry.ObserveRun(res, time.Since(started))

	if h.Sessions != nil {
		if err := h.Sessions.Append(ctx, sessionID, engine.ConversationTurn{Role: "user", Content: req.Query}); err != nil {
			h.Logger.Printf("session append failed for %s: %v", sessionID, err)
		}
		if err := h.Sessions.Append(ctx, sessionID, engine.ConversationTurn{Role: "assistant", Content: res.Answer}); err != nil {
			h.Logger.Printf("session append failed for %s: %v", sessionID, err)
		}
	}
	if h.Store != nil {
		if err := h.Store.SaveRun(ctx, userID, sessionID, res); err != nil {
			h.Logger.Printf("run persist failed for %s: %v", res.ID, err)
		}
	}
	return c.JSON(http.StatusOK, AskResponse{OrchestrationResult: res, SessionID: sessionID})
}
