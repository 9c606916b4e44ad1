package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ugcreach/engage/internal/agent"
	"github.com/ugcreach/engage/internal/scoring"
)

// userStore is the slice of the store the handler needs.
type userStore interface {
	ListUserRecords(ctx context.Context, criteria agent.Criteria) ([]scoring.UserRecord, error)
	MarkVisited(ctx context.Context, userID string) error
}

type UsersHandler struct {
	Store  userStore
	Scorer *scoring.Scorer
}

func (h *UsersHandler) Register(g *echo.Group, authMW echo.MiddlewareFunc) {
	g.Use(authMW)
	g.GET("", h.list)
	g.GET("/ranked", h.ranked)
	g.POST("/:id/visited", h.markVisited)
}

func criteriaFromQuery(c echo.Context) agent.Criteria {
	var criteria agent.Criteria
	if s := c.QueryParam("sentiment"); s != "" {
		criteria.Sentiments = []string{s}
	}
	criteria.RequireUnmet = c.QueryParam("unmet") == "true"
	criteria.ExcludeVisited = c.QueryParam("exclude_visited") != "false"
	if v := c.QueryParam("min_interactions"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			criteria.MinInteractions = n
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			criteria.Limit = n
		}
	}
	return criteria
}

func (h *UsersHandler) list(c echo.Context) error {
	recs, err := h.Store.ListUserRecords(c.Request().Context(), criteriaFromQuery(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": recs})
}

// ranked scores the filtered candidates and returns them highest value first.
func (h *UsersHandler) ranked(c echo.Context) error {
	recs, err := h.Store.ListUserRecords(c.Request().Context(), criteriaFromQuery(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	candidates := h.Scorer.FilterCandidates(recs)
	scores := h.Scorer.Rank(candidates, nil)
	byID := make(map[string]scoring.UserRecord, len(candidates))
	for _, rec := range candidates {
		byID[rec.UserID] = rec
	}
	type rankedUser struct {
		Record scoring.UserRecord `json:"record"`
		Score  scoring.ValueScore `json:"score"`
	}
	out := make([]rankedUser, 0, len(scores))
	for _, sc := range scores {
		out = append(out, rankedUser{Record: byID[sc.UserID], Score: sc})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"users": out})
}

func (h *UsersHandler) markVisited(c echo.Context) error {
	if err := h.Store.MarkVisited(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
