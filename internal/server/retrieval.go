package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ugcreach/engage/internal/gateway"
	"github.com/ugcreach/engage/internal/index"
)

// retriever is the slice of the index the handler needs.
type retriever interface {
	Search(ctx context.Context, query string, topK int, threshold float64, filter ...index.SourceType) ([]index.RetrievalResult, error)
	Answer(ctx context.Context, question string, contextBudget int, filter ...index.SourceType) (string, error)
	UserInsights(ctx context.Context, userID string) ([]index.RetrievalResult, error)
	Rebuild(ctx context.Context) error
	Size() int
}

type providerLister interface {
	Providers() []gateway.ProviderInfo
	HealthScore(provider string) float64
}

type RetrievalHandler struct {
	Index   retriever
	Gateway providerLister
}

func (h *RetrievalHandler) Register(g *echo.Group, authMW echo.MiddlewareFunc) {
	g.Use(authMW)
	g.POST("/search", h.search)
	g.POST("/answer", h.answer)
	g.POST("/rebuild", h.rebuild)
	g.GET("/stats", h.stats)
	g.GET("/users/:id/insights", h.userInsights)
}

func (h *RetrievalHandler) userInsights(c echo.Context) error {
	userID := c.Param("id")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user id is required")
	}
	results, err := h.Index.UserInsights(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"user_id": userID, "insights": results})
}

func (h *RetrievalHandler) search(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	results, err := h.Index.Search(c.Request().Context(), req.Query, req.TopK, req.Threshold, sourceFilter(req.Sources)...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"query": req.Query, "results": results})
}

func (h *RetrievalHandler) answer(c echo.Context) error {
	var req AnswerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	answer, err := h.Index.Answer(c.Request().Context(), req.Question, req.ContextBudget, sourceFilter(req.Sources)...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, AnswerResponse{Answer: answer})
}

func (h *RetrievalHandler) rebuild(c echo.Context) error {
	if err := h.Index.Rebuild(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"indexed": h.Index.Size()})
}

func (h *RetrievalHandler) stats(c echo.Context) error {
	providers := h.Gateway.Providers()
	health := make([]ProviderHealth, 0, len(providers))
	for _, p := range providers {
		health = append(health, ProviderHealth{
			Name:   p.Name,
			Model:  p.Model,
			Health: h.Gateway.HealthScore(p.Name),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"indexed":   h.Index.Size(),
		"providers": health,
	})
}

func sourceFilter(sources []string) []index.SourceType {
	out := make([]index.SourceType, 0, len(sources))
	for _, s := range sources {
		out = append(out, index.SourceType(s))
	}
	return out
}
