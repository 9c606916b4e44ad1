package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ugcreach/engage/internal/store"
	"github.com/ugcreach/engage/internal/workflow"
)

// runEngine is the slice of the workflow engine the handler needs.
type runEngine interface {
	Validate(req workflow.Request) error
	Submit(ctx context.Context, req workflow.Request) (string, error)
	GetStatus(runID string) (workflow.RunStatus, error)
	GetResult(runID string) (workflow.State, error)
	GetTrace(runID string) ([]workflow.NodeResult, error)
}

// runArchive reads finished runs that may have aged out of the engine's
// in-memory map (e.g. after a restart).
type runArchive interface {
	GetRun(ctx context.Context, runID string) (store.RunRecord, bool, error)
	ListNodeResults(ctx context.Context, runID string) ([]workflow.NodeResult, error)
	GetNodeOutput(ctx context.Context, runID, nodeName string) (map[string]interface{}, bool, error)
}

type RunsHandler struct {
	Engine  runEngine
	Archive runArchive
}

func (h *RunsHandler) Register(g *echo.Group, authMW echo.MiddlewareFunc) {
	g.Use(authMW)
	g.POST("", h.submit)
	g.GET("/:id/status", h.status)
	g.GET("/:id/result", h.result)
	g.GET("/:id/trace", h.trace)
	g.GET("/:id/outputs/:node", h.nodeOutput)
}

func (h *RunsHandler) submit(c echo.Context) error {
	var req RunSubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	wreq := workflow.Request{
		Params:   req.Params,
		Flags:    req.Flags,
		Deadline: time.Duration(req.DeadlineMS) * time.Millisecond,
	}
	if err := h.Engine.Validate(wreq); err != nil {
		var verr *workflow.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	runID, err := h.Engine.Submit(c.Request().Context(), wreq)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, RunSubmitResponse{RunID: runID, Status: string(workflow.RunPending)})
}

func (h *RunsHandler) status(c echo.Context) error {
	runID := c.Param("id")
	status, err := h.Engine.GetStatus(runID)
	if err == nil {
		return c.JSON(http.StatusOK, RunStatusResponse{RunID: runID, Status: string(status)})
	}
	rec, found, aerr := h.archiveRun(c, runID)
	if aerr != nil {
		return aerr
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, RunStatusResponse{RunID: runID, Status: rec.Status})
}

func (h *RunsHandler) result(c echo.Context) error {
	runID := c.Param("id")
	state, err := h.Engine.GetResult(runID)
	if err == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "state": state})
	}
	var partial *workflow.PartialFailure
	if errors.As(err, &partial) {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"run_id":   runID,
			"state":    state,
			"degraded": partial.Degraded,
		})
	}
	rec, found, aerr := h.archiveRun(c, runID)
	if aerr != nil {
		return aerr
	}
	if found {
		if rec.Error != "" {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"run_id": runID,
				"state":  rec.State,
				"error":  rec.Error,
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "state": rec.State})
	}
	return echo.NewHTTPError(http.StatusConflict, err.Error())
}

func (h *RunsHandler) trace(c echo.Context) error {
	runID := c.Param("id")
	trace, err := h.Engine.GetTrace(runID)
	if err == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "trace": trace})
	}
	if h.Archive != nil {
		persisted, perr := h.Archive.ListNodeResults(c.Request().Context(), runID)
		if perr == nil && len(persisted) > 0 {
			return c.JSON(http.StatusOK, map[string]interface{}{"run_id": runID, "trace": persisted})
		}
	}
	return echo.NewHTTPError(http.StatusNotFound, "run not found")
}

func (h *RunsHandler) nodeOutput(c echo.Context) error {
	if h.Archive == nil {
		return echo.NewHTTPError(http.StatusNotFound, "output not found")
	}
	payload, found, err := h.Archive.GetNodeOutput(c.Request().Context(), c.Param("id"), c.Param("node"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "output not found")
	}
	return c.JSON(http.StatusOK, payload)
}

func (h *RunsHandler) archiveRun(c echo.Context, runID string) (store.RunRecord, bool, error) {
	if h.Archive == nil {
		return store.RunRecord{}, false, nil
	}
	rec, found, err := h.Archive.GetRun(c.Request().Context(), runID)
	if err != nil {
		return store.RunRecord{}, false, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return rec, found, nil
}
