package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ugcreach/engage/internal/store"
	"github.com/ugcreach/engage/internal/workflow"
)

type fakeEngine struct {
	validateErr error
	submitID    string
	status      workflow.RunStatus
	state       workflow.State
	resultErr   error
	trace       []workflow.NodeResult
	notFound    bool
}

func (f *fakeEngine) Validate(req workflow.Request) error { return f.validateErr }

func (f *fakeEngine) Submit(ctx context.Context, req workflow.Request) (string, error) {
	return f.submitID, nil
}

func (f *fakeEngine) GetStatus(runID string) (workflow.RunStatus, error) {
	if f.notFound {
		return "", fmt.Errorf("unknown run %s", runID)
	}
	return f.status, nil
}

func (f *fakeEngine) GetResult(runID string) (workflow.State, error) {
	if f.notFound {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	return f.state, f.resultErr
}

func (f *fakeEngine) GetTrace(runID string) ([]workflow.NodeResult, error) {
	if f.notFound {
		return nil, fmt.Errorf("unknown run %s", runID)
	}
	return f.trace, nil
}

type fakeArchive struct {
	runs    map[string]store.RunRecord
	results map[string][]workflow.NodeResult
	outputs map[string]map[string]interface{}
}

func (f *fakeArchive) GetRun(ctx context.Context, runID string) (store.RunRecord, bool, error) {
	rec, ok := f.runs[runID]
	return rec, ok, nil
}

func (f *fakeArchive) ListNodeResults(ctx context.Context, runID string) ([]workflow.NodeResult, error) {
	return f.results[runID], nil
}

func (f *fakeArchive) GetNodeOutput(ctx context.Context, runID, nodeName string) (map[string]interface{}, bool, error) {
	out, ok := f.outputs[runID+"/"+nodeName]
	return out, ok, nil
}

func newRunsContext(t *testing.T, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRunsSubmit(t *testing.T) {
	h := &RunsHandler{Engine: &fakeEngine{submitID: "run-1"}}
	c, rec := newRunsContext(t, http.MethodPost, "/api/workflows", `{"params":{"campaign":"launch"},"flags":{"ai_enhance":true}}`)

	if err := h.submit(c); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d", rec.Code)
	}
	var resp RunSubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID != "run-1" || resp.Status != "pending" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestRunsSubmitValidationError(t *testing.T) {
	h := &RunsHandler{Engine: &fakeEngine{validateErr: &workflow.ValidationError{Reason: "unknown flag \"bogus\""}}}
	c, _ := newRunsContext(t, http.MethodPost, "/api/workflows", `{"flags":{"bogus":true}}`)

	err := h.submit(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestRunsStatusFallsBackToArchive(t *testing.T) {
	archive := &fakeArchive{runs: map[string]store.RunRecord{
		"run-9": {ID: "run-9", Status: "completed"},
	}}
	h := &RunsHandler{Engine: &fakeEngine{notFound: true}, Archive: archive}
	c, rec := newRunsContext(t, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("run-9")

	if err := h.status(c); err != nil {
		t.Fatalf("status: %v", err)
	}
	var resp RunStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "completed" {
		t.Fatalf("unexpected status: %+v", resp)
	}
}

func TestRunsStatusNotFound(t *testing.T) {
	h := &RunsHandler{Engine: &fakeEngine{notFound: true}, Archive: &fakeArchive{}}
	c, _ := newRunsContext(t, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("missing")

	err := h.status(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestRunsResultPartialIncludesDegraded(t *testing.T) {
	h := &RunsHandler{Engine: &fakeEngine{
		state:     workflow.State{"summary": "partial output"},
		resultErr: &workflow.PartialFailure{Degraded: []string{"insights"}},
	}}
	c, rec := newRunsContext(t, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("run-1")

	if err := h.result(c); err != nil {
		t.Fatalf("result: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	degraded, ok := resp["degraded"].([]interface{})
	if !ok || len(degraded) != 1 || degraded[0] != "insights" {
		t.Fatalf("unexpected degraded list: %v", resp["degraded"])
	}
}

func TestRunsTrace(t *testing.T) {
	h := &RunsHandler{Engine: &fakeEngine{trace: []workflow.NodeResult{
		{NodeName: "analysis", Status: workflow.NodeOK},
		{NodeName: "insights", Status: workflow.NodeSkipped},
	}}}
	c, rec := newRunsContext(t, http.MethodGet, "/", "")
	c.SetParamNames("id")
	c.SetParamValues("run-1")

	if err := h.trace(c); err != nil {
		t.Fatalf("trace: %v", err)
	}
	var resp struct {
		Trace []workflow.NodeResult `json:"trace"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Trace) != 2 || resp.Trace[1].Status != workflow.NodeSkipped {
		t.Fatalf("unexpected trace: %+v", resp.Trace)
	}
}

func TestRunsNodeOutput(t *testing.T) {
	archive := &fakeArchive{outputs: map[string]map[string]interface{}{
		"run-1/coordination": {"summary": "5 drafts"},
	}}
	h := &RunsHandler{Engine: &fakeEngine{}, Archive: archive}
	c, rec := newRunsContext(t, http.MethodGet, "/", "")
	c.SetParamNames("id", "node")
	c.SetParamValues("run-1", "coordination")

	if err := h.nodeOutput(c); err != nil {
		t.Fatalf("nodeOutput: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["summary"] != "5 drafts" {
		t.Fatalf("unexpected payload: %v", resp)
	}
}
