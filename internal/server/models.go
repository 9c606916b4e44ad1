package server

// HTTPError is the unified JSON error body.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest is the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest is the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a freshly issued JWT.
type TokenResponse struct {
	Token string `json:"token"`
}

// RunSubmitRequest is the workflow submission payload.
type RunSubmitRequest struct {
	Params     map[string]interface{} `json:"params,omitempty"`
	Flags      map[string]bool        `json:"flags,omitempty"`
	DeadlineMS int64                  `json:"deadline_ms,omitempty"`
}

// RunSubmitResponse acknowledges an accepted run.
type RunSubmitResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunStatusResponse reports the current lifecycle state of a run.
type RunStatusResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// SearchRequest queries the retrieval index.
type SearchRequest struct {
	Query     string   `json:"query"`
	TopK      int      `json:"top_k,omitempty"`
	Threshold float64  `json:"threshold,omitempty"`
	Sources   []string `json:"sources,omitempty"`
}

// AnswerRequest asks a retrieval-grounded question.
type AnswerRequest struct {
	Question      string   `json:"question"`
	ContextBudget int      `json:"context_budget,omitempty"`
	Sources       []string `json:"sources,omitempty"`
}

// AnswerResponse carries a grounded answer.
type AnswerResponse struct {
	Answer string `json:"answer"`
}

// ProviderHealth reports one gateway provider's rolling health.
type ProviderHealth struct {
	Name   string  `json:"name"`
	Model  string  `json:"model"`
	Health float64 `json:"health"`
}
