package schemaflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal SchemaFlow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. "http://127.0.0.1:8080/v0".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 120 * time.Second,
	}
}

// OrchestrationResult mirrors the pipeline result returned by the
// orchestrate and continue endpoints. Artifacts are kept as raw JSON so
// the SDK does not chase the server's schema field by field.
type OrchestrationResult struct {
	Status        string          `json:"status"`
	Stage         string          `json:"stage"`
	Issues        []string        `json:"issues,omitempty"`
	ApprovalToken string          `json:"approval_token,omitempty"`
	Requirements  json.RawMessage `json:"requirements,omitempty"`
	Design        json.RawMessage `json:"database_design,omitempty"`
	Review        json.RawMessage `json:"review,omitempty"`
	Approval      json.RawMessage `json:"approval,omitempty"`
	Git           json.RawMessage `json:"git,omitempty"`
}

// Pipeline statuses.
const (
	StatusSuccess         = "SUCCESS"
	StatusFailed          = "FAILED"
	StatusHalted          = "HALTED"
	StatusPendingApproval = "PENDING_APPROVAL"
)

// ApprovalResponse is the acknowledgment for a submitted decision.
type ApprovalResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	ApprovalToken string `json:"approval_token"`
}

// ValidationResult is the structural validation verdict.
type ValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues"`
}

// RepoFile is one file in a push request.
type RepoFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// GitExecution reports a branch creation or push.
type GitExecution struct {
	Success    bool     `json:"success"`
	Repository string   `json:"repository"`
	Branch     string   `json:"branch"`
	BaseBranch string   `json:"base_branch"`
	Status     string   `json:"status"`
	URL        string   `json:"url,omitempty"`
	Files      []string `json:"files_created,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Error      string   `json:"error,omitempty"`
	Simulated  bool     `json:"simulated,omitempty"`
}

// Event is one entry of the pipeline event log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Payload string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Orchestrate runs the full pipeline on a prompt. A PENDING_APPROVAL
// result carries the token to pass to SubmitApproval and Continue.
func (c *Client) Orchestrate(ctx context.Context, prompt, language string) (OrchestrationResult, error) {
	body := map[string]any{"prompt": prompt}
	if language != "" {
		body["language"] = language
	}
	var resp OrchestrationResult
	err := c.do(ctx, http.MethodPost, "orchestrate", body, &resp)
	return resp, err
}

// SubmitApproval records a human decision for a paused run.
func (c *Client) SubmitApproval(ctx context.Context, token string, approved bool, comments, approvedBy string) (ApprovalResponse, error) {
	body := map[string]any{
		"approval_token": token,
		"approved":       approved,
		"comments":       comments,
		"approved_by":    approvedBy,
	}
	var resp ApprovalResponse
	err := c.do(ctx, http.MethodPost, "approval", body, &resp)
	return resp, err
}

// Continue resumes a paused run after a decision was recorded.
func (c *Client) Continue(ctx context.Context, token string) (OrchestrationResult, error) {
	body := map[string]any{"approval_token": token}
	var resp OrchestrationResult
	err := c.do(ctx, http.MethodPost, "orchestrate/continue", body, &resp)
	return resp, err
}

// Validate runs the deterministic structural check on a design document.
func (c *Client) Validate(ctx context.Context, design any) (ValidationResult, error) {
	body := map[string]any{"database_design": design}
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, "validate", body, &resp)
	return resp, err
}

// PushGit creates a branch and pushes files using a caller-supplied token.
func (c *Client) PushGit(ctx context.Context, githubToken, repository, branch, base string, files []RepoFile) (GitExecution, error) {
	body := map[string]any{
		"github_token": githubToken,
		"repository":   repository,
		"branch_name":  branch,
		"base_branch":  base,
		"files":        files,
	}
	var resp GitExecution
	err := c.do(ctx, http.MethodPost, "git/push", body, &resp)
	return resp, err
}

// Events returns recent pipeline events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health reports whether the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
