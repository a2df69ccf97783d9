// Package nervecentersdk is a thin HTTP client over the Nerve Center
// /v1/* API: jobs, locks, and sessions.
package nervecentersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Nerve Center HTTP API client.
type Client struct {
	BaseURL     string
	ProjectName string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectName, bearerToken string) *Client {
	return &Client{BaseURL: baseURL, ProjectName: projectName, BearerToken: bearerToken, Timeout: 10 * time.Second}
}

type Job struct {
	ID            string   `json:"id"`
	ProjectID     string   `json:"project_id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Priority      string   `json:"priority"`
	Status        string   `json:"status"`
	AssignedTo    *string  `json:"assigned_to,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	CompletionKey string   `json:"completion_key,omitempty"`
	CancelReason  string   `json:"cancel_reason,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

type Lock struct {
	ProjectID  string `json:"project_id"`
	FilePath   string `json:"file_path"`
	AgentID    string `json:"agent_id"`
	Intent     string `json:"intent,omitempty"`
	UserPrompt string `json:"user_prompt,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListJobs returns every job for the client's project.
func (c *Client) ListJobs(ctx context.Context) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "jobs?projectName="+url.QueryEscape(c.ProjectName), nil, &resp)
	return resp.Jobs, err
}

// PostJob posts a new job and returns it along with its completion key.
func (c *Client) PostJob(ctx context.Context, title, description, priority string, dependencies []string) (Job, string, error) {
	var resp struct {
		JobID         string `json:"job_id"`
		CompletionKey string `json:"completion_key"`
		Job           Job    `json:"job"`
	}
	body := map[string]any{
		"action": "post", "title": title, "description": description,
		"priority": priority, "dependencies": dependencies, "projectName": c.ProjectName,
	}
	err := c.do(ctx, http.MethodPost, "jobs", body, &resp)
	return resp.Job, resp.CompletionKey, err
}

// ClaimNextJob attempts to claim the next eligible job.
func (c *Client) ClaimNextJob(ctx context.Context, agentID string) (Job, bool, error) {
	var resp struct {
		Status string `json:"status"`
		Job    Job    `json:"job"`
	}
	body := map[string]any{"action": "claim", "agentId": agentID, "projectName": c.ProjectName}
	if err := c.do(ctx, http.MethodPost, "jobs", body, &resp); err != nil {
		return Job{}, false, err
	}
	return resp.Job, resp.Status == "CLAIMED", nil
}

// UpdateJob applies a partial update to a job.
func (c *Client) UpdateJob(ctx context.Context, jobID string, fields map[string]any) (Job, error) {
	var resp struct {
		Job Job `json:"job"`
	}
	body := map[string]any{"action": "update", "jobId": jobID, "projectName": c.ProjectName}
	for k, v := range fields {
		body[k] = v
	}
	err := c.do(ctx, http.MethodPost, "jobs", body, &resp)
	return resp.Job, err
}

// ListLocks returns all live locks for the client's project.
func (c *Client) ListLocks(ctx context.Context) ([]Lock, error) {
	var resp struct {
		Locks []Lock `json:"locks"`
	}
	err := c.do(ctx, http.MethodGet, "locks?projectName="+url.QueryEscape(c.ProjectName), nil, &resp)
	return resp.Locks, err
}

// ProposeFileAccess requests a lock on a file path.
func (c *Client) ProposeFileAccess(ctx context.Context, agentID, filePath, intent, userPrompt string) (bool, Lock, error) {
	var resp struct {
		Status      string `json:"status"`
		Lock        Lock   `json:"lock"`
		CurrentLock Lock   `json:"current_lock"`
	}
	body := map[string]any{
		"action": "lock", "filePath": filePath, "agentId": agentID,
		"intent": intent, "userPrompt": userPrompt, "projectName": c.ProjectName,
	}
	if err := c.do(ctx, http.MethodPost, "locks", body, &resp); err != nil {
		return false, Lock{}, err
	}
	if resp.Status == "GRANTED" {
		return true, resp.Lock, nil
	}
	return false, resp.CurrentLock, nil
}

// Unlock releases a lock the caller holds.
func (c *Client) Unlock(ctx context.Context, filePath string) error {
	body := map[string]any{"action": "unlock", "filePath": filePath, "projectName": c.ProjectName}
	return c.do(ctx, http.MethodPost, "locks", body, nil)
}

// FinalizeSession archives and resets the project's live state.
func (c *Client) FinalizeSession(ctx context.Context, content string) error {
	body := map[string]any{"projectName": c.ProjectName, "content": content}
	return c.do(ctx, http.MethodPost, "sessions/finalize", body, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	fullURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, &buf)
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
	return strings.TrimRight(c.BaseURL, "/") + "/v1"
}
