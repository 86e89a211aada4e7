// Package signlinesdk is a minimal Signline HTTP API client.
package signlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrPollTimeout reports that WaitForTask ran out of attempts before
// the task reached a terminal state. The task may still finish; calling
// WaitForTask again resumes polling.
var ErrPollTimeout = errors.New("task polling timed out")

// Client talks to a Signline server.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// FieldError ties a validation failure to a field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Envelope is the response wrapper every endpoint returns.
type Envelope struct {
	Result      map[string]any `json:"result"`
	Assumptions []string       `json:"assumptions"`
	Warnings    []string       `json:"warnings"`
	Errors      []FieldError   `json:"errors"`
	Confidence  float64        `json:"confidence"`
	ContentHash string         `json:"content_hash"`
}

// Task is the API task model.
type Task struct {
	TaskID    string   `json:"task_id"`
	Kind      string   `json:"kind"`
	ProjectID string   `json:"project_id"`
	State     string   `json:"state"`
	Progress  *float64 `json:"progress,omitempty"`
	Result    *string  `json:"result,omitempty"`
	Error     *string  `json:"error,omitempty"`
	ErrorKind *string  `json:"error_kind,omitempty"`
}

// Terminal reports whether the task accepts no further transitions.
func (t Task) Terminal() bool {
	switch t.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// DeadLetter is an undeliverable payload held for replay.
type DeadLetter struct {
	ID          string  `json:"id"`
	ServiceName string  `json:"service_name"`
	Payload     string  `json:"payload"`
	Reason      string  `json:"reason,omitempty"`
	RetryCount  int     `json:"retry_count"`
	EnqueuedAt  string  `json:"enqueued_at"`
	ReplayedAt  *string `json:"replayed_at,omitempty"`
}

// APIError wraps non-2xx responses. CurrentToken is populated on 412
// so the caller can retry without a re-fetch.
type APIError struct {
	StatusCode   int
	Body         string
	CurrentToken string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProjectRequest is the create payload.
type CreateProjectRequest struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// UpdateProjectRequest is the conditional-update payload.
type UpdateProjectRequest struct {
	Name        *string        `json:"name,omitempty"`
	Description *string        `json:"description,omitempty"`
	Status      *string        `json:"status,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

// CreateProject creates a project. A non-empty idempotencyKey makes
// retries safe; the replayed envelope and token are identical.
func (c *Client) CreateProject(ctx context.Context, req CreateProjectRequest, idempotencyKey string) (Envelope, string, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var env Envelope
	resp, err := c.do(ctx, http.MethodPost, "projects", headers, req, &env)
	if err != nil {
		return env, "", err
	}
	return env, resp.Header.Get("ETag"), nil
}

// GetProject fetches a project. With a prior token the server answers
// 304 and notModified is true.
func (c *Client) GetProject(ctx context.Context, id, ifNoneMatch string) (env Envelope, etagOut string, notModified bool, err error) {
	headers := map[string]string{}
	if ifNoneMatch != "" {
		headers["If-None-Match"] = ifNoneMatch
	}
	resp, err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), headers, nil, &env)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotModified {
		return Envelope{}, ifNoneMatch, true, nil
	}
	if err != nil {
		return env, "", false, err
	}
	return env, resp.Header.Get("ETag"), false, nil
}

// UpdateProject applies a conditional update. On a stale token the
// returned *APIError has StatusCode 412 and carries the current token.
func (c *Client) UpdateProject(ctx context.Context, id, ifMatch string, req UpdateProjectRequest) (Envelope, string, error) {
	var env Envelope
	resp, err := c.do(ctx, http.MethodPatch, "projects/"+url.PathEscape(id),
		map[string]string{"If-Match": ifMatch}, req, &env)
	if err != nil {
		return env, "", err
	}
	return env, resp.Header.Get("ETag"), nil
}

// Calculate runs the calculation synchronously.
func (c *Client) Calculate(ctx context.Context, id string) (Envelope, error) {
	var env Envelope
	_, err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/calculate", nil, struct{}{}, &env)
	return env, err
}

// Submit enqueues the submission pipeline and returns the task id.
func (c *Client) Submit(ctx context.Context, id, ifMatch, idempotencyKey, notifyEmail string) (Envelope, string, error) {
	headers := map[string]string{"If-Match": ifMatch}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	body := map[string]any{}
	if notifyEmail != "" {
		body["notify_email"] = notifyEmail
	}
	var env Envelope
	_, err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(id)+"/submit", headers, body, &env)
	if err != nil {
		return env, "", err
	}
	taskID, _ := env.Result["task_id"].(string)
	return env, taskID, nil
}

// GetTask fetches task state.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	_, err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, nil, &t)
	return t, err
}

// CancelTask requests cancellation and returns the state the task
// actually ended in. Safe to retry.
func (c *Client) CancelTask(ctx context.Context, taskID string) (string, error) {
	var resp struct {
		State string `json:"state"`
	}
	_, err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/cancel", nil, struct{}{}, &resp)
	return resp.State, err
}

// DeadLetters lists payloads pending replay.
func (c *Client) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var letters []DeadLetter
	_, err := c.do(ctx, http.MethodGet, "deadletters", nil, nil, &letters)
	return letters, err
}

// WaitForTask polls at a fixed interval until the task is terminal. A
// failed task is returned, not an error: only transport problems and
// exhausted attempts (ErrPollTimeout) error out.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration, maxAttempts int) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	var t Task
	var err error
	for i := 0; i < maxAttempts; i++ {
		t, err = c.GetTask(ctx, taskID)
		if err != nil {
			return t, err
		}
		if t.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-time.After(interval):
		}
	}
	return t, fmt.Errorf("%w after %d attempts, task %s still %s", ErrPollTimeout, maxAttempts, taskID, t.State)
}

func (c *Client) do(ctx context.Context, method, endpoint string, headers map[string]string, body, out any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		if resp.StatusCode == http.StatusPreconditionFailed {
			var pre struct {
				CurrentToken string `json:"current_token"`
			}
			if json.Unmarshal(b, &pre) == nil {
				apiErr.CurrentToken = pre.CurrentToken
			}
		}
		return resp, apiErr
	}
	if out != nil {
		return resp, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
