// Package carelinesdk is a minimal Careline HTTP API client.
package carelinesdk

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

// Client talks to a Careline API server. Tenancy comes from the
// bearer token; the client never names a tenant explicitly.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     30 * time.Second,
	}
}

// Member is the API member model.
type Member struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Status    string `json:"status"`
}

// Draft is the API draft model.
type Draft struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	IntentKey   string `json:"intent_key"`
	Status      string `json:"status"`
	ParamsJSON  string `json:"params_json"`
	MissingJSON string `json:"missing_json"`
}

// Job is the API job model.
type Job struct {
	ID        string `json:"id"`
	IntentKey string `json:"intent_key"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
}

// WorkItem is the API work item model.
type WorkItem struct {
	ID       string `json:"id"`
	Trigger  string `json:"trigger"`
	EntityID string `json:"entity_id"`
	Title    string `json:"title"`
	Priority string `json:"priority"`
}

// AssistantResult is the assistant's answer to one message.
type AssistantResult struct {
	Reply  string  `json:"reply"`
	Drafts []Draft `json:"drafts,omitempty"`
	Jobs   []Job   `json:"jobs,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SendMessage sends one assistant message. An empty sessionID starts a
// new session; the returned session id threads the conversation.
func (c *Client) SendMessage(ctx context.Context, sessionID, message string) (string, AssistantResult, error) {
	body := map[string]any{
		"session_id": sessionID,
		"message":    message,
	}
	var resp struct {
		SessionID string          `json:"session_id"`
		Result    AssistantResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "v0/assistant/messages", body, &resp)
	return resp.SessionID, resp.Result, err
}

// Members lists members, optionally filtered by status.
func (c *Client) Members(ctx context.Context, status string) ([]Member, error) {
	endpoint := "v0/members"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Members []Member `json:"members"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Members, err
}

// ConfirmDraft executes a ready draft.
func (c *Client) ConfirmDraft(ctx context.Context, draftID string) (Draft, *Job, error) {
	var resp struct {
		Draft Draft `json:"draft"`
		Job   *Job  `json:"job,omitempty"`
	}
	endpoint := fmt.Sprintf("v0/drafts/%s/confirm", url.PathEscape(draftID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Draft, resp.Job, err
}

// CancelDraft drops a draft.
func (c *Client) CancelDraft(ctx context.Context, draftID string) (Draft, error) {
	var resp Draft
	endpoint := fmt.Sprintf("v0/drafts/%s/cancel", url.PathEscape(draftID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Job fetches one job.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	var resp Job
	endpoint := fmt.Sprintf("v0/jobs/%s", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WorkItems lists pending work items.
func (c *Client) WorkItems(ctx context.Context, trigger string) ([]WorkItem, error) {
	endpoint := "v0/work-items"
	if trigger != "" {
		endpoint += "?trigger=" + url.QueryEscape(trigger)
	}
	var resp struct {
		WorkItems []WorkItem `json:"work_items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.WorkItems, err
}

// SetPolicy enables or disables a governed action.
func (c *Client) SetPolicy(ctx context.Context, key string, enabled bool) error {
	body := map[string]any{"enabled": enabled}
	endpoint := fmt.Sprintf("v0/policies/%s", url.PathEscape(key))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
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
