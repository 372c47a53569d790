package octoflowsdk

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

// Client is a minimal Octoflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Workflow represents the API workflow model (partial).
type Workflow struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	DisplayName string `json:"display_name"`
	TargetType  string `json:"target_type,omitempty"`
}

// Process represents the API process model.
type Process struct {
	ID              string         `json:"id"`
	TargetType      string         `json:"target_type"`
	TargetID        string         `json:"target_id"`
	Workflow        string         `json:"workflow"`
	WorkflowVersion int            `json:"workflow_version"`
	State           string         `json:"state"`
	Data            map[string]any `json:"data,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID        string         `json:"id"`
	ProcessID string         `json:"process_id"`
	Task      string         `json:"task"`
	Name      string         `json:"name,omitempty"`
	State     string         `json:"state"`
	Users     []string       `json:"users,omitempty"`
	Groups    []string       `json:"groups,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Transition represents one edge of a workflow.
type Transition struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Manual      bool   `json:"manual"`
	CreatesTask bool   `json:"creates_task"`
}

// Instance is one workflow materialized for a target entity.
type Instance struct {
	Workflow    Workflow     `json:"workflow"`
	Process     Process      `json:"process"`
	Transitions []Transition `json:"transitions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Workflows lists the registered workflows.
func (c *Client) Workflows(ctx context.Context) ([]Workflow, error) {
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, "workflows", nil, &resp)
	return resp, err
}

// WorkflowInstances enumerates the workflows applicable to a target entity.
func (c *Client) WorkflowInstances(ctx context.Context, targetType, targetID string) ([]Instance, error) {
	var resp []Instance
	endpoint := fmt.Sprintf("targets/%s/%s/workflows", url.PathEscape(targetType), url.PathEscape(targetID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenProcess opens (or returns) the process binding a workflow to a target.
func (c *Client) OpenProcess(ctx context.Context, targetType, targetID, workflow string) (Process, error) {
	body := map[string]any{
		"target_type": targetType,
		"target_id":   targetID,
		"workflow":    workflow,
	}
	var resp Process
	err := c.do(ctx, http.MethodPost, "processes", body, &resp)
	return resp, err
}

// GetProcess fetches a process by id.
func (c *Client) GetProcess(ctx context.Context, id string) (Process, error) {
	var resp Process
	err := c.do(ctx, http.MethodGet, "processes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Advance advances a process, optionally firing a named transition first.
func (c *Client) Advance(ctx context.Context, processID, transition string) (Process, error) {
	body := map[string]any{}
	if transition != "" {
		body["transition"] = transition
	}
	var resp Process
	endpoint := fmt.Sprintf("processes/%s/advance", url.PathEscape(processID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Tasks lists the tasks visible to the caller.
func (c *Client) Tasks(ctx context.Context, processID, state string) ([]Task, error) {
	endpoint := "tasks"
	q := url.Values{}
	if processID != "" {
		q.Set("process_id", processID)
	}
	if state != "" {
		q.Set("state", state)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteTask completes a task by firing a transition.
func (c *Client) CompleteTask(ctx context.Context, taskID, transition, reason string) (Task, error) {
	body := map[string]any{"transition": transition}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
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
