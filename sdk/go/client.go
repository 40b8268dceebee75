package matrixsdk

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

// Client is a minimal Matrix HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// User represents the API user model.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Wave represents an audit wave.
type Wave struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Number      int    `json:"number"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// URLProgress is the per-URL progress entry on a task.
type URLProgress struct {
	URLID              string `json:"url_id"`
	Status             string `json:"status"`
	ProgressPercentage int    `json:"progress_percentage"`
}

// Task represents the API task model (partial).
type Task struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	UserID      string        `json:"user_id"`
	WaveID      string        `json:"wave_id"`
	Status      string        `json:"status"`
	URLProgress []URLProgress `json:"url_progress"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Assignment is the desired per-user assignment for a wave.
type Assignment struct {
	AgencyIDs []string `json:"agency_ids"`
	URLIDs    []string `json:"url_ids"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Login authenticates and stores the bearer token on the client.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
	return resp, err
}

// ListWaves returns all waves, newest first.
func (c *Client) ListWaves(ctx context.Context) ([]Wave, error) {
	var resp []Wave
	err := c.do(ctx, http.MethodGet, "v1/waves", nil, &resp)
	return resp, err
}

// SaveAssignments replaces the wave's per-user assignments and returns the
// reconciled tasks.
func (c *Client) SaveAssignments(ctx context.Context, waveID, description string, assignments map[string]Assignment) ([]Task, error) {
	body := map[string]any{
		"wave_description": description,
		"assignments":      assignments,
	}
	var resp []Task
	endpoint := fmt.Sprintf("v1/waves/%s/assignments", url.PathEscape(waveID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by wave.
func (c *Client) ListTasks(ctx context.Context, waveID string) ([]Task, error) {
	endpoint := "v1/tasks"
	if waveID != "" {
		endpoint += "?wave_id=" + url.QueryEscape(waveID)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateProgress records progress on one of the task's URLs.
func (c *Client) UpdateProgress(ctx context.Context, taskID, urlID, status string, percentage *int) (Task, error) {
	body := map[string]any{
		"url_id": urlID,
		"status": status,
	}
	if percentage != nil {
		body["progress_percentage"] = *percentage
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s/progress", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
