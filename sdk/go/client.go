package storylinesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal client for the read-only storyline HTTP API.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Unit struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Group  string `json:"group,omitempty"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Status mirrors GET /v0/status.
type Status struct {
	Path        string            `json:"path"`
	Revision    string            `json:"revision"`
	Project     string            `json:"project,omitempty"`
	Generated   string            `json:"generated,omitempty"`
	Counts      map[string]int    `json:"counts"`
	GroupCounts map[string]int    `json:"group_counts"`
	Units       []Unit            `json:"units"`
	Retros      map[string]string `json:"retrospectives,omitempty"`
}

type Action struct {
	UnitID     string `json:"unit_id"`
	Phase      string `json:"phase"`
	Workflow   string `json:"workflow"`
	FromStatus string `json:"from_status"`
}

type Next struct {
	Actionable bool    `json:"actionable"`
	Action     *Action `json:"action,omitempty"`
}

type Dispatch struct {
	DispatchID    string    `json:"dispatch_id"`
	UnitID        string    `json:"unit_id"`
	Instance      string    `json:"instance"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	State         string    `json:"state"`
	Phase         string    `json:"phase,omitempty"`
	PID           int       `json:"pid,omitempty"`
	Reclaims      int       `json:"reclaims,omitempty"`
	Stale         bool      `json:"stale"`
}

// Event represents a journal entry.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts"`
	Type     string         `json:"type"`
	UnitID   string         `json:"unit_id,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Instance string         `json:"instance,omitempty"`
	Payload  map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery narrows Events; zero fields match everything.
type EventQuery struct {
	Type   string
	UnitID string
	Phase  string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status returns the project status document.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.get(ctx, "status", nil, &resp)
	return resp, err
}

// Next returns the action the server would plan next.
func (c *Client) Next(ctx context.Context) (Next, error) {
	var resp Next
	err := c.get(ctx, "next", nil, &resp)
	return resp, err
}

// Dispatches lists every dispatch record.
func (c *Client) Dispatches(ctx context.Context) ([]Dispatch, error) {
	var resp []Dispatch
	err := c.get(ctx, "dispatches", nil, &resp)
	return resp, err
}

// Stale lists dispatch records whose heartbeat expired.
func (c *Client) Stale(ctx context.Context) ([]Dispatch, error) {
	var resp []Dispatch
	err := c.get(ctx, "dispatches/stale", nil, &resp)
	return resp, err
}

// Events returns one page of journal events, newest first.
func (c *Client) Events(ctx context.Context, q EventQuery) (PaginatedEvents, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.UnitID != "" {
		params.Set("unit_id", q.UnitID)
	}
	if q.Phase != "" {
		params.Set("phase", q.Phase)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	var resp PaginatedEvents
	err := c.get(ctx, "events", params, &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
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
