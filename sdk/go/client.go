package groomlinesdk

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

// Client is a minimal groomline HTTP API client.
type Client struct {
	BaseURL string
	// BearerToken wins over ActorID when both are set.
	BearerToken string
	ActorID     string
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

// Item represents the API work item model (partial).
type Item struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Status         string   `json:"status"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
	AssignedTo     string   `json:"assigned_to,omitempty"`
	Risk           string   `json:"risk,omitempty"`
}

// Score is an item's priority with its rationale.
type Score struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// Entry is one ranked backlog row.
type Entry struct {
	Item  Item  `json:"item"`
	Score Score `json:"score"`
}

type Backlog struct {
	Version uint64  `json:"version"`
	Entries []Entry `json:"entries"`
}

// Source is one request an item was raised from.
type Source struct {
	Ref           string  `json:"ref,omitempty"`
	CustomerValue float64 `json:"customer_value"`
}

// Submission is a candidate work item.
type Submission struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	RequiredSkills []string `json:"required_skills,omitempty"`
	BlockedBy      []string `json:"blocked_by,omitempty"`
	EffortEstimate float64  `json:"effort_estimate,omitempty"`
	LearningValue  float64  `json:"learning_value,omitempty"`
	Risk           string   `json:"risk,omitempty"`
	Provenance     []Source `json:"provenance,omitempty"`
}

// SubmitResult reports whether the submission was accepted or merged.
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id"`
	Item     Item   `json:"item"`
	Version  uint64 `json:"version"`
}

// Applied is the result of a transition or gate decision.
type Applied struct {
	Item    Item   `json:"item"`
	Version uint64 `json:"version"`
}

// Pulled is the item a worker received.
type Pulled struct {
	Item    Item     `json:"item"`
	Score   Score    `json:"score"`
	Version uint64   `json:"version"`
	Gated   []string `json:"gated,omitempty"`
}

// Event represents a log entry.
type Event struct {
	Seq        uint64         `json:"seq"`
	TS         time.Time      `json:"ts"`
	Actor      string         `json:"actor"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Subjects   []string       `json:"subjects,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit proposes a work item.
func (c *Client) Submit(ctx context.Context, s Submission) (SubmitResult, error) {
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "items", s, &resp)
	return resp, err
}

// Item fetches one item with its score.
func (c *Client) Item(ctx context.Context, id string) (Entry, error) {
	var resp Entry
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// BacklogOptions filter a backlog listing.
type BacklogOptions struct {
	Statuses []string
	Skill    string
	Limit    int
	// At reads the backlog as it was at a version; zero means now.
	At uint64
}

// Backlog returns the ranked backlog.
func (c *Client) Backlog(ctx context.Context, opts BacklogOptions) (Backlog, error) {
	q := url.Values{}
	for _, s := range opts.Statuses {
		q.Add("status", s)
	}
	if opts.Skill != "" {
		q.Set("skill", opts.Skill)
	}
	if opts.Limit > 0 {
		q.Set("limit", fmt.Sprint(opts.Limit))
	}
	endpoint := "backlog"
	if opts.At > 0 {
		endpoint = fmt.Sprintf("versions/%d/backlog", opts.At)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp Backlog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition applies a workflow trigger such as "mark_ready".
func (c *Client) Transition(ctx context.Context, id, trigger, reason string) (Applied, error) {
	body := map[string]any{"trigger": trigger}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Applied
	err := c.do(ctx, http.MethodPost, "items/"+url.PathEscape(id)+"/transitions", body, &resp)
	return resp, err
}

// DecideGate approves or rejects a pending gate. Role is optional.
func (c *Client) DecideGate(ctx context.Context, id, gate, decision, role string) (Applied, error) {
	body := map[string]any{"decision": decision}
	if role != "" {
		body["role"] = role
	}
	var resp Applied
	endpoint := fmt.Sprintf("items/%s/gates/%s/decision", url.PathEscape(id), url.PathEscape(gate))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RegisterWorker creates a worker or replaces its skills.
func (c *Client) RegisterWorker(ctx context.Context, id string, skills []string) error {
	return c.do(ctx, http.MethodPost, "workers", map[string]any{"id": id, "skills": skills}, nil)
}

// Pull asks for the next item for a worker.
func (c *Client) Pull(ctx context.Context, workerID string) (Pulled, error) {
	var resp Pulled
	err := c.do(ctx, http.MethodPost, "workers/"+url.PathEscape(workerID)+"/pull", nil, &resp)
	return resp, err
}

// Lock is a held lease on a shared resource.
type Lock struct {
	Token      string    `json:"token"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	Mode       string    `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LockRequest asks for a lock. Wait and TTL are Go durations such as "5s".
type LockRequest struct {
	ResourceID string `json:"resource_id"`
	Mode       string `json:"mode,omitempty"`
	Wait       string `json:"wait,omitempty"`
	TTL        string `json:"ttl,omitempty"`
}

// AcquireLock takes a lock for the calling actor.
func (c *Client) AcquireLock(ctx context.Context, req LockRequest) (Lock, error) {
	var resp Lock
	err := c.do(ctx, http.MethodPost, "locks", req, &resp)
	return resp, err
}

// ReleaseLock gives a lock back.
func (c *Client) ReleaseLock(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodDelete, "locks/"+url.PathEscape(token), nil, nil)
}

// Locks lists the live holders of a resource.
func (c *Client) Locks(ctx context.Context, resourceID string) ([]Lock, error) {
	var resp struct {
		Locks []Lock `json:"locks"`
	}
	err := c.do(ctx, http.MethodGet, "locks?resource_id="+url.QueryEscape(resourceID), nil, &resp)
	return resp.Locks, err
}

// Events returns the most recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events?desc=true"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
