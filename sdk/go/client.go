package tripgatesdk

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

// Client is a minimal tripgate HTTP API client.
type Client struct {
	BaseURL      string
	BearerToken  string
	ActorID      string
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Timeout:      10 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

type ScheduleItem struct {
	ID        string  `json:"id"`
	PlaceName string  `json:"placeName"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
	Cost      float64 `json:"cost,omitempty"`
	Booked    bool    `json:"booked,omitempty"`
}

type DaySchedule struct {
	Date          string         `json:"date"`
	Items         []ScheduleItem `json:"items"`
	TotalDuration int            `json:"totalDuration"`
	TotalCost     float64        `json:"totalCost"`
}

// Action is one fix offered by a suggestion (partial).
type Action struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Primary   bool   `json:"primary"`
	RiskLevel string `json:"riskLevel"`
}

// Suggestion represents a rule finding (partial).
type Suggestion struct {
	ID          string   `json:"id"`
	Rule        string   `json:"rule"`
	Date        string   `json:"date"`
	Severity    string   `json:"severity"`
	RiskLevel   string   `json:"riskLevel"`
	Title       string   `json:"title"`
	Actions     []Action `json:"actions"`
	Fingerprint string   `json:"fingerprint"`
	Status      string   `json:"status"`
}

type SuggestionList struct {
	TripID      string         `json:"tripId"`
	Suggestions []Suggestion   `json:"suggestions"`
	Applied     []Suggestion   `json:"applied"`
	Stats       map[string]int `json:"stats"`
}

type Approval struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status"`
	RiskLevel string         `json:"riskLevel"`
	Payload   map[string]any `json:"payload"`
	ExpiresAt string         `json:"expiresAt"`
}

// ApplyResult is the outcome of previewing or applying an action (partial).
type ApplyResult struct {
	Success              bool      `json:"success"`
	Status               string    `json:"status"`
	GateStatus           string    `json:"gateStatus"`
	TriggeredSuggestions []string  `json:"triggeredSuggestions"`
	HistoryEntryID       string    `json:"historyEntryId"`
	Approval             *Approval `json:"approval"`
}

type BatchResult struct {
	Success      bool   `json:"success"`
	AppliedCount int    `json:"appliedCount"`
	TaskID       string `json:"taskId"`
}

type Decision struct {
	Approval     Approval       `json:"approval"`
	AgentResumed bool           `json:"agentResumed"`
	ResumeResult map[string]any `json:"resumeResult"`
	ResumeError  string         `json:"resumeError"`
}

type Task struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Progress struct {
		Total                  int    `json:"total"`
		Processed              int    `json:"processed"`
		Current                string `json:"current"`
		EstimatedRemainingTime *int   `json:"estimatedRemainingTime"`
	} `json:"progress"`
	Result map[string]any `json:"result"`
	Error  *string        `json:"error"`
}

// Terminal reports whether the task will not change again.
func (t Task) Terminal() bool {
	switch t.Status {
	case "COMPLETED", "FAILED", "CANCELLED":
		return true
	}
	return false
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsStale reports whether err means the suggestion changed and must be refetched.
func IsStale(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && (ae.Code == "stale_suggestion" || ae.Code == "conflict")
}

func (c *Client) SaveSchedule(ctx context.Context, tripID, date string, items []ScheduleItem) (DaySchedule, []Suggestion, error) {
	var resp struct {
		Schedule    DaySchedule  `json:"schedule"`
		Suggestions []Suggestion `json:"suggestions"`
	}
	err := c.do(ctx, http.MethodPut, c.tripPath(tripID, "schedules/"+url.PathEscape(date)), map[string]any{"items": items}, &resp)
	return resp.Schedule, resp.Suggestions, err
}

func (c *Client) Suggestions(ctx context.Context, tripID string) (SuggestionList, error) {
	var resp SuggestionList
	err := c.do(ctx, http.MethodGet, c.tripPath(tripID, "suggestions"), nil, &resp)
	return resp, err
}

// Apply applies actionID. A result with Approval set is waiting on a decision.
func (c *Client) Apply(ctx context.Context, suggestionID, actionID string) (ApplyResult, error) {
	return c.apply(ctx, suggestionID, actionID, false)
}

func (c *Client) Preview(ctx context.Context, suggestionID, actionID string) (ApplyResult, error) {
	return c.apply(ctx, suggestionID, actionID, true)
}

func (c *Client) apply(ctx context.Context, suggestionID, actionID string, preview bool) (ApplyResult, error) {
	body := map[string]any{"actionId": actionID, "preview": preview}
	var resp ApplyResult
	err := c.do(ctx, http.MethodPost, "suggestions/"+url.PathEscape(suggestionID)+"/apply", body, &resp)
	return resp, err
}

func (c *Client) AutoOptimize(ctx context.Context, tripID string, limit int, async bool) (BatchResult, error) {
	body := map[string]any{"tripId": tripID, "limit": limit, "async": async}
	var resp BatchResult
	err := c.do(ctx, http.MethodPost, "optimize/auto", body, &resp)
	return resp, err
}

func (c *Client) PendingApprovals(ctx context.Context) ([]Approval, error) {
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "approvals?status=PENDING", nil, &resp)
	return resp.Items, err
}

func (c *Client) Decide(ctx context.Context, approvalID string, approved bool, note string) (Decision, error) {
	body := map[string]any{"approved": approved, "decisionNote": note, "resumeAgent": true}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "approvals/"+url.PathEscape(approvalID)+"/decision", body, &resp)
	return resp, err
}

func (c *Client) Undo(ctx context.Context, tripID, date string) (DaySchedule, error) {
	return c.step(ctx, tripID, date, "undo")
}

func (c *Client) Redo(ctx context.Context, tripID, date string) (DaySchedule, error) {
	return c.step(ctx, tripID, date, "redo")
}

func (c *Client) step(ctx context.Context, tripID, date, op string) (DaySchedule, error) {
	var resp struct {
		Schedule DaySchedule `json:"schedule"`
	}
	err := c.do(ctx, http.MethodPost, c.tripPath(tripID, op), map[string]any{"date": date}, &resp)
	return resp.Schedule, err
}

func (c *Client) Task(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CancelTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// WaitTask polls a task every PollInterval until it is terminal or ctx ends.
func (c *Client) WaitTask(ctx context.Context, id string) (Task, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.Task(ctx, id)
		if err != nil || t.Terminal() {
			return t, err
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
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

func (c *Client) tripPath(tripID, p string) string {
	return fmt.Sprintf("trips/%s/%s", url.PathEscape(tripID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
