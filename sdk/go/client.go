package dealflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Dealflow HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// TenantID and ActorID are sent as legacy headers when no token is set.
	TenantID   string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Stage is one step of a pipeline.
type Stage struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Order       int    `json:"order,omitempty"`
	Probability int    `json:"probability"`
	Color       string `json:"color,omitempty"`
	RottenDays  *int   `json:"rotten_days,omitempty"`
	IsWon       bool   `json:"is_won,omitempty"`
	IsLost      bool   `json:"is_lost,omitempty"`
}

// PipelineStats is the stored aggregate of a pipeline's deals.
type PipelineStats struct {
	TotalDeals   int     `json:"total_deals"`
	TotalValue   float64 `json:"total_value"`
	OpenDeals    int     `json:"open_deals"`
	WonDeals     int     `json:"won_deals"`
	LostDeals    int     `json:"lost_deals"`
	AvgDealSize  float64 `json:"avg_deal_size"`
	AvgCycleTime int     `json:"avg_cycle_time"`
	WinRate      int     `json:"win_rate"`
}

// Pipeline represents the API pipeline model.
type Pipeline struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	IsDefault   bool          `json:"is_default"`
	Stages      []Stage       `json:"stages"`
	Currency    string        `json:"currency"`
	Stats       PipelineStats `json:"stats"`
}

// Deal represents the API deal model (partial).
type Deal struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	Name              string     `json:"name"`
	PipelineID        string     `json:"pipeline_id"`
	StageID           string     `json:"stage_id"`
	StageDuration     int        `json:"stage_duration"`
	Amount            float64    `json:"amount"`
	Currency          string     `json:"currency"`
	Probability       int        `json:"probability"`
	Status            string     `json:"status"`
	LostReason        string     `json:"lost_reason,omitempty"`
	OwnerID           string     `json:"owner_id,omitempty"`
	Tags              []string   `json:"tags"`
	Priority          string     `json:"priority"`
	ExpectedCloseDate *time.Time `json:"expected_close_date,omitempty"`
	ActualCloseDate   *time.Time `json:"actual_close_date,omitempty"`
	NextActivityAt    *time.Time `json:"next_activity_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// NewDeal is the create-deal payload.
type NewDeal struct {
	PipelineID        string         `json:"pipeline_id"`
	StageID           string         `json:"stage_id,omitempty"`
	Name              string         `json:"name"`
	Amount            float64        `json:"amount"`
	Currency          string         `json:"currency,omitempty"`
	Probability       *int           `json:"probability,omitempty"`
	ExpectedCloseDate *time.Time     `json:"expected_close_date,omitempty"`
	OwnerID           string         `json:"owner_id,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	CustomFields      map[string]any `json:"custom_fields,omitempty"`
	Priority          string         `json:"priority,omitempty"`
}

// DealQuery holds list filters; zero values are omitted.
type DealQuery struct {
	PipelineID string
	StageID    string
	Status     string
	OwnerID    string
	Tags       []string
	Search     string
	SortBy     string
	SortOrder  string
	Offset     int
	Limit      int
}

func (q DealQuery) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("pipeline_id", q.PipelineID)
	set("stage_id", q.StageID)
	set("status", q.Status)
	set("owner_id", q.OwnerID)
	set("tags", strings.Join(q.Tags, ","))
	set("search", q.Search)
	set("sort_by", q.SortBy)
	set("sort_order", q.SortOrder)
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// DealPage is one page of deals.
type DealPage struct {
	Items []Deal `json:"items"`
	Total int    `json:"total"`
}

// Activity is a timeline entry on a deal.
type Activity struct {
	ID          string         `json:"id"`
	DealID      string         `json:"deal_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CreatedBy   string         `json:"created_by"`
}

// Task is a follow-up scheduled on a deal.
type Task struct {
	ID       string    `json:"id"`
	DealID   string    `json:"deal_id"`
	Title    string    `json:"title"`
	Type     string    `json:"type"`
	DueDate  time.Time `json:"due_date"`
	Status   string    `json:"status"`
	Priority string    `json:"priority"`
}

// Forecast is the weighted revenue projection.
type Forecast struct {
	Weighted  float64 `json:"weighted"`
	BestCase  float64 `json:"best_case"`
	WorstCase float64 `json:"worst_case"`
	ByStage   []struct {
		StageID   string  `json:"stage_id"`
		StageName string  `json:"stage_name"`
		Count     int     `json:"count"`
		Value     float64 `json:"value"`
		Weighted  float64 `json:"weighted"`
	} `json:"by_stage"`
	ByMonth []struct {
		Month    string  `json:"month"`
		Expected float64 `json:"expected"`
		Weighted float64 `json:"weighted"`
	} `json:"by_month"`
}

// Stats are tenant-wide deal statistics.
type Stats struct {
	PipelineStats
	WonValue       float64 `json:"won_value"`
	ArchivedDeals  int     `json:"archived_deals"`
	TotalPipelines int     `json:"total_pipelines"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
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

// ListPipelines returns the tenant's pipelines, default first.
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	var resp struct {
		Items []Pipeline `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "pipelines", nil, &resp)
	return resp.Items, err
}

// CreatePipeline creates a pipeline. Nil stages use the server default set.
func (c *Client) CreatePipeline(ctx context.Context, name string, stages []Stage, isDefault bool) (Pipeline, error) {
	body := map[string]any{
		"name":       name,
		"is_default": isDefault,
	}
	if len(stages) > 0 {
		body["stages"] = stages
	}
	var resp Pipeline
	err := c.do(ctx, http.MethodPost, "pipelines", body, &resp)
	return resp, err
}

// DefaultPipeline returns the tenant's default pipeline.
func (c *Client) DefaultPipeline(ctx context.Context) (Pipeline, error) {
	var resp Pipeline
	err := c.do(ctx, http.MethodGet, "pipelines/default", nil, &resp)
	return resp, err
}

// CreateDeal creates a deal.
func (c *Client) CreateDeal(ctx context.Context, d NewDeal) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals", d, &resp)
	return resp, err
}

// GetDeal fetches a deal by id.
func (c *Client) GetDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodGet, "deals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListDeals lists deals matching q.
func (c *Client) ListDeals(ctx context.Context, q DealQuery) (DealPage, error) {
	endpoint := "deals"
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp DealPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MoveDeal moves a deal to another stage.
func (c *Client) MoveDeal(ctx context.Context, id, stageID string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals/"+url.PathEscape(id)+"/move", map[string]any{"stage_id": stageID}, &resp)
	return resp, err
}

// CloseDeal marks a deal won or lost.
func (c *Client) CloseDeal(ctx context.Context, id, outcome, lostReason string) (Deal, error) {
	body := map[string]any{"outcome": outcome}
	if lostReason != "" {
		body["lost_reason"] = lostReason
	}
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals/"+url.PathEscape(id)+"/close", body, &resp)
	return resp, err
}

// ReopenDeal reopens a closed deal.
func (c *Client) ReopenDeal(ctx context.Context, id string) (Deal, error) {
	var resp Deal
	err := c.do(ctx, http.MethodPost, "deals/"+url.PathEscape(id)+"/reopen", nil, &resp)
	return resp, err
}

// DeleteDeal deletes a deal.
func (c *Client) DeleteDeal(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "deals/"+url.PathEscape(id), nil, nil)
}

// RecordActivity adds a timeline entry to a deal.
func (c *Client) RecordActivity(ctx context.Context, dealID, activityType, description string, metadata map[string]any) (Activity, error) {
	body := map[string]any{
		"type":        activityType,
		"description": description,
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, "deals/"+url.PathEscape(dealID)+"/activities", body, &resp)
	return resp, err
}

// Activities lists a deal's timeline, newest first.
func (c *Client) Activities(ctx context.Context, dealID string) ([]Activity, error) {
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "deals/"+url.PathEscape(dealID)+"/activities", nil, &resp)
	return resp.Items, err
}

// CreateTask schedules a task on a deal.
func (c *Client) CreateTask(ctx context.Context, dealID, title, taskType string, due time.Time) (Task, error) {
	body := map[string]any{
		"title":    title,
		"due_date": due.UTC().Format(time.RFC3339),
	}
	if taskType != "" {
		body["type"] = taskType
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "deals/"+url.PathEscape(dealID)+"/tasks", body, &resp)
	return resp, err
}

// CompleteTask completes a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/complete", nil, &resp)
	return resp, err
}

// Forecast returns the forecast, optionally for one pipeline.
func (c *Client) Forecast(ctx context.Context, pipelineID string) (Forecast, error) {
	endpoint := "forecast"
	if pipelineID != "" {
		endpoint += "?pipeline_id=" + url.QueryEscape(pipelineID)
	}
	var resp Forecast
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Stats returns tenant-wide statistics.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
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
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.TenantID != "":
		req.Header.Set("X-Tenant-Id", c.TenantID)
		if c.ActorID != "" {
			req.Header.Set("X-Actor-Id", c.ActorID)
		}
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
