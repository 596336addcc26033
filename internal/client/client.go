// -----------------------------------------------------------------------
// Jobs API client - HTTP access to the backend job system
// -----------------------------------------------------------------------

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/custos/internal/interfaces"
	"github.com/ternarybob/custos/internal/models"
	"golang.org/x/time/rate"
)

// endpointShape maps a job type onto its backend path layout. Each format
// string takes the job id; list is a plain collection path. Keeping the
// per-type differences in one table avoids type branching in the engine.
type endpointShape struct {
	status    string
	list      string
	cancel    string
	terminate string
}

var endpoints = map[models.JobType]endpointShape{
	models.JobTypeExtraction: {
		status:    "/api/extraction/jobs/%s",
		list:      "/api/extraction/jobs",
		cancel:    "/api/extraction/jobs/%s/cancel",
		terminate: "/api/extraction/jobs/%s/terminate",
	},
	models.JobTypeCrawl: {
		status:    "/api/crawls/%s/status",
		list:      "/api/crawls",
		cancel:    "/api/crawls/%s/cancel",
		terminate: "/api/crawls/%s/kill",
	},
	models.JobTypeSync: {
		status:    "/api/sync/runs/%s",
		list:      "/api/sync/runs",
		cancel:    "/api/sync/runs/%s/cancel",
		terminate: "/api/sync/runs/%s/terminate",
	},
	models.JobTypeMaintenance: {
		status:    "/api/maintenance/tasks/%s",
		list:      "/api/maintenance/tasks",
		cancel:    "/api/maintenance/tasks/%s/cancel",
		terminate: "/api/maintenance/tasks/%s/kill",
	},
}

// Config holds jobs API client settings
type Config struct {
	BaseURL string
	Timeout time.Duration
	// RequestsPerSecond caps outbound calls across all tracked jobs;
	// zero disables limiting
	RequestsPerSecond float64
	Burst             int
}

// Client implements interfaces.JobsAPI over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// NewClient creates a jobs API client
func NewClient(cfg Config, logger arbor.ILogger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jobs API base URL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid jobs API base URL %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		logger:     logger,
	}, nil
}

// FetchJobStatus returns the current snapshot for a single job
func (c *Client) FetchJobStatus(ctx context.Context, jobType models.JobType, jobID string) (*models.JobSnapshot, error) {
	shape, err := c.shape(jobType)
	if err != nil {
		return nil, err
	}

	var snap models.JobSnapshot
	path := fmt.Sprintf(shape.status, url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodGet, path, &snap); err != nil {
		return nil, fmt.Errorf("fetch %s job %s: %w", jobType, jobID, err)
	}
	return &snap, nil
}

// ListJobs returns summaries for jobs of a type
func (c *Client) ListJobs(ctx context.Context, jobType models.JobType, filter interfaces.ListFilter) ([]*models.JobSummary, error) {
	shape, err := c.shape(jobType)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if filter.Status != "" {
		query.Set("status", string(filter.Status))
	}
	if filter.ResourceID != "" {
		query.Set("resource_id", filter.ResourceID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	path := shape.list
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var response struct {
		Jobs []*models.JobSummary `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, &response); err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", jobType, err)
	}

	// listings may omit the type field; stamp it so callers can track
	for _, summary := range response.Jobs {
		if summary.Type == "" {
			summary.Type = jobType
		}
	}
	return response.Jobs, nil
}

// CancelJob requests a graceful stop
func (c *Client) CancelJob(ctx context.Context, jobType models.JobType, jobID string) (*models.ActionResult, error) {
	return c.action(ctx, jobType, jobID, "cancel")
}

// ForceTerminateJob destructively stops a job
func (c *Client) ForceTerminateJob(ctx context.Context, jobType models.JobType, jobID string) (*models.ActionResult, error) {
	return c.action(ctx, jobType, jobID, "terminate")
}

func (c *Client) action(ctx context.Context, jobType models.JobType, jobID, kind string) (*models.ActionResult, error) {
	shape, err := c.shape(jobType)
	if err != nil {
		return nil, err
	}

	format := shape.cancel
	if kind == "terminate" {
		format = shape.terminate
	}

	var result models.ActionResult
	path := fmt.Sprintf(format, url.PathEscape(jobID))
	if err := c.do(ctx, http.MethodPost, path, &result); err != nil {
		return nil, fmt.Errorf("%s %s job %s: %w", kind, jobType, jobID, err)
	}
	return &result, nil
}

func (c *Client) shape(jobType models.JobType) (endpointShape, error) {
	shape, ok := endpoints[jobType]
	if !ok {
		return endpointShape{}, fmt.Errorf("unknown job type: %s", jobType)
	}
	return shape, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Int64("elapsed_ms", time.Since(start).Milliseconds()).
		Msg("Jobs API request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.errorFromResponse(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// errorFromResponse extracts the backend's error message when one is present
func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return fmt.Errorf("backend returned %d: %s", resp.StatusCode, payload.Error)
		}
		if payload.Message != "" {
			return fmt.Errorf("backend returned %d: %s", resp.StatusCode, payload.Message)
		}
	}
	return fmt.Errorf("backend returned %d", resp.StatusCode)
}
