package client

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

	"github.com/inkworks/novelwatch/internal/analysis"
)

// Client talks to the analysis backend's REST surface. The sync engine uses
// LatestTask as its poll-fallback path; the control calls drive the external
// compute pipeline.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// StartRequest selects the chapter range to analyze. Zero bounds mean the
// backend's full range; Force re-analyzes chapters already marked completed.
type StartRequest struct {
	ChapterStart int  `json:"chapter_start,omitempty"`
	ChapterEnd   int  `json:"chapter_end,omitempty"`
	Force        bool `json:"force,omitempty"`
}

type StartResponse struct {
	TaskID string              `json:"task_id"`
	Status analysis.TaskStatus `json:"status"`
}

// ActiveAnalysis pairs a novel with its in-flight task status.
type ActiveAnalysis struct {
	NovelID string              `json:"novel_id"`
	Status  analysis.TaskStatus `json:"status"`
}

// LatestTask fetches the most recent task and cumulative stats for a novel.
// This is the authoritative source-of-truth read the engine falls back to.
func (c *Client) LatestTask(ctx context.Context, novelID string) (analysis.LatestResult, error) {
	var out analysis.LatestResult
	path := fmt.Sprintf("/api/novels/%s/analysis/latest", url.PathEscape(novelID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return analysis.LatestResult{}, err
	}
	return out, nil
}

func (c *Client) StartAnalysis(ctx context.Context, novelID string, req StartRequest) (StartResponse, error) {
	var out StartResponse
	path := fmt.Sprintf("/api/novels/%s/analyze", url.PathEscape(novelID))
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return StartResponse{}, err
	}
	return out, nil
}

// UpdateTask pauses, resumes, or cancels a task by writing the desired
// status.
func (c *Client) UpdateTask(ctx context.Context, taskID string, status analysis.TaskStatus) error {
	path := fmt.Sprintf("/api/analysis/%s", url.PathEscape(taskID))
	body := struct {
		Status analysis.TaskStatus `json:"status"`
	}{Status: status}
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

func (c *Client) GetTask(ctx context.Context, taskID string) (analysis.Task, error) {
	var out analysis.Task
	path := fmt.Sprintf("/api/analysis/%s", url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return analysis.Task{}, err
	}
	return out, nil
}

// ActiveAnalyses lists novels with a running or paused task.
func (c *Client) ActiveAnalyses(ctx context.Context) ([]ActiveAnalysis, error) {
	var out struct {
		Items []ActiveAnalysis `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/analysis/active", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("analysis api status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
