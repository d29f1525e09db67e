// Package scanclient 是扫描 API 的 Go 客户端，并提供轮询任务状态的状态机。
package scanclient

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

	"marketspy/internal/model"
)

// ErrNotFound 任务不存在（未知 ID 或已过期）。
var ErrNotFound = errors.New("job not found")

const defaultHTTPTimeout = 10 * time.Second

// SubmitRequest 提交扫描的请求体。
type SubmitRequest struct {
	Keyword     string   `json:"keyword"`
	Platforms   []string `json:"platforms"`
	Limit       int      `json:"limit,omitempty"`
	NotifyEmail string   `json:"notifyEmail,omitempty"`
}

// Status 与 GET /api/jobs/:id 的响应一致。
type Status struct {
	ID       string            `json:"id"`
	State    model.JobState    `json:"state"`
	Progress int               `json:"progress"`
	Result   *model.ScanResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// APIError 服务端返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client 扫描 API 客户端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New 创建客户端，httpClient 为 nil 时使用 10s 超时的默认客户端。
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Submit 提交扫描，返回任务 ID。
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	var resp struct {
		JobID string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/scan", body, &resp); err != nil {
		return "", err
	}
	if resp.JobID == "" {
		return "", errors.New("submit: empty job id")
	}
	return resp.JobID, nil
}

// Status 查询任务状态，未知任务返回 ErrNotFound。
func (c *Client) Status(ctx context.Context, id string) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
