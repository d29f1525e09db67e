package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"marketspy/internal/api/middleware"
	"marketspy/internal/model"
	"marketspy/internal/pkg/jobqueue"
	"marketspy/internal/scan"

	"github.com/gin-gonic/gin"
)

// submitResponse 提交任务的响应。
type submitResponse struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Message string `json:"message"`
	RetryOf string `json:"retryOf,omitempty"`
}

// statusResponse 任务状态。result 仅在 completed 时出现，error 仅在 failed 时出现。
type statusResponse struct {
	ID       string            `json:"id"`
	State    model.JobState    `json:"state"`
	Progress int               `json:"progress"`
	Result   *model.ScanResult `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// handleSubmitScan 校验请求并入队，立即返回任务 ID。
//
// POST /api/scan
func (s *Server) handleSubmitScan(c *gin.Context) {
	var in scan.RequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := scan.NewRequest(in, s.policy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.jobs.Enqueue(c.Request.Context(), req)
	if err != nil {
		s.logger.Error("enqueue scan failed",
			slog.String("keyword", req.Keyword),
			slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan queue unavailable"})
		return
	}
	c.Set(middleware.JobIDKey, id)

	s.logger.Info("scan queued",
		slog.String("job_id", id),
		slog.String("keyword", req.Keyword),
		slog.Int("limit", req.Limit),
		slog.Int("platforms", len(req.Platforms)))
	c.JSON(http.StatusAccepted, submitResponse{JobID: id, Status: "queued", Message: "Scan queued"})
}

// handleScanStatus 旧版轮询接口。
//
// GET /api/scan/status?id=
func (s *Server) handleScanStatus(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	s.respondJob(c, id)
}

// handleGetJob 查询任务，可选 sort/order 对结果排序。
//
// GET /api/jobs/:id?sort=price|cost|profit|margin&order=asc|desc
func (s *Server) handleGetJob(c *gin.Context) {
	s.respondJob(c, c.Param("id"))
}

func (s *Server) respondJob(c *gin.Context, id string) {
	c.Set(middleware.JobIDKey, id)

	key, desc, ok := parseSort(c.Query("sort"), c.Query("order"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sort"})
		return
	}

	job, ok := s.loadJob(c, id)
	if !ok {
		return
	}

	resp := statusResponse{
		ID:       job.ID,
		State:    job.State,
		Progress: job.Progress,
	}
	switch job.State {
	case model.JobCompleted:
		resp.Result = job.Result
		if key != "" && job.Result != nil {
			sorted := *job.Result
			sorted.Listings = sortListings(job.Result.Listings, key, desc)
			resp.Result = &sorted
		}
	case model.JobFailed:
		resp.Error = job.FailureReason
	}
	c.JSON(http.StatusOK, resp)
}

// handleRetryJob 用失败任务的原始请求重新入队。
//
// POST /api/jobs/:id/retry
func (s *Server) handleRetryJob(c *gin.Context) {
	id := c.Param("id")
	c.Set(middleware.JobIDKey, id)

	job, ok := s.loadJob(c, id)
	if !ok {
		return
	}
	if job.State != model.JobFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "only failed jobs can be retried"})
		return
	}

	newID, err := s.jobs.Enqueue(c.Request.Context(), job.Request)
	if err != nil {
		s.logger.Error("retry enqueue failed", slog.String("job_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan queue unavailable"})
		return
	}
	s.logger.Info("scan retried", slog.String("job_id", newID), slog.String("retry_of", id))
	c.JSON(http.StatusAccepted, submitResponse{JobID: newID, Status: "queued", Message: "Scan queued", RetryOf: id})
}

// loadJob 读取任务，失败时已写入响应并返回 false。
func (s *Server) loadJob(c *gin.Context, id string) (*model.ScanJob, bool) {
	job, err := s.jobs.GetJob(c.Request.Context(), id)
	if errors.Is(err, jobqueue.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job failed", slog.String("job_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scan queue unavailable"})
		return nil, false
	}
	return job, true
}

// sortKey 排序字段。
type sortKey string

const (
	sortPrice  sortKey = "price"
	sortCost   sortKey = "cost"
	sortProfit sortKey = "profit"
	sortMargin sortKey = "margin"
)

// parseSort 解析排序参数，默认降序。sort 为空时返回空 key 表示保持原顺序。
func parseSort(rawKey, rawOrder string) (sortKey, bool, bool) {
	key := sortKey(strings.ToLower(strings.TrimSpace(rawKey)))
	switch key {
	case "", sortPrice, sortCost, sortProfit, sortMargin:
	default:
		return "", false, false
	}
	switch strings.ToLower(strings.TrimSpace(rawOrder)) {
	case "", "desc":
		return key, true, true
	case "asc":
		return key, false, true
	default:
		return "", false, false
	}
}

// sortListings 返回排序后的副本，原切片不变。没有利润估算的商品按 0 处理。
func sortListings(listings []model.Listing, key sortKey, desc bool) []model.Listing {
	out := make([]model.Listing, len(listings))
	copy(out, listings)

	value := func(l model.Listing) float64 {
		if key == sortPrice {
			return l.Price
		}
		if l.Margin == nil {
			return 0
		}
		switch key {
		case sortCost:
			return l.Margin.TotalCost
		case sortProfit:
			return l.Margin.EstimatedProfit
		default:
			return l.Margin.ProfitMarginPercent
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if desc {
			return value(out[i]) > value(out[j])
		}
		return value(out[i]) < value(out[j])
	})
	return out
}
