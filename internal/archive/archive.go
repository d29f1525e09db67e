// Package archive 把完成的扫描报告归档到 MySQL。
//
// Redis 中的任务记录在保留期后会过期，归档表用于查询历史报告。
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// ErrReportNotFound 报告不存在。
var ErrReportNotFound = errors.New("report not found")

const (
	defaultRecent = 20
	maxRecent     = 100
	saveTimeout   = 10 * time.Second
)

// Repository 报告归档仓库。
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open 连接 MySQL 并迁移归档表。
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if err := db.AutoMigrate(&model.ScanReport{}, &model.ReportListing{}); err != nil {
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return db, nil
}

// NewRepository 创建归档仓库。
func NewRepository(db *gorm.DB, log *slog.Logger) *Repository {
	if log == nil {
		log = logger.Discard()
	}
	return &Repository{db: db, logger: log}
}

// Save 归档一个已完成的任务。
//
// 同一个任务只归档一次，重复调用直接返回 nil。非 completed 状态的任务被忽略。
func (r *Repository) Save(ctx context.Context, job model.ScanJob) error {
	report, ok := ToReport(job)
	if !ok {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.ScanReport{}).Where("job_id = ?", job.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("check report: %w", err)
		}
		if count > 0 {
			return nil
		}
		if err := tx.Create(&report).Error; err != nil {
			return fmt.Errorf("create report: %w", err)
		}
		return nil
	})
}

// JobFinished 实现 crawler.JobObserver。
func (r *Repository) JobFinished(ctx context.Context, job model.ScanJob) {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	if err := r.Save(ctx, job); err != nil {
		metrics.NotificationsTotal.WithLabelValues("archive", "failed").Inc()
		r.logger.Error("archive report failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}
	if job.State == model.JobCompleted {
		metrics.NotificationsTotal.WithLabelValues("archive", "sent").Inc()
	}
}

// Recent 返回最近归档的报告（不含商品明细）。
func (r *Repository) Recent(ctx context.Context, limit int) ([]model.ScanReport, error) {
	limit = clampRecent(limit)
	var reports []model.ScanReport
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

// ByJobID 返回某个任务的完整报告，商品按 Rank 排序。
func (r *Repository) ByJobID(ctx context.Context, jobID string) (*model.ScanReport, error) {
	var report model.ScanReport
	err := r.db.WithContext(ctx).
		Preload("Listings", func(db *gorm.DB) *gorm.DB {
			return db.Order("`rank` ASC")
		}).
		Where("job_id = ?", jobID).
		First(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &report, nil
}

func clampRecent(limit int) int {
	if limit <= 0 {
		return defaultRecent
	}
	if limit > maxRecent {
		return maxRecent
	}
	return limit
}

// ToReport 把已完成任务转换为归档行，第二个返回值表示任务是否可归档。
func ToReport(job model.ScanJob) (model.ScanReport, bool) {
	if job.State != model.JobCompleted || job.Result == nil {
		return model.ScanReport{}, false
	}

	platforms := make([]string, 0, len(job.Request.Platforms))
	for _, p := range job.Request.Platforms {
		platforms = append(platforms, string(p))
	}

	report := model.ScanReport{
		JobID:        job.ID,
		Keyword:      job.Request.Keyword,
		Platforms:    strings.Join(platforms, ","),
		TotalScanned: job.Result.Summary.TotalScanned,
		AveragePrice: job.Result.Summary.AveragePrice,
		FinishedAt:   job.FinishedAt,
		Listings:     make([]model.ReportListing, 0, len(job.Result.Listings)),
	}
	if best := job.Result.Summary.BestOpportunity; best != nil {
		report.BestListing = best.ID
	}

	for i, l := range job.Result.Listings {
		row := model.ReportListing{
			Rank:         i,
			ListingID:    l.ID,
			Platform:     string(l.Platform),
			Title:        l.Title,
			Price:        l.Price,
			SourceURL:    l.SourceURL,
			ThumbnailURL: l.ThumbnailURL,
			SalesVolume:  l.SalesVolume,
		}
		if m := l.Margin; m != nil {
			row.Fees = m.Fees
			row.Shipping = m.Shipping
			row.TotalCost = m.TotalCost
			row.EstimatedProfit = m.EstimatedProfit
			row.ProfitMarginPercent = m.ProfitMarginPercent
		}
		report.Listings = append(report.Listings, row)
	}
	return report, true
}
