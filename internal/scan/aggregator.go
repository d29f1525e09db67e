package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"
	"marketspy/internal/source"
)

// MarginCalculator 由 margin.Calculator 实现。
type MarginCalculator interface {
	Compute(price float64, platform model.Platform) (model.MarginBreakdown, error)
}

// ProgressFunc 在每个平台结束时被调用，done 为已结束的平台数。
// 调用是串行的。
type ProgressFunc func(done, total int)

// Aggregator 并发驱动多个 Source，合并结果并计算汇总。
type Aggregator struct {
	calc    MarginCalculator
	logger  *slog.Logger
	sources map[model.Platform]source.Source
}

// NewAggregator 创建聚合器。同一平台出现多次时以最后一个为准。
func NewAggregator(calc MarginCalculator, log *slog.Logger, sources ...source.Source) *Aggregator {
	if log == nil {
		log = logger.Discard()
	}
	bySource := make(map[model.Platform]source.Source, len(sources))
	for _, s := range sources {
		bySource[s.Platform()] = s
	}
	return &Aggregator{calc: calc, logger: log, sources: bySource}
}

type sourceOutcome struct {
	listings []model.Listing
	report   model.SourceReport
}

// Run 执行一次扫描。
//
// 单个平台失败不会影响其他平台，全部失败时返回空结果而不是错误。
// 只有利润计算这类流水线错误才会返回 error。
func (a *Aggregator) Run(ctx context.Context, req model.ScanRequest, onProgress ProgressFunc) (*model.ScanResult, error) {
	total := len(req.Platforms)
	outcomes := make([]sourceOutcome, total)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	for i, p := range req.Platforms {
		wg.Add(1)
		go func(i int, p model.Platform) {
			defer wg.Done()
			outcomes[i] = a.runSource(ctx, p, req.Keyword, req.Limit)

			mu.Lock()
			defer mu.Unlock()
			done++
			if onProgress != nil {
				onProgress(done, total)
			}
		}(i, p)
	}
	wg.Wait()

	result := &model.ScanResult{
		Listings: make([]model.Listing, 0),
		Sources:  make([]model.SourceReport, 0, total),
	}
	for _, out := range outcomes {
		for _, l := range out.listings {
			breakdown, err := a.calc.Compute(l.Price, l.Platform)
			if err != nil {
				return nil, fmt.Errorf("compute margin for %s: %w", l.ID, err)
			}
			l.Margin = &breakdown
			result.Listings = append(result.Listings, l)
		}
		result.Sources = append(result.Sources, out.report)
	}
	result.Summary = Summarize(result.Listings)
	return result, nil
}

// runSource 收集单个平台的商品，吸收其所有错误（包括 panic）。
func (a *Aggregator) runSource(ctx context.Context, p model.Platform, keyword string, limit int) (out sourceOutcome) {
	start := time.Now()
	log := a.logger.With(slog.String("platform", string(p)))
	out.report = model.SourceReport{Platform: p, Status: model.SourceOK}

	defer func() {
		if r := recover(); r != nil {
			log.Error("source panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			out.listings = nil
			out.report.Listings = 0
			out.report.Status = model.SourceFailed
			out.report.Error = fmt.Sprintf("panic: %v", r)
		}
		metrics.SourceRunsTotal.WithLabelValues(string(p), string(out.report.Status)).Inc()
		log.Info("source finished",
			slog.Int("listings", out.report.Listings),
			slog.String("status", string(out.report.Status)),
			slog.Duration("duration", time.Since(start)))
	}()

	src, ok := a.sources[p]
	if !ok {
		out.report.Status = model.SourceFailed
		out.report.Error = "source unavailable"
		return out
	}

	var scanErr error
	for listing, err := range src.Scan(ctx, keyword, limit) {
		if err != nil {
			scanErr = err
			break
		}
		if listing.Platform != p {
			log.Warn("dropping listing from foreign platform", slog.String("listing_platform", string(listing.Platform)))
			continue
		}
		if err := listing.Validate(); err != nil {
			metrics.SourceRejectedTotal.WithLabelValues(string(p), "invalid").Inc()
			continue
		}
		listing.Margin = nil
		out.listings = append(out.listings, listing)
		if len(out.listings) >= limit {
			break
		}
	}

	out.report.Listings = len(out.listings)
	if scanErr != nil {
		out.report.Error = describe(scanErr)
		if len(out.listings) > 0 {
			out.report.Status = model.SourceDegraded
		} else {
			out.report.Status = model.SourceFailed
		}
		log.Warn("source degraded", slog.String("error", scanErr.Error()))
	}
	return out
}

// describe 生成对客户端可见的错误描述，不暴露底层驱动的错误细节。
func describe(err error) string {
	var scanErr *source.ScanError
	if errors.As(err, &scanErr) {
		return fmt.Sprintf("abandoned at %s", scanErr.Stage)
	}
	return "source error"
}
