package model

import (
	"time"
)

// ScanReport 是归档到 MySQL 的扫描报告。
//
// 它在任务完成后写入一次，用于 Redis 中的任务记录过期之后继续查询历史结果。
// 报告与商品是一对多关系（通过 report_id 关联）。
type ScanReport struct {
	ID        uint      `gorm:"primaryKey" json:"id"` // 报告内部 ID
	CreatedAt time.Time `json:"createdAt"`            // 归档时间

	JobID        string  `gorm:"type:varchar(64);uniqueIndex;not null" json:"jobId"` // 对应的任务 ID (唯一索引)
	Keyword      string  `gorm:"not null" json:"keyword"`                            // 搜索关键词
	Platforms    string  `gorm:"not null" json:"platforms"`                          // 平台列表，逗号分隔
	TotalScanned int     `json:"totalScanned"`                                       // 商品总数
	AveragePrice float64 `json:"averagePrice"`                                       // 平均价格 (BRL)
	BestListing  string  `gorm:"type:varchar(64)" json:"bestListing,omitempty"`     // 最佳机会商品 ID

	FinishedAt *time.Time `json:"finishedAt,omitempty"` // 任务完成时间

	Listings []ReportListing `gorm:"foreignKey:ReportID" json:"listings,omitempty"` // 报告中的商品
}

// ReportListing 是报告中的一条商品快照（含利润估算）。
//
// Rank 保留聚合时的顺序，用于按原顺序还原列表。
type ReportListing struct {
	ID       uint `gorm:"primaryKey" json:"-"`
	ReportID uint `gorm:"index;not null" json:"-"`
	Rank     int  `gorm:"default:0" json:"rank"`

	ListingID    string  `gorm:"type:varchar(64)" json:"id"`
	Platform     string  `gorm:"type:varchar(32);index" json:"platform"`
	Title        string  `json:"title"`
	Price        float64 `json:"price"`
	SourceURL    string  `gorm:"type:text" json:"sourceUrl"`
	ThumbnailURL string  `gorm:"type:text" json:"thumbnailUrl,omitempty"`
	SalesVolume  string  `json:"salesVolume,omitempty"`

	Fees                float64 `json:"fees"`
	Shipping            float64 `json:"shipping"`
	TotalCost           float64 `json:"totalCost"`
	EstimatedProfit     float64 `json:"estimatedProfit"`
	ProfitMarginPercent float64 `json:"profitMarginPercent"`
}
