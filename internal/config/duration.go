package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		AnalysisCacheTTL string `json:"analysis_cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("analysis_cache_ttl", aux.AnalysisCacheTTL, &a.AnalysisCacheTTL)
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (s *ScanConfig) UnmarshalJSON(data []byte) error {
	type Alias ScanConfig
	aux := &struct {
		JobTimeout     string `json:"job_timeout"`
		PageBackoffMin string `json:"page_backoff_min"`
		PageBackoffMax string `json:"page_backoff_max"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("job_timeout", aux.JobTimeout, &s.JobTimeout); err != nil {
		return err
	}
	if err := parseDuration("page_backoff_min", aux.PageBackoffMin, &s.PageBackoffMin); err != nil {
		return err
	}
	return parseDuration("page_backoff_max", aux.PageBackoffMax, &s.PageBackoffMax)
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (q *QueueConfig) UnmarshalJSON(data []byte) error {
	type Alias QueueConfig
	aux := &struct {
		BlockTime   string `json:"block_time"`
		PendingIdle string `json:"pending_idle"`
		Retention   string `json:"retention"`
		*Alias
	}{
		Alias: (*Alias)(q),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if err := parseDuration("block_time", aux.BlockTime, &q.BlockTime); err != nil {
		return err
	}
	if err := parseDuration("pending_idle", aux.PendingIdle, &q.PendingIdle); err != nil {
		return err
	}
	return parseDuration("retention", aux.Retention, &q.Retention)
}

// UnmarshalJSON 自定义 JSON 解析，支持时间Duration字符串。
func (b *BrowserConfig) UnmarshalJSON(data []byte) error {
	type Alias BrowserConfig
	aux := &struct {
		PageTimeout string `json:"page_timeout"`
		*Alias
	}{
		Alias: (*Alias)(b),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("page_timeout", aux.PageTimeout, &b.PageTimeout)
}

func parseDuration(name, raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s format: %w", name, err)
	}
	*dst = d
	return nil
}
