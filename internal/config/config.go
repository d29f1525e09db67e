package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"marketspy/internal/margin"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App     AppConfig                     `json:"app"`
	Scan    ScanConfig                    `json:"scan"`
	Queue   QueueConfig                   `json:"queue"`
	Redis   RedisConfig                   `json:"redis"`
	MySQL   MySQLConfig                   `json:"mysql"`
	Browser BrowserConfig                 `json:"browser"`
	Email   EmailConfig                   `json:"email"`
	NATS    NATSConfig                    `json:"nats"`
	OpenAI  OpenAIConfig                  `json:"openai"`
	Fees    map[string]margin.FeeSchedule `json:"fees"` // 按平台覆盖费率表
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env              string        `json:"env"`                // 运行环境: local / prod
	LogLevel         string        `json:"log_level"`          // 日志级别: debug / info / warn / error
	HTTPAddr         string        `json:"http_addr"`          // API 服务监听地址
	MetricsAddr      string        `json:"metrics_addr"`       // crawler 进程的 metrics 监听地址
	RateLimit        float64       `json:"rate_limit"`         // 页面导航限流速率（token/s）
	RateBurst        float64       `json:"rate_burst"`         // 限流桶容量
	AnalysisCacheTTL time.Duration `json:"analysis_cache_ttl"` // 分析结果缓存时间（如 "6h"）
}

// ScanConfig 扫描任务配置。
type ScanConfig struct {
	MinLimit         int           `json:"min_limit"`
	MaxLimit         int           `json:"max_limit"`
	DefaultLimit     int           `json:"default_limit"`
	Concurrency      int           `json:"concurrency"`        // worker 数量
	JobTimeout       time.Duration `json:"job_timeout"`        // 单个任务最大执行时间
	PageBackoffMin   time.Duration `json:"page_backoff_min"`   // 翻页前最小等待
	PageBackoffMax   time.Duration `json:"page_backoff_max"`   // 翻页前最大等待
	MaxPages         int           `json:"max_pages"`          // 每个平台最多翻页数
	DetailTextBudget int           `json:"detail_text_budget"` // 详情文本最大字符数
	PromptBudget     int           `json:"prompt_budget"`      // 提交给分析模型的最大字符数
}

// QueueConfig 任务队列配置。
type QueueConfig struct {
	Stream      string        `json:"stream"`
	Group       string        `json:"group"`
	KeyPrefix   string        `json:"key_prefix"`
	BlockTime   time.Duration `json:"block_time"`
	PendingIdle time.Duration `json:"pending_idle"` // 必须大于 scan.job_timeout
	Retention   time.Duration `json:"retention"`    // 终态任务保留时间，0 表示永久
	MaxLen      int64         `json:"max_len"`
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// MySQLConfig 报告归档数据库配置。
type MySQLConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"` // 数据库连接字符串
}

// BrowserConfig 页面抓取配置。
type BrowserConfig struct {
	Driver      string        `json:"driver"`       // rod / chromedp / http
	BinPath     string        `json:"bin_path"`     // 浏览器可执行文件路径
	ProxyURL    string        `json:"proxy_url"`    // 代理服务器 URL
	Headless    bool          `json:"headless"`     // 是否使用无头模式
	PageTimeout time.Duration `json:"page_timeout"` // 单页导航超时
	UserAgent   string        `json:"user_agent"`
}

// EmailConfig 邮件通知配置，SMTPHost 为空时禁用。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	Workers   int    `json:"workers"`
	Capacity  int    `json:"capacity"`
}

// NATSConfig 任务事件配置，URL 为空时禁用。
type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
}

// OpenAIConfig 文本分析配置，APIKey 为空时返回模拟分析。
type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url"`
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// 以默认配置为底，文件中缺省的字段保持默认值
	cfg := getDefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default 返回内置默认配置，不读取文件与环境变量。
func Default() *Config {
	return getDefaultConfig()
}

// LoadOrDefault 加载配置，如果失败则返回默认配置（不报错）。
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Validate 检查相互依赖的配置项。
func (c *Config) Validate() error {
	if c.Scan.MinLimit > c.Scan.MaxLimit {
		return fmt.Errorf("scan.min_limit %d exceeds scan.max_limit %d", c.Scan.MinLimit, c.Scan.MaxLimit)
	}
	if c.Scan.DefaultLimit < c.Scan.MinLimit || c.Scan.DefaultLimit > c.Scan.MaxLimit {
		return fmt.Errorf("scan.default_limit %d outside [%d, %d]", c.Scan.DefaultLimit, c.Scan.MinLimit, c.Scan.MaxLimit)
	}
	if c.Queue.PendingIdle <= c.Scan.JobTimeout {
		return fmt.Errorf("queue.pending_idle %s must exceed scan.job_timeout %s", c.Queue.PendingIdle, c.Scan.JobTimeout)
	}
	if c.Scan.PageBackoffMax < c.Scan.PageBackoffMin {
		return fmt.Errorf("scan.page_backoff_max %s below scan.page_backoff_min %s", c.Scan.PageBackoffMax, c.Scan.PageBackoffMin)
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:              "local",
			LogLevel:         "info",
			HTTPAddr:         ":8081",
			MetricsAddr:      ":2112",
			RateLimit:        2,
			RateBurst:        4,
			AnalysisCacheTTL: 6 * time.Hour,
		},
		Scan: ScanConfig{
			MinLimit:         5,
			MaxLimit:         50,
			DefaultLimit:     10,
			Concurrency:      2,
			JobTimeout:       10 * time.Minute,
			PageBackoffMin:   1 * time.Second,
			PageBackoffMax:   3 * time.Second,
			MaxPages:         10,
			DetailTextBudget: 5000,
			PromptBudget:     3000,
		},
		Queue: QueueConfig{
			Stream:      "marketspy:scan:jobs",
			Group:       "scan_workers",
			KeyPrefix:   "marketspy",
			BlockTime:   2 * time.Second,
			PendingIdle: 15 * time.Minute,
			Retention:   24 * time.Hour,
			MaxLen:      100000,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/marketspy?parseTime=true&loc=Local",
		},
		Browser: BrowserConfig{
			Driver:      "rod",
			Headless:    true,
			PageTimeout: 30 * time.Second,
		},
		Email: EmailConfig{
			SMTPPort: 587,
			Workers:  2,
			Capacity: 100,
		},
		NATS: NATSConfig{
			SubjectPrefix: "marketspy.scan",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-3.5-turbo",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = defaults.App.MetricsAddr
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.AnalysisCacheTTL == 0 {
		cfg.App.AnalysisCacheTTL = defaults.App.AnalysisCacheTTL
	}

	if cfg.Scan.MinLimit == 0 {
		cfg.Scan.MinLimit = defaults.Scan.MinLimit
	}
	if cfg.Scan.MaxLimit == 0 {
		cfg.Scan.MaxLimit = defaults.Scan.MaxLimit
	}
	if cfg.Scan.DefaultLimit == 0 {
		cfg.Scan.DefaultLimit = defaults.Scan.DefaultLimit
	}
	if cfg.Scan.Concurrency == 0 {
		cfg.Scan.Concurrency = defaults.Scan.Concurrency
	}
	if cfg.Scan.JobTimeout == 0 {
		cfg.Scan.JobTimeout = defaults.Scan.JobTimeout
	}
	if cfg.Scan.PageBackoffMin == 0 {
		cfg.Scan.PageBackoffMin = defaults.Scan.PageBackoffMin
	}
	if cfg.Scan.PageBackoffMax == 0 {
		cfg.Scan.PageBackoffMax = defaults.Scan.PageBackoffMax
	}
	if cfg.Scan.MaxPages == 0 {
		cfg.Scan.MaxPages = defaults.Scan.MaxPages
	}
	if cfg.Scan.DetailTextBudget == 0 {
		cfg.Scan.DetailTextBudget = defaults.Scan.DetailTextBudget
	}
	if cfg.Scan.PromptBudget == 0 {
		cfg.Scan.PromptBudget = defaults.Scan.PromptBudget
	}

	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = defaults.Queue.Stream
	}
	if cfg.Queue.Group == "" {
		cfg.Queue.Group = defaults.Queue.Group
	}
	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = defaults.Queue.KeyPrefix
	}
	if cfg.Queue.BlockTime == 0 {
		cfg.Queue.BlockTime = defaults.Queue.BlockTime
	}
	if cfg.Queue.PendingIdle == 0 {
		cfg.Queue.PendingIdle = defaults.Queue.PendingIdle
	}
	if cfg.Queue.MaxLen == 0 {
		cfg.Queue.MaxLen = defaults.Queue.MaxLen
	}
	// Retention 为 0 表示永久保留，不做默认填充

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = defaults.Redis.Addr
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = defaults.MySQL.DSN
	}
	if cfg.Browser.Driver == "" {
		cfg.Browser.Driver = defaults.Browser.Driver
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Email.Workers == 0 {
		cfg.Email.Workers = defaults.Email.Workers
	}
	if cfg.Email.Capacity == 0 {
		cfg.Email.Capacity = defaults.Email.Capacity
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = defaults.NATS.SubjectPrefix
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = defaults.OpenAI.Model
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")
	_ = viper.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = viper.BindEnv("nats_url", "NATS_URL")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_METRICS_ADDR"); v != "" {
		cfg.App.MetricsAddr = v
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_ANALYSIS_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.AnalysisCacheTTL = d
		}
	}

	if v := os.Getenv("SCAN_CONCURRENCY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scan.Concurrency = i
		}
	}
	if v := os.Getenv("SCAN_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scan.JobTimeout = d
		}
	}
	if v := os.Getenv("SCAN_MIN_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scan.MinLimit = i
		}
	}
	if v := os.Getenv("SCAN_MAX_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scan.MaxLimit = i
		}
	}
	if v := os.Getenv("SCAN_DEFAULT_LIMIT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Scan.DefaultLimit = i
		}
	}

	if v := os.Getenv("QUEUE_STREAM"); v != "" {
		cfg.Queue.Stream = v
	}
	if v := os.Getenv("QUEUE_GROUP"); v != "" {
		cfg.Queue.Group = v
	}
	if v := os.Getenv("QUEUE_PENDING_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.PendingIdle = d
		}
	}
	if v := os.Getenv("QUEUE_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.Retention = d
		}
	}

	if v := os.Getenv("DB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MySQL.Enabled = b
		}
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			host := v
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = host + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("BROWSER_DRIVER"); v != "" {
		cfg.Browser.Driver = v
	}
	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
	}
	if v := os.Getenv("BROWSER_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Browser.PageTimeout = d
		}
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}

	if v := viper.GetString("nats_url"); v != "" {
		cfg.NATS.URL = v
	}
	if v := viper.GetString("openai_api_key"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAI.Model = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if fallbackAddr == "" {
		return defaultValue
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "marketspy",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}
