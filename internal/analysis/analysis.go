// Package analysis 为单个商品页面生成竞品分析。
//
// 文本分析由外部模型完成；模型未配置、详情页读取失败或模型输出不可用时，
// 返回带 simulated 标记的模拟分析，而不是报错。
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"
	"marketspy/internal/pkg/metrics"
)

const defaultPromptBudget = 3000

const systemPrompt = "Você é um Especialista em Inteligência de E-commerce. Responda APENAS em Português do Brasil."

const userPromptTemplate = `Analise os dados do produto abaixo da plataforma %s e extraia:
1. Lista das 5 melhores palavras-chave de SEO usadas ou recomendadas.
2. Lógica estimada de frete (se mencionado, ou estimativa de mercado para este tipo de item).
3. Uma crítica breve do copy de vendas (Pontos Fortes/Fracos).
4. Estratégia do Concorrente (Preço baixo? Premium? Kit/Bundle?).

Retorne estritamente no formato JSON: { "keywords": [], "shippingEstimates": "", "copyAnalysis": "", "competitorStrategy": "" }

Dados do Produto: %s`

// 模拟分析的原因
const (
	ReasonMissingKey = "OPENAI_API_KEY is missing"
	ReasonNotFound   = "the product page could not be read"
	ReasonFailed     = "the analysis service failed"
	ReasonMalformed  = "the analysis service returned malformed output"
)

// Analysis 是单个商品的分析结果。
type Analysis struct {
	Keywords           []string `json:"keywords"`
	ShippingEstimates  string   `json:"shippingEstimates"`
	CopyAnalysis       string   `json:"copyAnalysis"`
	CompetitorStrategy string   `json:"competitorStrategy"`
	Simulated          bool     `json:"simulated"`
	Notice             string   `json:"notice,omitempty"`
}

// DetailFetcher 读取商品详情文本，由 source.DetailReader 实现。
type DetailFetcher interface {
	FetchDetailText(ctx context.Context, rawURL string, platform model.Platform) (string, bool)
}

// Completer 是外部文本分析能力。
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Cache 缓存成功的分析，由 cache.Cache 实现。
type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any) error
}

// Service 组合详情读取、模型调用与缓存。
type Service struct {
	details      DetailFetcher
	completer    Completer
	cache        Cache
	logger       *slog.Logger
	promptBudget int
}

// NewService 创建分析服务。completer 为 nil 时始终返回模拟分析，cache 可为 nil。
func NewService(details DetailFetcher, completer Completer, cache Cache, log *slog.Logger, promptBudget int) *Service {
	if log == nil {
		log = logger.Discard()
	}
	if promptBudget <= 0 {
		promptBudget = defaultPromptBudget
	}
	return &Service{
		details:      details,
		completer:    completer,
		cache:        cache,
		logger:       log,
		promptBudget: promptBudget,
	}
}

// Analyze 分析一个商品页面，永远返回一个可展示的结果。
func (s *Service) Analyze(ctx context.Context, rawURL string, platform model.Platform) Analysis {
	log := s.logger.With(slog.String("url", rawURL), slog.String("platform", string(platform)))
	key := string(platform) + "|" + rawURL

	if s.cache != nil {
		var cached Analysis
		hit, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			log.Warn("analysis cache read failed", slog.String("error", err.Error()))
		} else if hit {
			metrics.AnalysisRequestsTotal.WithLabelValues("cached").Inc()
			return cached
		}
	}

	if s.completer == nil {
		return s.simulated(log, ReasonMissingKey)
	}

	text, ok := s.details.FetchDetailText(ctx, rawURL, platform)
	if !ok {
		return s.simulated(log, ReasonNotFound)
	}

	raw, err := s.completer.Complete(ctx, systemPrompt, s.prompt(platform, text))
	if err != nil {
		log.Warn("analysis completion failed", slog.String("error", err.Error()))
		return s.simulated(log, ReasonFailed)
	}

	result, err := parseAnalysis(raw)
	if err != nil {
		log.Warn("analysis output rejected", slog.String("error", err.Error()))
		return s.simulated(log, ReasonMalformed)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, result); err != nil {
			log.Warn("analysis cache write failed", slog.String("error", err.Error()))
		}
	}
	metrics.AnalysisRequestsTotal.WithLabelValues("live").Inc()
	log.Info("analysis completed", slog.Int("keywords", len(result.Keywords)))
	return result
}

func (s *Service) prompt(platform model.Platform, text string) string {
	return fmt.Sprintf(userPromptTemplate, platform, truncateRunes(text, s.promptBudget))
}

func (s *Service) simulated(log *slog.Logger, reason string) Analysis {
	metrics.AnalysisRequestsTotal.WithLabelValues("simulated").Inc()
	log.Info("returning simulated analysis", slog.String("reason", reason))
	return Simulated(reason)
}

// Simulated 返回带标记的模拟分析。
func Simulated(reason string) Analysis {
	shipping := "Unavailable"
	if reason == ReasonMissingKey {
		shipping = "Configure API Key for estimates"
	}
	return Analysis{
		Keywords:           []string{"Simulated", "AI", "Keywords", "Configuration", "Missing"},
		ShippingEstimates:  shipping,
		CopyAnalysis:       "This is a simulated analysis because " + reason + ".",
		CompetitorStrategy: "Unknown",
		Simulated:          true,
		Notice:             reason,
	}
}

// parseAnalysis 解析模型输出，容忍代码块包裹。
func parseAnalysis(raw string) (Analysis, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var out Analysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return Analysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	if len(out.Keywords) == 0 && out.ShippingEstimates == "" && out.CopyAnalysis == "" && out.CompetitorStrategy == "" {
		return Analysis{}, fmt.Errorf("analysis has no fields")
	}
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	out.Simulated = false
	out.Notice = ""
	return out, nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
