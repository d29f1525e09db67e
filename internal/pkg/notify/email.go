package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math"
	"sort"
	"strings"

	"marketspy/internal/config"
	"marketspy/internal/model"
	"marketspy/internal/pkg/logger"

	"gopkg.in/gomail.v2"
)

const topOpportunities = 5

// mailSender 由 gomail.Dialer 实现。
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 通过 SMTP 发送扫描报告。
type EmailNotifier struct {
	cfg    config.EmailConfig
	logger *slog.Logger
	sender mailSender
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg config.EmailConfig, log *slog.Logger) *EmailNotifier {
	if log == nil {
		log = logger.Discard()
	}
	return &EmailNotifier{
		cfg:    cfg,
		logger: log,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
	}
}

// Enabled 判断 SMTP 配置是否完整。
func (n *EmailNotifier) Enabled() bool {
	return n.cfg.SMTPHost != "" && n.cfg.FromEmail != ""
}

// SendReport 把任务结果发送到请求中的 notifyEmail。
func (n *EmailNotifier) SendReport(ctx context.Context, job model.ScanJob) error {
	if !n.Enabled() {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	to := strings.TrimSpace(job.Request.NotifyEmail)
	if to == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject(job))
	m.SetBody("text/html", buildReportBody(job))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("scan report sent",
		slog.String("job_id", job.ID),
		slog.String("to", to),
		slog.String("state", string(job.State)))
	return nil
}

func subject(job model.ScanJob) string {
	if job.State == model.JobCompleted {
		return fmt.Sprintf("[MarketSpy] Relatório: %s", job.Request.Keyword)
	}
	return fmt.Sprintf("[MarketSpy] Falha na busca: %s", job.Request.Keyword)
}

func buildReportBody(job model.ScanJob) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 640px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  table { width: 100%; border-collapse: collapse; font-size: 14px; }
  th, td { padding: 8px; border-bottom: 1px solid #e5e7eb; text-align: left; }
  .profit { color: #16a34a; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
`)
	fmt.Fprintf(&b, "    <div class=\"header\">[MarketSpy] %s</div>\n    <div class=\"content\">\n", html.EscapeString(job.Request.Keyword))

	if job.State != model.JobCompleted || job.Result == nil {
		fmt.Fprintf(&b, "      <p>A busca falhou: %s</p>\n", html.EscapeString(job.FailureReason))
	} else {
		s := job.Result.Summary
		fmt.Fprintf(&b, "      <p>Produtos analisados: <b>%d</b> &middot; Preço médio: <b>%s</b></p>\n",
			s.TotalScanned, formatBRL(s.AveragePrice))

		top := topByMargin(job.Result.Listings, topOpportunities)
		if len(top) == 0 {
			b.WriteString("      <p>Nenhum produto encontrado.</p>\n")
		} else {
			b.WriteString("      <table>\n        <tr><th>Produto</th><th>Plataforma</th><th>Preço</th><th>Lucro</th><th>Margem</th></tr>\n")
			for _, l := range top {
				fmt.Fprintf(&b, "        <tr><td><a href=\"%s\">%s</a></td><td>%s</td><td>%s</td><td class=\"profit\">%s</td><td>%.1f%%</td></tr>\n",
					html.EscapeString(l.SourceURL),
					html.EscapeString(l.Title),
					html.EscapeString(string(l.Platform)),
					formatBRL(l.Price),
					formatBRL(l.Margin.EstimatedProfit),
					l.Margin.ProfitMarginPercent)
			}
			b.WriteString("      </table>\n")
		}
	}

	fmt.Fprintf(&b, "      <div class=\"footer\">Job %s</div>\n    </div>\n  </div>\n</body>\n</html>", html.EscapeString(job.ID))
	return b.String()
}

// topByMargin 返回利润率最高的 n 个商品，忽略没有利润估算的商品。
func topByMargin(listings []model.Listing, n int) []model.Listing {
	out := make([]model.Listing, 0, len(listings))
	for _, l := range listings {
		if l.Margin != nil {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		mi, mj := out[i].Margin.ProfitMarginPercent, out[j].Margin.ProfitMarginPercent
		if mi != mj {
			return mi > mj
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// formatBRL 以巴西格式输出金额，如 R$ 1.234,56。
func formatBRL(v float64) string {
	neg := v < 0
	cents := int64(math.Round(math.Abs(v) * 100))
	whole := fmt.Sprintf("%d", cents/100)

	n := len(whole)
	grouped := make([]byte, 0, n+n/3)
	for i, ch := range []byte(whole) {
		grouped = append(grouped, ch)
		if (n-i-1)%3 == 0 && i != n-1 {
			grouped = append(grouped, '.')
		}
	}
	out := fmt.Sprintf("R$ %s,%02d", grouped, cents%100)
	if neg {
		return "-" + out
	}
	return out
}
