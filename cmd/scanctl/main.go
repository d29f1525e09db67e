// scanctl 提交一次扫描并轮询到结束，最终状态以 JSON 输出到 stdout。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"marketspy/internal/pkg/logger"
	"marketspy/internal/scanclient"
)

func main() {
	var (
		addr      = flag.String("addr", "http://localhost:8081", "API base URL")
		keyword   = flag.String("keyword", "", "search keyword (required)")
		platforms = flag.String("platforms", "mercadolivre,shopee", "comma separated platforms")
		limit     = flag.Int("limit", 0, "results per platform (server default when 0)")
		email     = flag.String("notify-email", "", "send the report to this address")
		interval  = flag.Duration("interval", scanclient.DefaultInterval, "polling interval")
		jobID     = flag.String("job", "", "poll an existing job instead of submitting")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	appLogger := logger.New(os.Stderr, *logLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := scanclient.New(*addr, nil)

	id := *jobID
	if id == "" {
		if strings.TrimSpace(*keyword) == "" {
			fmt.Fprintln(os.Stderr, "scanctl: -keyword is required")
			flag.Usage()
			os.Exit(2)
		}
		var err error
		id, err = client.Submit(ctx, scanclient.SubmitRequest{
			Keyword:     *keyword,
			Platforms:   splitList(*platforms),
			Limit:       *limit,
			NotifyEmail: *email,
		})
		if err != nil {
			appLogger.Error("submit failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		appLogger.Info("scan queued", slog.String("job_id", id))
	}

	lastProgress := -1
	poller := scanclient.NewPoller(client, *interval, scanclient.WithOnUpdate(func(st scanclient.Status) {
		if st.Progress != lastProgress {
			lastProgress = st.Progress
			appLogger.Info("progress", slog.String("state", string(st.State)), slog.Int("progress", st.Progress))
		}
	}))
	if err := poller.Start(ctx, id); err != nil {
		appLogger.Error("start polling failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	st, err := poller.Wait(context.Background())
	if st != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		appLogger.Warn("polling cancelled", slog.String("job_id", id))
		os.Exit(130)
	default:
		appLogger.Error("scan did not complete", slog.String("job_id", id), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
