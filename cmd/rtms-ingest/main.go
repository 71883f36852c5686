package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/config"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/engagement"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/signature"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/status"
	"github.com/wilsonzlin/aero/proxy/rtms-ingest/internal/webhook"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting rtms-ingest",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"audio_dir", cfg.AudioDir,
		"transcript_dir", cfg.TranscriptDir,
		"handshake_timeout", cfg.HandshakeTimeout,
		"inactivity_timeout", cfg.InactivityTimeout,
		"progress_every", cfg.ProgressEvery,
		"max_engagements", cfg.MaxEngagements,
		"status_url_set", cfg.StatusURL() != "",
		"status_host", safeURLHost(cfg.BackendURL),
	)

	logStartupWarnings(logger, cfg)

	// Without credentials the service still answers webhooks and probes, but
	// every engagement start is refused and /readyz reports why.
	var signer *signature.Signer
	if cfg.ClientID != "" || cfg.ClientSecret != "" {
		signer, err = signature.NewSigner(cfg.ClientID, cfg.ClientSecret)
		if err != nil {
			logger.Error("invalid client credentials", "err", err)
			os.Exit(2)
		}
	}

	m := metrics.New()
	reporter := newReporter(cfg, m, logger)

	registry := engagement.NewRegistry(engagement.OptionsFromConfig(cfg), signer, reporter, m, logger)
	hooks := webhook.NewHandler(registry, webhook.Options{
		SecretToken:     cfg.WebhookSecretToken,
		VerifySignature: cfg.VerifyWebhookSignature,
		MaxBodyBytes:    cfg.MaxWebhookBodyBytes,
	}, m, logger)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if signer == nil {
		srv.SetReadinessCheck(func() error { return engagement.ErrNoCredentials })
	}
	hooks.Register(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m, metrics.Gauge{
		Name:  "rtms_ingest_active_engagements",
		Help:  "Engagements currently held by the registry, including reservations.",
		Value: registry.Len,
	}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		shutdownEngagements(logger, cfg, registry, reporter)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Stop accepting webhooks first so no engagement starts behind the sweep.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	shutdownEngagements(logger, cfg, registry, reporter)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// statusReporter is the status sink as seen by main: the engagement side only
// reports, main also has to drain it on the way out.
type statusReporter interface {
	status.Reporter
	Shutdown(ctx context.Context) error
}

type nopReporter struct{ status.Nop }

func (nopReporter) Shutdown(context.Context) error { return nil }

func newReporter(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) statusReporter {
	url := cfg.StatusURL()
	if url == "" {
		return nopReporter{}
	}
	return status.NewHTTPReporter(status.Options{
		URL:           url,
		RatePerSecond: cfg.StatusRatePerSecond,
		Metrics:       m,
		Logger:        logger.With("component", "status"),
	})
}

func shutdownEngagements(logger *slog.Logger, cfg config.Config, registry *engagement.Registry, reporter statusReporter) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := registry.RetireAll(ctx); err != nil {
		logger.Error("engagement shutdown incomplete", "err", err)
	}
	// The final "RTMS stopped" reports were queued by RetireAll; give them the
	// rest of the budget.
	if err := reporter.Shutdown(ctx); err != nil {
		logger.Warn("status reporter did not drain", "err", err)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info when
	// available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
