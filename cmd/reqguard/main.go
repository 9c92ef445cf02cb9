// Command reqguard probes an HTTP endpoint through a guarded client and
// reports the resulting error metrics. With -listen it keeps serving
// Prometheus metrics and readiness until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/byte4ever/reqguard"
	"github.com/byte4ever/reqguard/httpx"
	"github.com/byte4ever/reqguard/notify"
	"github.com/byte4ever/reqguard/prommetrics"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath string
	url        string
	method     string
	listen     string
	interval   time.Duration
	count      int
	debug      bool
}

func main() {
	var f flags

	flag.StringVar(&f.configPath, "config", "", "Path to a JSON or YAML configuration file")
	flag.StringVar(&f.url, "url", "", "URL to probe")
	flag.StringVar(&f.method, "method", http.MethodGet, "HTTP method")
	flag.IntVar(&f.count, "n", 1, "Number of probes")
	flag.DurationVar(&f.interval, "interval", time.Second, "Delay between probes")
	flag.StringVar(&f.listen, "listen", "", "Serve /metrics and /readyz on this address")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Could not load .env file", "error", err)
	}

	cfg := &reqguard.Config{}

	if f.configPath != "" {
		var err error

		if cfg, err = reqguard.LoadConfig(f.configPath); err != nil {
			slog.Error("Failed to load config", "error", err)
			os.Exit(1)
		}
	}

	logger := newLogger(f.debug, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, cfg, logger); err != nil {
		logger.Error("reqguard failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(debug bool, level *string) *slog.Logger {
	lvl := slog.LevelInfo

	if level != nil {
		if err := lvl.UnmarshalText([]byte(*level)); err != nil {
			lvl = slog.LevelInfo
		}
	}

	if debug {
		lvl = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      lvl,
		TimeFormat: time.RFC3339,
	}))
}

func run(ctx context.Context, f flags, cfg *reqguard.Config, logger *slog.Logger) error {
	if f.url == "" {
		return errors.New("-url is required")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := prommetrics.New(promReg, "")
	health := reqguard.NewRegistry()

	deps, err := buildDeps(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer deps.close()

	opts, err := reqguard.BuildOptions(cfg)
	if err != nil {
		return fmt.Errorf("build client options: %w", err)
	}

	opts = append(opts,
		reqguard.WithRegistry(health),
		reqguard.WithHooks(metrics.Hooks()),
		reqguard.WithLogger(logger),
		reqguard.WithMonitor(deps.monitor),
		reqguard.WithResponseCache(deps.cache),
		reqguard.WithStateRecovery(deps.recoverer, deps.snapshot),
	)

	if deps.credentials != nil {
		opts = append(opts, reqguard.WithCredentials(deps.credentials))
	}

	client := reqguard.NewClient(httpx.New(nil), opts...)

	var srv *http.Server

	if f.listen != "" {
		srv = serve(f.listen, promReg, health, logger)
	}

	probe(ctx, client, f, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(client.Metrics()); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	if srv != nil {
		<-ctx.Done()
		logger.Info("Received signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during server shutdown", "error", err)
		}
	}

	if err := client.Close(shutdownCtx); err != nil {
		return fmt.Errorf("close client: %w", err)
	}

	return deps.monitor.Close(shutdownCtx) //nolint:wrapcheck // already annotated
}

func probe(ctx context.Context, client *reqguard.Client, f flags, logger *slog.Logger) {
	req := &reqguard.Request{Method: f.method, URL: f.url, Component: "probe"}

	for i := range max(f.count, 1) {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.interval):
			}
		}

		start := time.Now()
		resp, err := client.Execute(ctx, req)

		switch {
		case err != nil:
			var ee *reqguard.ExecuteError
			if errors.As(err, &ee) {
				logger.Warn("probe failed",
					"kind", ee.Err.Kind,
					"severity", ee.Err.Severity,
					"message", ee.UserMessage(),
				)

				continue
			}

			logger.Warn("probe aborted", "error", err)

			return
		case resp.FromFallback:
			logger.Info("probe served from fallback",
				"message", resp.UserMessage,
				"bytes", len(resp.Body),
			)
		default:
			logger.Info("probe succeeded",
				"status", resp.Status,
				"bytes", len(resp.Body),
				"elapsed", time.Since(start),
			)
		}
	}
}

func serve(addr string, promReg *prometheus.Registry, health *reqguard.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.Handle("/readyz", reqguard.ReadinessHandler(health))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics and readiness", "addr", addr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}()

	return srv
}

// notifier picks the escalation sink: the webhook when configured, the log
// otherwise.
func notifier(cfg *reqguard.Config, logger *slog.Logger) reqguard.Notifier {
	sink := notify.NewLog(logger)

	if cfg.Notify == nil || cfg.Notify.WebhookURL == "" {
		return sink
	}

	return notify.Multi{sink, notify.NewWebhook(cfg.Notify.WebhookURL, nil)}
}
