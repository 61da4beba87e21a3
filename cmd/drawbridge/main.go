package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tkoenig/drawbridge/internal/certs"
	"github.com/tkoenig/drawbridge/internal/config"
	"github.com/tkoenig/drawbridge/internal/handler"
	"github.com/tkoenig/drawbridge/internal/metrics"
	"github.com/tkoenig/drawbridge/internal/middleware"
	"github.com/tkoenig/drawbridge/internal/proxy"
	"github.com/tkoenig/drawbridge/internal/ratelimit"
	"github.com/tkoenig/drawbridge/internal/router"
	"github.com/tkoenig/drawbridge/internal/server"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to YAML config")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	flag.Parse()

	logger := newLogger(*logLevel, *logJSON)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	table, err := router.New(cfg)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	m := metrics.NewRegistry()
	limits := ratelimit.NewRegistry(cfg)
	store := certs.NewStore()

	renewer, err := setupTLS(ctx, cfg, store, m, logger)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if renewer != nil {
		defer renewer.Stop()
	}

	transport := proxy.NewTransport(proxy.DefaultTransportOptions())
	defer transport.CloseIdleConnections()

	gw := &handler.Gateway{
		Config:  cfg,
		Routes:  table,
		Limits:  limits,
		Certs:   store,
		Engine:  proxy.NewEngine(proxy.EngineOptions{Transport: transport, Logger: logger}),
		Metrics: m,
		Logger:  logger,
	}

	srv := server.New(cfg, store, m, logger)
	srv.SetHandler(middleware.Chain(gw,
		middleware.RequestID(),
		middleware.Recover(logger),
		middleware.AccessLog(logger),
		middleware.MethodFilter(cfg),
		middleware.PlaintextPolicy(cfg, cfg.Listen.HTTPS),
		middleware.HostInject(),
		middleware.CORS(cfg),
		middleware.Shield(limits, m),
		middleware.HSTS(cfg),
		middleware.AltSvc(srv.QUICHeaders()),
	))

	logger.Info("drawbridge starting",
		"http", cfg.Listen.HTTP,
		"https", cfg.Listen.HTTPS,
		"admin", cfg.Listen.Admin,
		"domains", len(cfg.Domains))
	return srv.Run(ctx)
}

// setupTLS seeds the certificate store and starts the renewal scheduler for
// managed domains. Cached certificates are installed immediately so the TLS
// listener can answer before the first ACME round trip finishes.
func setupTLS(ctx context.Context, cfg *config.Config, store *certs.Store, m *metrics.Registry, logger *slog.Logger) (*certs.Renewer, error) {
	for name, d := range cfg.Domains {
		switch d.TLSMode {
		case config.TLSSelfSigned:
			e, err := certs.SelfSigned(name)
			if err != nil {
				return nil, fmt.Errorf("self-signed cert for %s: %w", name, err)
			}
			store.Replace(name, e)
		case config.TLSManaged:
			e, err := certs.LoadCached(cfg.TLS.CacheDir, name)
			if err != nil {
				logger.Warn("cached certificate unusable", "domain", name, "error", err)
			} else if e != nil {
				store.Replace(name, e)
			}
		}
	}

	if cfg.TLS.Fallback == config.FallbackDefault {
		if e := store.Entry(cfg.TLS.DefaultDomain); e != nil {
			store.SetFallback(e)
		}
	}

	managed := cfg.ManagedDomains()
	if len(managed) == 0 {
		return nil, nil
	}

	fetcher := &certs.ACMEFetcher{
		DirectoryURL: cfg.TLS.ACMEDirectory,
		Email:        cfg.TLS.ACMEEmail,
		CacheDir:     cfg.TLS.CacheDir,
		Logger:       logger,
	}
	renewer := certs.NewRenewer(store, fetcher, managed, certs.RenewerOptions{
		RecheckAfter: cfg.TLS.RecheckAfter,
		Interval:     cfg.TLS.CheckInterval,
		Logger:       logger,
	})
	renewer.OnResult(func(domain string, err error) {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		m.RecordRenewal(domain, outcome)
	})
	if err := renewer.Start(ctx); err != nil {
		return nil, err
	}

	// fetch anything still missing right away instead of waiting a tick
	go renewer.Tick(ctx)

	return renewer, nil
}

func newLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
