// Pagefoldd is the pagefold daemon: it embeds remote Confluence page
// content into text posted to its HTTP API.
//
// The daemon wires the full pipeline — fetch client, optimizer cache,
// debouncer, content processor, session registry, secure token store —
// and exposes it over HTTP together with Prometheus metrics.
//
// Usage:
//
//	# Start with defaults
//	pagefoldd
//
//	# Point at a config file
//	pagefoldd -config /etc/pagefold/config.yaml
//
//	# Configure via environment
//	PAGEFOLD_SERVER_PORT=9999 PAGEFOLD_CONFLUENCE_BASE_URL=https://wiki.example.com pagefoldd
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pagefold/internal/config"
	"github.com/fyrsmithlabs/pagefold/internal/debounce"
	"github.com/fyrsmithlabs/pagefold/internal/fetch"
	"github.com/fyrsmithlabs/pagefold/internal/httpapi"
	"github.com/fyrsmithlabs/pagefold/internal/logging"
	"github.com/fyrsmithlabs/pagefold/internal/optimizer"
	"github.com/fyrsmithlabs/pagefold/internal/processor"
	"github.com/fyrsmithlabs/pagefold/internal/registry"
	"github.com/fyrsmithlabs/pagefold/internal/token"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/pagefold/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pagefoldd %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pagefoldd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("pagefoldd starting",
		zap.String("version", version),
		zap.String("base_url", cfg.Confluence.BaseURL))

	// Secure token store over the file-backed key/value collaborator.
	// A passphrase in the environment switches to derived-key mode.
	kv, err := token.NewFileKV(cfg.Token.StorePath)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	passphrase := config.Secret(os.Getenv("PAGEFOLD_TOKEN_PASSPHRASE"))
	tokens, err := token.NewStore(cfg.Token, kv, passphrase, logger.Named("token"))
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	var fetcher fetch.Client
	if cfg.Confluence.Enabled && cfg.Confluence.BaseURL != "" {
		fetcher, err = fetch.NewConfluenceClient(cfg.Confluence, tokens, logger.Named("fetch"))
		if err != nil {
			return fmt.Errorf("failed to create fetch client: %w", err)
		}
	} else {
		logger.Warn("confluence fetching disabled; links will pass through unchanged")
		fetcher = disabledFetcher{}
	}

	opt := optimizer.New(fetcher, optimizer.Options{
		MaxEntries:     cfg.Cache.MaxEntries,
		MaxMemoryBytes: int64(cfg.Cache.MaxMemoryMB) * 1024 * 1024,
		MaxConcurrent:  cfg.Cache.MaxConcurrent,
		FetchTimeout:   cfg.Confluence.RequestTimeout.Duration(),
	}, logger.Named("optimizer"))
	opt.SetMetrics(optimizer.NewMetrics())
	defer opt.Dispose()

	deb := debounce.New(debounce.Config{
		BaseDelay: cfg.Debounce.BaseDelay.Duration(),
		MinDelay:  cfg.Debounce.MinDelay.Duration(),
		MaxDelay:  cfg.Debounce.MaxDelay.Duration(),
		HighDelay: cfg.Debounce.HighDelay.Duration(),
		LowDelay:  cfg.Debounce.LowDelay.Duration(),
	}, logger.Named("debounce"))
	defer deb.Dispose()

	baseURL := ""
	if cfg.Confluence.Enabled {
		baseURL = cfg.Confluence.BaseURL
	}
	proc, err := processor.New(processor.Options{
		BaseURL:         baseURL,
		MaxCacheSize:    cfg.Processor.MaxCacheSize,
		MaxContentSize:  cfg.Processor.MaxContentSize,
		MemoryWarnLevel: cfg.Processor.MemoryWarnLevel,
	}, fetcher, opt, deb, logger.Named("processor"))
	if err != nil {
		return fmt.Errorf("failed to create processor: %w", err)
	}
	defer proc.Dispose()

	// Lifecycle coordination: the registry owns cleanup cascade on
	// shutdown signals.
	reg := registry.New(logger.Named("registry"))
	defer reg.Dispose()
	if err := reg.Register(proc); err != nil {
		return fmt.Errorf("failed to register processor: %w", err)
	}

	server, err := httpapi.NewServer(proc, reg, deb, tokens, logger.Named("http"), &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	}

	// Terminal signal: cascade full cleanup before the server drains.
	reg.HandleLifecycleChange(registry.StateDetached)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("pagefoldd stopped")
	return nil
}

// disabledFetcher satisfies fetch.Client when Confluence integration is
// turned off.
type disabledFetcher struct{}

func (disabledFetcher) FetchContent(context.Context, string) (string, error) {
	return "", fmt.Errorf("content fetching disabled")
}
