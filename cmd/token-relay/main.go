package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/token-relay/internal/auth"
	"github.com/alexjbarnes/token-relay/internal/config"
	"github.com/alexjbarnes/token-relay/internal/httpclient"
	"github.com/alexjbarnes/token-relay/internal/logging"
	"github.com/alexjbarnes/token-relay/internal/oauth"
	"github.com/alexjbarnes/token-relay/internal/oauth1"
	"github.com/alexjbarnes/token-relay/internal/proxy"
	"github.com/alexjbarnes/token-relay/internal/server"
	"github.com/alexjbarnes/token-relay/internal/targets"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashToken() {
	fmt.Fprint(os.Stderr, "Enter token: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := auth.HashToken(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("token-relay starting",
		slog.String("version", Version),
		slog.String("mode", cfg.ProxyMode),
		slog.String("targets_file", cfg.TargetsFile),
	)

	store, err := targets.Load(cfg.TargetsFile, logger)
	if err != nil {
		return fmt.Errorf("loading targets: %w", err)
	}

	if cfg.IsChain() && store.Chain() == nil {
		return fmt.Errorf("PROXY_MODE is chain but %s has no chain section", cfg.TargetsFile)
	}

	clients := httpclient.NewPool()

	cache := oauth.NewCache(logger,
		oauth.WithClients(clients),
		oauth.WithRequestTimeout(cfg.TokenTimeout()),
	)

	// A changed target may carry new client credentials; drop whatever
	// token was issued under the old ones.
	store.OnChange(func(names []string) {
		for _, name := range names {
			cache.Clear(name)
		}
	})

	signer := oauth1.NewSigner(logger)

	forwarder := proxy.New(proxy.Config{
		Mode:           proxy.Mode(cfg.ProxyMode),
		Targets:        store,
		Tokens:         cache,
		Signer:         signer,
		Clients:        clients,
		Logger:         logger,
		DefaultTimeout: cfg.DefaultTimeout(),
		MaxBodyBytes:   cfg.MaxRequestBodyBytes,
	})

	authStore := auth.NewStore(cfg.ParseAuthTokens())

	mux := server.NewMux(server.MuxConfig{
		Auth:   authStore,
		Proxy:  forwarder,
		Tokens: cache,
		Signer: signer,
		Mode:   cfg.ProxyMode,
		Logger: logger,
	})

	// No WriteTimeout: relayed responses may stream for longer than any
	// fixed bound. Upstream waits are bounded per target instead.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.DefaultTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WatchTargets {
		g.Go(func() error {
			if err := store.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watching targets: %w", err)
			}

			return nil
		})
	}

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.Int("targets", len(store.Names())),
			slog.Int("auth_tokens", authStore.Len()),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	return g.Wait()
}
