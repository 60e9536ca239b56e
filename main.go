package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"nostr-market/internal/cache"
	"nostr-market/internal/client"
	"nostr-market/internal/config"
	"nostr-market/internal/ledger"
	"nostr-market/internal/offline"
)

// Request body size limits
const (
	maxBodySize = 32 * 1024 // 32KB for POST requests
)

const shutdownTimeout = 10 * time.Second

// limitBody wraps an HTTP handler to limit request body size
func limitBody(next http.HandlerFunc, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next(w, r)
	}
}

// securityHeaders adds security headers to every response
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")

		// Prevent MIME type sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Referrer policy - don't leak full URLs to external sites
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}

func main() {
	InitLogger()
	if err := run(); err != nil {
		slog.Error("market daemon stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Get()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(cfg.CacheConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	var trades ledger.Ledger = ledger.LogLedger{}
	if len(cfg.KafkaBrokers) > 0 {
		trades = ledger.NewKafkaLedger(cfg.KafkaBrokers, cfg.KafkaTopicTrades)
		slog.Info("recording trades to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopicTrades)
	}

	c, err := client.New(ctx, client.Options{
		Relays:            cfg.Relays,
		Pool:              cfg.PoolOptions(),
		Store:             store,
		Ledger:            trades,
		ReputationTimeout: time.Duration(cfg.ReputationTimeout),
		SyncMaxAttempts:   cfg.SyncMaxAttempts,
		OnSync:            recordSync,
	})
	if err != nil {
		return err
	}
	defer c.Close() // closes the ledger

	srv := &server{
		client:       c,
		storeDriver:  cfg.StoreDriver,
		cacheVersion: cfg.CacheVersion,
	}
	if cfg.UpstreamURL != "" {
		if err := srv.attachUpstream(ctx, cfg, store); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           RequestLoggingMiddleware(securityHeaders(srv.routes())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", httpServer.Addr, "pubkey", c.Identity().Npub())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("shutting down server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// attachUpstream puts the offline engine in front of the web app and
// precaches its shell.
func (s *server) attachUpstream(ctx context.Context, cfg *config.Config, store cache.CacheBackend) error {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Host == "" {
		return fmt.Errorf("invalid upstream URL %q", cfg.UpstreamURL)
	}

	opts := offline.EngineOptions{
		Version:     cfg.CacheVersion,
		APIPatterns: cfg.APIPatterns,
		OfflineURL:  upstream.ResolveReference(&url.URL{Path: "/offline.html"}).String(),
	}
	if cfg.OfflineDocument != "" {
		source, err := os.ReadFile(cfg.OfflineDocument)
		if err != nil {
			return fmt.Errorf("read offline document: %w", err)
		}
		if opts.Fallback, err = offline.RenderFallback("Offline", source); err != nil {
			return err
		}
	}

	engine, err := offline.NewEngine(http.DefaultTransport, store, opts)
	if err != nil {
		return err
	}
	if removed, err := engine.Activate(ctx); err != nil {
		slog.Warn("failed to remove old cache versions", "error", err)
	} else if removed > 0 {
		slog.Info("removed old cache entries", "count", removed)
	}

	precache := make([]string, 0, len(cfg.PrecacheURLs))
	for _, p := range cfg.PrecacheURLs {
		ref, err := url.Parse(p)
		if err != nil {
			return fmt.Errorf("invalid precache URL %q: %w", p, err)
		}
		precache = append(precache, upstream.ResolveReference(ref).String())
	}
	if err := engine.Install(ctx, precache); err != nil {
		slog.Warn("precache failed", "error", err)
	}

	s.engine = engine
	s.upstream = upstream
	return nil
}

func recordSync(report offline.DrainReport, err error) {
	syncDrainsTotal.Add(1)
	syncPersistentFailures.Add(int64(len(report.Persistent)))
	if err != nil {
		slog.Warn("sync drain finished with errors", "replayed", report.Replayed, "failed", report.Failed, "error", err)
		return
	}
	slog.Info("sync drain finished", "replayed", report.Replayed, "failed", report.Failed)
}
