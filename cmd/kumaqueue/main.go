package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sonroyaalmerol/kumaqueue/internal/autocomplete"
	"github.com/sonroyaalmerol/kumaqueue/internal/cache"
	"github.com/sonroyaalmerol/kumaqueue/internal/config"
	"github.com/sonroyaalmerol/kumaqueue/internal/handlers"
	"github.com/sonroyaalmerol/kumaqueue/internal/metrics"
	"github.com/sonroyaalmerol/kumaqueue/internal/repository"
	"github.com/sonroyaalmerol/kumaqueue/internal/resolver"
	"github.com/sonroyaalmerol/kumaqueue/internal/spotify"
)

const resolveBurst = 4

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}
	setupLogging(cfg)

	db, err := repository.OpenDB(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	repo := repository.NewRepo(db)

	assets, err := cache.NewAssetCache(cfg.MusicDir, cfg.CacheLimitBytes, repo)
	if err != nil {
		log.Fatal(err)
	}

	var catalog *spotify.Client
	if cfg.SpotifyClientID != "" && cfg.SpotifyClientSecret != "" {
		catalog = spotify.NewClientCredentials(cfg.SpotifyClientID, cfg.SpotifyClientSecret)
	}

	var ytOpts []resolver.YTDLPOption
	if cfg.YTDLPCookies != "" {
		ytOpts = append(ytOpts, resolver.WithCookies(cfg.YTDLPCookies))
	}
	if cfg.YTDLPInstall {
		ytOpts = append(ytOpts, resolver.WithAutoInstall())
	}

	resOpts := resolver.DefaultOptions()
	resOpts.Timeout = cfg.ResolveTimeout
	resOpts.Retries = cfg.ResolveRetries
	resOpts.PlaylistLimit = cfg.PlaylistLimit
	if cfg.ResolveRate > 0 {
		resOpts.Limiter = rate.NewLimiter(rate.Limit(cfg.ResolveRate), resolveBurst)
	}

	var extra []resolver.Option
	var suggestCatalog autocomplete.Catalog
	if catalog != nil {
		extra = append(extra, resolver.WithCatalog(catalog))
		suggestCatalog = catalog
	}
	res := resolver.New(resolver.NewYTDLP(ytOpts...), resolver.NewFFmpeg(cfg.FFmpegPath), assets, resOpts, extra...)

	bot := handlers.NewBot(cfg, repo, assets, res, autocomplete.New(suggestCatalog))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(ctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.NewServer(cfg.MetricsAddr).Run(ctx) })
	}

	slog.Info("kumaqueue started", "musicDir", cfg.MusicDir, "metrics", cfg.MetricsAddr)
	if err := g.Wait(); err != nil {
		slog.Error("exited with error", "err", err)
		os.Exit(1)
	}
}
