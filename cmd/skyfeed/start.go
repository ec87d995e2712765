package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"skyfeed/internal/bluesky"
	"skyfeed/internal/config"
	"skyfeed/internal/fetcher"
	"skyfeed/internal/imaging"
	"skyfeed/internal/metrics"
	"skyfeed/internal/publisher"
	"skyfeed/internal/scheduler"
	"skyfeed/internal/storage"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the feed poller until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg, log)
		},
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	for _, dir := range []string{cfg.DataPath, filepath.Dir(cfg.DatabasePath)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	store, err := storage.NewSQLite(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() { _ = store.Close() }()

	httpClient := &http.Client{Timeout: 30 * time.Second}

	client := bluesky.NewClient(cfg.Service, httpClient)
	sessions := bluesky.NewSessionManager(client, cfg.Identifier, cfg.Password, cfg.SessionPath(), log)
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	pub := publisher.New(store, bluesky.NewPoster(client, sessions, log), imaging.NewLoader(httpClient), publisher.Options{
		Langs:           cfg.PostLanguages,
		DisableComments: cfg.DisablePostComments,
		Interval:        cfg.PostInterval,
	}, log)

	sched := scheduler.New(cfg.Feeds, fetcher.New(httpClient, log), store, pub, cfg.Backdate, log)
	sched.SetTickInterval(cfg.RerunInterval)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, log) })
	}
	g.Go(func() error {
		log.Info("starting poller",
			"feeds", len(cfg.Feeds),
			"interval", cfg.RerunInterval,
			"backdate", cfg.Backdate,
		)
		sched.Run(ctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("poller stopped")
	return nil
}
