package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/evolution"
	"github.com/pairlink/pairlink/internal/links"
	"github.com/pairlink/pairlink/internal/store"
	"github.com/pairlink/pairlink/internal/store/memory"
	"github.com/pairlink/pairlink/internal/store/redisdb"
	"github.com/pairlink/pairlink/internal/watcher"
	"github.com/pairlink/pairlink/internal/web"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var dev bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reconciliation loop and the pairing front-end",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev, true)
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "use an in-memory link store instead of Redis")
	return cmd
}

func watchCmd() *cobra.Command {
	var dev bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the reconciliation loop only (no pairing front-end)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev, false)
		},
	}
	cmd.Flags().BoolVar(&dev, "dev", false, "use an in-memory link store instead of Redis")
	return cmd
}

func runServe(dev, withWeb bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.CanSendLinks() {
		slog.Warn("admin sender identity not configured; links will be issued but not delivered")
	}

	linkStore, closeStore, err := openStore(cfg, dev)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway := evolution.NewClient(evolution.Options{
		Domain:        cfg.EvolutionDomain,
		GlobalKey:     cfg.GlobalKey,
		AdminInstance: cfg.AdminInstance,
		AdminKey:      cfg.AdminKey,
		RPM:           cfg.ProviderRPM,
	})
	linkSvc := links.NewService(linkStore, cfg.BaseURL)

	loop := watcher.NewService(cfg, gateway, linkSvc)
	loop.Start()
	defer loop.Stop()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !withWeb {
		<-sigCtx.Done()
		slog.Info("shutdown signal received")
		return nil
	}

	srv := web.NewServer(cfg.Listen, linkSvc, gateway)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-sigCtx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("front-end failed: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("front-end drain failed", "error", err)
	}
	return nil
}

// openStore connects the configured link store. The returned close function
// is always safe to call.
func openStore(cfg *config.Config, dev bool) (store.LinkStore, func(), error) {
	if dev {
		slog.Warn("using in-memory link store; links will not survive a restart")
		return memory.New(), func() {}, nil
	}

	rs, err := redisdb.New(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open link store: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rs.Ping(pingCtx); err != nil {
		// Reachability at boot is advisory: Redis may come up after us.
		slog.Warn("link store unreachable at startup", "error", err)
	}
	return rs, func() { rs.Close() }, nil
}
