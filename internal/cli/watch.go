package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/ingestkit/internal/core/worker"
	"github.com/vietddude/ingestkit/internal/etl/inbox"
	"github.com/vietddude/ingestkit/internal/metrics"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Process files dropped into the inbox directory, once per file",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().String("dir", "", "inbox directory (overrides inbox.dir)")
	watchCmd.Flags().String("source", "", "load log source (overrides inbox.source)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	inboxCfg := cfg.Inbox
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		inboxCfg.Dir = dir
	}
	if source, _ := cmd.Flags().GetString("source"); source != "" {
		inboxCfg.Source = source
	}
	if inboxCfg.Dir == "" || inboxCfg.Source == "" {
		return fmt.Errorf("inbox dir and source are required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() { _ = a.Close() }()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Port, a.health...)
		srv.Start()
		slog.Info("Metrics server started", "port", cfg.Metrics.Port)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				slog.Error("Error stopping metrics server", "error", err)
			}
		}()
	}

	go worker.NewStaleMonitor(a.store, cfg.Guard.StaleAfter, slog.Default()).Start(ctx)

	// Parsing and loading are job-specific; the bare watcher only records files.
	w := inbox.New(inboxCfg, a.runner, nil, slog.Default())
	if err := w.Run(ctx); err != nil {
		slog.Error("Inbox watcher stopped", "error", err)
		return err
	}
	slog.Info("Inbox watcher stopped gracefully")
	return nil
}
