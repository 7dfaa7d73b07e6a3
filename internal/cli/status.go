package cli

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/ingestkit/internal/core/domain"
	"github.com/vietddude/ingestkit/internal/core/worker"
	"github.com/vietddude/ingestkit/internal/infra/storage"
)

var statusFlags struct {
	source string
	status string
	since  time.Duration
	limit  int
	stale  bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent load log entries",
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusFlags.source, "source", "", "filter by source")
	f.StringVar(&statusFlags.status, "status", "", "filter by status (pending, success, skipped, failed)")
	f.DurationVar(&statusFlags.since, "since", 0, "only entries created within this window")
	f.BoolVar(&statusFlags.stale, "stale", false, "only rows stuck in pending past guard.stale_after")
	f.IntVar(&statusFlags.limit, "limit", storage.DefaultListLimit, "maximum entries")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() { _ = a.Close() }()

	filter := storage.ListFilter{
		Source: statusFlags.source,
		Status: domain.LoadStatus(statusFlags.status),
		Limit:  statusFlags.limit,
	}
	if statusFlags.since > 0 {
		filter.Since = time.Now().Add(-statusFlags.since)
	}

	var entries []*domain.LoadLogEntry
	if statusFlags.stale {
		entries = worker.NewStaleMonitor(a.store, cfg.Guard.StaleAfter, slog.Default()).Check(ctx)
	} else {
		entries, err = a.store.List(ctx, filter)
		if err != nil {
			slog.Error("Failed to list load log", "error", err)
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tKEY\tSTATUS\tDURATION_MS\tBY\tCREATED\tERROR")
	for _, e := range entries {
		duration := "-"
		if e.DurationMs != nil {
			duration = fmt.Sprintf("%d", *e.DurationMs)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Source, shortKey(e.IdempotencyKey), e.Status, duration,
			e.ProcessedBy, e.CreatedAt.Format(time.RFC3339), e.ErrorMessage)
	}
	return w.Flush()
}

func shortKey(k domain.IdempotencyKey) string {
	s := k.String()
	if len(s) > 20 {
		return s[:20]
	}
	return s
}
