package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/ingestkit/internal/core/config"
	"github.com/vietddude/ingestkit/internal/core/guard"
	"github.com/vietddude/ingestkit/internal/etl"
)

var fetchFlags struct {
	url         string
	source      string
	integration string
	dest        string
	onDuplicate string
	noProbe     bool
	parallel    int
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [job...]",
	Short: "Fetch configured jobs (or an ad-hoc --url) at most once each",
	RunE:  runFetch,
}

func init() {
	f := fetchCmd.Flags()
	f.StringVar(&fetchFlags.url, "url", "", "ad-hoc URL to fetch")
	f.StringVar(&fetchFlags.source, "source", "", "load log source for --url")
	f.StringVar(&fetchFlags.integration, "integration", "", "HTTP integration for --url (defaults to source)")
	f.StringVar(&fetchFlags.dest, "dest", "", "write the payload to this path")
	f.StringVar(&fetchFlags.onDuplicate, "on-duplicate", "skip", "skip or update_meta")
	f.BoolVar(&fetchFlags.noProbe, "no-probe", false, "key on content instead of a HEAD probe")
	f.IntVar(&fetchFlags.parallel, "parallel", 4, "jobs run concurrently")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	jobs, err := resolveJobs(cfg, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		return err
	}
	defer func() { _ = a.Close() }()

	results := make([]guard.Result, len(jobs))
	errs := make([]error, len(jobs))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(fetchFlags.parallel, 1))
	for i, job := range jobs {
		eg.Go(func() error {
			// One failed job must not cancel the others.
			results[i], errs[i] = a.runner.RunFetch(context.WithoutCancel(egCtx), job)
			return nil
		})
	}
	_ = eg.Wait()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tENTRY\tSTATUS\tDURATION\tERROR")
	failed := 0
	for i, job := range jobs {
		msg := ""
		if errs[i] != nil {
			failed++
			msg = errs[i].Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			job.Source, results[i].EntryID, results[i].Status, results[i].Duration, msg)
	}
	_ = w.Flush()

	if failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", failed, len(jobs))
	}
	return nil
}

func resolveJobs(cfg *config.AppConfig, names []string) ([]etl.FetchJob, error) {
	if fetchFlags.url != "" {
		jc := config.JobConfig{
			Name:        "adhoc",
			Source:      fetchFlags.source,
			Integration: fetchFlags.integration,
			URL:         fetchFlags.url,
			Dest:        fetchFlags.dest,
			NoProbe:     fetchFlags.noProbe,
			OnDuplicate: fetchFlags.onDuplicate,
		}
		if jc.Integration == "" {
			jc.Integration = jc.Source
		}
		job, err := toFetchJob(jc)
		if err != nil {
			return nil, err
		}
		return []etl.FetchJob{job}, nil
	}

	var selected []config.JobConfig
	if len(names) == 0 {
		selected = cfg.Jobs
	}
	for _, name := range names {
		jc, ok := cfg.Job(name)
		if !ok {
			return nil, fmt.Errorf("unknown job %q", name)
		}
		selected = append(selected, jc)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no jobs configured; pass --url or add jobs to %s", cfgPath)
	}

	jobs := make([]etl.FetchJob, 0, len(selected))
	for _, jc := range selected {
		job, err := toFetchJob(jc)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func toFetchJob(jc config.JobConfig) (etl.FetchJob, error) {
	policy, err := guard.ParseDuplicatePolicy(jc.OnDuplicate)
	if err != nil {
		return etl.FetchJob{}, fmt.Errorf("job %s: %w", jc.Name, err)
	}

	params := url.Values{}
	for k, v := range jc.Params {
		params.Set(k, v)
	}
	extra := map[string]any{"job": jc.Name}
	for k, v := range jc.Extra {
		extra[k] = v
	}

	return etl.FetchJob{
		Source:      jc.Source,
		Integration: jc.Integration,
		URL:         jc.URL,
		Params:      params,
		Dest:        jc.Dest,
		NoProbe:     jc.NoProbe,
		OnDuplicate: policy,
		Extra:       extra,
	}, nil
}
