package main

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/arkilian/catalogopt/internal/config"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/optimize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type runFlags struct {
	batchSize           int
	skipUnsupportedKeys bool
	snapshot            bool
	pack                bool
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [site [catalog [index]]]",
		Short: "Rebuild sparse containers and swap in the denser copies",
		Long: `Walks every catalog, lexicon and index under the filter, rebuilds each
container whose buckets are not already densely filled, and commits the
rebuilt copy when it needs fewer buckets. Each container is committed in its
own transaction; a concurrent change to a container skips only that
container.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd, flags, rf, args, false)
		},
	}
	cmd.Flags().IntVar(&rf.batchSize, "batch-size", 0, "Nested containers visited between cache collections")
	cmd.Flags().BoolVar(&rf.skipUnsupportedKeys, "skip-unsupported-keys", false, "Skip containers whose key type has no synthetic-key strategy")
	cmd.Flags().BoolVar(&rf.snapshot, "snapshot", false, "Snapshot the store before the run")
	cmd.Flags().BoolVar(&rf.pack, "pack", false, "Remove unreachable containers after the run")
	return cmd
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}
	cmd := &cobra.Command{
		Use:   "stats [site [catalog [index]]]",
		Short: "Report bucket distributions and rebuild plans without writing",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd, flags, rf, args, true)
		},
	}
	cmd.Flags().IntVar(&rf.batchSize, "batch-size", 0, "Nested containers visited between cache collections")
	cmd.Flags().BoolVar(&rf.skipUnsupportedKeys, "skip-unsupported-keys", false, "Skip containers whose key type has no synthetic-key strategy")
	return cmd
}

func runOptimize(cmd *cobra.Command, flags *globalFlags, rf *runFlags, args []string, dryRun bool) error {
	filter, err := forest.ParseFilter(args)
	if err != nil {
		return err
	}

	e, err := openEnv(flags, func(cfg *config.Config) {
		if rf.batchSize > 0 {
			cfg.Optimize.BatchSize = rf.batchSize
		}
		if rf.skipUnsupportedKeys {
			cfg.Optimize.SkipUnsupportedKeys = true
		}
		if dryRun {
			cfg.Optimize.DryRun = true
		}
	})
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	if rf.snapshot && !e.cfg.Optimize.DryRun {
		snap, err := e.snapshotter(ctx)
		if err != nil {
			return err
		}
		location, err := snap.Snapshot(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot: %s\n", location)
	}

	metrics := optimize.NewMetrics(prometheus.NewRegistry())
	orch := optimize.NewOrchestrator(e.store.NewConn(), e.cfg.OptimizeOptions(), e.store, e.logger, metrics)
	rep, err := orch.Run(ctx, filter)
	if rep != nil {
		printRunReport(cmd.OutOrStdout(), rep)
	}
	if err != nil {
		return err
	}

	if rf.pack && !rep.DryRun && rep.Saved > 0 {
		res, err := e.store.Pack(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pack: removed %d containers, %d buckets\n", len(res.DeletedContainers), res.DeletedBuckets)
	}
	return nil
}

func printRunReport(w io.Writer, rep *optimize.RunReport) {
	mode := "run"
	if rep.DryRun {
		mode = "stats"
	}
	fmt.Fprintf(w, "%s %s filter=%s status=%s duration=%s\n",
		mode, rep.ID, rep.Filter, rep.Status, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOLDER\tCONTAINERS\tBUCKETS SAVED")
	for _, s := range rep.Sites {
		for _, h := range s.Holders {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", h.Path, h.Containers, h.Saved)
		}
		fmt.Fprintf(tw, "site %s\t\t%d\n", s.Site, s.Saved)
	}
	fmt.Fprintf(tw, "total\t%d\t%d\n", rep.Containers, rep.Saved)
	tw.Flush()

	outcomes := make([]string, 0, len(rep.Outcomes))
	for o := range rep.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	slices.Sort(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "  %-18s %d\n", o, rep.Outcomes[optimize.Outcome(o)])
	}
	for _, p := range rep.Conflicts {
		fmt.Fprintf(w, "  conflict: %s\n", p)
	}
}
