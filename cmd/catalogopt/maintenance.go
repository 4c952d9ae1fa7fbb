package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/arkilian/catalogopt/internal/analysis"
	"github.com/arkilian/catalogopt/internal/forest"
	"github.com/arkilian/catalogopt/internal/forestgen"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [site [catalog [index]]]",
		Short: "Estimate the savings of an inverted index representation",
		Long: fmt.Sprintf(`Lists, per index, the values carried by more than %d%% of the documents,
and estimates how many persistent objects would be saved by not storing
the document sets of values carried by more than %d%%.`, analysis.ReportPercent, analysis.SavingsPercent),
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := forest.ParseFilter(args)
			if err != nil {
				return err
			}
			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			rep, err := analysis.New(e.store.NewConn(), e.logger).Analyze(cmd.Context(), filter)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, idx := range rep.Indexes {
				fmt.Fprintf(w, "%s (%d documents)\n", idx.Path, idx.Documents)
				for _, v := range idx.Heavy {
					fmt.Fprintf(w, "  %-30q %8d %3d%%\n", v.Value, v.Count, v.Percent)
				}
			}
			fmt.Fprintf(w, "saved document references: %d\n", rep.SavedValues)
			fmt.Fprintf(w, "estimated objects saved:   %d (tree set capacity %d)\n", rep.SavedObjects, rep.SetCapacity)
			return nil
		},
	}
}

func newPackCmd(flags *globalFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Remove containers and buckets no slot can reach",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			w := cmd.OutOrStdout()
			if dryRun {
				garbage, err := e.store.FindUnreachable(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "unreachable containers: %d\n", len(garbage))
				return nil
			}
			res, err := e.store.Pack(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "reachable containers: %d\nremoved containers:   %d\nremoved buckets:      %d\n",
				res.Reachable, len(res.DeletedContainers), res.DeletedBuckets)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only count unreachable containers")
	return cmd
}

func newSeedCmd(flags *globalFlags) *cobra.Command {
	spec := forestgen.DefaultSpec()
	var sites, catalogs string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the store with a generated catalog forest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Sites = splitCSV(sites)
			spec.Catalogs = splitCSV(catalogs)

			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			sum, err := forestgen.New(e.store.NewConn(), spec, e.logger).Generate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "holders: %d\nslots: %d (skipped %d)\ncontainers: %d\nentries: %d\n",
				sum.Holders, sum.Slots, sum.Skipped, sum.Containers, sum.Entries)
			return nil
		},
	}
	cmd.Flags().StringVar(&sites, "sites", strings.Join(spec.Sites, ","), "Comma-separated site names")
	cmd.Flags().StringVar(&catalogs, "catalogs", strings.Join(spec.Catalogs, ","), "Comma-separated catalog names")
	cmd.Flags().IntVar(&spec.Documents, "documents", spec.Documents, "Documents per catalog")
	cmd.Flags().BoolVar(&spec.Shuffle, "shuffle", false, "Insert keys in random order")
	cmd.Flags().Int64Var(&spec.Seed, "seed", spec.Seed, "Random seed for --shuffle")
	return cmd
}

func newSnapshotCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage store snapshots",
	}

	take := &cobra.Command{
		Use:   "take",
		Short: "Snapshot the store now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			snap, err := e.snapshotter(cmd.Context())
			if err != nil {
				return err
			}
			location, err := snap.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), location)
			if keep := e.cfg.Snapshot.Keep; keep > 0 {
				if _, err := snap.Prune(cmd.Context(), keep); err != nil {
					return err
				}
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			snap, err := e.snapshotter(cmd.Context())
			if err != nil {
				return err
			}
			objects, err := snap.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, obj := range objects {
				fmt.Fprintln(cmd.OutOrStdout(), obj)
			}
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <object> <dest>",
		Short: "Download a snapshot to a new store file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()
			if args[1] == e.cfg.StorePath {
				return fmt.Errorf("refusing to restore over the open store %s", args[1])
			}
			snap, err := e.snapshotter(cmd.Context())
			if err != nil {
				return err
			}
			return snap.Restore(cmd.Context(), args[0], args[1])
		},
	}

	cmd.AddCommand(take, list, restore)
	return cmd
}

func newRunsCmd(flags *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded optimization runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(flags, nil)
			if err != nil {
				return err
			}
			defer e.Close()

			runs, err := e.store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tFILTER\tSTATUS\tCONTAINERS\tSWAPPED\tBUCKETS SAVED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
					r.ID, r.StartedAt.Format(time.RFC3339), r.Filter, r.Status, r.Containers, r.Swapped, r.BucketsSaved)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
