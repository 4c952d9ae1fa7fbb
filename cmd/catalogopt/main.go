// Package main implements the catalogopt binary, which rebuilds the
// ordered containers of catalog forests so their leaf buckets are densely
// filled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configFile string
	dataDir    string
	storePath  string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "catalogopt",
		Short: "Compact the leaf buckets of catalog B-trees",
		Long: fmt.Sprintf(`catalogopt (%s)

Rebuilds the ordered containers of catalogs, lexica and indexes so their
leaf buckets are densely filled, swapping each rebuilt container in only
when it needs fewer buckets than the original.

Configuration is read from --config (YAML or JSON), then CATALOGOPT_*
environment variables, then flags.`, version),
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	pf.StringVar(&flags.dataDir, "data-dir", "", "Base directory for all data files")
	pf.StringVar(&flags.storePath, "store", "", "Path to the object store (default: <data-dir>/catalog.db)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(flags),
		newStatsCmd(flags),
		newAnalyzeCmd(flags),
		newPackCmd(flags),
		newSeedCmd(flags),
		newSnapshotCmd(flags),
		newRunsCmd(flags),
		newServeCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of catalogopt",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "catalogopt version %s (commit: %s)\n", version, commit)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
