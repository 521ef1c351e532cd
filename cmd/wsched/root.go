package main

import (
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wsched",
		Short: "Work-stealing task scheduler",
		Long: `wsched runs a pool of workers that balance load by stealing tasks from
each other.

Examples:
  # run the service with a config file
  wsched run --config ./config.json

  # push 100k CPU-bound tasks through 8 workers, all queued on worker 0
  wsched bench --workers 8 --tasks 100000 --kind spin --imbalance

  # check a config file without starting anything
  wsched config validate --config ./config.yaml`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newBenchCmd(), newConfigCmd(), newVersionCmd())
	return root
}
