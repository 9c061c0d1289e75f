package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	envFile      string
	logLevel     string
	logFormat    string
	memoryStore  bool
	outputFormat string

	// rootCmd represents the base command when called without any subcommands
	rootCmd = newRootCmd()
)

// newRootCmd builds the command tree. Every call binds fresh flags.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "datavc",
		Short: "datavc - versioned time-series dataset store",
		Long: `datavc keeps immutable, checksummed versions of daily time-series datasets.

It supports:
- Ingesting CSV snapshots with change detection against the stored rows
- Version history, comparison, lineage and retention
- Diagnosing and repairing missing values, outliers and OHLC logic errors
- Re-verifying stored rows against version and chunk checksums
- A background worker for scheduled ingest, retention and verification`,
		SilenceUsage: true,
	}
	registerGlobalFlags(root)
	root.AddCommand(
		newVersionCmd(),
		newMigrateCmd(),
		newIngestCmd(),
		newVersionsCmd(),
		newRepairCmd(),
		newVerifyCmd(),
		newExportCmd(),
		newUpdatesCmd(),
		newWorkerCmd(),
	)
	return root
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func registerGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "env file loaded before reading configuration")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")
	root.PersistentFlags().BoolVar(&memoryStore, "memory", false, "use an in-process store instead of Postgres (state is lost on exit)")
	root.PersistentFlags().StringVar(&outputFormat, "format", "table", "output format (table, json)")
}
