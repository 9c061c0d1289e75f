package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/csvsource"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/repair"
)

var (
	repairDataset      string
	repairMissing      string
	repairOutliers     string
	repairIQR          float64
	repairDiagnoseOnly bool
	repairOut          string
	repairLimit        int
)

func newRepairCmd() *cobra.Command {
	repairCmd := &cobra.Command{
		Use:   "repair",
		Short: "Diagnose and repair data quality issues",
		Long: `Diagnose a CSV snapshot for missing values, outliers, OHLC logic errors and
duplicate keys, and repair them category by category.

Examples:
  # Report issues without changing anything
  datavc repair run prices.csv --dataset 600000.SH --diagnose-only

  # Repair with interpolation and write the result
  datavc repair run prices.csv --dataset 600000.SH --outliers interpolate --out repaired.csv

  # Recent repair runs
  datavc repair history 600000.SH`,
	}

	runCmd := &cobra.Command{
		Use:   "run <file.csv>",
		Short: "Diagnose and repair a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRepair,
	}
	runCmd.Flags().StringVar(&repairDataset, "dataset", "", "dataset key recorded in the repair log (required)")
	runCmd.Flags().StringVar(&repairMissing, "missing", "", "missing value method: ffill or drop (default: REPAIR_MISSING_METHOD)")
	runCmd.Flags().StringVar(&repairOutliers, "outliers", "", "outlier method: clip, interpolate or remove (default: REPAIR_OUTLIER_METHOD)")
	runCmd.Flags().Float64Var(&repairIQR, "iqr-multiplier", 0, "interquartile fence multiplier (default: REPAIR_IQR_MULTIPLIER)")
	runCmd.Flags().BoolVar(&repairDiagnoseOnly, "diagnose-only", false, "report issues without repairing")
	runCmd.Flags().StringVar(&repairOut, "out", "", "write the repaired snapshot to this CSV file")
	_ = runCmd.MarkFlagRequired("dataset")

	historyCmd := &cobra.Command{
		Use:   "history [dataset]",
		Short: "List repair log entries, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRepairHistory,
	}
	historyCmd.Flags().IntVar(&repairLimit, "limit", 50, "maximum entries to list (0 for all)")

	repairCmd.AddCommand(runCmd, historyCmd)
	return repairCmd
}

// repairMethods validates the method flags. Unset flags stay zero so the
// orchestrator falls back to the configured methods.
func repairMethods() (repair.Methods, error) {
	parsed, err := repair.ParseMethods(repairMissing, repairOutliers, repairIQR)
	if err != nil {
		return repair.Methods{}, err
	}
	m := repair.Methods{IQRMultiplier: repairIQR}
	if repairMissing != "" {
		m.Missing = parsed.Missing
	}
	if repairOutliers != "" {
		m.Outliers = parsed.Outliers
	}
	return m, nil
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	methods, err := repairMethods()
	if err != nil {
		return err
	}
	snap, err := csvsource.ReadFile(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	repaired, report, err := a.repairer.DiagnoseAndRepair(ctx, repairDataset, snap, repair.Options{
		AutoRepair: !repairDiagnoseOnly,
		Methods:    methods,
	})
	if err != nil {
		return err
	}

	if repairOut != "" && !repairDiagnoseOnly {
		if err := csvsource.WriteFile(repairOut, repaired); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, report)
	}
	printRepairReport(out, report)
	if repairOut != "" && !repairDiagnoseOnly {
		fmt.Fprintf(out, "✓ wrote %d rows to %s\n", repaired.Len(), repairOut)
	}
	return nil
}

func printRepairReport(w io.Writer, report repair.Report) {
	fmt.Fprintf(w, "Dataset:  %s\n", report.DatasetKey)
	fmt.Fprintf(w, "Run:      %s\n", report.RunID)
	fmt.Fprintf(w, "Rows:     %d -> %d\n", report.RowsBefore, report.RowsAfter)
	fmt.Fprintf(w, "Checksum: %s -> %s\n", shortChecksum(report.BeforeChecksum), shortChecksum(report.AfterChecksum))

	if len(report.Issues) == 0 {
		fmt.Fprintln(w, "No issues found")
	} else {
		fmt.Fprintln(w)
		t := newTable(w)
		_, _ = fmt.Fprintf(t, "ISSUE\tCOUNT\tREPAIR\tREPAIRED\n")
		for _, issue := range report.Issues {
			method, count := "-", 0
			if applied, ok := report.Applied(issue.Type); ok {
				method, count = applied.Method, applied.Count
			}
			_, _ = fmt.Fprintf(t, "%s\t%d\t%s\t%d\n", issue.Type, issue.Count, method, count)
		}
		_ = t.Flush()
	}

	for _, f := range report.Failures {
		fmt.Fprintf(w, "✗ %v\n", f)
	}
}

func runRepairHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	key := ""
	if len(args) == 1 {
		key = args[0]
	}
	entries, err := a.repairer.GetRepairHistory(ctx, key, repairLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No repair runs found")
		return nil
	}
	t := newTable(out)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "CREATED\tDATASET\tISSUE\tCOUNT\tMETHOD\tSTATUS\tBEFORE\tAFTER\n")
	for _, e := range entries {
		_, _ = fmt.Fprintf(t, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			formatTime(e.CreatedAt), e.DatasetKey, e.IssueType, e.IssueCount, orDash(e.RepairMethod), e.RepairStatus,
			shortChecksum(e.BeforeChecksum), shortChecksum(e.AfterChecksum))
	}
	return nil
}
