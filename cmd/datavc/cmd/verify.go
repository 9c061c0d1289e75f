package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/integrity"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [dataset...]",
		Short: "Re-verify stored rows against their active version",
		Long: `Reload the rows covered by the active version of each dataset and compare
them with the version checksum and the stored chunk checksums.

The command fails when any dataset mismatches or could not be verified.

Examples:
  # Every dataset
  datavc verify

  # Selected datasets
  datavc verify 600000.SH 000001.SZ`,
		RunE: runVerify,
	}
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.verifier.VerifyAll(ctx, args...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		failed := make(map[string]string, len(summary.Failed))
		for key, ferr := range summary.Failed {
			failed[key] = ferr.Error()
		}
		doc := struct {
			Reports []integrity.Report
			Skipped []string
			Failed  map[string]string
		}{summary.Reports, summary.Skipped, failed}
		if err := printJSON(out, doc); err != nil {
			return err
		}
	} else {
		printVerifySummary(out, summary)
	}

	if n := summary.Mismatched(); n > 0 || len(summary.Failed) > 0 {
		return fmt.Errorf("integrity check failed: %d mismatched, %d not verified", n, len(summary.Failed))
	}
	return nil
}

func printVerifySummary(w io.Writer, summary integrity.Summary) {
	t := newTable(w)
	_, _ = fmt.Fprintf(t, "DATASET\tVERSION\tROWS\tCHUNKS\tRESULT\n")
	for _, r := range summary.Reports {
		result := "ok"
		if !r.OK() {
			result = "MISMATCH"
		}
		_, _ = fmt.Fprintf(t, "%s\t%s\t%d/%d\t%d/%d\t%s\n",
			r.DatasetKey, r.VersionNumber, r.ActualRows, r.ExpectedRows, r.Chunks.Matched, r.Chunks.Checked, result)
	}
	_ = t.Flush()

	for _, r := range summary.Reports {
		for _, m := range r.Mismatches() {
			fmt.Fprintf(w, "✗ %s %s: expected %s, got %s", r.DatasetKey, m.Scope, orDash(m.Expected), orDash(m.Actual))
			if m.Detail != "" {
				fmt.Fprintf(w, " (%s)", m.Detail)
			}
			fmt.Fprintln(w)
		}
	}
	for _, key := range summary.Skipped {
		fmt.Fprintf(w, "- %s: no active version\n", key)
	}
	failed := make([]string, 0, len(summary.Failed))
	for key := range summary.Failed {
		failed = append(failed, key)
	}
	sort.Strings(failed)
	for _, key := range failed {
		fmt.Fprintf(w, "✗ %s: %v\n", key, summary.Failed[key])
	}
}
