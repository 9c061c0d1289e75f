package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/csvsource"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/dataset"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

var (
	exportOut     string
	exportVersion string
	exportFrom    string
	exportTo      string
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <dataset>",
		Short: "Write the stored rows of a dataset as CSV",
		Long: `Write the stored rows covered by a version (default: the active version) as CSV.
--from and --to narrow the key range.

Examples:
  # Active version to stdout
  datavc export 600000.SH

  # One month of an older version to a file
  datavc export 600000.SH --version v20260301_001 --from 2026-01-01 --to 2026-01-31 --out jan.csv`,
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}
	cmd.Flags().StringVar(&exportOut, "out", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&exportVersion, "version", "", "version number whose key range is exported")
	cmd.Flags().StringVar(&exportFrom, "from", "", "first key to export (YYYY-MM-DD)")
	cmd.Flags().StringVar(&exportTo, "to", "", "last key to export (YYYY-MM-DD)")
	return cmd
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	key := args[0]
	from, err := parseKeyFlag("from", exportFrom)
	if err != nil {
		return err
	}
	to, err := parseKeyFlag("to", exportTo)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	var v *versions.Version
	if exportVersion != "" {
		v, err = a.versions.GetVersionByNumber(ctx, key, exportVersion)
	} else {
		v, err = a.versions.GetActiveVersion(ctx, key)
	}
	if err != nil {
		return err
	}

	kr := v.KeyRange
	if !from.IsZero() {
		kr.Start = from
	}
	if !to.IsZero() {
		kr.End = to
	}
	snap := dataset.Empty()
	if !v.KeyRange.IsZero() {
		if snap, err = a.store.Load(ctx, key, kr); err != nil {
			return err
		}
	}

	if exportOut == "" {
		return csvsource.Write(cmd.OutOrStdout(), snap)
	}
	if err := csvsource.WriteFile(exportOut, snap); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "✓ wrote %d rows of %s %s to %s\n", snap.Len(), key, v.Number, exportOut)
	return nil
}
