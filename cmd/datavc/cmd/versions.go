package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/domain/fingerprint"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/versions"
)

var (
	versionsLimit  int
	versionsKeep   int
	versionsDryRun bool
)

func newVersionsCmd() *cobra.Command {
	versionsCmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and manage dataset versions",
		Long: `Inspect the version history of datasets and manage the active version.

Examples:
  # Active version of every dataset
  datavc versions list

  # History of one dataset, newest first
  datavc versions list 600000.SH --limit 5

  # Details and chunk checksums of the active version
  datavc versions show 600000.SH

  # What changed between two versions
  datavc versions compare 600000.SH v20260301_001 v20260302_001

  # Roll back to an earlier version
  datavc versions activate 600000.SH v20260301_001

  # Keep the 10 newest versions of every dataset
  datavc versions cleanup --keep 10 --dry-run`,
	}

	listCmd := &cobra.Command{
		Use:   "list [dataset]",
		Short: "List versions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runVersionsList,
	}
	listCmd.Flags().IntVar(&versionsLimit, "limit", 20, "maximum versions to list (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <dataset> [number]",
		Short: "Show one version and its chunk checksums (default: the active version)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runVersionsShow,
	}

	compareCmd := &cobra.Command{
		Use:   "compare <dataset> <from> <to>",
		Short: "Compare two versions",
		Args:  cobra.ExactArgs(3),
		RunE:  runVersionsCompare,
	}

	chainCmd := &cobra.Command{
		Use:   "chain <dataset> [number]",
		Short: "Show the lineage of a version, root first (default: the active version)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runVersionsChain,
	}

	activateCmd := &cobra.Command{
		Use:   "activate <dataset> <number>",
		Short: "Make a version the active one",
		Args:  cobra.ExactArgs(2),
		RunE:  runVersionsActivate,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup [dataset]",
		Short: "Delete all but the newest versions (the active version is always kept)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runVersionsCleanup,
	}
	cleanupCmd.Flags().IntVar(&versionsKeep, "keep", -1, "versions to keep per dataset (default: VERSION_KEEP_RECENT)")
	cleanupCmd.Flags().BoolVar(&versionsDryRun, "dry-run", false, "report what would be deleted without deleting")

	versionsCmd.AddCommand(listCmd, showCmd, compareCmd, chainCmd, activateCmd, cleanupCmd)
	return versionsCmd
}

func runVersionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	var list []versions.Version
	if len(args) == 1 {
		list, err = a.versions.GetVersionHistory(ctx, args[0], versionsLimit)
		if err != nil {
			return err
		}
	} else {
		keys, err := a.versions.ListDatasets(ctx)
		if err != nil {
			return err
		}
		for _, key := range keys {
			active, err := a.versions.GetActiveVersion(ctx, key)
			if errors.Is(err, versions.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			list = append(list, *active)
		}
	}

	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), list)
	}
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No versions found")
		return nil
	}
	printVersionTable(cmd.OutOrStdout(), list)
	return nil
}

func printVersionTable(w io.Writer, list []versions.Version) {
	t := newTable(w)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "DATASET\tVERSION\tACTIVE\tRECORDS\tRANGE\tSOURCE\tCHECKSUM\tCREATED\n")
	for _, v := range list {
		active := ""
		if v.IsActive {
			active = "*"
		}
		_, _ = fmt.Fprintf(t, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			v.DatasetKey, v.Number, active, v.RecordCount, formatRange(v.KeyRange), v.Source,
			shortChecksum(v.Checksum), formatTime(v.CreatedAt))
	}
}

func runVersionsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	var v *versions.Version
	if len(args) == 2 {
		v, err = a.versions.GetVersionByNumber(ctx, args[0], args[1])
	} else {
		v, err = a.versions.GetActiveVersion(ctx, args[0])
	}
	if err != nil {
		return err
	}
	chunks, err := a.versions.ListChunkChecksums(ctx, v.DatasetKey, v.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, struct {
			Version *versions.Version
			Chunks  []fingerprint.ChunkChecksum
		}{v, chunks})
	}

	parent := orDash(v.ParentID)
	fmt.Fprintf(out, "Dataset:   %s\n", v.DatasetKey)
	fmt.Fprintf(out, "Version:   %s\n", v.Number)
	fmt.Fprintf(out, "ID:        %s\n", v.ID)
	fmt.Fprintf(out, "Active:    %t\n", v.IsActive)
	fmt.Fprintf(out, "Source:    %s\n", v.Source)
	fmt.Fprintf(out, "Records:   %d\n", v.RecordCount)
	fmt.Fprintf(out, "Range:     %s\n", formatRange(v.KeyRange))
	fmt.Fprintf(out, "Checksum:  %s\n", v.Checksum)
	fmt.Fprintf(out, "Parent:    %s\n", parent)
	fmt.Fprintf(out, "Created:   %s\n", formatTime(v.CreatedAt))
	if len(v.Metadata) > 0 {
		keys := make([]string, 0, len(v.Metadata))
		for k := range v.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "Metadata:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, v.Metadata[k])
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	t := newTable(out)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "CHUNK\tTYPE\tRECORDS\tSTART\tEND\tCHECKSUM\n")
	for _, c := range chunks {
		_, _ = fmt.Fprintf(t, "%s\t%s\t%d\t%s\t%s\t%s\n",
			c.ChunkKey, c.ChunkType, c.RecordCount, c.StartKey.Format("2006-01-02"), c.EndKey.Format("2006-01-02"),
			shortChecksum(c.Checksum))
	}
	return nil
}

func runVersionsCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	cmp, err := a.versions.CompareVersions(ctx, args[0], args[1], args[2])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, cmp)
	}
	t := newTable(out)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "\t%s\t%s\tCHANGED\n", cmp.From.Number, cmp.To.Number)
	_, _ = fmt.Fprintf(t, "records\t%d\t%d\t%+d\n", cmp.From.RecordCount, cmp.To.RecordCount, cmp.RecordCountDelta)
	_, _ = fmt.Fprintf(t, "checksum\t%s\t%s\t%t\n", shortChecksum(cmp.From.Checksum), shortChecksum(cmp.To.Checksum), cmp.ChecksumChanged)
	_, _ = fmt.Fprintf(t, "source\t%s\t%s\t%t\n", cmp.From.Source, cmp.To.Source, cmp.SourceChanged)
	_, _ = fmt.Fprintf(t, "range\t%s\t%s\t%t\n", formatRange(cmp.From.KeyRange), formatRange(cmp.To.KeyRange), cmp.KeyRangeChanged)
	return nil
}

func runVersionsChain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	var number string
	if len(args) == 2 {
		number = args[1]
	} else {
		active, err := a.versions.GetActiveVersion(ctx, args[0])
		if err != nil {
			return err
		}
		number = active.Number
	}
	chain, err := a.versions.GetVersionChain(ctx, args[0], number)
	if err != nil {
		return err
	}
	if jsonOutput() {
		return printJSON(cmd.OutOrStdout(), chain)
	}
	printVersionTable(cmd.OutOrStdout(), chain)
	return nil
}

func runVersionsActivate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	v, err := a.versions.SetActiveVersion(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is now the active version of %s\n", v.Number, v.DatasetKey)
	return nil
}

func runVersionsCleanup(cmd *cobra.Command, args []string) error {
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
	keep := versionsKeep
	if keep < 0 {
		keep = a.cfg.Versioning.KeepRecent
	}

	res, err := a.versions.CleanupOldVersions(ctx, key, keep, versionsDryRun)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, res)
	}
	verb := "deleted"
	if res.DryRun {
		verb = "would delete"
	}
	keys := make([]string, 0, len(res.Datasets))
	for k := range res.Datasets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		counts := res.Datasets[k]
		fmt.Fprintf(out, "%s: %s %d, kept %d\n", k, verb, counts.Deleted, counts.Kept)
		for _, number := range res.DeletedNumbers[k] {
			fmt.Fprintf(out, "  - %s\n", number)
		}
	}
	fmt.Fprintf(out, "Total: %s %d, kept %d\n", verb, res.Deleted, res.Kept)
	return nil
}
