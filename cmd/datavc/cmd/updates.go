package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var updatesLimit int

func newUpdatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "updates [dataset]",
		Short: "List ingest cycles, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runUpdates,
	}
	cmd.Flags().IntVar(&updatesLimit, "limit", 50, "maximum entries to list (0 for all)")
	return cmd
}

func runUpdates(cmd *cobra.Command, args []string) error {
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
	entries, err := a.engine.UpdateHistory(ctx, key, updatesLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return printJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No updates found")
		return nil
	}
	t := newTable(out)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "CREATED\tDATASET\tTYPE\tSTATUS\tNEW\tUPDATED\tUNCHANGED\tDELETED\tVERSION\tDURATION\n")
	for _, e := range entries {
		_, _ = fmt.Fprintf(t, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			formatTime(e.CreatedAt), e.DatasetKey, e.UpdateType, e.Status, e.NewCount, e.UpdatedCount,
			e.UnchangedCount, e.DeletedCount, orDash(e.VersionNumber), e.Duration)
		if e.ErrorMessage != "" {
			_, _ = fmt.Fprintf(t, "\t\terror: %s\n", e.ErrorMessage)
		}
	}
	return nil
}
