package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sujun1972/stock-analysis-sub000/internal/config"
	"github.com/sujun1972/stock-analysis-sub000/internal/csvsource"
	"github.com/sujun1972/stock-analysis-sub000/internal/domain/diff"
	"github.com/sujun1972/stock-analysis-sub000/internal/jobs"
)

var (
	ingestDataset    string
	ingestSource     string
	ingestUpdateType string
	ingestRepair     bool
	ingestEnqueue    bool
	ingestDetectOnly bool
)

func newIngestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [file.csv]",
		Short: "Ingest a CSV snapshot of a dataset",
		Long: `Compare a CSV snapshot with the stored rows of a dataset, write the new and
modified rows and commit a version when the content changed.

Without a file argument every enabled entry of the dataset catalogue
(DATASETS_FILE) is ingested; --dataset limits the run to one entry.

Examples:
  # Ingest one file
  datavc ingest prices.csv --dataset 600000.SH --source tushare

  # Repair the snapshot before it is compared
  datavc ingest prices.csv --dataset 600000.SH --repair

  # Show what would change without writing anything
  datavc ingest prices.csv --dataset 600000.SH --detect-only

  # Hand the file to the background worker
  datavc ingest prices.csv --dataset 600000.SH --enqueue

  # Ingest every catalogue entry
  datavc ingest`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, args)
		},
	}
	cmd.Flags().StringVar(&ingestDataset, "dataset", "", "dataset key (required with a file argument)")
	cmd.Flags().StringVar(&ingestSource, "source", "csv", "source label recorded on the version")
	cmd.Flags().StringVar(&ingestUpdateType, "update-type", diff.DefaultUpdateType, "update type recorded in the update log")
	cmd.Flags().BoolVar(&ingestRepair, "repair", false, "repair the snapshot before it is compared")
	cmd.Flags().BoolVar(&ingestEnqueue, "enqueue", false, "enqueue an ingest job instead of running it")
	cmd.Flags().BoolVar(&ingestDetectOnly, "detect-only", false, "classify the snapshot without writing")
	return cmd
}

func ingestTargets(cmd *cobra.Command, args []string, cfg config.Config) ([]config.DatasetConfig, error) {
	if len(args) == 1 {
		if ingestDataset == "" {
			return nil, fmt.Errorf("--dataset is required with a file argument")
		}
		return []config.DatasetConfig{{
			Key:        ingestDataset,
			File:       args[0],
			Source:     ingestSource,
			UpdateType: ingestUpdateType,
			Repair:     ingestRepair,
			Enabled:    true,
		}}, nil
	}

	catalogue, err := config.LoadDatasets(cfg.DatasetsFile)
	if err != nil {
		return nil, err
	}
	var targets []config.DatasetConfig
	for _, ds := range catalogue {
		if !ds.Enabled || (ingestDataset != "" && ds.Key != ingestDataset) {
			continue
		}
		if cmd.Flags().Changed("repair") {
			ds.Repair = ingestRepair
		}
		targets = append(targets, ds)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no enabled datasets in %s", cfg.DatasetsFile)
	}
	return targets, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, appMode{})
	if err != nil {
		return err
	}
	defer a.Close()

	targets, err := ingestTargets(cmd, args, a.cfg)
	if err != nil {
		return err
	}

	switch {
	case ingestEnqueue:
		return enqueueIngest(ctx, cmd.OutOrStdout(), a, targets)
	case ingestDetectOnly:
		return detectIngest(ctx, cmd.OutOrStdout(), a, targets)
	}

	var (
		results []diff.Result
		errs    []error
	)
	for _, ds := range targets {
		snap, err := csvsource.ReadFile(ds.File)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ds.Key, err))
			continue
		}
		res, err := a.engine.Apply(ctx, ds.Key, snap, diff.ApplyOptions{
			Source:     ds.Source,
			UpdateType: ds.UpdateType,
			Repair:     ds.Repair,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ds.Key, err))
			continue
		}
		results = append(results, res)
	}

	if err := printIngestResults(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func printIngestResults(w io.Writer, results []diff.Result) error {
	if jsonOutput() {
		return printJSON(w, results)
	}
	t := newTable(w)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "DATASET\tSTATUS\tMODE\tNEW\tUPDATED\tUNCHANGED\tDELETED\tVERSION\tCHECKSUM\n")
	for _, r := range results {
		number := "-"
		if r.Version != nil {
			number = r.Version.Number
		}
		_, _ = fmt.Fprintf(t, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.DatasetKey, r.Status, r.Mode, r.NewCount, r.UpdatedCount, r.UnchangedCount, r.DeletedCount,
			number, shortChecksum(r.Checksum))
	}
	return nil
}

func detectIngest(ctx context.Context, w io.Writer, a *app, targets []config.DatasetConfig) error {
	t := newTable(w)
	defer func() { _ = t.Flush() }()
	_, _ = fmt.Fprintf(t, "DATASET\tMODE\tADDED\tMODIFIED\tUNCHANGED\tDELETED\tACTIVE\n")
	for _, ds := range targets {
		snap, err := csvsource.ReadFile(ds.File)
		if err != nil {
			return fmt.Errorf("%s: %w", ds.Key, err)
		}
		cls, err := a.engine.Detect(ctx, ds.Key, snap)
		if err != nil {
			return fmt.Errorf("%s: %w", ds.Key, err)
		}
		active := "-"
		if cls.Active != nil {
			active = cls.Active.Number
		}
		_, _ = fmt.Fprintf(t, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			ds.Key, cls.Mode, len(cls.Added), len(cls.Modified), len(cls.Unchanged), len(cls.Deleted), active)
	}
	return nil
}

func enqueueIngest(ctx context.Context, w io.Writer, a *app, targets []config.DatasetConfig) error {
	if a.pool == nil {
		return fmt.Errorf("--enqueue needs a database; drop --memory")
	}
	client, err := jobs.NewInsertOnlyClient(a.pool)
	if err != nil {
		return fmt.Errorf("create job client: %w", err)
	}
	policy := jobs.RetryPolicyFromConfig(a.cfg.Jobs)
	opts := policy.InsertOpts(jobs.JobKindIngestFile)

	for _, ds := range targets {
		res, err := client.Insert(ctx, jobs.IngestFileArgs{
			DatasetKey: ds.Key,
			Path:       ds.File,
			Source:     ds.Source,
			UpdateType: ds.UpdateType,
			Repair:     ds.Repair,
		}, &opts)
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", ds.Key, err)
		}
		fmt.Fprintf(w, "✓ enqueued %s (job %d)\n", ds.Key, res.Job.ID)
	}
	return nil
}
