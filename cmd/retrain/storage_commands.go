package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"retrain/internal/api"
	"retrain/internal/assets"
	"retrain/internal/ipc"
)

func newStorageCommand(ctx *commandContext) *cobra.Command {
	storageCmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and maintain consolidated asset documents",
	}
	storageCmd.AddCommand(newStorageStatsCommand(ctx))
	storageCmd.AddCommand(newStorageCleanupCommand(ctx))
	storageCmd.AddCommand(newStorageFlushCommand(ctx))
	storageCmd.AddCommand(newStorageMigrateCommand(ctx))
	storageCmd.AddCommand(newStorageExportCommand(ctx))
	storageCmd.AddCommand(newStorageImportCommand(ctx))
	return storageCmd
}

func newStorageStatsCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-subject document sizes and history counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.StorageStats()
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				renderStorageStats(cmd.OutOrStdout(), *resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderStorageStats(out io.Writer, stats api.StorageStats) {
	fmt.Fprintf(out, "Directory: %s\n", stats.Dir)
	fmt.Fprintf(out, "Documents: %d (%s)\n", stats.Documents, api.FormatBytes(stats.TotalBytes))
	fmt.Fprintf(out, "Cached:    %d\n", stats.CachedEntries)
	if stats.FreeBytes > 0 {
		fmt.Fprintf(out, "Free:      %s\n", api.FormatBytes(int64(stats.FreeBytes)))
	}
	if len(stats.Subjects) == 0 {
		return
	}
	rows := make([][]string, 0, len(stats.Subjects))
	for _, s := range stats.Subjects {
		rows = append(rows, []string{
			s.Subject,
			api.FormatBytes(s.Bytes),
			fmt.Sprintf("%d/%d", s.TrainedModels, s.Models),
			strconv.Itoa(s.TrainingRuns),
			strconv.Itoa(s.Predictions),
			api.ShortTime(s.ModifiedAt),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Subject", "Size", "Trained", "Training", "Predictions", "Modified"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft},
	))
}

func newStorageCleanupCommand(ctx *commandContext) *cobra.Command {
	var maxAgeHours int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop training and prediction history older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAgeHours < 0 {
				return fmt.Errorf("--max-age-hours must be zero or positive")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cleanup(maxAgeHours)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Scanned %d document(s), rewrote %d\n", resp.Scanned, resp.Rewritten)
				fmt.Fprintf(out, "Dropped %d training entr(ies), %d prediction(s)\n", resp.TrainingDropped, resp.PredictionsDropped)
				fmt.Fprintf(out, "Pruned %d job record(s), %d cooldown(s), %d quarantined file(s)\n", resp.JobsPruned, resp.CooldownsPruned, resp.QuarantinePruned)
				for _, msg := range resp.Errors {
					fmt.Fprintf(out, "  error: %s\n", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", 0, "Retention window in hours (0 uses the configured value)")
	return cmd
}

func newStorageFlushCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Write every cached document to disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Flush()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %d document(s)\n", resp.Saved)
				return nil
			})
		},
	}
}

func newStorageMigrateCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import the legacy per-file layout into consolidated documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Migrate(dryRun)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				renderMigration(cmd.OutOrStdout(), *resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be imported without writing")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderMigration(out io.Writer, resp api.MigrationResponse) {
	if resp.DryRun {
		fmt.Fprintln(out, "Dry run: no documents were written")
	}
	fmt.Fprintf(out, "Assets:      %d\n", resp.MigratedAssets)
	fmt.Fprintf(out, "Models:      %d\n", resp.MigratedModels)
	fmt.Fprintf(out, "Weights:     %d\n", resp.MigratedWeights)
	fmt.Fprintf(out, "Training:    %d\n", resp.MigratedTraining)
	fmt.Fprintf(out, "Predictions: %d\n", resp.MigratedPredictions)
	fmt.Fprintf(out, "Features:    %d\n", resp.MigratedFeatures)
	for _, line := range resp.Details {
		fmt.Fprintf(out, "  %s\n", line)
	}
	if len(resp.Errors) == 0 {
		return
	}
	rows := make([][]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		rows = append(rows, []string{e.Subject, e.Category, e.Error})
	}
	fmt.Fprint(out, renderTable([]string{"Subject", "Component", "Error"}, rows, nil))
}

func newAssetCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "asset <subject>",
		Short: "Summarize one subject's consolidated document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Asset(args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				renderAsset(cmd.OutOrStdout(), *resp)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func renderAsset(out io.Writer, summary api.AssetSummary) {
	fmt.Fprintf(out, "Subject:        %s\n", summary.Subject)
	fmt.Fprintf(out, "Last updated:   %s\n", api.ShortTime(summary.LastUpdated))
	fmt.Fprintf(out, "Training:       %d session(s), %d entr(ies), last %s\n",
		summary.TrainingSessions, summary.TrainingEntries, api.ShortTime(summary.LastTraining))
	fmt.Fprintf(out, "Training hours: %.2f\n", summary.TotalTrainingHours)
	fmt.Fprintf(out, "Predictions:    %d, last %s\n", summary.PredictionEntries, api.ShortTime(summary.LastPrediction))
	fmt.Fprintf(out, "Features:       %d, extracted %s\n", summary.FeatureCount, api.ShortTime(summary.LastExtraction))
	if len(summary.Models) == 0 {
		fmt.Fprintln(out, "No models stored")
		return
	}
	rows := make([][]string, 0, len(summary.Models))
	for _, m := range summary.Models {
		status := m.WeightStatus
		if status == "" {
			status = "-"
		}
		rows = append(rows, []string{
			m.Variant,
			m.Architecture,
			strconv.Itoa(m.Features),
			status,
			strconv.Itoa(m.ParameterCount),
			api.ShortTime(m.SavedAt),
			yesNo(m.Trained),
			yesNo(m.Migrated),
		})
	}
	fmt.Fprint(out, renderTable(
		[]string{"Variant", "Architecture", "Features", "Weights", "Parameters", "Saved", "Trained", "Migrated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	))
}

func newStorageExportCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <subject>",
		Short: "Write a subject's full document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				doc, err := client.AssetDocument(args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return writeJSON(cmd, doc)
				}
				data, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return fmt.Errorf("encode document: %w", err)
				}
				if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", doc.Subject, output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default stdout)")
	return cmd
}

func newStorageImportCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <subject> <file>",
		Short: "Replace a subject's document with an exported copy",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			var doc assets.Record
			if err := json.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("parse %s: %w", args[1], err)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.RestoreAsset(args[0], doc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Restored %s\n", resp.Subject)
				renderAsset(cmd.OutOrStdout(), *resp)
				return nil
			})
		},
	}
	return cmd
}

func newWeightsCommand(ctx *commandContext) *cobra.Command {
	var (
		features int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "weights <subject> <variant>",
		Short: "Show a variant's trained tensor shapes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ModelWeights(args[0], args[1], features)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s/%s: %d feature(s), %d parameter(s)\n",
					resp.Subject, resp.Variant, resp.Features, resp.ParameterCount)
				rows := make([][]string, 0, len(resp.Tensors))
				for _, t := range resp.Tensors {
					rows = append(rows, []string{strconv.Itoa(t.Index), fmt.Sprint(t.Shape), strconv.Itoa(len(t.Data))})
				}
				fmt.Fprint(out, renderTable([]string{"Tensor", "Shape", "Values"}, rows,
					[]columnAlignment{alignRight, alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&features, "features", 0, "Expected input feature count (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
