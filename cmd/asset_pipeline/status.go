package main

import (
	"fmt"

	"github.com/jonathan/asset-pipeline/internal/observability"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/spf13/cobra"
)

var statusRuns int

var statusCmd = &cobra.Command{
	Use:   "status <asset-id>",
	Short: "Show an asset, its transcription and recent runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assetID, err := parseAssetID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, modeControl)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		asset, err := a.db.GetAsset(ctx, assetID)
		if err != nil {
			return err
		}
		if asset == nil {
			return &pipeline.NotFoundError{AssetID: assetID}
		}
		transcript, err := a.transcripts.GetStatus(ctx, assetID)
		if err != nil {
			return fmt.Errorf("failed to read transcription: %w", err)
		}
		runs, err := a.db.ListAssetRuns(ctx, assetID, statusRuns)
		if err != nil {
			return err
		}

		printer := observability.NewPrinter(cmd.OutOrStdout())
		printer.PrintAsset(asset)
		printer.PrintTranscription(transcript)
		printer.PrintRuns(runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusRuns, "runs", 5, "Number of recent runs to show")
	rootCmd.AddCommand(statusCmd)
}
