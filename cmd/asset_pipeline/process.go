package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/observability"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	processAccount    string
	processStorageKey string
	processFileType   string
	processQuiet      bool
)

var processCmd = &cobra.Command{
	Use:   "process <asset-id>",
	Short: "Process an asset in this process and wait for the result",
	Long: `Start processing an asset and run it to completion in this process, printing
progress as it goes. Interrupting the command cancels the run.

The asset must be PENDING or ERROR. Use retry to re-run a PROCESSED asset.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAndWait(cmd, args[0], func(ctx context.Context, c *pipeline.Controller, assetID, accountID uuid.UUID) (*pipeline.StartResult, error) {
			return c.StartProcessing(ctx, pipeline.StartRequest{
				AssetID:      assetID,
				AccountID:    accountID,
				StorageKey:   processStorageKey,
				DeclaredType: processFileType,
				Trigger:      db.RunTriggerCLI,
			})
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <asset-id>",
	Short: "Re-run processing of a PENDING, ERROR or PROCESSED asset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAndWait(cmd, args[0], func(ctx context.Context, c *pipeline.Controller, assetID, accountID uuid.UUID) (*pipeline.StartResult, error) {
			return c.RetryProcessing(ctx, assetID, accountID)
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <asset-id>",
	Short: "Cancel a running asset",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	for _, c := range []*cobra.Command{processCmd, retryCmd, cancelCmd} {
		c.Flags().StringVar(&processAccount, "account", "", "Owning account id (defaults to the asset's owner)")
	}
	for _, c := range []*cobra.Command{processCmd, retryCmd} {
		c.Flags().BoolVarP(&processQuiet, "quiet", "q", false, "Only print the final asset")
	}
	processCmd.Flags().StringVar(&processStorageKey, "storage-key", "", "Replace the stored object key")
	processCmd.Flags().StringVar(&processFileType, "file-type", "", "Replace the declared MIME type")
	rootCmd.AddCommand(processCmd, retryCmd, cancelCmd)
}

type startFunc func(ctx context.Context, c *pipeline.Controller, assetID, accountID uuid.UUID) (*pipeline.StartResult, error)

func runAndWait(cmd *cobra.Command, arg string, start startFunc) error {
	assetID, err := parseAssetID(arg)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	printer := observability.NewPrinter(out)
	var opts []pipeline.Option
	if !processQuiet {
		opts = append(opts, pipeline.WithProgress(printer.PrintProgress))
	}

	a, err := newApp(ctx, modeProcess, opts...)
	if err != nil {
		return err
	}
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.Close(drainCtx)
	}()

	accountID, err := a.accountFor(ctx, assetID, processAccount)
	if err != nil {
		return err
	}
	result, err := start(ctx, a.controller, assetID, accountID)
	if err != nil {
		return err
	}
	if result.AlreadyRunning {
		fmt.Fprintln(out, "Asset is already processing; watching it instead.")
	} else {
		fmt.Fprintf(out, "✓ run %s accepted\n", result.RunID)
	}

	asset, err := waitForTerminal(ctx, a.db, assetID, a.cfg.PollInterval.Std())
	if errors.Is(err, context.Canceled) {
		return interruptRun(a.controller, result, assetID, accountID, out)
	}
	if err != nil {
		return err
	}

	printer.PrintAsset(asset)
	if asset.Status == db.AssetStatusError {
		return fmt.Errorf("processing failed")
	}
	return nil
}

// assetGetter is satisfied by *db.DB.
type assetGetter interface {
	GetAsset(ctx context.Context, id uuid.UUID) (*db.Asset, error)
}

// waitForTerminal polls until the asset leaves PROCESSING.
func waitForTerminal(ctx context.Context, store assetGetter, assetID uuid.UUID, interval time.Duration) (*db.Asset, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		asset, err := store.GetAsset(ctx, assetID)
		if err != nil {
			return nil, err
		}
		if asset == nil {
			return nil, &pipeline.NotFoundError{AssetID: assetID}
		}
		if asset.Status != db.AssetStatusProcessing {
			return asset, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// canceller is satisfied by *pipeline.Controller.
type canceller interface {
	CancelProcessing(ctx context.Context, assetID, accountID uuid.UUID) (*pipeline.CancelResult, error)
}

// interruptRun cancels the run this command started so it does not wait for
// the stale sweep. A run the command only attached to keeps going.
func interruptRun(c canceller, started *pipeline.StartResult, assetID, accountID uuid.UUID, out io.Writer) error {
	if !started.Accepted {
		fmt.Fprintln(out, "Interrupted; the run started elsewhere keeps processing")
		return context.Canceled
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := c.CancelProcessing(ctx, assetID, accountID)
	var invalid *pipeline.InvalidStateError
	switch {
	case errors.As(err, &invalid):
		fmt.Fprintf(out, "Interrupted; asset finished as %s\n", invalid.Status)
	case err != nil:
		return fmt.Errorf("interrupted and failed to cancel: %w", err)
	default:
		fmt.Fprintln(out, "Interrupted; "+result.Message)
	}
	return context.Canceled
}

func runCancel(cmd *cobra.Command, args []string) error {
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

	accountID, err := a.accountFor(ctx, assetID, processAccount)
	if err != nil {
		return err
	}
	result, err := a.controller.CancelProcessing(ctx, assetID, accountID)
	var invalid *pipeline.InvalidStateError
	if errors.As(err, &invalid) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (status %s)\n", pipeline.NotRunningNote, invalid.Status)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ "+result.Message)
	return nil
}
