package main

import (
	"fmt"
	"mime"
	"path"

	"github.com/google/uuid"
	"github.com/jonathan/asset-pipeline/internal/db"
	"github.com/jonathan/asset-pipeline/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	registerAccount  string
	registerFileType string
	registerFileName string
	registerSize     int64
)

var registerCmd = &cobra.Command{
	Use:   "register <storage-key>",
	Short: "Register an already uploaded object as a PENDING asset",
	Long: `Creates an asset row for an object that is already in storage. The file type
defaults to the type implied by the key's extension.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accountID, err := uuid.Parse(registerAccount)
		if err != nil {
			return fmt.Errorf("invalid --account: %w", err)
		}
		input, err := registerInput(accountID, args[0], registerFileType, registerFileName, registerSize)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, modeControl)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		asset, err := a.db.CreateAsset(ctx, input)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ registered asset %s (%s)\n", asset.ID, asset.FileType)
		return nil
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <asset-id>",
	Short: "Mark a PROCESSED asset as reviewed and approved",
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

		ok, err := a.db.ApproveAsset(ctx, assetID)
		if err != nil {
			return err
		}
		if !ok {
			asset, err := a.db.GetAsset(ctx, assetID)
			if err != nil {
				return err
			}
			if asset == nil {
				return &pipeline.NotFoundError{AssetID: assetID}
			}
			return &pipeline.InvalidStateError{AssetID: assetID, Operation: "approve", Status: asset.Status}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ approved asset %s\n", assetID)
		return nil
	},
}

// registerInput builds the asset row, inferring the file type and name from the key.
func registerInput(accountID uuid.UUID, key, fileType, fileName string, size int64) (*db.AssetInput, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid --size: %d", size)
	}
	if fileName == "" {
		fileName = path.Base(key)
	}
	if fileType == "" {
		fileType = mime.TypeByExtension(path.Ext(fileName))
	}
	if fileType == "" {
		fileType = "application/octet-stream"
	}
	return &db.AssetInput{
		AccountID:  accountID,
		StorageKey: key,
		FileType:   fileType,
		FileName:   fileName,
		SizeBytes:  size,
	}, nil
}

func init() {
	registerCmd.Flags().StringVar(&registerAccount, "account", "", "Owning account id")
	registerCmd.Flags().StringVar(&registerFileType, "file-type", "", "MIME type (default: from the key's extension)")
	registerCmd.Flags().StringVar(&registerFileName, "name", "", "Original file name (default: last path element of the key)")
	registerCmd.Flags().Int64Var(&registerSize, "size", 0, "Object size in bytes")
	_ = registerCmd.MarkFlagRequired("account")
	rootCmd.AddCommand(registerCmd, approveCmd)
}
