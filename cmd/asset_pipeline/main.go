// Package main provides the asset_pipeline command: the HTTP API server and
// operator commands for processing assets.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "asset_pipeline",
	Short: "Asset processing pipeline",
	Long: `Extracts text from uploaded marketing assets (documents, images, audio and video),
derives content metadata with Gemini and tracks each asset through its processing lifecycle.

Configuration is read from --config (JSON or YAML), then environment variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
