// Package cli provides the command-line interface for sheetflow.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/sheetflow/internal/client"
	"github.com/raphaelgruber/sheetflow/internal/config"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	serverURL  string
	configPath string

	cfg       config.Config
	apiClient *client.Client
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "sheetflow",
	Short: "Turn spreadsheets into a typed table catalog",
	Long: `Sheetflow ingests spreadsheets, lets a model design an extraction plan,
optionally pauses for your review, and writes the planned tables as Parquet.

Runs execute on the sheetflow server; this CLI creates, streams, reviews and
manages them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		url := serverURL
		if url == "" {
			url = cfg.Server.URL
		}
		apiClient = client.New(url)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default sheetflow.yaml in the config dir)")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(executeCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statsCmd)
}
