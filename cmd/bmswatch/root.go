package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bmswatch",
	Short: "bmswatch - battery monitor with chat notifications and a daily digest",
	Long: `bmswatch samples a JK BMS pack voltage, records every reading to a daily
rotating log, notifies a Telegram chat when the battery level moves, and
sends a daily natural-language digest of the log.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to monitor command when no subcommand is provided
		return runMonitor(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/bmswatch/config.yaml", "Path to configuration file (optional, environment variables always apply)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
