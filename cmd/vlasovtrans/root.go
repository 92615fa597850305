package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string // YAML configuration, empty uses the defaults
	logLevel   string // Overrides log_level of the configuration
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "vlasovtrans",
	Short: "Semi-Lagrangian translation on an AMR mesh",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log verbosity (debug, info, warn, error)")
	rootCmd.AddCommand(sweepCmd)
}
