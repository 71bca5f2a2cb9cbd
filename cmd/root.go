// Package cmd holds the task-api command line.
package cmd

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"task-api/config"
)

const serviceName = "task-api"

var configFile string

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "HTTP API for managing project tasks",
	Long: `task-api serves create, read, update and soft delete operations for
project tasks over HTTP. Changes to a task require its secure token.

Settings come from environment variables, optionally layered over a config
file passed with --config.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml); environment variables take precedence")
	rootCmd.AddCommand(serveCmd, storageInitCmd, tokenCmd)
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}
