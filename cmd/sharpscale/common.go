package main

import (
	"os"

	"github.com/dunamismax/sharpscale/internal/config"
	"github.com/dunamismax/sharpscale/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}
	return config.LoadFile(path)
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	logCfg := cfg.Logging
	logCfg.Level = level
	logCfg.Format = "console"
	return logging.NewWithWriter(logCfg, cmd.ErrOrStderr())
}
