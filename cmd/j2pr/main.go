package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hochfrequenz/j2pr/internal/config"
)

var (
	configFlag string
	exitCode   int

	rootCmd = &cobra.Command{
		Use:   "j2pr",
		Short: "j2pr - Jira tickets to draft pull requests",
		Long: `j2pr picks approved Jira tickets, drives a headless coding agent
inside the mapped repository under guardrails, and opens a draft PR.
Every run is recorded: artifacts, session events and a SQLite ledger.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func loadConfig() (*config.Config, error) {
	path, err := config.ResolvePath(configFlag)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	if cfg.Format != "json" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zc.Build()
}
