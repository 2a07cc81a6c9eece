// Package cmd wires the foreman CLI: the supervisor daemon, per-project
// worker processes, and trigger management.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/foreman/internal/config"
	"github.com/zjrosen/foreman/internal/log"
	"github.com/zjrosen/foreman/internal/store"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Multi-process orchestrator for AI agent sessions",
	Long: `Foreman coordinates a supervisor daemon, per-project worker
schedulers, and short-lived agent sessions through a shared store.

Run "foreman supervisor" once, hand work to a project with
"foreman worker --name <project> --prompt <request>", or put it on a
schedule with "foreman trigger add".`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.foreman/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(config.BaseDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// First run: write a commented default config and load it.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			defaultPath := filepath.Join(config.BaseDir(), "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	cfg = config.Defaults()
	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
	}
	cfg.ApplyEnvOverrides()
}

// setupRuntime validates the config and initializes file logging for
// one component. The returned cleanup flushes the log file.
func setupRuntime(component string) (func(), error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	cleanup, err := log.Init(filepath.Join(cfg.LogDir, component+".log"))
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	if debugFlag || os.Getenv("FOREMAN_DEBUG") != "" {
		log.SetMinLevel(log.LevelDebug)
	}
	return cleanup, nil
}

func openStore() (*store.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	db, err := store.NewDB(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", cfg.StorePath, err)
	}
	return db, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
