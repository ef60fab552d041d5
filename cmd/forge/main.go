package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dreamforge/internal/config"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "dreamforge - templated batch image generation",
	Long: `dreamforge renders batches of images from prompt templates.

A template may reference __variable__ value lists, carry an enhancement
instruction after '>', and end with a parameter trailer:

  forge generate "a __creature__ in a __place__ > cinematic, moody : x4,w1216,h832,seed:42"

Phase 1 resolves every prompt through the text engine, Phase 2 renders the
resolved prompts through the synthesis engine. The two engines never share
memory: the text engine is fully released before synthesis begins.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// buildLogger honors the configured format and level; --verbose forces debug.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the configuration file")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(lexiconCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
