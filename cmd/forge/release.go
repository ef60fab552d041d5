package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dreamforge/internal/engine"
)

var releaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Unload any resident engine",
	Long: `Sends unload requests for both engines. Meaningful for local daemon
backends, where the daemon keeps model weights in RAM between invocations;
API backends treat this as a no-op.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := engine.NewTextEngine(cfg, logger)
		if err != nil {
			return err
		}
		synth, err := engine.NewSynthesisEngine(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Unload is idempotent; asking both engines covers whichever was
		// resident.
		if err := text.Unload(ctx); err != nil {
			logger.Warn("text engine unload failed", zap.Error(err))
		}
		if err := synth.Unload(ctx); err != nil {
			logger.Warn("synthesis engine unload failed", zap.Error(err))
		}
		cmd.Println("Release requested for both engines.")
		return nil
	},
}
