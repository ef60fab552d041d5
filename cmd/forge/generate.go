package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dreamforge/internal/artifact"
	"dreamforge/internal/engine"
	"dreamforge/internal/gallery"
	"dreamforge/internal/generation"
	"dreamforge/internal/lexicon"
	"dreamforge/internal/progress"
)

var (
	genCount   int
	genWidth   int
	genHeight  int
	genSteps   int
	genSeed    int64
	genEnhance string
)

var generateCmd = &cobra.Command{
	Use:   "generate [template]",
	Short: "Render a batch of images from a prompt template",
	Long: `Runs the full two-phase pipeline for one template.

Parameters given in the template's trailer win over flags; flags win over
the configured defaults. Ctrl-C cancels cooperatively: the image currently
rendering is finished and saved, nothing further starts.

Examples:
  forge generate "a lighthouse in a storm"
  forge generate "a __animal__ made of glass : x6,seed:7"
  forge generate "__style__ portrait > dramatic rim lighting" --count 4 --width 832`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().IntVarP(&genCount, "count", "n", 0, "Number of images (template x<N> wins)")
	generateCmd.Flags().IntVar(&genWidth, "width", 0, "Image width in pixels")
	generateCmd.Flags().IntVar(&genHeight, "height", 0, "Image height in pixels")
	generateCmd.Flags().IntVar(&genSteps, "steps", 0, "Diffusion step count")
	generateCmd.Flags().Int64Var(&genSeed, "seed", 0, "Base seed; item i renders with seed+i")
	generateCmd.Flags().StringVar(&genEnhance, "enhance", "", "Enhancement instruction (template '>' wins)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ctrl-C requests cooperative cancellation.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, finishing the current item")
		cancel()
	}()

	svc, cleanup, err := buildService()
	if err != nil {
		return err
	}
	defer cleanup()

	req := generation.Request{
		Template: strings.Join(args, " "),
		Count:    genCount,
		Width:    genWidth,
		Height:   genHeight,
		Steps:    genSteps,
		Enhance:  genEnhance,
	}
	if cmd.Flags().Changed("seed") {
		req.Seed = &genSeed
	}

	handle, err := svc.Start(ctx, req)
	if err != nil {
		return err
	}

	var result *generation.Result
	g := new(errgroup.Group)
	g.Go(func() error {
		printEvents(handle.Events())
		return nil
	})
	g.Go(func() error {
		var runErr error
		result, runErr = handle.Wait()
		return runErr
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	if result.Status == generation.StatusCancelled {
		fmt.Printf("Cancelled after %d of %d images.\n", len(result.Artifacts), result.Requested)
		return nil
	}
	fmt.Printf("Done: %d of %d images saved", len(result.Artifacts), result.Requested)
	if len(result.Failures) > 0 {
		fmt.Printf(" (%d failed)", len(result.Failures))
	}
	fmt.Printf(", base seed %d, run %s\n", result.BaseSeed, result.RunID)
	return nil
}

// printEvents renders the progress stream. Ticks only show under --verbose;
// everything discrete always prints.
func printEvents(events <-chan progress.Event) {
	for ev := range events {
		switch ev.Type {
		case progress.EventTick:
			if verbose {
				fmt.Printf("[%3d%%] %s\n", ev.Percent, ev.Message)
			}
		case progress.EventStage:
			fmt.Printf("[%3d%%] %s\n", ev.Percent, ev.Message)
		case progress.EventWarning:
			fmt.Printf("       warning: %s\n", ev.Message)
		case progress.EventArtifact:
			fmt.Printf("[%3d%%] %s\n", ev.Percent, ev.Message)
		case progress.EventSummary:
			// The terminal summary is printed from the result.
		case progress.EventError:
			fmt.Printf("       error: %s\n", ev.Message)
		}
	}
}

// buildService assembles the full pipeline from the loaded configuration.
// The returned cleanup stops the lexicon watcher and closes the ledger.
func buildService() (*generation.Service, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	lib := lexicon.New(cfg.Lexicon.Dir, logger)

	var watcher *lexicon.Watcher
	if cfg.Lexicon.Watch {
		w, err := lexicon.NewWatcher(lib, logger)
		if err != nil {
			logger.Warn("lexicon watcher unavailable", zap.Error(err))
		} else if err := w.Start(); err != nil {
			logger.Warn("lexicon watcher failed to start", zap.Error(err))
		} else {
			watcher = w
		}
	}

	store, err := artifact.New(cfg.Artifacts.Dir, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact store: %w", err)
	}

	// History is best effort: a broken ledger degrades to no recording.
	ledger, err := gallery.Open(cfg.Gallery.DatabasePath, logger)
	if err != nil {
		logger.Warn("gallery ledger unavailable, runs will not be recorded", zap.Error(err))
		ledger = nil
	}

	text, err := engine.NewTextEngine(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	synth, err := engine.NewSynthesisEngine(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	orch := generation.New(generation.Deps{
		Library:   lib,
		Residency: engine.NewResidency(text, synth, logger),
		Store:     store,
		Ledger:    ledger,
		Logger:    logger,
	}, generation.Defaults{
		Count:                cfg.Generation.DefaultCount,
		Width:                cfg.Generation.DefaultWidth,
		Height:               cfg.Generation.DefaultHeight,
		Steps:                cfg.Generation.DefaultSteps,
		EnhancementMaxTokens: cfg.Generation.EnhancementMaxTokens,
	})

	cleanup := func() {
		if watcher != nil {
			watcher.Stop()
		}
		if ledger != nil {
			if err := ledger.Close(); err != nil {
				logger.Warn("closing gallery ledger", zap.Error(err))
			}
		}
	}
	return generation.NewService(orch, logger), cleanup, nil
}
