package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"dreamforge/internal/gallery"
)

var (
	historyLimit int
	historyRun   string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past generation runs",
	Long: `Lists recent runs from the gallery ledger, newest first. With --run the
artifacts of that single run are listed instead.`,
	RunE: runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ledger, err := gallery.Open(cfg.Gallery.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening gallery ledger: %w", err)
	}
	defer ledger.Close()

	if historyRun != "" {
		artifacts, err := ledger.ListArtifacts(historyRun)
		if err != nil {
			return err
		}
		if len(artifacts) == 0 {
			fmt.Printf("No artifacts recorded for run %s.\n", historyRun)
			return nil
		}
		for _, a := range artifacts {
			fmt.Printf("#%-3d seed %-12d %dx%-5d %s\n", a.ItemIndex, a.Seed, a.Width, a.Height, a.Path)
			fmt.Printf("     %s\n", a.Prompt)
		}
		return nil
	}

	runs, err := ledger.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}
	for _, r := range runs {
		template := r.Template
		if len(template) > 60 {
			template = template[:57] + "..."
		}
		fmt.Printf("%s  %-9s  %d/%d ok",
			r.StartedAt.Local().Format("2006-01-02 15:04"), r.Status, r.Succeeded, r.Requested)
		if r.Failed > 0 {
			fmt.Printf(" (%d failed)", r.Failed)
		}
		fmt.Printf("  seed %d\n", r.BaseSeed)
		fmt.Printf("  %s  %q\n", r.ID, template)
	}
	return nil
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of runs to list")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the artifacts of one run ID")
}
