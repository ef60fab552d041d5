package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"dreamforge/internal/engine"
	"dreamforge/internal/lexicon"
)

var (
	expandMin     int
	expandContext string
)

var lexiconCmd = &cobra.Command{
	Use:   "lexicon",
	Short: "Inspect and edit the variable value lists",
}

var lexiconListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all variables and their value counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := lexicon.New(cfg.Lexicon.Dir, logger)
		names, err := lib.Names()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Printf("No variables in %s.\n", lib.Dir())
			return nil
		}
		for _, name := range names {
			fmt.Printf("%-24s %d values\n", name, len(lib.Resolve(name)))
		}
		return nil
	},
}

var lexiconShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Print the values of one variable",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := lexicon.New(cfg.Lexicon.Dir, logger)
		values := lib.Resolve(args[0])
		if len(values) == 0 {
			return fmt.Errorf("variable %q has no values", args[0])
		}
		for _, v := range values {
			fmt.Println(v)
		}
		return nil
	},
}

var lexiconAddCmd = &cobra.Command{
	Use:   "add [name] [value]...",
	Short: "Append values to a variable",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lib := lexicon.New(cfg.Lexicon.Dir, logger)
		values, err := lib.Add(args[0], args[1:]...)
		if err != nil {
			return err
		}
		fmt.Printf("%s now has %d values.\n", args[0], len(values))
		return nil
	},
}

var lexiconExpandCmd = &cobra.Command{
	Use:   "expand [name]",
	Short: "Grow a variable's value list with the text engine",
	Long: `Loads the text engine, asks it for distinct values until the list holds at
least --min entries, persists the result, and unloads the engine again.

Example:
  forge lexicon expand creature --min 12 --context "fantasy forest scenes"`,
	Args: cobra.ExactArgs(1),
	RunE: runLexiconExpand,
}

func runLexiconExpand(cmd *cobra.Command, args []string) error {
	name := args[0]
	lib := lexicon.New(cfg.Lexicon.Dir, logger)

	before := len(lib.Resolve(name))
	if before >= expandMin {
		fmt.Printf("%s already has %d values.\n", name, before)
		return nil
	}

	text, err := engine.NewTextEngine(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetTextTimeout())
	defer cancel()

	if err := text.Load(ctx); err != nil {
		return fmt.Errorf("loading text engine: %w", err)
	}
	defer func() { _ = text.Unload(context.Background()) }()

	values, err := lib.EnsureSize(ctx, name, expandMin, expandContext, text.GenerateValues)
	if err != nil {
		return err
	}
	fmt.Printf("%s grew from %d to %d values.\n", name, before, len(values))
	return nil
}

func init() {
	lexiconExpandCmd.Flags().IntVar(&expandMin, "min", 10, "Minimum number of values after expansion")
	lexiconExpandCmd.Flags().StringVar(&expandContext, "context", "", "Optional scene context guiding generation")

	lexiconCmd.AddCommand(lexiconListCmd)
	lexiconCmd.AddCommand(lexiconShowCmd)
	lexiconCmd.AddCommand(lexiconAddCmd)
	lexiconCmd.AddCommand(lexiconExpandCmd)
}
