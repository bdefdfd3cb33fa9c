package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/spf13/cobra"
)

var buildCmd = &cobra.Command{
	Use:     "build [production=true]",
	Aliases: []string{"b"},
	Short:   "Build the site once",
	Long: `Clean the output directory and build every page, stylesheet and script.
Production builds also inline local assets into the pages and remove the
standalone files. Every build fingerprints the remaining asset references.

Examples:
  sitepipe build                    # Development build
  sitepipe build --production       # Production build
  sitepipe build production=true    # Same, positional form`,
	RunE: runBuild,
}

var buildProduction bool

func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().BoolVar(&buildProduction, "production", false, "Production build (inline assets, remove standalone files)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := resolveMode(cmd, cfg, args)
	if err != nil {
		return err
	}
	bc, err := cfg.BuildConfig(mode)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	p, err := pipeline.New(bc, pipeline.WithLogger(logger))
	if err != nil {
		return err
	}

	report, err := p.Build(ctx)
	if err != nil {
		return err
	}

	written := 0
	tasks := make([]string, 0, len(report.Outputs))
	for task, outputs := range report.Outputs {
		written += len(outputs)
		tasks = append(tasks, task)
	}
	sort.Strings(tasks)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Built %d artifacts into %s (%s, %s)\n", written, p.Store().Root(), mode, report.Result.Duration.Round(time.Millisecond))
	for _, task := range tasks {
		fmt.Fprintf(out, "  %-8s %v\n", task, report.Outputs[task])
	}
	if len(report.Inlined) > 0 {
		fmt.Fprintf(out, "  inlined  %v\n", report.Inlined)
	}
	if len(report.Hashed) > 0 {
		fmt.Fprintf(out, "  hashed   %d references\n", len(report.Hashed))
	}

	return nil
}
