package cmd

import (
	"github.com/conneroisu/sitepipe/internal/metrics"
	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Serve the output directory with live reload, without building",
	Long: `Serve the existing output directory with the reload script injected into
every page. Nothing is built and nothing is watched.

Examples:
  sitepipe serve                    # Serve dist/ on localhost:9000
  sitepipe serve --port 3000        # Custom port`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := bindServerFlags(cmd); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bc, err := cfg.BuildConfig(cfg.Mode())
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	p, err := pipeline.New(bc,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics.NewPrometheusRecorder(nil)),
	)
	if err != nil {
		return err
	}

	return p.Serve(ctx)
}
