package cmd

import (
	"github.com/conneroisu/sitepipe/internal/metrics"
	"github.com/conneroisu/sitepipe/internal/pipeline"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch [production=true]",
	Aliases: []string{"w"},
	Short:   "Build, then rebuild on change and live reload the browser",
	Long: `Run one full build, start the development server and watch the source
tree. Each change reruns only the transform bound to the changed directory
(pages and partials: html, stylesheets: styles, scripts: scripts) and
reloads connected browsers. Stop with Ctrl+C.

Examples:
  sitepipe watch                    # Serve on localhost:9000
  sitepipe watch --port 8080        # Custom port
  sitepipe watch --host 0.0.0.0     # Listen on every interface`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Bool("production", false, "Production initial build")
	addServerFlags(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := bindServerFlags(cmd); err != nil {
		return err
	}
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

	p, err := pipeline.New(bc,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics.NewPrometheusRecorder(nil)),
	)
	if err != nil {
		return err
	}

	if err := p.Watch(ctx); err != nil {
		return err
	}
	if failing := p.Failing(); len(failing) > 0 {
		logger.Warn(ctx, nil, "Watch stopped with failing tasks", "tasks", failing)
	}

	return nil
}
