// Package cmd provides the command-line interface for sitepipe.
//
// Configuration System:
//
//	Settings are resolved from several sources with clear precedence:
//	1. Command-line flags (--production, --port, --log-level, ...) - highest priority
//	2. Positional assignments (production=true)
//	3. Individual environment variables (SITEPIPE_SERVER_PORT, ...), also read from .env
//	4. Configuration file (.sitepipe.yml, or --config / SITEPIPE_CONFIG_FILE) - lowest priority
//
// Environment Variables:
//
//	SITEPIPE_CONFIG_FILE: Path to a custom configuration file
//	SITEPIPE_BUILD_PRODUCTION: Build in production mode
//	SITEPIPE_SERVER_PORT / SITEPIPE_SERVER_HOST: Dev server address
//	And every other key following the SITEPIPE_<SECTION>_<OPTION> pattern
package cmd

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/conneroisu/sitepipe/internal/config"
	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sitepipe",
	Short: "Asset build pipeline for static sites",
	Long: `sitepipe builds a static site from a source tree: HTML pages with
includes and typography fixes, stylesheets with imports and variables, and
bundled scripts. Production builds inline local assets into the pages and
every build fingerprints the remaining asset references.

Quick Start:
  sitepipe build                  One-shot development build into dist/
  sitepipe build --production     Production build (inline, cleanup, hash)
  sitepipe watch                  Build, then rebuild on change with live reload
  sitepipe serve                  Serve dist/ with live reload, no build
  sitepipe config show            Print the effective configuration

Command Aliases:
  build (b), watch (w), serve (s)`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .sitepipe.yml, can also use SITEPIPE_CONFIG_FILE env var)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	AddFlagValidation(rootCmd, "log-level", ValidateOneOf("debug", "info", "warn", "error"))
	AddFlagValidation(rootCmd, "log-format", ValidateOneOf("text", "json"))
}

// initConfig initializes the configuration system.
//
// Configuration file lookup (highest to lowest):
//  1. --config flag
//  2. SITEPIPE_CONFIG_FILE environment variable
//  3. .sitepipe.yml in the current directory
//
// A .env file in the current directory is loaded first so its variables take
// part in both the lookup and the SITEPIPE_ overrides.
func initConfig() {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Ignoring unreadable .env:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("SITEPIPE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sitepipe")
	}

	// SITEPIPE_SERVER_PORT, SITEPIPE_PATHS_DIST, ...
	viper.SetEnvPrefix("SITEPIPE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing file falls back to defaults
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig reads the effective configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, err.Error())
	}

	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		Output:    os.Stderr,
		Component: "sitepipe",
	}), nil
}

// resolveMode picks the build mode. An explicit --production flag wins over
// positional production=<bool> assignments, which win over configuration.
func resolveMode(cmd *cobra.Command, cfg *config.Config, args []string) (config.BuildMode, error) {
	mode := cfg.Mode()

	assignments, err := parseAssignments(args)
	if err != nil {
		return mode, err
	}
	if value, ok := assignments["production"]; ok {
		mode = config.ModeFromFlag(value)
	}

	if f := cmd.Flags().Lookup("production"); f != nil && f.Changed {
		mode = config.ModeFromFlag(f.Value.String())
	}

	return mode, nil
}

// parseAssignments parses key=value positional arguments. Only production
// is recognised.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if !ok || key != "production" {
			return nil, errors.NewConfigError(errors.ErrCodeConfigInvalid, fmt.Sprintf("unexpected argument %q (only production=<bool> is accepted)", arg))
		}
		out[key] = value
	}
	return out, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
