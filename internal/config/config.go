// Package config provides configuration management for sitepipe using Viper
// for loading from files, environment variables and command-line flags.
//
// The configuration system supports YAML files (.sitepipe.yml), environment
// variable overrides with the SITEPIPE_ prefix, and validation. It describes the
// source tree layout, the artifact output directory, the dev server address and
// the production finishing options. The orchestrator never reads it directly:
// callers derive an immutable BuildConfig once and pass that value in.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Paths   PathsConfig   `yaml:"paths" mapstructure:"paths"`
	Build   BuildSettings `yaml:"build" mapstructure:"build"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Watch   WatchConfig   `yaml:"watch" mapstructure:"watch"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
}

// PathsConfig describes the source tree and the artifact output directory.
// Source subtrees are relative to Src, Src and Dist are relative to Root.
type PathsConfig struct {
	Root        string `yaml:"root" mapstructure:"root"`
	Src         string `yaml:"src" mapstructure:"src"`
	Dist        string `yaml:"dist" mapstructure:"dist"`
	Pages       string `yaml:"pages" mapstructure:"pages"`
	Partials    string `yaml:"partials" mapstructure:"partials"`
	Styles      string `yaml:"styles" mapstructure:"styles"`
	Scripts     string `yaml:"scripts" mapstructure:"scripts"`
	PageGlob    string `yaml:"page_glob" mapstructure:"page_glob"`
	StyleEntry  string `yaml:"style_entry" mapstructure:"style_entry"`
	ScriptEntry string `yaml:"script_entry" mapstructure:"script_entry"`
}

type BuildSettings struct {
	Production  bool     `yaml:"production" mapstructure:"production"`
	Cleanup     []string `yaml:"cleanup" mapstructure:"cleanup"`
	InlinePages []string `yaml:"inline_pages" mapstructure:"inline_pages"`
	HashQuery   string   `yaml:"hash_query" mapstructure:"hash_query"`
	HashLength  int      `yaml:"hash_length" mapstructure:"hash_length"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Defaults describe the conventional layout: src/{pages,partials,sass,js}
// compiled into dist/ and served on localhost:9000.
var defaults = map[string]interface{}{
	"paths.root":         ".",
	"paths.src":          "src",
	"paths.dist":         "dist",
	"paths.pages":        "pages",
	"paths.partials":     "partials",
	"paths.styles":       "sass",
	"paths.scripts":      "js",
	"paths.page_glob":    "*.html",
	"paths.style_entry":  "index.scss",
	"paths.script_entry": "app.js",
	"build.production":   false,
	"build.cleanup":      []string{"app.js", "app-min.js", "index.css"},
	"build.inline_pages": []string{},
	"build.hash_query":   "v",
	"build.hash_length":  8,
	"server.host":        "localhost",
	"server.port":        9000,
	"watch.debounce":     "100ms",
	"logging.level":      "info",
	"logging.format":     "text",
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applying defaults for unset keys.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// viper reports env-provided slices as a single string
	if v.IsSet("build.cleanup") && len(config.Build.Cleanup) == 0 {
		config.Build.Cleanup = v.GetStringSlice("build.cleanup")
	}
	if v.IsSet("build.inline_pages") && len(config.Build.InlinePages) == 0 {
		config.Build.InlinePages = v.GetStringSlice("build.inline_pages")
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced when nothing is set.
func Default() *Config {
	v := viper.New()
	cfg, err := LoadFrom(v)
	if err != nil {
		panic(fmt.Sprintf("config: defaults are invalid: %v", err))
	}

	return cfg
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validatePathsConfig(&config.Paths); err != nil {
		return fmt.Errorf("paths config: %w", err)
	}

	if err := validateBuildSettings(&config.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	if config.Watch.Debounce < 0 {
		return fmt.Errorf("watch config: debounce must not be negative")
	}

	return nil
}

func validateServerConfig(config *ServerConfig) error {
	// 0 lets the OS pick a port, which tests rely on
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	return nil
}

func validatePathsConfig(config *PathsConfig) error {
	if config.Root == "" {
		return fmt.Errorf("root must not be empty")
	}

	subtrees := map[string]string{
		"src":      config.Src,
		"dist":     config.Dist,
		"pages":    config.Pages,
		"partials": config.Partials,
		"styles":   config.Styles,
		"scripts":  config.Scripts,
	}
	for name, path := range subtrees {
		if err := validateRelativePath(path); err != nil {
			return fmt.Errorf("invalid %s path '%s': %w", name, path, err)
		}
	}

	if filepath.Clean(config.Src) == filepath.Clean(config.Dist) {
		return fmt.Errorf("src and dist must differ")
	}

	for name, file := range map[string]string{"style_entry": config.StyleEntry, "script_entry": config.ScriptEntry} {
		if file == "" || strings.ContainsRune(file, filepath.Separator) || strings.Contains(file, "/") {
			return fmt.Errorf("%s must be a bare file name, got '%s'", name, file)
		}
	}

	if _, err := filepath.Match(config.PageGlob, "index.html"); err != nil {
		return fmt.Errorf("invalid page_glob '%s': %w", config.PageGlob, err)
	}

	return nil
}

func validateBuildSettings(config *BuildSettings) error {
	if config.HashLength < 4 || config.HashLength > 8 {
		return fmt.Errorf("hash_length %d is not in valid range 4-8", config.HashLength)
	}
	if config.HashQuery == "" || strings.ContainsAny(config.HashQuery, "?&=#/ ") {
		return fmt.Errorf("hash_query '%s' is not a valid query parameter name", config.HashQuery)
	}
	for _, name := range config.Cleanup {
		if err := validateRelativePath(name); err != nil {
			return fmt.Errorf("invalid cleanup entry '%s': %w", name, err)
		}
	}
	for _, page := range config.InlinePages {
		if err := validateRelativePath(page); err != nil {
			return fmt.Errorf("invalid inline_pages entry '%s': %w", page, err)
		}
	}

	return nil
}

// validateRelativePath rejects empty, absolute and escaping paths.
func validateRelativePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		return fmt.Errorf("path must be relative: %s", path)
	}

	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
