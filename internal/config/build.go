package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// BuildMode selects which finishing stages a build runs.
type BuildMode int

const (
	ModeDevelopment BuildMode = iota
	ModeProduction
)

// String returns the string representation of the BuildMode
func (m BuildMode) String() string {
	switch m {
	case ModeDevelopment:
		return "development"
	case ModeProduction:
		return "production"
	default:
		return "unknown"
	}
}

// ParseBuildMode accepts "development"/"dev" and "production"/"prod".
func ParseBuildMode(s string) (BuildMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "development", "dev":
		return ModeDevelopment, nil
	case "production", "prod":
		return ModeProduction, nil
	default:
		return ModeDevelopment, fmt.Errorf("unknown build mode %q", s)
	}
}

// ModeFromFlag maps the boolean-like production flag onto a BuildMode.
// Anything but a true value means development.
func ModeFromFlag(value string) BuildMode {
	if ok, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil && ok {
		return ModeProduction
	}

	return ModeDevelopment
}

// Layout holds absolute paths of every tree the pipeline touches.
type Layout struct {
	Root     string
	Src      string
	Dist     string
	Pages    string
	Partials string
	Styles   string
	Scripts  string
}

// BuildConfig is the immutable value handed to the orchestrator at
// construction. It is fixed for the whole invocation.
type BuildConfig struct {
	Mode        BuildMode
	Layout      Layout
	PageGlob    string
	StyleEntry  string
	ScriptEntry string
	Cleanup     []string
	InlinePages []string
	HashQuery   string
	HashLength  int
	ServerAddr  string
	Debounce    time.Duration
}

// Production reports whether the production-only stages run.
func (b BuildConfig) Production() bool {
	return b.Mode == ModeProduction
}

// BuildConfig resolves the loaded configuration into an absolute,
// immutable BuildConfig for the given mode.
func (c *Config) BuildConfig(mode BuildMode) (BuildConfig, error) {
	root, err := filepath.Abs(c.Paths.Root)
	if err != nil {
		return BuildConfig{}, fmt.Errorf("resolving root %s: %w", c.Paths.Root, err)
	}

	src := filepath.Join(root, c.Paths.Src)
	layout := Layout{
		Root:     root,
		Src:      src,
		Dist:     filepath.Join(root, c.Paths.Dist),
		Pages:    filepath.Join(src, c.Paths.Pages),
		Partials: filepath.Join(src, c.Paths.Partials),
		Styles:   filepath.Join(src, c.Paths.Styles),
		Scripts:  filepath.Join(src, c.Paths.Scripts),
	}

	cleanup := make([]string, len(c.Build.Cleanup))
	copy(cleanup, c.Build.Cleanup)
	var pages []string
	for _, page := range c.Build.InlinePages {
		pages = append(pages, filepath.ToSlash(filepath.Clean(page)))
	}

	return BuildConfig{
		Mode:        mode,
		Layout:      layout,
		PageGlob:    c.Paths.PageGlob,
		StyleEntry:  c.Paths.StyleEntry,
		ScriptEntry: c.Paths.ScriptEntry,
		Cleanup:     cleanup,
		InlinePages: pages,
		HashQuery:   c.Build.HashQuery,
		HashLength:  c.Build.HashLength,
		ServerAddr:  net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port)),
		Debounce:    c.Watch.Debounce,
	}, nil
}

// Mode returns the build mode selected by the configuration.
func (c *Config) Mode() BuildMode {
	if c.Build.Production {
		return ModeProduction
	}

	return ModeDevelopment
}
