//go:build property
// +build property

package config

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/spf13/viper"
)

// TestConfigurationProperties tests configuration loading and validation properties
func TestConfigurationProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("valid ports always load", prop.ForAll(
		func(port int) bool {
			v := viper.New()
			v.Set("server.port", port)
			cfg, err := LoadFrom(v)
			return err == nil && cfg.Server.Port == port
		},
		gen.IntRange(0, 65535),
	))

	properties.Property("out of range ports are rejected", prop.ForAll(
		func(port int) bool {
			v := viper.New()
			v.Set("server.port", port)
			_, err := LoadFrom(v)
			return err != nil
		},
		gen.OneGenOf(gen.IntRange(-10000, -1), gen.IntRange(65536, 200000)),
	))

	properties.Property("traversing dist paths are rejected", prop.ForAll(
		func(name string) bool {
			v := viper.New()
			v.Set("paths.dist", "../"+name)
			_, err := LoadFrom(v)
			return err != nil
		},
		gen.AlphaString(),
	))

	properties.Property("ModeFromFlag only accepts true values", prop.ForAll(
		func(s string) bool {
			mode := ModeFromFlag(s)
			if mode == ModeProduction {
				switch strings.TrimSpace(s) {
				case "1", "t", "T", "TRUE", "true", "True":
					return true
				}
				return false
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
