package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// addServerFlags adds the dev server address flags shared by watch, serve
// and health.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().IntP("port", "p", 9000, "Dev server port")
	cmd.Flags().String("host", "localhost", "Dev server host")
	AddFlagValidation(cmd, "port", ValidatePort)
}

// bindServerFlags points server.host and server.port at the flags of cmd.
// Commands call it from RunE since every command owns its own flags.
func bindServerFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlag("server.host", cmd.Flags().Lookup("host")); err != nil {
		return err
	}
	return viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
}

// addFormatFlag adds a --format/-f flag restricted to formats.
func addFormatFlag(cmd *cobra.Command, target *string, formats ...string) {
	cmd.Flags().StringVarP(target, "format", "f", formats[0], fmt.Sprintf("Output format (%s)", strings.Join(formats, ", ")))
	AddFlagValidation(cmd, "format", ValidateOneOf(formats...))
}

// AddFlagValidation adds validation for a specific flag
func AddFlagValidation(cmd *cobra.Command, flagName string, validator func(string) error) {
	flag := cmd.Flags().Lookup(flagName)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(flagName)
	}
	if flag == nil {
		return
	}

	flag.Value = &validatingValue{
		Value:     flag.Value,
		validator: validator,
	}
}

type validatingValue struct {
	pflag.Value
	validator func(string) error
}

func (v *validatingValue) Set(val string) error {
	if v.validator != nil {
		if err := v.validator(val); err != nil {
			return err
		}
	}
	return v.Value.Set(val)
}

// ValidatePort accepts 0, which lets the OS pick a port, through 65535.
func ValidatePort(portStr string) error {
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port number: %s", portStr)
	}

	if port < 0 || port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", port)
	}

	return nil
}

// ValidateOneOf returns a validator accepting only the given values.
func ValidateOneOf(values ...string) func(string) error {
	return func(val string) error {
		for _, v := range values {
			if val == v {
				return nil
			}
		}
		return fmt.Errorf("invalid value %q, must be one of: %s", val, strings.Join(values, ", "))
	}
}
