// Package cmd carries shared helpers for the stellance CLI: config
// inflation from files, flags, and environment, plus terminal output.
package cmd

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Flag describes one config value bound to a flag and env variable.
type Flag struct {
	Key      string
	DefValue interface{}
}

func GetStringFlag(f *pflag.Flag) string {
	if f == nil {
		return ""
	}
	if f.Changed {
		return f.Value.String()
	}
	return f.DefValue
}

func GetBoolFlag(f *pflag.Flag) bool {
	if f == nil {
		return false
	}
	var str string
	if f.Changed {
		str = f.Value.String()
	} else {
		str = f.DefValue
	}
	val, err := strconv.ParseBool(str)
	if err != nil {
		return false
	}
	return val
}

// GetFlagOrEnvValue returns the flag's value, falling back to the
// {envPrefix}_{FLAG} environment variable when the flag is unset.
func GetFlagOrEnvValue(c *cobra.Command, name, envPrefix string) string {
	if v := GetStringFlag(c.Flag(name)); v != "" {
		return v
	}
	return getEnv(envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
}
