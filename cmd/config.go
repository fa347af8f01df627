package cmd

import (
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config describes how a command's config file is located and loaded.
type Config struct {
	Viper  *viper.Viper
	File   string
	Dir    string
	Name   string
	EnvPre string
	Global bool
}

const maxSearchHeight = 50

// InitConfig returns a cobra initializer that searches upward from the
// working directory for a config file and loads it into the viper.
func InitConfig(conf Config) func() {
	return func() {
		found := false
		pre := "."
		h := 1
		for h <= maxSearchHeight && !found {
			found = initConfig(conf.Viper, conf.File, pre, conf.Dir, conf.Name, conf.EnvPre, conf.Global)
			pre = filepath.Join("../", pre)
			h++
		}
	}
}

func initConfig(v *viper.Viper, file, pre, cdir, name, envPre string, global bool) bool {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(filepath.Join(pre, cdir)) // local config takes priority
		if global {
			home, err := homedir.Dir()
			if err != nil {
				panic(err)
			}
			v.AddConfigPath(filepath.Join(home, cdir))
		}
		v.SetConfigName(name)
	}

	v.SetEnvPrefix(envPre)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil && strings.Contains(err.Error(), "Not Found") {
		return false
	}
	return true
}

// WriteConfig writes the viper's current values to a config file under
// the given directory name.
func WriteConfig(c *cobra.Command, v *viper.Viper, name string) {
	var dir string
	if !c.Flag("dir").Changed {
		home, err := homedir.Dir()
		if err != nil {
			Fatal(err)
		}
		dir = filepath.Join(home, name)
		if err = os.MkdirAll(dir, os.ModePerm); err != nil {
			Fatal(err)
		}
	} else {
		dir = c.Flag("dir").Value.String()
	}

	filename := filepath.Join(dir, "config.yml")
	if _, err := os.Stat(filename); err == nil {
		Fatal(os.ErrExist)
	}
	if err := v.WriteConfigAs(filename); err != nil {
		Fatal(err)
	}
}

// BindFlags binds persistent flags into the viper with defaults.
func BindFlags(v *viper.Viper, root *cobra.Command, flags map[string]Flag) error {
	for n, f := range flags {
		if err := v.BindPFlag(f.Key, root.PersistentFlags().Lookup(n)); err != nil {
			return err
		}
		v.SetDefault(f.Key, f.DefValue)
	}
	return nil
}

// ExpandConfigVars expands ${ENV} references in string config values.
func ExpandConfigVars(v *viper.Viper, flags map[string]Flag) {
	for _, f := range flags {
		if f.Key != "" {
			if str, ok := v.Get(f.Key).(string); ok {
				v.Set(f.Key, os.ExpandEnv(str))
			}
		}
	}
}

func getEnv(key string) string {
	return os.Getenv(key)
}
