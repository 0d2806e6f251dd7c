// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/featurebasedb/kcore"
	"github.com/featurebasedb/kcore/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// loggerSetter is implemented by every ctl command through its embedded
// CmdIO.
type loggerSetter interface {
	SetLogger(logger.Logger)
}

func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	conf := kcore.NewConfig()
	var (
		users []loggerSetter
		logw  *logger.FileWriter
		stop  context.CancelFunc
	)

	rc := &cobra.Command{
		Use:   "kcore",
		Short: "kcore exercises a kernel's block buffer cache and page allocator.",
		Long: `kcore exercises a kernel's block buffer cache and copy-on-write
physical page allocator outside the kernel.

Every option can be given as a flag, as an environment variable
(KCORE_ followed by the flag name in upper case with dashes as
underscores), or in a TOML config file passed with --config.

` + kcore.VersionInfo() + "\n",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			err := setAllConfig(v, cmd.Flags(), kcore.EnvPrefix)
			if err != nil {
				return err
			}

			// return "dry run" error if "dry-run" flag is set
			ret, err := cmd.Flags().GetBool("dry-run")
			if err != nil {
				return fmt.Errorf("problem getting dry-run flag: %v", err)
			}
			if ret {
				if cmd.Parent() != nil {
					return fmt.Errorf("dry run")
				}
			}

			if err := conf.Validate(); err != nil {
				return err
			}
			l, fw, err := conf.NewLogger(stderr)
			if err != nil {
				return err
			}
			if fw != nil {
				var ctx context.Context
				ctx, stop = context.WithCancel(context.Background())
				fw.ReopenOnHangup(ctx, func(err error) {
					fmt.Fprintf(stderr, "reopening log: %v\n", err)
				})
				logw = fw
			}
			for _, u := range users {
				u.SetLogger(l)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if stop != nil {
				stop()
			}
			if logw != nil {
				return logw.Close()
			}
			return nil
		},
	}
	flags := rc.PersistentFlags()
	flags.Bool("dry-run", false, "stop before executing")
	_ = flags.MarkHidden("dry-run")
	flags.StringP("config", "c", "", "Configuration file to read from.")
	conf.DefineFlags(flags)

	add := func(c *cobra.Command, u loggerSetter) {
		rc.AddCommand(c)
		if u != nil {
			users = append(users, u)
		}
	}
	add(newGenerateConfigCommand(stdin, stdout, stderr))
	add(newConfigCommand(stdin, stdout, stderr))
	add(newStressCommand(stdin, stdout, stderr, conf))
	add(newCOWDemoCommand(stdin, stdout, stderr, conf))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// setAllConfig takes a FlagSet to be the definition of all configuration
// options, as well as their defaults. It then reads from the command line, the
// environment, and a config file (if specified), and applies the configuration
// in that priority order. Since each flag in the set contains a pointer to
// where its value should be stored, setAllConfig can directly modify the value
// of each config variable.
//
// setAllConfig looks for environment variables which are capitalized versions
// of the flag names with dashes replaced by underscores, and prefixed with
// envPrefix plus an underscore.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet, envPrefix string) error {
	// add cmd line flag def to viper
	err := v.BindPFlags(flags)
	if err != nil {
		return err
	}

	// add env to viper
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	c := v.GetString("config")
	var flagErr error
	validTags := make(map[string]bool)
	flags.VisitAll(func(f *pflag.Flag) {
		validTags[f.Name] = true
	})

	// add config file to viper
	if c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		err := v.ReadInConfig()
		if err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}

		for _, key := range v.AllKeys() {
			if _, ok := validTags[key]; !ok {
				return fmt.Errorf("invalid option in configuration file: %v", key)
			}
		}
	}

	// set all values from viper
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil {
			return
		}
		if f.Changed {
			// The flag was given on the command line, which wins.
			return
		}
		flagErr = f.Value.Set(v.GetString(f.Name))
	})
	return flagErr
}
