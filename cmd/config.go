// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/kcore/ctl"
	"github.com/spf13/cobra"
)

func newConfigCommand(stdin io.Reader, stdout, stderr io.Writer) (*cobra.Command, loggerSetter) {
	conf := ctl.NewConfigCommand(stdin, stdout, stderr)
	confCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the configuration in effect.",
		Long: `config prints the configuration resulting from flags, environment
and config file, in the TOML format read by --config.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf.Flags = cmd.Flags()
			return conf.Run(context.Background())
		},
	}

	return confCmd, conf
}
