// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"io"

	"github.com/featurebasedb/kcore"
	"github.com/featurebasedb/kcore/ctl"
	"github.com/spf13/cobra"
)

func newCOWDemoCommand(stdin io.Reader, stdout, stderr io.Writer, conf *kcore.Config) (*cobra.Command, loggerSetter) {
	demo := ctl.NewCOWDemoCommand(stdin, stdout, stderr)
	demo.Config = conf.Alloc
	demoCmd := &cobra.Command{
		Use:   "cow-demo",
		Short: "Fork an address space copy-on-write and verify isolation.",
		Long: `
Maps pages into a parent address space, forks children sharing them
copy-on-write, has every child write every page from its own CPU and
verifies that no address space sees another's writes and that every
frame is freed afterwards. Configure the allocator with the kalloc-*
options.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return demo.Run(cmd.Context())
		},
	}
	flags := demoCmd.Flags()
	flags.IntVar(&demo.Children, "children", demo.Children, "Number of children to fork.")
	flags.IntVar(&demo.Pages, "pages", demo.Pages, "Pages mapped into the parent.")
	return demoCmd, demo
}
