// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"io"

	"github.com/featurebasedb/kcore"
	"github.com/featurebasedb/kcore/ctl"
	"github.com/spf13/cobra"
)

func newStressCommand(stdin io.Reader, stdout, stderr io.Writer, conf *kcore.Config) (*cobra.Command, loggerSetter) {
	stress := ctl.NewStressCommand(stdin, stdout, stderr)
	stress.Config = conf.Cache
	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Hammer the buffer cache from concurrent workers.",
		Long: `
Runs concurrent workers which each repeatedly read a random block,
increment a counter stored in it and write it back, then checks that
no increment was lost. Configure the cache with the bcache-* options.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stress.Run(cmd.Context())
		},
	}
	flags := stressCmd.Flags()
	flags.IntVarP(&stress.Workers, "workers", "w", stress.Workers, "Number of concurrent workers.")
	flags.IntVarP(&stress.Ops, "ops", "n", stress.Ops, "Operations per worker.")
	flags.IntVarP(&stress.Blocks, "blocks", "b", stress.Blocks, "Number of distinct blocks to touch.")
	flags.StringVar(&stress.ImageDir, "image-dir", "", "Directory for a scratch disk image (default in memory).")
	flags.BoolVar(&stress.Direct, "direct", false, "Open the scratch image with O_DIRECT.")
	flags.BoolVar(&stress.Keep, "keep", false, "Keep the scratch image afterwards.")
	flags.DurationVar(&stress.Latency, "latency", 0, "Delay added to each in-memory block transfer.")
	flags.Int64Var(&stress.Seed, "seed", 0, "Random seed.")
	flags.Float64Var(&stress.Rate, "rate", 0, "Maximum operations per second across all workers; 0 is unlimited.")
	flags.BoolVar(&stress.Dump, "dump", false, "Print the cache contents when done.")
	return stressCmd, stress
}
