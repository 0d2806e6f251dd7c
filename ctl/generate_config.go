// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/featurebasedb/kcore"
	"github.com/spf13/pflag"
)

// GenerateConfigCommand represents a command for printing a default config.
type GenerateConfigCommand struct {
	*kcore.CmdIO
}

// NewGenerateConfigCommand returns a new instance of GenerateConfigCommand.
func NewGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *GenerateConfigCommand {
	return &GenerateConfigCommand{
		CmdIO: kcore.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints out the default config.
func (cmd *GenerateConfigCommand) Run(_ context.Context) error {
	flags := pflag.NewFlagSet("generate-config", pflag.ContinueOnError)
	kcore.NewConfig().DefineFlags(flags)
	ret, err := flagsToTOML(flags, true)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Stdout, ret)
	return nil
}
