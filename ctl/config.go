// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"fmt"
	"io"

	"github.com/featurebasedb/kcore"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// ConfigCommand represents a command for printing the configuration in
// effect after flags, environment and config file are applied.
type ConfigCommand struct {
	*kcore.CmdIO

	// Flags holds the resolved configuration flags.
	Flags *pflag.FlagSet
}

// NewConfigCommand returns a new instance of ConfigCommand.
func NewConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *ConfigCommand {
	return &ConfigCommand{
		CmdIO: kcore.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints out the current config.
func (cmd *ConfigCommand) Run(_ context.Context) error {
	if cmd.Flags == nil {
		return errors.New("no flags to print")
	}
	ret, err := flagsToTOML(cmd.Flags, false)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.Stdout, ret)
	return nil
}
