// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"strconv"

	toml "github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// commandFlags are flags that control the command itself rather than
// configure kcore, so they never appear in a config file.
var commandFlags = map[string]bool{
	"config":  true,
	"help":    true,
	"dry-run": true,
}

// flagsToTOML renders every configuration flag as a TOML document keyed by
// flag name. With defaults set it renders default values, otherwise current
// ones.
func flagsToTOML(flags *pflag.FlagSet, defaults bool) (string, error) {
	m := make(map[string]interface{})
	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Hidden || commandFlags[f.Name] {
			return
		}
		s := f.Value.String()
		if defaults {
			s = f.DefValue
		}
		v, err := tomlValue(f.Value.Type(), s)
		if err != nil {
			flagErr = errors.Wrapf(err, "flag %s", f.Name)
			return
		}
		m[f.Name] = v
	})
	if flagErr != nil {
		return "", flagErr
	}

	tree, err := toml.TreeFromMap(m)
	if err != nil {
		return "", errors.Wrap(err, "building toml tree")
	}
	return tree.ToTomlString()
}

// tomlValue converts a flag's string form to the TOML type viper will read
// back into it.
func tomlValue(typ, s string) (interface{}, error) {
	switch typ {
	case "int", "int64":
		return strconv.ParseInt(s, 10, 64)
	case "uint64":
		return strconv.ParseUint(s, 10, 64)
	case "bool":
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}
