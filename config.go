// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package kcore holds the configuration and command plumbing shared by the
// kcore tools. The kernel pieces themselves live in bufferpool, kalloc and
// vm.
package kcore

import (
	"io"

	"github.com/featurebasedb/kcore/bufferpool"
	"github.com/featurebasedb/kcore/errors"
	"github.com/featurebasedb/kcore/kalloc"
	"github.com/featurebasedb/kcore/logger"
	"github.com/spf13/pflag"
)

const ErrConfig errors.Code = "Config"

// EnvPrefix prefixes every environment variable that sets a flag.
const EnvPrefix = "KCORE"

// Config is the complete kcore configuration. Every field is a flag, and
// the flag name doubles as the key in a TOML config file.
type Config struct {
	// LogPath is a file to log to instead of stderr. The file is reopened
	// on SIGHUP.
	LogPath string `toml:"log-path"`

	// LogLevel is one of panic, error, warn, info or debug.
	LogLevel string `toml:"log-level"`

	Cache *bufferpool.Config `toml:"-"`
	Alloc *kalloc.Config     `toml:"-"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	return &Config{
		LogLevel: "info",
		Cache:    bufferpool.NewDefaultConfig(),
		Alloc:    kalloc.NewDefaultConfig(),
	}
}

// DefineFlags defines a flag for every configuration option.
func (c *Config) DefineFlags(flags *pflag.FlagSet) {
	flags.StringVar(&c.LogPath, "log-path", "", "log file (default stderr)")
	flags.StringVar(&c.LogLevel, "log-level", "info", "log level: panic, error, warn, info or debug")
	c.Cache.DefineFlags(flags)
	c.Alloc.DefineFlags(flags)
}

// Validate checks every section of the configuration.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return errors.New(ErrConfig, err.Error())
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	return c.Alloc.Validate()
}

// NewLogger returns a logger writing to LogPath, or to stderr when no path
// is set. The returned FileWriter is nil when logging to stderr; otherwise
// the caller owns it and must close it.
func (c *Config) NewLogger(stderr io.Writer) (logger.Logger, *logger.FileWriter, error) {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, errors.New(ErrConfig, err.Error())
	}
	if c.LogPath == "" {
		return newLevelLogger(stderr, level), nil, nil
	}
	fw, err := logger.NewFileWriter(c.LogPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "opening log file")
	}
	return newLevelLogger(fw, level), fw, nil
}

func newLevelLogger(w io.Writer, level int) logger.Logger {
	switch level {
	case logger.LevelDebug:
		return logger.NewVerboseLogger(w)
	case logger.LevelInfo:
		return logger.NewStandardLogger(w)
	}
	return logger.NewLevelLogger(w, level)
}
