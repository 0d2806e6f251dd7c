// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/featurebasedb/kcore/bufferpool"
	"github.com/featurebasedb/kcore/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStress(t *testing.T) (*StressCommand, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	cm := NewStressCommand(os.Stdin, buf, os.Stderr)
	cm.SetLogger(logger.NewLogfLogger(t))
	cm.Config.Buffers = 10
	cm.Config.BlockSize = 64
	cm.Workers = 4
	cm.Ops = 200
	cm.Blocks = 25
	return cm, buf
}

func TestStressCommand_Memory(t *testing.T) {
	cm, buf := newStress(t)
	cm.Dump = true
	require.NoError(t, cm.Run(context.Background()))

	assert.Equal(t, uint64(cm.Workers*cm.Ops), counterValue(cm.Stats.Writes))
	assert.Greater(t, counterValue(cm.Stats.Evictions), uint64(0))
	assert.Contains(t, buf.String(), bufferpool.MetricEvictions)
	assert.Contains(t, buf.String(), "refcnt")
	assert.Contains(t, buf.String(), "ops/sec")
}

func TestStressCommand_ImageFile(t *testing.T) {
	cm, _ := newStress(t)
	dir := t.TempDir()
	cm.ImageDir = dir
	require.NoError(t, cm.Run(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch image is removed")

	cm.Keep = true
	require.NoError(t, cm.Run(context.Background()))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStressCommand_Validation(t *testing.T) {
	cm, _ := newStress(t)
	cm.Workers = cm.Config.Buffers + 1
	assert.Error(t, cm.Run(context.Background()))

	cm, _ = newStress(t)
	cm.Config.BlockSize = 4
	assert.Error(t, cm.Run(context.Background()))

	cm, _ = newStress(t)
	cm.Rate = -1
	assert.Error(t, cm.Run(context.Background()))
}

func TestStressCommand_Rate(t *testing.T) {
	cm, _ := newStress(t)
	cm.Workers = 2
	cm.Ops = 10
	cm.Rate = 1000
	start := time.Now()
	require.NoError(t, cm.Run(context.Background()))
	// Burst is one, so 20 ops need at least 19 intervals of 1ms.
	assert.GreaterOrEqual(t, time.Since(start), 19*time.Millisecond)
	assert.Equal(t, uint64(20), counterValue(cm.Stats.Writes))
}

func TestStressCommand_Canceled(t *testing.T) {
	cm, _ := newStress(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cm.Run(ctx), context.Canceled)
}
