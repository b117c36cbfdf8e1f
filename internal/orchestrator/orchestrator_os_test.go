//go:build !windows

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderline/internal/events"
	"orderline/internal/logging"
	"orderline/internal/proc"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestScriptsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.WorkDir = dir
	cfg.PM = writeScript(t, dir, "pm.sh", `case "$1" in
create) echo "creating order for $2"; echo '{"order_id":"ORDER_012"}' ;;
plan) echo "planning $3 with $5 in $7s" ;;
esac
`)
	o := New(cfg, proc.NewOSSpawner(), events.NewBus(logging.Discard()), nil, logging.Discard())

	res, err := o.Run(context.Background(), Request{Kind: KindPM, ProjectID: "demo", Title: "x"})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error+res.Stderr)
	assert.Equal(t, "ORDER_012", res.CreatedID)
	assert.Contains(t, res.Stdout, "planning ORDER_012 with sonnet in 3600s")
}

func TestScriptTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Worker = writeScript(t, dir, "worker.sh", "echo begin\nsleep 30\n")
	o := New(cfg, proc.NewOSSpawner(), events.NewBus(logging.Discard()), nil, logging.Discard())

	start := time.Now()
	res, err := o.Run(context.Background(), Request{Kind: KindWorker, ProjectID: "P", TargetID: "O", Timeout: 300 * time.Millisecond})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, "timed out after 300ms", res.Error)
	assert.Equal(t, "begin\n", res.Stdout)
	assert.False(t, o.IsRunning("P", "O"))
}
