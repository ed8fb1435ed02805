package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run executes the CLI with the given args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "specmem")
}

func TestStatusBeforeFirstCheck(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, "status", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "unknown")
}

func TestIndexThenStatusHealthy(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644))

	out, err := run(t, "index", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "added:   1")

	out, err = run(t, "status", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "100.0/100")
}

func TestSyncReportsAndRepairsDrift(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.go"), []byte("package app\n"), 0o644))

	out, err := run(t, "sync", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "missing from store: 1")
	assert.Contains(t, out, "--repair")

	out, err = run(t, "sync", "--project", dir, "--repair")
	require.NoError(t, err)
	assert.Contains(t, out, "1 added")
}

func TestIndexIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lib.go"), []byte("package lib\n"), 0o644))

	_, err := run(t, "index", "--project", dir)
	require.NoError(t, err)

	out, err := run(t, "index", "--project", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "added:   0")
}
