package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTunables(t *testing.T) {
	cfg := Default("/tmp/project")

	assert.Equal(t, 500, cfg.Watcher.DebounceMs)
	assert.Equal(t, 500, cfg.Queue.ProcessingIntervalMs)
	assert.Equal(t, 100, cfg.Queue.BatchSize)
	assert.Equal(t, 3_600_000, cfg.Sync.CheckIntervalMs)
	assert.Equal(t, 600_000, cfg.Sync.ResyncTimeoutMs)
	assert.Equal(t, 2000, cfg.Sync.ScanBatchSize)
	assert.Equal(t, 50_000, cfg.Sync.ScanMaxFiles)
	assert.Equal(t, 2048, cfg.Sync.ScanMaxHeapMB)
	assert.Equal(t, 5000, cfg.Sync.MemoryPageSize)
	assert.Equal(t, 25, cfg.Sync.Parallelism)
	assert.Equal(t, 0.6, cfg.Search.VectorWeight)
	assert.Equal(t, "fts5", cfg.Store.LexicalBackend)
}

func TestLoadAppliesYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
search:
  vector_weight: 0.7
queue:
  batch_size: 42
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(yaml), 0o644))

	t.Setenv("SPECMEM_QUEUE_BATCH_SIZE", "77")
	t.Setenv("SPECMEM_SCAN_IGNORE_PATTERNS", "node_modules/**, dist/**")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0.7, cfg.Search.VectorWeight)
	// Env wins over yaml.
	assert.Equal(t, 77, cfg.Queue.BatchSize)
	assert.Equal(t, []string{"node_modules/**", "dist/**"}, cfg.Sync.ScanIgnore)
}

func TestLoadUsesProjectPathEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SPECMEM_PROJECT_PATH", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	resolved, err := filepath.EvalSymlinks(cfg.ProjectPath)
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default("/tmp/p")
	cfg.Store.LexicalBackend = "elasticsearch"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsBadWeight(t *testing.T) {
	cfg := Default("/tmp/p")
	cfg.Search.VectorWeight = 1.5
	require.Error(t, cfg.Validate())
}

func TestDataDirAndStatusFile(t *testing.T) {
	cfg := Default("/tmp/p")
	assert.Equal(t, filepath.Join("/tmp/p", DataDirName), cfg.DataDir())
	assert.Equal(t, filepath.Join("/tmp/p", DataDirName, "sync-status.json"), cfg.StatusFilePath())
}
