package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonhardwick-spec/specmem-sub019/internal/dimension"
	"github.com/jonhardwick-spec/specmem-sub019/internal/embed"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
)

type fixture struct {
	dir      string
	db       *store.DB
	memories *memory.Store
	ingestor *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(store.Options{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Bootstrap(context.Background()))

	dir := t.TempDir()
	embedder := embed.NewStaticEmbedder()
	memories := memory.NewStore(db, dimension.NewService(db, embedder), nil, nil, embedder)
	return &fixture{
		dir:      dir,
		db:       db,
		memories: memories,
		ingestor: New(db, memories, dir, 0),
	}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func (f *fixture) handle(t *testing.T, path string, kind watcher.Kind) {
	t.Helper()
	require.NoError(t, f.ingestor.HandleEvent(context.Background(), watcher.Event{
		Path: path, Kind: kind, Timestamp: time.Now().UTC(),
	}))
}

func (f *fixture) memoryFor(t *testing.T, rel string) *memory.Memory {
	t.Helper()
	matches, err := f.memories.FindByMetadata(context.Background(), f.dir, "file_path", rel)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	return matches[0]
}

func (f *fixture) fileRow(t *testing.T, rel string) (hash string, version int, found bool) {
	t.Helper()
	err := f.db.Handle().QueryRowContext(context.Background(), `
		SELECT content_hash, version FROM codebase_files
		WHERE project_path = ? AND file_path = ?`, f.dir, rel).Scan(&hash, &version)
	if err != nil {
		return "", 0, false
	}
	return hash, version, true
}

func TestAddCreatesMemoryAndTrackingRow(t *testing.T) {
	f := newFixture(t)
	f.write(t, "internal/api/users.go", "package api\n\nfunc ListUsers() {}\n")
	f.handle(t, "internal/api/users.go", watcher.KindAdd)

	m := f.memoryFor(t, "internal/api/users.go")
	assert.Equal(t, memory.TypeEpisodic, m.Type)
	assert.Equal(t, memory.ImportanceHigh, m.Importance, "api surface ranks high")
	assert.Contains(t, m.Tags, SourceTag)
	assert.Contains(t, m.Tags, "api")
	assert.Contains(t, m.Tags, "go")
	assert.Contains(t, m.Content, "ListUsers")
	assert.Equal(t, "1", m.Metadata["version"])

	_, version, found := f.fileRow(t, "internal/api/users.go")
	require.True(t, found)
	assert.Equal(t, 1, version)
}

func TestAutoMetadataClassification(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		path       string
		importance memory.Importance
		tag        string
	}{
		{"internal/store/store_test.go", memory.ImportanceMedium, "tests"},
		{"migrations/001_schema.sql", memory.ImportanceHigh, "schema"},
		{"docs/architecture.md", memory.ImportanceLow, "docs"},
		{"config/settings.yaml", memory.ImportanceLow, "config"},
		{"internal/util/strings.go", memory.ImportanceMedium, "code"},
		// Tests win over the api rule even when both match.
		{"internal/api/handler_test.go", memory.ImportanceMedium, "tests"},
	}
	for _, tc := range cases {
		f.write(t, tc.path, "content of "+tc.path)
		f.handle(t, tc.path, watcher.KindAdd)
		m := f.memoryFor(t, tc.path)
		assert.Equal(t, tc.importance, m.Importance, tc.path)
		assert.Contains(t, m.Tags, tc.tag, tc.path)
	}
}

func TestDuplicateContentSharesMemory(t *testing.T) {
	f := newFixture(t)
	content := "package users\n\nfunc List() {}\n"
	f.write(t, "a/users.go", content)
	f.write(t, "b/users.go", content)
	f.handle(t, "a/users.go", watcher.KindAdd)
	f.handle(t, "b/users.go", watcher.KindAdd)

	// One memory per content hash; the second path only gets a tracking row.
	hash, _, found := f.fileRow(t, "b/users.go")
	require.True(t, found)
	matches, err := f.memories.FindByMetadata(context.Background(), f.dir, "content_hash", hash)
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	_, _, found = f.fileRow(t, "a/users.go")
	assert.True(t, found)
}

func TestChangeBumpsVersion(t *testing.T) {
	f := newFixture(t)
	f.write(t, "main.go", "package main\n")
	f.handle(t, "main.go", watcher.KindAdd)

	f.write(t, "main.go", "package main\n\nfunc main() {}\n")
	f.handle(t, "main.go", watcher.KindChange)

	hash, version, found := f.fileRow(t, "main.go")
	require.True(t, found)
	assert.Equal(t, 2, version)
	assert.NotEmpty(t, hash)

	m := f.memoryFor(t, "main.go")
	assert.Equal(t, "2", m.Metadata["version"])
	assert.Contains(t, m.Content, "func main")
}

func TestUnchangedContentIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.write(t, "main.go", "package main\n")
	f.handle(t, "main.go", watcher.KindAdd)
	hashBefore, versionBefore, _ := f.fileRow(t, "main.go")

	f.handle(t, "main.go", watcher.KindChange)

	hashAfter, versionAfter, _ := f.fileRow(t, "main.go")
	assert.Equal(t, hashBefore, hashAfter)
	assert.Equal(t, versionBefore, versionAfter, "same hash does not bump the version")
}

func TestUnlinkSoftDeletesMemory(t *testing.T) {
	f := newFixture(t)
	f.write(t, "gone.go", "package gone\n")
	f.handle(t, "gone.go", watcher.KindAdd)
	m := f.memoryFor(t, "gone.go")

	require.NoError(t, os.Remove(filepath.Join(f.dir, "gone.go")))
	f.handle(t, "gone.go", watcher.KindUnlink)

	_, _, found := f.fileRow(t, "gone.go")
	assert.False(t, found, "tracking row is gone")

	// The memory survives as an expired row.
	got, err := f.memories.Get(context.Background(), m.ID, f.dir, true)
	require.NoError(t, err)
	assert.NotNil(t, got.ExpiresAt)
}

func TestUnlinkUnknownFileIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "never-indexed.go", watcher.KindUnlink)
}

func TestBinaryFilesSkipped(t *testing.T) {
	f := newFixture(t)
	abs := filepath.Join(f.dir, "blob.bin")
	require.NoError(t, os.WriteFile(abs, []byte{0x89, 0x50, 0x00, 0x47, 0x0d}, 0o644))
	f.handle(t, "blob.bin", watcher.KindAdd)

	_, _, found := f.fileRow(t, "blob.bin")
	assert.False(t, found)
}

func TestOversizeFilesSkipped(t *testing.T) {
	f := newFixture(t)
	f.ingestor = New(f.db, f.memories, f.dir, 10)
	f.write(t, "big.go", "package main // this comment pushes the file over the limit\n")
	f.handle(t, "big.go", watcher.KindAdd)

	_, _, found := f.fileRow(t, "big.go")
	assert.False(t, found)
}

func TestDirEventsIgnored(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "sub", watcher.KindAddDir)
	f.handle(t, "sub", watcher.KindUnlinkDir)
}

func TestVanishedFileIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.handle(t, "raced.go", watcher.KindAdd)
}
