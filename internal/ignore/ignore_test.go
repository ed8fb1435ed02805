package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsExcludeNoise(t *testing.T) {
	m := NewMatcher()

	assert.True(t, m.Match(".git/config", false))
	assert.True(t, m.Match("node_modules/lodash/index.js", false))
	assert.True(t, m.Match(".specmem/specmem.db", false))
	assert.True(t, m.Match("app/bundle.min.js", false))

	assert.False(t, m.Match("internal/server/handler.go", false))
	assert.False(t, m.Match("README.md", false))
}

func TestCaseInsensitive(t *testing.T) {
	m := NewMatcher("*.PDF")

	assert.True(t, m.Match("docs/manual.pdf", false))
	assert.True(t, m.Match("docs/MANUAL.PDF", false))
	assert.True(t, m.Match("NODE_MODULES/pkg/index.js", false))
}

func TestDirOnlyPatterns(t *testing.T) {
	m := NewMatcher("tmp/")

	assert.True(t, m.Match("tmp", true))
	assert.True(t, m.Match("tmp/scratch.txt", false))
	assert.False(t, m.Match("tmp", false), "a plain file named tmp survives")
}

func TestAnchoredPatterns(t *testing.T) {
	m := &Matcher{}
	m.Add("/secrets.env")
	m.Add("docs/internal/")

	assert.True(t, m.Match("secrets.env", false))
	assert.False(t, m.Match("config/secrets.env", false))
	assert.True(t, m.Match("docs/internal/roadmap.md", false))
	assert.False(t, m.Match("other/docs/internal/roadmap.md", false))
}

func TestNegationReincludes(t *testing.T) {
	m := &Matcher{}
	m.Add("*.log")
	m.Add("!important.log")

	assert.True(t, m.Match("debug.log", false))
	assert.False(t, m.Match("important.log", false))
}

func TestDoubleStar(t *testing.T) {
	m := &Matcher{}
	m.Add("**/generated/*.go")

	assert.True(t, m.Match("generated/models.go", false))
	assert.True(t, m.Match("internal/api/generated/models.go", false))
	assert.False(t, m.Match("internal/api/models.go", false))
}

func TestCommentsAndBlanksSkipped(t *testing.T) {
	m := &Matcher{}
	m.Add("# a comment")
	m.Add("   ")
	assert.False(t, m.Match("a comment", false))
}

func TestForProjectReadsIgnoreFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("coverage/\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".specmemignore"), []byte("*.generated.ts\n"), 0o644))

	m, err := ForProject(dir, []string{"*.bak"})
	require.NoError(t, err)

	assert.True(t, m.Match("coverage/lcov.info", false))
	assert.True(t, m.Match("src/api.generated.ts", false))
	assert.True(t, m.Match("notes.bak", false))
	assert.False(t, m.Match("src/api.ts", false))
}

func TestForProjectMissingFilesOK(t *testing.T) {
	m, err := ForProject(t.TempDir(), nil)
	require.NoError(t, err)
	assert.False(t, m.Match("main.go", false))
}
