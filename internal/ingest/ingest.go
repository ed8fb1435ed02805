// Package ingest turns file change events into codebase memories. Each
// tracked file gets one episodic memory tagged for retrieval plus a
// codebase_files row carrying its content hash and version; repeat
// changes bump the version, identical content is a no-op, deletions
// soft-delete the memory so history survives.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
	"github.com/jonhardwick-spec/specmem-sub019/internal/watcher"
)

const (
	// DefaultMaxFileSize caps tracked file content.
	DefaultMaxFileSize = 500 * 1024
	// binarySniffLen is how much of a file the binary check reads.
	binarySniffLen = 8000
	// SourceTag marks memories created from file events.
	SourceTag = "file-watcher"
)

// Ingestor applies change events to the store.
type Ingestor struct {
	db          *store.DB
	memories    *memory.Store
	projectPath string
	maxFileSize int64
}

// New builds an ingestor for one project.
func New(db *store.DB, memories *memory.Store, projectPath string, maxFileSize int64) *Ingestor {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &Ingestor{
		db:          db,
		memories:    memories,
		projectPath: projectPath,
		maxFileSize: maxFileSize,
	}
}

// HandleEvent dispatches one normalized change. Directory events carry no
// content and are ignored; the watcher already filtered ignored paths.
func (in *Ingestor) HandleEvent(ctx context.Context, ev watcher.Event) error {
	switch ev.Kind {
	case watcher.KindAdd, watcher.KindChange:
		return in.upsertFile(ctx, ev.Path)
	case watcher.KindUnlink:
		return in.removeFile(ctx, ev.Path)
	case watcher.KindAddDir, watcher.KindUnlinkDir:
		return nil
	}
	return specerrors.Newf(specerrors.KindValidation, "unknown event kind %q", ev.Kind)
}

// upsertFile indexes or refreshes one file.
func (in *Ingestor) upsertFile(ctx context.Context, relPath string) error {
	abs := filepath.Join(in.projectPath, filepath.FromSlash(relPath))
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished between the event and now.
			return nil
		}
		return specerrors.Wrap(specerrors.KindInternal, "stat file", err)
	}
	if info.IsDir() {
		return nil
	}
	if info.Size() > in.maxFileSize {
		slog.Debug("file_skipped_too_large",
			slog.String("path", relPath), slog.Int64("size", info.Size()))
		return nil
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return specerrors.Wrap(specerrors.KindInternal, "read file", err)
	}
	if isBinary(content) {
		slog.Debug("file_skipped_binary", slog.String("path", relPath))
		return nil
	}

	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	existing, err := in.lookupFile(ctx, relPath)
	if err != nil {
		return err
	}
	if existing != nil && existing.contentHash == hash {
		return nil
	}

	language := detectLanguage(relPath)
	now := time.Now().UTC()

	if existing == nil {
		// A copied or moved file whose content some memory already holds
		// gets a tracking row only; one hash, one memory.
		dups, dupErr := in.memories.FindByMetadata(ctx, in.projectPath, "content_hash", hash)
		if dupErr != nil {
			return dupErr
		}
		if len(dups) > 0 {
			err = in.db.Transaction(ctx, func(tx *sql.Tx) error {
				_, execErr := tx.ExecContext(ctx, `
					INSERT INTO codebase_files (id, project_path, file_path, content, content_hash, language, version, last_indexed)
					VALUES (?, ?, ?, ?, ?, ?, 1, ?)
					ON CONFLICT(project_path, file_path) DO UPDATE SET
						content = excluded.content,
						content_hash = excluded.content_hash,
						language = excluded.language,
						last_indexed = excluded.last_indexed`,
					uuid.NewString(), in.projectPath, relPath, string(content), hash, language, now)
				return store.MapError(execErr)
			})
			if err != nil {
				return err
			}
			slog.Info("file_tracked_duplicate_content",
				slog.String("path", relPath), slog.String("memory_id", dups[0].ID))
			return nil
		}

		m, insErr := in.memories.Insert(ctx, &memory.Memory{
			ProjectPath: in.projectPath,
			Content:     memoryContent(relPath, language, content),
			Type:        memory.TypeEpisodic,
			Importance:  classifyImportance(relPath),
			Tags:        fileTags(relPath, language),
			Metadata:    fileMetadata(relPath, hash, language, 1),
		})
		if insErr != nil {
			return insErr
		}
		err = in.db.Transaction(ctx, func(tx *sql.Tx) error {
			_, execErr := tx.ExecContext(ctx, `
				INSERT INTO codebase_files (id, project_path, file_path, content, content_hash, language, version, last_indexed)
				VALUES (?, ?, ?, ?, ?, ?, 1, ?)
				ON CONFLICT(project_path, file_path) DO UPDATE SET
					content = excluded.content,
					content_hash = excluded.content_hash,
					language = excluded.language,
					last_indexed = excluded.last_indexed`,
				uuid.NewString(), in.projectPath, relPath, string(content), hash, language, now)
			return store.MapError(execErr)
		})
		if err != nil {
			return err
		}
		slog.Info("file_indexed",
			slog.String("path", relPath), slog.String("language", language),
			slog.String("memory_id", m.ID))
		return nil
	}

	version := existing.version + 1
	if existing.memoryID != "" {
		md := fileMetadata(relPath, hash, language, version)
		_, updErr := in.memories.Update(ctx, existing.memoryID, in.projectPath, memory.Update{
			Content:  strPtr(memoryContent(relPath, language, content)),
			Metadata: &md,
		})
		if updErr != nil && !specerrors.IsKind(updErr, specerrors.KindNotFound) {
			return updErr
		}
	}
	err = in.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx, `
			UPDATE codebase_files
			SET content = ?, content_hash = ?, language = ?, version = ?, last_indexed = ?
			WHERE project_path = ? AND file_path = ?`,
			string(content), hash, language, version, now, in.projectPath, relPath)
		return store.MapError(execErr)
	})
	if err != nil {
		return err
	}
	slog.Info("file_reindexed",
		slog.String("path", relPath), slog.Int("version", version))
	return nil
}

// removeFile soft-deletes the file's memory and drops its tracking row.
func (in *Ingestor) removeFile(ctx context.Context, relPath string) error {
	existing, err := in.lookupFile(ctx, relPath)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if existing.memoryID != "" {
		if delErr := in.memories.SoftDelete(ctx, existing.memoryID, in.projectPath); delErr != nil &&
			!specerrors.IsKind(delErr, specerrors.KindNotFound) {
			return delErr
		}
	}
	err = in.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`DELETE FROM codebase_files WHERE project_path = ? AND file_path = ?`,
			in.projectPath, relPath)
		return store.MapError(execErr)
	})
	if err != nil {
		return err
	}
	slog.Info("file_removed", slog.String("path", relPath))
	return nil
}

type trackedFile struct {
	contentHash string
	version     int
	memoryID    string
}

// lookupFile reads the tracking row and resolves the paired memory via
// its file_path metadata.
func (in *Ingestor) lookupFile(ctx context.Context, relPath string) (*trackedFile, error) {
	var tf trackedFile
	err := in.db.Handle().QueryRowContext(ctx, `
		SELECT content_hash, version FROM codebase_files
		WHERE project_path = ? AND file_path = ?`,
		in.projectPath, relPath).Scan(&tf.contentHash, &tf.version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, store.MapError(err)
	}

	matches, err := in.memories.FindByMetadata(ctx, in.projectPath, "file_path", relPath)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		tf.memoryID = matches[0].ID
	}
	return &tf, nil
}

// memoryContent renders the stored representation of a file.
func memoryContent(relPath, language string, content []byte) string {
	return fmt.Sprintf("File: %s (%s)\n\n%s", relPath, language, content)
}

// isBinary sniffs for a null byte in the head of the file.
func isBinary(content []byte) bool {
	n := len(content)
	if n > binarySniffLen {
		n = binarySniffLen
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// classifyImportance applies the auto-metadata rules, first match wins in
// the same order fileTags classifies: tests, api, schema, docs, config.
func classifyImportance(relPath string) memory.Importance {
	lower := strings.ToLower(relPath)
	base := filepath.Base(lower)
	switch {
	case isTestPath(lower, base):
		return memory.ImportanceMedium
	case strings.Contains(lower, "api") || strings.Contains(lower, "handler") || strings.Contains(lower, "route"):
		return memory.ImportanceHigh
	case strings.Contains(lower, "schema") || strings.Contains(lower, "migration"):
		return memory.ImportanceHigh
	case isDocPath(base) || isConfigPath(base):
		return memory.ImportanceLow
	}
	return memory.ImportanceMedium
}

// fileTags builds the retrieval tags for a file memory.
func fileTags(relPath, language string) []string {
	tags := []string{SourceTag}
	lower := strings.ToLower(relPath)
	base := filepath.Base(lower)
	switch {
	case isTestPath(lower, base):
		tags = append(tags, "tests")
	case strings.Contains(lower, "api") || strings.Contains(lower, "handler") || strings.Contains(lower, "route"):
		tags = append(tags, "api")
	case strings.Contains(lower, "schema") || strings.Contains(lower, "migration"):
		tags = append(tags, "schema")
	case isDocPath(base):
		tags = append(tags, "docs")
	case isConfigPath(base):
		tags = append(tags, "config")
	default:
		tags = append(tags, "code")
	}
	if language != "" && language != "text" {
		tags = append(tags, language)
	}
	return tags
}

func isTestPath(lower, base string) bool {
	return strings.HasSuffix(lower, "_test.go") ||
		strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") ||
		strings.Contains(lower, "/test/") || strings.Contains(lower, "/tests/") ||
		strings.HasPrefix(lower, "test/") || strings.HasPrefix(lower, "tests/")
}

func isDocPath(base string) bool {
	ext := filepath.Ext(base)
	return ext == ".md" || ext == ".rst" || ext == ".txt" || ext == ".adoc"
}

func isConfigPath(base string) bool {
	switch filepath.Ext(base) {
	case ".yaml", ".yml", ".toml", ".ini", ".env":
		return true
	}
	switch base {
	case "dockerfile", "makefile", ".gitignore", ".specmemignore":
		return true
	}
	return false
}

// detectLanguage maps a file extension to its language tag.
func detectLanguage(relPath string) string {
	switch strings.ToLower(filepath.Ext(relPath)) {
	case ".go":
		return "go"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".py":
		return "python"
	case ".rs":
		return "rust"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".sh", ".bash":
		return "shell"
	case ".sql":
		return "sql"
	case ".md":
		return "markdown"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	case ".html":
		return "html"
	case ".css", ".scss":
		return "css"
	default:
		return "text"
	}
}

func fileMetadata(relPath, hash, language string, version int) map[string]string {
	return map[string]string{
		"file_path":    relPath,
		"content_hash": hash,
		"language":     language,
		"version":      strconv.Itoa(version),
	}
}

func strPtr(s string) *string { return &s }
