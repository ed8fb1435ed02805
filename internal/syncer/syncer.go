// Package syncer measures and repairs drift between the project tree on
// disk and the file memories in the store. Checking compares content
// hashes from a bounded disk scan against the tracking table; repair
// replays the differences through the ingest pipeline.
package syncer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jonhardwick-spec/specmem-sub019/internal/config"
	specerrors "github.com/jonhardwick-spec/specmem-sub019/internal/errors"
	"github.com/jonhardwick-spec/specmem-sub019/internal/ignore"
	"github.com/jonhardwick-spec/specmem-sub019/internal/ingest"
	"github.com/jonhardwick-spec/specmem-sub019/internal/memory"
	"github.com/jonhardwick-spec/specmem-sub019/internal/store"
)

// Report is the result of one drift check.
type Report struct {
	// MissingFromStore are files on disk with no tracking entry.
	MissingFromStore []string `json:"missing_from_store"`
	// MissingFromDisk are tracked files that no longer exist.
	MissingFromDisk []string `json:"missing_from_disk"`
	// ContentMismatch are tracked files whose hash differs from disk.
	ContentMismatch []string `json:"content_mismatch"`
	UpToDate        int      `json:"up_to_date"`
	TotalOnDisk     int      `json:"total_on_disk"`
	TotalTracked    int      `json:"total_tracked"`
	// SyncScore is 0..100; 100 means no drift.
	SyncScore       float64   `json:"sync_score"`
	DriftPercentage float64   `json:"drift_percentage"`
	// Truncated is set when the disk scan hit its file cap.
	Truncated bool      `json:"truncated,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker compares disk and store state for one project.
type Checker struct {
	db         *store.DB
	memories   *memory.Store
	ingestor   *ingest.Ingestor
	matcher    *ignore.Matcher
	project    string
	statusPath string
	cfg        config.SyncConfig
}

// NewChecker wires a drift checker.
func NewChecker(db *store.DB, memories *memory.Store, ingestor *ingest.Ingestor, matcher *ignore.Matcher, projectPath, statusPath string, cfg config.SyncConfig) *Checker {
	if cfg.ScanBatchSize <= 0 {
		cfg.ScanBatchSize = 2000
	}
	if cfg.ScanMaxFiles <= 0 {
		cfg.ScanMaxFiles = 50_000
	}
	if cfg.ScanMaxHeapMB <= 0 {
		cfg.ScanMaxHeapMB = 2048
	}
	if cfg.MemoryPageSize <= 0 {
		cfg.MemoryPageSize = 5000
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 50_000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 25
	}
	if cfg.FileTimeoutMs <= 0 {
		cfg.FileTimeoutMs = 120_000
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = 1024 * 1024
	}
	return &Checker{
		db:         db,
		memories:   memories,
		ingestor:   ingestor,
		matcher:    matcher,
		project:    projectPath,
		statusPath: statusPath,
		cfg:        cfg,
	}
}

// Check scans disk and store and classifies every path. The report is
// also written to the status file so health queries stay cheap.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	disk, truncated, err := c.scanDisk(ctx)
	if err != nil {
		return nil, err
	}
	tracked, err := c.scanStore(ctx)
	if err != nil {
		return nil, err
	}

	r := &Report{
		TotalOnDisk:  len(disk),
		TotalTracked: len(tracked),
		Truncated:    truncated,
		CheckedAt:    time.Now().UTC(),
	}
	for path, hash := range disk {
		stored, ok := tracked[path]
		switch {
		case !ok:
			r.MissingFromStore = append(r.MissingFromStore, path)
		case stored != hash:
			r.ContentMismatch = append(r.ContentMismatch, path)
		default:
			r.UpToDate++
		}
	}
	for path := range tracked {
		if _, ok := disk[path]; !ok {
			r.MissingFromDisk = append(r.MissingFromDisk, path)
		}
	}
	sort.Strings(r.MissingFromStore)
	sort.Strings(r.MissingFromDisk)
	sort.Strings(r.ContentMismatch)

	total := r.UpToDate + len(r.MissingFromStore) + len(r.MissingFromDisk) + len(r.ContentMismatch)
	if total == 0 {
		r.SyncScore = 100
	} else {
		r.SyncScore = float64(r.UpToDate) / float64(total) * 100
	}
	r.DriftPercentage = 100 - r.SyncScore

	if err := c.writeStatus(r); err != nil {
		slog.Warn("sync_status_write_failed", slog.String("error", err.Error()))
	}
	slog.Info("sync_check_complete",
		slog.Float64("sync_score", r.SyncScore),
		slog.Int("missing_from_store", len(r.MissingFromStore)),
		slog.Int("missing_from_disk", len(r.MissingFromDisk)),
		slog.Int("content_mismatch", len(r.ContentMismatch)))
	return r, nil
}

// scanDisk hashes tracked-eligible files. The walk stops at the file cap
// and pauses for garbage collection when the heap grows past the
// configured ceiling, keeping huge trees from exhausting memory.
func (c *Checker) scanDisk(ctx context.Context) (map[string]string, bool, error) {
	hashes := make(map[string]string)
	truncated := false
	sinceCheck := 0

	err := filepath.WalkDir(c.project, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(c.project, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if c.matcher.Match(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		if len(hashes) >= c.cfg.ScanMaxFiles {
			truncated = true
			return fs.SkipAll
		}

		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > c.cfg.MaxFileSizeBytes {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		if isBinary(content) {
			return nil
		}
		sum := sha256.Sum256(content)
		hashes[rel] = hex.EncodeToString(sum[:])

		sinceCheck++
		if sinceCheck >= c.cfg.ScanBatchSize {
			sinceCheck = 0
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > uint64(c.cfg.ScanMaxHeapMB)*1024*1024 {
				runtime.GC()
			}
		}
		return nil
	})
	if err != nil {
		return nil, truncated, specerrors.Wrap(specerrors.KindCancelled, "disk scan interrupted", err)
	}
	return hashes, truncated, nil
}

// scanStore pages the tracking table, then fills gaps from file-watcher
// memories whose tracking row was lost. First writer wins on duplicates.
func (c *Checker) scanStore(ctx context.Context) (map[string]string, error) {
	tracked := make(map[string]string)

	for offset := 0; len(tracked) < c.cfg.MemoryLimit; offset += c.cfg.MemoryPageSize {
		rows, err := c.db.Handle().QueryContext(ctx, `
			SELECT file_path, content_hash FROM codebase_files
			WHERE project_path = ?
			ORDER BY file_path LIMIT ? OFFSET ?`,
			c.project, c.cfg.MemoryPageSize, offset)
		if err != nil {
			return nil, store.MapError(err)
		}
		n := 0
		for rows.Next() {
			var path, hash string
			if scanErr := rows.Scan(&path, &hash); scanErr != nil {
				rows.Close()
				return nil, store.MapError(scanErr)
			}
			tracked[path] = hash
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, store.MapError(err)
		}
		if n < c.cfg.MemoryPageSize {
			break
		}
	}

	// Orphaned file memories: tagged file-watcher but without a tracking
	// row. Their metadata still knows the path and hash.
	rows, err := c.db.Handle().QueryContext(ctx, `
		SELECT json_extract(metadata, '$.file_path'), json_extract(metadata, '$.content_hash')
		FROM memories
		WHERE project_path = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND EXISTS (SELECT 1 FROM json_each(memories.tags) WHERE json_each.value = ?)
		LIMIT ?`,
		c.project, time.Now().UTC(), ingest.SourceTag, c.cfg.MemoryLimit)
	if err != nil {
		return nil, store.MapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var path, hash sql.NullString
		if scanErr := rows.Scan(&path, &hash); scanErr != nil {
			return nil, store.MapError(scanErr)
		}
		if !path.Valid || path.String == "" {
			continue
		}
		if _, ok := tracked[path.String]; !ok {
			tracked[path.String] = hash.String
		}
	}
	return tracked, store.MapError(rows.Err())
}

// Health is the cheap view served from the status file.
type Health struct {
	SyncScore   float64   `json:"sync_score"`
	LastChecked time.Time `json:"last_checked"`
	Status      string    `json:"status"`
}

// GetHealth reads the last written status. A missing file means no check
// has ever run.
func (c *Checker) GetHealth() (*Health, error) {
	staleAfter := 2 * time.Duration(c.cfg.CheckIntervalMs) * time.Millisecond
	return ReadHealth(c.statusPath, staleAfter)
}

// ReadHealth reads a status file directly, without a wired checker. The
// CLI status command uses this so it never contends for the store lock.
// staleAfter <= 0 disables the staleness check.
func ReadHealth(statusPath string, staleAfter time.Duration) (*Health, error) {
	data, err := os.ReadFile(statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Health{Status: "unknown"}, nil
		}
		return nil, specerrors.Wrap(specerrors.KindInternal, "read sync status", err)
	}
	var s statusFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, specerrors.Wrap(specerrors.KindInternal, "parse sync status", err)
	}

	h := &Health{SyncScore: float64(s.SyncScore), LastChecked: s.LastChecked}
	switch {
	case staleAfter > 0 && time.Since(s.LastChecked) > staleAfter:
		h.Status = "stale"
	case s.SyncScore >= 90:
		h.Status = "healthy"
	case s.SyncScore >= 70:
		h.Status = "degraded"
	default:
		h.Status = "drifted"
	}
	return h, nil
}

// statusFile is the on-disk snapshot: camelCase keys, score rounded to a
// whole number 0..100.
type statusFile struct {
	SyncScore       int       `json:"syncScore"`
	DriftPercentage float64   `json:"driftPercentage"`
	UpToDate        int       `json:"upToDate"`
	Drifted         int       `json:"drifted"`
	LastChecked     time.Time `json:"lastChecked"`
}

// writeStatus persists the snapshot atomically.
func (c *Checker) writeStatus(r *Report) error {
	if c.statusPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.statusPath), 0o755); err != nil {
		return specerrors.Wrap(specerrors.KindInternal, "create status directory", err)
	}
	data, err := json.MarshalIndent(statusFile{
		SyncScore:       int(math.Round(r.SyncScore)),
		DriftPercentage: r.DriftPercentage,
		UpToDate:        r.UpToDate,
		Drifted:         len(r.MissingFromStore) + len(r.MissingFromDisk) + len(r.ContentMismatch),
		LastChecked:     r.CheckedAt,
	}, "", "  ")
	if err != nil {
		return specerrors.Wrap(specerrors.KindInternal, "marshal sync status", err)
	}
	tmp := c.statusPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return specerrors.Wrap(specerrors.KindInternal, "write sync status", err)
	}
	if err := os.Rename(tmp, c.statusPath); err != nil {
		return specerrors.Wrap(specerrors.KindInternal, "replace sync status", err)
	}
	return nil
}

func isBinary(content []byte) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	for i := 0; i < n; i++ {
		if content[i] == 0 {
			return true
		}
	}
	return false
}
