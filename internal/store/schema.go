package store

import (
	"context"
)

// schemaVersion is bumped whenever the DDL below changes shape.
const schemaVersion = 1

// schema is the full DDL for the specmem store. Everything is IF NOT EXISTS
// so Bootstrap is safe to run on every startup.
//
// SQLite has no native vector column type; embeddings are float32
// little-endian BLOBs and the declared dimension per table lives in
// vector_dimensions. The ANN index is the in-process HNSW sidecar and the
// lexical index is the memories_fts FTS5 table (or Bleve, behind the same
// interface).
const schema = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

-- Declared embedding dimension per table; the source of truth for what
-- vectors must look like when written.
CREATE TABLE IF NOT EXISTS vector_dimensions (
	table_name TEXT PRIMARY KEY,
	dimension  INTEGER NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

-- Core memory rows. Soft delete via expires_at; embedding is nullable
-- (sparse rows happen when the embedding provider times out).
CREATE TABLE IF NOT EXISTS memories (
	id                TEXT PRIMARY KEY,
	project_path      TEXT NOT NULL,
	content           TEXT NOT NULL,
	memory_type       TEXT NOT NULL,
	importance        TEXT NOT NULL,
	tags              TEXT NOT NULL DEFAULT '[]',
	metadata          TEXT NOT NULL DEFAULT '{}',
	embedding         BLOB,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	access_count      INTEGER NOT NULL DEFAULT 0,
	last_accessed_at  TIMESTAMP,
	expires_at        TIMESTAMP,
	consolidated_from TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_memories_project_type_created
	ON memories (project_path, memory_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_memories_project_expires
	ON memories (project_path, expires_at);

-- Mirror of indexed source files; one row per (project, relative path).
CREATE TABLE IF NOT EXISTS codebase_files (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	content      TEXT,
	content_hash TEXT NOT NULL,
	language     TEXT,
	embedding    BLOB,
	version      INTEGER NOT NULL DEFAULT 1,
	last_indexed TIMESTAMP NOT NULL,
	UNIQUE (project_path, file_path)
);

CREATE INDEX IF NOT EXISTS idx_codebase_files_project_path
	ON codebase_files (project_path, file_path);

-- Explanations attached to code locations.
CREATE TABLE IF NOT EXISTS code_explanations (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	line_start   INTEGER,
	line_end     INTEGER,
	explanation  TEXT NOT NULL,
	embedding    BLOB,
	helpful      INTEGER NOT NULL DEFAULT 0,
	unhelpful    INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMP NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_code_explanations_project_file
	ON code_explanations (project_path, file_path);

-- Links from code locations to the prompts/conversations that touched them.
CREATE TABLE IF NOT EXISTS code_prompt_links (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	file_path    TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	memory_id    TEXT,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_code_prompt_links_project_file
	ON code_prompt_links (project_path, file_path);

-- Access telemetry per code location, for get_related_code ranking.
CREATE TABLE IF NOT EXISTS code_access_patterns (
	id            TEXT PRIMARY KEY,
	project_path  TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	access_count  INTEGER NOT NULL DEFAULT 0,
	last_accessed TIMESTAMP NOT NULL,
	UNIQUE (project_path, file_path)
);

-- Spaced-repetition state; owned by the memory row.
CREATE TABLE IF NOT EXISTS memory_strength (
	memory_id      TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	stability      REAL NOT NULL,
	retrievability REAL NOT NULL,
	last_review    TIMESTAMP NOT NULL,
	review_count   INTEGER NOT NULL DEFAULT 0,
	interval_days  REAL NOT NULL DEFAULT 1,
	ease_factor    REAL NOT NULL DEFAULT 2.0
);

-- Associative graph edges. Pairs are stored once with source_id < target_id.
CREATE TABLE IF NOT EXISTS memory_associations (
	source_id          TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	target_id          TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	link_type          TEXT NOT NULL DEFAULT 'contextual',
	strength           REAL NOT NULL,
	co_activation_count INTEGER NOT NULL DEFAULT 1,
	last_co_activation TIMESTAMP NOT NULL,
	decay_rate         REAL NOT NULL DEFAULT 0.01,
	PRIMARY KEY (source_id, target_id)
);

CREATE INDEX IF NOT EXISTS idx_memory_associations_target
	ON memory_associations (target_id);

-- Ordered, named memory sequences. memory_ids are weak references:
-- readers filter ids that no longer resolve.
CREATE TABLE IF NOT EXISTS memory_chains (
	id               TEXT PRIMARY KEY,
	project_path     TEXT NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT,
	memory_ids       TEXT NOT NULL DEFAULT '[]',
	chain_type       TEXT NOT NULL,
	importance       TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	last_accessed_at TIMESTAMP,
	access_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_memory_chains_project
	ON memory_chains (project_path);

-- Semantic partition tree nodes. The tree is id-linked, not pointer-linked.
CREATE TABLE IF NOT EXISTS memory_quadrants (
	id           TEXT PRIMARY KEY,
	project_path TEXT NOT NULL,
	name         TEXT NOT NULL,
	level        INTEGER NOT NULL,
	parent_id    TEXT,
	child_ids    TEXT NOT NULL DEFAULT '[]',
	centroid     BLOB,
	radius       REAL NOT NULL DEFAULT 0,
	keywords     TEXT NOT NULL DEFAULT '[]',
	memory_count INTEGER NOT NULL DEFAULT 0,
	tags         TEXT NOT NULL DEFAULT '[]',
	max_memories INTEGER NOT NULL,
	min_memories INTEGER NOT NULL,
	max_radius   REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_quadrants_project_level
	ON memory_quadrants (project_path, level);

-- Leaf membership; each memory lives in exactly one leaf.
CREATE TABLE IF NOT EXISTS quadrant_assignments (
	memory_id            TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
	quadrant_id          TEXT NOT NULL REFERENCES memory_quadrants(id) ON DELETE CASCADE,
	distance_to_centroid REAL NOT NULL,
	assigned_at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quadrant_assignments_quadrant
	ON quadrant_assignments (quadrant_id);

-- FTS5 virtual table for lexical search over memory content.
-- memory_id and project_path are UNINDEXED (stored, not searchable).
CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
	memory_id UNINDEXED,
	project_path UNINDEXED,
	content,
	tokenize='unicode61'
);

INSERT OR IGNORE INTO schema_version (version) VALUES (1);
`

// Bootstrap creates all tables and indexes if absent. Idempotent; called on
// every startup before any component store is constructed.
func (d *DB) Bootstrap(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, schema); err != nil {
		return MapError(err)
	}
	return nil
}
