// Package storage implements the SubFlow repositories over SQLite,
// following the raw database/sql + modernc.org/sqlite idiom.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    media_url TEXT NOT NULL,
    source_language TEXT,
    target_language TEXT NOT NULL,
    auto_workflow INTEGER DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'pending',
    current_stage INTEGER NOT NULL DEFAULT 0,
    artifacts_json TEXT,
    error_message TEXT,
    errors_json TEXT,
    created_at TEXT,
    updated_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_updated_at ON projects(updated_at);

CREATE TABLE IF NOT EXISTS stage_runs (
    project_id TEXT NOT NULL REFERENCES projects(id),
    stage TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    started_at TEXT,
    completed_at TEXT,
    progress INTEGER DEFAULT 0,
    progress_message TEXT,
    metrics_json TEXT,
    error_code TEXT,
    error_message TEXT,
    input_artifacts_json TEXT,
    output_artifacts_json TEXT,
    PRIMARY KEY (project_id, stage)
);

CREATE TABLE IF NOT EXISTS vad_regions (
    project_id TEXT NOT NULL REFERENCES projects(id),
    region_id INTEGER NOT NULL,
    start_s REAL NOT NULL,
    end_s REAL NOT NULL,
    PRIMARY KEY (project_id, region_id)
);

CREATE TABLE IF NOT EXISTS asr_segments (
    project_id TEXT NOT NULL REFERENCES projects(id),
    segment_index INTEGER NOT NULL,
    start_s REAL NOT NULL,
    end_s REAL NOT NULL,
    text TEXT NOT NULL,
    corrected_text TEXT,
    language TEXT,
    PRIMARY KEY (project_id, segment_index)
);
CREATE INDEX IF NOT EXISTS idx_asr_segments_time ON asr_segments(project_id, start_s);

CREATE TABLE IF NOT EXISTS asr_merged_chunks (
    project_id TEXT NOT NULL REFERENCES projects(id),
    region_id INTEGER NOT NULL,
    chunk_id INTEGER NOT NULL,
    start_s REAL NOT NULL,
    end_s REAL NOT NULL,
    segment_ids_json TEXT NOT NULL,
    text TEXT NOT NULL,
    PRIMARY KEY (project_id, region_id, chunk_id)
);

CREATE TABLE IF NOT EXISTS global_contexts (
    project_id TEXT PRIMARY KEY REFERENCES projects(id),
    topic TEXT,
    domain TEXT,
    style TEXT,
    glossary_json TEXT,
    translation_notes_json TEXT
);

CREATE TABLE IF NOT EXISTS semantic_chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL REFERENCES projects(id),
    chunk_index INTEGER NOT NULL,
    corrected_text TEXT,
    translation TEXT,
    asr_segment_ids_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_semantic_chunks_project ON semantic_chunks(project_id, chunk_index);

CREATE TABLE IF NOT EXISTS translation_chunks (
    semantic_chunk_id INTEGER NOT NULL REFERENCES semantic_chunks(id),
    segment_id INTEGER NOT NULL,
    text TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_translation_chunks_parent ON translation_chunks(semantic_chunk_id);

CREATE TABLE IF NOT EXISTS subtitle_exports (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id),
    format TEXT NOT NULL,
    content_mode TEXT NOT NULL,
    config_json TEXT,
    storage_keys_json TEXT,
    source TEXT NOT NULL,
    created_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_subtitle_exports_project ON subtitle_exports(project_id, created_at);

CREATE TABLE IF NOT EXISTS file_blobs (
    hash TEXT PRIMARY KEY,
    size INTEGER NOT NULL,
    mime TEXT,
    ref_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT,
    last_accessed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_file_blobs_ref_count ON file_blobs(ref_count);

CREATE TABLE IF NOT EXISTS project_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id TEXT NOT NULL REFERENCES projects(id),
    file_type TEXT NOT NULL,
    blob_hash TEXT NOT NULL REFERENCES file_blobs(hash),
    UNIQUE(project_id, file_type)
);

CREATE TABLE IF NOT EXISTS derived_blobs (
    transform TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    params_hash TEXT NOT NULL,
    dst_hash TEXT NOT NULL,
    PRIMARY KEY (transform, source_hash, params_hash)
);
`

// Database wraps a SQLite connection shared by every repository.
type Database struct {
	db *sql.DB
}

func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=10000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	return &Database{db: db}, nil
}

func (d *Database) Initialize() error {
	_, err := d.db.Exec(schemaDDL)
	return err
}

func (d *Database) Close() error { return d.db.Close() }

func (d *Database) DB() *sql.DB { return d.db }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseISO(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
