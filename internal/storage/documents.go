// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/docthread/internal/document"
	"github.com/jeranaias/docthread/internal/util"
)

// SchemaVersion tracks the document index schema version.
const SchemaVersion = 1

const documentsSchema = `
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    state TEXT NOT NULL,
    raw_hash TEXT NOT NULL,
    processed_hash TEXT NOT NULL DEFAULT '',
    summary_ref TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
) WITHOUT ROWID;

INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
`

const summarySuffix = ".summary.md"

// ErrInvalidSummaryRef is returned for refs that do not name a summary file.
var ErrInvalidSummaryRef = errors.New("invalid summary reference")

// =============================================================================
// DOCUMENT INDEX
// =============================================================================

// DocumentIndex implements document.Persister. Records live in SQLite;
// summaries are markdown files in a separate directory.
type DocumentIndex struct {
	db         *sql.DB
	summaryDir string
	cache      *cache.Cache
	log        *zap.Logger
}

// OpenDocumentIndex opens (or creates) the database at dbPath and the
// summary directory.
func OpenDocumentIndex(dbPath, summaryDir string, log *zap.Logger) (*DocumentIndex, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(summaryDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create summary directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(documentsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DocumentIndex{
		db:         db,
		summaryDir: summaryDir,
		cache:      cache.New(30*time.Minute, 10*time.Minute),
		log:        log.Named("documents"),
	}, nil
}

// Close closes the database.
func (x *DocumentIndex) Close() error {
	x.cache.Flush()
	return x.db.Close()
}

// LoadDocuments returns every stored record ordered by id.
func (x *DocumentIndex) LoadDocuments() ([]*document.Document, error) {
	rows, err := x.db.Query(`
		SELECT id, path, state, raw_hash, processed_hash, summary_ref, updated_at
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		var (
			d       document.Document
			state   string
			updated int64
		)
		if err := rows.Scan(&d.ID, &d.Path, &state, &d.RawHash, &d.ProcessedHash, &d.SummaryRef, &updated); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.State = document.State(state)
		switch d.State {
		case document.StateRaw, document.StateProcessed, document.StateStale:
		default:
			x.log.Warn("skipping document with unknown state", zap.String("id", d.ID), zap.String("state", state))
			continue
		}
		d.UpdatedAt = time.Unix(0, updated).UTC()
		docs = append(docs, &d)
	}
	return docs, rows.Err()
}

// SaveDocument inserts or replaces the record for d.
func (x *DocumentIndex) SaveDocument(d *document.Document) error {
	_, err := x.db.Exec(`
		INSERT INTO documents (id, path, state, raw_hash, processed_hash, summary_ref, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			state = excluded.state,
			raw_hash = excluded.raw_hash,
			processed_hash = excluded.processed_hash,
			summary_ref = excluded.summary_ref,
			updated_at = excluded.updated_at`,
		d.ID, d.Path, string(d.State), d.RawHash, d.ProcessedHash, d.SummaryRef, d.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save document %s: %w", d.ID, err)
	}
	return nil
}

// DeleteDocument removes the record for id.
func (x *DocumentIndex) DeleteDocument(id string) error {
	if _, err := x.db.Exec(`DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// SUMMARIES
// =============================================================================

// PutSummary writes summary to <id>.<hash prefix>.summary.md and returns the
// file name as the reference. Each content version gets its own file, so the
// summary a record points at is never overwritten before the record moves on.
func (x *DocumentIndex) PutSummary(id, hash, summary string) (string, error) {
	ref := summaryRef(id, hash)
	path, err := x.summaryPath(ref)
	if err != nil {
		return "", err
	}
	if err := util.AtomicWriteFileWithDir(path, []byte(summary), 0600, 0700); err != nil {
		return "", fmt.Errorf("write summary %s: %w", id, err)
	}
	x.cache.Set(ref, summary, cache.DefaultExpiration)
	x.log.Debug("stored summary", zap.String("id", id), zap.String("hash", hash), zap.Int("bytes", len(summary)))
	return ref, nil
}

// GetSummary returns the summary stored under ref.
func (x *DocumentIndex) GetSummary(ref string) (string, error) {
	if v, ok := x.cache.Get(ref); ok {
		return v.(string), nil
	}
	path, err := x.summaryPath(ref)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read summary %s: %w", ref, err)
	}
	summary := string(data)
	x.cache.Set(ref, summary, cache.DefaultExpiration)
	return summary, nil
}

// DeleteSummary removes the summary stored under ref. A missing file is not
// an error.
func (x *DocumentIndex) DeleteSummary(ref string) error {
	path, err := x.summaryPath(ref)
	if err != nil {
		return err
	}
	x.cache.Delete(ref)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete summary %s: %w", ref, err)
	}
	return nil
}

const summaryHashLen = 12

func summaryRef(id, hash string) string {
	if len(hash) > summaryHashLen {
		hash = hash[:summaryHashLen]
	}
	if hash == "" {
		return id + summarySuffix
	}
	return id + "." + hash + summarySuffix
}

// summaryPath maps ref to a file inside the summary directory.
func (x *DocumentIndex) summaryPath(ref string) (string, error) {
	if ref == "" || !strings.HasSuffix(ref, summarySuffix) || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSummaryRef, ref)
	}
	return filepath.Join(x.summaryDir, ref), nil
}
