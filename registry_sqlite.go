// registry_sqlite.go: SQLite-backed registry of installed extensions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS extensions (
	name             TEXT PRIMARY KEY,
	description      TEXT NOT NULL,
	manifest_raw     TEXT NOT NULL,
	archive_path     TEXT NOT NULL,
	main_entry_point TEXT NOT NULL,
	version          TEXT NOT NULL DEFAULT '',
	tools            TEXT NOT NULL DEFAULT '[]',
	content_hash     TEXT NOT NULL,
	installed_at     DATETIME NOT NULL
);
`

const registryColumns = `name, description, manifest_raw, archive_path, main_entry_point, version, tools, content_hash, installed_at`

// SQLiteRegistry persists records in a SQLite database.
type SQLiteRegistry struct {
	db *sql.DB

	// writeMu orders commits with the snapshots published for them.
	writeMu sync.Mutex
	events  *snapshotBroadcaster
}

// NewSQLiteRegistry opens (or creates) a SQLite database at dbPath and ensures
// the extensions table exists. The caller is responsible for calling Close.
func NewSQLiteRegistry(dbPath string, logger Logger) (*SQLiteRegistry, error) {
	if logger == nil {
		logger = DefaultLogger()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, NewStorageFailureError("open registry", fmt.Errorf("open sqlite %s: %w", dbPath, err))
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, NewStorageFailureError("open registry", fmt.Errorf("create schema: %w", err))
	}
	return &SQLiteRegistry{
		db:     db,
		events: newSnapshotBroadcaster(logger.With("component", "registry")),
	}, nil
}

// Close releases the underlying database connection and ends every observer stream.
func (s *SQLiteRegistry) Close() error {
	s.events.close()
	return s.db.Close()
}

// Upsert implements Registry with replace-on-conflict semantics.
func (s *SQLiteRegistry) Upsert(ctx context.Context, rec Record) error {
	tools, err := json.Marshal(nonNilTools(rec.Tools))
	if err != nil {
		return NewStorageFailureError("upsert", fmt.Errorf("marshal tools: %w", err))
	}
	installedAt := rec.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now()
	}

	return s.commit(ctx, "upsert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO extensions (`+registryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Name, rec.Description, rec.ManifestRaw, rec.ArchivePath, rec.MainEntryPoint,
			rec.Version, string(tools), rec.ContentHash, installedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert extension %s: %w", rec.Name, err)
		}
		return nil
	})
}

// GetByName implements Registry. It returns nil, nil when no record exists.
func (s *SQLiteRegistry) GetByName(ctx context.Context, name string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+registryColumns+` FROM extensions WHERE name = ? LIMIT 1`, name)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewStorageFailureError("get by name", err)
	}
	return rec, nil
}

// GetByToolName implements Registry. The LIKE clause narrows candidates; the
// case-insensitive match on decoded tool names decides.
func (s *SQLiteRegistry) GetByToolName(ctx context.Context, tool string) ([]Record, error) {
	recs, err := s.query(ctx, `SELECT `+registryColumns+` FROM extensions WHERE tools LIKE '%' || ? || '%' ORDER BY name ASC`, tool)
	if err != nil {
		return nil, NewStorageFailureError("get by tool name", err)
	}
	out := make([]Record, 0, len(recs))
	for _, r := range recs {
		if r.declaresTool(tool) {
			out = append(out, r)
		}
	}
	return out, nil
}

// DeleteByName implements Registry.
func (s *SQLiteRegistry) DeleteByName(ctx context.Context, name string) error {
	return s.commit(ctx, "delete", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM extensions WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete extension %s: %w", name, err)
		}
		return nil
	})
}

// DeleteAll implements Registry.
func (s *SQLiteRegistry) DeleteAll(ctx context.Context) error {
	return s.commit(ctx, "delete all", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM extensions`); err != nil {
			return fmt.Errorf("delete extensions: %w", err)
		}
		return nil
	})
}

// List implements Registry.
func (s *SQLiteRegistry) List(ctx context.Context) ([]Record, error) {
	recs, err := s.query(ctx, `SELECT `+registryColumns+` FROM extensions ORDER BY name ASC`)
	if err != nil {
		return nil, NewStorageFailureError("list", err)
	}
	return recs, nil
}

// ObserveAll implements Registry.
func (s *SQLiteRegistry) ObserveAll(ctx context.Context) (<-chan []Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	current, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.events.subscribe(ctx, current)
}

// commit runs fn in a transaction and publishes the resulting snapshot while
// still holding writeMu, so observers see snapshots in commit order.
func (s *SQLiteRegistry) commit(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageFailureError(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return NewStorageFailureError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return NewStorageFailureError(op, fmt.Errorf("commit: %w", err))
	}

	snapshot, err := s.List(ctx)
	if err != nil {
		return err
	}
	s.events.publish(snapshot)
	return nil
}

func (s *SQLiteRegistry) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec   Record
		tools string
	)
	if err := row.Scan(&rec.Name, &rec.Description, &rec.ManifestRaw, &rec.ArchivePath,
		&rec.MainEntryPoint, &rec.Version, &tools, &rec.ContentHash, &rec.InstalledAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tools), &rec.Tools); err != nil {
		return nil, fmt.Errorf("decode tools for %s: %w", rec.Name, err)
	}
	if rec.Tools == nil {
		rec.Tools = []ToolDescriptor{}
	}
	return &rec, nil
}

func nonNilTools(t []ToolDescriptor) []ToolDescriptor {
	if t == nil {
		return []ToolDescriptor{}
	}
	return t
}
