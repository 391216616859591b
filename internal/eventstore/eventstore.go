// Package eventstore provides durable append-only persistence of edit
// events, used to rebuild heat state across restarts (spec.md section 4.1).
package eventstore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Event is a single persisted edit, matching the StoredEditEvent entity in
// spec.md section 3.
type Event struct {
	ID          int64
	ServerTS    int64
	RepoID      string
	FilePath    string
	FunctionID  string
	AnchorLine  int
	UserID      string
	DisplayName string
	Emoji       string
}

// Store is the durable event log interface. A failure to Insert is
// non-fatal to the live broadcast path; callers log it and continue
// (spec.md 4.1, 7).
type Store interface {
	Insert(e Event) error
	ListSince(cutoffTS int64) ([]Event, error)
	DeleteBefore(cutoffTS int64) (int64, error)
	Close() error
}

// SQLiteStore is the Store implementation backed by SQLite via
// github.com/mattn/go-sqlite3, grounded on shiv248-kolabpad's database
// package.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// any pending migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(e Event) error {
	_, err := s.db.Exec(
		`INSERT INTO edit_event (server_ts, repo_id, file_path, function_id, anchor_line, user_id, display_name, emoji)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ServerTS, e.RepoID, e.FilePath, e.FunctionID, e.AnchorLine, e.UserID, e.DisplayName, e.Emoji,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListSince returns events with server_ts >= cutoffTS, ordered ascending by
// server_ts with ties broken by insertion (rowid) order — used exactly once
// at startup to rebuild Heat State (spec.md 4.1, 9).
func (s *SQLiteStore) ListSince(cutoffTS int64) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT id, server_ts, repo_id, file_path, function_id, anchor_line, user_id, display_name, emoji
		 FROM edit_event WHERE server_ts >= ? ORDER BY server_ts ASC, id ASC`,
		cutoffTS,
	)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ServerTS, &e.RepoID, &e.FilePath, &e.FunctionID, &e.AnchorLine, &e.UserID, &e.DisplayName, &e.Emoji); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	return events, nil
}

// DeleteBefore removes events with server_ts < cutoffTS. Idempotent.
func (s *SQLiteStore) DeleteBefore(cutoffTS int64) (int64, error) {
	result, err := s.db.Exec("DELETE FROM edit_event WHERE server_ts < ?", cutoffTS)
	if err != nil {
		return 0, fmt.Errorf("delete before: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
