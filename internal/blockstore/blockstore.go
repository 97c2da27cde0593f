// Copyright 2026 The cowfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blockstore implements the per-original-path sparse map of 4 KiB
// pre-image blocks: one small SQLite database per original path, opened
// lazily the first time a path needs a pre-image.
package blockstore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// BlockSize is the fixed pre-image block size.
const BlockSize = 4096

// ErrUnknown is returned by Size when no saved block certifies the end of
// the file (no blocks saved, or the highest one is full); the caller must
// fall back to the live file's size.
var ErrUnknown = errors.New("blockstore: no pre-image blocks saved for path")

// ErrNoBlock is returned by ReadBlock when no exact row exists at offset.
var ErrNoBlock = sql.ErrNoRows

// Store manages the collection of per-path block databases rooted at dir
// (<origin-dir>/.cow/filedata/).
type Store struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// New returns a Store rooted at dir, creating dir if it doesn't exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("blockstore: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir, dbs: make(map[string]*sql.DB)}, nil
}

// Close closes every per-path database opened during this Store's lifetime.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dbs = make(map[string]*sql.DB)
	return firstErr
}

// filename maps an original path to a filesystem-safe database filename.
func (s *Store) filename(originalPath string) string {
	return filepath.Join(s.dir, url.PathEscape(originalPath)+".db")
}

// open is idempotent: repeated calls for the same path return the same
// connection.
func (s *Store) open(originalPath string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[originalPath]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite3", s.filename(originalPath))
	if err != nil {
		return nil, fmt.Errorf("blockstore: open %s: %w", originalPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS historical_filedata (offset INTEGER PRIMARY KEY, data BLOB)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("blockstore: migrate %s: %w", originalPath, err)
	}

	s.dbs[originalPath] = db
	return db, nil
}

// Present returns the set of 4 KiB-aligned offsets saved for path, keyed by
// block number (offset / BlockSize).
func (s *Store) Present(path string) (map[int64]bool, error) {
	db, err := s.open(path)
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`SELECT offset FROM historical_filedata`)
	if err != nil {
		return nil, fmt.Errorf("blockstore: present %s: %w", path, err)
	}
	defer rows.Close()

	present := make(map[int64]bool)
	for rows.Next() {
		var offset int64
		if err := rows.Scan(&offset); err != nil {
			return nil, err
		}
		present[offset/BlockSize] = true
	}
	return present, rows.Err()
}

// SaveBlock inserts the pre-image block at offset if not already present;
// it is a no-op otherwise: saved blocks are write-once.
func (s *Store) SaveBlock(path string, offset int64, data []byte) error {
	if offset%BlockSize != 0 {
		return fmt.Errorf("blockstore: save %s: offset %d is not block-aligned", path, offset)
	}
	if len(data) > BlockSize {
		return fmt.Errorf("blockstore: save %s: block too large (%d bytes)", path, len(data))
	}

	db, err := s.open(path)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT OR IGNORE INTO historical_filedata (offset, data) VALUES (?, ?)`, offset, data)
	if err != nil {
		return fmt.Errorf("blockstore: save %s@%d: %w", path, offset, err)
	}
	return nil
}

// ReadBlock fetches the exact blob stored at the aligned offset, or
// ErrNoBlock if no such row exists.
func (s *Store) ReadBlock(path string, offset int64) ([]byte, error) {
	db, err := s.open(path)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = db.QueryRow(`SELECT data FROM historical_filedata WHERE offset = ?`, offset).Scan(&data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Size returns the original size of path: the offset
// of the highest-offset block plus that block's length, when that block is
// short or empty (a short or empty block marks EOF). ErrUnknown is returned
// when no blocks have been saved at all, or when the highest-offset block
// is full-length.
func (s *Store) Size(path string) (int64, error) {
	db, err := s.open(path)
	if err != nil {
		return 0, err
	}

	var (
		offset sql.NullInt64
		length sql.NullInt64
	)
	err = db.QueryRow(
		`SELECT offset, length(data) FROM historical_filedata ORDER BY offset DESC LIMIT 1`,
	).Scan(&offset, &length)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrUnknown
		}
		return 0, fmt.Errorf("blockstore: size %s: %w", path, err)
	}
	// Only a short or empty block at the highest offset actually marks EOF;
	// a full 4096-byte block there just means the window of
	// blocks saved so far hasn't reached the true end of the file, and the
	// caller must fall back to the live file's size.
	if length.Int64 >= BlockSize {
		return 0, ErrUnknown
	}
	return offset.Int64 + length.Int64, nil
}
