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

// Package journal owns the new_files and historical_files tables in
// history.db, exposes savepoint-scoped transactions, and distinguishes
// "no rows" from a genuine store failure.
package journal

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kvoverlay/cowfs/internal/logger"
)

// ErrNoRows is the control-signal sentinel for "no rows matched a lookup".
// It is distinct from any error returned for an actual store failure.
var ErrNoRows = sql.ErrNoRows

// Store is a process-wide handle to history.db. All access is serialised:
// the backing *sql.DB is pinned to a single connection (SetMaxOpenConns(1))
// because SQLite SAVEPOINT state is connection-scoped, and a single writer
// is all the dispatch model ever produces.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	spCounter int
}

// Open opens (creating if absent) the journal database at path and ensures
// its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS new_files (path TEXT PRIMARY KEY, command TEXT)`,
		`CREATE TABLE IF NOT EXISTS historical_files (path TEXT PRIMARY KEY, command TEXT, data BLOB)`,
		`CREATE INDEX IF NOT EXISTS historical_renames ON historical_files (data, command)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("journal: migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exec runs a statement outside of any explicit scope, with no rollback
// protection.
func (s *Store) Exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(query, args...)
}

// QueryRow runs a single-row query.
func (s *Store) QueryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(query, args...)
}

// Query runs a multi-row query.
func (s *Store) Query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(query, args...)
}

// Scope is a transaction scope bracketing one mutation handler's journal
// writes. It is constructed by Begin, which takes a named savepoint.
// Exactly one of Release or Rollback must be called before the scope is
// discarded.
type Scope struct {
	store    *Store
	name     string
	finished bool
}

// Begin acquires a new named savepoint.
func (s *Store) Begin() (*Scope, error) {
	s.mu.Lock()
	s.spCounter++
	name := fmt.Sprintf("sp%d", s.spCounter)
	s.mu.Unlock()

	if _, err := s.db.Exec("SAVEPOINT " + name); err != nil {
		return nil, fmt.Errorf("journal: savepoint %s: %w", name, err)
	}
	return &Scope{store: s, name: name}, nil
}

// Exec runs a statement within the scope.
func (sc *Scope) Exec(query string, args ...any) (sql.Result, error) {
	return sc.store.db.Exec(query, args...)
}

// QueryRow runs a single-row query within the scope.
func (sc *Scope) QueryRow(query string, args ...any) *sql.Row {
	return sc.store.db.QueryRow(query, args...)
}

// Query runs a multi-row query within the scope.
func (sc *Scope) Query(query string, args ...any) (*sql.Rows, error) {
	return sc.store.db.Query(query, args...)
}

// Release commits the scope's statements into the enclosing transaction.
func (sc *Scope) Release() error {
	if sc.finished {
		return nil
	}
	sc.finished = true
	if _, err := sc.store.db.Exec("RELEASE " + sc.name); err != nil {
		return fmt.Errorf("journal: release %s: %w", sc.name, err)
	}
	return nil
}

// Rollback reverts every statement executed since Begin, logging the
// cause.
func (sc *Scope) Rollback(cause error) error {
	if sc.finished {
		return nil
	}
	sc.finished = true
	if cause != nil {
		logger.Errorf("journal: rolling back %s: %v", sc.name, cause)
	}
	if _, err := sc.store.db.Exec("ROLLBACK TO " + sc.name); err != nil {
		return fmt.Errorf("journal: rollback %s: %w", sc.name, err)
	}
	if _, err := sc.store.db.Exec("RELEASE " + sc.name); err != nil {
		return fmt.Errorf("journal: release after rollback %s: %w", sc.name, err)
	}
	return nil
}
