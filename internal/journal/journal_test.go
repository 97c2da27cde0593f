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

package journal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReleaseKeepsScopedInsert(t *testing.T) {
	s := newTestStore(t)

	sc, err := s.Begin()
	require.NoError(t, err)
	_, err = sc.Exec(`INSERT INTO new_files VALUES (?, 'create')`, "/a")
	require.NoError(t, err)
	require.NoError(t, sc.Release())

	var command string
	err = s.QueryRow(`SELECT command FROM new_files WHERE path = ?`, "/a").Scan(&command)
	require.NoError(t, err)
	assert.Equal(t, "create", command)
}

func TestRollbackUndoesScope(t *testing.T) {
	s := newTestStore(t)

	sc, err := s.Begin()
	require.NoError(t, err)
	_, err = sc.Exec(`INSERT INTO new_files VALUES (?, 'create')`, "/a")
	require.NoError(t, err)
	require.NoError(t, sc.Rollback(nil))

	var count int
	err = s.QueryRow(`SELECT count(*) FROM new_files WHERE path = ?`, "/a").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestNoRowsIsNotAnError(t *testing.T) {
	s := newTestStore(t)

	var command string
	err := s.QueryRow(`SELECT command FROM new_files WHERE path = ?`, "/missing").Scan(&command)
	assert.ErrorIs(t, err, ErrNoRows)
}

func TestNestedSavepointsGetDistinctNames(t *testing.T) {
	s := newTestStore(t)

	outer, err := s.Begin()
	require.NoError(t, err)
	_, err = outer.Exec(`INSERT INTO new_files VALUES (?, 'create')`, "/outer")
	require.NoError(t, err)

	inner, err := s.Begin()
	require.NoError(t, err)
	_, err = inner.Exec(`INSERT INTO new_files VALUES (?, 'mkdir')`, "/inner")
	require.NoError(t, err)
	require.NoError(t, inner.Rollback(nil))

	require.NoError(t, outer.Release())

	var count int
	require.NoError(t, s.QueryRow(`SELECT count(*) FROM new_files WHERE path = ?`, "/outer").Scan(&count))
	assert.Equal(t, 1, count)
	require.NoError(t, s.QueryRow(`SELECT count(*) FROM new_files WHERE path = ?`, "/inner").Scan(&count))
	assert.Equal(t, 0, count)
}
