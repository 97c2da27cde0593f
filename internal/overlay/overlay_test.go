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

package overlay

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOverlay(t *testing.T) (*Overlay, string) {
	t.Helper()
	root := t.TempDir()
	o, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o, root
}

func writeOriginFile(t *testing.T, root, rel string, content []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, rel), content, 0o644))
}

func readAll(t *testing.T, o *Overlay, originalPath string) []byte {
	t.Helper()
	rh, err := o.OpenOriginal(originalPath)
	require.NoError(t, err)
	defer rh.Close()

	buf := make([]byte, 1<<20)
	n, err := o.Read(rh, buf, 0)
	require.NoError(t, err)
	return buf[:n]
}

// Overwrite at offset 0, original view preserves pre-write bytes.
func TestOverwritePreservesOriginalBytes(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "a.txt", []byte("hello"))

	h, err := o.Open("/a.txt", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	_, err = o.Write(h, []byte("WORLD"), 0)
	require.NoError(t, err)

	live, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "WORLD", string(live))

	assert.Equal(t, "hello", string(readAll(t, o, "/.original/a.txt")))
}

// A write creating a hole past the current end returns the
// original short file then EOF.
func TestWritePastEOFKeepsShortOriginal(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "b", make([]byte, 4096))

	h, err := o.Open("/b", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	_, err = o.Write(h, []byte{0xFF}, 8192)
	require.NoError(t, err)

	got := readAll(t, o, "/.original/b")
	assert.Equal(t, 4096, len(got))
	assert.Equal(t, make([]byte, 4096), got)
}

// A rename shows the new name live, the old name in the original view.
func TestRenameReflectsInBothViews(t *testing.T) {
	o, root := newTestOverlay(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	writeOriginFile(t, root, "d/x", []byte("x"))
	writeOriginFile(t, root, "d/y", []byte("y"))

	require.NoError(t, o.Rename("/d/x", "/d/z"))

	live, err := o.Readdir("/d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"z", "y"}, live)

	orig, err := o.Readdir("/.original/d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, orig)
}

// Create, write, unlink leaves no trace at all.
func TestCreateWriteUnlinkLeavesNoTrace(t *testing.T) {
	o, _ := newTestOverlay(t)

	h, err := o.Create("/n", 0o644)
	require.NoError(t, err)
	_, err = o.Write(h, []byte("abc"), 0)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	require.NoError(t, o.Unlink("/n"))

	_, err = o.Getattr("/.original/n")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

// Symlink then unlink preserves the target and the symlink mode.
func TestSymlinkUnlinkPreservesTarget(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "a.txt", []byte("hello"))

	require.NoError(t, o.Symlink("/a.txt", "/s"))
	require.NoError(t, o.Unlink("/s"))

	target, err := o.Readlink("/.original/s")
	require.NoError(t, err)
	assert.Equal(t, "/a.txt", target)

	attr, err := o.Getattr("/.original/s")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFLNK), attr.Mode&syscall.S_IFMT, "mode should be forced to symlink")
}

// Two overlapping writes crossing a block boundary capture
// exactly the two full blocks they touch.
func TestOverlappingWritesCaptureTwoFullBlocks(t *testing.T) {
	o, root := newTestOverlay(t)
	content := make([]byte, 20000)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeOriginFile(t, root, "big", content)

	h, err := o.Open("/big", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	_, err = o.Write(h, make([]byte, 10), 100)
	require.NoError(t, err)
	_, err = o.Write(h, make([]byte, 10), 4090)
	require.NoError(t, err)

	present, err := o.blocks.Present("/big")
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{0: true, 1: true}, present)

	b0, err := o.blocks.ReadBlock("/big", 0)
	require.NoError(t, err)
	assert.Len(t, b0, 4096)
	assert.Equal(t, content[:4096], b0)

	b1, err := o.blocks.ReadBlock("/big", 4096)
	require.NoError(t, err)
	assert.Len(t, b1, 4096)
	assert.Equal(t, content[4096:8192], b1)
}

func TestRenameRoundTripRemovesHistoricalRow(t *testing.T) {
	// Renaming a path away and back must leave no trace in the journal.
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "a", []byte("x"))

	require.NoError(t, o.Rename("/a", "/b"))
	require.NoError(t, o.Rename("/b", "/a"))

	var count int
	err := o.journal.QueryRow(`SELECT count(*) FROM historical_files WHERE path = ?`, "/a").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestTruncateToZeroPreservesOriginalBytes(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "f", []byte("0123456789"))

	require.NoError(t, o.Truncate("/f", 0))

	assert.Equal(t, "0123456789", string(readAll(t, o, "/.original/f")))

	live, err := os.ReadFile(filepath.Join(root, "f"))
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestMergeBlocksIdempotent(t *testing.T) {
	// Capturing the same range twice must be a no-op the second time.
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "f", []byte("0123456789"))

	h, err := o.Open("/f", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	_, err = o.Write(h, []byte("A"), 2)
	require.NoError(t, err)
	before, err := o.blocks.ReadBlock("/f", 0)
	require.NoError(t, err)

	_, err = o.Write(h, []byte("B"), 3)
	require.NoError(t, err)
	after, err := o.blocks.ReadBlock("/f", 0)
	require.NoError(t, err)

	assert.Equal(t, before, after, "second write must not disturb the first saved pre-image")
	assert.Equal(t, "0123456789", string(after))
}

func TestReservedPathsAreHidden(t *testing.T) {
	o, _ := newTestOverlay(t)

	_, err := o.Getattr("/.cow")
	assert.ErrorIs(t, err, syscall.ENOENT)
	_, err = o.Getattr("/.cow/history.db")
	assert.ErrorIs(t, err, syscall.ENOENT)

	_, err = o.Create("/.cow/x", 0o644)
	assert.ErrorIs(t, err, syscall.EACCES)
	assert.ErrorIs(t, o.Unlink("/.cow/history.db"), syscall.EACCES)
}

func TestOriginalViewRejectsMutation(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "a", []byte("x"))

	assert.ErrorIs(t, o.Unlink("/.original/a"), syscall.EACCES)
	assert.ErrorIs(t, o.Truncate("/.original/a", 0), syscall.EACCES)
	assert.ErrorIs(t, o.Rename("/.original/a", "/b"), syscall.EACCES)
	assert.ErrorIs(t, o.Symlink("/a", "/.original/s"), syscall.EACCES)
}

func TestMkdirFailsEexistOnLivePath(t *testing.T) {
	o, root := newTestOverlay(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))

	assert.ErrorIs(t, o.Mkdir("/d", 0o755), syscall.EEXIST)
}

func TestRmdirFailsEnoentWithoutLivePath(t *testing.T) {
	o, _ := newTestOverlay(t)
	assert.ErrorIs(t, o.Rmdir("/missing"), syscall.ENOENT)
}

func TestCreateUnlinkLeavesTablesEmpty(t *testing.T) {
	// Creating and unlinking a path must leave both tables with no row for it.
	o, root := newTestOverlay(t)

	h, err := o.Create("/n", 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, o.Unlink("/n"))

	var count int
	require.NoError(t, o.journal.QueryRow(`SELECT count(*) FROM new_files`).Scan(&count))
	assert.Equal(t, 0, count)
	require.NoError(t, o.journal.QueryRow(`SELECT count(*) FROM historical_files`).Scan(&count))
	assert.Equal(t, 0, count)

	_, err = os.Lstat(filepath.Join(root, "n"))
	assert.True(t, os.IsNotExist(err))
}

func TestPathNeverInBothTables(t *testing.T) {
	// A path may appear in at most one of new_files / historical_files.
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "old", []byte("x"))

	h, err := o.Create("/fresh", 0o644)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, o.Unlink("/old"))
	require.NoError(t, o.Rename("/fresh", "/fresh2"))

	var count int
	require.NoError(t, o.journal.QueryRow(
		`SELECT count(*) FROM new_files WHERE path IN (SELECT path FROM historical_files)`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestReaddirDirectoryOfOnlyRenamedEntries(t *testing.T) {
	o, root := newTestOverlay(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	writeOriginFile(t, root, "d/a", []byte("a"))
	writeOriginFile(t, root, "d/b", []byte("b"))

	require.NoError(t, o.Rename("/d/a", "/d/a2"))
	require.NoError(t, o.Rename("/d/b", "/d/b2"))

	orig, err := o.Readdir("/.original/d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, orig)
}

func TestGetattrOverridesSizeForModifiedFile(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "f", []byte("12345"))

	require.NoError(t, o.Truncate("/f", 0))

	attr, err := o.Getattr("/.original/f")
	require.NoError(t, err)
	assert.Equal(t, int64(5), attr.Size)

	liveAttr, err := o.Getattr("/f")
	require.NoError(t, err)
	assert.Equal(t, int64(0), liveAttr.Size)
}

func TestUnlinkedFileGetattrUsesSavedStat(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "g", []byte("123456789"))

	require.NoError(t, o.Unlink("/g"))

	attr, err := o.Getattr("/.original/g")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFREG), attr.Mode&syscall.S_IFMT)
	assert.Equal(t, int64(9), attr.Size)

	assert.Equal(t, "123456789", string(readAll(t, o, "/.original/g")))
}

func TestRmdirPreservesDirectoryInOriginalView(t *testing.T) {
	o, root := newTestOverlay(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))

	require.NoError(t, o.Rmdir("/empty"))

	attr, err := o.Getattr("/.original/empty")
	require.NoError(t, err)
	assert.Equal(t, uint32(syscall.S_IFDIR), attr.Mode&syscall.S_IFMT)

	names, err := o.Readdir("/.original")
	require.NoError(t, err)
	assert.Contains(t, names, "empty")
}

func TestRenameChainKeepsSingleRow(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "a", []byte("x"))

	require.NoError(t, o.Rename("/a", "/b"))
	require.NoError(t, o.Rename("/b", "/c"))

	var dst string
	require.NoError(t, o.journal.QueryRow(
		`SELECT data FROM historical_files WHERE path = ? AND command = 'rename'`, "/a").Scan(&dst))
	assert.Equal(t, "/c", dst)

	var count int
	require.NoError(t, o.journal.QueryRow(`SELECT count(*) FROM historical_files`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestTruncateToCurrentSizeStillCapturesBlocks(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "f", []byte("abc"))

	require.NoError(t, o.Truncate("/f", 3))

	assert.Equal(t, "abc", string(readAll(t, o, "/.original/f")))
}

func TestZeroLengthWriteAtZeroIsHarmless(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "f", []byte("abc"))

	h, err := o.Open("/f", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	n, err := o.Write(h, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, "abc", string(readAll(t, o, "/.original/f")))
}

func TestRenameAcrossDirectoriesKeepsOriginalListing(t *testing.T) {
	o, root := newTestOverlay(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "e"), 0o755))
	writeOriginFile(t, root, "d/x", []byte("x"))

	require.NoError(t, o.Rename("/d/x", "/e/y"))

	orig, err := o.Readdir("/.original/d")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x"}, orig)

	assert.Equal(t, "x", string(readAll(t, o, "/.original/d/x")))
}

func TestReadMixedLiveAndSavedBlocks(t *testing.T) {
	// Block 0 untouched (read from the live tree), block 1 modified (read
	// from its saved pre-image): an unaligned read spanning both must not
	// let live bytes shadow the pre-image.
	o, root := newTestOverlay(t)
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i % 251)
	}
	writeOriginFile(t, root, "m", content)

	h, err := o.Open("/m", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	_, err = o.Write(h, []byte{0xEE}, 5000)
	require.NoError(t, err)

	rh, err := o.OpenOriginal("/.original/m")
	require.NoError(t, err)
	defer rh.Close()

	buf := make([]byte, 6000)
	n, err := o.Read(rh, buf, 100)
	require.NoError(t, err)
	assert.Equal(t, 6000, n)
	assert.Equal(t, content[100:6100], buf[:n])
}

func TestGetattrOfRenameDestinationIsAbsentFromOriginalView(t *testing.T) {
	o, root := newTestOverlay(t)
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))
	writeOriginFile(t, root, "d/x", []byte("x"))

	require.NoError(t, o.Rename("/d/x", "/d/z"))

	// The original entry stays reachable under its old name only.
	_, err := o.Getattr("/.original/d/z")
	assert.ErrorIs(t, err, syscall.ENOENT)
	_, err = o.OpenOriginal("/.original/d/z")
	assert.ErrorIs(t, err, syscall.ENOENT)

	attr, err := o.Getattr("/.original/d/x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), attr.Size)

	// The working view still sees the destination normally.
	_, err = o.Getattr("/d/z")
	assert.NoError(t, err)
}

func TestGetattrInPlaceWriteReportsOriginalSize(t *testing.T) {
	o, root := newTestOverlay(t)
	writeOriginFile(t, root, "w", []byte("short"))

	h, err := o.Open("/w", os.O_RDWR)
	require.NoError(t, err)
	defer h.Close()

	// Grow the file in place; no historical_files row is created, only
	// pre-image blocks.
	_, err = o.Write(h, make([]byte, 100), 0)
	require.NoError(t, err)

	attr, err := o.Getattr("/.original/w")
	require.NoError(t, err)
	assert.Equal(t, int64(5), attr.Size)

	liveAttr, err := o.Getattr("/w")
	require.NoError(t, err)
	assert.Equal(t, int64(100), liveAttr.Size)
}
