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
	"errors"
	"io"
	"os"
	pkgpath "path"
	"syscall"

	"github.com/kvoverlay/cowfs/internal/blockstore"
	"github.com/kvoverlay/cowfs/internal/fsinfo"
	"github.com/kvoverlay/cowfs/internal/journal"
	"github.com/kvoverlay/cowfs/internal/pathclass"
	"github.com/kvoverlay/cowfs/internal/statcodec"
)

// Attr is the subset of struct stat fields the original-view reader can
// produce or override, mirroring the fields statcodec serialises. Mode
// carries the raw st_mode bits (type + permissions), not an os.FileMode.
type Attr struct {
	Mode   uint32
	Nlink  int64
	Uid    int64
	Gid    int64
	Rdev   int64
	Size   int64
	Blocks int64
	Atime  int64
	Mtime  int64
	Ctime  int64
}

// Getattr answers stat for both views: a plain passthrough
// stat for working-view paths, and the historical-merge algorithm for
// original-view paths.
func (o *Overlay) Getattr(path string) (Attr, error) {
	cls := pathclass.Classify(path)
	if cls.Kind == pathclass.Reserved {
		return Attr{}, syscall.ENOENT
	}
	if cls.Kind != pathclass.Original {
		return o.liveAttr(o.livePath(path))
	}

	original := cls.Subpath

	// A path that exists only because it was created fresh under this
	// exact name has no original-view projection at all.
	isNew, err := o.isInNewFiles(original)
	if err != nil {
		return Attr{}, err
	}
	if isNew {
		return Attr{}, syscall.ENOENT
	}

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return Attr{}, syscall.EIO
	}

	if !info.IsHistorical && info.RenameTarget {
		// The name is currently the destination of a rename: its live
		// entry carries another path's original identity, which the
		// original view lists under the old name only.
		return Attr{}, syscall.ENOENT
	}

	if info.Removed {
		if info.Command == "erased_link" {
			// An erased symlink's row holds its target text, not a stat
			// record: report a symlink whose size is the target's length.
			return Attr{Mode: syscall.S_IFLNK | 0o777, Nlink: 1, Size: int64(len(info.Data))}, nil
		}
		st, err := statcodec.Decode(info.Data)
		if err != nil {
			return Attr{}, syscall.EIO
		}
		switch info.Command {
		case "erased":
			st.Mode = forceFileType(st.Mode, syscall.S_IFREG)
		case "erased_link":
			st.Mode = forceFileType(st.Mode, syscall.S_IFLNK)
		case "rmdir":
			st.Mode = forceFileType(st.Mode, syscall.S_IFDIR)
		}
		attr := attrFromStat(st)
		if size, err := o.blocks.Size(info.OldPath); err == nil {
			attr.Size = size
		}
		return attr, nil
	}

	// Live entry, possibly under a renamed name, possibly modified in
	// place: stat whatever backs it and report the original size whenever
	// the block store can certify one.
	attr, err := o.liveAttr(o.livePath(info.ResolvedPath))
	if err != nil {
		return Attr{}, err
	}
	if info.HasOriginalSize {
		attr.Size = info.OriginalSize
	}
	return attr, nil
}

func (o *Overlay) isInNewFiles(path string) (bool, error) {
	var command string
	err := o.journal.QueryRow(`SELECT command FROM new_files WHERE path = ?`, path).Scan(&command)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, journal.ErrNoRows):
		return false, nil
	default:
		return false, syscall.EIO
	}
}

func (o *Overlay) liveAttr(realPath string) (Attr, error) {
	fi, err := os.Lstat(realPath)
	if err != nil {
		return Attr{}, translateLiveErr(err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return Attr{Size: fi.Size()}, nil
	}
	return Attr{
		Mode:   st.Mode,
		Nlink:  int64(st.Nlink),
		Uid:    int64(st.Uid),
		Gid:    int64(st.Gid),
		Rdev:   int64(st.Rdev),
		Size:   st.Size,
		Blocks: st.Blocks,
		Atime:  int64(st.Atim.Sec),
		Mtime:  int64(st.Mtim.Sec),
		Ctime:  int64(st.Ctim.Sec),
	}, nil
}

func attrFromStat(s statcodec.Stat) Attr {
	return Attr{
		Mode:   uint32(s.Mode),
		Nlink:  s.Nlink,
		Uid:    s.Uid,
		Gid:    s.Gid,
		Rdev:   s.Rdev,
		Size:   s.Size,
		Blocks: s.Blocks,
		Atime:  s.Atime,
		Mtime:  s.Mtime,
		Ctime:  s.Ctime,
	}
}

func forceFileType(mode int64, kind uint32) int64 {
	const typeMask = int64(syscall.S_IFMT)
	return (mode &^ typeMask) | int64(kind)
}

// Readdir lists a directory: a plain passthrough for
// working-view directories, and the three-set (D/R/N) merge algorithm for
// original-view directories.
func (o *Overlay) Readdir(path string) ([]string, error) {
	cls := pathclass.Classify(path)
	if cls.Kind == pathclass.Reserved {
		return nil, syscall.ENOENT
	}
	if cls.Kind != pathclass.Original {
		return o.liveReaddir(o.livePath(path), path == "/")
	}

	original := cls.Subpath

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return nil, syscall.EIO
	}
	liveDir := original
	if info.NewPath != "" {
		liveDir = info.NewPath
	}

	deleted, renamed, created, err := o.readdirSets(original, liveDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(o.livePath(liveDir))
	if err != nil {
		return nil, translateLiveErr(err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if liveDir == "/" && name == ".cow" {
			continue
		}
		dst := liveDir + "/" + name
		if liveDir == "/" {
			dst = "/" + name
		}
		if origName, ok := renamed[dst]; ok {
			names = append(names, origName)
			delete(renamed, dst)
			continue
		}
		if deleted[name] {
			names = append(names, name)
			delete(deleted, name)
			continue
		}
		if created[name] {
			continue
		}
		names = append(names, name)
	}
	for name := range deleted {
		names = append(names, name)
	}
	for _, origName := range renamed {
		names = append(names, origName)
	}
	return names, nil
}

// readdirSets builds the three merge sets: D = erased regular files and
// removed directories among the original children of `original` (erased
// symlinks are not included); R = renamed original children of `original`, keyed by their
// full current working-view path; N = freshly created children of liveDir
// with no original-view projection.
func (o *Overlay) readdirSets(original, liveDir string) (deleted map[string]bool, renamed map[string]string, created map[string]bool, err error) {
	deleted = make(map[string]bool)
	renamed = make(map[string]string)
	created = make(map[string]bool)

	rows, err := o.journal.Query(`SELECT path, command, data FROM historical_files`)
	if err != nil {
		return nil, nil, nil, syscall.EIO
	}
	defer rows.Close()

	for rows.Next() {
		var path, command string
		var data []byte
		if err := rows.Scan(&path, &command, &data); err != nil {
			return nil, nil, nil, syscall.EIO
		}
		switch command {
		case "erased", "rmdir":
			if pkgpath.Dir(path) == original {
				deleted[pkgpath.Base(path)] = true
			}
		case "rename":
			if pkgpath.Dir(path) == original {
				renamed[string(data)] = pkgpath.Base(path)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, syscall.EIO
	}

	nrows, err := o.journal.Query(`SELECT path, command FROM new_files`)
	if err != nil {
		return nil, nil, nil, syscall.EIO
	}
	defer nrows.Close()

	for nrows.Next() {
		var path, command string
		if err := nrows.Scan(&path, &command); err != nil {
			return nil, nil, nil, syscall.EIO
		}
		if (command == "create" || command == "mkdir") && pkgpath.Dir(path) == liveDir {
			created[pkgpath.Base(path)] = true
		}
	}
	if err := nrows.Err(); err != nil {
		return nil, nil, nil, syscall.EIO
	}

	return deleted, renamed, created, nil
}

func (o *Overlay) liveReaddir(realDir string, isRoot bool) ([]string, error) {
	entries, err := os.ReadDir(realDir)
	if err != nil {
		return nil, translateLiveErr(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if isRoot && e.Name() == ".cow" {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// ReadHandle is an open original-view file: a live descriptor (nil if the
// path has been removed from the working tree entirely) plus the original
// path used to key the block store.
type ReadHandle struct {
	live     *os.File
	origPath string
}

// Close releases the live descriptor, if any.
func (rh *ReadHandle) Close() error {
	if rh.live == nil {
		return nil
	}
	return rh.live.Close()
}

// OpenOriginal opens an /.original/... path for reading: resolve its info
// and open whatever live data backs it, if any.
func (o *Overlay) OpenOriginal(path string) (*ReadHandle, error) {
	cls := pathclass.Classify(path)
	if cls.Kind == pathclass.Reserved {
		return nil, syscall.ENOENT
	}
	original := cls.Subpath
	if cls.Kind != pathclass.Original {
		original = path
	}

	isNew, err := o.isInNewFiles(original)
	if err != nil {
		return nil, err
	}
	if isNew {
		return nil, syscall.ENOENT
	}

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return nil, syscall.EIO
	}

	if !info.IsHistorical && info.RenameTarget {
		// Rename destinations have no original projection of their own.
		return nil, syscall.ENOENT
	}

	if info.Removed {
		return &ReadHandle{origPath: info.OldPath}, nil
	}

	resolved := original
	if info.NewPath != "" {
		resolved = info.NewPath
	}
	f, err := os.Open(o.livePath(resolved))
	if err != nil {
		return nil, translateLiveErr(err)
	}
	return &ReadHandle{live: f, origPath: info.OldPath}, nil
}

// Read reconstructs original bytes block by block, preferring the block
// store's pre-image over the live descriptor.
func (o *Overlay) Read(rh *ReadHandle, buf []byte, offset int64) (int, error) {
	total := 0
	for len(buf) > 0 {
		b := (offset / blockstore.BlockSize) * blockstore.BlockSize

		blob, err := o.blocks.ReadBlock(rh.origPath, b)
		if err == nil {
			delta := int(offset - b)
			avail := len(blob) - delta
			if avail < 0 {
				avail = 0
			}
			n := len(buf)
			if n > avail {
				n = avail
			}
			copy(buf[:n], blob[delta:delta+n])
			total += n
			offset += int64(n)
			buf = buf[n:]
			if len(blob) < blockstore.BlockSize {
				return total, nil
			}
			continue
		}
		if !errors.Is(err, blockstore.ErrNoBlock) {
			return total, syscall.EIO
		}

		if rh.live == nil {
			return total, nil
		}

		// Never let a live read cross into the next block: that block may
		// have a saved pre-image which must shadow the live bytes.
		want := int(b + blockstore.BlockSize - offset)
		if want > len(buf) {
			want = len(buf)
		}
		tmp := make([]byte, want)
		n, rerr := rh.live.ReadAt(tmp, offset)
		if n == 0 && rerr != nil && !errors.Is(rerr, io.EOF) {
			return total, syscall.EIO
		}
		copy(buf[:n], tmp[:n])
		total += n
		offset += int64(n)
		buf = buf[n:]

		if n < want {
			return total, nil
		}
	}
	return total, nil
}

// Readlink returns the stored target for erased links and delegates to
// the live tree otherwise.
func (o *Overlay) Readlink(path string) (string, error) {
	cls := pathclass.Classify(path)
	if cls.Kind == pathclass.Reserved {
		return "", syscall.ENOENT
	}
	if cls.Kind != pathclass.Original {
		target, err := os.Readlink(o.livePath(path))
		if err != nil {
			return "", translateLiveErr(err)
		}
		return target, nil
	}

	original := cls.Subpath
	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return "", syscall.EIO
	}
	if info.Command == "erased_link" {
		if info.Data == nil {
			return "", syscall.EIO
		}
		return string(info.Data), nil
	}

	resolved := original
	if info.NewPath != "" {
		resolved = info.NewPath
	}
	target, err := os.Readlink(o.livePath(resolved))
	if err != nil {
		return "", translateLiveErr(err)
	}
	return target, nil
}
