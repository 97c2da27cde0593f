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

// Package cowfuse adapts the path-based overlay core to the inode-based
// fuseutil.FileSystem interface. It keeps an inode table mapping FUSE inode
// IDs to mount-namespace paths and back; every operation it handles is a
// direct call into the overlay, with no copy-on-write logic of its own.
package cowfuse

import (
	"context"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/kvoverlay/cowfs/internal/overlay"
	"github.com/kvoverlay/cowfs/internal/pathclass"
)

// ServerConfig carries everything NewServer needs.
type ServerConfig struct {
	// Overlay is the mounted copy-on-write engine.
	Overlay *overlay.Overlay
}

// NewServer creates a fuse.Server wrapping cfg.Overlay.
func NewServer(cfg *ServerConfig) (fuse.Server, error) {
	fs := &fileSystem{
		overlay:     cfg.Overlay,
		inodes:      make(map[fuseops.InodeID]string),
		paths:       make(map[string]fuseops.InodeID),
		fileHandles: make(map[fuseops.HandleID]*fileHandle),
		dirHandles:  make(map[fuseops.HandleID][]fuseutil.Dirent),
		nextInode:   fuseops.RootInodeID + 1,
		nextHandle:  1,
	}
	fs.inodes[fuseops.RootInodeID] = "/"
	fs.paths["/"] = fuseops.RootInodeID

	return fuseutil.NewFileSystemServer(fs), nil
}

// fileHandle is one open file: exactly one of working or original is set,
// depending on which view the path was opened through.
type fileHandle struct {
	working  *overlay.Handle
	original *overlay.ReadHandle
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	overlay *overlay.Overlay

	// mu serialises every operation: the overlay's dispatch model is one
	// request at a time, with no background tasks.
	mu sync.Mutex

	inodes    map[fuseops.InodeID]string
	paths     map[string]fuseops.InodeID
	nextInode fuseops.InodeID

	fileHandles map[fuseops.HandleID]*fileHandle
	dirHandles  map[fuseops.HandleID][]fuseutil.Dirent
	nextHandle  fuseops.HandleID
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// childPath joins a directory's mount-namespace path with one entry name.
// Plain concatenation, because path classification is byte-exact and must
// not be disturbed by any cleaning.
func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) pathOf(id fuseops.InodeID) (string, error) {
	p, ok := fs.inodes[id]
	if !ok {
		return "", fuse.EINVAL
	}
	return p, nil
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) mintInode(p string) fuseops.InodeID {
	if id, ok := fs.paths[p]; ok {
		return id
	}
	id := fs.nextInode
	fs.nextInode++
	fs.inodes[id] = p
	fs.paths[p] = id
	return id
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) mintHandle() fuseops.HandleID {
	id := fs.nextHandle
	fs.nextHandle++
	return id
}

// fileModeFromRaw converts raw st_mode bits to the os.FileMode the FUSE
// library expects in attributes.
func fileModeFromRaw(m uint32) os.FileMode {
	mode := os.FileMode(m & 0o777)
	switch m & syscall.S_IFMT {
	case syscall.S_IFDIR:
		mode |= os.ModeDir
	case syscall.S_IFLNK:
		mode |= os.ModeSymlink
	case syscall.S_IFIFO:
		mode |= os.ModeNamedPipe
	case syscall.S_IFSOCK:
		mode |= os.ModeSocket
	case syscall.S_IFBLK:
		mode |= os.ModeDevice
	case syscall.S_IFCHR:
		mode |= os.ModeDevice | os.ModeCharDevice
	}
	if m&syscall.S_ISUID != 0 {
		mode |= os.ModeSetuid
	}
	if m&syscall.S_ISGID != 0 {
		mode |= os.ModeSetgid
	}
	if m&syscall.S_ISVTX != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

func convertAttr(a overlay.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(a.Size),
		Nlink: uint32(a.Nlink),
		Mode:  fileModeFromRaw(a.Mode),
		Atime: time.Unix(a.Atime, 0),
		Mtime: time.Unix(a.Mtime, 0),
		Ctime: time.Unix(a.Ctime, 0),
		Uid:   uint32(a.Uid),
		Gid:   uint32(a.Gid),
	}
}

// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) entryForPath(p string) (fuseops.ChildInodeEntry, error) {
	attr, err := fs.overlay.Getattr(p)
	if err != nil {
		return fuseops.ChildInodeEntry{}, err
	}
	return fuseops.ChildInodeEntry{
		Child:      fs.mintInode(p),
		Attributes: convertAttr(attr),
	}, nil
}

func direntType(mode os.FileMode) fuseutil.DirentType {
	switch {
	case mode.IsDir():
		return fuseutil.DT_Directory
	case mode&os.ModeSymlink != 0:
		return fuseutil.DT_Link
	case mode.IsRegular():
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}

////////////////////////////////////////////////////////////////////////
// fuseutil.FileSystem methods
////////////////////////////////////////////////////////////////////////

func (fs *fileSystem) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var st unix.Statfs_t
	if err := unix.Statfs(fs.overlay.Root, &st); err != nil {
		return err
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

func (fs *fileSystem) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}

	entry, err := fs.entryForPath(childPath(parent, op.Name))
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

func (fs *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}

	attr, err := fs.overlay.Getattr(p)
	if err != nil {
		return err
	}
	op.Attributes = convertAttr(attr)
	return nil
}

func (fs *fileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}

	// The only supported attribute change is size (truncate).
	if op.Mode != nil || op.Atime != nil || op.Mtime != nil {
		return fuse.ENOSYS
	}

	if op.Size != nil {
		if pathclass.Classify(p).Kind == pathclass.Original {
			return syscall.EACCES
		}
		if err := fs.overlay.Truncate(p, int64(*op.Size)); err != nil {
			return err
		}
	}

	attr, err := fs.overlay.Getattr(p)
	if err != nil {
		return err
	}
	op.Attributes = convertAttr(attr)
	return nil
}

func (fs *fileSystem) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	// Inode IDs are stable per path; the table is the only bookkeeping and
	// it is small, so nothing is reclaimed here.
	return nil
}

func (fs *fileSystem) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) error {
	return nil
}

func (fs *fileSystem) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	p := childPath(parent, op.Name)

	if err := fs.overlay.Mkdir(p, op.Mode.Perm()); err != nil {
		return err
	}

	entry, err := fs.entryForPath(p)
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

func (fs *fileSystem) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	p := childPath(parent, op.Name)

	h, err := fs.overlay.Create(p, op.Mode.Perm())
	if err != nil {
		return err
	}

	entry, err := fs.entryForPath(p)
	if err != nil {
		h.Close()
		return err
	}
	op.Entry = entry

	op.Handle = fs.mintHandle()
	fs.fileHandles[op.Handle] = &fileHandle{working: h}
	return nil
}

func (fs *fileSystem) CreateSymlink(
	ctx context.Context,
	op *fuseops.CreateSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	p := childPath(parent, op.Name)

	if err := fs.overlay.Symlink(op.Target, p); err != nil {
		return err
	}

	entry, err := fs.entryForPath(p)
	if err != nil {
		return err
	}
	op.Entry = entry
	return nil
}

func (fs *fileSystem) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldParent, err := fs.pathOf(op.OldParent)
	if err != nil {
		return err
	}
	newParent, err := fs.pathOf(op.NewParent)
	if err != nil {
		return err
	}
	src := childPath(oldParent, op.OldName)
	dst := childPath(newParent, op.NewName)

	if err := fs.overlay.Rename(src, dst); err != nil {
		return err
	}
	fs.rekey(src, dst)
	return nil
}

// rekey moves the inode-table entries for src and everything under it to
// their new names, so open inodes keep resolving after a rename.
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) rekey(src, dst string) {
	moved := make(map[string]string)
	moved[src] = dst
	prefix := src + "/"
	for p := range fs.paths {
		if len(p) > len(prefix) && p[:len(prefix)] == prefix {
			moved[p] = dst + "/" + p[len(prefix):]
		}
	}
	for from, to := range moved {
		id := fs.paths[from]
		delete(fs.paths, from)
		// A stale mapping for the destination is simply overwritten.
		fs.paths[to] = id
		fs.inodes[id] = to
	}
}

func (fs *fileSystem) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	p := childPath(parent, op.Name)

	if err := fs.overlay.Rmdir(p); err != nil {
		return err
	}
	fs.dropPath(p)
	return nil
}

func (fs *fileSystem) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.pathOf(op.Parent)
	if err != nil {
		return err
	}
	p := childPath(parent, op.Name)

	if err := fs.overlay.Unlink(p); err != nil {
		return err
	}
	fs.dropPath(p)
	return nil
}

// dropPath removes the path→inode mapping so a future entry created under
// the same name mints a fresh lookup; the inode→path side stays for any
// still-open handles.
// LOCKS_REQUIRED(fs.mu)
func (fs *fileSystem) dropPath(p string) {
	delete(fs.paths, p)
}

func (fs *fileSystem) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}

	names, err := fs.overlay.Readdir(p)
	if err != nil {
		return err
	}
	sort.Strings(names)

	ents := make([]fuseutil.Dirent, 0, len(names))
	for i, name := range names {
		cp := childPath(p, name)
		dt := fuseutil.DT_Unknown
		if attr, err := fs.overlay.Getattr(cp); err == nil {
			dt = direntType(fileModeFromRaw(attr.Mode))
		}
		ents = append(ents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.mintInode(cp),
			Name:   name,
			Type:   dt,
		})
	}

	op.Handle = fs.mintHandle()
	fs.dirHandles[op.Handle] = ents
	return nil
}

func (fs *fileSystem) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	ents, ok := fs.dirHandles[op.Handle]
	if !ok {
		return fuse.EINVAL
	}
	if op.Offset > fuseops.DirOffset(len(ents)) {
		return fuse.EINVAL
	}

	for _, e := range ents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fileSystem) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delete(fs.dirHandles, op.Handle)
	return nil
}

func (fs *fileSystem) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}

	fh := &fileHandle{}
	if pathclass.Classify(p).Kind == pathclass.Original {
		rh, err := fs.overlay.OpenOriginal(p)
		if err != nil {
			return err
		}
		fh.original = rh
	} else {
		h, err := fs.overlay.Open(p, os.O_RDWR)
		if err != nil {
			return err
		}
		fh.working = h
	}

	op.Handle = fs.mintHandle()
	fs.fileHandles[op.Handle] = fh
	return nil
}

func (fs *fileSystem) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return fuse.EINVAL
	}

	var err error
	if fh.original != nil {
		op.BytesRead, err = fs.overlay.Read(fh.original, op.Dst, op.Offset)
	} else {
		op.BytesRead, err = fh.working.ReadAt(op.Dst, op.Offset)
	}
	return err
}

func (fs *fileSystem) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return fuse.EINVAL
	}
	if fh.working == nil {
		return syscall.EACCES
	}

	_, err := fs.overlay.Write(fh.working, op.Data, op.Offset)
	return err
}

func (fs *fileSystem) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return fuse.EINVAL
	}
	if fh.working == nil {
		return nil
	}
	return fs.overlay.Fsync(fh.working)
}

func (fs *fileSystem) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fh, ok := fs.fileHandles[op.Handle]
	if !ok {
		return fuse.EINVAL
	}
	delete(fs.fileHandles, op.Handle)

	if fh.working != nil {
		return fh.working.Close()
	}
	return fh.original.Close()
}

func (fs *fileSystem) ReadSymlink(
	ctx context.Context,
	op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p, err := fs.pathOf(op.Inode)
	if err != nil {
		return err
	}

	target, err := fs.overlay.Readlink(p)
	if err != nil {
		return err
	}
	op.Target = target
	return nil
}
