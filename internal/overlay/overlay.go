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

// Package overlay implements the mutation pipeline and original-view
// reader: the part of the system that intercepts working-tree
// mutations, captures pre-image blocks before they're lost, and answers
// queries against the reconstructed original view.
package overlay

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/kvoverlay/cowfs/internal/blockstore"
	"github.com/kvoverlay/cowfs/internal/journal"
	"github.com/kvoverlay/cowfs/internal/logger"
	"github.com/kvoverlay/cowfs/internal/pathclass"
)

// Overlay is a single mounted instance: one origin directory, one journal,
// one block store. It owns no kernel-facing state; that lives in the
// cowfuse adapter's inode table.
type Overlay struct {
	Root string

	journal *journal.Store
	blocks  *blockstore.Store
}

// Open opens (creating if absent) the sidecar directory structure:
// <root>/.cow/history.db and <root>/.cow/filedata/.
func Open(root string) (*Overlay, error) {
	cowDir := filepath.Join(root, ".cow")
	dataDir := filepath.Join(cowDir, "filedata")
	if err := os.MkdirAll(dataDir, 0o777); err != nil {
		return nil, fmt.Errorf("overlay: mkdir %s: %w", dataDir, err)
	}

	j, err := journal.Open(filepath.Join(cowDir, "history.db"))
	if err != nil {
		return nil, err
	}

	b, err := blockstore.New(dataDir)
	if err != nil {
		j.Close()
		return nil, err
	}

	return &Overlay{Root: root, journal: j, blocks: b}, nil
}

// Close releases the journal and block-store handles.
func (o *Overlay) Close() error {
	err1 := o.blocks.Close()
	err2 := o.journal.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// livePath maps a working-view virtual path to its real location under Root.
func (o *Overlay) livePath(p string) string {
	return filepath.Join(o.Root, filepath.FromSlash(p))
}

// rejectReserved refuses access to the sidecar directory: ENOENT for
// read-class operations, EACCES for write/create-class ones.
func rejectReserved(p string, write bool) error {
	if pathclass.Classify(p).Kind != pathclass.Reserved {
		return nil
	}
	if write {
		return syscall.EACCES
	}
	return syscall.ENOENT
}

// rejectMutation refuses mutations of the reserved sidecar and of the
// read-only original view.
func rejectMutation(p string) error {
	switch pathclass.Classify(p).Kind {
	case pathclass.Reserved, pathclass.Original:
		return syscall.EACCES
	}
	return nil
}

// translateLiveErr maps a live-tree syscall error to the POSIX errno the
// kernel expects. A syscall.Errno passes through untouched so live-tree
// errors surface verbatim.
func translateLiveErr(err error) error {
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	if errors.Is(err, fs.ErrNotExist) {
		return syscall.ENOENT
	}
	if errors.Is(err, fs.ErrExist) {
		return syscall.EEXIST
	}
	return syscall.EIO
}

// withScope runs fn inside a journal transaction scope, releasing on
// success. On failure it rolls back and returns fn's error unchanged when
// that is a syscall.Errno (a live-tree errno), EIO otherwise. Every mutation
// handler runs inside one.
func (o *Overlay) withScope(fn func(sc *journal.Scope) error) error {
	sc, err := o.journal.Begin()
	if err != nil {
		return syscall.EIO
	}
	if err := fn(sc); err != nil {
		if rbErr := sc.Rollback(err); rbErr != nil {
			logger.Errorf("overlay: rollback failed: %v", rbErr)
		}
		if errno, ok := asErrno(err); ok {
			return errno
		}
		return syscall.EIO
	}
	if err := sc.Release(); err != nil {
		logger.Errorf("overlay: release failed: %v", err)
		return syscall.EIO
	}
	return nil
}

func asErrno(err error) (syscall.Errno, bool) {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// mergeBlocks is the pre-image capture routine. It copies
// every not-yet-saved 4 KiB-aligned block that overlaps [begin, begin+bytes)
// from f into the block store under origPath, bounded by fsize (the live
// file's size at the moment the mutation was issued).
//
// When begin starts past fsize entirely (a write growing the file across a
// hole), the scan is anchored at the file's real tail instead of at begin,
// so the true end of the original data still gets captured rather than
// silently treated as part of the gap.
//
// A trailing empty EOF marker is inserted only when the last block captured
// is full and ends exactly at fsize: the file then ends on a block boundary,
// and the marker records that. A full block that ends before fsize gets no
// marker, since real data follows it that this mutation didn't touch.
func mergeBlocks(blocks *blockstore.Store, origPath string, f *os.File, begin, bytes, fsize int64) error {
	if fsize <= 0 {
		return nil
	}

	present, err := blocks.Present(origPath)
	if err != nil {
		return err
	}

	start := (begin / blockstore.BlockSize) * blockstore.BlockSize
	if begin >= fsize {
		tail := ((fsize - 1) / blockstore.BlockSize) * blockstore.BlockSize
		if tail < start {
			start = tail
		}
	}

	var lastOffset int64
	lastLen := int64(-1)

	buf := make([]byte, blockstore.BlockSize)
	for b := start; b < begin+bytes && b < fsize; b += blockstore.BlockSize {
		blockNum := b / blockstore.BlockSize
		if present[blockNum] {
			continue
		}

		n, err := f.ReadAt(buf, b)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("overlay: merge-blocks read %s@%d: %w", origPath, b, err)
		}
		if err := blocks.SaveBlock(origPath, b, buf[:n]); err != nil {
			return err
		}
		present[blockNum] = true
		lastOffset = b
		lastLen = int64(n)
	}

	if lastLen == blockstore.BlockSize && lastOffset+blockstore.BlockSize == fsize {
		next := lastOffset + blockstore.BlockSize
		if !present[next/blockstore.BlockSize] {
			if err := blocks.SaveBlock(origPath, next, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
