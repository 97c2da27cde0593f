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
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/kvoverlay/cowfs/internal/fsinfo"
	"github.com/kvoverlay/cowfs/internal/journal"
	"github.com/kvoverlay/cowfs/internal/statcodec"
)

// Handle is an open working-view file, bearing the descriptor and the
// file-info record resolved at open time.
type Handle struct {
	f    *os.File
	path string
	info fsinfo.Info
}

// Close releases the live descriptor. It is the only place a Handle's
// descriptor is closed.
func (h *Handle) Close() error {
	return h.f.Close()
}

// ReadAt is the working-view read passthrough: the live descriptor already
// reflects every applied mutation, so no journal merge is involved.
func (h *Handle) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := h.f.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Create makes a fresh working-view file with exclusive-create semantics
// and records it in new_files.
func (o *Overlay) Create(path string, mode os.FileMode) (*Handle, error) {
	if err := rejectMutation(path); err != nil {
		return nil, err
	}

	var h *Handle
	err := o.withScope(func(sc *journal.Scope) error {
		if _, err := sc.Exec(`INSERT INTO new_files VALUES (?, 'create')`, path); err != nil {
			return fmt.Errorf("overlay: create journal %s: %w", path, err)
		}

		f, err := os.OpenFile(o.livePath(path), os.O_RDWR|os.O_CREATE|os.O_EXCL, mode)
		if err != nil {
			return translateLiveErr(err)
		}
		h = &Handle{f: f, path: path, info: fsinfo.Info{IsNew: true, OldPath: path, ResolvedPath: path}}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Mkdir makes a fresh working-view directory and records it in new_files.
func (o *Overlay) Mkdir(path string, mode os.FileMode) error {
	if err := rejectMutation(path); err != nil {
		return err
	}

	return o.withScope(func(sc *journal.Scope) error {
		if _, err := os.Lstat(o.livePath(path)); err == nil {
			return syscall.EEXIST
		}

		if _, err := sc.Exec(`INSERT INTO new_files VALUES (?, 'mkdir')`, path); err != nil {
			return fmt.Errorf("overlay: mkdir journal %s: %w", path, err)
		}
		if err := os.Mkdir(o.livePath(path), mode); err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
}

// Open resolves info for path, normalises flags to read-write, and opens
// the resolved working-view location.
func (o *Overlay) Open(path string, flags int) (*Handle, error) {
	if err := rejectReserved(path, false); err != nil {
		return nil, err
	}

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return nil, syscall.EIO
	}

	flags &^= os.O_WRONLY | os.O_APPEND
	flags |= os.O_RDWR

	f, err := os.OpenFile(o.livePath(info.ResolvedPath), flags, 0)
	if err != nil {
		return nil, translateLiveErr(err)
	}
	return &Handle{f: f, path: path, info: info}, nil
}

// Write captures the pre-image blocks the write would destroy, then
// applies buf to the live descriptor at offset.
func (o *Overlay) Write(h *Handle, buf []byte, offset int64) (int, error) {
	var n int
	err := o.withScope(func(sc *journal.Scope) error {
		if !h.info.IsNew {
			fi, err := h.f.Stat()
			if err != nil {
				return translateLiveErr(err)
			}
			if err := mergeBlocks(o.blocks, h.info.OldPath, h.f, offset, int64(len(buf)), fi.Size()); err != nil {
				return err
			}
		}

		wrote, err := h.f.WriteAt(buf, offset)
		n = wrote
		if err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Truncate captures the file's entire current contents, then truncates
// the live file to length.
func (o *Overlay) Truncate(path string, length int64) error {
	if err := rejectMutation(path); err != nil {
		return err
	}

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return syscall.EIO
	}

	return o.withScope(func(sc *journal.Scope) error {
		f, err := os.OpenFile(o.livePath(info.ResolvedPath), os.O_RDWR, 0)
		if err != nil {
			return translateLiveErr(err)
		}
		defer f.Close()

		if !info.IsNew {
			fi, err := f.Stat()
			if err != nil {
				return translateLiveErr(err)
			}
			if err := mergeBlocks(o.blocks, info.OldPath, f, 0, fi.Size(), fi.Size()); err != nil {
				return err
			}
		}

		if err := f.Truncate(length); err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
}

// Unlink removes a working-view entry, first recording whatever is needed
// to reconstruct it: nothing for new paths, the link target for symlinks,
// the stat record plus every remaining block for regular files.
func (o *Overlay) Unlink(path string) error {
	if err := rejectMutation(path); err != nil {
		return err
	}

	live := o.livePath(path)
	fi, statErr := os.Lstat(live)
	if statErr != nil {
		return translateLiveErr(statErr)
	}

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return syscall.EIO
	}

	return o.withScope(func(sc *journal.Scope) error {
		if info.IsNew {
			if _, err := sc.Exec(`DELETE FROM new_files WHERE path = ?`, path); err != nil {
				return fmt.Errorf("overlay: unlink journal %s: %w", path, err)
			}
		} else if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(live)
			if err != nil {
				return translateLiveErr(err)
			}
			if _, err := sc.Exec(`INSERT OR REPLACE INTO historical_files VALUES (?, 'erased_link', ?)`, path, []byte(target)); err != nil {
				return fmt.Errorf("overlay: unlink journal %s: %w", path, err)
			}
		} else {
			blob, err := statBlob(fi)
			if err != nil {
				return err
			}
			if err := captureWholeFile(o, path, info, live); err != nil {
				return err
			}
			if _, err := sc.Exec(`INSERT OR REPLACE INTO historical_files VALUES (?, 'erased', ?)`, path, blob); err != nil {
				return fmt.Errorf("overlay: unlink journal %s: %w", path, err)
			}
		}

		if err := os.Remove(live); err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
}

// captureWholeFile runs merge-blocks over a regular file's entire length
// before it's unlinked.
func captureWholeFile(o *Overlay, path string, info fsinfo.Info, live string) error {
	f, err := os.Open(live)
	if err != nil {
		return translateLiveErr(err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return translateLiveErr(err)
	}
	return mergeBlocks(o.blocks, info.OldPath, f, 0, fi.Size(), fi.Size())
}

// Rmdir removes a working-view directory, symmetric to Unlink.
func (o *Overlay) Rmdir(path string) error {
	if err := rejectMutation(path); err != nil {
		return err
	}

	live := o.livePath(path)
	fi, statErr := os.Lstat(live)
	if statErr != nil {
		return translateLiveErr(statErr)
	}

	info, err := fsinfo.Resolve(o.journal, o.blocks, o.Root, path)
	if err != nil {
		return syscall.EIO
	}

	return o.withScope(func(sc *journal.Scope) error {
		if info.IsNew {
			if _, err := sc.Exec(`DELETE FROM new_files WHERE path = ?`, path); err != nil {
				return fmt.Errorf("overlay: rmdir journal %s: %w", path, err)
			}
		} else {
			blob, err := statBlob(fi)
			if err != nil {
				return err
			}
			if _, err := sc.Exec(`INSERT OR REPLACE INTO historical_files VALUES (?, 'rmdir', ?)`, path, blob); err != nil {
				return fmt.Errorf("overlay: rmdir journal %s: %w", path, err)
			}
		}

		if err := os.Remove(live); err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
}

// Symlink creates a fresh working-view symlink and records it in
// new_files.
func (o *Overlay) Symlink(target, linkpath string) error {
	if err := rejectMutation(linkpath); err != nil {
		return err
	}

	return o.withScope(func(sc *journal.Scope) error {
		if _, err := sc.Exec(`INSERT INTO new_files VALUES (?, 'symlink')`, linkpath); err != nil {
			return fmt.Errorf("overlay: symlink journal %s: %w", linkpath, err)
		}
		if err := os.Symlink(target, o.livePath(linkpath)); err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
}

// Rename moves a working-view entry, maintaining exactly one historical
// rename row per original path; renaming an entry back to its original
// name deletes the row.
func (o *Overlay) Rename(src, dst string) error {
	if err := rejectMutation(src); err != nil {
		return err
	}
	if err := rejectMutation(dst); err != nil {
		return err
	}
	if _, err := os.Lstat(o.livePath(src)); err != nil {
		return translateLiveErr(err)
	}

	return o.withScope(func(sc *journal.Scope) error {
		var isNew bool
		if err := sc.QueryRow(`SELECT command FROM new_files WHERE path = ?`, src).Scan(new(string)); err == nil {
			isNew = true
		} else if !errors.Is(err, journal.ErrNoRows) {
			return fmt.Errorf("overlay: rename lookup %s: %w", src, err)
		}

		if isNew {
			if _, err := sc.Exec(`UPDATE new_files SET path = ? WHERE path = ?`, dst, src); err != nil {
				return fmt.Errorf("overlay: rename new_files %s->%s: %w", src, dst, err)
			}
		} else {
			var key string
			var data []byte
			err := sc.QueryRow(`SELECT path, data FROM historical_files WHERE command = 'rename' AND data = ?`, src).Scan(&key, &data)
			switch {
			case err == nil:
				if dst == key {
					if _, err := sc.Exec(`DELETE FROM historical_files WHERE path = ?`, key); err != nil {
						return fmt.Errorf("overlay: rename undo %s: %w", key, err)
					}
				} else {
					if _, err := sc.Exec(`UPDATE historical_files SET data = ? WHERE path = ?`, dst, key); err != nil {
						return fmt.Errorf("overlay: rename update %s: %w", key, err)
					}
				}
			case errors.Is(err, journal.ErrNoRows):
				if _, err := sc.Exec(`INSERT OR IGNORE INTO historical_files VALUES (?, 'rename', ?)`, src, dst); err != nil {
					return fmt.Errorf("overlay: rename insert %s->%s: %w", src, dst, err)
				}
			default:
				return fmt.Errorf("overlay: rename lookup %s: %w", src, err)
			}
		}

		if err := os.Rename(o.livePath(src), o.livePath(dst)); err != nil {
			return translateLiveErr(err)
		}
		return nil
	})
}

// Fsync flushes the live descriptor. The journal has no paired durability
// guarantee; journal durability stays best-effort per operation.
func (o *Overlay) Fsync(h *Handle) error {
	if err := h.f.Sync(); err != nil {
		return translateLiveErr(err)
	}
	return nil
}

func statBlob(fi os.FileInfo) ([]byte, error) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, fmt.Errorf("overlay: stat_t unavailable for %s", fi.Name())
	}
	s := statcodec.Stat{
		Mode:   int64(st.Mode),
		Nlink:  int64(st.Nlink),
		Uid:    int64(st.Uid),
		Gid:    int64(st.Gid),
		Rdev:   int64(st.Rdev),
		Size:   st.Size,
		Blocks: st.Blocks,
		Atime:  int64(st.Atim.Sec),
		Mtime:  int64(st.Mtim.Sec),
		Ctime:  int64(st.Ctim.Sec),
	}
	return statcodec.Encode(s), nil
}
