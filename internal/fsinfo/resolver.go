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

// Package fsinfo implements the file-info resolver: given any
// path in either view, it determines whether that path is new, historical,
// renamed, or removed, and attaches the block store's notion of the
// original size. The result is attached to open handles and is cheap enough
// to recompute idempotently straight from the journal on every call.
package fsinfo

import (
	"errors"
	"os"

	"github.com/kvoverlay/cowfs/internal/blockstore"
	"github.com/kvoverlay/cowfs/internal/journal"
	"github.com/kvoverlay/cowfs/internal/pathclass"
)

// Info is the resolved state of a path.
type Info struct {
	IsOriginal   bool
	IsNew        bool
	IsHistorical bool
	Removed      bool

	// Command is the historical_files command for this path's original
	// name, one of "rename", "erased", "erased_link", "rmdir", or "" if
	// IsHistorical is false.
	Command string

	// Data is the raw historical_files payload: the rename destination
	// for command="rename", a serialized stat record for "erased"/"rmdir",
	// or a symlink target for "erased_link".
	Data []byte

	// NewPath is the current working-view location of an original path
	// that has been renamed at least once; empty if never renamed.
	NewPath string

	// OldPath is the original-view name this path was known by before any
	// rename; equal to the resolved original path if it was never
	// renamed.
	OldPath string

	// RenameTarget reports whether the candidate path is currently the
	// destination of some rename: its live entry carries another path's
	// original identity.
	RenameTarget bool

	// ResolvedPath is the working-view path this Info was ultimately
	// computed against: NewPath when set, otherwise the original
	// candidate path itself.
	ResolvedPath string

	// HasOriginalSize reports whether OriginalSize and BlockPresence were
	// derivable from the block store (step 5 only runs for regular
	// files that exist, and succeeds only when the highest saved
	// pre-image block is short or an empty EOF marker).
	HasOriginalSize bool
	OriginalSize    int64
	BlockPresence   map[int64]bool
}

// Resolve computes Info for path p, which may be a working-view or
// original-view path. root is the real filesystem directory backing the
// working view, used to stat the resolved path for step 5.
func Resolve(j *journal.Store, b *blockstore.Store, root, p string) (Info, error) {
	var info Info

	cls := pathclass.Classify(p)
	var original string
	if cls.Kind == pathclass.Original {
		info.IsOriginal = true
		original = cls.Subpath
	} else {
		original = p
	}

	// Step 2: historical_files[original].
	var command string
	var data []byte
	err := j.QueryRow(`SELECT command, data FROM historical_files WHERE path = ?`, original).Scan(&command, &data)
	switch {
	case err == nil:
		info.IsHistorical = true
		info.Command = command
		info.Data = data
		switch command {
		case "rename":
			info.NewPath = string(data)
		case "erased", "erased_link", "rmdir":
			info.Removed = true
		}
	case errors.Is(err, journal.ErrNoRows):
		// No historical record: unchanged since observation.
	default:
		return Info{}, err
	}

	// Step 3: inverse rename lookup. Keyed on the stripped candidate path:
	// for original-view input the candidate already is the original name,
	// and for working-view input it recovers the pre-rename name.
	var oldKey string
	err = j.QueryRow(`SELECT path FROM historical_files WHERE command = 'rename' AND data = ?`, original).Scan(&oldKey)
	switch {
	case err == nil:
		info.RenameTarget = true
		if info.IsOriginal {
			info.OldPath = original
		} else {
			info.OldPath = oldKey
		}
	case errors.Is(err, journal.ErrNoRows):
		info.OldPath = original
	default:
		return Info{}, err
	}

	// Step 4: new_files membership, working-view paths only.
	if !info.IsOriginal {
		var nfCommand string
		err = j.QueryRow(`SELECT command FROM new_files WHERE path = ?`, original).Scan(&nfCommand)
		switch {
		case err == nil:
			info.IsNew = true
		case errors.Is(err, journal.ErrNoRows):
		default:
			return Info{}, err
		}
	}

	info.ResolvedPath = original
	if info.NewPath != "" {
		info.ResolvedPath = info.NewPath
	}

	// Step 5: block-store-derived original size, regular files only.
	fi, statErr := os.Lstat(root + info.ResolvedPath)
	if statErr == nil && fi.Mode().IsRegular() {
		size, sizeErr := b.Size(info.OldPath)
		switch {
		case sizeErr == nil:
			info.HasOriginalSize = true
			info.OriginalSize = size
			presence, presErr := b.Present(info.OldPath)
			if presErr != nil {
				return Info{}, presErr
			}
			info.BlockPresence = presence
		case errors.Is(sizeErr, blockstore.ErrUnknown):
			// No certified size; caller falls back to the live file.
		default:
			return Info{}, sizeErr
		}
	}

	return info, nil
}
