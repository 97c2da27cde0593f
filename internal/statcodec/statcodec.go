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

// Package statcodec serialises the fixed-layout file-metadata record stored
// alongside erased files and directories in the journal.
package statcodec

import (
	"encoding/binary"
	"fmt"
)

// fieldCount is the number of int64 fields in the record.
const fieldCount = 10

// Size is the length in bytes of an encoded Stat.
const Size = fieldCount * 8

// Stat is the fixed 10-field metadata record. All fields are stored as
// signed 64-bit big-endian integers.
type Stat struct {
	Mode  int64
	Nlink int64
	Uid   int64
	Gid   int64
	Rdev  int64
	Size  int64
	Blocks int64
	Atime int64
	Mtime int64
	Ctime int64
}

// Encode produces the 80-byte blob for s.
func Encode(s Stat) []byte {
	out := make([]byte, Size)
	fields := [fieldCount]int64{
		s.Mode, s.Nlink, s.Uid, s.Gid, s.Rdev,
		s.Size, s.Blocks, s.Atime, s.Mtime, s.Ctime,
	}
	for i, v := range fields {
		binary.BigEndian.PutUint64(out[i*8:(i+1)*8], uint64(v))
	}
	return out
}

// Decode parses a blob produced by Encode. A blob whose length is not
// exactly Size bytes is rejected with an error.
func Decode(blob []byte) (Stat, error) {
	if len(blob) != Size {
		return Stat{}, fmt.Errorf("statcodec: decode: want %d bytes, got %d", Size, len(blob))
	}
	var fields [fieldCount]int64
	for i := range fields {
		fields[i] = int64(binary.BigEndian.Uint64(blob[i*8 : (i+1)*8]))
	}
	return Stat{
		Mode:   fields[0],
		Nlink:  fields[1],
		Uid:    fields[2],
		Gid:    fields[3],
		Rdev:   fields[4],
		Size:   fields[5],
		Blocks: fields[6],
		Atime:  fields[7],
		Mtime:  fields[8],
		Ctime:  fields[9],
	}, nil
}
