// dlb is an incremental build runtime.
// Copyright (C) 2026  dlb contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package memo captures a portable summary of a filesystem object and
// encodes it into a compact, platform-stable binary form so that two
// memos can be compared byte-for-byte regardless of which host produced
// them.
package memo

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
)

// StatSummary is the portable subset of os.FileInfo that participates in
// a redo decision.
type StatSummary struct {
	Mode      uint32
	Size      int64
	ModTimeNS int64
	UID       uint32
	GID       uint32
}

// Memo is the tuple (stat_summary | nil, symlink_target | nil). Both
// fields nil means the object does not exist; SymlinkTarget non-nil
// means the object is a symbolic link.
type Memo struct {
	Stat          *StatSummary
	SymlinkTarget *string
}

// IsSymlink reports whether m describes a symbolic link.
func (m Memo) IsSymlink() bool { return m.SymlinkTarget != nil }

// Exists reports whether m describes an existing object.
func (m Memo) Exists() bool { return m.Stat != nil }

// EncodingError names the offending field of a memo that failed to
// encode or decode.
type EncodingError struct {
	Field  string
	Reason string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("memo: field %s: %s", e.Field, e.Reason)
}

// Read summarizes the filesystem object at absPath without following a
// trailing symlink. Non-existence yields a zero Memo, not an error.
func Read(absPath string) (Memo, error) {
	fi, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Memo{}, nil
		}
		return Memo{}, err
	}

	var target *string
	if fi.Mode()&os.ModeSymlink != 0 {
		t, err := os.Readlink(absPath)
		if err != nil {
			return Memo{}, err
		}
		target = &t
	}

	stat := &StatSummary{
		Mode:      uint32(fi.Mode()),
		Size:      fi.Size(),
		ModTimeNS: fi.ModTime().UnixNano(),
	}
	if sys, ok := fi.Sys().(*syscall.Stat_t); ok {
		stat.UID = sys.Uid
		stat.GID = sys.Gid
	}

	return Memo{Stat: stat, SymlinkTarget: target}, nil
}

// Encode produces the deterministic binary form of m.
func Encode(m Memo) ([]byte, error) {
	if m.Stat == nil {
		if m.SymlinkTarget != nil {
			return nil, &EncodingError{"symlink_target", "present without a stat summary"}
		}
		return []byte{0}, nil
	}

	buf := make([]byte, 1+4+8+8+4+4)
	buf[0] = 1
	off := 1
	binary.BigEndian.PutUint32(buf[off:], m.Stat.Mode)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(m.Stat.Size))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(m.Stat.ModTimeNS))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], m.Stat.UID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.Stat.GID)
	off += 4

	isSymlink := m.Stat.Mode&uint32(os.ModeSymlink) != 0
	if isSymlink != (m.SymlinkTarget != nil) {
		return nil, &EncodingError{"symlink_target", "symlink flag disagrees with target presence"}
	}
	if m.SymlinkTarget != nil {
		buf = append(buf, 1)
		target := []byte(*m.SymlinkTarget)
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(target)))
		buf = append(buf, lenBuf...)
		buf = append(buf, target...)
	} else {
		buf = append(buf, 0)
	}
	return buf, nil
}

// Decode reverses Encode, rejecting any byte string not produced by it.
func Decode(b []byte) (Memo, error) {
	if len(b) == 0 {
		return Memo{}, &EncodingError{"header", "empty encoding"}
	}
	if b[0] == 0 {
		if len(b) != 1 {
			return Memo{}, &EncodingError{"header", "trailing bytes after non-existence marker"}
		}
		return Memo{}, nil
	}
	if b[0] != 1 {
		return Memo{}, &EncodingError{"header", "unknown marker byte"}
	}

	const fixedLen = 1 + 4 + 8 + 8 + 4 + 4
	if len(b) < fixedLen+1 {
		return Memo{}, &EncodingError{"header", "truncated fixed fields"}
	}
	off := 1
	mode := binary.BigEndian.Uint32(b[off:])
	off += 4
	size := int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	mtimeNS := int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	uid := binary.BigEndian.Uint32(b[off:])
	off += 4
	gid := binary.BigEndian.Uint32(b[off:])
	off += 4

	hasTarget := b[off]
	off++
	isSymlink := mode&uint32(os.ModeSymlink) != 0

	var target *string
	if hasTarget == 1 {
		if !isSymlink {
			return Memo{}, &EncodingError{"symlink_target", "target present but symlink flag unset"}
		}
		if len(b) < off+4 {
			return Memo{}, &EncodingError{"symlink_target", "truncated length"}
		}
		n := binary.BigEndian.Uint32(b[off:])
		off += 4
		if len(b) != off+int(n) {
			return Memo{}, &EncodingError{"symlink_target", "truncated target"}
		}
		t := string(b[off : off+int(n)])
		target = &t
	} else if hasTarget == 0 {
		if isSymlink {
			return Memo{}, &EncodingError{"symlink_target", "symlink flag set but target absent"}
		}
		if len(b) != off {
			return Memo{}, &EncodingError{"header", "trailing bytes"}
		}
	} else {
		return Memo{}, &EncodingError{"symlink_target", "invalid presence marker"}
	}

	return Memo{
		Stat: &StatSummary{
			Mode:      mode,
			Size:      size,
			ModTimeNS: mtimeNS,
			UID:       uid,
			GID:       gid,
		},
		SymlinkTarget: target,
	}, nil
}

// Equal compares m and other by their encoded form, so that platform
// details not captured by the encoding (e.g. inode numbers) never
// affect the comparison.
func Equal(m, other Memo) bool {
	a, errA := Encode(m)
	b, errB := Encode(other)
	if errA != nil || errB != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
