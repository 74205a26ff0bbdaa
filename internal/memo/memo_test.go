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

package memo

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRoundtripNonExistent(t *testing.T) {
	m := Memo{}
	b, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Exists() {
		t.Fatal("expected non-existence")
	}
}

func TestRoundtripRegularFile(t *testing.T) {
	m := Memo{Stat: &StatSummary{Mode: 0644, Size: 123, ModTimeNS: 456, UID: 1, GID: 2}}
	b, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !Equal(m, got) {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", m, got)
	}
}

func TestRoundtripSymlink(t *testing.T) {
	target := "../elsewhere"
	m := Memo{
		Stat:          &StatSummary{Mode: uint32(os.ModeSymlink) | 0777},
		SymlinkTarget: &target,
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsSymlink() || *got.SymlinkTarget != target {
		t.Fatalf("symlink target not preserved: %+v", got)
	}
}

func TestEncodeRejectsSymlinkFlagMismatch(t *testing.T) {
	m := Memo{Stat: &StatSummary{Mode: 0644}, SymlinkTarget: strPtr("x")}
	if _, err := Encode(m); err == nil {
		t.Fatal("expected encoding error")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte{7, 1, 2, 3}); err == nil {
		t.Fatal("expected decode error for unknown marker")
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	if _, err := Decode([]byte{1, 0, 0}); err == nil {
		t.Fatal("expected decode error for truncated input")
	}
}

func TestReadNonExistent(t *testing.T) {
	dir := t.TempDir()
	m, err := Read(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatal(err)
	}
	if m.Exists() {
		t.Fatal("expected non-existence")
	}
}

func TestReadRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	m, err := Read(path)
	if err != nil {
		t.Fatal(err)
	}
	if !m.Exists() || m.Stat.Size != 5 {
		t.Fatalf("unexpected memo: %+v", m)
	}
}

func strPtr(s string) *string { return &s }
