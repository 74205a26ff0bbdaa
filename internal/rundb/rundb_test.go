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

package rundb

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, FileName()), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRegisterToolInstanceIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id1, err := db.RegisterToolInstance(ctx, []byte("tool"), []byte("fp"))
	if err != nil {
		t.Fatal(err)
	}
	id2, err := db.RegisterToolInstance(ctx, []byte("tool"), []byte("fp"))
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatalf("expected idempotent id, got %d and %d", id1, id2)
	}
}

func TestReplaceAndGetFSObjectInputs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id, err := db.RegisterToolInstance(ctx, []byte("tool"), []byte("fp"))
	if err != nil {
		t.Fatal(err)
	}
	inputs := map[string]FSObjectInput{
		"src/a.c/": {IsExplicit: true, Memo: []byte("m1")},
	}
	if err := db.ReplaceFSObjectInputs(ctx, id, inputs); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetFSObjectInputs(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || string(got["src/a.c/"].Memo) != "m1" {
		t.Fatalf("unexpected inputs: %+v", got)
	}

	// A second replace fully supersedes the first (atomic swap).
	if err := db.ReplaceFSObjectInputs(ctx, id, map[string]FSObjectInput{"src/b.c/": {IsExplicit: true}}); err != nil {
		t.Fatal(err)
	}
	got, err = db.GetFSObjectInputs(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := got["src/a.c/"]; ok {
		t.Fatal("expected old input to be gone after replace")
	}
	if _, ok := got["src/b.c/"]; !ok {
		t.Fatal("expected new input to be present")
	}
}

func TestDeclareFSObjectInputAsModifiedInvalidatesSubtree(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id, err := db.RegisterToolInstance(ctx, []byte("tool"), []byte("fp"))
	if err != nil {
		t.Fatal(err)
	}
	inputs := map[string]FSObjectInput{
		"out/a.o/":       {IsExplicit: true, Memo: []byte("m1")},
		"out/sub/b.o/":   {IsExplicit: true, Memo: []byte("m2")},
		"unrelated/c.o/": {IsExplicit: true, Memo: []byte("m3")},
	}
	if err := db.ReplaceFSObjectInputs(ctx, id, inputs); err != nil {
		t.Fatal(err)
	}

	if err := db.DeclareFSObjectInputAsModified(ctx, EncodePath([]string{"out"})); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetFSObjectInputs(ctx, id, nil)
	if err != nil {
		t.Fatal(err)
	}
	for path, in := range got {
		isUnderOut := strings.HasPrefix(path, "out/")
		if isUnderOut && in.Memo != nil {
			t.Fatalf("expected %s to be invalidated", path)
		}
		if !isUnderOut && in.Memo == nil {
			t.Fatalf("did not expect %s to be invalidated", path)
		}
	}
}

func TestEncodePathPrefix(t *testing.T) {
	dir := EncodePath([]string{"a", "b"})
	file := EncodePath([]string{"a", "b", "c"})
	if !strings.HasPrefix(file, dir) {
		t.Fatalf("expected %q to be a prefix of %q", dir, file)
	}
}

func TestEncodePathRoot(t *testing.T) {
	if got := EncodePath(nil); got != "" {
		t.Fatalf("expected empty encoding for root, got %q", got)
	}
}

func TestCleanupRemovesOrphans(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.RegisterToolInstance(ctx, []byte("tool"), []byte("fp")); err != nil {
		t.Fatal(err)
	}
	// No fsobject_input rows were ever added for this instance, so it is
	// an orphan and cleanup must remove it.
	if err := db.Cleanup(ctx); err != nil {
		t.Fatal(err)
	}
	row, err := db.GetToolInstance(ctx, []byte("tool"), []byte("fp"))
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Fatalf("expected orphaned tool instance to be removed, got %+v", row)
	}
}
