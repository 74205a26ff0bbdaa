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

package worktree

import (
	"context"
	"testing"

	"dlb/internal/fspath"
)

func TestEnterExitRoundtrip(t *testing.T) {
	dir := t.TempDir()
	rc, err := Enter(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rc.TreeTime().IsZero() {
		t.Fatal("expected non-zero tree time")
	}
	if err := rc.Exit(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEnterRejectsSecondConcurrentOwner(t *testing.T) {
	dir := t.TempDir()
	rc, err := Enter(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Exit(context.Background())

	if _, err := Enter(context.Background(), dir, nil); err != ErrAlreadyActive {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestWorkingTreePathOfRejectsAbsolute(t *testing.T) {
	dir := t.TempDir()
	rc, err := Enter(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Exit(context.Background())

	p := fspath.MustNew("/etc/passwd", 0)
	if _, err := rc.WorkingTreePathOf(p, false); err == nil {
		t.Fatal("expected error for absolute path")
	}
}

func TestEnvDictCopyOnWrite(t *testing.T) {
	base := RootEnvDict()
	child := base.WithSet("DLB_TEST_VAR", "1")
	if _, ok := base.Get("DLB_TEST_VAR"); ok {
		t.Fatal("expected base dictionary to be unaffected by child mutation")
	}
	v, ok := child.Get("DLB_TEST_VAR")
	if !ok || v != "1" {
		t.Fatalf("expected child to see set value, got %q %v", v, ok)
	}
}

func TestHelperResolvesAndMemoizes(t *testing.T) {
	dir := t.TempDir()
	rc, err := Enter(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Exit(context.Background())

	p1, err := rc.Helper("sh")
	if err != nil {
		t.Skip("sh not available in test environment")
	}
	p2, err := rc.Helper("sh")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatalf("expected memoized helper path, got %s and %s", p1, p2)
	}
}
