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

package redoctx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dlb/internal/fspath"
	"dlb/internal/worktree"
)

func newTestRedoContext(t *testing.T) (*RedoContext, *worktree.RootContext, string) {
	t.Helper()
	dir := t.TempDir()
	root, err := worktree.Enter(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = root.Exit(context.Background()) })
	rc := New(root, worktree.RootEnvDict())
	if err := rc.Begin(); err != nil {
		t.Fatal(err)
	}
	return rc, root, dir
}

func TestMethodsRejectBeforeBegin(t *testing.T) {
	dir := t.TempDir()
	root, err := worktree.Enter(context.Background(), dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer root.Exit(context.Background())

	rc := New(root, worktree.RootEnvDict())
	if _, err := rc.Helper("sh"); err != ErrNotRunning {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestExecuteHelperSuccess(t *testing.T) {
	rc, _, _ := newTestRedoContext(t)
	code, err := rc.ExecuteHelper(context.Background(), "true", nil, ExecOptions{Stdout: OutputDiscard, Stderr: OutputDiscard})
	if err != nil {
		t.Skip("true not available in test environment")
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
}

func TestExecuteHelperWithOutputCapturesStreams(t *testing.T) {
	rc, _, _ := newTestRedoContext(t)
	stdout, _, code, err := rc.ExecuteHelperWithOutput(context.Background(), "echo", []string{"hello"}, ExecOptions{})
	if err != nil {
		t.Skip("echo not available in test environment")
	}
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if string(stdout) != "hello\n" {
		t.Fatalf("unexpected stdout: %q", stdout)
	}
}

func TestReplaceOutputAtomicallyReplacesFile(t *testing.T) {
	rc, root, dir := newTestRedoContext(t)

	declared := fspath.MustNew("out.txt", fspath.RestrictToRelative)
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	tmp, err := root.CreateTemporary(false, "redo-", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tmp, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := rc.ReplaceOutput(declared, tmp); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Fatalf("expected replaced content, got %q", got)
	}

	outputs := rc.ModifiedOutputs()
	if len(outputs) != 1 || !outputs[0].Equal(declared) {
		t.Fatalf("expected declared path recorded as modified, got %+v", outputs)
	}
}

func TestReplaceOutputPreservesMtimeOnIdenticalContent(t *testing.T) {
	rc, root, dir := newTestRedoContext(t)

	declared := fspath.MustNew("out.txt", fspath.RestrictToRelative)
	destPath := filepath.Join(dir, "out.txt")
	if err := os.WriteFile(destPath, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(destPath)
	if err != nil {
		t.Fatal(err)
	}

	tmp, err := root.CreateTemporary(false, "redo-", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(tmp, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := rc.ReplaceOutput(declared, tmp); err != nil {
		t.Fatal(err)
	}

	after, err := os.Stat(destPath)
	if err != nil {
		t.Fatal(err)
	}
	if !before.ModTime().Equal(after.ModTime()) {
		t.Fatalf("expected mtime preserved for identical content, before=%v after=%v", before.ModTime(), after.ModTime())
	}
}
