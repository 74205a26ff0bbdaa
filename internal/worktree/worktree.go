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

// Package worktree manages the .dlbroot management directory: the
// exclusive lock that makes a working tree single-writer, the run
// database, the working-tree clock, the environment-variable and
// helper dictionaries, and the scratch area for temporary
// dependency/output values.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dlb/internal/fspath"
	"dlb/internal/logging"
	"dlb/internal/rundb"
)

const (
	managementDirName = ".dlbroot"
	lockFileName       = "lock"
	treeTimeFileName   = "o"
	tempDirName        = "t"
)

// ErrAlreadyActive is returned by Enter when another process (or
// another RootContext in this one) holds the lock.
var ErrAlreadyActive = errors.New("worktree: another dlb run is already active on this working tree")

// ErrClockRegression is returned when the system clock appears to have
// moved backwards relative to the working tree's last recorded time.
var ErrClockRegression = errors.New("worktree: system time is before the working tree's last recorded time")

// RootContext owns a locked working tree for the lifetime of a build
// run: its run database, its monotonic working-tree clock, its scratch
// area, and its memoized helper lookups. It holds no environment
// dictionary; each redo builds its own EnvDict from RootEnvDict.
type RootContext struct {
	rootNative string
	managementDir string

	logger *slog.Logger
	lockFile *os.File
	db *rundb.DB

	treeTime time.Time

	sampleMu   sync.Mutex
	lastSample time.Time

	tempDir string
	tempSeq uint64
	tempMu  sync.Mutex

	helperMu sync.Mutex
	helpers  map[string]string
}

// Enter acquires the working tree rooted at rootNative: it creates
// .dlbroot if absent, takes its exclusive lock, opens the run
// database, and establishes the working-tree clock. The steps, in
// order: resolve the root, create the management dir, lock, open the
// database, probe the clock, recreate the scratch area. The
// environment is not snapshotted here.
func Enter(ctx context.Context, rootNative string, logger *slog.Logger) (*RootContext, error) {
	if logger == nil {
		logger = logging.Default()
	}

	abs, err := filepath.Abs(rootNative)
	if err != nil {
		return nil, fmt.Errorf("worktree: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("worktree: root does not exist: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("worktree: root %s is not a directory", abs)
	}

	mgmt := filepath.Join(abs, managementDirName)
	if err := os.MkdirAll(mgmt, 0o777); err != nil {
		return nil, fmt.Errorf("worktree: create management directory: %w", err)
	}

	lockFile, err := acquireLock(filepath.Join(mgmt, lockFileName))
	if err != nil {
		return nil, err
	}

	db, err := rundb.Open(ctx, filepath.Join(mgmt, rundb.FileName()), logger)
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	treeTime, err := probeTreeTime(filepath.Join(mgmt, treeTimeFileName))
	if err != nil {
		_ = db.Close()
		_ = lockFile.Close()
		return nil, err
	}

	tempDir := filepath.Join(mgmt, tempDirName)
	if err := os.RemoveAll(tempDir); err != nil {
		_ = db.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("worktree: clear scratch area: %w", err)
	}
	if err := os.MkdirAll(tempDir, 0o777); err != nil {
		_ = db.Close()
		_ = lockFile.Close()
		return nil, fmt.Errorf("worktree: create scratch area: %w", err)
	}

	rc := &RootContext{
		rootNative:    abs,
		managementDir: mgmt,
		logger:        logger,
		lockFile:      lockFile,
		db:            db,
		treeTime:      treeTime,
		tempDir:       tempDir,
		helpers:       map[string]string{},
	}
	logger.Info("worktree entered", "root", abs, "tree_time", treeTime)
	return rc, nil
}

// Exit releases the working tree: it sets the tree-time marker to the
// current wall-clock time (the next Enter's probe then returns a
// strictly later time even under coarse filesystem clocks), runs run-database
// cleanup, closes the database, and releases the lock.
func (rc *RootContext) Exit(ctx context.Context) error {
	if err := bumpTreeTime(filepath.Join(rc.managementDir, treeTimeFileName)); err != nil {
		rc.logger.Warn("failed to bump working tree time", "error", err)
	}
	if err := rc.db.Cleanup(ctx); err != nil {
		rc.logger.Warn("run database cleanup failed", "error", err)
	}
	dbErr := rc.db.Close()
	lockErr := releaseLock(rc.lockFile)
	if dbErr != nil {
		return dbErr
	}
	return lockErr
}

// RootNative returns the working tree's root as a native, absolute
// path.
func (rc *RootContext) RootNative() string { return rc.rootNative }

// RootPath returns the working tree's root as an absolute portable
// directory path.
func (rc *RootContext) RootPath() fspath.Path {
	return fspath.MustNew(strings.TrimSuffix(filepath.ToSlash(rc.rootNative), "/")+"/", 0)
}

// DB returns the run database backing this working tree.
func (rc *RootContext) DB() *rundb.DB { return rc.db }

// TreeTime returns the working-tree time established at Enter: every
// redo that runs during this root context is considered to have
// finished no earlier than this instant, for memo freshness purposes.
func (rc *RootContext) TreeTime() time.Time { return rc.treeTime }

// SampleTime returns a timestamp usable as "now" for memo-freshness
// comparisons: monotonically increasing across calls within this root
// context and never earlier than TreeTime, even when the system clock
// has coarser resolution than the gap between two redos completing.
func (rc *RootContext) SampleTime() time.Time {
	rc.sampleMu.Lock()
	defer rc.sampleMu.Unlock()
	now := time.Now()
	floor := rc.treeTime
	if !rc.lastSample.IsZero() && rc.lastSample.After(floor) {
		floor = rc.lastSample
	}
	if !now.After(floor) {
		now = floor.Add(time.Microsecond)
	}
	rc.lastSample = now
	return now
}

// CreateTemporary allocates a fresh path under the scratch area,
// suitable for use as a provisional redo output before it is moved
// into place via ReplaceOutput.
func (rc *RootContext) CreateTemporary(isDir bool, prefix, suffix string) (string, error) {
	rc.tempMu.Lock()
	rc.tempSeq++
	seq := rc.tempSeq
	rc.tempMu.Unlock()

	name := fmt.Sprintf("%s%d%s", prefix, seq, suffix)
	p := filepath.Join(rc.tempDir, name)
	if isDir {
		if err := os.Mkdir(p, 0o777); err != nil {
			return "", fmt.Errorf("worktree: create temporary directory: %w", err)
		}
	} else {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
		if err != nil {
			return "", fmt.Errorf("worktree: create temporary file: %w", err)
		}
		_ = f.Close()
	}
	return p, nil
}

// Helper resolves a helper program name to an absolute path using
// exec.LookPath, memoized for the lifetime of the root context so that
// repeated redos of the same tool do not repeatedly traverse PATH.
func (rc *RootContext) Helper(name string) (string, error) {
	rc.helperMu.Lock()
	defer rc.helperMu.Unlock()
	if p, ok := rc.helpers[name]; ok {
		return p, nil
	}
	p, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("worktree: helper %q not found: %w", name, err)
	}
	rc.helpers[name] = p
	return p, nil
}

// WorkingTreePathOf resolves a portable path to a native absolute path
// rooted at this working tree, rejecting any path that escapes the
// tree via a symlink pointing outside it when existing is true (the
// caller is about to read the target, so escaping must be detected
// before the read).
func (rc *RootContext) WorkingTreePathOf(p fspath.Path, existing bool) (string, error) {
	if p.IsAbsolute() {
		return "", fmt.Errorf("worktree: path %s must be relative to be resolved within a working tree", p)
	}
	native, err := p.Native()
	if err != nil {
		return "", err
	}
	full := filepath.Join(rc.rootNative, native)
	if !existing {
		return full, nil
	}
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		if os.IsNotExist(err) {
			return full, nil
		}
		return "", fmt.Errorf("worktree: resolve %s: %w", p, err)
	}
	rel, err := filepath.Rel(rc.rootNative, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("worktree: path %s escapes the working tree via a symlink", p)
	}
	return full, nil
}
