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
	"fmt"
	"os"
	"time"
)

// probeTreeTime reads the mtime recorded on the last run's exit (if
// any) from the marker file at path, verifies the system clock has not
// regressed relative to it, and returns the time this run should treat
// as "now" for memo-freshness comparisons. The marker is bumped here
// too, so that a crashed run (no matching Exit) still advances it and
// a subsequent probe sees a later time than any memo recorded during
// the crashed run.
func probeTreeTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	now := time.Now()
	if err != nil {
		if !os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("worktree: stat tree time marker: %w", err)
		}
		if err := touch(path, now); err != nil {
			return time.Time{}, err
		}
		return now, nil
	}

	last := info.ModTime()
	if now.Before(last) {
		return time.Time{}, fmt.Errorf("%w: recorded %s, now %s", ErrClockRegression, last, now)
	}
	if !now.After(last) {
		// The filesystem clock has coarser resolution than time.Now();
		// force a strictly later timestamp so redo-freshness comparisons
		// never see tree time standing still between runs.
		now = last.Add(time.Microsecond)
	}
	if err := touch(path, now); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// bumpTreeTime sets the marker to the current wall-clock time so that
// the next probeTreeTime reliably observes the end of this run.
func bumpTreeTime(path string) error {
	return touch(path, time.Now())
}

func touch(path string, t time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("worktree: create tree time marker: %w", err)
	}
	_ = f.Close()
	if err := os.Chtimes(path, t, t); err != nil {
		return fmt.Errorf("worktree: set tree time marker: %w", err)
	}
	return nil
}
