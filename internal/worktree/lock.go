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

	"golang.org/x/sys/unix"
)

// acquireLock opens (creating if necessary) the lock file at path and
// takes a non-blocking exclusive flock on it. Advisory only: it
// protects cooperating dlb processes from running concurrently against
// the same working tree, not against arbitrary writers.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("worktree: open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyActive
		}
		return nil, fmt.Errorf("worktree: lock working tree: %w", err)
	}
	return f, nil
}

func releaseLock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("worktree: unlock working tree: %w", err)
	}
	return f.Close()
}
