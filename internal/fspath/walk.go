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

package fspath

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// NameFilter decides whether a single path component matches, for use in
// directory iteration.
type NameFilter interface {
	Match(name string) bool
}

// Literal matches a name exactly.
type Literal string

// Match implements NameFilter.
func (l Literal) Match(name string) bool { return string(l) == name }

// Regexp matches a name against a compiled regular expression.
type Regexp struct{ *regexp.Regexp }

// Match implements NameFilter.
func (r Regexp) Match(name string) bool { return r.Regexp.MatchString(name) }

// FilterFunc adapts a plain function to NameFilter.
type FilterFunc func(name string) bool

// Match implements NameFilter.
func (f FilterFunc) Match(name string) bool { return f(name) }

// AnyName matches every name; the zero value of NameFilter when no
// filtering is desired.
var AnyName = FilterFunc(func(string) bool { return true })

// Entry is one element of a directory walk.
type Entry struct {
	Path    Path
	IsDir   bool
	ModTime time.Time
}

// Iterator yields Entry values from a prior call to Walk, in
// deterministic sorted order. It is not safe for concurrent use, but a
// fresh call to Walk always reproduces the same sequence (restartable).
type Iterator struct {
	entries []Entry
	pos     int
}

// Next returns the next entry, or io.EOF once exhausted.
func (it *Iterator) Next() (Entry, error) {
	if it.pos >= len(it.entries) {
		return Entry{}, io.EOF
	}
	e := it.entries[it.pos]
	it.pos++
	return e, nil
}

// Walk scans rootAbs (an absolute native directory path) for entries
// whose final component matches nameFilter, optionally recursing into
// subdirectories matched by recurseFilter. Results are sorted by their
// portable path. Symlinks are only followed when followSymlinks is true.
func Walk(rootAbs string, nameFilter NameFilter, recurseFilter NameFilter, followSymlinks bool) (*Iterator, error) {
	if nameFilter == nil {
		nameFilter = AnyName
	}
	var entries []Entry
	var walk func(dir string, rel []string) error
	walk = func(dir string, rel []string) error {
		items, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, item := range items {
			name := item.Name()
			info, err := item.Info()
			if err != nil {
				return err
			}
			isSymlink := info.Mode()&os.ModeSymlink != 0
			isDir := item.IsDir()
			if isSymlink && followSymlinks {
				if st, err := os.Stat(filepath.Join(dir, name)); err == nil {
					isDir = st.IsDir()
				}
			}
			relComponents := append(append([]string(nil), rel...), name)
			if nameFilter.Match(name) {
				p, err := FromComponents(relComponents, isDir, Relative, 0)
				if err == nil {
					entries = append(entries, Entry{Path: p, IsDir: isDir, ModTime: info.ModTime()})
				}
			}
			if isDir && (recurseFilter == nil || recurseFilter.Match(name)) && (!isSymlink || followSymlinks) {
				if err := walk(filepath.Join(dir, name), relComponents); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(rootAbs, nil); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path.Less(entries[j].Path) })
	return &Iterator{entries: entries}, nil
}

// PropagateMtime walks the subtree rooted at rootAbs (filtered by
// nameFilter over entry names), setting each visited directory's
// mtime to the maximum mtime among its matched children. It returns the
// new mtime of rootAbs, or nil if nothing changed.
func PropagateMtime(rootAbs string, nameFilter NameFilter) (*time.Time, error) {
	if nameFilter == nil {
		nameFilter = AnyName
	}
	changed, newest, err := propagate(rootAbs, nameFilter)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, nil
	}
	return &newest, nil
}

func propagate(dir string, nameFilter NameFilter) (bool, time.Time, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return false, time.Time{}, err
	}
	var maxMtime time.Time
	changed := false
	for _, item := range items {
		if !nameFilter.Match(item.Name()) {
			continue
		}
		full := filepath.Join(dir, item.Name())
		info, err := item.Info()
		if err != nil {
			return false, time.Time{}, err
		}
		mtime := info.ModTime()
		if item.IsDir() {
			childChanged, childMtime, err := propagate(full, nameFilter)
			if err != nil {
				return false, time.Time{}, err
			}
			if childChanged {
				mtime = childMtime
				changed = true
			}
		}
		if mtime.After(maxMtime) {
			maxMtime = mtime
		}
	}
	if !maxMtime.IsZero() {
		dirInfo, err := os.Stat(dir)
		if err != nil {
			return false, time.Time{}, err
		}
		if !maxMtime.Equal(dirInfo.ModTime()) {
			changed = true
		}
	}
	if changed {
		if err := os.Chtimes(dir, maxMtime, maxMtime); err != nil {
			return false, time.Time{}, err
		}
		if info, err := os.Stat(dir); err == nil {
			maxMtime = info.ModTime()
		}
	}
	return changed, maxMtime, nil
}
