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

import "os"

// EnvDict is an immutable, copy-on-write environment-variable
// dictionary. Each redo frame holds its own *EnvDict; deriving a child
// frame's dictionary (With*) never mutates the parent's, so a helper's
// env customization cannot leak to a sibling or to the frame it was
// forked from.
type EnvDict struct {
	values map[string]string
}

// RootEnvDict snapshots the current process environment.
func RootEnvDict() *EnvDict {
	d := &EnvDict{values: map[string]string{}}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				d.values[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return d
}

// Get returns the value of name and whether it is present.
func (d *EnvDict) Get(name string) (string, bool) {
	v, ok := d.values[name]
	return v, ok
}

// Entries returns a defensive copy of all entries, suitable for
// building an exec.Cmd.Env slice.
func (d *EnvDict) Entries() map[string]string {
	out := make(map[string]string, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}

// WithSet returns a new dictionary with name bound to value, leaving d
// unmodified.
func (d *EnvDict) WithSet(name, value string) *EnvDict {
	return d.with(name, &value)
}

// WithDeleted returns a new dictionary with name absent, leaving d
// unmodified.
func (d *EnvDict) WithDeleted(name string) *EnvDict {
	return d.with(name, nil)
}

func (d *EnvDict) with(name string, value *string) *EnvDict {
	out := &EnvDict{values: make(map[string]string, len(d.values)+1)}
	for k, v := range d.values {
		out.values[k] = v
	}
	if value == nil {
		delete(out.values, name)
	} else {
		out.values[name] = *value
	}
	return out
}

// WithImported returns a new dictionary with name re-read from the
// current process environment (absent if the process does not have
// it), leaving d unmodified.
func (d *EnvDict) WithImported(name string) *EnvDict {
	if v, ok := os.LookupEnv(name); ok {
		return d.WithSet(name, v)
	}
	return d.WithDeleted(name)
}
