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

package redo

import (
	"fmt"
	"sync"

	"dlb/internal/depend"
)

// Result accumulates the non-explicit dependency values a RedoFunc
// assigns during one redo, and the redo's own truthy/falsy return
// value ("redo again next time"). It implements tool.Result.
type Result struct {
	descriptors map[string]depend.Descriptor

	mu       sync.Mutex
	values   map[string]any
	rerun    bool
}

func newResult(descriptors map[string]depend.Descriptor) *Result {
	return &Result{descriptors: descriptors, values: map[string]any{}}
}

// Set assigns value to the non-explicit dependency named name,
// validating it against that dependency's descriptor.
func (r *Result) Set(name string, value any) error {
	d, ok := r.descriptors[name]
	if !ok {
		return fmt.Errorf("redo: %q is not a declared non-explicit dependency of this tool instance", name)
	}
	if err := d.Validate(value); err != nil {
		return fmt.Errorf("redo: assigning %q: %w", name, err)
	}
	r.mu.Lock()
	r.values[name] = value
	r.mu.Unlock()
	return nil
}

// SetRerun marks this redo as requesting another redo next time,
// regardless of memo evidence (the "truthy return value" rule).
func (r *Result) SetRerun(v bool) {
	r.mu.Lock()
	r.rerun = v
	r.mu.Unlock()
}

func (r *Result) missingRequired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var missing []string
	for name, d := range r.descriptors {
		if !d.Required() {
			continue
		}
		if _, ok := r.values[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// Value returns the value previously assigned to the non-explicit
// dependency named name, if any.
func (r *Result) Value(name string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.values[name]
	return v, ok
}
