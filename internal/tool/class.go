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

// Package tool implements tool-class machinery: class-level validation,
// the permanent local tool ID, and the definition-location registry
// that forbids two classes sharing a source location. The source
// language scans class attributes at class-creation time via a
// metaclass; here a class is assembled explicitly through NewClass (see
// SPEC_FULL.md §9, "dynamic descriptors -> static builder table").
package tool

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/crypto/blake2b"

	"dlb/internal/depend"
	"dlb/internal/fspath"
	"dlb/internal/redoctx"
)

// DefinitionLocation names the source location a tool class was
// declared at: either a source file and line, or a zip-archive entry
// (ArchiveMember) and line.
type DefinitionLocation struct {
	File         string
	ArchiveMember string
	Line         int
}

func (l DefinitionLocation) key() string {
	if l.ArchiveMember != "" {
		return fmt.Sprintf("%s!%s:%d", l.File, l.ArchiveMember, l.Line)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// DefinitionError reports a tool-class definition problem: an unknown
// location, two classes at the same location, or an invalid override.
type DefinitionError struct {
	Reason string
}

func (e *DefinitionError) Error() string { return fmt.Sprintf("tool: %s", e.Reason) }

var (
	defLocations   = map[string]string{} // location key -> class name
	defLocationsMu sync.Mutex
)

// ResetDefinitionRegistry clears the process-wide definition-location
// registry. Intended for tests that create many short-lived classes.
func ResetDefinitionRegistry() {
	defLocationsMu.Lock()
	defer defLocationsMu.Unlock()
	defLocations = map[string]string{}
}

// Params holds a tool class's execution parameters (its upper-case
// attributes): values that are themselves fundamentally marshallable.
type Params map[string]any

// ExecutionParameterError reports a non-marshallable execution
// parameter value.
type ExecutionParameterError struct {
	Name   string
	Reason string
}

func (e *ExecutionParameterError) Error() string {
	return fmt.Sprintf("tool: execution parameter %s: %s", e.Name, e.Reason)
}

func validateMarshallable(v any) error {
	switch x := v.(type) {
	case nil, bool, int, int64, float64, string, []byte:
		return nil
	case []any:
		for _, e := range x {
			if err := validateMarshallable(e); err != nil {
				return err
			}
		}
		return nil
	case map[string]any:
		for _, e := range x {
			if err := validateMarshallable(e); err != nil {
				return err
			}
		}
		return nil
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < rv.Len(); i++ {
				if err := validateMarshallable(rv.Index(i).Interface()); err != nil {
					return err
				}
			}
			return nil
		case reflect.Map:
			iter := rv.MapRange()
			for iter.Next() {
				if err := validateMarshallable(iter.Value().Interface()); err != nil {
					return err
				}
			}
			return nil
		default:
			return fmt.Errorf("value of type %T is not fundamentally marshallable", v)
		}
	}
}

// Result is the subset of a redo's per-instance state that a RedoFunc
// may assign non-explicit dependency values into, read back, or mark as
// requiring another redo next time regardless of memo evidence.
type Result interface {
	Set(name string, value any) error
	Value(name string) (any, bool)
	SetRerun(v bool)
}

// RedoFunc is the user-supplied body run for each redo.
type RedoFunc func(ctx context.Context, rc redoctx.Interface, result Result) error

// Class is a frozen tool definition: its dependency descriptors,
// execution parameters, redo body, and definition location.
type Class struct {
	Name        string
	DefLoc      DefinitionLocation
	Descriptors []depend.NamedDescriptor
	Params      Params
	Redo        RedoFunc
	// SourceFiles lists the working-tree-relative paths whose bytes
	// participate in PermanentLocalToolID: this class's defining file
	// plus every base-class file within the working tree.
	SourceFiles []string
}

// NewClass validates and registers a new tool class.
func NewClass(name string, defLoc DefinitionLocation, descriptors []depend.NamedDescriptor, params Params, redo RedoFunc, sourceFiles []string) (*Class, error) {
	if name == "" {
		return nil, &DefinitionError{"class name must not be empty"}
	}
	if redo == nil {
		return nil, &DefinitionError{"redo body must not be nil"}
	}

	for key, v := range params {
		if err := validateMarshallable(v); err != nil {
			return nil, &ExecutionParameterError{Name: key, Reason: err.Error()}
		}
	}

	if err := checkEnvVarNameConflicts(descriptors); err != nil {
		return nil, err
	}

	if err := registerDefLoc(defLoc, name); err != nil {
		return nil, err
	}

	return &Class{
		Name:        name,
		DefLoc:      defLoc,
		Descriptors: append([]depend.NamedDescriptor(nil), descriptors...),
		Params:      cloneParams(params),
		Redo:        redo,
		SourceFiles: append([]string(nil), sourceFiles...),
	}, nil
}

func cloneParams(p Params) Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func checkEnvVarNameConflicts(descriptors []depend.NamedDescriptor) error {
	seen := map[string]bool{}
	for _, nd := range descriptors {
		if nd.Descriptor.Role() != depend.RoleEnvVarInput {
			continue
		}
		if seen[nd.Name] {
			return &DefinitionError{fmt.Sprintf("duplicate env var dependency name %q", nd.Name)}
		}
		seen[nd.Name] = true
	}
	return nil
}

func registerDefLoc(loc DefinitionLocation, className string) error {
	defLocationsMu.Lock()
	defer defLocationsMu.Unlock()
	key := loc.key()
	if existing, ok := defLocations[key]; ok && existing != className {
		return &DefinitionError{fmt.Sprintf("two tool classes (%q and %q) share definition location %s", existing, className, key)}
	}
	defLocations[key] = className
	return nil
}

// PermanentLocalToolID hashes the canonical (name, descriptor
// fingerprint) list plus the content of every file in sourceFileBytes,
// keyed by the paths recorded in c.SourceFiles. Callers (the redo
// engine) supply the bytes because reading them requires an active
// working-tree context.
func (c *Class) PermanentLocalToolID(sourceFileBytes map[string][]byte) ([32]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return [32]byte{}, err
	}
	_, _ = h.Write([]byte(c.Name))
	for _, nd := range c.Descriptors {
		_, _ = h.Write([]byte(nd.Name))
		id := nd.Descriptor.PermanentLocalInstanceID()
		_, _ = h.Write(id[:])
	}
	for _, f := range c.SourceFiles {
		b, ok := sourceFileBytes[f]
		if !ok {
			return [32]byte{}, fmt.Errorf("tool: missing source bytes for %s", f)
		}
		_, _ = h.Write([]byte(f))
		_, _ = h.Write(b)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Override describes a subclass's replacement of one base-class
// attribute, checked against the rules in spec §4.F.
type Override struct {
	Name       string
	Descriptor depend.Descriptor // non-nil for a dependency-descriptor override
	Param      any               // set (possibly nil interface holding a typed zero) for an execution-parameter override
	HasParam   bool
}

// Extend builds a subclass of c named name, applying overrides. Every
// override must be at least as restrictive as (dependency descriptors)
// or the same type as (execution parameters) the attribute it replaces.
func (c *Class) Extend(name string, defLoc DefinitionLocation, redo RedoFunc, sourceFiles []string, overrides ...Override) (*Class, error) {
	descriptors := append([]depend.NamedDescriptor(nil), c.Descriptors...)
	params := cloneParams(c.Params)

	for _, ov := range overrides {
		if ov.Descriptor != nil {
			idx := -1
			for i, nd := range descriptors {
				if nd.Name == ov.Name {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, &DefinitionError{fmt.Sprintf("override of unknown dependency %q", ov.Name)}
			}
			if err := checkDescriptorOverride(descriptors[idx].Descriptor, ov.Descriptor); err != nil {
				return nil, err
			}
			descriptors[idx] = depend.NamedDescriptor{Name: ov.Name, Descriptor: ov.Descriptor}
		} else if ov.HasParam {
			base, ok := params[ov.Name]
			if !ok {
				return nil, &DefinitionError{fmt.Sprintf("override of unknown execution parameter %q", ov.Name)}
			}
			if reflect.TypeOf(base) != reflect.TypeOf(ov.Param) {
				return nil, &DefinitionError{fmt.Sprintf("execution parameter %q override changes type from %T to %T", ov.Name, base, ov.Param)}
			}
			params[ov.Name] = ov.Param
		}
	}

	if redo == nil {
		redo = c.Redo
	}
	allSources := append(append([]string(nil), c.SourceFiles...), sourceFiles...)

	return NewClass(name, defLoc, descriptors, params, redo, allSources)
}

func checkDescriptorOverride(base, override depend.Descriptor) error {
	if base.Role() != override.Role() {
		return &DefinitionError{fmt.Sprintf("descriptor override changes role from %s to %s", base.Role(), override.Role())}
	}
	if base.Required() && !override.Required() {
		return &DefinitionError{"descriptor override may only go from not-required to required, never the reverse"}
	}
	baseLo, baseHi, baseStep := base.Multiplicity()
	ovLo, ovHi, ovStep := override.Multiplicity()
	if baseHi == 0 && ovHi != 0 {
		return &DefinitionError{"descriptor override may not introduce multiplicity where the base had none"}
	}
	if baseHi != 0 && ovHi != 0 {
		if ovLo < baseLo || (ovHi > baseHi) || ovStep%baseStep != 0 {
			return &DefinitionError{"descriptor override's multiplicity is not compatible with the base descriptor's"}
		}
	}
	if fspath.Restriction(restrictionOf(base)) & ^fspath.Restriction(restrictionOf(override)) != 0 {
		return &DefinitionError{"descriptor override must be at least as restrictive as the base descriptor"}
	}
	return nil
}

func restrictionOf(d depend.Descriptor) fspath.Restriction {
	switch v := d.(type) {
	case *depend.RegularFileInput:
		return v.Restriction
	case *depend.RegularFileOutput:
		return v.Restriction
	case *depend.NonRegularFileInput:
		return v.Restriction
	case *depend.NonRegularFileOutput:
		return v.Restriction
	case *depend.DirectoryInput:
		return v.Restriction
	case *depend.DirectoryOutput:
		return v.Restriction
	default:
		return 0
	}
}
