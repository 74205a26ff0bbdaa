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

// Package depend implements dlb's dependency descriptors: the
// declarative input/output roles attached to a tool class. Where the
// source language scans class attributes dynamically, this package
// exposes a static builder table instead (see DESIGN.md).
package depend

import (
	"encoding/json"
	"fmt"
	"regexp"

	"golang.org/x/crypto/blake2b"

	"dlb/internal/fspath"
)

// Role names the kind of a dependency descriptor.
type Role int

const (
	RoleRegularFileInput Role = iota
	RoleRegularFileOutput
	RoleNonRegularFileInput
	RoleNonRegularFileOutput
	RoleDirectoryInput
	RoleDirectoryOutput
	RoleEnvVarInput
	RoleObjectInput
)

func (r Role) String() string {
	switch r {
	case RoleRegularFileInput:
		return "regular_file_input"
	case RoleRegularFileOutput:
		return "regular_file_output"
	case RoleNonRegularFileInput:
		return "non_regular_file_input"
	case RoleNonRegularFileOutput:
		return "non_regular_file_output"
	case RoleDirectoryInput:
		return "directory_input"
	case RoleDirectoryOutput:
		return "directory_output"
	case RoleEnvVarInput:
		return "env_var_input"
	case RoleObjectInput:
		return "object_input"
	default:
		return "unknown"
	}
}

// IsOutput reports whether role names an output dependency.
func (r Role) IsOutput() bool {
	return r == RoleRegularFileOutput || r == RoleNonRegularFileOutput || r == RoleDirectoryOutput
}

// IsPath reports whether role's value is a filesystem path.
func (r Role) IsPath() bool {
	switch r {
	case RoleRegularFileInput, RoleRegularFileOutput,
		RoleNonRegularFileInput, RoleNonRegularFileOutput,
		RoleDirectoryInput, RoleDirectoryOutput:
		return true
	default:
		return false
	}
}

// ValidationError names one failed check during descriptor validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("depend: %s: %s", e.Field, e.Reason)
}

// DependencyError aggregates every violation found while validating a
// tool instance's explicit dependencies.
type DependencyError struct {
	Violations []*ValidationError
}

func (e *DependencyError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0].Error()
	}
	return fmt.Sprintf("depend: %d dependency violations (first: %s)", len(e.Violations), e.Violations[0].Error())
}

// Descriptor is implemented by every dependency kind.
type Descriptor interface {
	Role() Role
	Required() bool
	Explicit() bool
	// Multiplicity returns (lo, hi, step); hi == 0 means "single value,
	// not a tuple".
	Multiplicity() (lo, hi, step int)
	// PermanentLocalInstanceID hashes the descriptor's class-level
	// settings, excluding ones irrelevant to caching (Required).
	PermanentLocalInstanceID() [32]byte
	// ValueID reduces a realised value to its permanent local value ID.
	ValueID(v any) ([32]byte, error)
	// Validate checks a realised value against the descriptor's rules.
	Validate(v any) error
}

type base struct {
	role     Role
	required bool
	explicit bool
	lo, hi   int
	step     int
}

// Option configures a descriptor at construction time.
type Option func(*base)

// Required overrides the default (true).
func Required(v bool) Option { return func(b *base) { b.required = v } }

// Explicit overrides the default (true).
func Explicit(v bool) Option { return func(b *base) { b.explicit = v } }

// Multiplicity declares a tuple-valued dependency with the given
// [lo:hi:step] bounds.
func Multiplicity(lo, hi, step int) Option {
	return func(b *base) { b.lo, b.hi, b.step = lo, hi, step }
}

func newBase(role Role, opts []Option) base {
	b := base{role: role, required: true, explicit: true, lo: 1, hi: 0, step: 1}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b base) Role() Role                              { return b.role }
func (b base) Required() bool                           { return b.required }
func (b base) Explicit() bool                           { return b.explicit }
func (b base) Multiplicity() (lo, hi, step int)         { return b.lo, b.hi, b.step }

func (b base) validateMultiplicity(n int) error {
	if b.hi == 0 {
		return nil
	}
	if n < b.lo || n > b.hi {
		return fmt.Errorf("multiplicity: got %d values, want [%d:%d:%d]", n, b.lo, b.hi, b.step)
	}
	if b.step > 1 && (n-b.lo)%b.step != 0 {
		return fmt.Errorf("multiplicity: %d values do not align with step %d", n, b.step)
	}
	return nil
}

func digest(parts ...[]byte) [32]byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// --- Regular file ---------------------------------------------------

// RegularFileInput declares a dependency on the content of a regular
// (non-directory) file.
type RegularFileInput struct {
	base
	Restriction fspath.Restriction
}

// NewRegularFileInput builds a RegularFileInput descriptor.
func NewRegularFileInput(restriction fspath.Restriction, opts ...Option) *RegularFileInput {
	return &RegularFileInput{base: newBase(RoleRegularFileInput, opts), Restriction: restriction}
}

func (d *RegularFileInput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("regular_file_input"), []byte{byte(d.Restriction)})
}

func (d *RegularFileInput) ValueID(v any) ([32]byte, error) {
	p, err := asPath(v)
	if err != nil {
		return [32]byte{}, err
	}
	return digest([]byte(p.String())), nil
}

func (d *RegularFileInput) Validate(v any) error {
	p, err := asPath(v)
	if err != nil {
		return err
	}
	if p.IsDir() {
		return &ValidationError{"path", "regular file dependency must not be a directory"}
	}
	return nil
}

// RegularFileOutput declares a regular file produced by a redo.
type RegularFileOutput struct {
	base
	Restriction          fspath.Restriction
	ReplaceBySameContent bool
}

// NewRegularFileOutput builds a RegularFileOutput descriptor.
func NewRegularFileOutput(restriction fspath.Restriction, replaceBySameContent bool, opts ...Option) *RegularFileOutput {
	return &RegularFileOutput{base: newBase(RoleRegularFileOutput, opts), Restriction: restriction, ReplaceBySameContent: replaceBySameContent}
}

func (d *RegularFileOutput) PermanentLocalInstanceID() [32]byte {
	flag := byte(0)
	if d.ReplaceBySameContent {
		flag = 1
	}
	return digest([]byte("regular_file_output"), []byte{byte(d.Restriction), flag})
}

func (d *RegularFileOutput) ValueID(v any) ([32]byte, error) {
	p, err := asPath(v)
	if err != nil {
		return [32]byte{}, err
	}
	return digest([]byte(p.String())), nil
}

func (d *RegularFileOutput) Validate(v any) error {
	p, err := asPath(v)
	if err != nil {
		return err
	}
	if p.IsDir() {
		return &ValidationError{"path", "regular file output must not be a directory"}
	}
	return nil
}

// --- Non-regular file -------------------------------------------------

// NonRegularFileInput declares a dependency on a non-regular object
// (symlink, FIFO, device, ...).
type NonRegularFileInput struct {
	base
	Restriction fspath.Restriction
}

// NewNonRegularFileInput builds a NonRegularFileInput descriptor.
func NewNonRegularFileInput(restriction fspath.Restriction, opts ...Option) *NonRegularFileInput {
	return &NonRegularFileInput{base: newBase(RoleNonRegularFileInput, opts), Restriction: restriction}
}

func (d *NonRegularFileInput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("non_regular_file_input"), []byte{byte(d.Restriction)})
}

func (d *NonRegularFileInput) ValueID(v any) ([32]byte, error) {
	p, err := asPath(v)
	if err != nil {
		return [32]byte{}, err
	}
	return digest([]byte(p.String())), nil
}

func (d *NonRegularFileInput) Validate(v any) error {
	p, err := asPath(v)
	if err != nil {
		return err
	}
	if p.IsDir() {
		return &ValidationError{"path", "non-regular file dependency must not be a directory"}
	}
	return nil
}

// NonRegularFileOutput declares a non-regular object produced by a redo.
type NonRegularFileOutput struct {
	base
	Restriction fspath.Restriction
}

// NewNonRegularFileOutput builds a NonRegularFileOutput descriptor.
func NewNonRegularFileOutput(restriction fspath.Restriction, opts ...Option) *NonRegularFileOutput {
	return &NonRegularFileOutput{base: newBase(RoleNonRegularFileOutput, opts), Restriction: restriction}
}

func (d *NonRegularFileOutput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("non_regular_file_output"), []byte{byte(d.Restriction)})
}

func (d *NonRegularFileOutput) ValueID(v any) ([32]byte, error) {
	p, err := asPath(v)
	if err != nil {
		return [32]byte{}, err
	}
	return digest([]byte(p.String())), nil
}

func (d *NonRegularFileOutput) Validate(v any) error {
	p, err := asPath(v)
	if err != nil {
		return err
	}
	if p.IsDir() {
		return &ValidationError{"path", "non-regular file output must not be a directory"}
	}
	return nil
}

// --- Directory ----------------------------------------------------------

// DirectoryInput declares a dependency on a directory subtree.
type DirectoryInput struct {
	base
	Restriction fspath.Restriction
}

// NewDirectoryInput builds a DirectoryInput descriptor.
func NewDirectoryInput(restriction fspath.Restriction, opts ...Option) *DirectoryInput {
	return &DirectoryInput{base: newBase(RoleDirectoryInput, opts), Restriction: restriction}
}

func (d *DirectoryInput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("directory_input"), []byte{byte(d.Restriction)})
}

func (d *DirectoryInput) ValueID(v any) ([32]byte, error) {
	p, err := asPath(v)
	if err != nil {
		return [32]byte{}, err
	}
	return digest([]byte(p.String())), nil
}

func (d *DirectoryInput) Validate(v any) error {
	p, err := asPath(v)
	if err != nil {
		return err
	}
	if !p.IsDir() {
		return &ValidationError{"path", "directory dependency must be a directory"}
	}
	return nil
}

// DirectoryOutput declares a directory subtree produced by a redo.
type DirectoryOutput struct {
	base
	Restriction fspath.Restriction
}

// NewDirectoryOutput builds a DirectoryOutput descriptor.
func NewDirectoryOutput(restriction fspath.Restriction, opts ...Option) *DirectoryOutput {
	return &DirectoryOutput{base: newBase(RoleDirectoryOutput, opts), Restriction: restriction}
}

func (d *DirectoryOutput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("directory_output"), []byte{byte(d.Restriction)})
}

func (d *DirectoryOutput) ValueID(v any) ([32]byte, error) {
	p, err := asPath(v)
	if err != nil {
		return [32]byte{}, err
	}
	return digest([]byte(p.String())), nil
}

func (d *DirectoryOutput) Validate(v any) error {
	p, err := asPath(v)
	if err != nil {
		return err
	}
	if !p.IsDir() {
		return &ValidationError{"path", "directory output must be a directory"}
	}
	return nil
}

// --- Environment variable ---------------------------------------------

// EnvVarInput declares a dependency on an imported environment variable.
type EnvVarInput struct {
	base
	Pattern *regexp.Regexp
	Example string
}

// NewEnvVarInput builds an EnvVarInput descriptor. pattern must fully
// match example.
func NewEnvVarInput(pattern *regexp.Regexp, example string, opts ...Option) (*EnvVarInput, error) {
	if loc := pattern.FindString(example); loc != example {
		return nil, &ValidationError{"pattern", "pattern does not fully match example"}
	}
	return &EnvVarInput{base: newBase(RoleEnvVarInput, opts), Pattern: pattern, Example: example}, nil
}

func (d *EnvVarInput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("env_var_input"), []byte(d.Pattern.String()))
}

func (d *EnvVarInput) ValueID(v any) ([32]byte, error) {
	s, ok := v.(string)
	if !ok {
		return [32]byte{}, &ValidationError{"value", "env var value must be a string"}
	}
	return digest([]byte(s)), nil
}

func (d *EnvVarInput) Validate(v any) error {
	s, ok := v.(string)
	if !ok {
		return &ValidationError{"value", "env var value must be a string"}
	}
	if d.Pattern.FindString(s) != s {
		return &ValidationError{"value", fmt.Sprintf("value %q does not match pattern %q", s, d.Pattern.String())}
	}
	return nil
}

// --- Plain object -------------------------------------------------------

// ObjectInput declares a dependency on a plain, marshallable value that
// is not a filesystem path.
type ObjectInput struct {
	base
}

// NewObjectInput builds an ObjectInput descriptor.
func NewObjectInput(opts ...Option) *ObjectInput {
	return &ObjectInput{base: newBase(RoleObjectInput, opts)}
}

func (d *ObjectInput) PermanentLocalInstanceID() [32]byte {
	return digest([]byte("object_input"))
}

func (d *ObjectInput) ValueID(v any) ([32]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return [32]byte{}, fmt.Errorf("depend: object value not marshallable: %w", err)
	}
	return digest(b), nil
}

func (d *ObjectInput) Validate(v any) error {
	if _, err := json.Marshal(v); err != nil {
		return &ValidationError{"value", "not marshallable"}
	}
	return nil
}

func asPath(v any) (fspath.Path, error) {
	switch p := v.(type) {
	case fspath.Path:
		return p, nil
	case string:
		return fspath.New(p, 0)
	default:
		return fspath.Path{}, &ValidationError{"path", fmt.Sprintf("unsupported path value type %T", v)}
	}
}

// NamedDescriptor pairs a descriptor with its declared dependency name,
// used to build a tool class's canonical dependency-role order.
type NamedDescriptor struct {
	Name       string
	Descriptor Descriptor
}
