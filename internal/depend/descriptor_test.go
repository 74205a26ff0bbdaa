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

package depend

import (
	"regexp"
	"testing"

	"dlb/internal/fspath"
)

func TestRegularFileInputRejectsDirectory(t *testing.T) {
	d := NewRegularFileInput(fspath.RestrictPortable)
	p, _ := fspath.New("a/b/", 0)
	if err := d.Validate(p); err == nil {
		t.Fatal("expected validation error for directory value")
	}
}

func TestDirectoryInputRequiresDirectory(t *testing.T) {
	d := NewDirectoryInput(fspath.RestrictPortable)
	p, _ := fspath.New("a/b", 0)
	if err := d.Validate(p); err == nil {
		t.Fatal("expected validation error for non-directory value")
	}
}

func TestValueIDStableAcrossEquivalentRepresentations(t *testing.T) {
	d := NewRegularFileInput(fspath.RestrictPortable)
	p1, _ := fspath.New("a/b.c", 0)
	id1, err := d.ValueID(p1)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := d.ValueID("a/b.c")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Fatal("expected value id to be stable across string and Path representations")
	}
}

func TestEnvVarInputRequiresPatternToMatchExample(t *testing.T) {
	if _, err := NewEnvVarInput(regexp.MustCompile(`^[0-9]+$`), "abc"); err == nil {
		t.Fatal("expected construction error when pattern does not match example")
	}
}

func TestEnvVarInputValidate(t *testing.T) {
	d, err := NewEnvVarInput(regexp.MustCompile(`^[0-9]+$`), "123")
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Validate("456"); err != nil {
		t.Fatal(err)
	}
	if err := d.Validate("abc"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestMultiplicityValidation(t *testing.T) {
	b := newBase(RoleObjectInput, []Option{Multiplicity(1, 3, 1)})
	if err := b.validateMultiplicity(2); err != nil {
		t.Fatal(err)
	}
	if err := b.validateMultiplicity(5); err == nil {
		t.Fatal("expected multiplicity violation")
	}
}

func TestObjectInputRejectsUnmarshallable(t *testing.T) {
	d := NewObjectInput()
	if err := d.Validate(make(chan int)); err == nil {
		t.Fatal("expected validation error for unmarshallable value")
	}
}
