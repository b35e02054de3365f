// commands.go

// Copyright (C) 2018  Steve Merrony

// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.

// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package pdrone

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
)

// Kind is the wire type of a command argument.
type Kind uint8

// Argument kinds...
const (
	KindU8 Kind = iota + 1
	KindU16
	KindU32
	KindI8
	KindI16
	KindI32
	KindFloat
	KindString
	KindEnum
)

var kindNames = map[Kind]string{
	KindU8:     "u8",
	KindU16:    "u16",
	KindU32:    "u32",
	KindI8:     "i8",
	KindI16:    "i16",
	KindI32:    "i32",
	KindFloat:  "float",
	KindString: "string",
	KindEnum:   "enum",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind converts a schema type name (eg. "u8", "enum") to a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("pdrone: unknown argument type %q", s)
}

// width is the encoded size in bytes, 0 for the variable length string kind.
// Enums travel as 32-bit signed integers.
func (k Kind) width() int {
	switch k {
	case KindU8, KindI8:
		return 1
	case KindU16, KindI16:
		return 2
	case KindU32, KindI32, KindFloat, KindEnum:
		return 4
	}
	return 0
}

// bounds returns the inclusive range of an integer kind.
func (k Kind) bounds() (lo, hi int64) {
	switch k {
	case KindU8:
		return 0, math.MaxUint8
	case KindU16:
		return 0, math.MaxUint16
	case KindU32:
		return 0, math.MaxUint32
	case KindI8:
		return math.MinInt8, math.MaxInt8
	case KindI16:
		return math.MinInt16, math.MaxInt16
	case KindI32, KindEnum:
		return math.MinInt32, math.MaxInt32
	}
	return 0, 0
}

// EnumValue is one (symbolic name, numeric value) pair of an enum domain.
type EnumValue struct {
	Name  string
	Value int32
}

// EnumDomain is the finite set of values valid for an enum argument.
// It is built once and then only read.
type EnumDomain struct {
	values  []EnumValue
	byName  map[string]int32 // case-folded name
	byValue map[int32]string
}

// NewEnumDomain builds the two-way lookup for an enum. Names must be unique
// ignoring case, and so must values.
func NewEnumDomain(values ...EnumValue) (*EnumDomain, error) {
	if len(values) == 0 {
		return nil, errors.New("pdrone: empty enum domain")
	}
	d := &EnumDomain{
		values:  make([]EnumValue, len(values)),
		byName:  make(map[string]int32, len(values)),
		byValue: make(map[int32]string, len(values)),
	}
	copy(d.values, values)
	fold := cases.Fold()
	for _, v := range values {
		if v.Name == "" {
			return nil, errors.New("pdrone: enum value with empty name")
		}
		fn := fold.String(v.Name)
		if _, dup := d.byName[fn]; dup {
			return nil, fmt.Errorf("pdrone: duplicate enum name %q", v.Name)
		}
		if _, dup := d.byValue[v.Value]; dup {
			return nil, fmt.Errorf("pdrone: duplicate enum value %d (%s)", v.Value, v.Name)
		}
		d.byName[fn] = v.Value
		d.byValue[v.Value] = v.Name
	}
	return d, nil
}

// Lookup resolves a symbolic name, ignoring case.
func (d *EnumDomain) Lookup(name string) (int32, bool) {
	v, ok := d.byName[cases.Fold().String(name)]
	return v, ok
}

// Name is the reverse lookup: the schema spelling of a numeric value.
func (d *EnumDomain) Name(v int32) (string, bool) {
	n, ok := d.byValue[v]
	return n, ok
}

// Values returns a copy of the domain in declaration order.
func (d *EnumDomain) Values() []EnumValue {
	vs := make([]EnumValue, len(d.values))
	copy(vs, d.values)
	return vs
}

// ArgSpec describes one argument of a command.
type ArgSpec struct {
	Name string
	Kind Kind
	Enum *EnumDomain // required iff Kind == KindEnum
}

// CommandSpec is an immutable table entry describing a command or telemetry message.
// Identity is the (Project, Class, Command) triple.
type CommandSpec struct {
	Project   string
	Class     string
	Command   string
	ProjectID uint8
	ClassID   uint8
	CommandID uint16
	Args      []ArgSpec // schema order, do not modify
}

// Name returns the dotted name, eg. minidrone.Piloting.TakeOff
func (s *CommandSpec) Name() string {
	return s.Project + "." + s.Class + "." + s.Command
}

// Key returns the sensor key of the telemetry this spec describes.
func (s *CommandSpec) Key() SensorKey {
	return MakeSensorKey(s.Project, s.Class, s.Command)
}

type nameKey struct {
	project, class, command string
}

type idKey struct {
	project, class uint8
	command        uint16
}

// CommandTable maps command names to their specs and back from wire IDs.
// A table is never modified once built so it may be shared freely between goroutines.
type CommandTable struct {
	specs  []*CommandSpec
	byName map[nameKey]*CommandSpec
	byID   map[idKey]*CommandSpec
}

// NewCommandTable validates the given specs and builds both indexes.
func NewCommandTable(specs []CommandSpec) (*CommandTable, error) {
	t := &CommandTable{
		specs:  make([]*CommandSpec, 0, len(specs)),
		byName: make(map[nameKey]*CommandSpec, len(specs)),
		byID:   make(map[idKey]*CommandSpec, len(specs)),
	}
	for i := range specs {
		s := specs[i] // private copy
		s.Args = append([]ArgSpec(nil), specs[i].Args...)
		if s.Project == "" || s.Class == "" || s.Command == "" {
			return nil, fmt.Errorf("pdrone: command spec %d has an empty name", i)
		}
		if strings.Contains(s.Project+s.Class+s.Command, sensorKeySep) {
			return nil, fmt.Errorf("pdrone: %s: names may not contain %q", s.Name(), sensorKeySep)
		}
		nk := nameKey{s.Project, s.Class, s.Command}
		if _, dup := t.byName[nk]; dup {
			return nil, fmt.Errorf("pdrone: duplicate command %s", s.Name())
		}
		ik := idKey{s.ProjectID, s.ClassID, s.CommandID}
		if other, dup := t.byID[ik]; dup {
			return nil, fmt.Errorf("pdrone: %s reuses the ids of %s (%d/%d/%d)",
				s.Name(), other.Name(), s.ProjectID, s.ClassID, s.CommandID)
		}
		if err := checkArgs(&s); err != nil {
			return nil, err
		}
		t.byName[nk] = &s
		t.byID[ik] = &s
		t.specs = append(t.specs, &s)
	}
	return t, nil
}

func checkArgs(s *CommandSpec) error {
	seen := make(map[string]bool, len(s.Args))
	for _, a := range s.Args {
		if a.Name == "" {
			return fmt.Errorf("pdrone: %s has an unnamed argument", s.Name())
		}
		if seen[a.Name] {
			return fmt.Errorf("pdrone: %s: duplicate argument %s", s.Name(), a.Name)
		}
		seen[a.Name] = true
		if _, ok := kindNames[a.Kind]; !ok {
			return fmt.Errorf("pdrone: %s: %s has invalid %s", s.Name(), a.Name, a.Kind)
		}
		if a.Kind == KindEnum && a.Enum == nil {
			return fmt.Errorf("pdrone: %s: enum %s has no values", s.Name(), a.Name)
		}
		if a.Kind != KindEnum && a.Enum != nil {
			return fmt.Errorf("pdrone: %s: %s is %s but has enum values", s.Name(), a.Name, a.Kind)
		}
	}
	return nil
}

// Lookup finds a command by name. The same *CommandSpec is returned every time.
func (t *CommandTable) Lookup(project, class, command string) (*CommandSpec, error) {
	s, ok := t.byName[nameKey{project, class, command}]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s.%s", ErrUnknownCommand, project, class, command)
	}
	return s, nil
}

// LookupID finds a spec by its wire identity.
func (t *CommandTable) LookupID(projectID, classID uint8, commandID uint16) (*CommandSpec, bool) {
	s, ok := t.byID[idKey{projectID, classID, commandID}]
	return s, ok
}

// Specs returns every spec in table order.
func (t *CommandTable) Specs() []*CommandSpec {
	ss := make([]*CommandSpec, len(t.specs))
	copy(ss, t.specs)
	return ss
}

// Len returns the number of entries.
func (t *CommandTable) Len() int { return len(t.specs) }
