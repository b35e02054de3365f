// schema.go

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
	_ "embed"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed schema/minidrone.yaml
var defaultSchema []byte

// the on-disk form of a command table
type schemaDoc struct {
	Projects []schemaProject `yaml:"projects"`
}

type schemaProject struct {
	Name    string        `yaml:"name"`
	ID      uint8         `yaml:"id"`
	Classes []schemaClass `yaml:"classes"`
}

type schemaClass struct {
	Name     string          `yaml:"name"`
	ID       uint8           `yaml:"id"`
	Commands []schemaCommand `yaml:"commands"`
}

type schemaCommand struct {
	Name string      `yaml:"name"`
	ID   uint16      `yaml:"id"`
	Args []schemaArg `yaml:"args"`
}

type schemaArg struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Values []schemaEnumValue `yaml:"values"`
}

// schemaEnumValue is either a bare name (value = list position) or {name, value}.
type schemaEnumValue struct {
	Name  string
	Value *int32
}

func (v *schemaEnumValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		v.Name = node.Value
		return nil
	}
	var full struct {
		Name  string `yaml:"name"`
		Value *int32 `yaml:"value"`
	}
	if err := node.Decode(&full); err != nil {
		return err
	}
	v.Name, v.Value = full.Name, full.Value
	return nil
}

// ParseCommandTable builds a CommandTable from a YAML schema document.
func ParseCommandTable(data []byte) (*CommandTable, error) {
	var doc schemaDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("pdrone: parse schema: %w", err)
	}
	var specs []CommandSpec
	for _, p := range doc.Projects {
		for _, c := range p.Classes {
			for _, cmd := range c.Commands {
				spec := CommandSpec{
					Project:   p.Name,
					Class:     c.Name,
					Command:   cmd.Name,
					ProjectID: p.ID,
					ClassID:   c.ID,
					CommandID: cmd.ID,
				}
				for _, a := range cmd.Args {
					as, err := a.toArgSpec()
					if err != nil {
						return nil, fmt.Errorf("pdrone: %s: %w", spec.Name(), err)
					}
					spec.Args = append(spec.Args, as)
				}
				specs = append(specs, spec)
			}
		}
	}
	return NewCommandTable(specs)
}

func (a schemaArg) toArgSpec() (ArgSpec, error) {
	k, err := ParseKind(a.Type)
	if err != nil {
		return ArgSpec{}, fmt.Errorf("%s: %w", a.Name, err)
	}
	as := ArgSpec{Name: a.Name, Kind: k}
	if len(a.Values) == 0 {
		return as, nil
	}
	if k != KindEnum {
		return ArgSpec{}, fmt.Errorf("%s: values given for %s argument", a.Name, k)
	}
	evs := make([]EnumValue, len(a.Values))
	for i, v := range a.Values {
		evs[i] = EnumValue{Name: v.Name, Value: int32(i)}
		if v.Value != nil {
			evs[i].Value = *v.Value
		}
	}
	if as.Enum, err = NewEnumDomain(evs...); err != nil {
		return ArgSpec{}, fmt.Errorf("%s: %w", a.Name, err)
	}
	return as, nil
}

// LoadCommandTable reads a YAML schema file.
func LoadCommandTable(path string) (*CommandTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCommandTable(raw)
}

// DefaultCommandTable returns the built-in table for the minidrone family
// (plus the parts of the common project it uses).
func DefaultCommandTable() *CommandTable {
	return defaultTable()
}

var defaultTable = sync.OnceValue(func() *CommandTable {
	t, err := ParseCommandTable(defaultSchema)
	if err != nil {
		panic(err) // the embedded schema is tested
	}
	return t
})
