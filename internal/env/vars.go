// Package env layers workflow, job and step variable scopes into the
// environment a step runs with, and resolves ${{ }} expressions against
// run state lazily, at the moment a step is about to execute.
package env

import (
	"fmt"
	"slices"

	"github.com/goccy/go-yaml"
)

type Var struct {
	Name  string
	Value string
}

// Vars is an ordered mapping of variable names to values. Names are unique;
// Set on an existing name replaces the value in place.
type Vars []Var

func FromMap(m map[string]string) Vars {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	vars := make(Vars, 0, len(m))
	for _, k := range keys {
		vars = append(vars, Var{Name: k, Value: m[k]})
	}
	return vars
}

func (v Vars) Get(name string) (string, bool) {
	for _, kv := range v {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

func (v *Vars) Set(name, value string) {
	for i := range *v {
		if (*v)[i].Name == name {
			(*v)[i].Value = value
			return
		}
	}
	*v = append(*v, Var{Name: name, Value: value})
}

func (v Vars) Map() map[string]string {
	m := make(map[string]string, len(v))
	for _, kv := range v {
		m[kv.Name] = kv.Value
	}
	return m
}

// Environ renders the variables as KEY=VALUE pairs in order.
func (v Vars) Environ() []string {
	out := make([]string, 0, len(v))
	for _, kv := range v {
		out = append(out, kv.Name+"="+kv.Value)
	}
	return out
}

func (v Vars) Clone() Vars {
	return slices.Clone(v)
}

// UnmarshalYAML keeps the declaration order of the mapping. Scalar values
// of any type are stored in their string form.
func (v *Vars) UnmarshalYAML(b []byte) error {
	var ms yaml.MapSlice
	if err := yaml.UnmarshalWithOptions(b, &ms, yaml.UseOrderedMap()); err != nil {
		return err
	}
	vars := make(Vars, 0, len(ms))
	for _, item := range ms {
		name := fmt.Sprint(item.Key)
		switch item.Value.(type) {
		case yaml.MapSlice, []any, map[string]any:
			return fmt.Errorf("value of %q must be a scalar", name)
		case nil:
			vars.Set(name, "")
		default:
			vars.Set(name, fmt.Sprint(item.Value))
		}
	}
	*v = vars
	return nil
}

// Compose flattens layers given lowest precedence first: a later layer
// overrides an earlier one on key collision. A key keeps the position of
// its first declaration.
func Compose(layers ...Vars) Vars {
	var out Vars
	for _, layer := range layers {
		for _, kv := range layer {
			out.Set(kv.Name, kv.Value)
		}
	}
	return out
}
