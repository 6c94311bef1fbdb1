package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/haatos/runflow/internal/env"
)

type (
	Matrix struct {
		Axes    []Axis
		Include []env.Vars
		Exclude []env.Vars
	}

	Axis struct {
		Name   string
		Values []string
	}
)

func (m *Matrix) UnmarshalYAML(b []byte) error {
	var ms yaml.MapSlice
	if err := yaml.UnmarshalWithOptions(b, &ms, yaml.UseOrderedMap()); err != nil {
		return err
	}
	var out Matrix
	for _, item := range ms {
		name := fmt.Sprint(item.Key)
		switch name {
		case "include", "exclude":
			entries, err := decodeCombinations(name, item.Value)
			if err != nil {
				return err
			}
			if name == "include" {
				out.Include = entries
			} else {
				out.Exclude = entries
			}
		default:
			values, ok := item.Value.([]any)
			if !ok {
				return fmt.Errorf("matrix axis %q must be a list", name)
			}
			axis := Axis{Name: name}
			for _, v := range values {
				if !isScalar(v) {
					return fmt.Errorf("matrix axis %q must contain scalar values", name)
				}
				axis.Values = append(axis.Values, fmt.Sprint(v))
			}
			out.Axes = append(out.Axes, axis)
		}
	}
	*m = out
	return nil
}

func decodeCombinations(key string, value any) ([]env.Vars, error) {
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("matrix %s must be a list", key)
	}
	entries := make([]env.Vars, 0, len(list))
	for _, item := range list {
		ms, ok := item.(yaml.MapSlice)
		if !ok {
			return nil, fmt.Errorf("matrix %s entries must be mappings", key)
		}
		var vars env.Vars
		for _, kv := range ms {
			if !isScalar(kv.Value) {
				return nil, fmt.Errorf("matrix %s value %v must be a scalar", key, kv.Key)
			}
			vars.Set(fmt.Sprint(kv.Key), fmt.Sprint(kv.Value))
		}
		entries = append(entries, vars)
	}
	return entries, nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case yaml.MapSlice, []any, map[string]any, nil:
		return false
	}
	return true
}

type combination struct {
	original env.Vars
	values   env.Vars
}

// Combinations returns the matrix's combinations: the cartesian product of
// the axes in declaration order, minus excluded entries, with include
// entries merged into compatible combinations or appended as new ones.
func (m Matrix) Combinations() ([]env.Vars, error) {
	if len(m.Axes) == 0 && len(m.Include) == 0 {
		return nil, errors.New("matrix must define at least one axis or include entry")
	}

	var combos []combination
	if len(m.Axes) > 0 {
		combos = []combination{{}}
		for _, axis := range m.Axes {
			if len(axis.Values) == 0 {
				return nil, fmt.Errorf("matrix axis %q has no values", axis.Name)
			}
			next := make([]combination, 0, len(combos)*len(axis.Values))
			for _, c := range combos {
				for _, v := range axis.Values {
					values := c.values.Clone()
					values.Set(axis.Name, v)
					next = append(next, combination{values: values})
				}
			}
			combos = next
		}
	}

	kept := combos[:0]
	for _, c := range combos {
		if !m.excluded(c.values) {
			c.original = c.values.Clone()
			kept = append(kept, c)
		}
	}
	combos = kept

	for _, inc := range m.Include {
		merged := false
		for i := range combos {
			if !compatible(combos[i].original, inc) {
				continue
			}
			for _, kv := range inc {
				combos[i].values.Set(kv.Name, kv.Value)
			}
			merged = true
		}
		if !merged {
			combos = append(combos, combination{original: inc.Clone(), values: inc.Clone()})
		}
	}

	if len(combos) == 0 {
		return nil, errors.New("matrix produces no combinations")
	}
	out := make([]env.Vars, len(combos))
	for i, c := range combos {
		out[i] = c.values
	}
	return out, nil
}

func (m Matrix) excluded(values env.Vars) bool {
	for _, ex := range m.Exclude {
		match := true
		for _, kv := range ex {
			if v, ok := values.Get(kv.Name); !ok || v != kv.Value {
				match = false
				break
			}
		}
		if match && len(ex) > 0 {
			return true
		}
	}
	return false
}

// compatible reports whether inc can be merged into a combination without
// overwriting one of its original axis values.
func compatible(original, inc env.Vars) bool {
	for _, kv := range inc {
		if v, ok := original.Get(kv.Name); ok && v != kv.Value {
			return false
		}
	}
	return true
}

func (j *Job) HasMatrix() bool {
	return j.Strategy != nil && (len(j.Strategy.Matrix.Axes) > 0 || len(j.Strategy.Matrix.Include) > 0)
}

// Instances expands the job into one job per matrix combination. A job
// without a matrix yields itself with Key set to its ID.
func (j *Job) Instances() ([]*Job, error) {
	if !j.HasMatrix() {
		instance := *j
		instance.Key = j.ID
		return []*Job{&instance}, nil
	}
	combos, err := j.Strategy.Matrix.Combinations()
	if err != nil {
		return nil, err
	}
	instances := make([]*Job, 0, len(combos))
	seen := make(map[string]int, len(combos))
	for _, combo := range combos {
		instance := *j
		instance.Matrix = combo
		values := make([]string, len(combo))
		for i, kv := range combo {
			values[i] = kv.Value
		}
		instance.Key = fmt.Sprintf("%s (%s)", j.ID, strings.Join(values, ", "))
		if n := seen[instance.Key]; n > 0 {
			seen[instance.Key]++
			instance.Key = fmt.Sprintf("%s #%d", instance.Key, n+1)
		} else {
			seen[instance.Key] = 1
		}
		instances = append(instances, &instance)
	}
	return instances, nil
}
