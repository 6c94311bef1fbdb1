package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"github.com/haatos/runflow/internal/env"
	"github.com/haatos/runflow/internal/shell"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// unsupportedJobKeys are job keys that belong to features runflow does not
// provide. They are rejected with a clear message instead of "unknown field".
var unsupportedJobKeys = map[string]string{
	"container":   "container jobs are not supported",
	"services":    "service containers are not supported",
	"uses":        "reusable workflows are not supported",
	"concurrency": "concurrency groups are not supported",
}

// MalformedDefinitionError reports a workflow file that cannot be run.
// Field is the path of the offending value, e.g. jobs.build.steps[1].shell.
type MalformedDefinitionError struct {
	File   string
	Field  string
	Reason string
}

func (e *MalformedDefinitionError) Error() string {
	var b strings.Builder
	b.WriteString("malformed workflow")
	if e.File != "" {
		b.WriteString(" " + e.File)
	}
	if e.Field != "" {
		b.WriteString(": " + e.Field)
	}
	b.WriteString(": " + e.Reason)
	return b.String()
}

type document struct {
	Name     string        `yaml:"name"`
	On       Triggers      `yaml:"on"`
	Env      env.Vars      `yaml:"env"`
	Defaults Defaults      `yaml:"defaults"`
	Jobs     yaml.MapSlice `yaml:"jobs"`

	Permissions any `yaml:"permissions"`
	Concurrency any `yaml:"concurrency"`
	RunName     any `yaml:"run-name"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("shell", func(fl validator.FieldLevel) bool {
			_, err := shell.Parse(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("condition", func(fl validator.FieldLevel) bool {
			_, err := ParseCondition(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
			return identifierPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// LoadFile parses the workflow file at path. The workflow is named after
// its name key, or the file name without extension.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	wf, err := Parse(name, data)
	if err != nil {
		var malformed *MalformedDefinitionError
		if errors.As(err, &malformed) {
			malformed.File = path
		}
		return nil, err
	}
	wf.Path = path
	return wf, nil
}

// LoadDir parses every .yml and .yaml file in dir in lexical order. It
// stops at the first file that fails to load.
func LoadDir(dir string) ([]*Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var workflows []*Workflow
	names := make(map[string]string)
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		wf, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if other, ok := names[wf.Name]; ok {
			return nil, &MalformedDefinitionError{
				File:   path,
				Field:  "name",
				Reason: fmt.Sprintf("workflow %q is also defined in %s", wf.Name, other),
			}
		}
		names[wf.Name] = path
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// Parse decodes and validates a workflow definition. defaultName is used
// when the definition has no name key.
func Parse(defaultName string, data []byte) (*Workflow, error) {
	var doc document
	if err := yaml.UnmarshalWithOptions(data, &doc, yaml.UseOrderedMap(), yaml.DisallowUnknownField()); err != nil {
		return nil, &MalformedDefinitionError{Reason: yaml.FormatError(err, false, true)}
	}

	wf := &Workflow{
		Name:     doc.Name,
		On:       doc.On,
		Env:      doc.Env,
		Defaults: doc.Defaults,
	}
	if wf.Name == "" {
		wf.Name = defaultName
	}
	if err := validateStruct("defaults", wf.Defaults); err != nil {
		return nil, err
	}
	if len(doc.Jobs) == 0 {
		return nil, &MalformedDefinitionError{Field: "jobs", Reason: "at least one job is required"}
	}

	for _, item := range doc.Jobs {
		job, err := decodeJob(fmt.Sprint(item.Key), item.Value)
		if err != nil {
			return nil, err
		}
		if _, ok := wf.Job(job.ID); ok {
			return nil, &MalformedDefinitionError{Field: "jobs." + job.ID, Reason: "duplicate job id"}
		}
		wf.Jobs = append(wf.Jobs, job)
	}

	for _, job := range wf.Jobs {
		for _, need := range job.Needs {
			if need == job.ID {
				return nil, &MalformedDefinitionError{Field: "jobs." + job.ID + ".needs", Reason: "a job cannot need itself"}
			}
			if _, ok := wf.Job(need); !ok {
				return nil, &MalformedDefinitionError{
					Field:  "jobs." + job.ID + ".needs",
					Reason: fmt.Sprintf("unknown job %q", need),
				}
			}
		}
	}

	if _, err := wf.Graph().TopologicalSort(); err != nil {
		return nil, err
	}
	return wf, nil
}

func decodeJob(id string, value any) (*Job, error) {
	field := "jobs." + id
	if !identifierPattern.MatchString(id) {
		return nil, &MalformedDefinitionError{Field: field, Reason: "job id must start with a letter or _ and contain only alphanumerics, - or _"}
	}
	ms, ok := value.(yaml.MapSlice)
	if !ok {
		return nil, &MalformedDefinitionError{Field: field, Reason: "job must be a mapping"}
	}
	for _, item := range ms {
		if reason, ok := unsupportedJobKeys[fmt.Sprint(item.Key)]; ok {
			return nil, &MalformedDefinitionError{Field: field + "." + fmt.Sprint(item.Key), Reason: reason}
		}
	}

	b, err := yaml.Marshal(ms)
	if err != nil {
		return nil, &MalformedDefinitionError{Field: field, Reason: err.Error()}
	}
	job := &Job{ID: id}
	if err := yaml.UnmarshalWithOptions(b, job, yaml.DisallowUnknownField()); err != nil {
		return nil, &MalformedDefinitionError{Field: field, Reason: yaml.FormatError(err, false, false)}
	}
	if err := validateStruct(field, job); err != nil {
		return nil, err
	}

	job.If, _ = ParseCondition(string(job.If))
	seen := make(map[string]bool)
	for i, step := range job.Steps {
		step.If, _ = ParseCondition(string(step.If))
		if step.ID == "" {
			continue
		}
		if seen[step.ID] {
			return nil, &MalformedDefinitionError{
				Field:  fmt.Sprintf("%s.steps[%d].id", field, i),
				Reason: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		seen[step.ID] = true
	}

	if job.HasMatrix() {
		if _, err := job.Instances(); err != nil {
			return nil, &MalformedDefinitionError{Field: field + ".strategy.matrix", Reason: err.Error()}
		}
	}
	return job, nil
}

// validateStruct runs the struct tag checks and converts the first failure
// into a MalformedDefinitionError rooted at prefix.
func validateStruct(prefix string, v any) error {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return &MalformedDefinitionError{Field: prefix, Reason: err.Error()}
	}
	fe := validationErrors[0]
	field := prefix
	if _, rest, ok := strings.Cut(fe.Namespace(), "."); ok {
		field = prefix + "." + rest
	}
	return &MalformedDefinitionError{Field: field, Reason: reason(fe)}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must not be empty"
	case "gte":
		return "must not be negative"
	case "shell":
		return fmt.Sprintf("unknown shell %q", fe.Value())
	case "condition":
		return fmt.Sprintf("unsupported condition %q", fe.Value())
	case "identifier":
		return fmt.Sprintf("%q is not a valid identifier", fe.Value())
	case "required_without":
		return "a step needs one of run or uses"
	case "excluded_with":
		return "run and uses cannot be combined"
	}
	return fmt.Sprintf("failed on %s validation", fe.Tag())
}

// SortedJobIDs returns the workflow's job ids in execution order.
func (w *Workflow) SortedJobIDs() ([]string, error) {
	return w.Graph().TopologicalSort()
}

// JobIDs returns the job ids in declaration order.
func (w *Workflow) JobIDs() []string {
	ids := make([]string, len(w.Jobs))
	for i, j := range w.Jobs {
		ids[i] = j.ID
	}
	return ids
}
