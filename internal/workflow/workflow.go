// Package workflow holds the parsed form of a workflow file: triggers, jobs
// and their steps. A Workflow is immutable once Parse returns it.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/haatos/runflow/internal/dag"
	"github.com/haatos/runflow/internal/env"
)

type (
	Workflow struct {
		Name     string
		Path     string
		On       Triggers
		Env      env.Vars
		Defaults Defaults
		Jobs     []*Job
	}

	Defaults struct {
		Run RunDefaults `yaml:"run"`
	}

	RunDefaults struct {
		Shell            string `yaml:"shell" validate:"omitempty,shell"`
		WorkingDirectory string `yaml:"working-directory"`
	}

	Job struct {
		// ID is the key of the job under jobs.
		ID string `yaml:"-"`
		// Key identifies one matrix instance of the job. It equals ID for
		// jobs without a matrix.
		Key string `yaml:"-"`
		// Matrix holds the values of this instance's matrix combination.
		Matrix env.Vars `yaml:"-"`

		Name            string     `yaml:"name"`
		RunsOn          StringList `yaml:"runs-on" validate:"required,min=1,dive,required"`
		Needs           StringList `yaml:"needs"`
		If              Condition  `yaml:"if" validate:"omitempty,condition"`
		Env             env.Vars   `yaml:"env"`
		Defaults        Defaults   `yaml:"defaults"`
		Strategy        *Strategy  `yaml:"strategy"`
		Outputs         env.Vars   `yaml:"outputs"`
		ContinueOnError bool       `yaml:"continue-on-error"`
		TimeoutMinutes  float64    `yaml:"timeout-minutes" validate:"gte=0"`
		Steps           []*Step    `yaml:"steps" validate:"required,min=1,dive"`
	}

	Strategy struct {
		Matrix      Matrix `yaml:"matrix"`
		FailFast    *bool  `yaml:"fail-fast"`
		MaxParallel int    `yaml:"max-parallel" validate:"gte=0"`
	}

	Step struct {
		ID               string    `yaml:"id" validate:"omitempty,identifier"`
		Name             string    `yaml:"name"`
		Run              string    `yaml:"run" validate:"required_without=Uses,excluded_with=Uses"`
		Uses             string    `yaml:"uses" validate:"required_without=Run"`
		With             env.Vars  `yaml:"with"`
		Shell            string    `yaml:"shell" validate:"omitempty,shell"`
		Env              env.Vars  `yaml:"env"`
		If               Condition `yaml:"if" validate:"omitempty,condition"`
		ContinueOnError  bool      `yaml:"continue-on-error"`
		TimeoutMinutes   float64   `yaml:"timeout-minutes" validate:"gte=0"`
		WorkingDirectory string    `yaml:"working-directory"`
	}

	StringList []string
)

func (w *Workflow) Job(id string) (*Job, bool) {
	for _, j := range w.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// Graph returns the needs graph of the workflow's jobs. An edge runs from a
// needed job to the job that needs it.
func (w *Workflow) Graph() *dag.Graph {
	g := dag.New()
	for _, j := range w.Jobs {
		g.AddNode(j.ID)
	}
	for _, j := range w.Jobs {
		for _, need := range j.Needs {
			g.AddEdge(need, j.ID)
		}
	}
	return g
}

// DisplayName returns the job's name, falling back to its key.
func (j *Job) DisplayName() string {
	if j.Name == "" {
		return j.Key
	}
	if len(j.Matrix) > 0 && j.Key != j.ID {
		return j.Name + strings.TrimPrefix(j.Key, j.ID)
	}
	return j.Name
}

// FailFast reports whether a failing matrix instance cancels its siblings.
func (j *Job) FailFast() bool {
	if j.Strategy == nil || j.Strategy.FailFast == nil {
		return true
	}
	return *j.Strategy.FailFast
}

func (j *Job) MaxParallel() int {
	if j.Strategy == nil {
		return 0
	}
	return j.Strategy.MaxParallel
}

// Shell returns the shell for step, honoring job and workflow defaults.
func (w *Workflow) Shell(j *Job, s *Step) string {
	switch {
	case s.Shell != "":
		return s.Shell
	case j.Defaults.Run.Shell != "":
		return j.Defaults.Run.Shell
	}
	return w.Defaults.Run.Shell
}

// WorkingDirectory returns the working directory for step relative to the
// workspace, honoring job and workflow defaults.
func (w *Workflow) WorkingDirectory(j *Job, s *Step) string {
	switch {
	case s.WorkingDirectory != "":
		return s.WorkingDirectory
	case j.Defaults.Run.WorkingDirectory != "":
		return j.Defaults.Run.WorkingDirectory
	}
	return w.Defaults.Run.WorkingDirectory
}

// DisplayName returns the step's name, or a name derived from what it does.
func (s *Step) DisplayName(index int) string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Uses != "":
		return s.Uses
	case s.Run != "":
		line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
		return "Run " + line
	}
	return fmt.Sprintf("step %d", index+1)
}

// UnmarshalYAML accepts a single string or a list of strings.
func (s *StringList) UnmarshalYAML(b []byte) error {
	var v any
	if err := yaml.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case nil:
		*s = nil
	case string:
		*s = StringList{t}
	case []any:
		parts := make(StringList, len(t))
		for i, item := range t {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", item, item)
			}
			parts[i] = str
		}
		*s = parts
	default:
		return errors.New("expected a string or a list of strings")
	}
	return nil
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	}
	return false
}
