package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/goccy/go-yaml"
	"github.com/robfig/cron/v3"
)

const (
	EventPush             = "push"
	EventPullRequest      = "pull_request"
	EventWorkflowDispatch = "workflow_dispatch"
	EventSchedule         = "schedule"
)

var supportedEvents = []string{EventPush, EventPullRequest, EventWorkflowDispatch, EventSchedule}

// defaultPullRequestTypes are matched when a pull_request trigger lists no
// activity types.
var defaultPullRequestTypes = []string{"opened", "synchronize", "reopened"}

type (
	// Event is something that happened to the repository and may start runs.
	Event struct {
		Name string `json:"event"`
		// Repository is the clone URL the checkout action defaults to.
		Repository string `json:"repository,omitempty"`
		// Ref is the full git ref, e.g. refs/heads/main or refs/tags/v1.
		Ref string `json:"ref"`
		SHA string `json:"sha"`
		// Action is the pull request activity type.
		Action string `json:"action,omitempty"`
		// BaseRef is the branch a pull request targets.
		BaseRef string            `json:"base_ref,omitempty"`
		Inputs  map[string]string `json:"inputs,omitempty"`
		// Cron is the schedule that fired a schedule event.
		Cron string `json:"cron,omitempty"`
		// Files are the repository paths a push or pull request changed.
		Files []string `json:"files,omitempty"`
	}

	Trigger struct {
		Event          string
		Branches       StringList
		BranchesIgnore StringList
		Tags           StringList
		TagsIgnore     StringList
		Types          StringList
		Paths          StringList
		PathsIgnore    StringList
		Cron           []string
		Inputs         []Input
	}

	Input struct {
		Name        string
		Description string
		Default     string
		Required    bool
	}

	Triggers []Trigger

	triggerFilter struct {
		Branches       StringList    `yaml:"branches"`
		BranchesIgnore StringList    `yaml:"branches-ignore"`
		Tags           StringList    `yaml:"tags"`
		TagsIgnore     StringList    `yaml:"tags-ignore"`
		Types          StringList    `yaml:"types"`
		Inputs         yaml.MapSlice `yaml:"inputs"`
		Paths          StringList    `yaml:"paths"`
		PathsIgnore    StringList    `yaml:"paths-ignore"`
	}

	scheduleSpec struct {
		Cron string `yaml:"cron"`
	}
)

// UnmarshalYAML accepts the three forms of `on`: a single event name, a
// list of event names, or a mapping from event name to its filters.
func (t *Triggers) UnmarshalYAML(b []byte) error {
	var v any
	if err := yaml.UnmarshalWithOptions(b, &v, yaml.UseOrderedMap()); err != nil {
		return err
	}

	var triggers Triggers
	switch on := v.(type) {
	case nil:
	case string:
		triggers = append(triggers, Trigger{Event: on})
	case []any:
		for _, item := range on {
			name, ok := item.(string)
			if !ok {
				return fmt.Errorf("event name must be a string, got %T", item)
			}
			triggers = append(triggers, Trigger{Event: name})
		}
	case yaml.MapSlice:
		for _, item := range on {
			trigger, err := decodeTrigger(fmt.Sprint(item.Key), item.Value)
			if err != nil {
				return err
			}
			triggers = append(triggers, trigger)
		}
	default:
		return fmt.Errorf("unexpected value of type %T", v)
	}

	for _, trigger := range triggers {
		if !slices.Contains(supportedEvents, trigger.Event) {
			return fmt.Errorf("unsupported event %q", trigger.Event)
		}
	}
	*t = triggers
	return nil
}

func decodeTrigger(event string, value any) (Trigger, error) {
	trigger := Trigger{Event: event}
	if value == nil {
		return trigger, nil
	}

	b, err := yaml.Marshal(value)
	if err != nil {
		return trigger, err
	}

	if event == EventSchedule {
		var specs []scheduleSpec
		if err := yaml.UnmarshalWithOptions(b, &specs, yaml.DisallowUnknownField()); err != nil {
			return trigger, fmt.Errorf("%s: %w", event, err)
		}
		for _, spec := range specs {
			if _, err := cron.ParseStandard(spec.Cron); err != nil {
				return trigger, fmt.Errorf("%s: invalid cron %q: %w", event, spec.Cron, err)
			}
			trigger.Cron = append(trigger.Cron, spec.Cron)
		}
		return trigger, nil
	}

	var filter triggerFilter
	if err := yaml.UnmarshalWithOptions(b, &filter, yaml.DisallowUnknownField()); err != nil {
		return trigger, fmt.Errorf("%s: %w", event, err)
	}
	if len(filter.Branches) > 0 && len(filter.BranchesIgnore) > 0 {
		return trigger, fmt.Errorf("%s: branches and branches-ignore cannot be combined", event)
	}
	if len(filter.Tags) > 0 && len(filter.TagsIgnore) > 0 {
		return trigger, fmt.Errorf("%s: tags and tags-ignore cannot be combined", event)
	}
	if len(filter.Paths) > 0 && len(filter.PathsIgnore) > 0 {
		return trigger, fmt.Errorf("%s: paths and paths-ignore cannot be combined", event)
	}
	if (len(filter.Paths) > 0 || len(filter.PathsIgnore) > 0) && event != EventPush && event != EventPullRequest {
		return trigger, fmt.Errorf("%s: paths filters apply only to push and pull_request", event)
	}
	for _, pattern := range slices.Concat(
		filter.Branches, filter.BranchesIgnore,
		filter.Tags, filter.TagsIgnore,
		filter.Paths, filter.PathsIgnore,
	) {
		if !doublestar.ValidatePattern(pattern) {
			return trigger, fmt.Errorf("%s: invalid pattern %q", event, pattern)
		}
	}
	trigger.Branches = filter.Branches
	trigger.BranchesIgnore = filter.BranchesIgnore
	trigger.Tags = filter.Tags
	trigger.TagsIgnore = filter.TagsIgnore
	trigger.Types = filter.Types
	trigger.Paths = filter.Paths
	trigger.PathsIgnore = filter.PathsIgnore

	for _, item := range filter.Inputs {
		input := Input{Name: fmt.Sprint(item.Key)}
		if item.Value != nil {
			ib, err := yaml.Marshal(item.Value)
			if err != nil {
				return trigger, err
			}
			var raw struct {
				Description string `yaml:"description"`
				Default     any    `yaml:"default"`
				Required    bool   `yaml:"required"`
				Type        string `yaml:"type"`
				Options     []any  `yaml:"options"`
			}
			if err := yaml.UnmarshalWithOptions(ib, &raw, yaml.DisallowUnknownField()); err != nil {
				return trigger, fmt.Errorf("%s: input %s: %w", event, input.Name, err)
			}
			input.Description = raw.Description
			input.Required = raw.Required
			if raw.Default != nil {
				input.Default = fmt.Sprint(raw.Default)
			}
		}
		trigger.Inputs = append(trigger.Inputs, input)
	}
	return trigger, nil
}

// Match reports whether any of the workflow's triggers accepts ev.
func (w *Workflow) Match(ev Event) bool {
	for _, t := range w.On {
		if t.Match(ev) {
			return true
		}
	}
	return false
}

// Trigger returns the workflow's trigger for event, if it has one.
func (w *Workflow) Trigger(event string) (Trigger, bool) {
	for _, t := range w.On {
		if t.Event == event {
			return t, true
		}
	}
	return Trigger{}, false
}

func (t Trigger) Match(ev Event) bool {
	if t.Event != ev.Name {
		return false
	}
	switch ev.Name {
	case EventPush:
		return t.MatchRef(ev.Ref) && t.matchPaths(ev.Files)
	case EventPullRequest:
		types := []string(t.Types)
		if len(types) == 0 {
			types = defaultPullRequestTypes
		}
		if !slices.Contains(types, ev.Action) {
			return false
		}
		return t.matchBranch(shortRef(ev.BaseRef)) && t.matchPaths(ev.Files)
	case EventSchedule:
		return slices.Contains(t.Cron, ev.Cron)
	}
	return true
}

// MatchRef applies the branch and tag filters to a pushed ref. When only
// one kind of filter is configured, refs of the other kind never match.
func (t Trigger) MatchRef(ref string) bool {
	refName := plumbing.ReferenceName(ref)
	hasBranchFilter := len(t.Branches) > 0 || len(t.BranchesIgnore) > 0
	hasTagFilter := len(t.Tags) > 0 || len(t.TagsIgnore) > 0

	switch {
	case refName.IsBranch():
		if !hasBranchFilter {
			return !hasTagFilter
		}
		return t.matchBranch(refName.Short())
	case refName.IsTag():
		if !hasTagFilter {
			return !hasBranchFilter
		}
		return matchFilter(refName.Short(), t.Tags, t.TagsIgnore)
	}
	return !hasBranchFilter && !hasTagFilter
}

// matchPaths applies the paths filters to the changed files. paths needs
// one file to match and paths-ignore needs one file outside it, so an event
// without files never passes a paths filter.
func (t Trigger) matchPaths(files []string) bool {
	switch {
	case len(t.Paths) > 0:
		return slices.ContainsFunc(files, func(f string) bool { return matchAny(f, t.Paths) })
	case len(t.PathsIgnore) > 0:
		return slices.ContainsFunc(files, func(f string) bool { return !matchAny(f, t.PathsIgnore) })
	}
	return true
}

func (t Trigger) matchBranch(branch string) bool {
	return matchFilter(branch, t.Branches, t.BranchesIgnore)
}

func matchFilter(name string, include, ignore []string) bool {
	if len(include) > 0 {
		return matchAny(name, include)
	}
	if len(ignore) > 0 {
		return !matchAny(name, ignore)
	}
	return true
}

func matchAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func shortRef(ref string) string {
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() || refName.IsTag() {
		return refName.Short()
	}
	return strings.TrimPrefix(ref, "refs/")
}

// ResolveInputs fills in defaults for workflow_dispatch inputs and checks
// that required inputs are present. Unknown inputs are rejected.
func (w *Workflow) ResolveInputs(given map[string]string) (map[string]string, error) {
	trigger, _ := w.Trigger(EventWorkflowDispatch)
	out := make(map[string]string, len(trigger.Inputs))
	for name := range given {
		if !slices.ContainsFunc(trigger.Inputs, func(in Input) bool { return in.Name == name }) {
			return nil, fmt.Errorf("unknown input %q", name)
		}
	}
	for _, in := range trigger.Inputs {
		v, ok := given[in.Name]
		switch {
		case ok:
			out[in.Name] = v
		case in.Required && in.Default == "":
			return nil, fmt.Errorf("missing required input %q", in.Name)
		default:
			out[in.Name] = in.Default
		}
	}
	return out, nil
}
