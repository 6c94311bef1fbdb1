package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_Match(t *testing.T) {
	data := `
on:
  push:
    branches: [main, "release/**"]
    tags: ["v*"]
  pull_request:
    branches: [main]
  schedule:
    - cron: "0 3 * * *"
  workflow_dispatch:
jobs:
  a:
    runs-on: local
    steps: [{run: a}]
`
	wf, err := Parse("wf", []byte(data))
	require.NoError(t, err)

	tests := []struct {
		name  string
		event Event
		match bool
	}{
		{"push to main", Event{Name: EventPush, Ref: "refs/heads/main"}, true},
		{"push to nested release branch", Event{Name: EventPush, Ref: "refs/heads/release/1.x/hotfix"}, true},
		{"push to feature branch", Event{Name: EventPush, Ref: "refs/heads/feature"}, false},
		{"push of version tag", Event{Name: EventPush, Ref: "refs/tags/v1.2.0"}, true},
		{"push of other tag", Event{Name: EventPush, Ref: "refs/tags/nightly"}, false},
		{"pull request opened against main", Event{Name: EventPullRequest, Action: "opened", BaseRef: "main"}, true},
		{"pull request synchronized against refs", Event{Name: EventPullRequest, Action: "synchronize", BaseRef: "refs/heads/main"}, true},
		{"pull request closed", Event{Name: EventPullRequest, Action: "closed", BaseRef: "main"}, false},
		{"pull request against dev", Event{Name: EventPullRequest, Action: "opened", BaseRef: "dev"}, false},
		{"matching schedule", Event{Name: EventSchedule, Cron: "0 3 * * *"}, true},
		{"other schedule", Event{Name: EventSchedule, Cron: "0 4 * * *"}, false},
		{"manual dispatch", Event{Name: EventWorkflowDispatch}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, wf.Match(tt.event))
		})
	}
}

func TestTrigger_MatchRef(t *testing.T) {
	t.Run("success - no filters match every ref", func(t *testing.T) {
		trigger := Trigger{Event: EventPush}
		assert.True(t, trigger.MatchRef("refs/heads/any"))
		assert.True(t, trigger.MatchRef("refs/tags/v1"))
	})
	t.Run("success - branch filter alone ignores tags", func(t *testing.T) {
		trigger := Trigger{Event: EventPush, Branches: StringList{"main"}}
		assert.True(t, trigger.MatchRef("refs/heads/main"))
		assert.False(t, trigger.MatchRef("refs/tags/v1"))
	})
	t.Run("success - branches-ignore excludes matches", func(t *testing.T) {
		trigger := Trigger{Event: EventPush, BranchesIgnore: StringList{"wip/*"}}
		assert.True(t, trigger.MatchRef("refs/heads/main"))
		assert.False(t, trigger.MatchRef("refs/heads/wip/x"))
	})
}

func TestWorkflow_MatchPaths(t *testing.T) {
	data := `
on:
  push:
    paths: ["docs/**"]
  pull_request:
    paths-ignore: ["**/*.md"]
jobs:
  a:
    runs-on: local
    steps: [{run: a}]
`
	wf, err := Parse("wf", []byte(data))
	require.NoError(t, err)

	tests := []struct {
		name  string
		event Event
		match bool
	}{
		{"push without changed files", Event{Name: EventPush, Ref: "refs/heads/main"}, false},
		{"push touching docs", Event{Name: EventPush, Ref: "refs/heads/main", Files: []string{"main.go", "docs/guide/intro.md"}}, true},
		{"push outside docs", Event{Name: EventPush, Ref: "refs/heads/main", Files: []string{"main.go"}}, false},
		{"pull request changing only markdown", Event{Name: EventPullRequest, Action: "opened", BaseRef: "main", Files: []string{"README.md", "docs/a.md"}}, false},
		{"pull request changing code", Event{Name: EventPullRequest, Action: "opened", BaseRef: "main", Files: []string{"README.md", "cmd/main.go"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.match, wf.Match(tt.event))
		})
	}
}

func TestTriggers_UnmarshalYAML(t *testing.T) {
	t.Run("success - list of events", func(t *testing.T) {
		wf, err := Parse("wf", []byte("on: [push, workflow_dispatch]\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))
		require.NoError(t, err)
		assert.Equal(t, Triggers{{Event: EventPush}, {Event: EventWorkflowDispatch}}, wf.On)
	})
	t.Run("failure - unsupported event", func(t *testing.T) {
		_, err := Parse("wf", []byte("on: release\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))
		assert.Error(t, err)
	})
	t.Run("success - paths filters are kept", func(t *testing.T) {
		wf, err := Parse("wf", []byte("on:\n  push:\n    paths: [\"docs/**\"]\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))
		require.NoError(t, err)
		assert.Equal(t, StringList{"docs/**"}, wf.On[0].Paths)
	})
	t.Run("failure - paths combined with paths-ignore", func(t *testing.T) {
		_, err := Parse("wf", []byte("on:\n  push:\n    paths: [a]\n    paths-ignore: [b]\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))
		assert.Error(t, err)
	})
	t.Run("failure - paths on workflow_dispatch", func(t *testing.T) {
		_, err := Parse("wf", []byte("on:\n  workflow_dispatch:\n    paths: [a]\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))
		assert.Error(t, err)
	})
	t.Run("failure - branches combined with branches-ignore", func(t *testing.T) {
		_, err := Parse("wf", []byte("on:\n  push:\n    branches: [a]\n    branches-ignore: [b]\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))
		assert.Error(t, err)
	})
}

func TestWorkflow_ResolveInputs(t *testing.T) {
	data := `
on:
  workflow_dispatch:
    inputs:
      environment:
        required: true
      level:
        default: info
jobs:
  a:
    runs-on: local
    steps: [{run: a}]
`
	wf, err := Parse("wf", []byte(data))
	require.NoError(t, err)

	t.Run("success - defaults fill missing inputs", func(t *testing.T) {
		inputs, err := wf.ResolveInputs(map[string]string{"environment": "prod"})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"environment": "prod", "level": "info"}, inputs)
	})
	t.Run("failure - missing required input", func(t *testing.T) {
		_, err := wf.ResolveInputs(nil)
		assert.Error(t, err)
	})
	t.Run("failure - unknown input", func(t *testing.T) {
		_, err := wf.ResolveInputs(map[string]string{"environment": "prod", "colour": "red"})
		assert.Error(t, err)
	})
}
