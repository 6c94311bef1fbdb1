package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/runflow/internal/dag"
	"github.com/haatos/runflow/internal/env"
)

const ciWorkflow = `
name: ci
on:
  push:
    branches: [main, "release/**"]
  pull_request:
  workflow_dispatch:
    inputs:
      level:
        description: log level
        default: info
env:
  GREETING: hello
  TARGET: world
defaults:
  run:
    shell: bash
jobs:
  test:
    runs-on: ubuntu-latest
    env:
      TARGET: job
    steps:
      - name: Say hello
        id: hello
        run: echo "$GREETING $TARGET"
        env:
          TARGET: step
      - uses: actions/checkout@v4
        with:
          fetch-depth: 1
  build:
    runs-on: [self-hosted, linux]
    needs: test
    if: ${{ always() }}
    timeout-minutes: 10
    outputs:
      version: ${{ steps.version.outputs.value }}
    steps:
      - id: version
        run: echo "value=1.0" >> "$RUNFLOW_OUTPUT"
        continue-on-error: true
`

func TestParse(t *testing.T) {
	t.Run("success - full workflow", func(t *testing.T) {
		// act
		wf, err := Parse("fallback", []byte(ciWorkflow))

		// assert
		require.NoError(t, err)
		assert.Equal(t, "ci", wf.Name)
		assert.Equal(t, []string{"test", "build"}, wf.JobIDs())
		assert.Equal(t, env.Vars{{Name: "GREETING", Value: "hello"}, {Name: "TARGET", Value: "world"}}, wf.Env)
		assert.Equal(t, "bash", wf.Defaults.Run.Shell)
		require.Len(t, wf.On, 3)
		assert.Equal(t, EventPush, wf.On[0].Event)
		assert.Equal(t, StringList{"main", "release/**"}, wf.On[0].Branches)
		assert.Equal(t, EventPullRequest, wf.On[1].Event)
		require.Len(t, wf.On[2].Inputs, 1)
		assert.Equal(t, Input{Name: "level", Description: "log level", Default: "info"}, wf.On[2].Inputs[0])

		test, ok := wf.Job("test")
		require.True(t, ok)
		assert.Equal(t, StringList{"ubuntu-latest"}, test.RunsOn)
		assert.Equal(t, ConditionSuccess, test.If)
		require.Len(t, test.Steps, 2)
		assert.Equal(t, "hello", test.Steps[0].ID)
		assert.Equal(t, env.Vars{{Name: "TARGET", Value: "step"}}, test.Steps[0].Env)
		assert.Equal(t, "actions/checkout@v4", test.Steps[1].Uses)
		assert.Equal(t, env.Vars{{Name: "fetch-depth", Value: "1"}}, test.Steps[1].With)
		assert.Equal(t, "bash", wf.Shell(test, test.Steps[0]))

		build, ok := wf.Job("build")
		require.True(t, ok)
		assert.Equal(t, StringList{"self-hosted", "linux"}, build.RunsOn)
		assert.Equal(t, StringList{"test"}, build.Needs)
		assert.Equal(t, ConditionAlways, build.If)
		assert.Equal(t, float64(10), build.TimeoutMinutes)
		assert.True(t, build.Steps[0].ContinueOnError)
		assert.Equal(t, env.Vars{{Name: "version", Value: "${{ steps.version.outputs.value }}"}}, build.Outputs)
	})
	t.Run("success - name defaults to the given name", func(t *testing.T) {
		// act
		wf, err := Parse("deploy", []byte("on: push\njobs:\n  a:\n    runs-on: local\n    steps:\n      - run: true\n"))

		// assert
		require.NoError(t, err)
		assert.Equal(t, "deploy", wf.Name)
		assert.Equal(t, Triggers{{Event: EventPush}}, wf.On)
	})

	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "unsupported shell",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    steps:\n      - run: a\n      - run: b\n        shell: zsh\n",
			field: "jobs.build.steps[1].shell",
		},
		{
			name:  "unknown need",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    needs: [lint]\n    steps:\n      - run: a\n",
			field: "jobs.build.needs",
		},
		{
			name:  "missing runs-on",
			yaml:  "jobs:\n  build:\n    steps:\n      - run: a\n",
			field: "jobs.build.runs-on",
		},
		{
			name:  "run and uses combined",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    steps:\n      - run: a\n        uses: actions/checkout@v4\n",
			field: "jobs.build.steps[0].run",
		},
		{
			name:  "step without run or uses",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    steps:\n      - name: nothing\n",
			field: "jobs.build.steps[0].run",
		},
		{
			name:  "no steps",
			yaml:  "jobs:\n  build:\n    runs-on: local\n",
			field: "jobs.build.steps",
		},
		{
			name:  "unsupported condition",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    if: github.ref == 'main'\n    steps:\n      - run: a\n",
			field: "jobs.build.if",
		},
		{
			name:  "container job",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    container: alpine\n    steps:\n      - run: a\n",
			field: "jobs.build.container",
		},
		{
			name:  "invalid job id",
			yaml:  "jobs:\n  1build:\n    runs-on: local\n    steps:\n      - run: a\n",
			field: "jobs.1build",
		},
		{
			name:  "duplicate step id",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    steps:\n      - id: a\n        run: a\n      - id: a\n        run: b\n",
			field: "jobs.build.steps[1].id",
		},
		{
			name:  "empty matrix axis",
			yaml:  "jobs:\n  build:\n    runs-on: local\n    strategy:\n      matrix:\n        os: []\n    steps:\n      - run: a\n",
			field: "jobs.build.strategy.matrix",
		},
		{
			name:  "invalid default shell",
			yaml:  "defaults:\n  run:\n    shell: fish\njobs:\n  build:\n    runs-on: local\n    steps:\n      - run: a\n",
			field: "defaults.run.shell",
		},
		{
			name:  "no jobs",
			yaml:  "name: empty\n",
			field: "jobs",
		},
	}
	for _, tt := range tests {
		t.Run("failure - "+tt.name, func(t *testing.T) {
			// act
			_, err := Parse("wf", []byte(tt.yaml))

			// assert
			var malformed *MalformedDefinitionError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			assert.Equal(t, tt.field, malformed.Field)
		})
	}

	t.Run("failure - unknown key", func(t *testing.T) {
		// act
		_, err := Parse("wf", []byte("jobs:\n  build:\n    runs-on: local\n    step:\n      - run: a\n"))

		// assert
		var malformed *MalformedDefinitionError
		assert.True(t, errors.As(err, &malformed))
	})
	t.Run("failure - cyclic needs", func(t *testing.T) {
		// arrange
		data := `
jobs:
  a:
    runs-on: local
    needs: c
    steps: [{run: a}]
  b:
    runs-on: local
    needs: a
    steps: [{run: b}]
  c:
    runs-on: local
    needs: b
    steps: [{run: c}]
`
		// act
		_, err := Parse("wf", []byte(data))

		// assert
		var cycleErr *dag.CycleError
		require.True(t, errors.As(err, &cycleErr))
		assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Cycle[1:])
	})
	t.Run("failure - invalid cron", func(t *testing.T) {
		// act
		_, err := Parse("wf", []byte("on:\n  schedule:\n    - cron: every day\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"))

		// assert
		assert.Error(t, err)
	})
}

func TestWorkflow_SortedJobIDs(t *testing.T) {
	// arrange
	data := `
jobs:
  deploy:
    runs-on: local
    needs: [build, test]
    steps: [{run: d}]
  test:
    runs-on: local
    needs: build
    steps: [{run: t}]
  lint:
    runs-on: local
    steps: [{run: l}]
  build:
    runs-on: local
    steps: [{run: b}]
`
	wf, err := Parse("wf", []byte(data))
	require.NoError(t, err)

	// act
	order, err := wf.SortedJobIDs()

	// assert
	require.NoError(t, err)
	assert.Equal(t, []string{"lint", "build", "test", "deploy"}, order)
}

func TestLoadDir(t *testing.T) {
	t.Run("success - loads yaml files in order", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		job := "jobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(job), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(job), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("#"), 0o644))

		// act
		workflows, err := LoadDir(dir)

		// assert
		require.NoError(t, err)
		require.Len(t, workflows, 2)
		assert.Equal(t, "a", workflows[0].Name)
		assert.Equal(t, filepath.Join(dir, "a.yaml"), workflows[0].Path)
		assert.Equal(t, "b", workflows[1].Name)
	})
	t.Run("failure - malformed file is named", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		path := filepath.Join(dir, "bad.yml")
		require.NoError(t, os.WriteFile(path, []byte("jobs:\n  a:\n    steps: [{run: a}]\n"), 0o644))

		// act
		_, err := LoadDir(dir)

		// assert
		var malformed *MalformedDefinitionError
		require.True(t, errors.As(err, &malformed))
		assert.Equal(t, path, malformed.File)
	})
	t.Run("failure - duplicate workflow names", func(t *testing.T) {
		// arrange
		dir := t.TempDir()
		job := "name: same\njobs:\n  a:\n    runs-on: local\n    steps: [{run: a}]\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte(job), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(job), 0o644))

		// act
		_, err := LoadDir(dir)

		// assert
		assert.Error(t, err)
	})
}
