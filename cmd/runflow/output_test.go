package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/runflow/internal/engine"
	"github.com/haatos/runflow/internal/executor"
	"github.com/haatos/runflow/internal/workflow"
)

func TestPrefixedOutput(t *testing.T) {
	t.Run("success - lines are prefixed with their job", func(t *testing.T) {
		// arrange
		var buf bytes.Buffer
		out := newPrefixedOutput(&buf)
		build := out.Writer("build")
		test := out.Writer("test")

		// act
		_, _ = build.Write([]byte("compil"))
		_, _ = test.Write([]byte("running\n"))
		_, _ = build.Write([]byte("ing\ndone"))
		out.Flush()

		// assert
		assert.Equal(t, "[test] running\n[build] compiling\n[build] done\n", buf.String())
	})
}

func TestParseKeyValues(t *testing.T) {
	t.Run("success - value may contain separators", func(t *testing.T) {
		values, err := parseKeyValues([]string{"A=1", "URL=https://x?a=b,c", "EMPTY="})
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"A": "1", "URL": "https://x?a=b,c", "EMPTY": ""}, values)
	})
	t.Run("failure - missing separator", func(t *testing.T) {
		_, err := parseKeyValues([]string{"A"})
		assert.Error(t, err)
	})
	t.Run("failure - empty name", func(t *testing.T) {
		_, err := parseKeyValues([]string{"=value"})
		assert.Error(t, err)
	})
}

func TestRenderSummary(t *testing.T) {
	t.Run("success - failed step shows exit code", func(t *testing.T) {
		// arrange
		now := time.Now()
		res := &engine.Result{
			Workflow:  "ci",
			Status:    workflow.StatusFailed,
			StartedAt: now,
			EndedAt:   now.Add(time.Second),
			Jobs: []*executor.JobResult{
				{
					Name:       "build",
					Status:     workflow.StatusFailed,
					Conclusion: workflow.StatusFailed,
					Steps: []*executor.StepResult{
						{Name: "compile", Status: workflow.StatusFailed, Conclusion: workflow.StatusFailed, ExitCode: 2},
					},
				},
				{Name: "deploy", Status: workflow.StatusSkipped, Conclusion: workflow.StatusSkipped},
			},
		}

		// act
		summary := renderSummary(res)

		// assert
		assert.Contains(t, summary, "ci")
		assert.Contains(t, summary, "build")
		assert.Contains(t, summary, "exit code 2")
		assert.Contains(t, summary, "skipped")
	})
}

func TestValidateCommand(t *testing.T) {
	t.Run("success - jobs are printed in execution order", func(t *testing.T) {
		// arrange
		path := filepath.Join(t.TempDir(), "ci.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
on: push
jobs:
  test:
    runs-on: local
    needs: build
    steps:
      - run: echo test
  build:
    runs-on: local
    steps:
      - run: echo build
`), 0o644))
		var buf bytes.Buffer
		cmd := validateCommand()
		cmd.Writer = &buf

		// act
		err := cmd.Run(context.Background(), []string{"validate", path})

		// assert
		require.NoError(t, err)
		out := buf.String()
		assert.Contains(t, out, "ci is valid")
		assert.Less(t, strings.Index(out, "build"), strings.Index(out, "test (needs build)"))
	})
}
