package env

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// expressionPattern matches ${{ path }} references. Only dotted context paths
// are supported; anything else is reported as an invalid expression.
var expressionPattern = regexp.MustCompile(`\$\{\{\s*(.*?)\s*\}\}`)

var pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z_][A-Za-z0-9_-]*)*$`)

type StepState struct {
	Outcome    string
	Conclusion string
	Outputs    map[string]string
}

type NeedState struct {
	Result  string
	Outputs map[string]string
}

// SecretFunc returns the value of a named secret. A missing secret is
// reported with ok set to false and resolves to an empty string.
type SecretFunc func(name string) (value string, ok bool, err error)

// Context holds everything an expression can refer to while a job runs.
// Steps is filled in as steps finish, so a reference to a step that has
// not run yet resolves to an empty string.
type Context struct {
	Matrix  map[string]string
	Needs   map[string]NeedState
	Inputs  map[string]string
	Runflow map[string]string
	Secrets SecretFunc

	mu    sync.RWMutex
	steps map[string]StepState
}

func (c *Context) SetStep(id string, state StepState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.steps == nil {
		c.steps = make(map[string]StepState)
	}
	c.steps[id] = state
}

func (c *Context) Step(id string) (StepState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.steps[id]
	return s, ok
}

// Expand replaces every ${{ }} expression in s. The env context refers to
// the variables passed in vars.
func (c *Context) Expand(s string, vars Vars) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	var firstErr error
	out := expressionPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := expressionPattern.FindStringSubmatch(match)[1]
		value, err := c.evaluate(expr, vars)
		if err != nil {
			firstErr = err
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (c *Context) evaluate(expr string, vars Vars) (string, error) {
	if !pathPattern.MatchString(expr) {
		return "", &ExpressionError{Expression: expr, Reason: "only context paths are supported"}
	}
	parts := strings.Split(expr, ".")
	ns, rest := parts[0], parts[1:]
	switch ns {
	case "env":
		if len(rest) != 1 {
			return "", &ExpressionError{Expression: expr, Reason: "expected env.<name>"}
		}
		v, _ := vars.Get(rest[0])
		return v, nil
	case "secrets":
		if len(rest) != 1 {
			return "", &ExpressionError{Expression: expr, Reason: "expected secrets.<name>"}
		}
		if c.Secrets == nil {
			return "", nil
		}
		v, _, err := c.Secrets(rest[0])
		if err != nil {
			return "", fmt.Errorf("resolving secret %q: %w", rest[0], err)
		}
		return v, nil
	case "matrix":
		return lookupFlat(expr, c.Matrix, rest)
	case "inputs":
		return lookupFlat(expr, c.Inputs, rest)
	case "runflow":
		return lookupFlat(expr, c.Runflow, rest)
	case "steps":
		if len(rest) < 2 {
			return "", &ExpressionError{Expression: expr, Reason: "expected steps.<id>.<property>"}
		}
		state, _ := c.Step(rest[0])
		switch {
		case rest[1] == "outcome" && len(rest) == 2:
			return state.Outcome, nil
		case rest[1] == "conclusion" && len(rest) == 2:
			return state.Conclusion, nil
		case rest[1] == "outputs" && len(rest) == 3:
			return state.Outputs[rest[2]], nil
		}
		return "", &ExpressionError{Expression: expr, Reason: "unknown step property"}
	case "needs":
		if len(rest) < 2 {
			return "", &ExpressionError{Expression: expr, Reason: "expected needs.<job>.<property>"}
		}
		state := c.Needs[rest[0]]
		switch {
		case rest[1] == "result" && len(rest) == 2:
			return state.Result, nil
		case rest[1] == "outputs" && len(rest) == 3:
			return state.Outputs[rest[2]], nil
		}
		return "", &ExpressionError{Expression: expr, Reason: "unknown needs property"}
	}
	return "", &ExpressionError{Expression: expr, Reason: fmt.Sprintf("unknown context %q", ns)}
}

func lookupFlat(expr string, m map[string]string, rest []string) (string, error) {
	if len(rest) != 1 {
		return "", &ExpressionError{Expression: expr, Reason: "expected a single property"}
	}
	return m[rest[0]], nil
}

// Resolve composes layers (lowest precedence first) and expands each
// layer's values against the layers below it, so a job-level value can use
// ${{ env.X }} to read a workflow-level X.
func (c *Context) Resolve(layers ...Vars) (Vars, error) {
	var out Vars
	for _, layer := range layers {
		below := out.Clone()
		for _, kv := range layer {
			value, err := c.Expand(kv.Value, below)
			if err != nil {
				return nil, fmt.Errorf("env %s: %w", kv.Name, err)
			}
			out.Set(kv.Name, value)
		}
	}
	return out, nil
}

type ExpressionError struct {
	Expression string
	Reason     string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("invalid expression ${{ %s }}: %s", e.Expression, e.Reason)
}
