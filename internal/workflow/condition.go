package workflow

import (
	"fmt"
	"strings"
)

// Condition is an `if` expression. Only the status check functions are
// supported; an empty condition behaves as success().
type Condition string

const (
	ConditionSuccess   Condition = "success()"
	ConditionAlways    Condition = "always()"
	ConditionFailure   Condition = "failure()"
	ConditionCancelled Condition = "cancelled()"
)

// ConditionState is what a condition is evaluated against. For a job it
// describes the jobs it needs, for a step the steps before it.
type ConditionState struct {
	// Failed is set when something before failed.
	Failed bool
	// Skipped is set when a needed job was skipped or cancelled.
	Skipped   bool
	Cancelled bool
}

func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		s = strings.TrimSpace(s[3 : len(s)-2])
	}
	switch c := Condition(s); c {
	case "":
		return ConditionSuccess, nil
	case ConditionSuccess, ConditionAlways, ConditionFailure, ConditionCancelled:
		return c, nil
	}
	return "", fmt.Errorf("unsupported condition %q", s)
}

func (c Condition) Evaluate(st ConditionState) bool {
	switch c {
	case ConditionAlways:
		return true
	case ConditionFailure:
		return st.Failed
	case ConditionCancelled:
		return st.Cancelled
	}
	return !st.Failed && !st.Skipped && !st.Cancelled
}
