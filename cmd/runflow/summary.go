package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/haatos/runflow/internal/engine"
	"github.com/haatos/runflow/internal/workflow"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	statusStyles = map[workflow.Status]lipgloss.Style{
		workflow.StatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		workflow.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		workflow.StatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		workflow.StatusSkipped:   lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
	statusSymbols = map[workflow.Status]string{
		workflow.StatusSucceeded: "✓",
		workflow.StatusFailed:    "✗",
		workflow.StatusCancelled: "!",
		workflow.StatusSkipped:   "-",
	}
)

func renderStatus(s workflow.Status) string {
	symbol, ok := statusSymbols[s]
	if !ok {
		symbol = "?"
	}
	style, ok := statusStyles[s]
	if !ok {
		style = mutedStyle
	}
	return style.Render(symbol + " " + string(s))
}

func renderSummary(res *engine.Result) string {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%s %s", res.Workflow, renderStatus(res.Status))))
	sb.WriteString(mutedStyle.Render(fmt.Sprintf(" in %s", res.EndedAt.Sub(res.StartedAt).Round(time.Millisecond))))
	sb.WriteString("\n")
	for _, job := range res.Jobs {
		fmt.Fprintf(&sb, "  %s %s", renderStatus(job.Conclusion), job.Name)
		if job.Conclusion != job.Status {
			sb.WriteString(mutedStyle.Render(" (continue-on-error)"))
		}
		sb.WriteString("\n")
		for _, step := range job.Steps {
			fmt.Fprintf(&sb, "      %s %s", renderStatus(step.Conclusion), step.Name)
			if step.Conclusion == workflow.StatusFailed {
				sb.WriteString(mutedStyle.Render(fmt.Sprintf(" exit code %d", step.ExitCode)))
			}
			sb.WriteString("\n")
		}
		if job.Err != nil && job.Conclusion != workflow.StatusSucceeded {
			sb.WriteString(mutedStyle.Render("      " + job.Err.Error()))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
