package scenario

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Markdown renders the run as a report: verdict, assertion table, event log
func (r *Result) Markdown(s *Scenario) string {
	var b strings.Builder

	verdict := "PASSED"
	if !r.Passed() {
		verdict = "FAILED"
	}
	fmt.Fprintf(&b, "# Scenario: %s\n\n", s.Name)
	if s.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", s.Description)
	}
	fmt.Fprintf(&b, "**Result:** %s\n\n", verdict)

	b.WriteString("## Assertions\n\n")
	b.WriteString("| Type | Peripheral | Passed | Detail |\n")
	b.WriteString("|---|---|---|---|\n")
	for _, a := range r.Assertions {
		mark := "yes"
		if !a.Passed {
			mark = "**no**"
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", a.Assertion.Type, a.Assertion.Peripheral, mark, a.Message)
	}

	b.WriteString("\n## Events\n\n```\n")
	for _, e := range r.Events {
		fmt.Fprintf(&b, "%6dms  %-20s %s\n", e.TimeMs, e.Type, e.Message)
	}
	b.WriteString("```\n")
	return b.String()
}

// WriteReport writes the Markdown report into dir and returns its path
func (r *Result) WriteReport(s *Scenario, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	path := fmt.Sprintf("%s/scenario_report_%s.md", strings.TrimRight(dir, "/"), timestamp)
	if err := os.WriteFile(path, []byte(r.Markdown(s)), 0644); err != nil {
		return "", fmt.Errorf("error writing report: %w", err)
	}
	return path, nil
}
