// Package pattern implements the workflow engine: loading immutable,
// versioned pattern definitions, resolving step parameters, dispatching
// steps through the action table, and bounding nested pattern execution.
package pattern

import (
	"fmt"
	"strings"
)

// Pattern is a declarative, versioned workflow of ordered steps. Once
// loaded a pattern is immutable and cached by id; picking up an edited
// definition requires an explicit cache invalidation.
type Pattern struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step is one unit of work in a pattern. Agent optionally pins the step to
// a named provider; Capabilities declares what the registry must satisfy
// before the step dispatches; Outputs lists extra names the step's result
// is stored under.
type Step struct {
	ID           string                 `yaml:"id" json:"id"`
	Action       string                 `yaml:"action" json:"action"`
	Params       map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
	Agent        string                 `yaml:"agent,omitempty" json:"agent,omitempty"`
	Capabilities []string               `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Inputs       []string               `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs      []string               `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// ValidationError reports a malformed pattern at load time. It is fatal:
// a pattern that fails validation is never cached or executed.
type ValidationError struct {
	PatternID string
	Issues    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pattern %q invalid: %s", e.PatternID, strings.Join(e.Issues, "; "))
}

// Validate checks the structural invariants of a pattern definition.
func (p *Pattern) Validate() error {
	var issues []string

	if p.ID == "" {
		issues = append(issues, "id is required")
	}
	if len(p.Steps) == 0 {
		issues = append(issues, "at least one step is required")
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			issues = append(issues, fmt.Sprintf("step %d: id is required", i))
			continue
		}
		if seen[step.ID] {
			issues = append(issues, fmt.Sprintf("step %d: duplicate step id %q", i, step.ID))
		}
		seen[step.ID] = true
		if step.Action == "" {
			issues = append(issues, fmt.Sprintf("step %q: action is required", step.ID))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{PatternID: p.ID, Issues: issues}
	}
	return nil
}
