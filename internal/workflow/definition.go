package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/askarbek/duraq/internal/repository"
)

// RunContext is the read view of a workflow run handed to step handlers,
// next functions, and condition gates. It is a snapshot of the locked row,
// so within one step execution it is consistent.
type RunContext struct {
	WorkflowID  string
	Data        json.RawMessage
	StepResults map[string]json.RawMessage
}

// StepHandler executes one step. The session joins the step's transaction:
// writes made through it commit together with the workflow-state advance,
// or roll back together with it.
type StepHandler func(ctx context.Context, rc RunContext, session repository.Session) (json.RawMessage, error)

// NextFunc computes a step's successors from the run state and the step's
// own result. Returning no names ends the workflow.
type NextFunc func(ctx context.Context, rc RunContext, stepResult json.RawMessage, session repository.Session) ([]string, error)

// Condition gates the default next-sequential-step transition. False means
// no successor.
type Condition func(rc RunContext, stepResult json.RawMessage) (bool, error)

// StepTarget names a step's successors: one step, several parallel steps,
// or a function deciding at runtime. The zero value means "next step in
// definition order"; NextSteps with no names is an explicit dead end.
type StepTarget struct {
	steps    []string
	fn       NextFunc
	explicit bool
}

func NextStep(name string) StepTarget { return StepTarget{steps: []string{name}, explicit: true} }
func NextSteps(names ...string) StepTarget {
	return StepTarget{steps: names, explicit: true}
}
func NextWith(fn NextFunc) StepTarget { return StepTarget{fn: fn, explicit: true} }

func (t StepTarget) isZero() bool { return !t.explicit }

func (t StepTarget) resolve(ctx context.Context, rc RunContext, stepResult json.RawMessage, session repository.Session) ([]string, error) {
	if t.fn != nil {
		return t.fn(ctx, rc, stepResult, session)
	}
	return t.steps, nil
}

// Step is one node of a definition. Next takes precedence over Condition;
// with neither set, the step after this one in definition order runs.
type Step struct {
	Name      string
	Handler   StepHandler
	Next      StepTarget
	Condition Condition
}

// Definition is an ordered step list. StartStep defaults to the first step.
type Definition struct {
	Name      string
	StartStep string
	Steps     []Step
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow definition requires a name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow definition %s has no steps", d.Name)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("workflow definition %s has an unnamed step", d.Name)
		}
		if s.Handler == nil {
			return fmt.Errorf("step %s of workflow %s has no handler", s.Name, d.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("step %s duplicated in workflow %s", s.Name, d.Name)
		}
		seen[s.Name] = struct{}{}
	}
	if d.StartStep == "" {
		d.StartStep = d.Steps[0].Name
	} else if _, ok := seen[d.StartStep]; !ok {
		return fmt.Errorf("start step %s not defined in workflow %s", d.StartStep, d.Name)
	}
	return nil
}

func (d *Definition) step(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// following returns the step after name in definition order, or "" for the
// last step.
func (d *Definition) following(name string) string {
	for i := range d.Steps {
		if d.Steps[i].Name == name && i+1 < len(d.Steps) {
			return d.Steps[i+1].Name
		}
	}
	return ""
}
