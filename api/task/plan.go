package task

import "encoding/json"

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanPlanning  PlanStatus = "planning"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Terminal reports whether the plan has finished, successfully or not.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// StepStatus is the lifecycle state of one plan step. Transitions only move
// forward: pending -> running -> completed|failed.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// rank orders statuses along the forward-only transition path.
func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepRunning:
		return 1
	case StepCompleted, StepFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next respects the
// forward-only ordering.
func (s StepStatus) CanAdvanceTo(next StepStatus) bool {
	return next.rank() > s.rank()
}

// StepType categorizes what a step does.
type StepType string

const (
	StepAnalysis     StepType = "analysis"
	StepGeneration   StepType = "generation"
	StepValidation   StepType = "validation"
	StepOptimization StepType = "optimization"
)

// Step is one unit of work inside a plan.
type Step struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        StepType        `json:"type"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Plan is the ordered list of steps the server reports it will perform for
// one task, tracked client-side for progress display.
type Plan struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"requestId,omitempty"`
	Description string     `json:"description,omitempty"`
	Steps       []Step     `json:"steps"`
	TotalSteps  int        `json:"totalSteps"`
	CurrentStep int        `json:"currentStep"`
	Status      PlanStatus `json:"status"`
}

// StepByID returns a pointer to the step with the given id, or nil.
func (p *Plan) StepByID(id int) *Step {
	if p == nil {
		return nil
	}
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}
