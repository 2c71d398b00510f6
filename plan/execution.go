// Package plan drives one logical multi-step task end to end on top of the
// protocol client: it issues the request, folds progress and stream frames
// into step-status transitions and a text buffer, and settles on the
// terminal frame. One Execution tracks one run at a time.
package plan

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/schemawire/schemawire/api/task"
	"github.com/schemawire/schemawire/client"
	"github.com/schemawire/schemawire/core/logx"
)

// RequestType is the task name sent for plan executions.
const RequestType = "executeTask"

// ExecuteRequest is the payload of an executeTask request.
type ExecuteRequest struct {
	Prompt       string          `json:"prompt"`
	DatabaseType string          `json:"dbType,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
}

// Hooks observe the execution for UI rendering. They run on the client's
// reader goroutine and must not block. All hooks are optional.
type Hooks struct {
	OnProgress  func(progress int)
	OnStream    func(chunk string)
	OnStepStart func(step task.Step)
	OnPlan      func(p task.Plan)
}

// Execution is the state machine for one multi-step task:
// planning -> executing -> completed|failed.
type Execution struct {
	hooks Hooks
	log   zerolog.Logger

	mu        sync.Mutex
	requestID string
	status    task.PlanStatus
	plan      *task.Plan
	progress  int
	content   strings.Builder
	err       error
}

// New creates an idle Execution with the given hooks.
func New(hooks Hooks) *Execution {
	return &Execution{
		hooks:  hooks,
		log:    logx.Log.With().Str("component", "plan").Logger(),
		status: task.PlanPlanning,
	}
}

// Status returns the current lifecycle state.
func (e *Execution) Status() task.PlanStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Progress returns the highest progress value committed so far (0..100).
func (e *Execution) Progress() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Content returns the text streamed so far, chunks concatenated in arrival
// order.
func (e *Execution) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content.String()
}

// Err returns the recorded failure, or nil.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Plan returns a copy of the currently known plan, or nil before one was
// received.
func (e *Execution) Plan() *task.Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plan == nil {
		return nil
	}
	cp := *e.plan
	cp.Steps = append([]task.Step(nil), e.plan.Steps...)
	return &cp
}

// Run executes one task to completion. It resets all local state, issues a
// single correlated executeTask request, and blocks until the terminal
// frame or ctx cancellation. A plan broadcast whose request id matches the
// in-flight request updates the local plan before the terminal frame, so
// the UI can render step structure early.
func (e *Execution) Run(ctx context.Context, c *client.Client, req ExecuteRequest) (json.RawMessage, error) {
	id := uuid.NewString()
	e.mu.Lock()
	e.requestID = id
	e.status = task.PlanPlanning
	e.plan = nil
	e.progress = 0
	e.content.Reset()
	e.err = nil
	e.mu.Unlock()

	unsub := c.Subscribe(task.TypePlan, e.handlePlanFrame)
	defer unsub()

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan task.ErrorPayload, 1)
	cancel, err := c.SendRequestWithID(ctx, id, RequestType, req, client.Callbacks{
		OnProgress: e.handleProgress,
		OnStream:   e.handleStream,
		OnResult:   func(res json.RawMessage) { resultCh <- res },
		OnError:    func(p task.ErrorPayload) { errCh <- p },
	})
	if err != nil {
		e.fail(err)
		return nil, err
	}

	select {
	case res := <-resultCh:
		e.complete(res)
		return res, nil
	case p := <-errCh:
		e.fail(p)
		return nil, p
	case <-ctx.Done():
		cancel()
		e.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// handlePlanFrame adopts a plan broadcast when it belongs to the in-flight
// request; broadcasts for other requests are ignored.
func (e *Execution) handlePlanFrame(f task.Frame) {
	p, err := task.DecodePlan(f)
	if err != nil {
		e.log.Warn().Err(err).Msg("bad plan payload dropped")
		return
	}
	e.mu.Lock()
	if e.requestID == "" || f.RequestID != e.requestID {
		e.mu.Unlock()
		return
	}
	e.mergePlanLocked(p)
	// Steps are copied so the hook's snapshot cannot be mutated by later
	// progress frames.
	snapshot := *e.plan
	snapshot.Steps = append([]task.Step(nil), e.plan.Steps...)
	e.mu.Unlock()
	if e.hooks.OnPlan != nil {
		e.hooks.OnPlan(snapshot)
	}
}

// mergePlanLocked adopts an incoming plan without regressing step statuses
// the execution has already committed.
func (e *Execution) mergePlanLocked(p task.Plan) {
	if e.plan != nil {
		for i := range p.Steps {
			if prev := e.plan.StepByID(p.Steps[i].ID); prev != nil {
				if !prev.Status.CanAdvanceTo(p.Steps[i].Status) && prev.Status != p.Steps[i].Status {
					p.Steps[i].Status = prev.Status
				}
			}
		}
	}
	e.plan = &p
}

func (e *Execution) handleProgress(p task.ProgressUpdate) {
	var started *task.Step
	e.mu.Lock()
	if e.status == task.PlanPlanning {
		e.status = task.PlanExecuting
	}
	// Progress is a server hint; never regress the committed value.
	if p.Progress > e.progress {
		e.progress = p.Progress
	}
	progress := e.progress
	// When the plan broadcast has not landed yet this lookup misses
	// silently and no step is marked running for this frame.
	if step := e.plan.StepByID(p.Step); step != nil && step.Status.CanAdvanceTo(task.StepRunning) {
		step.Status = task.StepRunning
		e.plan.CurrentStep = p.Step
		cp := *step
		started = &cp
	}
	e.mu.Unlock()

	if started != nil && e.hooks.OnStepStart != nil {
		e.hooks.OnStepStart(*started)
	}
	if e.hooks.OnProgress != nil {
		e.hooks.OnProgress(progress)
	}
}

func (e *Execution) handleStream(chunk task.StreamChunk) {
	// A chunk with isComplete set carries no content obligation; the
	// stream's true end is the terminal frame.
	if chunk.IsComplete {
		return
	}
	e.mu.Lock()
	e.content.WriteString(chunk.Chunk)
	e.mu.Unlock()
	if e.hooks.OnStream != nil {
		e.hooks.OnStream(chunk.Chunk)
	}
}

// complete adopts the result's plan as authoritative and finishes the run.
func (e *Execution) complete(res json.RawMessage) {
	var body struct {
		Plan *task.Plan `json:"plan"`
	}
	_ = json.Unmarshal(res, &body)
	e.mu.Lock()
	if body.Plan != nil {
		e.mergePlanLocked(*body.Plan)
	}
	if e.plan != nil {
		// The result frame is authoritative: steps the server never
		// reported terminal settle as completed so a finished plan
		// carries no live steps.
		for i := range e.plan.Steps {
			if s := &e.plan.Steps[i]; s.Status.CanAdvanceTo(task.StepCompleted) {
				s.Status = task.StepCompleted
			}
		}
		e.plan.Status = task.PlanCompleted
	}
	e.progress = 100
	e.status = task.PlanCompleted
	e.mu.Unlock()
	if e.hooks.OnProgress != nil {
		e.hooks.OnProgress(100)
	}
}

func (e *Execution) fail(err error) {
	e.mu.Lock()
	e.err = err
	e.status = task.PlanFailed
	if e.plan != nil {
		e.plan.Status = task.PlanFailed
	}
	e.mu.Unlock()
}
