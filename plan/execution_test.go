package plan_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schemawire/schemawire/api/task"
	"github.com/schemawire/schemawire/client"
	"github.com/schemawire/schemawire/internal/wiretest"
	"github.com/schemawire/schemawire/plan"
)

func newClient(srv *wiretest.Server) *client.Client {
	return client.New(client.Config{
		ServerURL:   srv.URL(),
		ClientName:  "plan-test",
		DialTimeout: 2 * time.Second,
		ConnectWait: 2 * time.Second,
	})
}

type runResult struct {
	res json.RawMessage
	err error
}

func startRun(e *plan.Execution, c *client.Client, req plan.ExecuteRequest) chan runResult {
	done := make(chan runResult, 1)
	go func() {
		res, err := e.Run(context.Background(), c, req)
		done <- runResult{res, err}
	}()
	return done
}

func TestRunStreamsAndCompletes(t *testing.T) {
	srv := wiretest.New(t)
	c := newClient(srv)
	defer c.Close()

	var mu sync.Mutex
	var streamed string
	e := plan.New(plan.Hooks{
		OnStream: func(chunk string) {
			mu.Lock()
			streamed += chunk
			mu.Unlock()
		},
	})
	done := startRun(e, c, plan.ExecuteRequest{Prompt: "say hello", DatabaseType: "postgres"})

	conn := srv.Accept(t)
	f := conn.ReadFrame(t)
	require.Equal(t, plan.RequestType, f.Type)

	conn.Send(t, task.TypeStream, f.RequestID, task.StreamChunk{Chunk: "Hel"})
	conn.Send(t, task.TypeStream, f.RequestID, task.StreamChunk{Chunk: "lo, "})
	conn.Send(t, task.TypeStream, f.RequestID, task.StreamChunk{Chunk: "world"})
	conn.Send(t, task.TypeStream, f.RequestID, task.StreamChunk{IsComplete: true})
	conn.Send(t, task.TypeResult, f.RequestID, map[string]string{"content": "Hello, world"})

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, "Hello, world", e.Content())
	assert.Equal(t, task.PlanCompleted, e.Status())
	assert.Equal(t, 100, e.Progress())
	mu.Lock()
	assert.Equal(t, "Hello, world", streamed)
	mu.Unlock()
}

func TestRunAdoptsPlanWithoutRegressingSteps(t *testing.T) {
	srv := wiretest.New(t)
	c := newClient(srv)
	defer c.Close()

	plans := make(chan task.Plan, 4)
	starts := make(chan task.Step, 4)
	e := plan.New(plan.Hooks{
		OnPlan:      func(p task.Plan) { plans <- p },
		OnStepStart: func(s task.Step) { starts <- s },
	})
	done := startRun(e, c, plan.ExecuteRequest{Prompt: "build schema"})

	conn := srv.Accept(t)
	f := conn.ReadFrame(t)

	steps := []task.Step{
		{ID: 1, Name: "analyze", Type: task.StepAnalysis, Status: task.StepPending},
		{ID: 2, Name: "generate", Type: task.StepGeneration, Status: task.StepPending},
	}
	conn.Send(t, task.TypePlan, f.RequestID, task.Plan{
		ID: "plan-1", RequestID: f.RequestID, Steps: steps, TotalSteps: 2, Status: task.PlanPlanning,
	})
	require.Equal(t, "plan-1", (<-plans).ID)

	conn.Send(t, task.TypeProgress, f.RequestID, task.ProgressUpdate{Step: 1, TotalSteps: 2, StepName: "analyze", Progress: 25})
	started := <-starts
	assert.Equal(t, 1, started.ID)
	assert.Equal(t, task.StepRunning, started.Status)

	// A stale rebroadcast must not undo the running step.
	conn.Send(t, task.TypePlan, f.RequestID, task.Plan{
		ID: "plan-1", RequestID: f.RequestID, Steps: steps, TotalSteps: 2, Status: task.PlanPlanning,
	})
	merged := <-plans
	require.NotNil(t, merged.StepByID(1))
	assert.Equal(t, task.StepRunning, merged.StepByID(1).Status)

	conn.Send(t, task.TypeResult, f.RequestID, map[string]string{})
	require.NoError(t, (<-done).err)

	final := e.Plan()
	require.NotNil(t, final)
	assert.Equal(t, task.PlanCompleted, final.Status)
	// The result settles every step the server never reported terminal.
	assert.Equal(t, task.StepCompleted, final.StepByID(1).Status)
	assert.Equal(t, task.StepCompleted, final.StepByID(2).Status)
}

func TestOnPlanSnapshotIsStable(t *testing.T) {
	srv := wiretest.New(t)
	c := newClient(srv)
	defer c.Close()

	plans := make(chan task.Plan, 2)
	starts := make(chan task.Step, 2)
	e := plan.New(plan.Hooks{
		OnPlan:      func(p task.Plan) { plans <- p },
		OnStepStart: func(s task.Step) { starts <- s },
	})
	done := startRun(e, c, plan.ExecuteRequest{Prompt: "snapshot"})

	conn := srv.Accept(t)
	f := conn.ReadFrame(t)

	conn.Send(t, task.TypePlan, f.RequestID, task.Plan{
		ID:        "plan-1",
		RequestID: f.RequestID,
		Steps: []task.Step{
			{ID: 1, Name: "analyze", Status: task.StepPending},
		},
		TotalSteps: 1,
		Status:     task.PlanPlanning,
	})
	snapshot := <-plans

	conn.Send(t, task.TypeProgress, f.RequestID, task.ProgressUpdate{Step: 1, TotalSteps: 1, Progress: 50})
	<-starts

	// The snapshot handed to the hook must not track the live plan.
	assert.Equal(t, task.StepPending, snapshot.StepByID(1).Status)
	require.Equal(t, task.StepRunning, e.Plan().StepByID(1).Status)

	conn.Send(t, task.TypeResult, f.RequestID, map[string]string{})
	require.NoError(t, (<-done).err)
	assert.Equal(t, task.StepPending, snapshot.StepByID(1).Status)
}

func TestRunFailsWithServerError(t *testing.T) {
	srv := wiretest.New(t)
	c := newClient(srv)
	defer c.Close()

	e := plan.New(plan.Hooks{})
	done := startRun(e, c, plan.ExecuteRequest{Prompt: "explode"})

	conn := srv.Accept(t)
	f := conn.ReadFrame(t)
	conn.Send(t, task.TypeError, f.RequestID, task.ErrorPayload{Code: "execution_failed", Message: "step 2 crashed"})

	out := <-done
	require.EqualError(t, out.err, "execution_failed: step 2 crashed")
	assert.Equal(t, task.PlanFailed, e.Status())
	assert.EqualError(t, e.Err(), "execution_failed: step 2 crashed")
}

func TestProgressBeforePlanBroadcast(t *testing.T) {
	srv := wiretest.New(t)
	c := newClient(srv)
	defer c.Close()

	starts := make(chan task.Step, 4)
	plans := make(chan task.Plan, 2)
	progress := make(chan int, 8)
	e := plan.New(plan.Hooks{
		OnStepStart: func(s task.Step) { starts <- s },
		OnPlan:      func(p task.Plan) { plans <- p },
		OnProgress:  func(p int) { progress <- p },
	})
	done := startRun(e, c, plan.ExecuteRequest{Prompt: "race"})

	conn := srv.Accept(t)
	f := conn.ReadFrame(t)

	// Progress lands before any plan broadcast: the update is counted but
	// no step can be attributed.
	conn.Send(t, task.TypeProgress, f.RequestID, task.ProgressUpdate{Step: 1, TotalSteps: 2, Progress: 10})
	require.Equal(t, 10, <-progress)
	assert.Empty(t, starts)

	conn.Send(t, task.TypePlan, f.RequestID, task.Plan{
		ID:        "plan-1",
		RequestID: f.RequestID,
		Steps: []task.Step{
			{ID: 1, Name: "analyze", Status: task.StepPending},
			{ID: 2, Name: "generate", Status: task.StepPending},
		},
		TotalSteps: 2,
		Status:     task.PlanExecuting,
	})
	<-plans

	// Once the plan is known, later progress attributes its step.
	conn.Send(t, task.TypeProgress, f.RequestID, task.ProgressUpdate{Step: 2, TotalSteps: 2, Progress: 60})
	assert.Equal(t, 2, (<-starts).ID)
	require.Equal(t, 60, <-progress)

	// A lower hint never moves the committed progress backward.
	conn.Send(t, task.TypeProgress, f.RequestID, task.ProgressUpdate{Step: 2, TotalSteps: 2, Progress: 30})
	require.Equal(t, 60, <-progress)
	assert.Equal(t, 60, e.Progress())

	conn.Send(t, task.TypeResult, f.RequestID, map[string]string{})
	require.NoError(t, (<-done).err)
	assert.Equal(t, 100, e.Progress())
}

func TestRunContextCancelSendsCancelFrame(t *testing.T) {
	srv := wiretest.New(t)
	c := newClient(srv)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := plan.New(plan.Hooks{})
	done := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, c, plan.ExecuteRequest{Prompt: "slow"})
		done <- err
	}()

	conn := srv.Accept(t)
	f := conn.ReadFrame(t)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, task.PlanFailed, e.Status())

	cf := conn.ReadFrame(t)
	assert.Equal(t, task.TypeCancel, cf.Type)
	assert.Equal(t, f.RequestID, cf.RequestID)
}
