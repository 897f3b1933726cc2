package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/actor"
	"goa.design/verity/runtime/agent/model/modeltest"
	"goa.design/verity/runtime/agent/runtime/aggregate"
	"goa.design/verity/runtime/agent/telemetry"
	"goa.design/verity/runtime/agent/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func tasks(n int) []agent.SubagentTask {
	out := make([]agent.SubagentTask, n)
	for i := range out {
		out[i] = agent.SubagentTask{ID: fmt.Sprintf("t%d", i), Task: fmt.Sprintf("question %d", i)}
	}
	return out
}

func TestRunBoundsConcurrency(t *testing.T) {
	var running, peak int32
	r := RunnerFunc(func(ctx context.Context, task agent.SubagentTask) (Answer, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return Answer{Content: task.Task}, nil
	})

	results := New(r).Run(context.Background(), tasks(10))

	require.Len(t, results, 10)
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(DefaultConcurrency))
	for i, res := range results {
		require.True(t, res.Success)
		require.Equal(t, fmt.Sprintf("t%d", i), res.TaskID)
		require.Equal(t, fmt.Sprintf("question %d", i), res.Content)
	}
}

func TestRunPartialFailure(t *testing.T) {
	r := RunnerFunc(func(ctx context.Context, task agent.SubagentTask) (Answer, error) {
		switch task.ID {
		case "t1":
			return Answer{}, errors.New("search backend down")
		case "t2":
			panic("bad input")
		}
		return Answer{Content: "Result for " + task.ID + ".", Sources: []agent.Source{{ID: "doc"}}}, nil
	})

	results := New(r).Run(context.Background(), tasks(4))

	require.True(t, results[0].Success)
	require.False(t, results[1].Success)
	require.Equal(t, "search backend down", results[1].Error)
	require.False(t, results[2].Success)
	require.Contains(t, results[2].Error, "bad input")
	require.True(t, results[3].Success)

	merged := aggregate.Merge(results, "q")
	require.Equal(t, 2, merged.Metadata.Succeeded)
	require.Len(t, merged.Failures, 2)
	require.Len(t, merged.Sources, 1)
	require.Equal(t, 1, merged.Metadata.SourcesDeduped)
}

func TestRunTaskTimeout(t *testing.T) {
	r := RunnerFunc(func(ctx context.Context, task agent.SubagentTask) (Answer, error) {
		if task.ID == "t0" {
			<-ctx.Done()
			return Answer{}, ctx.Err()
		}
		return Answer{Content: "fast"}, nil
	})

	results := New(r, WithTaskTimeout(20*time.Millisecond)).Run(context.Background(), tasks(2))

	require.False(t, results[0].Success)
	require.Equal(t, "timed out", results[0].Error)
	require.True(t, results[1].Success)
}

func TestRunIsolatesTasks(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]agent.SubagentTask{}
	r := RunnerFunc(func(ctx context.Context, task agent.SubagentTask) (Answer, error) {
		task.Constraints = append(task.Constraints[:0], "mutated")
		mu.Lock()
		seen[task.ID] = task
		mu.Unlock()
		return Answer{Content: "ok"}, nil
	})
	in := []agent.SubagentTask{
		{ID: "a", Task: "first", Constraints: []string{"cite sources"}, ContextSlice: "slice a"},
		{ID: "b", Task: "second", ContextSlice: "slice b"},
	}

	New(r).Run(context.Background(), in)

	require.Equal(t, []string{"cite sources"}, in[0].Constraints)
	require.Equal(t, "slice a", seen["a"].ContextSlice)
	require.Equal(t, "slice b", seen["b"].ContextSlice)
}

func TestRunCancelledParent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := RunnerFunc(func(ctx context.Context, task agent.SubagentTask) (Answer, error) {
		return Answer{}, ctx.Err()
	})

	results := New(r).Run(ctx, tasks(5))

	for _, res := range results {
		require.False(t, res.Success)
	}
}

func TestActorRunnerSeesOnlyTaskInput(t *testing.T) {
	client := modeltest.New(modeltest.Text("Shipping takes 3 days."))
	r := NewActorRunner(actor.New(client))

	results := New(r).Run(context.Background(), []agent.SubagentTask{{
		ID:           "ship",
		Task:         "How long does shipping take?",
		Constraints:  []string{"answer in one sentence"},
		ContextSlice: "Standard shipping takes 3 days.",
	}})

	require.True(t, results[0].Success)
	require.Equal(t, "Shipping takes 3 days.", results[0].Content)
	reqs := client.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 1)
	prompt := reqs[0].Messages[0].Text()
	require.Contains(t, prompt, "Standard shipping takes 3 days.")
	require.Contains(t, prompt, "answer in one sentence")
}

func TestRunInheritsParentTrace(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	r := RunnerFunc(func(_ context.Context, task agent.SubagentTask) (Answer, error) {
		mu.Lock()
		seen[task.ID] = task.ParentTraceID
		mu.Unlock()
		return Answer{Content: "ok"}, nil
	})
	in := tasks(2)
	in[1].ParentTraceID = "explicit"

	New(r).Run(telemetry.ContextWithTraceID(context.Background(), "trace-1"), in)

	require.Equal(t, map[string]string{"t0": "trace-1", "t1": "explicit"}, seen)
	req, _ := TaskInput(agent.SubagentTask{ID: "q1", Task: "x", ParentTraceID: "trace-1"})
	require.Equal(t, "trace-1/q1", req.TraceID)
}

func TestActorRunnerRecordsUnderParentTrace(t *testing.T) {
	rec := telemetry.NewMemoryRecorder(8)
	reg, err := tools.NewRegistry(tools.Spec{
		Name:        "knowledge.search",
		Description: "Search the knowledge base",
		Handler: tools.HandlerFunc(func(context.Context, json.RawMessage) (any, error) {
			return "Standard shipping takes 3 days.", nil
		}),
	})
	require.NoError(t, err)
	client := modeltest.New(
		modeltest.ToolUse("tu1", "knowledge.search", map[string]string{"query": "shipping"}),
		modeltest.Text("Shipping takes 3 days."),
	)
	a := actor.New(client,
		actor.WithExecutor(tools.NewExecutor(reg, tools.WithRecorder(rec))),
		actor.WithRecorder(rec),
	)
	ctx := telemetry.ContextWithTraceID(context.Background(), "trace-1")

	results := New(NewActorRunner(a)).Run(ctx, []agent.SubagentTask{{ID: "q1", Task: "How long does shipping take?"}})

	require.True(t, results[0].Success, results[0].Error)
	var names []string
	for _, r := range rec.Trace("trace-1/q1") {
		names = append(names, r.Name)
	}
	require.Equal(t, []string{"tool.knowledge.search", "act"}, names)
	require.Empty(t, rec.Trace(""))
}
