package subagent

import (
	"context"
	"strings"

	"goa.design/verity/runtime/agent"
	"goa.design/verity/runtime/agent/actor"
)

// ActorRunner answers tasks with an Actor. The actor sees a request built
// from the task text and constraints and a context made of the task's
// context slice only.
type ActorRunner struct {
	actor *actor.Actor
}

// NewActorRunner returns a Runner backed by a.
func NewActorRunner(a *actor.Actor) *ActorRunner {
	return &ActorRunner{actor: a}
}

// RunTask implements Runner.
func (r *ActorRunner) RunTask(ctx context.Context, task agent.SubagentTask) (Answer, error) {
	req, gathered := TaskInput(task)
	cand, err := r.actor.Act(ctx, req, gathered, "")
	if err != nil {
		return Answer{}, err
	}
	return Answer{Content: cand.Text, Sources: cand.Sources}, nil
}

// TaskInput builds the isolated actor input for task.
func TaskInput(task agent.SubagentTask) (agent.Request, agent.GatheredContext) {
	text := task.Task
	if len(task.Constraints) > 0 {
		text += "\nConstraints:\n- " + strings.Join(task.Constraints, "\n- ")
	}
	req := agent.Request{Text: text, SessionID: "subagent:" + task.ID}
	if task.ParentTraceID != "" {
		req.TraceID = task.ParentTraceID + "/" + task.ID
	}
	var gathered agent.GatheredContext
	if s := strings.TrimSpace(task.ContextSlice); s != "" {
		gathered.KnowledgeExcerpts = []agent.KnowledgeExcerpt{{Reference: "Provided context", Excerpt: s}}
	}
	return req, gathered
}
