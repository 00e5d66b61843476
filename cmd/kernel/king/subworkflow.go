package king

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/runner"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// execServices is the supervisor capability surface scoped to one
// execution, handed to handlers through ExecInput.
type execServices struct {
	k    *King
	exec *execution
}

func (s *execServices) AskHuman(ctx context.Context, prompt registry.HumanPrompt) (interface{}, error) {
	return s.k.askHuman(ctx, s.exec, prompt)
}

func (s *execServices) ExecuteSubworkflow(ctx context.Context, req registry.SubworkflowRequest) (map[string]interface{}, error) {
	return s.k.executeSubworkflow(ctx, s.exec, req)
}

// executeSubworkflow compiles and runs a child execution synchronously
// on the parent's node goroutine. The child registers in the active set
// like any execution, so it is independently observable, and inherits
// cancellation from the parent through ctx.
func (k *King) executeSubworkflow(ctx context.Context, parent *execution, req registry.SubworkflowRequest) (map[string]interface{}, error) {
	maxDepth := parent.plan.Meta.MaxNestingDepth
	if maxDepth <= 0 {
		maxDepth = k.cfg.MaxNestingDepth
	}
	depth := parent.depth + 1
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: depth %d over limit %d", ErrNestingDepthExceeded, depth, maxDepth)
	}

	var (
		def *workflow.Definition
		err error
	)
	if req.WorkflowID != "" {
		if k.store == nil {
			return nil, fmt.Errorf("%w: no workflow storage configured", storage.ErrWorkflowNotFound)
		}
		def, err = k.store.LoadWorkflow(ctx, req.WorkflowID, parent.userID)
	} else {
		def, err = workflow.ParseDefinition(req.Definition)
		if err == nil {
			if def.ID == "" {
				def.ID = uuid.NewString()
			}
			def.UserID = parent.userID
		}
	}
	if err != nil {
		return nil, err
	}

	for _, ancestor := range parent.chain {
		if ancestor == def.ID {
			return nil, fmt.Errorf("%w: workflow %s already on the call chain", ErrSubworkflowCycle, def.ID)
		}
	}

	creds, err := k.loadCredentials(ctx, parent.userID, def)
	if err != nil {
		return nil, err
	}

	p, err := k.comp.Compile(def, creds)
	if err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chain := append(append([]string(nil), parent.chain...), def.ID)
	child, err := k.register(p, creds, req.Input, depth, chain, cancel)
	if err != nil {
		return nil, err
	}

	outcome := k.run(childCtx, child)
	switch outcome.Status {
	case runner.StatusCompleted:
		return outcome.Output, nil
	case runner.StatusCancelled:
		return nil, runner.ErrCancelled
	default:
		if outcome.Err != nil {
			return nil, fmt.Errorf("subworkflow %s failed at node %s: %w", def.ID, outcome.FailedNode, outcome.Err)
		}
		return nil, fmt.Errorf("subworkflow %s failed", def.ID)
	}
}
