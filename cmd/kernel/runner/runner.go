package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/execctx"
	"github.com/lyzr/kernel/cmd/kernel/plan"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/template"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
	"github.com/lyzr/kernel/common/logger"
)

// Status is the terminal state a run ends in
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is what a finished run reports back to the supervisor
type Outcome struct {
	Status     Status
	Output     map[string]interface{}
	FailedNode string
	Err        *registry.NodeError
	Reason     string
}

// Config carries the runtime knobs a runner needs beyond the plan
type Config struct {
	GraceWindow time.Duration
	Backoff     Backoff
}

// Runner drives one compiled plan to a terminal state. It owns the
// execution context and runs on a single goroutine; node handlers are
// invoked sequentially.
type Runner struct {
	plan     *plan.Plan
	ectx     *execctx.Context
	hooks    Hooks
	services registry.Services
	log      *logger.Logger
	cfg      Config
}

// New creates a runner for one execution
func New(p *plan.Plan, ectx *execctx.Context, hooks Hooks, services registry.Services, log *logger.Logger, cfg Config) *Runner {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Second
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Runner{
		plan:     p,
		ectx:     ectx,
		hooks:    hooks,
		services: services,
		log:      log.WithExecutionID(ectx.ExecutionID()),
		cfg:      cfg,
	}
}

// Run executes the plan until the work queue drains or a hook, error or
// cancellation terminates it. The returned outcome is always terminal.
func (r *Runner) Run(ctx context.Context) Outcome {
	eid := r.ectx.ExecutionID()

	completed := make(map[string]bool)
	skipped := make(map[string]bool)
	queued := make(map[string]bool)
	routed := make(map[string]bool)

	var queue []string
	enqueue := func(id string) {
		queue = append(queue, id)
		queued[id] = true
	}
	for _, id := range r.plan.Entries() {
		enqueue(id)
	}

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, Reason: "execution cancelled"}
		}

		nodeID := queue[0]
		queue = queue[1:]
		queued[nodeID] = false

		bn, ok := r.plan.Node(nodeID)
		if !ok {
			continue
		}

		decision, err := r.hooks.BeforeNode(ctx, eid, nodeID)
		if decision == Abort {
			return r.abortOutcome(nodeID, err)
		}

		started := time.Now()
		result, nodeErr := r.executeWithPolicy(ctx, bn)
		if nodeErr != nil {
			if ctx.Err() != nil {
				return Outcome{Status: StatusCancelled, Reason: "execution cancelled"}
			}
			return Outcome{Status: StatusFailed, FailedNode: nodeID, Err: nodeErr}
		}
		duration := time.Since(started)

		r.ectx.PublishOutput(nodeID, result)
		completed[nodeID] = true
		delete(routed, nodeID)

		decision, err = r.hooks.AfterNode(ctx, eid, nodeID, result, duration)
		if decision == Abort {
			return r.abortOutcome(nodeID, err)
		}

		handle := r.effectiveHandle(bn, result)

		edges := r.plan.Next(nodeID, handle)
		if result.Err != nil && len(edges) == 0 {
			// A routed error reached a node with no error edge
			return Outcome{Status: StatusFailed, FailedNode: nodeID, Err: result.Err}
		}

		for _, e := range edges {
			// Routing revives a branch an earlier handle skipped, like a
			// loop's done side after iterations took the loop handle.
			delete(skipped, e.Target)

			if r.plan.IsLoopMember(e.Target) {
				// Loop members re-execute; joins never gate them
				delete(completed, e.Target)
				if !queued[e.Target] {
					enqueue(e.Target)
				}
				continue
			}
			routed[e.Target] = true
		}

		r.markSkipped(nodeID, handle, completed, skipped, queued, routed)

		for _, target := range sortedKeys(routed) {
			if queued[target] || completed[target] || skipped[target] {
				continue
			}
			if r.isReady(target, completed, skipped) {
				enqueue(target)
			}
		}
	}

	if ctx.Err() != nil {
		return Outcome{Status: StatusCancelled, Reason: "execution cancelled"}
	}

	return Outcome{
		Status: StatusCompleted,
		Output: r.mergeTerminalOutputs(completed),
	}
}

// executeWithPolicy resolves input and config, runs the retry loop, and
// consults the on_error hook on exhaustion.
func (r *Runner) executeWithPolicy(ctx context.Context, bn *plan.BoundNode) (registry.NodeResult, *registry.NodeError) {
	retried := false
	for {
		result, nodeErr := r.runAttempts(ctx, bn)
		if nodeErr == nil {
			// A routed failure with no error edge escalates like an
			// exhausted one.
			if result.Err != nil && !r.plan.HasDownstream(bn.ID, registry.HandleError) {
				nodeErr = result.Err
			} else {
				return result, nil
			}
		}

		if ctx.Err() != nil {
			return registry.NodeResult{}, nodeErr
		}

		r.emitNodeError(bn.ID, nodeErr)
		decision := r.hooks.OnError(ctx, r.ectx.ExecutionID(), bn.ID, nodeErr)

		switch decision {
		case Retry:
			if !retried {
				retried = true
				continue
			}
			return registry.NodeResult{}, nodeErr
		case Continue:
			if r.plan.HasDownstream(bn.ID, registry.HandleError) {
				return errorResult(nodeErr), nil
			}
			return registry.NodeResult{}, nodeErr
		default:
			return registry.NodeResult{}, nodeErr
		}
	}
}

// runAttempts runs up to 1+MaxRetries attempts with exponential backoff
func (r *Runner) runAttempts(ctx context.Context, bn *plan.BoundNode) (registry.NodeResult, *registry.NodeError) {
	input, upstream := r.ectx.ResolveInput(r.plan, bn.ID)

	scope := template.Scope{
		Input: input,
		Vars:  r.ectx.Variables(),
		Output: func(id string) (map[string]interface{}, bool) {
			out, ok := r.ectx.Output(id)
			return out.Data, ok
		},
	}
	config, err := template.ResolveConfig(bn.Config, scope)
	if err != nil {
		return registry.NodeResult{}, &registry.NodeError{
			Kind:    registry.ErrKindTemplate,
			Message: err.Error(),
		}
	}

	in := registry.ExecInput{
		ExecutionID: r.ectx.ExecutionID(),
		WorkflowID:  r.plan.Meta.WorkflowID,
		UserID:      r.plan.Meta.UserID,
		NodeID:      bn.ID,
		Input:       input,
		Upstream:    upstream,
		Config:      config,
		Ctx:         r.ectx,
		Services:    r.services,
	}

	attempts := 1 + bn.MaxRetries
	var lastErr *registry.NodeError

	for attempt := 1; attempt <= attempts; attempt++ {
		result, nodeErr := r.attempt(ctx, bn, in)

		if nodeErr == nil {
			routedRetryable := result.Err != nil && result.Err.Retryable &&
				result.Handle() == registry.HandleError
			if !routedRetryable || attempt == attempts {
				return result, nil
			}
			lastErr = result.Err
		} else {
			lastErr = nodeErr
			if ctx.Err() != nil || !nodeErr.Retryable {
				return registry.NodeResult{}, lastErr
			}
		}

		if attempt < attempts {
			delay := r.cfg.Backoff.DelayForAttempt(attempt)
			r.log.Warn("node attempt failed, backing off",
				"node_id", bn.ID,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr.Message)
			if !sleepCtx(ctx, delay) {
				return registry.NodeResult{}, lastErr
			}
		}
	}

	return registry.NodeResult{}, lastErr
}

// attempt runs the handler once under the node timeout. On cancellation
// the handler gets a grace window to return before being abandoned.
func (r *Runner) attempt(ctx context.Context, bn *plan.BoundNode, in registry.ExecInput) (registry.NodeResult, *registry.NodeError) {
	attemptCtx := ctx
	if !isLongRunning(bn.Handler) {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, bn.Timeout)
		defer cancel()
	}

	type reply struct {
		res registry.NodeResult
		err *registry.NodeError
	}
	done := make(chan reply, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				if pe, ok := rec.(*execctx.PermissionError); ok {
					done <- reply{err: &registry.NodeError{
						Kind:    registry.ErrKindPermission,
						Message: pe.Error(),
					}}
					return
				}
				done <- reply{err: &registry.NodeError{
					Kind:      registry.ErrKindHandler,
					Message:   fmt.Sprintf("handler panic: %v", rec),
					Retryable: true,
				}}
			}
		}()

		res, err := bn.Handler.Execute(attemptCtx, in)
		if err != nil {
			done <- reply{err: toNodeError(err)}
			return
		}
		done <- reply{res: res}
	}()

	select {
	case rep := <-done:
		return rep.res, rep.err

	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			grace := time.NewTimer(r.cfg.GraceWindow)
			defer grace.Stop()
			select {
			case rep := <-done:
				return rep.res, rep.err
			case <-grace.C:
				r.log.Warn("handler abandoned after cancellation grace window", "node_id", bn.ID)
				return registry.NodeResult{}, &registry.NodeError{
					Kind:    registry.ErrKindHandler,
					Message: "abandoned after cancellation",
				}
			}
		}

		return registry.NodeResult{}, &registry.NodeError{
			Kind:      registry.ErrKindTimeout,
			Message:   fmt.Sprintf("node timed out after %s", bn.Timeout),
			Retryable: true,
		}
	}
}

// effectiveHandle maps a published handle the handler never declared
// back to "default", with a warning.
func (r *Runner) effectiveHandle(bn *plan.BoundNode, result registry.NodeResult) string {
	handle := result.Handle()
	if handle == registry.HandleDefault || handle == registry.HandleError || bn.Handler == nil {
		return handle
	}

	for _, declared := range bn.Handler.Outputs() {
		if declared == handle || declared == registry.HandleAny {
			return handle
		}
	}

	r.log.Warn("handler published undeclared output handle, routing as default",
		"node_id", bn.ID,
		"handle", handle)
	return registry.HandleDefault
}

// markSkipped transitively skips nodes reachable only through the
// branches nodeID did not take.
func (r *Runner) markSkipped(nodeID, takenHandle string, completed, skipped, queued, routed map[string]bool) {
	for _, e := range r.plan.Outgoing(nodeID) {
		if e.Handle == takenHandle || e.Kind == workflow.EdgeLoopBody {
			continue
		}
		r.trySkip(e.Target, completed, skipped, queued, routed)
	}
}

func (r *Runner) trySkip(nodeID string, completed, skipped, queued, routed map[string]bool) {
	if completed[nodeID] || skipped[nodeID] || queued[nodeID] || routed[nodeID] {
		return
	}

	// A node stays live while any predecessor could still route to it
	for _, pred := range r.plan.NonLoopPredecessors(nodeID) {
		if !completed[pred] && !skipped[pred] {
			return
		}
	}

	skipped[nodeID] = true
	for _, e := range r.plan.Outgoing(nodeID) {
		if e.Kind == workflow.EdgeLoopBody {
			continue
		}
		r.trySkip(e.Target, completed, skipped, queued, routed)
	}
}

// isReady reports whether every non-loop predecessor has settled
func (r *Runner) isReady(nodeID string, completed, skipped map[string]bool) bool {
	for _, pred := range r.plan.NonLoopPredecessors(nodeID) {
		if !completed[pred] && !skipped[pred] {
			return false
		}
	}
	return true
}

// mergeTerminalOutputs merges the outputs of all completed terminal
// leaves in ascending node id order. A single leaf contributes its data
// unwrapped; with several, later ids overwrite shared keys.
func (r *Runner) mergeTerminalOutputs(completed map[string]bool) map[string]interface{} {
	output := make(map[string]interface{})
	for _, id := range r.plan.TerminalNodes() {
		if !completed[id] {
			continue
		}
		out, ok := r.ectx.Output(id)
		if !ok {
			continue
		}
		for k, v := range out.Data {
			output[k] = v
		}
	}
	return output
}

func (r *Runner) abortOutcome(nodeID string, err error) Outcome {
	if errors.Is(err, ErrCancelled) {
		reason := "execution cancelled"
		if err != nil {
			reason = err.Error()
		}
		return Outcome{Status: StatusCancelled, Reason: reason}
	}

	var nodeErr *registry.NodeError
	if !errors.As(err, &nodeErr) {
		msg := "aborted by supervisor"
		if err != nil {
			msg = err.Error()
		}
		nodeErr = &registry.NodeError{Kind: registry.ErrKindHandler, Message: msg}
	}
	return Outcome{Status: StatusFailed, FailedNode: nodeID, Err: nodeErr}
}

func (r *Runner) emitNodeError(nodeID string, nodeErr *registry.NodeError) {
	r.log.Warn("node exhausted attempts",
		"node_id", nodeID,
		"kind", string(nodeErr.Kind),
		"error", nodeErr.Message)
}

func errorResult(nodeErr *registry.NodeError) registry.NodeResult {
	return registry.NodeResult{
		Data: map[string]interface{}{
			"error":      nodeErr.Message,
			"error_kind": string(nodeErr.Kind),
		},
		OutputHandle: registry.HandleError,
		Err:          nodeErr,
	}
}

func isLongRunning(h registry.Handler) bool {
	lr, ok := h.(registry.LongRunning)
	return ok && lr.LongRunning()
}

func toNodeError(err error) *registry.NodeError {
	var nodeErr *registry.NodeError
	if errors.As(err, &nodeErr) {
		return nodeErr
	}
	// An expired human prompt is a timeout, and retrying would re-ask
	// the question.
	if errors.Is(err, registry.ErrHumanTimeout) {
		return &registry.NodeError{
			Kind:    registry.ErrKindTimeout,
			Message: err.Error(),
		}
	}
	return &registry.NodeError{
		Kind:      registry.ErrKindHandler,
		Message:   err.Error(),
		Retryable: true,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
