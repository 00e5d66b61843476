package king

import (
	"context"
	"fmt"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/events"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/runner"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/cmd/kernel/template"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// execHooks is the supervision contract for one execution: the pause
// gate and cancellation check before each node, progress and loop-limit
// accounting after, and the error policy on exhaustion.
type execHooks struct {
	k    *King
	exec *execution
}

func (h *execHooks) BeforeNode(ctx context.Context, _ string, nodeID string) (runner.Decision, error) {
	h.k.mu.Lock()
	h.exec.currentNode = nodeID
	h.k.mu.Unlock()

	if err := h.exec.gate.wait(ctx); err != nil {
		return runner.Abort, runner.ErrCancelled
	}
	if ctx.Err() != nil {
		return runner.Abort, runner.ErrCancelled
	}

	h.k.mu.Lock()
	h.k.emitLocked(h.exec, events.NodeStarted, map[string]interface{}{"node_id": nodeID})
	h.k.mu.Unlock()
	return runner.Continue, nil
}

func (h *execHooks) AfterNode(_ context.Context, _ string, nodeID string, result registry.NodeResult, duration time.Duration) (runner.Decision, error) {
	k := h.k
	bn, _ := h.exec.plan.Node(nodeID)

	k.mu.Lock()
	h.exec.completedNodes++

	// Loop counters key on (node, handle) so a loop's "loop" handle and
	// its "done" handle count independently.
	key := nodeID + ":" + result.Handle()
	h.exec.loopCounters[key]++
	count := h.exec.loopCounters[key]

	out := result.Data
	if bn != nil && len(bn.SecretFields) > 0 {
		out = template.RedactFields(out, bn.SecretFields)
	}
	k.emitLocked(h.exec, events.NodeCompleted, map[string]interface{}{
		"node_id":     nodeID,
		"handle":      result.Handle(),
		"duration_ms": duration.Milliseconds(),
		"progress":    h.exec.progress(),
		"output":      events.TruncatedOutput(out),
	})
	k.mu.Unlock()

	h.appendNode(nodeID, bn != nil, result, duration)

	if count > k.cfg.SystemMaxLoops {
		return runner.Abort, &registry.NodeError{
			Kind:    registry.ErrKindLoopLimit,
			Message: fmt.Sprintf("node %s exceeded the system loop limit of %d", nodeID, k.cfg.SystemMaxLoops),
		}
	}
	// The per-node cap binds body emissions even when the handler
	// ignores its own max_loop_count.
	if bn != nil && bn.LoopCarrying && result.Handle() == registry.HandleLoop && count > bn.MaxLoopCount {
		return runner.Abort, &registry.NodeError{
			Kind:    registry.ErrKindLoopLimit,
			Message: fmt.Sprintf("node %s exceeded its loop limit of %d", nodeID, bn.MaxLoopCount),
		}
	}
	return runner.Continue, nil
}

func (h *execHooks) OnError(_ context.Context, _ string, nodeID string, nodeErr *registry.NodeError) runner.Decision {
	k := h.k

	k.mu.Lock()
	k.emitLocked(h.exec, events.NodeFailed, map[string]interface{}{
		"node_id": nodeID,
		"kind":    string(nodeErr.Kind),
		"error":   nodeErr.Message,
	})
	k.mu.Unlock()

	h.appendNodeFailure(nodeID, nodeErr)

	if h.exec.plan.Meta.ErrorPolicy == workflow.ErrorPolicyContinue &&
		h.exec.plan.HasDownstream(nodeID, registry.HandleError) {
		return runner.Continue
	}
	return runner.Abort
}

func (h *execHooks) appendNode(nodeID string, known bool, result registry.NodeResult, duration time.Duration) {
	if h.k.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := storage.NodeRecord{
		ExecutionID: h.exec.id,
		NodeID:      nodeID,
		Status:      "completed",
		Attempts:    1,
		Duration:    duration,
		At:          time.Now().UTC(),
	}
	if known {
		bn, _ := h.exec.plan.Node(nodeID)
		rec.NodeType = bn.Type
	}
	if result.Err != nil {
		rec.Status = "routed_error"
		rec.Error = result.Err.Message
	}
	if err := h.k.store.AppendNode(ctx, rec); err != nil {
		h.k.log.Warn("node history append failed", "execution_id", h.exec.id, "node_id", nodeID, "error", err)
	}
}

func (h *execHooks) appendNodeFailure(nodeID string, nodeErr *registry.NodeError) {
	if h.k.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := storage.NodeRecord{
		ExecutionID: h.exec.id,
		NodeID:      nodeID,
		Status:      "failed",
		Error:       nodeErr.Message,
		At:          time.Now().UTC(),
	}
	if bn, ok := h.exec.plan.Node(nodeID); ok {
		rec.NodeType = bn.Type
		rec.Attempts = 1 + bn.MaxRetries
	}
	if err := h.k.store.AppendNode(ctx, rec); err != nil {
		h.k.log.Warn("node history append failed", "execution_id", h.exec.id, "node_id", nodeID, "error", err)
	}
}
