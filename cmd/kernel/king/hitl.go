package king

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/kernel/cmd/kernel/events"
	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// askHuman parks the execution in WAITING_HUMAN until a response,
// timeout or cancellation resolves the request. One request may be
// outstanding per execution; the reply channel is buffered so the
// resolver never blocks.
func (k *King) askHuman(ctx context.Context, exec *execution, prompt registry.HumanPrompt) (interface{}, error) {
	timeout := prompt.Timeout
	if timeout <= 0 {
		timeout = k.cfg.HITLTimeout
	}
	now := time.Now().UTC()

	req := &hitlRequest{
		view: HITLView{
			RequestID:   uuid.NewString(),
			ExecutionID: exec.id,
			NodeID:      prompt.NodeID,
			Kind:        prompt.Kind,
			Title:       prompt.Title,
			Message:     prompt.Message,
			Options:     prompt.Options,
			CreatedAt:   now,
			ExpiresAt:   now.Add(timeout),
		},
		reply: make(chan hitlReply, 1),
	}

	k.mu.Lock()
	if exec.state.Terminal() {
		k.mu.Unlock()
		return nil, fmt.Errorf("execution reached %s", exec.state)
	}
	if exec.hitl != nil {
		k.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	exec.hitl = req
	exec.state = StateWaitingHuman
	k.emitLocked(exec, events.HITLRequested, map[string]interface{}{
		"request_id": req.view.RequestID,
		"node_id":    req.view.NodeID,
		"kind":       string(req.view.Kind),
		"message":    req.view.Message,
		"options":    req.view.Options,
		"expires_at": req.view.ExpiresAt,
	})
	k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(StateWaitingHuman)})
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep := <-req.reply:
		return rep.value, rep.err

	case <-timer.C:
		k.retractHITL(exec, req, "timeout")
		// A response may have raced the timer; prefer it
		select {
		case rep := <-req.reply:
			return rep.value, rep.err
		default:
		}
		return nil, registry.ErrHumanTimeout

	case <-ctx.Done():
		k.retractHITL(exec, req, "cancelled")
		select {
		case rep := <-req.reply:
			return rep.value, rep.err
		default:
		}
		return nil, ctx.Err()
	}
}

// retractHITL withdraws an unresolved request on timeout or cancellation
func (k *King) retractHITL(exec *execution, req *hitlRequest, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if exec.hitl != req {
		return
	}
	exec.hitl = nil
	k.emitLocked(exec, events.HITLResolved, map[string]interface{}{
		"request_id": req.view.RequestID,
		"outcome":    reason,
	})
	if exec.state == StateWaitingHuman {
		exec.state = StateRunning
		k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(StateRunning)})
	}
}

// SubmitHumanResponse resolves a pending request. An empty requestID
// matches whatever request is pending; a non-empty one must match
// exactly. Responses to option-constrained requests must be one of the
// options.
func (k *King) SubmitHumanResponse(_ context.Context, caller Caller, executionID, requestID string, response interface{}) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	exec, err := k.liveLocked(caller, executionID)
	if err != nil {
		return err
	}

	req := exec.hitl
	if req == nil {
		return ErrNotPending
	}
	if requestID != "" && req.view.RequestID != requestID {
		return ErrNotPending
	}
	return k.resolveLocked(exec, req, response)
}

// RespondToRequest resolves a pending request addressed by request id
// alone, without knowing which execution carries it.
func (k *King) RespondToRequest(_ context.Context, caller Caller, requestID string, response interface{}) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, exec := range k.executions {
		if exec.hitl == nil || exec.hitl.view.RequestID != requestID {
			continue
		}
		if !caller.mayAccess(exec.userID) {
			return ErrNotAuthorized
		}
		return k.resolveLocked(exec, exec.hitl, response)
	}
	return ErrNotPending
}

// resolveLocked validates and delivers a response. Caller holds k.mu.
func (k *King) resolveLocked(exec *execution, req *hitlRequest, response interface{}) error {
	if len(req.view.Options) > 0 {
		s, ok := response.(string)
		if !ok || !containsOption(req.view.Options, s) {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, response)
		}
	}

	exec.hitl = nil
	k.emitLocked(exec, events.HITLResolved, map[string]interface{}{
		"request_id": req.view.RequestID,
		"outcome":    "responded",
	})
	if exec.state == StateWaitingHuman {
		exec.state = StateRunning
		k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(StateRunning)})
	}

	req.reply <- hitlReply{value: response}
	return nil
}

// PendingRequests returns the caller's unresolved human requests,
// oldest first.
func (k *King) PendingRequests(caller Caller) []HITLView {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []HITLView
	for _, exec := range k.executions {
		if exec.hitl != nil && caller.mayAccess(exec.userID) {
			out = append(out, exec.hitl.view)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func containsOption(options []string, s string) bool {
	for _, o := range options {
		if o == s {
			return true
		}
	}
	return false
}
