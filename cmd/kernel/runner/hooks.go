package runner

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// Decision is what a supervision hook tells the runner to do next
type Decision int

const (
	Continue Decision = iota
	Retry
	Abort
)

// ErrCancelled marks an abort decision caused by cancellation rather
// than failure. Hooks wrap it into the error they return from
// BeforeNode/AfterNode so the runner finalizes CANCELLED instead of
// FAILED.
var ErrCancelled = errors.New("execution cancelled")

// Hooks is the supervision contract the runner consults at every node
// boundary. The supervisor implements it; BeforeNode is the execution's
// pause gate and cancellation point and may block.
type Hooks interface {
	// BeforeNode runs before a node executes. Abort stops the
	// execution; the returned error carries the reason.
	BeforeNode(ctx context.Context, executionID, nodeID string) (Decision, error)

	// AfterNode runs after a node published its result. Abort stops the
	// execution (loop-limit enforcement lives here).
	AfterNode(ctx context.Context, executionID, nodeID string, result registry.NodeResult, duration time.Duration) (Decision, error)

	// OnError runs when a node exhausted its attempts. Continue routes
	// the error through the node's "error" handle, Retry grants one
	// more attempt round, Abort fails the execution.
	OnError(ctx context.Context, executionID, nodeID string, nodeErr *registry.NodeError) Decision
}

// NopHooks approves everything and aborts on error, matching the
// default hook semantics. Used by tests.
type NopHooks struct{}

func (NopHooks) BeforeNode(context.Context, string, string) (Decision, error) {
	return Continue, nil
}

func (NopHooks) AfterNode(context.Context, string, string, registry.NodeResult, time.Duration) (Decision, error) {
	return Continue, nil
}

func (NopHooks) OnError(context.Context, string, string, *registry.NodeError) Decision {
	return Abort
}
