package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrHumanTimeout is returned by AskHuman when no response arrives
// before the prompt's deadline. Handlers may route it to a dedicated
// handle instead of failing the node.
var ErrHumanTimeout = errors.New("human response timed out")

// HITLKind classifies human-in-the-loop requests
type HITLKind string

const (
	HITLApproval      HITLKind = "approval"
	HITLClarification HITLKind = "clarification"
	HITLErrorRecovery HITLKind = "error_recovery"
)

// HumanPrompt is what a handler asks a human
type HumanPrompt struct {
	// NodeID is the node waiting on the response
	NodeID  string
	Kind    HITLKind
	Title   string
	Message string
	// Options is the ordered set of allowed answers; empty means free-form
	Options []string
	// Timeout bounds the wait; zero means the kernel default
	Timeout time.Duration
}

// SubworkflowRequest asks the supervisor to run a child workflow on
// behalf of the current execution.
type SubworkflowRequest struct {
	// Definition is the child workflow JSON
	Definition json.RawMessage
	// WorkflowID loads the definition from storage instead
	WorkflowID string
	// Input is the child's initial payload after input mapping
	Input map[string]interface{}
}

// Services exposes the supervisor capabilities a handler may call while
// executing. The supervisor scopes an implementation to one execution
// before each node runs.
type Services interface {
	// AskHuman blocks until a human responds, the prompt times out, or
	// the execution is cancelled.
	AskHuman(ctx context.Context, prompt HumanPrompt) (interface{}, error)

	// ExecuteSubworkflow runs a child execution to a terminal state and
	// returns its mapped output.
	ExecuteSubworkflow(ctx context.Context, req SubworkflowRequest) (map[string]interface{}, error)
}
