package king

import (
	"context"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/execctx"
	"github.com/lyzr/kernel/cmd/kernel/plan"
	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// State is an execution's lifecycle state. PENDING, RUNNING, PAUSED and
// WAITING_HUMAN are live; COMPLETED, FAILED and CANCELLED are absorbing.
type State string

const (
	StatePending      State = "PENDING"
	StateRunning      State = "RUNNING"
	StatePaused       State = "PAUSED"
	StateWaitingHuman State = "WAITING_HUMAN"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Terminal reports whether the state is absorbing
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Caller identifies who is asking for an operation. Privileged callers
// (internal services) bypass the per-user ownership check.
type Caller struct {
	UserID     string
	Privileged bool
}

func (c Caller) mayAccess(ownerID string) bool {
	return c.Privileged || (c.UserID != "" && c.UserID == ownerID)
}

// HITLView is the externally visible shape of a pending human request
type HITLView struct {
	RequestID   string            `json:"request_id"`
	ExecutionID string            `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	Kind        registry.HITLKind `json:"kind"`
	Title       string            `json:"title,omitempty"`
	Message     string            `json:"message"`
	Options     []string          `json:"options,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// ExecutionStatus is the snapshot returned by Status and stored in the
// cache at the terminal transition.
type ExecutionStatus struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  string                 `json:"workflow_id"`
	UserID      string                 `json:"user_id"`
	State       State                  `json:"state"`
	CurrentNode string                 `json:"current_node,omitempty"`
	Progress    float64                `json:"progress"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	FailedNode  string                 `json:"failed_node,omitempty"`
	Pending     *HITLView              `json:"pending_human,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

type hitlReply struct {
	value interface{}
	err   error
}

type hitlRequest struct {
	view  HITLView
	reply chan hitlReply
}

// execution is the supervisor's live record of one run. All mutable
// fields are guarded by the King mutex; the plan and context pointers
// are set once at creation.
type execution struct {
	id         string
	workflowID string
	userID     string
	depth      int
	// chain holds the workflow ids from the root execution down to this
	// one, for subworkflow cycle detection
	chain []string

	plan *plan.Plan
	ectx *execctx.Context

	state       State
	currentNode string
	createdAt   time.Time
	finishedAt  time.Time
	output      map[string]interface{}
	errMsg      string
	failedNode  string

	completedNodes int
	loopCounters   map[string]int
	seq            int64

	gate   *gate
	cancel context.CancelFunc
	done   chan struct{}
	hitl   *hitlRequest
}

func (e *execution) progress() float64 {
	size := e.plan.Size()
	if size == 0 {
		return 0
	}
	p := float64(e.completedNodes) / float64(size)
	if p > 1 {
		p = 1
	}
	return p
}

func (e *execution) snapshot() ExecutionStatus {
	st := ExecutionStatus{
		ExecutionID: e.id,
		WorkflowID:  e.workflowID,
		UserID:      e.userID,
		State:       e.state,
		CurrentNode: e.currentNode,
		Progress:    e.progress(),
		Output:      e.output,
		Error:       e.errMsg,
		FailedNode:  e.failedNode,
		CreatedAt:   e.createdAt,
	}
	if e.hitl != nil {
		view := e.hitl.view
		st.Pending = &view
	}
	if !e.finishedAt.IsZero() {
		t := e.finishedAt
		st.FinishedAt = &t
	}
	return st
}
