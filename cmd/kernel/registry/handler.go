package registry

import (
	"context"
	"fmt"
)

// FieldType is the small schema language node configs are validated
// against at compile time.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldBoolean   FieldType = "boolean"
	FieldSelect    FieldType = "select"
	FieldSecretRef FieldType = "secret_ref"
	FieldCode      FieldType = "code"
	FieldJSON      FieldType = "json"
)

// Field describes one config field a handler accepts
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Options constrains select fields to a fixed set of values
	Options []string
	// Secret fields are redacted from events and logs
	Secret bool
}

// Output handle names shared across handlers. Conditionals add
// HandleTrue/HandleFalse, loop-carrying handlers add HandleLoop/HandleDone.
const (
	HandleDefault = "default"
	HandleError   = "error"
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleLoop    = "loop"
	HandleDone    = "done"
	// HandleAny in a handler's Outputs declares that it routes on
	// arbitrary, config-defined handles (switch-style nodes).
	HandleAny = "*"
)

// ErrorKind classifies runtime node failures
type ErrorKind string

const (
	ErrKindHandler    ErrorKind = "handler_exception"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindTemplate   ErrorKind = "template_error"
	ErrKindPermission ErrorKind = "permission_denied"
	ErrKindLoopLimit  ErrorKind = "loop_limit_exceeded"
)

// NodeError is a handler failure in routable form. A handler that wants
// the error to flow through an "error" handle returns it inside
// NodeResult; a handler that returns a plain Go error is treated as an
// unexpected exception by the runner.
type NodeError struct {
	Kind      ErrorKind
	Message   string
	Retryable bool
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NodeResult is what a handler publishes into downstream scope
type NodeResult struct {
	// Data is the value map visible to downstream nodes
	Data map[string]interface{}
	// OutputHandle selects which outgoing edges fire; empty means "default"
	OutputHandle string
	// Err is set when the handler routes a failure instead of raising it
	Err *NodeError
}

// Handle returns the effective output handle
func (r NodeResult) Handle() string {
	if r.OutputHandle == "" {
		return HandleDefault
	}
	return r.OutputHandle
}

// Credential is decrypted credential material scoped to one execution.
// It lives only in the execution context and is zeroed on teardown.
type Credential struct {
	Ref    string
	Type   string
	UserID string
	Data   map[string]string
}

// Zero wipes the decrypted material in place
func (c *Credential) Zero() {
	for k := range c.Data {
		c.Data[k] = ""
	}
	c.Data = nil
}

// ContextOps is the slice of per-execution state a handler may touch.
// Implemented by the execution context; all calls happen on the single
// runner goroutine that owns the execution.
type ContextOps interface {
	GetVariable(name string) (interface{}, bool)
	SetVariable(name string, value interface{})

	LoopCount(nodeID string) int
	IncrementLoop(nodeID string) int
	Items(nodeID string) []interface{}
	SetItems(nodeID string, items []interface{})
	BatchCursor(nodeID string) int
	SetBatchCursor(nodeID string, cursor int)
	AccumulateResult(nodeID string, value interface{})
	AccumulatedResults(nodeID string) []interface{}

	// Credential returns decrypted material for a ref validated at
	// compile time. Asking for an unvalidated ref is a programmer error
	// and panics.
	Credential(ref string) Credential
}

// ExecInput carries everything a handler sees for one node execution
type ExecInput struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	NodeID      string

	// Input is the resolved upstream payload for this node
	Input map[string]interface{}
	// Upstream holds each direct predecessor's output separately, for
	// handlers that need per-branch data instead of the merged view
	Upstream map[string]map[string]interface{}
	// Config is the node config with templates already resolved
	Config map[string]interface{}

	Ctx      ContextOps
	Services Services
}

// Handler is the capability the kernel binds node type tags to
type Handler interface {
	// Name returns the type tag this handler serves
	Name() string
	// Fields declares the config schema validated at compile time
	Fields() []Field
	// Credentials declares the credential-type tags this handler may use
	Credentials() []string
	// Outputs declares the handle names this handler can publish
	Outputs() []string
	// Execute runs the node. Returning an error means the handler
	// failed unexpectedly; routable failures travel inside NodeResult.
	Execute(ctx context.Context, in ExecInput) (NodeResult, error)
}

// LoopCarrier marks handlers whose outgoing edges may legally close a
// cycle in the workflow graph.
type LoopCarrier interface {
	LoopCarrying() bool
}

// LongRunning marks handlers whose execution legitimately outlives the
// node timeout, like human waits and subworkflows. The runner skips the
// per-attempt timeout for them; their own deadlines bound the wait.
type LongRunning interface {
	LongRunning() bool
}

// SchemaDeclarer is an optional handler capability. Handlers that
// declare concrete input and output shapes get soft type-compatibility
// checks across edges at compile time.
type SchemaDeclarer interface {
	InputSchema() map[string]FieldType
	OutputSchema() map[string]FieldType
}
