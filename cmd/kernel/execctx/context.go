package execctx

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lyzr/kernel/cmd/kernel/plan"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// PermissionError is the panic value raised when a handler asks for a
// credential that was not validated for this execution at compile time.
// The runner recovers it and fails the node with permission_denied.
type PermissionError struct {
	Ref string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("credential %q was not validated for this execution", e.Ref)
}

// Output is a published node result: its data map and the handle it
// selected.
type Output struct {
	Data   map[string]interface{}
	Handle string
}

// Context is the per-execution state bag, owned by exactly one graph
// runner goroutine. The internal lock exists only because a cancelled
// execution may abandon a non-returning handler after the grace window;
// a late context touch from such a handler must stay benign. Created at
// execution start, destroyed at the terminal transition; credential
// material is zeroed on destruction.
type Context struct {
	mu sync.Mutex

	executionID  string
	workflowID   string
	userID       string
	nestingDepth int

	input       map[string]interface{}
	variables   map[string]interface{}
	outputs     map[string]Output
	loopCounts  map[string]int
	items       map[string][]interface{}
	cursors     map[string]int
	accumulated map[string][]interface{}
	credentials map[string]registry.Credential
}

// New creates the context for one execution. creds must already be
// validated against the plan's credential refs.
func New(executionID, workflowID, userID string, nestingDepth int, input map[string]interface{}, creds []registry.Credential) *Context {
	byRef := make(map[string]registry.Credential, len(creds))
	for _, cr := range creds {
		byRef[cr.Ref] = cr
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	return &Context{
		executionID:  executionID,
		workflowID:   workflowID,
		userID:       userID,
		nestingDepth: nestingDepth,
		input:        input,
		variables:    make(map[string]interface{}),
		outputs:      make(map[string]Output),
		loopCounts:   make(map[string]int),
		items:        make(map[string][]interface{}),
		cursors:      make(map[string]int),
		accumulated:  make(map[string][]interface{}),
		credentials:  byRef,
	}
}

// ExecutionID returns the owning execution's id
func (c *Context) ExecutionID() string { return c.executionID }

// UserID returns the execution owner
func (c *Context) UserID() string { return c.userID }

// NestingDepth returns how many subworkflow levels above this execution
func (c *Context) NestingDepth() int { return c.nestingDepth }

// GetVariable returns an execution variable
func (c *Context) GetVariable(name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable stores an execution variable
func (c *Context) SetVariable(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variables returns a snapshot of the variable map for template and
// condition scopes.
func (c *Context) Variables() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(map[string]interface{}, len(c.variables))
	for k, v := range c.variables {
		snapshot[k] = v
	}
	return snapshot
}

// PublishOutput records a node result for downstream resolution
func (c *Context) PublishOutput(nodeID string, result registry.NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := result.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	c.outputs[nodeID] = Output{Data: data, Handle: result.Handle()}
}

// Output returns a previously published node result
func (c *Context) Output(nodeID string) (Output, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[nodeID]
	return out, ok
}

// ResolveInput gathers the outputs of nodeID's direct predecessors into
// the handler's input shape. Predecessors merge in ascending node id
// order; loop back-edge predecessors merge last so a loop node re-entered
// from its body sees the body's output. Entry nodes (and nodes whose
// predecessors were all skipped) receive the execution input.
func (c *Context) ResolveInput(p *plan.Plan, nodeID string) (map[string]interface{}, map[string]map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var forward, back []string
	seen := make(map[string]bool)
	for _, e := range p.Incoming(nodeID) {
		if seen[e.Source] {
			continue
		}
		seen[e.Source] = true
		if e.Kind == workflow.EdgeLoopBody {
			back = append(back, e.Source)
		} else {
			forward = append(forward, e.Source)
		}
	}
	sort.Strings(forward)
	sort.Strings(back)

	merged := make(map[string]interface{})
	upstream := make(map[string]map[string]interface{})
	for _, pred := range append(forward, back...) {
		out, ok := c.outputs[pred]
		if !ok {
			continue
		}
		upstream[pred] = out.Data
		for k, v := range out.Data {
			merged[k] = v
		}
	}

	if len(upstream) == 0 {
		for k, v := range c.input {
			merged[k] = v
		}
	}

	return merged, upstream
}

// LoopCount returns the iteration counter of a loop node
func (c *Context) LoopCount(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopCounts[nodeID]
}

// IncrementLoop bumps and returns the iteration counter
func (c *Context) IncrementLoop(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loopCounts[nodeID]++
	return c.loopCounts[nodeID]
}

// Items returns the working set of a loop node
func (c *Context) Items(nodeID string) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[nodeID]
}

// SetItems stores the working set of a loop node
func (c *Context) SetItems(nodeID string, items []interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[nodeID] = items
}

// BatchCursor returns the batch position of a split node
func (c *Context) BatchCursor(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[nodeID]
}

// SetBatchCursor stores the batch position of a split node
func (c *Context) SetBatchCursor(nodeID string, cursor int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[nodeID] = cursor
}

// AccumulateResult appends one body result to a loop node's collection
func (c *Context) AccumulateResult(nodeID string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated[nodeID] = append(c.accumulated[nodeID], value)
}

// AccumulatedResults returns everything accumulated for a loop node
func (c *Context) AccumulatedResults(nodeID string) []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulated[nodeID]
}

// Credential returns decrypted credential material. The ref must have
// been validated during compilation for this execution's user; asking
// for anything else is a programmer error and panics.
func (c *Context) Credential(ref string) registry.Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	cr, ok := c.credentials[ref]
	if !ok {
		panic(&PermissionError{Ref: ref})
	}
	return cr
}

// Destroy zeroes credential material and drops all state. Called once,
// at the terminal transition.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, cr := range c.credentials {
		cr.Zero()
		delete(c.credentials, ref)
	}
	c.input = nil
	c.variables = nil
	c.outputs = nil
	c.loopCounts = nil
	c.items = nil
	c.cursors = nil
	c.accumulated = nil
}
