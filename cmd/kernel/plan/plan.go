package plan

import (
	"sort"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// BoundNode is one node of a compiled plan with its handler binding and
// effective execution policy resolved.
type BoundNode struct {
	ID             string
	Type           string
	Config         map[string]interface{}
	CredentialRefs []string
	Handler        registry.Handler

	// Timeout bounds a single handler attempt
	Timeout time.Duration
	// MaxRetries is how many times a failed attempt is retried
	MaxRetries int

	// LoopCarrying nodes may legally close a cycle
	LoopCarrying bool
	// MaxLoopCount caps iterations for loop-carrying nodes, already
	// clamped to the system ceiling at compile time
	MaxLoopCount int

	// SecretFields names config fields that must be redacted from
	// events and logs
	SecretFields []string
}

// Edge is a compiled routing edge with its handle normalized
type Edge struct {
	ID     string
	Source string
	Target string
	Handle string
	Kind   workflow.EdgeKind
}

// WarningKind classifies non-fatal compile findings
type WarningKind string

const (
	WarnOrphan       WarningKind = "orphan"
	WarnTypeMismatch WarningKind = "type_mismatch"
)

// Warning is a non-fatal compile finding surfaced alongside the plan
type Warning struct {
	Kind    WarningKind
	NodeID  string
	Message string
}

// Meta identifies the workflow a plan was compiled from and its
// execution policy.
type Meta struct {
	WorkflowID      string
	UserID          string
	ErrorPolicy     workflow.ErrorPolicy
	MaxNestingDepth int
	Definition      []byte
}

// Plan is a validated, handler-bound workflow ready for the graph
// runner. Adjacency is indexed by (source node, handle) so routing after
// a node finishes is O(outgoing edges).
type Plan struct {
	Meta Meta

	Nodes    map[string]*BoundNode
	Warnings []Warning

	order       []string
	entries     []string
	outgoing    map[string]map[string][]Edge
	incoming    map[string][]Edge
	loopMembers map[string]bool
}

// New creates an empty plan for the given workflow
func New(meta Meta) *Plan {
	return &Plan{
		Meta:        meta,
		Nodes:       make(map[string]*BoundNode),
		outgoing:    make(map[string]map[string][]Edge),
		incoming:    make(map[string][]Edge),
		loopMembers: make(map[string]bool),
	}
}

// AddNode registers a bound node
func (p *Plan) AddNode(n *BoundNode) {
	p.Nodes[n.ID] = n
}

// AddEdge indexes a routing edge. Empty handles normalize to "default".
func (p *Plan) AddEdge(e Edge) {
	if e.Handle == "" {
		e.Handle = registry.HandleDefault
	}

	byHandle, ok := p.outgoing[e.Source]
	if !ok {
		byHandle = make(map[string][]Edge)
		p.outgoing[e.Source] = byHandle
	}
	byHandle[e.Handle] = append(byHandle[e.Handle], e)
	p.incoming[e.Target] = append(p.incoming[e.Target], e)
}

// SetOrder records the deterministic topological order
func (p *Plan) SetOrder(order []string) {
	p.order = order
}

// SetEntries records the entry set in deterministic order
func (p *Plan) SetEntries(entries []string) {
	p.entries = entries
}

// MarkLoopMember flags a node as part of a loop SCC
func (p *Plan) MarkLoopMember(id string) {
	p.loopMembers[id] = true
}

// Node returns the bound node for an id
func (p *Plan) Node(id string) (*BoundNode, bool) {
	n, ok := p.Nodes[id]
	return n, ok
}

// Order returns the topological order over the loop-condensed graph
func (p *Plan) Order() []string {
	return p.order
}

// Entries returns nodes with no incoming edges, in deterministic order
func (p *Plan) Entries() []string {
	return p.entries
}

// Next returns the edges that fire when source publishes handle
func (p *Plan) Next(source, handle string) []Edge {
	if handle == "" {
		handle = registry.HandleDefault
	}
	return p.outgoing[source][handle]
}

// HasDownstream reports whether source has at least one edge on handle
func (p *Plan) HasDownstream(source, handle string) bool {
	return len(p.Next(source, handle)) > 0
}

// Outgoing returns every outgoing edge of source across all handles
func (p *Plan) Outgoing(source string) []Edge {
	var all []Edge
	for _, edges := range p.outgoing[source] {
		all = append(all, edges...)
	}
	return all
}

// Incoming returns every incoming edge of target
func (p *Plan) Incoming(target string) []Edge {
	return p.incoming[target]
}

// NonLoopPredecessors returns the ids of nodes that must settle before
// target becomes ready. Back-edges (loop_body) never block readiness.
func (p *Plan) NonLoopPredecessors(target string) []string {
	seen := make(map[string]bool)
	var preds []string
	for _, e := range p.incoming[target] {
		if e.Kind == workflow.EdgeLoopBody {
			continue
		}
		if !seen[e.Source] {
			seen[e.Source] = true
			preds = append(preds, e.Source)
		}
	}
	sort.Strings(preds)
	return preds
}

// IsLoopMember reports whether a node sits inside a loop SCC
func (p *Plan) IsLoopMember(id string) bool {
	return p.loopMembers[id]
}

// TerminalNodes returns nodes with no outgoing edges, sorted by id.
// Their outputs merge into the execution output.
func (p *Plan) TerminalNodes() []string {
	var terminals []string
	for id := range p.Nodes {
		if len(p.outgoing[id]) == 0 {
			terminals = append(terminals, id)
		}
	}
	sort.Strings(terminals)
	return terminals
}

// Size returns the number of nodes in the plan
func (p *Plan) Size() int {
	return len(p.Nodes)
}
