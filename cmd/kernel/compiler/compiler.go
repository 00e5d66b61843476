package compiler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/plan"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// Options carry the kernel defaults the compiler falls back to when a
// workflow leaves a knob unset.
type Options struct {
	DefaultTimeout time.Duration
	DefaultRetries int
	SystemMaxLoops int
	StrictOrphans  bool
}

// Compiler turns workflow definitions into validated, handler-bound
// execution plans.
type Compiler struct {
	registry *registry.Registry
	opts     Options
}

// New creates a compiler bound to a handler registry
func New(reg *registry.Registry, opts Options) *Compiler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	if opts.SystemMaxLoops <= 0 {
		opts.SystemMaxLoops = 1000
	}
	return &Compiler{registry: reg, opts: opts}
}

// Compile validates a definition against the registered handlers and the
// set of credentials available to the owning user, and produces an
// execution plan. Validation passes run in a fixed order and fail fast;
// orphan and type findings are warnings unless strict mode upgrades them.
func (c *Compiler) Compile(def *workflow.Definition, creds []registry.Credential) (*plan.Plan, error) {
	if err := c.validateStructure(def); err != nil {
		return nil, err
	}

	sccs, err := c.detectCycles(def)
	if err != nil {
		return nil, err
	}

	entries := entryNodes(def)
	if len(entries) == 0 {
		return nil, &StructuralError{Reason: "no_entry: workflow has no entry nodes"}
	}

	orphans := unreachableNodes(def, entries)
	strict := c.opts.StrictOrphans || def.Settings.StrictOrphans
	if len(orphans) > 0 && strict {
		return nil, &OrphanError{Nodes: orphans}
	}

	if err := c.bindCredentials(def, creds); err != nil {
		return nil, err
	}

	if err := c.validateConfigs(def); err != nil {
		return nil, err
	}

	p := plan.New(plan.Meta{
		WorkflowID:      def.ID,
		UserID:          def.UserID,
		ErrorPolicy:     def.Settings.ErrorPolicy,
		MaxNestingDepth: def.Settings.MaxNestingDepth,
		Definition:      def.Raw,
	})

	for _, w := range orphans {
		p.Warnings = append(p.Warnings, plan.Warning{
			Kind:    plan.WarnOrphan,
			NodeID:  w,
			Message: "node is unreachable from the entry set",
		})
	}
	p.Warnings = append(p.Warnings, c.typeCompatWarnings(def)...)

	for i := range def.Nodes {
		n := &def.Nodes[i]
		h, _ := c.registry.Resolve(n.Type)
		p.AddNode(&plan.BoundNode{
			ID:             n.ID,
			Type:           n.Type,
			Config:         n.Data,
			CredentialRefs: n.Credentials,
			Handler:        h,
			Timeout:        c.effectiveTimeout(n, def),
			MaxRetries:     c.effectiveRetries(n, def),
			LoopCarrying:   c.registry.IsLoopCarrying(n.Type),
			MaxLoopCount:   c.effectiveMaxLoops(n),
			SecretFields:   secretFields(h),
		})
	}

	loopSCCs := make(map[string]bool)
	for _, scc := range sccs {
		if len(scc) < 2 && !selfLoop(def, scc) {
			continue
		}
		for _, id := range scc {
			loopSCCs[id] = true
			p.MarkLoopMember(id)
		}
	}

	for _, e := range def.Edges {
		kind := e.Kind
		// A back-edge into the loop-carrying node of its own SCC routes
		// as loop_body even when the editor omitted the kind.
		if kind == workflow.EdgeDefault && loopSCCs[e.Source] && loopSCCs[e.Target] &&
			c.registry.IsLoopCarrying(nodeType(def, e.Target)) {
			kind = workflow.EdgeLoopBody
		}
		p.AddEdge(plan.Edge{
			ID:     e.ID,
			Source: e.Source,
			Target: e.Target,
			Handle: e.SourceHandle,
			Kind:   kind,
		})
	}

	p.SetEntries(entries)
	p.SetOrder(topologicalOrder(def, sccs))

	return p, nil
}

// validateStructure checks node id uniqueness and edge endpoints
func (c *Compiler) validateStructure(def *workflow.Definition) error {
	if len(def.Nodes) == 0 {
		return &StructuralError{Reason: "no_entry: workflow has no nodes"}
	}

	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if n.ID == "" {
			return &StructuralError{Reason: "node with empty id"}
		}
		if seen[n.ID] {
			return &StructuralError{Reason: fmt.Sprintf("duplicate node id %q", n.ID)}
		}
		seen[n.ID] = true
	}

	for _, n := range def.Nodes {
		if _, ok := c.registry.Resolve(n.Type); !ok {
			return &UnknownNodeTypeError{NodeID: n.ID, Type: n.Type}
		}
	}

	for _, e := range def.Edges {
		if !seen[e.Source] {
			return &StructuralError{Reason: fmt.Sprintf("edge %s: unknown source node %q", e.ID, e.Source)}
		}
		if !seen[e.Target] {
			return &StructuralError{Reason: fmt.Sprintf("edge %s: unknown target node %q", e.ID, e.Target)}
		}
	}

	return nil
}

// detectCycles runs Tarjan's algorithm over the full edge set. An SCC of
// size > 1 (or a self-loop) is legal iff it contains at least one
// loop-carrying node; every other cycle is a CycleError.
func (c *Compiler) detectCycles(def *workflow.Definition) ([][]string, error) {
	sccs := stronglyConnected(def)

	for _, scc := range sccs {
		if len(scc) < 2 && !selfLoop(def, scc) {
			continue
		}

		carrying := false
		for _, id := range scc {
			if c.registry.IsLoopCarrying(nodeType(def, id)) {
				carrying = true
				break
			}
		}
		if !carrying {
			sorted := append([]string(nil), scc...)
			sort.Strings(sorted)
			return nil, &CycleError{Nodes: sorted}
		}
	}

	return sccs, nil
}

// bindCredentials checks that every credential ref resolves to a
// credential owned by the workflow owner with a type the handler declared.
func (c *Compiler) bindCredentials(def *workflow.Definition, creds []registry.Credential) error {
	byRef := make(map[string]registry.Credential, len(creds))
	for _, cr := range creds {
		byRef[cr.Ref] = cr
	}

	for _, n := range def.Nodes {
		h, _ := c.registry.Resolve(n.Type)
		declared := h.Credentials()

		for _, ref := range n.Credentials {
			cr, ok := byRef[ref]
			if !ok {
				return &CredentialError{NodeID: n.ID, Ref: ref, Reason: "not found"}
			}
			if cr.UserID != def.UserID {
				return &CredentialError{NodeID: n.ID, Ref: ref, Reason: "not owned by workflow owner"}
			}
			if !contains(declared, cr.Type) {
				return &CredentialError{
					NodeID: n.ID,
					Ref:    ref,
					Reason: fmt.Sprintf("type %q not declared by handler %q", cr.Type, n.Type),
				}
			}
		}
	}

	return nil
}

// validateConfigs checks each node's config against the handler's
// declared fields. Strings carrying template expressions are checked at
// resolve time instead.
func (c *Compiler) validateConfigs(def *workflow.Definition) error {
	for _, n := range def.Nodes {
		h, _ := c.registry.Resolve(n.Type)

		for _, f := range h.Fields() {
			val, present := n.Data[f.Name]
			if !present || val == nil {
				if f.Required {
					return &ConfigError{NodeID: n.ID, Field: f.Name, Reason: "required field missing"}
				}
				continue
			}

			if s, ok := val.(string); ok && strings.Contains(s, "{{") {
				continue
			}

			if err := checkFieldType(f, val); err != nil {
				return &ConfigError{NodeID: n.ID, Field: f.Name, Reason: err.Error()}
			}
		}
	}

	return nil
}

// typeCompatWarnings compares declared schemas across each edge. Both
// sides must be concrete; mismatches are soft findings.
func (c *Compiler) typeCompatWarnings(def *workflow.Definition) []plan.Warning {
	var warnings []plan.Warning

	for _, e := range def.Edges {
		src, _ := c.registry.Resolve(nodeType(def, e.Source))
		dst, _ := c.registry.Resolve(nodeType(def, e.Target))

		out, okOut := src.(registry.SchemaDeclarer)
		in, okIn := dst.(registry.SchemaDeclarer)
		if !okOut || !okIn {
			continue
		}

		outSchema := out.OutputSchema()
		for name, want := range in.InputSchema() {
			got, shared := outSchema[name]
			if shared && got != want {
				warnings = append(warnings, plan.Warning{
					Kind:   plan.WarnTypeMismatch,
					NodeID: e.Target,
					Message: fmt.Sprintf("field %q: upstream %s produces %s, handler expects %s",
						name, e.Source, got, want),
				})
			}
		}
	}

	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].NodeID != warnings[j].NodeID {
			return warnings[i].NodeID < warnings[j].NodeID
		}
		return warnings[i].Message < warnings[j].Message
	})
	return warnings
}

func (c *Compiler) effectiveTimeout(n *workflow.Node, def *workflow.Definition) time.Duration {
	if ms, ok := numberField(n.Data, "timeout_ms"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if def.Settings.DefaultTimeoutMS > 0 {
		return time.Duration(def.Settings.DefaultTimeoutMS) * time.Millisecond
	}
	return c.opts.DefaultTimeout
}

func (c *Compiler) effectiveRetries(n *workflow.Node, def *workflow.Definition) int {
	if r, ok := numberField(n.Data, "max_retries"); ok && r >= 0 {
		return int(r)
	}
	if def.Settings.MaxRetries > 0 {
		return def.Settings.MaxRetries
	}
	return c.opts.DefaultRetries
}

func (c *Compiler) effectiveMaxLoops(n *workflow.Node) int {
	max := c.opts.SystemMaxLoops
	if v, ok := numberField(n.Data, "max_loop_count"); ok && int(v) < max {
		max = int(v)
	}
	if max < 0 {
		max = 0
	}
	return max
}

// entryNodes returns nodes with no incoming edges, ignoring loop
// back-edges, in deterministic order.
func entryNodes(def *workflow.Definition) []string {
	hasIncoming := make(map[string]bool)
	for _, e := range def.Edges {
		if e.Kind == workflow.EdgeLoopBody {
			continue
		}
		hasIncoming[e.Target] = true
	}

	var entries []string
	for _, n := range def.Nodes {
		if !hasIncoming[n.ID] {
			entries = append(entries, n.ID)
		}
	}
	sort.Strings(entries)
	return entries
}

// unreachableNodes walks forward from the entry set
func unreachableNodes(def *workflow.Definition, entries []string) []string {
	adj := make(map[string][]string)
	for _, e := range def.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	reached := make(map[string]bool)
	stack := append([]string(nil), entries...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, adj[id]...)
	}

	var orphans []string
	for _, n := range def.Nodes {
		if !reached[n.ID] {
			orphans = append(orphans, n.ID)
		}
	}
	sort.Strings(orphans)
	return orphans
}

// topologicalOrder runs Kahn's algorithm over the loop-condensed graph:
// each loop SCC collapses to one vertex for ordering. Ties break on the
// smallest node id so the order is deterministic for identical inputs.
func topologicalOrder(def *workflow.Definition, sccs [][]string) []string {
	compOf := make(map[string]int)
	for i, scc := range sccs {
		for _, id := range scc {
			compOf[id] = i
		}
	}

	// Representative key per component: its smallest node id
	repr := make([]string, len(sccs))
	members := make([][]string, len(sccs))
	for i, scc := range sccs {
		sorted := append([]string(nil), scc...)
		sort.Strings(sorted)
		members[i] = sorted
		repr[i] = sorted[0]
	}

	indegree := make([]int, len(sccs))
	succ := make([]map[int]bool, len(sccs))
	for i := range succ {
		succ[i] = make(map[int]bool)
	}
	for _, e := range def.Edges {
		from, to := compOf[e.Source], compOf[e.Target]
		if from == to || succ[from][to] {
			continue
		}
		succ[from][to] = true
		indegree[to]++
	}

	var ready []int
	for i := range sccs {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return repr[ready[a]] < repr[ready[b]] })
		comp := ready[0]
		ready = ready[1:]

		order = append(order, members[comp]...)

		next := make([]int, 0, len(succ[comp]))
		for to := range succ[comp] {
			next = append(next, to)
		}
		sort.Ints(next)
		for _, to := range next {
			indegree[to]--
			if indegree[to] == 0 {
				ready = append(ready, to)
			}
		}
	}

	return order
}

// stronglyConnected is Tarjan's algorithm, iterative form
func stronglyConnected(def *workflow.Definition) [][]string {
	adj := make(map[string][]string)
	for _, e := range def.Edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}

	ids := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		ids = append(ids, n.ID)
	}
	sort.Strings(ids)

	index := make(map[string]int)
	lowlink := make(map[string]int)
	onStack := make(map[string]bool)
	var stack []string
	var sccs [][]string
	counter := 0

	type frame struct {
		node string
		next int
	}

	for _, root := range ids {
		if _, visited := index[root]; visited {
			continue
		}

		frames := []frame{{node: root}}
		index[root] = counter
		lowlink[root] = counter
		counter++
		stack = append(stack, root)
		onStack[root] = true

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			targets := adj[f.node]

			if f.next < len(targets) {
				child := targets[f.next]
				f.next++

				if _, visited := index[child]; !visited {
					index[child] = counter
					lowlink[child] = counter
					counter++
					stack = append(stack, child)
					onStack[child] = true
					frames = append(frames, frame{node: child})
				} else if onStack[child] {
					if index[child] < lowlink[f.node] {
						lowlink[f.node] = index[child]
					}
				}
				continue
			}

			if lowlink[f.node] == index[f.node] {
				var scc []string
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[top] = false
					scc = append(scc, top)
					if top == f.node {
						break
					}
				}
				sccs = append(sccs, scc)
			}

			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := frames[len(frames)-1].node
				if lowlink[f.node] < lowlink[parent] {
					lowlink[parent] = lowlink[f.node]
				}
			}
		}
	}

	return sccs
}

func checkFieldType(f registry.Field, val interface{}) error {
	switch f.Type {
	case registry.FieldString, registry.FieldCode, registry.FieldSecretRef:
		if _, ok := val.(string); !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
	case registry.FieldNumber:
		switch val.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("expected number, got %T", val)
		}
	case registry.FieldBoolean:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", val)
		}
	case registry.FieldSelect:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		if len(f.Options) > 0 && !contains(f.Options, s) {
			return fmt.Errorf("value %q not in %v", s, f.Options)
		}
	case registry.FieldJSON:
		// Any JSON value is acceptable
	}
	return nil
}

func secretFields(h registry.Handler) []string {
	var secret []string
	for _, f := range h.Fields() {
		if f.Secret || f.Type == registry.FieldSecretRef {
			secret = append(secret, f.Name)
		}
	}
	return secret
}

func nodeType(def *workflow.Definition, id string) string {
	if n, ok := def.NodeByID(id); ok {
		return n.Type
	}
	return ""
}

func selfLoop(def *workflow.Definition, scc []string) bool {
	if len(scc) != 1 {
		return false
	}
	for _, e := range def.Edges {
		if e.Source == scc[0] && e.Target == scc[0] {
			return true
		}
	}
	return false
}

func numberField(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
