package plan

import (
	"testing"

	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

func buildDiamond() *Plan {
	// a -> b (true), a -> c (false), b -> d, c -> d
	p := New(Meta{WorkflowID: "wf", UserID: "u"})
	for _, id := range []string{"a", "b", "c", "d"} {
		p.AddNode(&BoundNode{ID: id, Type: "noop"})
	}
	p.AddEdge(Edge{ID: "e1", Source: "a", Target: "b", Handle: "true", Kind: workflow.EdgeConditional})
	p.AddEdge(Edge{ID: "e2", Source: "a", Target: "c", Handle: "false", Kind: workflow.EdgeConditional})
	p.AddEdge(Edge{ID: "e3", Source: "b", Target: "d"})
	p.AddEdge(Edge{ID: "e4", Source: "c", Target: "d"})
	p.SetEntries([]string{"a"})
	p.SetOrder([]string{"a", "b", "c", "d"})
	return p
}

func TestPlan_NextByHandle(t *testing.T) {
	p := buildDiamond()

	next := p.Next("a", "true")
	if len(next) != 1 || next[0].Target != "b" {
		t.Fatalf("expected a--true-->b, got %v", next)
	}

	next = p.Next("a", "false")
	if len(next) != 1 || next[0].Target != "c" {
		t.Fatalf("expected a--false-->c, got %v", next)
	}

	if got := p.Next("a", "default"); len(got) != 0 {
		t.Errorf("expected no default edges from a, got %v", got)
	}
}

func TestPlan_EmptyHandleNormalizesToDefault(t *testing.T) {
	p := buildDiamond()

	// e3 was added with no handle; both spellings must resolve it
	if got := p.Next("b", ""); len(got) != 1 || got[0].Target != "d" {
		t.Errorf("empty handle lookup failed: %v", got)
	}
	if got := p.Next("b", "default"); len(got) != 1 || got[0].Target != "d" {
		t.Errorf("default handle lookup failed: %v", got)
	}
}

func TestPlan_NonLoopPredecessorsIgnoreBackEdges(t *testing.T) {
	// loop --loop--> body, body --(loop_body back-edge)--> loop
	p := New(Meta{})
	p.AddNode(&BoundNode{ID: "loop", Type: "loop", LoopCarrying: true})
	p.AddNode(&BoundNode{ID: "body", Type: "noop"})
	p.AddNode(&BoundNode{ID: "after", Type: "noop"})
	p.AddEdge(Edge{ID: "e1", Source: "loop", Target: "body", Handle: "loop"})
	p.AddEdge(Edge{ID: "e2", Source: "body", Target: "loop", Kind: workflow.EdgeLoopBody})
	p.AddEdge(Edge{ID: "e3", Source: "loop", Target: "after", Handle: "done"})

	preds := p.NonLoopPredecessors("loop")
	if len(preds) != 0 {
		t.Errorf("back-edge must not block the loop node, got preds %v", preds)
	}

	preds = p.NonLoopPredecessors("body")
	if len(preds) != 1 || preds[0] != "loop" {
		t.Errorf("expected body to wait on loop, got %v", preds)
	}
}

func TestPlan_TerminalNodesSorted(t *testing.T) {
	p := New(Meta{})
	for _, id := range []string{"z_end", "a_end", "mid"} {
		p.AddNode(&BoundNode{ID: id, Type: "noop"})
	}
	p.AddEdge(Edge{ID: "e1", Source: "mid", Target: "z_end"})
	p.AddEdge(Edge{ID: "e2", Source: "mid", Target: "a_end"})

	terminals := p.TerminalNodes()
	if len(terminals) != 2 || terminals[0] != "a_end" || terminals[1] != "z_end" {
		t.Errorf("expected sorted terminals [a_end z_end], got %v", terminals)
	}
}

func TestPlan_HasDownstream(t *testing.T) {
	p := buildDiamond()

	if !p.HasDownstream("a", "true") {
		t.Error("expected downstream on a/true")
	}
	if p.HasDownstream("a", "error") {
		t.Error("expected no downstream on a/error")
	}
	if p.HasDownstream("d", "default") {
		t.Error("expected terminal d to have no downstream")
	}
}

func TestPlan_DedupNonLoopPredecessors(t *testing.T) {
	p := New(Meta{})
	p.AddNode(&BoundNode{ID: "src", Type: "if"})
	p.AddNode(&BoundNode{ID: "dst", Type: "noop"})
	// Two handles from the same source into the same target
	p.AddEdge(Edge{ID: "e1", Source: "src", Target: "dst", Handle: "true"})
	p.AddEdge(Edge{ID: "e2", Source: "src", Target: "dst", Handle: "false"})

	preds := p.NonLoopPredecessors("dst")
	if len(preds) != 1 || preds[0] != "src" {
		t.Errorf("expected deduped predecessor [src], got %v", preds)
	}
}
