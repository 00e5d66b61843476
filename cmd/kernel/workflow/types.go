package workflow

import "encoding/json"

// EdgeKind classifies how an edge participates in routing
type EdgeKind string

const (
	EdgeDefault     EdgeKind = "default"
	EdgeConditional EdgeKind = "conditional"
	EdgeLoopBody    EdgeKind = "loop_body"
	EdgeLoopDone    EdgeKind = "loop_done"
)

// ErrorPolicy governs what happens when a node exhausts its retries
type ErrorPolicy string

const (
	ErrorPolicyFailFast ErrorPolicy = "fail_fast"
	ErrorPolicyContinue ErrorPolicy = "continue"
)

// Node is one typed node of a workflow definition. Data holds the
// per-type config; its shape is validated against the handler's declared
// fields at compile time.
type Node struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Credentials []string               `json:"credentials,omitempty"`
}

// Edge connects two nodes. SourceHandle disambiguates multiple outgoing
// edges from the same node; empty means the default handle.
type Edge struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	SourceHandle string   `json:"sourceHandle,omitempty"`
	Kind         EdgeKind `json:"type,omitempty"`
}

// Settings are the per-workflow execution knobs. Zero values mean
// "unset"; the compiler falls back to kernel defaults.
type Settings struct {
	DefaultTimeoutMS int         `json:"default_timeout_ms,omitempty"`
	MaxRetries       int         `json:"max_retries,omitempty"`
	ErrorPolicy      ErrorPolicy `json:"error_policy,omitempty"`
	MaxNestingDepth  int         `json:"max_nesting_depth,omitempty"`
	StrictOrphans    bool        `json:"strict_orphans,omitempty"`
}

// Definition is a parsed workflow. Immutable for the duration of any
// execution referring to it.
type Definition struct {
	ID       string   `json:"id"`
	UserID   string   `json:"user_id"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Settings Settings `json:"workflow_settings"`

	// Raw preserves the original JSON for subworkflow re-parse and
	// storage appends.
	Raw json.RawMessage `json:"-"`
}

// NodeByID returns the node with the given id, if present
func (d *Definition) NodeByID(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}
