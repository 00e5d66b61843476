package compiler

import (
	"fmt"
	"strings"
)

// CompilationError is implemented by every error the compiler can
// surface. All of them are reported synchronously, before an execution
// starts.
type CompilationError interface {
	error
	compilationError()
}

// StructuralError reports a definition whose shape is broken: dangling
// edge endpoints, duplicate node ids, or an empty entry set.
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error: %s", e.Reason)
}

func (e *StructuralError) compilationError() {}

// UnknownNodeTypeError reports a node whose type tag has no registered
// handler.
type UnknownNodeTypeError struct {
	NodeID string
	Type   string
}

func (e *UnknownNodeTypeError) Error() string {
	return fmt.Sprintf("node %s: unknown node type %q", e.NodeID, e.Type)
}

func (e *UnknownNodeTypeError) compilationError() {}

// CycleError reports a cycle that contains no loop-carrying node
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle without a loop-carrying node: %s", strings.Join(e.Nodes, " -> "))
}

func (e *CycleError) compilationError() {}

// OrphanError reports nodes unreachable from the entry set when the
// workflow demands strict validation. Without strict mode the same
// finding is a warning on the plan.
type OrphanError struct {
	Nodes []string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("unreachable nodes: %s", strings.Join(e.Nodes, ", "))
}

func (e *OrphanError) compilationError() {}

// CredentialError reports a credential reference that does not resolve
// to a credential owned by the invoking user, or whose type the handler
// did not declare.
type CredentialError struct {
	NodeID string
	Ref    string
	Reason string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("node %s: credential %q: %s", e.NodeID, e.Ref, e.Reason)
}

func (e *CredentialError) compilationError() {}

// ConfigError reports a node config that does not satisfy the handler's
// declared fields.
type ConfigError struct {
	NodeID string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %s: config field %q: %s", e.NodeID, e.Field, e.Reason)
}

func (e *ConfigError) compilationError() {}
