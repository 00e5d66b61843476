package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/kernel/cmd/kernel/condition"
	"github.com/lyzr/kernel/cmd/kernel/registry"
)

func conditionScope(in registry.ExecInput) condition.Scope {
	outputs := make(map[string]interface{}, len(in.Upstream))
	for id, data := range in.Upstream {
		outputs[id] = data
	}
	return condition.Scope{
		Input:   in.Input,
		Vars:    ctxVars(in),
		Outputs: outputs,
	}
}

// ctxVars snapshots execution variables for expression scopes. ContextOps
// has no bulk getter on purpose; expressions reach variables through the
// vars root which is resolved here.
func ctxVars(in registry.ExecInput) map[string]interface{} {
	type varSnapshotter interface {
		Variables() map[string]interface{}
	}
	if v, ok := in.Ctx.(varSnapshotter); ok {
		return v.Variables()
	}
	return nil
}

// If routes to "true" or "false" based on a CEL condition over the node
// input, execution variables and upstream outputs.
type If struct {
	Eval *condition.Evaluator
}

func (*If) Name() string { return "if" }

func (*If) Fields() []registry.Field {
	return []registry.Field{
		{Name: "condition", Type: registry.FieldCode, Required: true},
	}
}

func (*If) Credentials() []string { return nil }
func (*If) Outputs() []string { return []string{registry.HandleTrue, registry.HandleFalse} }

func (h *If) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	expr := stringField(in.Config, "condition", "")
	result, err := h.Eval.EvalBool(expr, conditionScope(in))
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("if: %v", err))
	}

	handle := registry.HandleFalse
	if result {
		handle = registry.HandleTrue
	}
	return registry.NodeResult{Data: in.Input, OutputHandle: handle}, nil
}

// Switch evaluates rules in order and routes on the first match. Each
// rule is {"when": <CEL expression>, "handle": <name>}; no match routes
// to the configured default handle.
type Switch struct {
	Eval *condition.Evaluator
}

func (*Switch) Name() string { return "switch" }

func (*Switch) Fields() []registry.Field {
	return []registry.Field{
		{Name: "rules", Type: registry.FieldJSON, Required: true},
		{Name: "default_handle", Type: registry.FieldString},
	}
}

func (*Switch) Credentials() []string { return nil }
func (*Switch) Outputs() []string { return []string{registry.HandleAny} }

func (h *Switch) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	rules := sliceField(in.Config, "rules")
	if rules == nil {
		return registry.NodeResult{}, dataError("switch: rules must be an array")
	}

	scope := conditionScope(in)
	for i, raw := range rules {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			return registry.NodeResult{}, dataError(fmt.Sprintf("switch: rule %d is not an object", i))
		}
		when := stringField(rule, "when", "")
		handle := stringField(rule, "handle", "")
		if when == "" || handle == "" {
			return registry.NodeResult{}, dataError(fmt.Sprintf("switch: rule %d needs when and handle", i))
		}

		matched, err := h.Eval.EvalBool(when, scope)
		if err != nil {
			return registry.NodeResult{}, dataError(fmt.Sprintf("switch: rule %d: %v", i, err))
		}
		if matched {
			return registry.NodeResult{Data: in.Input, OutputHandle: handle}, nil
		}
	}

	return registry.NodeResult{
		Data:         in.Input,
		OutputHandle: stringField(in.Config, "default_handle", registry.HandleDefault),
	}, nil
}
