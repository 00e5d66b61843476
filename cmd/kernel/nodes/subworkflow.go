package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// Subworkflow runs a child workflow to a terminal state and publishes
// its mapped output. The child may come from storage by id or be
// embedded inline in the node config.
type Subworkflow struct{}

func (*Subworkflow) Name() string { return "subworkflow" }

func (*Subworkflow) Fields() []registry.Field {
	return []registry.Field{
		{Name: "workflow_id", Type: registry.FieldString},
		{Name: "definition", Type: registry.FieldJSON},
		{Name: "input_mapping", Type: registry.FieldJSON},
		{Name: "output_mapping", Type: registry.FieldJSON},
	}
}

func (*Subworkflow) Credentials() []string { return nil }
func (*Subworkflow) Outputs() []string { return []string{registry.HandleDefault} }

// LongRunning exempts the child run from the parent node's timeout; the
// child's own node timeouts bound it.
func (*Subworkflow) LongRunning() bool { return true }

func (*Subworkflow) Execute(ctx context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	req := registry.SubworkflowRequest{
		WorkflowID: stringField(in.Config, "workflow_id", ""),
	}
	if def := mapField(in.Config, "definition"); def != nil {
		raw, err := json.Marshal(def)
		if err != nil {
			return registry.NodeResult{}, dataError(fmt.Sprintf("subworkflow: encode definition: %v", err))
		}
		req.Definition = raw
	}
	if req.WorkflowID == "" && req.Definition == nil {
		return registry.NodeResult{}, dataError("subworkflow: workflow_id or definition required")
	}

	req.Input = applyMapping(in.Input, mapField(in.Config, "input_mapping"))

	childOutput, err := in.Services.ExecuteSubworkflow(ctx, req)
	if err != nil {
		return registry.NodeResult{}, err
	}

	return registry.NodeResult{
		Data: applyMapping(childOutput, mapField(in.Config, "output_mapping")),
	}, nil
}

// applyMapping projects source through {target_key: source_path}. A nil
// or empty mapping passes the source through unchanged. Paths use gjson
// syntax against the source document.
func applyMapping(source map[string]interface{}, mapping map[string]interface{}) map[string]interface{} {
	if len(mapping) == 0 {
		return source
	}

	doc, err := json.Marshal(source)
	if err != nil {
		return source
	}

	out := make(map[string]interface{}, len(mapping))
	for key, pathVal := range mapping {
		path, ok := pathVal.(string)
		if !ok {
			continue
		}
		if res := gjson.GetBytes(doc, path); res.Exists() {
			out[key] = res.Value()
		}
	}
	return out
}
