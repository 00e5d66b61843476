package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// Set applies an RFC 7386 merge patch to the node input: configured
// values overwrite matching keys, nulls delete them.
type Set struct{}

func (*Set) Name() string { return "set" }

func (*Set) Fields() []registry.Field {
	return []registry.Field{
		{Name: "values", Type: registry.FieldJSON, Required: true},
	}
}

func (*Set) Credentials() []string { return nil }
func (*Set) Outputs() []string { return []string{registry.HandleDefault} }

func (*Set) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	values := mapField(in.Config, "values")
	if values == nil {
		return registry.NodeResult{}, dataError("set: values must be an object")
	}

	base, err := json.Marshal(in.Input)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("set: encode input: %v", err))
	}
	patch, err := json.Marshal(values)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("set: encode values: %v", err))
	}

	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("set: merge patch: %v", err))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(merged, &out); err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("set: decode result: %v", err))
	}
	return registry.NodeResult{Data: out}, nil
}

// Transform applies an RFC 6902 JSON patch to the node input
type Transform struct{}

func (*Transform) Name() string { return "transform" }

func (*Transform) Fields() []registry.Field {
	return []registry.Field{
		{Name: "operations", Type: registry.FieldJSON, Required: true},
	}
}

func (*Transform) Credentials() []string { return nil }
func (*Transform) Outputs() []string { return []string{registry.HandleDefault} }

func (*Transform) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	ops := sliceField(in.Config, "operations")
	if ops == nil {
		return registry.NodeResult{}, dataError("transform: operations must be an array")
	}

	raw, err := json.Marshal(ops)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("transform: encode operations: %v", err))
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("transform: invalid patch: %v", err))
	}

	doc, err := json.Marshal(in.Input)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("transform: encode input: %v", err))
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("transform: apply patch: %v", err))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(patched, &out); err != nil {
		return registry.NodeResult{}, dataError(fmt.Sprintf("transform: decode result: %v", err))
	}
	return registry.NodeResult{Data: out}, nil
}

// Merge combines the outputs of its direct predecessors. Mode
// "overwrite" (default) uses the merged input view, where later node ids
// win; "concat" collects each predecessor's output as a list entry.
type Merge struct{}

func (*Merge) Name() string { return "merge" }

func (*Merge) Fields() []registry.Field {
	return []registry.Field{
		{Name: "mode", Type: registry.FieldSelect, Options: []string{"overwrite", "concat"}},
	}
}

func (*Merge) Credentials() []string { return nil }
func (*Merge) Outputs() []string { return []string{registry.HandleDefault} }

func (*Merge) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	mode := stringField(in.Config, "mode", "overwrite")
	switch mode {
	case "overwrite":
		return registry.NodeResult{Data: in.Input}, nil

	case "concat":
		ids := make([]string, 0, len(in.Upstream))
		for id := range in.Upstream {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		merged := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			merged = append(merged, in.Upstream[id])
		}
		return registry.NodeResult{Data: map[string]interface{}{"merged": merged}}, nil

	default:
		return registry.NodeResult{}, dataError(fmt.Sprintf("merge: unknown mode %q", mode))
	}
}
