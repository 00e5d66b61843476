package nodes

import (
	"context"
	"fmt"

	"github.com/lyzr/kernel/cmd/kernel/condition"
	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// Loop iterates over a list, emitting one item per iteration on the
// "loop" handle. The body's output returns over a loop_body edge and is
// accumulated; when items run out, or break_condition holds over the
// body's output, the accumulated results publish on "done".
type Loop struct {
	Eval *condition.Evaluator
}

func (*Loop) Name() string { return "loop" }

func (*Loop) Fields() []registry.Field {
	return []registry.Field{
		{Name: "items", Type: registry.FieldJSON},
		{Name: "max_loop_count", Type: registry.FieldNumber},
		{Name: "break_condition", Type: registry.FieldCode},
	}
}

func (*Loop) Credentials() []string { return nil }
func (*Loop) Outputs() []string { return []string{registry.HandleLoop, registry.HandleDone} }
func (*Loop) LoopCarrying() bool { return true }

func (h *Loop) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	iteration := in.Ctx.IncrementLoop(in.NodeID)

	broke := false
	if iteration == 1 {
		items := sliceField(in.Config, "items")
		if items == nil {
			items = asSlice(in.Input["items"])
		}
		if items == nil {
			return registry.NodeResult{}, dataError("loop: no items in config or input")
		}
		in.Ctx.SetItems(in.NodeID, items)
	} else {
		// Re-entry from the body: the merged input carries the body's
		// output over the back-edge.
		in.Ctx.AccumulateResult(in.NodeID, in.Input)

		if expr := stringField(in.Config, "break_condition", ""); expr != "" {
			b, err := h.Eval.EvalBool(expr, conditionScope(in))
			if err != nil {
				return registry.NodeResult{}, dataError(fmt.Sprintf("loop: break_condition: %v", err))
			}
			broke = b
		}
	}

	// max_loop_count of zero is a valid cap: the loop publishes done
	// without ever entering the body.
	items := in.Ctx.Items(in.NodeID)
	limit := len(items)
	if max, ok := optionalIntField(in.Config, "max_loop_count"); ok && max < limit {
		limit = max
	}

	if !broke && iteration <= limit {
		return registry.NodeResult{
			Data: map[string]interface{}{
				"item":  items[iteration-1],
				"index": iteration - 1,
				"total": limit,
			},
			OutputHandle: registry.HandleLoop,
		}, nil
	}

	results := in.Ctx.AccumulatedResults(in.NodeID)
	return registry.NodeResult{
		Data: map[string]interface{}{
			"results": results,
			"count":   len(results),
		},
		OutputHandle: registry.HandleDone,
	}, nil
}

// SplitInBatches iterates over a list in fixed-size chunks, emitting one
// batch per iteration on "loop" and the accumulated body results on
// "done".
type SplitInBatches struct{}

func (*SplitInBatches) Name() string { return "split_in_batches" }

func (*SplitInBatches) Fields() []registry.Field {
	return []registry.Field{
		{Name: "batch_size", Type: registry.FieldNumber, Required: true},
		{Name: "items", Type: registry.FieldJSON},
	}
}

func (*SplitInBatches) Credentials() []string { return nil }
func (*SplitInBatches) Outputs() []string { return []string{registry.HandleLoop, registry.HandleDone} }
func (*SplitInBatches) LoopCarrying() bool { return true }

func (*SplitInBatches) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	size := intField(in.Config, "batch_size", 0)
	if size <= 0 {
		return registry.NodeResult{}, dataError(fmt.Sprintf("split_in_batches: batch_size must be positive, got %d", size))
	}

	cursor := in.Ctx.BatchCursor(in.NodeID)
	if cursor == 0 {
		items := sliceField(in.Config, "items")
		if items == nil {
			items = asSlice(in.Input["items"])
		}
		if items == nil {
			return registry.NodeResult{}, dataError("split_in_batches: no items in config or input")
		}
		in.Ctx.SetItems(in.NodeID, items)
	} else {
		in.Ctx.AccumulateResult(in.NodeID, in.Input)
	}

	items := in.Ctx.Items(in.NodeID)
	if cursor < len(items) {
		end := cursor + size
		if end > len(items) {
			end = len(items)
		}
		in.Ctx.SetBatchCursor(in.NodeID, end)
		return registry.NodeResult{
			Data: map[string]interface{}{
				"batch":  items[cursor:end],
				"offset": cursor,
				"total":  len(items),
			},
			OutputHandle: registry.HandleLoop,
		}, nil
	}

	results := in.Ctx.AccumulatedResults(in.NodeID)
	return registry.NodeResult{
		Data: map[string]interface{}{
			"results": results,
			"count":   len(results),
		},
		OutputHandle: registry.HandleDone,
	}, nil
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}
