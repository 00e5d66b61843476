// Package nodes holds the built-in node handlers the kernel registers at
// startup. Each handler is stateless; per-execution state lives in the
// execution context passed through ExecInput.
package nodes

import (
	"net/http"

	"github.com/lyzr/kernel/cmd/kernel/condition"
	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// RegisterBuiltins registers every built-in handler
func RegisterBuiltins(reg *registry.Registry, eval *condition.Evaluator) error {
	handlers := []registry.Handler{
		&Trigger{},
		&Noop{},
		&Set{},
		&Transform{},
		&Merge{},
		&If{Eval: eval},
		&Switch{Eval: eval},
		&Loop{Eval: eval},
		&SplitInBatches{},
		&Delay{},
		&Fail{},
		&HumanApproval{},
		&Subworkflow{},
		&HTTPRequest{Client: http.DefaultClient},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// Config accessors. Node configs arrive as decoded JSON, so numbers are
// float64 unless a template substituted a typed value.

func stringField(cfg map[string]interface{}, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intField(cfg map[string]interface{}, key string, fallback int) int {
	if v, ok := optionalIntField(cfg, key); ok {
		return v
	}
	return fallback
}

func optionalIntField(cfg map[string]interface{}, key string) (int, bool) {
	switch v := cfg[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func sliceField(cfg map[string]interface{}, key string) []interface{} {
	v, _ := cfg[key].([]interface{})
	return v
}

func mapField(cfg map[string]interface{}, key string) map[string]interface{} {
	v, _ := cfg[key].(map[string]interface{})
	return v
}

func stringSliceField(cfg map[string]interface{}, key string) []string {
	var out []string
	for _, v := range sliceField(cfg, key) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// dataError is a deterministic handler failure; retrying cannot help
func dataError(msg string) *registry.NodeError {
	return &registry.NodeError{Kind: registry.ErrKindHandler, Message: msg}
}
