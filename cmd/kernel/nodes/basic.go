package nodes

import (
	"context"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// Trigger is the conventional entry node: it publishes the execution
// input unchanged.
type Trigger struct{}

func (*Trigger) Name() string { return "trigger" }
func (*Trigger) Fields() []registry.Field { return nil }
func (*Trigger) Credentials() []string { return nil }
func (*Trigger) Outputs() []string { return []string{registry.HandleDefault} }

func (*Trigger) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	return registry.NodeResult{Data: in.Input}, nil
}

// Noop passes its input through untouched
type Noop struct{}

func (*Noop) Name() string { return "noop" }
func (*Noop) Fields() []registry.Field { return nil }
func (*Noop) Credentials() []string { return nil }
func (*Noop) Outputs() []string { return []string{registry.HandleDefault} }

func (*Noop) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	return registry.NodeResult{Data: in.Input}, nil
}

// Delay waits for a configured duration, then passes its input through.
// The wait respects cancellation and the node timeout.
type Delay struct{}

func (*Delay) Name() string { return "delay" }

func (*Delay) Fields() []registry.Field {
	return []registry.Field{
		{Name: "duration_ms", Type: registry.FieldNumber, Required: true},
	}
}

func (*Delay) Credentials() []string { return nil }
func (*Delay) Outputs() []string { return []string{registry.HandleDefault} }

func (*Delay) Execute(ctx context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	ms := intField(in.Config, "duration_ms", 0)
	if ms <= 0 {
		return registry.NodeResult{Data: in.Input}, nil
	}

	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return registry.NodeResult{}, ctx.Err()
	case <-t.C:
		return registry.NodeResult{Data: in.Input}, nil
	}
}

// Fail always fails with the configured message. Used to make a branch
// an explicit dead end, mostly in tests of error policies.
type Fail struct{}

func (*Fail) Name() string { return "fail" }

func (*Fail) Fields() []registry.Field {
	return []registry.Field{
		{Name: "message", Type: registry.FieldString},
		{Name: "kind", Type: registry.FieldSelect, Options: []string{
			string(registry.ErrKindHandler),
			string(registry.ErrKindTemplate),
			string(registry.ErrKindPermission),
		}},
	}
}

func (*Fail) Credentials() []string { return nil }
func (*Fail) Outputs() []string { return []string{registry.HandleDefault} }

func (*Fail) Execute(_ context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	msg := stringField(in.Config, "message", "fail node reached")
	kind := registry.ErrorKind(stringField(in.Config, "kind", string(registry.ErrKindHandler)))
	return registry.NodeResult{}, &registry.NodeError{Kind: kind, Message: msg}
}
