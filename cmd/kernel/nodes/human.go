package nodes

import (
	"context"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/registry"
)

// HumanApproval parks the execution until a human approves or rejects.
// A response matching an approval option routes to "approved"; any
// other response routes to "rejected". An expired prompt surfaces as a
// timeout error, not a rejection.
type HumanApproval struct{}

func (*HumanApproval) Name() string { return "human_approval" }

func (*HumanApproval) Fields() []registry.Field {
	return []registry.Field{
		{Name: "message", Type: registry.FieldString, Required: true},
		{Name: "title", Type: registry.FieldString},
		{Name: "options", Type: registry.FieldJSON},
		{Name: "timeout_ms", Type: registry.FieldNumber},
		{Name: "kind", Type: registry.FieldSelect, Options: []string{
			string(registry.HITLApproval),
			string(registry.HITLClarification),
			string(registry.HITLErrorRecovery),
		}},
	}
}

func (*HumanApproval) Credentials() []string { return nil }

func (*HumanApproval) Outputs() []string {
	return []string{"approved", "rejected"}
}

// LongRunning exempts the wait from the node timeout; the prompt's own
// deadline bounds it.
func (*HumanApproval) LongRunning() bool { return true }

func (*HumanApproval) Execute(ctx context.Context, in registry.ExecInput) (registry.NodeResult, error) {
	options := stringSliceField(in.Config, "options")
	if len(options) == 0 {
		options = []string{"approve", "reject"}
	}

	prompt := registry.HumanPrompt{
		NodeID:  in.NodeID,
		Kind:    registry.HITLKind(stringField(in.Config, "kind", string(registry.HITLApproval))),
		Title:   stringField(in.Config, "title", ""),
		Message: stringField(in.Config, "message", ""),
		Options: options,
	}
	if ms := intField(in.Config, "timeout_ms", 0); ms > 0 {
		prompt.Timeout = time.Duration(ms) * time.Millisecond
	}

	response, err := in.Services.AskHuman(ctx, prompt)
	if err != nil {
		return registry.NodeResult{}, err
	}

	handle := "rejected"
	if approved(response) {
		handle = "approved"
	}

	data := make(map[string]interface{}, len(in.Input)+2)
	for k, v := range in.Input {
		data[k] = v
	}
	data["response"] = response
	data["approved"] = handle == "approved"
	return registry.NodeResult{Data: data, OutputHandle: handle}, nil
}

func approved(response interface{}) bool {
	s, ok := response.(string)
	if !ok {
		b, isBool := response.(bool)
		return isBool && b
	}
	switch s {
	case "approve", "approved", "yes", "ok", "accept":
		return true
	}
	return false
}
