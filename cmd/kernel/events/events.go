package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Type names one lifecycle event kind
type Type string

const (
	ExecutionCreated   Type = "execution_created"
	StateChanged       Type = "state_changed"
	NodeStarted        Type = "node_started"
	NodeCompleted      Type = "node_completed"
	NodeFailed         Type = "node_failed"
	HITLRequested      Type = "hitl_requested"
	HITLResolved       Type = "hitl_resolved"
	ExecutionCompleted Type = "execution_completed"
	ExecutionFailed    Type = "execution_failed"
)

// Event is the envelope emitted at every execution lifecycle point.
// Within one execution, sequence numbers are strictly increasing and
// events are published in program order. Delivery is best-effort:
// consumers must tolerate drops.
type Event struct {
	EventID     string                 `json:"event_id"`
	ExecutionID string                 `json:"execution_id"`
	UserID      string                 `json:"user_id"`
	Type        Type                   `json:"type"`
	Sequence    int64                  `json:"sequence"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Sink receives lifecycle events. Publish errors are logged by the
// supervisor and never fail an execution.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// MultiSink publishes to every sink, collecting errors
type MultiSink []Sink

// Publish fans the event out. One failing sink does not stop the others.
func (m MultiSink) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// maxOutputBytes caps the payload carried on node_completed events
const maxOutputBytes = 2048

// TruncatedOutput returns the node output for event emission: the data
// itself when it serializes under the cap, otherwise a JSON preview cut
// at the cap.
func TruncatedOutput(data map[string]interface{}) interface{} {
	if len(data) == 0 {
		return data
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return map[string]interface{}{"truncated": true}
	}
	if len(raw) <= maxOutputBytes {
		return data
	}

	return map[string]interface{}{
		"truncated": true,
		"preview":   string(raw[:maxOutputBytes]),
	}
}
