package events

import (
	"context"
	"strings"
	"testing"
)

func TestMemorySink_FiltersByExecution(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	chE1, cancel1 := s.Subscribe("e1")
	defer cancel1()
	chAll, cancelAll := s.Subscribe("")
	defer cancelAll()

	_ = s.Publish(ctx, Event{ExecutionID: "e1", Type: NodeStarted, Sequence: 1})
	_ = s.Publish(ctx, Event{ExecutionID: "e2", Type: NodeStarted, Sequence: 1})

	ev := <-chE1
	if ev.ExecutionID != "e1" {
		t.Errorf("filtered subscriber got %s", ev.ExecutionID)
	}
	select {
	case ev := <-chE1:
		t.Errorf("filtered subscriber must not see e2, got %v", ev)
	default:
	}

	if ev := <-chAll; ev.ExecutionID != "e1" {
		t.Errorf("wildcard subscriber missed e1, got %s", ev.ExecutionID)
	}
	if ev := <-chAll; ev.ExecutionID != "e2" {
		t.Errorf("wildcard subscriber missed e2, got %s", ev.ExecutionID)
	}
}

func TestMemorySink_OrderWithinExecution(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	ch, cancel := s.Subscribe("e1")
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		_ = s.Publish(ctx, Event{ExecutionID: "e1", Sequence: i})
	}

	for i := int64(1); i <= 5; i++ {
		ev := <-ch
		if ev.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, ev.Sequence)
		}
	}
}

func TestMemorySink_DropsWhenFull(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	_, cancel := s.Subscribe("e1")
	defer cancel()

	// Publishing past the buffer must never block
	for i := 0; i < subscriberBuffer*2; i++ {
		if err := s.Publish(ctx, Event{ExecutionID: "e1", Sequence: int64(i)}); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
}

func TestMemorySink_CancelClosesChannel(t *testing.T) {
	s := NewMemorySink()

	ch, cancel := s.Subscribe("e1")
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Error("expected closed channel after cancel")
	}
}

func TestTruncatedOutput(t *testing.T) {
	small := map[string]interface{}{"status": "active"}
	if got := TruncatedOutput(small); !sameMap(got, small) {
		t.Errorf("small output must pass through, got %v", got)
	}

	big := map[string]interface{}{"blob": strings.Repeat("x", maxOutputBytes*2)}
	got, ok := TruncatedOutput(big).(map[string]interface{})
	if !ok || got["truncated"] != true {
		t.Fatalf("expected truncated marker, got %v", got)
	}
	preview, _ := got["preview"].(string)
	if len(preview) != maxOutputBytes {
		t.Errorf("expected preview of %d bytes, got %d", maxOutputBytes, len(preview))
	}
}

func sameMap(got interface{}, want map[string]interface{}) bool {
	m, ok := got.(map[string]interface{})
	if !ok || len(m) != len(want) {
		return false
	}
	for k, v := range want {
		if m[k] != v {
			return false
		}
	}
	return true
}
