package king

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/kernel/cmd/kernel/compiler"
	"github.com/lyzr/kernel/cmd/kernel/condition"
	"github.com/lyzr/kernel/cmd/kernel/events"
	"github.com/lyzr/kernel/cmd/kernel/nodes"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
	"github.com/lyzr/kernel/common/cache"
	"github.com/lyzr/kernel/common/config"
	"github.com/lyzr/kernel/common/logger"
)

const testUser = "user-1"

var owner = Caller{UserID: testUser}

func testConfig() config.KernelConfig {
	return config.KernelConfig{
		DefaultTimeout:  2 * time.Second,
		SystemMaxLoops:  50,
		HITLTimeout:     2 * time.Second,
		GraceWindow:     100 * time.Millisecond,
		MaxNestingDepth: 3,
		ExecutionTTL:    time.Minute,
	}
}

func newTestKing(t *testing.T, cfg config.KernelConfig) (*King, *storage.Memory) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, nodes.RegisterBuiltins(reg, condition.NewEvaluator()))

	comp := compiler.New(reg, compiler.Options{
		DefaultTimeout: cfg.DefaultTimeout,
		SystemMaxLoops: cfg.SystemMaxLoops,
	})

	store := storage.NewMemory()
	c := cache.NewMemoryCache(logger.Nop())
	t.Cleanup(func() { c.Close() })

	k := New(cfg, comp, store, c, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})
	return k, store
}

func defJSON(t *testing.T, nodes []map[string]interface{}, edges []map[string]interface{}, settings map[string]interface{}) json.RawMessage {
	t.Helper()
	doc := map[string]interface{}{
		"id":      "wf-test",
		"user_id": testUser,
		"nodes":   nodes,
		"edges":   edges,
	}
	if settings != nil {
		doc["workflow_settings"] = settings
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func node(id, typ string, data map[string]interface{}) map[string]interface{} {
	n := map[string]interface{}{"id": id, "type": typ}
	if data != nil {
		n["data"] = data
	}
	return n
}

func edge(source, target, handle string) map[string]interface{} {
	e := map[string]interface{}{
		"id":     fmt.Sprintf("%s-%s", source, target),
		"source": source,
		"target": target,
	}
	if handle != "" {
		e["sourceHandle"] = handle
	}
	return e
}

func waitTerminal(t *testing.T, k *King, executionID string) ExecutionStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := k.Status(context.Background(), owner, executionID)
		require.NoError(t, err)
		if st.State.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state")
	return ExecutionStatus{}
}

func waitState(t *testing.T, k *King, executionID string, want State) ExecutionStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := k.Status(context.Background(), owner, executionID)
		require.NoError(t, err)
		if st.State == want {
			return st
		}
		require.False(t, st.State.Terminal(), "execution reached %s while waiting for %s", st.State, want)
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution never reached %s", want)
	return ExecutionStatus{}
}

func TestStartAndComplete(t *testing.T) {
	k, store := newTestKing(t, testConfig())

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("enrich", "set", map[string]interface{}{
				"values": map[string]interface{}{"tagged": true},
			}),
		},
		[]map[string]interface{}{edge("start", "enrich", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{
		Definition: raw,
		Input:      map[string]interface{}{"order": "o-1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, st.ExecutionID)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, "o-1", final.Output["order"])
	assert.Equal(t, true, final.Output["tagged"])
	assert.Equal(t, 1.0, final.Progress)

	// Terminal snapshot stays queryable after the execution left the
	// active set
	again, err := k.Status(context.Background(), owner, st.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, again.State)

	recs := store.Executions()
	require.Len(t, recs, 1)
	assert.Equal(t, string(StateCompleted), recs[0].Status)
	assert.NotEmpty(t, store.Nodes())
}

func TestStartRejectsInvalidDefinition(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	_, err := k.Start(context.Background(), owner, StartRequest{
		Definition: json.RawMessage(`{"nodes": []}`),
	})
	var verr *workflow.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPauseResume(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("wait1", "delay", map[string]interface{}{"duration_ms": float64(30)}),
			node("wait2", "delay", map[string]interface{}{"duration_ms": float64(30)}),
		},
		[]map[string]interface{}{
			edge("start", "wait1", ""),
			edge("wait1", "wait2", ""),
		},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	require.NoError(t, k.Pause(context.Background(), owner, st.ExecutionID))
	paused := waitState(t, k, st.ExecutionID, StatePaused)
	assert.Equal(t, StatePaused, paused.State)

	// Paused executions stay paused and report where they stopped
	time.Sleep(100 * time.Millisecond)
	still, err := k.Status(context.Background(), owner, st.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, still.State)
	assert.NotEmpty(t, still.CurrentNode)

	// Pause is idempotent
	require.NoError(t, k.Pause(context.Background(), owner, st.ExecutionID))

	require.NoError(t, k.Resume(context.Background(), owner, st.ExecutionID))
	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateCompleted, final.State)
}

func TestCancel(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("wait", "delay", map[string]interface{}{"duration_ms": float64(2000)}),
		},
		[]map[string]interface{}{edge("start", "wait", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	waitState(t, k, st.ExecutionID, StateRunning)
	require.NoError(t, k.Cancel(context.Background(), owner, st.ExecutionID))

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateCancelled, final.State)

	// Control operations on a terminal execution are rejected
	assert.ErrorIs(t, k.Pause(context.Background(), owner, st.ExecutionID), ErrAlreadyTerminal)
	assert.ErrorIs(t, k.Cancel(context.Background(), owner, st.ExecutionID), ErrAlreadyTerminal)
}

func TestHumanApprovalRoundtrip(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("gate", "human_approval", map[string]interface{}{"message": "ship it?"}),
			node("yes", "noop", nil),
			node("no", "noop", nil),
		},
		[]map[string]interface{}{
			edge("start", "gate", ""),
			edge("gate", "yes", "approved"),
			edge("gate", "no", "rejected"),
		},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{
		Definition: raw,
		Input:      map[string]interface{}{"order": "o-9"},
	})
	require.NoError(t, err)

	waitState(t, k, st.ExecutionID, StateWaitingHuman)

	pending := k.PendingRequests(owner)
	require.Len(t, pending, 1)
	assert.Equal(t, "gate", pending[0].NodeID)
	assert.Equal(t, []string{"approve", "reject"}, pending[0].Options)

	// A response outside the options is rejected and leaves the request
	// pending
	err = k.SubmitHumanResponse(context.Background(), owner, st.ExecutionID, pending[0].RequestID, "maybe")
	assert.ErrorIs(t, err, ErrInvalidResponse)

	require.NoError(t, k.SubmitHumanResponse(context.Background(), owner, st.ExecutionID, pending[0].RequestID, "approve"))

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, true, final.Output["approved"])
	assert.Empty(t, k.PendingRequests(owner))

	// Nothing pending anymore
	err = k.SubmitHumanResponse(context.Background(), owner, st.ExecutionID, "", "approve")
	assert.Error(t, err)
}

func TestHumanApprovalTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HITLTimeout = 50 * time.Millisecond
	k, _ := newTestKing(t, cfg)

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("gate", "human_approval", map[string]interface{}{"message": "?"}),
			node("yes", "noop", nil),
		},
		[]map[string]interface{}{
			edge("start", "gate", ""),
			edge("gate", "yes", "approved"),
		},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateFailed, final.State)
	assert.Equal(t, "gate", final.FailedNode)
}

func TestUserIsolation(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("gate", "human_approval", map[string]interface{}{"message": "?"}),
		},
		[]map[string]interface{}{edge("start", "gate", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)
	waitState(t, k, st.ExecutionID, StateWaitingHuman)

	stranger := Caller{UserID: "user-2"}
	_, err = k.Status(context.Background(), stranger, st.ExecutionID)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.ErrorIs(t, k.Pause(context.Background(), stranger, st.ExecutionID), ErrNotAuthorized)
	assert.ErrorIs(t, k.SubmitHumanResponse(context.Background(), stranger, st.ExecutionID, "", "approve"), ErrNotAuthorized)
	assert.Empty(t, k.PendingRequests(stranger))

	// Privileged callers see everything
	admin := Caller{Privileged: true}
	_, err = k.Status(context.Background(), admin, st.ExecutionID)
	assert.NoError(t, err)
	require.NoError(t, k.SubmitHumanResponse(context.Background(), admin, st.ExecutionID, "", "approve"))
	waitTerminal(t, k, st.ExecutionID)
}

func TestSubworkflow(t *testing.T) {
	k, store := newTestKing(t, testConfig())

	childRaw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("compute", "set", map[string]interface{}{
				"values": map[string]interface{}{"doubled": true},
			}),
		},
		[]map[string]interface{}{edge("start", "compute", "")},
		nil)
	child, err := workflow.ParseDefinition(childRaw)
	require.NoError(t, err)
	child.ID = "child-wf"
	require.NoError(t, store.SaveWorkflow(context.Background(), child))

	parentRaw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("sub", "subworkflow", map[string]interface{}{"workflow_id": "child-wf"}),
		},
		[]map[string]interface{}{edge("start", "sub", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{
		Definition: parentRaw,
		Input:      map[string]interface{}{"n": float64(21)},
	})
	require.NoError(t, err)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, true, final.Output["doubled"])
	assert.Equal(t, float64(21), final.Output["n"])

	// Both parent and child left history records
	assert.Len(t, store.Executions(), 2)
}

func TestSubworkflowCycleRejected(t *testing.T) {
	k, store := newTestKing(t, testConfig())

	// A stored workflow that calls itself
	selfRaw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("again", "subworkflow", map[string]interface{}{"workflow_id": "wf-self"}),
		},
		[]map[string]interface{}{edge("start", "again", "")},
		nil)
	self, err := workflow.ParseDefinition(selfRaw)
	require.NoError(t, err)
	self.ID = "wf-self"
	require.NoError(t, store.SaveWorkflow(context.Background(), self))

	st, err := k.Start(context.Background(), owner, StartRequest{WorkflowID: "wf-self"})
	require.NoError(t, err)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "call chain")
}

func TestLoopLimitEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.SystemMaxLoops = 3
	k, _ := newTestKing(t, cfg)

	items := make([]interface{}, 10)
	for i := range items {
		items[i] = i
	}
	raw := defJSON(t,
		[]map[string]interface{}{
			node("loop", "loop", map[string]interface{}{"items": items}),
			node("body", "noop", nil),
			node("after", "noop", nil),
		},
		[]map[string]interface{}{
			edge("loop", "body", "loop"),
			{"id": "body-loop", "source": "body", "target": "loop", "type": "loop_body"},
			edge("loop", "after", "done"),
		},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "loop limit")
}

func TestLoopMaxCountCapsIterations(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	items := make([]interface{}, 5)
	for i := range items {
		items[i] = i
	}
	raw := defJSON(t,
		[]map[string]interface{}{
			node("loop", "loop", map[string]interface{}{
				"items":          items,
				"max_loop_count": float64(2),
			}),
			node("body", "noop", nil),
			node("after", "noop", nil),
		},
		[]map[string]interface{}{
			edge("loop", "body", "loop"),
			{"id": "body-loop", "source": "body", "target": "loop", "type": "loop_body"},
			edge("loop", "after", "done"),
		},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 2, final.Output["count"])
	assert.Len(t, final.Output["results"], 2)
}

func TestSubworkflowWithoutStorage(t *testing.T) {
	cfg := testConfig()
	reg := registry.New()
	require.NoError(t, nodes.RegisterBuiltins(reg, condition.NewEvaluator()))
	comp := compiler.New(reg, compiler.Options{
		DefaultTimeout: cfg.DefaultTimeout,
		SystemMaxLoops: cfg.SystemMaxLoops,
	})
	c := cache.NewMemoryCache(logger.Nop())
	t.Cleanup(func() { c.Close() })

	k := New(cfg, comp, nil, c, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("sub", "subworkflow", map[string]interface{}{"workflow_id": "wf-stored"}),
		},
		[]map[string]interface{}{edge("start", "sub", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	final := waitTerminal(t, k, st.ExecutionID)
	assert.Equal(t, StateFailed, final.State)
	assert.Contains(t, final.Error, "no workflow storage configured")
	assert.NotContains(t, final.Error, "panic")
}

func TestEventStream(t *testing.T) {
	k, _ := newTestKing(t, testConfig())

	ch, cancel, err := k.Subscribe(context.Background(), Caller{Privileged: true}, "")
	require.NoError(t, err)
	defer cancel()

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("finish", "noop", nil),
		},
		[]map[string]interface{}{edge("start", "finish", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)
	waitTerminal(t, k, st.ExecutionID)

	seen := make(map[events.Type]bool)
	var lastSeq int64
	deadline := time.After(2 * time.Second)
	for !seen[events.ExecutionCompleted] {
		select {
		case ev := <-ch:
			if ev.ExecutionID != st.ExecutionID {
				continue
			}
			assert.Greater(t, ev.Sequence, lastSeq, "sequence must strictly increase")
			lastSeq = ev.Sequence
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("event stream incomplete, saw %v", seen)
		}
	}

	for _, want := range []events.Type{
		events.ExecutionCreated,
		events.StateChanged,
		events.NodeStarted,
		events.NodeCompleted,
		events.ExecutionCompleted,
	} {
		assert.True(t, seen[want], "missing event %s", want)
	}
}

func TestConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentExecutions = 1
	k, _ := newTestKing(t, cfg)

	raw := defJSON(t,
		[]map[string]interface{}{
			node("start", "trigger", nil),
			node("wait", "delay", map[string]interface{}{"duration_ms": float64(500)}),
		},
		[]map[string]interface{}{edge("start", "wait", "")},
		nil)

	st, err := k.Start(context.Background(), owner, StartRequest{Definition: raw})
	require.NoError(t, err)

	_, err = k.Start(context.Background(), owner, StartRequest{Definition: raw})
	assert.ErrorIs(t, err, ErrTooManyExecutions)

	require.NoError(t, k.Cancel(context.Background(), owner, st.ExecutionID))
	waitTerminal(t, k, st.ExecutionID)
}

func TestStatusUnknownExecution(t *testing.T) {
	k, _ := newTestKing(t, testConfig())
	_, err := k.Status(context.Background(), owner, "no-such-execution")
	assert.ErrorIs(t, err, ErrNotFound)
}
