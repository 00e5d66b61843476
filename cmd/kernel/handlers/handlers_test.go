package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/kernel/cmd/kernel/compiler"
	"github.com/lyzr/kernel/cmd/kernel/condition"
	"github.com/lyzr/kernel/cmd/kernel/king"
	"github.com/lyzr/kernel/cmd/kernel/nodes"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/routes"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/common/cache"
	"github.com/lyzr/kernel/common/config"
	"github.com/lyzr/kernel/common/logger"
)

const testUser = "user-1"

func newServer(t *testing.T) (*echo.Echo, *king.King) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, nodes.RegisterBuiltins(reg, condition.NewEvaluator()))

	cfg := config.KernelConfig{
		DefaultTimeout:  2 * time.Second,
		SystemMaxLoops:  50,
		HITLTimeout:     2 * time.Second,
		GraceWindow:     100 * time.Millisecond,
		MaxNestingDepth: 3,
		ExecutionTTL:    time.Minute,
	}
	comp := compiler.New(reg, compiler.Options{
		DefaultTimeout: cfg.DefaultTimeout,
		SystemMaxLoops: cfg.SystemMaxLoops,
	})

	store := storage.NewMemory()
	c := cache.NewMemoryCache(logger.Nop())
	t.Cleanup(func() { c.Close() })

	k := king.New(cfg, comp, store, c, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Shutdown(ctx)
	})

	e := echo.New()
	routes.Register(e, k, store, logger.Nop())
	return e, k
}

func doJSON(t *testing.T, e *echo.Echo, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) king.ExecutionStatus {
	t.Helper()
	var st king.ExecutionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return st
}

func linearDef() map[string]interface{} {
	return map[string]interface{}{
		"id":      "wf-linear",
		"user_id": testUser,
		"nodes": []map[string]interface{}{
			{"id": "start", "type": "trigger"},
			{"id": "stamp", "type": "set", "data": map[string]interface{}{
				"values": map[string]interface{}{"stamped": true},
			}},
		},
		"edges": []map[string]interface{}{
			{"id": "e1", "source": "start", "target": "stamp"},
		},
	}
}

func approvalDef() map[string]interface{} {
	return map[string]interface{}{
		"id":      "wf-approval",
		"user_id": testUser,
		"nodes": []map[string]interface{}{
			{"id": "start", "type": "trigger"},
			{"id": "gate", "type": "human_approval", "data": map[string]interface{}{
				"message":    "ship it?",
				"options":    []string{"approve", "reject"},
				"timeout_ms": 5000,
			}},
			{"id": "ship", "type": "noop"},
		},
		"edges": []map[string]interface{}{
			{"id": "e1", "source": "start", "target": "gate"},
			{"id": "e2", "source": "gate", "target": "ship", "sourceHandle": "approved"},
		},
	}
}

func waitTerminalHTTP(t *testing.T, e *echo.Echo, executionID string) king.ExecutionStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, e, http.MethodGet, "/api/v1/executions/"+executionID, testUser, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		st := decodeStatus(t, rec)
		if st.State.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state", executionID)
	return king.ExecutionStatus{}
}

func TestStartAndStatus(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": linearDef(),
		"input":      map[string]interface{}{"order": "o-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	st := decodeStatus(t, rec)
	require.NotEmpty(t, st.ExecutionID)
	assert.Equal(t, "wf-linear", st.WorkflowID)

	final := waitTerminalHTTP(t, e, st.ExecutionID)
	assert.Equal(t, king.StateCompleted, final.State)
	assert.Equal(t, true, final.Output["stamped"])
	assert.Equal(t, "o-1", final.Output["order"])
}

func TestStartRequiresUser(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", "", map[string]interface{}{
		"definition": linearDef(),
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartBodyValidation(t *testing.T) {
	e, _ := newServer(t)

	// Neither workflow_id nor definition
	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"input": map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Both at once
	rec = doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"workflow_id": "wf-x",
		"definition":  linearDef(),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Definition that fails schema validation
	rec = doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": map[string]interface{}{"id": "wf-bad"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownExecution(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodGet, "/api/v1/executions/nope", testUser, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListExecutions(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodGet, "/api/v1/executions", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Executions []king.ExecutionStatus `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Empty(t, out.Executions)
}

func TestWorkflowSaveAndRun(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPut, "/api/v1/workflows/order-flow", testUser, linearDef())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Stored under the path id, readable only by the owner
	rec = doJSON(t, e, http.MethodGet, "/api/v1/workflows/order-flow", testUser, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, e, http.MethodGet, "/api/v1/workflows/order-flow", "someone-else", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"workflow_id": "order-flow",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	final := waitTerminalHTTP(t, e, decodeStatus(t, rec).ExecutionID)
	assert.Equal(t, king.StateCompleted, final.State)
}

func TestWorkflowSaveRejectsInvalid(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPut, "/api/v1/workflows/bad", testUser, map[string]interface{}{
		"id": "bad",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHumanApprovalRoundtrip(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": approvalDef(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	executionID := decodeStatus(t, rec).ExecutionID

	// Wait for the request to surface
	var pending struct {
		Requests []king.HITLView `json:"requests"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		rec = doJSON(t, e, http.MethodGet, "/api/v1/hitl/requests", testUser, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
		if len(pending.Requests) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, pending.Requests, 1)
	assert.Equal(t, executionID, pending.Requests[0].ExecutionID)
	assert.Equal(t, "gate", pending.Requests[0].NodeID)

	respondPath := fmt.Sprintf("/api/v1/executions/%s/respond", executionID)

	// Off-options response is rejected and the request stays pending
	rec = doJSON(t, e, http.MethodPost, respondPath, testUser, map[string]interface{}{
		"response": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Approving by request id alone also works
	rec = doJSON(t, e, http.MethodPost,
		"/api/v1/hitl/requests/"+pending.Requests[0].RequestID+"/respond",
		testUser, map[string]interface{}{"response": "approve"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	final := waitTerminalHTTP(t, e, executionID)
	assert.Equal(t, king.StateCompleted, final.State)
	assert.Equal(t, true, final.Output["approved"])
}

func TestRespondWithoutPendingRequest(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": linearDef(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	executionID := decodeStatus(t, rec).ExecutionID
	waitTerminalHTTP(t, e, executionID)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/executions/"+executionID+"/respond", testUser, map[string]interface{}{
		"response": "approve",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestControlConflictsAfterTerminal(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": linearDef(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	executionID := decodeStatus(t, rec).ExecutionID
	waitTerminalHTTP(t, e, executionID)

	for _, op := range []string{"pause", "resume", "cancel"} {
		rec = doJSON(t, e, http.MethodPost, fmt.Sprintf("/api/v1/executions/%s/%s", executionID, op), testUser, nil)
		assert.Equal(t, http.StatusConflict, rec.Code, op)
	}
}

func TestUserIsolationOverHTTP(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": approvalDef(),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	executionID := decodeStatus(t, rec).ExecutionID

	rec = doJSON(t, e, http.MethodGet, "/api/v1/executions/"+executionID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, e, http.MethodPost, "/api/v1/executions/"+executionID+"/cancel", "stranger", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A privileged internal call sees it
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+executionID, nil)
	req.Header.Set("X-User-ID", "ops-console")
	req.Header.Set("X-Internal-Service", "ops")
	privileged := httptest.NewRecorder()
	e.ServeHTTP(privileged, req)
	assert.Equal(t, http.StatusOK, privileged.Code)

	// Clean up the pending approval
	rec = doJSON(t, e, http.MethodPost, "/api/v1/executions/"+executionID+"/cancel", testUser, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	waitTerminalHTTP(t, e, executionID)
}

func TestEventStream(t *testing.T) {
	e, _ := newServer(t)

	def := map[string]interface{}{
		"id":      "wf-slow",
		"user_id": testUser,
		"nodes": []map[string]interface{}{
			{"id": "start", "type": "trigger"},
			{"id": "wait", "type": "delay", "data": map[string]interface{}{
				"duration_ms": 250,
			}},
		},
		"edges": []map[string]interface{}{
			{"id": "e1", "source": "start", "target": "wait"},
		},
	}
	rec := doJSON(t, e, http.MethodPost, "/api/v1/executions", testUser, map[string]interface{}{
		"definition": def,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	executionID := decodeStatus(t, rec).ExecutionID

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/"+executionID+"/events", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", testUser)
	stream := httptest.NewRecorder()
	e.ServeHTTP(stream, req)

	body := stream.Body.String()
	assert.Equal(t, http.StatusOK, stream.Code)
	assert.Contains(t, stream.Header().Get(echo.HeaderContentType), "text/event-stream")
	assert.Contains(t, body, "event: node_completed")
	assert.Contains(t, body, "event: execution_completed")
	assert.Contains(t, body, "data: ")
}

func TestEventStreamUnknownExecution(t *testing.T) {
	e, _ := newServer(t)

	rec := doJSON(t, e, http.MethodGet, "/api/v1/executions/nope/events", testUser, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
