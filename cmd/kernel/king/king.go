package king

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lyzr/kernel/cmd/kernel/compiler"
	"github.com/lyzr/kernel/cmd/kernel/events"
	"github.com/lyzr/kernel/cmd/kernel/execctx"
	"github.com/lyzr/kernel/cmd/kernel/plan"
	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/runner"
	"github.com/lyzr/kernel/cmd/kernel/storage"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
	"github.com/lyzr/kernel/common/cache"
	"github.com/lyzr/kernel/common/config"
	"github.com/lyzr/kernel/common/logger"
)

// King supervises every execution in the process: it compiles, spawns
// runners, gates pause/resume, brokers human-in-the-loop rendezvous and
// owns the terminal transition. All live state lives in memory under a
// single mutex; only terminal snapshots and history leave the process.
type King struct {
	cfg   config.KernelConfig
	log   *logger.Logger
	comp  *compiler.Compiler
	store storage.Storage
	cache cache.Cache

	stream *events.MemorySink
	sink   events.Sink

	mu           sync.Mutex
	executions   map[string]*execution
	shuttingDown bool
}

// New creates a supervisor. extraSinks (typically the Redis sink) are
// fanned out to alongside the in-process stream.
func New(cfg config.KernelConfig, comp *compiler.Compiler, store storage.Storage, c cache.Cache, log *logger.Logger, extraSinks ...events.Sink) *King {
	stream := events.NewMemorySink()
	sinks := append(events.MultiSink{stream}, extraSinks...)

	return &King{
		cfg:        cfg,
		log:        log,
		comp:       comp,
		store:      store,
		cache:      c,
		stream:     stream,
		sink:       sinks,
		executions: make(map[string]*execution),
	}
}

// StartRequest describes one execution to start: either an inline
// definition or a stored workflow id, plus the initial input payload.
type StartRequest struct {
	WorkflowID string
	Definition json.RawMessage
	Input      map[string]interface{}
}

// Start compiles and launches an execution for the caller. The returned
// snapshot reflects the execution just after registration; the run
// proceeds asynchronously.
func (k *King) Start(ctx context.Context, caller Caller, req StartRequest) (ExecutionStatus, error) {
	def, err := k.resolveDefinition(ctx, caller.UserID, req.WorkflowID, req.Definition)
	if err != nil {
		return ExecutionStatus{}, err
	}

	creds, err := k.loadCredentials(ctx, caller.UserID, def)
	if err != nil {
		return ExecutionStatus{}, err
	}

	p, err := k.comp.Compile(def, creds)
	if err != nil {
		return ExecutionStatus{}, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	exec, err := k.register(p, creds, req.Input, 0, []string{def.ID}, cancel)
	if err != nil {
		cancel()
		return ExecutionStatus{}, err
	}

	go func() {
		defer cancel()
		k.run(runCtx, exec)
	}()

	k.mu.Lock()
	defer k.mu.Unlock()
	return exec.snapshot(), nil
}

func (k *King) resolveDefinition(ctx context.Context, userID, workflowID string, raw json.RawMessage) (*workflow.Definition, error) {
	if workflowID != "" {
		if k.store == nil {
			return nil, fmt.Errorf("%w: no workflow storage configured", storage.ErrWorkflowNotFound)
		}
		return k.store.LoadWorkflow(ctx, workflowID, userID)
	}

	def, err := workflow.ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	def.UserID = userID
	return def, nil
}

func (k *King) loadCredentials(ctx context.Context, userID string, def *workflow.Definition) ([]registry.Credential, error) {
	seen := make(map[string]bool)
	var refs []string
	for _, n := range def.Nodes {
		for _, ref := range n.Credentials {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	if len(refs) == 0 {
		return nil, nil
	}
	if k.store == nil {
		return nil, fmt.Errorf("%w: no credential storage configured", storage.ErrCredentialNotFound)
	}
	return k.store.LoadCredentials(ctx, userID, refs)
}

// register creates the execution record and inserts it into the active
// set under the concurrency cap.
func (k *King) register(p *plan.Plan, creds []registry.Credential, input map[string]interface{}, depth int, chain []string, cancel context.CancelFunc) (*execution, error) {
	id := uuid.NewString()
	exec := &execution{
		id:           id,
		workflowID:   p.Meta.WorkflowID,
		userID:       p.Meta.UserID,
		depth:        depth,
		chain:        chain,
		plan:         p,
		ectx:         execctx.New(id, p.Meta.WorkflowID, p.Meta.UserID, depth, input, creds),
		state:        StatePending,
		createdAt:    time.Now().UTC(),
		loopCounters: make(map[string]int),
		gate:         newGate(),
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if k.shuttingDown {
		return nil, ErrShuttingDown
	}
	if k.cfg.MaxConcurrentExecutions > 0 && len(k.executions) >= k.cfg.MaxConcurrentExecutions {
		return nil, ErrTooManyExecutions
	}

	k.executions[id] = exec
	k.emitLocked(exec, events.ExecutionCreated, map[string]interface{}{
		"workflow_id": exec.workflowID,
		"node_count":  p.Size(),
	})
	return exec, nil
}

// run drives one execution to its terminal state
func (k *King) run(ctx context.Context, exec *execution) runner.Outcome {
	k.mu.Lock()
	// A pause can land before the runner starts; leave it in place
	if exec.state == StatePending {
		exec.state = StateRunning
		k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(StateRunning)})
	}
	k.mu.Unlock()

	r := runner.New(exec.plan, exec.ectx,
		&execHooks{k: k, exec: exec},
		&execServices{k: k, exec: exec},
		k.log, runner.Config{GraceWindow: k.cfg.GraceWindow})

	outcome := r.Run(ctx)
	k.finalize(exec, outcome)
	return outcome
}

// finalize applies the terminal transition exactly once: state, events,
// snapshot, history, credential teardown.
func (k *King) finalize(exec *execution, outcome runner.Outcome) {
	k.mu.Lock()

	switch outcome.Status {
	case runner.StatusCompleted:
		exec.state = StateCompleted
		exec.output = outcome.Output
	case runner.StatusCancelled:
		exec.state = StateCancelled
		exec.errMsg = outcome.Reason
	default:
		exec.state = StateFailed
		exec.failedNode = outcome.FailedNode
		if outcome.Err != nil {
			exec.errMsg = outcome.Err.Error()
		}
	}
	exec.finishedAt = time.Now().UTC()

	if exec.hitl != nil {
		exec.hitl.reply <- hitlReply{err: fmt.Errorf("execution reached %s", exec.state)}
		exec.hitl = nil
	}

	k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(exec.state)})
	switch exec.state {
	case StateCompleted:
		k.emitLocked(exec, events.ExecutionCompleted, map[string]interface{}{
			"output": events.TruncatedOutput(exec.output),
		})
	case StateFailed:
		k.emitLocked(exec, events.ExecutionFailed, map[string]interface{}{
			"failed_node": exec.failedNode,
			"error":       exec.errMsg,
		})
	}

	snapshot := exec.snapshot()
	delete(k.executions, exec.id)
	k.mu.Unlock()

	ctx, cancelTO := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTO()

	if k.cache != nil {
		if raw, err := json.Marshal(snapshot); err == nil {
			if err := k.cache.Set(ctx, snapshotKey(exec.id), raw, k.cfg.ExecutionTTL); err != nil {
				k.log.Warn("snapshot cache write failed", "execution_id", exec.id, "error", err)
			}
		}
	}

	if k.store != nil {
		if err := k.store.AppendExecution(ctx, storage.ExecutionRecord{
			ExecutionID: exec.id,
			WorkflowID:  exec.workflowID,
			UserID:      exec.userID,
			Status:      string(exec.state),
			Output:      exec.output,
			Error:       exec.errMsg,
			CreatedAt:   exec.createdAt,
			FinishedAt:  exec.finishedAt,
		}); err != nil {
			k.log.Warn("execution history append failed", "execution_id", exec.id, "error", err)
		}
	}

	exec.ectx.Destroy()
	close(exec.done)
}

func snapshotKey(executionID string) string {
	return "execution:" + executionID
}

// Status returns an execution snapshot: live from the active set, or
// the cached terminal snapshot after the execution finished.
func (k *King) Status(ctx context.Context, caller Caller, executionID string) (ExecutionStatus, error) {
	k.mu.Lock()
	if exec, ok := k.executions[executionID]; ok {
		defer k.mu.Unlock()
		if !caller.mayAccess(exec.userID) {
			return ExecutionStatus{}, ErrNotAuthorized
		}
		return exec.snapshot(), nil
	}
	k.mu.Unlock()

	if k.cache == nil {
		return ExecutionStatus{}, ErrNotFound
	}
	raw, ok, err := k.cache.Get(ctx, snapshotKey(executionID))
	if err != nil || !ok {
		return ExecutionStatus{}, ErrNotFound
	}
	var st ExecutionStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return ExecutionStatus{}, ErrNotFound
	}
	if !caller.mayAccess(st.UserID) {
		return ExecutionStatus{}, ErrNotAuthorized
	}
	return st, nil
}

// List returns snapshots of the caller's live executions
func (k *King) List(caller Caller) []ExecutionStatus {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []ExecutionStatus
	for _, exec := range k.executions {
		if caller.mayAccess(exec.userID) {
			out = append(out, exec.snapshot())
		}
	}
	return out
}

// Pause closes the gate; the execution stops at the next node boundary.
// Pausing an already paused execution is a no-op.
func (k *King) Pause(_ context.Context, caller Caller, executionID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	exec, err := k.liveLocked(caller, executionID)
	if err != nil {
		return err
	}

	switch exec.state {
	case StatePaused:
		return nil
	case StatePending, StateRunning:
		exec.gate.pause()
		exec.state = StatePaused
		k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(StatePaused)})
		return nil
	default:
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, exec.state)
	}
}

// Resume reopens the gate of a paused execution
func (k *King) Resume(_ context.Context, caller Caller, executionID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	exec, err := k.liveLocked(caller, executionID)
	if err != nil {
		return err
	}

	switch exec.state {
	case StateRunning:
		return nil
	case StatePaused:
		exec.gate.resume()
		exec.state = StateRunning
		k.emitLocked(exec, events.StateChanged, map[string]interface{}{"state": string(StateRunning)})
		return nil
	default:
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, exec.state)
	}
}

// Cancel requests cancellation. In-flight handlers get the grace window;
// the terminal transition happens on the runner goroutine.
func (k *King) Cancel(_ context.Context, caller Caller, executionID string) error {
	k.mu.Lock()
	exec, err := k.liveLocked(caller, executionID)
	if err != nil {
		k.mu.Unlock()
		return err
	}

	// Reopen the gate so a paused runner can observe the cancellation
	exec.gate.resume()
	cancel := exec.cancel
	k.mu.Unlock()

	cancel()
	return nil
}

// liveLocked resolves a live execution for a caller. Terminal snapshots
// are not in the active set; control operations on them report
// ErrAlreadyTerminal when the snapshot still exists, ErrNotFound after
// it expired.
func (k *King) liveLocked(caller Caller, executionID string) (*execution, error) {
	exec, ok := k.executions[executionID]
	if !ok {
		if k.cache != nil {
			if _, found, _ := k.cache.Get(context.Background(), snapshotKey(executionID)); found {
				return nil, ErrAlreadyTerminal
			}
		}
		return nil, ErrNotFound
	}
	if !caller.mayAccess(exec.userID) {
		return nil, ErrNotAuthorized
	}
	return exec, nil
}

// Subscribe returns the caller's event stream for one execution (or all
// of the caller's executions when executionID is empty, for privileged
// callers).
func (k *King) Subscribe(ctx context.Context, caller Caller, executionID string) (<-chan events.Event, func(), error) {
	if executionID != "" {
		if _, err := k.Status(ctx, caller, executionID); err != nil {
			return nil, nil, err
		}
	} else if !caller.Privileged {
		return nil, nil, ErrNotAuthorized
	}

	ch, cancel := k.stream.Subscribe(executionID)
	return ch, cancel, nil
}

// emitLocked publishes one lifecycle event. Caller holds k.mu; sequence
// numbers are per execution and strictly increasing.
func (k *King) emitLocked(exec *execution, typ events.Type, data map[string]interface{}) {
	exec.seq++
	ev := events.Event{
		EventID:     uuid.NewString(),
		ExecutionID: exec.id,
		UserID:      exec.userID,
		Type:        typ,
		Sequence:    exec.seq,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
	if err := k.sink.Publish(context.Background(), ev); err != nil {
		k.log.Warn("event publish failed", "execution_id", exec.id, "type", string(typ), "error", err)
	}
}

// Shutdown stops accepting new executions and waits for in-flight ones.
// When ctx expires, remaining executions are cancelled and waited for.
func (k *King) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	k.shuttingDown = true
	live := make([]*execution, 0, len(k.executions))
	for _, exec := range k.executions {
		live = append(live, exec)
	}
	k.mu.Unlock()

	g := new(errgroup.Group)
	for _, exec := range live {
		g.Go(func() error {
			select {
			case <-exec.done:
				return nil
			case <-ctx.Done():
				exec.cancel()
				<-exec.done
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
