package storage

import (
	"context"
	"sync"

	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

// Memory is an in-memory Storage used by tests and by deployments that
// run without Postgres. Execution history is kept but unbounded; it is
// not meant for long-lived production use.
type Memory struct {
	mu          sync.RWMutex
	workflows   map[string]*workflow.Definition
	credentials map[string]map[string]registry.Credential
	executions  []ExecutionRecord
	nodes       []NodeRecord
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		workflows:   make(map[string]*workflow.Definition),
		credentials: make(map[string]map[string]registry.Credential),
	}
}

func (m *Memory) SaveWorkflow(_ context.Context, def *workflow.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[def.ID] = def
	return nil
}

func (m *Memory) LoadWorkflow(_ context.Context, workflowID, userID string) (*workflow.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.workflows[workflowID]
	if !ok || def.UserID != userID {
		return nil, ErrWorkflowNotFound
	}
	return def, nil
}

// PutCredential seeds one credential for a user
func (m *Memory) PutCredential(userID string, cred registry.Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRef, ok := m.credentials[userID]
	if !ok {
		byRef = make(map[string]registry.Credential)
		m.credentials[userID] = byRef
	}
	byRef[cred.Ref] = cred
}

func (m *Memory) LoadCredentials(_ context.Context, userID string, refs []string) ([]registry.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byRef := m.credentials[userID]
	creds := make([]registry.Credential, 0, len(refs))
	for _, ref := range refs {
		cred, ok := byRef[ref]
		if !ok {
			return nil, ErrCredentialNotFound
		}
		// Copy the material so Zero on one execution's context cannot
		// wipe the stored original.
		data := make(map[string]string, len(cred.Data))
		for k, v := range cred.Data {
			data[k] = v
		}
		cred.Data = data
		creds = append(creds, cred)
	}
	return creds, nil
}

func (m *Memory) AppendExecution(_ context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, rec)
	return nil
}

func (m *Memory) AppendNode(_ context.Context, rec NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, rec)
	return nil
}

// Executions returns a snapshot of the recorded execution history
func (m *Memory) Executions() []ExecutionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ExecutionRecord, len(m.executions))
	copy(out, m.executions)
	return out
}

// Nodes returns a snapshot of the recorded node history
func (m *Memory) Nodes() []NodeRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeRecord, len(m.nodes))
	copy(out, m.nodes)
	return out
}
