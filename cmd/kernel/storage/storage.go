package storage

import (
	"context"
	"errors"
	"time"

	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
)

var (
	// ErrWorkflowNotFound means no stored workflow matched the id for
	// the requesting user.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrCredentialNotFound means a requested credential ref does not
	// exist for the user.
	ErrCredentialNotFound = errors.New("credential not found")
)

// ExecutionRecord is the append-only row written at an execution's
// terminal transition.
type ExecutionRecord struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	Status      string
	Output      map[string]interface{}
	Error       string
	CreatedAt   time.Time
	FinishedAt  time.Time
}

// NodeRecord is the append-only row written when a node settles
type NodeRecord struct {
	ExecutionID string
	NodeID      string
	NodeType    string
	Status      string
	Attempts    int
	Duration    time.Duration
	Error       string
	At          time.Time
}

// Storage is the persistence boundary of the kernel. Workflows and
// credentials are read; execution history is append-only.
type Storage interface {
	// SaveWorkflow upserts a definition under its id for its owner
	SaveWorkflow(ctx context.Context, def *workflow.Definition) error

	// LoadWorkflow returns a stored definition. Lookup is scoped to the
	// owning user; other users get ErrWorkflowNotFound.
	LoadWorkflow(ctx context.Context, workflowID, userID string) (*workflow.Definition, error)

	// LoadCredentials returns decrypted material for the given refs,
	// scoped to the user. A missing ref is ErrCredentialNotFound.
	LoadCredentials(ctx context.Context, userID string, refs []string) ([]registry.Credential, error)

	// AppendExecution records a terminal execution outcome
	AppendExecution(ctx context.Context, rec ExecutionRecord) error

	// AppendNode records one settled node
	AppendNode(ctx context.Context, rec NodeRecord) error
}
