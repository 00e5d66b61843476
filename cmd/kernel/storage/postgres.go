package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/kernel/cmd/kernel/registry"
	"github.com/lyzr/kernel/cmd/kernel/workflow"
	"github.com/lyzr/kernel/common/db"
	"github.com/lyzr/kernel/common/logger"
)

// Postgres backs Storage with the service database. Workflows are stored
// as their raw JSON alongside the owner; execution history lands in
// append-only tables. See schema.sql.
type Postgres struct {
	db  *db.DB
	log *logger.Logger
}

// NewPostgres creates a Postgres-backed store
func NewPostgres(database *db.DB, log *logger.Logger) *Postgres {
	return &Postgres{db: database, log: log}
}

func (p *Postgres) SaveWorkflow(ctx context.Context, def *workflow.Definition) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO workflows (id, user_id, definition, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET definition = EXCLUDED.definition, updated_at = NOW()
		WHERE workflows.user_id = EXCLUDED.user_id`,
		def.ID, def.UserID, []byte(def.Raw))
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", def.ID, err)
	}
	return nil
}

func (p *Postgres) LoadWorkflow(ctx context.Context, workflowID, userID string) (*workflow.Definition, error) {
	var raw []byte
	err := p.db.QueryRow(ctx, `
		SELECT definition FROM workflows
		WHERE id = $1 AND user_id = $2`,
		workflowID, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	return workflow.ParseDefinition(raw)
}

func (p *Postgres) LoadCredentials(ctx context.Context, userID string, refs []string) ([]registry.Credential, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	rows, err := p.db.Query(ctx, `
		SELECT ref, type, data FROM credentials
		WHERE user_id = $1 AND ref = ANY($2)`,
		userID, refs)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	byRef := make(map[string]registry.Credential)
	for rows.Next() {
		var (
			cred registry.Credential
			data []byte
		)
		if err := rows.Scan(&cred.Ref, &cred.Type, &data); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if err := json.Unmarshal(data, &cred.Data); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", cred.Ref, err)
		}
		cred.UserID = userID
		byRef[cred.Ref] = cred
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	creds := make([]registry.Credential, 0, len(refs))
	for _, ref := range refs {
		cred, ok := byRef[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, ref)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

func (p *Postgres) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		output = []byte("{}")
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO executions (id, workflow_id, user_id, status, output, error, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ExecutionID, rec.WorkflowID, rec.UserID, rec.Status,
		output, rec.Error, rec.CreatedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("append execution %s: %w", rec.ExecutionID, err)
	}
	return nil
}

func (p *Postgres) AppendNode(ctx context.Context, rec NodeRecord) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO execution_nodes (execution_id, node_id, node_type, status, attempts, duration_ms, error, at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)`,
		rec.ExecutionID, rec.NodeID, rec.NodeType, rec.Status,
		rec.Attempts, rec.Duration.Milliseconds(), rec.Error, rec.At)
	if err != nil {
		return fmt.Errorf("append node %s/%s: %w", rec.ExecutionID, rec.NodeID, err)
	}
	return nil
}
