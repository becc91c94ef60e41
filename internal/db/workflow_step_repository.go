package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/changegate/internal/models"
)

const workflowStepColumns = `
	id, change_request_id, seq, step_name, step_type, performed_by,
	payload_json, created_at`

// WorkflowStepRepository handles the append-only workflow audit trail.
type WorkflowStepRepository struct {
	db *DB
	q  querier
}

// NewWorkflowStepRepository creates a new WorkflowStepRepository.
func NewWorkflowStepRepository(db *DB) *WorkflowStepRepository {
	return &WorkflowStepRepository{db: db, q: db}
}

// WithTx returns a repository bound to tx.
func (r *WorkflowStepRepository) WithTx(tx *sql.Tx) *WorkflowStepRepository {
	return &WorkflowStepRepository{db: r.db, q: tx}
}

// Append assigns the next sequence number for the step's change request
// and inserts it. Run it inside the transaction that performs the
// transition so the sequence and the state change commit together.
func (r *WorkflowStepRepository) Append(ctx context.Context, step *models.WorkflowStep) error {
	if step.ChangeRequestID == "" {
		return fmt.Errorf("workflow step change request id is required")
	}
	if step.StepName == "" {
		return fmt.Errorf("workflow step name is required")
	}

	if err := r.q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1
		FROM workflow_steps
		WHERE change_request_id = ?
	`, step.ChangeRequestID).Scan(&step.Seq); err != nil {
		return fmt.Errorf("failed to allocate step sequence: %w", err)
	}

	if step.ID == "" {
		step.ID = uuid.New().String()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	var payload any
	if len(step.Payload) > 0 {
		payload = string(step.Payload)
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO workflow_steps (`+workflowStepColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		step.ID,
		step.ChangeRequestID,
		step.Seq,
		step.StepName,
		string(step.StepType),
		step.PerformedBy,
		payload,
		formatTime(step.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow step: %w", err)
	}
	return nil
}

// ListByChangeRequest returns a request's steps in sequence order.
func (r *WorkflowStepRepository) ListByChangeRequest(ctx context.Context, changeRequestID string) ([]*models.WorkflowStep, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+workflowStepColumns+`
		FROM workflow_steps
		WHERE change_request_id = ?
		ORDER BY seq
	`, changeRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		var step models.WorkflowStep
		var stepType string
		var payload sql.NullString
		var createdAt string

		if err := rows.Scan(
			&step.ID,
			&step.ChangeRequestID,
			&step.Seq,
			&step.StepName,
			&stepType,
			&step.PerformedBy,
			&payload,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}

		step.StepType = models.StepType(stepType)
		if payload.Valid && payload.String != "" {
			step.Payload = json.RawMessage(payload.String)
		}
		if step.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow steps: %w", err)
	}
	return steps, nil
}
