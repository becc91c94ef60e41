package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/changegate/internal/models"
)

// Approval repository errors.
var (
	ErrApprovalNotFound = errors.New("approval not found")
)

const approvalColumns = `
	id, change_request_id, approver_id, approver_name, status,
	comments, decided_at, created_at`

// ApprovalRepository handles approval persistence.
type ApprovalRepository struct {
	db *DB
	q  querier
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *DB) *ApprovalRepository {
	return &ApprovalRepository{db: db, q: db}
}

// WithTx returns a repository bound to tx.
func (r *ApprovalRepository) WithTx(tx *sql.Tx) *ApprovalRepository {
	return &ApprovalRepository{db: r.db, q: tx}
}

// Upsert records an approver's decision. A later decision by the same
// approver replaces the earlier one and keeps the original ID and
// CreatedAt. It returns the previous status, or "" for a first decision.
func (r *ApprovalRepository) Upsert(ctx context.Context, approval *models.Approval) (models.ApprovalStatus, error) {
	if approval.ChangeRequestID == "" {
		return "", fmt.Errorf("approval change request id is required")
	}
	if approval.ApproverID == "" {
		return "", fmt.Errorf("approval approver id is required")
	}
	if approval.Status == "" {
		approval.Status = models.ApprovalStatusPending
	}

	var previous models.ApprovalStatus
	existing, err := r.Get(ctx, approval.ChangeRequestID, approval.ApproverID)
	switch {
	case err == nil:
		previous = existing.Status
		approval.ID = existing.ID
		approval.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrApprovalNotFound):
		if approval.ID == "" {
			approval.ID = uuid.New().String()
		}
		approval.CreatedAt = time.Now().UTC()
	default:
		return "", err
	}

	if approval.DecidedAt == nil && approval.Status != models.ApprovalStatusPending {
		now := time.Now().UTC()
		approval.DecidedAt = &now
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (change_request_id, approver_id) DO UPDATE SET
			approver_name = excluded.approver_name,
			status = excluded.status,
			comments = excluded.comments,
			decided_at = excluded.decided_at
	`,
		approval.ID,
		approval.ChangeRequestID,
		approval.ApproverID,
		approval.ApproverName,
		string(approval.Status),
		approval.Comments,
		formatTimePtr(approval.DecidedAt),
		formatTime(approval.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert approval: %w", err)
	}

	return previous, nil
}

// Get retrieves one approver's decision on a change request.
func (r *ApprovalRepository) Get(ctx context.Context, changeRequestID, approverID string) (*models.Approval, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE change_request_id = ? AND approver_id = ?
	`, changeRequestID, approverID)

	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return approval, err
}

// ListByChangeRequest lists the approvals recorded for a change request.
func (r *ApprovalRepository) ListByChangeRequest(ctx context.Context, changeRequestID string) ([]*models.Approval, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE change_request_id = ?
		ORDER BY created_at, approver_id
	`, changeRequestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return approvals, nil
}

// Tally counts the distinct approved and rejected decisions on a request.
func (r *ApprovalRepository) Tally(ctx context.Context, changeRequestID string) (approved, rejected int, err error) {
	err = r.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM approvals
		WHERE change_request_id = ?
	`, string(models.ApprovalStatusApproved), string(models.ApprovalStatusRejected), changeRequestID).Scan(&approved, &rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to tally approvals: %w", err)
	}
	return approved, rejected, nil
}

func scanApproval(row rowScanner) (*models.Approval, error) {
	var approval models.Approval
	var status string
	var decidedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&approval.ID,
		&approval.ChangeRequestID,
		&approval.ApproverID,
		&approval.ApproverName,
		&status,
		&approval.Comments,
		&decidedAt,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	approval.Status = models.ApprovalStatus(status)

	if approval.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return nil, fmt.Errorf("failed to parse decided_at: %w", err)
	}
	if approval.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}

	return &approval, nil
}
