package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/changegate/internal/models"
)

// Change request repository errors.
var (
	ErrChangeRequestNotFound = errors.New("change request not found")

	// ErrStatusConflict is returned by Update when the stored status no
	// longer matches the expected one.
	ErrStatusConflict = errors.New("change request status changed concurrently")
)

const changeRequestColumns = `
	id, title, description, device_id, config_type, file_path,
	old_content, proposed_content, change_type, reason, emergency,
	status, risk_level, impact_summary, affected_services_json,
	requires_restart, impact_json, requires_approval, approvals_required,
	policy_name, requested_by, applied_at, applied_by, execution_result,
	snapshot_ref, failure_reason, retry_count, created_at, updated_at`

// ChangeRequestFilter narrows List results. Zero values match everything.
type ChangeRequestFilter struct {
	Status      models.ChangeStatus
	DeviceID    string
	RequestedBy string
	RiskLevel   models.RiskLevel
	Since       *time.Time
	Limit       int
}

// ChangeCounts aggregates change requests created within a window.
type ChangeCounts struct {
	Total        int
	ByStatus     map[models.ChangeStatus]int
	ByRiskLevel  map[models.RiskLevel]int
	ByConfigType map[models.ConfigType]int
}

// ChangeRequestRepository handles change request persistence.
type ChangeRequestRepository struct {
	db *DB
	q  querier
}

// NewChangeRequestRepository creates a new ChangeRequestRepository.
func NewChangeRequestRepository(db *DB) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: db, q: db}
}

// WithTx returns a repository bound to tx.
func (r *ChangeRequestRepository) WithTx(tx *sql.Tx) *ChangeRequestRepository {
	return &ChangeRequestRepository{db: r.db, q: tx}
}

// Create inserts a new change request.
func (r *ChangeRequestRepository) Create(ctx context.Context, cr *models.ChangeRequest) error {
	if cr.ID == "" {
		cr.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.UpdatedAt = cr.CreatedAt

	affectedJSON, impactJSON, err := marshalImpact(cr)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO change_requests (`+changeRequestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cr.ID,
		cr.Title,
		cr.Description,
		cr.DeviceID,
		string(cr.ConfigType),
		cr.FilePath,
		nullableString(cr.OldContent),
		cr.ProposedContent,
		string(cr.ChangeType),
		cr.Reason,
		boolToInt(cr.Emergency),
		string(cr.Status),
		string(cr.RiskLevel),
		cr.ImpactSummary,
		affectedJSON,
		boolToInt(cr.RequiresRestart),
		impactJSON,
		boolToInt(cr.RequiresApproval),
		cr.ApprovalsRequired,
		cr.PolicyName,
		cr.RequestedBy,
		formatTimePtr(cr.AppliedAt),
		cr.AppliedBy,
		cr.ExecutionResult,
		cr.SnapshotRef,
		cr.FailureReason,
		cr.RetryCount,
		formatTime(cr.CreatedAt),
		formatTime(cr.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert change request: %w", err)
	}
	return nil
}

// Get retrieves a change request by ID.
func (r *ChangeRequestRepository) Get(ctx context.Context, id string) (*models.ChangeRequest, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = ?`, id)
	return r.scanChangeRequest(row)
}

// List returns change requests matching filter, newest first.
func (r *ChangeRequestRepository) List(ctx context.Context, filter ChangeRequestFilter) ([]*models.ChangeRequest, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.RequestedBy != "" {
		conditions = append(conditions, "requested_by = ?")
		args = append(args, filter.RequestedBy)
	}
	if filter.RiskLevel != "" {
		conditions = append(conditions, "risk_level = ?")
		args = append(args, string(filter.RiskLevel))
	}
	if filter.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}

	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.ChangeRequest
	for rows.Next() {
		cr, err := r.scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change requests: %w", err)
	}
	return requests, nil
}

// Update writes the mutable fields of cr, but only if the stored status is
// still expected. It returns ErrStatusConflict otherwise.
func (r *ChangeRequestRepository) Update(ctx context.Context, cr *models.ChangeRequest, expected models.ChangeStatus) error {
	cr.UpdatedAt = time.Now().UTC()

	affectedJSON, impactJSON, err := marshalImpact(cr)
	if err != nil {
		return err
	}

	result, err := r.q.ExecContext(ctx, `
		UPDATE change_requests SET
			status = ?,
			risk_level = ?,
			impact_summary = ?,
			affected_services_json = ?,
			requires_restart = ?,
			impact_json = ?,
			requires_approval = ?,
			approvals_required = ?,
			policy_name = ?,
			applied_at = ?,
			applied_by = ?,
			execution_result = ?,
			snapshot_ref = ?,
			failure_reason = ?,
			retry_count = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`,
		string(cr.Status),
		string(cr.RiskLevel),
		cr.ImpactSummary,
		affectedJSON,
		boolToInt(cr.RequiresRestart),
		impactJSON,
		boolToInt(cr.RequiresApproval),
		cr.ApprovalsRequired,
		cr.PolicyName,
		formatTimePtr(cr.AppliedAt),
		cr.AppliedBy,
		cr.ExecutionResult,
		cr.SnapshotRef,
		cr.FailureReason,
		cr.RetryCount,
		formatTime(cr.UpdatedAt),
		cr.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update change request: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := r.Get(ctx, cr.ID); err != nil {
			return err
		}
		return ErrStatusConflict
	}
	return nil
}

// CountPendingByRequester counts PENDING requests submitted by requestedBy.
func (r *ChangeRequestRepository) CountPendingByRequester(ctx context.Context, requestedBy string) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM change_requests
		WHERE requested_by = ? AND status = ?
	`, requestedBy, string(models.ChangeStatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending requests: %w", err)
	}
	return count, nil
}

// Counts aggregates requests created at or after since.
func (r *ChangeRequestRepository) Counts(ctx context.Context, since time.Time) (*ChangeCounts, error) {
	counts := &ChangeCounts{
		ByStatus:     make(map[models.ChangeStatus]int),
		ByRiskLevel:  make(map[models.RiskLevel]int),
		ByConfigType: make(map[models.ConfigType]int),
	}
	cutoff := formatTime(since)

	for _, group := range []struct {
		column string
		add    func(key string, n int)
	}{
		{"status", func(key string, n int) { counts.ByStatus[models.ChangeStatus(key)] = n }},
		{"risk_level", func(key string, n int) { counts.ByRiskLevel[models.RiskLevel(key)] = n }},
		{"config_type", func(key string, n int) { counts.ByConfigType[models.ConfigType(key)] = n }},
	} {
		if err := r.groupCount(ctx, group.column, cutoff, group.add); err != nil {
			return nil, err
		}
	}

	for _, n := range counts.ByStatus {
		counts.Total += n
	}
	return counts, nil
}

func (r *ChangeRequestRepository) groupCount(ctx context.Context, column, cutoff string, add func(string, int)) error {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+column+`, COUNT(*)
		FROM change_requests
		WHERE created_at >= ?
		GROUP BY `+column, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query %s counts: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		add(key, count)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s counts: %w", column, err)
	}
	return nil
}

func (r *ChangeRequestRepository) scanChangeRequest(row rowScanner) (*models.ChangeRequest, error) {
	var cr models.ChangeRequest
	var configType, changeType, status, riskLevel string
	var oldContent, affectedJSON, impactJSON, appliedAt sql.NullString
	var emergency, requiresRestart, requiresApproval int
	var createdAt, updatedAt string

	err := row.Scan(
		&cr.ID,
		&cr.Title,
		&cr.Description,
		&cr.DeviceID,
		&configType,
		&cr.FilePath,
		&oldContent,
		&cr.ProposedContent,
		&changeType,
		&cr.Reason,
		&emergency,
		&status,
		&riskLevel,
		&cr.ImpactSummary,
		&affectedJSON,
		&requiresRestart,
		&impactJSON,
		&requiresApproval,
		&cr.ApprovalsRequired,
		&cr.PolicyName,
		&cr.RequestedBy,
		&appliedAt,
		&cr.AppliedBy,
		&cr.ExecutionResult,
		&cr.SnapshotRef,
		&cr.FailureReason,
		&cr.RetryCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChangeRequestNotFound
		}
		return nil, fmt.Errorf("failed to scan change request: %w", err)
	}

	cr.ConfigType = models.ConfigType(configType)
	cr.ChangeType = models.ChangeType(changeType)
	cr.Status = models.ChangeStatus(status)
	cr.RiskLevel = models.RiskLevel(riskLevel)
	cr.OldContent = oldContent.String
	cr.Emergency = emergency != 0
	cr.RequiresRestart = requiresRestart != 0
	cr.RequiresApproval = requiresApproval != 0

	if affectedJSON.Valid && affectedJSON.String != "" {
		if err := json.Unmarshal([]byte(affectedJSON.String), &cr.AffectedServices); err != nil {
			return nil, fmt.Errorf("failed to parse affected services: %w", err)
		}
	}
	if impactJSON.Valid && impactJSON.String != "" {
		var impact models.ImpactAnalysis
		if err := json.Unmarshal([]byte(impactJSON.String), &impact); err != nil {
			r.db.logger.Warn().Err(err).Str("change_request_id", cr.ID).Msg("failed to parse impact analysis")
		} else {
			cr.Impact = &impact
		}
	}

	if cr.AppliedAt, err = parseNullTime(appliedAt); err != nil {
		return nil, fmt.Errorf("failed to parse applied_at: %w", err)
	}
	if cr.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if cr.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &cr, nil
}

func marshalImpact(cr *models.ChangeRequest) (affected any, impact any, err error) {
	if cr.AffectedServices != nil {
		data, err := json.Marshal(cr.AffectedServices)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal affected services: %w", err)
		}
		affected = string(data)
	}
	if cr.Impact != nil {
		data, err := json.Marshal(cr.Impact)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal impact analysis: %w", err)
		}
		impact = string(data)
	}
	return affected, impact, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
