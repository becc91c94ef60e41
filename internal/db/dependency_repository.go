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

const dependencyColumns = `
	id, device_id, service_name, depends_on, dependency_type,
	metadata_json, created_at`

// DependencyRepository persists service dependency edges. It satisfies
// depgraph.Store.
type DependencyRepository struct {
	db *DB
}

// NewDependencyRepository creates a new DependencyRepository.
func NewDependencyRepository(db *DB) *DependencyRepository {
	return &DependencyRepository{db: db}
}

// UpsertEdge inserts edge unless (device, service, depends_on) already
// exists, in which case edge is overwritten with the stored copy.
func (r *DependencyRepository) UpsertEdge(ctx context.Context, edge *models.DependencyEdge) (bool, error) {
	if edge.ID == "" {
		edge.ID = uuid.New().String()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	var metadataJSON any
	if len(edge.Metadata) > 0 {
		data, err := json.Marshal(edge.Metadata)
		if err != nil {
			return false, fmt.Errorf("failed to marshal edge metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO service_dependencies (`+dependencyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, service_name, depends_on) DO NOTHING
	`,
		edge.ID,
		edge.DeviceID,
		edge.ServiceName,
		edge.DependsOn,
		string(edge.DependencyType),
		metadataJSON,
		formatTime(edge.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert dependency: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	existing, err := r.queryEdges(ctx, `
		WHERE device_id = ? AND service_name = ? AND depends_on = ?
	`, edge.DeviceID, edge.ServiceName, edge.DependsOn)
	if err != nil {
		return false, err
	}
	if len(existing) == 1 {
		*edge = *existing[0]
	}
	return false, nil
}

// ListEdges returns every edge for a device.
func (r *DependencyRepository) ListEdges(ctx context.Context, deviceID string) ([]*models.DependencyEdge, error) {
	return r.queryEdges(ctx, `WHERE device_id = ?`, deviceID)
}

// ListUpstream returns the edges where service is the dependent.
func (r *DependencyRepository) ListUpstream(ctx context.Context, deviceID, service string) ([]*models.DependencyEdge, error) {
	return r.queryEdges(ctx, `WHERE device_id = ? AND service_name = ?`, deviceID, service)
}

// ListDownstream returns the edges where service is the dependency.
func (r *DependencyRepository) ListDownstream(ctx context.Context, deviceID, service string) ([]*models.DependencyEdge, error) {
	return r.queryEdges(ctx, `WHERE device_id = ? AND depends_on = ?`, deviceID, service)
}

// DeleteForService removes every edge touching service.
func (r *DependencyRepository) DeleteForService(ctx context.Context, deviceID, service string) (int, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM service_dependencies
		WHERE device_id = ? AND (service_name = ? OR depends_on = ?)
	`, deviceID, service, service)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dependencies: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

func (r *DependencyRepository) queryEdges(ctx context.Context, where string, args ...any) ([]*models.DependencyEdge, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+dependencyColumns+`
		FROM service_dependencies
		`+where+`
		ORDER BY service_name, depends_on
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var edges []*models.DependencyEdge
	for rows.Next() {
		var edge models.DependencyEdge
		var depType string
		var metadataJSON sql.NullString
		var createdAt string

		if err := rows.Scan(
			&edge.ID,
			&edge.DeviceID,
			&edge.ServiceName,
			&edge.DependsOn,
			&depType,
			&metadataJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}

		edge.DependencyType = models.DependencyType(depType)
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &edge.Metadata); err != nil {
				r.db.logger.Warn().Err(err).Str("edge_id", edge.ID).Msg("failed to parse dependency metadata")
			}
		}
		if edge.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		edges = append(edges, &edge)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return edges, nil
}
