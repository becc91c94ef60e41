package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/changegate/internal/models"
)

// Device repository errors.
var (
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceAlreadyExists = errors.New("device with this name already exists")
)

const deviceColumns = `
	id, name, ssh_target, ssh_backend, ssh_key_path, is_local,
	metadata_json, created_at, updated_at`

// DeviceRepository handles device persistence.
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository creates a new DeviceRepository.
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

// Create adds a new device to the database.
func (r *DeviceRepository) Create(ctx context.Context, device *models.Device) error {
	if err := device.Validate(); err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}

	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	if device.SSHBackend == "" {
		device.SSHBackend = models.SSHBackendAuto
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	var metadataJSON *string
	if len(device.Metadata) > 0 {
		data, err := json.Marshal(device.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		s := string(data)
		metadataJSON = &s
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		device.ID,
		device.Name,
		device.SSHTarget,
		string(device.SSHBackend),
		device.SSHKeyPath,
		boolToInt(device.IsLocal),
		metadataJSON,
		formatTime(device.CreatedAt),
		formatTime(device.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceAlreadyExists
		}
		return fmt.Errorf("failed to insert device: %w", err)
	}

	return nil
}

// Get retrieves a device by ID.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	return r.scanDevice(row)
}

// GetByName retrieves a device by its unique name.
func (r *DeviceRepository) GetByName(ctx context.Context, name string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE name = ?`, name)
	return r.scanDevice(row)
}

// Resolve looks a device up by ID, falling back to name.
func (r *DeviceRepository) Resolve(ctx context.Context, idOrName string) (*models.Device, error) {
	device, err := r.Get(ctx, idOrName)
	if errors.Is(err, ErrDeviceNotFound) {
		return r.GetByName(ctx, idOrName)
	}
	return device, err
}

// Exists reports whether a device with the given ID exists.
func (r *DeviceRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check device: %w", err)
	}
	return count > 0, nil
}

// List retrieves all devices ordered by name.
func (r *DeviceRepository) List(ctx context.Context) ([]*models.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := r.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// Delete removes a device.
func (r *DeviceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DeviceRepository) scanDevice(row rowScanner) (*models.Device, error) {
	var device models.Device
	var backend string
	var isLocal int
	var metadataJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&device.ID,
		&device.Name,
		&device.SSHTarget,
		&backend,
		&device.SSHKeyPath,
		&isLocal,
		&metadataJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}

	device.SSHBackend = models.SSHBackend(backend)
	device.IsLocal = isLocal != 0

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &device.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("device_id", device.ID).Msg("failed to parse device metadata")
		}
	}

	if device.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if device.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &device, nil
}
