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

// Event repository errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrInvalidEvent  = errors.New("invalid event")
)

const eventColumns = `id, timestamp, type, entity_type, entity_id, payload_json, metadata_json`

// EventRepository persists the event log.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// EventQuery filters the event log. Zero fields match everything.
type EventQuery struct {
	Type       *models.EventType
	TypePrefix string // e.g. "change." for every change request transition
	EntityType *models.EntityType
	EntityID   *string

	// DeviceID matches events about the device itself and events whose
	// metadata names it, such as change request transitions.
	DeviceID string

	Since  *time.Time // inclusive
	Until  *time.Time // exclusive
	Cursor string     // ID of the last event already seen
	Limit  int
}

// EventPage is one page of Query results.
type EventPage struct {
	Events     []*models.Event `json:"events"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Append adds an event to the log.
func (r *EventRepository) Append(ctx context.Context, event *models.Event) error {
	if event.Type == "" || event.EntityType == "" || event.EntityID == "" {
		return ErrInvalidEvent
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	} else {
		event.Timestamp = event.Timestamp.UTC()
	}

	var payload, metadata any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	if len(event.Metadata) > 0 {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = string(data)
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, timestamp, type, entity_type, entity_id, device_id, payload_json, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		formatTime(event.Timestamp),
		string(event.Type),
		string(event.EntityType),
		event.EntityID,
		event.DeviceID(),
		payload,
		metadata,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// Get retrieves an event by ID.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return r.scanEvent(row)
}

// Query returns events oldest first, paged by cursor.
func (r *EventRepository) Query(ctx context.Context, q EventQuery) (*EventPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var where []string
	var args []any
	add := func(clause string, values ...any) {
		where = append(where, clause)
		args = append(args, values...)
	}

	if q.Type != nil {
		add(`type = ?`, string(*q.Type))
	}
	if q.TypePrefix != "" {
		add(`substr(type, 1, ?) = ?`, len(q.TypePrefix), q.TypePrefix)
	}
	if q.EntityType != nil {
		add(`entity_type = ?`, string(*q.EntityType))
	}
	if q.EntityID != nil {
		add(`entity_id = ?`, *q.EntityID)
	}
	if q.DeviceID != "" {
		add(`device_id = ?`, q.DeviceID)
	}
	if q.Since != nil {
		add(`timestamp >= ?`, formatTime(*q.Since))
	}
	if q.Until != nil {
		add(`timestamp < ?`, formatTime(*q.Until))
	}
	if q.Cursor != "" {
		add(`(timestamp, id) > (SELECT timestamp, id FROM events WHERE id = ?)`, q.Cursor)
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY timestamp, id LIMIT ?`
	args = append(args, limit+1)

	events, err := r.queryEvents(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	page := &EventPage{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.NextCursor = events[limit-1].ID
	}
	return page, nil
}

// Count returns the number of events in the log.
func (r *EventRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// DeleteOlderThan deletes up to limit events older than before, oldest
// first, and returns how many were deleted.
func (r *EventRepository) DeleteOlderThan(ctx context.Context, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 1000
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events WHERE timestamp < ? ORDER BY timestamp LIMIT ?
		)
	`, formatTime(before), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

func (r *EventRepository) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := r.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (r *EventRepository) scanEvent(row rowScanner) (*models.Event, error) {
	var event models.Event
	var timestamp, eventType, entityType string
	var payloadJSON, metadataJSON sql.NullString
	if err := row.Scan(&event.ID, &timestamp, &eventType, &entityType, &event.EntityID, &payloadJSON, &metadataJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Type = models.EventType(eventType)
	event.EntityType = models.EntityType(entityType)
	ts, err := parseTime(timestamp)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", event.ID, err)
	}
	event.Timestamp = ts

	if payloadJSON.Valid {
		event.Payload = json.RawMessage(payloadJSON.String)
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &event.Metadata); err != nil {
			r.db.logger.Warn().Err(err).Str("event_id", event.ID).Msg("failed to parse event metadata")
		}
	}
	return &event, nil
}
