package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
)

// EventType classifies a device event.
type EventType string

// Event types.
const (
	EventCommandCreated     EventType = "COMMAND_CREATED"
	EventCommandSent        EventType = "COMMAND_SENT"
	EventCommandExecuted    EventType = "COMMAND_EXECUTED"
	EventCommandFailed      EventType = "COMMAND_FAILED"
	EventCommandCancelled   EventType = "COMMAND_CANCELLED"
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
)

// Event is a single append-only audit record.
type Event struct {
	ID        string         `json:"id"`
	DeviceID  string         `json:"device_id"`
	CommandID string         `json:"command_id,omitempty"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which events to return.
type Filter struct {
	DeviceID  string    // optional
	CommandID string    // optional
	Type      EventType // optional
	Limit     int       // default 50, max 200
	Offset    int
}

// ListResult contains a page of events, newest first.
type ListResult struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Repository defines the event store operations.
type Repository interface {
	// Append writes a standalone event.
	Append(ctx context.Context, ev *Event) error

	// AppendTx writes an event as part of a caller-owned transaction.
	AppendTx(ctx context.Context, tx *sql.Tx, ev *Event) error

	// List returns events matching the filter, newest first.
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores events in the device_events table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new event repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes a standalone event. ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Append(ctx context.Context, ev *Event) error {
	return insert(ctx, r.db, ev)
}

// AppendTx writes an event inside tx.
func (r *SQLiteRepository) AppendTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	return insert(ctx, tx, ev)
}

func insert(ctx context.Context, db execer, ev *Event) error {
	if ev.ID == "" {
		ev.ID = "evt-" + uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	payload := "{}"
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshalling event payload: %w", err)
		}
		payload = string(b)
	}

	var commandID any
	if ev.CommandID != "" {
		commandID = ev.CommandID
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO device_events (id, device_id, command_id, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.DeviceID, commandID, string(ev.Type), payload,
		database.FormatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting device event: %w", err)
	}
	return nil
}

// List returns events matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.CommandID != "" {
		conditions = append(conditions, "command_id = ?")
		args = append(args, filter.CommandID)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM device_events " + where //nolint:gosec // conditions are placeholders only
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting device events: %w", err)
	}

	query := "SELECT id, device_id, command_id, type, payload, created_at FROM device_events " + //nolint:gosec // conditions are placeholders only
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying device events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var commandID sql.NullString
		var eventType, payload, createdAt string

		if err := rows.Scan(&ev.ID, &ev.DeviceID, &commandID, &eventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning device event: %w", err)
		}
		ev.Type = EventType(eventType)
		if commandID.Valid {
			ev.CommandID = commandID.String
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshalling event payload: %w", err)
			}
		}
		if ev.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device events: %w", err)
	}

	return &ListResult{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, nil
}
