package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
)

// Repository defines the interface for device persistence operations.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by name.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the ID or serial number is taken.
	Create(ctx context.Context, device *Device) error

	// UpdateStatus changes the enrollment status.
	UpdateStatus(ctx context.Context, id string, status Status) error

	// SetConnection records a transport connect or disconnect. Connecting
	// promotes an ENROLLED device to ACTIVE.
	SetConnection(ctx context.Context, id string, connected bool, at time.Time) error

	// Touch refreshes last_seen.
	Touch(ctx context.Context, id string, at time.Time) error

	// UpdateTelemetry applies the non-nil telemetry fields.
	UpdateTelemetry(ctx context.Context, id string, t Telemetry) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevice = `
	SELECT id, name, serial_number, platform, model, os_version, status,
		connected, last_seen, latitude, longitude, location_accuracy,
		location_updated_at, battery_level, info, created_at, updated_at
	FROM devices`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevice+` WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectDevice+` ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	infoJSON, err := marshalInfo(d.Info)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	var lat, lon, acc sql.NullFloat64
	var locAt sql.NullString
	if d.Location != nil {
		lat = sql.NullFloat64{Float64: d.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: d.Location.Longitude, Valid: true}
		if d.Location.Accuracy != nil {
			acc = sql.NullFloat64{Float64: *d.Location.Accuracy, Valid: true}
		}
		locAt = database.NullTime(&d.Location.RecordedAt)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, name, serial_number, platform, model, os_version, status,
			connected, last_seen, latitude, longitude, location_accuracy,
			location_updated_at, battery_level, info, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Name,
		nullableString(d.SerialNumber),
		string(d.Platform),
		nullableString(d.Model),
		nullableString(d.OSVersion),
		string(d.Status),
		boolToInt(d.Connected),
		database.NullTime(d.LastSeen),
		lat, lon, acc, locAt,
		nullableInt(d.BatteryLevel),
		infoJSON,
		database.FormatTime(d.CreatedAt),
		database.FormatTime(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// UpdateStatus changes the enrollment status.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	return r.execOne(ctx, "updating device status",
		`UPDATE devices SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), database.FormatTime(time.Now()), id)
}

// SetConnection records a transport connect or disconnect.
func (r *SQLiteRepository) SetConnection(ctx context.Context, id string, connected bool, at time.Time) error {
	ts := database.FormatTime(at)
	return r.execOne(ctx, "updating device connection", `
		UPDATE devices SET
			connected = ?,
			last_seen = ?,
			status = CASE WHEN ? = 1 AND status = 'ENROLLED' THEN 'ACTIVE' ELSE status END,
			updated_at = ?
		WHERE id = ?`,
		boolToInt(connected), ts, boolToInt(connected), ts, id)
}

// Touch refreshes last_seen.
func (r *SQLiteRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.execOne(ctx, "touching device",
		`UPDATE devices SET last_seen = ? WHERE id = ?`,
		database.FormatTime(at), id)
}

// UpdateTelemetry applies the non-nil telemetry fields. Info keys are merged
// into the stored map rather than replacing it.
func (r *SQLiteRepository) UpdateTelemetry(ctx context.Context, id string, t Telemetry) error {
	var lat, lon, acc sql.NullFloat64
	var locAt sql.NullString
	hasLoc := 0
	if t.Location != nil {
		hasLoc = 1
		lat = sql.NullFloat64{Float64: t.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: t.Location.Longitude, Valid: true}
		if t.Location.Accuracy != nil {
			acc = sql.NullFloat64{Float64: *t.Location.Accuracy, Valid: true}
		}
		locAt = database.NullTime(&t.Location.RecordedAt)
	}

	infoPatch := "{}"
	if len(t.Info) > 0 {
		b, err := json.Marshal(t.Info)
		if err != nil {
			return fmt.Errorf("marshalling info: %w", err)
		}
		infoPatch = string(b)
	}

	reported := t.ReportedAt
	if reported.IsZero() {
		reported = time.Now()
	}
	ts := database.FormatTime(reported)

	return r.execOne(ctx, "updating device telemetry", `
		UPDATE devices SET
			latitude = CASE WHEN ? = 1 THEN ? ELSE latitude END,
			longitude = CASE WHEN ? = 1 THEN ? ELSE longitude END,
			location_accuracy = CASE WHEN ? = 1 THEN ? ELSE location_accuracy END,
			location_updated_at = CASE WHEN ? = 1 THEN ? ELSE location_updated_at END,
			battery_level = COALESCE(?, battery_level),
			os_version = COALESCE(?, os_version),
			model = COALESCE(?, model),
			info = json_patch(COALESCE(info, '{}'), ?),
			last_seen = ?,
			updated_at = ?
		WHERE id = ?`,
		hasLoc, lat,
		hasLoc, lon,
		hasLoc, acc,
		hasLoc, locAt,
		nullableInt(t.BatteryLevel),
		nullableString(t.OSVersion),
		nullableString(t.Model),
		infoPatch,
		ts, ts,
		id,
	)
}

func (r *SQLiteRepository) execOne(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var serial, model, osVersion sql.NullString
	var platform, status string
	var connected int
	var lastSeen, locAt sql.NullString
	var lat, lon, acc sql.NullFloat64
	var battery sql.NullInt64
	var infoJSON string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID, &d.Name, &serial, &platform, &model, &osVersion, &status,
		&connected, &lastSeen, &lat, &lon, &acc,
		&locAt, &battery, &infoJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Platform = Platform(platform)
	d.Status = Status(status)
	d.Connected = connected != 0
	if serial.Valid {
		d.SerialNumber = &serial.String
	}
	if model.Valid {
		d.Model = &model.String
	}
	if osVersion.Valid {
		d.OSVersion = &osVersion.String
	}
	if battery.Valid {
		b := int(battery.Int64)
		d.BatteryLevel = &b
	}

	if d.LastSeen, err = database.ParseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}

	if lat.Valid && lon.Valid {
		loc := Location{Latitude: lat.Float64, Longitude: lon.Float64}
		if acc.Valid {
			a := acc.Float64
			loc.Accuracy = &a
		}
		if at, err := database.ParseNullTime(locAt); err == nil && at != nil {
			loc.RecordedAt = *at
		}
		d.Location = &loc
	}

	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if infoJSON != "" && infoJSON != "{}" {
		if err := json.Unmarshal([]byte(infoJSON), &d.Info); err != nil {
			return nil, fmt.Errorf("unmarshalling info: %w", err)
		}
	}

	return &d, nil
}

func marshalInfo(info map[string]any) (string, error) {
	if len(info) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("marshalling info: %w", err)
	}
	return string(b), nil
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
