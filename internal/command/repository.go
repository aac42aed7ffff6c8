package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleetcore/internal/audit"
	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
)

// Repository defines the command record store.
//
// Every status change is conditional on the current status, so two racing
// writers (a sweep timeout and a late device result, say) cannot both win.
type Repository interface {
	// Create inserts a PENDING command together with its CREATED event.
	Create(ctx context.Context, cmd *Command) error

	// GetByID returns one command or ErrCommandNotFound.
	GetByID(ctx context.Context, id string) (*Command, error)

	// ListPendingByDevice returns the device's PENDING commands that are due
	// at now, oldest first.
	ListPendingByDevice(ctx context.Context, deviceID string, now time.Time) ([]Command, error)

	// ListPending returns up to limit PENDING commands due at now, oldest first.
	ListPending(ctx context.Context, now time.Time, limit int) ([]Command, error)

	// Transition performs one conditional status change and returns the
	// updated record. A status mismatch wraps ErrConflict.
	Transition(ctx context.Context, id string, t Transition) (*Command, error)

	// BulkTransition applies from -> to to every id currently in from and
	// returns the records that changed. Others are skipped silently.
	BulkTransition(ctx context.Context, ids []string, t Transition) ([]Command, error)

	// List returns a page of commands, newest first.
	List(ctx context.Context, filter Filter) (*ListResult, error)

	// ListBefore returns up to limit commands after cursor, newest first.
	ListBefore(ctx context.Context, filter Filter, cursor *Cursor, limit int) ([]Command, error)

	// Stats aggregates commands created at or after since.
	Stats(ctx context.Context, deviceID string, since time.Time) (*Stats, error)

	// CountByStatus returns the number of commands in status.
	CountByStatus(ctx context.Context, status Status) (int, error)
}

// Transition describes a conditional status change.
type Transition struct {
	From []Status
	To   Status

	// DeviceID, when set, also requires the command to belong to this device.
	DeviceID string

	// Result is stored when To carries a result.
	Result *Result

	At time.Time

	// Event is appended in the same transaction when non-empty.
	Event   audit.EventType
	Payload map[string]any
}

// SQLiteRepository implements Repository on the commands table.
type SQLiteRepository struct {
	db     *sql.DB
	events audit.Repository
}

// NewSQLiteRepository creates a command store. Audit events are written
// through events inside the same transaction as the status change.
func NewSQLiteRepository(db *sql.DB, events audit.Repository) *SQLiteRepository {
	return &SQLiteRepository{db: db, events: events}
}

const commandColumns = `id, device_id, type, parameters, status, result, priority, created_by,
	execute_at, expires_at, sent_at, completed_at, created_at, updated_at`

// Create inserts cmd and its CREATED event atomically.
func (r *SQLiteRepository) Create(ctx context.Context, cmd *Command) error {
	params, err := marshalParameters(cmd.Parameters)
	if err != nil {
		return err
	}

	return database.InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO commands (id, device_id, type, parameters, status, priority, created_by,
				execute_at, expires_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cmd.ID, cmd.DeviceID, string(cmd.Type), params, string(cmd.Status),
			string(cmd.Priority), nullString(cmd.CreatedBy),
			database.NullTime(cmd.ExecuteAt), database.NullTime(cmd.ExpiresAt),
			database.FormatTime(cmd.CreatedAt), database.FormatTime(cmd.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting command: %w", err)
		}

		return r.events.AppendTx(ctx, tx, &audit.Event{
			DeviceID:  cmd.DeviceID,
			CommandID: cmd.ID,
			Type:      audit.EventCommandCreated,
			Payload:   map[string]any{"type": string(cmd.Type), "priority": string(cmd.Priority)},
			CreatedAt: cmd.CreatedAt,
		})
	})
}

// GetByID returns a command by ID.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+commandColumns+" FROM commands WHERE id = ?", id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	return cmd, nil
}

// ListPendingByDevice returns due PENDING commands for one device.
func (r *SQLiteRepository) ListPendingByDevice(ctx context.Context, deviceID string, now time.Time) ([]Command, error) {
	return r.query(ctx,
		"SELECT "+commandColumns+` FROM commands
		 WHERE device_id = ? AND status = 'PENDING' AND (execute_at IS NULL OR execute_at <= ?)
		 ORDER BY created_at ASC, rowid ASC`,
		deviceID, database.FormatTime(now),
	)
}

// ListPending returns the oldest due PENDING commands.
func (r *SQLiteRepository) ListPending(ctx context.Context, now time.Time, limit int) ([]Command, error) {
	return r.query(ctx,
		"SELECT "+commandColumns+` FROM commands
		 WHERE status = 'PENDING' AND (execute_at IS NULL OR execute_at <= ?)
		 ORDER BY created_at ASC, rowid ASC
		 LIMIT ?`,
		database.FormatTime(now), limit,
	)
}

// Transition applies one conditional status change.
func (r *SQLiteRepository) Transition(ctx context.Context, id string, t Transition) (*Command, error) {
	var updated *Command

	err := database.InTx(ctx, r.db, func(tx *sql.Tx) error {
		set, setArgs, err := transitionSet(t)
		if err != nil {
			return err
		}

		where := "id = ? AND status IN (" + placeholders(len(t.From)) + ")"
		args := append(setArgs, id)
		args = append(args, statusArgs(t.From)...)
		if t.DeviceID != "" {
			where += " AND device_id = ?"
			args = append(args, t.DeviceID)
		}

		query := "UPDATE commands SET " + set + " WHERE " + where + " RETURNING " + commandColumns //nolint:gosec // placeholders only
		cmd, err := scanCommand(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return explainMiss(ctx, tx, id, t)
		}
		if err != nil {
			return fmt.Errorf("updating command %s: %w", id, err)
		}

		if t.Event != "" {
			if err := r.events.AppendTx(ctx, tx, transitionEvent(cmd, t)); err != nil {
				return err
			}
		}
		updated = cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// BulkTransition applies t to every listed command currently in t.From.
func (r *SQLiteRepository) BulkTransition(ctx context.Context, ids []string, t Transition) ([]Command, error) {
	if len(ids) == 0 {
		return []Command{}, nil
	}

	var changed []Command
	err := database.InTx(ctx, r.db, func(tx *sql.Tx) error {
		set, setArgs, err := transitionSet(t)
		if err != nil {
			return err
		}

		args := append(setArgs, stringArgs(ids)...)
		args = append(args, statusArgs(t.From)...)
		query := "UPDATE commands SET " + set + //nolint:gosec // placeholders only
			" WHERE id IN (" + placeholders(len(ids)) + ") AND status IN (" + placeholders(len(t.From)) + ")" +
			" RETURNING " + commandColumns

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("bulk updating commands: %w", err)
		}
		changed, err = collect(rows)
		if err != nil {
			return err
		}

		if t.Event == "" {
			return nil
		}
		for i := range changed {
			if err := r.events.AppendTx(ctx, tx, transitionEvent(&changed[i], t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// CountByStatus returns the number of commands in status.
func (r *SQLiteRepository) CountByStatus(ctx context.Context, status Status) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commands WHERE status = ?", string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s commands: %w", status, err)
	}
	return n, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Command, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	return collect(rows)
}

// transitionSet builds the SET clause for t.
func transitionSet(t Transition) (string, []any, error) {
	if len(t.From) == 0 {
		return "", nil, fmt.Errorf("%w: transition without a source status", ErrConflict)
	}
	for _, from := range t.From {
		if !from.CanTransitionTo(t.To) {
			return "", nil, fmt.Errorf("%w: %s -> %s is not permitted", ErrConflict, from, t.To)
		}
	}
	at := database.FormatTime(t.At)

	clauses := []string{"status = ?", "updated_at = ?"}
	args := []any{string(t.To), at}

	switch {
	case t.To == StatusSent:
		clauses = append(clauses, "sent_at = ?")
		args = append(args, at)
	case t.To == StatusPending:
		clauses = append(clauses, "result = NULL", "completed_at = NULL", "sent_at = NULL")
	case t.To.Terminal():
		clauses = append(clauses, "completed_at = ?")
		args = append(args, at)
	}

	if t.To.HasResult() {
		if t.Result == nil {
			return "", nil, fmt.Errorf("transition to %s requires a result", t.To)
		}
		b, err := json.Marshal(t.Result)
		if err != nil {
			return "", nil, fmt.Errorf("marshalling result: %w", err)
		}
		clauses = append(clauses, "result = ?")
		args = append(args, string(b))
	}

	return strings.Join(clauses, ", "), args, nil
}

// explainMiss works out why a conditional update matched nothing.
func explainMiss(ctx context.Context, tx *sql.Tx, id string, t Transition) error {
	var status, deviceID string
	err := tx.QueryRowContext(ctx, "SELECT status, device_id FROM commands WHERE id = ?", id).Scan(&status, &deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCommandNotFound
	}
	if err != nil {
		return fmt.Errorf("reading command %s: %w", id, err)
	}
	if t.DeviceID != "" && deviceID != t.DeviceID {
		return fmt.Errorf("%w: command %s belongs to another device", ErrDeviceMismatch, id)
	}
	return fmt.Errorf("%w: command %s is %s, cannot move to %s", ErrConflict, id, status, t.To)
}

func transitionEvent(cmd *Command, t Transition) *audit.Event {
	payload := map[string]any{"type": string(cmd.Type), "status": string(cmd.Status)}
	for k, v := range t.Payload {
		payload[k] = v
	}
	if cmd.Result != nil && cmd.Result.Message != "" {
		payload["message"] = cmd.Result.Message
	}
	return &audit.Event{
		DeviceID:  cmd.DeviceID,
		CommandID: cmd.ID,
		Type:      t.Event,
		Payload:   payload,
		CreatedAt: t.At,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collect(rows *sql.Rows) ([]Command, error) {
	defer rows.Close()

	cmds := []Command{}
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		cmd                                  Command
		cmdType, status, priority, params    string
		result, createdBy                    sql.NullString
		executeAt, expiresAt, sentAt, doneAt sql.NullString
		createdAt, updatedAt                 string
	)

	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmdType, &params, &status, &result, &priority, &createdBy,
		&executeAt, &expiresAt, &sentAt, &doneAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning command: %w", err)
	}

	cmd.Type = Type(cmdType)
	cmd.Status = Status(status)
	cmd.Priority = Priority(priority)
	cmd.CreatedBy = createdBy.String

	if err := json.Unmarshal([]byte(params), &cmd.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshalling parameters of %s: %w", cmd.ID, err)
	}
	if cmd.Parameters == nil {
		cmd.Parameters = map[string]any{}
	}
	if result.Valid {
		cmd.Result = &Result{}
		if err := json.Unmarshal([]byte(result.String), cmd.Result); err != nil {
			return nil, fmt.Errorf("unmarshalling result of %s: %w", cmd.ID, err)
		}
	}

	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{executeAt, &cmd.ExecuteAt},
		{expiresAt, &cmd.ExpiresAt},
		{sentAt, &cmd.SentAt},
		{doneAt, &cmd.CompletedAt},
	} {
		t, err := database.ParseNullTime(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = t
	}

	if cmd.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if cmd.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func marshalParameters(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshalling parameters: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
