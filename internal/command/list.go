package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	exportPageSize  = 500
)

// Filter selects commands for List and Export.
type Filter struct {
	DeviceID string
	Type     Type
	Status   Status
	From     *time.Time // created_at >= From
	To       *time.Time // created_at < To
	Page     int        // 1-based, default 1
	Limit    int        // default 20, max 100
}

// ListResult is one page of commands, newest first.
type ListResult struct {
	Commands   []Command `json:"commands"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"total_pages"`
}

// Cursor is the position of the last row read by ListBefore.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Normalize validates the filter and applies paging defaults.
func (f *Filter) Normalize() error {
	if f.Type != "" && !ValidType(f.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFilter, f.Type)
	}
	if f.Status != "" && !ValidStatus(f.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, f.Status)
	}
	if f.From != nil && f.To != nil && !f.To.After(*f.From) {
		return fmt.Errorf("%w: empty date range", ErrInvalidFilter)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	return nil
}

func (f Filter) where() (string, []any) {
	var conditions []string
	var args []any
	if f.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.From != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, database.FormatTime(*f.From))
	}
	if f.To != nil {
		conditions = append(conditions, "created_at < ?")
		args = append(args, database.FormatTime(*f.To))
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// List returns a page of commands matching filter. The filter must already
// be normalised.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	where, args := filter.where()

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM commands"+where, args...).Scan(&total); err != nil { //nolint:gosec // placeholders only
		return nil, fmt.Errorf("counting commands: %w", err)
	}

	offset := (filter.Page - 1) * filter.Limit
	cmds, err := r.query(ctx,
		"SELECT "+commandColumns+" FROM commands"+where+" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		append(args, filter.Limit, offset)...,
	)
	if err != nil {
		return nil, err
	}

	pages := 0
	if filter.Limit > 0 {
		pages = (total + filter.Limit - 1) / filter.Limit
	}
	return &ListResult{
		Commands:   cmds,
		Total:      total,
		Page:       filter.Page,
		Limit:      filter.Limit,
		TotalPages: pages,
	}, nil
}

// ListBefore returns up to limit commands matching filter, newest first by
// (created_at, id), starting after cursor. A nil cursor starts from the
// newest. Rows inserted between calls never shift later pages.
func (r *SQLiteRepository) ListBefore(ctx context.Context, filter Filter, cursor *Cursor, limit int) ([]Command, error) {
	where, args := filter.where()
	if cursor != nil {
		at := database.FormatTime(cursor.CreatedAt)
		keyset := "(created_at < ? OR (created_at = ? AND id < ?))"
		if where == "" {
			where = " WHERE " + keyset
		} else {
			where += " AND " + keyset
		}
		args = append(args, at, at, cursor.ID)
	}
	return r.query(ctx,
		"SELECT "+commandColumns+" FROM commands"+where+" ORDER BY created_at DESC, id DESC LIMIT ?", //nolint:gosec // placeholders only
		append(args, limit)...,
	)
}

// Export returns up to maxRows commands matching filter, newest first. Paging
// fields on filter are ignored.
func (s *Service) Export(ctx context.Context, filter Filter, maxRows int) ([]Command, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}

	out := make([]Command, 0)
	var cursor *Cursor
	for len(out) < maxRows {
		n := min(exportPageSize, maxRows-len(out))
		page, err := s.repo.ListBefore(ctx, filter, cursor, n)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < n {
			break
		}
		last := page[len(page)-1]
		cursor = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return out, nil
}
