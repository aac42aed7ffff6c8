package command

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/fleetcore/internal/infrastructure/database"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 365
	recentActivity   = 10
)

// StatsQuery selects the window for Stats.
type StatsQuery struct {
	DeviceID string
	Days     int // trailing window, default 7
}

// Summary holds the headline numbers of a stats window.
type Summary struct {
	Total int `json:"total"`
	// SuccessRate is EXECUTED / (EXECUTED + FAILED) * 100, or 0 with no outcomes.
	SuccessRate float64 `json:"successRate"`
	// AvgExecutionTime is the mean created -> completed time of EXECUTED
	// commands, in milliseconds.
	AvgExecutionTime float64 `json:"avgExecutionTime"`
}

// StatusCount is one bucket of the by-status breakdown.
type StatusCount struct {
	Status Status `json:"status"`
	Count  int    `json:"count"`
}

// TypeCount is one bucket of the by-type breakdown.
type TypeCount struct {
	Type  Type `json:"type"`
	Count int  `json:"count"`
}

// Stats is the aggregate view over a trailing window.
type Stats struct {
	Summary        Summary       `json:"summary"`
	ByStatus       []StatusCount `json:"byStatus"`
	ByCommand      []TypeCount   `json:"byCommand"`
	RecentActivity []Command     `json:"recentActivity"`
	Since          time.Time     `json:"since"`
}

// SuccessRate returns executed / (executed + failed) * 100, or 0 when no
// command has an outcome yet.
func SuccessRate(executed, failed int) float64 {
	if executed+failed == 0 {
		return 0
	}
	return float64(executed) / float64(executed+failed) * 100
}

// Stats aggregates commands for the query window.
func (s *Service) Stats(ctx context.Context, q StatsQuery) (*Stats, error) {
	if q.Days == 0 {
		q.Days = defaultStatsDays
	}
	if q.Days < 0 || q.Days > maxStatsDays {
		return nil, fmt.Errorf("%w: days must be between 1 and %d", ErrInvalidFilter, maxStatsDays)
	}

	since := s.now().AddDate(0, 0, -q.Days)
	stats, err := s.repo.Stats(ctx, q.DeviceID, since)
	if err != nil {
		return nil, err
	}

	var executed, failed int
	for _, bucket := range stats.ByStatus {
		switch bucket.Status {
		case StatusExecuted:
			executed = bucket.Count
		case StatusFailed:
			failed = bucket.Count
		}
	}
	stats.Summary.SuccessRate = SuccessRate(executed, failed)
	return stats, nil
}

// Stats aggregates commands created at or after since.
func (r *SQLiteRepository) Stats(ctx context.Context, deviceID string, since time.Time) (*Stats, error) {
	where := " WHERE created_at >= ?"
	args := []any{database.FormatTime(since)}
	if deviceID != "" {
		where += " AND device_id = ?"
		args = append(args, deviceID)
	}

	stats := &Stats{
		ByStatus:  []StatusCount{},
		ByCommand: []TypeCount{},
		Since:     since.UTC(),
	}

	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*),
		AVG(CASE WHEN status = 'EXECUTED' AND completed_at IS NOT NULL
			THEN (julianday(completed_at) - julianday(created_at)) * 86400000.0 END)
		FROM commands`+where, args...).Scan(&stats.Summary.Total, &avg)
	if err != nil {
		return nil, fmt.Errorf("summarising commands: %w", err)
	}
	if avg.Valid {
		stats.Summary.AvgExecutionTime = math.Round(avg.Float64)
	}

	rows, err := r.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM commands"+where+" GROUP BY status ORDER BY COUNT(*) DESC, status", args...)
	if err != nil {
		return nil, fmt.Errorf("grouping commands by status: %w", err)
	}
	for rows.Next() {
		var b StatusCount
		var status string
		if err := rows.Scan(&status, &b.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		b.Status = Status(status)
		stats.ByStatus = append(stats.ByStatus, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	rows, err = r.db.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM commands"+where+" GROUP BY type ORDER BY COUNT(*) DESC, type", args...)
	if err != nil {
		return nil, fmt.Errorf("grouping commands by type: %w", err)
	}
	for rows.Next() {
		var b TypeCount
		var cmdType string
		if err := rows.Scan(&cmdType, &b.Count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning type count: %w", err)
		}
		b.Type = Type(cmdType)
		stats.ByCommand = append(stats.ByCommand, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating type counts: %w", err)
	}

	stats.RecentActivity, err = r.query(ctx,
		"SELECT "+commandColumns+" FROM commands"+where+" ORDER BY created_at DESC, rowid DESC LIMIT ?",
		append(args, recentActivity)...,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
