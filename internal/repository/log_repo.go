package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/multisession-gateway/backend/internal/model"
)

// LogRepository provides data access for persisted system logs.
type LogRepository struct {
	db *sql.DB
}

// NewLogRepository creates a new LogRepository.
func NewLogRepository(db *sql.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Insert stores one log line.
func (r *LogRepository) Insert(ctx context.Context, entry model.SystemLog) error {
	query := `
		INSERT INTO system_logs (level, message, session_id, created_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.Level,
		entry.Message,
		nullString(entry.SessionID),
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert system log: %w", err)
	}

	return nil
}

// List returns a page of logs, newest first, and the number of matching rows.
func (r *LogRepository) List(ctx context.Context, page model.Page) ([]model.SystemLog, int, error) {
	page = page.Normalize()

	where, args := searchClause(page.Search, "level", "message", "session_id")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM system_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count system logs: %w", err)
	}

	query := `
		SELECT id, level, message, session_id, created_at
		FROM system_logs` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list system logs: %w", err)
	}
	defer rows.Close()

	logs := make([]model.SystemLog, 0, page.Limit)
	for rows.Next() {
		var entry model.SystemLog
		var sessionID sql.NullString

		if err := rows.Scan(&entry.ID, &entry.Level, &entry.Message, &sessionID, &entry.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan system log: %w", err)
		}
		if sessionID.Valid {
			entry.SessionID = sessionID.String
		}
		logs = append(logs, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating system logs: %w", err)
	}

	return logs, total, nil
}

// DeleteAll truncates the system log.
func (r *LogRepository) DeleteAll(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM system_logs`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete system logs: %w", err)
	}
	return result.RowsAffected()
}

// DeleteBySession removes the logs attributed to one session.
func (r *LogRepository) DeleteBySession(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM system_logs WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete system logs: %w", err)
	}
	return result.RowsAffected()
}
