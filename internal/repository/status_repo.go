package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/multisession-gateway/backend/internal/model"
)

// StatusRepository persists the last-known status of every session and the
// append-only session event log.
type StatusRepository struct {
	db *sql.DB
}

// NewStatusRepository creates a new StatusRepository.
func NewStatusRepository(db *sql.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// UpsertStatus inserts or replaces the status row of a session.
func (r *StatusRepository) UpsertStatus(ctx context.Context, rec model.StatusRecord) error {
	query := `
		INSERT INTO session_status (session_id, state, contact_id, last_changed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			contact_id = excluded.contact_id,
			last_changed_at = excluded.last_changed_at
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.SessionID,
		string(rec.State),
		nullString(rec.ContactID),
		rec.LastChangedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session status: %w", err)
	}

	return nil
}

// GetStatus retrieves the status row of a session.
func (r *StatusRepository) GetStatus(ctx context.Context, id string) (*model.StatusRecord, error) {
	query := `
		SELECT session_id, state, contact_id, last_changed_at
		FROM session_status
		WHERE session_id = ?
	`

	rec, err := scanStatus(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session status: %w", err)
	}

	return rec, nil
}

// ListStatuses returns every status row ordered by session id.
func (r *StatusRepository) ListStatuses(ctx context.Context) ([]model.StatusRecord, error) {
	query := `
		SELECT session_id, state, contact_id, last_changed_at
		FROM session_status
		ORDER BY session_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list session statuses: %w", err)
	}
	defer rows.Close()

	var records []model.StatusRecord
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session status: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session statuses: %w", err)
	}

	return records, nil
}

// DeleteStatus removes the status row of a session. Deleting a missing row
// is not an error.
func (r *StatusRepository) DeleteStatus(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_status WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session status: %w", err)
	}
	return nil
}

// AppendEvent adds one row to the session event log.
func (r *StatusRepository) AppendEvent(ctx context.Context, rec model.EventRecord) error {
	query := `
		INSERT INTO session_events (session_id, seq, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		rec.SessionID,
		int64(rec.Seq),
		string(rec.Kind),
		nullString(rec.Detail),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append session event: %w", err)
	}

	return nil
}

// ListEvents returns a page of the event log, newest first, together with
// the total number of matching rows. Search matches session id, kind and
// detail.
func (r *StatusRepository) ListEvents(ctx context.Context, page model.Page) ([]model.EventRecord, int, error) {
	page = page.Normalize()

	where, args := searchClause(page.Search, "session_id", "kind", "detail")

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count session events: %w", err)
	}

	query := `
		SELECT id, session_id, seq, kind, detail, created_at
		FROM session_events` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := r.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	events := make([]model.EventRecord, 0, page.Limit)
	for rows.Next() {
		var rec model.EventRecord
		var seq int64
		var kind string
		var detail sql.NullString

		if err := rows.Scan(&rec.ID, &rec.SessionID, &seq, &kind, &detail, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan session event: %w", err)
		}

		rec.Seq = uint64(seq)
		rec.Kind = model.EventKind(kind)
		if detail.Valid {
			rec.Detail = detail.String
		}
		events = append(events, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating session events: %w", err)
	}

	return events, total, nil
}

// DeleteEvents removes the event log of one session and returns the number
// of rows removed.
func (r *StatusRepository) DeleteEvents(ctx context.Context, sessionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session events: %w", err)
	}
	return result.RowsAffected()
}

// DeleteAllEvents truncates the event log.
func (r *StatusRepository) DeleteAllEvents(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM session_events`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session events: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (*model.StatusRecord, error) {
	rec := &model.StatusRecord{}
	var state string
	var contactID sql.NullString
	var changedAt time.Time

	if err := row.Scan(&rec.SessionID, &state, &contactID, &changedAt); err != nil {
		return nil, err
	}

	rec.State = model.SessionState(state)
	rec.LastChangedAt = changedAt
	if contactID.Valid {
		rec.ContactID = contactID.String
	}

	return rec, nil
}

// searchClause builds a WHERE clause matching search against any of columns.
func searchClause(search string, columns ...string) (string, []any) {
	if search == "" {
		return "", nil
	}

	clause := " WHERE ("
	args := make([]any, 0, len(columns))
	for i, col := range columns {
		if i > 0 {
			clause += " OR "
		}
		clause += col + " LIKE ?"
		args = append(args, "%"+search+"%")
	}
	return clause + ")", args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
