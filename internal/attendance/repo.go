package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"otpattend/internal/otp"
)

// Event is one committed attendance entry in the ledger.
type Event struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	SubjectID  string    `json:"subject_id"`
	Generation uint64    `json:"generation"`
	When       time.Time `json:"when"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository persists ledger events in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RecordRedemption implements Ledger. Replays of the same redemption are
// ignored.
func (r *Repository) RecordRedemption(ctx context.Context, rec otp.RedemptionRecord) error {
	if rec.SessionID == "" || rec.SubjectID == "" {
		return errors.New("session and subject required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_events (id, session_id, subject_id, generation, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, subject_id, generation) DO NOTHING
	`, uuid.NewString(), rec.SessionID, rec.SubjectID, int64(rec.Generation), rec.RedeemedAt)
	return err
}

// ListEvents returns events with basic filters.
func (r *Repository) ListEvents(ctx context.Context, sessionID, subjectID string, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, session_id, subject_id, generation, occurred_at, created_at FROM attendance_events`
	args := []any{}
	clauses := []string{}
	if sessionID != "" {
		args = append(args, sessionID)
		clauses = append(clauses, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if subjectID != "" {
		args = append(args, subjectID)
		clauses = append(clauses, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var (
			evt Event
			gen int64
		)
		if err := rows.Scan(&evt.ID, &evt.SessionID, &evt.SubjectID, &gen, &evt.When, &evt.CreatedAt); err != nil {
			return nil, err
		}
		evt.Generation = uint64(gen)
		res = append(res, evt)
	}
	return res, rows.Err()
}
