package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLSink appends entries to the message_logs table.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink creates a sink over db.
func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

// Write inserts entry.
func (s *SQLSink) Write(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_logs
			(direction, chat_id, sender_id, message_id, text, automated, request_id, response_status, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.Direction),
		e.ChatID,
		nullString(e.SenderID),
		nullString(e.MessageID),
		nullString(e.Text),
		e.Automated,
		nullString(e.RequestID),
		sql.NullInt64{Int64: int64(e.ResponseStatus), Valid: e.ResponseStatus != 0},
		nullString(e.ErrorDetail),
		e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
