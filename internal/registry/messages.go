package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"studysync/internal/notifier"
)

// Message is one logged delivery attempt.
type Message struct {
	ID     string    `json:"id"`
	Phone  string    `json:"phone"`
	Body   string    `json:"body"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// RecordMessage implements notifier.Recorder.
func (s *Service) RecordMessage(ctx context.Context, rec notifier.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(id, phone, body, status, err, sent_at) VALUES(?,?,?,?,?,?)`,
		uuid.NewString(), rec.Recipient, rec.Body, rec.Status, rec.Error,
		rec.SentAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// MessagesForPhone returns the delivery log for one recipient, newest
// first, capped at limit (<=0 means 50).
func (s *Service) MessagesForPhone(ctx context.Context, phone string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, phone, body, status, err, sent_at FROM messages
		 WHERE phone = ? ORDER BY sent_at DESC LIMIT ?`, phone, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m      Message
			sentAt string
		)
		if err := rows.Scan(&m.ID, &m.Phone, &m.Body, &m.Status, &m.Error, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt, _ = time.Parse(time.RFC3339Nano, sentAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneMessages deletes log rows older than the retention window and
// reports how many went away.
func (s *Service) PruneMessages(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE sent_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
