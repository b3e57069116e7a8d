package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogMessage appends one conversation message and returns its id.
func (s *Store) LogMessage(ctx context.Context, sessionName, role, content, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_name, role, content, summarized, user_id, created_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		sessionName, role, content, nullStr(userID), time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("log message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("log message id: %w", err)
	}
	return id, nil
}

// RecentMessages returns the newest messages across all sessions, newest first.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, role, content, summarized, user_id, created_at
		 FROM messages ORDER BY id DESC LIMIT ?`, normLimit(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return scanMessages(rows)
}

// SessionMessages returns the newest messages of one session, newest first.
func (s *Store) SessionMessages(ctx context.Context, sessionName string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, role, content, summarized, user_id, created_at
		 FROM messages WHERE session_name = ? ORDER BY id DESC LIMIT ?`,
		sessionName, normLimit(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("session messages: %w", err)
	}
	return scanMessages(rows)
}

// SearchMessages returns messages whose content matches the query substring,
// newest first.
func (s *Store) SearchMessages(ctx context.Context, query string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, role, content, summarized, user_id, created_at
		 FROM messages WHERE content LIKE '%' || ? || '%' ORDER BY id DESC LIMIT ?`,
		query, normLimit(limit, 20),
	)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return scanMessages(rows)
}

// CountUnsummarized reports how many messages of a session have not yet been
// folded into a summary.
func (s *Store) CountUnsummarized(ctx context.Context, sessionName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_name = ? AND summarized = 0`,
		sessionName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsummarized: %w", err)
	}
	return n, nil
}

// UnsummarizedMessages returns a session's unsummarized messages in
// chronological order.
func (s *Store) UnsummarizedMessages(ctx context.Context, sessionName string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, role, content, summarized, user_id, created_at
		 FROM messages WHERE session_name = ? AND summarized = 0 ORDER BY id ASC`,
		sessionName,
	)
	if err != nil {
		return nil, fmt.Errorf("unsummarized messages: %w", err)
	}
	return scanMessages(rows)
}

// MessageStats aggregates message counts for the /history stats view.
type MessageStats struct {
	Total        int64            `json:"total"`
	ByRole       map[string]int64 `json:"by_role"`
	BySession    map[string]int64 `json:"by_session"`
	Unsummarized int64            `json:"unsummarized"`
}

// Stats computes whole-store message statistics.
func (s *Store) Stats(ctx context.Context) (*MessageStats, error) {
	st := &MessageStats{
		ByRole:    make(map[string]int64),
		BySession: make(map[string]int64),
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&st.Total); err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE summarized = 0`,
	).Scan(&st.Unsummarized); err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT role, COUNT(*) FROM messages GROUP BY role`)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role string
		var n int64
		if err := rows.Scan(&role, &n); err != nil {
			return nil, fmt.Errorf("message stats: %w", err)
		}
		st.ByRole[role] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}

	srows, err := s.db.QueryContext(ctx, `SELECT session_name, COUNT(*) FROM messages GROUP BY session_name`)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	defer srows.Close()
	for srows.Next() {
		var name string
		var n int64
		if err := srows.Scan(&name, &n); err != nil {
			return nil, fmt.Errorf("message stats: %w", err)
		}
		st.BySession[name] = n
	}
	if err := srows.Err(); err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	return st, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var userID sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionName, &m.Role, &m.Content, &m.Summarized, &userID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.UserID = userID.String
		out = append(out, m)
	}
	return out, rows.Err()
}

// normLimit clamps a caller-supplied limit to a sane positive value.
func normLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
