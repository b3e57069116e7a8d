package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SaveSummary inserts a summary and marks the covered messages as summarized
// in the same transaction, so a crash can never leave a summary counted
// against messages that still look fresh.
func (s *Store) SaveSummary(ctx context.Context, sum *Summary, messageIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_summaries
		 (session_name, full_summary, short_summary, topics, message_count, is_milestone, user_id, persona_name, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SessionName, sum.FullSummary, nullStr(sum.ShortSummary), jsonText(sum.Topics),
		sum.MessageCount, sum.IsMilestone, nullStr(sum.UserID), nullStr(sum.PersonaName), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert summary id: %w", err)
	}

	if len(messageIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(messageIDs)), ",")
		args := make([]any, len(messageIDs))
		for i, mid := range messageIDs {
			args[i] = mid
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET summarized = 1 WHERE id IN (`+placeholders+`)`, args...,
		); err != nil {
			return fmt.Errorf("mark messages summarized: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary tx: %w", err)
	}
	sum.ID = id
	return nil
}

// RecentSummaries returns the newest summaries of a session, newest first.
func (s *Store) RecentSummaries(ctx context.Context, sessionName string, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, full_summary, short_summary, topics, message_count, is_milestone, user_id, persona_name, created_at
		 FROM conversation_summaries WHERE session_name = ? ORDER BY id DESC LIMIT ?`,
		sessionName, normLimit(limit, 3),
	)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	return scanSummaries(rows)
}

// ListSummaries returns summaries across all sessions, newest first,
// optionally filtered by session.
func (s *Store) ListSummaries(ctx context.Context, sessionName string, limit int) ([]Summary, error) {
	var rows *sql.Rows
	var err error
	if sessionName != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_name, full_summary, short_summary, topics, message_count, is_milestone, user_id, persona_name, created_at
			 FROM conversation_summaries WHERE session_name = ? ORDER BY id DESC LIMIT ?`,
			sessionName, normLimit(limit, 20),
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, session_name, full_summary, short_summary, topics, message_count, is_milestone, user_id, persona_name, created_at
			 FROM conversation_summaries ORDER BY id DESC LIMIT ?`,
			normLimit(limit, 20),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	return scanSummaries(rows)
}

// SearchSummaries returns summaries whose text matches the query substring,
// newest first.
func (s *Store) SearchSummaries(ctx context.Context, query string, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, full_summary, short_summary, topics, message_count, is_milestone, user_id, persona_name, created_at
		 FROM conversation_summaries
		 WHERE full_summary LIKE '%' || ? || '%' OR short_summary LIKE '%' || ? || '%'
		 ORDER BY id DESC LIMIT ?`,
		query, query, normLimit(limit, 20),
	)
	if err != nil {
		return nil, fmt.Errorf("search summaries: %w", err)
	}
	return scanSummaries(rows)
}

// MilestoneSummaries returns summaries flagged as milestones, newest first.
func (s *Store) MilestoneSummaries(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, full_summary, short_summary, topics, message_count, is_milestone, user_id, persona_name, created_at
		 FROM conversation_summaries WHERE is_milestone = 1 ORDER BY id DESC LIMIT ?`,
		normLimit(limit, 20),
	)
	if err != nil {
		return nil, fmt.Errorf("milestone summaries: %w", err)
	}
	return scanSummaries(rows)
}

// CountSummaries reports how many summaries exist for a session.
func (s *Store) CountSummaries(ctx context.Context, sessionName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_summaries WHERE session_name = ?`, sessionName,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var sm Summary
		var short, userID, persona sql.NullString
		var topics sql.NullString
		if err := rows.Scan(&sm.ID, &sm.SessionName, &sm.FullSummary, &short, &topics,
			&sm.MessageCount, &sm.IsMilestone, &userID, &persona, &sm.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sm.ShortSummary = short.String
		sm.Topics = stringList(topics)
		sm.UserID = userID.String
		sm.PersonaName = persona.String
		out = append(out, sm)
	}
	return out, rows.Err()
}
