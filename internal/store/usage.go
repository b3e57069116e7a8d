package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertUsage records one turn's cost accounting. Callers treat failures as
// non-fatal; usage persistence is fire-and-forget.
func (s *Store) InsertUsage(ctx context.Context, u *UsageRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
		 (session_name, user_id, cost_usd, num_turns, duration_api_ms, input_tokens, output_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.SessionName, nullStr(u.UserID), u.CostUSD, u.NumTurns, u.DurationAPIMS,
		u.InputTokens, u.OutputTokens, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

// UsageRecords returns the newest usage rows, newest first.
func (s *Store) UsageRecords(ctx context.Context, limit int) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_name, user_id, cost_usd, num_turns, duration_api_ms, input_tokens, output_tokens, created_at
		 FROM usage_records ORDER BY id DESC LIMIT ?`, normLimit(limit, 50),
	)
	if err != nil {
		return nil, fmt.Errorf("usage records: %w", err)
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		var u UsageRecord
		var userID sql.NullString
		if err := rows.Scan(&u.ID, &u.SessionName, &userID, &u.CostUSD, &u.NumTurns,
			&u.DurationAPIMS, &u.InputTokens, &u.OutputTokens, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		u.UserID = userID.String
		out = append(out, u)
	}
	return out, rows.Err()
}

// UsageTotals aggregates usage over the whole store.
func (s *Store) UsageTotals(ctx context.Context) (*UsageTotal, error) {
	var t UsageTotal
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(num_turns), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		 FROM usage_records`,
	).Scan(&t.TotalCostUSD, &t.TotalTurns, &t.InputTokens, &t.OutputTokens, &t.Records)
	if err != nil {
		return nil, fmt.Errorf("usage totals: %w", err)
	}
	return &t, nil
}

// UsageBySession aggregates usage per session, highest spend first.
func (s *Store) UsageBySession(ctx context.Context) ([]UsageTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_name, COALESCE(SUM(cost_usd), 0), COALESCE(SUM(num_turns), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		 FROM usage_records GROUP BY session_name ORDER BY SUM(cost_usd) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("usage by session: %w", err)
	}
	defer rows.Close()
	var out []UsageTotal
	for rows.Next() {
		var t UsageTotal
		if err := rows.Scan(&t.SessionName, &t.TotalCostUSD, &t.TotalTurns,
			&t.InputTokens, &t.OutputTokens, &t.Records); err != nil {
			return nil, fmt.Errorf("scan usage total: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SessionUsage aggregates usage for one session.
func (s *Store) SessionUsage(ctx context.Context, sessionName string) (*UsageTotal, error) {
	t := UsageTotal{SessionName: sessionName}
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(num_turns), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		 FROM usage_records WHERE session_name = ?`, sessionName,
	).Scan(&t.TotalCostUSD, &t.TotalTurns, &t.InputTokens, &t.OutputTokens, &t.Records)
	if err != nil {
		return nil, fmt.Errorf("session usage: %w", err)
	}
	return &t, nil
}
