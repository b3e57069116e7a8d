package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertMemory creates or replaces the memory at (userID, category, key).
func (s *Store) UpsertMemory(ctx context.Context, userID, category, key, content string, metadata map[string]any) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, category, key, content, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, category, key)
		 DO UPDATE SET content = excluded.content, metadata = excluded.metadata, updated_at = excluded.updated_at`,
		userID, category, key, content, jsonText(metadata), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

// GetMemory fetches a single memory; nil when absent.
func (s *Store) GetMemory(ctx context.Context, userID, category, key string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
		 FROM memories WHERE user_id = ? AND category = ? AND key = ?`,
		userID, category, key,
	)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// DeleteMemory removes a memory, reporting whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, userID, category, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND category = ? AND key = ?`,
		userID, category, key,
	)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListMemories returns memories for a user, optionally filtered by category,
// most recently updated first.
func (s *Store) ListMemories(ctx context.Context, userID, category string, limit int) ([]Memory, error) {
	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
			 FROM memories WHERE user_id = ? AND category = ? ORDER BY updated_at DESC LIMIT ?`,
			userID, category, normLimit(limit, 50),
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
			 FROM memories WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
			userID, normLimit(limit, 50),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	return scanMemories(rows)
}

// RecentMemories returns the most recently updated memories for recall.
// An empty userID means no user filter.
func (s *Store) RecentMemories(ctx context.Context, userID string, limit int) ([]Memory, error) {
	var rows *sql.Rows
	var err error
	if userID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
			 FROM memories WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
			userID, normLimit(limit, 20),
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
			 FROM memories ORDER BY updated_at DESC LIMIT ?`,
			normLimit(limit, 20),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	return scanMemories(rows)
}

// AllMemories returns memories across all users for the dashboard, optionally
// filtered by category.
func (s *Store) AllMemories(ctx context.Context, category string, limit int) ([]Memory, error) {
	var rows *sql.Rows
	var err error
	if category != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
			 FROM memories WHERE category = ? ORDER BY updated_at DESC LIMIT ?`,
			category, normLimit(limit, 100),
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, user_id, category, key, content, metadata, created_at, updated_at
			 FROM memories ORDER BY updated_at DESC LIMIT ?`,
			normLimit(limit, 100),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("all memories: %w", err)
	}
	return scanMemories(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var userID, metadata sql.NullString
	if err := row.Scan(&m.ID, &userID, &m.Category, &m.Key, &m.Content, &metadata, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.UserID = userID.String
	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(metadata.String), &meta); err == nil {
			m.Metadata = meta
		}
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]Memory, error) {
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
