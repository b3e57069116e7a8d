package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// HashToken returns the hex SHA-256 of a raw dashboard token. Raw tokens are
// never written to the database.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateDashboardToken stores the hash and display prefix of a raw token.
func (s *Store) CreateDashboardToken(ctx context.Context, name, raw string) (*DashboardToken, error) {
	prefix := raw
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_tokens (name, token_hash, token_prefix, enabled, created_at)
		 VALUES (?, ?, ?, 1, ?)`,
		name, HashToken(raw), prefix, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create dashboard token: %w", err)
	}
	id, _ := res.LastInsertId()
	return &DashboardToken{
		ID:          id,
		Name:        name,
		TokenPrefix: prefix,
		Enabled:     true,
		CreatedAt:   now,
	}, nil
}

// VerifyDashboardToken checks a raw token against the enabled tokens and, on
// a match, stamps last_used_at. Returns nil when the token does not verify.
func (s *Store) VerifyDashboardToken(ctx context.Context, raw string) (*DashboardToken, error) {
	if raw == "" {
		return nil, nil
	}
	hash := HashToken(raw)
	var t DashboardToken
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, token_prefix, enabled, last_used_at, created_at
		 FROM dashboard_tokens WHERE token_hash = ? AND enabled = 1`, hash,
	).Scan(&t.ID, &t.Name, &t.TokenPrefix, &t.Enabled, &lastUsed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("verify dashboard token: %w", err)
	}
	if lastUsed.Valid {
		t.LastUsedAt = lastUsed.Time
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`UPDATE dashboard_tokens SET last_used_at = ? WHERE id = ?`, now, t.ID,
	); err != nil {
		s.logger.Warn("failed to stamp dashboard token use", "token", t.Name, "error", err)
	} else {
		t.LastUsedAt = now
	}
	return &t, nil
}

// ListDashboardTokens returns all tokens (hashes never leave the store).
func (s *Store) ListDashboardTokens(ctx context.Context) ([]DashboardToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, token_prefix, enabled, last_used_at, created_at
		 FROM dashboard_tokens ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list dashboard tokens: %w", err)
	}
	defer rows.Close()
	var out []DashboardToken
	for rows.Next() {
		var t DashboardToken
		var lastUsed sql.NullTime
		if err := rows.Scan(&t.ID, &t.Name, &t.TokenPrefix, &t.Enabled, &lastUsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dashboard token: %w", err)
		}
		if lastUsed.Valid {
			t.LastUsedAt = lastUsed.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetDashboardTokenEnabled toggles a token by name; reports whether it existed.
func (s *Store) SetDashboardTokenEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dashboard_tokens SET enabled = ? WHERE name = ?`, enabled, name,
	)
	if err != nil {
		return false, fmt.Errorf("toggle dashboard token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RevokeDashboardToken deletes a token by name, reporting whether it existed.
func (s *Store) RevokeDashboardToken(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dashboard_tokens WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("revoke dashboard token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
