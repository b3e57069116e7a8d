package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateCronJob inserts a scheduled job. Names are unique.
func (s *Store) CreateCronJob(ctx context.Context, j *CronJob) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (name, expression, prompt, session_name, isolated, enabled, timezone, last_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?)`,
		j.Name, j.Expression, j.Prompt, nullStr(j.SessionName), j.Isolated, j.Enabled, nullStr(j.Timezone), now,
	)
	if err != nil {
		return fmt.Errorf("create cron job: %w", err)
	}
	j.ID, _ = res.LastInsertId()
	j.CreatedAt = now
	return nil
}

// GetCronJob fetches a job by name; nil when absent.
func (s *Store) GetCronJob(ctx context.Context, name string) (*CronJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, expression, prompt, session_name, isolated, enabled, timezone, last_run_at, created_at
		 FROM cron_jobs WHERE name = ?`, name,
	)
	j, err := scanCronJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cron job: %w", err)
	}
	return j, nil
}

// ListCronJobs returns jobs ordered by name; enabledOnly filters to enabled.
func (s *Store) ListCronJobs(ctx context.Context, enabledOnly bool) ([]CronJob, error) {
	q := `SELECT id, name, expression, prompt, session_name, isolated, enabled, timezone, last_run_at, created_at
	      FROM cron_jobs`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()
	var out []CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cron job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// SetCronJobEnabled toggles a job; reports whether the job existed.
func (s *Store) SetCronJobEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE cron_jobs SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return false, fmt.Errorf("toggle cron job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchCronJobRun stamps a job's last run time.
func (s *Store) TouchCronJobRun(ctx context.Context, name string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE cron_jobs SET last_run_at = ? WHERE name = ?`, at.UTC(), name,
	); err != nil {
		return fmt.Errorf("touch cron job: %w", err)
	}
	return nil
}

// DeleteCronJob removes a job, reporting whether it existed.
func (s *Store) DeleteCronJob(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cron job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanCronJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	var sessionName, timezone sql.NullString
	var lastRun sql.NullTime
	if err := row.Scan(&j.ID, &j.Name, &j.Expression, &j.Prompt, &sessionName,
		&j.Isolated, &j.Enabled, &timezone, &lastRun, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.SessionName = sessionName.String
	j.Timezone = timezone.String
	if lastRun.Valid {
		j.LastRunAt = lastRun.Time
	}
	return &j, nil
}

// CreateHeartbeatCheck inserts a heartbeat condition. Names are unique.
func (s *Store) CreateHeartbeatCheck(ctx context.Context, h *HeartbeatCheck) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_checks (name, prompt, enabled, created_at) VALUES (?, ?, ?, ?)`,
		h.Name, h.Prompt, h.Enabled, now,
	)
	if err != nil {
		return fmt.Errorf("create heartbeat check: %w", err)
	}
	h.ID, _ = res.LastInsertId()
	h.CreatedAt = now
	return nil
}

// ListHeartbeatChecks returns checks ordered by name; enabledOnly filters.
func (s *Store) ListHeartbeatChecks(ctx context.Context, enabledOnly bool) ([]HeartbeatCheck, error) {
	q := `SELECT id, name, prompt, enabled, created_at FROM heartbeat_checks`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list heartbeat checks: %w", err)
	}
	defer rows.Close()
	var out []HeartbeatCheck
	for rows.Next() {
		var h HeartbeatCheck
		if err := rows.Scan(&h.ID, &h.Name, &h.Prompt, &h.Enabled, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat check: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetHeartbeatCheckEnabled toggles a check; reports whether it existed.
func (s *Store) SetHeartbeatCheckEnabled(ctx context.Context, name string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE heartbeat_checks SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return false, fmt.Errorf("toggle heartbeat check: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteHeartbeatCheck removes a check, reporting whether it existed.
func (s *Store) DeleteHeartbeatCheck(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM heartbeat_checks WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete heartbeat check: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
