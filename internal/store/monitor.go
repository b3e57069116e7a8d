package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- topics ---

// CreateTopic inserts a monitor topic. Names are unique.
func (s *Store) CreateTopic(ctx context.Context, t *Topic) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_topics (name, description, created_at) VALUES (?, ?, ?)`,
		t.Name, nullStr(t.Description), now,
	)
	if err != nil {
		return fmt.Errorf("create topic: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	t.CreatedAt = now
	return nil
}

// GetTopic fetches a topic by id; nil when absent.
func (s *Store) GetTopic(ctx context.Context, id int64) (*Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM monitor_topics WHERE id = ?`, id,
	)
	t, err := scanTopic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return t, nil
}

// GetTopicByName fetches a topic by name; nil when absent.
func (s *Store) GetTopicByName(ctx context.Context, name string) (*Topic, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at FROM monitor_topics WHERE name = ?`, name,
	)
	t, err := scanTopic(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get topic by name: %w", err)
	}
	return t, nil
}

// ListTopics returns all topics ordered by name.
func (s *Store) ListTopics(ctx context.Context) ([]Topic, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, created_at FROM monitor_topics ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer rows.Close()
	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteTopic removes a topic; entities and resources cascade.
func (s *Store) DeleteTopic(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_topics WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete topic: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanTopic(row rowScanner) (*Topic, error) {
	var t Topic
	var desc sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &desc, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Description = desc.String
	return &t, nil
}

// --- entities ---

// CreateEntity inserts an entity under a topic.
func (s *Store) CreateEntity(ctx context.Context, e *Entity) error {
	if e.EntityType == "" {
		e.EntityType = EntityCompany
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_entities (topic_id, name, url, entity_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.TopicID, e.Name, nullStr(e.URL), e.EntityType, now,
	)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	e.CreatedAt = now
	return nil
}

// GetEntity fetches an entity by id; nil when absent.
func (s *Store) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, topic_id, name, url, entity_type, created_at FROM monitor_entities WHERE id = ?`, id,
	)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns entities, all or scoped to one topic, ordered by name.
func (s *Store) ListEntities(ctx context.Context, topicID int64) ([]Entity, error) {
	var rows *sql.Rows
	var err error
	if topicID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, topic_id, name, url, entity_type, created_at
			 FROM monitor_entities WHERE topic_id = ? ORDER BY name ASC`, topicID,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, topic_id, name, url, entity_type, created_at
			 FROM monitor_entities ORDER BY name ASC`,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()
	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// DeleteEntity removes an entity; resources cascade.
func (s *Store) DeleteEntity(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_entities WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete entity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var url sql.NullString
	if err := row.Scan(&e.ID, &e.TopicID, &e.Name, &url, &e.EntityType, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.URL = url.String
	return &e, nil
}

// --- resources ---

// CreateResource inserts a monitored URL under an entity.
func (s *Store) CreateResource(ctx context.Context, r *Resource) error {
	if r.ResourceType == "" {
		r.ResourceType = ResourceBlog
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_resources (entity_id, name, url, resource_type, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.EntityID, r.Name, r.URL, r.ResourceType, r.Enabled, now,
	)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	r.CreatedAt = now
	return nil
}

// GetResource fetches a resource by id; nil when absent.
func (s *Store) GetResource(ctx context.Context, id int64) (*Resource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entity_id, name, url, resource_type, enabled, last_checked_at, last_changed_at, created_at
		 FROM monitor_resources WHERE id = ?`, id,
	)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

// ListResources returns resources filtered by entity and/or topic (0 = all),
// ordered by name.
func (s *Store) ListResources(ctx context.Context, entityID, topicID int64) ([]Resource, error) {
	q := `SELECT r.id, r.entity_id, r.name, r.url, r.resource_type, r.enabled, r.last_checked_at, r.last_changed_at, r.created_at
	      FROM monitor_resources r`
	var args []any
	switch {
	case entityID > 0:
		q += ` WHERE r.entity_id = ?`
		args = append(args, entityID)
	case topicID > 0:
		q += ` JOIN monitor_entities e ON e.id = r.entity_id WHERE e.topic_id = ?`
		args = append(args, topicID)
	}
	q += ` ORDER BY r.name ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()
	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// EnabledResources returns the enabled resources in scope for a sweep:
// topicID scopes to one topic, 0 means everything.
func (s *Store) EnabledResources(ctx context.Context, topicID int64) ([]Resource, error) {
	q := `SELECT r.id, r.entity_id, r.name, r.url, r.resource_type, r.enabled, r.last_checked_at, r.last_changed_at, r.created_at
	      FROM monitor_resources r`
	var args []any
	if topicID > 0 {
		q += ` JOIN monitor_entities e ON e.id = r.entity_id WHERE e.topic_id = ? AND r.enabled = 1`
		args = append(args, topicID)
	} else {
		q += ` WHERE r.enabled = 1`
	}
	q += ` ORDER BY r.id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("enabled resources: %w", err)
	}
	defer rows.Close()
	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetResourceEnabled toggles a resource; reports whether it existed.
func (s *Store) SetResourceEnabled(ctx context.Context, id int64, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE monitor_resources SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return false, fmt.Errorf("toggle resource: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TouchResourceChecked stamps last_checked_at, and last_changed_at too when
// the check detected a change.
func (s *Store) TouchResourceChecked(ctx context.Context, id int64, at time.Time, changed bool) error {
	var err error
	if changed {
		_, err = s.db.ExecContext(ctx,
			`UPDATE monitor_resources SET last_checked_at = ?, last_changed_at = ? WHERE id = ?`,
			at.UTC(), at.UTC(), id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE monitor_resources SET last_checked_at = ? WHERE id = ?`, at.UTC(), id,
		)
	}
	if err != nil {
		return fmt.Errorf("touch resource: %w", err)
	}
	return nil
}

// DeleteResource removes a resource; snapshots and digests cascade.
func (s *Store) DeleteResource(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_resources WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete resource: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanResource(row rowScanner) (*Resource, error) {
	var r Resource
	var checked, changed sql.NullTime
	if err := row.Scan(&r.ID, &r.EntityID, &r.Name, &r.URL, &r.ResourceType,
		&r.Enabled, &checked, &changed, &r.CreatedAt); err != nil {
		return nil, err
	}
	if checked.Valid {
		r.LastCheckedAt = checked.Time
	}
	if changed.Valid {
		r.LastChangedAt = changed.Time
	}
	return &r, nil
}

// --- snapshots ---

// InsertSnapshot appends a content capture for a resource.
func (s *Store) InsertSnapshot(ctx context.Context, snap *Snapshot) error {
	now := time.Now().UTC()
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_snapshots (resource_id, content_hash, content_markdown, has_changes, fetched_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.ResourceID, snap.ContentHash, snap.ContentMarkdown, snap.HasChanges, snap.FetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

// LatestSnapshot returns the newest snapshot of a resource; nil when none.
func (s *Store) LatestSnapshot(ctx context.Context, resourceID int64) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, resource_id, content_hash, content_markdown, has_changes, fetched_at
		 FROM monitor_snapshots WHERE resource_id = ? ORDER BY fetched_at DESC, id DESC LIMIT 1`,
		resourceID,
	)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshots returns the newest n snapshots of a resource, newest first.
func (s *Store) LatestSnapshots(ctx context.Context, resourceID int64, n int) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource_id, content_hash, content_markdown, has_changes, fetched_at
		 FROM monitor_snapshots WHERE resource_id = ? ORDER BY fetched_at DESC, id DESC LIMIT ?`,
		resourceID, normLimit(n, 2),
	)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// CountSnapshots reports the number of snapshots held for a resource.
func (s *Store) CountSnapshots(ctx context.Context, resourceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitor_snapshots WHERE resource_id = ?`, resourceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}

// LatestSnapshotsWithoutDigest returns, per resource in scope, its newest
// snapshot when no digest references that snapshot yet. Used by the baseline
// digest pass.
func (s *Store) LatestSnapshotsWithoutDigest(ctx context.Context, topicID int64) ([]Snapshot, error) {
	q := `SELECT s.id, s.resource_id, s.content_hash, s.content_markdown, s.has_changes, s.fetched_at
	      FROM monitor_snapshots s
	      JOIN (SELECT resource_id, MAX(id) AS max_id FROM monitor_snapshots GROUP BY resource_id) latest
	        ON s.id = latest.max_id`
	var args []any
	if topicID > 0 {
		q += ` JOIN monitor_resources r ON r.id = s.resource_id
		       JOIN monitor_entities e ON e.id = r.entity_id
		       WHERE e.topic_id = ? AND NOT EXISTS (SELECT 1 FROM monitor_digests d WHERE d.snapshot_id = s.id)`
		args = append(args, topicID)
	} else {
		q += ` WHERE NOT EXISTS (SELECT 1 FROM monitor_digests d WHERE d.snapshot_id = s.id)`
	}
	q += ` ORDER BY s.resource_id ASC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("snapshots without digest: %w", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	if err := row.Scan(&snap.ID, &snap.ResourceID, &snap.ContentHash,
		&snap.ContentMarkdown, &snap.HasChanges, &snap.FetchedAt); err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- digests ---

// InsertDigest records an AI summary for a snapshot.
func (s *Store) InsertDigest(ctx context.Context, d *Digest) error {
	if d.ChangeType == "" {
		d.ChangeType = ChangeContentUpdate
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_digests (resource_id, snapshot_id, summary, change_type, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ResourceID, d.SnapshotID, d.Summary, d.ChangeType, now,
	)
	if err != nil {
		return fmt.Errorf("insert digest: %w", err)
	}
	d.ID, _ = res.LastInsertId()
	d.CreatedAt = now
	return nil
}

// ListDigests returns digests newest first, optionally scoped to a topic or
// entity.
func (s *Store) ListDigests(ctx context.Context, topicID, entityID int64, limit int) ([]Digest, error) {
	q := `SELECT d.id, d.resource_id, d.snapshot_id, d.summary, d.change_type, d.created_at
	      FROM monitor_digests d`
	var args []any
	switch {
	case entityID > 0:
		q += ` JOIN monitor_resources r ON r.id = d.resource_id WHERE r.entity_id = ?`
		args = append(args, entityID)
	case topicID > 0:
		q += ` JOIN monitor_resources r ON r.id = d.resource_id
		       JOIN monitor_entities e ON e.id = r.entity_id WHERE e.topic_id = ?`
		args = append(args, topicID)
	}
	q += ` ORDER BY d.id DESC LIMIT ?`
	args = append(args, normLimit(limit, 20))
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list digests: %w", err)
	}
	defer rows.Close()
	var out []Digest
	for rows.Next() {
		var d Digest
		if err := rows.Scan(&d.ID, &d.ResourceID, &d.SnapshotID, &d.Summary, &d.ChangeType, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestDigestForResource returns the newest digest of a resource; nil when
// none exists.
func (s *Store) LatestDigestForResource(ctx context.Context, resourceID int64) (*Digest, error) {
	var d Digest
	err := s.db.QueryRowContext(ctx,
		`SELECT id, resource_id, snapshot_id, summary, change_type, created_at
		 FROM monitor_digests WHERE resource_id = ? ORDER BY id DESC LIMIT 1`, resourceID,
	).Scan(&d.ID, &d.ResourceID, &d.SnapshotID, &d.Summary, &d.ChangeType, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest digest: %w", err)
	}
	return &d, nil
}

// CountDigests reports the number of digests held for a resource.
func (s *Store) CountDigests(ctx context.Context, resourceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM monitor_digests WHERE resource_id = ?`, resourceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count digests: %w", err)
	}
	return n, nil
}

// --- subscribers ---

// CreateSubscriber registers a digest delivery target.
func (s *Store) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO monitor_subscribers (channel_type, channel_config, topic_id, entity_id, resource_id, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ChannelType, sub.ChannelConfig,
		nullID(sub.TopicID), nullID(sub.EntityID), nullID(sub.ResourceID),
		sub.Enabled, now,
	)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	sub.ID, _ = res.LastInsertId()
	sub.CreatedAt = now
	return nil
}

// ListSubscribers returns subscribers, optionally only enabled ones.
func (s *Store) ListSubscribers(ctx context.Context, enabledOnly bool) ([]Subscriber, error) {
	q := `SELECT id, channel_type, channel_config, topic_id, entity_id, resource_id, enabled, created_at
	      FROM monitor_subscribers`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return scanSubscribers(rows)
}

// TopicSubscribers returns the enabled subscribers attached to one topic.
func (s *Store) TopicSubscribers(ctx context.Context, topicID int64) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_type, channel_config, topic_id, entity_id, resource_id, enabled, created_at
		 FROM monitor_subscribers WHERE topic_id = ? AND enabled = 1 ORDER BY id ASC`, topicID,
	)
	if err != nil {
		return nil, fmt.Errorf("topic subscribers: %w", err)
	}
	return scanSubscribers(rows)
}

// DeleteSubscriber removes a subscriber, reporting whether it existed.
func (s *Store) DeleteSubscriber(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM monitor_subscribers WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete subscriber: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanSubscribers(rows *sql.Rows) ([]Subscriber, error) {
	defer rows.Close()
	var out []Subscriber
	for rows.Next() {
		var sub Subscriber
		var topicID, entityID, resourceID sql.NullInt64
		if err := rows.Scan(&sub.ID, &sub.ChannelType, &sub.ChannelConfig,
			&topicID, &entityID, &resourceID, &sub.Enabled, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		sub.TopicID = topicID.Int64
		sub.EntityID = entityID.Int64
		sub.ResourceID = resourceID.Int64
		out = append(out, sub)
	}
	return out, rows.Err()
}

// nullID maps 0 to NULL for optional foreign keys.
func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
