// ABOUTME: Read-model queries and bookkeeping for the markdown projection
// ABOUTME: Full listing per user; projection state is observability only
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Track is one stored track row.
type Track struct {
	ID            string
	Slug          string
	Domain        string
	TrackType     string
	Title         string
	Status        string
	Tags          []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastCheckinAt *time.Time
}

// CheckinEvent is one stored check-in row.
type CheckinEvent struct {
	ID           string
	Timestamp    time.Time
	Outcome      string
	Confidence   *float64
	Summary      string
	Wins         []string
	Barriers     []string
	NextActions  []string
	SourceTurnID string
	SourceModel  string
	CreatedAt    time.Time
}

// JournalEntry is one stored journal row.
type JournalEntry struct {
	ID        string
	EntryDate string
	EntryTS   time.Time
	Title     string
	BodyMD    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMemory is one stored memory card row for projection.
type StoredMemory struct {
	ID          string
	Domain      string
	Slug        string
	Memory      string
	Narrative   string
	FirstSeen   time.Time
	LastSeen    time.Time
	Occurrences int
	UpdatedAt   time.Time
}

// WriteOperation is one ledger row for the ops log.
type WriteOperation struct {
	Channel        string
	IdempotencyKey string
	Status         string
	PayloadHash    string
	CreatedAt      time.Time
}

// ListTracks returns every track for the user, most recently updated first.
func (s *Store) ListTracks(ctx context.Context, userID string) ([]Track, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, slug, domain, track_type, title, status, tags, created_at, updated_at, last_checkin_at
FROM tracks
WHERE user_id = $1
ORDER BY updated_at DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracks: %w", err)
	}
	var out []Track
	for rows.Next() {
		var t Track
		var tags []byte
		var lastCheckin sql.NullTime
		if err := rows.Scan(&t.ID, &t.Slug, &t.Domain, &t.TrackType, &t.Title, &t.Status, &tags,
			&t.CreatedAt, &t.UpdatedAt, &lastCheckin); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan track: %w", err)
		}
		t.Tags = scanList(tags)
		if lastCheckin.Valid {
			ts := lastCheckin.Time
			t.LastCheckinAt = &ts
		}
		out = append(out, t)
	}
	return out, closeRows(rows)
}

// ListCheckins returns every check-in for a track, newest first.
func (s *Store) ListCheckins(ctx context.Context, userID, trackID string) ([]CheckinEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, timestamp, outcome, confidence, summary, wins, barriers, next_actions,
       COALESCE(source_turn_id::text, ''), COALESCE(source_model, ''), created_at
FROM checkin_events
WHERE user_id = $1 AND track_id = $2
ORDER BY timestamp DESC
`, userID, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list check-ins: %w", err)
	}
	var out []CheckinEvent
	for rows.Next() {
		var e CheckinEvent
		var confidence sql.NullFloat64
		var wins, barriers, nextActions []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Outcome, &confidence, &e.Summary,
			&wins, &barriers, &nextActions, &e.SourceTurnID, &e.SourceModel, &e.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan check-in: %w", err)
		}
		if confidence.Valid {
			v := confidence.Float64
			e.Confidence = &v
		}
		e.Wins = scanList(wins)
		e.Barriers = scanList(barriers)
		e.NextActions = scanList(nextActions)
		out = append(out, e)
	}
	return out, closeRows(rows)
}

// ListJournals returns every journal entry for the user, newest first.
func (s *Store) ListJournals(ctx context.Context, userID string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, entry_date::text, entry_ts, COALESCE(title, ''), body_md, created_at, updated_at
FROM journal_entries
WHERE user_id = $1
ORDER BY entry_ts DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	var out []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.EntryDate, &e.EntryTS, &e.Title, &e.BodyMD, &e.CreatedAt, &e.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, closeRows(rows)
}

// ListMemories returns every memory card for the user, grouped naturally by
// domain then recency.
func (s *Store) ListMemories(ctx context.Context, userID string) ([]StoredMemory, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, domain, slug, memory, narrative, first_seen, last_seen, occurrences, updated_at
FROM memory_cards
WHERE user_id = $1
ORDER BY domain ASC, last_seen DESC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	var out []StoredMemory
	for rows.Next() {
		var m StoredMemory
		if err := rows.Scan(&m.ID, &m.Domain, &m.Slug, &m.Memory, &m.Narrative,
			&m.FirstSeen, &m.LastSeen, &m.Occurrences, &m.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, closeRows(rows)
}

// ListWriteOperations returns the most recent ledger rows for the ops log.
func (s *Store) ListWriteOperations(ctx context.Context, userID string, limit int) ([]WriteOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT channel, idempotency_key, status, payload_hash, created_at
FROM write_operations
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2
`, userID, atLeast(limit, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to list write operations: %w", err)
	}
	var out []WriteOperation
	for rows.Next() {
		var op WriteOperation
		if err := rows.Scan(&op.Channel, &op.IdempotencyKey, &op.Status, &op.PayloadHash, &op.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan write operation: %w", err)
		}
		out = append(out, op)
	}
	return out, closeRows(rows)
}

// UpsertProjectionState records which artifact was rendered from what. It is
// bookkeeping for observability and never consulted to skip a render.
func (s *Store) UpsertProjectionState(ctx context.Context, userID, artifactType, artifactKey string, sourceMaxUpdatedAt time.Time, renderedHash, path string) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO markdown_projection_state(id, user_id, artifact_type, artifact_key, source_max_updated_at, rendered_hash, exported_at, path)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
ON CONFLICT (user_id, artifact_type, artifact_key)
DO UPDATE SET
    source_max_updated_at = EXCLUDED.source_max_updated_at,
    rendered_hash = EXCLUDED.rendered_hash,
    exported_at = NOW(),
    path = EXCLUDED.path
`, uuid.NewString(), userID, artifactType, artifactKey, sourceMaxUpdatedAt, renderedHash, path); err != nil {
		return fmt.Errorf("failed to upsert projection state: %w", err)
	}
	return nil
}
