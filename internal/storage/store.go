// ABOUTME: Postgres-backed state store: users, turn events and context snapshots
// ABOUTME: All mutations run inside short-lived transactions owned by this package
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/models"
)

// Store is the durable state backend for the pipeline.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// retrieval limits for context snapshots
	activeTracksLimit   int
	recentCheckinsLimit int
	recentJournalLimit  int
	recentMemoriesLimit int
}

// Limits bounds the context snapshot queries.
type Limits struct {
	ActiveTracks   int
	RecentCheckins int
	RecentJournals int
	RecentMemories int
}

// New creates a Store over an open database handle.
func New(db *sql.DB, limits Limits, logger *zap.Logger) *Store {
	return &Store{
		db:                  db,
		logger:              logger,
		activeTracksLimit:   atLeast(limits.ActiveTracks, 1),
		recentCheckinsLimit: atLeast(limits.RecentCheckins, 1),
		recentJournalLimit:  atLeast(limits.RecentJournals, 1),
		recentMemoriesLimit: atLeast(limits.RecentMemories, 1),
	}
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// NormalizeUserKey trims the key, substituting the fallback when empty.
func NormalizeUserKey(userKey, fallback string) string {
	key := strings.TrimSpace(userKey)
	if key != "" {
		return key
	}
	return fallback
}

// LookupUserID returns the user's id or "" when the user does not exist.
func (s *Store) LookupUserID(ctx context.Context, userKey string) (string, error) {
	return s.findUserID(ctx, s.db, userKey)
}

// findUserID returns the user's id or "" when the user does not exist yet.
func (s *Store) findUserID(ctx context.Context, q queryer, userKey string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM users WHERE user_key = $1`, userKey).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up user: %w", err)
	}
	return id, nil
}

// ensureUser creates the user lazily on first write.
func (s *Store) ensureUser(ctx context.Context, q queryer, userKey string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
INSERT INTO users(id, user_key, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (user_key)
DO UPDATE SET updated_at = NOW()
RETURNING id
`, uuid.NewString(), userKey).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to ensure user: %w", err)
	}
	return id, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertTurnEvent records one request/response exchange, deduplicated per
// user by request hash so a re-sent identical turn updates in place.
func (s *Store) UpsertTurnEvent(ctx context.Context, userKey, sessionKey, requestHash, domain, userText, assistantText string) (userID, turnID string, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	userID, err = s.ensureUser(ctx, tx, userKey)
	if err != nil {
		return "", "", err
	}

	var existing string
	scanErr := tx.QueryRowContext(ctx, `
SELECT id
FROM turn_events
WHERE user_id = $1 AND request_hash = $2
ORDER BY created_at DESC
LIMIT 1
`, userID, requestHash).Scan(&existing)
	switch {
	case scanErr == nil:
		turnID = existing
		if _, err = tx.ExecContext(ctx, `
UPDATE turn_events
SET assistant_text = $1,
    domain = $2
WHERE id = $3
`, assistantText, domain, turnID); err != nil {
			return "", "", fmt.Errorf("failed to update turn event: %w", err)
		}
	case scanErr == sql.ErrNoRows:
		turnID = uuid.NewString()
		if _, err = tx.ExecContext(ctx, `
INSERT INTO turn_events(id, user_id, session_key, request_hash, domain, user_text, assistant_text)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
`, turnID, userID, sessionKey, requestHash, domain, userText, assistantText); err != nil {
			return "", "", fmt.Errorf("failed to insert turn event: %w", err)
		}
	default:
		err = fmt.Errorf("failed to look up turn event: %w", scanErr)
		return "", "", err
	}

	if err = tx.Commit(); err != nil {
		return "", "", fmt.Errorf("failed to commit turn event: %w", err)
	}
	return userID, turnID, nil
}

// FetchContextSnapshot loads the prior-state snapshot for a user. Memory
// cards in the routed domain sort ahead of other domains.
func (s *Store) FetchContextSnapshot(ctx context.Context, userKey, routedDomain string) (models.ContextSnapshot, error) {
	var snapshot models.ContextSnapshot

	userID, err := s.findUserID(ctx, s.db, userKey)
	if err != nil {
		return snapshot, err
	}
	if userID == "" {
		return snapshot, nil
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT slug, domain, track_type, title, status, last_checkin_at, updated_at
FROM tracks
WHERE user_id = $1 AND status = 'active'
ORDER BY updated_at DESC
LIMIT $2
`, userID, s.activeTracksLimit)
	if err != nil {
		return snapshot, fmt.Errorf("failed to list active tracks: %w", err)
	}
	for rows.Next() {
		var t models.ActiveTrack
		var lastCheckin sql.NullTime
		if err := rows.Scan(&t.Slug, &t.Domain, &t.TrackType, &t.Title, &t.Status, &lastCheckin, &t.UpdatedAt); err != nil {
			_ = rows.Close()
			return snapshot, fmt.Errorf("failed to scan track: %w", err)
		}
		if lastCheckin.Valid {
			ts := lastCheckin.Time
			t.LastCheckinAt = &ts
		}
		snapshot.ActiveTracks = append(snapshot.ActiveTracks, t)
	}
	if err := closeRows(rows); err != nil {
		return snapshot, err
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT t.slug, c.timestamp, c.summary, c.outcome, c.confidence
FROM checkin_events c
JOIN tracks t ON t.id = c.track_id
WHERE c.user_id = $1
ORDER BY c.timestamp DESC
LIMIT $2
`, userID, s.recentCheckinsLimit)
	if err != nil {
		return snapshot, fmt.Errorf("failed to list recent check-ins: %w", err)
	}
	for rows.Next() {
		var c models.RecentCheckin
		var confidence sql.NullFloat64
		if err := rows.Scan(&c.TrackSlug, &c.Timestamp, &c.Summary, &c.Outcome, &confidence); err != nil {
			_ = rows.Close()
			return snapshot, fmt.Errorf("failed to scan check-in: %w", err)
		}
		if confidence.Valid {
			v := confidence.Float64
			c.Confidence = &v
		}
		snapshot.RecentCheckins = append(snapshot.RecentCheckins, c)
	}
	if err := closeRows(rows); err != nil {
		return snapshot, err
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT entry_date::text, entry_ts, COALESCE(title, ''), LEFT(body_md, 320)
FROM journal_entries
WHERE user_id = $1
ORDER BY entry_ts DESC
LIMIT $2
`, userID, s.recentJournalLimit)
	if err != nil {
		return snapshot, fmt.Errorf("failed to list recent journal entries: %w", err)
	}
	for rows.Next() {
		var j models.RecentJournalEntry
		if err := rows.Scan(&j.EntryDate, &j.EntryTS, &j.Title, &j.Excerpt); err != nil {
			_ = rows.Close()
			return snapshot, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		snapshot.RecentJournalEntries = append(snapshot.RecentJournalEntries, j)
	}
	if err := closeRows(rows); err != nil {
		return snapshot, err
	}

	rows, err = s.db.QueryContext(ctx, `
SELECT domain, slug, memory, occurrences, last_seen
FROM memory_cards
WHERE user_id = $1
ORDER BY
    CASE WHEN domain = $2 THEN 0 ELSE 1 END,
    last_seen DESC
LIMIT $3
`, userID, routedDomain, s.recentMemoriesLimit)
	if err != nil {
		return snapshot, fmt.Errorf("failed to list recent memories: %w", err)
	}
	for rows.Next() {
		var m models.RecentMemoryCard
		if err := rows.Scan(&m.Domain, &m.Slug, &m.Memory, &m.Occurrences, &m.LastSeen); err != nil {
			_ = rows.Close()
			return snapshot, fmt.Errorf("failed to scan memory card: %w", err)
		}
		snapshot.RecentMemoryCards = append(snapshot.RecentMemoryCards, m)
	}
	if err := closeRows(rows); err != nil {
		return snapshot, err
	}

	return snapshot, nil
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("row iteration failed: %w", err)
	}
	return rows.Close()
}

// beginWriteOperation inserts the write-ahead ledger row. inserted=false
// means a prior attempt owns this idempotency key; the caller must roll
// back and report a duplicate.
func (s *Store) beginWriteOperation(ctx context.Context, tx *sql.Tx, userID, turnID, channel, idempotencyKey, payloadHash string) (opID string, inserted bool, err error) {
	opID = uuid.NewString()
	err = tx.QueryRowContext(ctx, `
INSERT INTO write_operations(id, user_id, turn_id, channel, idempotency_key, status, payload_hash)
VALUES ($1, $2, $3, $4, $5, 'applied', $6)
ON CONFLICT (user_id, idempotency_key)
DO NOTHING
RETURNING id
`, opID, userID, nullUUID(turnID), channel, idempotencyKey, payloadHash).Scan(&opID)
	if err == nil {
		return opID, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, fmt.Errorf("failed to insert write operation: %w", err)
	}
	return "", false, nil
}

// finishWriteOperation finalizes the ledger row inside the same transaction.
func (s *Store) finishWriteOperation(ctx context.Context, tx *sql.Tx, opID, status, resultRef, errorText string) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE write_operations
SET status = $1,
    result_ref = $2,
    error_text = NULLIF($3, '')
WHERE id = $4
`, status, nullUUID(resultRef), errorText, opID); err != nil {
		return fmt.Errorf("failed to finalize write operation: %w", err)
	}
	return nil
}

func nullUUID(v string) any {
	if v == "" {
		return nil
	}
	return v
}
