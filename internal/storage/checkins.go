// ABOUTME: Idempotent check-in writes: track upsert plus append-only events
// ABOUTME: The track row lock serializes concurrent check-ins on one slug
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/models"
)

// TrackSlug derives the stable track identifier for a domain and title.
// Both values are model-supplied and the slug ends up in file paths, so each
// part is slugified before joining.
func TrackSlug(domain, title string) string {
	titleSlug := Slugify(title, "general-checkin")
	domainSlug := Slugify(domain, "general")
	if strings.HasPrefix(titleSlug, domainSlug+"-") {
		return titleSlug
	}
	return domainSlug + "-" + titleSlug
}

// WriteCheckin applies one check-in write under the idempotency ledger.
// The entire sequence is a single transaction: ledger insert, track
// insert-or-update under FOR UPDATE, event append, ledger finalize.
func (s *Store) WriteCheckin(ctx context.Context, userID, turnID string, payload models.CheckinWrite, idempotencyKey, sourceModel string) (models.WriteSummary, error) {
	trackSlug := TrackSlug(payload.Domain, payload.Title)
	payloadHash := PayloadHash(map[string]any{
		"domain":       payload.Domain,
		"track_type":   payload.TrackType,
		"title":        payload.Title,
		"summary":      payload.Summary,
		"outcome":      payload.Outcome,
		"confidence":   payload.Confidence,
		"wins":         payload.Wins,
		"barriers":     payload.Barriers,
		"next_actions": payload.NextActions,
		"tags":         payload.Tags,
	})
	target := fmt.Sprintf("checkins/%s.md", trackSlug)
	now := time.Now().UTC()

	summary := models.WriteSummary{Channel: "checkin", Target: target}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	opID, inserted, err := s.beginWriteOperation(ctx, tx, userID, turnID, "checkin", idempotencyKey, payloadHash)
	if err != nil {
		return summary, err
	}
	if !inserted {
		summary.Status = models.StatusSkippedDuplicate
		summary.Details = "duplicate idempotency key"
		return summary, nil
	}

	var trackID string
	var previousCheckin *time.Time
	var lastCheckin sql.NullTime
	scanErr := tx.QueryRowContext(ctx, `
SELECT id, last_checkin_at
FROM tracks
WHERE user_id = $1 AND slug = $2
FOR UPDATE
`, userID, trackSlug).Scan(&trackID, &lastCheckin)
	switch {
	case scanErr == nil:
		if lastCheckin.Valid {
			ts := lastCheckin.Time
			previousCheckin = &ts
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE tracks
SET domain = $1,
    track_type = $2,
    title = $3,
    status = 'active',
    tags = $4,
    updated_at = NOW(),
    source_turn_id = $5
WHERE id = $6
`, payload.Domain, payload.TrackType, payload.Title, jsonList(payload.Tags), turnID, trackID); err != nil {
			return summary, fmt.Errorf("failed to update track: %w", err)
		}
	case scanErr == sql.ErrNoRows:
		trackID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tracks(id, user_id, slug, domain, track_type, title, status, tags, source_turn_id)
VALUES ($1, $2, $3, $4, $5, $6, 'active', $7, $8)
`, trackID, userID, trackSlug, payload.Domain, payload.TrackType, payload.Title, jsonList(payload.Tags), turnID); err != nil {
			return summary, fmt.Errorf("failed to insert track: %w", err)
		}
	default:
		return summary, fmt.Errorf("failed to lock track: %w", scanErr)
	}

	checkinID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkin_events(id, user_id, track_id, timestamp, outcome, confidence, summary, wins, barriers, next_actions, source_turn_id, source_model)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''))
`, checkinID, userID, trackID, now, payload.Outcome, nullFloat(payload.Confidence), payload.Summary,
		jsonList(payload.Wins), jsonList(payload.Barriers), jsonList(payload.NextActions), turnID, sourceModel); err != nil {
		return summary, fmt.Errorf("failed to insert check-in event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE tracks
SET last_checkin_at = $1,
    updated_at = NOW()
WHERE id = $2
`, now, trackID); err != nil {
		return summary, fmt.Errorf("failed to bump track: %w", err)
	}

	if err := s.finishWriteOperation(ctx, tx, opID, models.StatusApplied, checkinID, ""); err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("failed to commit check-in: %w", err)
	}

	s.logger.Debug("check-in applied",
		zap.String("track_slug", trackSlug),
		zap.String("checkin_id", checkinID))

	summary.Status = models.StatusApplied
	summary.Details = HumanElapsed(previousCheckin, now)
	summary.ResultRef = checkinID
	return summary, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
