// ABOUTME: Idempotent append-only journal entry writes
// ABOUTME: Entries key the projection's per-date journal files
package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tendhq/tend/internal/models"
)

// WriteJournal appends one journal entry under the idempotency ledger.
func (s *Store) WriteJournal(ctx context.Context, userID, turnID string, payload models.JournalWrite, idempotencyKey, sourceModel string) (models.WriteSummary, error) {
	entryDate := payload.EntryTS.UTC().Format("2006-01-02")
	payloadHash := PayloadHash(map[string]any{
		"entry_ts":     payload.EntryTS.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"title":        payload.Title,
		"body_md":      payload.BodyMD,
		"domain_hints": payload.DomainHints,
	})
	target := fmt.Sprintf("journal/%s.md", entryDate)

	summary := models.WriteSummary{Channel: "journal", Target: target}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	opID, inserted, err := s.beginWriteOperation(ctx, tx, userID, turnID, "journal", idempotencyKey, payloadHash)
	if err != nil {
		return summary, err
	}
	if !inserted {
		summary.Status = models.StatusSkippedDuplicate
		summary.Details = "duplicate idempotency key"
		return summary, nil
	}

	journalID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO journal_entries(id, user_id, entry_date, entry_ts, title, body_md, domain_hints, source_turn_id, source_model)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''))
`, journalID, userID, entryDate, payload.EntryTS.UTC(), payload.Title, payload.BodyMD,
		jsonList(payload.DomainHints), turnID, sourceModel); err != nil {
		return summary, fmt.Errorf("failed to insert journal entry: %w", err)
	}

	if err := s.finishWriteOperation(ctx, tx, opID, models.StatusApplied, journalID, ""); err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("failed to commit journal write: %w", err)
	}

	summary.Status = models.StatusApplied
	summary.Details = payload.Title
	summary.ResultRef = journalID
	return summary, nil
}
