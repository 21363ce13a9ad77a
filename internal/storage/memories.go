// ABOUTME: Idempotent memory-card writes, merge candidate queries and embeddings
// ABOUTME: Cosine-distance search runs over pgvector semantic_documents rows
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/models"
)

// MemoryCandidate is one existing fact considered for a semantic merge.
type MemoryCandidate struct {
	ID          string
	Domain      string
	Slug        string
	Memory      string
	Occurrences int
	LastSeen    time.Time
	Distance    float64 // only set on similarity-sourced candidates
}

// MemoryCard is a stored durable fact.
type MemoryCard struct {
	ID          string
	UserID      string
	Domain      string
	Slug        string
	Memory      string
	Narrative   string
	Occurrences int
	FirstSeen   time.Time
	LastSeen    time.Time
	UpdatedAt   time.Time
}

const maxEvidenceExcerpt = 512

// WriteMemory applies one durable-fact write under the idempotency ledger.
// A non-empty mergeSlug targets an existing card; otherwise the slug derives
// from the memory text. Every applied write appends a memory_evidence row.
func (s *Store) WriteMemory(ctx context.Context, userID, turnID string, payload models.MemoryWrite, idempotencyKey, sourceExcerpt, mergeSlug string) (models.WriteSummary, error) {
	memorySlug := mergeSlug
	if memorySlug == "" {
		memorySlug = Slugify(firstWords(payload.Memory, 8), "user-memory")
	}
	payloadHash := PayloadHash(map[string]any{
		"domain": payload.Domain,
		"memory": payload.Memory,
	})
	target := fmt.Sprintf("memories/%s.md", payload.Domain)
	now := time.Now().UTC()

	summary := models.WriteSummary{Channel: "memory", Target: target}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	opID, inserted, err := s.beginWriteOperation(ctx, tx, userID, turnID, "memory", idempotencyKey, payloadHash)
	if err != nil {
		return summary, err
	}
	if !inserted {
		summary.Status = models.StatusSkippedDuplicate
		summary.Details = "duplicate idempotency key"
		return summary, nil
	}

	narrativeLine := fmt.Sprintf("- %s: %s", now.Format(time.RFC3339), payload.Memory)

	var memoryID string
	var occurrences int
	var narrative string
	scanErr := tx.QueryRowContext(ctx, `
SELECT id, occurrences, narrative
FROM memory_cards
WHERE user_id = $1 AND domain = $2 AND slug = $3
FOR UPDATE
`, userID, payload.Domain, memorySlug).Scan(&memoryID, &occurrences, &narrative)
	switch {
	case scanErr == nil:
		merged := narrativeLine
		if narrative != "" {
			merged = narrative + "\n" + narrativeLine
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE memory_cards
SET memory = $1,
    narrative = $2,
    last_seen = $3,
    occurrences = $4,
    source_turn_id = $5,
    updated_at = NOW()
WHERE id = $6
`, payload.Memory, merged, now, occurrences+1, turnID, memoryID); err != nil {
			return summary, fmt.Errorf("failed to merge memory card: %w", err)
		}
	case scanErr == sql.ErrNoRows:
		memoryID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_cards(id, user_id, domain, slug, memory, narrative, first_seen, last_seen, occurrences, source_turn_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9)
`, memoryID, userID, payload.Domain, memorySlug, payload.Memory, narrativeLine, now, now, turnID); err != nil {
			return summary, fmt.Errorf("failed to insert memory card: %w", err)
		}
	default:
		return summary, fmt.Errorf("failed to lock memory card: %w", scanErr)
	}

	excerpt := sourceExcerpt
	if len(excerpt) > maxEvidenceExcerpt {
		excerpt = excerpt[:maxEvidenceExcerpt]
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memory_evidence(id, memory_card_id, evidence_type, evidence_ref, excerpt)
VALUES ($1, $2, 'turn_event', $3, $4)
`, uuid.NewString(), memoryID, nullUUID(turnID), excerpt); err != nil {
		return summary, fmt.Errorf("failed to insert memory evidence: %w", err)
	}

	if err := s.finishWriteOperation(ctx, tx, opID, models.StatusApplied, memoryID, ""); err != nil {
		return summary, err
	}
	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("failed to commit memory write: %w", err)
	}

	s.logger.Debug("memory applied",
		zap.String("slug", memorySlug),
		zap.String("memory_id", memoryID))

	summary.Status = models.StatusApplied
	summary.Details = fmt.Sprintf("%s/%s", payload.Domain, memorySlug)
	summary.ResultRef = memoryID
	return summary, nil
}

// ListMemoryCandidates returns the recency-ordered merge shortlist baseline.
func (s *Store) ListMemoryCandidates(ctx context.Context, userID, domain string, limit int) ([]MemoryCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, domain, slug, memory, occurrences, last_seen
FROM memory_cards
WHERE user_id = $1 AND domain = $2
ORDER BY last_seen DESC
LIMIT $3
`, userID, domain, atLeast(limit, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to list memory candidates: %w", err)
	}
	var out []MemoryCandidate
	for rows.Next() {
		var c MemoryCandidate
		if err := rows.Scan(&c.ID, &c.Domain, &c.Slug, &c.Memory, &c.Occurrences, &c.LastSeen); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan memory candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, closeRows(rows)
}

// SemanticMemoryCandidates returns nearest-neighbor candidates by cosine
// distance, closest first, bounded by maxDistance.
func (s *Store) SemanticMemoryCandidates(ctx context.Context, userID, domain string, embedding []float32, limit int, maxDistance float64) ([]MemoryCandidate, error) {
	vec := pgvector.NewVector(embedding)
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.domain, m.slug, m.memory, m.occurrences, m.last_seen,
       (s.embedding <=> $1::vector) AS distance
FROM semantic_documents s
JOIN memory_cards m ON m.id = s.source_id
WHERE s.user_id = $2
  AND s.source_type = 'memory_card'
  AND m.domain = $3
  AND (s.embedding <=> $1::vector) <= $4
ORDER BY distance ASC, m.last_seen DESC
LIMIT $5
`, vec, userID, domain, maxDistance, atLeast(limit, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to search semantic candidates: %w", err)
	}
	var out []MemoryCandidate
	for rows.Next() {
		var c MemoryCandidate
		if err := rows.Scan(&c.ID, &c.Domain, &c.Slug, &c.Memory, &c.Occurrences, &c.LastSeen, &c.Distance); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan semantic candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, closeRows(rows)
}

// GetMemoryCard fetches one card by id, nil when absent.
func (s *Store) GetMemoryCard(ctx context.Context, userID, memoryID string) (*MemoryCard, error) {
	var card MemoryCard
	err := s.db.QueryRowContext(ctx, `
SELECT id, user_id, domain, slug, memory, narrative, occurrences, first_seen, last_seen, updated_at
FROM memory_cards
WHERE user_id = $1 AND id = $2
`, userID, memoryID).Scan(&card.ID, &card.UserID, &card.Domain, &card.Slug, &card.Memory,
		&card.Narrative, &card.Occurrences, &card.FirstSeen, &card.LastSeen, &card.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory card: %w", err)
	}
	return &card, nil
}

// UpsertMemoryEmbedding replaces the vector for a fact so the new text is
// immediately visible to subsequent merge decisions.
func (s *Store) UpsertMemoryEmbedding(ctx context.Context, userID, domain, memoryID, textContent string, embedding []float32) error {
	vec := pgvector.NewVector(embedding)
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO semantic_documents(id, user_id, source_type, source_id, domain, text_content, embedding, created_at, updated_at)
VALUES ($1, $2, 'memory_card', $3, $4, $5, $6::vector, NOW(), NOW())
ON CONFLICT (source_type, source_id)
DO UPDATE SET
    user_id = EXCLUDED.user_id,
    domain = EXCLUDED.domain,
    text_content = EXCLUDED.text_content,
    embedding = EXCLUDED.embedding,
    updated_at = NOW()
`, uuid.NewString(), userID, memoryID, domain, textContent, vec); err != nil {
		return fmt.Errorf("failed to upsert memory embedding: %w", err)
	}
	return nil
}

// firstWords keeps the leading words of a text for slug derivation.
func firstWords(text string, max int) string {
	fields := strings.Fields(text)
	if len(fields) > max {
		fields = fields[:max]
	}
	return strings.Join(fields, " ")
}
