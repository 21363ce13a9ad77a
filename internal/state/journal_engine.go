// ABOUTME: Journal engine: shapes journal bodies before the append-only write
// ABOUTME: Optionally quotes a bounded assistant excerpt under the user entry
package state

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tendhq/tend/internal/config"
	"github.com/tendhq/tend/internal/models"
)

// JournalStore is the slice of storage the journal engine needs.
type JournalStore interface {
	WriteJournal(ctx context.Context, userID, turnID string, payload models.JournalWrite, idempotencyKey, sourceModel string) (models.WriteSummary, error)
}

// JournalEngine applies journal writes.
type JournalEngine struct {
	cfg   *config.Config
	store JournalStore
}

// NewJournalEngine creates a journal engine.
func NewJournalEngine(cfg *config.Config, store JournalStore) *JournalEngine {
	return &JournalEngine{cfg: cfg, store: store}
}

// Apply persists one journal entry. In facts-only mode the body is the user's
// own words and the assistant excerpt is suppressed.
func (e *JournalEngine) Apply(ctx context.Context, userID, turnID string, payload models.JournalWrite, userText, assistantText, idempotencyKey, sourceModel string) (models.WriteSummary, error) {
	if payload.EntryTS.IsZero() {
		payload.EntryTS = time.Now().UTC()
	}
	if strings.TrimSpace(payload.Title) == "" {
		payload.Title = defaultTitleFromText(userText)
	}

	body := payload.BodyMD
	if e.cfg.FactsOnly {
		body = strings.TrimSpace(userText)
	}
	excerpt := ""
	if e.cfg.IncludeAssistantExcerpt && !e.cfg.FactsOnly {
		excerpt = truncate(assistantText, e.cfg.MaxAssistantExcerptChars)
	}
	payload.BodyMD = formatJournalEntry(payload.EntryTS, payload.Title, userText, body, excerpt)

	return e.store.WriteJournal(ctx, userID, turnID, payload, idempotencyKey, sourceModel)
}

func formatJournalEntry(entryTS time.Time, title, userText, generatedBody, assistantExcerpt string) string {
	body := strings.TrimSpace(generatedBody)
	if body == "" {
		body = strings.TrimSpace(userText)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s - %s\n\n%s", entryTS.UTC().Format(time.RFC3339), title, body)
	if excerpt := strings.TrimSpace(assistantExcerpt); excerpt != "" {
		b.WriteString("\n\n### Coaching context\n")
		b.WriteString(excerpt)
	}
	return strings.TrimSpace(b.String())
}
