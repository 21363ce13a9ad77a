// ABOUTME: Memory engine: resolves each durable fact against existing cards
// ABOUTME: Embedding shortlist plus model adjudication picks merge vs new
package state

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/config"
	"github.com/tendhq/tend/internal/llm"
	"github.com/tendhq/tend/internal/models"
	"github.com/tendhq/tend/internal/storage"
)

// MemoryStore is the slice of storage the memory engine needs.
type MemoryStore interface {
	WriteMemory(ctx context.Context, userID, turnID string, payload models.MemoryWrite, idempotencyKey, sourceExcerpt, mergeSlug string) (models.WriteSummary, error)
	ListMemoryCandidates(ctx context.Context, userID, domain string, limit int) ([]storage.MemoryCandidate, error)
	SemanticMemoryCandidates(ctx context.Context, userID, domain string, embedding []float32, limit int, maxDistance float64) ([]storage.MemoryCandidate, error)
	GetMemoryCard(ctx context.Context, userID, memoryID string) (*storage.MemoryCard, error)
	UpsertMemoryEmbedding(ctx context.Context, userID, domain, memoryID, textContent string, embedding []float32) error
}

// MemoryEngine applies memory writes, deciding for each whether it updates an
// existing card or creates a new one.
type MemoryEngine struct {
	cfg    *config.Config
	store  MemoryStore
	client llm.Client
	logger *zap.Logger
}

// NewMemoryEngine creates a memory engine.
func NewMemoryEngine(cfg *config.Config, store MemoryStore, client llm.Client, logger *zap.Logger) *MemoryEngine {
	return &MemoryEngine{cfg: cfg, store: store, client: client, logger: logger}
}

// Apply persists one memory write. Merge resolution failures never block the
// write: any adjudication problem falls back to creating a new card.
func (e *MemoryEngine) Apply(ctx context.Context, userID, turnID string, payload models.MemoryWrite, idempotencyKey, sourceExcerpt string) (models.WriteSummary, error) {
	mergeSlug := ""
	if e.cfg.SemanticMergeEnabled {
		mergeSlug = e.resolveMergeSlug(ctx, userID, payload)
	}

	summary, err := e.store.WriteMemory(ctx, userID, turnID, payload, idempotencyKey, sourceExcerpt, mergeSlug)
	if err != nil {
		return summary, err
	}
	if e.cfg.SemanticMergeEnabled && summary.Status == models.StatusApplied && summary.ResultRef != "" {
		e.syncEmbedding(ctx, userID, summary.ResultRef)
	}
	return summary, nil
}

// resolveMergeSlug returns the slug of an existing card the new fact should
// fold into, or "" for a new card.
func (e *MemoryEngine) resolveMergeSlug(ctx context.Context, userID string, payload models.MemoryWrite) string {
	shortlist := e.candidateShortlist(ctx, userID, payload)
	if len(shortlist) == 0 {
		return ""
	}
	return e.adjudicateMerge(ctx, payload, shortlist)
}

// candidateShortlist unions similarity candidates with recency candidates,
// keyed by slug. A similarity row wins the slot for its slug so distance
// information survives the union. Recency comes first: a user with no cards
// in the domain never costs an embedding call.
func (e *MemoryEngine) candidateShortlist(ctx context.Context, userID string, payload models.MemoryWrite) []storage.MemoryCandidate {
	recent, err := e.store.ListMemoryCandidates(ctx, userID, payload.Domain, e.cfg.CandidateLimit)
	if err != nil {
		e.logger.Warn("recency candidate query failed", zap.Error(err))
		recent = nil
	}
	if len(recent) == 0 {
		return nil
	}

	var semantic []storage.MemoryCandidate
	_, embedding, err := e.client.Embedding(ctx, e.cfg.EmbeddingModel, memoryEmbeddingText(payload.Memory), e.cfg.IncludeFallbacks)
	if err != nil {
		e.logger.Warn("memory merge embedding failed, recency candidates only", zap.Error(err))
	} else {
		semantic, err = e.store.SemanticMemoryCandidates(ctx, userID, payload.Domain, embedding, e.cfg.CandidateLimit, e.cfg.MaxDistance)
		if err != nil {
			e.logger.Warn("semantic candidate query failed", zap.Error(err))
			semantic = nil
		}
	}

	seen := make(map[string]bool, len(semantic)+len(recent))
	var shortlist []storage.MemoryCandidate
	for _, candidate := range semantic {
		if seen[candidate.Slug] {
			continue
		}
		seen[candidate.Slug] = true
		shortlist = append(shortlist, candidate)
	}
	for _, candidate := range recent {
		if seen[candidate.Slug] {
			continue
		}
		seen[candidate.Slug] = true
		shortlist = append(shortlist, candidate)
	}
	if e.cfg.CandidateLimit > 0 && len(shortlist) > e.cfg.CandidateLimit {
		shortlist = shortlist[:e.cfg.CandidateLimit]
	}
	return shortlist
}

// adjudicateMerge asks the verification model to pick a shortlist card or
// declare the fact new. Anything unparseable or off-shortlist means new.
func (e *MemoryEngine) adjudicateMerge(ctx context.Context, payload models.MemoryWrite, shortlist []storage.MemoryCandidate) string {
	allowed := make(map[string]bool, len(shortlist))
	for _, candidate := range shortlist {
		allowed[candidate.Slug] = true
	}

	model := e.cfg.VerificationModel
	if model == "" {
		model = e.cfg.DecisionModel
	}

	maxAttempts := 1 + e.cfg.MergeMaxJSONRetries
	retryFeedback := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		messages := []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: mergeSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: e.mergeUserPayload(payload, shortlist, retryFeedback)},
		}
		_, text, err := e.client.ChatCompletion(ctx, model, messages, e.cfg.IncludeFallbacks)
		if err != nil {
			e.logger.Warn("merge adjudication call failed",
				zap.Int("attempt", attempt), zap.Error(err))
			retryFeedback = "Model call failed. Output strict JSON matching the schema."
			continue
		}

		verdict := extractJSONObject(text)
		if verdict == nil {
			retryFeedback = "Previous output was not a JSON object. Return ONLY strict JSON."
			continue
		}
		action := strings.ToLower(strings.TrimSpace(stringField(verdict, "action")))
		switch action {
		case "new":
			return ""
		case "merge":
			targetSlug := strings.TrimSpace(stringField(verdict, "target_slug"))
			if allowed[targetSlug] {
				return targetSlug
			}
			retryFeedback = fmt.Sprintf("target_slug %q is not in the candidate list. Pick a listed slug or use action=new.", targetSlug)
		default:
			retryFeedback = "action must be exactly \"merge\" or \"new\"."
		}
	}

	e.logger.Warn("merge adjudication exhausted retries, treating fact as new",
		zap.Int("attempts", maxAttempts))
	return ""
}

const mergeSystemPrompt = `You decide whether a new durable user fact duplicates an existing stored fact.
Output EXACTLY one JSON object, no markdown, no commentary:
{"action": "merge|new", "target_slug": string, "reason": string, "confidence": number}
Rules:
- action=merge ONLY when the new fact restates, refines, or updates one candidate fact.
- target_slug MUST be one of the listed candidate slugs; otherwise use action=new.
- Different facts about the same topic are NOT duplicates.
- When unsure, prefer action=new.`

func (e *MemoryEngine) mergeUserPayload(payload models.MemoryWrite, shortlist []storage.MemoryCandidate, retryFeedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "new_fact (domain=%s):\n%s\n\ncandidates:\n", payload.Domain, payload.Memory)
	for _, candidate := range shortlist {
		text := truncate(candidate.Memory, e.cfg.MaxCandidateChars)
		fmt.Fprintf(&b, "- slug=%s occurrences=%d last_seen=%s: %s\n",
			candidate.Slug, candidate.Occurrences, candidate.LastSeen.Format("2006-01-02"), text)
	}
	if strings.TrimSpace(retryFeedback) != "" {
		b.WriteString("\nretry_feedback:\n")
		b.WriteString(strings.TrimSpace(retryFeedback))
		b.WriteString("\n")
	}
	return b.String()
}

// syncEmbedding refreshes the semantic document for an applied card. Failures
// only degrade future merge candidate quality, so they log and move on.
func (e *MemoryEngine) syncEmbedding(ctx context.Context, userID, memoryID string) {
	card, err := e.store.GetMemoryCard(ctx, userID, memoryID)
	if err != nil {
		e.logger.Warn("failed to load memory card for embedding sync",
			zap.String("memory_id", memoryID), zap.Error(err))
		return
	}
	if card == nil {
		return
	}
	_, embedding, err := e.client.Embedding(ctx, e.cfg.EmbeddingModel, memoryEmbeddingText(card.Memory), e.cfg.IncludeFallbacks)
	if err != nil {
		e.logger.Warn("failed to embed memory card",
			zap.String("memory_id", memoryID), zap.Error(err))
		return
	}
	if err := e.store.UpsertMemoryEmbedding(ctx, userID, card.Domain, card.ID, memoryEmbeddingText(card.Memory), embedding); err != nil {
		e.logger.Warn("failed to upsert memory embedding",
			zap.String("memory_id", memoryID), zap.Error(err))
	}
}

func memoryEmbeddingText(memoryText string) string {
	return "memory: " + strings.TrimSpace(memoryText)
}
