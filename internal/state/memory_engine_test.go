// ABOUTME: Tests for the memory engine's merge resolution and embedding sync
// ABOUTME: Fake store and scripted model client, no database or network
package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/models"
	"github.com/tendhq/tend/internal/storage"
)

type fakeMemoryStore struct {
	semantic     []storage.MemoryCandidate
	semanticErr  error
	recent       []storage.MemoryCandidate
	writeSummary models.WriteSummary
	writeErr     error

	gotMergeSlug string
	writeCalls   int
	card         *storage.MemoryCard
	upsertCalls  int
	upsertText   string
}

func (f *fakeMemoryStore) WriteMemory(_ context.Context, _, _ string, _ models.MemoryWrite, _, _, mergeSlug string) (models.WriteSummary, error) {
	f.writeCalls++
	f.gotMergeSlug = mergeSlug
	return f.writeSummary, f.writeErr
}

func (f *fakeMemoryStore) ListMemoryCandidates(context.Context, string, string, int) ([]storage.MemoryCandidate, error) {
	return f.recent, nil
}

func (f *fakeMemoryStore) SemanticMemoryCandidates(context.Context, string, string, []float32, int, float64) ([]storage.MemoryCandidate, error) {
	return f.semantic, f.semanticErr
}

func (f *fakeMemoryStore) GetMemoryCard(context.Context, string, string) (*storage.MemoryCard, error) {
	return f.card, nil
}

func (f *fakeMemoryStore) UpsertMemoryEmbedding(_ context.Context, _, _, _ string, text string, _ []float32) error {
	f.upsertCalls++
	f.upsertText = text
	return nil
}

func candidate(slug, memory string) storage.MemoryCandidate {
	return storage.MemoryCandidate{
		ID:          "id-" + slug,
		Domain:      "health",
		Slug:        slug,
		Memory:      memory,
		Occurrences: 1,
		LastSeen:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func memoryPayload() models.MemoryWrite {
	return models.MemoryWrite{Domain: "health", Memory: "User is lactose intolerant", Evidence: "I am lactose intolerant"}
}

func TestMemoryEngine_MergeIntoShortlistedCard(t *testing.T) {
	store := &fakeMemoryStore{
		semantic: []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		recent:   []storage.MemoryCandidate{candidate("sleep-pattern", "User sleeps late")},
		writeSummary: models.WriteSummary{
			Channel: "memory", Status: models.StatusApplied, ResultRef: "card-1",
		},
		card: &storage.MemoryCard{ID: "card-1", Domain: "health", Memory: "User is lactose intolerant"},
	}
	client := &fakeClient{
		responses: []string{`{"action":"merge","target_slug":"dairy-issue","reason":"same fact","confidence":0.9}`},
		embedding: []float32{0.1, 0.2, 0.3, 0.4},
	}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	summary, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", "I am lactose intolerant.")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if summary.Status != models.StatusApplied {
		t.Errorf("Status = %q, want applied", summary.Status)
	}
	if store.gotMergeSlug != "dairy-issue" {
		t.Errorf("mergeSlug = %q, want %q", store.gotMergeSlug, "dairy-issue")
	}
	if store.upsertCalls != 1 {
		t.Errorf("embedding upserts = %d, want 1", store.upsertCalls)
	}
	if store.upsertText != "memory: User is lactose intolerant" {
		t.Errorf("embedded text = %q", store.upsertText)
	}
}

func TestMemoryEngine_OffShortlistSlugBecomesNew(t *testing.T) {
	store := &fakeMemoryStore{
		semantic:     []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		recent:       []storage.MemoryCandidate{candidate("sleep-pattern", "User sleeps late")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, ResultRef: "card-2"},
		card:         &storage.MemoryCard{ID: "card-2", Domain: "health", Memory: "User is lactose intolerant"},
	}
	// Invented slug on every attempt: the engine must refuse to merge.
	client := &fakeClient{
		responses: []string{
			`{"action":"merge","target_slug":"made-up-slug","reason":"?","confidence":0.9}`,
			`{"action":"merge","target_slug":"still-made-up","reason":"?","confidence":0.9}`,
		},
		embedding: []float32{0.1, 0.2, 0.3, 0.4},
	}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	if _, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if store.gotMergeSlug != "" {
		t.Errorf("mergeSlug = %q, want new card", store.gotMergeSlug)
	}
}

func TestMemoryEngine_AdjudicatorErrorMeansNew(t *testing.T) {
	store := &fakeMemoryStore{
		semantic:     []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		recent:       []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, ResultRef: "card-3"},
		card:         &storage.MemoryCard{ID: "card-3", Domain: "health", Memory: "User is lactose intolerant"},
	}
	client := &fakeClient{err: errors.New("provider down"), embedding: []float32{0.1}}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	if _, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if store.gotMergeSlug != "" {
		t.Errorf("mergeSlug = %q, want new card on adjudication failure", store.gotMergeSlug)
	}
	if client.chatCalls != 2 {
		t.Errorf("chatCalls = %d, want every attempt consumed before defaulting", client.chatCalls)
	}
	if store.writeCalls != 1 {
		t.Errorf("writeCalls = %d, want write to proceed", store.writeCalls)
	}
}

func TestMemoryEngine_AdjudicatorRecoversAfterTransientError(t *testing.T) {
	store := &fakeMemoryStore{
		semantic:     []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		recent:       []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, ResultRef: "card-6"},
		card:         &storage.MemoryCard{ID: "card-6", Domain: "health", Memory: "User is lactose intolerant"},
	}
	// First call fails in transport; the retry must still be able to merge.
	client := &fakeClient{
		failFirst: 1,
		responses: []string{`{"action":"merge","target_slug":"dairy-issue","reason":"same fact","confidence":0.9}`},
		embedding: []float32{0.1, 0.2},
	}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	if _, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if store.gotMergeSlug != "dairy-issue" {
		t.Errorf("mergeSlug = %q, want merge after retry", store.gotMergeSlug)
	}
	if client.chatCalls != 2 {
		t.Errorf("chatCalls = %d, want 2", client.chatCalls)
	}
}

func TestMemoryEngine_EmbeddingFailureStillWrites(t *testing.T) {
	store := &fakeMemoryStore{
		recent:       []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, ResultRef: "card-4"},
		card:         &storage.MemoryCard{ID: "card-4", Domain: "health", Memory: "User is lactose intolerant"},
	}
	client := &fakeClient{
		embedErr:  errors.New("embeddings down"),
		responses: []string{`{"action":"new","target_slug":"","reason":"fresh","confidence":0.7}`},
	}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	summary, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if summary.Status != models.StatusApplied {
		t.Errorf("Status = %q, want applied", summary.Status)
	}
	if store.upsertCalls != 0 {
		t.Errorf("embedding upserts = %d, want 0 when embeddings fail", store.upsertCalls)
	}
}

func TestMemoryEngine_NoCandidatesSkipsAdjudication(t *testing.T) {
	store := &fakeMemoryStore{
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, ResultRef: "card-5"},
		card:         &storage.MemoryCard{ID: "card-5", Domain: "health", Memory: "User is lactose intolerant"},
	}
	client := &fakeClient{embedding: []float32{0.1, 0.2}}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	if _, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if client.chatCalls != 0 {
		t.Errorf("chatCalls = %d, want no adjudication without candidates", client.chatCalls)
	}
	if client.embedCalls != 1 {
		t.Errorf("embedCalls = %d, want only the post-write sync embedding", client.embedCalls)
	}
}

func TestMemoryEngine_DisabledMergeSkipsEmbedding(t *testing.T) {
	cfg := testConfig()
	cfg.SemanticMergeEnabled = false
	store := &fakeMemoryStore{
		recent:       []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, ResultRef: "card-7"},
		card:         &storage.MemoryCard{ID: "card-7", Domain: "health", Memory: "User is lactose intolerant"},
	}
	client := &fakeClient{embedding: []float32{0.1, 0.2}}
	engine := NewMemoryEngine(cfg, store, client, zap.NewNop())

	summary, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", "")
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if summary.Status != models.StatusApplied {
		t.Errorf("Status = %q, want applied", summary.Status)
	}
	if client.embedCalls != 0 {
		t.Errorf("embedCalls = %d, want 0 with merge disabled", client.embedCalls)
	}
	if client.chatCalls != 0 {
		t.Errorf("chatCalls = %d, want 0 with merge disabled", client.chatCalls)
	}
	if store.upsertCalls != 0 {
		t.Errorf("embedding upserts = %d, want 0 with merge disabled", store.upsertCalls)
	}
}

func TestMemoryEngine_ShortlistTruncatedToCandidateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.CandidateLimit = 2
	store := &fakeMemoryStore{
		semantic: []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		recent: []storage.MemoryCandidate{
			candidate("sleep-pattern", "User sleeps late"),
			candidate("training-days", "User trains four days a week"),
		},
	}
	client := &fakeClient{embedding: []float32{0.1, 0.2}}
	engine := NewMemoryEngine(cfg, store, client, zap.NewNop())

	shortlist := engine.candidateShortlist(context.Background(), "user-1", memoryPayload())

	if len(shortlist) != 2 {
		t.Fatalf("len(shortlist) = %d, want candidate limit", len(shortlist))
	}
	if shortlist[0].Slug != "dairy-issue" {
		t.Errorf("shortlist[0].Slug = %q, want similarity rows first", shortlist[0].Slug)
	}
}

func TestMemoryEngine_NoRecentCardsSkipsEmbedding(t *testing.T) {
	store := &fakeMemoryStore{
		semantic:     []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusSkippedDuplicate},
	}
	client := &fakeClient{embedding: []float32{0.1, 0.2}}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	if _, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if client.embedCalls != 0 {
		t.Errorf("embedCalls = %d, want 0 without stored cards in the domain", client.embedCalls)
	}
	if store.gotMergeSlug != "" {
		t.Errorf("mergeSlug = %q, want new card", store.gotMergeSlug)
	}
}

func TestMemoryEngine_SemanticWinsShortlistSlot(t *testing.T) {
	withDistance := candidate("dairy-issue", "User avoids dairy")
	withDistance.Distance = 0.12
	store := &fakeMemoryStore{
		semantic:     []storage.MemoryCandidate{withDistance},
		recent:       []storage.MemoryCandidate{candidate("dairy-issue", "User avoids dairy"), candidate("sleep-pattern", "User sleeps late")},
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusSkippedDuplicate},
	}
	client := &fakeClient{
		responses: []string{`{"action":"new","target_slug":"","reason":"distinct","confidence":0.6}`},
		embedding: []float32{0.5},
	}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	shortlist := engine.candidateShortlist(context.Background(), "user-1", memoryPayload())

	if len(shortlist) != 2 {
		t.Fatalf("len(shortlist) = %d, want union of 2", len(shortlist))
	}
	if shortlist[0].Slug != "dairy-issue" || shortlist[0].Distance != 0.12 {
		t.Errorf("shortlist[0] = %+v, want similarity-sourced row first", shortlist[0])
	}
}

func TestMemoryEngine_SkippedDuplicateDoesNotEmbed(t *testing.T) {
	store := &fakeMemoryStore{
		writeSummary: models.WriteSummary{Channel: "memory", Status: models.StatusSkippedDuplicate},
	}
	client := &fakeClient{embedding: []float32{0.1}}
	engine := NewMemoryEngine(testConfig(), store, client, zap.NewNop())

	if _, err := engine.Apply(context.Background(), "user-1", "turn-1", memoryPayload(), "hash:memory", ""); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if store.upsertCalls != 0 {
		t.Errorf("embedding upserts = %d, want 0 for duplicates", store.upsertCalls)
	}
}
