// ABOUTME: Tests for the turn pipeline's orchestration and footer rendering
// ABOUTME: All collaborators are in-package fakes; nothing touches Postgres
package state

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/config"
	"github.com/tendhq/tend/internal/models"
)

type fakeTurnStore struct {
	snapshot    models.ContextSnapshot
	snapshotErr error
	upsertErr   error
	upserts     int
}

func (f *fakeTurnStore) FetchContextSnapshot(context.Context, string, string) (models.ContextSnapshot, error) {
	return f.snapshot, f.snapshotErr
}

func (f *fakeTurnStore) UpsertTurnEvent(context.Context, string, string, string, string, string, string) (string, string, error) {
	f.upserts++
	return "user-1", "turn-1", f.upsertErr
}

type fakeDecider struct {
	decision models.StateDecision
}

func (f *fakeDecider) Decide(context.Context, string, string, string, models.ContextSnapshot) models.StateDecision {
	return f.decision
}

type fakeCheckinApplier struct {
	summary models.WriteSummary
	err     error
	calls   int
	key     string
}

func (f *fakeCheckinApplier) Apply(_ context.Context, _, _ string, _ models.CheckinWrite, idempotencyKey, _ string) (models.WriteSummary, error) {
	f.calls++
	f.key = idempotencyKey
	return f.summary, f.err
}

type fakeJournalApplier struct {
	summary models.WriteSummary
	calls   int
}

func (f *fakeJournalApplier) Apply(_ context.Context, _, _ string, _ models.JournalWrite, _, _, _, _ string) (models.WriteSummary, error) {
	f.calls++
	return f.summary, nil
}

type fakeMemoryApplier struct {
	summary models.WriteSummary
	calls   int
	key     string
}

func (f *fakeMemoryApplier) Apply(_ context.Context, _, _ string, _ models.MemoryWrite, idempotencyKey, _ string) (models.WriteSummary, error) {
	f.calls++
	f.key = idempotencyKey
	return f.summary, nil
}

type fakeExporter struct {
	items []models.WriteSummary
	err   error
	calls int
}

func (f *fakeExporter) ExportUser(context.Context, string, string) ([]models.WriteSummary, error) {
	f.calls++
	return f.items, f.err
}

func newTestPipeline(cfg *config.Config, store *fakeTurnStore, decision models.StateDecision) (*Pipeline, *fakeCheckinApplier, *fakeMemoryApplier, *fakeExporter) {
	checkins := &fakeCheckinApplier{summary: models.WriteSummary{Channel: "checkin", Status: models.StatusApplied, Target: "checkins/fitness-fat-loss.md", Details: "first check-in"}}
	memories := &fakeMemoryApplier{summary: models.WriteSummary{Channel: "memory", Status: models.StatusApplied, Target: "memories/health.md"}}
	exporter := &fakeExporter{items: []models.WriteSummary{{Channel: "projection", Status: models.StatusApplied, Target: "state/users/alice", Details: "one-way markdown projection"}}}
	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		decision:   &fakeDecider{decision: decision},
		guard:      GroundingGuard{},
		checkins:   checkins,
		journal:    &fakeJournalApplier{summary: models.WriteSummary{Channel: "journal", Status: models.StatusApplied, Target: "journal/2026-04-02.md"}},
		memories:   memories,
		projection: exporter,
		logger:     zap.NewNop(),
	}
	return p, checkins, memories, exporter
}

func turnInput() TurnInput {
	return TurnInput{
		RequestUser:    "alice",
		SessionKey:     "sess-1",
		RoutedDomain:   "fitness",
		UserText:       "Fat-loss check-in: trained 4 times.",
		AssistantText:  "Nice work.",
		UsedModel:      "chat-model",
		RequestPayload: map[string]any{"user": "alice", "text": "Fat-loss check-in: trained 4 times."},
	}
}

func checkinDecision() models.StateDecision {
	return models.StateDecision{
		Checkin: &models.CheckinWrite{
			Domain: "fitness", TrackType: "goal", Title: "Fat loss",
			Summary: "trained 4 times", Outcome: "win", Evidence: "trained 4 times",
		},
		Reason:      "checkin-only",
		SourceModel: "test-model",
	}
}

func TestProcessTurn_AppliedWritesFooter(t *testing.T) {
	store := &fakeTurnStore{}
	decision := checkinDecision()
	decision.Memory = &models.MemoryWrite{Domain: "health", Memory: "User is lactose intolerant", Evidence: "lactose"}
	p, checkins, memories, exporter := newTestPipeline(testConfig(), store, decision)

	footer := p.ProcessTurn(context.Background(), turnInput())

	if !strings.HasPrefix(footer, "*State writes:*") {
		t.Fatalf("footer = %q, want state writes header", footer)
	}
	for _, want := range []string{
		"- check-in: `state/users/alice/checkins/fitness-fat-loss.md` (applied) - first check-in",
		"- memory: `state/users/alice/memories/health.md` (applied)",
		"- projection: `state/users/alice` (applied) - one-way markdown projection",
	} {
		if !strings.Contains(footer, want) {
			t.Errorf("footer missing %q\n%s", want, footer)
		}
	}
	if checkins.calls != 1 || memories.calls != 1 {
		t.Errorf("applier calls = %d/%d, want 1/1", checkins.calls, memories.calls)
	}
	if exporter.calls != 1 {
		t.Errorf("exporter calls = %d, want 1", exporter.calls)
	}
	if store.upserts != 1 {
		t.Errorf("turn upserts = %d, want 1", store.upserts)
	}
}

func TestProcessTurn_IdempotencyKeysPerChannel(t *testing.T) {
	store := &fakeTurnStore{}
	decision := checkinDecision()
	decision.Memory = &models.MemoryWrite{Domain: "health", Memory: "fact", Evidence: "fact"}
	p, checkins, memories, _ := newTestPipeline(testConfig(), store, decision)

	p.ProcessTurn(context.Background(), turnInput())

	if !strings.HasSuffix(checkins.key, ":checkin") {
		t.Errorf("checkin key = %q, want :checkin suffix", checkins.key)
	}
	if !strings.HasSuffix(memories.key, ":memory") {
		t.Errorf("memory key = %q, want :memory suffix", memories.key)
	}
	checkinHash := strings.TrimSuffix(checkins.key, ":checkin")
	memoryHash := strings.TrimSuffix(memories.key, ":memory")
	if checkinHash != memoryHash {
		t.Errorf("request hashes differ: %q vs %q", checkinHash, memoryHash)
	}
	if len(checkinHash) != 64 {
		t.Errorf("request hash length = %d, want sha256 hex", len(checkinHash))
	}
}

func TestProcessTurn_NoWritesNoFooter(t *testing.T) {
	p, checkins, _, exporter := newTestPipeline(testConfig(), &fakeTurnStore{}, models.StateDecision{Reason: "no-writes"})

	footer := p.ProcessTurn(context.Background(), turnInput())

	if footer != "" {
		t.Errorf("footer = %q, want empty", footer)
	}
	if checkins.calls != 0 {
		t.Error("no writes should be applied")
	}
	if exporter.calls != 0 {
		t.Error("projection should not run without writes")
	}
}

func TestProcessTurn_DuplicateSkipsProjection(t *testing.T) {
	store := &fakeTurnStore{}
	p, checkins, _, exporter := newTestPipeline(testConfig(), store, checkinDecision())
	checkins.summary = models.WriteSummary{Channel: "checkin", Status: models.StatusSkippedDuplicate, Target: "checkins/fitness-fat-loss.md", Details: "duplicate idempotency key"}

	footer := p.ProcessTurn(context.Background(), turnInput())

	if exporter.calls != 0 {
		t.Errorf("exporter calls = %d, want 0 when nothing applied", exporter.calls)
	}
	if !strings.Contains(footer, "(skipped_duplicate)") {
		t.Errorf("footer = %q, want duplicate status", footer)
	}
}

func TestProcessTurn_DecisionFailureFooter(t *testing.T) {
	failure := models.StateDecision{Reason: "state-model-unavailable", IsFailure: true}

	t.Run("footer_warning", func(t *testing.T) {
		p, _, _, _ := newTestPipeline(testConfig(), &fakeTurnStore{}, failure)
		footer := p.ProcessTurn(context.Background(), turnInput())
		if !strings.HasPrefix(footer, "*State warning:*") {
			t.Fatalf("footer = %q, want warning header", footer)
		}
		if !strings.Contains(footer, "`state-model-unavailable`") {
			t.Errorf("footer = %q, want failure reason", footer)
		}
		if !strings.Contains(footer, "state path scope: `state/users/alice/`") {
			t.Errorf("footer = %q, want path scope line", footer)
		}
	})

	t.Run("silent", func(t *testing.T) {
		cfg := testConfig()
		cfg.OnFailure = config.OnFailureSilent
		p, _, _, _ := newTestPipeline(cfg, &fakeTurnStore{}, failure)
		if footer := p.ProcessTurn(context.Background(), turnInput()); footer != "" {
			t.Errorf("footer = %q, want empty in silent mode", footer)
		}
	})
}

func TestProcessTurn_StoreFailureSwallowed(t *testing.T) {
	store := &fakeTurnStore{snapshotErr: errors.New("connection refused")}
	p, _, _, _ := newTestPipeline(testConfig(), store, checkinDecision())

	if footer := p.ProcessTurn(context.Background(), turnInput()); footer != "" {
		t.Errorf("footer = %q, want empty on store failure", footer)
	}
}

func TestProcessTurn_Disabled(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"state disabled", func(c *config.Config) { c.StateEnabled = false }},
		{"writes paused", func(c *config.Config) { c.WritesPaused = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			store := &fakeTurnStore{}
			p, checkins, _, _ := newTestPipeline(cfg, store, checkinDecision())

			if footer := p.ProcessTurn(context.Background(), turnInput()); footer != "" {
				t.Errorf("footer = %q, want empty", footer)
			}
			if store.upserts != 0 || checkins.calls != 0 {
				t.Error("disabled pipeline must not touch the store")
			}
		})
	}
}

func TestResolveUserKey(t *testing.T) {
	p, _, _, _ := newTestPipeline(testConfig(), &fakeTurnStore{}, models.StateDecision{})

	if got := p.ResolveUserKey("alice"); got != "alice" {
		t.Errorf("ResolveUserKey(alice) = %q", got)
	}
	if got := p.ResolveUserKey("   "); got != "anonymous" {
		t.Errorf("ResolveUserKey(blank) = %q, want anonymous fallback", got)
	}
}

func TestContextForPrompt(t *testing.T) {
	ts := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	store := &fakeTurnStore{snapshot: models.ContextSnapshot{
		ActiveTracks: []models.ActiveTrack{{
			Slug: "fitness-fat-loss", Domain: "fitness", Title: "Fat loss",
			Status: "active", LastCheckinAt: &ts,
		}},
		RecentMemoryCards: []models.RecentMemoryCard{{
			Domain: "health", Slug: "dairy-issue", Memory: "User is lactose intolerant", Occurrences: 2,
		}},
	}}
	p, _, _, _ := newTestPipeline(testConfig(), store, models.StateDecision{})

	got := p.ContextForPrompt(context.Background(), "alice", "fitness")

	for _, want := range []string{
		"Active tracks:",
		"- Fat loss [fitness] status=active last_checkin=2026-04-02T09:30:00Z",
		"Recent memories:",
		"- health/dairy-issue (occurrences=2)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("context missing %q\n%s", want, got)
		}
	}
}

func TestContextForPrompt_FailureYieldsEmpty(t *testing.T) {
	store := &fakeTurnStore{snapshotErr: errors.New("down")}
	p, _, _, _ := newTestPipeline(testConfig(), store, models.StateDecision{})

	if got := p.ContextForPrompt(context.Background(), "alice", "fitness"); got != "" {
		t.Errorf("context = %q, want empty on failure", got)
	}
}
