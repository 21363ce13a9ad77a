// ABOUTME: Turn pipeline: decision, grounding, idempotent writes, projection
// ABOUTME: Persistence failures degrade to an empty footer, never a user error
package state

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/config"
	"github.com/tendhq/tend/internal/llm"
	"github.com/tendhq/tend/internal/models"
	"github.com/tendhq/tend/internal/storage"
)

// TurnStore is the slice of storage the pipeline itself needs.
type TurnStore interface {
	FetchContextSnapshot(ctx context.Context, userKey, routedDomain string) (models.ContextSnapshot, error)
	UpsertTurnEvent(ctx context.Context, userKey, sessionKey, requestHash, domain, userText, assistantText string) (userID, turnID string, err error)
}

type decider interface {
	Decide(ctx context.Context, userText, assistantText, routedDomain string, snapshot models.ContextSnapshot) models.StateDecision
}

type checkinApplier interface {
	Apply(ctx context.Context, userID, turnID string, payload models.CheckinWrite, idempotencyKey, sourceModel string) (models.WriteSummary, error)
}

type journalApplier interface {
	Apply(ctx context.Context, userID, turnID string, payload models.JournalWrite, userText, assistantText, idempotencyKey, sourceModel string) (models.WriteSummary, error)
}

type memoryApplier interface {
	Apply(ctx context.Context, userID, turnID string, payload models.MemoryWrite, idempotencyKey, sourceExcerpt string) (models.WriteSummary, error)
}

type exporter interface {
	ExportUser(ctx context.Context, userID, userKey string) ([]models.WriteSummary, error)
}

// TurnInput carries everything the pipeline needs about one finished exchange.
type TurnInput struct {
	RequestUser    string
	SessionKey     string
	RoutedDomain   string
	UserText       string
	AssistantText  string
	UsedModel      string
	RequestPayload map[string]any
}

// Pipeline runs after each assistant response: it proposes writes, grounds
// them, applies them exactly once, refreshes the markdown projection, and
// returns a footer describing what happened.
type Pipeline struct {
	cfg        *config.Config
	store      TurnStore
	decision   decider
	guard      GroundingGuard
	checkins   checkinApplier
	journal    journalApplier
	memories   memoryApplier
	projection exporter
	logger     *zap.Logger
}

// NewPipeline wires the full pipeline over one store and one model client.
func NewPipeline(cfg *config.Config, store *storage.Store, client llm.Client, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      store,
		decision:   NewDecisionEngine(cfg, client, logger),
		guard:      GroundingGuard{StrictGrounding: cfg.StrictGrounding, FactsOnly: cfg.FactsOnly},
		checkins:   NewCheckinEngine(store),
		journal:    NewJournalEngine(cfg, store),
		memories:   NewMemoryEngine(cfg, store, client, logger),
		projection: NewProjectionSync(cfg.ProjectionDir, store, logger),
		logger:     logger,
	}
}

// ResolveUserKey maps the request's user field onto a stable key, falling
// back to the configured anonymous key when it is blank.
func (p *Pipeline) ResolveUserKey(requestUser string) string {
	return storage.NormalizeUserKey(requestUser, p.cfg.AnonymousUserKey)
}

// ContextForPrompt returns a compact text block of the user's current state
// for injection into the assistant prompt. Any failure yields "".
func (p *Pipeline) ContextForPrompt(ctx context.Context, requestUser, routedDomain string) string {
	if !p.cfg.StateEnabled {
		return ""
	}
	snapshot, err := p.store.FetchContextSnapshot(ctx, p.ResolveUserKey(requestUser), routedDomain)
	if err != nil {
		p.logger.Warn("state context load failed",
			zap.String("domain", routedDomain), zap.Error(err))
		return ""
	}
	return formatContext(snapshot)
}

// ProcessTurn runs the full write path for one exchange and returns the
// markdown footer, or "" when there is nothing to report. It never returns
// an error: the conversation must not fail because state persistence did.
func (p *Pipeline) ProcessTurn(ctx context.Context, input TurnInput) string {
	if !p.cfg.StateEnabled || p.cfg.WritesPaused {
		return ""
	}

	userKey := p.ResolveUserKey(input.RequestUser)
	requestHash := storage.PayloadHash(input.RequestPayload)

	footer, err := p.processTurn(ctx, userKey, requestHash, input)
	if err != nil {
		p.logger.Warn("state pipeline failed",
			zap.String("domain", input.RoutedDomain), zap.Error(err))
		return ""
	}
	return footer
}

func (p *Pipeline) processTurn(ctx context.Context, userKey, requestHash string, input TurnInput) (string, error) {
	snapshot, err := p.store.FetchContextSnapshot(ctx, userKey, input.RoutedDomain)
	if err != nil {
		return "", err
	}

	decision := p.decision.Decide(ctx, input.UserText, input.AssistantText, input.RoutedDomain, snapshot)
	decision = p.guard.Apply(decision, input.UserText)
	if !decision.HasWrites() {
		return p.failureFooter(decision, userKey), nil
	}

	userID, turnID, err := p.store.UpsertTurnEvent(ctx, userKey, input.SessionKey, requestHash,
		input.RoutedDomain, input.UserText, input.AssistantText)
	if err != nil {
		return "", err
	}

	sourceModel := decision.SourceModel
	if sourceModel == "" {
		sourceModel = input.UsedModel
	}

	var items []models.WriteSummary
	if decision.Checkin != nil {
		item, err := p.checkins.Apply(ctx, userID, turnID, *decision.Checkin, requestHash+":checkin", sourceModel)
		if err != nil {
			return "", err
		}
		items = append(items, item)
	}
	if decision.Journal != nil {
		item, err := p.journal.Apply(ctx, userID, turnID, *decision.Journal,
			input.UserText, input.AssistantText, requestHash+":journal", sourceModel)
		if err != nil {
			return "", err
		}
		items = append(items, item)
	}
	if decision.Memory != nil {
		item, err := p.memories.Apply(ctx, userID, turnID, *decision.Memory, requestHash+":memory", input.UserText)
		if err != nil {
			return "", err
		}
		items = append(items, item)
	}

	if anyApplied(items) {
		projected, err := p.projection.ExportUser(ctx, userID, userKey)
		if err != nil {
			return "", err
		}
		items = append(items, projected...)
	}
	return formatFooter(items, userKey), nil
}

func anyApplied(items []models.WriteSummary) bool {
	for _, item := range items {
		if item.Status == models.StatusApplied {
			return true
		}
	}
	return false
}

// failureFooter reports a terminal decision failure when configured to do so.
// Ordinary no-write turns stay silent.
func (p *Pipeline) failureFooter(decision models.StateDecision, userKey string) string {
	if !decision.IsFailure || p.cfg.OnFailure != config.OnFailureFooterWarning {
		return ""
	}
	reason := decision.Reason
	if reason == "" {
		reason = "state-decision-failure"
	}
	return strings.Join([]string{
		"*State warning:*",
		fmt.Sprintf("- decision engine failed for this turn (`%s`), so state writes were skipped.", reason),
		fmt.Sprintf("- state path scope: `state/users/%s/`", SafePathPart(userKey)),
	}, "\n")
}

func formatFooter(items []models.WriteSummary, userKey string) string {
	if len(items) == 0 {
		return ""
	}
	safeUser := SafePathPart(userKey)
	lines := []string{"*State writes:*"}
	for _, item := range items {
		target := item.Target
		if item.Channel != "projection" {
			target = fmt.Sprintf("state/users/%s/%s", safeUser, item.Target)
		}
		label := item.Channel
		if label == "checkin" {
			label = "check-in"
		}
		details := ""
		if item.Details != "" {
			details = " - " + item.Details
		}
		lines = append(lines, fmt.Sprintf("- %s: `%s` (%s)%s", label, target, item.Status, details))
	}
	return strings.Join(lines, "\n")
}

func formatContext(snapshot models.ContextSnapshot) string {
	var lines []string
	if len(snapshot.ActiveTracks) > 0 {
		lines = append(lines, "Active tracks:")
		for _, t := range snapshot.ActiveTracks {
			lastCheckin := ""
			if t.LastCheckinAt != nil {
				lastCheckin = t.LastCheckinAt.UTC().Format("2006-01-02T15:04:05Z07:00")
			}
			lines = append(lines, fmt.Sprintf("- %s [%s] status=%s last_checkin=%s", t.Title, t.Domain, t.Status, lastCheckin))
		}
	}
	if len(snapshot.RecentCheckins) > 0 {
		lines = append(lines, "Recent check-ins:")
		for _, c := range snapshot.RecentCheckins {
			lines = append(lines, fmt.Sprintf("- %s: %s (%s)", c.TrackSlug, c.Summary, c.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00")))
		}
	}
	if len(snapshot.RecentJournalEntries) > 0 {
		lines = append(lines, "Recent journal entries:")
		for _, j := range snapshot.RecentJournalEntries {
			lines = append(lines, fmt.Sprintf("- %s: %s", j.EntryDate, j.Title))
		}
	}
	if len(snapshot.RecentMemoryCards) > 0 {
		lines = append(lines, "Recent memories:")
		for _, m := range snapshot.RecentMemoryCards {
			lines = append(lines, fmt.Sprintf("- %s/%s (occurrences=%d)", m.Domain, m.Slug, m.Occurrences))
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
