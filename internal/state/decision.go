// ABOUTME: Decision engine: asks the model to propose structured state writes
// ABOUTME: Treats model JSON as untrusted input with bounded corrective retries
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/config"
	"github.com/tendhq/tend/internal/llm"
	"github.com/tendhq/tend/internal/models"
)

var jsonBlockRE = regexp.MustCompile("(?is)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// DecisionEngine turns one conversational exchange into a StateDecision.
type DecisionEngine struct {
	cfg    *config.Config
	client llm.Client
	logger *zap.Logger
}

// NewDecisionEngine creates a decision engine.
func NewDecisionEngine(cfg *config.Config, client llm.Client, logger *zap.Logger) *DecisionEngine {
	return &DecisionEngine{cfg: cfg, client: client, logger: logger}
}

// Decide proposes zero, one or two writes for the turn. Model misbehavior is
// a terminal, reportable decision (IsFailure), never an error.
func (e *DecisionEngine) Decide(ctx context.Context, userText, assistantText, routedDomain string, snapshot models.ContextSnapshot) models.StateDecision {
	trimmedUser := strings.TrimSpace(userText)
	if trimmedUser == "" {
		return models.StateDecision{
			Reason:        "empty-user-text",
			CheckinReason: "empty user text",
			MemoryReason:  "empty user text",
		}
	}

	decision, ok := e.decideWithModel(ctx, trimmedUser, strings.TrimSpace(assistantText), routedDomain, snapshot)
	if ok {
		return decision
	}
	return models.StateDecision{
		Reason:        "state-model-unavailable",
		CheckinReason: "state decision model unavailable",
		MemoryReason:  "state decision model unavailable",
		IsFailure:     true,
	}
}

func (e *DecisionEngine) decideWithModel(ctx context.Context, userText, assistantText, routedDomain string, snapshot models.ContextSnapshot) (models.StateDecision, bool) {
	trimmedUser := truncate(userText, e.cfg.MaxUserChars)
	trimmedAssistant := truncate(assistantText, e.cfg.MaxAssistantChars)
	contextBlock := renderSnapshot(snapshot)
	maxAttempts := 1 + e.cfg.MaxJSONRetries
	retryFeedback := ""

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		messages := []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: decisionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: decisionUserPayload(routedDomain, trimmedUser, trimmedAssistant, contextBlock, retryFeedback)},
		}

		usedModel, text, err := e.client.ChatCompletion(ctx, e.cfg.DecisionModel, messages, e.cfg.IncludeFallbacks)
		if err != nil {
			e.logger.Warn("decision model call failed",
				zap.String("model", e.cfg.DecisionModel),
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Error(err))
			retryFeedback = "Model call failed. Return ONLY strict JSON matching the schema."
			continue
		}

		payload := extractJSONObject(text)
		if payload == nil {
			retryFeedback = "Previous output was not parseable as a JSON object. Return ONLY valid JSON and no markdown/code fences."
			continue
		}
		if reason := payloadShapeError(payload); reason != "" {
			retryFeedback = fmt.Sprintf("Previous JSON did not match the required schema (%s). Include top-level keys checkin, memory, reason; each channel must include boolean write.", reason)
			continue
		}

		return e.decisionFromPayload(payload, routedDomain, userText, usedModel), true
	}

	e.logger.Warn("decision model produced no valid decision",
		zap.Int("attempts", maxAttempts))
	return models.StateDecision{}, false
}

const decisionSystemPrompt = `You are the state decision engine for a coaching assistant.
Task: Decide whether to write check-in and/or memory for the current user turn.
You must be conservative, facts-only, and grounded in user text.
Output requirements (MANDATORY):
- Output EXACTLY one JSON object.
- No markdown. No code fences. No commentary.
- Do not add extra top-level keys.
Top-level schema (all keys required):
{
  "checkin": {
    "write": boolean,
    "domain": string,
    "track_type": "goal|habit|system",
    "title": string,
    "summary": string,
    "outcome": "win|partial|miss|note",
    "wins": string[],
    "barriers": string[],
    "next_actions": string[],
    "tags": string[],
    "evidence": string,
    "reason": string
  },
  "memory": {
    "write": boolean,
    "domain": string,
    "memory": string,
    "evidence": string,
    "reason": string
  },
  "reason": string
}
Optional top-level key journal, included ONLY when the user narrates their day
or reflects in a diary-worthy way:
{
  "write": boolean,
  "title": string,
  "body_md": string,
  "domain_hints": string[],
  "evidence": string,
  "reason": string
}
Policy:
- One message may trigger 0-2 writes.
- Facts only: never invent details that are not in user text.
- Never persist assistant advice as fact unless user explicitly confirms it.
- For each write=true block, evidence must be an exact quote from user_text.
- If uncertain, set write=false (especially for memory).
- Memory text must be self-contained and explicit; no vague pronouns.
- If latest user text conflicts with an existing durable memory, produce updated memory text (do not add contradictory fact).
- Ignore sarcasm/jokes/non-literal claims for memory unless user explicitly confirms literal intent.
- For EACH channel, include a short reason (<=12 words) for why write is true/false.
Triage ladder:
1) Memory: durable preferences, recurring patterns, long-term facts/commitments.
2) Check-in: ongoing goal/habit/system plus progress/barrier/accountability/coaching signal.
Canonical positive examples:
- 'I am lactose intolerant.' -> memory only.
- 'Fat-loss check-in: this week I trained 4 times ... keep me on the plan.' -> check-in only.
- 'For months I have been eating sweets late at night; track this weekly.' -> memory + check-in.
- 'Today I decided to quit smoking for good; day 1, I want daily coaching.' -> memory + check-in.
Canonical negative examples:
- 'Today I planted 3 raspberry bushes, 2 currant bushes, and a cherry tree.' -> no state writes.
- 'How should I prune currant bushes?' -> no state writes.
- If channel is not justified, set write=false and use empty strings/lists.
- Keep titles concise and stable.
- Keep reason short and specific.`

func decisionUserPayload(routedDomain, userText, assistantText, contextBlock, retryFeedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "routed_domain=%s\n", routedDomain)
	b.WriteString("user_text:\n")
	b.WriteString(userText)
	b.WriteString("\n\nassistant_text:\n")
	b.WriteString(assistantText)
	b.WriteString("\n\ncontext:\n")
	b.WriteString(contextBlock)
	if strings.TrimSpace(retryFeedback) != "" {
		b.WriteString("\n\nretry_feedback:\n")
		b.WriteString(strings.TrimSpace(retryFeedback))
	}
	b.WriteString("\n")
	return b.String()
}

// extractJSONObject pulls a JSON object out of model text: a fenced json
// block when present, else the widest {...} substring. Returns nil when
// nothing parses to an object.
func extractJSONObject(text string) map[string]any {
	candidate := strings.TrimSpace(text)
	if match := jsonBlockRE.FindStringSubmatch(candidate); match != nil {
		candidate = strings.TrimSpace(match[1])
	} else {
		start := strings.Index(candidate, "{")
		end := strings.LastIndex(candidate, "}")
		if start != -1 && end > start {
			candidate = candidate[start : end+1]
		}
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		return nil
	}
	return payload
}

// payloadShapeError validates the two-channel schema, returning "" when the
// shape is acceptable and a short description otherwise.
func payloadShapeError(payload map[string]any) string {
	if _, ok := payload["reason"].(string); !ok {
		return "missing top-level reason"
	}
	for _, blockName := range []string{"checkin", "memory"} {
		block, ok := payload[blockName].(map[string]any)
		if !ok {
			return fmt.Sprintf("%s is not an object", blockName)
		}
		write, ok := block["write"].(bool)
		if !ok {
			return fmt.Sprintf("%s.write is not a boolean", blockName)
		}
		reason, ok := block["reason"].(string)
		if !ok || strings.TrimSpace(reason) == "" {
			return fmt.Sprintf("%s.reason is not a non-empty string", blockName)
		}
		if !write {
			continue
		}
		required := []string{"domain", "memory", "evidence"}
		if blockName == "checkin" {
			required = []string{"domain", "track_type", "title", "summary", "outcome", "evidence"}
		}
		for _, key := range required {
			if _, ok := block[key].(string); !ok {
				return fmt.Sprintf("%s.%s is not a string", blockName, key)
			}
		}
	}
	if raw, present := payload["journal"]; present {
		block, ok := raw.(map[string]any)
		if !ok {
			return "journal is not an object"
		}
		write, ok := block["write"].(bool)
		if !ok {
			return "journal.write is not a boolean"
		}
		if write {
			for _, key := range []string{"body_md", "evidence"} {
				if _, ok := block[key].(string); !ok {
					return fmt.Sprintf("journal.%s is not a string", key)
				}
			}
		}
	}
	return ""
}

func (e *DecisionEngine) decisionFromPayload(payload map[string]any, routedDomain, sourceUserText, sourceModel string) models.StateDecision {
	const maxTags = 8

	decision := models.StateDecision{
		Reason:      compactReason(stringField(payload, "reason")),
		SourceModel: sourceModel,
	}
	if decision.Reason == "" {
		decision.Reason = "state-model"
	}

	checkinBlock, _ := payload["checkin"].(map[string]any)
	decision.CheckinReason = compactReason(stringField(checkinBlock, "reason"))
	if e.cfg.CheckinEnabled {
		if checkinBlock != nil && boolField(checkinBlock, "write") {
			decision.Checkin = e.checkinFromBlock(checkinBlock, routedDomain, sourceUserText, maxTags)
		}
	} else {
		decision.CheckinReason = "check-in channel disabled by config"
	}
	if decision.CheckinReason == "" {
		decision.CheckinReason = "missing check-in reason from state decision model"
	}

	if e.cfg.JournalEnabled {
		if journalBlock, ok := payload["journal"].(map[string]any); ok && boolField(journalBlock, "write") {
			decision.Journal = &models.JournalWrite{
				EntryTS:     time.Now().UTC(),
				Title:       strings.TrimSpace(stringField(journalBlock, "title")),
				BodyMD:      strings.TrimSpace(stringField(journalBlock, "body_md")),
				DomainHints: normalizeItems(journalBlock["domain_hints"], 4),
				Evidence:    strings.TrimSpace(stringField(journalBlock, "evidence")),
			}
		}
	}

	memoryBlock, _ := payload["memory"].(map[string]any)
	decision.MemoryReason = compactReason(stringField(memoryBlock, "reason"))
	if e.cfg.MemoryEnabled {
		if memoryBlock != nil && boolField(memoryBlock, "write") {
			decision.Memory = memoryFromBlock(memoryBlock, routedDomain, sourceUserText)
		}
	} else {
		decision.MemoryReason = "memory channel disabled by config"
	}
	if decision.MemoryReason == "" {
		decision.MemoryReason = "missing memory reason from state decision model"
	}

	return decision
}

func (e *DecisionEngine) checkinFromBlock(block map[string]any, routedDomain, sourceUserText string, maxTags int) *models.CheckinWrite {
	domain := strings.TrimSpace(stringField(block, "domain"))
	if domain == "" {
		domain = routedDomain
	}
	title := strings.TrimSpace(stringField(block, "title"))
	if title == "" {
		title = defaultTitleFromText(sourceUserText)
	}
	summary := strings.TrimSpace(stringField(block, "summary"))
	if summary == "" {
		summary = slugWords(sourceUserText, 14)
		if summary == "" {
			summary = "Check-in update."
		}
	}
	outcome := strings.ToLower(strings.TrimSpace(stringField(block, "outcome")))
	switch outcome {
	case "win", "partial", "miss", "note":
	default:
		outcome = "note"
	}
	return &models.CheckinWrite{
		Domain:      domain,
		TrackType:   normalizeTrackType(stringField(block, "track_type")),
		Title:       title,
		Summary:     summary,
		Outcome:     outcome,
		Confidence:  clampedConfidence(block["confidence"]),
		Wins:        normalizeItems(block["wins"], e.cfg.MaxWins),
		Barriers:    normalizeItems(block["barriers"], e.cfg.MaxBarriers),
		NextActions: normalizeItems(block["next_actions"], e.cfg.MaxNextActions),
		Tags:        normalizeItems(block["tags"], maxTags),
		Evidence:    strings.TrimSpace(stringField(block, "evidence")),
	}
}

func memoryFromBlock(block map[string]any, routedDomain, sourceUserText string) *models.MemoryWrite {
	domain := strings.TrimSpace(stringField(block, "domain"))
	if domain == "" {
		domain = routedDomain
	}
	memoryText := strings.TrimSpace(stringField(block, "memory"))
	if memoryText == "" {
		memoryText = slugWords(sourceUserText, 16)
		if memoryText == "" {
			memoryText = sourceUserText
		}
	}
	return &models.MemoryWrite{
		Domain:   domain,
		Memory:   memoryText,
		Evidence: strings.TrimSpace(stringField(block, "evidence")),
	}
}

func renderSnapshot(snapshot models.ContextSnapshot) string {
	var lines []string
	if len(snapshot.ActiveTracks) > 0 {
		lines = append(lines, "active_tracks:")
		for _, t := range snapshot.ActiveTracks {
			lines = append(lines, fmt.Sprintf("- %s: %s (domain=%s status=%s)", t.Slug, t.Title, t.Domain, t.Status))
		}
	}
	if len(snapshot.RecentCheckins) > 0 {
		lines = append(lines, "recent_checkins:")
		for _, c := range snapshot.RecentCheckins {
			lines = append(lines, fmt.Sprintf("- %s @ %s: %s", c.TrackSlug, c.Timestamp.Format("2006-01-02T15:04:05Z07:00"), c.Summary))
		}
	}
	if len(snapshot.RecentMemoryCards) > 0 {
		lines = append(lines, "recent_memory_cards:")
		for _, m := range snapshot.RecentMemoryCards {
			lines = append(lines, fmt.Sprintf("- %s/%s: %s", m.Domain, m.Slug, m.Memory))
		}
	}
	if len(lines) == 0 {
		return "none"
	}
	return strings.Join(lines, "\n")
}

// Field coercion helpers for untrusted payload maps.

func stringField(block map[string]any, key string) string {
	if block == nil {
		return ""
	}
	v, _ := block[key].(string)
	return v
}

func boolField(block map[string]any, key string) bool {
	v, _ := block[key].(bool)
	return v
}

func clampedConfidence(raw any) *float64 {
	var v float64
	switch value := raw.(type) {
	case float64:
		v = value
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil
		}
		v = parsed
	default:
		return nil
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

func normalizeItems(raw any, limit int) []string {
	values, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, value := range values {
		text, ok := value.(string)
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		out = append(out, text)
		if len(out) >= limit {
			break
		}
	}
	return out
}

var wordRE = regexp.MustCompile(`[A-Za-z0-9_]+`)

// slugWords keeps up to maxWords leading words of free text.
func slugWords(text string, maxWords int) string {
	words := wordRE.FindAllString(strings.TrimSpace(text), -1)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	return strings.Join(words, " ")
}

func defaultTitleFromText(userText string) string {
	firstSentence := strings.TrimSpace(userText)
	if idx := strings.IndexAny(firstSentence, ".!?\n"); idx >= 0 {
		firstSentence = firstSentence[:idx]
	}
	if title := slugWords(firstSentence, 8); title != "" {
		return title
	}
	return "User note"
}

func normalizeTrackType(raw string) string {
	candidate := strings.ToLower(strings.TrimSpace(raw))
	switch candidate {
	case "goal", "habit", "system":
		return candidate
	}
	return "goal"
}

func compactReason(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// truncate keeps at most maxChars runes, never splitting a multi-byte rune.
func truncate(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	count := 0
	for i := range text {
		if count == maxChars {
			return text[:i]
		}
		count++
	}
	return text
}
