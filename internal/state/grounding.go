// ABOUTME: Grounding guard: drops or rewrites proposed writes that are not
// ABOUTME: literally supported by the user's own words
package state

import (
	"strings"

	"github.com/tendhq/tend/internal/models"
)

// ambiguousPrefixes mark memory text that leans on unresolved anaphora and
// would not stand alone months later.
var ambiguousPrefixes = []string{
	"it ", "this ", "that ", "these ", "those ",
	"they ", "he ", "she ", "there ", "here ",
}

// GroundingGuard enforces evidence checks on a StateDecision. It is pure:
// no I/O, no model calls.
type GroundingGuard struct {
	StrictGrounding bool
	FactsOnly       bool
}

// Apply returns a copy of decision with ungrounded writes removed and, in
// facts-only mode, free-form model prose replaced by the user's own words.
// Filter reasons are appended to the decision reason.
func (g GroundingGuard) Apply(decision models.StateDecision, userText string) models.StateDecision {
	if !g.StrictGrounding && !g.FactsOnly {
		return decision
	}

	var filtered []string

	if decision.Checkin != nil {
		evidence := strings.TrimSpace(decision.Checkin.Evidence)
		if g.StrictGrounding && !containsEvidence(userText, evidence) {
			decision.Checkin = nil
			filtered = append(filtered, "check-in-filtered-missing-evidence")
		} else if g.FactsOnly {
			checkin := *decision.Checkin
			if evidence != "" {
				checkin.Summary = evidence
			}
			checkin.Wins = groundedItems(checkin.Wins, userText)
			checkin.Barriers = groundedItems(checkin.Barriers, userText)
			checkin.NextActions = groundedItems(checkin.NextActions, userText)
			checkin.Tags = nil
			checkin.Evidence = evidence
			decision.Checkin = &checkin
		}
	}

	if decision.Journal != nil {
		evidence := strings.TrimSpace(decision.Journal.Evidence)
		if g.StrictGrounding && !containsEvidence(userText, evidence) {
			decision.Journal = nil
			filtered = append(filtered, "journal-filtered-missing-evidence")
		} else if g.FactsOnly {
			journal := *decision.Journal
			journal.BodyMD = strings.TrimSpace(userText)
			journal.Evidence = evidence
			decision.Journal = &journal
		}
	}

	if decision.Memory != nil {
		evidence := strings.TrimSpace(decision.Memory.Evidence)
		if g.StrictGrounding && !containsEvidence(userText, evidence) {
			decision.Memory = nil
			filtered = append(filtered, "memory-filtered-missing-evidence")
		} else {
			memoryText := evidence
			if memoryText == "" {
				memoryText = decision.Memory.Memory
			}
			if looksAmbiguousMemory(memoryText) {
				decision.Memory = nil
				filtered = append(filtered, "memory-filtered-ambiguous")
			} else if g.FactsOnly {
				memory := *decision.Memory
				memory.Memory = strings.TrimSpace(memoryText)
				memory.Evidence = evidence
				decision.Memory = &memory
			}
		}
	}

	if len(filtered) > 0 {
		suffix := strings.Join(filtered, ",")
		if reason := strings.TrimSpace(decision.Reason); reason != "" {
			decision.Reason = reason + "|" + suffix
		} else {
			decision.Reason = suffix
		}
	}
	return decision
}

func groundedItems(items []string, userText string) []string {
	var out []string
	for _, item := range items {
		if containsEvidence(userText, item) {
			out = append(out, item)
		}
	}
	return out
}

// containsEvidence reports whether evidence appears literally in userText
// after case folding and whitespace normalization on both sides.
func containsEvidence(userText, evidence string) bool {
	haystack := normalizeForMatch(userText)
	needle := normalizeForMatch(evidence)
	if haystack == "" || needle == "" {
		return false
	}
	return strings.Contains(haystack, needle)
}

func normalizeForMatch(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// looksAmbiguousMemory flags memory text that is empty or starts with an
// unresolved pronoun or deictic reference.
func looksAmbiguousMemory(memoryText string) bool {
	candidate := strings.ToLower(strings.TrimSpace(memoryText))
	if candidate == "" {
		return true
	}
	candidate += " "
	for _, prefix := range ambiguousPrefixes {
		if strings.HasPrefix(candidate, prefix) {
			return true
		}
	}
	return false
}
