// ABOUTME: Write payloads and decision types produced by the decision engine
// ABOUTME: These are value types; validation and normalization happen upstream
package models

import "time"

// CheckinWrite is a proposed progress report against a track.
type CheckinWrite struct {
	Domain      string
	TrackType   string
	Title       string
	Summary     string
	Outcome     string
	Confidence  *float64
	Wins        []string
	Barriers    []string
	NextActions []string
	Tags        []string
	Evidence    string
}

// JournalWrite is a proposed dated journal entry.
type JournalWrite struct {
	EntryTS     time.Time
	Title       string
	BodyMD      string
	DomainHints []string
	Evidence    string
}

// MemoryWrite is a proposed durable fact about the user.
type MemoryWrite struct {
	Domain   string
	Memory   string
	Evidence string
}

// StateDecision is the structured outcome of one decision-engine call.
// A nil channel pointer means "no write on that channel"; per-channel
// reasons are always populated and suitable for end-user display.
type StateDecision struct {
	Checkin       *CheckinWrite
	Journal       *JournalWrite
	Memory        *MemoryWrite
	Reason        string
	CheckinReason string
	MemoryReason  string
	SourceModel   string
	IsFailure     bool
}

// HasWrites reports whether any channel proposes a write.
func (d StateDecision) HasWrites() bool {
	return d.Checkin != nil || d.Journal != nil || d.Memory != nil
}

// Write-operation statuses recorded in the idempotency ledger.
const (
	StatusApplied          = "applied"
	StatusSkippedDuplicate = "skipped_duplicate"
	StatusFailed           = "failed"
)

// WriteSummary describes the outcome of one channel's write for the footer.
type WriteSummary struct {
	Channel   string
	Status    string
	Target    string
	Details   string
	ResultRef string
}
