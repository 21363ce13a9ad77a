// ABOUTME: Context snapshot loaded from the store before each decision
// ABOUTME: Rendered into the decision prompt and the specialist system prompt
package models

import "time"

// ActiveTrack is one row of the user's currently active tracks.
type ActiveTrack struct {
	Slug          string
	Domain        string
	TrackType     string
	Title         string
	Status        string
	LastCheckinAt *time.Time
	UpdatedAt     time.Time
}

// RecentCheckin is one recent check-in event across all tracks.
type RecentCheckin struct {
	TrackSlug  string
	Timestamp  time.Time
	Summary    string
	Outcome    string
	Confidence *float64
}

// RecentJournalEntry is one recent journal entry header.
type RecentJournalEntry struct {
	EntryDate string
	EntryTS   time.Time
	Title     string
	Excerpt   string
}

// RecentMemoryCard is one recent durable fact.
type RecentMemoryCard struct {
	Domain      string
	Slug        string
	Memory      string
	Occurrences int
	LastSeen    time.Time
}

// ContextSnapshot captures the prior per-user state shown to the model.
type ContextSnapshot struct {
	ActiveTracks         []ActiveTrack
	RecentCheckins       []RecentCheckin
	RecentJournalEntries []RecentJournalEntry
	RecentMemoryCards    []RecentMemoryCard
}

// IsEmpty reports whether the snapshot has nothing to render.
func (s ContextSnapshot) IsEmpty() bool {
	return len(s.ActiveTracks) == 0 &&
		len(s.RecentCheckins) == 0 &&
		len(s.RecentJournalEntries) == 0 &&
		len(s.RecentMemoryCards) == 0
}
