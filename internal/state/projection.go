// ABOUTME: One-way markdown projection of relational state onto disk
// ABOUTME: Renders full artifacts each turn; bookkeeping rows record hashes
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tendhq/tend/internal/models"
	"github.com/tendhq/tend/internal/storage"
)

const opsLogLimit = 500

// ProjectionStore is the slice of storage the projection needs.
type ProjectionStore interface {
	ListTracks(ctx context.Context, userID string) ([]storage.Track, error)
	ListCheckins(ctx context.Context, userID, trackID string) ([]storage.CheckinEvent, error)
	ListJournals(ctx context.Context, userID string) ([]storage.JournalEntry, error)
	ListMemories(ctx context.Context, userID string) ([]storage.StoredMemory, error)
	ListWriteOperations(ctx context.Context, userID string, limit int) ([]storage.WriteOperation, error)
	UpsertProjectionState(ctx context.Context, userID, artifactType, artifactKey string, sourceMaxUpdatedAt time.Time, renderedHash, path string) error
}

// ProjectionSync renders a user's relational state into markdown files under
// the projection directory. Files are a disposable read model: the database
// stays authoritative and every export rewrites artifacts in full.
type ProjectionSync struct {
	root   string
	store  ProjectionStore
	logger *zap.Logger
}

// NewProjectionSync creates a projection sync rooted at outputDir.
func NewProjectionSync(outputDir string, store ProjectionStore, logger *zap.Logger) *ProjectionSync {
	return &ProjectionSync{root: outputDir, store: store, logger: logger}
}

// ExportUser rewrites every markdown artifact for the user and returns the
// single projection summary line for the footer.
func (p *ProjectionSync) ExportUser(ctx context.Context, userID, userKey string) ([]models.WriteSummary, error) {
	userRoot := filepath.Join(p.root, "users", SafePathPart(userKey))
	for _, dir := range []string{userRoot, filepath.Join(userRoot, "checkins"), filepath.Join(userRoot, "journal"), filepath.Join(userRoot, "memories")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create projection directory: %w", err)
		}
	}

	tracks, err := p.store.ListTracks(ctx, userID)
	if err != nil {
		return nil, err
	}
	checkinsByTrack := make(map[string][]storage.CheckinEvent, len(tracks))
	for _, track := range tracks {
		events, err := p.store.ListCheckins(ctx, userID, track.ID)
		if err != nil {
			return nil, err
		}
		checkinsByTrack[track.ID] = events
	}
	journals, err := p.store.ListJournals(ctx, userID)
	if err != nil {
		return nil, err
	}
	memories, err := p.store.ListMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	operations, err := p.store.ListWriteOperations(ctx, userID, opsLogLimit)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.renderTracks(gctx, userRoot, userID, tracks) })
	g.Go(func() error { return p.renderCheckins(gctx, userRoot, userID, tracks, checkinsByTrack) })
	g.Go(func() error { return p.renderJournal(gctx, userRoot, userID, journals) })
	g.Go(func() error { return p.renderMemories(gctx, userRoot, userID, memories) })
	g.Go(func() error { return renderOpsLog(userRoot, operations) })
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return []models.WriteSummary{{
		Channel: "projection",
		Status:  models.StatusApplied,
		Target:  "state/users/" + SafePathPart(userKey),
		Details: "one-way markdown projection",
	}}, nil
}

func (p *ProjectionSync) renderTracks(ctx context.Context, userRoot, userID string, tracks []storage.Track) error {
	var b strings.Builder
	writeFrontmatter(&b,
		"updated_at: "+isoNow(),
	)
	b.WriteString("# Tracks\n\n")
	var maxUpdated time.Time
	for _, track := range tracks {
		fmt.Fprintf(&b, "<!-- track:%s -->\n", track.ID)
		fmt.Fprintf(&b, "id: %s\n", track.ID)
		fmt.Fprintf(&b, "slug: %s\n", track.Slug)
		fmt.Fprintf(&b, "domain: %s\n", track.Domain)
		fmt.Fprintf(&b, "type: %s\n", track.TrackType)
		fmt.Fprintf(&b, "title: %s\n", track.Title)
		fmt.Fprintf(&b, "status: %s\n", track.Status)
		fmt.Fprintf(&b, "created_at: %s\n", iso(track.CreatedAt))
		fmt.Fprintf(&b, "updated_at: %s\n", iso(track.UpdatedAt))
		fmt.Fprintf(&b, "last_checkin_at: %s\n", isoPtr(track.LastCheckinAt))
		fmt.Fprintf(&b, "checkins_file: checkins/%s.md\n", track.Slug)
		fmt.Fprintf(&b, "tags: [%s]\n", strings.Join(track.Tags, ", "))
		fmt.Fprintf(&b, "<!-- /track:%s -->\n\n", track.ID)
		maxUpdated = laterOf(maxUpdated, track.UpdatedAt)
		if track.LastCheckinAt != nil {
			maxUpdated = laterOf(maxUpdated, *track.LastCheckinAt)
		}
	}
	content := finishContent(&b)
	path := filepath.Join(userRoot, "tracks.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write tracks projection: %w", err)
	}
	return p.bookkeep(ctx, userID, "tracks", "tracks", maxUpdated, content, path)
}

func (p *ProjectionSync) renderCheckins(ctx context.Context, userRoot, userID string, tracks []storage.Track, checkinsByTrack map[string][]storage.CheckinEvent) error {
	now := time.Now().UTC()
	for _, track := range tracks {
		events := checkinsByTrack[track.ID]
		sinceText := "n/a"
		if track.LastCheckinAt != nil {
			seconds := int(now.Sub(*track.LastCheckinAt).Seconds())
			if seconds < 0 {
				seconds = 0
			}
			hours := seconds / 3600
			if days := hours / 24; days > 0 {
				sinceText = fmt.Sprintf("%dd", days)
			} else {
				sinceText = fmt.Sprintf("%dh", hours)
			}
		}

		var b strings.Builder
		writeFrontmatter(&b,
			"track_id: "+track.ID,
			"track_slug: "+track.Slug,
			"domain: "+track.Domain,
			"type: "+track.TrackType,
			"title: "+track.Title,
			"status: "+track.Status,
			"created_at: "+iso(track.CreatedAt),
			"updated_at: "+iso(track.UpdatedAt),
			"last_checkin_at: "+isoPtr(track.LastCheckinAt),
		)
		fmt.Fprintf(&b, "# Track: %s\n\n", track.Title)
		b.WriteString("## Snapshot\n")
		fmt.Fprintf(&b, "- Current status: %s\n", track.Status)
		fmt.Fprintf(&b, "- Last check-in: %s\n", isoPtr(track.LastCheckinAt))
		fmt.Fprintf(&b, "- Time since last check-in: %s\n\n", sinceText)
		b.WriteString("## Check-in Events\n\n")

		maxUpdated := track.UpdatedAt
		for _, event := range events {
			fmt.Fprintf(&b, "<!-- checkin:%s -->\n", event.ID)
			fmt.Fprintf(&b, "id: %s\n", event.ID)
			fmt.Fprintf(&b, "timestamp: %s\n", iso(event.Timestamp))
			fmt.Fprintf(&b, "outcome: %s\n", event.Outcome)
			fmt.Fprintf(&b, "confidence: %s\n", confidenceText(event.Confidence))
			fmt.Fprintf(&b, "summary: %s\n", event.Summary)
			writeItemList(&b, "wins", event.Wins)
			writeItemList(&b, "barriers", event.Barriers)
			writeItemList(&b, "next_actions", event.NextActions)
			b.WriteString("source:\n")
			fmt.Fprintf(&b, "  turn_id: %s\n", event.SourceTurnID)
			fmt.Fprintf(&b, "  model: %s\n", event.SourceModel)
			fmt.Fprintf(&b, "<!-- /checkin:%s -->\n\n", event.ID)
			maxUpdated = laterOf(maxUpdated, event.Timestamp)
			maxUpdated = laterOf(maxUpdated, event.CreatedAt)
		}

		content := finishContent(&b)
		path := filepath.Join(userRoot, "checkins", track.Slug+".md")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write check-in projection: %w", err)
		}
		if err := p.bookkeep(ctx, userID, "checkin_file", track.Slug, maxUpdated, content, path); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProjectionSync) renderJournal(ctx context.Context, userRoot, userID string, journals []storage.JournalEntry) error {
	byDate := make(map[string][]storage.JournalEntry)
	for _, entry := range journals {
		byDate[entry.EntryDate] = append(byDate[entry.EntryDate], entry)
	}

	for entryDate, entries := range byDate {
		sort.Slice(entries, func(i, j int) bool { return entries[i].EntryTS.Before(entries[j].EntryTS) })

		var b strings.Builder
		writeFrontmatter(&b,
			"entry_date: "+entryDate,
			"updated_at: "+isoNow(),
		)
		fmt.Fprintf(&b, "# Journal - %s\n\n", entryDate)
		var maxUpdated time.Time
		for _, entry := range entries {
			fmt.Fprintf(&b, "<!-- journal:%s -->\n", entry.ID)
			b.WriteString(strings.TrimSpace(entry.BodyMD))
			fmt.Fprintf(&b, "\n<!-- /journal:%s -->\n\n", entry.ID)
			maxUpdated = laterOf(maxUpdated, entry.UpdatedAt)
			maxUpdated = laterOf(maxUpdated, entry.EntryTS)
		}

		content := finishContent(&b)
		path := filepath.Join(userRoot, "journal", entryDate+".md")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write journal projection: %w", err)
		}
		if err := p.bookkeep(ctx, userID, "journal_file", entryDate, maxUpdated, content, path); err != nil {
			return err
		}
	}
	return nil
}

func (p *ProjectionSync) renderMemories(ctx context.Context, userRoot, userID string, memories []storage.StoredMemory) error {
	byDomain := make(map[string][]storage.StoredMemory)
	for _, memory := range memories {
		byDomain[memory.Domain] = append(byDomain[memory.Domain], memory)
	}

	for domain, rows := range byDomain {
		var b strings.Builder
		fmt.Fprintf(&b, "# Memories - %s\n\n", domain)
		var maxUpdated time.Time
		for _, row := range rows {
			text := strings.TrimSpace(row.Memory)
			if text == "" {
				text = "-"
			}
			fmt.Fprintf(&b, "memory: %s\n", text)
			fmt.Fprintf(&b, "first_seen: %s\n", iso(row.FirstSeen))
			fmt.Fprintf(&b, "last_seen: %s\n", iso(row.LastSeen))
			fmt.Fprintf(&b, "occurrences: %d\n\n", row.Occurrences)
			maxUpdated = laterOf(maxUpdated, row.UpdatedAt)
			maxUpdated = laterOf(maxUpdated, row.LastSeen)
		}

		content := finishContent(&b)
		path := filepath.Join(userRoot, "memories", SafePathPart(domain)+".md")
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write memory projection: %w", err)
		}
		if err := p.bookkeep(ctx, userID, "memory_file", domain, maxUpdated, content, path); err != nil {
			return err
		}
	}
	return nil
}

func renderOpsLog(userRoot string, operations []storage.WriteOperation) error {
	var b strings.Builder
	b.WriteString("# Write operations\n\n")
	for _, op := range operations {
		fmt.Fprintf(&b, "%s | %s | %s | %s\n", iso(op.CreatedAt), op.Channel, op.Status, op.IdempotencyKey)
	}
	if err := os.WriteFile(filepath.Join(userRoot, "ops.log"), []byte(finishContent(&b)), 0o644); err != nil {
		return fmt.Errorf("failed to write ops log: %w", err)
	}
	return nil
}

func (p *ProjectionSync) bookkeep(ctx context.Context, userID, artifactType, artifactKey string, maxUpdated time.Time, content, path string) error {
	if maxUpdated.IsZero() {
		maxUpdated = time.Now().UTC()
	}
	sum := sha256.Sum256([]byte(content))
	if err := p.store.UpsertProjectionState(ctx, userID, artifactType, artifactKey, maxUpdated, hex.EncodeToString(sum[:]), path); err != nil {
		// Bookkeeping is observability only; the artifact is already on disk.
		p.logger.Warn("failed to record projection state",
			zap.String("artifact_type", artifactType),
			zap.String("artifact_key", artifactKey),
			zap.Error(err))
	}
	return nil
}

var unsafePathRE = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SafePathPart maps an arbitrary user key onto a filesystem-safe directory
// name, falling back to "anonymous" when nothing survives.
func SafePathPart(value string) string {
	normalized := strings.Trim(unsafePathRE.ReplaceAllString(strings.TrimSpace(value), "-"), "-")
	if normalized == "" {
		return "anonymous"
	}
	return normalized
}

func writeFrontmatter(b *strings.Builder, fields ...string) {
	b.WriteString("---\nschema_version: 1\ngenerated_by: tend\n")
	for _, field := range fields {
		b.WriteString(field)
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")
}

func writeItemList(b *strings.Builder, label string, items []string) {
	b.WriteString(label)
	b.WriteString(":\n")
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", item)
	}
}

func finishContent(b *strings.Builder) string {
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func confidenceText(v *float64) string {
	if v == nil {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", *v), "0"), ".")
}

func iso(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func isoPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return iso(*t)
}

func isoNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
