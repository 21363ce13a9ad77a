// ABOUTME: Tests for the markdown projection renderer
// ABOUTME: Fake read-model store rendering into a temp directory
package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/storage"
)

type projectionCall struct {
	artifactType string
	artifactKey  string
	hash         string
}

type fakeProjectionStore struct {
	tracks     []storage.Track
	checkins   map[string][]storage.CheckinEvent
	journals   []storage.JournalEntry
	memories   []storage.StoredMemory
	operations []storage.WriteOperation

	mu       sync.Mutex
	bookkept []projectionCall
}

func (f *fakeProjectionStore) ListTracks(context.Context, string) ([]storage.Track, error) {
	return f.tracks, nil
}

func (f *fakeProjectionStore) ListCheckins(_ context.Context, _, trackID string) ([]storage.CheckinEvent, error) {
	return f.checkins[trackID], nil
}

func (f *fakeProjectionStore) ListJournals(context.Context, string) ([]storage.JournalEntry, error) {
	return f.journals, nil
}

func (f *fakeProjectionStore) ListMemories(context.Context, string) ([]storage.StoredMemory, error) {
	return f.memories, nil
}

func (f *fakeProjectionStore) ListWriteOperations(context.Context, string, int) ([]storage.WriteOperation, error) {
	return f.operations, nil
}

func (f *fakeProjectionStore) UpsertProjectionState(_ context.Context, _, artifactType, artifactKey string, _ time.Time, renderedHash, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookkept = append(f.bookkept, projectionCall{artifactType, artifactKey, renderedHash})
	return nil
}

func seededProjectionStore() *fakeProjectionStore {
	ts := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	lastCheckin := ts
	return &fakeProjectionStore{
		tracks: []storage.Track{{
			ID: "track-1", Slug: "fitness-fat-loss", Domain: "fitness", TrackType: "goal",
			Title: "Fat loss", Status: "active", Tags: []string{"diet", "training"},
			CreatedAt: ts, UpdatedAt: ts, LastCheckinAt: &lastCheckin,
		}},
		checkins: map[string][]storage.CheckinEvent{
			"track-1": {{
				ID: "checkin-1", Timestamp: ts, Outcome: "win", Confidence: floatPtr(0.8),
				Summary: "trained 4 times", Wins: []string{"trained 4 times"},
				Barriers: []string{"late nights"}, SourceTurnID: "turn-1", SourceModel: "test-model",
				CreatedAt: ts,
			}},
		},
		journals: []storage.JournalEntry{{
			ID: "journal-1", EntryDate: "2026-04-02", EntryTS: ts,
			Title: "Long day", BodyMD: "## 2026-04-02T09:30:00Z - Long day\n\nRan 10k.",
			CreatedAt: ts, UpdatedAt: ts,
		}},
		memories: []storage.StoredMemory{{
			ID: "card-1", Domain: "health", Slug: "dairy-issue",
			Memory: "User is lactose intolerant", FirstSeen: ts, LastSeen: ts,
			Occurrences: 2, UpdatedAt: ts,
		}},
		operations: []storage.WriteOperation{{
			Channel: "memory", IdempotencyKey: "abc:memory", Status: "applied",
			PayloadHash: "deadbeef", CreatedAt: ts,
		}},
	}
}

func TestExportUser_WritesAllArtifacts(t *testing.T) {
	store := seededProjectionStore()
	root := t.TempDir()
	sync := NewProjectionSync(root, store, zap.NewNop())

	items, err := sync.ExportUser(context.Background(), "user-1", "alice@example.com")
	if err != nil {
		t.Fatalf("ExportUser() error = %v", err)
	}
	if len(items) != 1 || items[0].Channel != "projection" {
		t.Fatalf("items = %+v, want single projection summary", items)
	}
	if items[0].Target != "state/users/alice-example.com" {
		t.Errorf("Target = %q", items[0].Target)
	}

	userRoot := filepath.Join(root, "users", "alice-example.com")
	for _, rel := range []string{
		"tracks.md",
		filepath.Join("checkins", "fitness-fat-loss.md"),
		filepath.Join("journal", "2026-04-02.md"),
		filepath.Join("memories", "health.md"),
		"ops.log",
	} {
		if _, err := os.Stat(filepath.Join(userRoot, rel)); err != nil {
			t.Errorf("missing artifact %s: %v", rel, err)
		}
	}
}

func TestExportUser_SanitizesMemoryDomainPath(t *testing.T) {
	store := seededProjectionStore()
	store.memories[0].Domain = "../outside/health"
	root := t.TempDir()
	sync := NewProjectionSync(root, store, zap.NewNop())

	if _, err := sync.ExportUser(context.Background(), "user-1", "alice"); err != nil {
		t.Fatalf("ExportUser() error = %v", err)
	}

	userRoot := filepath.Join(root, "users", "alice")
	if _, err := os.Stat(filepath.Join(userRoot, "memories", "..-outside-health.md")); err != nil {
		t.Errorf("sanitized memory file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "outside")); !os.IsNotExist(err) {
		t.Errorf("memory projection escaped the user directory")
	}
}

func TestExportUser_TracksContent(t *testing.T) {
	store := seededProjectionStore()
	root := t.TempDir()
	sync := NewProjectionSync(root, store, zap.NewNop())

	if _, err := sync.ExportUser(context.Background(), "user-1", "alice"); err != nil {
		t.Fatalf("ExportUser() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "users", "alice", "tracks.md"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	for _, want := range []string{
		"schema_version: 1",
		"# Tracks",
		"<!-- track:track-1 -->",
		"slug: fitness-fat-loss",
		"checkins_file: checkins/fitness-fat-loss.md",
		"tags: [diet, training]",
		"<!-- /track:track-1 -->",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("tracks.md missing %q\n%s", want, content)
		}
	}
}

func TestExportUser_CheckinContent(t *testing.T) {
	store := seededProjectionStore()
	root := t.TempDir()
	sync := NewProjectionSync(root, store, zap.NewNop())

	if _, err := sync.ExportUser(context.Background(), "user-1", "alice"); err != nil {
		t.Fatalf("ExportUser() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "users", "alice", "checkins", "fitness-fat-loss.md"))
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)

	for _, want := range []string{
		"# Track: Fat loss",
		"## Snapshot",
		"- Current status: active",
		"## Check-in Events",
		"<!-- checkin:checkin-1 -->",
		"outcome: win",
		"confidence: 0.8",
		"wins:\n  - trained 4 times",
		"barriers:\n  - late nights",
		"  turn_id: turn-1",
		"  model: test-model",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("checkin file missing %q\n%s", want, content)
		}
	}
}

func TestExportUser_OpsLog(t *testing.T) {
	store := seededProjectionStore()
	root := t.TempDir()
	sync := NewProjectionSync(root, store, zap.NewNop())

	if _, err := sync.ExportUser(context.Background(), "user-1", "alice"); err != nil {
		t.Fatalf("ExportUser() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "users", "alice", "ops.log"))
	if err != nil {
		t.Fatal(err)
	}
	want := "2026-04-02T09:30:00Z | memory | applied | abc:memory"
	if !strings.Contains(string(data), want) {
		t.Errorf("ops.log missing %q\n%s", want, string(data))
	}
}

func TestExportUser_Bookkeeping(t *testing.T) {
	store := seededProjectionStore()
	sync := NewProjectionSync(t.TempDir(), store, zap.NewNop())

	if _, err := sync.ExportUser(context.Background(), "user-1", "alice"); err != nil {
		t.Fatalf("ExportUser() error = %v", err)
	}

	got := make(map[string]string, len(store.bookkept))
	for _, call := range store.bookkept {
		got[call.artifactType] = call.artifactKey
		if len(call.hash) != 64 {
			t.Errorf("hash for %s has length %d, want sha256 hex", call.artifactType, len(call.hash))
		}
	}
	want := map[string]string{
		"tracks":       "tracks",
		"checkin_file": "fitness-fat-loss",
		"journal_file": "2026-04-02",
		"memory_file":  "health",
	}
	for artifactType, artifactKey := range want {
		if got[artifactType] != artifactKey {
			t.Errorf("bookkeeping[%s] = %q, want %q", artifactType, got[artifactType], artifactKey)
		}
	}
}

func TestSafePathPart(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "alice-example.com"},
		{"  spaced key  ", "spaced-key"},
		{"UPPER_lower.123", "UPPER_lower.123"},
		{"///", "anonymous"},
		{"", "anonymous"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SafePathPart(tt.in); got != tt.want {
				t.Errorf("SafePathPart(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
