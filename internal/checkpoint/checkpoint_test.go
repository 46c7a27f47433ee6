package checkpoint

import (
	"context"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func TestStore_SaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)

	rec := &Record{
		EpisodeID:        "episode_abc",
		Stage:            StageExtracting,
		Progress:         0.42,
		CommittedUnitIDs: []string{"unit_1", "unit_2"},
	}
	if err := s.Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("episode_abc")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded record, got nil")
	}
	if loaded.Stage != StageExtracting || loaded.Progress != 0.42 {
		t.Errorf("unexpected loaded record: %+v", loaded)
	}
	sort.Strings(loaded.CommittedUnitIDs)
	want := []string{"unit_1", "unit_2"}
	if !reflect.DeepEqual(loaded.CommittedUnitIDs, want) {
		t.Errorf("committed unit ids = %v, want %v", loaded.CommittedUnitIDs, want)
	}
}

func TestStore_Load_MissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, nil)
	rec, err := s.Load("does_not_exist")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil for missing checkpoint, got %+v", rec)
	}
}

func TestStore_Save_NoPhantomCommittedUnits(t *testing.T) {
	// Simulates a crash-cancelled run: only units that actually committed
	// before cancellation are ever passed to Save, so the reloaded record
	// must list exactly those and nothing more.
	dir := t.TempDir()
	s := NewStore(dir, nil)

	committed := []string{"unit_1"}
	if err := s.Save(context.Background(), &Record{EpisodeID: "ep", Stage: StageExtracting, CommittedUnitIDs: committed}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load("ep")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.CommittedUnitIDs) != 1 || loaded.CommittedUnitIDs[0] != "unit_1" {
		t.Errorf("expected exactly [unit_1], got %v", loaded.CommittedUnitIDs)
	}
}

func TestStore_PathUsesEpisodeID(t *testing.T) {
	s := NewStore("/tmp/checkpoints", nil)
	got := s.path("episode_xyz")
	want := filepath.Join("/tmp/checkpoints", "episode_xyz.json")
	if got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
}
