// Package checkpoint implements C7: crash-safe per-episode progress
// records. The local file is authoritative; an optional DynamoDB mirror
// (checkpoint.DynamoMirror) may additionally hold a best-effort copy for
// multi-host deployments.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// Stage names a pipeline stage, persisted for resume/inspection.
type Stage string

const (
	StageParsed     Stage = "parsed"
	StageSpeakers   Stage = "speakers_identified"
	StageSegmented  Stage = "segmented"
	StageExtracting Stage = "extracting"
	StageEmbedding  Stage = "embedding"
	StageWriting    Stage = "writing"
	StageComplete   Stage = "complete"
)

// Record is the on-disk shape of CHECKPOINT_DIR/<episode_id>.json, per §6's
// persisted state layout.
type Record struct {
	EpisodeID        string   `json:"episode_id"`
	Stage            Stage    `json:"stage"`
	Progress         float64  `json:"progress"`
	CommittedUnitIDs []string `json:"committed_unit_ids"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store writes and loads Records for one CHECKPOINT_DIR, optionally
// mirroring to DynamoDB.
type Store struct {
	dir    string
	mirror *DynamoMirror // nil if CHECKPOINT_DYNAMO_TABLE is unset
}

// NewStore constructs a Store rooted at dir. mirror may be nil.
func NewStore(dir string, mirror *DynamoMirror) *Store {
	return &Store{dir: dir, mirror: mirror}
}

func (s *Store) path(episodeID string) string {
	return filepath.Join(s.dir, episodeID+".json")
}

// Save writes the record via write-to-temp-then-rename, then best-effort
// mirrors it to DynamoDB if configured. The local write failing is fatal;
// the mirror failing is only logged.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: create dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	if err := atomic.WriteFile(s.path(rec.EpisodeID), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("checkpoint: write: %w", err)
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, rec); err != nil { // best-effort; failures are non-fatal
			slog.WarnContext(ctx, "checkpoint mirror write failed", "episode_id", rec.EpisodeID, "error", err)
		}
	}
	return nil
}

// Load reads a previously saved Record, or (nil, nil) if none exists.
func (s *Store) Load(episodeID string) (*Record, error) {
	data, err := os.ReadFile(s.path(episodeID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("checkpoint: parse: %w", err)
	}
	return &rec, nil
}
