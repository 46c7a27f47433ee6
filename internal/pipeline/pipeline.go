// Package pipeline orchestrates one episode through C1-C6: VTT parse,
// speaker identification, unit segmentation, knowledge extraction,
// embedding, and graph upsert, with checkpointing and cooperative
// cancellation, generalized from the teacher's four-stage TTS pipeline to
// this six-stage extraction pipeline.
package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apresai/podknowledge/internal/checkpoint"
	"github.com/apresai/podknowledge/internal/config"
	"github.com/apresai/podknowledge/internal/coordinator"
	"github.com/apresai/podknowledge/internal/embed"
	"github.com/apresai/podknowledge/internal/extract"
	"github.com/apresai/podknowledge/internal/graph"
	"github.com/apresai/podknowledge/internal/graphmodel"
	"github.com/apresai/podknowledge/internal/llmclient"
	"github.com/apresai/podknowledge/internal/progress"
	"github.com/apresai/podknowledge/internal/segment"
	"github.com/apresai/podknowledge/internal/speaker"
	"github.com/apresai/podknowledge/internal/vtt"
)

// Options configures one episode's run.
type Options struct {
	VTTPath     string
	PodcastName string
	Title       string
	YouTubeURL  string
	Timeout     time.Duration // overrides config.PipelineTimeout when > 0

	OnProgress progress.Callback
}

// PipelineError wraps a stage failure with the stage name, matching the
// teacher's *PipelineError{Stage,Message,Err} shape so a single top-level
// errors.As recovers the underlying taxonomy class.
type PipelineError struct {
	Stage   string
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Stage, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// unitOutcome is one unit's result from the extract+embed fan-out, carried
// through to the graph-write loop.
type unitOutcome struct {
	unit       graphmodel.MeaningfulUnit
	extraction extract.Result
	embedding  []float32
}

// finalizeUnitOutcome applies the embedding result to u and validates the
// segment invariant. Per §4.5, a failed embed (embErr != nil) does not drop
// the unit or its extraction results: the unit is still returned, with a
// nil embedding, for the episode to proceed with embedding=null.
func finalizeUnitOutcome(u graphmodel.MeaningfulUnit, res extract.Result, vec []float32, embErr error, logger *slog.Logger) (unitOutcome, error) {
	if embErr != nil {
		logger.Warn("embed failed, storing unit with null embedding", "unit", u.ID, "error", embErr)
		vec = nil
	}
	u.Embedding = vec
	if err := graphmodel.ValidateUnitInvariant(&u); err != nil {
		return unitOutcome{}, &PipelineError{Stage: "segment", Message: "unit invariant violated", Err: err}
	}
	return unitOutcome{unit: u, extraction: res, embedding: vec}, nil
}

// Deps bundles the long-lived collaborators a Run needs: the LLM client,
// embedder, graph writer, checkpoint store, and config. Constructed once
// by the caller (cmd/podknowledge) and reused across episodes.
type Deps struct {
	Cfg        *config.Config
	LLM        *llmclient.Client
	Embedder   *embed.Embedder
	Graph      *graph.Writer
	Checkpoint *checkpoint.Store
	Logger     *slog.Logger
}

// Run processes one episode end to end, returning the committed unit count,
// failed unit count, and the terminal error (if any stage was fatal).
func Run(ctx context.Context, deps Deps, opts Options) (committed, failed int, err error) {
	start := time.Now()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	emit := func(stage progress.Stage, msg string, pct float64) {
		if opts.OnProgress != nil {
			opts.OnProgress(progress.NewEvent(stage, msg, pct, start))
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = deps.Cfg.PipelineTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stage 1: parse.
	emit(progress.StageParse, "Parsing VTT...", 0.0)
	data, readErr := os.ReadFile(opts.VTTPath)
	if readErr != nil {
		return 0, 0, &PipelineError{Stage: "parse", Message: "failed to read VTT file", Err: readErr}
	}
	captions, parseErr := vtt.Parse(data)
	if parseErr != nil {
		return 0, 0, &PipelineError{Stage: "parse", Message: "failed to parse VTT", Err: parseErr}
	}
	logger.Info("parsed captions", "count", len(captions), "path", opts.VTTPath)
	emit(progress.StageParse, fmt.Sprintf("Parsed %d captions", len(captions)), 0.05)

	podcastID := graphmodel.PodcastID(opts.PodcastName)
	var durationSeconds float64
	if len(captions) > 0 {
		durationSeconds = captions[len(captions)-1].End
	}
	episodeID := graphmodel.EpisodeID(podcastID, opts.Title, fmt.Sprintf("%x", sha256.Sum256(data)))

	if err := deps.Graph.UpsertPodcast(ctx, &graphmodel.Podcast{ID: podcastID, Name: opts.PodcastName}); err != nil {
		return 0, 0, &PipelineError{Stage: "write", Message: "failed to upsert podcast", Err: err}
	}
	episode := &graphmodel.Episode{
		ID: episodeID, PodcastID: podcastID, Title: opts.Title, PodcastName: opts.PodcastName,
		DurationSeconds: durationSeconds, VTTPath: opts.VTTPath, YouTubeURL: opts.YouTubeURL,
	}
	if err := deps.Graph.UpsertEpisode(ctx, episode); err != nil {
		return 0, 0, &PipelineError{Stage: "write", Message: "failed to upsert episode", Err: err}
	}

	// Stage 2: speaker identification.
	speakerCtx, speakerCancel := context.WithTimeout(ctx, deps.Cfg.SpeakerIdentificationTimeout)
	emit(progress.StageSpeakers, "Identifying speakers...", 0.05)
	speakers, speakerErr := speaker.Identify(speakerCtx, deps.LLM, podcastID, opts.Title, "", captions, deps.Cfg.SpeakerConfidenceThreshold)
	speakerCancel()
	if speakerErr != nil {
		// speaker.Identify only returns an error for total provider
		// exhaustion (§7's ExhaustedProviderError at this step); any
		// recoverable LLM failure is already resolved into fallback roles.
		return 0, 0, &PipelineError{Stage: "speakers", Message: "speaker identification failed", Err: speakerErr}
	}
	speakerOf := func(tag string) string {
		if sp, ok := speakers.ByTag[tag]; ok {
			return sp.Name
		}
		return speakers.Default.Name
	}
	logger.Info("identified speakers", "tags", len(speakers.ByTag))
	emit(progress.StageSpeakers, "Speakers identified", 0.10)

	if err := deps.Checkpoint.Save(ctx, &checkpoint.Record{EpisodeID: episodeID, Stage: checkpoint.StageSpeakers}); err != nil {
		logger.Warn("checkpoint save failed", "stage", "speakers", "error", err)
	}

	// Stage 3: unit segmentation.
	segmentCtx, segmentCancel := context.WithTimeout(ctx, deps.Cfg.ConversationAnalysisTimeout)
	emit(progress.StageSegment, "Segmenting conversation...", 0.10)
	units, segErr := segment.Segment(segmentCtx, deps.LLM, episodeID, opts.Title, opts.PodcastName, captions, speakerOf)
	segmentCancel()
	if segErr != nil {
		return 0, 0, &PipelineError{Stage: "segment", Message: "unit segmentation failed", Err: segErr}
	}
	logger.Info("segmented units", "count", len(units))
	emit(progress.StageSegment, fmt.Sprintf("Segmented into %d units", len(units)), 0.15)

	if err := deps.Checkpoint.Save(ctx, &checkpoint.Record{EpisodeID: episodeID, Stage: checkpoint.StageSegmented}); err != nil {
		logger.Warn("checkpoint save failed", "stage", "segmented", "error", err)
	}

	unitTexts := make([]string, len(units))
	for i, u := range units {
		unitTexts[i] = concatCaptionText(captions, u.SegmentIndices)
	}

	speakerNames := make([]string, 0, len(speakers.ByTag))
	for _, sp := range speakers.ByTag {
		speakerNames = append(speakerNames, sp.Name)
	}

	// Stage 4+5: knowledge extraction and embedding, fanned out per unit
	// under the bounded-concurrency coordinator.
	pool := coordinator.NewPool(deps.Cfg.MaxConcurrentUnits)
	items := make([]coordinator.Item[int], len(units))
	for i := range units {
		items[i] = coordinator.Item[int]{Index: i, Value: i}
	}

	emit(progress.StageExtract, fmt.Sprintf("Extracting knowledge (%d units)...", len(units)), 0.15)
	results := coordinator.Run(ctx, pool, items, func(ctx context.Context, i int) (unitOutcome, error) {
		u := units[i]
		extractCtx, extractCancel := context.WithTimeout(ctx, deps.Cfg.KnowledgeExtractionTimeout)
		res := extract.Extract(extractCtx, deps.LLM, &u, opts.Title, opts.PodcastName, unitTexts[i], speakerNames, deps.Cfg.MaxRetries)
		extractCancel()
		if res.Failed {
			u.Status = "extraction_failed"
		}

		embedText := unitTexts[i]
		if u.Summary != "" {
			embedText = u.Summary + "\n\n" + embedText
		}
		vec, embErr := deps.Embedder.Embed(ctx, embedText)
		return finalizeUnitOutcome(u, res, vec, embErr, logger)
	})

	// Stage 6: graph write, serialized per episode in time order to
	// preserve the NEXT chain (§5's ordering guarantee).
	emit(progress.StageWrite, "Writing units to graph...", 0.70)
	writeCtx, writeCancel := context.WithTimeout(ctx, deps.Cfg.GraphStorageTimeout)
	defer writeCancel()

	var prevUnitID string
	var committedIDs []string
	for i, r := range results {
		if r.Err != nil {
			logger.Error("unit failed", "index", i, "error", r.Err)
			failed++
			continue
		}
		out := r.Value
		uw := buildUnitWrite(&out.unit, prevUnitID, speakers, out.extraction)
		if err := deps.Graph.UpsertUnit(writeCtx, episodeID, uw); err != nil {
			logger.Error("unit write failed", "index", i, "error", err)
			failed++
			continue
		}
		prevUnitID = out.unit.ID
		committedIDs = append(committedIDs, out.unit.ID)
		committed++

		if err := deps.Checkpoint.Save(ctx, &checkpoint.Record{
			EpisodeID: episodeID, Stage: checkpoint.StageWriting,
			Progress: float64(committed) / float64(len(units)), CommittedUnitIDs: committedIDs,
		}); err != nil {
			logger.Warn("checkpoint save failed", "stage", "writing", "error", err)
		}
		emit(progress.StageWrite, fmt.Sprintf("Wrote unit %d/%d", i+1, len(units)), 0.70+0.25*float64(i+1)/float64(len(units)))
	}

	status := graph.DetermineStatus(len(units), failed)
	if err := deps.Graph.FinalizeEpisode(ctx, episodeID, time.Now().UTC().Format(time.RFC3339), status); err != nil {
		logger.Error("finalize episode failed", "error", err)
	}
	if err := deps.Checkpoint.Save(ctx, &checkpoint.Record{
		EpisodeID: episodeID, Stage: checkpoint.StageComplete, Progress: 1.0, CommittedUnitIDs: committedIDs,
	}); err != nil {
		logger.Warn("checkpoint save failed", "stage", "complete", "error", err)
	}

	emit(progress.StageComplete, fmt.Sprintf("Episode complete: %d/%d units committed", committed, len(units)), 1.0)
	logger.Info("episode finished", "committed", committed, "failed", failed, "status", status, "elapsed", time.Since(start))

	if ctx.Err() != nil {
		return committed, failed, ctx.Err()
	}
	return committed, failed, nil
}

// RunMany processes several episodes under a bounded pool of
// maxConcurrentEpisodes (4 when <= 0), for embedders of this module that
// drive multiple episodes from one process (spec.md's CLI itself processes
// one episode per invocation).
func RunMany(ctx context.Context, deps Deps, opts []Options, maxConcurrentEpisodes int) []error {
	if maxConcurrentEpisodes <= 0 {
		maxConcurrentEpisodes = 4
	}
	pool := coordinator.NewPool(maxConcurrentEpisodes)
	items := make([]coordinator.Item[Options], len(opts))
	for i, o := range opts {
		items[i] = coordinator.Item[Options]{Index: i, Value: o}
	}
	results := coordinator.Run(ctx, pool, items, func(ctx context.Context, o Options) (struct{}, error) {
		_, _, err := Run(ctx, deps, o)
		return struct{}{}, err
	})
	errs := make([]error, len(results))
	for i, r := range results {
		errs[i] = r.Err
	}
	return errs
}

func concatCaptionText(captions []graphmodel.Caption, indices []int) string {
	var out []byte
	for i, idx := range indices {
		if idx < 0 || idx >= len(captions) {
			continue
		}
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, captions[idx].Text...)
	}
	return string(out)
}

func buildUnitWrite(u *graphmodel.MeaningfulUnit, prevUnitID string, speakers *speaker.Result, res extract.Result) *graph.UnitWrite {
	unitSpeakers := map[string]*graphmodel.Speaker{}
	for name, frac := range u.SpeakerDistribution {
		if frac <= 0 {
			continue
		}
		for _, sp := range speakers.ByTag {
			if sp.Name == name {
				unitSpeakers[name] = sp
			}
		}
		if _, ok := unitSpeakers[name]; !ok && speakers.Default != nil && speakers.Default.Name == name {
			unitSpeakers[name] = speakers.Default
		}
	}
	return &graph.UnitWrite{
		Unit:          u,
		PrevUnitID:    prevUnitID,
		Speakers:      unitSpeakers,
		Entities:      res.Entities,
		Quotes:        res.Quotes,
		Insights:      res.Insights,
		Topics:        res.Topics,
		Relationships: res.Relationships,
	}
}
