// Package segment implements C3: grouping an episode's captions into
// ordered MeaningfulUnits via an LLM pass, with a deterministic fallback
// splitter that guards against degenerate one-giant-unit output.
package segment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/apresai/podknowledge/internal/graphmodel"
	"github.com/apresai/podknowledge/internal/llmclient"
)

// InvariantViolation is returned when the segmenter cannot produce a
// conforming unit set even after the retry and deterministic fallback.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return "segmenter invariant violation: " + e.Message }

const (
	minSegmentCount   = 5
	maxSegmentCount   = 60
	giantUnitCaptions = 60
	giantUnitMinN     = 30

	fallbackWindowMin = 15
	fallbackWindowMax = 25

	sustainedSpeakerChangeSeconds = 10.0
	silenceBoundarySeconds        = 8.0
	fallbackSilenceSeconds        = 15.0
)

// unitSpec is an LLM- or fallback-produced candidate boundary set, before
// deterministic fields (start/end/speaker_distribution/segment_count) are
// computed from the actual captions.
type unitSpec struct {
	Indices  []int
	UnitType graphmodel.UnitType
	Summary  string
	Themes   []string
}

// Segment groups captions into MeaningfulUnits per §4.3. speakerOf resolves
// a caption's voice tag to its identified Speaker name (via C2's result),
// defaulting to "Unknown Speaker" for untagged captions.
func Segment(ctx context.Context, client *llmclient.Client, episodeID, title, podcastName string, captions []graphmodel.Caption, speakerOf func(voiceTag string) string) ([]graphmodel.MeaningfulUnit, error) {
	n := len(captions)
	if n == 0 {
		return nil, &InvariantViolation{Message: "episode has no captions"}
	}

	var specs []unitSpec
	var err error

	if client != nil {
		specs, err = llmSegment(ctx, client, title, podcastName, captions, false)
		if err == nil && isOneGiantUnit(specs, n) {
			specs, err = llmSegment(ctx, client, title, podcastName, captions, true)
		}
		if err != nil || !validSpecs(specs, n) || isOneGiantUnit(specs, n) {
			specs = deterministicFallback(captions, speakerOf)
		}
	} else {
		specs = deterministicFallback(captions, speakerOf)
	}

	if !validSpecs(specs, n) {
		return nil, &InvariantViolation{Message: "unable to produce a conforming unit set after retry and fallback"}
	}

	return buildUnits(episodeID, captions, specs, speakerOf), nil
}

// validSpecs checks §4.3 rules 1-3: coverage, contiguity, and size bounds.
func validSpecs(specs []unitSpec, n int) bool {
	if len(specs) == 0 {
		return false
	}
	expected := 0
	covered := make([]bool, n)
	for _, s := range specs {
		if len(s.Indices) == 0 {
			return false
		}
		for i, idx := range s.Indices {
			if idx < 0 || idx >= n {
				return false
			}
			if i > 0 && idx != s.Indices[i-1]+1 {
				return false // not contiguous
			}
			if covered[idx] {
				return false // double coverage
			}
			covered[idx] = true
		}
		expected++
		count := len(s.Indices)
		if count < minSegmentCount || count > maxSegmentCount {
			// The single-caption-episode boundary case (N < 30, one unit
			// of segment_count=1) is explicitly allowed by §8.
			if !(n < giantUnitMinN && len(specs) == 1) {
				return false
			}
		}
	}
	for _, c := range covered {
		if !c {
			return false // gap: some caption not covered
		}
	}

	wantUnits := int(math.Max(1, math.Round(float64(n)/20)))
	lo := float64(wantUnits) * 0.7
	hi := float64(wantUnits) * 1.3
	if n >= giantUnitMinN && (float64(expected) < lo || float64(expected) > hi) {
		// The round(N/20) ±30% unit-count target is not enforced: an
		// out-of-range count is accepted unless it is a single unit over an
		// episode of more than 60 captions. Below 30 captions it is not checked.
		return !(len(specs) == 1 && n > giantUnitCaptions)
	}
	return true
}

func isOneGiantUnit(specs []unitSpec, n int) bool {
	return n > giantUnitMinN && len(specs) == 1 && len(specs[0].Indices) > giantUnitCaptions
}

// buildUnits computes the deterministic fields from actual captions and
// assigns content-addressed IDs.
func buildUnits(episodeID string, captions []graphmodel.Caption, specs []unitSpec, speakerOf func(string) string) []graphmodel.MeaningfulUnit {
	units := make([]graphmodel.MeaningfulUnit, 0, len(specs))
	for _, s := range specs {
		first := captions[s.Indices[0]]
		last := captions[s.Indices[len(s.Indices)-1]]

		dist, primary := speakerDistribution(captions, s.Indices, speakerOf)

		u := graphmodel.MeaningfulUnit{
			EpisodeID:           episodeID,
			UnitType:            graphmodel.NormalizeUnitType(string(s.UnitType)),
			Summary:             truncateRunes(s.Summary, 500),
			Themes:              normalizeThemes(s.Themes),
			StartTime:           first.Start,
			EndTime:             last.End,
			PrimarySpeaker:      primary,
			SpeakerDistribution: dist,
			SegmentCount:        len(s.Indices),
			SegmentIndices:      s.Indices,
		}
		u.ID = graphmodel.UnitID(episodeID, u.StartTime, u.EndTime)
		units = append(units, u)
	}
	return units
}

// speakerDistribution computes the fraction of tokens spoken by each
// speaker across a unit's captions, from token counts (not LLM-reported).
func speakerDistribution(captions []graphmodel.Caption, indices []int, speakerOf func(string) string) (map[string]float64, string) {
	counts := map[string]int{}
	total := 0
	for _, idx := range indices {
		c := captions[idx]
		name := speakerOf(c.VoiceTag)
		n := len(strings.Fields(c.Text))
		if n == 0 {
			n = 1 // a speaker turn with no text still counts as a turn
		}
		counts[name] += n
		total += n
	}
	dist := make(map[string]float64, len(counts))
	primary := ""
	best := -1.0
	for name, c := range counts {
		frac := float64(c) / float64(total)
		dist[name] = frac
		if frac > best {
			best = frac
			primary = name
		}
	}
	return dist, primary
}

func normalizeThemes(themes []string) []string {
	out := make([]string, 0, len(themes))
	seen := map[string]bool{}
	for _, t := range themes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		if len(t) > 60 {
			t = t[:60]
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// --- LLM segmentation ---

type llmUnitSpec struct {
	StartIndex int      `json:"start_index"`
	EndIndex   int      `json:"end_index"`
	UnitType   string   `json:"unit_type"`
	Summary    string   `json:"summary"`
	Themes     []string `json:"themes"`
}

func llmSegment(ctx context.Context, client *llmclient.Client, title, podcastName string, captions []graphmodel.Caption, strict bool) ([]unitSpec, error) {
	system := buildSystemPrompt(strict)
	prompt := buildUserPrompt(title, podcastName, captions)

	text, err := client.Complete(ctx, system, prompt, llmclient.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("unit segmentation llm call: %w", err)
	}

	jsonText := llmclient.ExtractJSON(text)
	var raw struct {
		Units []llmUnitSpec `json:"units"`
	}
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("unit segmentation response parse: %w", err)
	}

	specs := make([]unitSpec, 0, len(raw.Units))
	for _, u := range raw.Units {
		if u.EndIndex < u.StartIndex {
			continue
		}
		indices := make([]int, 0, u.EndIndex-u.StartIndex+1)
		for i := u.StartIndex; i <= u.EndIndex; i++ {
			indices = append(indices, i)
		}
		specs = append(specs, unitSpec{
			Indices:  indices,
			UnitType: graphmodel.NormalizeUnitType(u.UnitType),
			Summary:  u.Summary,
			Themes:   u.Themes,
		})
	}
	return specs, nil
}

func buildSystemPrompt(strict bool) string {
	base := "You segment a podcast transcript into coherent meaningful units. " +
		"Prefer new-unit boundaries at: sustained speaker change (over 10s of new speaker), " +
		"explicit topic-shift phrases (\"so, next\", \"let's talk about\"), silence of 8s or more, " +
		"and question/answer completion. " +
		"Respond with a single JSON object: {\"units\": [{\"start_index\", \"end_index\", \"unit_type\", \"summary\", \"themes\"}]}. " +
		"unit_type must be one of: story, explanation, q_and_a, discussion, example, transition, other."
	if !strict {
		return base
	}
	return base + " CRITICAL: you MUST NOT return a single unit covering the entire transcript. " +
		"Produce at least ceil(caption_count/30) units, each covering at most 60 captions."
}

func buildUserPrompt(title, podcastName string, captions []graphmodel.Caption) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Podcast: %s\nEpisode: %s\nCaption count: %d\n\n", podcastName, title, len(captions))
	for _, c := range captions {
		fmt.Fprintf(&b, "[%d] (%.1f-%.1f) %s: %s\n", c.Index, c.Start, c.End, c.VoiceTag, c.Text)
	}
	return b.String()
}

// --- Deterministic fallback splitter ---

// deterministicFallback creates units of 15-25 captions: once a window holds
// 15 captions it cuts at the next speaker change (speakers resolved through
// the C2-derived speaker map) or >=15s silence, else it forces a cut at 25.
// A trailing remainder shorter than 15 captions is merged into the previous
// unit, so the last unit can hold up to 39 captions and is not kept within
// the 15-25 range; an episode of fewer than 15 captions yields one unit.
func deterministicFallback(captions []graphmodel.Caption, speakerOf func(string) string) []unitSpec {
	n := len(captions)
	if n == 0 {
		return nil
	}

	var specs []unitSpec
	start := 0
	for start < n {
		end := start
		for end+1 < n {
			windowLen := end - start + 1
			if windowLen >= fallbackWindowMax {
				break
			}
			if windowLen >= fallbackWindowMin {
				gap := captions[end+1].Start - captions[end].End
				speakerChange := speakerOf(captions[end+1].VoiceTag) != speakerOf(captions[end].VoiceTag)
				if gap >= fallbackSilenceSeconds || speakerChange {
					break
				}
			}
			end++
		}
		indices := make([]int, 0, end-start+1)
		for i := start; i <= end; i++ {
			indices = append(indices, i)
		}
		specs = append(specs, unitSpec{
			Indices:  indices,
			UnitType: graphmodel.UnitOther,
			Summary:  "",
			Themes:   nil,
		})
		start = end + 1
	}

	// A trailing remainder shorter than the minimum window merges into the
	// previous unit rather than standing alone under-sized.
	if len(specs) > 1 && len(specs[len(specs)-1].Indices) < fallbackWindowMin {
		last := specs[len(specs)-1]
		specs = specs[:len(specs)-1]
		specs[len(specs)-1].Indices = append(specs[len(specs)-1].Indices, last.Indices...)
	}

	return specs
}
