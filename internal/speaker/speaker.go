// Package speaker implements C2: mapping anonymous voice tags to named
// speaker roles, via an LLM pass with a deterministic token-share fallback.
package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/apresai/podknowledge/internal/graphmodel"
	"github.com/apresai/podknowledge/internal/llmclient"
)

// DefaultConfidenceThreshold is the minimum LLM-reported confidence
// required to accept an assignment, per §4.2 (SPEAKER_CONFIDENCE_THRESHOLD).
const DefaultConfidenceThreshold = 0.5

const (
	maxDescriptionBytes = 4 * 1024
	maxCaptionBytes     = 2 * 1024
)

// Result is the output of Identify: a map from voice tag to the Speaker
// assigned to it, plus a default Speaker for untagged captions.
type Result struct {
	ByTag   map[string]*graphmodel.Speaker
	Default *graphmodel.Speaker
}

// Identify runs the LLM-assisted identification pass, falling back to
// deterministic token-share roles for any tag the LLM didn't confidently
// assign, or for every tag if the LLM call fails in a recoverable way
// (§4.2's "the episode still proceeds"). Per §7, total provider exhaustion
// at this step (every key cooled down, no LLM available at all) is fatal
// and propagates as *llmclient.ExhaustedError so the caller aborts the
// episode instead of silently running on fallback roles.
func Identify(ctx context.Context, client *llmclient.Client, podcastID, title, description string, captions []graphmodel.Caption, confidenceThreshold float64) (*Result, error) {
	if confidenceThreshold <= 0 {
		confidenceThreshold = DefaultConfidenceThreshold
	}

	tags := distinctTags(captions)
	shares := tokenShares(captions, tags)

	assignments := map[string]llmAssignment{}
	if client != nil && len(tags) > 0 {
		a, err := queryLLM(ctx, client, title, description, captions, tags)
		if err != nil {
			if isProviderExhausted(err) {
				return nil, fmt.Errorf("speaker identification: %w", err)
			}
			// Any other failure (permanent error, schema/parse error) falls
			// back to deterministic roles; the episode still proceeds.
		} else {
			assignments = a
		}
	}

	fallback := fallbackAssignments(shares)

	result := &Result{ByTag: make(map[string]*graphmodel.Speaker, len(tags))}
	for _, tag := range tags {
		name := fallback[tag].name
		role := fallback[tag].role
		confidence := 0.0

		if a, ok := assignments[tag]; ok && a.Confidence >= confidenceThreshold {
			name = a.Name
			role = graphmodel.SpeakerRole(a.Role)
			confidence = a.Confidence
		}

		result.ByTag[tag] = &graphmodel.Speaker{
			ID:         graphmodel.SpeakerID(podcastID, name),
			PodcastID:  podcastID,
			Name:       name,
			Role:       normalizeRole(role),
			Confidence: confidence,
		}
	}

	result.ByTag = mergeByNormalizedName(result.ByTag)

	result.Default = &graphmodel.Speaker{
		ID:         graphmodel.SpeakerID(podcastID, "unknown speaker"),
		PodcastID:  podcastID,
		Name:       "Unknown Speaker",
		Role:       graphmodel.RoleUnknown,
		Confidence: 0,
	}
	return result, nil
}

func distinctTags(captions []graphmodel.Caption) []string {
	seen := map[string]bool{}
	var tags []string
	for _, c := range captions {
		if c.VoiceTag == "" || seen[c.VoiceTag] {
			continue
		}
		seen[c.VoiceTag] = true
		tags = append(tags, c.VoiceTag)
	}
	sort.Strings(tags)
	return tags
}

func tokenShares(captions []graphmodel.Caption, tags []string) map[string]float64 {
	counts := make(map[string]int, len(tags))
	total := 0
	for _, c := range captions {
		if c.VoiceTag == "" {
			continue
		}
		n := len(strings.Fields(c.Text))
		counts[c.VoiceTag] += n
		total += n
	}
	shares := make(map[string]float64, len(tags))
	for _, tag := range tags {
		if total == 0 {
			shares[tag] = 0
			continue
		}
		shares[tag] = float64(counts[tag]) / float64(total)
	}
	return shares
}

type fallbackAssignment struct {
	name string
	role graphmodel.SpeakerRole
}

// fallbackAssignments implements §4.2 rule 4: deterministic roles based on
// token share when the LLM assignment is rejected or unavailable.
func fallbackAssignments(shares map[string]float64) map[string]fallbackAssignment {
	type entry struct {
		tag   string
		share float64
	}
	entries := make([]entry, 0, len(shares))
	for tag, share := range shares {
		entries = append(entries, entry{tag, share})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].share != entries[j].share {
			return entries[i].share > entries[j].share
		}
		return entries[i].tag < entries[j].tag
	})

	out := make(map[string]fallbackAssignment, len(entries))
	for i, e := range entries {
		switch {
		case i == 0:
			out[e.tag] = fallbackAssignment{name: "Primary Speaker", role: graphmodel.RoleHost}
		case i == 1:
			out[e.tag] = fallbackAssignment{name: "Co-host/Major Guest", role: graphmodel.RoleRecurringHost}
		case e.share < 0.02:
			out[e.tag] = fallbackAssignment{name: "Brief Contributor", role: graphmodel.RoleBrief}
		default:
			out[e.tag] = fallbackAssignment{name: "Guest/Contributor", role: graphmodel.RoleGuest}
		}
	}
	return out
}

func normalizeRole(r graphmodel.SpeakerRole) graphmodel.SpeakerRole {
	switch r {
	case graphmodel.RoleHost, graphmodel.RoleRecurringHost, graphmodel.RoleGuest, graphmodel.RoleBrief, graphmodel.RoleUnknown:
		return r
	default:
		return graphmodel.RoleUnknown
	}
}

// mergeByNormalizedName collapses speakers whose names normalize identically
// (case-insensitive, punctuation stripped), e.g. "Dr. Jane Smith" and
// "Jane Smith". Name-only matches are flagged per §9's open question by
// capping confidence at 0.5 when the merge happened on name alone.
func mergeByNormalizedName(byTag map[string]*graphmodel.Speaker) map[string]*graphmodel.Speaker {
	canonical := make(map[string]*graphmodel.Speaker) // normalized name -> canonical speaker
	out := make(map[string]*graphmodel.Speaker, len(byTag))

	tags := make([]string, 0, len(byTag))
	for tag := range byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		sp := byTag[tag]
		norm := graphmodel.NormalizeName(sp.Name)
		existing, ok := canonical[norm]
		if !ok {
			canonical[norm] = sp
			out[tag] = sp
			continue
		}
		if sp.Confidence > existing.Confidence {
			existing.Confidence = sp.Confidence
		} else if existing.Confidence == 0 && sp.Confidence == 0 {
			// Two fallback-only assignments merged on name alone: flag.
			existing.Confidence = minFloat(existing.Confidence, 0.5)
		}
		out[tag] = existing
	}
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// isProviderExhausted reports whether err is (or wraps) an
// *llmclient.ExhaustedError: every key cooled down or every retry
// exhausted, meaning no LLM is available at all for this call.
func isProviderExhausted(err error) bool {
	var exhausted *llmclient.ExhaustedError
	return errors.As(err, &exhausted)
}

type llmAssignment struct {
	Name       string  `json:"name"`
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
}

func queryLLM(ctx context.Context, client *llmclient.Client, title, description string, captions []graphmodel.Caption, tags []string) (map[string]llmAssignment, error) {
	system := "You identify real-world speaker names and roles from a podcast transcript. " +
		"Respond with a single JSON object mapping each voice tag to {\"name\", \"role\", \"confidence\"}. " +
		"role must be one of: host, recurring_host, guest, brief_contributor, unknown."

	prompt := buildPrompt(title, description, captions, tags)

	opts := llmclient.DefaultOptions()
	opts.Timeout = 0 // caller enforces the stage timeout via ctx
	text, err := client.Complete(ctx, system, prompt, opts)
	if err != nil {
		return nil, fmt.Errorf("speaker identification llm call: %w", err)
	}

	jsonText := llmclient.ExtractJSON(text)
	var raw map[string]llmAssignment
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("speaker identification response parse: %w", err)
	}

	out := make(map[string]llmAssignment, len(raw))
	for _, tag := range tags {
		if a, ok := raw[tag]; ok {
			a.Confidence = graphmodel.Clamp01(a.Confidence)
			out[tag] = a
		}
	}
	return out, nil
}

func buildPrompt(title, description string, captions []graphmodel.Caption, tags []string) string {
	desc := truncateBytes(description, maxDescriptionBytes)

	var captionText strings.Builder
	for _, c := range captions {
		if captionText.Len() >= maxCaptionBytes {
			break
		}
		captionText.WriteString(c.Text)
		captionText.WriteString(" ")
	}
	captionSnippet := truncateBytes(captionText.String(), maxCaptionBytes)

	var b strings.Builder
	fmt.Fprintf(&b, "Episode title: %s\n", title)
	fmt.Fprintf(&b, "Description: %s\n", desc)
	fmt.Fprintf(&b, "Transcript excerpt: %s\n", captionSnippet)
	fmt.Fprintf(&b, "Voice tags to assign: %s\n", strings.Join(tags, ", "))
	return b.String()
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
