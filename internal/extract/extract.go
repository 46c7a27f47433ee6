// Package extract implements C4: per-unit LLM-driven knowledge extraction
// of entities, quotes, insights, relationships, and topics, with JSON
// repair, schema validation, and normalization.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/apresai/podknowledge/internal/graphmodel"
	"github.com/apresai/podknowledge/internal/llmclient"
)

// DefaultMaxRetries matches §4.4/§7's normative default.
const DefaultMaxRetries = 3

const maxEntityValueLen = 200

// Result holds one unit's normalized extraction output.
type Result struct {
	Entities      []graphmodel.Entity
	Quotes        []graphmodel.Quote
	Insights      []graphmodel.Insight
	Relationships []graphmodel.Relationship
	Topics        []string
	Failed        bool
}

// rawExtraction is the wire schema of §4.4's extraction contract.
type rawExtraction struct {
	Entities []struct {
		Value       string  `json:"value"`
		Type        string  `json:"type"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
		Frequency   int     `json:"frequency"`
	} `json:"entities"`
	Quotes []struct {
		Text       string  `json:"text"`
		Speaker    string  `json:"speaker"`
		Context    string  `json:"context"`
		QuoteType  string  `json:"quote_type"`
		Importance float64 `json:"importance"`
	} `json:"quotes"`
	Insights []struct {
		Title              string   `json:"title"`
		Description        string   `json:"description"`
		Type               string   `json:"type"`
		Confidence         float64  `json:"confidence"`
		SupportingEntities []string `json:"supporting_entities"`
	} `json:"insights"`
	Relationships []struct {
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"relationships"`
	Topics []string `json:"topics"`
}

// Extract runs the extraction pass for one unit. unitText is the unit's
// full concatenated caption text (verbatim); speakerNames restricts the
// prompt to speakers present in this unit.
func Extract(ctx context.Context, client *llmclient.Client, unit *graphmodel.MeaningfulUnit, episodeTitle, podcastName, unitText string, speakerNames []string, maxRetries int) Result {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		strict := attempt > 1
		raw, err := callAndParse(ctx, client, unit, episodeTitle, podcastName, unitText, speakerNames, strict, false)
		if err == nil {
			return normalize(raw, unit.ID, unitText)
		}
		lastErr = err
	}

	// Supplemental fixed-schema fallback (recovered from original_source's
	// fixed_schema_strategy.py): one more attempt at a minimal entities-only
	// schema before giving up entirely, to recover partial value.
	if raw, err := callAndParse(ctx, client, unit, episodeTitle, podcastName, unitText, speakerNames, true, true); err == nil {
		return normalize(raw, unit.ID, unitText)
	} else {
		lastErr = err
	}

	_ = lastErr
	return Result{Failed: true}
}

func callAndParse(ctx context.Context, client *llmclient.Client, unit *graphmodel.MeaningfulUnit, episodeTitle, podcastName, unitText string, speakerNames []string, strict, fixedSchema bool) (*rawExtraction, error) {
	system := buildSystemPrompt(strict, fixedSchema)
	prompt := buildUserPrompt(unit, episodeTitle, podcastName, unitText, speakerNames)

	text, err := client.Complete(ctx, system, prompt, llmclient.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("extraction llm call: %w", err)
	}

	jsonText := llmclient.ExtractJSON(text)

	var raw rawExtraction
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(jsonText)
		if rerr != nil {
			return nil, fmt.Errorf("json repair: %w", rerr)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			// A single dict where a list was expected is coerced, not an
			// error: try once more after wrapping top-level object arrays.
			coerced, cerr := coerceSingleObjectLists(repaired)
			if cerr != nil {
				return nil, fmt.Errorf("schema parse after repair: %w", err)
			}
			if err := json.Unmarshal([]byte(coerced), &raw); err != nil {
				return nil, fmt.Errorf("schema parse after coercion: %w", err)
			}
		}
	}

	if fixedSchema {
		raw.Quotes = nil
		raw.Insights = nil
		raw.Relationships = nil
		raw.Topics = nil
	}

	return &raw, nil
}

// coerceSingleObjectLists handles the "single dict where a list is
// expected" relaxation of §4.4 by wrapping bare objects for known list
// fields into one-element arrays before re-parsing.
func coerceSingleObjectLists(text string) (string, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &generic); err != nil {
		return "", err
	}
	for _, field := range []string{"entities", "quotes", "insights", "relationships"} {
		v, ok := generic[field]
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(string(v))
		if strings.HasPrefix(trimmed, "{") {
			generic[field] = json.RawMessage("[" + trimmed + "]")
		}
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func normalize(raw *rawExtraction, unitID, unitText string) Result {
	normalizedUnitText := normalizeWhitespace(unitText)

	entityByKey := map[string]*graphmodel.Entity{}
	var entityOrder []string
	for _, e := range raw.Entities {
		value := truncateRunes(normalizeWhitespace(e.Value), maxEntityValueLen)
		if value == "" {
			continue
		}
		typ := graphmodel.NormalizeEntityType(e.Type)
		key := graphmodel.NormalizeName(value) + "|" + string(typ)

		freq := e.Frequency
		if freq < 1 {
			freq = 1
		}

		if existing, ok := entityByKey[key]; ok {
			existing.Confidence = maxFloat(existing.Confidence, graphmodel.Clamp01(e.Confidence))
			existing.Importance = maxFloat(existing.Importance, graphmodel.Clamp01(e.Importance))
			existing.Frequency += freq
			if existing.Description == "" {
				existing.Description = e.Description
			}
			continue
		}
		entityByKey[key] = &graphmodel.Entity{
			ID:          graphmodel.EntityID(unitID, value, typ),
			UnitID:      unitID,
			Value:       value,
			Type:        typ,
			Confidence:  graphmodel.Clamp01(e.Confidence),
			Description: e.Description,
			Importance:  graphmodel.Clamp01(e.Importance),
			Frequency:   freq,
		}
		entityOrder = append(entityOrder, key)
	}

	entities := make([]graphmodel.Entity, 0, len(entityOrder))
	entityValues := map[string]bool{}
	for _, key := range entityOrder {
		e := entityByKey[key]
		entities = append(entities, *e)
		entityValues[graphmodel.NormalizeName(e.Value)] = true
	}

	var quotes []graphmodel.Quote
	for _, q := range raw.Quotes {
		text := strings.TrimSpace(q.Text)
		if text == "" {
			continue
		}
		if !strings.Contains(normalizedUnitText, normalizeWhitespace(text)) {
			continue // dropped: fails the substring invariant (§3/§8)
		}
		quotes = append(quotes, graphmodel.Quote{
			ID:         graphmodel.QuoteID(unitID, text),
			UnitID:     unitID,
			Text:       text,
			Speaker:    q.Speaker,
			Context:    q.Context,
			QuoteType:  graphmodel.NormalizeQuoteType(q.QuoteType),
			Importance: graphmodel.Clamp01(q.Importance),
		})
	}

	var insights []graphmodel.Insight
	for _, ins := range raw.Insights {
		title := strings.TrimSpace(ins.Title)
		if title == "" {
			continue
		}
		var supporting []string
		for _, v := range ins.SupportingEntities {
			if entityValues[graphmodel.NormalizeName(v)] {
				supporting = append(supporting, v)
			}
		}
		insights = append(insights, graphmodel.Insight{
			ID:                 graphmodel.InsightID(unitID, title),
			UnitID:             unitID,
			Title:              title,
			Description:        ins.Description,
			Type:               graphmodel.NormalizeInsightType(ins.Type),
			Confidence:         graphmodel.Clamp01(ins.Confidence),
			SupportingEntities: supporting,
		})
	}

	var relationships []graphmodel.Relationship
	for _, r := range raw.Relationships {
		src, tgt := graphmodel.NormalizeName(r.Source), graphmodel.NormalizeName(r.Target)
		if !entityValues[src] || !entityValues[tgt] {
			continue // dropped: endpoint not present in this unit's entities
		}
		relationships = append(relationships, graphmodel.Relationship{
			Source:     r.Source,
			Target:     r.Target,
			Type:       strings.ToLower(strings.TrimSpace(r.Type)),
			Confidence: graphmodel.Clamp01(r.Confidence),
		})
	}

	var topics []string
	seen := map[string]bool{}
	for _, t := range raw.Topics {
		t = graphmodel.TopicName(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}

	return Result{
		Entities:      entities,
		Quotes:        quotes,
		Insights:      insights,
		Relationships: relationships,
		Topics:        topics,
	}
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func buildSystemPrompt(strict, fixedSchema bool) string {
	var b strings.Builder
	b.WriteString("You extract structured knowledge from one segment of a podcast transcript. ")
	if fixedSchema {
		b.WriteString("Respond with ONLY {\"entities\": [{\"value\",\"type\",\"confidence\",\"description\",\"importance\",\"frequency\"}]}. No other fields.")
		return b.String()
	}
	b.WriteString("Respond with a single JSON object: {\"entities\": [...], \"quotes\": [...], \"insights\": [...], \"relationships\": [...], \"topics\": [...]}. ")
	b.WriteString("entities[]: {value, type, confidence, description, importance, frequency}, type one of person, organization, place, product, concept, event, technology, other. ")
	b.WriteString("quotes[]: {text, speaker, context, quote_type, importance}, quote_type one of key_point, funny, provocative, personal, other; text must be verbatim from the transcript. ")
	b.WriteString("insights[]: {title, description, type, confidence, supporting_entities}, type one of key_point, summary, fact, other. ")
	b.WriteString("relationships[]: {source, target, type, confidence} where source/target are entity values also present in entities[]. ")
	b.WriteString("topics[]: short lowercase tags.")
	if strict {
		b.WriteString(" Return strictly valid JSON: no trailing commas, no comments, no markdown fences.")
	}
	return b.String()
}

func buildUserPrompt(unit *graphmodel.MeaningfulUnit, episodeTitle, podcastName, unitText string, speakerNames []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Podcast: %s\nEpisode: %s\n", podcastName, episodeTitle)
	fmt.Fprintf(&b, "Time range: %s - %s\n", formatSeconds(unit.StartTime), formatSeconds(unit.EndTime))
	fmt.Fprintf(&b, "Speakers in this segment: %s\n\n", strings.Join(speakerNames, ", "))
	b.WriteString(unitText)
	return b.String()
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 1, 64)
}
