package extract

import (
	"encoding/json"
	"testing"

	"github.com/apresai/podknowledge/internal/graphmodel"
)

func TestNormalize_MergesDuplicateEntities(t *testing.T) {
	raw := &rawExtraction{}
	raw.Entities = []struct {
		Value       string  `json:"value"`
		Type        string  `json:"type"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
		Frequency   int     `json:"frequency"`
	}{
		{Value: "OpenAI", Type: "organization", Confidence: 0.8, Importance: 0.5, Frequency: 2},
		{Value: "openai", Type: "organization", Confidence: 0.9, Importance: 0.6, Frequency: 3},
	}

	res := normalize(raw, "unit1", "some text about OpenAI")
	if len(res.Entities) != 1 {
		t.Fatalf("expected entities to merge into 1, got %d", len(res.Entities))
	}
	e := res.Entities[0]
	if e.Confidence != 0.9 || e.Importance != 0.6 || e.Frequency != 5 {
		t.Errorf("unexpected merged entity: %+v", e)
	}
}

func TestNormalize_DropsQuotesNotInText(t *testing.T) {
	raw := &rawExtraction{}
	raw.Quotes = []struct {
		Text       string  `json:"text"`
		Speaker    string  `json:"speaker"`
		Context    string  `json:"context"`
		QuoteType  string  `json:"quote_type"`
		Importance float64 `json:"importance"`
	}{
		{Text: "this is present", Speaker: "Alice"},
		{Text: "this is absent entirely", Speaker: "Bob"},
	}

	res := normalize(raw, "unit1", "  this   is  present in the transcript  ")
	if len(res.Quotes) != 1 {
		t.Fatalf("expected exactly 1 surviving quote, got %d", len(res.Quotes))
	}
	if res.Quotes[0].Text != "this is present" {
		t.Errorf("unexpected surviving quote: %q", res.Quotes[0].Text)
	}
}

func TestNormalize_DropsRelationshipsWithUnknownEndpoints(t *testing.T) {
	raw := &rawExtraction{}
	raw.Entities = []struct {
		Value       string  `json:"value"`
		Type        string  `json:"type"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
		Frequency   int     `json:"frequency"`
	}{{Value: "Alice", Type: "person", Confidence: 0.9, Importance: 0.9, Frequency: 1}}
	raw.Relationships = []struct {
		Source     string  `json:"source"`
		Target     string  `json:"target"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	}{
		{Source: "Alice", Target: "Ghost Entity", Type: "knows", Confidence: 0.7},
	}

	res := normalize(raw, "unit1", "Alice text")
	if len(res.Relationships) != 0 {
		t.Fatalf("expected relationship with unknown endpoint to be dropped, got %d", len(res.Relationships))
	}
}

func TestNormalize_ClampsConfidenceAndImportance(t *testing.T) {
	raw := &rawExtraction{}
	raw.Entities = []struct {
		Value       string  `json:"value"`
		Type        string  `json:"type"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
		Frequency   int     `json:"frequency"`
	}{{Value: "X", Type: "concept", Confidence: 1.5, Importance: -0.5, Frequency: 0}}

	res := normalize(raw, "unit1", "X")
	if len(res.Entities) != 1 {
		t.Fatalf("expected 1 entity")
	}
	e := res.Entities[0]
	if e.Confidence != 1.0 || e.Importance != 0.0 || e.Frequency != 1 {
		t.Errorf("unexpected clamping: %+v", e)
	}
}

func TestNormalize_UnknownEntityTypeCoercesToOther(t *testing.T) {
	raw := &rawExtraction{}
	raw.Entities = []struct {
		Value       string  `json:"value"`
		Type        string  `json:"type"`
		Confidence  float64 `json:"confidence"`
		Description string  `json:"description"`
		Importance  float64 `json:"importance"`
		Frequency   int     `json:"frequency"`
	}{{Value: "Something", Type: "nonsense_type", Confidence: 0.5, Importance: 0.5, Frequency: 1}}

	res := normalize(raw, "unit1", "Something")
	if res.Entities[0].Type != graphmodel.EntityOther {
		t.Errorf("expected type coerced to other, got %s", res.Entities[0].Type)
	}
}

func TestCoerceSingleObjectLists(t *testing.T) {
	in := `{"entities": {"value": "X", "type": "concept"}, "quotes": []}`
	out, err := coerceSingleObjectLists(in)
	if err != nil {
		t.Fatalf("coerceSingleObjectLists: %v", err)
	}
	var raw rawExtraction
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		t.Fatalf("unmarshal after coercion: %v", err)
	}
	if len(raw.Entities) != 1 || raw.Entities[0].Value != "X" {
		t.Errorf("unexpected coerced entities: %+v", raw.Entities)
	}
}
