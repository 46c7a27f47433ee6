package pipeline

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/apresai/podknowledge/internal/extract"
	"github.com/apresai/podknowledge/internal/graphmodel"
	"github.com/apresai/podknowledge/internal/speaker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConcatCaptionText_JoinsInOrder(t *testing.T) {
	captions := []graphmodel.Caption{
		{Index: 0, Text: "hello"},
		{Index: 1, Text: "world"},
		{Index: 2, Text: "again"},
	}
	got := concatCaptionText(captions, []int{0, 1})
	want := "hello world"
	if got != want {
		t.Errorf("concatCaptionText = %q, want %q", got, want)
	}
}

func TestConcatCaptionText_SkipsOutOfRange(t *testing.T) {
	captions := []graphmodel.Caption{{Index: 0, Text: "only"}}
	got := concatCaptionText(captions, []int{0, 5, -1})
	if got != "only" {
		t.Errorf("concatCaptionText = %q, want %q", got, "only")
	}
}

func TestBuildUnitWrite_IncludesSpeakersWithShare(t *testing.T) {
	host := &graphmodel.Speaker{ID: "speaker_host", Name: "Alex", Role: graphmodel.RoleHost}
	guest := &graphmodel.Speaker{ID: "speaker_guest", Name: "Sam", Role: graphmodel.RoleGuest}
	speakers := &speaker.Result{
		ByTag:   map[string]*graphmodel.Speaker{"v1": host, "v2": guest},
		Default: host,
	}
	u := &graphmodel.MeaningfulUnit{
		ID: "unit_1",
		SpeakerDistribution: map[string]float64{
			"Alex": 0.9,
			"Sam":  0.0,
		},
	}
	res := extract.Result{Topics: []string{"go"}}

	uw := buildUnitWrite(u, "", speakers, res)
	if len(uw.Speakers) != 1 {
		t.Fatalf("expected exactly 1 speaker with nonzero share, got %d", len(uw.Speakers))
	}
	if _, ok := uw.Speakers["Alex"]; !ok {
		t.Errorf("expected Alex in unit speakers, got %v", uw.Speakers)
	}
	if uw.PrevUnitID != "" {
		t.Errorf("PrevUnitID = %q, want empty", uw.PrevUnitID)
	}
	if len(uw.Topics) != 1 || uw.Topics[0] != "go" {
		t.Errorf("Topics = %v", uw.Topics)
	}
}

func TestFinalizeUnitOutcome_EmbedFailurePreservesUnit(t *testing.T) {
	u := graphmodel.MeaningfulUnit{
		ID: "unit_1", StartTime: 0, EndTime: 10, SegmentCount: 1,
		SpeakerDistribution: map[string]float64{"Alex": 1.0},
	}
	res := extract.Result{Topics: []string{"go"}}

	out, err := finalizeUnitOutcome(u, res, nil, errors.New("provider down"), testLogger())
	if err != nil {
		t.Fatalf("expected the unit to survive an embed failure, got error: %v", err)
	}
	if out.unit.ID != u.ID {
		t.Errorf("unit dropped on embed failure: got %+v", out.unit)
	}
	if out.embedding != nil {
		t.Errorf("expected nil embedding after a failed embed, got %v", out.embedding)
	}
	if len(out.extraction.Topics) != 1 || out.extraction.Topics[0] != "go" {
		t.Errorf("extraction results lost on embed failure: %+v", out.extraction)
	}
}

func TestFinalizeUnitOutcome_EmbedSuccessKeepsVector(t *testing.T) {
	u := graphmodel.MeaningfulUnit{
		ID: "unit_2", StartTime: 0, EndTime: 5, SegmentCount: 1,
		SpeakerDistribution: map[string]float64{"Alex": 1.0},
	}
	vec := []float32{0.1, 0.2, 0.3}

	out, err := finalizeUnitOutcome(u, extract.Result{}, vec, nil, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.embedding) != len(vec) {
		t.Errorf("embedding = %v, want %v", out.embedding, vec)
	}
}

func TestFinalizeUnitOutcome_StillRejectsInvariantViolation(t *testing.T) {
	u := graphmodel.MeaningfulUnit{ID: "unit_3", StartTime: 10, EndTime: 5, SegmentCount: 1}

	if _, err := finalizeUnitOutcome(u, extract.Result{}, nil, nil, testLogger()); err == nil {
		t.Error("expected invariant violation to still surface as an error")
	}
}
