package segment

import (
	"context"
	"testing"

	"github.com/apresai/podknowledge/internal/graphmodel"
)

func makeCaptions(n int, speakerEvery int) []graphmodel.Caption {
	out := make([]graphmodel.Caption, n)
	t := 0.0
	for i := 0; i < n; i++ {
		tag := "A"
		if speakerEvery > 0 && (i/speakerEvery)%2 == 1 {
			tag = "B"
		}
		out[i] = graphmodel.Caption{Index: i, Start: t, End: t + 2, VoiceTag: tag, Text: "hello world there"}
		t += 2.1
	}
	return out
}

func identitySpeaker(tag string) string { return tag }

func TestSegment_SingleCaptionBoundary(t *testing.T) {
	captions := makeCaptions(1, 0)
	units, err := Segment(context.Background(), nil, "ep1", "Title", "Podcast", captions, identitySpeaker)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d", len(units))
	}
	if units[0].SegmentCount != 1 {
		t.Errorf("expected segment_count 1, got %d", units[0].SegmentCount)
	}
}

func TestSegment_313Captions_NoGiantUnit(t *testing.T) {
	captions := makeCaptions(313, 20)
	units, err := Segment(context.Background(), nil, "ep1", "Title", "Podcast", captions, identitySpeaker)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if len(units) < 10 {
		t.Fatalf("expected >= 10 units for 313 captions, got %d", len(units))
	}
	for _, u := range units {
		if u.SegmentCount > maxSegmentCount {
			t.Errorf("unit exceeds max segment count: %d", u.SegmentCount)
		}
	}
}

func TestSegment_CoverageAndContiguity(t *testing.T) {
	captions := makeCaptions(100, 17)
	units, err := Segment(context.Background(), nil, "ep1", "Title", "Podcast", captions, identitySpeaker)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	covered := make([]bool, 100)
	for _, u := range units {
		for i, idx := range u.SegmentIndices {
			if i > 0 && idx != u.SegmentIndices[i-1]+1 {
				t.Fatalf("non-contiguous unit: %v", u.SegmentIndices)
			}
			if covered[idx] {
				t.Fatalf("caption %d covered twice", idx)
			}
			covered[idx] = true
		}
	}
	for i, c := range covered {
		if !c {
			t.Fatalf("caption %d not covered by any unit", i)
		}
	}
}

func TestSegment_SpeakerDistributionSumsToOne(t *testing.T) {
	captions := makeCaptions(60, 10)
	units, err := Segment(context.Background(), nil, "ep1", "Title", "Podcast", captions, identitySpeaker)
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	for _, u := range units {
		sum := 0.0
		for _, frac := range u.SpeakerDistribution {
			sum += frac
		}
		if sum < 0.99 || sum > 1.01 {
			t.Errorf("unit %s speaker_distribution sums to %.4f", u.ID, sum)
		}
	}
}

func TestDeterministicFallback_WindowBounds(t *testing.T) {
	captions := makeCaptions(100, 0)
	specs := deterministicFallback(captions, identitySpeaker)
	for i, s := range specs {
		if i < len(specs)-1 && len(s.Indices) < fallbackWindowMin {
			t.Errorf("spec %d too small: %d", i, len(s.Indices))
		}
		if len(s.Indices) > fallbackWindowMax {
			t.Errorf("spec %d too large: %d", i, len(s.Indices))
		}
	}
}

func TestIsOneGiantUnit(t *testing.T) {
	giant := []unitSpec{{Indices: make([]int, 313)}}
	if !isOneGiantUnit(giant, 313) {
		t.Error("expected one-giant-unit to be detected")
	}
	small := []unitSpec{{Indices: make([]int, 10)}}
	if isOneGiantUnit(small, 10) {
		t.Error("did not expect one-giant-unit for a small episode")
	}
}
