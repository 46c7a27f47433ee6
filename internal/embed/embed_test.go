package embed

import (
	"context"
	"math"
	"testing"
)

func TestL2Normalize(t *testing.T) {
	v := []float32{3, 4}
	got := l2Normalize(v)
	var sumSq float64
	for _, f := range got {
		sumSq += float64(f) * float64(f)
	}
	if math.Abs(sumSq-1.0) > 1e-6 {
		t.Errorf("expected unit length, got sum-of-squares %v", sumSq)
	}
}

func TestL2Normalize_ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	got := l2Normalize(v)
	for _, f := range got {
		if f != 0 {
			t.Errorf("expected zero vector to stay zero, got %v", got)
		}
	}
}

func TestHashedPseudoEmbedding_Deterministic(t *testing.T) {
	a := hashedPseudoEmbedding("hello world", 16)
	b := hashedPseudoEmbedding("hello world", 16)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("expected deterministic output, differs at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestHashedPseudoEmbedding_DifferentTextsDiffer(t *testing.T) {
	a := hashedPseudoEmbedding("hello", 16)
	b := hashedPseudoEmbedding("world", 16)
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different texts to produce different embeddings")
	}
}

func TestEmbedBatch_EmptyTextYieldsZeroVector(t *testing.T) {
	e := &Embedder{dim: 8}
	out, err := e.EmbedBatch(context.Background(), []string{""})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 1 || len(out[0]) != 8 {
		t.Fatalf("unexpected output shape: %+v", out)
	}
	for _, f := range out[0] {
		if f != 0 {
			t.Errorf("expected zero vector for empty text, got %v", out[0])
		}
	}
}
