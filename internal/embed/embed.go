// Package embed implements C5: producing fixed-dimension, L2-normalized
// dense vectors per unit via the OpenAI embeddings API, with an offline
// deterministic fallback for explicitly configured offline operation.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/apresai/podknowledge/internal/graphmodel"
)

// MaxBatchSize is the largest batch issued to the embeddings provider per
// §4.5.
const MaxBatchSize = 32

// Embedder produces embeddings, falling back to a deterministic offline
// projection when OfflineMode is set and the provider call fails.
type Embedder struct {
	client      openai.Client
	model       string
	dim         int
	OfflineMode bool
}

// New constructs an Embedder. apiKey may be empty to use the ambient
// OPENAI_API_KEY environment variable, matching the provider SDK's default.
func New(apiKey, model string, dim int) *Embedder {
	if dim <= 0 {
		dim = graphmodel.EmbeddingDim
	}
	var client openai.Client
	if apiKey != "" {
		client = openai.NewClient(option.WithAPIKey(apiKey))
	} else {
		client = openai.NewClient()
	}
	return &Embedder{client: client, model: model, dim: dim}
}

// Embed returns the L2-normalized embedding for one unit's text. Empty
// text yields the zero vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds up to MaxBatchSize texts per underlying provider call.
// On provider failure, it falls back to deterministic hashed-pseudo-
// embeddings only if OfflineMode is set; otherwise the caller receives the
// error and must mark the affected units embedding=null.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	nonEmpty := make([]string, 0, len(texts))
	nonEmptyIdx := make([]int, 0, len(texts))
	for i, t := range texts {
		if t == "" {
			out[i] = make([]float32, e.dim)
			continue
		}
		nonEmpty = append(nonEmpty, t)
		nonEmptyIdx = append(nonEmptyIdx, i)
	}
	if len(nonEmpty) == 0 {
		return out, nil
	}

	for start := 0; start < len(nonEmpty); start += MaxBatchSize {
		end := min(start+MaxBatchSize, len(nonEmpty))
		chunk := nonEmpty[start:end]

		vecs, err := e.callProvider(ctx, chunk)
		if err != nil {
			if !e.OfflineMode {
				return nil, fmt.Errorf("embedding provider call: %w", err)
			}
			vecs = make([][]float32, len(chunk))
			for i, t := range chunk {
				vecs[i] = hashedPseudoEmbedding(t, e.dim)
			}
		}
		for i, v := range vecs {
			out[nonEmptyIdx[start+i]] = l2Normalize(v)
		}
	}

	return out, nil
}

func (e *Embedder) callProvider(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	if sumSq == 0 {
		return v
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// hashedPseudoEmbedding deterministically projects text into a D-dim vector
// using a SHA-256-seeded PRNG: sha256(text || dim_index) as the source of
// each coordinate. Used only in offline_mode, per §4.5 — not a substitute
// for real embeddings, so it doesn't warrant a dedicated vector library.
func hashedPseudoEmbedding(text string, dim int) []float32 {
	v := make([]float32, dim)
	for i := 0; i < dim; i++ {
		h := sha256.New()
		h.Write([]byte(text))
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		h.Write(idx[:])
		sum := h.Sum(nil)
		u := binary.BigEndian.Uint64(sum[:8])
		// Map to [-1, 1) so the subsequent L2 normalization behaves like a
		// real embedding's coordinate spread.
		v[i] = float32(u)/float32(math.MaxUint64) * 2 - 1
	}
	return v
}
