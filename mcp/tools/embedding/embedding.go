package embedding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/shopvoice/provider"
)

// Embedder turns texts into vectors. The same embedder must build and query an index.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the embedder and model, recorded with the index.
	Name() string
}

// Embedding wraps a provider that can create embeddings.
// It is *stateless*: no caching, no persistence, no global lookups.
type Embedding struct {
	provider provider.Provider
	name     string
}

// NewEmbedding returns an Embedding bound to the given provider.
func NewEmbedding(p provider.Provider, name string) *Embedding {
	return &Embedding{provider: p, name: name}
}

func (e Embedding) Name() string { return e.name }

// EmbedMany converts texts into vectors via the provider.
// Returns (nil, nil) if texts is empty. Errors if provider is nil.
func (e Embedding) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if e.provider == nil {
		return nil, errors.New("embedding: nil provider")
	}
	vecs, err := e.provider.CreateEmbedding(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embedding: provider returned %d vectors for %d texts", len(vecs), len(texts))
	}
	return vecs, nil
}

// Hashing is a deterministic feature-hashing embedder: lower-cased word and
// word-bigram features are hashed into Dims signed buckets and L2-normalised.
// It needs no model, so offline builds and tests are reproducible.
type Hashing struct {
	Dims int
}

func (h Hashing) Name() string { return fmt.Sprintf("hash-%d", h.dims()) }

func (h Hashing) dims() int {
	if h.Dims <= 0 {
		return 256
	}
	return h.Dims
}

func (h Hashing) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embed(t)
	}
	return out, nil
}

func (h Hashing) embed(text string) []float32 {
	n := h.dims()
	vec := make([]float32, n)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	add := func(feature string, weight float32) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(feature))
		sum := f.Sum64()
		idx := int(sum % uint64(n))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
