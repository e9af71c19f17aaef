package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrNoCollection      = errors.New("catalog: collection has not been built")
	ErrDimensionMismatch = errors.New("catalog: query vector dimension does not match the index")
)

// Entry is one record handed to a rebuild, with its embedding.
type Entry struct {
	Product
	Vector []float32
}

// Meta describes how a collection was embedded.
type Meta struct {
	Embedder   string `json:"embedder"`
	Dimensions int    `json:"dimensions"`
}

// Index is the read side of a collection.
type Index interface {
	// Search returns up to n products ordered by similarity descending, ties by id
	// ascending. Every product satisfies constraints.
	Search(ctx context.Context, vector []float32, n int, constraints Constraints) ([]Product, error)
	Meta(ctx context.Context) (Meta, error)
	Close() error
}

// Builder creates full replacements of a collection.
type Builder interface {
	BeginRebuild(ctx context.Context, meta Meta) (Rebuild, error)
}

// Rebuild stages a new generation of the collection. Readers keep seeing the
// previous generation until Commit returns.
type Rebuild interface {
	Add(ctx context.Context, entries []Entry) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Store is a backend that can both serve and rebuild a collection.
type Store interface {
	Index
	Builder
}

// Cosine returns the cosine similarity of a and b, 0 when either is zero.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Rank sorts by score descending then id ascending and truncates to n.
func Rank(products []Product, n int) []Product {
	sort.SliceStable(products, func(i, j int) bool {
		if products[i].Score != products[j].Score {
			return products[i].Score > products[j].Score
		}
		return products[i].ID < products[j].ID
	})
	if n >= 0 && len(products) > n {
		products = products[:n]
	}
	return products
}

// CheckDimensions fails when a query vector cannot be compared with the collection.
func CheckDimensions(meta Meta, vector []float32) error {
	if meta.Dimensions > 0 && len(vector) != meta.Dimensions {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vector), meta.Dimensions)
	}
	return nil
}
