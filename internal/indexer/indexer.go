// Package indexer builds a catalog collection from a product dataset.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
	"github.com/mohammad-safakhou/shopvoice/internal/metrics"
	"github.com/mohammad-safakhou/shopvoice/mcp/tools/embedding"
)

const DefaultBatchSize = 256

// Drop reasons, also used as metric labels.
const (
	DropMissingID    = "missing_id"
	DropInvalidPrice = "invalid_price"
	DropDuplicateID  = "duplicate_id"
)

// featureColumns feed the embedded text, in this order.
var featureColumns = []string{"title", "brand", "category", "ingredients", "rating", "description", "about", "specification"}

// Report summarises one build.
type Report struct {
	Dataset    string         `json:"dataset"`
	RowsRead   int            `json:"rows_read"`
	Indexed    int            `json:"indexed"`
	Dropped    map[string]int `json:"dropped"`
	Batches    int            `json:"batches"`
	Embedder   string         `json:"embedder"`
	Dimensions int            `json:"dimensions"`
	Duration   time.Duration  `json:"duration"`
}

type Indexer struct {
	builder   catalog.Builder
	embedder  embedding.Embedder
	batchSize int
	log       *zap.Logger
}

func New(builder catalog.Builder, embedder embedding.Embedder, batchSize int, log *zap.Logger) *Indexer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Indexer{builder: builder, embedder: embedder, batchSize: batchSize, log: log.Named("indexer")}
}

// Build reads path and replaces the collection with its rows. On any failure
// the rebuild is aborted and the previous collection stays live.
func (ix *Indexer) Build(ctx context.Context, path string) (*Report, error) {
	started := time.Now()
	rep := &Report{Dataset: path, Dropped: map[string]int{}, Embedder: ix.embedder.Name()}

	var (
		products []catalog.Product
		position = map[string]int{}
	)
	err := ReadFile(path, func(rec Record) error {
		rep.RowsRead++
		p, reason := productFromRecord(rec)
		if reason != "" {
			rep.Dropped[reason]++
			return nil
		}
		if i, ok := position[p.ID]; ok {
			products[i] = p
			rep.Dropped[DropDuplicateID]++
			return nil
		}
		position[p.ID] = len(products)
		products = append(products, p)
		return ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if rep.RowsRead > 0 && len(products) == 0 {
		return nil, fmt.Errorf("read %s: no indexable rows (dropped %v)", path, rep.Dropped)
	}
	ix.log.Info("dataset loaded", zap.String("path", path), zap.Int("rows", rep.RowsRead), zap.Int("products", len(products)))

	if err := ix.write(ctx, products, rep); err != nil {
		metrics.IndexRows(metrics.Error, len(products))
		return nil, err
	}
	rep.Indexed = len(products)
	rep.Duration = time.Since(started)

	metrics.IndexRows("indexed", rep.Indexed)
	for reason, n := range rep.Dropped {
		metrics.IndexRows(reason, n)
	}
	ix.log.Info("index built",
		zap.Int("indexed", rep.Indexed),
		zap.Any("dropped", rep.Dropped),
		zap.Int("batches", rep.Batches),
		zap.Duration("duration", rep.Duration))
	return rep, nil
}

func (ix *Indexer) write(ctx context.Context, products []catalog.Product, rep *Report) (err error) {
	var (
		rb   catalog.Rebuild
		meta = catalog.Meta{Embedder: ix.embedder.Name()}
	)
	defer func() {
		if err != nil && rb != nil {
			if aerr := rb.Abort(context.WithoutCancel(ctx)); aerr != nil {
				ix.log.Warn("abort rebuild", zap.Error(aerr))
			}
		}
	}()

	for start := 0; start < len(products); start += ix.batchSize {
		batch := products[start:min(start+ix.batchSize, len(products))]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Document
		}
		vectors, err := ix.embedder.EmbedMany(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch at row %d: %w", start, err)
		}
		if len(vectors) != len(batch) {
			return fmt.Errorf("embed batch at row %d: got %d vectors for %d texts", start, len(vectors), len(batch))
		}

		if rb == nil {
			// Dimensions are known only after the first batch.
			meta.Dimensions = len(vectors[0])
			if rb, err = ix.builder.BeginRebuild(ctx, meta); err != nil {
				return fmt.Errorf("begin rebuild: %w", err)
			}
		}
		entries := make([]catalog.Entry, len(batch))
		for i, p := range batch {
			if len(vectors[i]) != meta.Dimensions {
				return fmt.Errorf("row %s: %w", p.ID, catalog.ErrDimensionMismatch)
			}
			entries[i] = catalog.Entry{Product: p, Vector: vectors[i]}
		}
		if err := rb.Add(ctx, entries); err != nil {
			return fmt.Errorf("add batch at row %d: %w", start, err)
		}
		rep.Batches++
		ix.log.Debug("batch indexed", zap.Int("start", start), zap.Int("size", len(batch)))
	}

	if rb == nil {
		// Empty dataset: still replace the collection so readers see an empty catalog.
		if rb, err = ix.builder.BeginRebuild(ctx, meta); err != nil {
			return fmt.Errorf("begin rebuild: %w", err)
		}
	}
	if err := rb.Commit(ctx); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	rep.Dimensions = meta.Dimensions
	return nil
}

// productFromRecord applies the dataset rules. A non-empty reason means the
// row is dropped.
func productFromRecord(rec Record) (catalog.Product, string) {
	id := strings.TrimSpace(rec["id"])
	if id == "" {
		return catalog.Product{}, DropMissingID
	}
	price, err := parsePrice(rec["price"])
	if err != nil {
		return catalog.Product{}, DropInvalidPrice
	}
	rating, ratingOK := parseRating(rec["rating"])

	p := catalog.Product{
		ID:          id,
		Title:       strings.TrimSpace(rec["title"]),
		Brand:       strings.TrimSpace(rec["brand"]),
		Category:    strings.TrimSpace(rec["category"]),
		Price:       price,
		Rating:      rating,
		Ingredients: strings.TrimSpace(rec["ingredients"]),
	}
	var r *float64
	if ratingOK {
		r = &rating
	}
	p.Document = features(rec, r)
	if p.Document == "" {
		p.Document = id
	}
	return p, ""
}

// features returns the text to embed. A missing rating is left out.
func features(rec Record, rating *float64) string {
	if f := strings.TrimSpace(rec["features"]); f != "" {
		return f
	}
	parts := make([]string, 0, len(featureColumns))
	for _, col := range featureColumns {
		v := strings.Join(strings.Fields(rec[col]), " ")
		if col == "rating" {
			v = ""
			if rating != nil {
				v = strconv.FormatFloat(*rating, 'f', -1, 64)
			}
		}
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

var errBadNumber = errors.New("not a number")

func parsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, errBadNumber
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, errBadNumber
	}
	return f, nil
}

func parseRating(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
