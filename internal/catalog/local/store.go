// Package local is the on-disk catalog backend: a bleve index per generation
// holding product metadata and embeddings, with a CURRENT pointer file that is
// swapped atomically when a rebuild commits.
package local

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/mapping"
	"github.com/blevesearch/bleve/search/query"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
)

const (
	currentFile = "CURRENT"
	genPrefix   = "gen-"
	indexDir    = "index.bleve"
	metaKey     = "meta"
	vecPrefix   = "vec:"
)

var readOnly = map[string]interface{}{"read_only": true}

// Store serves and rebuilds one collection rooted at a directory.
type Store struct {
	root string
	log  *zap.Logger

	mu   sync.RWMutex
	gen  string
	idx  bleve.Index
	meta catalog.Meta
}

// Open prepares the collection directory. Generations are opened lazily on
// first use, so a builder process never locks the generation a server is
// reading. A collection that has never been built is not an error until it is
// searched.
func Open(dataDir, collection string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	root := filepath.Join(dataDir, collection)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("catalog dir: %w", err)
	}
	return &Store{root: root, log: log.Named("catalog.local")}, nil
}

// Search implements catalog.Index.
func (s *Store) Search(ctx context.Context, vector []float32, n int, constraints catalog.Constraints) ([]catalog.Product, error) {
	if err := s.refresh(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.idx == nil {
		return nil, catalog.ErrNoCollection
	}
	if err := catalog.CheckDimensions(s.meta, vector); err != nil {
		return nil, err
	}
	total, err := s.idx.DocCount()
	if err != nil {
		return nil, fmt.Errorf("doc count: %w", err)
	}
	if total == 0 || n <= 0 {
		return []catalog.Product{}, nil
	}

	req := bleve.NewSearchRequestOptions(filterQuery(constraints), int(total), 0, false)
	req.Fields = []string{"*"}
	req.SortBy([]string{"_id"})
	res, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}

	out := make([]catalog.Product, 0, len(res.Hits))
	for _, hit := range res.Hits {
		p := productFromFields(hit.ID, hit.Fields)
		// the range pre-filter is inclusive-aware but Match is authoritative
		if !constraints.Match(p) {
			continue
		}
		raw, err := s.idx.GetInternal([]byte(vecPrefix + hit.ID))
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", hit.ID, err)
		}
		p.Score = catalog.Cosine(vector, decodeVector(raw))
		out = append(out, p)
	}
	return catalog.Rank(out, n), nil
}

// Meta implements catalog.Index.
func (s *Store) Meta(ctx context.Context) (catalog.Meta, error) {
	if err := s.refresh(); err != nil {
		return catalog.Meta{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta, nil
}

// Close releases the open generation.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx == nil {
		return nil
	}
	err := s.idx.Close()
	s.idx = nil
	s.gen = ""
	return err
}

// refresh reopens the collection when CURRENT points at a newer generation.
func (s *Store) refresh() error {
	b, err := os.ReadFile(filepath.Join(s.root, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return catalog.ErrNoCollection
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", currentFile, err)
	}
	gen := strings.TrimSpace(string(b))

	s.mu.RLock()
	same := gen == s.gen && s.idx != nil
	s.mu.RUnlock()
	if same {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.gen && s.idx != nil {
		return nil
	}
	// Serving generations are never written; read-only takes a shared lock so
	// several stores and processes can read one generation at once.
	idx, err := bleve.OpenUsing(filepath.Join(s.root, gen, indexDir), readOnly)
	if err != nil {
		return fmt.Errorf("open generation %s: %w", gen, err)
	}
	meta, err := readMeta(idx)
	if err != nil {
		_ = idx.Close()
		return err
	}
	if s.idx != nil {
		if err := s.idx.Close(); err != nil {
			s.log.Warn("close previous generation", zap.String("generation", s.gen), zap.Error(err))
		}
	}
	s.log.Info("serving generation", zap.String("generation", gen), zap.Int("dimensions", meta.Dimensions))
	s.idx, s.gen, s.meta = idx, gen, meta
	return nil
}

// BeginRebuild implements catalog.Builder.
func (s *Store) BeginRebuild(ctx context.Context, meta catalog.Meta) (catalog.Rebuild, error) {
	gen := fmt.Sprintf("%s%d", genPrefix, time.Now().UnixNano())
	dir := filepath.Join(s.root, gen)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("generation dir: %w", err)
	}
	idx, err := bleve.New(filepath.Join(dir, indexDir), productMapping())
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("create index: %w", err)
	}
	b, _ := json.Marshal(meta)
	if err := idx.SetInternal([]byte(metaKey), b); err != nil {
		_ = idx.Close()
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("write meta: %w", err)
	}
	return &rebuild{store: s, gen: gen, dir: dir, idx: idx, meta: meta}, nil
}

type rebuild struct {
	store *Store
	gen   string
	dir   string
	idx   bleve.Index
	meta  catalog.Meta
	added int
	done  bool
}

func (r *rebuild) Add(ctx context.Context, entries []catalog.Entry) error {
	if r.done {
		return errors.New("rebuild already finished")
	}
	batch := r.idx.NewBatch()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.ID == "" {
			return errors.New("entry without id")
		}
		if r.meta.Dimensions > 0 && len(e.Vector) != r.meta.Dimensions {
			return fmt.Errorf("%w: entry %s has %d", catalog.ErrDimensionMismatch, e.ID, len(e.Vector))
		}
		if err := batch.Index(e.ID, fieldsFromProduct(e.Product)); err != nil {
			return fmt.Errorf("index %s: %w", e.ID, err)
		}
		batch.SetInternal([]byte(vecPrefix+e.ID), encodeVector(e.Vector))
	}
	if err := r.idx.Batch(batch); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	r.added += len(entries)
	return nil
}

func (r *rebuild) Commit(ctx context.Context) error {
	if r.done {
		return errors.New("rebuild already finished")
	}
	r.done = true
	if err := r.idx.Close(); err != nil {
		_ = os.RemoveAll(r.dir)
		return fmt.Errorf("flush generation: %w", err)
	}
	tmp := filepath.Join(r.store.root, currentFile+".tmp")
	if err := os.WriteFile(tmp, []byte(r.gen+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pointer: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(r.store.root, currentFile)); err != nil {
		return fmt.Errorf("swap pointer: %w", err)
	}
	r.store.log.Info("rebuild committed", zap.String("generation", r.gen), zap.Int("records", r.added))
	r.store.prune(r.gen)
	return nil
}

func (r *rebuild) Abort(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.done = true
	_ = r.idx.Close()
	return os.RemoveAll(r.dir)
}

// prune keeps the live generation and the one before it.
func (s *Store) prune(live string) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	var gens []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), genPrefix) && e.Name() != live {
			gens = append(gens, e.Name())
		}
	}
	sort.Slice(gens, func(i, j int) bool { return genStamp(gens[i]) > genStamp(gens[j]) })
	for i, g := range gens {
		if i == 0 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, g)); err != nil {
			s.log.Warn("prune generation", zap.String("generation", g), zap.Error(err))
		}
	}
}

func genStamp(name string) int64 {
	var n int64
	_, _ = fmt.Sscanf(strings.TrimPrefix(name, genPrefix), "%d", &n)
	return n
}

func productMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	stored := bleve.NewTextFieldMapping()
	stored.Index = false
	num := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("id", bleve.NewTextFieldMapping())
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("brand", text)
	doc.AddFieldMappingsAt("category", text)
	doc.AddFieldMappingsAt("ingredients", stored)
	doc.AddFieldMappingsAt("document", stored)
	doc.AddFieldMappingsAt("price", num)
	doc.AddFieldMappingsAt("rating", num)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

func filterQuery(constraints catalog.Constraints) query.Query {
	if len(constraints) == 0 {
		return bleve.NewMatchAllQuery()
	}
	qs := make([]query.Query, 0, len(constraints))
	for _, c := range constraints {
		v := c.Value
		yes, no := true, false
		var q *query.NumericRangeQuery
		switch c.Op {
		case catalog.OpLT:
			q = bleve.NewNumericRangeInclusiveQuery(nil, &v, nil, &no)
		case catalog.OpLTE:
			q = bleve.NewNumericRangeInclusiveQuery(nil, &v, nil, &yes)
		case catalog.OpGT:
			q = bleve.NewNumericRangeInclusiveQuery(&v, nil, &no, nil)
		case catalog.OpGTE:
			q = bleve.NewNumericRangeInclusiveQuery(&v, nil, &yes, nil)
		default:
			q = bleve.NewNumericRangeInclusiveQuery(&v, &v, &yes, &yes)
		}
		q.SetField(c.Field)
		qs = append(qs, q)
	}
	return bleve.NewConjunctionQuery(qs...)
}

func fieldsFromProduct(p catalog.Product) map[string]interface{} {
	return map[string]interface{}{
		"id":          p.ID,
		"title":       p.Title,
		"brand":       p.Brand,
		"category":    p.Category,
		"price":       p.Price,
		"rating":      p.Rating,
		"ingredients": p.Ingredients,
		"document":    p.Document,
	}
}

func productFromFields(id string, f map[string]interface{}) catalog.Product {
	str := func(k string) string { s, _ := f[k].(string); return s }
	num := func(k string) float64 { v, _ := f[k].(float64); return v }
	return catalog.Product{
		ID:          id,
		Title:       str("title"),
		Brand:       str("brand"),
		Category:    str("category"),
		Price:       num("price"),
		Rating:      num("rating"),
		Ingredients: str("ingredients"),
		Document:    str("document"),
	}
}

func readMeta(idx bleve.Index) (catalog.Meta, error) {
	var meta catalog.Meta
	b, err := idx.GetInternal([]byte(metaKey))
	if err != nil {
		return meta, fmt.Errorf("read meta: %w", err)
	}
	if len(b) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return meta, fmt.Errorf("decode meta: %w", err)
	}
	return meta, nil
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
