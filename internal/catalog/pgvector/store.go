// Package pgvector is the Postgres catalog backend. Each rebuild writes a new
// generation of rows and commit flips the collection pointer in one
// transaction, so readers only ever join against a complete generation.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	pgv "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/shopvoice/internal/catalog"
)

const insertColumns = 11

type Store struct {
	DB         *sql.DB
	Collection string
	log        *zap.Logger
}

// New wraps an open database handle.
func New(db *sql.DB, collection string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{DB: db, Collection: collection, log: log.Named("catalog.pgvector")}
}

// NewWithDSN opens and pings a Postgres connection.
func NewWithDSN(ctx context.Context, dsn, collection string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return New(db, collection, log), nil
}

func (s *Store) Close() error { return s.DB.Close() }

// Meta implements catalog.Index.
func (s *Store) Meta(ctx context.Context) (catalog.Meta, error) {
	var meta catalog.Meta
	err := s.DB.QueryRowContext(ctx,
		`SELECT embedder, dimensions FROM catalog_collections WHERE name=$1`, s.Collection,
	).Scan(&meta.Embedder, &meta.Dimensions)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, catalog.ErrNoCollection
	}
	if err != nil {
		return meta, fmt.Errorf("collection meta: %w", err)
	}
	return meta, nil
}

// Search implements catalog.Index.
func (s *Store) Search(ctx context.Context, vector []float32, n int, constraints catalog.Constraints) ([]catalog.Product, error) {
	meta, err := s.Meta(ctx)
	if err != nil {
		return nil, err
	}
	if err := catalog.CheckDimensions(meta, vector); err != nil {
		return nil, err
	}
	if n <= 0 {
		return []catalog.Product{}, nil
	}
	query, args, err := searchQuery(s.Collection, vector, n, constraints)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}
	defer rows.Close()

	out := make([]catalog.Product, 0, n)
	for rows.Next() {
		var p catalog.Product
		var distance float64
		if err := rows.Scan(&p.ID, &p.Title, &p.Brand, &p.Category, &p.Price, &p.Rating, &p.Ingredients, &p.Document, &distance); err != nil {
			return nil, err
		}
		if !constraints.Match(p) {
			continue
		}
		p.Score = 1 - distance
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return catalog.Rank(out, n), nil
}

var sqlOps = map[catalog.Op]string{
	catalog.OpLT: "<", catalog.OpLTE: "<=", catalog.OpGT: ">", catalog.OpGTE: ">=", catalog.OpEQ: "=",
}

// searchQuery builds the similarity query. Field names and operators come from
// fixed whitelists; values are always bound parameters.
func searchQuery(collection string, vector []float32, n int, constraints catalog.Constraints) (string, []any, error) {
	if err := constraints.Validate(); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	b.WriteString(`SELECT p.id, p.title, p.brand, p.category, p.price, p.rating, p.ingredients, p.document, p.embedding <=> $2::vector AS distance
FROM catalog_products p
JOIN catalog_collections c ON c.name = p.collection AND c.generation = p.generation
WHERE p.collection = $1`)
	args := []any{collection, pgv.NewVector(vector)}
	for _, c := range constraints {
		args = append(args, c.Value)
		fmt.Fprintf(&b, " AND p.%s %s $%d", c.Field, sqlOps[c.Op], len(args))
	}
	args = append(args, n)
	fmt.Fprintf(&b, "\nORDER BY distance ASC, p.id ASC\nLIMIT $%d", len(args))
	return b.String(), args, nil
}

// BeginRebuild implements catalog.Builder.
func (s *Store) BeginRebuild(ctx context.Context, meta catalog.Meta) (catalog.Rebuild, error) {
	return &rebuild{store: s, gen: time.Now().UnixNano(), meta: meta}, nil
}

type rebuild struct {
	store *Store
	gen   int64
	meta  catalog.Meta
	added int
	done  bool
}

func (r *rebuild) Add(ctx context.Context, entries []catalog.Entry) error {
	if r.done {
		return errors.New("rebuild already finished")
	}
	if len(entries) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(`INSERT INTO catalog_products (collection, generation, id, title, brand, category, price, rating, ingredients, document, embedding) VALUES `)
	args := make([]any, 0, len(entries)*insertColumns)
	for i, e := range entries {
		if e.ID == "" {
			return errors.New("entry without id")
		}
		if r.meta.Dimensions > 0 && len(e.Vector) != r.meta.Dimensions {
			return fmt.Errorf("%w: entry %s has %d", catalog.ErrDimensionMismatch, e.ID, len(e.Vector))
		}
		if i > 0 {
			b.WriteString(",")
		}
		base := i * insertColumns
		b.WriteString("(")
		for j := 1; j <= insertColumns; j++ {
			if j > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", base+j)
		}
		b.WriteString(")")
		args = append(args, r.store.Collection, r.gen, e.ID, e.Title, e.Brand, e.Category,
			e.Price, e.Rating, e.Ingredients, e.Document, pgv.NewVector(e.Vector))
	}
	b.WriteString(` ON CONFLICT (collection, generation, id) DO UPDATE SET title=EXCLUDED.title, brand=EXCLUDED.brand, category=EXCLUDED.category, price=EXCLUDED.price, rating=EXCLUDED.rating, ingredients=EXCLUDED.ingredients, document=EXCLUDED.document, embedding=EXCLUDED.embedding`)
	if _, err := r.store.DB.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	r.added += len(entries)
	return nil
}

func (r *rebuild) Commit(ctx context.Context) error {
	if r.done {
		return errors.New("rebuild already finished")
	}
	r.done = true
	tx, err := r.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO catalog_collections (name, generation, embedder, dimensions, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (name) DO UPDATE SET generation=EXCLUDED.generation, embedder=EXCLUDED.embedder, dimensions=EXCLUDED.dimensions, updated_at=NOW()
`, r.store.Collection, r.gen, r.meta.Embedder, r.meta.Dimensions); err != nil {
		return fmt.Errorf("swap collection: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM catalog_products WHERE collection=$1 AND generation<>$2`, r.store.Collection, r.gen,
	); err != nil {
		return fmt.Errorf("drop old generations: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.store.log.Info("rebuild committed", zap.String("collection", r.store.Collection), zap.Int64("generation", r.gen), zap.Int("records", r.added))
	return nil
}

func (r *rebuild) Abort(ctx context.Context) error {
	if r.done {
		return nil
	}
	r.done = true
	_, err := r.store.DB.ExecContext(ctx,
		`DELETE FROM catalog_products WHERE collection=$1 AND generation=$2`, r.store.Collection, r.gen)
	return err
}
