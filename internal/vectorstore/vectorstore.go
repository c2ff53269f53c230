// Package vectorstore implements the pgvector-backed Vector Store Adapter:
// per-collection add/query with metadata filters, and dimension-mismatch
// self-heal. Vector literals are encoded as a bracketed "[v1,v2,...]" string
// cast to ::vector in the query.
package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	_ "github.com/lib/pq"

	"github.com/marketpulse/missioncore/internal/telemetry"
)

const collectionName = "document_store_v1"

// ErrVectorStore wraps any adapter failure that is not a recognized
// dimension-mismatch signal.
type ErrVectorStore struct {
	Op    string
	Cause error
}

func (e *ErrVectorStore) Error() string {
	return fmt.Sprintf("vectorstore: %s: %v", e.Op, e.Cause)
}

func (e *ErrVectorStore) Unwrap() error { return e.Cause }

// Adapter is the process-wide singleton wrapping the pgvector-backed table.
// The dimension self-heal path is serialized behind resetMu so concurrent
// missions cannot double-reset.
type Adapter struct {
	db        *sql.DB
	dimension int
	tel       *telemetry.Telemetry

	resetMu sync.Mutex
}

// New constructs an Adapter against db, assuming dimension D. The caller is
// responsible for running the initial schema migration that creates
// document_store_v1 with vector(D).
func New(db *sql.DB, dimension int, tel *telemetry.Telemetry) *Adapter {
	return &Adapter{db: db, dimension: dimension, tel: tel}
}

// Ping confirms the underlying collection is reachable, for the health
// check; it does not exercise the pgvector distance operator.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 0", collectionName))
	return err
}

// Add upserts a batch of chunks. ids/vectors/documents/metadata must all be
// the same length.
func (a *Adapter) Add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadata []map[string]any) error {
	if len(ids) != len(vectors) || len(ids) != len(documents) || len(ids) != len(metadata) {
		return &ErrVectorStore{Op: "add", Cause: fmt.Errorf("mismatched batch lengths")}
	}

	err := a.add(ctx, ids, vectors, documents, metadata)
	if err == nil {
		return nil
	}
	if !isDimensionMismatch(err) {
		return &ErrVectorStore{Op: "add", Cause: err}
	}

	if healErr := a.selfHeal(ctx, vectorDimension(vectors)); healErr != nil {
		return &ErrVectorStore{Op: "add", Cause: healErr}
	}
	if retryErr := a.add(ctx, ids, vectors, documents, metadata); retryErr != nil {
		return &ErrVectorStore{Op: "add", Cause: retryErr}
	}
	return nil
}

func (a *Adapter) add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadata []map[string]any) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, document, metadata)
		VALUES ($1, $2::vector, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			document = EXCLUDED.document,
			metadata = EXCLUDED.metadata
	`, collectionName)

	for i := range ids {
		lit, err := encodeVectorLiteral(vectors[i])
		if err != nil {
			return err
		}
		metaJSON, err := json.Marshal(metadata[i])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, ids[i], lit, documents[i], metaJSON); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Query performs a cosine-distance nearest-neighbor search, filtered by an
// equality match on where (typically {"conversation_id": X}).
func (a *Adapter) Query(ctx context.Context, vector []float32, topK int, where map[string]any) (docs []string, distances []float32, metadata []map[string]any, err error) {
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, nil, nil, &ErrVectorStore{Op: "query", Cause: err}
	}

	query := fmt.Sprintf(`
		SELECT document, metadata, embedding <=> $1::vector AS distance
		FROM %s
	`, collectionName)
	args := []any{lit}
	if len(where) > 0 {
		var clauses []string
		for k, v := range where {
			// metadata->>k yields text, so the bound value is compared as
			// text regardless of its Go type.
			args = append(args, fmt.Sprint(v))
			clauses = append(clauses, fmt.Sprintf("metadata->>'%s' = $%d", sanitizeKey(k), len(args)))
		}
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, nil, &ErrVectorStore{Op: "query", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var doc, metaJSON string
		var dist float32
		if err := rows.Scan(&doc, &metaJSON, &dist); err != nil {
			return nil, nil, nil, &ErrVectorStore{Op: "query", Cause: err}
		}
		var meta map[string]any
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			meta = map[string]any{}
		}
		docs = append(docs, doc)
		distances = append(distances, dist)
		metadata = append(metadata, meta)
	}
	return docs, distances, metadata, rows.Err()
}

// Reset destroys and recreates the collection, empty, at the adapter's
// current dimension.
func (a *Adapter) Reset(ctx context.Context) error {
	return a.resetTo(ctx, a.dimension)
}

// selfHeal destroys and recreates the collection at newDimension, updates
// the adapter's tracked dimension, and logs a warning. The relational log
// keeps the canonical reports, so losing the index here is recoverable.
// Concurrent writers that all hit the same mismatch serialize here, and
// only the first one resets: once the tracked dimension already matches,
// later callers skip straight to their retry instead of dropping the data
// the first heal's retry just wrote.
func (a *Adapter) selfHeal(ctx context.Context, newDimension int) error {
	a.resetMu.Lock()
	defer a.resetMu.Unlock()

	if a.dimension == newDimension {
		return nil
	}

	a.tel.Logger.Printf("warn: vector dimension mismatch detected, resetting %s to dimension %d (data loss)", collectionName, newDimension)
	if err := a.resetTo(ctx, newDimension); err != nil {
		return err
	}
	a.dimension = newDimension
	return nil
}

func (a *Adapter) resetTo(ctx context.Context, dimension int) error {
	if _, err := a.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", collectionName)); err != nil {
		return err
	}
	createStmt := fmt.Sprintf(`
		CREATE TABLE %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			document TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)
	`, collectionName, dimension)
	if _, err := a.db.ExecContext(ctx, createStmt); err != nil {
		return err
	}
	return nil
}

func vectorDimension(vectors [][]float32) int {
	if len(vectors) == 0 {
		return 0
	}
	return len(vectors[0])
}

func isDimensionMismatch(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "dimension") || strings.Contains(msg, "expected") && strings.Contains(msg, "vector")
}

func sanitizeKey(k string) string {
	return strings.ReplaceAll(k, "'", "")
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String(), nil
}
