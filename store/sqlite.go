package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/flowforge/workflows/core"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// collections is the fixed set of document collections the engine persists,
// each with its own partition-key column per spec §6.
var collections = []string{
	core.CollectionDefinitions,
	core.CollectionInstances,
	core.CollectionTriggers,
	core.CollectionApprovals,
	core.CollectionTemplates,
	core.CollectionCanvas,
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger attaches a structured logger; without one SQLiteStore is silent.
func WithLogger(l core.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithClock overrides the clock used for TTL expiry checks (tests only).
func WithClock(c core.Clock) SQLiteOption {
	return func(s *SQLiteStore) { s.clock = c }
}

// SQLiteStore implements Store on a single SQLite file, one JSON document
// column per row plus an indexed partition-key column. All collections
// share one physical table (`documents`) distinguished by a collection
// column, since every collection in spec §6 needs the same get/upsert/
// query/delete shape.
//
// A single shared connection (SetMaxOpenConns(1)) serializes every writer
// through one connection so concurrent instance writers never hit
// SQLITE_BUSY from independently-opened connections.
type SQLiteStore struct {
	db     *sql.DB
	logger core.Logger
	clock  core.Clock
}

// NewSQLiteStore opens (or creates) a SQLite database at dsn.
func NewSQLiteStore(dsn string, opts ...SQLiteOption) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: core.NoOpLogger{}, clock: core.SystemClock{}}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates the backing schema. Safe to call repeatedly.
func (s *SQLiteStore) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS documents (
		collection    TEXT NOT NULL,
		id            TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		data          TEXT NOT NULL,
		etag          TEXT NOT NULL,
		expires_at    INTEGER,
		updated_at    INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	)`)
	if err != nil {
		return fmt.Errorf("store: create table: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_documents_partition
		ON documents(collection, partition_key)`)
	if err != nil {
		return fmt.Errorf("store: create index: %w", err)
	}
	s.logger.Debug("sqlite store: init completed", map[string]interface{}{"duration": time.Since(start)})
	return nil
}

// Close releases the underlying connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, collection, id, partitionKey string) (*Document, error) {
	start := time.Now()
	var dataJSON, etag string
	var expiresAt sql.NullInt64
	var updatedAt int64

	row := s.db.QueryRowContext(ctx,
		`SELECT partition_key, data, etag, expires_at, updated_at FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	var pk string
	if err := row.Scan(&pk, &dataJSON, &etag, &expiresAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, core.NewWorkflowError("store.Get", "NOT_FOUND", core.ErrInstanceNotFound)
		}
		s.logger.Error("sqlite store: get failed", map[string]interface{}{"collection": collection, "id": id, "error": err.Error()})
		return nil, core.NewWorkflowError("store.Get", "STORE_FAILED", core.ErrStoreFailed)
	}
	if partitionKey != "" && pk != partitionKey {
		return nil, core.NewWorkflowError("store.Get", "NOT_FOUND", core.ErrInstanceNotFound)
	}

	doc := &Document{ID: id, Collection: collection, PartitionKey: pk, ETag: etag, UpdatedAt: time.Unix(updatedAt, 0).UTC()}
	if expiresAt.Valid {
		doc.TTL = time.Unix(expiresAt.Int64, 0).Sub(doc.UpdatedAt)
	}
	if err := json.Unmarshal([]byte(dataJSON), &doc.Data); err != nil {
		return nil, core.NewWorkflowError("store.Get", "STORE_FAILED", core.ErrStoreFailed)
	}

	if doc.TTL > 0 && s.clock.Now().After(doc.UpdatedAt.Add(doc.TTL)) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
		return nil, core.NewWorkflowError("store.Get", "NOT_FOUND", core.ErrInstanceNotFound)
	}

	s.logger.Debug("sqlite store: get ok", map[string]interface{}{"collection": collection, "id": id, "duration": time.Since(start)})
	return doc, nil
}

// Upsert conditionally writes doc. When doc.ETag is non-empty it must match
// the row's current etag or ErrConflict is returned (optimistic concurrency
// per spec §5). A fresh etag is minted and written back into doc.
func (s *SQLiteStore) Upsert(ctx context.Context, doc *Document) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewWorkflowError("store.Upsert", "STORE_FAILED", core.ErrStoreFailed)
	}
	defer tx.Rollback() //nolint:errcheck

	var existingETag string
	err = tx.QueryRowContext(ctx, `SELECT etag FROM documents WHERE collection = ? AND id = ?`, doc.Collection, doc.ID).Scan(&existingETag)
	switch {
	case err == sql.ErrNoRows:
		// insert path, no conflict possible
	case err != nil:
		return core.NewWorkflowError("store.Upsert", "STORE_FAILED", core.ErrStoreFailed)
	case doc.ETag != "" && existingETag != doc.ETag:
		return ErrConflict
	}

	data, err := json.Marshal(doc.Data)
	if err != nil {
		return core.NewWorkflowError("store.Upsert", "STORE_FAILED", core.ErrStoreFailed)
	}

	now := s.clock.Now()
	newETag := newETag()
	var expiresAt sql.NullInt64
	if doc.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: now.Add(doc.TTL).Unix(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO documents (collection, id, partition_key, data, etag, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			partition_key = excluded.partition_key,
			data = excluded.data,
			etag = excluded.etag,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		doc.Collection, doc.ID, doc.PartitionKey, string(data), newETag, expiresAt, now.Unix(),
	)
	if err != nil {
		s.logger.Error("sqlite store: upsert failed", map[string]interface{}{"collection": doc.Collection, "id": doc.ID, "error": err.Error()})
		return core.NewWorkflowError("store.Upsert", "STORE_FAILED", core.ErrStoreFailed)
	}
	if err := tx.Commit(); err != nil {
		return core.NewWorkflowError("store.Upsert", "STORE_FAILED", core.ErrStoreFailed)
	}

	doc.ETag = newETag
	doc.UpdatedAt = now
	s.logger.Debug("sqlite store: upsert ok", map[string]interface{}{"collection": doc.Collection, "id": doc.ID, "duration": time.Since(start)})
	return nil
}

// Query runs sqlText against the documents table scoped to collection.
// sqlText is expected to reference the `data` JSON column via SQLite's
// json_extract, e.g. "json_extract(data, '$.status') = :status"; params are
// bound by name. This is a thin passthrough, matching spec §6's "query
// language is expected to be SQL-like over JSON documents". The param key
// "partitionKey" is special-cased to filter the indexed partition_key
// column directly, mirroring MemoryStore's matchesParams so repositories
// can use the same call shape against either backend.
func (s *SQLiteStore) Query(ctx context.Context, collection, sqlText string, params map[string]interface{}) ([]Document, error) {
	start := time.Now()

	query := `SELECT id, partition_key, data, etag, expires_at, updated_at FROM documents WHERE collection = ?`
	args := []interface{}{collection}
	if pk, ok := params["partitionKey"]; ok {
		query += " AND partition_key = ?"
		args = append(args, pk)
	}
	if sqlText != "" {
		query += " AND (" + sqlText + ")"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "partitionKey" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// each :name marker becomes a positional "?", so bind in the order the
	// markers appear in the query
	pos := func(k string) int {
		m := ":" + k
		for i := 0; i+len(m) <= len(query); i++ {
			if query[i:i+len(m)] == m {
				return i
			}
		}
		return len(query)
	}
	sort.SliceStable(keys, func(i, j int) bool { return pos(keys[i]) < pos(keys[j]) })
	for _, k := range keys {
		query = replaceNamedParam(query, k)
		args = append(args, params[k])
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite store: query failed", map[string]interface{}{"collection": collection, "error": err.Error()})
		return nil, core.NewWorkflowError("store.Query", "STORE_FAILED", core.ErrStoreFailed)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var id, pk, dataJSON, etag string
		var expiresAt sql.NullInt64
		var updatedAt int64
		if err := rows.Scan(&id, &pk, &dataJSON, &etag, &expiresAt, &updatedAt); err != nil {
			return nil, core.NewWorkflowError("store.Query", "STORE_FAILED", core.ErrStoreFailed)
		}
		doc := Document{ID: id, Collection: collection, PartitionKey: pk, ETag: etag, UpdatedAt: time.Unix(updatedAt, 0).UTC()}
		if expiresAt.Valid {
			doc.TTL = time.Unix(expiresAt.Int64, 0).Sub(doc.UpdatedAt)
		}
		if err := json.Unmarshal([]byte(dataJSON), &doc.Data); err != nil {
			continue
		}
		if doc.TTL > 0 && s.clock.Now().After(doc.UpdatedAt.Add(doc.TTL)) {
			continue
		}
		out = append(out, doc)
	}
	s.logger.Debug("sqlite store: query ok", map[string]interface{}{"collection": collection, "returned": len(out), "duration": time.Since(start)})
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, collection, id, partitionKey string) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		s.logger.Error("sqlite store: delete failed", map[string]interface{}{"collection": collection, "id": id, "error": err.Error()})
		return core.NewWorkflowError("store.Delete", "STORE_FAILED", core.ErrStoreFailed)
	}
	s.logger.Debug("sqlite store: delete ok", map[string]interface{}{"collection": collection, "id": id, "duration": time.Since(start)})
	return nil
}

var etagCounter int64

func newETag() string {
	etagCounter++
	return fmt.Sprintf("%016x", etagCounter^int64(time.Now().UnixNano()))
}

// replaceNamedParam is a minimal :name -> ? rewriter so callers can write
// SQLite-flavored named params against Query without hand-ordering args.
// It is intentionally naive: it rewrites the first remaining occurrence of
// ":"+name, matching the order params were ranged over.
func replaceNamedParam(query, name string) string {
	marker := ":" + name
	for i := 0; i+len(marker) <= len(query); i++ {
		if query[i:i+len(marker)] == marker {
			return query[:i] + "?" + query[i+len(marker):]
		}
	}
	return query
}
