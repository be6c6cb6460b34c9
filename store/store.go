// Package store defines the durable document store and event publisher
// seams the workflow engine depends on, plus an in-memory fake for tests.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowforge/workflows/core"
)

// Document is one durable record. ID and PartitionKey together identify it
// within a Collection; Data carries the JSON-shaped document body; TTL is
// zero when the document never expires.
type Document struct {
	ID           string
	Collection   string
	PartitionKey string
	Data         map[string]interface{}
	ETag         string
	TTL          time.Duration
	UpdatedAt    time.Time
}

// Row is one record returned by Query.
type Row = Document

// Store is the durable document abstraction the engine depends on: a
// partitioned document collection with optional per-document TTL and a
// SQL-like query surface. Implementations must provide conditional writes
// on Upsert (optimistic concurrency via ETag) so instance documents never
// silently last-write-wins across concurrent resumers/cancellers.
type Store interface {
	Get(ctx context.Context, collection, id, partitionKey string) (*Document, error)
	Upsert(ctx context.Context, doc *Document) error
	Query(ctx context.Context, collection, sql string, params map[string]interface{}) ([]Document, error)
	Delete(ctx context.Context, collection, id, partitionKey string) error
}

// Publisher emits fire-and-forget events. Failure is logged by the caller,
// never propagated into the orchestrator loop.
type Publisher interface {
	Publish(ctx context.Context, eventType string, event map[string]interface{}) error
}

// ErrConflict is returned by Upsert when the supplied ETag does not match
// the currently stored document's ETag (optimistic-concurrency failure).
var ErrConflict = core.NewWorkflowError("store.Upsert", "STORE_CONFLICT", core.ErrStoreFailed)

// MemoryStore is an in-process Store fake for unit tests. It enforces the
// same ETag-conflict contract as SQLiteStore so repository tests exercise
// real optimistic-concurrency behavior without a database.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]map[string]*Document // collection -> id -> doc
	seq    uint64
	clock  core.Clock
	logger core.Logger
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[string]*Document),
		clock:  core.SystemClock{},
		logger: core.NoOpLogger{},
	}
}

// WithClock overrides the clock used to stamp UpdatedAt (tests only).
func (m *MemoryStore) WithClock(c core.Clock) *MemoryStore {
	m.clock = c
	return m
}

// WithLogger attaches a logger for debug visibility in tests.
func (m *MemoryStore) WithLogger(l core.Logger) *MemoryStore {
	m.logger = l
	return m
}

func (m *MemoryStore) Get(ctx context.Context, collection, id, partitionKey string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.docs[collection]
	if !ok {
		return nil, core.NewWorkflowError("store.Get", "NOT_FOUND", core.ErrInstanceNotFound)
	}
	doc, ok := bucket[id]
	if !ok || (partitionKey != "" && doc.PartitionKey != partitionKey) {
		return nil, core.NewWorkflowError("store.Get", "NOT_FOUND", core.ErrInstanceNotFound)
	}
	if m.isExpired(doc) {
		delete(bucket, id)
		return nil, core.NewWorkflowError("store.Get", "NOT_FOUND", core.ErrInstanceNotFound)
	}
	cp := cloneDoc(doc)
	return &cp, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.docs[doc.Collection]
	if !ok {
		bucket = make(map[string]*Document)
		m.docs[doc.Collection] = bucket
	}

	existing, has := bucket[doc.ID]
	if has && doc.ETag != "" && existing.ETag != doc.ETag {
		return ErrConflict
	}

	m.seq++
	newDoc := cloneDoc(doc)
	newDoc.ETag = etagFromSeq(m.seq)
	newDoc.UpdatedAt = m.clock.Now()
	bucket[doc.ID] = &newDoc
	m.logger.Debug("memorystore: upsert", map[string]interface{}{"collection": doc.Collection, "id": doc.ID})
	*doc = newDoc
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, collection, sqlText string, params map[string]interface{}) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.docs[collection]
	var out []Document
	for _, doc := range bucket {
		if m.isExpired(doc) {
			continue
		}
		if matchesParams(doc, params) {
			out = append(out, cloneDoc(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, collection, id, partitionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.docs[collection]
	if !ok {
		return nil
	}
	delete(bucket, id)
	return nil
}

func (m *MemoryStore) isExpired(doc *Document) bool {
	if doc.TTL <= 0 {
		return false
	}
	return m.clock.Now().After(doc.UpdatedAt.Add(doc.TTL))
}

// matchesParams is a deliberately simple stand-in for the SQL-like query
// language real Store implementations expose: it matches a document's Data
// fields by equality against every param, sufficient for the repository
// tests that substitute MemoryStore. Real filtering lives in SQLiteStore's
// query(sql, params) passthrough to database/sql.
func matchesParams(doc *Document, params map[string]interface{}) bool {
	for k, v := range params {
		if k == "partitionKey" {
			if doc.PartitionKey != v {
				return false
			}
			continue
		}
		dv, ok := doc.Data[k]
		if !ok || dv != v {
			return false
		}
	}
	return true
}

func cloneDoc(doc *Document) Document {
	cp := *doc
	cp.Data = make(map[string]interface{}, len(doc.Data))
	for k, v := range doc.Data {
		cp.Data[k] = v
	}
	return cp
}

func etagFromSeq(seq uint64) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hex[seq&0xf]
		seq >>= 4
	}
	return string(b)
}
