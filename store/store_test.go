package store

import (
	"context"
	"errors"
	"testing"

	"github.com/flowforge/workflows/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpsertThenGet(t *testing.T) {
	s := NewMemoryStore()
	doc := &Document{
		ID:           "inst-1",
		Collection:   core.CollectionInstances,
		PartitionKey: "inst-1",
		Data:         map[string]interface{}{"status": "running"},
	}

	require.NoError(t, s.Upsert(context.Background(), doc))
	assert.NotEmpty(t, doc.ETag)

	got, err := s.Get(context.Background(), core.CollectionInstances, "inst-1", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Data["status"])
}

func TestMemoryStore_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), core.CollectionInstances, "nope", "nope")
	assert.True(t, core.IsNotFound(err))
}

func TestMemoryStore_UpsertConflictOnStaleETag(t *testing.T) {
	s := NewMemoryStore()
	doc := &Document{ID: "a", Collection: core.CollectionInstances, Data: map[string]interface{}{"v": 1}}
	require.NoError(t, s.Upsert(context.Background(), doc))

	stale := &Document{ID: "a", Collection: core.CollectionInstances, Data: map[string]interface{}{"v": 2}, ETag: "not-the-real-etag"}
	err := s.Upsert(context.Background(), stale)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestMemoryStore_UpsertSucceedsWithMatchingETag(t *testing.T) {
	s := NewMemoryStore()
	doc := &Document{ID: "a", Collection: core.CollectionInstances, Data: map[string]interface{}{"v": 1}}
	require.NoError(t, s.Upsert(context.Background(), doc))

	update := &Document{ID: "a", Collection: core.CollectionInstances, Data: map[string]interface{}{"v": 2}, ETag: doc.ETag}
	require.NoError(t, s.Upsert(context.Background(), update))
	assert.NotEqual(t, doc.ETag, update.ETag)
}

func TestMemoryStore_QueryFiltersByParams(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(context.Background(), &Document{ID: "1", Collection: core.CollectionInstances, Data: map[string]interface{}{"status": "running"}}))
	require.NoError(t, s.Upsert(context.Background(), &Document{ID: "2", Collection: core.CollectionInstances, Data: map[string]interface{}{"status": "completed"}}))

	rows, err := s.Query(context.Background(), core.CollectionInstances, "", map[string]interface{}{"status": "running"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "1", rows[0].ID)
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Upsert(context.Background(), &Document{ID: "1", Collection: core.CollectionInstances, Data: map[string]interface{}{}}))
	require.NoError(t, s.Delete(context.Background(), core.CollectionInstances, "1", ""))

	_, err := s.Get(context.Background(), core.CollectionInstances, "1", "")
	assert.True(t, core.IsNotFound(err))
}

func TestMemoryPublisher_RecordsEvents(t *testing.T) {
	p := NewMemoryPublisher()
	require.NoError(t, p.Publish(context.Background(), "workflow.completed", map[string]interface{}{"instanceId": "i1"}))

	events := p.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "workflow.completed", events[0].EventType)
	assert.Equal(t, "i1", events[0].Data["instanceId"])
}
