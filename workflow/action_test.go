package workflow

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowforge/workflows/core"
	"github.com/flowforge/workflows/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyTransport fails the first failCount round trips with a transport
// error (never reaching a server), then delegates to the real transport.
type flakyTransport struct {
	failCount int
	attempts  int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.attempts++
	if f.attempts <= f.failCount {
		return nil, fmt.Errorf("simulated dial failure (attempt %d)", f.attempts)
	}
	return http.DefaultTransport.RoundTrip(req)
}

func newTestActionExecutor(s store.Store, pub store.Publisher) *ActionExecutor {
	evaluator := NewEvaluator(nil)
	return NewActionExecutor(nil, pub, s, evaluator, core.SystemClock{}, nil)
}

func TestActionExecutor_HTTPRequest_BearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	a := newTestActionExecutor(nil, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: srv.URL, Method: "GET", Auth: &AuthConfig{Kind: "bearer", Token: "secret-token"}}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	require.True(t, result.Success)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestActionExecutor_HTTPRequest_BasicAuth(t *testing.T) {
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestActionExecutor(nil, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: srv.URL, Method: "GET", Auth: &AuthConfig{Kind: "basic", Username: "alice", Password: "hunter2"}}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	require.True(t, result.Success)
	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "hunter2", gotPass)
}

func TestActionExecutor_HTTPRequest_APIKeyAuthDefaultHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := newTestActionExecutor(nil, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: srv.URL, Method: "GET", Auth: &AuthConfig{Kind: "api-key", APIKey: "key-123"}}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	require.True(t, result.Success)
	assert.Equal(t, "key-123", gotKey)
}

func TestActionExecutor_HTTPRequest_UnexpectedStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := newTestActionExecutor(nil, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: srv.URL, Method: "GET"}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP_404", result.Error.Code)
}

// A dial/timeout failure that never reaches the downstream is retried
// transport-side before the step ever sees an error, distinct from the
// orchestrator's own onError:retry step policy.
func TestActionExecutor_HTTPRequest_RetriesTransportFailureThenSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := &flakyTransport{failCount: 1}
	client := &http.Client{Transport: transport}
	a := NewActionExecutor(client, nil, nil, NewEvaluator(nil), core.SystemClock{}, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: srv.URL, Method: "GET"}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	require.True(t, result.Success)
	assert.Equal(t, 2, transport.attempts, "one simulated failure then one successful retry")
}

// Once the transport retry budget is exhausted, the step fails with
// HTTP_REQUEST_ERROR rather than hanging or panicking.
func TestActionExecutor_HTTPRequest_TransportRetriesExhausted(t *testing.T) {
	transport := &flakyTransport{failCount: 10}
	client := &http.Client{Transport: transport}
	a := NewActionExecutor(client, nil, nil, NewEvaluator(nil), core.SystemClock{}, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: "http://example.invalid", Method: "GET"}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP_REQUEST_ERROR", result.Error.Code)
	assert.Equal(t, 2, transport.attempts, "retry policy caps at MaxAttempts")
}

func TestActionExecutor_PublishEvent_EnvelopeShape(t *testing.T) {
	pub := store.NewMemoryPublisher()
	a := newTestActionExecutor(nil, pub)
	cfg := &ActionConfig{Type: ActionPublishEvent, EventType: "order.shipped", Subject: "order-42", Data: map[string]interface{}{"orderId": "order-42"}}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	require.True(t, result.Success)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "order.shipped", events[0].EventType)
	assert.Equal(t, "order-42", events[0].Data["subject"])
	assert.NotEmpty(t, events[0].Data["id"])
	assert.NotEmpty(t, events[0].Data["eventTime"])
}

func TestActionExecutor_CosmosUpsertThenQuery(t *testing.T) {
	s := store.NewMemoryStore()
	a := newTestActionExecutor(s, nil)
	ectx := NewExecutionContext(nil, nil, nil, nil)

	upsert := &ActionConfig{Type: ActionCosmosUpsert, DocumentID: "doc-1", PartitionKey: "pk-1", Document: map[string]interface{}{"name": "widget"}}
	result := a.Execute(context.Background(), upsert, ectx)
	require.True(t, result.Success)

	query := &ActionConfig{Type: ActionCosmosQuery, PartitionKey: "", Query: "SELECT *"}
	queryResult := a.Execute(context.Background(), query, ectx)
	require.True(t, queryResult.Success)
	resources, ok := queryResult.Output.(map[string]interface{})["resources"].([]interface{})
	require.True(t, ok)
	assert.Len(t, resources, 1)
}

func TestActionExecutor_CosmosDeleteRemovesDocument(t *testing.T) {
	s := store.NewMemoryStore()
	a := newTestActionExecutor(s, nil)
	ectx := NewExecutionContext(nil, nil, nil, nil)

	upsert := &ActionConfig{Type: ActionCosmosUpsert, DocumentID: "doc-1", PartitionKey: "pk-1", Document: map[string]interface{}{"name": "widget"}}
	require.True(t, a.Execute(context.Background(), upsert, ectx).Success)

	del := &ActionConfig{Type: ActionCosmosDelete, DocumentID: "doc-1", PartitionKey: "pk-1"}
	result := a.Execute(context.Background(), del, ectx)
	require.True(t, result.Success)

	_, err := s.Get(context.Background(), core.CollectionCanvas, "doc-1", "pk-1")
	assert.Error(t, err)
}

func TestActionExecutor_CosmosActionsWithoutStoreFail(t *testing.T) {
	a := newTestActionExecutor(nil, nil)
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), &ActionConfig{Type: ActionCosmosQuery}, ectx)
	assert.False(t, result.Success)
	assert.Equal(t, "STORE_FAILED", result.Error.Code)
}

func TestActionExecutor_StubActionsDispatchSuccessfully(t *testing.T) {
	a := newTestActionExecutor(nil, nil)
	ectx := NewExecutionContext(nil, nil, nil, nil)

	for _, actionType := range []ActionType{ActionSendCommand, ActionSendNotification, ActionCallFunction} {
		result := a.Execute(context.Background(), &ActionConfig{Type: actionType}, ectx)
		require.True(t, result.Success)
		assert.Equal(t, true, result.Output.(map[string]interface{})["dispatched"])
	}
}

func TestActionExecutor_OutputVariableCapturesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":7}`))
	}))
	defer srv.Close()

	a := newTestActionExecutor(nil, nil)
	cfg := &ActionConfig{Type: ActionHTTPRequest, URLTemplate: srv.URL, Method: "GET", OutputVariable: "resp"}
	ectx := NewExecutionContext(nil, nil, nil, nil)

	result := a.Execute(context.Background(), cfg, ectx)
	require.True(t, result.Success)
	captured, ok := result.VariableUpdates["resp"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 7.0, captured["value"])
}
