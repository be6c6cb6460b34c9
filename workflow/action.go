package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/workflows/core"
	"github.com/flowforge/workflows/resilience"
	"github.com/flowforge/workflows/store"
	"github.com/google/uuid"
)

// ActionExecutor dispatches action steps to their action.type sub-executor
// (spec §4.3's "per-action semantics" table).
type ActionExecutor struct {
	httpClient *http.Client
	publisher  store.Publisher
	store      store.Store
	evaluator  *Evaluator
	clock      core.Clock
	logger     core.Logger

	httpRetry   *resilience.RetryConfig
	httpBreaker *resilience.CircuitBreaker
}

func NewActionExecutor(httpClient *http.Client, publisher store.Publisher, st store.Store, evaluator *Evaluator, clock core.Clock, logger core.Logger) *ActionExecutor {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: core.DefaultHTTPTimeout}
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	breaker.SetLogger(logger)
	return &ActionExecutor{
		httpClient: httpClient, publisher: publisher, store: st, evaluator: evaluator, clock: clock, logger: logger,
		httpRetry: &resilience.RetryConfig{
			MaxAttempts:   2,
			InitialDelay:  20 * time.Millisecond,
			MaxDelay:      200 * time.Millisecond,
			Backoff:       resilience.BackoffFixed,
			JitterEnabled: false,
		},
		httpBreaker: breaker,
	}
}

// SetHTTPRetryPolicy overrides the transport-level retry policy guarding the
// http_request executor's outbound call. This is distinct from the
// orchestrator's own onError:retry step policy, which retries the whole
// step (and persists one StepExecution per attempt); this one only retries
// a dial/timeout failure that never reached the downstream at all.
func (a *ActionExecutor) SetHTTPRetryPolicy(cfg *resilience.RetryConfig) {
	a.httpRetry = cfg
}

func (a *ActionExecutor) Execute(ctx context.Context, cfg *ActionConfig, ectx *ExecutionContext) *StepResult {
	var result *StepResult
	switch cfg.Type {
	case ActionHTTPRequest:
		result = a.executeHTTP(ctx, cfg, ectx)
	case ActionPublishEvent:
		result = a.executePublish(ctx, cfg, ectx)
	case ActionCosmosQuery:
		result = a.executeCosmosQuery(ctx, cfg, ectx)
	case ActionCosmosUpsert:
		result = a.executeCosmosUpsert(ctx, cfg, ectx)
	case ActionCosmosDelete:
		result = a.executeCosmosDelete(ctx, cfg, ectx)
	case ActionSendCommand, ActionSendNotification, ActionCallFunction:
		result = a.executeStub(cfg)
	default:
		return &StepResult{Success: false, Error: &ExecutionError{Code: "UNKNOWN_ACTION_TYPE", Message: string(cfg.Type)}}
	}

	if result.Success && cfg.OutputVariable != "" {
		if result.VariableUpdates == nil {
			result.VariableUpdates = map[string]interface{}{}
		}
		result.VariableUpdates[cfg.OutputVariable] = result.Output
	}
	return result
}

var defaultValidateStatus = []int{200, 201, 202, 204}

func (a *ActionExecutor) executeHTTP(ctx context.Context, cfg *ActionConfig, ectx *ExecutionContext) *StepResult {
	url := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.URLTemplate))
	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		resolvedBody := a.evaluator.ResolveValue(ectx, cfg.Body)
		b, err := json.Marshal(resolvedBody)
		if err != nil {
			return &StepResult{Success: false, Error: &ExecutionError{Code: "HTTP_REQUEST_ENCODE_ERROR", Message: err.Error()}}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "HTTP_REQUEST_BUILD_ERROR", Message: err.Error()}}
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, stringifyForSplice(a.evaluator.ResolveValue(ectx, v)))
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.Auth != nil {
		applyAuth(req, cfg.Auth, a.evaluator, ectx)
	}

	timeout := core.DefaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req = req.WithContext(callCtx)

	// Transport-level retry: a dial/timeout failure that never reached the
	// downstream gets a couple of quick retries behind a circuit breaker,
	// same as the teacher's task dispatch path. This is independent of the
	// orchestrator's onError:retry step policy below, which retries the
	// whole step (including a bad status code) and persists one
	// StepExecution per attempt.
	var resp *http.Response
	err = resilience.RetryWithCircuitBreaker(callCtx, a.httpRetry, a.httpBreaker, func() error {
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return bodyErr
			}
			req.Body = body
		}
		var doErr error
		resp, doErr = a.httpClient.Do(req)
		return doErr
	})
	if err != nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "HTTP_REQUEST_ERROR", Message: err.Error()}}
	}
	defer resp.Body.Close()

	validStatuses := cfg.ValidateStatus
	if len(validStatuses) == 0 {
		validStatuses = defaultValidateStatus
	}
	bodyBytes, _ := io.ReadAll(resp.Body)

	output := parseHTTPBody(resp.Header.Get("Content-Type"), bodyBytes)
	if !containsInt(validStatuses, resp.StatusCode) {
		return &StepResult{
			Success: false,
			Output:  output,
			Error: &ExecutionError{
				Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
				Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
				Details: map[string]interface{}{"status": resp.StatusCode, "body": output},
			},
		}
	}
	return &StepResult{Success: true, Output: output}
}

func applyAuth(req *http.Request, auth *AuthConfig, ev *Evaluator, ectx *ExecutionContext) {
	switch auth.Kind {
	case "bearer":
		token := stringifyForSplice(ev.ResolveValue(ectx, auth.Token))
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		user := stringifyForSplice(ev.ResolveValue(ectx, auth.Username))
		pass := stringifyForSplice(ev.ResolveValue(ectx, auth.Password))
		req.SetBasicAuth(user, pass)
	case "api-key":
		name := auth.HeaderName
		if name == "" {
			name = "X-Api-Key"
		}
		req.Header.Set(name, stringifyForSplice(ev.ResolveValue(ectx, auth.APIKey)))
	}
}

func parseHTTPBody(contentType string, body []byte) interface{} {
	if strings.Contains(contentType, "application/json") {
		var v interface{}
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (a *ActionExecutor) executePublish(ctx context.Context, cfg *ActionConfig, ectx *ExecutionContext) *StepResult {
	if a.publisher == nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "EVENT_PUBLISH_ERROR", Message: "no publisher configured"}}
	}
	eventType := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.EventType))
	envelope := map[string]interface{}{
		"id":          uuid.NewString(),
		"eventType":   eventType,
		"subject":     stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.Subject)),
		"eventTime":   a.clock.Now().UTC().Format(time.RFC3339),
		"data":        a.evaluator.ResolveValue(ectx, cfg.Data),
		"dataVersion": "1.0",
	}
	if err := a.publisher.Publish(ctx, eventType, envelope); err != nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "EVENT_PUBLISH_ERROR", Message: err.Error()}}
	}
	return &StepResult{Success: true, Output: envelope}
}

func (a *ActionExecutor) executeCosmosQuery(ctx context.Context, cfg *ActionConfig, ectx *ExecutionContext) *StepResult {
	if a.store == nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "STORE_FAILED", Message: "no store configured"}}
	}
	query := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.Query))
	params, _ := a.evaluator.ResolveValue(ectx, cfg.Params).(map[string]interface{})
	collection := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.PartitionKey))
	if collection == "" {
		collection = core.CollectionCanvas
	}
	rows, err := a.store.Query(ctx, collection, query, params)
	if err != nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "STORE_FAILED", Message: err.Error()}}
	}
	resources := make([]interface{}, len(rows))
	for i, r := range rows {
		resources[i] = r.Data
	}
	return &StepResult{Success: true, Output: map[string]interface{}{"resources": resources}}
}

func (a *ActionExecutor) executeCosmosUpsert(ctx context.Context, cfg *ActionConfig, ectx *ExecutionContext) *StepResult {
	if a.store == nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "STORE_FAILED", Message: "no store configured"}}
	}
	doc := a.evaluator.ResolveValue(ectx, cfg.Document)
	data, ok := doc.(map[string]interface{})
	if !ok {
		data = map[string]interface{}{}
	}
	id := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.DocumentID))
	pk := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.PartitionKey))
	d := &store.Document{ID: id, Collection: core.CollectionCanvas, PartitionKey: pk, Data: data}
	if err := a.store.Upsert(ctx, d); err != nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "STORE_FAILED", Message: err.Error()}}
	}
	return &StepResult{Success: true, Output: map[string]interface{}{"resource": d.Data}}
}

func (a *ActionExecutor) executeCosmosDelete(ctx context.Context, cfg *ActionConfig, ectx *ExecutionContext) *StepResult {
	if a.store == nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "STORE_FAILED", Message: "no store configured"}}
	}
	id := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.DocumentID))
	pk := stringifyForSplice(a.evaluator.ResolveValue(ectx, cfg.PartitionKey))
	if err := a.store.Delete(ctx, core.CollectionCanvas, id, pk); err != nil {
		return &StepResult{Success: false, Error: &ExecutionError{Code: "STORE_FAILED", Message: err.Error()}}
	}
	return &StepResult{Success: true, Output: map[string]interface{}{"deleted": true}}
}

// executeStub backs send_command/send_notification/call_function: spec
// §4.3 treats these as outbound side-effects whose actual delivery lives in
// external collaborators the core does not model.
func (a *ActionExecutor) executeStub(cfg *ActionConfig) *StepResult {
	return &StepResult{Success: true, Output: map[string]interface{}{"type": string(cfg.Type), "dispatched": true}}
}
