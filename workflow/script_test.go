package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpressionScriptRunner_Run_ResolvesExpression(t *testing.T) {
	evaluator := NewEvaluator(nil)
	runner := NewExpressionScriptRunner(evaluator)
	ctx := NewExecutionContext(map[string]interface{}{"amount": 42.0}, nil, nil, nil)

	got, err := runner.Run(context.Background(), "{{ $.amount }}", ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
}

func TestExpressionScriptRunner_Run_UnresolvedExpressionErrors(t *testing.T) {
	evaluator := NewEvaluator(nil)
	runner := NewExpressionScriptRunner(evaluator)
	ctx := NewExecutionContext(nil, nil, nil, nil)

	_, err := runner.Run(context.Background(), "{{ $.missing.deeply.nested }}", ctx, 5)
	assert.Error(t, err)
}

func TestExpressionScriptRunner_Run_RespectsContextCancellation(t *testing.T) {
	evaluator := NewEvaluator(nil)
	runner := NewExpressionScriptRunner(evaluator)
	ctx := NewExecutionContext(nil, nil, nil, nil)

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(cancelCtx, "{{ $.anything }}", ctx, 5)
	assert.Error(t, err)
}

func TestExpressionScriptRunner_Run_DefaultsTimeoutWhenNonPositive(t *testing.T) {
	evaluator := NewEvaluator(nil)
	runner := NewExpressionScriptRunner(evaluator)
	ctx := NewExecutionContext(map[string]interface{}{"x": 1.0}, nil, nil, nil)

	start := time.Now()
	got, err := runner.Run(context.Background(), "{{ $.x }}", ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
	assert.Less(t, time.Since(start), 5*time.Second)
}
