package workflow

import (
	"context"
	"fmt"
	"time"
)

// ExpressionScriptRunner backs the script step on top of the Expression
// Evaluator rather than an embedded scripting VM (spec §9 "script
// privilege" explicitly only requires the call to return
// {success, data|error} within a timeout; it does not mandate a specific
// language). source is evaluated as a single expression/template against
// the execution context, under the same controlled symbol set (fn.*
// builtins, $.variables, steps.*, input.*, env.*) the rest of the engine
// exposes — nothing beyond that surface is reachable from a script.
type ExpressionScriptRunner struct {
	evaluator *Evaluator
}

func NewExpressionScriptRunner(evaluator *Evaluator) *ExpressionScriptRunner {
	return &ExpressionScriptRunner{evaluator: evaluator}
}

func (r *ExpressionScriptRunner) Run(ctx context.Context, source string, ectx *ExecutionContext, timeoutSeconds int64) (interface{}, error) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("script panic: %v", rec)}
			}
		}()
		v := r.evaluator.ResolveValue(ectx, source)
		if isUnresolved(v) {
			done <- outcome{err: fmt.Errorf("script: expression did not resolve")}
			return
		}
		done <- outcome{value: v}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-time.After(time.Duration(timeoutSeconds) * time.Second):
		return nil, fmt.Errorf("script: timed out after %ds", timeoutSeconds)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
