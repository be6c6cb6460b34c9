package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// executeLoopStep implements the supplemented loop-step semantics
// (SPEC_FULL.md §C): resolves collection via the Expression Evaluator,
// runs body once per item with bounded concurrency, and stops early when
// breakCondition matches. Items run in maxConcurrency-sized batches so an
// early-exit decision is made between batches rather than mid-flight,
// keeping the break check meaningful despite concurrent execution.
//
// Absent loopConfig, this falls back to the no-op advance spec.md §9
// documents for reserved step kinds.
func (o *Orchestrator) executeLoopStep(ctx context.Context, inst *WorkflowInstance, steps []WorkflowStep, step *WorkflowStep) (*stepOutcome, error) {
	cfg := step.LoopConfig
	if cfg == nil {
		return nil, nil
	}

	ectx := o.buildExecutionContext(inst, steps)
	collection := o.evaluator.ResolveVariablePath(ectx, cfg.Collection)
	items, ok := collection.([]interface{})
	if !ok {
		return nil, nil
	}

	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	baseVars := copyMap(inst.Variables)
	stoppedEarly := false

	for batchStart := 0; batchStart < len(items) && !stoppedEarly; batchStart += concurrency {
		batchEnd := batchStart + concurrency
		if batchEnd > len(items) {
			batchEnd = len(items)
		}

		g, gctx := errgroup.WithContext(ctx)
		batchResults := make([]branchOutcome, batchEnd-batchStart)
		for offset := batchStart; offset < batchEnd; offset++ {
			offset := offset
			g.Go(func() error {
				iterVars := copyMap(baseVars)
				iterVars[cfg.ItemVariable] = items[offset]
				if cfg.IndexVariable != "" {
					iterVars[cfg.IndexVariable] = int64(offset)
				}
				batchResults[offset-batchStart] = o.runBranch(gctx, inst, steps, cfg.Body, iterVars)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range batchResults {
			inst.StepExecutions = append(inst.StepExecutions, res.execs...)
			if res.err != nil {
				o.logger.Warn("orchestrator: loop iteration failed", map[string]interface{}{"instanceId": inst.InstanceID, "stepId": step.ID, "error": res.err.Message})
				continue
			}
			for k, v := range res.variables {
				baseVars[k] = v
			}
		}

		if cfg.BreakCondition != nil {
			breakCtx := NewExecutionContext(baseVars, ectx.StepOutputs, ectx.Input, ectx.Env)
			if o.evaluator.Evaluate(breakCtx, cfg.BreakCondition) {
				stoppedEarly = true
			}
		}
	}

	mergeVariables(inst, baseVars)
	return nil, nil
}
