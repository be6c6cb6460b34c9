package workflow

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// branchOutcome is one parallel branch's result: the accumulated variable
// updates produced along its step sequence (for merge into the parent
// instance) and the StepExecution records it produced.
type branchOutcome struct {
	variables map[string]interface{}
	execs     []StepExecution
	err       *ExecutionError
}

// executeParallelStep implements the supplemented parallel-step semantics
// (SPEC_FULL.md §C): each branch is a sub-sequence of existing step IDs run
// via a nested sequential pass sharing a read snapshot of variables;
// branch-local variable updates merge into the parent only after the
// branch completes, last-write-wins ordered by branch index.
//
// Absent parallelConfig, this falls back to the no-op advance spec.md §9
// documents for reserved step kinds.
func (o *Orchestrator) executeParallelStep(ctx context.Context, inst *WorkflowInstance, steps []WorkflowStep, step *WorkflowStep) (*stepOutcome, error) {
	cfg := step.ParallelConfig
	if cfg == nil || len(cfg.Branches) == 0 {
		return nil, nil
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.BranchTimeoutSeconds > 0 {
		var tcancel context.CancelFunc
		branchCtx, tcancel = context.WithTimeout(branchCtx, time.Duration(cfg.BranchTimeoutSeconds)*time.Second)
		defer tcancel()
	}

	baseVars := copyMap(inst.Variables)
	results := make([]branchOutcome, len(cfg.Branches))
	done := make(chan int, len(cfg.Branches))

	g, gctx := errgroup.WithContext(branchCtx)
	for i, branch := range cfg.Branches {
		i, branch := i, branch
		g.Go(func() error {
			results[i] = o.runBranch(gctx, inst, steps, branch, baseVars)
			done <- i
			return nil
		})
	}

	joinPolicy := cfg.JoinPolicy
	if joinPolicy == "" {
		joinPolicy = "all"
	}
	required := len(cfg.Branches)
	if joinPolicy == "n-of-m" && cfg.N > 0 && cfg.N < required {
		required = cfg.N
	}

	// doneIdx collects only the indices confirmed complete via the done
	// channel; results for any other index must never be read here, since
	// a cancelled-but-still-running branch goroutine may still be writing
	// it (see "any"/"n-of-m" early exit below).
	doneIdx := make([]int, 0, required)
	for len(doneIdx) < required {
		idx := <-done
		doneIdx = append(doneIdx, idx)
		if joinPolicy == "any" && results[idx].err == nil {
			break
		}
	}
	cancel() // safe to cancel stragglers once the join policy is satisfied; "all" has none left running

	var firstErr *ExecutionError
	for _, idx := range doneIdx {
		if results[idx].err != nil && firstErr == nil {
			firstErr = results[idx].err
		}
	}
	if joinPolicy == "all" && firstErr != nil {
		for _, idx := range doneIdx {
			inst.StepExecutions = append(inst.StepExecutions, results[idx].execs...)
		}
		return &stepOutcome{disposition: dispositionFailed, execErr: withStepID(firstErr, step.ID)}, nil
	}

	for _, idx := range doneIdx {
		inst.StepExecutions = append(inst.StepExecutions, results[idx].execs...)
		if results[idx].err != nil {
			o.logger.Warn("orchestrator: parallel branch failed", map[string]interface{}{"instanceId": inst.InstanceID, "stepId": step.ID, "branch": idx, "error": results[idx].err.Message})
			continue
		}
		mergeVariables(inst, results[idx].variables)
	}
	return nil, nil
}

// runBranch executes branchStepIDs sequentially against the step
// dispatcher, starting from a private copy of baseVars. Step outputs from
// already-completed parent steps remain visible. Branch steps cannot
// themselves suspend: a wait/human/parallel/loop/subworkflow step inside a
// branch is recorded as completed without any of its orchestration.
func (o *Orchestrator) runBranch(ctx context.Context, inst *WorkflowInstance, steps []WorkflowStep, branchStepIDs []string, baseVars map[string]interface{}) branchOutcome {
	localVars := copyMap(baseVars)
	updates := map[string]interface{}{}
	stepOutputs := map[string]interface{}{}
	for _, exec := range inst.StepExecutions {
		if exec.Status == StepExecCompleted {
			stepOutputs[exec.StepID] = exec.Output
		}
	}

	var execs []StepExecution
	for _, stepID := range branchStepIDs {
		select {
		case <-ctx.Done():
			return branchOutcome{variables: updates, execs: execs, err: &ExecutionError{Code: "BRANCH_CANCELLED", Message: ctx.Err().Error(), StepID: stepID}}
		default:
		}

		step := findStep(steps, stepID)
		if step == nil {
			return branchOutcome{variables: updates, execs: execs, err: &ExecutionError{Code: "STEP_NOT_FOUND", Message: "branch step not found", StepID: stepID}}
		}

		started := o.clock.Now()
		ectx := NewExecutionContext(localVars, stepOutputs, inst.TriggerData, nil)
		result := o.dispatcher.Execute(ctx, step, ectx)
		ended := o.clock.Now()

		exec := StepExecution{StepID: step.ID, StepName: step.Name, StepType: step.Kind, StartedAt: started, EndedAt: &ended, DurationMs: ended.Sub(started).Milliseconds()}
		if result == nil || !result.Success {
			exec.Status = StepExecFailed
			errOut := &ExecutionError{Code: "STEP_EXECUTION_ERROR", StepID: stepID}
			if result != nil && result.Error != nil {
				errOut = result.Error
				errOut.StepID = stepID
			}
			exec.Error = errOut
			execs = append(execs, exec)
			return branchOutcome{variables: updates, execs: execs, err: errOut}
		}

		exec.Status = StepExecCompleted
		exec.Output = result.Output
		execs = append(execs, exec)
		stepOutputs[step.ID] = result.Output
		for k, v := range result.VariableUpdates {
			localVars[k] = v
			updates[k] = v
		}
	}
	return branchOutcome{variables: updates, execs: execs}
}
