package workflow

import "context"

// executeSubworkflowStep implements the supplemented subworkflow-step
// semantics (SPEC_FULL.md §C): spawns a child WorkflowInstance with
// parentInstanceId set, applying inputMapping to seed its variables, and
// runs the child synchronously. If waitForCompletion and the child ends in
// a terminal status, outputMapping is applied to the parent. If the child
// suspends instead, the parent step is left waiting: nothing here observes
// the child's later completion, and resuming the parent re-runs this step,
// which spawns a new child.
//
// Absent subworkflowConfig, this falls back to the no-op advance spec.md §9
// documents for reserved step kinds.
func (o *Orchestrator) executeSubworkflowStep(ctx context.Context, inst *WorkflowInstance, step *WorkflowStep) (*stepOutcome, error) {
	cfg := step.SubworkflowConfig
	if cfg == nil || o.definitions == nil || o.instances == nil {
		return nil, nil
	}

	version := cfg.Version
	var err error
	if version == 0 {
		def, gerr := o.definitions.GetLatestActive(ctx, cfg.WorkflowID)
		if gerr != nil {
			return &stepOutcome{disposition: dispositionFailed, execErr: &ExecutionError{Code: "SUBWORKFLOW_DEFINITION_NOT_FOUND", Message: gerr.Error(), StepID: step.ID}}, nil
		}
		version = def.Version
	}

	ectx := o.buildExecutionContext(inst, nil)
	childVars := map[string]interface{}{}
	for childKey, path := range cfg.InputMapping {
		childVars[childKey] = o.evaluator.ResolveVariablePath(ectx, path)
	}

	child, err := o.instances.Create(ctx, cfg.WorkflowID, version, "", "subworkflow", map[string]interface{}{"parentInstanceId": inst.InstanceID, "parentStepId": step.ID}, childVars)
	if err != nil {
		return &stepOutcome{disposition: dispositionFailed, execErr: &ExecutionError{Code: "SUBWORKFLOW_CREATE_FAILED", Message: err.Error(), StepID: step.ID}}, nil
	}
	child.ParentInstanceID = inst.InstanceID
	if err := o.instances.Upsert(ctx, child); err != nil {
		return &stepOutcome{disposition: dispositionFailed, execErr: &ExecutionError{Code: "SUBWORKFLOW_CREATE_FAILED", Message: err.Error(), StepID: step.ID}}, nil
	}

	if _, err := o.ExecuteWorkflow(ctx, child.InstanceID, ExecuteOptions{}); err != nil {
		return &stepOutcome{disposition: dispositionFailed, execErr: &ExecutionError{Code: "SUBWORKFLOW_EXECUTION_ERROR", Message: err.Error(), StepID: step.ID}}, nil
	}

	if !cfg.WaitForCompletion {
		return nil, nil
	}

	refreshed, err := o.instances.Get(ctx, child.InstanceID)
	if err != nil {
		return &stepOutcome{disposition: dispositionFailed, execErr: &ExecutionError{Code: "SUBWORKFLOW_EXECUTION_ERROR", Message: err.Error(), StepID: step.ID}}, nil
	}
	if !isTerminal(refreshed.Status) {
		// child suspended (wait/human/nested subworkflow); parent waits too,
		// and no listener for the child's completion resumes it.
		return &stepOutcome{disposition: dispositionWaiting}, nil
	}

	if len(cfg.OutputMapping) > 0 {
		updates := map[string]interface{}{}
		for parentKey, path := range cfg.OutputMapping {
			ectxChild := NewExecutionContext(refreshed.Variables, nil, nil, nil)
			updates[parentKey] = o.evaluator.ResolveVariablePath(ectxChild, path)
		}
		mergeVariables(inst, updates)
	}
	return nil, nil
}

func isTerminal(status InstanceStatus) bool {
	switch status {
	case InstanceCompleted, InstanceFailed, InstanceCancelled, InstanceTimedOut:
		return true
	default:
		return false
	}
}
