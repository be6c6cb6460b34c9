package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flowforge/workflows/core"
	"github.com/flowforge/workflows/store"
)

// Orchestrator advances workflow instances through their step graph
// (spec §4.4's executeWorkflow/resumeWorkflow).
type Orchestrator struct {
	definitions *DefinitionRepository
	instances   *InstanceRepository
	approvals   *ApprovalRepository
	dispatcher  *StepDispatcher
	evaluator   *Evaluator
	publisher   store.Publisher
	clock       core.Clock
	logger      core.Logger
	telemetry   core.Telemetry
	maxSteps    int
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithMaxSteps(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.maxSteps = n }
}

func WithTelemetry(t core.Telemetry) OrchestratorOption {
	return func(o *Orchestrator) { o.telemetry = t }
}

func NewOrchestrator(
	definitions *DefinitionRepository,
	instances *InstanceRepository,
	approvals *ApprovalRepository,
	dispatcher *StepDispatcher,
	evaluator *Evaluator,
	publisher store.Publisher,
	clock core.Clock,
	logger core.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	o := &Orchestrator{
		definitions: definitions,
		instances:   instances,
		approvals:   approvals,
		dispatcher:  dispatcher,
		evaluator:   evaluator,
		publisher:   publisher,
		clock:       clock,
		logger:      logger,
		telemetry:   core.NoOpTelemetry{},
		maxSteps:    core.DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ExecuteOptions carries executeWorkflow's optional parameters.
type ExecuteOptions struct {
	MaxExecutionSeconds int64
}

// ExecuteWorkflow implements spec §4.4's executeWorkflow entry point.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, instanceID string, opts ExecuteOptions) (*WorkflowInstance, error) {
	inst, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := o.definitions.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	steps := sortedSteps(def.Steps)

	spanCtx, span := o.telemetry.StartSpan(ctx, "orchestrator.executeWorkflow")
	defer span.End()
	ctx = spanCtx

	now := o.clock.Now()
	if inst.Status == InstancePending {
		inst.Status = InstanceRunning
		inst.StartedAt = &now
	} else {
		inst.Status = InstanceRunning
	}
	if inst.CurrentStepID == "" && len(steps) > 0 {
		inst.CurrentStepID = steps[0].ID
	}
	if err := o.instances.Upsert(ctx, inst); err != nil {
		return nil, err
	}

	maxExecSeconds := opts.MaxExecutionSeconds
	if maxExecSeconds <= 0 {
		maxExecSeconds = def.Settings.MaxExecutionSeconds
	}
	if maxExecSeconds <= 0 {
		maxExecSeconds = int64(core.DefaultMaxExecution.Seconds())
	}

	stepCount := 0
	for inst.CurrentStepID != "" && stepCount < o.maxSteps {
		stepCount++

		fresh, err := o.instances.Get(ctx, instanceID)
		if err == nil && fresh.Status == InstanceCancelled {
			return fresh, nil
		}
		if inst.StartedAt != nil && maxExecSeconds > 0 {
			if o.clock.Now().Sub(*inst.StartedAt) > time.Duration(maxExecSeconds)*time.Second {
				return o.finalizeTimedOut(ctx, inst)
			}
		}

		step := findStep(steps, inst.CurrentStepID)
		if step == nil {
			return o.finalizeFailed(ctx, inst, &ExecutionError{Code: "STEP_NOT_FOUND", Message: fmt.Sprintf("step %q not found", inst.CurrentStepID), StepID: inst.CurrentStepID})
		}

		outcome, err := o.runStepWithRetry(ctx, inst, def, steps, step)
		if err != nil {
			return nil, err
		}
		switch outcome.disposition {
		case dispositionFailed:
			return o.finalizeFailed(ctx, inst, outcome.execErr)
		case dispositionWaiting:
			inst.Status = InstanceWaiting
			inst.CurrentStepID = step.ID
			if err := o.instances.Upsert(ctx, inst); err != nil {
				return nil, err
			}
			return inst, nil
		case dispositionTerminate:
			return o.finalizeCompleted(ctx, inst)
		case dispositionAdvance:
			inst.CurrentStepID = outcome.nextStepID
		}

		if err := o.instances.Upsert(ctx, inst); err != nil {
			return nil, err
		}
	}

	if inst.CurrentStepID == "" {
		return o.finalizeCompleted(ctx, inst)
	}
	return o.finalizeFailed(ctx, inst, &ExecutionError{Code: "MAX_STEPS_EXCEEDED", Message: "maximum step count exceeded"})
}

// ResumeWorkflow implements spec §4.4's resumeWorkflow.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, instanceID string, eventData map[string]interface{}) (*WorkflowInstance, error) {
	inst, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != InstanceWaiting && inst.Status != InstancePaused {
		return nil, core.NewWorkflowError("orchestrator.ResumeWorkflow", "E_INVALID_STATE", core.ErrInvalidState)
	}
	if inst.Variables == nil {
		inst.Variables = map[string]interface{}{}
	}
	if eventData != nil {
		inst.Variables["eventData"] = eventData
	}
	inst.Status = InstanceRunning
	// A suspended wait/human gate has already run: continue with its
	// successor instead of re-entering (and re-suspending on) the gate.
	def, err := o.definitions.Get(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, err
	}
	steps := sortedSteps(def.Steps)
	if gate := findStep(steps, inst.CurrentStepID); gate != nil && (gate.Kind == StepWait || gate.Kind == StepHuman) {
		inst.CurrentStepID = DetermineNextStep(o.evaluator, gate, steps, o.buildExecutionContext(inst, steps), &StepResult{Success: true})
		if inst.CurrentStepID == "" {
			return o.finalizeCompleted(ctx, inst)
		}
	}
	if err := o.instances.Upsert(ctx, inst); err != nil {
		return nil, err
	}
	return o.ExecuteWorkflow(ctx, instanceID, ExecuteOptions{})
}

// DecideApproval records one user's decision on an ApprovalRequest and, if
// that decision finalizes it (quorum of approvals reached, or a rejection),
// resumes the gated instance per spec §4.6 ("the orchestrator is asked to
// resume its instance"). A decision that leaves the approval still pending
// (quorum not yet met) returns the updated approval without resuming anything.
func (o *Orchestrator) DecideApproval(ctx context.Context, approvalID, instanceID, userID, decision, comment string, data map[string]interface{}) (*ApprovalRequest, *WorkflowInstance, error) {
	approval, err := RecordApprovalDecision(ctx, o.approvals, o.clock, approvalID, instanceID, userID, decision, comment, data)
	if err != nil {
		return nil, nil, err
	}
	if approval.Status == ApprovalPending {
		return approval, nil, nil
	}
	inst, err := o.ResumeWorkflow(ctx, instanceID, ApprovalResultEventData(approval))
	if err != nil {
		return approval, nil, err
	}
	return approval, inst, nil
}

// Cancel flips status to cancelled per spec §5's cancellation semantics.
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	inst, err := o.instances.Get(ctx, instanceID)
	if err != nil {
		return err
	}
	switch inst.Status {
	case InstanceCompleted, InstanceFailed, InstanceCancelled, InstanceTimedOut:
		return core.NewWorkflowError("orchestrator.Cancel", "E_INVALID_STATE", core.ErrInvalidState)
	}
	inst.Status = InstanceCancelled
	inst.LastError = &ExecutionError{Code: "CANCELLED", Message: "instance cancelled"}
	now := o.clock.Now()
	inst.CompletedAt = &now
	return o.instances.Upsert(ctx, inst)
}

type disposition int

const (
	dispositionAdvance disposition = iota
	dispositionWaiting
	dispositionFailed
	dispositionTerminate
)

type stepOutcome struct {
	disposition disposition
	nextStepID  string
	execErr     *ExecutionError
}

// runStepWithRetry executes one step, looping in-process through onError:
// retry attempts per spec §4.4.g, persisting one StepExecution per attempt.
func (o *Orchestrator) runStepWithRetry(ctx context.Context, inst *WorkflowInstance, def *WorkflowDefinition, steps []WorkflowStep, step *WorkflowStep) (stepOutcome, error) {
	retryCount := 0
	for {
		execSpanCtx, span := o.telemetry.StartSpan(ctx, "orchestrator.executeStep")
		result := o.executeStepOnce(execSpanCtx, inst, steps, step, retryCount)
		span.End()

		if result.success {
			if len(result.variableUpdates) > 0 {
				mergeVariables(inst, result.variableUpdates)
			}
			if result.shouldTerminate {
				return stepOutcome{disposition: dispositionTerminate}, nil
			}
			if result.requiresOrchestration {
				outcome, err := o.handleOrchestrationRequired(ctx, inst, def, steps, step, result)
				if err != nil {
					return stepOutcome{}, err
				}
				if outcome != nil {
					return *outcome, nil
				}
			}
			ectx := o.buildExecutionContext(inst, steps)
			next := DetermineNextStep(o.evaluator, step, steps, ectx, result.toStepResult())
			return stepOutcome{disposition: dispositionAdvance, nextStepID: next}, nil
		}

		handler := step.OnError
		if handler == nil {
			return stepOutcome{disposition: dispositionFailed, execErr: withStepID(result.execErr, step.ID)}, nil
		}
		switch handler.Action {
		case OnErrorSkip:
			return stepOutcome{disposition: dispositionAdvance, nextStepID: nextByOrder(steps, step)}, nil
		case OnErrorGoto:
			return stepOutcome{disposition: dispositionAdvance, nextStepID: handler.FallbackStepID}, nil
		case OnErrorRetry:
			policy := handler.RetryPolicy
			if policy == nil || !errorIsRetryable(policy, result.execErr) || retryCount+1 >= policy.MaxAttempts {
				return stepOutcome{disposition: dispositionFailed, execErr: withStepID(result.execErr, step.ID)}, nil
			}
			delay := computeBackoffDelay(policy, retryCount)
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return stepOutcome{}, ctx.Err()
				case <-timer.C:
				}
			}
			retryCount++
			continue
		case OnErrorCompensate:
			// reserved; currently equivalent to fail, per spec §4.4.g.
			return stepOutcome{disposition: dispositionFailed, execErr: withStepID(result.execErr, step.ID)}, nil
		default: // OnErrorFail
			return stepOutcome{disposition: dispositionFailed, execErr: withStepID(result.execErr, step.ID)}, nil
		}
	}
}

func withStepID(e *ExecutionError, stepID string) *ExecutionError {
	if e == nil {
		e = &ExecutionError{Code: "STEP_EXECUTION_ERROR"}
	}
	e.StepID = stepID
	return e
}

func errorIsRetryable(policy *RetryPolicy, e *ExecutionError) bool {
	if len(policy.RetryableErrors) == 0 {
		return true
	}
	if e == nil {
		return false
	}
	for _, code := range policy.RetryableErrors {
		if code == e.Code {
			return true
		}
	}
	return false
}

func computeBackoffDelay(policy *RetryPolicy, retryCount int) time.Duration {
	initial := time.Duration(policy.InitialDelaySeconds) * time.Second
	var delay time.Duration
	switch policy.BackoffType {
	case "exponential":
		mult := int64(1)
		for i := 0; i < retryCount; i++ {
			mult *= 2
		}
		delay = initial * time.Duration(mult)
	default: // fixed
		delay = initial
	}
	if policy.MaxDelaySeconds > 0 {
		max := time.Duration(policy.MaxDelaySeconds) * time.Second
		if delay > max {
			delay = max
		}
	}
	return delay
}

type executionOutcome struct {
	success               bool
	variableUpdates       map[string]interface{}
	shouldTerminate       bool
	requiresOrchestration bool
	output                interface{}
	nextStepID            string
	execErr               *ExecutionError
}

func (o executionOutcome) toStepResult() *StepResult {
	return &StepResult{Success: o.success, Output: o.output, NextStepID: o.nextStepID, ShouldTerminate: o.shouldTerminate, VariableUpdates: o.variableUpdates}
}

// executeStepOnce runs the dispatcher once, appends a StepExecution record,
// and recovers panics into STEP_EXECUTION_ERROR per spec §4.4.d.
func (o *Orchestrator) executeStepOnce(ctx context.Context, inst *WorkflowInstance, steps []WorkflowStep, step *WorkflowStep, retryCount int) (out executionOutcome) {
	started := o.clock.Now()
	inputSnapshot := copyMap(inst.Variables)

	exec := StepExecution{
		StepID:     step.ID,
		StepName:   step.Name,
		StepType:   step.Kind,
		Status:     StepExecRunning,
		StartedAt:  started,
		Input:      inputSnapshot,
		RetryCount: retryCount,
	}

	defer func() {
		if r := recover(); r != nil {
			out = executionOutcome{success: false, execErr: &ExecutionError{Code: "STEP_EXECUTION_ERROR", Message: fmt.Sprintf("panic: %v", r)}}
		}
		ended := o.clock.Now()
		exec.EndedAt = &ended
		exec.DurationMs = ended.Sub(started).Milliseconds()
		if out.success {
			exec.Status = StepExecCompleted
			exec.Output = out.output
		} else {
			exec.Status = StepExecFailed
			exec.Error = out.execErr
		}
		inst.StepExecutions = append(inst.StepExecutions, exec)
		if out.success {
			inst.CompletedStepIDs = appendUnique(inst.CompletedStepIDs, step.ID)
		}
	}()

	ectx := o.buildExecutionContext(inst, steps)
	result := o.dispatcher.Execute(ctx, step, ectx)
	if result == nil {
		return executionOutcome{success: false, execErr: &ExecutionError{Code: "STEP_EXECUTION_ERROR", Message: "dispatcher returned nil result"}}
	}
	return executionOutcome{
		success:               result.Success,
		variableUpdates:       result.VariableUpdates,
		shouldTerminate:       result.ShouldTerminate,
		requiresOrchestration: result.RequiresOrchestration,
		output:                result.Output,
		nextStepID:            result.NextStepID,
		execErr:               result.Error,
	}
}

// handleOrchestrationRequired dispatches wait/human/delay/parallel/loop/
// subworkflow per spec §4.4.i. Returns a non-nil *stepOutcome when the loop
// should stop advancing normally (wait/human suspension); nil means "keep
// advancing using the normal nextStepId computation".
func (o *Orchestrator) handleOrchestrationRequired(ctx context.Context, inst *WorkflowInstance, def *WorkflowDefinition, steps []WorkflowStep, step *WorkflowStep, result executionOutcome) (*stepOutcome, error) {
	switch step.Kind {
	case StepWait, StepHuman:
		gatesOnApproval := step.Kind == StepHuman || (step.WaitConfig != nil && step.WaitConfig.WaitType == "approval")
		if gatesOnApproval && o.approvals != nil {
			if err := o.createApprovalForStep(ctx, inst, step); err != nil {
				return nil, err
			}
		}
		return &stepOutcome{disposition: dispositionWaiting}, nil
	case StepDelay:
		delaySeconds, _ := toFloat(result.output.(map[string]interface{})["delaySeconds"])
		if delaySeconds > 0 {
			timer := time.NewTimer(time.Duration(delaySeconds) * time.Second)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		return nil, nil
	case StepParallel:
		return o.executeParallelStep(ctx, inst, steps, step)
	case StepLoop:
		return o.executeLoopStep(ctx, inst, steps, step)
	case StepSubworkflow:
		return o.executeSubworkflowStep(ctx, inst, step)
	default:
		// retry/compensate and anything else not yet given orchestration
		// semantics: documented no-op advance (spec §9).
		return nil, nil
	}
}

// createApprovalForStep builds an ApprovalRequest from whichever of
// HumanConfig (StepHuman) or WaitConfig (StepWait, WaitType == "approval")
// the step carries — both share the same approver/quorum shape.
func (o *Orchestrator) createApprovalForStep(ctx context.Context, inst *WorkflowInstance, step *WorkflowStep) error {
	params := CreateApprovalParams{
		InstanceID:        inst.InstanceID,
		WorkflowID:        inst.WorkflowID,
		StepID:            step.ID,
		RequiredApprovals: 1,
	}
	switch {
	case step.HumanConfig != nil:
		cfg := step.HumanConfig
		params.ApproverRoles = cfg.ApproverRoles
		params.ApproverUsers = cfg.ApproverUsers
		params.RequiredApprovals = cfg.RequiredApprovals
		params.Context = cfg.Context
		params.ExpiresInSeconds = cfg.ExpiresInSeconds
	case step.WaitConfig != nil:
		cfg := step.WaitConfig
		params.ApproverRoles = cfg.ApproverRoles
		params.ApproverUsers = cfg.ApproverUsers
		if cfg.RequiredApprovals > 0 {
			params.RequiredApprovals = cfg.RequiredApprovals
		}
		params.Context = cfg.Context
		params.ExpiresInSeconds = cfg.ExpiresInSeconds
	}
	_, err := CreateApproval(ctx, o.approvals, o.clock, params)
	return err
}

func (o *Orchestrator) buildExecutionContext(inst *WorkflowInstance, steps []WorkflowStep) *ExecutionContext {
	stepOutputs := map[string]interface{}{}
	for _, exec := range inst.StepExecutions {
		if exec.Status == StepExecCompleted {
			stepOutputs[exec.StepID] = exec.Output
		}
	}
	return NewExecutionContext(inst.Variables, stepOutputs, inst.TriggerData, nil)
}

func (o *Orchestrator) finalizeCompleted(ctx context.Context, inst *WorkflowInstance) (*WorkflowInstance, error) {
	now := o.clock.Now()
	inst.Status = InstanceCompleted
	inst.CompletedAt = &now
	inst.CurrentStepID = ""
	if err := o.instances.Upsert(ctx, inst); err != nil {
		return nil, err
	}
	o.publishLifecycleEvent(ctx, "workflow.completed", inst)
	return inst, nil
}

func (o *Orchestrator) finalizeFailed(ctx context.Context, inst *WorkflowInstance, execErr *ExecutionError) (*WorkflowInstance, error) {
	now := o.clock.Now()
	inst.Status = InstanceFailed
	inst.LastError = execErr
	inst.CompletedAt = &now
	if err := o.instances.Upsert(ctx, inst); err != nil {
		return nil, err
	}
	o.publishLifecycleEvent(ctx, "workflow.failed", inst)
	return inst, nil
}

func (o *Orchestrator) finalizeTimedOut(ctx context.Context, inst *WorkflowInstance) (*WorkflowInstance, error) {
	now := o.clock.Now()
	inst.Status = InstanceTimedOut
	inst.LastError = &ExecutionError{Code: "TIMED_OUT", Message: "max execution duration exceeded"}
	inst.CompletedAt = &now
	if err := o.instances.Upsert(ctx, inst); err != nil {
		return nil, err
	}
	o.publishLifecycleEvent(ctx, "workflow.timed_out", inst)
	return inst, nil
}

func (o *Orchestrator) publishLifecycleEvent(ctx context.Context, eventType string, inst *WorkflowInstance) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, eventType, map[string]interface{}{
		"instanceId": inst.InstanceID,
		"workflowId": inst.WorkflowID,
		"status":     string(inst.Status),
	}); err != nil {
		o.logger.Warn("orchestrator: lifecycle event publish failed", map[string]interface{}{"eventType": eventType, "instanceId": inst.InstanceID, "error": err.Error()})
	}
}

func mergeVariables(inst *WorkflowInstance, updates map[string]interface{}) {
	if inst.Variables == nil {
		inst.Variables = map[string]interface{}{}
	}
	for k, v := range updates {
		inst.Variables[k] = v
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func sortedSteps(steps []WorkflowStep) []WorkflowStep {
	out := make([]WorkflowStep, len(steps))
	copy(out, steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func findStep(steps []WorkflowStep, id string) *WorkflowStep {
	for i := range steps {
		if steps[i].ID == id {
			return &steps[i]
		}
	}
	return nil
}

func nextByOrder(steps []WorkflowStep, step *WorkflowStep) string {
	var next *WorkflowStep
	for i := range steps {
		if steps[i].Order <= step.Order {
			continue
		}
		if next == nil || steps[i].Order < next.Order {
			next = &steps[i]
		}
	}
	if next == nil {
		return ""
	}
	return next.ID
}
