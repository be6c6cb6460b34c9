package workflow

import (
	"context"
	"fmt"

	"github.com/flowforge/workflows/core"
)

// ScriptRunner executes a script step's source under a controlled symbol
// set with a wall-clock timeout (spec §4.3). Script evaluation is not
// embedded in this package directly; see NewExpressionScriptRunner for the
// Expression-Evaluator-backed implementation this engine ships.
type ScriptRunner interface {
	Run(ctx context.Context, source string, ectx *ExecutionContext, timeout int64) (interface{}, error)
}

// StepDispatcher executes one WorkflowStep and returns its StepResult,
// dispatching by Kind per spec §4.3.
type StepDispatcher struct {
	evaluator *Evaluator
	actions   *ActionExecutor
	script    ScriptRunner
	logger    core.Logger
}

func NewStepDispatcher(evaluator *Evaluator, actions *ActionExecutor, script ScriptRunner, logger core.Logger) *StepDispatcher {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &StepDispatcher{evaluator: evaluator, actions: actions, script: script, logger: logger}
}

// Execute runs step against ectx. It never panics outward: any internal
// panic is recovered by the caller (orchestrator) per spec §4.4.d's
// "On thrown exception, synthesize STEP_EXECUTION_ERROR" contract.
func (d *StepDispatcher) Execute(ctx context.Context, step *WorkflowStep, ectx *ExecutionContext) *StepResult {
	switch step.Kind {
	case StepAction:
		if step.Action == nil {
			return failResult("STEP_EXECUTION_ERROR", "action step missing action config")
		}
		return d.actions.Execute(ctx, step.Action, ectx)

	case StepDecision:
		target, matched := d.evaluator.FindMatchingTransition(ectx, step.Conditions)
		if !matched {
			return &StepResult{Success: true, Output: map[string]interface{}{"matchedTransition": nil}}
		}
		return &StepResult{Success: true, NextStepID: target, Output: map[string]interface{}{"matchedTransition": target}}

	case StepWait:
		waitType := "event"
		if step.WaitConfig != nil {
			waitType = step.WaitConfig.WaitType
		}
		return &StepResult{Success: true, RequiresOrchestration: true, Output: map[string]interface{}{"waitType": waitType, "requiresOrchestration": true}}

	case StepTransform:
		return d.executeTransform(step, ectx)

	case StepScript:
		return d.executeScript(ctx, step, ectx)

	case StepSetVariable:
		resolved, _ := d.evaluator.ResolveValue(ectx, interfaceMap(step.SetVariables)).(map[string]interface{})
		return &StepResult{Success: true, Output: resolved, VariableUpdates: resolved}

	case StepDelay:
		return &StepResult{Success: true, RequiresOrchestration: true, Output: map[string]interface{}{"delaySeconds": step.DelaySeconds, "requiresOrchestration": true}}

	case StepTerminate:
		return &StepResult{Success: true, ShouldTerminate: true}

	case StepParallel, StepLoop, StepSubworkflow, StepHuman, StepRetry, StepCompensate:
		return &StepResult{Success: true, RequiresOrchestration: true, Output: map[string]interface{}{"requiresOrchestration": true, "stepType": string(step.Kind)}}

	default:
		return failResult("STEP_EXECUTION_ERROR", fmt.Sprintf("unknown step kind %q", step.Kind))
	}
}

func interfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func (d *StepDispatcher) executeTransform(step *WorkflowStep, ectx *ExecutionContext) *StepResult {
	if step.TransformConfig == nil {
		return failResult("STEP_EXECUTION_ERROR", "transform step missing config")
	}
	value, err := EvaluateTransform(step.TransformConfig.Expression, ectx)
	if err != nil {
		return failResult("TRANSFORM_ERROR", err.Error())
	}
	updates := map[string]interface{}{}
	if step.TransformConfig.OutputVariable != "" {
		updates[step.TransformConfig.OutputVariable] = value
	}
	return &StepResult{Success: true, Output: value, VariableUpdates: updates}
}

func (d *StepDispatcher) executeScript(ctx context.Context, step *WorkflowStep, ectx *ExecutionContext) *StepResult {
	if step.ScriptConfig == nil {
		return failResult("SCRIPT_ERROR", "script step missing config")
	}
	timeout := step.ScriptConfig.TimeoutSeconds
	if timeout <= 0 {
		timeout = int64(core.DefaultScriptTimeout.Seconds())
	}
	if d.script == nil {
		return failResult("SCRIPT_ERROR", "no script runner configured")
	}
	out, err := d.script.Run(ctx, step.ScriptConfig.Source, ectx, timeout)
	if err != nil {
		return failResult("SCRIPT_ERROR", err.Error())
	}
	return &StepResult{Success: true, Output: out}
}

func failResult(code, message string) *StepResult {
	return &StepResult{Success: false, Error: &ExecutionError{Code: code, Message: message}}
}

// DetermineNextStep implements spec §4.3's determineNextStep: explicit
// nextStepId wins, then the step's transitions via the condition evaluator,
// then the next step by ascending order, else terminal.
func DetermineNextStep(evaluator *Evaluator, step *WorkflowStep, steps []WorkflowStep, ectx *ExecutionContext, result *StepResult) string {
	if result.NextStepID != "" {
		return result.NextStepID
	}
	if len(step.Transitions) > 0 {
		target, matched := evaluator.FindMatchingTransition(ectx, step.Transitions)
		if matched {
			return target
		}
		return ""
	}
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
