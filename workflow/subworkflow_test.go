package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForCompletion:false spawns the child and lets the parent continue
// immediately without waiting for the child to reach a terminal status.
func TestExecuteWorkflow_SubworkflowStep_FireAndForgetContinuesImmediately(t *testing.T) {
	h := newTestHarness(t)

	child := &WorkflowDefinition{
		WorkflowID: "child-flow", Version: 1,
		Steps: []WorkflowStep{
			{ID: "c1", Kind: StepSetVariable, Order: 1, IsEnabled: true, SetVariables: map[string]interface{}{"childRan": true}},
		},
	}
	h.createDefinition(t, child)

	parent := &WorkflowDefinition{
		WorkflowID: "parent-flow", Version: 1,
		Steps: []WorkflowStep{
			{ID: "spawn", Kind: StepSubworkflow, Order: 1, IsEnabled: true, SubworkflowConfig: &SubworkflowConfig{
				WorkflowID:        "child-flow",
				WaitForCompletion: false,
			}},
			{ID: "after", Kind: StepSetVariable, Order: 2, IsEnabled: true, SetVariables: map[string]interface{}{"parentDone": true}},
		},
	}
	h.createDefinition(t, parent)
	inst := h.newInstance(t, parent.WorkflowID, parent.Version, nil)

	result, err := h.orchestrator.ExecuteWorkflow(context.Background(), inst.InstanceID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, result.Status)
	assert.Equal(t, true, result.Variables["parentDone"])
}

// waitForCompletion:true suspends the parent until the child reaches a
// terminal status, then applies outputMapping into the parent's variables.
func TestExecuteWorkflow_SubworkflowStep_WaitsAndAppliesOutputMapping(t *testing.T) {
	h := newTestHarness(t)

	child := &WorkflowDefinition{
		WorkflowID: "child-flow-2", Version: 1,
		Steps: []WorkflowStep{
			{ID: "c1", Kind: StepSetVariable, Order: 1, IsEnabled: true, SetVariables: map[string]interface{}{"result": 99.0}},
		},
	}
	h.createDefinition(t, child)

	parent := &WorkflowDefinition{
		WorkflowID: "parent-flow-2", Version: 1,
		Steps: []WorkflowStep{
			{ID: "spawn", Kind: StepSubworkflow, Order: 1, IsEnabled: true, SubworkflowConfig: &SubworkflowConfig{
				WorkflowID:        "child-flow-2",
				WaitForCompletion: true,
				OutputMapping:     map[string]string{"childResult": "$.result"},
			}},
		},
	}
	h.createDefinition(t, parent)
	inst := h.newInstance(t, parent.WorkflowID, parent.Version, nil)

	result, err := h.orchestrator.ExecuteWorkflow(context.Background(), inst.InstanceID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, result.Status)
	assert.Equal(t, 99.0, result.Variables["childResult"])
}

// inputMapping seeds the child's variables from the parent's execution
// context at spawn time.
func TestExecuteWorkflow_SubworkflowStep_AppliesInputMapping(t *testing.T) {
	h := newTestHarness(t)

	child := &WorkflowDefinition{
		WorkflowID: "child-flow-3", Version: 1,
		Steps: []WorkflowStep{
			{ID: "c1", Kind: StepTransform, Order: 1, IsEnabled: true, TransformConfig: &TransformConfig{
				Expression:     "{{ $.seed }}",
				OutputVariable: "echoed",
			}},
		},
	}
	h.createDefinition(t, child)

	parent := &WorkflowDefinition{
		WorkflowID: "parent-flow-3", Version: 1,
		Steps: []WorkflowStep{
			{ID: "spawn", Kind: StepSubworkflow, Order: 1, IsEnabled: true, SubworkflowConfig: &SubworkflowConfig{
				WorkflowID:        "child-flow-3",
				WaitForCompletion: true,
				InputMapping:      map[string]string{"seed": "$.parentValue"},
				OutputMapping:     map[string]string{"echoedBack": "$.echoed"},
			}},
		},
	}
	h.createDefinition(t, parent)
	inst := h.newInstance(t, parent.WorkflowID, parent.Version, map[string]interface{}{"parentValue": "hello"})

	result, err := h.orchestrator.ExecuteWorkflow(context.Background(), inst.InstanceID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, result.Status)
	assert.Equal(t, "hello", result.Variables["echoedBack"])
}
