package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A loop step iterates its body once per item in the resolved collection,
// recording one StepExecution per body run.
func TestExecuteWorkflow_LoopStep_IteratesEveryItem(t *testing.T) {
	h := newTestHarness(t)
	def := &WorkflowDefinition{
		WorkflowID: "loop-basic", Version: 1,
		// Execution starts at the lowest Order, so "track" runs once in the
		// main sequence (item unset) before "loop"; "loop" then records its
		// own execution plus one per item, and has no successor.
		Steps: []WorkflowStep{
			{ID: "loop", Kind: StepLoop, Order: 2, IsEnabled: true, LoopConfig: &LoopConfig{
				Collection:   "$.items",
				ItemVariable: "item",
				Body:         []string{"track"},
			}},
			{ID: "track", Kind: StepTransform, Order: 1, IsEnabled: true, TransformConfig: &TransformConfig{
				Expression:     "{{ $.item }}",
				OutputVariable: "lastSeen",
			}},
		},
	}
	h.createDefinition(t, def)
	inst := h.newInstance(t, def.WorkflowID, def.Version, map[string]interface{}{
		"items": []interface{}{"a", "b", "c"},
	})

	result, err := h.orchestrator.ExecuteWorkflow(context.Background(), inst.InstanceID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, result.Status)
	assert.Len(t, result.StepExecutions, 5, "track once in the main sequence, the loop step itself, then one body run per item")
}

// A breakCondition that never matches leaves the loop running its body for
// every item, so the last item's value is the one left in the variables.
func TestExecuteWorkflow_LoopStep_UnmetBreakConditionRunsEveryItem(t *testing.T) {
	h := newTestHarness(t)
	def := &WorkflowDefinition{
		WorkflowID: "loop-break", Version: 1,
		// Execution starts at the lowest Order, so "mark" runs once in the
		// main sequence (item unset) before "loop"; the loop's iterations
		// then overwrite "marked", and "loop" has no successor.
		Steps: []WorkflowStep{
			{ID: "loop", Kind: StepLoop, Order: 2, IsEnabled: true, LoopConfig: &LoopConfig{
				Collection:     "$.items",
				ItemVariable:   "item",
				Body:           []string{"mark"},
				MaxConcurrency: 1,
				BreakCondition: simpleCond("$.stop", OpEq, true),
			}},
			{ID: "mark", Kind: StepTransform, Order: 1, IsEnabled: true, TransformConfig: &TransformConfig{
				Expression:     "{{ $.item }}",
				OutputVariable: "marked",
			}},
		},
	}
	h.createDefinition(t, def)
	inst := h.newInstance(t, def.WorkflowID, def.Version, map[string]interface{}{
		"items": []interface{}{1.0, 2.0, 3.0, 4.0},
	})

	result, err := h.orchestrator.ExecuteWorkflow(context.Background(), inst.InstanceID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, result.Status)
	assert.Equal(t, 4.0, result.Variables["marked"], "stop was never set so the break condition never fires, every item runs")
}

// Absent loopConfig, a loop-kind step is a documented no-op advance.
func TestExecuteWorkflow_LoopStep_NoConfigIsNoOpAdvance(t *testing.T) {
	h := newTestHarness(t)
	def := &WorkflowDefinition{
		WorkflowID: "loop-noop", Version: 1,
		Steps: []WorkflowStep{
			{ID: "loop", Kind: StepLoop, Order: 1, IsEnabled: true},
			{ID: "after", Kind: StepSetVariable, Order: 2, IsEnabled: true, SetVariables: map[string]interface{}{"done": true}},
		},
	}
	h.createDefinition(t, def)
	inst := h.newInstance(t, def.WorkflowID, def.Version, nil)

	result, err := h.orchestrator.ExecuteWorkflow(context.Background(), inst.InstanceID, ExecuteOptions{})
	require.NoError(t, err)
	assert.Equal(t, InstanceCompleted, result.Status)
	assert.Equal(t, true, result.Variables["done"])
}
