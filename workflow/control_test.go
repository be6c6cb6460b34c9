package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefinition_RejectsDuplicateStepIDs(t *testing.T) {
	def := &WorkflowDefinition{
		WorkflowID: "w1",
		Steps: []WorkflowStep{
			{ID: "s1", Kind: StepTerminate, Order: 1},
			{ID: "s1", Kind: StepTerminate, Order: 2},
		},
	}
	err := ValidateDefinition(def)
	assert.Error(t, err)
}

func TestValidateDefinition_RejectsUnknownTransitionTarget(t *testing.T) {
	def := &WorkflowDefinition{
		WorkflowID: "w1",
		Steps: []WorkflowStep{
			{ID: "s1", Kind: StepTerminate, Order: 1, Transitions: []TransitionRule{{TargetStepID: "ghost"}}},
		},
	}
	err := ValidateDefinition(def)
	assert.Error(t, err)
}

func TestValidateDefinition_AllowsCyclicGoto(t *testing.T) {
	def := &WorkflowDefinition{
		WorkflowID: "w1",
		Steps: []WorkflowStep{
			{ID: "s1", Kind: StepTerminate, Order: 1, Transitions: []TransitionRule{{TargetStepID: "s1", IsDefault: true}}},
		},
	}
	assert.NoError(t, ValidateDefinition(def), "a loop-via-transition is legitimate and must not be rejected")
}

func TestValidateDefinition_RejectsMultipleDefaultTransitions(t *testing.T) {
	def := &WorkflowDefinition{
		WorkflowID: "w1",
		Steps: []WorkflowStep{
			{ID: "s1", Kind: StepTerminate, Order: 1},
			{ID: "s2", Kind: StepDecision, Order: 2, Transitions: []TransitionRule{
				{TargetStepID: "s1", IsDefault: true},
				{TargetStepID: "s1", IsDefault: true},
			}},
		},
	}
	err := ValidateDefinition(def)
	assert.Error(t, err)
}

// Template isolation: instantiating the same template twice with different
// workflow IDs must produce fresh, non-colliding step/trigger IDs, and every
// internal reference (transitions) must be rewritten consistently.
func TestInstantiateTemplate_FreshIDsAndConsistentRewrites(t *testing.T) {
	tmpl := &WorkflowTemplate{
		TemplateID: "tpl-1",
		Name:       "Approval Template",
		BaseSteps: []WorkflowStep{
			{ID: "gate", Kind: StepHuman, Order: 1, IsEnabled: true, Transitions: []TransitionRule{{TargetStepID: "done", IsDefault: true}}},
			{ID: "done", Kind: StepTerminate, Order: 2, IsEnabled: true},
		},
		BaseTriggers: []WorkflowTriggerSpec{
			{TriggerID: "trigger-1", Kind: "event", EventType: "order.created", IsActive: true},
		},
		RequiredVariables: []string{"approverEmail"},
	}

	d1, err := InstantiateTemplate(tmpl, "workflow-a", map[string]interface{}{"approverEmail": "a@example.com"})
	require.NoError(t, err)
	d2, err := InstantiateTemplate(tmpl, "workflow-b", map[string]interface{}{"approverEmail": "b@example.com"})
	require.NoError(t, err)

	assert.NotEqual(t, d1.Steps[0].ID, d2.Steps[0].ID, "two instantiations must mint distinct step IDs")
	assert.NotEqual(t, d1.Triggers[0].TriggerID, d2.Triggers[0].TriggerID)

	// the rewritten transition must still point at the rewritten (not the
	// original template) step ID within the same instantiation.
	assert.Equal(t, d1.Steps[1].ID, d1.Steps[0].Transitions[0].TargetStepID)
	assert.NotEqual(t, "done", d1.Steps[0].Transitions[0].TargetStepID)
}

func TestInstantiateTemplate_MissingRequiredVariableFails(t *testing.T) {
	tmpl := &WorkflowTemplate{
		TemplateID:        "tpl-2",
		BaseSteps:         []WorkflowStep{{ID: "s1", Kind: StepTerminate, Order: 1, IsEnabled: true}},
		RequiredVariables: []string{"must_have"},
	}
	_, err := InstantiateTemplate(tmpl, "workflow-c", map[string]interface{}{})
	assert.Error(t, err)
}

func TestExportImportDefinitionYAML_RoundTrips(t *testing.T) {
	def := &WorkflowDefinition{
		WorkflowID: "w1",
		Steps: []WorkflowStep{
			{ID: "s1", Kind: StepTerminate, Order: 1, IsEnabled: true},
		},
	}
	data, err := ExportDefinitionYAML(def)
	require.NoError(t, err)

	parsed, err := ImportDefinitionYAML(data)
	require.NoError(t, err)
	assert.Equal(t, def.WorkflowID, parsed.WorkflowID)
	assert.Equal(t, def.Steps[0].ID, parsed.Steps[0].ID)
}
