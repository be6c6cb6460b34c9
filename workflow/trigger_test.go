package workflow

import (
	"context"
	"testing"

	"github.com/flowforge/workflows/core"
	"github.com/flowforge/workflows/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTriggerHarness(t *testing.T) (*TriggerRepository, *DefinitionRepository, *InstanceRepository, *Orchestrator) {
	t.Helper()
	s := store.NewMemoryStore()
	clock := core.SystemClock{}
	triggers := NewTriggerRepository(s)
	definitions := NewDefinitionRepository(s, clock)
	instances := NewInstanceRepository(s, clock)
	approvals := NewApprovalRepository(s, clock)
	evaluator := NewEvaluator(nil)
	actions := NewActionExecutor(nil, store.NewMemoryPublisher(), s, evaluator, clock, nil)
	dispatcher := NewStepDispatcher(evaluator, actions, NewExpressionScriptRunner(evaluator), nil)
	orchestrator := NewOrchestrator(definitions, instances, approvals, dispatcher, evaluator, store.NewMemoryPublisher(), clock, nil)
	return triggers, definitions, instances, orchestrator
}

// Scenario F, literal inputs: filter and extraction paths are rooted at the
// event document ({eventType, data}), not at event.Data directly — "data.x"
// in the filter and "$.data.x" in extraction both reach into event.Data one
// level down. A matching event creates exactly one instance with the
// extracted variables; a non-matching event creates zero.
func TestEventDispatcher_Dispatch_CreatesExactlyOneInstanceOnMatch(t *testing.T) {
	triggers, definitions, instances, orchestrator := newTriggerHarness(t)
	ctx := context.Background()

	def := &WorkflowDefinition{
		WorkflowID: "lead-flow", Version: 1, Status: DefinitionActive,
		Steps: []WorkflowStep{
			{ID: "s1", Kind: StepSetVariable, Order: 1, IsEnabled: true, SetVariables: map[string]interface{}{"handled": true}},
		},
		Triggers: []WorkflowTriggerSpec{
			{TriggerID: "t1", Kind: "event", EventType: "lead.created", EventFilter: "data.lineOfBusiness == 'medical'", IsActive: true, ExtractVariables: map[string]string{"leadId": "$.data.leadId", "customerId": "$.data.customerId"}},
		},
	}
	require.NoError(t, definitions.Upsert(ctx, def))
	require.NoError(t, ActivateDefinition(ctx, definitions, triggers, def.WorkflowID, def.Version))

	evaluator := NewEvaluator(nil)
	dispatcher := NewEventDispatcher(triggers, definitions, instances, orchestrator, evaluator, nil)

	matching := InboundEvent{EventType: "lead.created", Data: map[string]interface{}{"leadId": "L7", "lineOfBusiness": "medical", "customerId": "C9"}}
	created, err := dispatcher.Dispatch(ctx, matching)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "L7", created[0].Variables["leadId"])
	assert.Equal(t, "C9", created[0].Variables["customerId"])

	nonMatching := InboundEvent{EventType: "lead.created", Data: map[string]interface{}{"leadId": "L8", "lineOfBusiness": "motor", "customerId": "C10"}}
	createdNone, err := dispatcher.Dispatch(ctx, nonMatching)
	require.NoError(t, err)
	assert.Len(t, createdNone, 0)
}

func TestEventDispatcher_Dispatch_NoTriggersForEventTypeCreatesNone(t *testing.T) {
	triggers, _, instances, orchestrator := newTriggerHarness(t)
	ctx := context.Background()
	evaluator := NewEvaluator(nil)
	dispatcher := NewEventDispatcher(triggers, nil, instances, orchestrator, evaluator, nil)

	created, err := dispatcher.Dispatch(ctx, InboundEvent{EventType: "unknown.event", Data: map[string]interface{}{}})
	require.NoError(t, err)
	assert.Len(t, created, 0)
}

// ActivateDefinition enforces at-most-one active version per workflowId.
func TestActivateDefinition_EnforcesAtMostOneActiveVersion(t *testing.T) {
	triggers, definitions, _, _ := newTriggerHarness(t)
	ctx := context.Background()

	v1 := &WorkflowDefinition{WorkflowID: "w", Version: 1, Status: DefinitionActive, Steps: []WorkflowStep{{ID: "s1", Kind: StepTerminate, Order: 1, IsEnabled: true}}}
	v2 := &WorkflowDefinition{WorkflowID: "w", Version: 2, Status: DefinitionDraft, Steps: []WorkflowStep{{ID: "s1", Kind: StepTerminate, Order: 1, IsEnabled: true}}}
	require.NoError(t, definitions.Upsert(ctx, v1))
	require.NoError(t, definitions.Upsert(ctx, v2))

	require.NoError(t, ActivateDefinition(ctx, definitions, triggers, "w", 2))

	got1, err := definitions.Get(ctx, "w", 1)
	require.NoError(t, err)
	got2, err := definitions.Get(ctx, "w", 2)
	require.NoError(t, err)

	assert.Equal(t, DefinitionInactive, got1.Status)
	assert.Equal(t, DefinitionActive, got2.Status)
}
