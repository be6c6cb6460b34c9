package workflow

import (
	"context"

	"github.com/flowforge/workflows/core"
	"github.com/google/uuid"
)

// InboundEvent is the {eventType, data} pair spec §4.5 dispatches on.
type InboundEvent struct {
	EventType string
	Data      map[string]interface{}
}

// EventDispatcher implements spec §4.5: on an inbound event, it looks up
// active triggers for the event type, applies each trigger's filter and
// variable extraction, and creates+executes a new instance per match.
type EventDispatcher struct {
	triggers     *TriggerRepository
	definitions  *DefinitionRepository
	instances    *InstanceRepository
	orchestrator *Orchestrator
	evaluator    *Evaluator
	logger       core.Logger
}

func NewEventDispatcher(triggers *TriggerRepository, definitions *DefinitionRepository, instances *InstanceRepository, orchestrator *Orchestrator, evaluator *Evaluator, logger core.Logger) *EventDispatcher {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &EventDispatcher{triggers: triggers, definitions: definitions, instances: instances, orchestrator: orchestrator, evaluator: evaluator, logger: logger}
}

// Dispatch implements the four numbered steps of spec §4.5.
func (d *EventDispatcher) Dispatch(ctx context.Context, event InboundEvent) ([]*WorkflowInstance, error) {
	matches, err := d.triggers.FindByEventType(ctx, event.EventType)
	if err != nil {
		return nil, err
	}

	eventDoc := map[string]interface{}{"eventType": event.EventType, "data": event.Data}

	var created []*WorkflowInstance
	for i := range matches {
		trigger := &matches[i]
		if !EvaluateEventFilter(eventDoc, trigger.EventFilter) {
			continue
		}

		variables := d.extractVariables(eventDoc, trigger.ExtractVariables)
		inst, err := d.instances.Create(ctx, trigger.WorkflowID, trigger.WorkflowVersion, trigger.TriggerID, "event", event.Data, variables)
		if err != nil {
			d.logger.Error("event dispatcher: instance creation failed", map[string]interface{}{"eventType": event.EventType, "workflowId": trigger.WorkflowID, "error": err.Error()})
			continue
		}

		if d.orchestrator != nil {
			if _, err := d.orchestrator.ExecuteWorkflow(ctx, inst.InstanceID, ExecuteOptions{}); err != nil {
				d.logger.Error("event dispatcher: execution failed", map[string]interface{}{"instanceId": inst.InstanceID, "error": err.Error()})
			}
		}
		created = append(created, inst)
	}
	return created, nil
}

// extractVariables applies each extraction path (a "$."-rooted path into the
// event document {eventType, data}) per spec §4.5 step 3. An unresolved path
// yields nil rather than dropping the key, so downstream transitions
// authored against the extracted variable see a stable (if empty) shape.
func (d *EventDispatcher) extractVariables(eventDoc map[string]interface{}, extract map[string]string) map[string]interface{} {
	out := map[string]interface{}{}
	for key, path := range extract {
		resolved := resolvePath(eventDoc, trimPathPrefix(path))
		if isUnresolved(resolved) {
			resolved = nil
		}
		out[key] = resolved
	}
	return out
}

func trimPathPrefix(path string) string {
	if len(path) >= 2 && path[0] == '$' && path[1] == '.' {
		return path[2:]
	}
	return path
}

// ActivateDefinition implements spec §8 invariant 4 ("at-most-one active
// version"): mirrors the new version's event triggers into the runtime
// registry and deactivates the prior active version.
func ActivateDefinition(ctx context.Context, definitions *DefinitionRepository, triggers *TriggerRepository, workflowID string, version int) error {
	versions, err := definitions.ListVersions(ctx, workflowID)
	if err != nil {
		return err
	}

	var target *WorkflowDefinition
	for i := range versions {
		if versions[i].Version == version {
			target = &versions[i]
		}
	}
	if target == nil {
		return core.NewWorkflowError("workflow.ActivateDefinition", "NOT_FOUND", core.ErrDefinitionNotFound)
	}

	for i := range versions {
		if versions[i].Version == version {
			continue
		}
		if versions[i].Status == DefinitionActive {
			versions[i].Status = DefinitionInactive
			if err := definitions.Upsert(ctx, &versions[i]); err != nil {
				return err
			}
		}
	}

	target.Status = DefinitionActive
	if err := definitions.Upsert(ctx, target); err != nil {
		return err
	}

	for _, t := range target.Triggers {
		if t.Kind != "event" || !t.IsActive {
			continue
		}
		triggerID := t.TriggerID
		if triggerID == "" {
			triggerID = uuid.NewString()
		}
		rt := &WorkflowTrigger{
			EventType:        t.EventType,
			WorkflowID:       workflowID,
			WorkflowVersion:  version,
			TriggerID:        triggerID,
			IsActive:         true,
			EventFilter:      t.EventFilter,
			ExtractVariables: t.ExtractVariables,
			Priority:         t.Priority,
		}
		if err := triggers.Upsert(ctx, rt); err != nil {
			return err
		}
	}
	return nil
}
