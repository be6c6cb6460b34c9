package workflow

import (
	"context"
	"fmt"

	"github.com/flowforge/workflows/core"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ValidateDefinition checks structural invariants a definition must satisfy
// before it can be activated: unique step IDs, transition/condition targets
// that resolve to real steps, and at most one default transition per step.
// Cyclic transition graphs are explicitly legal (spec §9 "a loop-via-goto is
// legitimate") and are not rejected here.
func ValidateDefinition(def *WorkflowDefinition) error {
	if def.WorkflowID == "" {
		return core.NewWorkflowError("workflow.ValidateDefinition", "MISSING_WORKFLOW_ID", core.ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return core.NewWorkflowError("workflow.ValidateDefinition", "NO_STEPS", core.ErrInvalidDefinition)
	}

	seen := map[string]bool{}
	for _, s := range def.Steps {
		if s.ID == "" {
			return core.NewWorkflowError("workflow.ValidateDefinition", "MISSING_STEP_ID", core.ErrInvalidDefinition)
		}
		if seen[s.ID] {
			return core.NewWorkflowError("workflow.ValidateDefinition", "DUPLICATE_STEP_ID", core.ErrInvalidDefinition)
		}
		seen[s.ID] = true
	}

	for _, s := range def.Steps {
		defaults := 0
		for _, t := range s.Transitions {
			if t.IsDefault {
				defaults++
			}
			if t.TargetStepID != "" && !seen[t.TargetStepID] {
				return core.NewWorkflowError("workflow.ValidateDefinition", "UNKNOWN_TRANSITION_TARGET", core.ErrInvalidDefinition)
			}
		}
		if defaults > 1 {
			return core.NewWorkflowError("workflow.ValidateDefinition", "MULTIPLE_DEFAULT_TRANSITIONS", core.ErrInvalidDefinition)
		}
		if s.OnError != nil && s.OnError.Action == OnErrorGoto {
			if s.OnError.FallbackStepID != "" && !seen[s.OnError.FallbackStepID] {
				return core.NewWorkflowError("workflow.ValidateDefinition", "UNKNOWN_GOTO_TARGET", core.ErrInvalidDefinition)
			}
		}
	}
	return nil
}

// ControlPlane groups definition/template/instance administration
// operations on top of the repositories.
type ControlPlane struct {
	Definitions *DefinitionRepository
	Templates   *TemplateRepository
	Triggers    *TriggerRepository
	Instances   *InstanceRepository
}

func NewControlPlane(defs *DefinitionRepository, templates *TemplateRepository, triggers *TriggerRepository, instances *InstanceRepository) *ControlPlane {
	return &ControlPlane{Definitions: defs, Templates: templates, Triggers: triggers, Instances: instances}
}

// CreateDraft persists a new draft version of a definition.
func (c *ControlPlane) CreateDraft(ctx context.Context, def *WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if def.Status == "" {
		def.Status = DefinitionDraft
	}
	return c.Definitions.Upsert(ctx, def)
}

// Activate promotes (workflowID, version) to active, deactivating the
// prior active version and mirroring event triggers into the registry.
func (c *ControlPlane) Activate(ctx context.Context, workflowID string, version int) error {
	return ActivateDefinition(ctx, c.Definitions, c.Triggers, workflowID, version)
}

// Deactivate flips an active definition to inactive without promoting a
// replacement, and deregisters its event triggers.
func (c *ControlPlane) Deactivate(ctx context.Context, workflowID string, version int) error {
	def, err := c.Definitions.Get(ctx, workflowID, version)
	if err != nil {
		return err
	}
	if def.Status != DefinitionActive {
		return core.NewWorkflowError("workflow.Deactivate", "E_INVALID_STATE", core.ErrInvalidState)
	}
	def.Status = DefinitionInactive
	if err := c.Definitions.Upsert(ctx, def); err != nil {
		return err
	}
	for _, t := range def.Triggers {
		if t.Kind == "event" && t.TriggerID != "" {
			_ = c.Triggers.Delete(ctx, t.TriggerID, t.EventType)
		}
	}
	return nil
}

// InstantiateTemplate builds a fresh WorkflowDefinition from a template,
// rewriting every step/trigger ID to a fresh UUID and every internal
// reference (transition targets, onError.fallbackStepId) consistently, per
// spec §8 invariant 8 (template isolation / fresh-ID invariant).
func InstantiateTemplate(tmpl *WorkflowTemplate, workflowID string, config map[string]interface{}) (*WorkflowDefinition, error) {
	for _, req := range tmpl.RequiredVariables {
		if _, ok := config[req]; !ok {
			return nil, core.NewWorkflowError("workflow.InstantiateTemplate", "MISSING_REQUIRED_VARIABLE", core.ErrInvalidRequest)
		}
	}

	idMap := map[string]string{}
	for _, s := range tmpl.BaseSteps {
		idMap[s.ID] = uuid.NewString()
	}
	triggerIDMap := map[string]string{}
	for _, t := range tmpl.BaseTriggers {
		triggerIDMap[t.TriggerID] = uuid.NewString()
	}

	steps := make([]WorkflowStep, len(tmpl.BaseSteps))
	for i, s := range tmpl.BaseSteps {
		s.ID = idMap[s.ID]
		s.Transitions = rewriteTransitions(s.Transitions, idMap)
		s.Conditions = rewriteTransitions(s.Conditions, idMap)
		if s.OnError != nil && s.OnError.FallbackStepID != "" {
			fallback := *s.OnError
			if mapped, ok := idMap[fallback.FallbackStepID]; ok {
				fallback.FallbackStepID = mapped
			}
			s.OnError = &fallback
		}
		steps[i] = s
	}

	triggers := make([]WorkflowTriggerSpec, len(tmpl.BaseTriggers))
	for i, t := range tmpl.BaseTriggers {
		t.TriggerID = triggerIDMap[t.TriggerID]
		triggers[i] = t
	}

	def := &WorkflowDefinition{
		WorkflowID:  workflowID,
		Version:     1,
		Name:        tmpl.Name,
		Description: tmpl.Description,
		Status:      DefinitionDraft,
		Triggers:    triggers,
		Steps:       steps,
		Variables:   tmpl.BaseVariables,
		Settings:    tmpl.BaseSettings,
	}
	for k, v := range config {
		if def.Variables == nil {
			def.Variables = map[string]VariableDef{}
		}
		if vd, ok := def.Variables[k]; ok {
			vd.DefaultValue = v
			def.Variables[k] = vd
		}
	}
	return def, ValidateDefinition(def)
}

func rewriteTransitions(transitions []TransitionRule, idMap map[string]string) []TransitionRule {
	if transitions == nil {
		return nil
	}
	out := make([]TransitionRule, len(transitions))
	for i, t := range transitions {
		if mapped, ok := idMap[t.TargetStepID]; ok {
			t.TargetStepID = mapped
		}
		out[i] = t
	}
	return out
}

// ExportDefinitionYAML serializes def for external storage/version control
// (SPEC_FULL.md §B's import/export wiring for gopkg.in/yaml.v3).
func ExportDefinitionYAML(def *WorkflowDefinition) ([]byte, error) {
	return yaml.Marshal(def)
}

// ImportDefinitionYAML parses a YAML-encoded definition and validates it.
func ImportDefinitionYAML(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("workflow: parse definition yaml: %w", err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ExportTemplateYAML serializes a template.
func ExportTemplateYAML(tmpl *WorkflowTemplate) ([]byte, error) {
	return yaml.Marshal(tmpl)
}

// ImportTemplateYAML parses a YAML-encoded template.
func ImportTemplateYAML(data []byte) (*WorkflowTemplate, error) {
	var tmpl WorkflowTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("workflow: parse template yaml: %w", err)
	}
	return &tmpl, nil
}
