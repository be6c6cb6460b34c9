package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/workflows/core"
	"github.com/flowforge/workflows/store"
	"github.com/google/uuid"
)

// DefinitionRepository persists WorkflowDefinition documents, partitioned by
// workflowId so every version of a definition lives in the same partition.
type DefinitionRepository struct {
	store store.Store
	clock core.Clock
}

func NewDefinitionRepository(s store.Store, clock core.Clock) *DefinitionRepository {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &DefinitionRepository{store: s, clock: clock}
}

func definitionDocID(workflowID string, version int) string {
	return fmt.Sprintf("%s:v%d", workflowID, version)
}

func (r *DefinitionRepository) Get(ctx context.Context, workflowID string, version int) (*WorkflowDefinition, error) {
	doc, err := r.store.Get(ctx, core.CollectionDefinitions, definitionDocID(workflowID, version), workflowID)
	if err != nil {
		return nil, err
	}
	return decodeDoc[WorkflowDefinition](doc)
}

// GetLatestActive finds the highest-version active definition for workflowID.
func (r *DefinitionRepository) GetLatestActive(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	rows, err := r.store.Query(ctx, core.CollectionDefinitions, "", map[string]interface{}{"partitionKey": workflowID})
	if err != nil {
		return nil, err
	}
	var best *WorkflowDefinition
	for i := range rows {
		def, err := decodeDoc[WorkflowDefinition](&rows[i])
		if err != nil {
			continue
		}
		if def.Status != DefinitionActive || def.Deleted {
			continue
		}
		if best == nil || def.Version > best.Version {
			best = def
		}
	}
	if best == nil {
		return nil, core.NewWorkflowError("DefinitionRepository.GetLatestActive", "NOT_FOUND", core.ErrDefinitionNotFound)
	}
	return best, nil
}

func (r *DefinitionRepository) Upsert(ctx context.Context, def *WorkflowDefinition) error {
	def.UpdatedAt = r.clock.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = def.UpdatedAt
	}
	data, err := encodeDoc(def)
	if err != nil {
		return err
	}
	doc := &store.Document{
		ID:           definitionDocID(def.WorkflowID, def.Version),
		Collection:   core.CollectionDefinitions,
		PartitionKey: def.WorkflowID,
		Data:         data,
	}
	return r.store.Upsert(ctx, doc)
}

func (r *DefinitionRepository) ListVersions(ctx context.Context, workflowID string) ([]WorkflowDefinition, error) {
	rows, err := r.store.Query(ctx, core.CollectionDefinitions, "", map[string]interface{}{"partitionKey": workflowID})
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowDefinition, 0, len(rows))
	for i := range rows {
		def, err := decodeDoc[WorkflowDefinition](&rows[i])
		if err != nil {
			continue
		}
		if def.Deleted {
			continue
		}
		out = append(out, *def)
	}
	return out, nil
}

// InstanceRepository persists WorkflowInstance documents, partitioned by
// instanceId (each instance's document lives alone in its own partition,
// matching the high write-concurrency, low fan-out access pattern).
type InstanceRepository struct {
	store store.Store
	clock core.Clock
}

func NewInstanceRepository(s store.Store, clock core.Clock) *InstanceRepository {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &InstanceRepository{store: s, clock: clock}
}

func (r *InstanceRepository) Get(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	doc, err := r.store.Get(ctx, core.CollectionInstances, instanceID, instanceID)
	if err != nil {
		return nil, err
	}
	inst, err := decodeDoc[WorkflowInstance](doc)
	if err != nil {
		return nil, err
	}
	inst.etag = doc.ETag
	return inst, nil
}

// Create mints a fresh pending instance.
func (r *InstanceRepository) Create(ctx context.Context, workflowID string, version int, triggerID, triggerType string, triggerData, variables map[string]interface{}) (*WorkflowInstance, error) {
	now := r.clock.Now()
	inst := &WorkflowInstance{
		InstanceID:      uuid.NewString(),
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		TriggerID:       triggerID,
		TriggerType:     triggerType,
		TriggerData:     triggerData,
		Status:          InstancePending,
		Variables:       variables,
		CreatedAt:       now,
	}
	if inst.Variables == nil {
		inst.Variables = map[string]interface{}{}
	}
	if err := r.Upsert(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// Upsert persists inst with optimistic concurrency: if inst.etag (carried
// from a prior Get) is set, the store rejects the write on mismatch.
func (r *InstanceRepository) Upsert(ctx context.Context, inst *WorkflowInstance) error {
	data, err := encodeDoc(inst)
	if err != nil {
		return err
	}
	doc := &store.Document{
		ID:           inst.InstanceID,
		Collection:   core.CollectionInstances,
		PartitionKey: inst.InstanceID,
		Data:         data,
		ETag:         inst.etag,
	}
	if err := r.store.Upsert(ctx, doc); err != nil {
		return err
	}
	inst.etag = doc.ETag
	return nil
}

func (r *InstanceRepository) Query(ctx context.Context, sql string, params map[string]interface{}) ([]WorkflowInstance, error) {
	rows, err := r.store.Query(ctx, core.CollectionInstances, sql, params)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowInstance, 0, len(rows))
	for i := range rows {
		inst, err := decodeDoc[WorkflowInstance](&rows[i])
		if err != nil {
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

// TriggerRepository persists runtime WorkflowTrigger registrations,
// partitioned by eventType per spec §4.5's lookup pattern.
type TriggerRepository struct {
	store store.Store
}

func NewTriggerRepository(s store.Store) *TriggerRepository {
	return &TriggerRepository{store: s}
}

func (r *TriggerRepository) Upsert(ctx context.Context, t *WorkflowTrigger) error {
	data, err := encodeDoc(t)
	if err != nil {
		return err
	}
	doc := &store.Document{
		ID:           t.TriggerID,
		Collection:   core.CollectionTriggers,
		PartitionKey: t.EventType,
		Data:         data,
	}
	return r.store.Upsert(ctx, doc)
}

func (r *TriggerRepository) Delete(ctx context.Context, triggerID, eventType string) error {
	return r.store.Delete(ctx, core.CollectionTriggers, triggerID, eventType)
}

// FindByEventType returns every active trigger registered for eventType,
// sorted by descending priority (spec §4.5 step 1).
func (r *TriggerRepository) FindByEventType(ctx context.Context, eventType string) ([]WorkflowTrigger, error) {
	rows, err := r.store.Query(ctx, core.CollectionTriggers, "", map[string]interface{}{"partitionKey": eventType})
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowTrigger, 0, len(rows))
	for i := range rows {
		t, err := decodeDoc[WorkflowTrigger](&rows[i])
		if err != nil || !t.IsActive {
			continue
		}
		out = append(out, *t)
	}
	sortTriggersByPriorityDesc(out)
	return out, nil
}

func sortTriggersByPriorityDesc(triggers []WorkflowTrigger) {
	for i := 1; i < len(triggers); i++ {
		for j := i; j > 0 && triggers[j].Priority > triggers[j-1].Priority; j-- {
			triggers[j], triggers[j-1] = triggers[j-1], triggers[j]
		}
	}
}

// ApprovalRepository persists ApprovalRequest documents, partitioned by
// instanceId.
type ApprovalRepository struct {
	store store.Store
	clock core.Clock
}

func NewApprovalRepository(s store.Store, clock core.Clock) *ApprovalRepository {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &ApprovalRepository{store: s, clock: clock}
}

func (r *ApprovalRepository) Get(ctx context.Context, approvalID, instanceID string) (*ApprovalRequest, error) {
	doc, err := r.store.Get(ctx, core.CollectionApprovals, approvalID, instanceID)
	if err != nil {
		return nil, err
	}
	a, err := decodeDoc[ApprovalRequest](doc)
	if err != nil {
		return nil, err
	}
	a.etag = doc.ETag
	return a, nil
}

func (r *ApprovalRepository) Upsert(ctx context.Context, a *ApprovalRequest) error {
	data, err := encodeDoc(a)
	if err != nil {
		return err
	}
	doc := &store.Document{
		ID:           a.ApprovalID,
		Collection:   core.CollectionApprovals,
		PartitionKey: a.InstanceID,
		Data:         data,
		ETag:         a.etag,
	}
	if err := r.store.Upsert(ctx, doc); err != nil {
		return err
	}
	a.etag = doc.ETag
	return nil
}

func (r *ApprovalRepository) FindPendingByInstance(ctx context.Context, instanceID string) ([]ApprovalRequest, error) {
	rows, err := r.store.Query(ctx, core.CollectionApprovals, "", map[string]interface{}{"partitionKey": instanceID})
	if err != nil {
		return nil, err
	}
	out := make([]ApprovalRequest, 0, len(rows))
	for i := range rows {
		a, err := decodeDoc[ApprovalRequest](&rows[i])
		if err != nil || a.Status != ApprovalPending {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// FindAllPending scans every approval document for the sweep in
// expireApprovals (spec §4.6). Partition-key-less scan: acceptable for the
// low-volume sweep use case described there.
func (r *ApprovalRepository) FindAllPending(ctx context.Context) ([]ApprovalRequest, error) {
	rows, err := r.store.Query(ctx, core.CollectionApprovals, "", nil)
	if err != nil {
		return nil, err
	}
	out := make([]ApprovalRequest, 0, len(rows))
	for i := range rows {
		a, err := decodeDoc[ApprovalRequest](&rows[i])
		if err != nil || a.Status != ApprovalPending {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

// TemplateRepository persists WorkflowTemplate documents.
type TemplateRepository struct {
	store store.Store
}

func NewTemplateRepository(s store.Store) *TemplateRepository {
	return &TemplateRepository{store: s}
}

func (r *TemplateRepository) Get(ctx context.Context, templateID string) (*WorkflowTemplate, error) {
	doc, err := r.store.Get(ctx, core.CollectionTemplates, templateID, templateID)
	if err != nil {
		return nil, err
	}
	return decodeDoc[WorkflowTemplate](doc)
}

func (r *TemplateRepository) Upsert(ctx context.Context, t *WorkflowTemplate) error {
	data, err := encodeDoc(t)
	if err != nil {
		return err
	}
	doc := &store.Document{
		ID:           t.TemplateID,
		Collection:   core.CollectionTemplates,
		PartitionKey: t.TemplateID,
		Data:         data,
	}
	return r.store.Upsert(ctx, doc)
}

// encodeDoc/decodeDoc round-trip a typed struct through the generic
// map[string]interface{} document shape the Store persists, via JSON so
// time.Time, slices, and nested structs all serialize the same way they
// would to Cosmos/SQLite's JSON document column.
func encodeDoc(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeDoc[T any](doc *store.Document) (*T, error) {
	b, err := json.Marshal(doc.Data)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
