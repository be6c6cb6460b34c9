// Package workflow implements the durable workflow orchestration engine:
// the orchestrator loop, step executor dispatcher, expression/condition
// evaluators, trigger registry, event dispatcher, and the durable state
// model (definitions, instances, approvals, triggers, templates) that back
// them.
package workflow

import "time"

// DefinitionStatus is the lifecycle stage of a WorkflowDefinition.
type DefinitionStatus string

const (
	DefinitionDraft      DefinitionStatus = "draft"
	DefinitionActive     DefinitionStatus = "active"
	DefinitionInactive   DefinitionStatus = "inactive"
	DefinitionDeprecated DefinitionStatus = "deprecated"
)

// InstanceStatus is the lifecycle stage of a WorkflowInstance.
type InstanceStatus string

const (
	InstancePending   InstanceStatus = "pending"
	InstanceRunning   InstanceStatus = "running"
	InstanceWaiting   InstanceStatus = "waiting"
	InstancePaused    InstanceStatus = "paused"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
	InstanceCancelled InstanceStatus = "cancelled"
	InstanceTimedOut  InstanceStatus = "timed_out"
)

// StepExecutionStatus is the lifecycle stage of one StepExecution attempt.
type StepExecutionStatus string

const (
	StepExecPending   StepExecutionStatus = "pending"
	StepExecRunning   StepExecutionStatus = "running"
	StepExecCompleted StepExecutionStatus = "completed"
	StepExecFailed    StepExecutionStatus = "failed"
	StepExecSkipped   StepExecutionStatus = "skipped"
	StepExecWaiting   StepExecutionStatus = "waiting"
)

// ApprovalStatus is the lifecycle stage of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending    ApprovalStatus = "pending"
	ApprovalApproved   ApprovalStatus = "approved"
	ApprovalRejected   ApprovalStatus = "rejected"
	ApprovalReassigned ApprovalStatus = "reassigned"
	ApprovalExpired    ApprovalStatus = "expired"
)

// StepKind tags the per-variant config a WorkflowStep carries.
type StepKind string

const (
	StepAction      StepKind = "action"
	StepDecision    StepKind = "decision"
	StepParallel    StepKind = "parallel"
	StepWait        StepKind = "wait"
	StepLoop        StepKind = "loop"
	StepHuman       StepKind = "human"
	StepSubworkflow StepKind = "subworkflow"
	StepTransform   StepKind = "transform"
	StepScript      StepKind = "script"
	StepSetVariable StepKind = "setVariable"
	StepDelay       StepKind = "delay"
	StepRetry       StepKind = "retry"
	StepCompensate  StepKind = "compensate"
	StepTerminate   StepKind = "terminate"
)

// ActionType tags the action.type sub-variant of an action step.
type ActionType string

const (
	ActionHTTPRequest      ActionType = "http_request"
	ActionPublishEvent     ActionType = "publish_event"
	ActionCosmosQuery      ActionType = "cosmos_query"
	ActionCosmosUpsert     ActionType = "cosmos_upsert"
	ActionCosmosDelete     ActionType = "cosmos_delete"
	ActionSendCommand      ActionType = "send_command"
	ActionSendNotification ActionType = "send_notification"
	ActionCallFunction     ActionType = "call_function"
)

// OnErrorAction names the failure-handling policy for a step.
type OnErrorAction string

const (
	OnErrorSkip       OnErrorAction = "skip"
	OnErrorRetry      OnErrorAction = "retry"
	OnErrorGoto       OnErrorAction = "goto"
	OnErrorCompensate OnErrorAction = "compensate"
	OnErrorFail       OnErrorAction = "fail"
)

// VariableDef describes one entry of a definition's variable schema.
type VariableDef struct {
	Type         string      `json:"type"`
	Required     bool        `json:"required"`
	DefaultValue interface{} `json:"defaultValue,omitempty"`
	Validation   string      `json:"validation,omitempty"`
}

// DefinitionSettings carries the execution policy for a definition.
type DefinitionSettings struct {
	MaxExecutionSeconds     int64    `json:"maxExecutionSeconds"`
	RetentionDays           int      `json:"retentionDays"`
	ParallelExecutionPolicy string   `json:"parallelExecutionPolicy,omitempty"`
	NotificationTargets     []string `json:"notificationTargets,omitempty"`
	AuditEnabled            bool     `json:"auditEnabled"`
}

// WorkflowDefinition is the static blueprint for a workflow: immutable per
// version, identified by (WorkflowID, Version). See spec §3.
type WorkflowDefinition struct {
	WorkflowID     string                 `json:"workflowId"`
	Version        int                    `json:"version"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description,omitempty"`
	Status         DefinitionStatus       `json:"status"`
	OrganizationID string                 `json:"organizationId,omitempty"`
	Triggers       []WorkflowTriggerSpec  `json:"triggers"`
	Steps          []WorkflowStep         `json:"steps"`
	Variables      map[string]VariableDef `json:"variables,omitempty"`
	Settings       DefinitionSettings     `json:"settings"`
	Tags           []string               `json:"tags,omitempty"`
	Category       string                 `json:"category,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	CreatedBy      string                 `json:"createdBy,omitempty"`
	Deleted        bool                   `json:"deleted"`
}

// WorkflowTriggerSpec is a trigger declared inline in a definition. Only
// kind == "event" triggers are mirrored into the runtime WorkflowTrigger
// registry on activation (spec §3 invariant).
type WorkflowTriggerSpec struct {
	TriggerID        string            `json:"triggerId"`
	Kind             string            `json:"kind"` // event | http | schedule | manual
	EventType        string            `json:"eventType,omitempty"`
	EventFilter      string            `json:"eventFilter,omitempty"`
	ExtractVariables map[string]string `json:"extractVariables,omitempty"`
	Priority         int               `json:"priority,omitempty"`
	IsActive         bool              `json:"isActive"`
}

// WorkflowStep is one node in a definition's step graph. Exactly one of the
// kind-specific config fields is populated, matching Kind.
type WorkflowStep struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Kind        StepKind `json:"kind"`
	Order       int      `json:"order"`
	IsEnabled   bool     `json:"isEnabled"`

	Action            *ActionConfig           `json:"action,omitempty"`
	Conditions        []TransitionRule        `json:"conditions,omitempty"`
	ParallelConfig    *ParallelConfig         `json:"parallelConfig,omitempty"`
	WaitConfig        *WaitConfig             `json:"waitConfig,omitempty"`
	LoopConfig        *LoopConfig             `json:"loopConfig,omitempty"`
	ScriptConfig      *ScriptConfig           `json:"scriptConfig,omitempty"`
	TransformConfig   *TransformConfig        `json:"transformConfig,omitempty"`
	SubworkflowConfig *SubworkflowConfig      `json:"subworkflowConfig,omitempty"`
	HumanConfig       *HumanConfig            `json:"humanConfig,omitempty"`
	SetVariables      map[string]interface{}  `json:"setVariables,omitempty"`
	DelaySeconds      int64                   `json:"delaySeconds,omitempty"`

	Transitions    []TransitionRule `json:"transitions,omitempty"`
	OnError        *OnErrorHandler  `json:"onError,omitempty"`
	TimeoutSeconds int64            `json:"timeoutSeconds,omitempty"`
}

// ActionConfig is the action-step config.
type ActionConfig struct {
	Type           ActionType             `json:"type"`
	URLTemplate    string                 `json:"urlTemplate,omitempty"`
	Method         string                 `json:"method,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Body           interface{}            `json:"body,omitempty"`
	Auth           *AuthConfig            `json:"auth,omitempty"`
	TimeoutSeconds int64                  `json:"timeoutSeconds,omitempty"`
	ValidateStatus []int                  `json:"validateStatus,omitempty"`
	EventType      string                 `json:"eventType,omitempty"`
	Subject        string                 `json:"subject,omitempty"`
	Data           interface{}            `json:"data,omitempty"`
	Query          string                 `json:"query,omitempty"`
	Params         map[string]interface{} `json:"params,omitempty"`
	Document       map[string]interface{} `json:"document,omitempty"`
	DocumentID     string                 `json:"documentId,omitempty"`
	PartitionKey   string                 `json:"partitionKey,omitempty"`
	OutputVariable string                 `json:"outputVariable,omitempty"`
}

// AuthConfig resolves the Authorization header of an http_request action.
type AuthConfig struct {
	Kind       string `json:"kind"` // bearer | basic | api-key
	Token      string `json:"token,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	HeaderName string `json:"headerName,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
}

// WaitConfig is the wait-step config. WaitType == "approval" gates the step
// on an ApprovalRequest, using the same approver/quorum shape as HumanConfig
// (see spec §3/§4.6, scenario D).
type WaitConfig struct {
	WaitType          string                 `json:"waitType"` // event | approval | timer
	ApproverRoles     []string               `json:"approverRoles,omitempty"`
	ApproverUsers     []string               `json:"approverUsers,omitempty"`
	RequiredApprovals int                    `json:"requiredApprovals,omitempty"`
	ExpiresInSeconds  int64                  `json:"expiresInSeconds,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
}

// HumanConfig is the human-step config (gates on an ApprovalRequest).
type HumanConfig struct {
	ApproverRoles      []string               `json:"approverRoles,omitempty"`
	ApproverUsers      []string               `json:"approverUsers,omitempty"`
	RequiredApprovals  int                    `json:"requiredApprovals"`
	ExpiresInSeconds   int64                  `json:"expiresInSeconds,omitempty"`
	Context            map[string]interface{} `json:"context,omitempty"`
}

// ScriptConfig is the script-step config.
type ScriptConfig struct {
	Source         string `json:"source"`
	TimeoutSeconds int64  `json:"timeoutSeconds,omitempty"`
}

// TransformConfig is the transform-step config.
type TransformConfig struct {
	Expression     string `json:"expression"`
	OutputVariable string `json:"outputVariable"`
}

// ParallelConfig is the parallel-step config (SPEC_FULL.md §C).
type ParallelConfig struct {
	Branches             [][]string `json:"branches"`
	JoinPolicy           string     `json:"joinPolicy"` // all | any | n-of-m
	N                    int        `json:"n,omitempty"`
	BranchTimeoutSeconds int64      `json:"branchTimeoutSeconds,omitempty"`
}

// LoopConfig is the loop-step config (SPEC_FULL.md §C).
type LoopConfig struct {
	Collection     string               `json:"collection"`
	ItemVariable   string               `json:"itemVariable"`
	IndexVariable  string               `json:"indexVariable,omitempty"`
	Body           []string             `json:"body"`
	MaxConcurrency int                  `json:"maxConcurrency,omitempty"`
	BreakCondition *ConditionExpression `json:"breakCondition,omitempty"`
}

// SubworkflowConfig is the subworkflow-step config (SPEC_FULL.md §C).
type SubworkflowConfig struct {
	WorkflowID        string                 `json:"workflowId"`
	Version           int                    `json:"version,omitempty"`
	InputMapping      map[string]string      `json:"inputMapping,omitempty"`
	WaitForCompletion bool                   `json:"waitForCompletion"`
	OutputMapping     map[string]string      `json:"outputMapping,omitempty"`
}

// RetryPolicy configures the onError:retry handler.
type RetryPolicy struct {
	MaxAttempts         int      `json:"maxAttempts"`
	BackoffType         string   `json:"backoffType"` // fixed | exponential
	InitialDelaySeconds int64    `json:"initialDelaySeconds"`
	MaxDelaySeconds     int64    `json:"maxDelaySeconds,omitempty"`
	RetryableErrors     []string `json:"retryableErrors,omitempty"`
}

// OnErrorHandler is a step's failure-handling policy.
type OnErrorHandler struct {
	Action         OnErrorAction `json:"action"`
	RetryPolicy    *RetryPolicy  `json:"retryPolicy,omitempty"`
	FallbackStepID string        `json:"fallbackStepId,omitempty"`
}

// TransitionRule is a directed, optionally-guarded edge between steps.
type TransitionRule struct {
	TargetStepID string                `json:"targetStepId"`
	Condition    *ConditionExpression  `json:"condition,omitempty"`
	IsDefault    bool                  `json:"isDefault,omitempty"`
	Priority     *int                  `json:"priority,omitempty"`
}

// ConditionOperator is the comparator of a SimpleCondition.
type ConditionOperator string

const (
	OpEq         ConditionOperator = "eq"
	OpNeq        ConditionOperator = "neq"
	OpGt         ConditionOperator = "gt"
	OpGte        ConditionOperator = "gte"
	OpLt         ConditionOperator = "lt"
	OpLte        ConditionOperator = "lte"
	OpContains   ConditionOperator = "contains"
	OpStartsWith ConditionOperator = "startsWith"
	OpEndsWith   ConditionOperator = "endsWith"
	OpIn         ConditionOperator = "in"
	OpNotIn      ConditionOperator = "notIn"
	OpExists     ConditionOperator = "exists"
	OpNotExists  ConditionOperator = "notExists"
	OpRegex      ConditionOperator = "regex"
)

// ConditionTag distinguishes the three ConditionExpression variants.
type ConditionTag string

const (
	ConditionSimple   ConditionTag = "simple"
	ConditionCompound ConditionTag = "compound"
	ConditionNot      ConditionTag = "not"
)

// CompoundOperator joins multiple conditions.
type CompoundOperator string

const (
	CompoundAnd CompoundOperator = "and"
	CompoundOr  CompoundOperator = "or"
)

// ConditionExpression is a tagged union: exactly one of the Simple/Compound/
// Not fields is populated, selected by Tag. See spec §3/§4.2.
type ConditionExpression struct {
	Tag ConditionTag `json:"tag"`

	// Simple
	Left     string            `json:"left,omitempty"`
	Operator ConditionOperator `json:"operator,omitempty"`
	Right    interface{}       `json:"right,omitempty"`

	// Compound
	CompoundOp CompoundOperator       `json:"compoundOp,omitempty"`
	Conditions []*ConditionExpression `json:"conditions,omitempty"`

	// Not
	Inner *ConditionExpression `json:"inner,omitempty"`
}

// WorkflowInstance is one execution of one definition version. See spec §3.
type WorkflowInstance struct {
	InstanceID       string                 `json:"instanceId"`
	WorkflowID       string                 `json:"workflowId"`
	WorkflowVersion  int                    `json:"workflowVersion"`
	OrganizationID   string                 `json:"organizationId,omitempty"`
	TriggerID        string                 `json:"triggerId,omitempty"`
	TriggerType      string                 `json:"triggerType,omitempty"`
	TriggerData      map[string]interface{} `json:"triggerData,omitempty"`
	Status           InstanceStatus         `json:"status"`
	CurrentStepID    string                 `json:"currentStepId,omitempty"`
	StepExecutions   []StepExecution        `json:"stepExecutions"`
	Variables        map[string]interface{} `json:"variables"`
	CompletedStepIDs []string               `json:"completedStepIds"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	ParentInstanceID string                 `json:"parentInstanceId,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	StartedAt        *time.Time             `json:"startedAt,omitempty"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
	LastError        *ExecutionError        `json:"lastError,omitempty"`
	InitiatedBy      string                 `json:"initiatedBy,omitempty"`
	ActivityLog      []ActivityEntry        `json:"activityLog,omitempty"`
	CurrentStage     string                 `json:"currentStage,omitempty"`
	ProgressPercent  float64                `json:"progressPercent"`
	RetentionSeconds int64                  `json:"retentionSeconds,omitempty"`

	etag string // carried from the last Get/Upsert for optimistic concurrency; not persisted
}

// ActivityEntry is one human-readable line in an instance's activity log.
type ActivityEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	StepID    string    `json:"stepId,omitempty"`
}

// ExecutionError is the structured error carried by a failed StepExecution
// or a terminal instance's LastError.
type ExecutionError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	StepID  string                 `json:"stepId,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// StepExecution is one attempt at one step within an instance.
type StepExecution struct {
	StepID     string                 `json:"stepId"`
	StepName   string                 `json:"stepName"`
	StepType   StepKind               `json:"stepType"`
	Status     StepExecutionStatus    `json:"status"`
	StartedAt  time.Time              `json:"startedAt"`
	EndedAt    *time.Time             `json:"endedAt,omitempty"`
	Input      map[string]interface{} `json:"input,omitempty"`
	Output     interface{}            `json:"output,omitempty"`
	Error      *ExecutionError        `json:"error,omitempty"`
	RetryCount int                    `json:"retryCount"`
	DurationMs int64                  `json:"durationMs"`
}

// ApprovalDecision is one user's decision on an ApprovalRequest.
type ApprovalDecision struct {
	UserID    string                 `json:"userId"`
	Decision  string                 `json:"decision"` // approved | rejected | reassigned (system marker)
	Comment   string                 `json:"comment,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	DecidedAt time.Time              `json:"decidedAt"`
}

// ApprovalRequest gates a human/wait(approval) step. See spec §3/§4.6.
type ApprovalRequest struct {
	ApprovalID        string                 `json:"approvalId"`
	InstanceID        string                 `json:"instanceId"`
	WorkflowID        string                 `json:"workflowId"`
	StepID            string                 `json:"stepId"`
	OrganizationID    string                 `json:"organizationId,omitempty"`
	ApproverRoles     []string               `json:"approverRoles,omitempty"`
	ApproverUsers     []string               `json:"approverUsers,omitempty"`
	RequiredApprovals int                    `json:"requiredApprovals"`
	CurrentApprovals  int                    `json:"currentApprovals"`
	Context           map[string]interface{} `json:"context,omitempty"`
	RequestedAt       time.Time              `json:"requestedAt"`
	ExpiresAt         *time.Time             `json:"expiresAt,omitempty"`
	Status            ApprovalStatus         `json:"status"`
	Decisions         []ApprovalDecision     `json:"decisions"`

	etag string // carried from the last Get/Upsert for optimistic concurrency; not persisted
}

// WorkflowTrigger is a runtime registry entry for one event-kind trigger,
// partitioned by EventType. See spec §3.
type WorkflowTrigger struct {
	EventType        string            `json:"eventType"`
	WorkflowID       string            `json:"workflowId"`
	WorkflowVersion  int               `json:"workflowVersion"`
	TriggerID        string            `json:"triggerId"`
	IsActive         bool              `json:"isActive"`
	EventFilter      string            `json:"eventFilter,omitempty"`
	ExtractVariables map[string]string `json:"extractVariables,omitempty"`
	Priority         int               `json:"priority"`
}

// WorkflowTemplate is a parameterized definition blueprint. See spec §3.
type WorkflowTemplate struct {
	TemplateID        string                 `json:"templateId"`
	Name              string                 `json:"name"`
	Description       string                 `json:"description,omitempty"`
	BaseTriggers      []WorkflowTriggerSpec  `json:"baseTriggers"`
	BaseSteps         []WorkflowStep         `json:"baseSteps"`
	BaseVariables     map[string]VariableDef `json:"baseVariables,omitempty"`
	BaseSettings      DefinitionSettings     `json:"baseSettings"`
	RequiredVariables []string               `json:"requiredVariables,omitempty"`
	ConfigSchema      map[string]VariableDef `json:"configSchema,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
}

// StepResult is the uniform result shape every step executor returns.
// See spec §4.3.
type StepResult struct {
	Success               bool
	Output                interface{}
	Error                 *ExecutionError
	NextStepID            string
	ShouldTerminate       bool
	VariableUpdates       map[string]interface{}
	RequiresOrchestration bool
}

// ExecutionContext is the per-execution bundle the evaluator consults: an
// instance's variables, aggregated (completed-only) step outputs, the
// triggering event's input, and an injected environment map. See spec §4.1
// and the GLOSSARY.
type ExecutionContext struct {
	Variables   map[string]interface{}
	StepOutputs map[string]interface{}
	Input       map[string]interface{}
	Env         map[string]string
}

// NewExecutionContext builds an ExecutionContext, defaulting nil maps to
// empty ones so evaluator lookups never nil-panic.
func NewExecutionContext(variables, stepOutputs, input map[string]interface{}, env map[string]string) *ExecutionContext {
	if variables == nil {
		variables = map[string]interface{}{}
	}
	if stepOutputs == nil {
		stepOutputs = map[string]interface{}{}
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	if env == nil {
		env = map[string]string{}
	}
	return &ExecutionContext{Variables: variables, StepOutputs: stepOutputs, Input: input, Env: env}
}
