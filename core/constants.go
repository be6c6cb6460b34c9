package core

import "time"

// Default durations and counters referenced directly by name from spec
// prose; Config overrides these per-process, definition Settings override
// them per-workflow.
const (
	DefaultInstanceTTL   = 90 * 24 * time.Hour
	DefaultApprovalTTL   = 7 * 24 * time.Hour
	DefaultMaxExecution  = 24 * time.Hour
	DefaultMaxSteps      = 1000
	DefaultScriptTimeout = 5 * time.Second
	DefaultHTTPTimeout   = 30 * time.Second
)

// Store collection names. The repositories in workflow/repository.go document
// the partition key each of their collections uses.
const (
	CollectionDefinitions = "workflowDefinitions"
	CollectionInstances   = "workflowInstances"
	CollectionTriggers    = "workflowTriggers"
	CollectionApprovals   = "workflowApprovals"
	CollectionTemplates   = "workflowTemplates"
	CollectionCanvas      = "workflowCanvas"
)
