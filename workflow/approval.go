package workflow

import (
	"context"
	"time"

	"github.com/flowforge/workflows/core"
	"github.com/google/uuid"
)

// CreateApprovalParams carries createApproval's inputs (spec §4.6).
type CreateApprovalParams struct {
	InstanceID        string
	WorkflowID        string
	StepID            string
	OrganizationID    string
	ApproverRoles     []string
	ApproverUsers     []string
	RequiredApprovals int
	Context           map[string]interface{}
	ExpiresInSeconds  int64
}

// CreateApproval materializes a pending ApprovalRequest.
func CreateApproval(ctx context.Context, repo *ApprovalRepository, clock core.Clock, p CreateApprovalParams) (*ApprovalRequest, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	now := clock.Now()
	required := p.RequiredApprovals
	if required <= 0 {
		required = 1
	}
	a := &ApprovalRequest{
		ApprovalID:        uuid.NewString(),
		InstanceID:        p.InstanceID,
		WorkflowID:        p.WorkflowID,
		StepID:            p.StepID,
		OrganizationID:    p.OrganizationID,
		ApproverRoles:     p.ApproverRoles,
		ApproverUsers:     p.ApproverUsers,
		RequiredApprovals: required,
		Context:           p.Context,
		RequestedAt:       now,
		Status:            ApprovalPending,
	}
	if p.ExpiresInSeconds > 0 {
		exp := now.Add(time.Duration(p.ExpiresInSeconds) * time.Second)
		a.ExpiresAt = &exp
	}
	if err := repo.Upsert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// RecordApprovalDecision implements spec §4.6's recordApprovalDecision.
func RecordApprovalDecision(ctx context.Context, repo *ApprovalRepository, clock core.Clock, approvalID, instanceID, userID, decision, comment string, data map[string]interface{}) (*ApprovalRequest, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	a, err := repo.Get(ctx, approvalID, instanceID)
	if err != nil {
		return nil, err
	}
	if a.Status != ApprovalPending {
		return nil, core.NewWorkflowError("workflow.RecordApprovalDecision", "APPROVAL_FINALIZED", core.ErrApprovalFinalized)
	}
	now := clock.Now()
	if a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
		return nil, core.NewWorkflowError("workflow.RecordApprovalDecision", "APPROVAL_EXPIRED", core.ErrApprovalExpired)
	}
	for _, d := range a.Decisions {
		if d.UserID == userID {
			return nil, core.NewWorkflowError("workflow.RecordApprovalDecision", "DUPLICATE_DECISION", core.ErrDuplicateDecision)
		}
	}

	a.Decisions = append(a.Decisions, ApprovalDecision{UserID: userID, Decision: decision, Comment: comment, Data: data, DecidedAt: now})

	switch decision {
	case "rejected":
		a.Status = ApprovalRejected
	case "approved":
		a.CurrentApprovals++
		if a.CurrentApprovals >= a.RequiredApprovals {
			a.Status = ApprovalApproved
		}
	}

	if err := repo.Upsert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ReassignApproval implements spec §4.6's reassignApproval: the original is
// closed with a synthetic "reassigned" marker (a close-and-forward signal,
// not a real decision), and a fresh pending approval naming only toUserID is
// created inheriting the original's step/instance context.
func ReassignApproval(ctx context.Context, repo *ApprovalRepository, clock core.Clock, approvalID, instanceID, toUserID, reason string) (*ApprovalRequest, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	original, err := repo.Get(ctx, approvalID, instanceID)
	if err != nil {
		return nil, err
	}
	if original.Status != ApprovalPending {
		return nil, core.NewWorkflowError("workflow.ReassignApproval", "APPROVAL_FINALIZED", core.ErrApprovalFinalized)
	}

	now := clock.Now()
	original.Status = ApprovalReassigned
	original.Decisions = append(original.Decisions, ApprovalDecision{
		UserID:    "system",
		Decision:  "reassigned", // synthetic close-and-forward marker; never a real decision, see spec §9
		Comment:   reason,
		DecidedAt: now,
	})
	if err := repo.Upsert(ctx, original); err != nil {
		return nil, err
	}

	fresh := &ApprovalRequest{
		ApprovalID:        uuid.NewString(),
		InstanceID:        original.InstanceID,
		WorkflowID:        original.WorkflowID,
		StepID:            original.StepID,
		OrganizationID:    original.OrganizationID,
		ApproverUsers:     []string{toUserID},
		RequiredApprovals: 1,
		Context:           original.Context,
		RequestedAt:       now,
		Status:            ApprovalPending,
	}
	if original.ExpiresAt != nil {
		fresh.ExpiresAt = original.ExpiresAt
	}
	if err := repo.Upsert(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ExpireApprovals sweeps every pending approval with expiresAt < now and
// marks it expired (spec §4.6's expireApprovals).
func ExpireApprovals(ctx context.Context, repo *ApprovalRepository, clock core.Clock) (int, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	now := clock.Now()
	pending, err := repo.FindAllPending(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range pending {
		a := &pending[i]
		if a.ExpiresAt == nil || !a.ExpiresAt.Before(now) {
			continue
		}
		a.Status = ApprovalExpired
		if err := repo.Upsert(ctx, a); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ApprovalResultEventData builds the eventData.approvalResult payload spec
// §4.6 says resuming instances branch on.
func ApprovalResultEventData(a *ApprovalRequest) map[string]interface{} {
	decisions := make([]map[string]interface{}, len(a.Decisions))
	for i, d := range a.Decisions {
		decisions[i] = map[string]interface{}{
			"userId":   d.UserID,
			"decision": d.Decision,
			"comment":  d.Comment,
			"data":     d.Data,
		}
	}
	return map[string]interface{}{
		"approvalResult": map[string]interface{}{
			"approvalId": a.ApprovalID,
			"status":     string(a.Status),
			"decisions":  decisions,
		},
	}
}
