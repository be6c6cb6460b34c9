package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrHTTPActionFailed is retryable", ErrHTTPActionFailed, true},
		{"ErrStoreFailed is retryable", ErrStoreFailed, true},
		{"ErrCircuitBreakerOpen is retryable", ErrCircuitBreakerOpen, true},
		{"ErrEventPublishFailed is retryable", ErrEventPublishFailed, true},
		{"ErrInstanceNotFound is not retryable", ErrInstanceNotFound, false},
		{"ErrInvalidDefinition is not retryable", ErrInvalidDefinition, false},
		{"plain error is not retryable", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrDefinitionNotFound", ErrDefinitionNotFound, true},
		{"ErrInstanceNotFound", ErrInstanceNotFound, true},
		{"ErrApprovalNotFound", ErrApprovalNotFound, true},
		{"ErrTriggerNotFound", ErrTriggerNotFound, true},
		{"ErrTemplateNotFound", ErrTemplateNotFound, true},
		{"ErrInvalidState is not a not-found error", ErrInvalidState, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsStateInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrInvalidState", ErrInvalidState, true},
		{"ErrApprovalFinalized", ErrApprovalFinalized, true},
		{"ErrApprovalExpired", ErrApprovalExpired, true},
		{"ErrDuplicateDecision", ErrDuplicateDecision, true},
		{"ErrInstanceNotFound is not a state error", ErrInstanceNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsStateInvalid(tt.err); got != tt.expected {
				t.Errorf("IsStateInvalid(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestWorkflowError_Error(t *testing.T) {
	t.Run("op and cause", func(t *testing.T) {
		err := &WorkflowError{Op: "orchestrator.executeWorkflow", Code: "STEP_EXECUTION_ERROR", Cause: fmt.Errorf("boom")}
		want := "orchestrator.executeWorkflow: STEP_EXECUTION_ERROR: boom"
		if got := err.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("op, step id and cause", func(t *testing.T) {
		err := &WorkflowError{Op: "orchestrator.executeWorkflow", Code: "HTTP_500", StepID: "h", Cause: fmt.Errorf("server error")}
		want := "orchestrator.executeWorkflow [step=h]: HTTP_500: server error"
		if got := err.Error(); got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("message only", func(t *testing.T) {
		err := &WorkflowError{Message: "definition invalid"}
		if got := err.Error(); got != "definition invalid" {
			t.Errorf("Error() = %q, want %q", got, "definition invalid")
		}
	})

	t.Run("code only", func(t *testing.T) {
		err := &WorkflowError{Code: "E_INVALID_STATE"}
		if got := err.Error(); got != "E_INVALID_STATE" {
			t.Errorf("Error() = %q, want %q", got, "E_INVALID_STATE")
		}
	})
}

func TestNewWorkflowError(t *testing.T) {
	cause := errors.New("timeout")
	err := NewWorkflowError("step.http_request", "HTTP_TIMEOUT", cause)

	if err.Op != "step.http_request" || err.Code != "HTTP_TIMEOUT" {
		t.Errorf("unexpected fields: %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("NewWorkflowError should wrap cause for errors.Is")
	}
}
