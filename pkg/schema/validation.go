package schema

import (
	"encoding/json"
	"fmt"
)

// Structural validator issue codes. Errors block execution; warnings are
// informational and never do.
const (
	CodeEmptyWorkflow        = "EMPTY_WORKFLOW"
	CodeEmptyStepName        = "EMPTY_STEP_NAME"
	CodeDuplicateStepName    = "DUPLICATE_STEP_NAME"
	CodeInvalidStepReference = "INVALID_STEP_REFERENCE"
	CodeCircularReference    = "CIRCULAR_REFERENCE"
	CodeUndefinedParameter   = "UNDEFINED_PARAMETER"
	CodeUnusedParameter      = "UNUSED_PARAMETER"
	CodeEmptyToolName        = "EMPTY_TOOL_NAME"
	CodeEmptyCondition       = "EMPTY_CONDITION"
	CodeEmptyConditionBranch = "EMPTY_CONDITION_BRANCH"
	CodeEmptyParallelSteps   = "EMPTY_PARALLEL_STEPS"
	CodeEmptyLoopCondition   = "EMPTY_LOOP_CONDITION"
	CodeEmptyLoopSteps       = "EMPTY_LOOP_STEPS"
	CodeEmptyWorkflowID      = "EMPTY_WORKFLOW_ID"
	CodeInvalidVersion       = "INVALID_VERSION"
	CodeUnknownStepType      = "UNKNOWN_STEP_TYPE"
	CodeHighComplexity       = "HIGH_COMPLEXITY"
	CodeLongStepTimeout      = "LONG_STEP_TIMEOUT"
	CodeUnknownTool          = "UNKNOWN_TOOL"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single validation problem with step context.
type ValidationIssue struct {
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	StepName string             `json:"step_name,omitempty"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues found by the structural validator.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(code, message, stepName string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Code: code, Message: message, StepName: stepName, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(code, message, stepName string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Code: code, Message: message, StepName: stepName, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasError reports whether any error carries the given code.
func (r *ValidationResult) HasError(code string) bool {
	for _, issue := range r.Errors {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// HasWarning reports whether any warning carries the given code.
func (r *ValidationResult) HasWarning(code string) bool {
	for _, issue := range r.Warnings {
		if issue.Code == code {
			return true
		}
	}
	return false
}

// MarshalJSON emits the result with an explicit is_valid flag so API
// consumers never have to infer validity from the error slice.
func (r *ValidationResult) MarshalJSON() ([]byte, error) {
	type alias struct {
		IsValid  bool              `json:"is_valid"`
		Errors   []ValidationIssue `json:"errors"`
		Warnings []ValidationIssue `json:"warnings"`
	}
	errs := r.Errors
	if errs == nil {
		errs = []ValidationIssue{}
	}
	warns := r.Warnings
	if warns == nil {
		warns = []ValidationIssue{}
	}
	return json.Marshal(alias{IsValid: r.Valid(), Errors: errs, Warnings: warns})
}

// ToError converts the result to an EngineError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
