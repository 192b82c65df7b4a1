package schema

import (
	"encoding/json"
	"fmt"
)

// Validation issue codes reported by the flow validator.
const (
	IssueNoStart            = "no_start"
	IssueMultipleStarts     = "multiple_starts"
	IssueEdgeInvalid        = "edge_invalid"
	IssueTemplateUnknown    = "template_unknown"
	IssueArgsInvalid        = "args_invalid"
	IssueTemplateNotAllowed = "template_not_allowed"
	IssueProviderUnknown    = "provider_unknown"
	IssueCredentialMissing  = "credential_missing"
	IssueNodeDuplicate      = "node_duplicate"
)

// Issue is a single validation problem.
type Issue struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationResult aggregates all issues found for one graph.
type ValidationResult struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Ok returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Ok() bool {
	return len(r.Errors) == 0
}

// AddError appends an error issue.
func (r *ValidationResult) AddError(code, message string, details map[string]any) {
	r.Errors = append(r.Errors, Issue{Code: code, Message: message, Details: details})
}

// AddWarning appends a warning issue.
func (r *ValidationResult) AddWarning(code, message string, details map[string]any) {
	r.Warnings = append(r.Warnings, Issue{Code: code, Message: message, Details: details})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// HasCode reports whether an error or warning with the given code exists.
func (r *ValidationResult) HasCode(code string) bool {
	for _, is := range r.Errors {
		if is.Code == code {
			return true
		}
	}
	for _, is := range r.Warnings {
		if is.Code == code {
			return true
		}
	}
	return false
}

// MarshalJSON emits the result with its derived ok flag and non-null issue lists.
func (r ValidationResult) MarshalJSON() ([]byte, error) {
	errs := r.Errors
	if errs == nil {
		errs = []Issue{}
	}
	warns := r.Warnings
	if warns == nil {
		warns = []Issue{}
	}
	return json.Marshal(struct {
		Ok       bool    `json:"ok"`
		Errors   []Issue `json:"errors"`
		Warnings []Issue `json:"warnings"`
	}{len(errs) == 0, errs, warns})
}

// ToError converts the result to a FlowError if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Ok() {
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
