package contracts

import (
	"maps"

	"github.com/Mindburn-Labs/certledger/pkg/errcodes"
)

// ValidationResult is the outcome of one rule. Code is zero when Passed.
type ValidationResult struct {
	SchemaVersion string            `json:"schema_version"`
	Passed        bool              `json:"passed"`
	RuleID        string            `json:"rule_id"`
	Code          errcodes.Code     `json:"code,omitempty"`
	Message       string            `json:"message"`
	Details       map[string]string `json:"details,omitempty"`
}

// Pass builds a passing result.
func Pass(ruleID, message string) ValidationResult {
	return ValidationResult{
		SchemaVersion: SchemaVersion,
		Passed:        true,
		RuleID:        ruleID,
		Message:       message,
	}
}

// Fail builds a failing result. details is copied.
func Fail(ruleID string, code errcodes.Code, message string, details map[string]string) ValidationResult {
	var d map[string]string
	if len(details) > 0 {
		d = maps.Clone(details)
	}
	return ValidationResult{
		SchemaVersion: SchemaVersion,
		RuleID:        ruleID,
		Code:          code,
		Message:       message,
		Details:       d,
	}
}
