package rules

import (
	"errors"
	"fmt"
	"strings"
)

// ConfigError reports a rule document that could not be loaded. The engine
// keeps serving the previous snapshot when a reload fails with ConfigError.
type ConfigError struct {
	// Source names the document that failed to load.
	Source string `json:"source,omitempty"`

	// System is the target system being decoded, if known.
	System string `json:"system,omitempty"`

	// Attribute is the mapping being compiled, if known.
	Attribute string `json:"attribute,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("rules config error")
	if e.Source != "" {
		fmt.Fprintf(&b, " in %s", e.Source)
	}
	if e.System != "" {
		fmt.Fprintf(&b, " (system=%s", e.System)
		if e.Attribute != "" {
			fmt.Fprintf(&b, ", attribute=%s", e.Attribute)
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// UnknownSystemError is returned when no rule set exists for a target system.
type UnknownSystemError struct {
	System string `json:"system"`
}

// Error implements the error interface.
func (e *UnknownSystemError) Error() string {
	return fmt.Sprintf("unknown target system %q", e.System)
}

// Is matches any UnknownSystemError when the target has no system set.
func (e *UnknownSystemError) Is(target error) bool {
	t, ok := target.(*UnknownSystemError)
	if !ok {
		return false
	}
	return t.System == "" || t.System == e.System
}

// EvaluationKind classifies a RuleEvaluationError.
type EvaluationKind string

const (
	// EvaluationKindTemplate wraps a template error.
	EvaluationKindTemplate EvaluationKind = "template"

	// EvaluationKindCycle reports rules that reference each other.
	EvaluationKindCycle EvaluationKind = "cycle"
)

// RuleEvaluationError identifies the attribute whose derivation failed.
// No partial result accompanies it.
type RuleEvaluationError struct {
	System    string         `json:"system"`
	Attribute string         `json:"attribute"`
	Kind      EvaluationKind `json:"kind"`
	Cycle     []string       `json:"cycle,omitempty"`
	Err       error          `json:"-"`
}

// Error implements the error interface.
func (e *RuleEvaluationError) Error() string {
	if e.Kind == EvaluationKindCycle {
		return fmt.Sprintf("rule %q of system %q is part of a reference cycle (%s)",
			e.Attribute, e.System, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("rule %q of system %q failed: %v", e.Attribute, e.System, e.Err)
}

// Unwrap returns the underlying template error.
func (e *RuleEvaluationError) Unwrap() error {
	return e.Err
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsUnknownSystem reports whether err is an UnknownSystemError.
func IsUnknownSystem(err error) bool {
	var ue *UnknownSystemError
	return errors.As(err, &ue)
}

// IsRuleEvaluation reports whether err is a RuleEvaluationError.
func IsRuleEvaluation(err error) bool {
	var re *RuleEvaluationError
	return errors.As(err, &re)
}
