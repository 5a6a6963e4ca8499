package provisioning

import (
	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/rules"
)

// Operation is the account lifecycle action of a request.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Stage is a step of the per-request state machine.
type Stage string

const (
	StageReceived           Stage = "RECEIVED"
	StageAttributesComputed Stage = "ATTRIBUTES_COMPUTED"
	StageBackendApplied     Stage = "BACKEND_APPLIED"
	StageAudited            Stage = "AUDITED"
	StageDone               Stage = "DONE"
)

// Outcome is the caller-facing result of a request.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeNotFound Outcome = "NOT_FOUND"
	OutcomeFailed   Outcome = "FAILED"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error kinds reported in ErrorDetail besides the connector kinds
// (not_found, timeout, conflict, auth, unavailable, invalid, backend).
const (
	ErrorKindValidation     = "validation"
	ErrorKindCancelled      = "cancelled"
	ErrorKindUnknownSystem  = "unknown_system"
	ErrorKindRuleEvaluation = "rule_evaluation"
	ErrorKindIdentifier     = "identifier"
	ErrorKindPayload        = "payload"
	ErrorKindConfiguration  = "configuration"
)

// Request is one account lifecycle request. It is used once and never
// modified by the orchestrator.
type Request struct {
	// RequestID correlates logs, events and the audit record. Generated
	// when empty.
	RequestID string `json:"request_id,omitempty" validate:"omitempty,max=128"`

	// Operation is create, update or delete.
	Operation Operation `json:"operation" validate:"required,oneof=create update delete"`

	// TargetSystem names the rule set to apply. Empty selects the
	// configured default target.
	TargetSystem string `json:"target_system,omitempty" validate:"omitempty,max=128"`

	// AccountID addresses an existing account. It may be empty on create.
	AccountID string `json:"account_id,omitempty" validate:"omitempty,max=1024"`

	// Attributes are the raw values supplied by the caller.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ErrorDetail describes why a request failed.
type ErrorDetail struct {
	// Stage is the stage being attempted when the failure happened.
	Stage Stage `json:"stage"`

	// Kind classifies the failure.
	Kind string `json:"kind"`

	// Attribute is the rule that failed, for rule evaluation errors.
	Attribute string `json:"attribute,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Diagnostic carries raw backend details.
	Diagnostic map[string]any `json:"diagnostic,omitempty"`
}

// Response is the structured result of a request. Failures are reported
// here rather than as Go errors.
type Response struct {
	Status       string    `json:"status"`
	Outcome      Outcome   `json:"outcome"`
	Stage        Stage     `json:"stage"`
	Message      string    `json:"message,omitempty"`
	RequestID    string    `json:"request_id"`
	Operation    Operation `json:"operation"`
	TargetSystem string    `json:"target_system,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`

	// Identifier is the backend identifier the request addressed.
	Identifier string `json:"identifier,omitempty"`

	// TraceID is set when the request span is sampled.
	TraceID string `json:"trace_id,omitempty"`

	CalculatedAttributes *rules.Calculated  `json:"calculated_attributes,omitempty"`
	Backend              *connectors.Result `json:"backend,omitempty"`
	ErrorDetail          *ErrorDetail       `json:"error_detail,omitempty"`
}

// Succeeded reports whether the request was applied.
func (r *Response) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}
