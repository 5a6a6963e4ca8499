package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/template"
)

var errNoIdentifier = errors.New("no backend identifier: supply account_id or the attributes the identifier rule reads")

// payloadError reports a payload field whose source value has no text form.
type payloadError struct {
	Attribute string
	Source    string
	Err       error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("payload attribute %q (from %q): %v", e.Attribute, e.Source, e.Err)
}

func (e *payloadError) Unwrap() error {
	return e.Err
}

// setupError reports a connector that could not be built for a system.
type setupError struct {
	System string
	Err    error
}

func (e *setupError) Error() string {
	return fmt.Sprintf("connector for %s unavailable: %v", e.System, e.Err)
}

func (e *setupError) Unwrap() error {
	return e.Err
}

// detailFor classifies err into the caller-facing error detail.
func detailFor(stage Stage, err error) *ErrorDetail {
	d := &ErrorDetail{Stage: stage, Kind: string(connectors.ErrorKindBackend), Message: err.Error()}

	var (
		ce  *connectors.Error
		ree *rules.RuleEvaluationError
		ue  *rules.UnknownSystemError
		ve  validator.ValidationErrors
		pe  *payloadError
		se  *setupError
	)

	switch {
	case errors.As(err, &ce):
		d.Kind = string(ce.Kind)
		d.Diagnostic = ce.Diagnostic

	case errors.As(err, &ree):
		d.Kind = ErrorKindRuleEvaluation
		d.Attribute = ree.Attribute
		d.Diagnostic = map[string]any{"rule_kind": string(ree.Kind)}
		if len(ree.Cycle) > 0 {
			d.Diagnostic["cycle"] = ree.Cycle
		}
		var te *template.Error
		if errors.As(err, &te) {
			d.Diagnostic["template_kind"] = string(te.Kind)
			if te.Name != "" {
				d.Diagnostic["name"] = te.Name
			}
		}

	case errors.As(err, &ue):
		d.Kind = ErrorKindUnknownSystem

	case errors.As(err, &ve):
		d.Kind = ErrorKindValidation
		fields := make([]string, 0, len(ve))
		for _, fe := range ve {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		d.Message = "invalid request: " + strings.Join(fields, ", ")

	case errors.Is(err, errNoIdentifier):
		d.Kind = ErrorKindIdentifier

	case errors.As(err, &pe):
		d.Kind = ErrorKindPayload
		d.Attribute = pe.Attribute

	case errors.As(err, &se):
		d.Kind = ErrorKindConfiguration

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.Kind = ErrorKindCancelled
	}

	return d
}
