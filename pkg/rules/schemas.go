package rules

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// SchemaValidator checks decoded rule documents against a CUE schema.
type SchemaValidator struct {
	ctx    *cue.Context
	schema cue.Value
	mu     sync.Mutex
}

// NewSchemaValidator compiles the built-in rule document schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	return NewSchemaValidatorFrom(builtinDocumentSchema)
}

// NewSchemaValidatorFrom compiles a custom schema. The schema must define
// #Document.
func NewSchemaValidatorFrom(schema string) (*SchemaValidator, error) {
	ctx := cuecontext.New()

	val := ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile rules schema: %w", err)
	}

	doc := val.LookupPath(cue.ParsePath("#Document"))
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("rules schema has no #Document definition: %w", err)
	}

	return &SchemaValidator{ctx: ctx, schema: doc}, nil
}

// Validate unifies data with #Document and requires a concrete result.
func (sv *SchemaValidator) Validate(data map[string]any) error {
	// cue.Context is not safe for concurrent use.
	sv.mu.Lock()
	defer sv.mu.Unlock()

	dataVal := sv.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	unified := sv.schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", cueerrors.Details(err, nil))
	}

	return nil
}

// compileCUE evaluates a CUE rule document and returns it as JSON.
func compileCUE(data []byte) ([]byte, error) {
	ctx := cuecontext.New()

	val := ctx.CompileBytes(data)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile CUE document: %s", cueerrors.Details(err, nil))
	}
	if err := val.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE document is not concrete: %s", cueerrors.Details(err, nil))
	}

	out, err := val.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export CUE document: %w", err)
	}
	return out, nil
}

const builtinDocumentSchema = `
// Scalar values a mapping or variable may hold
#Scalar: string | number | bool

// Global settings shared by all target systems
#Global: {
	// DefaultTarget is used when a request names no system
	default_target?: string & != ""

	// Variables seed every resolution context
	variables?: {[string]: #Scalar}

	...
}

// System is the rule set of one target system
#System: {
	// Connector selects the adapter; defaults to the system name
	connector?: string & =~"^[a-z][a-z0-9_]*$"

	// Identifier names the calculated attribute addressing a record
	identifier?: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"

	// Schema markers: directory object classes, or a table name
	object_classes?: [...string]
	schema?: string | [...string]

	// Server holds adapter connection parameters
	server?: {...}

	// Mappings are evaluated in declaration order
	mappings?: {[=~"^[A-Za-z_][A-Za-z0-9_.-]*$"]: #Scalar}

	// Payload maps backend attributes to context keys
	payload?: {[string]: string}
}

#Document: {
	global?: #Global

	[!~"^global$"]: #System
}
`
