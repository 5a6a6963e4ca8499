package connectors

import (
	"context"
	"sort"
)

// Attributes are backend attribute values keyed by backend attribute name.
type Attributes map[string]string

// Clone returns a copy of the attributes.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Keys returns the attribute names in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry is a record to create.
type Entry struct {
	// ID is the backend identifier to address the record by, such as a
	// directory DN or a key column value. Adapters that assign identifiers
	// themselves may ignore it.
	ID string

	// SchemaMarkers are backend schema identifiers: object classes for a
	// directory, or the table name for a relational store.
	SchemaMarkers []string

	// Attributes are the values to write.
	Attributes Attributes
}

// Result is the outcome of a successful backend mutation.
type Result struct {
	// OK is true when the backend accepted the change.
	OK bool `json:"ok"`

	// ID is the backend identifier of the affected record.
	ID string `json:"id,omitempty"`

	// Diagnostic carries raw backend details for audit.
	Diagnostic map[string]any `json:"diagnostic,omitempty"`
}

// Connector is the capability set every backend adapter implements.
//
// Adapters acquire a backend connection at the start of each call and
// release it before returning, whatever the outcome. Failures are reported
// as *Error; Update and Delete on a missing record report ErrorKindNotFound.
type Connector interface {
	// Kind returns the adapter kind, such as "ldap" or "sql".
	Kind() string

	// Create writes a new record.
	Create(ctx context.Context, entry Entry) (*Result, error)

	// Update replaces the given attributes of an existing record.
	Update(ctx context.Context, id string, changes Attributes) (*Result, error)

	// Delete removes a record.
	Delete(ctx context.Context, id string) (*Result, error)

	// Read returns the attributes of a record.
	Read(ctx context.Context, id string) (Attributes, error)

	// TestConnection reports whether the backend is reachable. It never fails.
	TestConnection(ctx context.Context) bool
}
