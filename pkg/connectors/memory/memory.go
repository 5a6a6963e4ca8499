// Package memory implements an in-process account store. It backs
// "connector: memory" systems and doubles as a recording fake in tests.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/connectors"
)

// Kind is the connector kind served by this package.
const Kind = "memory"

// Call records one capability invocation.
type Call struct {
	Op         string
	ID         string
	Attributes connectors.Attributes
}

// Store is a mutex-guarded map of records.
type Store struct {
	mu       sync.RWMutex
	records  map[string]connectors.Attributes
	markers  map[string][]string
	calls    []Call
	failures map[string]error
	healthy  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]connectors.Attributes),
		markers:  make(map[string][]string),
		failures: make(map[string]error),
		healthy:  true,
	}
}

// Factory builds an empty store for a rule set.
func Factory(spec connectors.Spec, logger zerolog.Logger) (connectors.Connector, error) {
	return New(), nil
}

// Kind returns "memory".
func (s *Store) Kind() string {
	return Kind
}

// FailWith makes every later call of op fail with err. A nil err clears it.
func (s *Store) FailWith(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// SetHealthy controls the TestConnection result.
func (s *Store) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// Calls returns the recorded mutating and reading calls.
func (s *Store) Calls() []Call {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Put stores a record directly, bypassing call recording.
func (s *Store) Put(id string, attrs connectors.Attributes) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = attrs.Clone()
}

func (s *Store) record(op, id string, attrs connectors.Attributes) error {
	s.calls = append(s.calls, Call{Op: op, ID: id, Attributes: attrs.Clone()})
	if err := s.failures[op]; err != nil {
		return connectors.Classify(Kind, op, id, err)
	}
	return nil
}

// Create stores a new record. An empty ID is replaced by a generated one.
func (s *Store) Create(ctx context.Context, entry connectors.Entry) (*connectors.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectors.Classify(Kind, "create", entry.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record("create", entry.ID, entry.Attributes); err != nil {
		return nil, err
	}

	id := entry.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := s.records[id]; exists {
		return nil, connectors.NewError(connectors.ErrorKindConflict, Kind, "create", id, "record already exists", nil)
	}

	s.records[id] = entry.Attributes.Clone()
	s.markers[id] = append([]string{}, entry.SchemaMarkers...)

	return &connectors.Result{
		OK: true,
		ID: id,
		Diagnostic: map[string]any{
			"attributes":     len(entry.Attributes),
			"schema_markers": entry.SchemaMarkers,
		},
	}, nil
}

// Update merges changes into an existing record.
func (s *Store) Update(ctx context.Context, id string, changes connectors.Attributes) (*connectors.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectors.Classify(Kind, "update", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record("update", id, changes); err != nil {
		return nil, err
	}

	current, ok := s.records[id]
	if !ok {
		return nil, connectors.NotFound(Kind, "update", id)
	}
	for k, v := range changes {
		current[k] = v
	}

	return &connectors.Result{OK: true, ID: id, Diagnostic: map[string]any{"modified": changes.Keys()}}, nil
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, id string) (*connectors.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectors.Classify(Kind, "delete", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record("delete", id, nil); err != nil {
		return nil, err
	}

	if _, ok := s.records[id]; !ok {
		return nil, connectors.NotFound(Kind, "delete", id)
	}
	delete(s.records, id)
	delete(s.markers, id)

	return &connectors.Result{OK: true, ID: id}, nil
}

// Read returns a copy of a record.
func (s *Store) Read(ctx context.Context, id string) (connectors.Attributes, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectors.Classify(Kind, "read", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.record("read", id, nil); err != nil {
		return nil, err
	}

	attrs, ok := s.records[id]
	if !ok {
		return nil, connectors.NotFound(Kind, "read", id)
	}
	return attrs.Clone(), nil
}

// TestConnection reports the configured health.
func (s *Store) TestConnection(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}
