package connectors

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the server section of a rule set, as seen by a factory.
type Config interface {
	// Decode unmarshals the section into a typed struct using yaml tags.
	Decode(v any) error

	// Values returns the raw section.
	Values() map[string]any
}

// MapConfig is a Config backed by a plain map.
type MapConfig map[string]any

// Decode round-trips the map through YAML into v.
func (m MapConfig) Decode(v any) error {
	data, err := yaml.Marshal(map[string]any(m))
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, v)
}

// Values returns the map.
func (m MapConfig) Values() map[string]any {
	return m
}

// Spec describes the adapter a target system needs.
type Spec struct {
	// System is the target system name.
	System string

	// Kind selects the factory.
	Kind string

	// Config is the server section of the rule set.
	Config Config

	// SchemaMarkers are the rule set's object classes or table name.
	SchemaMarkers []string
}

// Factory builds an adapter from its specification.
type Factory func(spec Spec, logger zerolog.Logger) (Connector, error)

// Registry maps connector kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind.
func (r *Registry) Register(kind string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("connector kind %s already registered", kind)
	}
	r.factories[kind] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(kind string, factory Factory) {
	if err := r.Register(kind, factory); err != nil {
		panic(err)
	}
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds an adapter for spec.
func (r *Registry) New(spec Spec, logger zerolog.Logger) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Kind]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown connector kind %q", spec.Kind)
	}
	if spec.Config == nil {
		spec.Config = MapConfig{}
	}
	return factory(spec, logger)
}

// Manager hands out one adapter per target system and rebuilds it when the
// system's configuration changes. Adapters are safe for concurrent use;
// they acquire connections per call.
type Manager struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         zerolog.Logger

	mu       sync.Mutex
	adapters map[string]*managedAdapter
}

type managedAdapter struct {
	fingerprint string
	raw         Connector
	conn        Connector
}

// NewManager creates a manager. defaultTimeout bounds every backend call
// unless the server section sets its own "timeout".
func NewManager(registry *Registry, defaultTimeout time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger.With().Str("component", "connector-manager").Logger(),
		adapters:       make(map[string]*managedAdapter),
	}
}

// For returns the adapter for spec.System, building it if the spec differs
// from the one the cached adapter was built with.
func (m *Manager) For(spec Spec) (Connector, error) {
	system, kind := spec.System, spec.Kind

	fp, err := fingerprint(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint %s config: %w", system, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cached, ok := m.adapters[system]; ok && cached.fingerprint == fp {
		return cached.conn, nil
	}

	timeout, err := configTimeout(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout for %s: %w", system, err)
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	logger := m.logger.With().Str("system", system).Str("connector", kind).Logger()
	raw, err := m.registry.New(spec, logger)
	if err != nil {
		return nil, err
	}

	if old, ok := m.adapters[system]; ok {
		// Calls already holding the old adapter are bounded by its timeout.
		grace := 2 * timeout
		if grace <= 0 {
			grace = time.Minute
		}
		time.AfterFunc(grace, func() { m.closeAdapter(system, old) })
	}

	managed := &managedAdapter{fingerprint: fp, raw: raw, conn: WithTimeout(raw, timeout)}
	m.adapters[system] = managed

	m.logger.Info().
		Str("system", system).
		Str("connector", kind).
		Dur("timeout", timeout).
		Msg("Connector ready")

	return managed.conn, nil
}

// Close releases every adapter that holds resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for system, a := range m.adapters {
		m.closeAdapter(system, a)
	}
	m.adapters = make(map[string]*managedAdapter)
	return nil
}

func (m *Manager) closeAdapter(system string, a *managedAdapter) {
	closer, ok := a.raw.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		m.logger.Warn().Err(err).Str("system", system).Msg("Failed to close connector")
	}
}

func fingerprint(spec Spec) (string, error) {
	var values map[string]any
	if spec.Config != nil {
		values = spec.Config.Values()
	}
	data, err := json.Marshal(struct {
		Kind    string         `json:"kind"`
		Values  map[string]any `json:"values"`
		Markers []string       `json:"markers"`
	}{spec.Kind, values, spec.SchemaMarkers})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func configTimeout(cfg Config) (time.Duration, error) {
	if cfg == nil {
		return 0, nil
	}
	switch v := cfg.Values()["timeout"].(type) {
	case nil:
		return 0, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		return time.ParseDuration(v)
	default:
		return 0, fmt.Errorf("unsupported timeout value %v", v)
	}
}
