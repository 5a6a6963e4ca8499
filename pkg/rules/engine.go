package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/template"
)

// ReloadResult describes one load attempt.
type ReloadResult struct {
	Source   string
	Snapshot *Snapshot
	Previous *Snapshot
	Duration time.Duration
	Err      error
}

// Option configures an Engine.
type Option func(*Engine)

// WithSchemaValidator overrides the CUE schema used to check documents.
func WithSchemaValidator(sv *SchemaValidator) Option {
	return func(e *Engine) {
		e.schema = sv
	}
}

// WithConnectorKinds restricts rule sets to the given connector kinds.
func WithConnectorKinds(kinds ...string) Option {
	return func(e *Engine) {
		e.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			e.kinds[k] = true
		}
	}
}

// WithReloadHook registers a callback invoked after every load attempt.
func WithReloadHook(fn func(ReloadResult)) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, fn)
	}
}

// Engine owns the current rule snapshot and evaluates rules against it.
// Readers take the snapshot once per call, so a concurrent Reload never
// produces a mix of old and new rules within one evaluation.
type Engine struct {
	source Source
	schema *SchemaValidator
	kinds  map[string]bool
	hooks  []func(ReloadResult)
	logger zerolog.Logger

	current atomic.Pointer[Snapshot]
	version uint64
	mu      sync.Mutex
}

// NewEngine creates an engine reading from source. No rules are loaded
// until Reload is called.
func NewEngine(source Source, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		source: source,
		logger: logger.With().Str("component", "rules-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.schema == nil {
		sv, err := NewSchemaValidator()
		if err != nil {
			return nil, err
		}
		e.schema = sv
	}
	return e, nil
}

// Reload reads the source and atomically installs the new snapshot. On
// failure the previous snapshot stays in place and a *ConfigError is returned.
func (e *Engine) Reload(ctx context.Context) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	previous := e.current.Load()

	snap, err := e.load(ctx)
	result := ReloadResult{
		Source:   e.source.Name(),
		Previous: previous,
		Duration: time.Since(start),
		Err:      err,
	}

	if err != nil {
		e.logger.Error().
			Err(err).
			Str("source", e.source.Name()).
			Msg("Failed to load rules, keeping previous configuration")
		e.notify(result)
		return nil, err
	}

	e.version++
	snap.Version = e.version
	snap.LoadedAt = time.Now().UTC()
	e.current.Store(snap)
	result.Snapshot = snap

	for system, names := range snap.Cycles() {
		e.logger.Warn().
			Str("system", system).
			Strs("rules", names).
			Msg("Rules reference each other; evaluating them will fail")
	}

	e.logger.Info().
		Uint64("version", snap.Version).
		Int("systems", len(snap.Systems)).
		Str("checksum", snap.Checksum[:12]).
		Msg("Rules loaded")

	e.notify(result)
	return snap, nil
}

func (e *Engine) load(ctx context.Context) (*Snapshot, error) {
	data, format, err := e.source.Read(ctx)
	if err != nil {
		return nil, &ConfigError{Source: e.source.Name(), Message: "failed to read rules", Err: err}
	}

	snap, err := Parse(e.source.Name(), data, format, e.schema)
	if err != nil {
		return nil, err
	}

	if e.kinds != nil {
		for _, name := range snap.order {
			rs := snap.Systems[name]
			if !e.kinds[rs.Connector] {
				return nil, &ConfigError{
					Source:  e.source.Name(),
					System:  name,
					Message: fmt.Sprintf("unknown connector kind %q", rs.Connector),
				}
			}
		}
	}
	return snap, nil
}

func (e *Engine) notify(result ReloadResult) {
	for _, fn := range e.hooks {
		fn(result)
	}
}

// Snapshot returns the current snapshot, or nil before the first load.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

func (e *Engine) ruleSet(system string) (*Snapshot, *RuleSet, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, nil, &UnknownSystemError{System: system}
	}
	rs, err := snap.RuleSet(system)
	return snap, rs, err
}

// ApplyRules computes every declared attribute of system, in declaration
// order, from raw. The first failing rule aborts the whole computation.
func (e *Engine) ApplyRules(ctx context.Context, system string, raw map[string]any) (*Calculated, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, &UnknownSystemError{System: system}
	}
	return snap.Apply(system, raw)
}

// ResolveAttributes computes only the rules needed for wanted.
func (e *Engine) ResolveAttributes(ctx context.Context, system string, raw map[string]any, wanted ...string) (*Calculated, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, &UnknownSystemError{System: system}
	}
	return snap.Resolve(system, raw, wanted...)
}

// InputsFor lists the context keys attr ultimately depends on.
func (e *Engine) InputsFor(system, attr string) ([]string, error) {
	_, rs, err := e.ruleSet(system)
	if err != nil {
		return nil, err
	}
	return inputs(rs, []string{attr}), nil
}

// BackendConfig returns the server section of system.
func (e *Engine) BackendConfig(system string) (*BackendConfig, error) {
	_, rs, err := e.ruleSet(system)
	if err != nil {
		return nil, err
	}
	return rs.Server, nil
}

// SchemaMarkers returns the schema markers of system; empty when none are
// declared.
func (e *Engine) SchemaMarkers(system string) ([]string, error) {
	_, rs, err := e.ruleSet(system)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rs.SchemaMarkers))
	copy(out, rs.SchemaMarkers)
	return out, nil
}

// Systems returns the configured target system names.
func (e *Engine) Systems() []string {
	snap := e.current.Load()
	if snap == nil {
		return nil
	}
	return snap.SystemNames()
}

// DefaultTarget returns global.default_target, if set.
func (e *Engine) DefaultTarget() string {
	snap := e.current.Load()
	if snap == nil {
		return ""
	}
	return snap.Global.DefaultTarget
}

// RuleSet returns the rule set for system.
func (s *Snapshot) RuleSet(system string) (*RuleSet, error) {
	rs, ok := s.Systems[system]
	if !ok {
		return nil, &UnknownSystemError{System: system}
	}
	return rs, nil
}

// Apply evaluates every rule of system against raw.
func (s *Snapshot) Apply(system string, raw map[string]any) (*Calculated, error) {
	rs, err := s.RuleSet(system)
	if err != nil {
		return nil, err
	}
	return s.evaluate(rs, raw, nil)
}

// Resolve evaluates the rules needed for wanted, in declaration order.
func (s *Snapshot) Resolve(system string, raw map[string]any, wanted ...string) (*Calculated, error) {
	rs, err := s.RuleSet(system)
	if err != nil {
		return nil, err
	}
	return s.evaluate(rs, raw, closure(rs, wanted))
}

// Context builds the seeded resolution context for one request: global
// variables first, then raw attributes.
func (s *Snapshot) Context(raw map[string]any) template.Context {
	ctx := make(template.Context, len(s.Global.Variables)+len(raw))
	for k, v := range s.Global.Variables {
		ctx[k] = v
	}
	for k, v := range raw {
		ctx[k] = v
	}
	return ctx
}

func (s *Snapshot) evaluate(rs *RuleSet, raw map[string]any, only map[string]bool) (*Calculated, error) {
	for _, m := range rs.Mappings {
		if only != nil && !only[m.Name] {
			continue
		}
		if len(m.cycle) > 0 {
			return nil, &RuleEvaluationError{
				System:    rs.Name,
				Attribute: m.cycle[0],
				Kind:      EvaluationKindCycle,
				Cycle:     m.cycle,
			}
		}
	}

	ctx := s.Context(raw)
	calc := newCalculated(rs.Name, s.Version, len(rs.Mappings))

	for _, m := range rs.Mappings {
		if only != nil && !only[m.Name] {
			continue
		}
		value, err := m.Template.Execute(ctx)
		if err != nil {
			return nil, &RuleEvaluationError{
				System:    rs.Name,
				Attribute: m.Name,
				Kind:      EvaluationKindTemplate,
				Err:       err,
			}
		}
		calc.set(m.Name, value)
		ctx[m.Name] = value
	}
	return calc, nil
}

// Description is a redacted, serialisable view of a snapshot.
type Description struct {
	Version  uint64                       `json:"version"`
	LoadedAt time.Time                    `json:"loaded_at"`
	Source   string                       `json:"source"`
	Checksum string                       `json:"checksum"`
	Global   map[string]any               `json:"global"`
	Systems  map[string]SystemDescription `json:"systems"`
}

// SystemDescription describes one rule set.
type SystemDescription struct {
	Connector     string           `json:"connector"`
	Identifier    string           `json:"identifier"`
	SchemaMarkers []string         `json:"schema_markers"`
	Server        map[string]any   `json:"server"`
	Mappings      []MappingSummary `json:"mappings"`
	Payload       []PayloadField   `json:"payload,omitempty"`
	Cycles        []string         `json:"cycles,omitempty"`
}

// MappingSummary is one rule in declaration order.
type MappingSummary struct {
	Attribute string   `json:"attribute"`
	Template  string   `json:"template"`
	Inputs    []string `json:"inputs,omitempty"`
}

// Describe returns a view of the current snapshot with secrets masked.
func (e *Engine) Describe() (*Description, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, &ConfigError{Source: e.source.Name(), Message: "no rules loaded"}
	}
	return snap.Describe(), nil
}

// Describe returns a view of the snapshot with secrets masked.
func (s *Snapshot) Describe() *Description {
	d := &Description{
		Version:  s.Version,
		LoadedAt: s.LoadedAt,
		Source:   s.Source,
		Checksum: s.Checksum,
		Global:   redact(s.Global.Values).(map[string]any),
		Systems:  make(map[string]SystemDescription, len(s.Systems)),
	}

	cycles := s.Cycles()
	for name, rs := range s.Systems {
		sd := SystemDescription{
			Connector:     rs.Connector,
			Identifier:    rs.Identifier,
			SchemaMarkers: append([]string{}, rs.SchemaMarkers...),
			Server:        rs.Server.Redacted(),
			Payload:       append([]PayloadField(nil), rs.Payload...),
			Cycles:        cycles[name],
		}
		for _, m := range rs.Mappings {
			in := inputs(rs, []string{m.Name})
			sort.Strings(in)
			sd.Mappings = append(sd.Mappings, MappingSummary{
				Attribute: m.Name,
				Template:  m.Template.String(),
				Inputs:    in,
			})
		}
		d.Systems[name] = sd
	}
	return d
}
