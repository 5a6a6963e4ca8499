package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/provgate/provgate/pkg/template"
)

// DefaultIdentifier is the calculated attribute that addresses a record
// when a rule set does not name one.
const DefaultIdentifier = "dn"

// Mapping is one declared attribute rule.
type Mapping struct {
	// Name is the calculated attribute name.
	Name string

	// Template derives the value from the resolution context.
	Template *template.Template

	// deps are earlier rules this rule reads (chained values).
	deps []string

	// cycle is non-empty when the rule takes part in a reference cycle.
	cycle []string
}

// PayloadField maps a backend attribute to the context key it is read from.
type PayloadField struct {
	Attribute string `json:"attribute"`
	Source    string `json:"source"`
}

// RuleSet holds everything needed to provision one target system.
// A RuleSet is immutable once loaded.
type RuleSet struct {
	Name          string `validate:"required"`
	Connector     string `validate:"required"`
	Identifier    string `validate:"required"`
	SchemaMarkers []string
	Server        *BackendConfig
	Mappings      []Mapping
	Payload       []PayloadField

	index map[string]int
}

// Mapping returns the rule declared for attr.
func (rs *RuleSet) Mapping(attr string) (*Mapping, bool) {
	i, ok := rs.index[attr]
	if !ok {
		return nil, false
	}
	return &rs.Mappings[i], true
}

// Attributes returns the declared attribute names in declaration order.
func (rs *RuleSet) Attributes() []string {
	names := make([]string, len(rs.Mappings))
	for i, m := range rs.Mappings {
		names[i] = m.Name
	}
	return names
}

// Inputs lists the context keys the given attributes ultimately read,
// excluding values chained from earlier rules.
func (rs *RuleSet) Inputs(attrs ...string) []string {
	return inputs(rs, attrs)
}

// Global holds settings shared by every target system.
type Global struct {
	// DefaultTarget is used when a request names no target system.
	DefaultTarget string

	// Variables seed every resolution context. Raw attributes override them.
	Variables map[string]any

	// Values is the full decoded global section.
	Values map[string]any
}

// BackendConfig carries a rule set's server section. Adapters decode it
// into their own typed configuration.
type BackendConfig struct {
	System string
	Kind   string

	node   *yaml.Node
	values map[string]any
}

func newBackendConfig(system, kind string, node *yaml.Node) (*BackendConfig, error) {
	bc := &BackendConfig{System: system, Kind: kind, values: map[string]any{}}
	if node == nil || node.Kind == 0 || node.Tag == "!!null" {
		return bc, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("server section must be a mapping")
	}
	if err := node.Decode(&bc.values); err != nil {
		return nil, err
	}
	bc.node = node
	return bc, nil
}

// Decode unmarshals the server section into v using yaml struct tags.
func (bc *BackendConfig) Decode(v any) error {
	if bc == nil || bc.node == nil {
		return nil
	}
	return bc.node.Decode(v)
}

// Values returns a copy of the server section.
func (bc *BackendConfig) Values() map[string]any {
	out := make(map[string]any, len(bc.values))
	for k, v := range bc.values {
		out[k] = v
	}
	return out
}

// String returns a scalar setting formatted as text.
func (bc *BackendConfig) String(key string) string {
	if bc == nil {
		return ""
	}
	v, ok := bc.values[key]
	if !ok || v == nil {
		return ""
	}
	s, err := template.Stringify(v)
	if err != nil {
		return ""
	}
	return s
}

// Duration parses a duration setting. Plain numbers are seconds.
func (bc *BackendConfig) Duration(key string) (time.Duration, error) {
	raw := bc.String(key)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(raw)
}

// Redacted returns the server section with secrets masked.
func (bc *BackendConfig) Redacted() map[string]any {
	if bc == nil {
		return map[string]any{}
	}
	return redact(bc.values).(map[string]any)
}

var secretMarkers = []string{"password", "secret", "token", "credential", "apikey", "api_key"}

func redact(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if isSecretKey(k) {
				out[k] = "******"
				continue
			}
			out[k] = redact(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = redact(val)
		}
		return out
	default:
		return v
	}
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range secretMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}

// Snapshot is one immutable, versioned rule configuration.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time
	Source   string
	Checksum string
	Global   Global
	Systems  map[string]*RuleSet

	order []string
}

// SystemNames returns the configured target systems in document order.
func (s *Snapshot) SystemNames() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Cycles returns, per system, the rules involved in reference cycles.
func (s *Snapshot) Cycles() map[string][]string {
	out := make(map[string][]string)
	for _, name := range s.order {
		for _, m := range s.Systems[name].Mappings {
			if len(m.cycle) > 0 {
				out[name] = append(out[name], m.Name)
			}
		}
	}
	return out
}

// Calculated is the output of rule evaluation. Keys keeps declaration order.
type Calculated struct {
	System  string
	Version uint64
	Keys    []string
	Values  map[string]string
}

func newCalculated(system string, version uint64, size int) *Calculated {
	return &Calculated{
		System:  system,
		Version: version,
		Keys:    make([]string, 0, size),
		Values:  make(map[string]string, size),
	}
}

func (c *Calculated) set(key, value string) {
	if _, ok := c.Values[key]; !ok {
		c.Keys = append(c.Keys, key)
	}
	c.Values[key] = value
}

// Get returns a calculated value.
func (c *Calculated) Get(key string) (string, bool) {
	if c == nil {
		return "", false
	}
	v, ok := c.Values[key]
	return v, ok
}

// Map returns a copy of the calculated values.
func (c *Calculated) Map() map[string]string {
	out := make(map[string]string, len(c.Values))
	for k, v := range c.Values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the attributes as an object in declaration order.
func (c *Calculated) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range c.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(c.Values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
