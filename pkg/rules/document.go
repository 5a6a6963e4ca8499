package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/provgate/provgate/pkg/template"
)

// Format is the encoding of a rule document.
type Format string

const (
	// FormatYAML is a YAML document.
	FormatYAML Format = "yaml"

	// FormatCUE is a CUE document; it is evaluated and must be concrete.
	FormatCUE Format = "cue"
)

// globalKey is the reserved top-level key for shared settings.
const globalKey = "global"

var (
	validate        = validator.New()
	attributeNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)
)

// Source supplies the rule document.
type Source interface {
	// Name identifies the source in logs and errors.
	Name() string

	// Read returns the current document content and its format.
	Read(ctx context.Context) ([]byte, Format, error)
}

// FileSource reads rules from a file. Files ending in .cue are CUE,
// anything else is YAML.
type FileSource struct {
	Path string
}

// Name returns the file path.
func (f FileSource) Name() string {
	return f.Path
}

// Read loads the file.
func (f FileSource) Read(ctx context.Context) ([]byte, Format, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, "", err
	}
	if strings.EqualFold(filepath.Ext(f.Path), ".cue") {
		return data, FormatCUE, nil
	}
	return data, FormatYAML, nil
}

// StaticSource serves an in-memory document.
type StaticSource struct {
	Label  string
	Data   []byte
	Format Format
}

// Name returns the label.
func (s StaticSource) Name() string {
	if s.Label == "" {
		return "inline"
	}
	return s.Label
}

// Read returns the stored document.
func (s StaticSource) Read(ctx context.Context) ([]byte, Format, error) {
	format := s.Format
	if format == "" {
		format = FormatYAML
	}
	return s.Data, format, nil
}

type systemDocument struct {
	Connector     string    `yaml:"connector"`
	Identifier    string    `yaml:"identifier"`
	ObjectClasses []string  `yaml:"object_classes"`
	Schema        yaml.Node `yaml:"schema"`
	Server        yaml.Node `yaml:"server"`
	Mappings      yaml.Node `yaml:"mappings"`
	Payload       yaml.Node `yaml:"payload"`
}

type globalDocument struct {
	DefaultTarget string         `yaml:"default_target"`
	Variables     map[string]any `yaml:"variables"`
}

type pair struct {
	key   string
	value string
	line  int
}

// Parse decodes and compiles a rule document. The returned snapshot has no
// version; the engine assigns one when it is installed.
func Parse(source string, data []byte, format Format, schema *SchemaValidator) (*Snapshot, error) {
	cfgErr := func(system, attr, msg string, err error) error {
		return &ConfigError{Source: source, System: system, Attribute: attr, Message: msg, Err: err}
	}

	doc := data
	if format == FormatCUE {
		out, err := compileCUE(data)
		if err != nil {
			return nil, cfgErr("", "", "invalid CUE document", err)
		}
		doc = out
	}

	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, cfgErr("", "", "failed to parse document", err)
	}
	if root.Kind == 0 {
		return nil, cfgErr("", "", "document is empty", nil)
	}
	top := &root
	if top.Kind == yaml.DocumentNode && len(top.Content) > 0 {
		top = top.Content[0]
	}
	if top.Kind != yaml.MappingNode {
		return nil, cfgErr("", "", "document must be a mapping keyed by target system", nil)
	}

	if schema != nil {
		var generic map[string]any
		if err := top.Decode(&generic); err != nil {
			return nil, cfgErr("", "", "failed to decode document", err)
		}
		if err := schema.Validate(generic); err != nil {
			return nil, cfgErr("", "", "document does not match rules schema", err)
		}
	}

	sum := sha256.Sum256(data)
	snap := &Snapshot{
		Source:   source,
		Checksum: hex.EncodeToString(sum[:]),
		Systems:  make(map[string]*RuleSet),
		Global:   Global{Variables: map[string]any{}, Values: map[string]any{}},
	}

	for i := 0; i+1 < len(top.Content); i += 2 {
		keyNode, valNode := top.Content[i], top.Content[i+1]
		name := keyNode.Value

		if name == globalKey {
			g, err := decodeGlobal(valNode)
			if err != nil {
				return nil, cfgErr(globalKey, "", "invalid global section", err)
			}
			snap.Global = g
			continue
		}

		if _, dup := snap.Systems[name]; dup {
			return nil, cfgErr(name, "", fmt.Sprintf("system declared twice (line %d)", keyNode.Line), nil)
		}

		rs, err := decodeRuleSet(name, valNode)
		if err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) {
				ce.Source = source
				return nil, ce
			}
			return nil, cfgErr(name, "", "invalid rule set", err)
		}
		snap.Systems[name] = rs
		snap.order = append(snap.order, name)
	}

	if dt := snap.Global.DefaultTarget; dt != "" {
		if _, ok := snap.Systems[dt]; !ok {
			return nil, cfgErr(globalKey, "", fmt.Sprintf("default_target %q is not a configured system", dt), nil)
		}
	}

	return snap, nil
}

func decodeGlobal(node *yaml.Node) (Global, error) {
	g := Global{Variables: map[string]any{}, Values: map[string]any{}}
	if node.Kind != yaml.MappingNode {
		return g, fmt.Errorf("global must be a mapping")
	}

	var gd globalDocument
	if err := node.Decode(&gd); err != nil {
		return g, err
	}
	if err := node.Decode(&g.Values); err != nil {
		return g, err
	}

	g.DefaultTarget = gd.DefaultTarget
	for k, v := range gd.Variables {
		if _, err := template.Stringify(v); err != nil {
			return g, fmt.Errorf("variable %q: %w", k, err)
		}
		g.Variables[k] = v
	}
	return g, nil
}

func decodeRuleSet(name string, node *yaml.Node) (*RuleSet, error) {
	cfgErr := func(attr, msg string, err error) error {
		return &ConfigError{System: name, Attribute: attr, Message: msg, Err: err}
	}

	if node.Kind != yaml.MappingNode {
		return nil, cfgErr("", "rule set must be a mapping", nil)
	}

	var sd systemDocument
	if err := node.Decode(&sd); err != nil {
		return nil, cfgErr("", "failed to decode rule set", err)
	}

	rs := &RuleSet{
		Name:       name,
		Connector:  sd.Connector,
		Identifier: sd.Identifier,
		index:      make(map[string]int),
	}
	if rs.Connector == "" {
		rs.Connector = name
	}
	if rs.Identifier == "" {
		rs.Identifier = DefaultIdentifier
	}

	markers, err := schemaMarkers(sd)
	if err != nil {
		return nil, cfgErr("", "invalid schema markers", err)
	}
	rs.SchemaMarkers = markers

	server, err := newBackendConfig(name, rs.Connector, &sd.Server)
	if err != nil {
		return nil, cfgErr("", "invalid server section", err)
	}
	rs.Server = server

	mappings, err := orderedPairs(&sd.Mappings)
	if err != nil {
		return nil, cfgErr("", "invalid mappings", err)
	}
	for _, p := range mappings {
		if !attributeNameRe.MatchString(p.key) {
			return nil, cfgErr(p.key, fmt.Sprintf("invalid attribute name (line %d)", p.line), nil)
		}
		tmpl, err := template.Parse(p.value)
		if err != nil {
			return nil, cfgErr(p.key, fmt.Sprintf("invalid template (line %d)", p.line), err)
		}
		rs.index[p.key] = len(rs.Mappings)
		rs.Mappings = append(rs.Mappings, Mapping{Name: p.key, Template: tmpl})
	}

	payload, err := orderedPairs(&sd.Payload)
	if err != nil {
		return nil, cfgErr("", "invalid payload", err)
	}
	for _, p := range payload {
		if p.value == "" {
			return nil, cfgErr(p.key, "payload source must not be empty", nil)
		}
		rs.Payload = append(rs.Payload, PayloadField{Attribute: p.key, Source: p.value})
	}

	if err := validate.Struct(rs); err != nil {
		return nil, cfgErr("", "rule set validation failed", err)
	}

	linkMappings(rs)
	return rs, nil
}

func schemaMarkers(sd systemDocument) ([]string, error) {
	markers := append([]string{}, sd.ObjectClasses...)

	switch sd.Schema.Kind {
	case 0:
	case yaml.ScalarNode:
		markers = append(markers, sd.Schema.Value)
	case yaml.SequenceNode:
		var list []string
		if err := sd.Schema.Decode(&list); err != nil {
			return nil, err
		}
		markers = append(markers, list...)
	default:
		return nil, fmt.Errorf("schema must be a string or a list of strings")
	}

	for _, m := range markers {
		if strings.TrimSpace(m) == "" {
			return nil, fmt.Errorf("schema markers must not be empty")
		}
	}
	return markers, nil
}

// orderedPairs returns the scalar entries of a mapping node in document order.
func orderedPairs(node *yaml.Node) ([]pair, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("expected a mapping (line %d)", node.Line)
	}

	seen := make(map[string]bool)
	pairs := make([]pair, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("value of %q must be a scalar (line %d)", k.Value, v.Line)
		}
		if seen[k.Value] {
			return nil, fmt.Errorf("duplicate key %q (line %d)", k.Value, k.Line)
		}
		seen[k.Value] = true
		pairs = append(pairs, pair{key: k.Value, value: v.Value, line: k.Line})
	}
	return pairs, nil
}
