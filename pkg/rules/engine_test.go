package rules

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/template"
)

const scenarioRules = `
global:
  default_target: ldap
  variables:
    domain: example.com

ldap:
  object_classes: [inetOrgPerson, organizationalPerson]
  server:
    url: ldap://localhost:389
    bind_dn: cn=admin,dc=example,dc=com
    bind_password: secret
    base_dn: dc=example,dc=com
  mappings:
    login: "{{firstname|lower}}.{{lastname|lower}}"
    cn: "{{firstname}} {{lastname}}"
    mail: "{{login}}@example.com"
    dn: "uid={{login}},dc=example,dc=com"
  payload:
    cn: cn
    sn: lastname
    mail: mail

sql:
  schema: users
  identifier: username
  server:
    dialect: sqlite
    dsn: "file::memory:"
  mappings:
    username: "{{firstname[0]|lower ~ lastname|lower}}"
    email: "{{username}}@{{domain}}"
`

func newTestEngine(t *testing.T, doc string, opts ...Option) *Engine {
	t.Helper()

	e, err := NewEngine(StaticSource{Label: "test", Data: []byte(doc)}, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := e.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	return e
}

func TestApplyRules_Scenario(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	calc, err := e.ApplyRules(context.Background(), "ldap", map[string]any{
		"firstname": "Jean",
		"lastname":  "Dupont",
	})
	if err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}

	want := map[string]string{
		"login": "jean.dupont",
		"cn":    "Jean Dupont",
		"mail":  "jean.dupont@example.com",
		"dn":    "uid=jean.dupont,dc=example,dc=com",
	}
	if !reflect.DeepEqual(calc.Map(), want) {
		t.Errorf("calculated = %v, want %v", calc.Map(), want)
	}
	if !reflect.DeepEqual(calc.Keys, []string{"login", "cn", "mail", "dn"}) {
		t.Errorf("keys = %v, want declaration order", calc.Keys)
	}
	if calc.Version != 1 {
		t.Errorf("version = %d, want 1", calc.Version)
	}
}

func TestApplyRules_MissingInput(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	calc, err := e.ApplyRules(context.Background(), "ldap", map[string]any{"firstname": "Jean"})
	if err == nil {
		t.Fatal("expected error for missing lastname")
	}
	if calc != nil {
		t.Errorf("expected no partial result, got %v", calc.Map())
	}

	var re *RuleEvaluationError
	if !errors.As(err, &re) {
		t.Fatalf("expected RuleEvaluationError, got %T: %v", err, err)
	}
	if re.Attribute != "login" {
		t.Errorf("failing attribute = %q, want login", re.Attribute)
	}
	if re.Kind != EvaluationKindTemplate {
		t.Errorf("kind = %s, want template", re.Kind)
	}

	var te *template.Error
	if !errors.As(err, &te) || te.Kind != template.ErrorKindUndefined || te.Name != "lastname" {
		t.Errorf("expected undefined lastname template error, got %v", err)
	}
}

func TestApplyRules_Deterministic(t *testing.T) {
	e := newTestEngine(t, scenarioRules)
	raw := map[string]any{"firstname": "Élodie", "lastname": "Durand"}

	first, err := e.ApplyRules(context.Background(), "sql", raw)
	if err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := e.ApplyRules(context.Background(), "sql", raw)
		if err != nil {
			t.Fatalf("ApplyRules failed: %v", err)
		}
		if !reflect.DeepEqual(first, next) {
			t.Fatalf("run %d differs: %v vs %v", i, first.Map(), next.Map())
		}
	}
	if got := first.Values["email"]; got != "édurand@example.com" {
		t.Errorf("email = %q", got)
	}
}

func TestApplyRules_ChainingUsesComputedValue(t *testing.T) {
	e := newTestEngine(t, `
app:
  connector: memory
  mappings:
    login: "{{firstname|lower}}"
    mail: "{{login}}@example.com"
`)

	calc, err := e.ApplyRules(context.Background(), "app", map[string]any{
		"firstname": "Jean",
		"login":     "RAW",
	})
	if err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}
	if got := calc.Values["mail"]; got != "jean@example.com" {
		t.Errorf("mail = %q, want value chained from computed login", got)
	}
}

func TestApplyRules_ReorderIndependentRules(t *testing.T) {
	a := newTestEngine(t, `
app:
  connector: memory
  mappings:
    upper: "{{name|upper}}"
    lower: "{{name|lower}}"
`)
	b := newTestEngine(t, `
app:
  connector: memory
  mappings:
    lower: "{{name|lower}}"
    upper: "{{name|upper}}"
`)

	raw := map[string]any{"name": "Jean"}
	ca, err := a.ApplyRules(context.Background(), "app", raw)
	if err != nil {
		t.Fatal(err)
	}
	cb, err := b.ApplyRules(context.Background(), "app", raw)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ca.Map(), cb.Map()) {
		t.Errorf("results differ after reorder: %v vs %v", ca.Map(), cb.Map())
	}
}

func TestApplyRules_ReferenceSemantics(t *testing.T) {
	e := newTestEngine(t, `
app:
  connector: memory
  mappings:
    login: "{{login|lower}}"
    early: "{{late}}"
    late: "{{firstname}}"
`)

	calc, err := e.ApplyRules(context.Background(), "app", map[string]any{
		"login":     "JDUPONT",
		"late":      "raw-late",
		"firstname": "Jean",
	})
	if err != nil {
		t.Fatalf("ApplyRules failed: %v", err)
	}
	want := map[string]string{"login": "jdupont", "early": "raw-late", "late": "Jean"}
	if !reflect.DeepEqual(calc.Map(), want) {
		t.Errorf("calculated = %v, want %v", calc.Map(), want)
	}
}

func TestApplyRules_Cycle(t *testing.T) {
	e := newTestEngine(t, `
app:
  connector: memory
  mappings:
    plain: "{{name}}"
    a: "{{b}}-x"
    b: "{{c}}"
    c: "{{a}}"
`)

	if got := e.Snapshot().Cycles()["app"]; !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("Cycles() = %v", got)
	}

	_, err := e.ApplyRules(context.Background(), "app", map[string]any{"name": "n", "a": "1", "b": "2", "c": "3"})
	var re *RuleEvaluationError
	if !errors.As(err, &re) {
		t.Fatalf("expected RuleEvaluationError, got %v", err)
	}
	if re.Kind != EvaluationKindCycle || re.Attribute != "a" {
		t.Errorf("got kind=%s attribute=%s, want cycle on a", re.Kind, re.Attribute)
	}

	calc, err := e.ResolveAttributes(context.Background(), "app", map[string]any{"name": "n"}, "plain")
	if err != nil {
		t.Fatalf("rules outside the cycle should still resolve: %v", err)
	}
	if calc.Values["plain"] != "n" {
		t.Errorf("plain = %q", calc.Values["plain"])
	}
}

func TestApplyRules_GlobalVariables(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	calc, err := e.ApplyRules(context.Background(), "sql", map[string]any{"firstname": "Jean", "lastname": "Dupont"})
	if err != nil {
		t.Fatal(err)
	}
	if calc.Values["email"] != "jdupont@example.com" {
		t.Errorf("email = %q", calc.Values["email"])
	}

	calc, err = e.ApplyRules(context.Background(), "sql", map[string]any{
		"firstname": "Jean", "lastname": "Dupont", "domain": "corp.test",
	})
	if err != nil {
		t.Fatal(err)
	}
	if calc.Values["email"] != "jdupont@corp.test" {
		t.Errorf("raw attribute should override variable, email = %q", calc.Values["email"])
	}
}

func TestUnknownSystem(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	_, err := e.ApplyRules(context.Background(), "nonexistent", map[string]any{})
	if !IsUnknownSystem(err) {
		t.Fatalf("expected UnknownSystemError, got %v", err)
	}
	if !errors.Is(err, &UnknownSystemError{}) {
		t.Error("errors.Is should match any UnknownSystemError")
	}
	if _, err := e.BackendConfig("nonexistent"); !IsUnknownSystem(err) {
		t.Errorf("BackendConfig: expected UnknownSystemError, got %v", err)
	}

	empty, err := NewEngine(StaticSource{Data: []byte(scenarioRules)}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := empty.ApplyRules(context.Background(), "ldap", nil); !IsUnknownSystem(err) {
		t.Errorf("engine without rules: expected UnknownSystemError, got %v", err)
	}
}

func TestResolveAttributesAndInputs(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	inputs, err := e.InputsFor("ldap", "dn")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(inputs, []string{"firstname", "lastname"}) {
		t.Errorf("InputsFor(dn) = %v", inputs)
	}

	calc, err := e.ResolveAttributes(context.Background(), "ldap",
		map[string]any{"firstname": "Jean", "lastname": "Dupont"}, "dn")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(calc.Keys, []string{"login", "dn"}) {
		t.Errorf("resolved keys = %v, want [login dn]", calc.Keys)
	}
}

func TestAccessors(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	markers, err := e.SchemaMarkers("ldap")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(markers, []string{"inetOrgPerson", "organizationalPerson"}) {
		t.Errorf("SchemaMarkers(ldap) = %v", markers)
	}
	if markers, _ := e.SchemaMarkers("sql"); !reflect.DeepEqual(markers, []string{"users"}) {
		t.Errorf("SchemaMarkers(sql) = %v", markers)
	}

	bc, err := e.BackendConfig("ldap")
	if err != nil {
		t.Fatal(err)
	}
	if bc.String("base_dn") != "dc=example,dc=com" || bc.Kind != "ldap" {
		t.Errorf("unexpected backend config: %v", bc.Values())
	}

	if got := e.Systems(); !reflect.DeepEqual(got, []string{"ldap", "sql"}) {
		t.Errorf("Systems() = %v", got)
	}
	if e.DefaultTarget() != "ldap" {
		t.Errorf("DefaultTarget() = %q", e.DefaultTarget())
	}

	rs, _ := e.Snapshot().RuleSet("sql")
	if rs.Identifier != "username" || rs.Connector != "sql" {
		t.Errorf("sql rule set: identifier=%q connector=%q", rs.Identifier, rs.Connector)
	}
	want := []PayloadField{{"cn", "cn"}, {"sn", "lastname"}, {"mail", "mail"}}
	if ldap, _ := e.Snapshot().RuleSet("ldap"); !reflect.DeepEqual(ldap.Payload, want) {
		t.Errorf("payload = %v", ldap.Payload)
	}
}

func TestDescribeRedactsSecrets(t *testing.T) {
	e := newTestEngine(t, scenarioRules)

	d, err := e.Describe()
	if err != nil {
		t.Fatal(err)
	}
	ldap := d.Systems["ldap"]
	if ldap.Server["bind_password"] != "******" {
		t.Errorf("bind_password not redacted: %v", ldap.Server["bind_password"])
	}
	if ldap.Server["bind_dn"] != "cn=admin,dc=example,dc=com" {
		t.Errorf("bind_dn should be visible: %v", ldap.Server["bind_dn"])
	}
	if len(ldap.Mappings) != 4 || ldap.Mappings[0].Attribute != "login" {
		t.Errorf("mappings out of order: %+v", ldap.Mappings)
	}
}

func TestCalculatedJSONKeepsOrder(t *testing.T) {
	e := newTestEngine(t, scenarioRules)
	calc, err := e.ApplyRules(context.Background(), "ldap", map[string]any{"firstname": "Jean", "lastname": "Dupont"})
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(calc)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"login":"jean.dupont","cn":"Jean Dupont","mail":"jean.dupont@example.com","dn":"uid=jean.dupont,dc=example,dc=com"}`
	if string(data) != want {
		t.Errorf("json = %s", data)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		opts []Option
	}{
		{name: "empty", doc: ""},
		{name: "not a mapping", doc: "- a\n- b\n"},
		{name: "bad yaml", doc: "ldap: [\n"},
		{name: "template syntax", doc: "ldap:\n  mappings:\n    cn: \"{{ firstname \"\n"},
		{name: "unknown filter", doc: "ldap:\n  mappings:\n    cn: \"{{ firstname|shout }}\"\n"},
		{name: "unknown field", doc: "ldap:\n  mapping:\n    cn: x\n"},
		{name: "nested mapping value", doc: "ldap:\n  mappings:\n    cn:\n      a: b\n"},
		{name: "bad attribute name", doc: "ldap:\n  mappings:\n    \"bad name\": x\n"},
		{name: "unknown default target", doc: "global:\n  default_target: nope\nldap:\n  mappings:\n    cn: x\n"},
		{name: "unknown connector kind", doc: "ldap:\n  connector: carrier_pigeon\n", opts: []Option{WithConnectorKinds("ldap", "sql")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(StaticSource{Data: []byte(tt.doc)}, zerolog.Nop(), tt.opts...)
			if err != nil {
				t.Fatal(err)
			}
			_, err = e.Reload(context.Background())
			if !IsConfigError(err) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if e.Snapshot() != nil {
				t.Error("failed load must not install a snapshot")
			}
		})
	}
}

func TestLoadCUE(t *testing.T) {
	doc := `
ldap: {
	object_classes: ["inetOrgPerson"]
	mappings: {
		login: "{{firstname|lower}}.{{lastname|lower}}"
		dn:    "uid={{login}},dc=example,dc=com"
	}
}
`
	cueEngine, err := NewEngine(StaticSource{Data: []byte(doc), Format: FormatCUE}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cueEngine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload CUE failed: %v", err)
	}
	calc, err := cueEngine.ApplyRules(context.Background(), "ldap", map[string]any{"firstname": "Jean", "lastname": "Dupont"})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(calc.Keys, []string{"login", "dn"}) {
		t.Errorf("keys = %v", calc.Keys)
	}
	if calc.Values["dn"] != "uid=jean.dupont,dc=example,dc=com" {
		t.Errorf("dn = %q", calc.Values["dn"])
	}
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(scenarioRules), 0644); err != nil {
		t.Fatal(err)
	}

	var results []ReloadResult
	e, err := NewEngine(FileSource{Path: path}, zerolog.Nop(), WithReloadHook(func(r ReloadResult) {
		results = append(results, r)
	}))
	if err != nil {
		t.Fatal(err)
	}
	first, err := e.Reload(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("ldap:\n  mappings:\n    cn: \"{{ broken\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reload(context.Background()); !IsConfigError(err) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if e.Snapshot() != first {
		t.Fatal("failed reload replaced the snapshot")
	}
	if _, err := e.ApplyRules(context.Background(), "ldap", map[string]any{"firstname": "A", "lastname": "B"}); err != nil {
		t.Errorf("previous rules should still apply: %v", err)
	}

	if len(results) != 2 || results[0].Err != nil || results[1].Err == nil {
		t.Errorf("unexpected reload hook results: %+v", results)
	}
}

type flipSource struct {
	n atomic.Int64
}

func (f *flipSource) Name() string { return "flip" }

func (f *flipSource) Read(ctx context.Context) ([]byte, Format, error) {
	if f.n.Add(1)%2 == 0 {
		return []byte("app:\n  connector: memory\n  mappings:\n    a: \"2\"\n    b: \"{{a}}\"\n    c: \"2\"\n"), FormatYAML, nil
	}
	return []byte("app:\n  connector: memory\n  mappings:\n    a: \"1\"\n    b: \"{{a}}\"\n    c: \"1\"\n"), FormatYAML, nil
}

func TestReloadAtomicity(t *testing.T) {
	e, err := NewEngine(&flipSource{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if _, err := e.Reload(ctx); err != nil {
				t.Errorf("Reload failed: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				calc, err := e.ApplyRules(ctx, "app", nil)
				if err != nil {
					t.Errorf("ApplyRules failed: %v", err)
					return
				}
				a, b, c := calc.Values["a"], calc.Values["b"], calc.Values["c"]
				if a != b || a != c {
					t.Errorf("torn evaluation: a=%s b=%s c=%s", a, b, c)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(scenarioRules), 0644); err != nil {
		t.Fatal(err)
	}

	e, err := NewEngine(FileSource{Path: path}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWatcher(e, path, 20*time.Millisecond, zerolog.Nop())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	updated := "app:\n  connector: memory\n  mappings:\n    x: \"1\"\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := e.Snapshot(); snap.Version > 1 {
			if _, ok := snap.Systems["app"]; !ok {
				t.Fatalf("reloaded snapshot missing new system: %v", snap.SystemNames())
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher did not reload the rules")
}
