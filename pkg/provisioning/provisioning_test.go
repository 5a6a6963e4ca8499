package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/provgate/provgate/pkg/audit"
	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/connectors/memory"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/telemetry"
)

const testRules = `
global:
  default_target: ldap
  variables:
    domain: example.com

ldap:
  connector: memory
  object_classes: [inetOrgPerson]
  mappings:
    login: "{{firstname|lower}}.{{lastname|lower}}"
    cn: "{{firstname}} {{lastname}}"
    mail: "{{login}}@example.com"
    dn: "uid={{login}},dc=example,dc=com"
  payload:
    uid: login
    cn: cn
    sn: lastname
    mail: mail

plain:
  connector: memory
  identifier: username
  mappings:
    email: "{{username}}@{{domain}}"

app:
  connector: memory
  identifier: login
  mappings:
    login: "{{firstname|lower}}"
  payload:
    login: login
    company: domain
    phone: phone
`

const jeanDN = "uid=jean.dupont,dc=example,dc=com"

type fixture struct {
	orch   *Orchestrator
	engine *rules.Engine
	store  *memory.Store
	sink   *audit.MemorySink
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	engine, err := rules.NewEngine(rules.StaticSource{Label: "test", Data: []byte(testRules)}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	store := memory.New()
	registry := connectors.NewRegistry()
	registry.MustRegister(memory.Kind, func(connectors.Spec, zerolog.Logger) (connectors.Connector, error) {
		return store, nil
	})
	manager := connectors.NewManager(registry, time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = manager.Close() })

	sink := audit.NewMemorySink()
	opts = append([]Option{WithAuditSink(sink)}, opts...)

	return &fixture{
		orch:   New(engine, manager, zerolog.Nop(), opts...),
		engine: engine,
		store:  store,
		sink:   sink,
	}
}

func (f *fixture) onlyRecord(t *testing.T) audit.Record {
	t.Helper()
	recs := f.sink.Records()
	if len(recs) != 1 {
		t.Fatalf("got %d audit records, want 1", len(recs))
	}
	return recs[0]
}

func jean() map[string]any {
	return map[string]any{"firstname": "Jean", "lastname": "Dupont"}
}

func TestCreate_Scenario(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Create(context.Background(), Request{Attributes: jean()})

	if resp.Outcome != OutcomeSuccess || resp.Status != StatusSuccess {
		t.Fatalf("outcome = %s/%s (%+v), want SUCCESS", resp.Status, resp.Outcome, resp.ErrorDetail)
	}
	if resp.TargetSystem != "ldap" {
		t.Errorf("TargetSystem = %q, want default target ldap", resp.TargetSystem)
	}
	if resp.Identifier != jeanDN {
		t.Errorf("Identifier = %q, want %q", resp.Identifier, jeanDN)
	}
	if resp.Stage != StageDone {
		t.Errorf("Stage = %s, want DONE", resp.Stage)
	}

	want := map[string]string{
		"login": "jean.dupont",
		"cn":    "Jean Dupont",
		"mail":  "jean.dupont@example.com",
		"dn":    jeanDN,
	}
	for k, v := range want {
		if got, _ := resp.CalculatedAttributes.Get(k); got != v {
			t.Errorf("calculated %s = %q, want %q", k, got, v)
		}
	}

	calls := f.store.Calls()
	if len(calls) != 1 || calls[0].Op != "create" || calls[0].ID != jeanDN {
		t.Fatalf("calls = %+v, want one create of %s", calls, jeanDN)
	}
	payload := calls[0].Attributes
	for k, v := range map[string]string{"uid": "jean.dupont", "cn": "Jean Dupont", "sn": "Dupont", "mail": "jean.dupont@example.com"} {
		if payload[k] != v {
			t.Errorf("payload %s = %q, want %q", k, payload[k], v)
		}
	}
	if _, ok := payload["dn"]; ok {
		t.Error("payload should not contain the identifier")
	}

	rec := f.onlyRecord(t)
	if rec.Status != audit.StatusSuccess || rec.Action != "CREATE" || rec.Stage != string(StageBackendApplied) {
		t.Errorf("audit record = %+v", rec)
	}
	if rec.RequestID != resp.RequestID || rec.TargetSystem != "ldap" {
		t.Errorf("audit record ids = %q/%q", rec.RequestID, rec.TargetSystem)
	}
	wantDesc := "[CREATE] account " + jeanDN + " - success - dn=" + jeanDN
	if rec.Descriptor != wantDesc {
		t.Errorf("Descriptor = %q, want %q", rec.Descriptor, wantDesc)
	}
	if rec.Attributes["mail"] != "jean.dupont@example.com" {
		t.Errorf("audit attributes = %v", rec.Attributes)
	}
}

func TestCreate_RuleFailureIssuesNoBackendCall(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Create(context.Background(), Request{
		TargetSystem: "ldap",
		Attributes:   map[string]any{"firstname": "Jean"},
	})

	if resp.Outcome != OutcomeFailed || resp.Status != StatusError {
		t.Fatalf("outcome = %s, want FAILED", resp.Outcome)
	}
	d := resp.ErrorDetail
	if d == nil {
		t.Fatal("missing error detail")
	}
	if d.Stage != StageAttributesComputed || d.Kind != ErrorKindRuleEvaluation || d.Attribute != "login" {
		t.Errorf("error detail = %+v", d)
	}
	if d.Diagnostic["template_kind"] != "undefined" {
		t.Errorf("diagnostic = %v", d.Diagnostic)
	}
	if resp.CalculatedAttributes != nil {
		t.Error("a failed computation should return no attributes")
	}
	if calls := f.store.Calls(); len(calls) != 0 {
		t.Errorf("connector calls = %+v, want none", calls)
	}

	rec := f.onlyRecord(t)
	if rec.Status != audit.StatusError || rec.Stage != string(StageAttributesComputed) {
		t.Errorf("audit record = %+v", rec)
	}
	if !strings.Contains(rec.Detail, "rule_evaluation") {
		t.Errorf("audit detail = %q", rec.Detail)
	}
}

func TestCreate_RawIdentifier(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Create(context.Background(), Request{
		TargetSystem: "plain",
		Attributes:   map[string]any{"username": "jdupont"},
	})
	if !resp.Succeeded() {
		t.Fatalf("outcome = %s (%+v)", resp.Outcome, resp.ErrorDetail)
	}
	if resp.Identifier != "jdupont" {
		t.Errorf("Identifier = %q, want the raw username", resp.Identifier)
	}

	calls := f.store.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %+v, want 1 create", calls)
	}
	if calls[0].ID != "jdupont" {
		t.Errorf("create ID = %q, want jdupont", calls[0].ID)
	}
	want := connectors.Attributes{"email": "jdupont@example.com", "username": "jdupont"}
	if len(calls[0].Attributes) != len(want) {
		t.Fatalf("create attributes = %v, want %v", calls[0].Attributes, want)
	}
	for k, v := range want {
		if calls[0].Attributes[k] != v {
			t.Errorf("%s = %q, want %q", k, calls[0].Attributes[k], v)
		}
	}

	resp = f.orch.Delete(context.Background(), Request{
		TargetSystem: "plain",
		Attributes:   map[string]any{"username": "jdupont"},
	})
	if !resp.Succeeded() || resp.Identifier != "jdupont" {
		t.Errorf("delete = %s %q (%+v), want jdupont removed", resp.Outcome, resp.Identifier, resp.ErrorDetail)
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d records after delete", f.store.Len())
	}
}

func TestDelete_NotFoundScenario(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Delete(context.Background(), Request{TargetSystem: "ldap", AccountID: "jean.dupont"})

	if resp.Outcome != OutcomeNotFound || resp.Status != StatusError {
		t.Fatalf("outcome = %s/%s, want error/NOT_FOUND", resp.Status, resp.Outcome)
	}
	if resp.ErrorDetail.Kind != string(connectors.ErrorKindNotFound) || resp.ErrorDetail.Stage != StageBackendApplied {
		t.Errorf("error detail = %+v", resp.ErrorDetail)
	}

	calls := f.store.Calls()
	if len(calls) != 1 || calls[0].Op != "delete" || calls[0].ID != "jean.dupont" {
		t.Errorf("calls = %+v, want one delete of jean.dupont", calls)
	}

	rec := f.onlyRecord(t)
	if rec.Status != audit.StatusError || rec.Stage != string(StageBackendApplied) || rec.Outcome != string(OutcomeNotFound) {
		t.Errorf("audit record = %+v", rec)
	}
	if !strings.Contains(rec.Detail, "not_found") {
		t.Errorf("audit detail = %q", rec.Detail)
	}
}

func TestDelete_Identifier(t *testing.T) {
	tests := []struct {
		name      string
		req       Request
		wantID    string
		wantKind  string
		wantCalls int
	}{
		{
			name:      "computed from attributes",
			req:       Request{AccountID: "ignored", Attributes: jean()},
			wantID:    jeanDN,
			wantCalls: 1,
		},
		{
			name:      "falls back to account id when inputs are missing",
			req:       Request{AccountID: jeanDN, Attributes: map[string]any{"firstname": "Jean"}},
			wantID:    jeanDN,
			wantCalls: 1,
		},
		{
			name:     "no identifier at all",
			req:      Request{},
			wantKind: ErrorKindIdentifier,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.Put(jeanDN, connectors.Attributes{"cn": "Jean Dupont"})

			resp := f.orch.Delete(context.Background(), tt.req)

			if tt.wantKind != "" {
				if resp.ErrorDetail == nil || resp.ErrorDetail.Kind != tt.wantKind {
					t.Fatalf("error detail = %+v, want kind %s", resp.ErrorDetail, tt.wantKind)
				}
				if resp.ErrorDetail.Stage != StageAttributesComputed {
					t.Errorf("stage = %s, want ATTRIBUTES_COMPUTED", resp.ErrorDetail.Stage)
				}
			} else if resp.Outcome != OutcomeSuccess {
				t.Fatalf("outcome = %s (%+v), want SUCCESS", resp.Outcome, resp.ErrorDetail)
			}

			if resp.Identifier != tt.wantID {
				t.Errorf("Identifier = %q, want %q", resp.Identifier, tt.wantID)
			}
			if got := len(f.store.Calls()); got != tt.wantCalls {
				t.Errorf("connector calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	f.store.Put(jeanDN, connectors.Attributes{"cn": "old", "description": "kept"})
	f.store.Put("jdupont", connectors.Attributes{"email": "old@example.com"})

	resp := f.orch.Update(context.Background(), Request{AccountID: "someone-else", Attributes: jean()})
	if resp.Outcome != OutcomeSuccess {
		t.Fatalf("ldap update outcome = %s (%+v)", resp.Outcome, resp.ErrorDetail)
	}
	if resp.Identifier != jeanDN {
		t.Errorf("Identifier = %q, want the calculated dn", resp.Identifier)
	}

	resp = f.orch.Update(context.Background(), Request{
		TargetSystem: "plain",
		AccountID:    "jdupont",
		Attributes:   map[string]any{"username": "jdupont"},
	})
	if resp.Outcome != OutcomeSuccess {
		t.Fatalf("plain update outcome = %s (%+v)", resp.Outcome, resp.ErrorDetail)
	}
	if resp.Identifier != "jdupont" {
		t.Errorf("Identifier = %q, want the account id", resp.Identifier)
	}

	calls := f.store.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v, want 2 updates", calls)
	}
	if calls[0].Attributes["cn"] != "Jean Dupont" || calls[0].Attributes["sn"] != "Dupont" {
		t.Errorf("ldap changes = %v", calls[0].Attributes)
	}
	if len(calls[1].Attributes) != 1 || calls[1].Attributes["email"] != "jdupont@example.com" {
		t.Errorf("plain changes = %v, want only email", calls[1].Attributes)
	}

	attrs, err := f.orch.ReadAccount(context.Background(), "ldap", jeanDN)
	if err != nil {
		t.Fatalf("ReadAccount failed: %v", err)
	}
	if attrs["cn"] != "Jean Dupont" || attrs["description"] != "kept" {
		t.Errorf("record after update = %v", attrs)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Update(context.Background(), Request{Attributes: jean()})
	if resp.Outcome != OutcomeNotFound {
		t.Fatalf("outcome = %s, want NOT_FOUND", resp.Outcome)
	}
	if rec := f.onlyRecord(t); rec.Action != "UPDATE" || rec.Outcome != string(OutcomeNotFound) {
		t.Errorf("audit record = %+v", rec)
	}
}

func TestPayloadSources(t *testing.T) {
	f := newFixture(t)

	resp := f.orch.Create(context.Background(), Request{
		TargetSystem: "app",
		Attributes:   map[string]any{"firstname": "Jean", "phone": 5551234},
	})
	if resp.Outcome != OutcomeSuccess {
		t.Fatalf("create outcome = %s (%+v)", resp.Outcome, resp.ErrorDetail)
	}

	resp = f.orch.Update(context.Background(), Request{
		TargetSystem: "app",
		Attributes:   map[string]any{"firstname": "Jean"},
	})
	if resp.Outcome != OutcomeSuccess {
		t.Fatalf("update outcome = %s (%+v)", resp.Outcome, resp.ErrorDetail)
	}

	calls := f.store.Calls()
	created := calls[0].Attributes
	if created["login"] != "jean" || created["company"] != "example.com" || created["phone"] != "5551234" {
		t.Errorf("create payload = %v", created)
	}
	changed := calls[1].Attributes
	if len(changed) != 1 || changed["login"] != "jean" {
		t.Errorf("update changes = %v, want only login", changed)
	}

	resp = f.orch.Create(context.Background(), Request{
		TargetSystem: "app",
		Attributes:   map[string]any{"firstname": "Paul", "phone": []any{"1", "2"}},
	})
	if resp.ErrorDetail == nil || resp.ErrorDetail.Kind != ErrorKindPayload || resp.ErrorDetail.Attribute != "phone" {
		t.Errorf("error detail = %+v, want payload error on phone", resp.ErrorDetail)
	}
	if got := len(f.store.Calls()); got != 2 {
		t.Errorf("connector calls = %d, want 2", got)
	}
}

func TestRequestFailures(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name      string
		ctx       context.Context
		req       Request
		fail      func(*memory.Store)
		wantStage Stage
		wantKind  string
	}{
		{
			name:      "unknown system",
			req:       Request{Operation: OperationCreate, TargetSystem: "nonexistent"},
			wantStage: StageAttributesComputed,
			wantKind:  ErrorKindUnknownSystem,
		},
		{
			name:      "invalid operation",
			req:       Request{Operation: "rename", AccountID: "jean"},
			wantStage: StageReceived,
			wantKind:  ErrorKindValidation,
		},
		{
			name:      "cancelled before start",
			ctx:       cancelled,
			req:       Request{Operation: OperationCreate, Attributes: jean()},
			wantStage: StageReceived,
			wantKind:  ErrorKindCancelled,
		},
		{
			name: "backend conflict",
			req:  Request{Operation: OperationCreate, Attributes: jean()},
			fail: func(s *memory.Store) {
				s.FailWith("create", connectors.NewError(connectors.ErrorKindConflict, "memory", "create", "", "duplicate", nil))
			},
			wantStage: StageBackendApplied,
			wantKind:  string(connectors.ErrorKindConflict),
		},
		{
			name: "backend timeout",
			req:  Request{Operation: OperationCreate, Attributes: jean()},
			fail: func(s *memory.Store) {
				s.FailWith("create", context.DeadlineExceeded)
			},
			wantStage: StageBackendApplied,
			wantKind:  string(connectors.ErrorKindTimeout),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.fail != nil {
				tt.fail(f.store)
			}
			ctx := tt.ctx
			if ctx == nil {
				ctx = context.Background()
			}

			resp := f.orch.Execute(ctx, tt.req)

			if resp.Outcome != OutcomeFailed || resp.Status != StatusError {
				t.Fatalf("outcome = %s/%s, want error/FAILED", resp.Status, resp.Outcome)
			}
			if resp.ErrorDetail.Stage != tt.wantStage || resp.ErrorDetail.Kind != tt.wantKind {
				t.Errorf("error detail = %+v, want %s/%s", resp.ErrorDetail, tt.wantStage, tt.wantKind)
			}
			if resp.Message == "" {
				t.Error("failed response should carry a message")
			}

			rec := f.onlyRecord(t)
			if rec.Status != audit.StatusError || rec.Stage != string(tt.wantStage) {
				t.Errorf("audit record = %+v", rec)
			}
		})
	}
}

func TestAuditFailureIsSwallowed(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTelemetryWithLogger failed: %v", err)
	}

	f := newFixture(t, WithTelemetry(tel))
	f.sink.FailWith(errors.New("disk full"))

	resp := f.orch.Create(context.Background(), Request{Attributes: jean()})
	if resp.Outcome != OutcomeSuccess || resp.ErrorDetail != nil {
		t.Fatalf("outcome = %s (%+v), audit failure must not fail the request", resp.Outcome, resp.ErrorDetail)
	}
	if f.store.Len() != 1 {
		t.Errorf("store has %d records, want 1", f.store.Len())
	}

	expected := `
# HELP provgate_audit_failures_total Total number of audit records that could not be written
# TYPE provgate_audit_failures_total counter
provgate_audit_failures_total 1
`
	if err := testutil.GatherAndCompare(tel.Metrics.Registry(), strings.NewReader(expected), "provgate_audit_failures_total"); err != nil {
		t.Error(err)
	}
}

func TestStageEvents(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTelemetryWithLogger failed: %v", err)
	}

	var (
		mu     sync.Mutex
		events []string
	)
	tel.Events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e.Type+"@"+e.Stage)
	}, nil)

	f := newFixture(t, WithTelemetry(tel))
	f.orch.Create(context.Background(), Request{Attributes: jean()})
	f.orch.Create(context.Background(), Request{Attributes: map[string]any{"firstname": "Jean"}})

	want := []string{
		"provisioning.received@RECEIVED",
		"provisioning.attributes_computed@ATTRIBUTES_COMPUTED",
		"provisioning.backend_applied@BACKEND_APPLIED",
		"provisioning.audited@AUDITED",
		"provisioning.received@RECEIVED",
		"provisioning.failed@ATTRIBUTES_COMPUTED",
		"provisioning.audited@AUDITED",
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(events, " ") != strings.Join(want, " ") {
		t.Errorf("events:\n got %v\nwant %v", events, want)
	}
}

func TestTraceID(t *testing.T) {
	f := newFixture(t)
	if resp := f.orch.Create(context.Background(), Request{Attributes: jean()}); resp.TraceID != "" {
		t.Errorf("TraceID = %q with tracing disabled, want empty", resp.TraceID)
	}

	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Events.Enabled = false
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "none"
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTelemetryWithLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	f = newFixture(t, WithTelemetry(tel))
	resp := f.orch.Create(context.Background(), Request{Attributes: jean()})
	if !resp.Succeeded() {
		t.Fatalf("outcome = %s (%+v)", resp.Outcome, resp.ErrorDetail)
	}
	if len(resp.TraceID) != 32 {
		t.Errorf("TraceID = %q, want a 32 hex digit trace id", resp.TraceID)
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t)

	reqs := make([]Request, 0, 21)
	for i := 0; i < 20; i++ {
		reqs = append(reqs, Request{
			Operation:    OperationCreate,
			TargetSystem: "plain",
			Attributes:   map[string]any{"username": fmt.Sprintf("user%02d", i)},
		})
	}
	reqs = append(reqs, Request{
		Operation:    OperationCreate,
		TargetSystem: "plain",
		Attributes:   map[string]any{"nickname": "missing username"},
	})

	result := f.orch.Batch(context.Background(), reqs, 4)

	if result.Summary.Total != 21 || result.Summary.Succeeded != 20 || result.Summary.Failed != 1 {
		t.Errorf("summary = %+v", result.Summary)
	}
	for i, resp := range result.Responses[:20] {
		if want := fmt.Sprintf("user%02d", i); resp.Identifier != want {
			t.Errorf("response %d identifier = %q, want %q", i, resp.Identifier, want)
		}
	}
	if f.store.Len() != 20 {
		t.Errorf("store has %d records, want 20", f.store.Len())
	}
	if got := len(f.sink.Records()); got != 21 {
		t.Errorf("audit records = %d, want 21", got)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	report := f.orch.Health(context.Background())
	if report.Status != "ok" || !report.RulesLoaded || report.RulesVersion != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(report.Systems) != 3 || !report.Systems["ldap"].Reachable {
		t.Errorf("systems = %+v", report.Systems)
	}

	f.store.SetHealthy(false)
	report = f.orch.Health(context.Background())
	if report.Status != "degraded" || report.Systems["plain"].Reachable {
		t.Errorf("report = %+v, want degraded", report)
	}
}

func TestReadAccount(t *testing.T) {
	f := newFixture(t)
	f.store.Put("jdupont", connectors.Attributes{"email": "jdupont@example.com"})

	attrs, err := f.orch.ReadAccount(context.Background(), "plain", "jdupont")
	if err != nil || attrs["email"] != "jdupont@example.com" {
		t.Errorf("ReadAccount = %v, %v", attrs, err)
	}
	if _, err := f.orch.ReadAccount(context.Background(), "plain", "nobody"); !connectors.IsNotFound(err) {
		t.Errorf("missing account error = %v, want not found", err)
	}
	if _, err := f.orch.ReadAccount(context.Background(), "nonexistent", "x"); !rules.IsUnknownSystem(err) {
		t.Errorf("unknown system error = %v", err)
	}
}

func TestDefaultTargetFallback(t *testing.T) {
	noDefault := strings.Replace(testRules, "  default_target: ldap\n", "", 1)
	engine, err := rules.NewEngine(rules.StaticSource{Data: []byte(noDefault)}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	registry := connectors.NewRegistry()
	registry.MustRegister(memory.Kind, memory.Factory)
	manager := connectors.NewManager(registry, time.Second, zerolog.Nop())
	t.Cleanup(func() { _ = manager.Close() })

	req := Request{AccountID: "jdupont", Attributes: map[string]any{"username": "jdupont"}}

	resp := New(engine, manager, zerolog.Nop(), WithAuditSink(audit.NewMemorySink())).Create(context.Background(), req)
	if resp.ErrorDetail == nil || resp.ErrorDetail.Kind != ErrorKindUnknownSystem {
		t.Fatalf("without any default target: %+v", resp.ErrorDetail)
	}

	orch := New(engine, manager, zerolog.Nop(), WithAuditSink(audit.NewMemorySink()), WithDefaultTarget("plain"))
	resp = orch.Create(context.Background(), req)
	if !resp.Succeeded() || resp.TargetSystem != "plain" || resp.Identifier != "jdupont" {
		t.Errorf("fallback target response = %+v", resp)
	}
}

func TestReloadHook(t *testing.T) {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewNopLogger())
	if err != nil {
		t.Fatalf("NewTelemetryWithLogger failed: %v", err)
	}

	var got []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) { got = append(got, e) }, nil)

	engine, err := rules.NewEngine(rules.StaticSource{Data: []byte(testRules)}, zerolog.Nop(), rules.WithReloadHook(ReloadHook(tel)))
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if len(got) != 1 || got[0].Type != telemetry.EventTypeRulesReloaded {
		t.Fatalf("events = %+v", got)
	}
	if got[0].Data["version"] != uint64(1) {
		t.Errorf("version = %v", got[0].Data["version"])
	}
}
