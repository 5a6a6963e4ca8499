package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/provgate/provgate/pkg/audit"
	"github.com/provgate/provgate/pkg/connectors"
	"github.com/provgate/provgate/pkg/rules"
	"github.com/provgate/provgate/pkg/telemetry"
	"github.com/provgate/provgate/pkg/template"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuditSink sets where audit records go. The default writes them to
// the orchestrator's logger.
func WithAuditSink(sink audit.Sink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithTelemetry sets the tracer, metrics and event publisher.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		o.tel = tel
	}
}

// WithDefaultTarget names the system used when neither the request nor the
// rule document's global section names one.
func WithDefaultTarget(system string) Option {
	return func(o *Orchestrator) {
		o.defaultTarget = system
	}
}

// Orchestrator runs provisioning requests through rule evaluation, the
// target connector and the audit sink. It is safe for concurrent use; no
// state is shared between requests apart from the rule snapshot and the
// connector manager.
type Orchestrator struct {
	engine     *rules.Engine
	connectors *connectors.Manager
	sink       audit.Sink
	tel        *telemetry.Telemetry
	validate   *validator.Validate
	logger     zerolog.Logger

	defaultTarget string
}

// New creates an orchestrator.
func New(engine *rules.Engine, manager *connectors.Manager, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:     engine,
		connectors: manager,
		validate:   validator.New(),
		logger:     logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = audit.NewLogSink(logger)
	}
	if o.tel == nil {
		o.tel = telemetry.NewNop()
	}
	return o
}

func (o *Orchestrator) targetFor(snap *rules.Snapshot) string {
	if snap != nil && snap.Global.DefaultTarget != "" {
		return snap.Global.DefaultTarget
	}
	return o.defaultTarget
}

// Create provisions a new account.
func (o *Orchestrator) Create(ctx context.Context, req Request) *Response {
	req.Operation = OperationCreate
	return o.Execute(ctx, req)
}

// Update changes an existing account.
func (o *Orchestrator) Update(ctx context.Context, req Request) *Response {
	req.Operation = OperationUpdate
	return o.Execute(ctx, req)
}

// Delete removes an account.
func (o *Orchestrator) Delete(ctx context.Context, req Request) *Response {
	req.Operation = OperationDelete
	return o.Execute(ctx, req)
}

// execution is the per-request state. It never outlives Execute.
type execution struct {
	req     Request
	resp    *Response
	snap    *rules.Snapshot
	ruleSet *rules.RuleSet
	logger  zerolog.Logger
	span    trace.Span
}

// Execute runs one request to completion and always returns a response.
func (o *Orchestrator) Execute(ctx context.Context, req Request) *Response {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}

	timer := telemetry.NewTimer()
	o.tel.Metrics.RecordRequestStarted()

	ex := &execution{
		req:  req,
		snap: o.engine.Snapshot(),
		resp: &Response{
			Status:       StatusError,
			Outcome:      OutcomeFailed,
			Stage:        StageReceived,
			RequestID:    req.RequestID,
			Operation:    req.Operation,
			TargetSystem: req.TargetSystem,
			AccountID:    req.AccountID,
		},
	}
	if ex.resp.TargetSystem == "" {
		ex.resp.TargetSystem = o.targetFor(ex.snap)
	}
	ex.logger = o.logger.With().
		Str("request_id", req.RequestID).
		Str("operation", string(req.Operation)).
		Str("target_system", ex.resp.TargetSystem).
		Str("account_id", req.AccountID).
		Logger()

	ctx, ex.span = o.tel.Tracer.StartRequestSpan(ctx, req.RequestID, string(req.Operation), ex.resp.TargetSystem, req.AccountID)
	defer ex.span.End()
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		ex.resp.TraceID = traceID
		ex.logger = ex.logger.With().Str("trace_id", traceID).Logger()
	}

	ex.logger.Debug().Msg("Request received")
	o.publishStage(ex, telemetry.EventTypeRequestReceived, nil)

	if err := o.run(ctx, ex); err != nil {
		o.fail(ex, err)
	} else {
		ex.resp.Status = StatusSuccess
		ex.resp.Outcome = OutcomeSuccess
		ex.resp.Message = fmt.Sprintf("%s of %s on %s succeeded", req.Operation, ex.accountRef(), ex.resp.TargetSystem)
	}

	o.audit(ctx, ex)
	ex.resp.Stage = StageDone

	if ex.resp.ErrorDetail != nil {
		telemetry.RecordError(ex.span, errors.New(ex.resp.ErrorDetail.Message))
	} else {
		telemetry.RecordSuccess(ex.span)
	}
	ex.span.SetAttributes(telemetry.AttrOutcome.String(string(ex.resp.Outcome)))

	o.tel.Metrics.RecordRequestCompleted(string(req.Operation), ex.resp.TargetSystem, string(ex.resp.Outcome), timer.Duration())

	ex.logger.Info().
		Str("outcome", string(ex.resp.Outcome)).
		Str("identifier", ex.resp.Identifier).
		Dur("duration", timer.Duration()).
		Msg("Request completed")

	return ex.resp
}

// run walks the state machine up to BACKEND_APPLIED. The returned error
// belongs to ex.resp.Stage.
func (o *Orchestrator) run(ctx context.Context, ex *execution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := o.validate.Struct(ex.req); err != nil {
		return err
	}

	ex.resp.Stage = StageAttributesComputed
	if ex.snap == nil {
		return &rules.UnknownSystemError{System: ex.resp.TargetSystem}
	}
	rs, err := ex.snap.RuleSet(ex.resp.TargetSystem)
	if err != nil {
		return err
	}
	ex.ruleSet = rs

	switch ex.req.Operation {
	case OperationCreate:
		return o.create(ctx, ex)
	case OperationUpdate:
		return o.update(ctx, ex)
	default:
		return o.delete(ctx, ex)
	}
}

func (o *Orchestrator) create(ctx context.Context, ex *execution) error {
	calc, err := o.compute(ctx, ex, nil)
	if err != nil {
		return err
	}
	ex.resp.Identifier = ex.identifierFrom(calc)

	payload, err := ex.payload(calc, false)
	if err != nil {
		return err
	}
	o.publishStage(ex, telemetry.EventTypeAttributesComputed, map[string]interface{}{"attributes": len(calc.Keys)})

	ex.resp.Stage = StageBackendApplied
	return o.apply(ctx, ex, "create", func(ctx context.Context, conn connectors.Connector) (*connectors.Result, error) {
		return conn.Create(ctx, connectors.Entry{
			ID:            ex.resp.Identifier,
			SchemaMarkers: ex.ruleSet.SchemaMarkers,
			Attributes:    payload,
		})
	})
}

func (o *Orchestrator) update(ctx context.Context, ex *execution) error {
	calc, err := o.compute(ctx, ex, nil)
	if err != nil {
		return err
	}
	ex.resp.Identifier = ex.identifierFrom(calc)
	if ex.resp.Identifier == "" {
		return errNoIdentifier
	}

	changes, err := ex.payload(calc, true)
	if err != nil {
		return err
	}
	o.publishStage(ex, telemetry.EventTypeAttributesComputed, map[string]interface{}{"changes": changes.Keys()})

	ex.resp.Stage = StageBackendApplied
	return o.apply(ctx, ex, "update", func(ctx context.Context, conn connectors.Connector) (*connectors.Result, error) {
		return conn.Update(ctx, ex.resp.Identifier, changes)
	})
}

func (o *Orchestrator) delete(ctx context.Context, ex *execution) error {
	rs := ex.ruleSet
	if _, declared := rs.Mapping(rs.Identifier); declared && ex.hasInputs(rs.Identifier) {
		calc, err := o.compute(ctx, ex, []string{rs.Identifier})
		if err != nil {
			return err
		}
		ex.resp.Identifier, _ = calc.Get(rs.Identifier)
	}
	if ex.resp.Identifier == "" {
		ex.resp.Identifier = ex.rawIdentifier()
	}
	if ex.resp.Identifier == "" {
		ex.resp.Identifier = ex.req.AccountID
	}
	if ex.resp.Identifier == "" {
		return errNoIdentifier
	}
	o.publishStage(ex, telemetry.EventTypeAttributesComputed, nil)

	ex.resp.Stage = StageBackendApplied
	return o.apply(ctx, ex, "delete", func(ctx context.Context, conn connectors.Connector) (*connectors.Result, error) {
		return conn.Delete(ctx, ex.resp.Identifier)
	})
}

// compute evaluates the rule set against the request's raw attributes.
// A nil wanted evaluates every rule.
func (o *Orchestrator) compute(ctx context.Context, ex *execution, wanted []string) (*rules.Calculated, error) {
	_, span := o.tel.Tracer.StartRulesSpan(ctx, ex.ruleSet.Name)
	defer span.End()

	var (
		calc *rules.Calculated
		err  error
	)
	if wanted == nil {
		calc, err = ex.snap.Apply(ex.ruleSet.Name, ex.req.Attributes)
	} else {
		calc, err = ex.snap.Resolve(ex.ruleSet.Name, ex.req.Attributes, wanted...)
	}
	if err != nil {
		o.tel.Metrics.RecordRuleEvaluation(ex.ruleSet.Name, "error")
		telemetry.RecordError(span, err)
		return nil, err
	}

	o.tel.Metrics.RecordRuleEvaluation(ex.ruleSet.Name, "ok")
	span.SetAttributes(telemetry.AttrRulesVersion.Int64(int64(ex.snap.Version)))
	telemetry.RecordSuccess(span)

	ex.resp.CalculatedAttributes = calc
	ex.logger.Debug().
		Uint64("rules_version", ex.snap.Version).
		Strs("attributes", calc.Keys).
		Msg("Attributes computed")
	return calc, nil
}

// apply runs one backend call through the system's connector.
func (o *Orchestrator) apply(ctx context.Context, ex *execution, op string, call func(context.Context, connectors.Connector) (*connectors.Result, error)) error {
	conn, err := o.connectorFor(ex.ruleSet)
	if err != nil {
		return err
	}

	var result *connectors.Result
	err = o.tel.RecordConnectorOperation(ctx, ex.ruleSet.Connector, op, kindOf, func(ctx context.Context) error {
		var callErr error
		result, callErr = call(ctx, conn)
		return callErr
	})
	if err != nil {
		return err
	}

	ex.resp.Backend = result
	if result != nil && result.ID != "" && ex.resp.Identifier == "" {
		ex.resp.Identifier = result.ID
	}
	o.publishStage(ex, telemetry.EventTypeBackendApplied, map[string]interface{}{"identifier": ex.resp.Identifier})
	return nil
}

func (o *Orchestrator) connectorFor(rs *rules.RuleSet) (connectors.Connector, error) {
	spec := connectors.Spec{
		System:        rs.Name,
		Kind:          rs.Connector,
		SchemaMarkers: rs.SchemaMarkers,
	}
	if rs.Server != nil {
		spec.Config = rs.Server
	}
	conn, err := o.connectors.For(spec)
	if err != nil {
		return nil, &setupError{System: rs.Name, Err: err}
	}
	return conn, nil
}

func kindOf(err error) string {
	return string(connectors.KindOf(err))
}

// fail records err against the stage being attempted.
func (o *Orchestrator) fail(ex *execution, err error) {
	detail := detailFor(ex.resp.Stage, err)
	ex.resp.ErrorDetail = detail
	ex.resp.Message = detail.Message
	if connectors.IsNotFound(err) {
		ex.resp.Outcome = OutcomeNotFound
	}

	ex.span.SetAttributes(
		telemetry.AttrStage.String(string(detail.Stage)),
		telemetry.AttrErrorKind.String(detail.Kind),
	)

	event := ex.logger.Warn()
	if ex.resp.Outcome == OutcomeFailed && detail.Stage == StageBackendApplied {
		event = ex.logger.Error()
	}
	event.Err(err).
		Str("stage", string(detail.Stage)).
		Str("kind", detail.Kind).
		Str("attribute", detail.Attribute).
		Msg("Request failed")

	_ = o.tel.Events.PublishRequestFailed(ex.resp.RequestID, string(ex.req.Operation),
		ex.resp.TargetSystem, ex.accountRef(), string(detail.Stage), detail.Message)
}

// audit writes the request's single audit record. A sink failure is logged
// and counted, never returned.
func (o *Orchestrator) audit(ctx context.Context, ex *execution) {
	status := audit.StatusSuccess
	stage := StageBackendApplied
	var detail string

	if d := ex.resp.ErrorDetail; d != nil {
		status = audit.StatusError
		stage = d.Stage
		detail = fmt.Sprintf("%s at %s: %s", d.Kind, d.Stage, d.Message)
	} else if ex.resp.Identifier != "" {
		detail = fmt.Sprintf("%s=%s", ex.ruleSet.Identifier, ex.resp.Identifier)
	}

	rec := audit.NewRecord(string(ex.req.Operation), ex.accountRef(), status, detail)
	rec.RequestID = ex.resp.RequestID
	rec.TargetSystem = ex.resp.TargetSystem
	rec.Stage = string(stage)
	rec.Outcome = string(ex.resp.Outcome)
	if calc := ex.resp.CalculatedAttributes; calc != nil {
		rec.Attributes = calc.Map()
	}

	// Auditing runs even when the caller has gone away.
	auditCtx := context.WithoutCancel(ctx)
	if err := o.sink.Record(auditCtx, rec); err != nil {
		o.tel.Metrics.RecordAuditFailure()
		ex.logger.Error().
			Err(err).
			Str("audit_id", rec.ID.String()).
			Str("descriptor", rec.Descriptor).
			Msg("Failed to write audit record")
		return
	}

	ex.resp.Stage = StageAudited
	o.publishStage(ex, telemetry.EventTypeAudited, map[string]interface{}{"audit_id": rec.ID.String()})
}

func (o *Orchestrator) publishStage(ex *execution, eventType string, data map[string]interface{}) {
	stage := ex.resp.Stage
	switch eventType {
	case telemetry.EventTypeAttributesComputed:
		stage = StageAttributesComputed
	case telemetry.EventTypeBackendApplied:
		stage = StageBackendApplied
	case telemetry.EventTypeAudited:
		stage = StageAudited
	}
	_ = o.tel.Events.PublishStage(eventType, ex.resp.RequestID, string(ex.req.Operation),
		ex.resp.TargetSystem, ex.accountRef(), string(stage), data)
}

// accountRef names the account in logs and audit: the caller's account ID,
// else the resolved identifier.
func (ex *execution) accountRef() string {
	if ex.req.AccountID != "" {
		return ex.req.AccountID
	}
	return ex.resp.Identifier
}

// identifierFrom prefers the calculated identifier, then a raw attribute
// named by the rule set's identifier, then the caller's account ID.
func (ex *execution) identifierFrom(calc *rules.Calculated) string {
	if id, ok := calc.Get(ex.ruleSet.Identifier); ok && id != "" {
		return id
	}
	if id := ex.rawIdentifier(); id != "" {
		return id
	}
	return ex.req.AccountID
}

// rawIdentifier returns the caller-supplied value of an identifier that no
// rule computes.
func (ex *execution) rawIdentifier() string {
	key := ex.ruleSet.Identifier
	if key == "" {
		return ""
	}
	if _, declared := ex.ruleSet.Mapping(key); declared {
		return ""
	}
	raw, ok := ex.req.Attributes[key]
	if !ok || raw == nil {
		return ""
	}
	id, err := template.Stringify(raw)
	if err != nil {
		return ""
	}
	return id
}

// hasInputs reports whether every raw input attr depends on is present in
// the seeded context.
func (ex *execution) hasInputs(attr string) bool {
	seeded := ex.snap.Context(ex.req.Attributes)
	for _, key := range ex.ruleSet.Inputs(attr) {
		if v, ok := seeded[key]; !ok || v == nil {
			return false
		}
	}
	return true
}

// payload derives the backend attributes. With a declared payload each
// backend attribute reads its source key from the calculated attributes,
// then the raw attributes, then (on create) the global variables; sources
// that resolve nowhere are left out. Without one, every calculated
// attribute except the identifier is written; a create also carries an
// identifier taken from the raw attributes, since it is the record's key.
func (ex *execution) payload(calc *rules.Calculated, sparse bool) (connectors.Attributes, error) {
	rs := ex.ruleSet
	out := make(connectors.Attributes)

	if len(rs.Payload) == 0 {
		for _, key := range calc.Keys {
			if key == rs.Identifier {
				continue
			}
			out[key] = calc.Values[key]
		}
		if !sparse {
			if id := ex.rawIdentifier(); id != "" {
				out[rs.Identifier] = id
			}
		}
		return out, nil
	}

	for _, field := range rs.Payload {
		if v, ok := calc.Get(field.Source); ok {
			out[field.Attribute] = v
			continue
		}
		raw, ok := ex.req.Attributes[field.Source]
		if !ok && !sparse {
			raw, ok = ex.snap.Global.Variables[field.Source]
		}
		if !ok || raw == nil {
			continue
		}
		s, err := template.Stringify(raw)
		if err != nil {
			return nil, &payloadError{Attribute: field.Attribute, Source: field.Source, Err: err}
		}
		out[field.Attribute] = s
	}
	return out, nil
}

// ReadAccount returns the backend attributes of one account.
func (o *Orchestrator) ReadAccount(ctx context.Context, system, id string) (connectors.Attributes, error) {
	snap := o.engine.Snapshot()
	if snap == nil {
		return nil, &rules.UnknownSystemError{System: system}
	}
	if system == "" {
		system = o.targetFor(snap)
	}
	rs, err := snap.RuleSet(system)
	if err != nil {
		return nil, err
	}

	conn, err := o.connectorFor(rs)
	if err != nil {
		return nil, err
	}

	var attrs connectors.Attributes
	err = o.tel.RecordConnectorOperation(ctx, rs.Connector, "read", kindOf, func(ctx context.Context) error {
		var readErr error
		attrs, readErr = conn.Read(ctx, id)
		return readErr
	})
	return attrs, err
}

// SystemHealth is the reachability of one target system.
type SystemHealth struct {
	Connector string `json:"connector"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// HealthReport summarises the gateway state.
type HealthReport struct {
	Status       string                  `json:"status"`
	RulesVersion uint64                  `json:"rules_version"`
	RulesLoaded  bool                    `json:"rules_loaded"`
	Systems      map[string]SystemHealth `json:"systems"`
	CheckedAt    time.Time               `json:"checked_at"`
}

// Health checks every configured connector concurrently. It never fails;
// unreachable systems mark the report degraded.
func (o *Orchestrator) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:    "ok",
		Systems:   make(map[string]SystemHealth),
		CheckedAt: time.Now().UTC(),
	}

	snap := o.engine.Snapshot()
	if snap == nil {
		report.Status = "degraded"
		return report
	}
	report.RulesLoaded = true
	report.RulesVersion = snap.Version

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, name := range snap.SystemNames() {
		rs := snap.Systems[name]
		wg.Add(1)
		go func() {
			defer wg.Done()

			h := SystemHealth{Connector: rs.Connector}
			conn, err := o.connectorFor(rs)
			if err != nil {
				h.Error = err.Error()
			} else {
				h.Reachable = conn.TestConnection(ctx)
			}

			mu.Lock()
			report.Systems[name] = h
			mu.Unlock()
		}()
	}
	wg.Wait()

	var down []string
	for name, h := range report.Systems {
		if !h.Reachable {
			down = append(down, name)
		}
	}
	if len(down) > 0 {
		sort.Strings(down)
		report.Status = "degraded"
		o.logger.Warn().Str("systems", strings.Join(down, ",")).Msg("Target systems unreachable")
	}
	return report
}

// ReloadHook returns a rules reload callback that records metrics and
// publishes reload events.
func ReloadHook(tel *telemetry.Telemetry) func(rules.ReloadResult) {
	return func(res rules.ReloadResult) {
		if res.Err != nil {
			var version uint64
			if res.Previous != nil {
				version = res.Previous.Version
			}
			tel.Metrics.RecordRulesReload("error", version)
			_ = tel.Events.PublishRulesReloaded(res.Source, version, res.Duration, res.Err)
			return
		}
		tel.Metrics.RecordRulesReload("success", res.Snapshot.Version)
		_ = tel.Events.PublishRulesReloaded(res.Source, res.Snapshot.Version, res.Duration, nil)
	}
}
