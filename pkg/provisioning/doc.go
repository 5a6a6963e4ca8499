// Package provisioning runs account lifecycle requests end to end.
//
// Each request moves through a fixed sequence of stages:
//
//	RECEIVED -> ATTRIBUTES_COMPUTED -> BACKEND_APPLIED -> AUDITED -> DONE
//
// A failure at any stage stops the sequence. The failing stage is carried
// into the response's ErrorDetail and into the request's audit record.
// Rule evaluation failures stop the request before any connector call.
// Audit sink failures are logged and counted, never returned.
//
//	orch := provisioning.New(engine, manager, logger,
//	    provisioning.WithAuditSink(store),
//	    provisioning.WithTelemetry(tel))
//
//	resp := orch.Create(ctx, provisioning.Request{
//	    TargetSystem: "ldap",
//	    Attributes:   map[string]any{"firstname": "Jean", "lastname": "Dupont"},
//	})
package provisioning
