// Package audit records one entry per provisioning request.
//
// A Record captures the action, the account, the target system, the stage
// the request reached, its outcome and the calculated attributes. Records
// are written through a Sink:
//
//   - SQLStore persists them to SQLite (modernc.org/sqlite) or PostgreSQL
//     (pgx) with schema managed by embedded golang-migrate migrations.
//   - LogSink emits them as structured zerolog events.
//   - MemorySink keeps them in memory.
//
// Audit is insert-only. Sink failures are reported as *SinkError and are
// never allowed to change the outcome of the request being audited.
package audit
