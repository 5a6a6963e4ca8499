// Package config loads the gateway's process configuration.
//
// Configuration comes from three layers, each overriding the previous one:
//
//  1. built-in defaults (see Default)
//  2. a YAML or CUE file passed with --config
//  3. PROVGATE_* environment variables
//
// The result is validated with struct tags before use. Rule documents are not
// part of this configuration; rules.path only points at them so they can be
// reloaded without restarting the process.
//
// Example file:
//
//	server:
//	  listen_address: 0.0.0.0:8000
//	rules:
//	  path: /etc/provgate/rules.yaml
//	  watch: true
//	audit:
//	  enabled: true
//	  driver: pgx
//	  dsn: postgres://provgate@db/provgate
//	provisioning:
//	  backend_timeout: 10s
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
package config
