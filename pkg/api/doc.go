// Package api serves the provisioning gateway over HTTP.
//
// Routes, all under /api/v1 except /metrics:
//
//	POST   /provision/create                  create on the default target
//	PUT    /provision/update                  update on the default target
//	DELETE /provision/delete                  delete on the default target
//	POST   /provision/batch                   run several requests at once
//	*      /systems/{system}/provision/...    the same, for a named target
//	GET    /systems/{system}/accounts/{id}    read one backend record
//	GET    /health                            connector reachability and version
//	GET    /rules                             active rules, secrets masked
//	POST   /rules/reload                      reload the rule document
//	GET    /audit                             query the audit trail
//	GET    /metrics                           Prometheus metrics
//
// Provisioning responses are serialised as provisioning.Response. The
// status code follows the failure kind: 400 for bad requests, 422 for rule
// failures, 404 for unknown systems and missing accounts, 504 for backend
// timeouts and 502 for other backend failures.
package api
